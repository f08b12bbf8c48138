package ffinput

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	DefaultQueueCapacity  = 32
	DefaultMaxReadRetries = 3
	DefaultRetryBackoff   = 500 * time.Millisecond
)

// Config configures a Pipeline. Start from DefaultConfig; the zero value
// selects stream 0 rather than the first video stream.
type Config struct {
	URL         string            `yaml:"url"`
	Options     map[string]string `yaml:"options"`      // Demuxer options, passed verbatim to libav
	StreamIndex int               `yaml:"stream_index"` // StreamAuto for the first video stream

	// Output. PixelFormatNone keeps the decoder's format; zero sizes keep
	// the source size.
	TargetFormat PixelFormat `yaml:"target_format"`
	TargetWidth  int         `yaml:"target_width"`
	TargetHeight int         `yaml:"target_height"`
	ScaleMode    ScaleMode   `yaml:"scale_mode"`

	QueueCapacity int  `yaml:"queue_capacity"`
	DropWhenFull  bool `yaml:"drop_when_full"` // Drop instead of blocking when the queue is full

	// Passthrough delivers compressed packets of the selected stream
	// without decoding. AutoConvertRaw still decodes rawvideo streams.
	Passthrough    bool `yaml:"passthrough"`
	AutoConvertRaw bool `yaml:"auto_convert_raw"`

	Provider     Provider `yaml:"provider"`      // ProviderAuto picks the best available
	Threads      int      `yaml:"threads"`       // Decoder threads, 0 for the backend default
	ReorderDepth int      `yaml:"reorder_depth"` // -1 uses the stream's reorder depth

	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	IOTimeout      time.Duration `yaml:"io_timeout"`
	MaxReadRetries int           `yaml:"max_read_retries"` // 0 for the default, -1 disables retries
	RetryBackoff   time.Duration `yaml:"retry_backoff"`

	LogLevel string      `yaml:"log_level"`
	Logger   *zap.Logger `yaml:"-"` // Defaults to a no-op logger
	OnError  func(error) `yaml:"-"` // Called for every recoverable and terminal error
}

// DefaultConfig returns a configuration decoding the first video stream in
// its native format.
func DefaultConfig() Config {
	return Config{
		StreamIndex:    StreamAuto,
		QueueCapacity:  DefaultQueueCapacity,
		ReorderDepth:   -1,
		ProbeTimeout:   DefaultProbeTimeout,
		IOTimeout:      DefaultIOTimeout,
		MaxReadRetries: DefaultMaxReadRetries,
		RetryBackoff:   DefaultRetryBackoff,
		LogLevel:       "info",
	}
}

// LoadConfig reads a YAML file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var result *multierror.Error
	if c.URL == "" {
		result = multierror.Append(result, errors.New("url is required"))
	}
	if c.StreamIndex < StreamAuto {
		result = multierror.Append(result, fmt.Errorf("stream_index %d is invalid", c.StreamIndex))
	}
	if c.TargetWidth < 0 || c.TargetHeight < 0 {
		result = multierror.Append(result, fmt.Errorf("target size %dx%d is invalid", c.TargetWidth, c.TargetHeight))
	}
	if c.QueueCapacity < 0 {
		result = multierror.Append(result, fmt.Errorf("queue_capacity %d is invalid", c.QueueCapacity))
	}
	if c.MaxReadRetries < -1 {
		result = multierror.Append(result, fmt.Errorf("max_read_retries %d is invalid", c.MaxReadRetries))
	}
	if c.ReorderDepth < -1 {
		result = multierror.Append(result, fmt.Errorf("reorder_depth %d is invalid", c.ReorderDepth))
	}
	if c.ProbeTimeout < 0 || c.IOTimeout < 0 || c.RetryBackoff < 0 {
		result = multierror.Append(result, errors.New("timeouts must not be negative"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	if c.QueueCapacity == 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.IOTimeout == 0 {
		c.IOTimeout = DefaultIOTimeout
	}
	switch c.MaxReadRetries {
	case 0:
		c.MaxReadRetries = DefaultMaxReadRetries
	case -1:
		c.MaxReadRetries = 0
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}
