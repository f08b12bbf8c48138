package ffinput

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// setNativeLogLevel mirrors the log level to native libraries. The ffmpeg
// backend replaces it.
var setNativeLogLevel = func(zapcore.Level) {}

// ParseLogLevel maps a level name to a zap level. "off" and "quiet"
// disable logging.
func ParseLogLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "trace", "debug", "verbose":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "off", "quiet", "fatal":
		return zapcore.FatalLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// NewLogger builds a production logger whose level can be changed through
// the returned AtomicLevel. Console output uses the coloured development
// encoder.
func NewLogger(level string, console bool) (*zap.Logger, zap.AtomicLevel, error) {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	if console {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	return logger, cfg.Level, nil
}

// withLevel filters a logger through an adjustable level. It can only
// narrow what the underlying core already emits.
func withLevel(base *zap.Logger, level zap.AtomicLevel) *zap.Logger {
	return base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return &leveledCore{Core: c, level: level}
	}))
}

type leveledCore struct {
	zapcore.Core
	level zap.AtomicLevel
}

func (c *leveledCore) Enabled(l zapcore.Level) bool {
	return c.level.Enabled(l) && c.Core.Enabled(l)
}

func (c *leveledCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.level.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *leveledCore) With(fields []zapcore.Field) zapcore.Core {
	return &leveledCore{Core: c.Core.With(fields), level: c.level}
}
