package ffinput

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

const (
	DefaultProbeTimeout = 10 * time.Second
	DefaultIOTimeout    = 5 * time.Second
)

// SourceDescriptor names what to open.
type SourceDescriptor struct {
	URL         string            // File path or URL
	Options     map[string]string // Demuxer options, passed verbatim to libav
	StreamIndex int               // Stream to decode, StreamAuto for the first video stream
}

// Source is an opened demux context. ReadPacket is called from a single
// goroutine; Close may be called from any goroutine and is idempotent.
type Source interface {
	io.Closer

	// Streams returns the streams found while probing.
	Streams() []StreamInfo

	// ReadPacket returns the next packet, ErrEndOfStream, or an *IoError.
	ReadPacket(ctx context.Context) (*Packet, error)
}

// SourceInput is what a demuxer gets to open a source.
type SourceInput struct {
	URL       string
	Parsed    *url.URL
	Options   map[string]string
	IOTimeout time.Duration
	Logger    *zap.Logger
}

// DecodeOptions decodes the URL query parameters and the options into a
// struct whose fields carry `opt` tags. Options win over query parameters.
// Unknown keys are ignored; they may be meant for libav.
func (in *SourceInput) DecodeOptions(out any) error {
	merged := make(map[string]string)
	if in.Parsed != nil {
		for k, v := range in.Parsed.Query() {
			if len(v) > 0 {
				merged[k] = v[0]
			}
		}
	}
	for k, v := range in.Options {
		merged[k] = v
	}
	return decodeOptionMap(merged, out)
}

func decodeOptionMap(m map[string]string, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		TagName:          "opt",
		Result:           out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
		),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(m); err != nil {
		return fmt.Errorf("options: %w", err)
	}
	return nil
}

// Ext returns the lower-cased extension of the URL path, without the dot.
func (in *SourceInput) Ext() string {
	return urlExt(in.Parsed)
}

// DemuxerFactory opens a source. ctx bounds probing only; it is cancelled
// once the factory returns.
type DemuxerFactory func(ctx context.Context, in *SourceInput) (Source, error)

// Demuxer describes a registered container or protocol reader.
type Demuxer struct {
	Name string
	// Probe claims a URL. A nil Probe means the demuxer is only used when
	// selected explicitly with the "f" option.
	Probe func(u *url.URL, opts map[string]string) bool
	Open  DemuxerFactory
	// Fallback demuxers are tried after every probe has declined.
	Fallback bool
}

// demuxerRegistry holds registered demuxers in registration order.
type demuxerRegistry struct {
	demuxers []Demuxer
	mu       sync.RWMutex
}

var globalDemuxerRegistry = &demuxerRegistry{}

// RegisterDemuxer registers a demuxer, replacing one of the same name.
func RegisterDemuxer(d Demuxer) {
	globalDemuxerRegistry.mu.Lock()
	defer globalDemuxerRegistry.mu.Unlock()
	for i := range globalDemuxerRegistry.demuxers {
		if globalDemuxerRegistry.demuxers[i].Name == d.Name {
			globalDemuxerRegistry.demuxers[i] = d
			return
		}
	}
	globalDemuxerRegistry.demuxers = append(globalDemuxerRegistry.demuxers, d)
}

// IsDemuxerAvailable checks if a demuxer is registered.
func IsDemuxerAvailable(name string) bool {
	_, ok := lookupDemuxer(name)
	return ok
}

// AvailableDemuxers returns the names of registered demuxers.
func AvailableDemuxers() []string {
	globalDemuxerRegistry.mu.RLock()
	defer globalDemuxerRegistry.mu.RUnlock()
	names := make([]string, 0, len(globalDemuxerRegistry.demuxers))
	for _, d := range globalDemuxerRegistry.demuxers {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names
}

func lookupDemuxer(name string) (Demuxer, bool) {
	globalDemuxerRegistry.mu.RLock()
	defer globalDemuxerRegistry.mu.RUnlock()
	for _, d := range globalDemuxerRegistry.demuxers {
		if d.Name == name {
			return d, true
		}
	}
	return Demuxer{}, false
}

// selectDemuxer applies the "f" option, then the probes, then the fallbacks.
func selectDemuxer(u *url.URL, opts map[string]string) (Demuxer, error) {
	name := opts["f"]
	if name == "" {
		name = opts["format"]
	}
	if name != "" {
		if d, ok := lookupDemuxer(name); ok {
			return d, nil
		}
	}

	globalDemuxerRegistry.mu.RLock()
	defer globalDemuxerRegistry.mu.RUnlock()
	if name == "" {
		for _, d := range globalDemuxerRegistry.demuxers {
			if !d.Fallback && d.Probe != nil && d.Probe(u, opts) {
				return d, nil
			}
		}
	}
	// Fallbacks also take format names they may know (libav input formats).
	for _, d := range globalDemuxerRegistry.demuxers {
		if d.Fallback {
			return d, nil
		}
	}
	if name != "" {
		return Demuxer{}, fmt.Errorf("demuxer %q not available", name)
	}
	return Demuxer{}, fmt.Errorf("no demuxer for %q", u.String())
}

// Option configures OpenSource.
type Option func(*sourceOptions)

type sourceOptions struct {
	logger       *zap.Logger
	ioTimeout    time.Duration
	probeTimeout time.Duration
}

// WithLogger sets the logger used by the demuxer.
func WithLogger(l *zap.Logger) Option {
	return func(o *sourceOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithIOTimeout bounds single network reads.
func WithIOTimeout(d time.Duration) Option {
	return func(o *sourceOptions) {
		if d > 0 {
			o.ioTimeout = d
		}
	}
}

// WithProbeTimeout bounds opening and probing.
func WithProbeTimeout(d time.Duration) Option {
	return func(o *sourceOptions) {
		if d > 0 {
			o.probeTimeout = d
		}
	}
}

// OpenSource opens the URL, probes its streams and returns a Source. Every
// failure is an *OpenError.
func OpenSource(ctx context.Context, desc SourceDescriptor, opts ...Option) (Source, error) {
	o := sourceOptions{
		logger:       zap.NewNop(),
		ioTimeout:    DefaultIOTimeout,
		probeTimeout: DefaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	options := make(map[string]string, len(desc.Options))
	for k, v := range desc.Options {
		options[k] = v
	}
	if v, ok := options["probe_timeout"]; ok {
		if d, err := parseDurationOption(v); err == nil && d > 0 {
			o.probeTimeout = d
		}
	}

	u, err := parseSourceURL(desc.URL)
	if err != nil {
		return nil, &OpenError{Kind: OpenNotFound, URL: desc.URL, Err: err}
	}
	d, err := selectDemuxer(u, options)
	if err != nil {
		return nil, &OpenError{Kind: OpenUnsupportedFormat, URL: desc.URL, Err: err}
	}

	in := &SourceInput{
		URL:       desc.URL,
		Parsed:    u,
		Options:   options,
		IOTimeout: o.ioTimeout,
		Logger:    o.logger.With(zap.String("demuxer", d.Name)),
	}

	pctx, cancel := context.WithTimeout(ctx, o.probeTimeout)
	defer cancel()

	type result struct {
		src Source
		err error
	}
	done := make(chan result, 1)
	go func() {
		src, err := d.Open(pctx, in)
		done <- result{src, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-pctx.Done():
		// The factory may still succeed; release whatever it returns.
		go func() {
			if late := <-done; late.src != nil {
				late.src.Close()
			}
		}()
		return nil, &OpenError{Kind: OpenTimeout, URL: desc.URL, Err: pctx.Err()}
	}
	if r.err != nil {
		if r.src != nil {
			r.src.Close()
		}
		return nil, classifyOpenError(desc.URL, r.err)
	}
	if len(r.src.Streams()) == 0 {
		r.src.Close()
		return nil, &OpenError{Kind: OpenProtocolError, URL: desc.URL, Err: fmt.Errorf("%s: no streams found", d.Name)}
	}
	for _, s := range r.src.Streams() {
		in.Logger.Debug("stream found", zap.Stringer("stream", s))
	}
	return r.src, nil
}

// parseSourceURL accepts URLs and bare file paths.
func parseSourceURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty url")
	}
	if !strings.Contains(raw, "://") {
		return &url.URL{Scheme: "file", Path: raw}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	return u, nil
}

func urlExt(u *url.URL) string {
	if u == nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
}

func isFileOrHTTP(u *url.URL) bool {
	switch u.Scheme {
	case "file", "http", "https":
		return true
	}
	return false
}

// probeExt builds a Probe that claims file and HTTP URLs by extension.
func probeExt(exts ...string) func(u *url.URL, opts map[string]string) bool {
	return func(u *url.URL, _ map[string]string) bool {
		if !isFileOrHTTP(u) {
			return false
		}
		ext := urlExt(u)
		for _, e := range exts {
			if ext == e {
				return true
			}
		}
		return false
	}
}

func parseDurationOption(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	// libav convention: plain numbers are microseconds.
	var us int64
	if _, err := fmt.Sscan(v, &us); err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return time.Duration(us) * time.Microsecond, nil
}

// inputStream is a byte stream from a file or an HTTP response body.
type inputStream struct {
	io.ReadCloser
	ContentType string
	Size        int64 // -1 if unknown

	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// openInput opens a file or issues an HTTP GET. The response body lives
// until Close, independent of ctx.
func openInput(ctx context.Context, in *SourceInput) (*inputStream, error) {
	u := in.Parsed
	switch u.Scheme {
	case "file":
		p := u.Path
		if u.Host != "" && u.Host != "localhost" {
			p = u.Host + u.Path
		}
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		size := int64(-1)
		if st, err := f.Stat(); err == nil {
			size = st.Size()
		}
		return &inputStream{ReadCloser: f, Size: size}, nil

	case "http", "https":
		bodyCtx, cancel := context.WithCancel(context.Background())
		req, err := http.NewRequestWithContext(bodyCtx, http.MethodGet, u.String(), nil)
		if err != nil {
			cancel()
			return nil, err
		}
		if ua := in.Options["user_agent"]; ua != "" {
			req.Header.Set("User-Agent", ua)
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = in.IOTimeout
		client := &http.Client{Transport: transport}

		// Abort the request if probing gives up before headers arrive.
		stop := context.AfterFunc(ctx, cancel)
		resp, err := client.Do(req)
		stop()
		if err != nil {
			cancel()
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			cancel()
			kind := OpenProtocolError
			if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
				kind = OpenNotFound
			}
			return nil, &OpenError{Kind: kind, URL: in.URL, Err: fmt.Errorf("http status %s", resp.Status)}
		}
		return &inputStream{
			ReadCloser:  resp.Body,
			ContentType: resp.Header.Get("Content-Type"),
			Size:        resp.ContentLength,
			cancel:      cancel,
		}, nil
	}
	return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
}

// watch aborts blocking reads when ctx is cancelled. The returned function
// detaches the watcher.
func (s *inputStream) watch(ctx context.Context) func() bool {
	if s.cancel == nil {
		return func() bool { return true }
	}
	return context.AfterFunc(ctx, s.cancel)
}

func (s *inputStream) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.closeErr = s.ReadCloser.Close()
	})
	return s.closeErr
}
