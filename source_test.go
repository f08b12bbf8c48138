package ffinput

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"testing"
	"time"
)

// stubSource is a scripted Source for tests.
type stubSource struct {
	streams []StreamInfo
	packets []*Packet
	errs    []error // returned in turn before the next packet, nil entries are skipped
	closed  bool
}

func (s *stubSource) Streams() []StreamInfo { return s.streams }

func (s *stubSource) ReadPacket(ctx context.Context) (*Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(s.packets) == 0 {
		return nil, ErrEndOfStream
	}
	p := s.packets[0]
	s.packets = s.packets[1:]
	return p, nil
}

func (s *stubSource) Close() error {
	s.closed = true
	return nil
}

func init() {
	RegisterDemuxer(Demuxer{
		Name:  "test-block",
		Probe: func(u *url.URL, _ map[string]string) bool { return u.Scheme == "block" },
		Open: func(ctx context.Context, in *SourceInput) (Source, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	RegisterDemuxer(Demuxer{
		Name:  "test-empty",
		Probe: func(u *url.URL, _ map[string]string) bool { return u.Scheme == "empty" },
		Open: func(ctx context.Context, in *SourceInput) (Source, error) {
			return &stubSource{}, nil
		},
	})
}

func TestOpenSource_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		url  string
		opts map[string]string
		kind OpenErrorKind
	}{
		{"empty url", "", nil, OpenNotFound},
		{"missing file", filepath.Join(dir, "missing.y4m"), nil, OpenNotFound},
		{"no streams", "empty://x", nil, OpenProtocolError},
		{"probe timeout", "block://x", map[string]string{"probe_timeout": "30ms"}, OpenTimeout},
		{"bad testsrc option", "testsrc://?frames=many", nil, OpenProtocolError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := OpenSource(context.Background(), SourceDescriptor{URL: tt.url, Options: tt.opts, StreamIndex: StreamAuto})
			var oe *OpenError
			if !errors.As(err, &oe) {
				t.Fatalf("OpenSource(%q) = %v, want *OpenError", tt.url, err)
			}
			if oe.Kind != tt.kind {
				t.Errorf("kind = %s, want %s (%v)", oe.Kind, tt.kind, err)
			}
		})
	}
}

func TestOpenSource_UnsupportedFormat(t *testing.T) {
	if IsDemuxerAvailable("ffmpeg") {
		t.Skip("libav fallback claims every URL")
	}
	_, err := OpenSource(context.Background(), SourceDescriptor{URL: "clip.unknownext"})
	var oe *OpenError
	if !errors.As(err, &oe) || oe.Kind != OpenUnsupportedFormat {
		t.Errorf("OpenSource = %v, want unsupported format", err)
	}
}

func TestOpenSource_ProbeTimeoutOption(t *testing.T) {
	start := time.Now()
	_, err := OpenSource(context.Background(), SourceDescriptor{URL: "block://x"}, WithProbeTimeout(40*time.Millisecond))
	var oe *OpenError
	if !errors.As(err, &oe) || oe.Kind != OpenTimeout {
		t.Fatalf("OpenSource = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestOpenSource_TestPattern(t *testing.T) {
	src, err := OpenSource(context.Background(), SourceDescriptor{URL: "testsrc://?size=64x48&rate=25&frames=3"})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	streams := src.Streams()
	if len(streams) != 1 || streams[0].Width != 64 || streams[0].Height != 48 {
		t.Fatalf("streams = %v", streams)
	}
	n := 0
	for {
		_, err := src.ReadPacket(context.Background())
		if errors.Is(err, ErrEndOfStream) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		n++
	}
	if n != 3 {
		t.Errorf("read %d packets, want 3", n)
	}
}

func TestSelectDemuxer(t *testing.T) {
	tests := []struct {
		url  string
		opts map[string]string
		want string
	}{
		{"testsrc://?size=64x48", nil, "testsrc"},
		{"/data/clip.y4m", nil, "y4m"},
		{"http://cam/video.IVF", nil, "ivf"},
		{"/data/clip.mp4", nil, "mp4"},
		{"/data/clip.264", nil, "h264"},
		{"rtp://0.0.0.0:5004", nil, "rtp"},
		{"/data/session.sdp", nil, "rtp"},
		{"http://cam/mjpg/video.cgi", nil, "mjpeg"},
		{"/data/clip.bin", map[string]string{"f": "y4m"}, "y4m"},
		{"/data/clip.y4m", map[string]string{"format": "ivf"}, "ivf"},
	}
	for _, tt := range tests {
		u, err := parseSourceURL(tt.url)
		if err != nil {
			t.Fatal(err)
		}
		d, err := selectDemuxer(u, tt.opts)
		if err != nil {
			t.Errorf("selectDemuxer(%q): %v", tt.url, err)
			continue
		}
		if d.Name != tt.want {
			t.Errorf("selectDemuxer(%q) = %s, want %s", tt.url, d.Name, tt.want)
		}
	}
}

func TestParseSourceURL(t *testing.T) {
	u, err := parseSourceURL("/tmp/a b.y4m")
	if err != nil || u.Scheme != "file" || u.Path != "/tmp/a b.y4m" {
		t.Errorf("bare path = %+v, %v", u, err)
	}
	u, err = parseSourceURL("RTSP://cam:554/stream")
	if err != nil || u.Scheme != "rtsp" || u.Host != "cam:554" {
		t.Errorf("rtsp url = %+v, %v", u, err)
	}
	if _, err := parseSourceURL(""); err == nil {
		t.Error("empty url accepted")
	}
}

func TestDecodeOptions(t *testing.T) {
	u, _ := url.Parse("testsrc://?size=10x10&frames=4&realtime=1")
	in := &SourceInput{Parsed: u, Options: map[string]string{"frames": "7", "pattern": "box"}}
	cfg := DefaultTestPatternConfig()
	if err := in.DecodeOptions(&cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Size != "10x10" || cfg.Frames != 7 || !cfg.Realtime || cfg.Pattern != PatternMovingBox {
		t.Errorf("decoded %+v", cfg)
	}

	in = &SourceInput{Options: map[string]string{"pattern": "zigzag"}}
	if err := in.DecodeOptions(&cfg); err == nil {
		t.Error("unknown pattern accepted")
	}
}

func TestParseDurationOption(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"2s", 2 * time.Second},
		{"150ms", 150 * time.Millisecond},
		{"1500000", 1500 * time.Millisecond},
	}
	for _, tt := range tests {
		got, err := parseDurationOption(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("parseDurationOption(%q) = %v, %v", tt.in, got, err)
		}
	}
	if _, err := parseDurationOption("soon"); err == nil {
		t.Error("garbage accepted")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassifyReadError(t *testing.T) {
	var ioe *IoError

	err := classifyReadError(timeoutErr{})
	if !errors.As(err, &ioe) || !ioe.Temporary() {
		t.Errorf("timeout = %v, want transient", err)
	}
	err = classifyReadError(fmt.Errorf("read: %w", errors.New("connection reset by peer")))
	if !errors.As(err, &ioe) || ioe.Kind != IoTransient {
		t.Errorf("reset = %v, want transient", err)
	}
	err = classifyReadError(errors.New("invalid data found"))
	if !errors.As(err, &ioe) || ioe.Kind != IoFatal {
		t.Errorf("invalid data = %v, want fatal", err)
	}
	if err := classifyReadError(ErrEndOfStream); err != ErrEndOfStream {
		t.Errorf("end of stream rewrapped: %v", err)
	}
	if classifyReadError(nil) != nil {
		t.Error("nil error classified")
	}
}

func TestClassifyOpenError(t *testing.T) {
	tests := []struct {
		err  error
		kind OpenErrorKind
	}{
		{context.DeadlineExceeded, OpenTimeout},
		{&net.DNSError{Err: "no such host", Name: "cam"}, OpenNotFound},
		{&net.OpError{Op: "dial", Err: errors.New("refused")}, OpenNotFound},
		{errors.New("moov box missing"), OpenProtocolError},
	}
	for _, tt := range tests {
		if got := classifyOpenError("x", tt.err); got.Kind != tt.kind {
			t.Errorf("classifyOpenError(%v) = %s, want %s", tt.err, got.Kind, tt.kind)
		}
	}
	orig := &OpenError{Kind: OpenUnsupportedFormat, URL: "y"}
	if classifyOpenError("x", fmt.Errorf("wrap: %w", orig)) != orig {
		t.Error("existing *OpenError not passed through")
	}
}
