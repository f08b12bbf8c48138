package ffinput

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// PatternType defines the type of test pattern to generate.
type PatternType int

const (
	PatternColorBars    PatternType = iota // SMPTE color bars
	PatternGradient                        // Horizontal gradient
	PatternCheckerboard                    // Checkerboard pattern
	PatternSolidColor                      // Solid color
	PatternNoise                           // Random noise
	PatternMovingBox                       // Moving box (animated)
)

func (p PatternType) String() string {
	switch p {
	case PatternColorBars:
		return "bars"
	case PatternGradient:
		return "gradient"
	case PatternCheckerboard:
		return "checkerboard"
	case PatternSolidColor:
		return "solid"
	case PatternNoise:
		return "noise"
	case PatternMovingBox:
		return "box"
	default:
		return "unknown"
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PatternType) UnmarshalText(text []byte) error {
	for t := PatternColorBars; t <= PatternMovingBox; t++ {
		if strings.EqualFold(t.String(), string(text)) {
			*p = t
			return nil
		}
	}
	return fmt.Errorf("unknown pattern %q", text)
}

// TestPatternConfig configures the testsrc demuxer. Every field can be set
// as a URL query parameter or as an option:
//
//	testsrc://?size=320x240&rate=30&frames=10&pattern=box
type TestPatternConfig struct {
	Size     string      `opt:"size"`     // WxH (default: 320x240)
	Rate     string      `opt:"rate"`     // Frames per second, integer or fraction (default: 30)
	Frames   int         `opt:"frames"`   // Frames to produce, 0 for endless
	Pattern  PatternType `opt:"pattern"`  // Pattern type (default: bars)
	Codec    string      `opt:"codec"`    // rawvideo (default) or mjpeg
	PixFmt   string      `opt:"pix_fmt"`  // Raw pixel format (default: I420)
	Quality  int         `opt:"quality"`  // JPEG quality for codec=mjpeg (default: 90)
	Realtime bool        `opt:"realtime"` // Pace packets at the frame rate

	// For SolidColor pattern, as RRGGBB hex
	Color string `opt:"color"`

	// For Checkerboard pattern
	CheckerSize int `opt:"checker"` // Size of each checker square (default: 32)
}

// DefaultTestPatternConfig returns a default test pattern configuration.
func DefaultTestPatternConfig() TestPatternConfig {
	return TestPatternConfig{
		Size:        "320x240",
		Rate:        "30",
		Pattern:     PatternColorBars,
		Codec:       "rawvideo",
		PixFmt:      "I420",
		Quality:     90,
		Color:       "c0c0c0",
		CheckerSize: 32,
	}
}

// testPatternSource generates synthetic packets, like lavfi's testsrc.
type testPatternSource struct {
	config TestPatternConfig
	width  int
	height int
	rate   Rational
	codec  CodecID
	format PixelFormat
	stream StreamInfo
	solid  [3]uint8

	// I420 working frame
	yPlane []byte
	uPlane []byte
	vPlane []byte

	frameCount int64
	startTime  time.Time
	rngState   uint64
	closed     atomic.Bool
	logger     *zap.Logger
}

func init() {
	RegisterDemuxer(Demuxer{
		Name:  "testsrc",
		Probe: func(u *url.URL, _ map[string]string) bool { return u.Scheme == "testsrc" },
		Open: func(ctx context.Context, in *SourceInput) (Source, error) {
			cfg := DefaultTestPatternConfig()
			if err := in.DecodeOptions(&cfg); err != nil {
				return nil, &OpenError{Kind: OpenProtocolError, URL: in.URL, Err: err}
			}
			src, err := newTestPatternSource(cfg)
			if err != nil {
				return nil, &OpenError{Kind: OpenProtocolError, URL: in.URL, Err: err}
			}
			src.logger = in.Logger
			return src, nil
		},
	})
}

func newTestPatternSource(config TestPatternConfig) (*testPatternSource, error) {
	w, h, err := parseSize(config.Size)
	if err != nil {
		return nil, err
	}
	rate, err := parseRate(config.Rate)
	if err != nil {
		return nil, err
	}
	if config.CheckerSize <= 0 {
		config.CheckerSize = 32
	}
	if config.Quality <= 0 || config.Quality > 100 {
		config.Quality = 90
	}
	codec := CodecFromName(config.Codec)
	if codec != CodecRawVideo && codec != CodecMJPEG {
		return nil, fmt.Errorf("testsrc cannot produce codec %q", config.Codec)
	}
	format := PixelFormatI420
	if codec == CodecRawVideo {
		if format, err = ParsePixelFormat(config.PixFmt); err != nil {
			return nil, err
		}
		if format == PixelFormatNone {
			format = PixelFormatI420
		}
	}
	solid, err := parseHexColor(config.Color)
	if err != nil {
		return nil, err
	}

	cw, ch := PixelFormatI420.chromaSize(w, h)
	ySize, uvSize := w*h, cw*ch
	frameData := make([]byte, ySize+2*uvSize)

	s := &testPatternSource{
		config: config,
		width:  w,
		height: h,
		rate:   rate,
		codec:  codec,
		format: format,
		solid:  solid,
		yPlane: frameData[:ySize],
		uPlane: frameData[ySize : ySize+uvSize],
		vPlane: frameData[ySize+uvSize:],
		// Fixed seed keeps the noise pattern reproducible across runs.
		rngState: 0x9E3779B97F4A7C15,
		logger:   zap.NewNop(),
	}
	s.stream = StreamInfo{
		Index:        0,
		MediaType:    MediaTypeVideo,
		Codec:        codec,
		CodecName:    codec.String(),
		Width:        w,
		Height:       h,
		PixelFormat:  format,
		FrameRate:    rate,
		AvgFrameRate: rate,
		TimeBase:     rate.Invert(),
	}
	return s, nil
}

func (s *testPatternSource) Streams() []StreamInfo { return []StreamInfo{s.stream} }

func (s *testPatternSource) ReadPacket(ctx context.Context) (*Packet, error) {
	if s.closed.Load() {
		return nil, fatalIO(ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := s.frameCount
	if s.config.Frames > 0 && n >= int64(s.config.Frames) {
		return nil, ErrEndOfStream
	}
	if n == 0 {
		s.startTime = time.Now()
	}
	if s.config.Realtime {
		due := s.startTime.Add(s.stream.TimeBase.Duration(n))
		if wait := time.Until(due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}

	s.generatePattern(uint64(n))
	data, err := s.encode()
	if err != nil {
		return nil, fatalIO(err)
	}
	s.frameCount++
	return &Packet{
		StreamIndex: 0,
		Data:        data,
		PTS:         n,
		DTS:         n,
		Duration:    1,
		TimeBase:    s.stream.TimeBase,
		KeyFrame:    true,
		ReceivedAt:  time.Now(),
	}, nil
}

func (s *testPatternSource) Close() error {
	s.closed.Store(true)
	return nil
}

// encode turns the working I420 frame into a packet payload.
func (s *testPatternSource) encode() ([]byte, error) {
	cw, _ := PixelFormatI420.chromaSize(s.width, s.height)
	frame := &VideoFrame{
		Data:   [][]byte{s.yPlane, s.uPlane, s.vPlane},
		Stride: []int{s.width, cw, cw},
		Width:  s.width,
		Height: s.height,
		Format: PixelFormatI420,
	}
	if s.codec == CodecMJPEG {
		img := &image.YCbCr{
			Y:              s.yPlane,
			Cb:             s.uPlane,
			Cr:             s.vPlane,
			YStride:        s.width,
			CStride:        cw,
			SubsampleRatio: image.YCbCrSubsampleRatio420,
			Rect:           image.Rect(0, 0, s.width, s.height),
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.config.Quality}); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	if s.format != PixelFormatI420 {
		converted, err := Convert(frame, s.format, 0, 0)
		if err != nil {
			return nil, err
		}
		frame = converted
	}
	return frame.Pack()
}

func (s *testPatternSource) generatePattern(frameNum uint64) {
	switch s.config.Pattern {
	case PatternColorBars:
		s.generateColorBars()
	case PatternGradient:
		s.generateGradient()
	case PatternCheckerboard:
		s.generateCheckerboard()
	case PatternSolidColor:
		s.generateSolidColor(s.solid[0], s.solid[1], s.solid[2])
	case PatternNoise:
		s.generateNoise()
	case PatternMovingBox:
		s.generateMovingBox(frameNum)
	default:
		s.generateColorBars()
	}
}

// SMPTE color bars (simplified 8-bar pattern)
var colorBarsRGB = [][3]uint8{
	{192, 192, 192}, // White (75%)
	{192, 192, 0},   // Yellow
	{0, 192, 192},   // Cyan
	{0, 192, 0},     // Green
	{192, 0, 192},   // Magenta
	{192, 0, 0},     // Red
	{0, 0, 192},     // Blue
	{16, 16, 16},    // Black
}

// setPixel writes luma and, on even coordinates, the shared chroma sample.
func (s *testPatternSource) setPixel(x, y int, yVal, u, v uint8) {
	s.yPlane[y*s.width+x] = yVal
	if x%2 == 0 && y%2 == 0 {
		cw, _ := PixelFormatI420.chromaSize(s.width, s.height)
		uvIdx := (y/2)*cw + x/2
		s.uPlane[uvIdx] = u
		s.vPlane[uvIdx] = v
	}
}

func (s *testPatternSource) generateColorBars() {
	w, h := s.width, s.height
	barWidth := max(w/8, 1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			barIdx := min(x/barWidth, 7)
			rgb := colorBarsRGB[barIdx]
			yVal, u, v := rgbToYUV(rgb[0], rgb[1], rgb[2])
			s.setPixel(x, y, yVal, u, v)
		}
	}
}

func (s *testPatternSource) generateGradient() {
	w, h := s.width, s.height
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// Horizontal gradient from black to white
			s.setPixel(x, y, uint8((x*255)/w), 128, 128)
		}
	}
}

func (s *testPatternSource) generateCheckerboard() {
	size := s.config.CheckerSize
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			var yVal uint8 = 16
			if ((x/size)+(y/size))%2 == 0 {
				yVal = 235
			}
			s.setPixel(x, y, yVal, 128, 128)
		}
	}
}

func (s *testPatternSource) generateSolidColor(r, g, b uint8) {
	yVal, u, v := rgbToYUV(r, g, b)
	fill(s.yPlane, yVal)
	fill(s.uPlane, u)
	fill(s.vPlane, v)
}

func (s *testPatternSource) generateNoise() {
	// Simple xorshift64 PRNG for fast noise
	for i := range s.yPlane {
		s.rngState ^= s.rngState << 13
		s.rngState ^= s.rngState >> 7
		s.rngState ^= s.rngState << 17
		s.yPlane[i] = uint8(s.rngState)
	}
	fill(s.uPlane, 128)
	fill(s.vPlane, 128)
}

func (s *testPatternSource) generateMovingBox(frameNum uint64) {
	w, h := s.width, s.height
	fill(s.yPlane, 16)
	fill(s.uPlane, 128)
	fill(s.vPlane, 128)

	// Box moves in a circle
	boxSize := max(min(w, h)/4, 2)
	radius := float64(min(w, h)) / 4
	angle := float64(frameNum) * 0.05
	boxX := w/2 + int(radius*math.Cos(angle)) - boxSize/2
	boxY := h/2 + int(radius*math.Sin(angle)) - boxSize/2

	for y := max(boxY, 0); y < boxY+boxSize && y < h; y++ {
		for x := max(boxX, 0); x < boxX+boxSize && x < w; x++ {
			s.setPixel(x, y, 235, 128, 128)
		}
	}
}

func fill(b []byte, v uint8) {
	for i := range b {
		b[i] = v
	}
}

// parseSize parses WxH.
func parseSize(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid size %q, want WxH", s)
	}
	w, err1 := strconv.Atoi(ws)
	h, err2 := strconv.Atoi(hs)
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid size %q, want WxH", s)
	}
	return w, h, nil
}

// parseRate parses "30", "29.97" or "30000/1001".
func parseRate(s string) (Rational, error) {
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err1 := strconv.Atoi(num)
		d, err2 := strconv.Atoi(den)
		if err1 != nil || err2 != nil || n <= 0 || d <= 0 {
			return Rational{}, fmt.Errorf("invalid rate %q", s)
		}
		return Rational{Num: n, Den: d}, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return Rational{}, fmt.Errorf("invalid rate %q", s)
	}
	if f == math.Trunc(f) {
		return Rational{Num: int(f), Den: 1}, nil
	}
	return Rational{Num: int(math.Round(f * 1000)), Den: 1000}, nil
}

func parseHexColor(s string) ([3]uint8, error) {
	var rgb [3]uint8
	s = strings.TrimPrefix(s, "#")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil || len(s) != 6 {
		return rgb, fmt.Errorf("invalid color %q, want RRGGBB", s)
	}
	rgb[0], rgb[1], rgb[2] = uint8(v>>16), uint8(v>>8), uint8(v)
	return rgb, nil
}
