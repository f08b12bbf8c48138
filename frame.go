// Core frame types used across the ffinput package.
package ffinput

import (
	"fmt"
	"strings"
	"time"
)

// PixelFormat represents video pixel formats.
type PixelFormat int

const (
	PixelFormatNone    PixelFormat = iota // Native / undecoded (no conversion)
	PixelFormatI420                       // YUV 4:2:0 planar (Y + U + V)
	PixelFormatI422                       // YUV 4:2:2 planar
	PixelFormatI444                       // YUV 4:4:4 planar
	PixelFormatNV12                       // YUV 4:2:0 semi-planar (Y + interleaved UV)
	PixelFormatYUYV422                    // Packed YUV 4:2:2, Y0 U Y1 V
	PixelFormatGray8                      // Single 8-bit luma plane
	PixelFormatRGB24                      // Packed RGB, 3 bytes per pixel
	PixelFormatBGR24                      // Packed BGR, 3 bytes per pixel
	PixelFormatRGBA32                     // Packed RGBA, 4 bytes per pixel
	PixelFormatBGRA32                     // Packed BGRA, 4 bytes per pixel
)

var pixelFormatNames = [...]string{
	PixelFormatNone:    "none",
	PixelFormatI420:    "I420",
	PixelFormatI422:    "I422",
	PixelFormatI444:    "I444",
	PixelFormatNV12:    "NV12",
	PixelFormatYUYV422: "YUYV422",
	PixelFormatGray8:   "GRAY8",
	PixelFormatRGB24:   "RGB24",
	PixelFormatBGR24:   "BGR24",
	PixelFormatRGBA32:  "RGBA32",
	PixelFormatBGRA32:  "BGRA32",
}

func (p PixelFormat) String() string {
	if p < 0 || int(p) >= len(pixelFormatNames) {
		return "Unknown"
	}
	return pixelFormatNames[p]
}

// ParsePixelFormat parses a format name. ffmpeg spellings (yuv420p, rgb24,
// bgra, gray) are accepted as well.
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "native":
		return PixelFormatNone, nil
	case "i420", "yuv420p", "yuvj420p":
		return PixelFormatI420, nil
	case "i422", "yuv422p", "yuvj422p":
		return PixelFormatI422, nil
	case "i444", "yuv444p", "yuvj444p":
		return PixelFormatI444, nil
	case "nv12":
		return PixelFormatNV12, nil
	case "yuyv422", "yuyv", "yuy2":
		return PixelFormatYUYV422, nil
	case "gray8", "gray", "mono":
		return PixelFormatGray8, nil
	case "rgb24", "rgb":
		return PixelFormatRGB24, nil
	case "bgr24", "bgr":
		return PixelFormatBGR24, nil
	case "rgba32", "rgba":
		return PixelFormatRGBA32, nil
	case "bgra32", "bgra":
		return PixelFormatBGRA32, nil
	}
	return PixelFormatNone, fmt.Errorf("unknown pixel format %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p PixelFormat) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PixelFormat) UnmarshalText(text []byte) error {
	v, err := ParsePixelFormat(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// PlaneCount returns the number of planes for this pixel format.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatI420, PixelFormatI422, PixelFormatI444:
		return 3 // Y, U, V
	case PixelFormatNV12:
		return 2 // Y, UV
	case PixelFormatYUYV422, PixelFormatGray8, PixelFormatRGB24, PixelFormatBGR24,
		PixelFormatRGBA32, PixelFormatBGRA32:
		return 1 // Packed
	default:
		return 0
	}
}

// Planar reports whether the format stores luma and chroma in separate planes.
func (p PixelFormat) Planar() bool {
	switch p {
	case PixelFormatI420, PixelFormatI422, PixelFormatI444, PixelFormatNV12, PixelFormatGray8:
		return true
	}
	return false
}

// IsRGB reports whether the format is one of the packed RGB variants.
func (p PixelFormat) IsRGB() bool {
	switch p {
	case PixelFormatRGB24, PixelFormatBGR24, PixelFormatRGBA32, PixelFormatBGRA32:
		return true
	}
	return false
}

// BytesPerPixel returns the pixel size of packed formats, 0 for planar ones.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelFormatRGB24, PixelFormatBGR24:
		return 3
	case PixelFormatRGBA32, PixelFormatBGRA32:
		return 4
	case PixelFormatYUYV422:
		return 2
	default:
		return 0
	}
}

// chromaSize returns the dimensions of the chroma planes. Odd sizes round up.
func (p PixelFormat) chromaSize(width, height int) (w, h int) {
	switch p {
	case PixelFormatI420, PixelFormatNV12:
		return (width + 1) / 2, (height + 1) / 2
	case PixelFormatI422:
		return (width + 1) / 2, height
	case PixelFormatI444:
		return width, height
	default:
		return 0, 0
	}
}

// Strides returns the tightly packed row size of each plane.
func (p PixelFormat) Strides(width int) []int {
	cw, _ := p.chromaSize(width, 1)
	switch p {
	case PixelFormatI420, PixelFormatI422, PixelFormatI444:
		return []int{width, cw, cw}
	case PixelFormatNV12:
		return []int{width, cw * 2}
	case PixelFormatGray8:
		return []int{width}
	case PixelFormatYUYV422:
		return []int{((width + 1) / 2) * 4}
	case PixelFormatRGB24, PixelFormatBGR24, PixelFormatRGBA32, PixelFormatBGRA32:
		return []int{width * p.BytesPerPixel()}
	default:
		return nil
	}
}

// PlaneSizes returns the byte size of each tightly packed plane. The planes
// of a contiguous payload follow each other in this order.
func (p PixelFormat) PlaneSizes(width, height int) []int {
	strides := p.Strides(width)
	if strides == nil {
		return nil
	}
	_, ch := p.chromaSize(width, height)
	sizes := make([]int, len(strides))
	for i, s := range strides {
		rows := height
		if i > 0 {
			rows = ch
		}
		sizes[i] = s * rows
	}
	return sizes
}

// BufferSize returns the total size of a tightly packed frame.
func (p PixelFormat) BufferSize(width, height int) int {
	total := 0
	for _, s := range p.PlaneSizes(width, height) {
		total += s
	}
	return total
}

// planeRows returns the number of rows of plane i.
func (p PixelFormat) planeRows(i, height int) int {
	if i == 0 {
		return height
	}
	_, ch := p.chromaSize(1, height)
	return ch
}

// Rational is a fraction, used for time bases and frame rates.
type Rational struct {
	Num int
	Den int
}

// Valid reports whether both terms are positive.
func (r Rational) Valid() bool { return r.Num > 0 && r.Den > 0 }

// Float returns the value of the fraction, 0 when invalid.
func (r Rational) Float() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// Invert returns Den/Num.
func (r Rational) Invert() Rational { return Rational{Num: r.Den, Den: r.Num} }

func (r Rational) String() string { return fmt.Sprintf("%d/%d", r.Num, r.Den) }

// Duration converts a timestamp expressed in this time base to a duration.
func (r Rational) Duration(ts int64) time.Duration {
	if !r.Valid() {
		return 0
	}
	// Split to avoid overflowing int64 for large timestamps.
	sec := ts * int64(r.Num) / int64(r.Den)
	rem := ts*int64(r.Num) - sec*int64(r.Den)
	return time.Duration(sec)*time.Second + time.Duration(rem)*time.Second/time.Duration(r.Den)
}

// VideoFrame represents a raw video frame.
// The Data slices may point to external memory (e.g., C memory via FFI).
// Callers must ensure the data remains valid for the lifetime of the frame.
type VideoFrame struct {
	Data     [][]byte    // Plane data (1-3 planes depending on format)
	Stride   []int       // Stride for each plane in bytes
	Width    int         // Frame width in pixels
	Height   int         // Frame height in pixels
	Format   PixelFormat // Pixel format
	PTS      int64       // Presentation timestamp in TimeBase units, NoPTS if unknown
	Duration int64       // Frame duration in TimeBase units (optional)
	TimeBase Rational    // Time base of PTS and Duration
	KeyFrame bool        // Decoded from an intra frame

	receivedAt time.Time // Arrival time of the packet that produced the frame
}

// NewVideoFrame allocates a frame whose planes share one tightly packed buffer.
func NewVideoFrame(width, height int, format PixelFormat) *VideoFrame {
	sizes := format.PlaneSizes(width, height)
	if sizes == nil || width <= 0 || height <= 0 {
		return nil
	}
	buf := make([]byte, format.BufferSize(width, height))
	f := &VideoFrame{
		Data:   make([][]byte, len(sizes)),
		Stride: format.Strides(width),
		Width:  width,
		Height: height,
		Format: format,
		PTS:    NoPTS,
	}
	off := 0
	for i, s := range sizes {
		f.Data[i] = buf[off : off+s : off+s]
		off += s
	}
	return f
}

// Clone creates a deep copy of the video frame.
// Use this when you need to keep the frame data beyond its original lifetime.
func (f *VideoFrame) Clone() *VideoFrame {
	clone := &VideoFrame{
		Data:       make([][]byte, len(f.Data)),
		Stride:     make([]int, len(f.Stride)),
		Width:      f.Width,
		Height:     f.Height,
		Format:     f.Format,
		PTS:        f.PTS,
		Duration:   f.Duration,
		TimeBase:   f.TimeBase,
		KeyFrame:   f.KeyFrame,
		receivedAt: f.receivedAt,
	}
	copy(clone.Stride, f.Stride)
	for i, plane := range f.Data {
		if plane != nil {
			clone.Data[i] = make([]byte, len(plane))
			copy(clone.Data[i], plane)
		}
	}
	return clone
}

// Validate checks that the planes are large enough for the declared geometry.
func (f *VideoFrame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	strides := f.Format.Strides(f.Width)
	if strides == nil {
		return fmt.Errorf("unsupported pixel format %s", f.Format)
	}
	if len(f.Data) < len(strides) || len(f.Stride) < len(strides) {
		return fmt.Errorf("%s frame needs %d planes, has %d", f.Format, len(strides), len(f.Data))
	}
	for i, row := range strides {
		rows := f.Format.planeRows(i, f.Height)
		if f.Stride[i] < row {
			return fmt.Errorf("plane %d stride %d < row size %d", i, f.Stride[i], row)
		}
		need := (rows-1)*f.Stride[i] + row
		if len(f.Data[i]) < need {
			return fmt.Errorf("plane %d has %d bytes, need %d", i, len(f.Data[i]), need)
		}
	}
	return nil
}

// Pack copies the planes into a single tightly packed buffer laid out as
// described by PixelFormat.PlaneSizes.
func (f *VideoFrame) Pack() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	out := make([]byte, f.Format.BufferSize(f.Width, f.Height))
	off := 0
	for i, row := range f.Format.Strides(f.Width) {
		rows := f.Format.planeRows(i, f.Height)
		src, stride := f.Data[i], f.Stride[i]
		if stride == row {
			off += copy(out[off:], src[:rows*row])
			continue
		}
		for y := 0; y < rows; y++ {
			off += copy(out[off:off+row], src[y*stride:y*stride+row])
		}
	}
	return out, nil
}

// FinishedFrame is the unit delivered to the caller: a converted (or
// passthrough) frame with its envelope. Ownership transfers on dequeue.
type FinishedFrame struct {
	Payload   []byte        // Contiguous frame data; compressed bitstream in passthrough mode
	Strides   []int         // Row size of each plane in Payload (nil when compressed)
	Width     int           // Frame width in pixels
	Height    int           // Frame height in pixels
	Format    PixelFormat   // PixelFormatNone for compressed payloads
	PTS       int64         // Presentation timestamp in TimeBase units
	DTS       int64         // Decode timestamp, NoPTS unless passthrough
	TimeBase  Rational      // Time base of PTS and DTS
	Timestamp time.Duration // PTS expressed as a duration
	Seq       uint64        // Delivery sequence number, starting at 0

	Codec            CodecID   // Codec of the selected stream
	KeyFrame         bool      // Frame is (or was decoded from) an intra frame
	Corrupted        bool      // Source flagged the data as corrupt (passthrough only)
	FPS              float64   // Declared frame rate of the stream
	AvgFPS           float64   // Average frame rate of the stream
	ReceivedAt       time.Time // Arrival of the source packet
	ProcessedAt      time.Time // Frame finished and handed to the queue
	QueueLen         int       // Queue occupancy when the frame was published
	QueueFullSkipped uint64    // Frames dropped so far because the queue was full
}

// Planes splits Payload into its planes. It returns nil for compressed payloads.
func (f *FinishedFrame) Planes() [][]byte {
	sizes := f.Format.PlaneSizes(f.Width, f.Height)
	if sizes == nil {
		return nil
	}
	planes := make([][]byte, len(sizes))
	off := 0
	for i, s := range sizes {
		if off+s > len(f.Payload) {
			return nil
		}
		planes[i] = f.Payload[off : off+s]
		off += s
	}
	return planes
}
