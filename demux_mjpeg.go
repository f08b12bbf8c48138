package ffinput

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// mjpegMaxFrame bounds a single JPEG image.
const mjpegMaxFrame = 32 << 20

// MJPEGConfig holds the options of the mjpeg demuxer.
type MJPEGConfig struct {
	FrameRate string `opt:"framerate"` // Nominal rate for files (default: 25)
	// Wallclock stamps frames with their arrival time (1/1000 time base).
	// It defaults to true for HTTP streams.
	Wallclock *bool `opt:"use_wallclock_as_timestamps"`
}

// mjpegSource reads Motion JPEG from concatenated JPEG files or from
// multipart/x-mixed-replace HTTP streams (IP cameras).
type mjpegSource struct {
	in        *inputStream
	br        *bufio.Reader     // raw concatenated stream
	mr        *multipart.Reader // multipart stream
	stream    StreamInfo
	wallclock bool
	start     time.Time
	n         int64
	pending   *Packet // first frame, read while probing
	eof       bool
	closed    atomic.Bool
	logger    *zap.Logger
}

func init() {
	RegisterDemuxer(Demuxer{
		Name: "mjpeg",
		Probe: func(u *url.URL, opts map[string]string) bool {
			if probeExt("mjpeg", "mjpg")(u, opts) {
				return true
			}
			p := strings.ToLower(u.Path)
			return (u.Scheme == "http" || u.Scheme == "https") && (strings.Contains(p, "mjpg") || strings.Contains(p, "mjpeg"))
		},
		Open: openMJPEG,
	})
}

func openMJPEG(ctx context.Context, in *SourceInput) (Source, error) {
	cfg := MJPEGConfig{FrameRate: "25"}
	if err := in.DecodeOptions(&cfg); err != nil {
		return nil, &OpenError{Kind: OpenProtocolError, URL: in.URL, Err: err}
	}
	rate, err := parseRate(cfg.FrameRate)
	if err != nil {
		return nil, &OpenError{Kind: OpenProtocolError, URL: in.URL, Err: err}
	}

	stream, err := openInput(ctx, in)
	if err != nil {
		return nil, err
	}
	s := &mjpegSource{in: stream, logger: in.Logger}
	s.wallclock = in.Parsed.Scheme != "file"
	if cfg.Wallclock != nil {
		s.wallclock = *cfg.Wallclock
	}

	mediaType, params, _ := mime.ParseMediaType(stream.ContentType)
	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := strings.TrimPrefix(params["boundary"], "--")
		if boundary == "" {
			stream.Close()
			return nil, &OpenError{Kind: OpenProtocolError, URL: in.URL, Err: errors.New("multipart stream without boundary")}
		}
		s.mr = multipart.NewReader(stream, boundary)
	} else {
		s.br = bufio.NewReaderSize(stream, 1<<16)
	}

	s.stream = StreamInfo{
		Index:        0,
		MediaType:    MediaTypeVideo,
		Codec:        CodecMJPEG,
		CodecName:    CodecMJPEG.String(),
		FrameRate:    rate,
		AvgFrameRate: rate,
		TimeBase:     rate.Invert(),
	}
	if s.wallclock {
		s.stream.TimeBase = Rational{Num: 1, Den: 1000}
	}

	// Decode the first image to learn the geometry and the pixel format.
	stop := stream.watch(ctx)
	first, err := s.nextImage()
	stop()
	if err != nil {
		stream.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &OpenError{Kind: OpenProtocolError, URL: in.URL, Err: fmt.Errorf("first jpeg: %w", err)}
	}
	img, err := jpeg.Decode(bytes.NewReader(first))
	if err != nil {
		stream.Close()
		return nil, &OpenError{Kind: OpenProtocolError, URL: in.URL, Err: fmt.Errorf("first jpeg: %w", err)}
	}
	b := img.Bounds()
	s.stream.Width, s.stream.Height = b.Dx(), b.Dy()
	s.stream.PixelFormat = jpegPixelFormat(img)
	s.pending = s.packet(first)
	return s, nil
}

// jpegPixelFormat reports the format the Go JPEG decoder produces for img.
func jpegPixelFormat(img image.Image) PixelFormat {
	switch m := img.(type) {
	case *image.Gray:
		return PixelFormatGray8
	case *image.YCbCr:
		switch m.SubsampleRatio {
		case image.YCbCrSubsampleRatio420:
			return PixelFormatI420
		case image.YCbCrSubsampleRatio422:
			return PixelFormatI422
		case image.YCbCrSubsampleRatio444:
			return PixelFormatI444
		}
	}
	return PixelFormatRGBA32
}

func (s *mjpegSource) Streams() []StreamInfo { return []StreamInfo{s.stream} }

func (s *mjpegSource) packet(data []byte) *Packet {
	now := time.Now()
	pts := s.n
	if s.wallclock {
		if s.n == 0 {
			s.start = now
		}
		pts = now.Sub(s.start).Milliseconds()
	}
	s.n++
	return &Packet{
		StreamIndex: 0,
		Data:        data,
		PTS:         pts,
		DTS:         pts,
		TimeBase:    s.stream.TimeBase,
		KeyFrame:    true,
		ReceivedAt:  now,
	}
}

func (s *mjpegSource) ReadPacket(ctx context.Context) (*Packet, error) {
	if s.closed.Load() {
		return nil, fatalIO(ErrClosed)
	}
	if p := s.pending; p != nil {
		s.pending = nil
		return p, nil
	}
	if s.eof {
		return nil, ErrEndOfStream
	}
	stop := s.in.watch(ctx)
	defer stop()

	data, err := s.nextImage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			s.eof = true
			return nil, ErrEndOfStream
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			s.eof = true
			s.logger.Warn("truncated jpeg at end of stream")
			if len(data) > 0 {
				p := s.packet(data)
				p.Corrupt = true
				return p, nil
			}
			return nil, ErrEndOfStream
		}
		return nil, classifyReadError(err)
	}
	return s.packet(data), nil
}

func (s *mjpegSource) nextImage() ([]byte, error) {
	if s.mr != nil {
		for {
			part, err := s.mr.NextPart()
			if err != nil {
				return nil, err
			}
			ct := part.Header.Get("Content-Type")
			if ct != "" && !strings.HasPrefix(ct, "image/jpeg") {
				part.Close()
				continue
			}
			data, err := io.ReadAll(io.LimitReader(part, mjpegMaxFrame))
			part.Close()
			if err != nil {
				return data, err
			}
			if len(data) > 0 {
				return data, nil
			}
		}
	}
	return readJPEG(s.br)
}

func (s *mjpegSource) Close() error {
	s.closed.Store(true)
	return s.in.Close()
}

// readJPEG reads one JPEG image (SOI to EOI) from a concatenated stream.
// Marker segments are skipped by length so EOI markers of embedded
// thumbnails are not mistaken for the end of the image.
func readJPEG(r *bufio.Reader) ([]byte, error) {
	// Resync on SOI.
	var prev byte
	found := false
	for !found {
		c, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		found = prev == 0xFF && c == 0xD8
		prev = c
	}
	buf := bytes.NewBuffer(make([]byte, 0, 64<<10))
	buf.Write([]byte{0xFF, 0xD8})

	inScan := false
	for buf.Len() < mjpegMaxFrame {
		c, err := r.ReadByte()
		if err != nil {
			return buf.Bytes(), unexpected(err)
		}
		buf.WriteByte(c)
		if c != 0xFF {
			if !inScan {
				return buf.Bytes(), errors.New("jpeg: expected marker")
			}
			continue
		}
		marker, err := r.ReadByte()
		if err != nil {
			return buf.Bytes(), unexpected(err)
		}
		buf.WriteByte(marker)
		switch {
		case marker == 0x00 || marker == 0xFF:
			// Stuffed byte or fill byte inside entropy-coded data.
			if marker == 0xFF {
				r.UnreadByte()
				buf.Truncate(buf.Len() - 1)
			}
			continue
		case marker >= 0xD0 && marker <= 0xD7:
			continue // RSTn
		case marker == 0xD9:
			return buf.Bytes(), nil
		}
		// Marker segment with a 16-bit length.
		var lenBytes [2]byte
		if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
			return buf.Bytes(), unexpected(err)
		}
		buf.Write(lenBytes[:])
		n := int(lenBytes[0])<<8 | int(lenBytes[1])
		if n < 2 {
			return buf.Bytes(), errors.New("jpeg: bad segment length")
		}
		if _, err := io.CopyN(buf, r, int64(n-2)); err != nil {
			return buf.Bytes(), unexpected(err)
		}
		inScan = marker == 0xDA // SOS
	}
	return buf.Bytes(), errors.New("jpeg: image too large")
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
