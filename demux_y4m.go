package ffinput

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const y4mMagic = "YUV4MPEG2"

// y4mSource reads YUV4MPEG2 streams: a text header followed by raw frames,
// each introduced by a FRAME line.
type y4mSource struct {
	in        *inputStream
	r         *bufio.Reader
	stream    StreamInfo
	frameSize int
	n         int64
	eof       bool
	closed    atomic.Bool
	logger    *zap.Logger
}

func init() {
	RegisterDemuxer(Demuxer{
		Name:  "y4m",
		Probe: probeExt("y4m"),
		Open:  openY4M,
	})
}

func openY4M(ctx context.Context, in *SourceInput) (Source, error) {
	stream, err := openInput(ctx, in)
	if err != nil {
		return nil, err
	}
	src := &y4mSource{in: stream, r: bufio.NewReaderSize(stream, 1<<16), logger: in.Logger}

	stop := stream.watch(ctx)
	header, err := src.r.ReadString('\n')
	stop()
	if err != nil {
		stream.Close()
		return nil, &OpenError{Kind: OpenProtocolError, URL: in.URL, Err: fmt.Errorf("y4m header: %w", err)}
	}
	info, err := parseY4MHeader(header)
	if err != nil {
		stream.Close()
		return nil, &OpenError{Kind: OpenProtocolError, URL: in.URL, Err: err}
	}
	src.stream = info
	src.frameSize = info.PixelFormat.BufferSize(info.Width, info.Height)
	return src, nil
}

// parseY4MHeader parses "YUV4MPEG2 W.. H.. F..:.. I.. A..:.. C..".
func parseY4MHeader(line string) (StreamInfo, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 || fields[0] != y4mMagic {
		return StreamInfo{}, fmt.Errorf("not a YUV4MPEG2 stream")
	}
	info := StreamInfo{
		Index:       0,
		MediaType:   MediaTypeVideo,
		Codec:       CodecRawVideo,
		CodecName:   CodecRawVideo.String(),
		PixelFormat: PixelFormatI420,
		FrameRate:   Rational{Num: 25, Den: 1},
	}
	for _, f := range fields[1:] {
		if len(f) < 2 {
			continue
		}
		val := f[1:]
		switch f[0] {
		case 'W':
			info.Width, _ = strconv.Atoi(val)
		case 'H':
			info.Height, _ = strconv.Atoi(val)
		case 'F':
			r, err := parseRatio(val)
			if err != nil {
				return StreamInfo{}, fmt.Errorf("y4m frame rate %q: %w", val, err)
			}
			info.FrameRate = r
		case 'C':
			format, err := y4mColorspace(val)
			if err != nil {
				return StreamInfo{}, err
			}
			info.PixelFormat = format
		case 'I':
			if val != "p" && val != "?" {
				// Interlaced material is delivered as-is, field order is not tracked.
				info.CodecName = CodecRawVideo.String() + " (interlaced)"
			}
		}
	}
	if info.Width <= 0 || info.Height <= 0 {
		return StreamInfo{}, fmt.Errorf("y4m header without frame size")
	}
	info.AvgFrameRate = info.FrameRate
	info.TimeBase = info.FrameRate.Invert()
	return info, nil
}

func parseRatio(s string) (Rational, error) {
	num, den, ok := strings.Cut(s, ":")
	if !ok {
		return Rational{}, errors.New("want N:D")
	}
	n, err1 := strconv.Atoi(num)
	d, err2 := strconv.Atoi(den)
	if err1 != nil || err2 != nil || n <= 0 || d <= 0 {
		return Rational{}, errors.New("want positive N:D")
	}
	return Rational{Num: n, Den: d}, nil
}

func y4mColorspace(c string) (PixelFormat, error) {
	switch {
	case strings.HasPrefix(c, "420"):
		if c == "420p10" || c == "420p12" || c == "420p16" {
			break
		}
		return PixelFormatI420, nil
	case c == "422":
		return PixelFormatI422, nil
	case c == "444":
		return PixelFormatI444, nil
	case c == "mono":
		return PixelFormatGray8, nil
	}
	return PixelFormatNone, fmt.Errorf("unsupported y4m colorspace C%s", c)
}

func (s *y4mSource) Streams() []StreamInfo { return []StreamInfo{s.stream} }

func (s *y4mSource) ReadPacket(ctx context.Context) (*Packet, error) {
	if s.closed.Load() {
		return nil, fatalIO(ErrClosed)
	}
	if s.eof {
		return nil, ErrEndOfStream
	}
	stop := s.in.watch(ctx)
	defer stop()

	line, err := s.r.ReadSlice('\n')
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, io.EOF) && len(line) == 0 {
			s.eof = true
			return nil, ErrEndOfStream
		}
		if errors.Is(err, io.EOF) {
			s.eof = true
			s.logger.Warn("truncated y4m frame header", zap.Int64("frame", s.n))
			return nil, ErrEndOfStream
		}
		return nil, classifyReadError(err)
	}
	if !bytes.HasPrefix(line, []byte("FRAME")) {
		return nil, fatalIO(fmt.Errorf("y4m: expected FRAME marker at frame %d", s.n))
	}

	data := make([]byte, s.frameSize)
	n, err := io.ReadFull(s.r, data)
	pkt := &Packet{
		StreamIndex: 0,
		Data:        data,
		PTS:         s.n,
		DTS:         s.n,
		Duration:    1,
		TimeBase:    s.stream.TimeBase,
		KeyFrame:    true,
		ReceivedAt:  time.Now(),
	}
	s.n++
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			// Hand the partial frame to the decoder flagged, then stop.
			s.eof = true
			s.logger.Warn("truncated y4m frame", zap.Int("have", n), zap.Int("want", s.frameSize))
			pkt.Data = data[:n]
			pkt.Corrupt = true
			return pkt, nil
		}
		return nil, classifyReadError(err)
	}
	return pkt, nil
}

func (s *y4mSource) Close() error {
	s.closed.Store(true)
	return s.in.Close()
}
