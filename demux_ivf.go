package ffinput

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"go.uber.org/zap"
)

// ivfSource reads VP8/VP9/AV1 elementary streams from IVF files.
type ivfSource struct {
	in     *inputStream
	reader *ivfreader.IVFReader
	header *ivfreader.IVFFileHeader
	stream StreamInfo
	eof    bool
	closed atomic.Bool
	logger *zap.Logger
}

func init() {
	RegisterDemuxer(Demuxer{
		Name:  "ivf",
		Probe: probeExt("ivf"),
		Open:  openIVF,
	})
}

func openIVF(ctx context.Context, in *SourceInput) (Source, error) {
	stream, err := openInput(ctx, in)
	if err != nil {
		return nil, err
	}
	stop := stream.watch(ctx)
	reader, header, err := ivfreader.NewWith(stream)
	stop()
	if err != nil {
		stream.Close()
		return nil, &OpenError{Kind: OpenProtocolError, URL: in.URL, Err: fmt.Errorf("ivf header: %w", err)}
	}

	if header.TimebaseNumerator == 0 {
		stream.Close()
		return nil, &OpenError{Kind: OpenProtocolError, URL: in.URL, Err: errors.New("ivf header: zero time base scale")}
	}
	codec := CodecFromName(header.FourCC)
	if codec == CodecUnknown {
		stream.Close()
		return nil, &OpenError{Kind: OpenUnsupportedFormat, URL: in.URL, Err: fmt.Errorf("ivf fourcc %q", header.FourCC)}
	}
	// IVF stores the time base as rate (denominator) and scale (numerator).
	tb := Rational{Num: int(header.TimebaseNumerator), Den: int(header.TimebaseDenominator)}
	return &ivfSource{
		in:     stream,
		reader: reader,
		header: header,
		stream: StreamInfo{
			Index:        0,
			MediaType:    MediaTypeVideo,
			Codec:        codec,
			CodecName:    codec.String(),
			Width:        int(header.Width),
			Height:       int(header.Height),
			PixelFormat:  PixelFormatI420,
			FrameRate:    tb.Invert(),
			AvgFrameRate: tb.Invert(),
			TimeBase:     tb,
		},
		logger: in.Logger,
	}, nil
}

func (s *ivfSource) Streams() []StreamInfo { return []StreamInfo{s.stream} }

func (s *ivfSource) ReadPacket(ctx context.Context) (*Packet, error) {
	if s.closed.Load() {
		return nil, fatalIO(ErrClosed)
	}
	if s.eof {
		return nil, ErrEndOfStream
	}
	stop := s.in.watch(ctx)
	defer stop()

	frame, fh, err := s.reader.ParseNextFrame()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			s.eof = true
			return nil, ErrEndOfStream
		}
		if isTimeout(err) {
			return nil, transientIO(err)
		}
		// A cut-off final frame ends the stream.
		s.eof = true
		s.logger.Warn("truncated ivf frame", zap.Error(err))
		return nil, ErrEndOfStream
	}

	// ivfreader scales the stored timestamp by rate/scale; undo it so PTS
	// stays in time base units.
	num, den := int64(s.header.TimebaseNumerator), int64(s.header.TimebaseDenominator)
	pts := (int64(fh.Timestamp)*num + den/2) / den
	return &Packet{
		StreamIndex: 0,
		Data:        frame,
		PTS:         pts,
		DTS:         pts,
		TimeBase:    s.stream.TimeBase,
		KeyFrame:    isKeyFrame(s.stream.Codec, frame),
		ReceivedAt:  time.Now(),
	}, nil
}

func (s *ivfSource) Close() error {
	s.closed.Store(true)
	return s.in.Close()
}
