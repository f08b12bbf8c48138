//go:build ffmpeg

package ffinput

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astiav"
	"go.uber.org/zap"
)

// Options consumed here and never forwarded to libav.
var localOptions = map[string]bool{
	"f": true, "format": true, "probe_timeout": true, "decode": true,
}

// ffmpegSource wraps an AVFormatContext. Blocking reads are aborted through
// the IO interrupter when the caller's context is cancelled or Close runs.
type ffmpegSource struct {
	fc          *astiav.FormatContext
	interrupter *astiav.IOInterrupter
	pkt         *astiav.Packet
	streams     []StreamInfo
	logger      *zap.Logger

	mu      sync.Mutex // serializes Close against ReadPacket
	closed  bool
	closing atomic.Bool
}

func init() {
	RegisterDemuxer(Demuxer{
		Name:     "ffmpeg",
		Open:     openFFmpeg,
		Fallback: true,
	})
}

func openFFmpeg(ctx context.Context, in *SourceInput) (Source, error) {
	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, errors.New("ffmpeg: cannot allocate format context")
	}
	ii := astiav.NewIOInterrupter()
	fc.SetIOInterrupter(ii)

	opts := make(map[string]string, len(in.Options)+1)
	for k, v := range in.Options {
		if !localOptions[k] {
			opts[k] = v
		}
	}
	// Bound single network reads unless the caller did.
	if _, ok := opts["rw_timeout"]; !ok && in.Parsed.Scheme != "file" {
		opts["rw_timeout"] = strconv.FormatInt(in.IOTimeout.Microseconds(), 10)
	}
	dict := newAVDictionary(opts)
	defer dict.Free()

	var inputFormat *astiav.InputFormat
	if name := in.Options["f"]; name != "" && name != "ffmpeg" {
		if inputFormat = astiav.FindInputFormat(name); inputFormat == nil {
			fc.Free()
			ii.Free()
			return nil, &OpenError{Kind: OpenUnsupportedFormat, URL: in.URL, Err: fmt.Errorf("libav has no input format %q", name)}
		}
	}

	target := in.URL
	if in.Parsed.Scheme == "file" {
		target = in.Parsed.Path
	}

	stop := context.AfterFunc(ctx, ii.Interrupt)
	defer stop()

	if err := fc.OpenInput(target, inputFormat, dict); err != nil {
		fc.Free()
		ii.Free()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyOpenError(in.URL, err)
	}
	if err := fc.FindStreamInfo(nil); err != nil {
		fc.CloseInput()
		fc.Free()
		ii.Free()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &OpenError{Kind: OpenProtocolError, URL: in.URL, Err: fmt.Errorf("find stream info: %w", err)}
	}

	s := &ffmpegSource{
		fc:          fc,
		interrupter: ii,
		pkt:         astiav.AllocPacket(),
		logger:      in.Logger,
	}
	for _, st := range fc.Streams() {
		s.streams = append(s.streams, streamInfoFromAV(st))
	}
	return s, nil
}

func streamInfoFromAV(st *astiav.Stream) StreamInfo {
	cp := st.CodecParameters()
	codec := codecFromAV(cp.CodecID())
	mt := mediaTypeFromAV(cp.MediaType())
	if mt == MediaTypeAudio {
		codec = CodecAudio
	}
	info := StreamInfo{
		Index:        st.Index(),
		MediaType:    mt,
		Codec:        codec,
		CodecName:    cp.CodecID().String(),
		Width:        cp.Width(),
		Height:       cp.Height(),
		FrameRate:    rationalFromAV(st.RFrameRate()),
		AvgFrameRate: rationalFromAV(st.AvgFrameRate()),
		TimeBase:     rationalFromAV(st.TimeBase()),
		ReorderDepth: cp.VideoDelay(),
		Extradata:    cp.ExtraData(),
		native:       cp,
	}
	if mt == MediaTypeVideo {
		info.PixelFormat = pixelFormatFromAV(cp.PixelFormat())
	}
	return info
}

func (s *ffmpegSource) Streams() []StreamInfo { return s.streams }

func (s *ffmpegSource) ReadPacket(ctx context.Context) (*Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fatalIO(ErrClosed)
	}

	s.interrupter.Resume()
	stop := context.AfterFunc(ctx, s.interrupter.Interrupt)
	defer stop()

	s.pkt.Unref()
	if err := s.fc.ReadFrame(s.pkt); err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, astiav.ErrEof):
			return nil, ErrEndOfStream
		case errors.Is(err, astiav.ErrEagain):
			return nil, transientIO(err)
		}
		return nil, classifyReadError(err)
	}

	idx := s.pkt.StreamIndex()
	var tb Rational
	if idx >= 0 && idx < len(s.streams) {
		tb = s.streams[idx].TimeBase
	}
	flags := s.pkt.Flags()
	return &Packet{
		StreamIndex: idx,
		Data:        append([]byte(nil), s.pkt.Data()...),
		PTS:         s.pkt.Pts(), // AV_NOPTS_VALUE equals NoPTS
		DTS:         s.pkt.Dts(),
		Duration:    s.pkt.Duration(),
		TimeBase:    tb,
		KeyFrame:    flags.Has(astiav.PacketFlagKey),
		Corrupt:     flags.Has(astiav.PacketFlagCorrupt),
		ReceivedAt:  time.Now(),
	}, nil
}

func (s *ffmpegSource) Close() error {
	if s.closing.Swap(true) {
		return nil
	}
	// Unblock a pending read before taking the lock.
	s.interrupter.Interrupt()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.pkt.Free()
	s.fc.CloseInput()
	s.fc.Free()
	s.interrupter.Free()
	return nil
}
