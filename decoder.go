package ffinput

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// errLateFrame reports a frame whose PTS precedes one already emitted.
var errLateFrame = errors.New("frame arrived after a later frame was emitted")

// VideoDecoder is a codec backend. Backends return frames that own their
// memory (or alias the packet data) and carry the packet PTS when the
// codec does not reorder.
type VideoDecoder interface {
	io.Closer

	// Decode consumes one packet and returns the frames it completed,
	// possibly none. Failures are *DecodeError.
	Decode(pkt *Packet) ([]*VideoFrame, error)

	// Flush returns the frames the backend still holds.
	Flush() ([]*VideoFrame, error)

	Provider() Provider
	Codec() CodecID
}

// DecoderOptions configures NewDecoder.
type DecoderOptions struct {
	Provider Provider // ProviderAuto picks the best available backend
	Threads  int      // Decoder threads, 0 for the backend default
	// ReorderDepth overrides StreamInfo.ReorderDepth when >= 0.
	ReorderDepth int
	Options      map[string]string // Passed to the ffmpeg backend
	Logger       *zap.Logger
}

// DefaultDecoderOptions returns options that defer to the stream metadata.
func DefaultDecoderOptions() DecoderOptions {
	return DecoderOptions{ReorderDepth: -1}
}

// DecoderFactory creates a backend for a stream.
type DecoderFactory func(stream StreamInfo, opts DecoderOptions) (VideoDecoder, error)

// --- Registry ---

type decoderRegistry struct {
	mu sync.RWMutex

	// codec -> provider -> factory
	providers map[CodecID]map[Provider]DecoderFactory
}

var globalDecoderRegistry = &decoderRegistry{
	providers: make(map[CodecID]map[Provider]DecoderFactory),
}

// RegisterDecoder registers a decoder factory for a codec+provider.
func RegisterDecoder(codec CodecID, provider Provider, factory DecoderFactory) {
	globalDecoderRegistry.mu.Lock()
	defer globalDecoderRegistry.mu.Unlock()

	if globalDecoderRegistry.providers[codec] == nil {
		globalDecoderRegistry.providers[codec] = make(map[Provider]DecoderFactory)
	}
	globalDecoderRegistry.providers[codec][provider] = factory
}

// DecoderProviders returns the available providers for a codec, best first.
func DecoderProviders(codec CodecID) []Provider {
	globalDecoderRegistry.mu.RLock()
	defer globalDecoderRegistry.mu.RUnlock()

	result := make([]Provider, 0, len(globalDecoderRegistry.providers[codec]))
	for p := range globalDecoderRegistry.providers[codec] {
		if p.Available() {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return providerRank(codec, result[i]) < providerRank(codec, result[j])
	})
	return result
}

// IsDecoderAvailable reports whether some provider decodes the codec.
func IsDecoderAvailable(codec CodecID) bool {
	return len(DecoderProviders(codec)) > 0
}

// providerRank orders providers: inter-frame support first for codecs that
// need it, then permissive licenses, then registration order.
func providerRank(codec CodecID, p Provider) int {
	rank := int(p)
	if !p.License().Permissive() {
		rank += 100
	}
	if codec.KeyFramed() && !p.Features().Has(FeatureInterFrames) {
		rank += 1000
	}
	return rank
}

func lookupDecoder(codec CodecID, p Provider) (DecoderFactory, Provider, error) {
	if p == ProviderAuto {
		candidates := DecoderProviders(codec)
		if len(candidates) == 0 {
			return nil, p, fmt.Errorf("%w: no providers for %s", ErrCodecNotSupported, codec)
		}
		p = candidates[0]
	}
	globalDecoderRegistry.mu.RLock()
	defer globalDecoderRegistry.mu.RUnlock()
	factory, ok := globalDecoderRegistry.providers[codec][p]
	if !ok || !p.Available() {
		return nil, p, fmt.Errorf("%w: %s for %s", ErrProviderNotFound, p, codec)
	}
	return factory, p, nil
}

// DecoderStats counts decoder activity.
type DecoderStats struct {
	PacketsFed     uint64
	FramesDecoded  uint64
	CorruptPackets uint64
	LateFrames     uint64
}

// Decoder wraps a backend with an explicit reorder buffer, timestamp
// synthesis and format-change detection. It is not safe for concurrent use.
type Decoder struct {
	stream   StreamInfo
	backend  VideoDecoder
	reorder  *reorderBuffer
	ready    []*VideoFrame
	frameDur int64

	lastIn  int64 // last PTS handed to the backend
	lastOut int64 // last PTS emitted
	late    int   // late frames dropped during the current call

	// Geometry of the first decoded frame.
	width, height int
	format        PixelFormat

	flushed bool
	stats   DecoderStats
	logger  *zap.Logger
}

// NewDecoder opens a decoder for a video stream. An unknown codec or a
// missing provider yields a *DecodeError of kind DecodeUnsupportedCodec.
func NewDecoder(stream StreamInfo, opts DecoderOptions) (*Decoder, error) {
	if stream.MediaType != MediaTypeVideo {
		return nil, &DecodeError{Kind: DecodeUnsupportedCodec, Codec: stream.Codec, Err: ErrInvalidStreamType}
	}
	factory, provider, err := lookupDecoder(stream.Codec, opts.Provider)
	if err != nil {
		return nil, &DecodeError{Kind: DecodeUnsupportedCodec, Codec: stream.Codec, Err: err}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	backend, err := factory(stream, opts)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			return nil, de
		}
		return nil, &DecodeError{Kind: DecodeUnsupportedCodec, Codec: stream.Codec, Err: err}
	}

	depth := stream.ReorderDepth
	if opts.ReorderDepth >= 0 {
		depth = opts.ReorderDepth
	}
	opts.Logger.Debug("decoder opened",
		zap.Stringer("codec", stream.Codec),
		zap.Stringer("provider", provider),
		zap.Int("reorder_depth", depth))

	return &Decoder{
		stream:   stream,
		backend:  backend,
		reorder:  newReorderBuffer(depth),
		frameDur: stream.frameDuration(),
		lastIn:   NoPTS,
		lastOut:  NoPTS,
		logger:   opts.Logger,
	}, nil
}

// Provider returns the backend in use.
func (d *Decoder) Provider() Provider { return d.backend.Provider() }

// Stats returns decoder counters.
func (d *Decoder) Stats() DecoderStats { return d.stats }

// Pending returns the number of frames held or ready.
func (d *Decoder) Pending() int { return d.reorder.len() + len(d.ready) }

// Feed sends one packet to the decoder. Frames become available through
// ReceiveFrame. A packet flagged corrupt is skipped with a DecodeCorruptData
// error; frames completed before a failure stay available.
func (d *Decoder) Feed(pkt *Packet) error {
	if d.flushed {
		return decodeFatal(d.stream.Codec, ErrFlushed)
	}
	d.stats.PacketsFed++
	if pkt.Corrupt {
		d.stats.CorruptPackets++
		return corruptData(d.stream.Codec, errors.New("packet flagged corrupt by the demuxer"))
	}
	if len(pkt.Data) == 0 {
		return nil
	}

	in := *pkt
	in.PTS = d.packetPTS(pkt)
	if !in.TimeBase.Valid() {
		in.TimeBase = d.stream.TimeBase
	}
	frames, err := d.backend.Decode(&in)
	if ferr := d.accept(frames, &in); ferr != nil {
		return ferr
	}
	if err != nil {
		var de *DecodeError
		if !errors.As(err, &de) {
			de = corruptData(d.stream.Codec, err)
		}
		if de.Kind == DecodeCorruptData {
			d.stats.CorruptPackets++
		}
		return de
	}
	return d.lateError()
}

// ReceiveFrame returns the next frame in presentation order, or
// ErrNeedMoreInput.
func (d *Decoder) ReceiveFrame() (*VideoFrame, error) {
	if len(d.ready) == 0 {
		return nil, ErrNeedMoreInput
	}
	f := d.ready[0]
	d.ready[0] = nil
	d.ready = d.ready[1:]
	return f, nil
}

// Flush drains the backend and the reorder buffer. The sequence is finite
// and can be ranged over once; later calls yield ErrFlushed.
func (d *Decoder) Flush() iter.Seq2[*VideoFrame, error] {
	if d.flushed {
		return func(yield func(*VideoFrame, error) bool) {
			yield(nil, ErrFlushed)
		}
	}
	d.flushed = true
	used := false
	return func(yield func(*VideoFrame, error) bool) {
		if used {
			yield(nil, ErrFlushed)
			return
		}
		used = true

		frames, err := d.backend.Flush()
		if ferr := d.accept(frames, nil); ferr != nil {
			err = ferr
		}
		d.release(d.reorder.drain())
		if err == nil {
			err = d.lateError()
		}
		for len(d.ready) > 0 {
			f, _ := d.ReceiveFrame()
			if !yield(f, nil) {
				return
			}
		}
		if err != nil {
			yield(nil, err)
		}
	}
}

// Close releases the backend.
func (d *Decoder) Close() error {
	d.ready = nil
	return d.backend.Close()
}

// packetPTS fills in a missing PTS from the DTS, or from the previous PTS
// plus one frame duration.
func (d *Decoder) packetPTS(pkt *Packet) int64 {
	pts := pkt.PTS
	switch {
	case pts != NoPTS:
	case pkt.DTS != NoPTS:
		pts = pkt.DTS
	case d.lastIn != NoPTS:
		pts = d.lastIn + max(d.frameDur, 1)
	default:
		pts = 0
	}
	d.lastIn = pts
	return pts
}

// accept stamps backend frames and moves them through the reorder buffer.
func (d *Decoder) accept(frames []*VideoFrame, pkt *Packet) error {
	for _, f := range frames {
		if f == nil {
			continue
		}
		if d.format == PixelFormatNone {
			d.width, d.height, d.format = f.Width, f.Height, f.Format
		} else if f.Width != d.width || f.Height != d.height || f.Format != d.format {
			return decodeFatal(d.stream.Codec, fmt.Errorf("%w: %dx%d %s -> %dx%d %s",
				ErrFormatChanged, d.width, d.height, d.format, f.Width, f.Height, f.Format))
		}
		if f.PTS == NoPTS {
			if pkt != nil {
				f.PTS = pkt.PTS
			} else {
				f.PTS = d.lastIn + max(d.frameDur, 1)
				d.lastIn = f.PTS
			}
		}
		if !f.TimeBase.Valid() {
			f.TimeBase = d.stream.TimeBase
		}
		if f.Duration == 0 {
			f.Duration = d.frameDur
		}
		if pkt != nil && f.receivedAt.IsZero() {
			f.receivedAt = pkt.ReceivedAt
		}
		d.stats.FramesDecoded++
		d.release(d.reorder.push(f))
	}
	return nil
}

// release emits frames leaving the reorder buffer, dropping any that would
// break non-decreasing PTS order.
func (d *Decoder) release(frames []*VideoFrame) {
	for _, f := range frames {
		if d.lastOut != NoPTS && f.PTS < d.lastOut {
			d.stats.LateFrames++
			d.late++
			d.logger.Debug("dropping late frame", zap.Int64("pts", f.PTS), zap.Int64("last", d.lastOut))
			continue
		}
		d.lastOut = f.PTS
		d.ready = append(d.ready, f)
	}
}

func (d *Decoder) lateError() error {
	if d.late == 0 {
		return nil
	}
	n := d.late
	d.late = 0
	return corruptData(d.stream.Codec, fmt.Errorf("%w (%d dropped)", errLateFrame, n))
}
