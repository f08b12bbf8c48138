package ffinput

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// PipelineState represents the state of a Pipeline.
type PipelineState int32

const (
	PipelineStateIdle     PipelineState = iota // Not started
	PipelineStateOpening                       // Opening and probing the source
	PipelineStateRunning                       // Reading, decoding and publishing frames
	PipelineStateDraining                      // End of stream reached, flushing the decoder
	PipelineStateClosed                        // Finished or stopped
	PipelineStateFailed                        // Stopped by an unrecoverable error, see Err
)

func (s PipelineState) String() string {
	switch s {
	case PipelineStateIdle:
		return "idle"
	case PipelineStateOpening:
		return "opening"
	case PipelineStateRunning:
		return "running"
	case PipelineStateDraining:
		return "draining"
	case PipelineStateClosed:
		return "closed"
	case PipelineStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PipelineStats provides pipeline statistics.
type PipelineStats struct {
	PacketsRead      uint64 // Packets returned by the source
	PacketsDiscarded uint64 // Packets of other streams
	PacketsSkipped   uint64 // Packets before the first key frame
	CorruptPackets   uint64 // Packets the decoder rejected as corrupt
	ReadRetries      uint64 // Transient read errors retried
	FramesDecoded    uint64 // Frames out of the decoder
	FramesDropped    uint64 // Frames the converter rejected
	FramesDelivered  uint64 // Frames handed to the queue
	QueueFullSkipped uint64 // Frames dropped because the queue was full (DropWhenFull)
	Errors           uint64 // Recoverable errors of any kind
}

// Pipeline pulls packets from a source, decodes and converts them on one
// worker goroutine and hands finished frames to the caller through a
// bounded queue.
//
//	src -> decoder -> converter -> queue -> NextFrame
type Pipeline struct {
	cfg     Config
	src     Source
	stream  StreamInfo
	decoder *Decoder // nil in passthrough mode
	conv    *Converter
	queue   *FrameQueue[*FinishedFrame]
	logger  *zap.Logger
	level   zap.AtomicLevel

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	errMu sync.Mutex
	err   error

	stats   PipelineStats
	statsMu sync.Mutex
	seq     uint64 // worker only

	closeOnce sync.Once
	closeErr  error
}

// Open opens the source, selects the stream and starts the worker. Open
// failures are returned here: *OpenError for the source, ErrNoVideoStream
// or ErrInvalidStreamType for the selection, and a *DecodeError when no
// decoder supports the stream. ctx bounds opening only.
func Open(ctx context.Context, cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg = cfg.withDefaults()

	lvl, _ := ParseLogLevel(cfg.LogLevel)
	level := zap.NewAtomicLevelAt(lvl)
	logger := withLevel(cfg.Logger, level).Named("ffinput.pipeline").With(zap.String("url", cfg.URL))

	p := &Pipeline{
		cfg:    cfg,
		logger: logger,
		level:  level,
	}
	p.state.Store(int32(PipelineStateOpening))

	src, err := OpenSource(ctx, SourceDescriptor{
		URL:         cfg.URL,
		Options:     cfg.Options,
		StreamIndex: cfg.StreamIndex,
	}, WithLogger(logger), WithIOTimeout(cfg.IOTimeout), WithProbeTimeout(cfg.ProbeTimeout))
	if err != nil {
		return nil, p.fail(err)
	}
	p.src = src

	stream, err := SelectStream(src.Streams(), cfg.StreamIndex)
	if err != nil {
		src.Close()
		return nil, p.fail(err)
	}
	p.stream = stream
	p.logger = logger.With(zap.Int("stream", stream.Index), zap.Stringer("codec", stream.Codec))

	if !cfg.Passthrough || (cfg.AutoConvertRaw && stream.Codec == CodecRawVideo) {
		dec, err := NewDecoder(stream, DecoderOptions{
			Provider:     cfg.Provider,
			Threads:      cfg.Threads,
			ReorderDepth: cfg.ReorderDepth,
			Options:      cfg.Options,
			Logger:       p.logger,
		})
		if err != nil {
			src.Close()
			return nil, p.fail(err)
		}
		p.decoder = dec
		p.conv = NewConverter(cfg.TargetFormat, cfg.TargetWidth, cfg.TargetHeight, cfg.ScaleMode)
	}

	p.queue = NewFrameQueue[*FinishedFrame](cfg.QueueCapacity)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.state.Store(int32(PipelineStateRunning))
	p.logger.Info("pipeline started",
		zap.Stringer("stream_info", stream),
		zap.Bool("passthrough", p.decoder == nil))

	p.wg.Add(1)
	go p.run()
	return p, nil
}

// NextFrame blocks until a frame is available. Once the pipeline ends it
// returns ErrEndOfStream, ErrClosed after Stop, or the failure reason.
func (p *Pipeline) NextFrame(ctx context.Context) (*FinishedFrame, error) {
	return p.queue.Pop(ctx)
}

// Frames iterates over frames until the end of the stream. A terminal
// error other than ErrEndOfStream is yielded last.
func (p *Pipeline) Frames(ctx context.Context) iter.Seq2[*FinishedFrame, error] {
	return func(yield func(*FinishedFrame, error) bool) {
		for {
			f, err := p.NextFrame(ctx)
			if errors.Is(err, ErrEndOfStream) {
				return
			}
			if !yield(f, err) || err != nil {
				return
			}
		}
	}
}

// Stop asks the worker to exit. Blocked NextFrame calls return ErrClosed
// once the frames already queued are consumed. Stop does not wait.
func (p *Pipeline) Stop() {
	p.cancel()
	p.queue.Close(ErrClosed)
}

// Close stops the worker, waits for it and releases the decoder and the
// source. It is idempotent.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.Stop()
		p.wg.Wait()

		var result *multierror.Error
		if p.decoder != nil {
			if err := p.decoder.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close decoder: %w", err))
			}
		}
		if err := p.src.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close source: %w", err))
		}
		p.state.CompareAndSwap(int32(PipelineStateRunning), int32(PipelineStateClosed))
		p.closeErr = result.ErrorOrNil()
		p.logger.Debug("pipeline closed", zap.Error(p.closeErr))
	})
	return p.closeErr
}

// State returns the current pipeline state.
func (p *Pipeline) State() PipelineState {
	return PipelineState(p.state.Load())
}

// Err returns the reason the pipeline failed, nil otherwise.
func (p *Pipeline) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Stream returns the selected stream.
func (p *Pipeline) Stream() StreamInfo { return p.stream }

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() PipelineStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

// SetLogLevel changes the log level at runtime, including the level of
// native libraries that log on their own.
func (p *Pipeline) SetLogLevel(level string) error {
	l, err := ParseLogLevel(level)
	if err != nil {
		return err
	}
	p.level.SetLevel(l)
	setNativeLogLevel(l)
	return nil
}

func (p *Pipeline) updateStats(fn func(*PipelineStats)) {
	p.statsMu.Lock()
	fn(&p.stats)
	p.statsMu.Unlock()
}

// fail records a terminal error.
func (p *Pipeline) fail(err error) error {
	p.errMu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.errMu.Unlock()
	p.state.Store(int32(PipelineStateFailed))
	p.logger.Error("pipeline failed", zap.Error(err))
	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
	}
	return err
}

// recoverable counts and reports an error the pipeline carries on after.
func (p *Pipeline) recoverable(msg string, err error) {
	p.updateStats(func(s *PipelineStats) { s.Errors++ })
	p.logger.Warn(msg, zap.Error(err))
	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
	}
}

func (p *Pipeline) run() {
	defer p.wg.Done()

	err := p.loop()
	switch {
	case errors.Is(err, ErrEndOfStream):
		p.state.Store(int32(PipelineStateClosed))
		p.queue.Close(ErrEndOfStream)
		p.logger.Info("end of stream", zap.Uint64("frames", p.seq))
	case p.ctx.Err() != nil:
		p.state.Store(int32(PipelineStateClosed))
		p.queue.Close(ErrClosed)
		p.logger.Debug("pipeline stopped")
	default:
		p.queue.Close(p.fail(err))
	}
}

// loop runs until the end of the stream, a terminal error or Stop.
func (p *Pipeline) loop() error {
	retries := 0
	waitKey := p.stream.Codec.KeyFramed()

	for {
		if err := p.ctx.Err(); err != nil {
			return err
		}

		pkt, err := p.src.ReadPacket(p.ctx)
		if err != nil {
			if errors.Is(err, ErrEndOfStream) {
				return p.drain()
			}
			if p.ctx.Err() != nil {
				return p.ctx.Err()
			}
			var ioe *IoError
			if errors.As(err, &ioe) && ioe.Temporary() && retries < p.cfg.MaxReadRetries {
				retries++
				p.updateStats(func(s *PipelineStats) { s.ReadRetries++ })
				p.recoverable(fmt.Sprintf("read failed, retry %d/%d", retries, p.cfg.MaxReadRetries), err)
				if !sleepCtx(p.ctx, p.cfg.RetryBackoff) {
					return p.ctx.Err()
				}
				continue
			}
			if ioe != nil && ioe.Temporary() {
				return fatalIO(ioe.Err)
			}
			return err
		}
		retries = 0
		p.updateStats(func(s *PipelineStats) { s.PacketsRead++ })

		if pkt.StreamIndex != p.stream.Index {
			p.updateStats(func(s *PipelineStats) { s.PacketsDiscarded++ })
			continue
		}
		if waitKey {
			if !pkt.KeyFrame {
				p.updateStats(func(s *PipelineStats) { s.PacketsSkipped++ })
				continue
			}
			waitKey = false
			p.logger.Debug("first key frame", zap.Int64("pts", pkt.PTS))
		}

		if p.decoder == nil {
			err = p.publish(p.packetFrame(pkt))
		} else {
			err = p.decode(pkt)
		}
		if err != nil {
			return err
		}
	}
}

// decode feeds one packet and publishes whatever the decoder completed,
// including frames finished before a corrupt-data error.
func (p *Pipeline) decode(pkt *Packet) error {
	ferr := p.decoder.Feed(pkt)
	if err := p.publishReady(); err != nil {
		return err
	}
	if ferr == nil {
		return nil
	}
	var de *DecodeError
	if errors.As(ferr, &de) && de.Recoverable() {
		p.updateStats(func(s *PipelineStats) { s.CorruptPackets++ })
		p.recoverable("skipping corrupt data", ferr)
		return nil
	}
	return ferr
}

// drain flushes the decoder at the end of the stream.
func (p *Pipeline) drain() error {
	p.state.Store(int32(PipelineStateDraining))
	if p.decoder == nil {
		return ErrEndOfStream
	}
	p.logger.Debug("draining decoder", zap.Int("pending", p.decoder.Pending()))
	for f, err := range p.decoder.Flush() {
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) && de.Recoverable() {
				p.recoverable("flush", err)
				continue
			}
			return err
		}
		if err := p.publishFrame(f); err != nil {
			return err
		}
	}
	return ErrEndOfStream
}

func (p *Pipeline) publishReady() error {
	for {
		f, err := p.decoder.ReceiveFrame()
		if errors.Is(err, ErrNeedMoreInput) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := p.publishFrame(f); err != nil {
			return err
		}
	}
}

// publishFrame converts a decoded frame and queues it. A conversion
// failure drops the frame only.
func (p *Pipeline) publishFrame(f *VideoFrame) error {
	p.updateStats(func(s *PipelineStats) { s.FramesDecoded++ })

	out, err := p.conv.Convert(f)
	if err != nil {
		p.updateStats(func(s *PipelineStats) { s.FramesDropped++ })
		p.recoverable("dropping frame", err)
		return nil
	}
	payload, err := out.Pack()
	if err != nil {
		p.updateStats(func(s *PipelineStats) { s.FramesDropped++ })
		p.recoverable("dropping frame", &ConversionError{From: f.Format, To: out.Format, Err: err})
		return nil
	}

	ff := p.envelope()
	ff.Payload = payload
	ff.Strides = out.Format.Strides(out.Width)
	ff.Width = out.Width
	ff.Height = out.Height
	ff.Format = out.Format
	ff.PTS = out.PTS
	ff.DTS = NoPTS
	ff.TimeBase = out.TimeBase
	ff.KeyFrame = out.KeyFrame
	ff.ReceivedAt = out.receivedAt
	return p.publish(ff)
}

// packetFrame wraps a compressed packet for passthrough delivery.
func (p *Pipeline) packetFrame(pkt *Packet) *FinishedFrame {
	ff := p.envelope()
	ff.Payload = pkt.Data
	ff.Width = p.stream.Width
	ff.Height = p.stream.Height
	ff.Format = PixelFormatNone
	ff.PTS = pkt.PTS
	if ff.PTS == NoPTS {
		ff.PTS = pkt.DTS
	}
	ff.DTS = pkt.DTS
	ff.TimeBase = pkt.TimeBase
	if !ff.TimeBase.Valid() {
		ff.TimeBase = p.stream.TimeBase
	}
	ff.KeyFrame = pkt.KeyFrame
	ff.Corrupted = pkt.Corrupt
	ff.ReceivedAt = pkt.ReceivedAt
	return ff
}

func (p *Pipeline) envelope() *FinishedFrame {
	return &FinishedFrame{
		Codec:  p.stream.Codec,
		FPS:    p.stream.FrameRate.Float(),
		AvgFPS: p.stream.AvgFrameRate.Float(),
	}
}

// publish stamps the frame and hands it to the queue. With DropWhenFull
// the frame is dropped instead of waiting for room.
func (p *Pipeline) publish(ff *FinishedFrame) error {
	if ff.PTS != NoPTS {
		ff.Timestamp = ff.TimeBase.Duration(ff.PTS)
	}
	ff.Seq = p.seq
	ff.QueueLen = p.queue.Len()
	ff.QueueFullSkipped = p.Stats().QueueFullSkipped
	ff.ProcessedAt = time.Now()

	if p.cfg.DropWhenFull {
		if !p.queue.TryPush(ff) {
			if p.queue.Closed() {
				return ErrClosed
			}
			p.updateStats(func(s *PipelineStats) { s.QueueFullSkipped++ })
			p.logger.Debug("queue full, frame dropped", zap.Int64("pts", ff.PTS))
			return nil
		}
	} else if err := p.queue.Push(p.ctx, ff); err != nil {
		return err
	}
	p.seq++
	p.updateStats(func(s *PipelineStats) { s.FramesDelivered++ })
	return nil
}

// sleepCtx waits for d and reports false when ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
