package ffinput

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	h264ReadChunk = 64 << 10
	h264MaxNAL    = 16 << 20
)

var startCode3 = []byte{0, 0, 1}

// H264Config holds the options of the h264 elementary stream demuxer.
type H264Config struct {
	FrameRate string `opt:"framerate"` // Nominal rate (default: 25)
}

// h264Source reads a raw Annex B H.264 elementary stream and groups NAL
// units into access units. The stream carries no timestamps: packets have
// a DTS equal to their index and no PTS.
type h264Source struct {
	in     *inputStream
	r      *bufio.Reader
	stream StreamInfo

	buf      []byte // unparsed input, starting at a start code once synced
	inputEOF bool
	au       [][]byte
	auVCL    bool
	pending  []*Packet // access units read while probing
	n        int64
	done     bool
	closed   atomic.Bool
	logger   *zap.Logger
}

func init() {
	RegisterDemuxer(Demuxer{
		Name:  "h264",
		Probe: probeExt("h264", "264", "avc"),
		Open:  openH264ES,
	})
}

func openH264ES(ctx context.Context, in *SourceInput) (Source, error) {
	cfg := H264Config{FrameRate: "25"}
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
	s := &h264Source{
		in:     stream,
		r:      bufio.NewReaderSize(stream, h264ReadChunk),
		logger: in.Logger,
		stream: StreamInfo{
			Index:        0,
			MediaType:    MediaTypeVideo,
			Codec:        CodecH264,
			CodecName:    CodecH264.String(),
			FrameRate:    rate,
			AvgFrameRate: rate,
			TimeBase:     rate.Invert(),
		},
	}

	// Read access units until the parameter sets reveal the geometry.
	stop := stream.watch(ctx)
	defer stop()
	var params [][]byte
	for len(s.pending) < 64 {
		p, err := s.readAccessUnit()
		if err != nil {
			if ctx.Err() != nil {
				stream.Close()
				return nil, ctx.Err()
			}
			if errors.Is(err, ErrEndOfStream) {
				break
			}
			stream.Close()
			return nil, &OpenError{Kind: OpenProtocolError, URL: in.URL, Err: err}
		}
		s.pending = append(s.pending, p)
		sps, pps := h264ParameterSets(p.Data)
		params = append(params, sps...)
		params = append(params, pps...)
		if w, h, ok := h264Geometry(p.Data); ok {
			s.stream.Width, s.stream.Height = w, h
			break
		}
	}
	if s.stream.Width == 0 {
		stream.Close()
		return nil, &OpenError{Kind: OpenProtocolError, URL: in.URL, Err: errors.New("no sequence parameter set found")}
	}
	s.stream.Extradata = joinAnnexB(params...)
	return s, nil
}

func (s *h264Source) Streams() []StreamInfo { return []StreamInfo{s.stream} }

func (s *h264Source) ReadPacket(ctx context.Context) (*Packet, error) {
	if s.closed.Load() {
		return nil, fatalIO(ErrClosed)
	}
	if len(s.pending) > 0 {
		p := s.pending[0]
		s.pending = s.pending[1:]
		return p, nil
	}
	stop := s.in.watch(ctx)
	defer stop()
	p, err := s.readAccessUnit()
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return p, err
}

func (s *h264Source) Close() error {
	s.closed.Store(true)
	return s.in.Close()
}

// readAccessUnit returns the next access unit as an Annex B packet.
func (s *h264Source) readAccessUnit() (*Packet, error) {
	if s.done {
		return nil, ErrEndOfStream
	}
	for {
		nal, err := s.nextNAL()
		if errors.Is(err, io.EOF) {
			s.done = true
			if len(s.au) == 0 {
				return nil, ErrEndOfStream
			}
			return s.emit(nil, false), nil
		}
		if err != nil {
			return nil, classifyReadError(err)
		}
		if len(nal) == 0 {
			continue
		}
		t := nal[0] & 0x1F
		vcl := t >= nalSlice && t <= nalIDR
		// A new access unit starts at a delimiter, parameter set or SEI
		// after a slice, or at a slice with first_mb_in_slice == 0.
		boundary := s.auVCL && (t == nalAUD || t == nalSPS || t == nalPPS || t == nalSEI ||
			(vcl && len(nal) > 1 && nal[1]&0x80 != 0))
		if boundary {
			return s.emit(nal, vcl), nil
		}
		s.au = append(s.au, nal)
		s.auVCL = s.auVCL || vcl
	}
}

// emit packs the current access unit and starts the next one with nal.
func (s *h264Source) emit(nal []byte, vcl bool) *Packet {
	data := joinAnnexB(s.au...)
	if nal != nil {
		s.au = [][]byte{nal}
	} else {
		s.au = nil
	}
	s.auVCL = vcl
	n := s.n
	s.n++
	return &Packet{
		StreamIndex: 0,
		Data:        data,
		PTS:         NoPTS,
		DTS:         n,
		Duration:    1,
		TimeBase:    s.stream.TimeBase,
		KeyFrame:    h264HasIDR(data),
		ReceivedAt:  time.Now(),
	}
}

// nextNAL returns the next NAL unit without its start code, or io.EOF.
func (s *h264Source) nextNAL() ([]byte, error) {
	for {
		start := bytes.Index(s.buf, startCode3)
		if start >= 0 {
			if next := bytes.Index(s.buf[start+3:], startCode3); next >= 0 {
				end := start + 3 + next
				nal := bytes.Clone(trimTrailingZeros(s.buf[start+3 : end]))
				s.buf = s.buf[end:]
				return nal, nil
			}
			if s.inputEOF {
				nal := bytes.Clone(s.buf[start+3:])
				s.buf = nil
				if len(nal) == 0 {
					return nil, io.EOF
				}
				return nal, nil
			}
			if len(s.buf)-start > h264MaxNAL {
				return nil, fmt.Errorf("h264: NAL unit larger than %d bytes", h264MaxNAL)
			}
		} else if s.inputEOF {
			s.buf = nil
			return nil, io.EOF
		} else if len(s.buf) > 2 {
			// Garbage before the first start code; keep a possible prefix.
			s.buf = s.buf[len(s.buf)-2:]
		}
		if err := s.fill(); err != nil {
			return nil, err
		}
	}
}

func (s *h264Source) fill() error {
	chunk := make([]byte, h264ReadChunk)
	n, err := s.r.Read(chunk)
	s.buf = append(s.buf, chunk[:n]...)
	if errors.Is(err, io.EOF) {
		s.inputEOF = true
		return nil
	}
	return err
}
