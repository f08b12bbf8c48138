package ffinput

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/sdp/v3"
	"go.uber.org/zap"
)

const (
	rtpMaxPacket   = 1500 * 8 // jumbo frames and loopback MTU
	rtpMaxFrame    = 16 << 20
	rtpSDPMaxBytes = 64 << 10
)

// RTPConfig holds the options of the rtp demuxer. For .sdp inputs the
// codec, payload type and clock rate come from the session description.
type RTPConfig struct {
	Codec       string `opt:"codec"`
	PayloadType int    `opt:"payload_type"` // -1 accepts any
	ClockRate   int    `opt:"clock_rate"`
	Width       int    `opt:"width"`
	Height      int    `opt:"height"`
	BufferSize  int    `opt:"buffer_size"` // Socket receive buffer in bytes
}

type rtpDepacketizer interface {
	Unmarshal(payload []byte) ([]byte, error)
}

// rtpSource receives a single RTP video session over UDP and reassembles
// access units from the payloads.
type rtpSource struct {
	conn    *net.UDPConn
	stream  StreamInfo
	newDepk func() rtpDepacketizer
	depk    rtpDepacketizer
	pt      int
	timeout time.Duration

	maxFrame int // 0 means rtpMaxFrame

	// Reassembly state
	buf       []byte
	frameTS   uint32
	haveFrame bool
	corrupt   bool
	lastSeq   uint16
	haveSeq   bool

	// Timestamp unwrapping
	firstTS  int64
	lastExt  int64
	lastTS   uint32
	haveTS   bool
	received time.Time

	ready  []*Packet
	pkt    []byte
	closed atomic.Bool
	logger *zap.Logger
}

func init() {
	RegisterDemuxer(Demuxer{
		Name: "rtp",
		Probe: func(u *url.URL, opts map[string]string) bool {
			return u.Scheme == "rtp" || probeExt("sdp")(u, opts)
		},
		Open: openRTP,
	})
}

func openRTP(ctx context.Context, in *SourceInput) (Source, error) {
	cfg := RTPConfig{PayloadType: -1, ClockRate: 90000}
	if err := in.DecodeOptions(&cfg); err != nil {
		return nil, &OpenError{Kind: OpenProtocolError, URL: in.URL, Err: err}
	}

	var laddr *net.UDPAddr
	var multicast bool
	var extradata []byte
	switch {
	case in.Parsed.Scheme == "rtp" || in.Parsed.Scheme == "udp":
		addr, err := net.ResolveUDPAddr("udp", strings.TrimPrefix(in.Parsed.Host, "@"))
		if err != nil {
			return nil, err
		}
		laddr = addr
		multicast = addr.IP != nil && addr.IP.IsMulticast()
	default:
		sd, err := readSDP(ctx, in)
		if err != nil {
			return nil, err
		}
		session, err := sdpVideoSession(sd, &cfg)
		if err != nil {
			return nil, &OpenError{Kind: OpenProtocolError, URL: in.URL, Err: err}
		}
		laddr, multicast, extradata = session.addr, session.multicast, session.extradata
	}

	codec := CodecFromName(cfg.Codec)
	var newDepk func() rtpDepacketizer
	switch codec {
	case CodecH264:
		newDepk = func() rtpDepacketizer { return &codecs.H264Packet{} }
	case CodecVP8:
		newDepk = func() rtpDepacketizer { return &codecs.VP8Packet{} }
	case CodecVP9:
		newDepk = func() rtpDepacketizer { return &codecs.VP9Packet{} }
	default:
		return nil, &OpenError{Kind: OpenUnsupportedFormat, URL: in.URL, Err: fmt.Errorf("rtp payload %q not supported", cfg.Codec)}
	}

	var conn *net.UDPConn
	var err error
	if multicast {
		conn, err = net.ListenMulticastUDP("udp", nil, laddr)
	} else {
		conn, err = net.ListenUDP("udp", laddr)
	}
	if err != nil {
		return nil, &OpenError{Kind: OpenNotFound, URL: in.URL, Err: err}
	}
	if cfg.BufferSize > 0 {
		if err := conn.SetReadBuffer(cfg.BufferSize); err != nil {
			in.Logger.Warn("set receive buffer", zap.Error(err))
		}
	}

	clock := cfg.ClockRate
	if clock <= 0 {
		clock = int(codec.ClockRate())
	}
	s := &rtpSource{
		conn:    conn,
		newDepk: newDepk,
		depk:    newDepk(),
		pt:      cfg.PayloadType,
		timeout: in.IOTimeout,
		pkt:     make([]byte, rtpMaxPacket),
		logger:  in.Logger,
		stream: StreamInfo{
			Index:       0,
			MediaType:   MediaTypeVideo,
			Codec:       codec,
			CodecName:   codec.String(),
			Width:       cfg.Width,
			Height:      cfg.Height,
			PixelFormat: PixelFormatI420,
			TimeBase:    Rational{Num: 1, Den: clock},
			Extradata:   extradata,
		},
	}
	if codec == CodecH264 && s.stream.Width == 0 {
		if w, h, ok := h264Geometry(extradata); ok {
			s.stream.Width, s.stream.Height = w, h
		}
	}
	in.Logger.Info("rtp listening", zap.Stringer("addr", conn.LocalAddr()), zap.Stringer("codec", codec))

	// Probe the geometry from the first key frame unless it is known.
	probed := s.stream.Width > 0 && s.stream.Height > 0
	for !probed {
		if err := s.receive(ctx); err != nil {
			conn.Close()
			if ctx.Err() != nil {
				return nil, &OpenError{Kind: OpenTimeout, URL: in.URL, Err: fmt.Errorf("no key frame received: %w", ctx.Err())}
			}
			var ioe *IoError
			if errors.As(err, &ioe) && ioe.Temporary() {
				continue
			}
			return nil, err
		}
		for _, p := range s.ready {
			if probed = s.probeGeometry(p); probed {
				break
			}
		}
	}
	return s, nil
}

// probeGeometry reports whether p is a key frame, taking the frame size
// from it when the bitstream header carries one.
func (s *rtpSource) probeGeometry(p *Packet) bool {
	switch s.stream.Codec {
	case CodecH264:
		if w, h, ok := h264Geometry(p.Data); ok {
			s.stream.Width, s.stream.Height = w, h
			return true
		}
	case CodecVP8:
		if w, h, ok := vp8KeyframeSize(p.Data); ok {
			s.stream.Width, s.stream.Height = w, h
			return true
		}
	case CodecVP9:
		// The VP9 uncompressed header needs a bit reader; the decoder
		// reports the size.
		return isVP9Keyframe(p.Data)
	}
	return false
}

type sdpSession struct {
	addr      *net.UDPAddr
	multicast bool
	extradata []byte
}

func readSDP(ctx context.Context, in *SourceInput) (*sdp.SessionDescription, error) {
	stream, err := openInput(ctx, in)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	stop := stream.watch(ctx)
	raw, err := io.ReadAll(io.LimitReader(stream, rtpSDPMaxBytes))
	stop()
	if err != nil {
		return nil, err
	}
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(raw); err != nil {
		return nil, &OpenError{Kind: OpenProtocolError, URL: in.URL, Err: fmt.Errorf("parse sdp: %w", err)}
	}
	return &sd, nil
}

// sdpVideoSession extracts the first video media section. Values found in
// the description fill cfg unless set explicitly.
func sdpVideoSession(sd *sdp.SessionDescription, cfg *RTPConfig) (*sdpSession, error) {
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "video" || len(md.MediaName.Formats) == 0 {
			continue
		}
		ptVal, err := strconv.Atoi(md.MediaName.Formats[0])
		if err != nil {
			return nil, fmt.Errorf("sdp payload type %q: %w", md.MediaName.Formats[0], err)
		}
		if cfg.PayloadType < 0 {
			cfg.PayloadType = ptVal
		}
		if c, err := sd.GetCodecForPayloadType(uint8(ptVal)); err == nil {
			if cfg.Codec == "" {
				cfg.Codec = c.Name
			}
			if c.ClockRate > 0 {
				cfg.ClockRate = int(c.ClockRate)
			}
			sess := &sdpSession{extradata: spropParameterSets(c.Fmtp)}
			sess.addr, sess.multicast = sdpAddress(sd, md)
			return sess, nil
		}
		if cfg.Codec == "" {
			return nil, fmt.Errorf("sdp: no rtpmap for payload type %d", ptVal)
		}
		sess := &sdpSession{}
		sess.addr, sess.multicast = sdpAddress(sd, md)
		return sess, nil
	}
	return nil, errors.New("sdp: no video media section")
}

func sdpAddress(sd *sdp.SessionDescription, md *sdp.MediaDescription) (*net.UDPAddr, bool) {
	addr := &net.UDPAddr{Port: md.MediaName.Port.Value}
	ci := md.ConnectionInformation
	if ci == nil {
		ci = sd.ConnectionInformation
	}
	if ci != nil && ci.Address != nil {
		host, _, _ := strings.Cut(ci.Address.Address, "/") // drop TTL
		if ip := net.ParseIP(host); ip != nil && ip.IsMulticast() {
			addr.IP = ip
			return addr, true
		}
	}
	return addr, false
}

// spropParameterSets decodes the H.264 parameter sets of an fmtp line.
func spropParameterSets(fmtp string) []byte {
	for _, kv := range strings.Split(fmtp, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if !ok || k != "sprop-parameter-sets" {
			continue
		}
		var nalus [][]byte
		for _, b64 := range strings.Split(v, ",") {
			nalu, err := base64.StdEncoding.DecodeString(b64)
			if err == nil && len(nalu) > 0 {
				nalus = append(nalus, nalu)
			}
		}
		return joinAnnexB(nalus...)
	}
	return nil
}

func (s *rtpSource) Streams() []StreamInfo { return []StreamInfo{s.stream} }

func (s *rtpSource) ReadPacket(ctx context.Context) (*Packet, error) {
	if s.closed.Load() {
		return nil, fatalIO(ErrClosed)
	}
	for len(s.ready) == 0 {
		if err := s.receive(ctx); err != nil {
			return nil, err
		}
	}
	p := s.ready[0]
	s.ready[0] = nil
	s.ready = s.ready[1:]
	return p, nil
}

// receive reads one datagram and feeds it to the reassembler.
func (s *rtpSource) receive(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { s.conn.SetReadDeadline(time.Now()) })
	defer stop()
	if err := s.conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
		return fatalIO(err)
	}
	n, _, err := s.conn.ReadFromUDP(s.pkt)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.closed.Load() {
			return fatalIO(ErrClosed)
		}
		return classifyReadError(err)
	}
	s.received = time.Now()

	var p rtp.Packet
	if err := p.Unmarshal(s.pkt[:n]); err != nil {
		s.logger.Debug("dropping malformed rtp packet", zap.Error(err))
		return nil
	}
	if s.pt >= 0 && int(p.PayloadType) != s.pt {
		return nil
	}
	s.push(&p)
	return nil
}

func (s *rtpSource) push(p *rtp.Packet) {
	if s.haveSeq && p.SequenceNumber != s.lastSeq+1 {
		if int16(p.SequenceNumber-s.lastSeq) <= 0 {
			return // duplicate or late
		}
		s.logger.Debug("rtp packet loss", zap.Uint16("expected", s.lastSeq+1), zap.Uint16("got", p.SequenceNumber))
		s.corrupt = true
		s.depk = s.newDepk()
	}
	s.lastSeq, s.haveSeq = p.SequenceNumber, true

	if s.haveFrame && p.Timestamp != s.frameTS {
		// Marker bit of the previous frame was lost.
		s.corrupt = true
		s.emit()
	}
	if !s.haveFrame {
		s.frameTS, s.haveFrame = p.Timestamp, true
	}

	limit := s.maxFrame
	if limit == 0 {
		limit = rtpMaxFrame
	}
	payload, err := s.depk.Unmarshal(p.Payload)
	switch {
	case err != nil:
		s.corrupt = true
	case len(s.buf)+len(payload) > limit:
		s.corrupt = true
	default:
		s.buf = append(s.buf, payload...)
	}
	if p.Marker {
		s.emit()
	}
}

func (s *rtpSource) emit() {
	if !s.haveFrame {
		return
	}
	data := s.buf
	s.buf = nil
	s.haveFrame = false
	corrupt := s.corrupt
	s.corrupt = false
	if len(data) == 0 {
		return
	}

	ts := s.frameTS
	if !s.haveTS {
		s.firstTS, s.lastExt, s.lastTS, s.haveTS = int64(ts), int64(ts), ts, true
	} else {
		s.lastExt += int64(int32(ts - s.lastTS))
		s.lastTS = ts
	}
	pts := s.lastExt - s.firstTS

	s.ready = append(s.ready, &Packet{
		StreamIndex: 0,
		Data:        data,
		PTS:         pts,
		DTS:         NoPTS,
		TimeBase:    s.stream.TimeBase,
		KeyFrame:    isKeyFrame(s.stream.Codec, data),
		Corrupt:     corrupt,
		ReceivedAt:  s.received,
	})
}

func (s *rtpSource) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}
