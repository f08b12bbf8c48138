package ffinput

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
	"go.uber.org/zap"
)

// FLV video tag fields.
const (
	flvFrameKey      = 1
	flvCodecH263     = 2
	flvCodecAVC      = 7
	flvAVCSeqHeader  = 0
	flvAVCNALU       = 1
	flvAVCEndOfSeq   = 2
	rtmpDefaultPort  = "1935"
	rtmpPacketBuffer = 60
)

// RTMPConfig holds the options of the rtmp demuxer.
type RTMPConfig struct {
	Listen bool `opt:"listen"` // Accept one publisher instead of pulling
}

// rtmpSource accepts a single RTMP publisher (ffmpeg -listen 1 semantics)
// and turns its FLV video tags into packets.
type rtmpSource struct {
	ln     net.Listener
	srv    *rtmp.Server
	key    string
	logger *zap.Logger

	packets chan *Packet
	done    chan struct{} // closed by Close
	ended   chan struct{} // closed when the publisher leaves
	ready   chan struct{} // closed once the stream is known

	mu         sync.Mutex
	publishing bool
	stream     StreamInfo
	extradata  []byte

	readyOnce sync.Once
	endOnce   sync.Once
	closeOnce sync.Once
	ioTimeout time.Duration
}

func init() {
	RegisterDemuxer(Demuxer{
		Name: "rtmp",
		Probe: func(u *url.URL, opts map[string]string) bool {
			if u.Scheme != "rtmp" {
				return false
			}
			listen := opts["listen"]
			if listen == "" {
				listen = u.Query().Get("listen")
			}
			return listen == "1" || strings.EqualFold(listen, "true")
		},
		Open: openRTMP,
	})
}

func openRTMP(ctx context.Context, in *SourceInput) (Source, error) {
	var cfg RTMPConfig
	if err := in.DecodeOptions(&cfg); err != nil {
		return nil, &OpenError{Kind: OpenProtocolError, URL: in.URL, Err: err}
	}
	if !cfg.Listen {
		return nil, &OpenError{Kind: OpenUnsupportedFormat, URL: in.URL, Err: errors.New("rtmp pull needs the ffmpeg backend")}
	}

	host := in.Parsed.Hostname()
	port := in.Parsed.Port()
	if port == "" {
		port = rtmpDefaultPort
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, &OpenError{Kind: OpenNotFound, URL: in.URL, Err: err}
	}

	s := newRTMPSource(ln, in.Parsed.Path, in.Logger)
	s.ioTimeout = in.IOTimeout
	s.srv = rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: func(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
			return conn, &rtmp.ConnConfig{
				Handler: &rtmpIngestHandler{src: s},
				ControlState: rtmp.StreamControlStateConfig{
					DefaultBandwidthWindowSize: 6 * 1024 * 1024,
				},
			}
		},
	})
	go func() {
		if err := s.srv.Serve(ln); err != nil && !s.isClosed() {
			s.logger.Warn("rtmp server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("waiting for rtmp publisher", zap.String("addr", ln.Addr().String()), zap.String("key", s.key))

	select {
	case <-s.ready:
		return s, nil
	case <-s.ended:
		s.Close()
		return nil, &OpenError{Kind: OpenProtocolError, URL: in.URL, Err: errors.New("publisher left before sending video")}
	case <-ctx.Done():
		s.Close()
		return nil, &OpenError{Kind: OpenTimeout, URL: in.URL, Err: ctx.Err()}
	}
}

func newRTMPSource(ln net.Listener, path string, logger *zap.Logger) *rtmpSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	key := ""
	if i := strings.LastIndex(path, "/"); i >= 0 && i < len(path)-1 && strings.Count(path, "/") > 1 {
		key = path[i+1:]
	}
	return &rtmpSource{
		ln:        ln,
		key:       key,
		logger:    logger,
		packets:   make(chan *Packet, rtmpPacketBuffer),
		done:      make(chan struct{}),
		ended:     make(chan struct{}),
		ready:     make(chan struct{}),
		ioTimeout: DefaultIOTimeout,
		stream: StreamInfo{
			Index:     0,
			MediaType: MediaTypeVideo,
			TimeBase:  Rational{Num: 1, Den: 1000},
		},
	}
}

func (s *rtmpSource) Streams() []StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []StreamInfo{s.stream}
}

func (s *rtmpSource) ReadPacket(ctx context.Context) (*Packet, error) {
	select {
	case <-s.done:
		return nil, fatalIO(ErrClosed)
	default:
	}
	// Queued packets go out before the end of the stream.
	select {
	case p := <-s.packets:
		return p, nil
	default:
	}

	timer := time.NewTimer(s.ioTimeout)
	defer timer.Stop()
	select {
	case p := <-s.packets:
		return p, nil
	case <-s.ended:
		select {
		case p := <-s.packets:
			return p, nil
		default:
		}
		return nil, ErrEndOfStream
	case <-s.done:
		return nil, fatalIO(ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, transientIO(fmt.Errorf("rtmp: no video for %s", s.ioTimeout))
	}
}

func (s *rtmpSource) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *rtmpSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		// Serve returns once the listener is gone; a connected publisher
		// is dropped on its next tag.
		err = s.ln.Close()
	})
	return err
}

// claim admits the first publisher whose stream key matches.
func (s *rtmpSource) claim(name string) error {
	if s.key != "" && name != s.key {
		return fmt.Errorf("rtmp: unexpected stream key %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishing {
		return errors.New("rtmp: a publisher is already connected")
	}
	s.publishing = true
	return nil
}

func (s *rtmpSource) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *rtmpSource) end() {
	s.endOnce.Do(func() { close(s.ended) })
}

// push blocks until the reader takes the packet, so a slow consumer slows
// the publisher down through TCP flow control.
func (s *rtmpSource) push(p *Packet) error {
	select {
	case s.packets <- p:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// handleVideo parses one FLV video tag body.
func (s *rtmpSource) handleVideo(timestamp uint32, data []byte) error {
	if len(data) < 2 {
		return nil
	}
	frameType := (data[0] >> 4) & 0x0F
	codecID := data[0] & 0x0F

	if codecID != flvCodecAVC {
		return s.handleOpaque(timestamp, codecID, frameType == flvFrameKey, data[1:])
	}
	if len(data) < 5 {
		return nil
	}

	avcType := data[1]
	cts := int32(uint32(data[2])<<16|uint32(data[3])<<8|uint32(data[4])) << 8 >> 8
	avcData := data[5:]

	switch avcType {
	case flvAVCSeqHeader:
		sps, pps := extractSPSPPS(avcData)
		if len(sps) == 0 {
			s.logger.Warn("rtmp sequence header without SPS")
			return nil
		}
		extradata := joinAnnexB(append(sps, pps...)...)
		w, h, _ := h264Geometry(extradata)
		s.mu.Lock()
		s.extradata = extradata
		s.stream.Codec = CodecH264
		s.stream.CodecName = CodecH264.String()
		s.stream.Extradata = extradata
		s.stream.Width, s.stream.Height = w, h
		s.mu.Unlock()
		s.logger.Info("rtmp video", zap.Int("width", w), zap.Int("height", h))
		s.markReady()

	case flvAVCNALU:
		s.mu.Lock()
		extradata := s.extradata
		s.mu.Unlock()
		if extradata == nil {
			return nil
		}
		annexB := avccToAnnexB(avcData)
		if len(annexB) == 0 {
			return nil
		}
		key := frameType == flvFrameKey || h264HasIDR(annexB)
		if key {
			annexB = withParameterSets(extradata, annexB)
		}
		dts := int64(timestamp)
		return s.push(&Packet{
			StreamIndex: 0,
			Data:        annexB,
			PTS:         dts + int64(cts),
			DTS:         dts,
			TimeBase:    s.stream.TimeBase,
			KeyFrame:    key,
			ReceivedAt:  time.Now(),
		})

	case flvAVCEndOfSeq:
		s.end()
	}
	return nil
}

// handleOpaque forwards non-AVC video tags (Sorenson H.263 and others) as
// is. Only the ffmpeg backend can decode them.
func (s *rtmpSource) handleOpaque(timestamp uint32, codecID byte, key bool, payload []byte) error {
	codec := CodecUnknown
	if codecID == flvCodecH263 {
		codec = CodecFLV1
	}
	s.mu.Lock()
	if s.stream.Codec == CodecUnknown {
		s.stream.Codec = codec
		s.stream.CodecName = codec.String()
	}
	s.mu.Unlock()
	s.markReady()
	ts := int64(timestamp)
	return s.push(&Packet{
		StreamIndex: 0,
		Data:        bytes.Clone(payload),
		PTS:         ts,
		DTS:         ts,
		TimeBase:    s.stream.TimeBase,
		KeyFrame:    key,
		ReceivedAt:  time.Now(),
	})
}

// rtmpIngestHandler serves one RTMP connection.
type rtmpIngestHandler struct {
	rtmp.DefaultHandler
	src    *rtmpSource
	active bool
}

func (h *rtmpIngestHandler) OnPublish(_ *rtmp.StreamContext, _ uint32, cmd *rtmpmsg.NetStreamPublish) error {
	if err := h.src.claim(cmd.PublishingName); err != nil {
		h.src.logger.Warn("rtmp publish rejected", zap.String("name", cmd.PublishingName), zap.Error(err))
		return err
	}
	h.active = true
	h.src.logger.Info("rtmp publishing", zap.String("name", cmd.PublishingName))
	return nil
}

func (h *rtmpIngestHandler) OnVideo(timestamp uint32, payload io.Reader) error {
	if !h.active {
		return nil
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, payload); err != nil {
		return err
	}
	return h.src.handleVideo(timestamp, buf.Bytes())
}

func (h *rtmpIngestHandler) OnClose() {
	if h.active {
		h.src.logger.Info("rtmp publisher disconnected")
		h.src.end()
	}
}

// extractSPSPPS reads the parameter sets of an AVCDecoderConfigurationRecord.
func extractSPSPPS(data []byte) (sps, pps [][]byte) {
	if len(data) < 7 {
		return nil, nil
	}
	offset := 5
	numSPS := int(data[offset] & 0x1F)
	offset++
	for i := 0; i < numSPS && offset+2 <= len(data); i++ {
		length := int(data[offset])<<8 | int(data[offset+1])
		offset += 2
		if offset+length > len(data) {
			return sps, pps
		}
		sps = append(sps, data[offset:offset+length])
		offset += length
	}
	if offset >= len(data) {
		return sps, pps
	}
	numPPS := int(data[offset])
	offset++
	for i := 0; i < numPPS && offset+2 <= len(data); i++ {
		length := int(data[offset])<<8 | int(data[offset+1])
		offset += 2
		if offset+length > len(data) {
			break
		}
		pps = append(pps, data[offset:offset+length])
		offset += length
	}
	return sps, pps
}
