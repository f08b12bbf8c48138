package ffinput

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/url"
	"testing"
	"time"

	"go.uber.org/zap"
)

func avcDecoderConfig(sps, pps []byte) []byte {
	rec := []byte{1, sps[1], sps[2], sps[3], 0xFF, 0xE1, byte(len(sps) >> 8), byte(len(sps))}
	rec = append(rec, sps...)
	rec = append(rec, 1, byte(len(pps)>>8), byte(len(pps)))
	return append(rec, pps...)
}

func flvAVCTag(frameType, avcType byte, cts int32, body []byte) []byte {
	tag := []byte{frameType<<4 | flvCodecAVC, avcType, byte(cts >> 16), byte(cts >> 8), byte(cts)}
	return append(tag, body...)
}

func newTestRTMPSource(t *testing.T, path string) *rtmpSource {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("tcp loopback unavailable: %v", err)
	}
	s := newRTMPSource(ln, path, zap.NewNop())
	s.ioTimeout = time.Second
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRTMP_HandleVideo(t *testing.T) {
	s := newTestRTMPSource(t, "/live/cam1")
	sps := buildSPS(320, 240)
	pps := []byte{0x68, 0xCE, 0x38, 0x80}
	idr := []byte{0x65, 0x88, 0x84}
	p := []byte{0x41, 0x9A}

	// Frames before the sequence header cannot be decoded.
	if err := s.handleVideo(0, flvAVCTag(2, flvAVCNALU, 0, avccSample(p))); err != nil {
		t.Fatal(err)
	}
	if err := s.handleVideo(0, flvAVCTag(1, flvAVCSeqHeader, 0, avcDecoderConfig(sps, pps))); err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.ready:
	default:
		t.Fatal("sequence header did not make the stream ready")
	}
	st := s.Streams()[0]
	if st.Codec != CodecH264 || st.Width != 320 || st.Height != 240 || !bytes.Equal(st.Extradata, joinAnnexB(sps, pps)) {
		t.Errorf("stream = %v", st)
	}

	if err := s.handleVideo(1000, flvAVCTag(1, flvAVCNALU, 40, avccSample(idr))); err != nil {
		t.Fatal(err)
	}
	if err := s.handleVideo(1040, flvAVCTag(2, flvAVCNALU, -40, avccSample(p))); err != nil {
		t.Fatal(err)
	}
	if err := s.handleVideo(1080, flvAVCTag(0, flvAVCEndOfSeq, 0, nil)); err != nil {
		t.Fatal(err)
	}

	want := []struct {
		pts, dts int64
		key      bool
		data     []byte
	}{
		{1040, 1000, true, joinAnnexB(sps, pps, idr)},
		{1000, 1040, false, joinAnnexB(p)},
	}
	for i, w := range want {
		pkt, err := s.ReadPacket(context.Background())
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		if pkt.PTS != w.pts || pkt.DTS != w.dts || pkt.KeyFrame != w.key {
			t.Errorf("packet %d: pts %d dts %d key %t", i, pkt.PTS, pkt.DTS, pkt.KeyFrame)
		}
		if !bytes.Equal(pkt.Data, w.data) {
			t.Errorf("packet %d data = %x, want %x", i, pkt.Data, w.data)
		}
	}
	if _, err := s.ReadPacket(context.Background()); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("after end of sequence: %v", err)
	}
}

func TestRTMP_OpaqueCodec(t *testing.T) {
	s := newTestRTMPSource(t, "/live")
	if err := s.handleVideo(20, []byte{0x12, 0xAA, 0xBB}); err != nil {
		t.Fatal(err)
	}
	if c := s.Streams()[0].Codec; c != CodecFLV1 {
		t.Errorf("codec = %s, want flv1", c)
	}
	pkt, err := s.ReadPacket(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !pkt.KeyFrame || pkt.PTS != 20 || !bytes.Equal(pkt.Data, []byte{0xAA, 0xBB}) {
		t.Errorf("packet = %+v", pkt)
	}
}

func TestRTMP_ReadTimeoutIsTransient(t *testing.T) {
	s := newTestRTMPSource(t, "/live")
	s.ioTimeout = 20 * time.Millisecond
	_, err := s.ReadPacket(context.Background())
	var ioe *IoError
	if !errors.As(err, &ioe) || !ioe.Temporary() {
		t.Errorf("idle read = %v, want transient error", err)
	}
	s.Close()
	if _, err := s.ReadPacket(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("read after close = %v", err)
	}
}

func TestRTMP_Claim(t *testing.T) {
	s := newTestRTMPSource(t, "/app/secret")
	if s.key != "secret" {
		t.Fatalf("key = %q", s.key)
	}
	if err := s.claim("guess"); err == nil {
		t.Error("wrong stream key accepted")
	}
	if err := s.claim("secret"); err != nil {
		t.Fatal(err)
	}
	if err := s.claim("secret"); err == nil {
		t.Error("second publisher accepted")
	}

	if k := newTestRTMPSource(t, "/app").key; k != "" {
		t.Errorf("app-only path key = %q", k)
	}
}

func TestRTMP_OpenTimeout(t *testing.T) {
	_, err := OpenSource(context.Background(), SourceDescriptor{URL: "rtmp://127.0.0.1:0/live/x?listen=1"}, WithProbeTimeout(50*time.Millisecond))
	var oe *OpenError
	if !errors.As(err, &oe) || oe.Kind != OpenTimeout {
		t.Errorf("OpenSource = %v, want timeout", err)
	}
}

func TestRTMP_PullUnsupported(t *testing.T) {
	u, _ := url.Parse("rtmp://cam/live/x")
	_, err := openRTMP(context.Background(), &SourceInput{URL: u.String(), Parsed: u, Logger: zap.NewNop()})
	var oe *OpenError
	if !errors.As(err, &oe) || oe.Kind != OpenUnsupportedFormat {
		t.Errorf("openRTMP = %v, want unsupported format", err)
	}
}

func TestExtractSPSPPS(t *testing.T) {
	sps := []byte{0x67, 0x42, 0xC0, 0x1E, 0x01}
	pps := []byte{0x68, 0xCE}
	gotSPS, gotPPS := extractSPSPPS(avcDecoderConfig(sps, pps))
	if len(gotSPS) != 1 || !bytes.Equal(gotSPS[0], sps) || len(gotPPS) != 1 || !bytes.Equal(gotPPS[0], pps) {
		t.Errorf("extractSPSPPS = %x, %x", gotSPS, gotPPS)
	}
	rec := avcDecoderConfig(sps, pps)
	if s, p := extractSPSPPS(rec[:10]); len(s) != 0 || len(p) != 0 {
		t.Errorf("truncated record = %x, %x", s, p)
	}
	if s, _ := extractSPSPPS([]byte{1, 2}); s != nil {
		t.Error("short record parsed")
	}
}
