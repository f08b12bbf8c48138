package ffinput

import (
	"errors"
	"testing"
)

// The fake codec decodes one tiny frame per packet. The first payload
// byte selects the behaviour.
const (
	fakeFrame   = 'f' // one 4x4 frame with the packet PTS
	fakeBig     = 'g' // one 8x8 frame (geometry change)
	fakeCorrupt = 'c' // corrupt data error
	fakeHold    = 'h' // frame released only by Flush
	fakeBroken  = 'x' // plain error from the backend
)

var fakeCodec = CodecTheora

type fakeDecoder struct {
	held   []*VideoFrame
	closed bool
}

func newFakeDecoder(StreamInfo, DecoderOptions) (VideoDecoder, error) {
	return &fakeDecoder{}, nil
}

func (d *fakeDecoder) Decode(pkt *Packet) ([]*VideoFrame, error) {
	switch pkt.Data[0] {
	case fakeFrame:
		f := NewVideoFrame(4, 4, PixelFormatI420)
		f.PTS = pkt.PTS
		return []*VideoFrame{f}, nil
	case fakeBig:
		f := NewVideoFrame(8, 8, PixelFormatI420)
		f.PTS = pkt.PTS
		return []*VideoFrame{f}, nil
	case fakeHold:
		f := NewVideoFrame(4, 4, PixelFormatI420)
		f.PTS = pkt.PTS
		d.held = append(d.held, f)
		return nil, nil
	case fakeCorrupt:
		return nil, corruptData(fakeCodec, errors.New("bad slice"))
	default:
		return nil, errors.New("backend exploded")
	}
}

func (d *fakeDecoder) Flush() ([]*VideoFrame, error) {
	out := d.held
	d.held = nil
	return out, nil
}

func (d *fakeDecoder) Provider() Provider { return ProviderGo }
func (d *fakeDecoder) Codec() CodecID     { return fakeCodec }
func (d *fakeDecoder) Close() error       { d.closed = true; return nil }

func init() {
	RegisterDecoder(fakeCodec, ProviderGo, newFakeDecoder)
}

func fakeStream() StreamInfo {
	return StreamInfo{
		Index:        0,
		MediaType:    MediaTypeVideo,
		Codec:        fakeCodec,
		Width:        4,
		Height:       4,
		FrameRate:    Rational{25, 1},
		AvgFrameRate: Rational{25, 1},
		TimeBase:     Rational{1, 25},
	}
}

func newFakeTestDecoder(t *testing.T, depth int) *Decoder {
	t.Helper()
	opts := DefaultDecoderOptions()
	opts.Provider = ProviderGo
	opts.ReorderDepth = depth
	d, err := NewDecoder(fakeStream(), opts)
	if err != nil {
		t.Fatalf("NewDecoder failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func fakePacket(op byte, pts int64) *Packet {
	return &Packet{Data: []byte{op}, PTS: pts, DTS: NoPTS, TimeBase: Rational{1, 25}}
}

func receiveAll(d *Decoder) []int64 {
	var pts []int64
	for {
		f, err := d.ReceiveFrame()
		if err != nil {
			return pts
		}
		pts = append(pts, f.PTS)
	}
}

func flushAll(t *testing.T, d *Decoder) []int64 {
	t.Helper()
	var pts []int64
	for f, err := range d.Flush() {
		if err != nil {
			t.Fatalf("Flush yielded error: %v", err)
		}
		pts = append(pts, f.PTS)
	}
	return pts
}

func TestDecoder_ReorderHoldsFrames(t *testing.T) {
	d := newFakeTestDecoder(t, 2)

	// Decode order of an IPBB stream.
	order := []int64{0, 3, 1, 2, 6, 4, 5}
	var got []int64
	for i, pts := range order {
		if err := d.Feed(fakePacket(fakeFrame, pts)); err != nil {
			t.Fatalf("Feed(%d) failed: %v", pts, err)
		}
		out := receiveAll(d)
		if i < 2 && len(out) != 0 {
			t.Fatalf("frame emitted after %d packets, want the buffer to hold 2", i+1)
		}
		got = append(got, out...)
	}
	if d.Pending() != 2 {
		t.Errorf("Pending = %d, want 2", d.Pending())
	}
	got = append(got, flushAll(t, d)...)

	if len(got) != len(order) {
		t.Fatalf("got %d frames, want %d", len(got), len(order))
	}
	for i, pts := range got {
		if pts != int64(i) {
			t.Fatalf("output order %v is not presentation order", got)
		}
	}
}

func TestDecoder_NeedMoreInput(t *testing.T) {
	d := newFakeTestDecoder(t, 1)
	if _, err := d.ReceiveFrame(); !errors.Is(err, ErrNeedMoreInput) {
		t.Errorf("ReceiveFrame on empty decoder = %v", err)
	}
	d.Feed(fakePacket(fakeFrame, 0))
	if _, err := d.ReceiveFrame(); !errors.Is(err, ErrNeedMoreInput) {
		t.Errorf("ReceiveFrame with a held frame = %v, want ErrNeedMoreInput", err)
	}
}

func TestDecoder_LateFrameDropped(t *testing.T) {
	d := newFakeTestDecoder(t, 0)
	if err := d.Feed(fakePacket(fakeFrame, 5)); err != nil {
		t.Fatal(err)
	}
	err := d.Feed(fakePacket(fakeFrame, 3))
	var de *DecodeError
	if !errors.As(err, &de) || de.Kind != DecodeCorruptData {
		t.Fatalf("late frame error = %v, want DecodeCorruptData", err)
	}
	if !errors.Is(err, errLateFrame) {
		t.Errorf("error %v does not wrap errLateFrame", err)
	}
	if got := receiveAll(d); len(got) != 1 || got[0] != 5 {
		t.Errorf("frames = %v, want [5]", got)
	}
	if d.Stats().LateFrames != 1 {
		t.Errorf("LateFrames = %d", d.Stats().LateFrames)
	}
}

func TestDecoder_CorruptPacketSkipped(t *testing.T) {
	d := newFakeTestDecoder(t, 0)

	pkt := fakePacket(fakeFrame, 0)
	pkt.Corrupt = true
	err := d.Feed(pkt)
	var de *DecodeError
	if !errors.As(err, &de) || !de.Recoverable() {
		t.Fatalf("flagged packet error = %v, want recoverable", err)
	}

	if err := d.Feed(fakePacket(fakeCorrupt, 1)); !errors.As(err, &de) || de.Kind != DecodeCorruptData {
		t.Fatalf("backend corrupt error = %v", err)
	}
	if err := d.Feed(fakePacket(fakeFrame, 2)); err != nil {
		t.Fatalf("decoding did not continue: %v", err)
	}
	if got := receiveAll(d); len(got) != 1 || got[0] != 2 {
		t.Errorf("frames = %v, want [2]", got)
	}
	if s := d.Stats(); s.CorruptPackets != 2 || s.PacketsFed != 3 {
		t.Errorf("stats = %+v", s)
	}
}

func TestDecoder_PlainBackendErrorIsCorrupt(t *testing.T) {
	d := newFakeTestDecoder(t, 0)
	err := d.Feed(fakePacket(fakeBroken, 0))
	var de *DecodeError
	if !errors.As(err, &de) || de.Kind != DecodeCorruptData {
		t.Fatalf("error = %v, want DecodeCorruptData", err)
	}
}

func TestDecoder_FormatChangeIsFatal(t *testing.T) {
	d := newFakeTestDecoder(t, 0)
	if err := d.Feed(fakePacket(fakeFrame, 0)); err != nil {
		t.Fatal(err)
	}
	err := d.Feed(fakePacket(fakeBig, 1))
	var de *DecodeError
	if !errors.As(err, &de) || de.Kind != DecodeFatal {
		t.Fatalf("error = %v, want DecodeFatal", err)
	}
	if !errors.Is(err, ErrFormatChanged) {
		t.Errorf("error %v does not wrap ErrFormatChanged", err)
	}
}

func TestDecoder_SynthesizesPTS(t *testing.T) {
	d := newFakeTestDecoder(t, 0)
	// DTS only, then nothing at all.
	d.Feed(&Packet{Data: []byte{fakeFrame}, PTS: NoPTS, DTS: 10})
	d.Feed(&Packet{Data: []byte{fakeFrame}, PTS: NoPTS, DTS: NoPTS})
	d.Feed(&Packet{Data: []byte{fakeFrame}, PTS: NoPTS, DTS: NoPTS})

	got := receiveAll(d)
	want := []int64{10, 11, 12}
	if len(got) != len(want) {
		t.Fatalf("frames = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d PTS = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDecoder_FramesCarryStreamTiming(t *testing.T) {
	d := newFakeTestDecoder(t, 0)
	d.Feed(&Packet{Data: []byte{fakeFrame}, PTS: 7, DTS: NoPTS})
	f, err := d.ReceiveFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f.TimeBase != (Rational{1, 25}) {
		t.Errorf("TimeBase = %v, want the stream time base", f.TimeBase)
	}
	if f.Duration != 1 {
		t.Errorf("Duration = %d, want one frame", f.Duration)
	}
}

func TestDecoder_FlushOnce(t *testing.T) {
	d := newFakeTestDecoder(t, 0)
	d.Feed(fakePacket(fakeHold, 0))
	d.Feed(fakePacket(fakeHold, 1))

	if got := flushAll(t, d); len(got) != 2 {
		t.Fatalf("Flush yielded %v, want 2 frames", got)
	}

	var flushErr error
	for _, err := range d.Flush() {
		flushErr = err
	}
	if !errors.Is(flushErr, ErrFlushed) {
		t.Errorf("second Flush = %v, want ErrFlushed", flushErr)
	}

	err := d.Feed(fakePacket(fakeFrame, 2))
	var de *DecodeError
	if !errors.As(err, &de) || de.Kind != DecodeFatal || !errors.Is(err, ErrFlushed) {
		t.Errorf("Feed after Flush = %v", err)
	}
}

func TestDecoder_FlushSequenceNotRestartable(t *testing.T) {
	d := newFakeTestDecoder(t, 0)
	d.Feed(fakePacket(fakeHold, 0))
	seq := d.Flush()
	n := 0
	for _, err := range seq {
		if err == nil {
			n++
		}
	}
	var again error
	for _, err := range seq {
		again = err
	}
	if n != 1 || !errors.Is(again, ErrFlushed) {
		t.Errorf("first pass %d frames, second pass %v", n, again)
	}
}

func TestNewDecoder_Unsupported(t *testing.T) {
	tests := []struct {
		name   string
		stream StreamInfo
		opts   DecoderOptions
	}{
		{"audio stream", StreamInfo{MediaType: MediaTypeAudio, Codec: CodecAudio}, DefaultDecoderOptions()},
		{"unknown codec", StreamInfo{MediaType: MediaTypeVideo, Codec: CodecUnknown}, DecoderOptions{Provider: ProviderGo, ReorderDepth: -1}},
		{"raw without size", StreamInfo{MediaType: MediaTypeVideo, Codec: CodecRawVideo, PixelFormat: PixelFormatI420}, DefaultDecoderOptions()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDecoder(tt.stream, tt.opts)
			var de *DecodeError
			if !errors.As(err, &de) || de.Kind != DecodeUnsupportedCodec {
				t.Errorf("NewDecoder = %v, want DecodeUnsupportedCodec", err)
			}
		})
	}
}

func TestDecoderProviders(t *testing.T) {
	for _, codec := range []CodecID{CodecRawVideo, CodecMJPEG, CodecPNG, CodecVP8} {
		providers := DecoderProviders(codec)
		found := false
		for _, p := range providers {
			found = found || p == ProviderGo
		}
		if !found {
			t.Errorf("%s providers = %v, want ProviderGo", codec, providers)
		}
		if !IsDecoderAvailable(codec) {
			t.Errorf("IsDecoderAvailable(%s) = false", codec)
		}
	}
}

func TestProviderRank(t *testing.T) {
	// An intra-only provider must rank behind any inter-frame capable one
	// for codecs with predicted frames.
	if providerRank(CodecVP8, ProviderGo) <= providerRank(CodecVP8, ProviderFFmpeg) {
		t.Error("intra-only Go VP8 decoder should rank after ffmpeg")
	}
	if providerRank(CodecMJPEG, ProviderGo) >= providerRank(CodecMJPEG, ProviderFFmpeg) {
		t.Error("permissive Go MJPEG decoder should rank before ffmpeg")
	}
}

func TestDecoder_RawVideo(t *testing.T) {
	stream := StreamInfo{MediaType: MediaTypeVideo, Codec: CodecRawVideo, Width: 4, Height: 2, PixelFormat: PixelFormatRGB24, TimeBase: Rational{1, 30}}
	d, err := NewDecoder(stream, DefaultDecoderOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	data := make([]byte, 4*2*3)
	for i := range data {
		data[i] = byte(i)
	}
	if err := d.Feed(&Packet{Data: data, PTS: 3, DTS: 3}); err != nil {
		t.Fatal(err)
	}
	f, err := d.ReceiveFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f.Width != 4 || f.Height != 2 || f.Format != PixelFormatRGB24 || f.PTS != 3 {
		t.Errorf("frame = %dx%d %s pts=%d", f.Width, f.Height, f.Format, f.PTS)
	}
	if f.Data[0][5] != 5 {
		t.Error("frame data does not match the packet")
	}

	err = d.Feed(&Packet{Data: data[:10], PTS: 4, DTS: 4})
	if !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("short packet = %v, want ErrBufferTooSmall", err)
	}
}
