package ffinput

import (
	"bytes"
	"testing"
)

// =============================================================================
// DetectCodec Tests
// =============================================================================

func TestDetectCodec_H264AnnexB(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected CodecID
	}{
		{
			name:     "H264 4-byte start code with SPS",
			data:     []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x1e}, // NAL type 7 = SPS
			expected: CodecH264,
		},
		{
			name:     "H264 4-byte start code with IDR",
			data:     []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x00, 0x00, 0x00}, // NAL type 5 = IDR
			expected: CodecH264,
		},
		{
			name:     "H264 3-byte start code with slice",
			data:     []byte{0x00, 0x00, 0x01, 0x41, 0x00, 0x00, 0x00, 0x00}, // NAL type 1 = non-IDR
			expected: CodecH264,
		},
		{
			name:     "H264 AVCC format",
			data:     []byte{0x00, 0x00, 0x00, 0x04, 0x65, 0x00, 0x00, 0x00},
			expected: CodecH264,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectCodec(tt.data); got != tt.expected {
				t.Errorf("DetectCodec() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDetectCodec_Others(t *testing.T) {
	ivf := func(fourcc string) []byte {
		h := make([]byte, 32)
		copy(h, "DKIF")
		h[6] = 32
		copy(h[8:], fourcc)
		return h
	}
	tests := []struct {
		name     string
		data     []byte
		expected CodecID
	}{
		{"JPEG SOI", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}, CodecMJPEG},
		{"VP8 keyframe", []byte{0x00, 0x00, 0x00, 0x9D, 0x01, 0x2A, 0x00, 0x00, 0x00, 0x00}, CodecVP8},
		{"VP9 frame marker", []byte{0x82, 0x00, 0x00, 0x00}, CodecVP9},
		{"AV1 sequence header", []byte{0x0A, 0x0B, 0x00, 0x00}, CodecAV1},
		{"IVF VP8", ivf("VP80"), CodecVP8},
		{"IVF VP9", ivf("VP90"), CodecVP9},
		{"IVF AV1", ivf("AV01"), CodecAV1},
		{"too short", []byte{0x00, 0x00, 0x01}, CodecUnknown},
		{"empty", nil, CodecUnknown},
		{"garbage", []byte{0xFF, 0xFF, 0xFF, 0xFF}, CodecUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectCodec(tt.data); got != tt.expected {
				t.Errorf("DetectCodec() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestIsAnnexBStartCode(t *testing.T) {
	tests := []struct {
		data []byte
		want bool
	}{
		{[]byte{0x00, 0x00, 0x00, 0x01}, true},
		{[]byte{0x00, 0x00, 0x01, 0x67}, true},
		{[]byte{0x00, 0x01, 0x00, 0x01}, false},
		{[]byte{0x00, 0x00, 0x01}, false},
	}
	for _, tt := range tests {
		if got := isAnnexBStartCode(tt.data); got != tt.want {
			t.Errorf("isAnnexBStartCode(%x) = %v, want %v", tt.data, got, tt.want)
		}
	}
}

func TestGetNALType(t *testing.T) {
	tests := []struct {
		data []byte
		want byte
	}{
		{[]byte{0x00, 0x00, 0x00, 0x01, 0x67}, 7},
		{[]byte{0x00, 0x00, 0x01, 0x68, 0x00}, 8},
		{[]byte{0x00, 0x00, 0x00, 0x01, 0x65}, 5},
		{[]byte{0x00, 0x00, 0x00, 0x01}, 0},
	}
	for _, tt := range tests {
		if got := getNALType(tt.data); got != tt.want {
			t.Errorf("getNALType(%x) = %d, want %d", tt.data, got, tt.want)
		}
	}
}

func TestIsVP8Keyframe(t *testing.T) {
	key := []byte{0x10, 0x02, 0x00, 0x9D, 0x01, 0x2A, 0x40, 0x01, 0xF0, 0x00}
	if !isVP8Keyframe(key) {
		t.Error("keyframe not recognised")
	}
	w, h, ok := vp8KeyframeSize(key)
	if !ok || w != 320 || h != 240 {
		t.Errorf("vp8KeyframeSize = %dx%d %v, want 320x240", w, h, ok)
	}

	inter := append([]byte(nil), key...)
	inter[0] |= 0x01
	if isVP8Keyframe(inter) {
		t.Error("interframe reported as keyframe")
	}
	if isVP8Keyframe(key[:9]) {
		t.Error("truncated frame reported as keyframe")
	}
}

func TestIsVP9Keyframe(t *testing.T) {
	tests := []struct {
		name string
		b    byte
		want bool
	}{
		{"profile 0 key", 0x80, true},          // 10 0 0 0 0..
		{"profile 0 inter", 0x84, false},       // frame_type = 1
		{"show existing", 0x88, false},         // show_existing_frame = 1
		{"profile 3 key", 0xB0, true},          // profile bits 11, reserved 0
		{"profile 3 inter", 0xB2, false},       // frame_type after reserved bit
		{"not vp9", 0x40, false},
	}
	for _, tt := range tests {
		if got := isVP9Keyframe([]byte{tt.b, 0x49, 0x83, 0x42}); got != tt.want {
			t.Errorf("%s: isVP9Keyframe(%#x) = %v, want %v", tt.name, tt.b, got, tt.want)
		}
	}
}

func TestAV1HasSequenceHeader(t *testing.T) {
	// Temporal delimiter, then a sequence header, both with size fields.
	withSeq := []byte{0x12, 0x00, 0x0A, 0x02, 0xAA, 0xBB}
	if !av1HasSequenceHeader(withSeq) {
		t.Error("sequence header missed")
	}
	// Temporal delimiter, then a frame OBU.
	withoutSeq := []byte{0x12, 0x00, 0x32, 0x01, 0xCC}
	if av1HasSequenceHeader(withoutSeq) {
		t.Error("frame OBU taken for a sequence header")
	}
	if av1HasSequenceHeader([]byte{0x12, 0x80}) {
		t.Error("truncated leb128 accepted")
	}
}

func TestSplitAnnexB(t *testing.T) {
	data := []byte{
		0, 0, 0, 1, 0x67, 0x42, 0x00,
		0, 0, 1, 0x68, 0xCE,
		0, 0, 0, 1, 0x65, 0x88, 0x84,
	}
	nalus := splitAnnexB(data)
	if len(nalus) != 3 {
		t.Fatalf("got %d NAL units, want 3", len(nalus))
	}
	// A 0x00 closing the SPS is indistinguishable from the next 4-byte start code.
	if !bytes.Equal(nalus[0], []byte{0x67, 0x42}) {
		t.Errorf("nalu 0 = %x", nalus[0])
	}
	if !bytes.Equal(nalus[1], []byte{0x68, 0xCE}) || !bytes.Equal(nalus[2], []byte{0x65, 0x88, 0x84}) {
		t.Errorf("nalus = %x", nalus)
	}

	if !h264HasIDR(data) || h264HasIDR(data[:12]) {
		t.Error("h264HasIDR")
	}
	if splitAnnexB([]byte{1, 2, 3}) != nil {
		t.Error("no start code should yield no NAL units")
	}
}

func TestAVCCToAnnexB(t *testing.T) {
	avcc := []byte{0, 0, 0, 2, 0x67, 0x42, 0, 0, 0, 3, 0x65, 0x88, 0x84}
	want := []byte{0, 0, 0, 1, 0x67, 0x42, 0, 0, 0, 1, 0x65, 0x88, 0x84}
	if got := avccToAnnexB(avcc); !bytes.Equal(got, want) {
		t.Errorf("avccToAnnexB = %x, want %x", got, want)
	}
	// A length running past the buffer stops the conversion.
	if got := avccToAnnexB([]byte{0, 0, 0, 9, 0x65}); len(got) != 0 {
		t.Errorf("truncated AVCC = %x", got)
	}
}

func TestH264ParameterSets(t *testing.T) {
	sps := buildSPS(320, 240)
	pps := []byte{0x68, 0xCE, 0x38, 0x80}
	idr := []byte{0x65, 0x88, 0x84, 0x21}
	stream := joinAnnexB(sps, pps, idr)

	gotSPS, gotPPS := h264ParameterSets(stream)
	if len(gotSPS) != 1 || len(gotPPS) != 1 {
		t.Fatalf("got %d SPS, %d PPS", len(gotSPS), len(gotPPS))
	}
	if !bytes.Equal(gotPPS[0], pps) {
		t.Errorf("pps = %x", gotPPS[0])
	}

	// withParameterSets only prepends when the frame has none.
	extradata := joinAnnexB(sps, pps)
	bare := joinAnnexB(idr)
	if got := withParameterSets(extradata, bare); !bytes.Equal(got, stream) {
		t.Errorf("withParameterSets(bare) = %x", got)
	}
	if got := withParameterSets(extradata, stream); !bytes.Equal(got, stream) {
		t.Error("parameter sets duplicated")
	}
	if got := withParameterSets(nil, bare); !bytes.Equal(got, bare) {
		t.Error("nil extradata changed the frame")
	}
}

func TestH264Geometry(t *testing.T) {
	sizes := [][2]int{{320, 240}, {1280, 720}, {16, 16}, {1920, 1088}}
	for _, s := range sizes {
		data := joinAnnexB(buildSPS(s[0], s[1]), []byte{0x68, 0xCE, 0x38, 0x80})
		w, h, ok := h264Geometry(data)
		if !ok || w != s[0] || h != s[1] {
			t.Errorf("h264Geometry(%dx%d SPS) = %dx%d %v", s[0], s[1], w, h, ok)
		}
	}
	if _, _, ok := h264Geometry([]byte{0, 0, 0, 1, 0x65, 0x88}); ok {
		t.Error("geometry found without an SPS")
	}
}

func TestIsKeyFrame(t *testing.T) {
	tests := []struct {
		codec CodecID
		data  []byte
		want  bool
	}{
		{CodecH264, joinAnnexB([]byte{0x65, 0x88}), true},
		{CodecH264, joinAnnexB([]byte{0x41, 0x9A}), false},
		{CodecVP8, []byte{0x10, 0x02, 0x00, 0x9D, 0x01, 0x2A, 0x40, 0x01, 0xF0, 0x00}, true},
		{CodecVP8, []byte{0x11, 0x02, 0x00}, false},
		{CodecMJPEG, []byte{0xFF, 0xD8}, true},
		{CodecRawVideo, nil, true},
		{CodecTheora, []byte{0x80}, false},
	}
	for _, tt := range tests {
		if got := isKeyFrame(tt.codec, tt.data); got != tt.want {
			t.Errorf("isKeyFrame(%s, %x) = %v, want %v", tt.codec, tt.data, got, tt.want)
		}
	}
}

// buildSPS writes a baseline-profile SPS NAL unit for a width×height picture.
// Both dimensions must be multiples of 16.
func buildSPS(width, height int) []byte {
	var w bitWriter
	w.bits(66, 8) // profile_idc: baseline
	w.bits(0, 8)  // constraint flags
	w.bits(30, 8) // level_idc
	w.ue(0)       // seq_parameter_set_id
	w.ue(0)       // log2_max_frame_num_minus4
	w.ue(2)       // pic_order_cnt_type
	w.ue(1)       // max_num_ref_frames
	w.bits(0, 1)  // gaps_in_frame_num_value_allowed_flag
	w.ue(uint32(width/16 - 1))
	w.ue(uint32(height/16 - 1))
	w.bits(1, 1) // frame_mbs_only_flag
	w.bits(1, 1) // direct_8x8_inference_flag
	w.bits(0, 1) // frame_cropping_flag
	w.bits(0, 1) // vui_parameters_present_flag
	w.bits(1, 1) // rbsp_stop_one_bit
	w.align()

	nalu := []byte{0x67}
	zeros := 0
	for _, b := range w.buf {
		if zeros == 2 && b <= 3 {
			nalu = append(nalu, 3)
			zeros = 0
		}
		nalu = append(nalu, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return nalu
}

type bitWriter struct {
	buf  []byte
	nbit int
}

func (w *bitWriter) bits(v uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		if w.nbit%8 == 0 {
			w.buf = append(w.buf, 0)
		}
		if v>>uint(i)&1 == 1 {
			w.buf[len(w.buf)-1] |= 0x80 >> uint(w.nbit%8)
		}
		w.nbit++
	}
}

// ue writes an Exp-Golomb code.
func (w *bitWriter) ue(v uint32) {
	v++
	n := 0
	for x := v; x > 1; x >>= 1 {
		n++
	}
	w.bits(0, n)
	w.bits(v, n+1)
}

func (w *bitWriter) align() {
	for w.nbit%8 != 0 {
		w.bits(0, 1)
	}
}
