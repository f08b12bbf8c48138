package ffinput

import (
	"bytes"
	"testing"
)

// FuzzDetectCodec tests codec detection with random inputs.
// Run with: go test -fuzz=FuzzDetectCodec -fuzztime=30s
func FuzzDetectCodec(f *testing.F) {
	// Add seed corpus with known codec patterns
	seeds := [][]byte{
		// H264 Annex-B patterns
		{0x00, 0x00, 0x00, 0x01, 0x67}, // SPS
		{0x00, 0x00, 0x00, 0x01, 0x68}, // PPS
		{0x00, 0x00, 0x00, 0x01, 0x65}, // IDR
		{0x00, 0x00, 0x01, 0x61, 0x00}, // 3-byte start code + slice

		// H264 AVCC
		{0x00, 0x00, 0x00, 0x05, 0x67, 0x42, 0x00, 0x0A, 0x00},

		// VP8 keyframe
		{0x00, 0x00, 0x00, 0x9D, 0x01, 0x2A, 0x00, 0x00, 0x00, 0x00},
		{0x10, 0x00, 0x00, 0x9D, 0x01, 0x2A, 0x00, 0x00, 0x00, 0x00},

		// VP9 frames (need at least 3 bytes)
		{0x82, 0x49, 0x83},       // frame_marker = 0b10
		{0x80, 0x00, 0x00},       // frame_marker = 0b10
		{0xA0, 0x00, 0x00, 0x00}, // frame_marker = 0b10

		// AV1 OBUs (need at least 2 bytes)
		{0x0A, 0x00},             // Sequence header (type 1)
		{0x12, 0x00},             // Temporal delimiter (type 2)
		{0x32, 0x00, 0x00, 0x00}, // Frame header (type 6)

		// IVF headers
		{'D', 'K', 'I', 'F', 0, 0, 32, 0, 'V', 'P', '8', '0', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		{'D', 'K', 'I', 'F', 0, 0, 32, 0, 'V', 'P', '9', '0', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		{'D', 'K', 'I', 'F', 0, 0, 32, 0, 'A', 'V', '0', '1', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},

		// Edge cases
		{},
		{0x00},
		{0x00, 0x00},
		{0x00, 0x00, 0x00},
		{0xFF, 0xFF, 0xFF, 0xFF},
		{0xC0, 0xC1, 0xC2, 0xC3},
	}

	for _, seed := range seeds {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		// The function should never panic
		result := DetectCodec(data)

		// Result must be a valid CodecID value
		if result < CodecUnknown || result > CodecAudio {
			t.Errorf("DetectCodec returned invalid codec: %d", result)
		}

		// Verify deterministic behavior
		result2 := DetectCodec(data)
		if result != result2 {
			t.Errorf("DetectCodec not deterministic: %v != %v", result, result2)
		}
	})
}

// FuzzKeyFrame feeds the same bytes to every codec's key frame probe.
// Intra-only codecs always report a key frame.
func FuzzKeyFrame(f *testing.F) {
	f.Add([]byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88})
	f.Add([]byte{0x00, 0x00, 0x01, 0x41, 0x9A})
	f.Add([]byte{0x10, 0x02, 0x00, 0x9D, 0x01, 0x2A, 0x40, 0x01, 0xF0, 0x00})
	f.Add([]byte{0x82, 0x49, 0x83, 0x42, 0x00})
	f.Add([]byte{0x12, 0x00, 0x0A, 0x01, 0x00})
	f.Add([]byte{})

	codecs := []CodecID{CodecH264, CodecVP8, CodecVP9, CodecAV1, CodecMJPEG, CodecRawVideo}
	f.Fuzz(func(t *testing.T, data []byte) {
		for _, c := range codecs {
			key := isKeyFrame(c, data)
			if c.IntraOnly() && !key {
				t.Errorf("%s: intra-only packet not a key frame", c)
			}
			if c == CodecVP8 && key && len(data) < 10 {
				t.Errorf("VP8 key frame from %d bytes", len(data))
			}
		}
	})
}

// FuzzParameterSets checks that extracted parameter sets come from the input
// and that prepending them is idempotent.
func FuzzParameterSets(f *testing.F) {
	pps := []byte{0x68, 0xCE, 0x38, 0x80}
	f.Add(joinAnnexB(buildSPS(640, 480), pps, []byte{0x65, 0x88}), joinAnnexB(buildSPS(640, 480), pps))
	f.Add([]byte{0x00, 0x00, 0x01, 0x41, 0x9A}, joinAnnexB(buildSPS(320, 240), pps))
	f.Add([]byte{0x00, 0x00, 0x01, 0x67}, []byte{})

	f.Fuzz(func(t *testing.T, frame, extradata []byte) {
		sps, ppsOut := h264ParameterSets(frame)
		for _, n := range append(sps, ppsOut...) {
			if !bytes.Contains(frame, n) {
				t.Errorf("parameter set %x not in input", n)
			}
		}
		if w, h, ok := h264Geometry(frame); ok && (w <= 0 || h <= 0) {
			t.Errorf("geometry %dx%d reported ok", w, h)
		}
		once := withParameterSets(extradata, frame)
		if !bytes.HasSuffix(once, frame) {
			t.Errorf("frame not preserved: %x", once)
		}
	})
}

// FuzzSplitAnnexB checks that every NAL unit returned lies inside the input
// and that no start code survives inside a unit.
func FuzzSplitAnnexB(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, 0x67, 0x42, 0, 0, 1, 0x68, 0xCE})
	f.Add([]byte{0, 0, 1})
	f.Add([]byte{0, 0, 1, 0, 0, 1})
	f.Add(joinAnnexB(buildSPS(320, 240), []byte{0x65, 0x88}))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		total := 0
		for _, nalu := range splitAnnexB(data) {
			total += len(nalu)
			if bytes.Contains(nalu, []byte{0, 0, 1}) {
				t.Errorf("start code inside NAL unit %x", nalu)
			}
		}
		if total > len(data) {
			t.Errorf("NAL units hold %d bytes, input has %d", total, len(data))
		}
		h264HasIDR(data)
	})
}

// FuzzAV1HasSequenceHeader walks arbitrary OBU chains.
func FuzzAV1HasSequenceHeader(f *testing.F) {
	f.Add([]byte{0x12, 0x00, 0x0A, 0x02, 0xAA, 0xBB})
	f.Add([]byte{0x12, 0x00, 0x32, 0x01, 0xCC})
	f.Add([]byte{0x16, 0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x7F})
	f.Add([]byte{0x12, 0x80})

	f.Fuzz(func(t *testing.T, data []byte) {
		got := av1HasSequenceHeader(data)
		if got != av1HasSequenceHeader(data) {
			t.Error("not deterministic")
		}
		if got && len(data) == 0 {
			t.Error("sequence header in empty input")
		}
	})
}

// FuzzIsVP9Keyframe only requires that a key frame is a VP9 frame.
func FuzzIsVP9Keyframe(f *testing.F) {
	for _, b := range []byte{0x80, 0x84, 0x88, 0xB0, 0xB2, 0x40} {
		f.Add([]byte{b, 0x49, 0x83})
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		if isVP9Keyframe(data) && !isVP9Frame(data) {
			t.Errorf("isVP9Keyframe(%x) without a VP9 frame marker", data)
		}
	})
}
