package ffinput

import (
	"bytes"

	"github.com/Eyevinn/mp4ff/avc"
)

// H.264 NAL unit types used by the demuxers.
const (
	nalSlice    = 1
	nalIDR      = 5
	nalSEI      = 6
	nalSPS      = 7
	nalPPS      = 8
	nalAUD      = 9
	nalEndSeq   = 10
	nalEndOfStr = 11
)

// DetectCodec detects the video codec from the first bytes of a bitstream.
// Supports detection of:
//   - H.264/AVC: Annex-B format (ITU-T H.264) and AVCC format (ISO/IEC 14496-15)
//   - VP8: RFC 6386 - VP8 Data Format and Decoding Guide
//   - VP9: VP9 Bitstream & Decoding Process Specification
//   - AV1: AV1 Bitstream & Decoding Process Specification
//   - IVF: WebM Project container format
//   - JPEG: ITU-T T.81 SOI marker
//
// Returns CodecUnknown if the codec cannot be determined.
func DetectCodec(data []byte) CodecID {
	if len(data) < 4 {
		return CodecUnknown
	}

	if isJPEG(data) {
		return CodecMJPEG
	}

	// Check for Annex-B start code (H.264/H.265)
	if isAnnexBStartCode(data) {
		nalType := getNALType(data)
		if isH264NALType(nalType) {
			return CodecH264
		}
	}

	// Check for AVCC format (H.264 in container)
	if isAVCCFormat(data) {
		return CodecH264
	}

	// Check for IVF header (VP8/VP9)
	if len(data) >= 32 && string(data[0:4]) == "DKIF" {
		return CodecFromName(string(data[8:12]))
	}

	if isVP8Keyframe(data) {
		return CodecVP8
	}
	if isVP9Frame(data) {
		return CodecVP9
	}
	if isAV1OBU(data) {
		return CodecAV1
	}
	return CodecUnknown
}

// isJPEG checks for the JPEG SOI marker followed by another marker.
func isJPEG(data []byte) bool {
	return len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF
}

// isAnnexBStartCode checks for H.264/H.265 Annex-B start codes.
// Per ITU-T H.264 Annex B, NAL units are prefixed with:
//   - 4-byte start code: 0x00000001 (used at stream start and after certain NALUs)
//   - 3-byte start code: 0x000001 (used between NALUs)
func isAnnexBStartCode(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	if data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return true
	}
	return data[0] == 0 && data[1] == 0 && data[2] == 1
}

// getNALType extracts NAL unit type from Annex-B data.
// Per ITU-T H.264 Section 7.3.1, the NAL unit header is:
//   - forbidden_zero_bit (1 bit): must be 0
//   - nal_ref_idc (2 bits): reference priority
//   - nal_unit_type (5 bits): type identifier
func getNALType(data []byte) byte {
	if len(data) < 4 {
		return 0
	}
	offset := 3
	if data[2] == 0 {
		offset = 4
	}
	if len(data) <= offset {
		return 0
	}
	return data[offset] & 0x1F
}

// isH264NALType checks if NAL type is valid H.264 (Table 7-1).
func isH264NALType(nalType byte) bool {
	return (nalType >= 1 && nalType <= 12) || (nalType >= 19 && nalType <= 21)
}

// isAVCCFormat checks for AVCC (length-prefixed) format.
// Per ISO/IEC 14496-15, each NAL unit carries a 4-byte big-endian length.
func isAVCCFormat(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	length := int(data[0])<<24 | int(data[1])<<16 | int(data[2])<<8 | int(data[3])
	return length > 0 && length < len(data) && length < 10*1024*1024
}

// isVP8Keyframe checks for VP8 keyframe signature.
// Per RFC 6386 Section 9.1, VP8 uncompressed data chunk:
//   - Byte 0: frame_type (1 bit), version (3 bits), show_frame (1 bit), partition_size (19 bits)
//   - Bytes 3-5 (keyframe only): start code 0x9D 0x01 0x2A followed by width/height
func isVP8Keyframe(data []byte) bool {
	if len(data) < 10 {
		return false
	}
	if data[0]&0x01 != 0 {
		return false
	}
	return data[3] == 0x9D && data[4] == 0x01 && data[5] == 0x2A
}

// vp8KeyframeSize reads the 14-bit dimensions of a VP8 key frame.
func vp8KeyframeSize(data []byte) (width, height int, ok bool) {
	if !isVP8Keyframe(data) {
		return 0, 0, false
	}
	width = int(data[6]) | int(data[7]&0x3F)<<8
	height = int(data[8]) | int(data[9]&0x3F)<<8
	return width, height, width > 0 && height > 0
}

// isVP9Frame checks for VP9 frame structure.
// Per VP9 Bitstream Specification Section 6.2, the uncompressed header starts with:
//   - frame_marker (2 bits): always 0b10 (decimal 2)
//   - profile_low_bit (1 bit), profile_high_bit (1 bit)
//   - show_existing_frame (1 bit), frame_type (1 bit), etc.
func isVP9Frame(data []byte) bool {
	if len(data) < 3 {
		return false
	}
	return (data[0]>>6)&0x03 == 0x02
}

// isVP9Keyframe checks frame_type of the uncompressed header. Profile 3
// carries an extra reserved bit before show_existing_frame.
func isVP9Keyframe(data []byte) bool {
	if !isVP9Frame(data) {
		return false
	}
	b := data[0]
	profile := (b>>5)&1 | ((b>>4)&1)<<1
	bit := 4 // next bit position from the MSB
	if profile == 3 {
		bit++
	}
	showExisting := (b >> (7 - bit)) & 1
	if showExisting == 1 {
		return false
	}
	bit++
	frameType := (b >> (7 - bit)) & 1
	return frameType == 0
}

// isAV1OBU checks for AV1 OBU (Open Bitstream Unit) format.
// Per AV1 Bitstream Specification Section 5.3.2, OBU header is:
//   - obu_forbidden_bit (1 bit): must be 0
//   - obu_type (4 bits): 1=Seq header, 2=Temporal delimiter, 6=Frame, 15=Padding, etc.
//   - obu_extension_flag (1 bit), obu_has_size_field (1 bit), obu_reserved_1bit (1 bit)
func isAV1OBU(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	if (data[0]>>7)&0x01 != 0 {
		return false
	}
	obuType := (data[0] >> 3) & 0x0F
	return (obuType >= 1 && obuType <= 8) || obuType == 15
}

// av1HasSequenceHeader walks the size-delimited OBUs of a temporal unit and
// reports whether one of them is a sequence header, which encoders emit with
// every key frame.
func av1HasSequenceHeader(data []byte) bool {
	for off := 0; off < len(data); {
		hdr := data[off]
		obuType := (hdr >> 3) & 0x0F
		if obuType == 1 {
			return true
		}
		hasExt := hdr&0x04 != 0
		hasSize := hdr&0x02 != 0
		off++
		if hasExt {
			off++
		}
		if !hasSize {
			return false
		}
		size, n := leb128(data[min(off, len(data)):])
		if n == 0 {
			return false
		}
		off += n + int(size)
	}
	return false
}

func leb128(b []byte) (uint64, int) {
	var v uint64
	for i := 0; i < len(b) && i < 8; i++ {
		v |= uint64(b[i]&0x7F) << (7 * i)
		if b[i]&0x80 == 0 {
			return v, i + 1
		}
	}
	return 0, 0
}

// isKeyFrame inspects a packet of the given codec.
func isKeyFrame(codec CodecID, data []byte) bool {
	switch codec {
	case CodecH264:
		return h264HasIDR(data)
	case CodecVP8:
		return isVP8Keyframe(data)
	case CodecVP9:
		return isVP9Keyframe(data)
	case CodecAV1:
		return av1HasSequenceHeader(data)
	default:
		return codec.IntraOnly()
	}
}

var annexBStartCode = []byte{0, 0, 0, 1}

// splitAnnexB parses an Annex B byte stream into NAL units without start codes.
func splitAnnexB(data []byte) [][]byte {
	var nalus [][]byte
	start := -1
	i := 0
	for i+2 < len(data) {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if start >= 0 {
				nalus = append(nalus, trimTrailingZeros(data[start:i]))
			}
			i += 3
			start = i
			continue
		}
		i++
	}
	if start >= 0 && start < len(data) {
		nalus = append(nalus, data[start:])
	}
	return nalus
}

// trimTrailingZeros drops the leading zero of a 4-byte start code that
// belongs to the next NAL unit.
func trimTrailingZeros(nalu []byte) []byte {
	for len(nalu) > 0 && nalu[len(nalu)-1] == 0 {
		nalu = nalu[:len(nalu)-1]
	}
	return nalu
}

// h264HasIDR reports whether an Annex B access unit contains an IDR slice.
func h264HasIDR(data []byte) bool {
	for _, nalu := range splitAnnexB(data) {
		if len(nalu) > 0 && nalu[0]&0x1F == nalIDR {
			return true
		}
	}
	return false
}

// avccToAnnexB converts AVCC format (length-prefixed NALUs) to Annex B format.
func avccToAnnexB(data []byte) []byte {
	result := make([]byte, 0, len(data)+16)
	offset := 0
	for offset+4 <= len(data) {
		naluLen := int(data[offset])<<24 | int(data[offset+1])<<16 |
			int(data[offset+2])<<8 | int(data[offset+3])
		offset += 4
		if naluLen < 0 || offset+naluLen > len(data) {
			break
		}
		result = append(result, annexBStartCode...)
		result = append(result, data[offset:offset+naluLen]...)
		offset += naluLen
	}
	return result
}

// joinAnnexB prefixes each NAL unit with a start code.
func joinAnnexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		out = append(out, annexBStartCode...)
		out = append(out, n...)
	}
	return out
}

// h264ParameterSets collects SPS and PPS NAL units of an Annex B stream.
func h264ParameterSets(data []byte) (sps, pps [][]byte) {
	for _, nalu := range splitAnnexB(data) {
		if len(nalu) == 0 {
			continue
		}
		switch nalu[0] & 0x1F {
		case nalSPS:
			sps = append(sps, nalu)
		case nalPPS:
			pps = append(pps, nalu)
		}
	}
	return sps, pps
}

// h264Geometry parses the first SPS found in an Annex B buffer.
func h264Geometry(data []byte) (width, height int, ok bool) {
	sps, _ := h264ParameterSets(data)
	for _, s := range sps {
		parsed, err := avc.ParseSPSNALUnit(s, false)
		if err != nil {
			continue
		}
		return int(parsed.Width), int(parsed.Height), parsed.Width > 0 && parsed.Height > 0
	}
	return 0, 0, false
}

// withParameterSets prepends Annex B parameter sets to a key frame that
// lacks them.
func withParameterSets(extradata, frame []byte) []byte {
	if len(extradata) == 0 || bytes.HasPrefix(frame, extradata) {
		return frame
	}
	if sps, _ := h264ParameterSets(frame); len(sps) > 0 {
		return frame
	}
	out := make([]byte, 0, len(extradata)+len(frame))
	out = append(out, extradata...)
	return append(out, frame...)
}
