package ffinput

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// CodecID identifies the codec of a stream.
type CodecID int

const (
	CodecUnknown CodecID = iota
	CodecRawVideo
	CodecMJPEG
	CodecPNG
	CodecH264
	CodecH265
	CodecVP8
	CodecVP9
	CodecAV1
	CodecMPEG1
	CodecMPEG2
	CodecMPEG4
	CodecTheora
	CodecFLV1
	CodecAudio // Any non-video codec; carried only to describe skipped streams
)

var codecNames = [...]string{
	CodecUnknown:  "unknown",
	CodecRawVideo: "rawvideo",
	CodecMJPEG:    "mjpeg",
	CodecPNG:      "png",
	CodecH264:     "h264",
	CodecH265:     "hevc",
	CodecVP8:      "vp8",
	CodecVP9:      "vp9",
	CodecAV1:      "av1",
	CodecMPEG1:    "mpeg1video",
	CodecMPEG2:    "mpeg2video",
	CodecMPEG4:    "mpeg4",
	CodecTheora:   "theora",
	CodecFLV1:     "flv1",
	CodecAudio:    "audio",
}

// String returns the ffmpeg-style codec name.
func (c CodecID) String() string {
	if c < 0 || int(c) >= len(codecNames) {
		return "unknown"
	}
	return codecNames[c]
}

// MimeType returns the MIME type for this codec.
func (c CodecID) MimeType() string {
	switch c {
	case CodecVP8:
		return webrtc.MimeTypeVP8
	case CodecVP9:
		return webrtc.MimeTypeVP9
	case CodecH264:
		return webrtc.MimeTypeH264
	case CodecH265:
		return webrtc.MimeTypeH265
	case CodecAV1:
		return webrtc.MimeTypeAV1
	case CodecMJPEG:
		return "video/JPEG"
	case CodecRawVideo:
		return "video/raw"
	default:
		return ""
	}
}

// ClockRate returns the RTP clock rate for this codec.
func (c CodecID) ClockRate() uint32 {
	// All video codecs use 90kHz clock
	return 90000
}

// KeyFramed reports whether the codec uses inter prediction, so decoding
// must start at a key frame.
func (c CodecID) KeyFramed() bool {
	switch c {
	case CodecH264, CodecH265, CodecVP8, CodecVP9, CodecAV1,
		CodecMPEG1, CodecMPEG2, CodecMPEG4, CodecTheora, CodecFLV1:
		return true
	}
	return false
}

// IntraOnly reports whether every frame of the codec is independently decodable.
func (c CodecID) IntraOnly() bool {
	switch c {
	case CodecRawVideo, CodecMJPEG, CodecPNG:
		return true
	}
	return false
}

// Supported reports whether the pipeline knows how to handle the codec.
func (c CodecID) Supported() bool {
	return c.KeyFramed() || c.IntraOnly()
}

// CodecFromName maps a codec name, RTP encoding name, MIME type or FourCC
// to a CodecID.
func CodecFromName(name string) CodecID {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "video/")
	switch n {
	case "rawvideo", "raw":
		return CodecRawVideo
	case "mjpeg", "jpeg", "mjpg", "jpg":
		return CodecMJPEG
	case "png":
		return CodecPNG
	case "h264", "avc", "avc1", "avc3":
		return CodecH264
	case "h265", "hevc", "hvc1", "hev1":
		return CodecH265
	case "vp8", "vp80":
		return CodecVP8
	case "vp9", "vp90", "vp09":
		return CodecVP9
	case "av1", "av01":
		return CodecAV1
	case "mpeg1video", "mpv", "mp1v":
		return CodecMPEG1
	case "mpeg2video", "mp2v":
		return CodecMPEG2
	case "mpeg4", "mp4v-es", "mp4v":
		return CodecMPEG4
	case "theora":
		return CodecTheora
	case "flv1", "flv", "h263f":
		return CodecFLV1
	}
	return CodecUnknown
}
