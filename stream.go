package ffinput

import (
	"fmt"
	"math"
	"time"
)

// NoPTS marks an unknown timestamp.
const NoPTS int64 = math.MinInt64

// StreamAuto selects the first video stream.
const StreamAuto = -1

// MediaType identifies the kind of data a stream carries.
type MediaType int

const (
	MediaTypeUnknown MediaType = iota
	MediaTypeVideo
	MediaTypeAudio
	MediaTypeData
	MediaTypeSubtitle
)

func (m MediaType) String() string {
	switch m {
	case MediaTypeVideo:
		return "video"
	case MediaTypeAudio:
		return "audio"
	case MediaTypeData:
		return "data"
	case MediaTypeSubtitle:
		return "subtitle"
	default:
		return "unknown"
	}
}

// StreamInfo describes one elementary stream of a source. It is captured
// once when the source is opened.
type StreamInfo struct {
	Index        int
	MediaType    MediaType
	Codec        CodecID
	CodecName    string      // Name reported by the demuxer; may be more specific than Codec
	Width        int         // 0 if unknown
	Height       int         // 0 if unknown
	PixelFormat  PixelFormat // Decoded pixel format when known, PixelFormatNone otherwise
	FrameRate    Rational    // Declared (nominal) frame rate
	AvgFrameRate Rational    // Average frame rate
	TimeBase     Rational    // Unit of packet timestamps
	ReorderDepth int         // Frames the decoder must hold back to restore display order
	Extradata    []byte      // Codec configuration (Annex B parameter sets for H.264)

	native any // Backend specific handle (libav codec parameters)
}

func (s StreamInfo) String() string {
	return fmt.Sprintf("#%d %s %s %dx%d %s tb=%s fps=%.3f",
		s.Index, s.MediaType, s.CodecName, s.Width, s.Height, s.PixelFormat, s.TimeBase, s.FrameRate.Float())
}

// frameDuration returns one frame period in TimeBase units, 0 if unknown.
func (s StreamInfo) frameDuration() int64 {
	rate := s.AvgFrameRate
	if !rate.Valid() {
		rate = s.FrameRate
	}
	if !rate.Valid() || !s.TimeBase.Valid() {
		return 0
	}
	// ticks = (1/fps) / tb = rate.Den * tb.Den / (rate.Num * tb.Num)
	d := int64(rate.Den) * int64(s.TimeBase.Den) / (int64(rate.Num) * int64(s.TimeBase.Num))
	if d <= 0 {
		return 1
	}
	return d
}

// Packet is one compressed unit read from a source.
type Packet struct {
	StreamIndex int
	Data        []byte
	PTS         int64 // NoPTS when unknown
	DTS         int64 // NoPTS when unknown
	Duration    int64
	TimeBase    Rational
	KeyFrame    bool
	Corrupt     bool // Demuxer detected damage (lost RTP packets, truncated file)
	ReceivedAt  time.Time
}

// SelectStream picks the stream to decode. A requested index must name a
// video stream. StreamAuto picks the lowest-indexed video stream.
func SelectStream(streams []StreamInfo, requested int) (StreamInfo, error) {
	if requested != StreamAuto {
		for _, s := range streams {
			if s.Index != requested {
				continue
			}
			if s.MediaType != MediaTypeVideo {
				return StreamInfo{}, fmt.Errorf("%w: stream %d is %s", ErrInvalidStreamType, requested, s.MediaType)
			}
			return s, nil
		}
		return StreamInfo{}, fmt.Errorf("%w: stream %d does not exist (%d streams)", ErrInvalidStreamType, requested, len(streams))
	}

	best := -1
	for i, s := range streams {
		if s.MediaType != MediaTypeVideo {
			continue
		}
		if best < 0 || s.Index < streams[best].Index {
			best = i
		}
	}
	if best < 0 {
		return StreamInfo{}, ErrNoVideoStream
	}
	return streams[best], nil
}
