//go:build ffmpeg

package ffinput

import (
	"github.com/asticode/go-astiav"
	"go.uber.org/zap/zapcore"
)

// Mappings between libav identifiers and ours.

var codecToAV = map[CodecID]astiav.CodecID{
	CodecRawVideo: astiav.CodecIDRawvideo,
	CodecMJPEG:    astiav.CodecIDMjpeg,
	CodecPNG:      astiav.CodecIDPng,
	CodecH264:     astiav.CodecIDH264,
	CodecH265:     astiav.CodecIDHevc,
	CodecVP8:      astiav.CodecIDVp8,
	CodecVP9:      astiav.CodecIDVp9,
	CodecAV1:      astiav.CodecIDAv1,
	CodecMPEG1:    astiav.CodecIDMpeg1Video,
	CodecMPEG2:    astiav.CodecIDMpeg2Video,
	CodecMPEG4:    astiav.CodecIDMpeg4,
	CodecTheora:   astiav.CodecIDTheora,
	CodecFLV1:     astiav.CodecIDFlv1,
}

func codecFromAV(id astiav.CodecID) CodecID {
	for c, av := range codecToAV {
		if av == id {
			return c
		}
	}
	return CodecUnknown
}

var pixelFormatToAV = map[PixelFormat]astiav.PixelFormat{
	PixelFormatI420:    astiav.PixelFormatYuv420P,
	PixelFormatI422:    astiav.PixelFormatYuv422P,
	PixelFormatI444:    astiav.PixelFormatYuv444P,
	PixelFormatNV12:    astiav.PixelFormatNv12,
	PixelFormatYUYV422: astiav.PixelFormatYuyv422,
	PixelFormatGray8:   astiav.PixelFormatGray8,
	PixelFormatRGB24:   astiav.PixelFormatRgb24,
	PixelFormatBGR24:   astiav.PixelFormatBgr24,
	PixelFormatRGBA32:  astiav.PixelFormatRgba,
	PixelFormatBGRA32:  astiav.PixelFormatBgra,
}

func pixelFormatFromAV(f astiav.PixelFormat) PixelFormat {
	// Full-range JPEG variants share the memory layout.
	switch f {
	case astiav.PixelFormatYuvj420P:
		return PixelFormatI420
	case astiav.PixelFormatYuvj422P:
		return PixelFormatI422
	case astiav.PixelFormatYuvj444P:
		return PixelFormatI444
	}
	for p, av := range pixelFormatToAV {
		if av == f {
			return p
		}
	}
	return PixelFormatNone
}

func mediaTypeFromAV(t astiav.MediaType) MediaType {
	switch t {
	case astiav.MediaTypeVideo:
		return MediaTypeVideo
	case astiav.MediaTypeAudio:
		return MediaTypeAudio
	case astiav.MediaTypeData:
		return MediaTypeData
	case astiav.MediaTypeSubtitle:
		return MediaTypeSubtitle
	}
	return MediaTypeUnknown
}

func rationalFromAV(r astiav.Rational) Rational {
	return Rational{Num: r.Num(), Den: r.Den()}
}

func newAVDictionary(opts map[string]string) *astiav.Dictionary {
	d := astiav.NewDictionary()
	for k, v := range opts {
		_ = d.Set(k, v, astiav.NewDictionaryFlags())
	}
	return d
}

// avLogLevel maps a zap level to the libav log level.
func avLogLevel(l zapcore.Level) astiav.LogLevel {
	switch {
	case l <= zapcore.DebugLevel:
		return astiav.LogLevelVerbose
	case l == zapcore.InfoLevel:
		return astiav.LogLevelInfo
	case l == zapcore.WarnLevel:
		return astiav.LogLevelWarning
	default:
		return astiav.LogLevelError
	}
}

func init() {
	setProviderAvailable(ProviderFFmpeg)
	setNativeLogLevel = func(l zapcore.Level) { astiav.SetLogLevel(avLogLevel(l)) }
	astiav.SetLogLevel(astiav.LogLevelError)
}
