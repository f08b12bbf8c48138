//go:build ffmpeg

package ffinput

import (
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"
)

// ffmpegDecoder decodes through libavcodec. Frames in pixel formats we do
// not model are converted to I420 with libswscale.
type ffmpegDecoder struct {
	codec  CodecID
	cc     *astiav.CodecContext
	pkt    *astiav.Packet
	frame  *astiav.Frame
	scaled *astiav.Frame
	sws    *astiav.SoftwareScaleContext
	swsKey [3]int
}

func newFFmpegDecoder(stream StreamInfo, opts DecoderOptions) (VideoDecoder, error) {
	native, isNative := stream.native.(*astiav.CodecParameters)
	id, known := codecToAV[stream.Codec]
	if isNative {
		id = native.CodecID()
	} else if !known {
		return nil, fmt.Errorf("%w: %s", ErrCodecNotSupported, stream.CodecName)
	}

	codec := astiav.FindDecoder(id)
	if codec == nil {
		return nil, fmt.Errorf("%w: libavcodec has no decoder for %s", ErrCodecNotSupported, id)
	}
	cc := astiav.AllocCodecContext(codec)
	if cc == nil {
		return nil, errors.New("ffmpeg: cannot allocate codec context")
	}

	if isNative {
		if err := native.ToCodecContext(cc); err != nil {
			cc.Free()
			return nil, fmt.Errorf("ffmpeg: codec parameters: %w", err)
		}
	} else {
		cp := astiav.AllocCodecParameters()
		cp.SetCodecID(id)
		cp.SetMediaType(astiav.MediaTypeVideo)
		cp.SetWidth(stream.Width)
		cp.SetHeight(stream.Height)
		if pf, ok := pixelFormatToAV[stream.PixelFormat]; ok {
			cp.SetPixelFormat(pf)
		}
		if len(stream.Extradata) > 0 {
			if err := cp.SetExtraData(stream.Extradata); err != nil {
				cp.Free()
				cc.Free()
				return nil, fmt.Errorf("ffmpeg: extradata: %w", err)
			}
		}
		err := cp.ToCodecContext(cc)
		cp.Free()
		if err != nil {
			cc.Free()
			return nil, fmt.Errorf("ffmpeg: codec parameters: %w", err)
		}
	}
	if opts.Threads > 0 {
		cc.SetThreadCount(opts.Threads)
	}
	if err := cc.Open(codec, nil); err != nil {
		cc.Free()
		return nil, fmt.Errorf("ffmpeg: open decoder: %w", err)
	}

	return &ffmpegDecoder{
		codec:  stream.Codec,
		cc:     cc,
		pkt:    astiav.AllocPacket(),
		frame:  astiav.AllocFrame(),
		scaled: astiav.AllocFrame(),
	}, nil
}

func (d *ffmpegDecoder) Decode(pkt *Packet) ([]*VideoFrame, error) {
	d.pkt.Unref()
	if err := d.pkt.FromData(pkt.Data); err != nil {
		return nil, decodeFatal(d.codec, err)
	}
	d.pkt.SetPts(pkt.PTS)
	d.pkt.SetDts(pkt.DTS)
	d.pkt.SetDuration(pkt.Duration)
	if err := d.cc.SendPacket(d.pkt); err != nil && !errors.Is(err, astiav.ErrEagain) {
		return nil, corruptData(d.codec, err)
	}
	return d.receive(pkt.TimeBase)
}

func (d *ffmpegDecoder) Flush() ([]*VideoFrame, error) {
	if err := d.cc.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
		return nil, decodeFatal(d.codec, err)
	}
	return d.receive(Rational{})
}

func (d *ffmpegDecoder) receive(tb Rational) ([]*VideoFrame, error) {
	var frames []*VideoFrame
	for {
		d.frame.Unref()
		err := d.cc.ReceiveFrame(d.frame)
		if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
			return frames, nil
		}
		if err != nil {
			return frames, corruptData(d.codec, err)
		}
		f, err := d.export(d.frame)
		if err != nil {
			return frames, decodeFatal(d.codec, err)
		}
		f.TimeBase = tb
		frames = append(frames, f)
	}
}

// export copies a libav frame into a tightly packed VideoFrame.
func (d *ffmpegDecoder) export(src *astiav.Frame) (*VideoFrame, error) {
	w, h := src.Width(), src.Height()
	pts := src.Pts() // AV_NOPTS_VALUE equals NoPTS
	key := src.PictureType() == astiav.PictureTypeI
	format := pixelFormatFromAV(src.PixelFormat())
	if format == PixelFormatNone {
		swsKey := [3]int{w, h, int(src.PixelFormat())}
		if d.sws == nil || d.swsKey != swsKey {
			if d.sws != nil {
				d.sws.Free()
			}
			sws, err := astiav.CreateSoftwareScaleContext(w, h, src.PixelFormat(), w, h, astiav.PixelFormatYuv420P,
				astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear))
			if err != nil {
				d.sws = nil
				return nil, fmt.Errorf("swscale %s: %w", src.PixelFormat(), err)
			}
			d.sws, d.swsKey = sws, swsKey
		}
		d.scaled.Unref()
		d.scaled.SetWidth(w)
		d.scaled.SetHeight(h)
		d.scaled.SetPixelFormat(astiav.PixelFormatYuv420P)
		if err := d.sws.ScaleFrame(src, d.scaled); err != nil {
			return nil, fmt.Errorf("swscale: %w", err)
		}
		src, format = d.scaled, PixelFormatI420
	}

	size, err := src.ImageBufferSize(1)
	if err != nil {
		return nil, err
	}
	if size != format.BufferSize(w, h) {
		return nil, fmt.Errorf("%s frame buffer is %d bytes, expected %d", format, size, format.BufferSize(w, h))
	}
	buf := make([]byte, size)
	if _, err := src.ImageCopyToBuffer(buf, 1); err != nil {
		return nil, err
	}

	f := &VideoFrame{
		Stride:   format.Strides(w),
		Width:    w,
		Height:   h,
		Format:   format,
		PTS:      pts,
		KeyFrame: key,
	}
	off := 0
	for _, s := range format.PlaneSizes(w, h) {
		f.Data = append(f.Data, buf[off:off+s:off+s])
		off += s
	}
	return f, nil
}

func (d *ffmpegDecoder) Provider() Provider { return ProviderFFmpeg }
func (d *ffmpegDecoder) Codec() CodecID     { return d.codec }

func (d *ffmpegDecoder) Close() error {
	if d.sws != nil {
		d.sws.Free()
		d.sws = nil
	}
	d.scaled.Free()
	d.frame.Free()
	d.pkt.Free()
	d.cc.Free()
	return nil
}

func init() {
	for codec := range codecToAV {
		RegisterDecoder(codec, ProviderFFmpeg, newFFmpegDecoder)
	}
	// Streams libav found but we have no CodecID for.
	RegisterDecoder(CodecUnknown, ProviderFFmpeg, newFFmpegDecoder)
}
