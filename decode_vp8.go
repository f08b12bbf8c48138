package ffinput

import (
	"bytes"
	"image"

	"golang.org/x/image/vp8"
)

// vp8Decoder decodes VP8 key frames in pure Go. Inter frames need a full
// decoder (ffmpeg); here they are reported as corrupt data so the stream
// keeps going from one key frame to the next.
type vp8Decoder struct {
	dec *vp8.Decoder
}

func newVP8Decoder(StreamInfo, DecoderOptions) (VideoDecoder, error) {
	return &vp8Decoder{dec: vp8.NewDecoder()}, nil
}

func (d *vp8Decoder) Decode(pkt *Packet) ([]*VideoFrame, error) {
	d.dec.Init(bytes.NewReader(pkt.Data), len(pkt.Data))
	fh, err := d.dec.DecodeFrameHeader()
	if err != nil {
		return nil, corruptData(CodecVP8, err)
	}
	if !fh.KeyFrame {
		return nil, corruptData(CodecVP8, ErrInterFrameUnsupported)
	}
	img, err := d.dec.DecodeFrame()
	if err != nil {
		return nil, corruptData(CodecVP8, err)
	}
	if !fh.ShowFrame {
		return nil, nil
	}
	// The decoder reuses its image; copy it out.
	f := copyYCbCr(img)
	f.PTS = pkt.PTS
	f.Duration = pkt.Duration
	f.TimeBase = pkt.TimeBase
	f.KeyFrame = true
	return []*VideoFrame{f}, nil
}

func (d *vp8Decoder) Flush() ([]*VideoFrame, error) { return nil, nil }
func (d *vp8Decoder) Provider() Provider            { return ProviderGo }
func (d *vp8Decoder) Codec() CodecID                { return CodecVP8 }
func (d *vp8Decoder) Close() error                  { return nil }

// copyYCbCr copies a 4:2:0 image into a tightly packed I420 frame.
func copyYCbCr(img *image.YCbCr) *VideoFrame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	f := NewVideoFrame(w, h, PixelFormatI420)
	cw, ch := PixelFormatI420.chromaSize(w, h)
	copyPlane(f.Data[0], f.Stride[0], img.Y, img.YStride, w, h)
	copyPlane(f.Data[1], f.Stride[1], img.Cb, img.CStride, cw, ch)
	copyPlane(f.Data[2], f.Stride[2], img.Cr, img.CStride, cw, ch)
	return f
}

// copyPlane copies rows of width bytes between strided planes.
func copyPlane(dst []byte, dstStride int, src []byte, srcStride, width, height int) {
	for y := 0; y < height; y++ {
		copy(dst[y*dstStride:y*dstStride+width], src[y*srcStride:y*srcStride+width])
	}
}

func init() {
	RegisterDecoder(CodecVP8, ProviderGo, newVP8Decoder)
}
