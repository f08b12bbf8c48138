package ffinput

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"io"

	"golang.org/x/image/draw"
)

// imageDecoder decodes intra-only image codecs (MJPEG, PNG) with the
// standard library. YCbCr images keep their chroma layout; anything else
// becomes RGBA.
type imageDecoder struct {
	codec  CodecID
	decode func(io.Reader) (image.Image, error)
}

func newMJPEGDecoder(StreamInfo, DecoderOptions) (VideoDecoder, error) {
	return &imageDecoder{codec: CodecMJPEG, decode: jpeg.Decode}, nil
}

func newPNGDecoder(StreamInfo, DecoderOptions) (VideoDecoder, error) {
	return &imageDecoder{codec: CodecPNG, decode: png.Decode}, nil
}

func (d *imageDecoder) Decode(pkt *Packet) ([]*VideoFrame, error) {
	img, err := d.decode(bytes.NewReader(pkt.Data))
	if err != nil {
		return nil, corruptData(d.codec, err)
	}
	f := frameFromImage(img)
	f.PTS = pkt.PTS
	f.Duration = pkt.Duration
	f.TimeBase = pkt.TimeBase
	f.KeyFrame = true
	return []*VideoFrame{f}, nil
}

func (d *imageDecoder) Flush() ([]*VideoFrame, error) { return nil, nil }
func (d *imageDecoder) Provider() Provider            { return ProviderGo }
func (d *imageDecoder) Codec() CodecID                { return d.codec }
func (d *imageDecoder) Close() error                  { return nil }

// frameFromImage wraps a decoded image without copying when the layout
// matches a supported pixel format.
func frameFromImage(img image.Image) *VideoFrame {
	b := img.Bounds()
	f := &VideoFrame{Width: b.Dx(), Height: b.Dy(), PTS: NoPTS}
	switch m := img.(type) {
	case *image.YCbCr:
		if format := jpegPixelFormat(m); format != PixelFormatRGBA32 {
			f.Format = format
			f.Data = [][]byte{m.Y, m.Cb, m.Cr}
			f.Stride = []int{m.YStride, m.CStride, m.CStride}
			return f
		}
	case *image.Gray:
		f.Format = PixelFormatGray8
		f.Data = [][]byte{m.Pix}
		f.Stride = []int{m.Stride}
		return f
	}
	rgba, ok := img.(*image.RGBA)
	if !ok || b.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	f.Format = PixelFormatRGBA32
	f.Data = [][]byte{rgba.Pix}
	f.Stride = []int{rgba.Stride}
	return f
}

func init() {
	RegisterDecoder(CodecMJPEG, ProviderGo, newMJPEGDecoder)
	RegisterDecoder(CodecPNG, ProviderGo, newPNGDecoder)
}
