package ffinput

import (
	"errors"
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// Converter turns decoded frames into one target pixel format and size.
// Results are freshly allocated; the input is never modified and is only
// returned as-is when neither format nor size changes.
//
// YUV sources travel through a 4:4:4 intermediate and are resized with the
// bilinear plane scaler. RGB sources travel through image.RGBA and are
// resized with x/image/draw. Colour conversion uses BT.601 limited range.
type Converter struct {
	format        PixelFormat // PixelFormatNone keeps the source format
	width, height int         // 0 keeps the source dimension
	mode          ScaleMode

	scaler *planeScaler
}

// NewConverter creates a converter. A zero width or height keeps the source
// dimension, or follows the source aspect ratio when the other one is set.
func NewConverter(format PixelFormat, width, height int, mode ScaleMode) *Converter {
	return &Converter{format: format, width: max(width, 0), height: max(height, 0), mode: mode}
}

// Convert converts a single frame with ScaleModeStretch.
func Convert(frame *VideoFrame, target PixelFormat, width, height int) (*VideoFrame, error) {
	return NewConverter(target, width, height, ScaleModeStretch).Convert(frame)
}

// Convert converts frame. Failures are *ConversionError.
func (c *Converter) Convert(frame *VideoFrame) (*VideoFrame, error) {
	if frame == nil {
		return nil, &ConversionError{To: c.format, Err: errors.New("nil frame")}
	}
	target := c.format
	if target == PixelFormatNone {
		target = frame.Format
	}
	if err := frame.Validate(); err != nil {
		return nil, &ConversionError{From: frame.Format, To: target, Err: err}
	}
	if target.PlaneCount() == 0 {
		return nil, &ConversionError{From: frame.Format, To: target, Err: ErrNotSupported}
	}

	w, h := c.outputSize(frame.Width, frame.Height)
	if frame.Format == target && w == frame.Width && h == frame.Height {
		return frame, nil
	}
	resize := w != frame.Width || h != frame.Height

	var out *VideoFrame
	switch {
	case frame.Format == target && scalablePlanar(target):
		out = c.planeScaler(w, h).Scale(frame)
	case frame.Format.IsRGB():
		img := rgbaFromFrame(frame)
		if resize {
			img = c.resizeRGBA(img, w, h)
		}
		out = frameFromRGBA(img, target)
	default:
		yuv := toI444(frame)
		if resize {
			yuv = c.planeScaler(w, h).Scale(yuv)
		}
		out = fromI444(yuv, target)
	}
	if out == nil {
		return nil, &ConversionError{From: frame.Format, To: target, Err: ErrNotSupported}
	}
	out.PTS = frame.PTS
	out.Duration = frame.Duration
	out.TimeBase = frame.TimeBase
	out.KeyFrame = frame.KeyFrame
	out.receivedAt = frame.receivedAt
	return out, nil
}

func (c *Converter) outputSize(srcW, srcH int) (int, int) {
	w, h := c.width, c.height
	switch {
	case w == 0 && h == 0:
		return srcW, srcH
	case w == 0:
		w = max(int(int64(srcW)*int64(h)/int64(srcH)), 1)
	case h == 0:
		h = max(int(int64(srcH)*int64(w)/int64(srcW)), 1)
	}
	return w, h
}

func (c *Converter) planeScaler(w, h int) *planeScaler {
	if c.scaler == nil || c.scaler.dstWidth != w || c.scaler.dstHeight != h {
		c.scaler = newPlaneScaler(w, h, c.mode)
	}
	return c.scaler
}

// resizeRGBA scales img into a new w×h image honouring the scale mode.
func (c *Converter) resizeRGBA(img *image.RGBA, w, h int) *image.RGBA {
	s := c.planeScaler(w, h)
	b := img.Bounds()
	sx, sy, sw, sh := s.calculateSourceRegion(b.Dx(), b.Dy())
	dx, dy, dw, dh := s.calculateDestRegion(b.Dx(), b.Dy())

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if dw != w || dh != h {
		draw.Draw(dst, dst.Bounds(), image.NewUniform(color.RGBA{A: 0xFF}), image.Point{}, draw.Src)
	}
	sr := image.Rect(b.Min.X+sx, b.Min.Y+sy, b.Min.X+sx+sw, b.Min.Y+sy+sh)
	draw.BiLinear.Scale(dst, image.Rect(dx, dy, dx+dw, dy+dh), img, sr, draw.Src, nil)
	return dst
}

// toI444 expands any YUV or gray frame to full chroma resolution.
func toI444(f *VideoFrame) *VideoFrame {
	if f.Format == PixelFormatI444 {
		return f
	}
	w, h := f.Width, f.Height
	out := NewVideoFrame(w, h, PixelFormatI444)
	yp, up, vp := out.Data[0], out.Data[1], out.Data[2]

	switch f.Format {
	case PixelFormatI420, PixelFormatI422:
		subX, subY := f.Format.subsampling()
		copyPlane(yp, w, f.Data[0], f.Stride[0], w, h)
		for y := 0; y < h; y++ {
			us := f.Data[1][(y/subY)*f.Stride[1]:]
			vs := f.Data[2][(y/subY)*f.Stride[2]:]
			for x := 0; x < w; x++ {
				up[y*w+x] = us[x/subX]
				vp[y*w+x] = vs[x/subX]
			}
		}
	case PixelFormatNV12:
		copyPlane(yp, w, f.Data[0], f.Stride[0], w, h)
		for y := 0; y < h; y++ {
			uv := f.Data[1][(y/2)*f.Stride[1]:]
			for x := 0; x < w; x++ {
				up[y*w+x] = uv[(x/2)*2]
				vp[y*w+x] = uv[(x/2)*2+1]
			}
		}
	case PixelFormatYUYV422:
		for y := 0; y < h; y++ {
			row := f.Data[0][y*f.Stride[0]:]
			for x := 0; x < w; x++ {
				pair := row[(x/2)*4:]
				yp[y*w+x] = pair[(x&1)*2]
				up[y*w+x] = pair[1]
				vp[y*w+x] = pair[3]
			}
		}
	case PixelFormatGray8:
		copyPlane(yp, w, f.Data[0], f.Stride[0], w, h)
		fill(up, 128)
		fill(vp, 128)
	default:
		return nil
	}
	return out
}

// fromI444 packs a tightly strided 4:4:4 frame into target. Chroma is
// averaged when subsampling.
func fromI444(f *VideoFrame, target PixelFormat) *VideoFrame {
	if f == nil {
		return nil
	}
	if target.IsRGB() {
		return frameFromRGBA(rgbaFromI444(f), target)
	}
	if target == PixelFormatI444 {
		return f
	}
	w, h := f.Width, f.Height
	out := NewVideoFrame(w, h, target)
	yp, up, vp := f.Data[0], f.Data[1], f.Data[2]
	ys, cs := f.Stride[0], f.Stride[1]

	switch target {
	case PixelFormatI420, PixelFormatI422, PixelFormatNV12:
		copyPlane(out.Data[0], out.Stride[0], yp, ys, w, h)
		subX, subY := target.subsampling()
		cw, ch := target.chromaSize(w, h)
		for cy := 0; cy < ch; cy++ {
			for cx := 0; cx < cw; cx++ {
				u, v := averageBlock(up, vp, cs, cx*subX, cy*subY, subX, subY, w, h)
				if target == PixelFormatNV12 {
					row := out.Data[1][cy*out.Stride[1]:]
					row[cx*2], row[cx*2+1] = u, v
				} else {
					out.Data[1][cy*out.Stride[1]+cx] = u
					out.Data[2][cy*out.Stride[2]+cx] = v
				}
			}
		}
	case PixelFormatYUYV422:
		for y := 0; y < h; y++ {
			row := out.Data[0][y*out.Stride[0]:]
			for x := 0; x < w; x += 2 {
				x1 := min(x+1, w-1)
				u, v := averageBlock(up, vp, cs, x, y, 2, 1, w, h)
				pair := row[(x/2)*4:]
				pair[0] = yp[y*ys+x]
				pair[1] = u
				pair[2] = yp[y*ys+x1]
				pair[3] = v
			}
		}
	case PixelFormatGray8:
		copyPlane(out.Data[0], out.Stride[0], yp, ys, w, h)
	default:
		return nil
	}
	return out
}

// averageBlock averages the chroma samples of a bw×bh block clipped to the
// picture.
func averageBlock(up, vp []byte, stride, x0, y0, bw, bh, w, h int) (uint8, uint8) {
	var su, sv, n int
	for y := y0; y < min(y0+bh, h); y++ {
		for x := x0; x < min(x0+bw, w); x++ {
			su += int(up[y*stride+x])
			sv += int(vp[y*stride+x])
			n++
		}
	}
	if n == 0 {
		return 128, 128
	}
	return uint8((su + n/2) / n), uint8((sv + n/2) / n)
}

// rgbaFromFrame unpacks any packed RGB frame into an image.RGBA.
func rgbaFromFrame(f *VideoFrame) *image.RGBA {
	w, h := f.Width, f.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	bpp := f.Format.BytesPerPixel()
	ri, bi := 0, 2
	if f.Format == PixelFormatBGR24 || f.Format == PixelFormatBGRA32 {
		ri, bi = 2, 0
	}
	for y := 0; y < h; y++ {
		src := f.Data[0][y*f.Stride[0]:]
		dst := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			p := src[x*bpp:]
			d := dst[x*4 : x*4+4]
			d[0], d[1], d[2], d[3] = p[ri], p[1], p[bi], 0xFF
			if bpp == 4 {
				d[3] = p[3]
			}
		}
	}
	return img
}

// frameFromRGBA packs img into target, converting to YUV when needed.
func frameFromRGBA(img *image.RGBA, target PixelFormat) *VideoFrame {
	if !target.IsRGB() {
		return fromI444(i444FromRGBA(img), target)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := NewVideoFrame(w, h, target)
	bpp := target.BytesPerPixel()
	ri, bi := 0, 2
	if target == PixelFormatBGR24 || target == PixelFormatBGRA32 {
		ri, bi = 2, 0
	}
	for y := 0; y < h; y++ {
		src := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
		dst := out.Data[0][y*out.Stride[0]:]
		for x := 0; x < w; x++ {
			s := src[x*4 : x*4+4]
			d := dst[x*bpp:]
			d[ri], d[1], d[bi] = s[0], s[1], s[2]
			if bpp == 4 {
				d[3] = s[3]
			}
		}
	}
	return out
}

func i444FromRGBA(img *image.RGBA) *VideoFrame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := NewVideoFrame(w, h, PixelFormatI444)
	for y := 0; y < h; y++ {
		src := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
		for x := 0; x < w; x++ {
			i := y*w + x
			out.Data[0][i], out.Data[1][i], out.Data[2][i] = rgbToYUV(src[x*4], src[x*4+1], src[x*4+2])
		}
	}
	return out
}

func rgbaFromI444(f *VideoFrame) *image.RGBA {
	w, h := f.Width, f.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		yr := f.Data[0][y*f.Stride[0]:]
		ur := f.Data[1][y*f.Stride[1]:]
		vr := f.Data[2][y*f.Stride[2]:]
		dst := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			r, g, b := yuvToRGB(yr[x], ur[x], vr[x])
			dst[x*4], dst[x*4+1], dst[x*4+2], dst[x*4+3] = r, g, b, 0xFF
		}
	}
	return img
}

func rgbToYUV(r, g, b uint8) (y, u, v uint8) {
	// BT.601 conversion
	yf := 16.0 + 65.481*float64(r)/255.0 + 128.553*float64(g)/255.0 + 24.966*float64(b)/255.0
	uf := 128.0 - 37.797*float64(r)/255.0 - 74.203*float64(g)/255.0 + 112.0*float64(b)/255.0
	vf := 128.0 + 112.0*float64(r)/255.0 - 93.786*float64(g)/255.0 - 18.214*float64(b)/255.0

	y = uint8(clamp(yf+0.5, 16, 235))
	u = uint8(clamp(uf+0.5, 16, 240))
	v = uint8(clamp(vf+0.5, 16, 240))
	return
}

func yuvToRGB(y, u, v uint8) (r, g, b uint8) {
	c := 298 * (int(y) - 16)
	d := int(u) - 128
	e := int(v) - 128
	r = uint8(clamp(float64((c+409*e+128)>>8), 0, 255))
	g = uint8(clamp(float64((c-100*d-208*e+128)>>8), 0, 255))
	b = uint8(clamp(float64((c+516*d+128)>>8), 0, 255))
	return
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
