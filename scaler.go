package ffinput

import (
	"fmt"
	"strings"
)

// ScaleMode defines how scaling handles aspect ratio mismatches.
type ScaleMode int

const (
	// ScaleModeStretch scales to exactly match target dimensions (may distort).
	ScaleModeStretch ScaleMode = iota
	// ScaleModeFit scales to fit within target dimensions, preserving aspect ratio (letterboxes).
	ScaleModeFit
	// ScaleModeFill scales to fill target dimensions, preserving aspect ratio (crops).
	ScaleModeFill
)

func (m ScaleMode) String() string {
	switch m {
	case ScaleModeStretch:
		return "stretch"
	case ScaleModeFit:
		return "fit"
	case ScaleModeFill:
		return "fill"
	default:
		return "unknown"
	}
}

// ParseScaleMode parses "stretch", "fit" or "fill".
func ParseScaleMode(s string) (ScaleMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stretch":
		return ScaleModeStretch, nil
	case "fit", "letterbox":
		return ScaleModeFit, nil
	case "fill", "crop":
		return ScaleModeFill, nil
	}
	return ScaleModeStretch, fmt.Errorf("unknown scale mode %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m ScaleMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *ScaleMode) UnmarshalText(text []byte) error {
	v, err := ParseScaleMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// subsampling returns the horizontal and vertical chroma decimation of a
// planar format.
func (p PixelFormat) subsampling() (x, y int) {
	switch p {
	case PixelFormatI420, PixelFormatNV12:
		return 2, 2
	case PixelFormatI422:
		return 2, 1
	default:
		return 1, 1
	}
}

// scalablePlanar reports whether planeScaler can resize the format directly.
func scalablePlanar(p PixelFormat) bool {
	switch p {
	case PixelFormatI420, PixelFormatI422, PixelFormatI444, PixelFormatGray8:
		return true
	}
	return false
}

// planeScaler resizes planar YUV and gray frames one plane at a time.
type planeScaler struct {
	dstWidth, dstHeight int
	mode                ScaleMode
}

func newPlaneScaler(dstWidth, dstHeight int, mode ScaleMode) *planeScaler {
	return &planeScaler{dstWidth: dstWidth, dstHeight: dstHeight, mode: mode}
}

// Scale resizes frame into a freshly allocated frame of the same format.
func (s *planeScaler) Scale(frame *VideoFrame) *VideoFrame {
	if frame.Width == s.dstWidth && frame.Height == s.dstHeight {
		return frame
	}
	out := NewVideoFrame(s.dstWidth, s.dstHeight, frame.Format)

	srcX, srcY, srcW, srcH := s.calculateSourceRegion(frame.Width, frame.Height)
	dstX, dstY, dstW, dstH := s.calculateDestRegion(frame.Width, frame.Height)
	if dstW != s.dstWidth || dstH != s.dstHeight {
		fillBlack(out)
	}

	subX, subY := frame.Format.subsampling()
	for i := range out.Data {
		if i == 0 {
			scalePlane(frame.Data[0], frame.Stride[0], srcX, srcY, srcW, srcH,
				out.Data[0][dstY*out.Stride[0]+dstX:], out.Stride[0], dstW, dstH)
			continue
		}
		scw, sch := frame.Format.chromaSize(frame.Width, frame.Height)
		dcw, dch := frame.Format.chromaSize(s.dstWidth, s.dstHeight)
		cx, cw := subRegion(srcX, srcW, subX, scw)
		cy, ch := subRegion(srcY, srcH, subY, sch)
		dx, dw := subRegion(dstX, dstW, subX, dcw)
		dy, dh := subRegion(dstY, dstH, subY, dch)
		scalePlane(frame.Data[i], frame.Stride[i], cx, cy, cw, ch,
			out.Data[i][dy*out.Stride[i]+dx:], out.Stride[i], dw, dh)
	}
	return out
}

// subRegion maps a luma span onto a plane decimated by factor.
func subRegion(start, size, factor, limit int) (int, int) {
	s := start / factor
	e := min((start+size+factor-1)/factor, limit)
	return s, e - s
}

// calculateSourceRegion determines what region of the source to use based on scale mode.
func (s *planeScaler) calculateSourceRegion(srcW, srcH int) (x, y, w, h int) {
	if s.mode != ScaleModeFill {
		return 0, 0, srcW, srcH
	}
	// Crop source to match target aspect ratio
	srcAspect := float64(srcW) / float64(srcH)
	dstAspect := float64(s.dstWidth) / float64(s.dstHeight)
	if srcAspect > dstAspect {
		newW := max(int(float64(srcH)*dstAspect), 1)
		return ((srcW - newW) / 2) &^ 1, 0, newW, srcH
	} else if srcAspect < dstAspect {
		newH := max(int(float64(srcW)/dstAspect), 1)
		return 0, ((srcH - newH) / 2) &^ 1, srcW, newH
	}
	return 0, 0, srcW, srcH
}

// calculateDestRegion returns the part of the output the picture covers.
// Only ScaleModeFit leaves borders.
func (s *planeScaler) calculateDestRegion(srcW, srcH int) (x, y, w, h int) {
	if s.mode != ScaleModeFit {
		return 0, 0, s.dstWidth, s.dstHeight
	}
	w, h = CalculateScaledSize(srcW, srcH, s.dstWidth, s.dstHeight, ScaleModeFit)
	return ((s.dstWidth - w) / 2) &^ 1, ((s.dstHeight - h) / 2) &^ 1, w, h
}

// scalePlane scales a single plane using bilinear interpolation.
func scalePlane(src []byte, srcStride, srcX, srcY, srcW, srcH int,
	dst []byte, dstStride, dstW, dstH int) {

	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return
	}

	// Fixed-point scaling factors (16.16)
	xRatio := (srcW << 16) / dstW
	yRatio := (srcH << 16) / dstH

	for y := 0; y < dstH; y++ {
		srcYFP := y * yRatio
		srcYFrac := srcYFP & 0xFFFF

		y0 := srcYFP>>16 + srcY
		y1 := y0 + 1
		if y1 >= srcY+srcH {
			y1 = y0
		}
		row0 := src[y0*srcStride:]
		row1 := src[y1*srcStride:]
		out := dst[y*dstStride : y*dstStride+dstW]

		for x := range out {
			srcXFP := x * xRatio
			xWeight := srcXFP & 0xFFFF

			x0 := srcXFP>>16 + srcX
			x1 := x0 + 1
			if x1 >= srcX+srcW {
				x1 = x0
			}

			top := (int(row0[x0])*(0x10000-xWeight) + int(row0[x1])*xWeight) >> 16
			bottom := (int(row1[x0])*(0x10000-xWeight) + int(row1[x1])*xWeight) >> 16
			out[x] = byte((top*(0x10000-srcYFrac) + bottom*srcYFrac) >> 16)
		}
	}
}

// fillBlack paints a frame black in its own colour space.
func fillBlack(f *VideoFrame) {
	switch {
	case f.Format.IsRGB():
		fill(f.Data[0], 0)
		if f.Format == PixelFormatRGBA32 || f.Format == PixelFormatBGRA32 {
			for i := 3; i < len(f.Data[0]); i += 4 {
				f.Data[0][i] = 0xFF
			}
		}
	case f.Format == PixelFormatYUYV422:
		for i := 0; i+1 < len(f.Data[0]); i += 2 {
			f.Data[0][i], f.Data[0][i+1] = 16, 128
		}
	default:
		fill(f.Data[0], 16)
		for _, p := range f.Data[1:] {
			fill(p, 128)
		}
	}
}

// ScaleFrame is a convenience function to resize a frame without changing
// its pixel format.
func ScaleFrame(frame *VideoFrame, dstWidth, dstHeight int, mode ScaleMode) (*VideoFrame, error) {
	return NewConverter(PixelFormatNone, dstWidth, dstHeight, mode).Convert(frame)
}

// CalculateScaledSize returns the output dimensions when scaling with a given mode.
// This is useful for determining letterbox dimensions in ScaleModeFit.
func CalculateScaledSize(srcW, srcH, maxW, maxH int, mode ScaleMode) (w, h int) {
	if mode != ScaleModeFit || srcW <= 0 || srcH <= 0 {
		return maxW, maxH
	}
	srcAspect := float64(srcW) / float64(srcH)
	dstAspect := float64(maxW) / float64(maxH)
	if srcAspect > dstAspect {
		// Source is wider, fit to width
		w = maxW
		h = int(float64(maxW) / srcAspect)
	} else {
		// Source is taller, fit to height
		h = maxH
		w = int(float64(maxH) * srcAspect)
	}
	// Even dimensions for YUV, never beyond the box
	w = min((w+1)&^1, maxW)
	h = min((h+1)&^1, maxH)
	return max(w, 1), max(h, 1)
}
