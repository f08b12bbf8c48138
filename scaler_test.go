package ffinput

import (
	"testing"
)

func TestPlaneScaler_NoScaling(t *testing.T) {
	frame := createGradientFrame(640, 480)
	frame.PTS = 12345

	out := newPlaneScaler(640, 480, ScaleModeStretch).Scale(frame)

	// Should return same frame when no scaling needed
	if out != frame {
		t.Error("Expected same frame when no scaling needed")
	}
}

func TestPlaneScaler_Downscale(t *testing.T) {
	srcW, srcH := 1280, 720
	dstW, dstH := 640, 360

	frame := createGradientFrame(srcW, srcH)
	out := newPlaneScaler(dstW, dstH, ScaleModeStretch).Scale(frame)

	if out.Width != dstW || out.Height != dstH {
		t.Errorf("Expected %dx%d, got %dx%d", dstW, dstH, out.Width, out.Height)
	}
	if len(out.Data[0]) != dstW*dstH {
		t.Errorf("Y plane size mismatch: expected %d, got %d", dstW*dstH, len(out.Data[0]))
	}
	if len(out.Data[1]) != (dstW/2)*(dstH/2) {
		t.Errorf("U plane size mismatch")
	}
	// The gradient survives: left edge dark, right edge bright.
	if out.Data[0][0] > 10 || out.Data[0][dstW-1] < 240 {
		t.Errorf("gradient lost: left=%d right=%d", out.Data[0][0], out.Data[0][dstW-1])
	}
	if out.Data[1][0] != 128 {
		t.Errorf("neutral chroma changed to %d", out.Data[1][0])
	}
}

func TestPlaneScaler_Upscale(t *testing.T) {
	srcW, srcH := 320, 240
	dstW, dstH := 640, 480

	frame := createGradientFrame(srcW, srcH)
	out := newPlaneScaler(dstW, dstH, ScaleModeStretch).Scale(frame)

	if out.Width != dstW || out.Height != dstH {
		t.Errorf("Expected %dx%d, got %dx%d", dstW, dstH, out.Width, out.Height)
	}
	if err := out.Validate(); err != nil {
		t.Error(err)
	}
}

func TestPlaneScaler_Fill(t *testing.T) {
	// 16:9 source to 4:3 destination (should crop sides)
	frame := createGradientFrame(1920, 1080)
	out := newPlaneScaler(640, 480, ScaleModeFill).Scale(frame)

	if out.Width != 640 || out.Height != 480 {
		t.Errorf("Expected 640x480, got %dx%d", out.Width, out.Height)
	}
	// Cropping the sides removes the darkest and brightest columns.
	if out.Data[0][0] < 20 || out.Data[0][639] > 235 {
		t.Errorf("sides not cropped: left=%d right=%d", out.Data[0][0], out.Data[0][639])
	}
}

func TestPlaneScaler_FitLetterbox(t *testing.T) {
	frame := createGradientFrame(1920, 1080)
	for i := range frame.Data[0] {
		frame.Data[0][i] = 200
	}
	out := newPlaneScaler(640, 480, ScaleModeFit).Scale(frame)

	// 640x360 picture centred vertically: 60 black rows above and below.
	if got := out.Data[0][0]; got != 16 {
		t.Errorf("top border luma = %d, want 16", got)
	}
	if got := out.Data[0][479*640]; got != 16 {
		t.Errorf("bottom border luma = %d, want 16", got)
	}
	if got := out.Data[0][240*640+320]; got != 200 {
		t.Errorf("picture luma = %d, want 200", got)
	}
	if got := out.Data[1][0]; got != 128 {
		t.Errorf("border chroma = %d, want 128", got)
	}
}

func TestPlaneScaler_OddSizes(t *testing.T) {
	formats := []PixelFormat{PixelFormatI420, PixelFormatI422, PixelFormatI444, PixelFormatGray8}
	for _, format := range formats {
		t.Run(format.String(), func(t *testing.T) {
			src := NewVideoFrame(33, 17, format)
			for _, mode := range []ScaleMode{ScaleModeStretch, ScaleModeFit, ScaleModeFill} {
				out := newPlaneScaler(15, 9, mode).Scale(src)
				if err := out.Validate(); err != nil {
					t.Errorf("%s: %v", mode, err)
				}
				if out.Format != format {
					t.Errorf("%s: format changed to %s", mode, out.Format)
				}
			}
		})
	}
}

func TestCalculateScaledSize(t *testing.T) {
	tests := []struct {
		name             string
		srcW, srcH       int
		maxW, maxH       int
		mode             ScaleMode
		expectW, expectH int
	}{
		{"16:9 to 4:3 fit", 1920, 1080, 640, 480, ScaleModeFit, 640, 360},
		{"4:3 to 16:9 fit", 640, 480, 1280, 720, ScaleModeFit, 960, 720},
		{"same aspect", 1280, 720, 640, 360, ScaleModeFit, 640, 360},
		{"odd box", 100, 100, 33, 33, ScaleModeFit, 33, 33},
		{"fill mode", 1920, 1080, 640, 480, ScaleModeFill, 640, 480},
		{"stretch mode", 1920, 1080, 640, 480, ScaleModeStretch, 640, 480},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := CalculateScaledSize(tt.srcW, tt.srcH, tt.maxW, tt.maxH, tt.mode)
			if w != tt.expectW || h != tt.expectH {
				t.Errorf("Expected %dx%d, got %dx%d", tt.expectW, tt.expectH, w, h)
			}
		})
	}
}

func TestParseScaleMode(t *testing.T) {
	tests := []struct {
		in   string
		want ScaleMode
	}{
		{"", ScaleModeStretch},
		{"fit", ScaleModeFit},
		{"Letterbox", ScaleModeFit},
		{"fill", ScaleModeFill},
		{"stretch", ScaleModeStretch},
	}
	for _, tt := range tests {
		got, err := ParseScaleMode(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseScaleMode(%q) = %v, %v", tt.in, got, err)
		}
	}
	if _, err := ParseScaleMode("zoom"); err == nil {
		t.Error("ParseScaleMode accepted an unknown mode")
	}
}

func createGradientFrame(width, height int) *VideoFrame {
	frame := NewVideoFrame(width, height, PixelFormatI420)

	// Fill Y with horizontal gradient
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			frame.Data[0][y*width+x] = byte(x * 255 / width)
		}
	}
	// Fill U/V with neutral values
	fill(frame.Data[1], 128)
	fill(frame.Data[2], 128)
	return frame
}

func BenchmarkPlaneScaler_720pTo480p(b *testing.B) {
	frame := createGradientFrame(1280, 720)
	scaler := newPlaneScaler(640, 480, ScaleModeFill)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		scaler.Scale(frame)
	}
}

func BenchmarkPlaneScaler_1080pTo720p(b *testing.B) {
	frame := createGradientFrame(1920, 1080)
	scaler := newPlaneScaler(1280, 720, ScaleModeFill)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		scaler.Scale(frame)
	}
}
