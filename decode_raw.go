package ffinput

import "fmt"

// rawDecoder unpacks rawvideo packets. Frames alias the packet data.
type rawDecoder struct {
	width, height int
	format        PixelFormat
}

func newRawDecoder(stream StreamInfo, _ DecoderOptions) (VideoDecoder, error) {
	if stream.Width <= 0 || stream.Height <= 0 {
		return nil, fmt.Errorf("rawvideo needs the frame size, got %dx%d", stream.Width, stream.Height)
	}
	if stream.PixelFormat.PlaneCount() == 0 {
		return nil, fmt.Errorf("rawvideo pixel format %s not supported", stream.PixelFormat)
	}
	return &rawDecoder{width: stream.Width, height: stream.Height, format: stream.PixelFormat}, nil
}

func (d *rawDecoder) Decode(pkt *Packet) ([]*VideoFrame, error) {
	need := d.format.BufferSize(d.width, d.height)
	if len(pkt.Data) < need {
		return nil, corruptData(CodecRawVideo, fmt.Errorf("%w: %d bytes, frame needs %d", ErrBufferTooSmall, len(pkt.Data), need))
	}
	sizes := d.format.PlaneSizes(d.width, d.height)
	f := &VideoFrame{
		Data:     make([][]byte, len(sizes)),
		Stride:   d.format.Strides(d.width),
		Width:    d.width,
		Height:   d.height,
		Format:   d.format,
		PTS:      pkt.PTS,
		Duration: pkt.Duration,
		TimeBase: pkt.TimeBase,
		KeyFrame: true,
	}
	off := 0
	for i, s := range sizes {
		f.Data[i] = pkt.Data[off : off+s : off+s]
		off += s
	}
	return []*VideoFrame{f}, nil
}

func (d *rawDecoder) Flush() ([]*VideoFrame, error) { return nil, nil }
func (d *rawDecoder) Provider() Provider            { return ProviderGo }
func (d *rawDecoder) Codec() CodecID                { return CodecRawVideo }
func (d *rawDecoder) Close() error                  { return nil }

func init() {
	RegisterDecoder(CodecRawVideo, ProviderGo, newRawDecoder)
}
