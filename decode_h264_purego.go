//go:build (darwin || linux) && !noh264

// H.264 decoding via libmedia_h264 (OpenH264 inside) using purego.

package ffinput

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	mediaH264Once    sync.Once
	mediaH264Handle  uintptr
	mediaH264InitErr error
)

// libmedia_h264 function pointers
var (
	mediaH264DecoderCreate  func(threads int32) uint64
	mediaH264DecoderDecode  func(decoder uint64, data uintptr, dataLen int32, outY, outU, outV, outYStride, outUVStride, outWidth, outHeight uintptr) int32
	mediaH264DecoderDestroy func(decoder uint64)

	mediaH264GetError         func() uintptr
	mediaH264DecoderAvailable func() int32
)

// mediaH264DecodeResult is a heap-allocated struct for decoder output parameters.
// This struct must be heap-allocated for purego to work correctly on arm64.
// Using local stack variables for output parameters can fail due to GC moving
// the stack during the C call.
type mediaH264DecodeResult struct {
	YPtr     uintptr
	UPtr     uintptr
	VPtr     uintptr
	YStride  int32
	UVStride int32
	Width    int32
	Height   int32
}

func loadMediaH264() error {
	mediaH264Once.Do(func() {
		mediaH264InitErr = loadMediaH264Lib()
	})
	return mediaH264InitErr
}

func loadMediaH264Lib() error {
	var lastErr error
	for _, path := range nativeLibPaths("libmedia_h264", "MEDIA_H264_LIB_PATH") {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		mediaH264Handle = handle
		loadMediaH264Symbols()
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("failed to load libmedia_h264: %w", lastErr)
	}
	return errors.New("libmedia_h264 not found in any standard location")
}

func loadMediaH264Symbols() {
	purego.RegisterLibFunc(&mediaH264DecoderCreate, mediaH264Handle, "media_h264_decoder_create")
	purego.RegisterLibFunc(&mediaH264DecoderDecode, mediaH264Handle, "media_h264_decoder_decode")
	purego.RegisterLibFunc(&mediaH264DecoderDestroy, mediaH264Handle, "media_h264_decoder_destroy")

	purego.RegisterLibFunc(&mediaH264GetError, mediaH264Handle, "media_h264_get_error")
	purego.RegisterLibFunc(&mediaH264DecoderAvailable, mediaH264Handle, "media_h264_decoder_available")
}

// IsH264DecoderAvailable checks if the native H.264 decoder can be used.
func IsH264DecoderAvailable() bool {
	return loadMediaH264() == nil && mediaH264DecoderAvailable() != 0
}

func getH264Error() string {
	ptr := mediaH264GetError()
	if ptr == 0 {
		return "unknown error"
	}
	return goStringFromPtr(ptr)
}

// h264Decoder decodes Annex B access units with libmedia_h264.
//
// The library outputs pictures in display order without timestamps. Input
// PTS values are kept sorted and the smallest is given to each picture,
// which restores the right PTS when the stream has B-frames.
type h264Decoder struct {
	handle uint64
	out    *mediaH264DecodeResult
	pts    []int64
	mu     sync.Mutex
}

func newH264Decoder(stream StreamInfo, opts DecoderOptions) (VideoDecoder, error) {
	if err := loadMediaH264(); err != nil {
		return nil, fmt.Errorf("H.264 decoder not available: %w", err)
	}
	if mediaH264DecoderAvailable() == 0 {
		return nil, errors.New("H.264 decoder not available")
	}

	threads := int32(4)
	if opts.Threads > 0 {
		threads = int32(opts.Threads)
	}
	handle := mediaH264DecoderCreate(threads)
	if handle == 0 {
		return nil, fmt.Errorf("failed to create H.264 decoder: %s", getH264Error())
	}
	d := &h264Decoder{
		handle: handle,
		out:    &mediaH264DecodeResult{},
	}
	// Prime the decoder with out-of-band parameter sets.
	if len(stream.Extradata) > 0 {
		d.decode(stream.Extradata)
	}
	return d, nil
}

func (d *h264Decoder) Decode(pkt *Packet) ([]*VideoFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == 0 {
		return nil, decodeFatal(CodecH264, ErrClosed)
	}
	if len(pkt.Data) == 0 {
		return nil, nil
	}
	d.pushPTS(pkt.PTS)

	result := d.decode(pkt.Data)
	if result < 0 {
		d.popPTS()
		return nil, corruptData(CodecH264, fmt.Errorf("decode failed: %s", getH264Error()))
	}
	if result == 0 {
		return nil, nil
	}

	out := d.out
	if out.YStride <= 0 || out.UVStride <= 0 || out.Width <= 0 || out.Height <= 0 || out.YPtr == 0 {
		return nil, corruptData(CodecH264, fmt.Errorf("invalid decoder output: stride=%d/%d, size=%dx%d",
			out.YStride, out.UVStride, out.Width, out.Height))
	}

	w, h := int(out.Width), int(out.Height)
	f := NewVideoFrame(w, h, PixelFormatI420)
	cw, ch := PixelFormatI420.chromaSize(w, h)
	copyNativePlane(f.Data[0], f.Stride[0], out.YPtr, int(out.YStride), w, h)
	copyNativePlane(f.Data[1], f.Stride[1], out.UPtr, int(out.UVStride), cw, ch)
	copyNativePlane(f.Data[2], f.Stride[2], out.VPtr, int(out.UVStride), cw, ch)

	f.PTS = d.popPTS()
	f.TimeBase = pkt.TimeBase
	f.KeyFrame = h264HasIDR(pkt.Data)
	return []*VideoFrame{f}, nil
}

// decode runs one native decode call and returns its result code.
func (d *h264Decoder) decode(data []byte) int32 {
	out := d.out
	result := mediaH264DecoderDecode(
		d.handle,
		uintptr(unsafe.Pointer(&data[0])),
		int32(len(data)),
		uintptr(unsafe.Pointer(&out.YPtr)),
		uintptr(unsafe.Pointer(&out.UPtr)),
		uintptr(unsafe.Pointer(&out.VPtr)),
		uintptr(unsafe.Pointer(&out.YStride)),
		uintptr(unsafe.Pointer(&out.UVStride)),
		uintptr(unsafe.Pointer(&out.Width)),
		uintptr(unsafe.Pointer(&out.Height)),
	)
	// Keep the struct and input alive during and after the C call
	runtime.KeepAlive(data)
	runtime.KeepAlive(out)
	return result
}

func (d *h264Decoder) pushPTS(pts int64) {
	i := sort.Search(len(d.pts), func(i int) bool { return d.pts[i] > pts })
	d.pts = append(d.pts, 0)
	copy(d.pts[i+1:], d.pts[i:])
	d.pts[i] = pts
}

func (d *h264Decoder) popPTS() int64 {
	if len(d.pts) == 0 {
		return NoPTS
	}
	pts := d.pts[0]
	d.pts = d.pts[1:]
	return pts
}

// copyNativePlane copies rows out of decoder-owned memory.
func copyNativePlane(dst []byte, dstStride int, src uintptr, srcStride, width, height int) {
	for row := 0; row < height; row++ {
		line := unsafe.Slice((*byte)(unsafe.Pointer(src+uintptr(row*srcStride))), width)
		copy(dst[row*dstStride:row*dstStride+width], line)
	}
}

// Flush forgets pending timestamps. libmedia_h264 has no drain call, so
// pictures still held for display reordering are not returned.
func (d *h264Decoder) Flush() ([]*VideoFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pts = d.pts[:0]
	return nil, nil
}

func (d *h264Decoder) Provider() Provider { return ProviderOpenH264 }
func (d *h264Decoder) Codec() CodecID     { return CodecH264 }

func (d *h264Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle != 0 {
		mediaH264DecoderDestroy(d.handle)
		d.handle = 0
	}
	return nil
}

func init() {
	if IsH264DecoderAvailable() {
		setProviderAvailable(ProviderOpenH264)
		RegisterDecoder(CodecH264, ProviderOpenH264, newH264Decoder)
	}
}
