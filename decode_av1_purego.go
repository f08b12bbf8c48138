//go:build (darwin || linux) && !noav1

// AV1 decoding via libmedia_av1 (libaom inside) using purego.

package ffinput

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	mediaAV1Once    sync.Once
	mediaAV1Handle  uintptr
	mediaAV1InitErr error
)

// libmedia_av1 function pointers
var (
	mediaAV1DecoderCreate  func(threads int32) uint64
	mediaAV1DecoderDecode  func(decoder uint64, data uintptr, dataLen int32, outY, outU, outV, outYStride, outUVStride, outWidth, outHeight uintptr) int32
	mediaAV1DecoderReset   func(decoder uint64) int32
	mediaAV1DecoderDestroy func(decoder uint64)

	mediaAV1GetError         func() uintptr
	mediaAV1DecoderAvailable func() int32
)

// mediaAV1DecodeResult receives the output parameters of a decode call.
// Heap-allocated, see mediaH264DecodeResult.
type mediaAV1DecodeResult struct {
	YPtr     uintptr
	UPtr     uintptr
	VPtr     uintptr
	YStride  int32
	UVStride int32
	Width    int32
	Height   int32
}

func loadMediaAV1() error {
	mediaAV1Once.Do(func() {
		mediaAV1InitErr = loadMediaAV1Lib()
	})
	return mediaAV1InitErr
}

func loadMediaAV1Lib() error {
	var lastErr error
	for _, path := range nativeLibPaths("libmedia_av1", "MEDIA_AV1_LIB_PATH") {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		mediaAV1Handle = handle
		purego.RegisterLibFunc(&mediaAV1DecoderCreate, handle, "media_av1_decoder_create")
		purego.RegisterLibFunc(&mediaAV1DecoderDecode, handle, "media_av1_decoder_decode")
		purego.RegisterLibFunc(&mediaAV1DecoderReset, handle, "media_av1_decoder_reset")
		purego.RegisterLibFunc(&mediaAV1DecoderDestroy, handle, "media_av1_decoder_destroy")
		purego.RegisterLibFunc(&mediaAV1GetError, handle, "media_av1_get_error")
		purego.RegisterLibFunc(&mediaAV1DecoderAvailable, handle, "media_av1_decoder_available")
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("failed to load libmedia_av1: %w", lastErr)
	}
	return errors.New("libmedia_av1 not found in any standard location")
}

// IsAV1DecoderAvailable checks if the native AV1 decoder can be used.
func IsAV1DecoderAvailable() bool {
	return loadMediaAV1() == nil && mediaAV1DecoderAvailable() != 0
}

func getAV1Error() string {
	ptr := mediaAV1GetError()
	if ptr == 0 {
		return "unknown error"
	}
	return goStringFromPtr(ptr)
}

// av1Decoder decodes AV1 temporal units with libmedia_av1. A temporal unit
// shows at most one frame, so the packet PTS carries over.
type av1Decoder struct {
	handle uint64
	out    *mediaAV1DecodeResult
	mu     sync.Mutex
}

func newAV1Decoder(stream StreamInfo, opts DecoderOptions) (VideoDecoder, error) {
	if err := loadMediaAV1(); err != nil {
		return nil, fmt.Errorf("AV1 decoder not available: %w", err)
	}
	threads := int32(4)
	if opts.Threads > 0 {
		threads = int32(opts.Threads)
	}
	handle := mediaAV1DecoderCreate(threads)
	if handle == 0 {
		return nil, fmt.Errorf("failed to create AV1 decoder: %s", getAV1Error())
	}
	d := &av1Decoder{handle: handle, out: &mediaAV1DecodeResult{}}
	// An av1C record carries the sequence header OBUs after 4 bytes.
	if len(stream.Extradata) > 4 {
		d.decode(stream.Extradata[4:])
	}
	return d, nil
}

func (d *av1Decoder) Decode(pkt *Packet) ([]*VideoFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == 0 {
		return nil, decodeFatal(CodecAV1, ErrClosed)
	}
	if len(pkt.Data) == 0 {
		return nil, nil
	}

	result := d.decode(pkt.Data)
	if result < 0 {
		mediaAV1DecoderReset(d.handle)
		return nil, corruptData(CodecAV1, fmt.Errorf("decode failed: %s", getAV1Error()))
	}
	if result == 0 {
		return nil, nil
	}

	out := d.out
	w, h := int(out.Width), int(out.Height)
	if w <= 0 || h <= 0 || out.YPtr == 0 || out.YStride <= 0 || out.UVStride <= 0 {
		return nil, corruptData(CodecAV1, fmt.Errorf("invalid decoder output: stride=%d/%d, size=%dx%d",
			out.YStride, out.UVStride, w, h))
	}

	f := NewVideoFrame(w, h, PixelFormatI420)
	cw, ch := PixelFormatI420.chromaSize(w, h)
	copyNativePlane(f.Data[0], f.Stride[0], out.YPtr, int(out.YStride), w, h)
	copyNativePlane(f.Data[1], f.Stride[1], out.UPtr, int(out.UVStride), cw, ch)
	copyNativePlane(f.Data[2], f.Stride[2], out.VPtr, int(out.UVStride), cw, ch)

	f.PTS = pkt.PTS
	f.Duration = pkt.Duration
	f.TimeBase = pkt.TimeBase
	f.KeyFrame = pkt.KeyFrame
	return []*VideoFrame{f}, nil
}

func (d *av1Decoder) decode(data []byte) int32 {
	out := d.out
	result := mediaAV1DecoderDecode(
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
	runtime.KeepAlive(data)
	runtime.KeepAlive(out)
	return result
}

func (d *av1Decoder) Flush() ([]*VideoFrame, error) { return nil, nil }
func (d *av1Decoder) Provider() Provider            { return ProviderLibaom }
func (d *av1Decoder) Codec() CodecID                { return CodecAV1 }

func (d *av1Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle != 0 {
		mediaAV1DecoderDestroy(d.handle)
		d.handle = 0
	}
	return nil
}

func init() {
	if IsAV1DecoderAvailable() {
		setProviderAvailable(ProviderLibaom)
		RegisterDecoder(CodecAV1, ProviderLibaom, newAV1Decoder)
	}
}
