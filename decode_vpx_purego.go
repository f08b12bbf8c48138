//go:build (darwin || linux) && !novpx

// VP8 and VP9 decoding via libmedia_vpx (libvpx inside) using purego.

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
	mediaVPXOnce    sync.Once
	mediaVPXHandle  uintptr
	mediaVPXInitErr error
)

// libmedia_vpx function pointers
var (
	mediaVPXDecoderCreate   func(codec, threads int32) uint64
	mediaVPXDecoderDecodeV2 func(decoder uint64, data uintptr, dataLen int32, resultOut uintptr) int32
	mediaVPXDecoderReset    func(decoder uint64) int32
	mediaVPXDecoderDestroy  func(decoder uint64)

	mediaVPXGetError       func() uintptr
	mediaVPXCodecAvailable func(codec int32) int32
)

// mediaVPXDecodeResult matches media_vpx_decode_result_t in C.
// It must be heap-allocated for purego to work correctly on arm64.
type mediaVPXDecodeResult struct {
	YPtr     uint64
	UPtr     uint64
	VPtr     uint64
	YStride  int32
	UVStride int32
	Width    int32
	Height   int32
	Result   int32 // 1=decoded, 0=buffering, <0=error
	Reserved int32
}

// Codec selectors from media_vpx.h
const (
	mediaVPXCodecVP8 = 0
	mediaVPXCodecVP9 = 1
)

func loadMediaVPX() error {
	mediaVPXOnce.Do(func() {
		mediaVPXInitErr = loadMediaVPXLib()
	})
	return mediaVPXInitErr
}

func loadMediaVPXLib() error {
	var lastErr error
	for _, path := range nativeLibPaths("libmedia_vpx", "MEDIA_VPX_LIB_PATH") {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		mediaVPXHandle = handle
		loadMediaVPXSymbols()
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("failed to load libmedia_vpx: %w", lastErr)
	}
	return errors.New("libmedia_vpx not found in any standard location")
}

func loadMediaVPXSymbols() {
	purego.RegisterLibFunc(&mediaVPXDecoderCreate, mediaVPXHandle, "media_vpx_decoder_create")
	purego.RegisterLibFunc(&mediaVPXDecoderDecodeV2, mediaVPXHandle, "media_vpx_decoder_decode_v2")
	purego.RegisterLibFunc(&mediaVPXDecoderReset, mediaVPXHandle, "media_vpx_decoder_reset")
	purego.RegisterLibFunc(&mediaVPXDecoderDestroy, mediaVPXHandle, "media_vpx_decoder_destroy")

	purego.RegisterLibFunc(&mediaVPXGetError, mediaVPXHandle, "media_vpx_get_error")
	purego.RegisterLibFunc(&mediaVPXCodecAvailable, mediaVPXHandle, "media_vpx_codec_available")
}

// IsVPXDecoderAvailable checks if libmedia_vpx can decode the codec.
func IsVPXDecoderAvailable(codec CodecID) bool {
	sel, ok := vpxSelector(codec)
	return ok && loadMediaVPX() == nil && mediaVPXCodecAvailable(sel) != 0
}

func vpxSelector(codec CodecID) (int32, bool) {
	switch codec {
	case CodecVP8:
		return mediaVPXCodecVP8, true
	case CodecVP9:
		return mediaVPXCodecVP9, true
	}
	return 0, false
}

func getVPXError() string {
	ptr := mediaVPXGetError()
	if ptr == 0 {
		return "unknown error"
	}
	return goStringFromPtr(ptr)
}

// vpxDecoder decodes VP8 and VP9 frames with libmedia_vpx. VP8 and VP9
// have no reordering, so every decoded picture belongs to the packet that
// produced it. Hidden VP9 frames (superframe parts) yield nothing.
type vpxDecoder struct {
	codec  CodecID
	handle uint64
	out    *mediaVPXDecodeResult
	mu     sync.Mutex
}

func newVPXDecoder(stream StreamInfo, opts DecoderOptions) (VideoDecoder, error) {
	sel, ok := vpxSelector(stream.Codec)
	if !ok {
		return nil, fmt.Errorf("libvpx does not decode %s", stream.Codec)
	}
	if err := loadMediaVPX(); err != nil {
		return nil, fmt.Errorf("%s decoder not available: %w", stream.Codec, err)
	}

	threads := int32(4)
	if opts.Threads > 0 {
		threads = int32(opts.Threads)
	}
	handle := mediaVPXDecoderCreate(sel, threads)
	if handle == 0 {
		return nil, fmt.Errorf("failed to create %s decoder: %s", stream.Codec, getVPXError())
	}
	return &vpxDecoder{
		codec:  stream.Codec,
		handle: handle,
		out:    &mediaVPXDecodeResult{},
	}, nil
}

func (d *vpxDecoder) Decode(pkt *Packet) ([]*VideoFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == 0 {
		return nil, decodeFatal(d.codec, ErrClosed)
	}
	if len(pkt.Data) == 0 {
		return nil, nil
	}

	out := d.out
	result := mediaVPXDecoderDecodeV2(
		d.handle,
		uintptr(unsafe.Pointer(&pkt.Data[0])),
		int32(len(pkt.Data)),
		uintptr(unsafe.Pointer(out)),
	)
	runtime.KeepAlive(pkt.Data)
	runtime.KeepAlive(out)

	if result < 0 {
		// A broken reference chain keeps failing until the next key frame.
		mediaVPXDecoderReset(d.handle)
		return nil, corruptData(d.codec, fmt.Errorf("decode failed: %s", getVPXError()))
	}
	if result == 0 {
		return nil, nil
	}

	w, h := int(out.Width), int(out.Height)
	if w <= 0 || h <= 0 || out.YPtr == 0 || out.YStride <= 0 || out.UVStride <= 0 {
		return nil, corruptData(d.codec, fmt.Errorf("invalid decoder output: stride=%d/%d, size=%dx%d",
			out.YStride, out.UVStride, w, h))
	}

	f := NewVideoFrame(w, h, PixelFormatI420)
	cw, ch := PixelFormatI420.chromaSize(w, h)
	copyNativePlane(f.Data[0], f.Stride[0], uintptr(out.YPtr), int(out.YStride), w, h)
	copyNativePlane(f.Data[1], f.Stride[1], uintptr(out.UPtr), int(out.UVStride), cw, ch)
	copyNativePlane(f.Data[2], f.Stride[2], uintptr(out.VPtr), int(out.UVStride), cw, ch)

	f.PTS = pkt.PTS
	f.Duration = pkt.Duration
	f.TimeBase = pkt.TimeBase
	f.KeyFrame = isKeyFrame(d.codec, pkt.Data)
	return []*VideoFrame{f}, nil
}

func (d *vpxDecoder) Flush() ([]*VideoFrame, error) { return nil, nil }
func (d *vpxDecoder) Provider() Provider            { return ProviderLibvpx }
func (d *vpxDecoder) Codec() CodecID                { return d.codec }

func (d *vpxDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle != 0 {
		mediaVPXDecoderDestroy(d.handle)
		d.handle = 0
	}
	return nil
}

func init() {
	registered := false
	for _, codec := range []CodecID{CodecVP8, CodecVP9} {
		if IsVPXDecoderAvailable(codec) {
			RegisterDecoder(codec, ProviderLibvpx, newVPXDecoder)
			registered = true
		}
	}
	if registered {
		setProviderAvailable(ProviderLibvpx)
	}
}
