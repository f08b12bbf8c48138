// Package ffinput pulls decoded video frames out of files, network streams
// and synthetic sources, in-process, as a bounded queue of ready-to-use
// frames.
//
// Key pieces include:
//   - Source and the demuxer registry (Y4M, IVF, MP4, MJPEG, raw H.264,
//     RTP/SDP, RTMP ingest, synthetic testsrc, and libav via go-astiav)
//   - Stream selection and per-stream metadata
//   - Decoder with an explicit reorder buffer, backed by pluggable providers
//   - Converter for pixel format conversion and scaling
//   - Pipeline, a single worker that feeds a FrameQueue
//
// # Architecture
//
//	Source -> SelectStream -> Decoder -> Converter -> FrameQueue -> NextFrame
//
// One worker goroutine owns the Source and the Decoder. The FrameQueue is the
// only state shared with the consumer, and blocking on a full queue is the
// only backpressure.
//
// # Native Libraries
//
// The H.264, VPX and AV1 decoders load libmedia_h264 (OpenH264),
// libmedia_vpx (libvpx) and libmedia_av1 (libaom) through purego, searching
// build/ directories and the system library paths. Set MEDIA_H264_LIB_PATH,
// MEDIA_VPX_LIB_PATH or MEDIA_AV1_LIB_PATH to a library file, or
// MEDIA_SDK_LIB_PATH to the directory containing them.
//
// # Build Tags
//
// Optional tags change the provider set:
//   - ffmpeg: enable the go-astiav demuxer and decoder (needs libav* 7.x)
//   - noh264: disable the purego H.264 decoder
//   - novpx, noav1: disable the purego VP8/VP9 and AV1 decoders
//
// # Supported Codecs
//
// Pure Go: rawvideo, MJPEG, PNG, VP8 key frames.
// OpenH264: H.264. libvpx: VP8, VP9. libaom: AV1.
// FFmpeg: everything libavcodec decodes.
// Passthrough mode delivers compressed packets of any codec.
package ffinput
