package ffinput

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
)

var (
	ErrEndOfStream       = errors.New("end of stream")
	ErrClosed            = errors.New("pipeline closed")
	ErrNoVideoStream     = errors.New("no video stream")
	ErrInvalidStreamType = errors.New("stream is not a video stream")
	ErrFormatChanged     = errors.New("stream geometry or pixel format changed")
	ErrNeedMoreInput     = errors.New("decoder needs more input")
	ErrFlushed           = errors.New("decoder already flushed")

	ErrBufferTooSmall    = errors.New("buffer too small")
	ErrProviderNotFound  = errors.New("provider not available")
	ErrCodecNotSupported = errors.New("codec not supported by provider")
	ErrNotSupported      = errors.New("operation not supported")

	// ErrInterFrameUnsupported is reported by intra-only decoders fed a
	// predicted frame.
	ErrInterFrameUnsupported = errors.New("inter frames not supported by provider")
)

// OpenErrorKind classifies source open failures.
type OpenErrorKind int

const (
	OpenNotFound          OpenErrorKind = iota // Missing file, unresolvable host, refused connection
	OpenProtocolError                          // Malformed container, bad handshake, HTTP error status
	OpenTimeout                                // Probing did not finish in time
	OpenUnsupportedFormat                      // No demuxer claims the URL
)

func (k OpenErrorKind) String() string {
	switch k {
	case OpenNotFound:
		return "not found"
	case OpenProtocolError:
		return "protocol error"
	case OpenTimeout:
		return "timeout"
	case OpenUnsupportedFormat:
		return "unsupported format"
	default:
		return "unknown"
	}
}

// OpenError is returned when a source cannot be opened.
type OpenError struct {
	Kind OpenErrorKind
	URL  string
	Err  error
}

func (e *OpenError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("open %s: %s", e.URL, e.Kind)
	}
	return fmt.Sprintf("open %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// IoErrorKind tells whether a read failure may be retried.
type IoErrorKind int

const (
	IoTransient IoErrorKind = iota
	IoFatal
)

func (k IoErrorKind) String() string {
	if k == IoTransient {
		return "transient"
	}
	return "fatal"
}

// IoError is returned by Source.ReadPacket for read failures other than the
// end of the stream.
type IoError struct {
	Kind IoErrorKind
	Err  error
}

func (e *IoError) Error() string { return fmt.Sprintf("read (%s): %v", e.Kind, e.Err) }

func (e *IoError) Unwrap() error { return e.Err }

// Temporary reports whether the read may succeed when retried.
func (e *IoError) Temporary() bool { return e.Kind == IoTransient }

// DecodeErrorKind classifies decoder failures.
type DecodeErrorKind int

const (
	DecodeCorruptData      DecodeErrorKind = iota // Packet skipped, decoding continues
	DecodeUnsupportedCodec                        // No provider can decode the stream
	DecodeFatal                                   // Decoder unusable
)

func (k DecodeErrorKind) String() string {
	switch k {
	case DecodeCorruptData:
		return "corrupt data"
	case DecodeUnsupportedCodec:
		return "unsupported codec"
	case DecodeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// DecodeError is returned by the Decoder.
type DecodeError struct {
	Kind  DecodeErrorKind
	Codec CodecID
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("decode %s: %s", e.Codec, e.Kind)
	}
	return fmt.Sprintf("decode %s: %s: %v", e.Codec, e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Recoverable reports whether decoding may continue with the next packet.
func (e *DecodeError) Recoverable() bool { return e.Kind == DecodeCorruptData }

// ConversionError is returned by the converter. The pipeline drops the frame
// and carries on.
type ConversionError struct {
	From, To PixelFormat
	Err      error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %s to %s: %v", e.From, e.To, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

func corruptData(codec CodecID, err error) *DecodeError {
	return &DecodeError{Kind: DecodeCorruptData, Codec: codec, Err: err}
}

func decodeFatal(codec CodecID, err error) *DecodeError {
	return &DecodeError{Kind: DecodeFatal, Codec: codec, Err: err}
}

func transientIO(err error) *IoError { return &IoError{Kind: IoTransient, Err: err} }

func fatalIO(err error) *IoError { return &IoError{Kind: IoFatal, Err: err} }

// classifyOpenError turns a demuxer open failure into an *OpenError.
func classifyOpenError(url string, err error) *OpenError {
	var oe *OpenError
	if errors.As(err, &oe) {
		return oe
	}
	kind := OpenProtocolError
	var dnsErr *net.DNSError
	var opErr *net.OpError
	switch {
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		kind = OpenTimeout
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, os.ErrPermission):
		kind = OpenNotFound
	case errors.As(err, &dnsErr):
		kind = OpenNotFound
	case errors.As(err, &opErr) && opErr.Op == "dial":
		kind = OpenNotFound
	case containsNetworkKeywords(err.Error()):
		kind = OpenNotFound
	}
	return &OpenError{Kind: kind, URL: url, Err: err}
}

// classifyReadError turns a read failure into an *IoError. Timeouts and
// network hiccups are transient; everything else is fatal.
func classifyReadError(err error) error {
	if err == nil {
		return nil
	}
	var ioe *IoError
	if errors.As(err, &ioe) || errors.Is(err, ErrEndOfStream) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isTimeout(err) || containsNetworkKeywords(err.Error()) {
		return transientIO(err)
	}
	return fatalIO(err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// containsNetworkKeywords checks if an error message looks network related.
// Backends that only surface strings (libav) are classified this way.
func containsNetworkKeywords(msg string) bool {
	keywords := []string{
		"connection",
		"timeout",
		"timed out",
		"unreachable",
		"network",
		"resolve",
		"no such host",
		"broken pipe",
		"reset by peer",
		"temporarily unavailable",
	}
	msg = strings.ToLower(msg)
	for _, kw := range keywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
