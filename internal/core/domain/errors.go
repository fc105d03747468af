package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrCanceled is returned for user-initiated cancellation. Never
	// retried.
	ErrCanceled = errors.New("call canceled")

	// ErrCallTimeout is the overall per-call deadline firing.
	ErrCallTimeout = errors.New("call timeout")

	// ErrExecutorShutdown rejects async admission after shutdown.
	ErrExecutorShutdown = errors.New("dispatcher executor is shut down")

	// ErrConnectionShutdown is raised on exchanges caught by a GOAWAY or
	// local connection shutdown.
	ErrConnectionShutdown = errors.New("connection is shutting down")

	// ErrRoutesExhausted signals the planner has nothing left to try.
	ErrRoutesExhausted = errors.New("exhausted all routes")
)

// ProtocolError is a fatal wire-level violation: malformed framing, an
// illegal state transition, or the CONNECT auth loop running away. Never
// retried.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// DNSError reports a lookup that failed or returned no usable addresses.
type DNSError struct {
	Host string
	Err  error
}

func (e *DNSError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dns lookup failed for %s: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("dns lookup for %s returned no addresses", e.Host)
}

func (e *DNSError) Unwrap() error { return e.Err }

// PinMismatchError is a certificate pin violation. Fatal, never retried,
// and disqualifies the peer chain for coalescing.
type PinMismatchError struct {
	Host string
	Pins []string
}

func (e *PinMismatchError) Error() string {
	return fmt.Sprintf("certificate pin mismatch for %s", e.Host)
}

// PeerUnverifiedError is a hostname verification failure after an
// otherwise successful handshake.
type PeerUnverifiedError struct {
	Host string
}

func (e *PeerUnverifiedError) Error() string {
	return fmt.Sprintf("hostname %s not verified by peer certificate", e.Host)
}

// ErrorCode is an HTTP/2 RST_STREAM / GOAWAY code.
type ErrorCode uint32

const (
	ErrCodeNoError            ErrorCode = 0x0
	ErrCodeProtocol           ErrorCode = 0x1
	ErrCodeInternal           ErrorCode = 0x2
	ErrCodeFlowControl        ErrorCode = 0x3
	ErrCodeSettingsTimeout    ErrorCode = 0x4
	ErrCodeStreamClosed       ErrorCode = 0x5
	ErrCodeFrameSize          ErrorCode = 0x6
	ErrCodeRefusedStream      ErrorCode = 0x7
	ErrCodeCancel             ErrorCode = 0x8
	ErrCodeCompression        ErrorCode = 0x9
	ErrCodeConnect            ErrorCode = 0xa
	ErrCodeEnhanceYourCalm    ErrorCode = 0xb
	ErrCodeInadequateSecurity ErrorCode = 0xc
	ErrCodeHTTP11Required     ErrorCode = 0xd
)

var errCodeNames = map[ErrorCode]string{
	ErrCodeNoError:            "NO_ERROR",
	ErrCodeProtocol:           "PROTOCOL_ERROR",
	ErrCodeInternal:           "INTERNAL_ERROR",
	ErrCodeFlowControl:        "FLOW_CONTROL_ERROR",
	ErrCodeSettingsTimeout:    "SETTINGS_TIMEOUT",
	ErrCodeStreamClosed:       "STREAM_CLOSED",
	ErrCodeFrameSize:          "FRAME_SIZE_ERROR",
	ErrCodeRefusedStream:      "REFUSED_STREAM",
	ErrCodeCancel:             "CANCEL",
	ErrCodeCompression:        "COMPRESSION_ERROR",
	ErrCodeConnect:            "CONNECT_ERROR",
	ErrCodeEnhanceYourCalm:    "ENHANCE_YOUR_CALM",
	ErrCodeInadequateSecurity: "INADEQUATE_SECURITY",
	ErrCodeHTTP11Required:     "HTTP_1_1_REQUIRED",
}

func (c ErrorCode) String() string {
	if n, ok := errCodeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("ERR_0x%x", uint32(c))
}

// StreamResetError is a stream torn down by RST_STREAM, ours or theirs.
type StreamResetError struct {
	StreamID uint32
	Code     ErrorCode
}

func (e *StreamResetError) Error() string {
	return fmt.Sprintf("stream %d reset: %s", e.StreamID, e.Code)
}

// Retryable reports whether the reset may be retried on a fresh carrier.
// Only a refused stream qualifies: the peer promises it did no work.
func (e *StreamResetError) Retryable() bool {
	return e.Code == ErrCodeRefusedStream
}

// RouteExhaustedError carries the first connect failure as primary and
// every sibling failure as suppressed causes.
type RouteExhaustedError struct {
	First      error
	Suppressed []error
}

func (e *RouteExhaustedError) Error() string {
	if len(e.Suppressed) == 0 {
		return e.First.Error()
	}
	return fmt.Sprintf("%v (and %d more route failures)", e.First, len(e.Suppressed))
}

func (e *RouteExhaustedError) Unwrap() error { return e.First }

// Suppress folds another failure in, keeping the first as primary.
func (e *RouteExhaustedError) Suppress(err error) {
	if e.First == nil {
		e.First = err
		return
	}
	e.Suppressed = append(e.Suppressed, err)
}
