package dat

import (
	"errors"
	"fmt"
)

// ErrUnknownThread reports a thread that is no longer served from its board
// (the server redirected the dat request, usually because the thread fell
// into the archive).
var ErrUnknownThread = errors.New("unknown thread")

// UnknownThreadError carries the thread and the redirect target, if any.
type UnknownThreadError struct {
	URI      string
	Location string
}

func (e *UnknownThreadError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("unknown thread %s (relocated to %s)", e.URI, e.Location)
	}
	return fmt.Sprintf("unknown thread %s", e.URI)
}

// Is lets errors.Is(err, ErrUnknownThread) match.
func (e *UnknownThreadError) Is(target error) bool { return target == ErrUnknownThread }

// FetchError wraps transport-level failures (dial, TLS, timeout, truncated body).
type FetchError struct {
	URI string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch %s: %v", e.URI, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// DecodingError reports a payload that could not be decompressed or transcoded.
type DecodingError struct {
	Stage string // "gzip" or "charset"
	Err   error
}

func (e *DecodingError) Error() string { return fmt.Sprintf("decode %s: %v", e.Stage, e.Err) }
func (e *DecodingError) Unwrap() error { return e.Err }

// ParseError reports a malformed dat or subject.txt line.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse line %d: %s", e.Line, e.Reason) }

// ErrorClass represents whether a failed retrieval is worth retrying.
type ErrorClass int

const (
	// ErrorClassRetryable indicates a transient failure; the next poll cycle retries.
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the thread is gone; only a rebind helps.
	ErrorClassFatal
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifyError maps an error returned by the Fetcher onto an ErrorClass.
// Decoding and parse failures are retryable: the payload is refetched on the
// next cycle and the buffer was left untouched.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, ErrUnknownThread) {
		return ErrorClassFatal
	}
	var fe *FetchError
	var de *DecodingError
	var pe *ParseError
	switch {
	case errors.As(err, &fe), errors.As(err, &de), errors.As(err, &pe):
		return ErrorClassRetryable
	}
	return ErrorClassUnknown
}
