package domain

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes a session error.
type ErrorKind string

const (
	// ErrorKindTransport indicates a connection failure, timeout, or
	// non-2xx HTTP status. Not retried automatically.
	ErrorKindTransport ErrorKind = "transport"

	// ErrorKindProtocolDecode indicates a payload that failed JSON parsing.
	ErrorKindProtocolDecode ErrorKind = "protocol_decode"

	// ErrorKindStreamTruncated indicates a stream that closed before the
	// end-of-stream sentinel. Non-fatal; buffered content is preserved.
	ErrorKindStreamTruncated ErrorKind = "stream_truncated"

	// ErrorKindInvalidSubmission indicates empty input or a missing user
	// context, rejected before any network call.
	ErrorKindInvalidSubmission ErrorKind = "invalid_submission"

	// ErrorKindStaleConfirmation indicates a confirm or cancel referencing
	// a message that is no longer the pending one.
	ErrorKindStaleConfirmation ErrorKind = "stale_confirmation"

	// ErrorKindSessionBusy indicates a submission while another query is
	// in flight. The second submission is rejected, not queued.
	ErrorKindSessionBusy ErrorKind = "session_busy"

	// ErrorKindConfirmationPending indicates a new confirmation request
	// while one is already awaiting a decision.
	ErrorKindConfirmationPending ErrorKind = "confirmation_pending"

	// ErrorKindBackend indicates a failure the backend reported inside an
	// otherwise healthy stream or response body.
	ErrorKindBackend ErrorKind = "backend"
)

// SessionError is the canonical error type surfaced by the session engine.
// None of its kinds terminate the session; the session stays usable for the
// next submission.
type SessionError struct {
	Kind    ErrorKind
	Message string

	// StatusCode is the HTTP status for transport errors, 0 otherwise.
	StatusCode int

	cause error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *SessionError) Unwrap() error {
	return e.cause
}

// WithCause attaches the underlying error.
func (e *SessionError) WithCause(err error) *SessionError {
	e.cause = err
	return e
}

// WithStatusCode records the HTTP status that produced a transport error.
func (e *SessionError) WithStatusCode(code int) *SessionError {
	e.StatusCode = code
	return e
}

// NewError creates a session error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *SessionError {
	return &SessionError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ErrTransport creates a transport error.
func ErrTransport(format string, args ...any) *SessionError {
	return NewError(ErrorKindTransport, format, args...)
}

// ErrProtocolDecode creates a protocol decode error.
func ErrProtocolDecode(format string, args ...any) *SessionError {
	return NewError(ErrorKindProtocolDecode, format, args...)
}

// ErrStreamTruncated creates a stream truncation error.
func ErrStreamTruncated(format string, args ...any) *SessionError {
	return NewError(ErrorKindStreamTruncated, format, args...)
}

// ErrInvalidSubmission creates an invalid submission error.
func ErrInvalidSubmission(format string, args ...any) *SessionError {
	return NewError(ErrorKindInvalidSubmission, format, args...)
}

// ErrStaleConfirmation creates a stale confirmation error.
func ErrStaleConfirmation(format string, args ...any) *SessionError {
	return NewError(ErrorKindStaleConfirmation, format, args...)
}

// ErrSessionBusy creates a busy-session error.
func ErrSessionBusy(format string, args ...any) *SessionError {
	return NewError(ErrorKindSessionBusy, format, args...)
}

// ErrConfirmationPending creates a confirmation-already-pending error.
func ErrConfirmationPending(format string, args ...any) *SessionError {
	return NewError(ErrorKindConfirmationPending, format, args...)
}

// ErrBackend creates a backend-reported error.
func ErrBackend(format string, args ...any) *SessionError {
	return NewError(ErrorKindBackend, format, args...)
}

// IsKind reports whether err is (or wraps) a SessionError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}
