// Package gatewayerr defines the channel-independent error-kind taxonomy
// every component raises instead of ad-hoc error strings or panics.
package gatewayerr

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy entries from the error handling design.
type Kind string

const (
	InvalidRequest Kind = "INVALID_REQUEST"
	Unauthorized   Kind = "UNAUTHORIZED"
	NotFound       Kind = "NOT_FOUND"
	Conflict       Kind = "CONFLICT"
	Unavailable    Kind = "UNAVAILABLE"
	Throttled      Kind = "THROTTLED"
	Transient      Kind = "TRANSIENT"
	Permanent      Kind = "PERMANENT"
	Timeout        Kind = "TIMEOUT"
	Cancelled      Kind = "CANCELLED"
)

// Retryable reports whether the dispatcher should retry a send that failed
// with this kind.
func (k Kind) Retryable() bool {
	switch k {
	case Unavailable, Throttled, Transient:
		return true
	default:
		return false
	}
}

// Error wraps a Kind with a human-readable message and an optional cause,
// so errors.Is/errors.As compose across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error with the given kind and formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error that carries an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; otherwise returns Permanent as the conservative default.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Permanent
}

// WireError is the JSON shape serialized onto response.error frames — never
// the raw Go error string — internals are never leaked to RPC clients.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToWire converts any error into the frame-safe {code, message} shape.
func ToWire(err error) *WireError {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return &WireError{Code: string(e.Kind), Message: e.Message}
	}
	return &WireError{Code: string(Permanent), Message: "internal error"}
}
