// Package errs defines the closed error taxonomy of §7: a small set of
// sentinel kinds that every VM phase, store operation, and federation call
// classifies its failures into. Kinds carry propagation policy (retryable or
// not); nothing outside this package should invent new top-level kinds.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy entries from §7.
type Kind string

const (
	NotFound    Kind = "NOT_FOUND"
	BadJSON     Kind = "BAD_JSON"
	Conforms    Kind = "CONFORMS_FAIL"
	AuthFail    Kind = "AUTH_FAIL"
	VerifyFail  Kind = "VERIFY_FAIL"
	Timeout     Kind = "TIMEOUT"
	Unavailable Kind = "UNAVAILABLE"
	Incomplete  Kind = "INCOMPLETE"
	Corruption  Kind = "CORRUPTION"
	Internal    Kind = "INTERNAL"
)

// Retryable reports whether a caller should retry an operation that failed
// with this kind. Only transient, peer-local conditions are retryable;
// content-level rejections (BadJSON, AuthFail, VerifyFail) are not.
func (k Kind) Retryable() bool {
	switch k {
	case Timeout, Unavailable, Incomplete:
		return true
	default:
		return false
	}
}

// Error wraps a Kind with a human-readable reason and an optional cause,
// matching §4.2.3's "FAIL signal carrying a human-readable reason".
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error of the given kind.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap constructs an *Error of the given kind around a cause.
func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// Is reports whether the first *Error found in err's chain has the given
// Kind; the kinds of any *Error it wraps in turn are not consulted.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal for errors
// that never went through this package (an invariant violation elsewhere).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
