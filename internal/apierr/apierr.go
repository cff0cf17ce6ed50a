// Package apierr defines the error-kind taxonomy every public
// operation returns (§7), grounded on the teacher's
// internal/controlplane/server APIError/writeJSONError pattern but
// generalised into a typed kind instead of a bare HTTP status.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for client-facing responses and metrics,
// without leaking internal causes (§7).
type Kind string

const (
	KindBad           Kind = "bad"
	KindUnauthorized  Kind = "unauthorized"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindUnavailable   Kind = "unavailable"
	KindInternal      Kind = "internal"
)

// HTTPStatus maps a Kind to the response status code §6/§7 implies.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBad:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the typed error every public operation returns: a Kind
// plus a short, client-safe message. The wrapped Cause is logged with
// spans but never serialised to the client.
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

// New builds an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error that carries cause as its internal-only
// context. Per §7 propagation policy, store/blob errors are wrapped
// and surfaced as internal unless the caller already knows the
// domain-specific kind.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Bad, Unauthorized, NotFound, Conflict, Unavailable, Internal are
// convenience constructors for the six kinds.
func Bad(format string, a ...any) *Error { return New(KindBad, fmt.Sprintf(format, a...)) }
func Unauthorized(format string, a ...any) *Error {
	return New(KindUnauthorized, fmt.Sprintf(format, a...))
}
func NotFound(format string, a ...any) *Error { return New(KindNotFound, fmt.Sprintf(format, a...)) }
func Conflict(format string, a ...any) *Error { return New(KindConflict, fmt.Sprintf(format, a...)) }
func Unavailable(cause error, format string, a ...any) *Error {
	return Wrap(KindUnavailable, fmt.Sprintf(format, a...), cause)
}
func Internal(cause error, format string, a ...any) *Error {
	return Wrap(KindInternal, fmt.Sprintf(format, a...), cause)
}

// KindOf extracts the Kind of err, defaulting to KindInternal for
// errors that were never classified (the propagation-policy default
// for unmapped store/blob errors, §7).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return KindInternal
}
