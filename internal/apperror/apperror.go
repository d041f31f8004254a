// Package apperror defines the error kinds the billing API reports to callers
// and the mapping from each kind to an HTTP status.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the endpoint boundary.
type Kind string

const (
	KindInternal        Kind = "internal"
	KindUnauthorized    Kind = "unauthorized"
	KindNotFound        Kind = "not_found"
	KindInvalidArgument Kind = "invalid_argument"
	KindForbidden       Kind = "forbidden"
	KindExternalService Kind = "external_service"
	KindConflict        Kind = "conflict"
)

// Error is an error with a kind and a message that is safe to show the caller.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func NotFound(message string) *Error        { return New(KindNotFound, message) }
func InvalidArgument(message string) *Error { return New(KindInvalidArgument, message) }
func Forbidden(message string) *Error       { return New(KindForbidden, message) }
func Conflict(message string) *Error        { return New(KindConflict, message) }
func Unauthorized(message string) *Error    { return New(KindUnauthorized, message) }

// External wraps a failed call to a third-party service. The provider's own
// message is kept so the caller sees why the call failed.
func External(service string, err error) *Error {
	return &Error{
		Kind:    KindExternalService,
		Message: fmt.Sprintf("%s request failed: %v", service, err),
		Err:     err,
	}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the caller-facing message for err. Internal errors get a
// generic message so storage details do not leak.
func Message(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Kind != KindInternal {
		return appErr.Message
	}
	return "internal error"
}

// HTTPStatus maps a kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindExternalService:
		return http.StatusBadGateway
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
