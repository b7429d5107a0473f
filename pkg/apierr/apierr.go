// Package apierr implements the error taxonomy every handler in this
// repository translates local failures into at its boundary: a small
// fixed set of kinds that the HTTP façade and the command dispatcher
// both map to transport status codes.
package apierr

import (
	"errors"
	"fmt"
)

// Kind is one of the fixed error categories handlers may return.
type Kind string

const (
	KindInvalidArgument  Kind = "invalid_argument"
	KindUnauthenticated  Kind = "unauthenticated"
	KindForbidden        Kind = "forbidden"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindGone             Kind = "gone"
	KindPayloadTooLarge  Kind = "payload_too_large"
	KindTooManyRequests  Kind = "too_many_requests"
	KindUnimplemented    Kind = "unimplemented"
	KindInternal         Kind = "internal"
)

// Error is the concrete error type carried through the handler layer.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind to an existing error, preserving it as Cause.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	return &Error{Kind: kind, Message: err.Error(), Cause: err}
}

func InvalidArgument(format string, args ...any) *Error { return newf(KindInvalidArgument, format, args...) }
func Unauthenticated(format string, args ...any) *Error { return newf(KindUnauthenticated, format, args...) }
func Forbidden(format string, args ...any) *Error       { return newf(KindForbidden, format, args...) }
func NotFound(format string, args ...any) *Error        { return newf(KindNotFound, format, args...) }
func Conflict(format string, args ...any) *Error        { return newf(KindConflict, format, args...) }
func Gone(format string, args ...any) *Error            { return newf(KindGone, format, args...) }
func PayloadTooLarge(format string, args ...any) *Error { return newf(KindPayloadTooLarge, format, args...) }
func TooManyRequests(format string, args ...any) *Error { return newf(KindTooManyRequests, format, args...) }
func Unimplemented(format string, args ...any) *Error   { return newf(KindUnimplemented, format, args...) }
func Internal(format string, args ...any) *Error        { return newf(KindInternal, format, args...) }

// IsNotFound reports whether err classifies as KindNotFound.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == KindNotFound
}

// KindOf classifies any error into a Kind, defaulting to KindInternal for
// errors that never went through this package's constructors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindInternal
}

// HTTPStatus maps a Kind to its HTTP status code per the taxonomy in
// SPEC_FULL.md §7.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidArgument:
		return 400
	case KindUnauthenticated:
		return 401
	case KindForbidden:
		return 403
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindGone:
		return 410
	case KindPayloadTooLarge:
		return 413
	case KindTooManyRequests:
		return 429
	case KindUnimplemented:
		return 501
	default:
		return 500
	}
}

// EnvelopeCode maps a Kind to the gRPC-style status name used by the
// command-envelope transport (§4.6/§6).
func (k Kind) EnvelopeCode() string {
	switch k {
	case KindInvalidArgument:
		return "INVALID_ARGUMENT"
	case KindUnauthenticated:
		return "UNAUTHENTICATED"
	case KindForbidden:
		return "PERMISSION_DENIED"
	case KindNotFound:
		return "NOT_FOUND"
	case KindConflict:
		return "ABORTED"
	case KindGone:
		return "FAILED_PRECONDITION"
	case KindPayloadTooLarge:
		return "RESOURCE_EXHAUSTED"
	case KindTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case KindUnimplemented:
		return "UNIMPLEMENTED"
	default:
		return "INTERNAL"
	}
}
