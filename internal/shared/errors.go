package shared

import (
	"context"
	"errors"
	"net"
)

// Kind classifies failures so callers can tell "fix your data" from
// "retry later" from "this is broken".
type Kind string

const (
	KindValidation Kind = "validation"
	KindTransient  Kind = "transient"
	KindIntegrity  Kind = "integrity"
	KindNotFound   Kind = "not_found"
	KindForbidden  Kind = "forbidden"
	KindConflict   Kind = "conflict"
	KindInternal   Kind = "internal"
)

// Error is a classified domain error. Package sentinels are *Error values and
// are compared with errors.Is.
type Error struct {
	Kind  Kind
	Code  string
	Msg   string
	cause error
}

// NewError builds a classified sentinel.
func NewError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Msg + ": " + e.cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.cause }

// Transient marks err as retryable infrastructure failure.
func Transient(code string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Code: code, Msg: code, cause: err}
}

// WithKind wraps err with an explicit classification.
func WithKind(kind Kind, code string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Msg: code, cause: err}
}

// KindOf returns the classification of err. Context deadlines and network
// errors count as transient; anything unclassified is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindInternal
}

// CodeOf returns the taxonomy code of err, or an empty string.
func CodeOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Code
	}
	return ""
}

// IsRetryable reports whether err should be retried by a job runner.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = NewError(KindNotFound, "NotFound", "not found")
	// ErrForbidden indicates the acting principal may not touch the company.
	ErrForbidden = NewError(KindForbidden, "Forbidden", "forbidden")
)
