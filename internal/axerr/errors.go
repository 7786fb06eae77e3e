// Package axerr defines the core error taxonomy shared by every package:
// Validation, Auth, Forbidden, RateLimited, Conflict, Transient, Fatal.
package axerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of wire-level responses and
// retry policy. See spec §7.
type Kind string

const (
	KindValidation Kind = "VALIDATION"
	KindAuth       Kind = "AUTH_FAILED"
	KindForbidden  Kind = "ACCESS_DENIED"
	KindRateLimit  Kind = "RATE_LIMITED"
	KindConflict   Kind = "CONFLICT"
	KindTransient  Kind = "TRANSIENT"
	KindFatal      Kind = "FATAL"
	KindNotFound   Kind = "NOT_FOUND"
)

// String returns the Kind's wire representation.
func (k Kind) String() string { return string(k) }

// Error is a classified error with an optional wire code and detail map.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind Kind, code, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Cause: cause}
}

func Validation(code, msg string) *Error       { return newErr(KindValidation, code, msg, nil) }
func Auth(code, msg string) *Error             { return newErr(KindAuth, code, msg, nil) }
func Forbidden(code, msg string) *Error        { return newErr(KindForbidden, code, msg, nil) }
func RateLimited(code, msg string) *Error      { return newErr(KindRateLimit, code, msg, nil) }
func Conflict(code, msg string) *Error         { return newErr(KindConflict, code, msg, nil) }
func NotFound(code, msg string) *Error         { return newErr(KindNotFound, code, msg, nil) }
func Transient(code, msg string, cause error) *Error {
	return newErr(KindTransient, code, msg, cause)
}
func Fatal(code, msg string, cause error) *Error { return newErr(KindFatal, code, msg, cause) }

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to KindFatal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}
