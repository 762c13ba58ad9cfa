// Package apperr defines the error taxonomy shared by the session engine,
// the sandbox and the transport layer.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to react to it.
type Kind string

const (
	KindValidation        Kind = "VALIDATION_ERROR"
	KindSessionNotFound   Kind = "SESSION_NOT_FOUND"
	KindSessionNotActive  Kind = "SESSION_NOT_ACTIVE"
	KindOutOfOrder        Kind = "OUT_OF_ORDER_SUBMISSION"
	KindAttemptsExhausted Kind = "ATTEMPTS_EXHAUSTED"
	KindCompilation       Kind = "COMPILATION_ERROR"
	KindExecution         Kind = "EXECUTION_ERROR"
	KindTimeout           Kind = "TIMEOUT"
	KindSecurityRejection Kind = "SECURITY_REJECTION"
	KindTestNotFound      Kind = "TEST_NOT_FOUND"
	KindForbidden         Kind = "FORBIDDEN"
	KindConflict          Kind = "CONFLICT"
	KindVersionConflict   Kind = "VERSION_CONFLICT"
	KindInternal          Kind = "INTERNAL_ERROR"
)

// Error carries a Kind, a caller-safe message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and message to err. A nil err stays nil.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the Kind of the outermost *Error in err's chain,
// or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Sentinels for errors.Is checks.
var (
	ErrValidation        = New(KindValidation, "validation failed")
	ErrSessionNotFound   = New(KindSessionNotFound, "session not found")
	ErrSessionNotActive  = New(KindSessionNotActive, "session is not active")
	ErrOutOfOrder        = New(KindOutOfOrder, "submission does not target the current question")
	ErrAttemptsExhausted = New(KindAttemptsExhausted, "no attempts remaining")
	ErrTestNotFound      = New(KindTestNotFound, "test not found")
	ErrForbidden         = New(KindForbidden, "access to this resource is not allowed")
	ErrConflict          = New(KindConflict, "resource already exists")
	ErrVersionConflict   = New(KindVersionConflict, "session was modified concurrently")
	ErrInternal          = New(KindInternal, "internal error")
)

// PublicMessage returns the message safe to show a client. Internal errors
// never expose their cause.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindInternal {
		return ErrInternal.Message
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}
