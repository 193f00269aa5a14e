// Package domainerrors defines the coded error type returned across service boundaries.
//
// Services translate store sentinels (pkg/platform/sentinel) into these codes so callers
// can branch on a stable taxonomy instead of string matching:
//
//	if dErrors.HasCode(err, dErrors.CodeInvalidState) { ... }
//
// Only CodeTransport is retryable. Everything else is surfaced to the caller verbatim.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error.
type Code string

const (
	CodeValidation         Code = "validation"
	CodeInvalidState       Code = "invalid_state"
	CodeDuplicateReport    Code = "duplicate_report"
	CodeEmptyReport        Code = "empty_report"
	CodeTransport          Code = "transport_error"
	CodeRetryLimitExceeded Code = "retry_limit_exceeded"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeLocked             Code = "locked"
	CodeTimeout            Code = "timeout"
	CodeInternal           Code = "internal"

	// CodeInvariantViolation is raised by model constructors and transitions. Services
	// convert it to CodeValidation or CodeInvalidState depending on the operation.
	CodeInvariantViolation Code = "invariant_violation"
)

// Error is a coded domain error with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the outermost code in the chain, or CodeInternal for uncoded errors.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HasCode reports whether the outermost domain error in the chain carries code.
func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// Is is an alias of HasCode kept for call sites that read better as a predicate.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// IsRetryable reports whether the failure may be retried automatically.
func IsRetryable(err error) bool {
	return HasCode(err, CodeTransport)
}
