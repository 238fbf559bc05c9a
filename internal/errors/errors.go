// Package errors provides the coded domain errors shared by every memosync component.
//
// Usage:
//
//	// In components - return typed errors
//	if strings.TrimSpace(in.Title) == "" {
//	    return errors.Validation("title is required")
//	}
//
//	// In callers - check with errors.Is
//	if errors.Is(err, errors.ErrStoreUnavailable) {
//	    notices.Failure(identity, "could not reach the store, try again")
//	}
//
//	// Or switch on the Code directly
//	var domainErr *errors.Error
//	if errors.As(err, &domainErr) {
//	    switch domainErr.Code {
//	    case errors.CodeNotFound:
//	    case errors.CodeSelfReference:
//	    }
//	}
package errors

import (
	"errors"
	"fmt"
)

// Re-export standard library functions for convenience.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	Join   = errors.Join
	New    = errors.New
)

// Code represents a machine-readable error code.
type Code string

// Error codes used throughout the application.
const (
	CodeValidation       Code = "VALIDATION"
	CodeNotFound         Code = "NOT_FOUND"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	CodeSelfReference    Code = "SELF_REFERENCE"
	CodeAlreadyExists    Code = "ALREADY_EXISTS"
	CodeConflict         Code = "CONFLICT"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeForbidden        Code = "FORBIDDEN"
	CodePartialWrite     Code = "PARTIAL_WRITE"
	CodeNotReady         Code = "NOT_READY"
	CodeInternal         Code = "INTERNAL"
)

// Retryable reports whether an operation failing with this code may succeed
// if the caller tries again unchanged.
func (c Code) Retryable() bool {
	switch c {
	case CodeStoreUnavailable, CodePartialWrite, CodeConflict:
		return true
	default:
		return false
	}
}

// Error is a domain error with a code, message, and optional details.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target matches this error.
// Matches if target is an *Error with the same Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithDetails returns a new error with additional details.
func (e *Error) WithDetails(details any) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		cause:   e.cause,
	}
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(err error) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		cause:   err,
	}
}

// Sentinel errors for use with errors.Is().
var (
	ErrValidation       = &Error{Code: CodeValidation, Message: "validation error"}
	ErrNotFound         = &Error{Code: CodeNotFound, Message: "not found"}
	ErrStoreUnavailable = &Error{Code: CodeStoreUnavailable, Message: "store unavailable"}
	ErrSelfReference    = &Error{Code: CodeSelfReference, Message: "self reference"}
	ErrAlreadyExists    = &Error{Code: CodeAlreadyExists, Message: "already exists"}
	ErrConflict         = &Error{Code: CodeConflict, Message: "conflict"}
	ErrUnauthorized     = &Error{Code: CodeUnauthorized, Message: "unauthorized"}
	ErrForbidden        = &Error{Code: CodeForbidden, Message: "forbidden"}
	ErrPartialWrite     = &Error{Code: CodePartialWrite, Message: "partial write"}
	ErrNotReady         = &Error{Code: CodeNotReady, Message: "not ready"}
	ErrInternal         = &Error{Code: CodeInternal, Message: "internal error"}
)

// Retryable reports whether err carries a retryable code.
func Retryable(err error) bool {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Code.Retryable()
	}
	return false
}

// CodeOf returns the code carried by err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return CodeInternal
}

// Constructor functions for creating errors with custom messages.

// Validation creates a validation error.
func Validation(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg}
}

// Validationf creates a validation error with formatted message.
func Validationf(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// ValidationWithDetails creates a validation error with details.
func ValidationWithDetails(msg string, details any) *Error {
	return &Error{Code: CodeValidation, Message: msg, Details: details}
}

// NotFound creates a not found error.
func NotFound(msg string) *Error {
	return &Error{Code: CodeNotFound, Message: msg}
}

// NotFoundf creates a not found error with formatted message.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// StoreUnavailable wraps a transport failure.
func StoreUnavailable(err error, msg string) *Error {
	return &Error{Code: CodeStoreUnavailable, Message: msg, cause: err}
}

// StoreUnavailablef wraps a transport failure with formatted message.
func StoreUnavailablef(err error, format string, args ...any) *Error {
	return &Error{Code: CodeStoreUnavailable, Message: fmt.Sprintf(format, args...), cause: err}
}

// SelfReference creates a self reference error.
func SelfReference(msg string) *Error {
	return &Error{Code: CodeSelfReference, Message: msg}
}

// AlreadyExists creates an already exists error.
func AlreadyExists(msg string) *Error {
	return &Error{Code: CodeAlreadyExists, Message: msg}
}

// AlreadyExistsf creates an already exists error with formatted message.
func AlreadyExistsf(format string, args ...any) *Error {
	return &Error{Code: CodeAlreadyExists, Message: fmt.Sprintf(format, args...)}
}

// Conflict creates a conflict error.
func Conflict(msg string) *Error {
	return &Error{Code: CodeConflict, Message: msg}
}

// Conflictf creates a conflict error with formatted message.
func Conflictf(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized creates an unauthorized error.
func Unauthorized(msg string) *Error {
	return &Error{Code: CodeUnauthorized, Message: msg}
}

// Forbidden creates a forbidden error.
func Forbidden(msg string) *Error {
	return &Error{Code: CodeForbidden, Message: msg}
}

// PartialWrite reports a multi-step write that stopped part way.
func PartialWrite(err error, msg string, details any) *Error {
	return &Error{Code: CodePartialWrite, Message: msg, Details: details, cause: err}
}

// NotReady creates a not ready error.
func NotReady(msg string) *Error {
	return &Error{Code: CodeNotReady, Message: msg}
}

// Internal creates an internal error.
func Internal(msg string) *Error {
	return &Error{Code: CodeInternal, Message: msg}
}

// Wrap wraps an error with a code and message.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, cause: err}
}

// Wrapf wraps an error with a code and formatted message.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}
