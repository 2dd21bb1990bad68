// Package errors defines the error taxonomy shared by the sync and compliance
// services and mapped to HTTP responses by the API layer.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	ErrInternal          ErrorCode = "INTERNAL_ERROR"
	ErrValidation        ErrorCode = "VALIDATION_ERROR"
	ErrUnknownTable      ErrorCode = "UNKNOWN_TABLE"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrPermission        ErrorCode = "PERMISSION_DENIED"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrConcurrency       ErrorCode = "CONCURRENCY_CONFLICT"
	ErrAlreadyResolved   ErrorCode = "ALREADY_RESOLVED"
	ErrImmutable         ErrorCode = "IMMUTABLE"
	ErrLockNotAcquired   ErrorCode = "LOCK_NOT_ACQUIRED"
)

// AppError carries a code alongside a human readable message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether err, or anything it wraps, is an AppError with code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the first AppError in err's chain, or
// ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// MessageOf returns the message of the first AppError in err's chain, falling
// back to err.Error().
func MessageOf(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
