package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the coordination core.
type ErrorCode string

// Validation and state errors
const (
	ErrCodeValidation        ErrorCode = "VALIDATION"
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists     ErrorCode = "ALREADY_EXISTS"
	ErrCodeConflict          ErrorCode = "CONFLICT"
)

// Capacity and availability errors
const (
	ErrCodeCapacity    ErrorCode = "CAPACITY"
	ErrCodeTimeout     ErrorCode = "TIMEOUT"
	ErrCodeRetryable   ErrorCode = "RETRYABLE"
	ErrCodeTerminal    ErrorCode = "TERMINAL"
	ErrCodeStoreClosed ErrorCode = "STORE_CLOSED"
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"
	ErrCodeInternal    ErrorCode = "INTERNAL"
)

// Error represents a structured error with code, message, and retry hint.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// NewValidationError creates a VALIDATION error.
func NewValidationError(format string, args ...any) *Error {
	return Errorf(ErrCodeValidation, format, args...)
}

// NewNotFoundError creates a NOT_FOUND error.
func NewNotFoundError(format string, args ...any) *Error {
	return Errorf(ErrCodeNotFound, format, args...)
}

// NewAlreadyExistsError creates an ALREADY_EXISTS error.
func NewAlreadyExistsError(format string, args ...any) *Error {
	return Errorf(ErrCodeAlreadyExists, format, args...)
}

// NewCapacityError creates a CAPACITY error. Capacity errors are retryable:
// the caller may try again once the backlog drains.
func NewCapacityError(format string, args ...any) *Error {
	return Errorf(ErrCodeCapacity, format, args...).WithRetryable(true)
}

// NewTimeoutError creates a TIMEOUT error.
func NewTimeoutError(format string, args ...any) *Error {
	return Errorf(ErrCodeTimeout, format, args...).WithRetryable(true)
}

// NewRetryableError creates a RETRYABLE error wrapping a transient cause.
func NewRetryableError(message string, cause error) *Error {
	return NewError(ErrCodeRetryable, message).WithCause(cause).WithRetryable(true)
}

// NewTerminalError creates a TERMINAL error. Terminal errors must never be
// retried; the task or workflow that hit one is finished.
func NewTerminalError(format string, args ...any) *Error {
	return Errorf(ErrCodeTerminal, format, args...)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
