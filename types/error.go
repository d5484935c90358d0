package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the execution core.
type ErrorCode string

// Request-path error codes.
const (
	ErrValidation        ErrorCode = "VALIDATION"
	ErrFeatureNotAllowed ErrorCode = "FEATURE_NOT_ALLOWED"
	ErrRateLimited       ErrorCode = "RATE_LIMITED"
	ErrQueueFull         ErrorCode = "QUEUE_FULL"
	ErrNotFound          ErrorCode = "NOT_FOUND"
)

// Upstream and infrastructure error codes.
const (
	ErrUpstreamTransient ErrorCode = "UPSTREAM_TRANSIENT"
	ErrUpstreamPermanent ErrorCode = "UPSTREAM_PERMANENT"
	ErrUpstreamExhausted ErrorCode = "UPSTREAM_EXHAUSTED"
	ErrPersistence       ErrorCode = "PERSISTENCE"
	ErrInternal          ErrorCode = "INTERNAL"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	// RetryAfterMs carries the throttling hint for RATE_LIMITED errors.
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"`
	Cause        error `json:"-"`
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

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRetryAfterMs sets the throttling hint in milliseconds.
func (e *Error) WithRetryAfterMs(ms int64) *Error {
	e.RetryAfterMs = ms
	return e
}

// IsRetryable reports whether an error should be retried by the queue.
// Errors that are not *Error are treated as transient upstream failures.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return err != nil
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
