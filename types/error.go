package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the framework.
type ErrorCode string

// Flow construction error codes
const (
	ErrFlowValidation     ErrorCode = "FLOW_VALIDATION"
	ErrInvalidConfig      ErrorCode = "INVALID_CONFIG"
	ErrPropertyValidation ErrorCode = "PROPERTY_VALIDATION"
)

// Execution error codes
const (
	ErrResumePrecondition ErrorCode = "RESUME_PRECONDITION"
	ErrStepFailed         ErrorCode = "STEP_FAILED"
	ErrMaxTrialsExceeded  ErrorCode = "MAX_TRIALS_EXCEEDED"
	ErrConversationState  ErrorCode = "CONVERSATION_STATE"
	ErrToolExecution      ErrorCode = "TOOL_EXECUTION"
	ErrAuthRequired       ErrorCode = "AUTH_REQUIRED"
)

// Serialization and storage error codes
const (
	ErrSerialization ErrorCode = "SERIALIZATION"
	ErrNotFound      ErrorCode = "NOT_FOUND"
	ErrStorage       ErrorCode = "STORAGE"
)

// LLM error codes
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrRateLimit          ErrorCode = "RATE_LIMIT"
	ErrContextTooLong     ErrorCode = "CONTEXT_TOO_LONG"
	ErrUpstreamTimeout    ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUpstreamError      ErrorCode = "UPSTREAM_ERROR"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Field     string    `json:"field,omitempty"`
	Retryable bool      `json:"retryable"`
	Provider  string    `json:"provider,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s (field %q)", msg, e.Field)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
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

// WithField records the offending field path.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
