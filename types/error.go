package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the stack.
type ErrorCode string

// Request-level error codes.
const (
	ErrInvalidRequest  ErrorCode = "INVALID_REQUEST"
	ErrNotFound        ErrorCode = "NOT_FOUND"
	ErrUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrAuthFailed      ErrorCode = "AUTH_FAILED"
	ErrForbidden       ErrorCode = "FORBIDDEN"
	ErrCSRFInvalid     ErrorCode = "CSRF_INVALID"
	ErrRateLimited     ErrorCode = "RATE_LIMITED"
	ErrRequestTimeout  ErrorCode = "REQUEST_TIMEOUT"
	ErrPayloadTooLarge ErrorCode = "PAYLOAD_TOO_LARGE"
)

// Resource-protection error codes.
const (
	ErrConnectionLimit ErrorCode = "CONNECTION_LIMIT"
	ErrMemoryPressure  ErrorCode = "MEMORY_PRESSURE"
)

// Delegation and client error codes. AGENT_NOT_FOUND carries no HTTP status
// when raised locally by the outbound client; it is never retried.
const (
	ErrAgentNotFound ErrorCode = "AGENT_NOT_FOUND"
	ErrAgentBusy     ErrorCode = "AGENT_BUSY"
)

// Infrastructure error codes.
const (
	ErrUnavailable   ErrorCode = "UNAVAILABLE"
	ErrInternalError ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	AgentID    string    `json:"agent_id,omitempty"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds, for RATE_LIMITED
	Cause      error     `json:"-"`
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

// WithAgentID attaches the target agent for context.
func (e *Error) WithAgentID(agentID string) *Error {
	e.AgentID = agentID
	return e
}

// WithRetryAfter sets the wait hint in seconds.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
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

// HTTPStatusFor maps an error code to its HTTP status. Codes without a
// protocol-level status (local client errors) map to 0.
func HTTPStatusFor(code ErrorCode) int {
	switch code {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrUnauthorized, ErrAuthFailed:
		return http.StatusUnauthorized
	case ErrForbidden, ErrCSRFInvalid:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrRequestTimeout:
		return http.StatusRequestTimeout
	case ErrPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrAgentBusy:
		return http.StatusConflict
	case ErrConnectionLimit, ErrMemoryPressure, ErrUnavailable:
		return http.StatusServiceUnavailable
	case ErrInternalError:
		return http.StatusInternalServerError
	case ErrAgentNotFound:
		return 0
	default:
		return http.StatusInternalServerError
	}
}
