package types

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a semantic error kind shared across the service.
// Codes are not HTTP status codes; each maps to one by default but a
// specific error can override HTTPStatus. provider_transient and
// provider_rate_limit are internal-only: the translation pipeline
// catches and translates them
// before they ever reach an HTTP response.
type ErrorCode string

const (
	ErrValidation        ErrorCode = "validation"
	ErrAuthentication    ErrorCode = "authentication"
	ErrAuthorization     ErrorCode = "authorization"
	ErrNotFound          ErrorCode = "not_found"
	ErrConflict          ErrorCode = "conflict"
	ErrUnprocessable     ErrorCode = "unprocessable"
	ErrRateLimited       ErrorCode = "rate_limited"
	ErrProviderTransient ErrorCode = "provider_transient"
	ErrProviderAuth      ErrorCode = "provider_auth"
	ErrProviderRateLimit ErrorCode = "provider_rate_limit"
	ErrCostLimit         ErrorCode = "cost_limit"
	ErrContentFiltered   ErrorCode = "content_filtered"
	ErrKVUnavailable     ErrorCode = "kv_unavailable"
	ErrTimeout           ErrorCode = "timeout"
	ErrInternal          ErrorCode = "internal"
)

// defaultHTTPStatus is the Code -> HTTP status mapping.
var defaultHTTPStatus = map[ErrorCode]int{
	ErrValidation:      http.StatusBadRequest,
	ErrAuthentication:  http.StatusUnauthorized,
	ErrAuthorization:   http.StatusForbidden,
	ErrNotFound:        http.StatusNotFound,
	ErrConflict:        http.StatusConflict,
	ErrUnprocessable:   http.StatusUnprocessableEntity,
	ErrRateLimited:     http.StatusTooManyRequests,
	ErrProviderAuth:    http.StatusServiceUnavailable,
	ErrCostLimit:       http.StatusUnprocessableEntity,
	ErrContentFiltered: http.StatusUnprocessableEntity,
	ErrKVUnavailable:   http.StatusServiceUnavailable,
	ErrTimeout:         http.StatusGatewayTimeout,
	ErrInternal:        http.StatusInternalServerError,
}

// Error is a structured error carrying a semantic code, a safe message,
// an HTTP status, a retryability flag, and an optional cause. Never put
// internal exception text, stack traces, or secrets into Message.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"-"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Field      string    `json:"field,omitempty"`
	RetryAfter float64   `json:"retry_after,omitempty"`
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

// NewError creates a new Error, filling HTTPStatus from the default
// mapping unless later overridden with WithHTTPStatus.
func NewError(code ErrorCode, message string) *Error {
	status, ok := defaultHTTPStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{Code: code, Message: message, HTTPStatus: status}
}

// WithCause attaches the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus overrides the HTTP status.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider records the originating provider id.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithField records the offending request field for validation errors.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// WithRetryAfter records seconds a caller should wait before retrying
// (rate_limited, provider_rate_limit).
func (e *Error) WithRetryAfter(seconds float64) *Error {
	e.RetryAfter = seconds
	return e
}

// IsRetryable reports whether err is an *Error marked retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the ErrorCode from err, or "" if err is not an *Error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// AsError extracts *Error from err, if it is one.
func AsError(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
