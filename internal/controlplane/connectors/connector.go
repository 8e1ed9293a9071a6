// Package connectors holds the connector contract, the write-once
// implementation registry, the persisted connector records, and the
// invoker that validates, times out and normalizes every call.
package connectors

import (
	"context"
	"errors"
	"fmt"
)

// Connector adapts one external service. Implementations are registered
// by type at startup and looked up through persisted connector records.
type Connector interface {
	// Type is the implementation key ("noop", "http", "database", ...).
	Type() string
	// Actions declares the typed input schema per action.
	Actions() map[string]ActionSchema
	// Execute performs one action. Errors should be *Error; anything
	// else is normalized to INTERNAL_ERROR.
	Execute(ctx context.Context, action string, inputs map[string]any, config map[string]any) (map[string]any, error)
}

// Normalized error codes (closed set).
const (
	CodeTimeout            = "CONNECTOR_TIMEOUT"
	CodeConnectionFailed   = "CONNECTION_FAILED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeAuthFailed         = "AUTH_FAILED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeInvalidAction      = "INVALID_ACTION"
	CodeInternal           = "INTERNAL_ERROR"
	CodeNotImplemented     = "NOT_IMPLEMENTED"
)

var retryableCodes = map[string]bool{
	CodeTimeout:            true,
	CodeConnectionFailed:   true,
	CodeServiceUnavailable: true,
	CodeRateLimited:        true,
}

// Error is a classified connector failure. Retryable errors feed the
// engine's retry policy; everything else falls through to on_failure.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a classified error; retryability is derived from the
// code.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: retryableCodes[code]}
}

func Errorf(code, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Normalize coerces any error into the closed set. Context deadline
// errors become CONNECTOR_TIMEOUT.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var cerr *Error
	if errors.As(err, &cerr) {
		cerr.Retryable = retryableCodes[cerr.Code]
		return cerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(CodeTimeout, "connector call timed out")
	}
	if errors.Is(err, context.Canceled) {
		return NewError(CodeTimeout, "connector call canceled")
	}
	return NewError(CodeInternal, err.Error())
}

// FromHTTPStatus maps an upstream status code to a normalized error.
func FromHTTPStatus(status int, message string) *Error {
	switch {
	case status == 401 || status == 403:
		return NewError(CodeAuthFailed, message)
	case status == 404:
		return NewError(CodeNotFound, message)
	case status == 429:
		return NewError(CodeRateLimited, message)
	case status >= 500:
		return NewError(CodeServiceUnavailable, message)
	case status >= 400:
		return NewError(CodeInvalidInput, message)
	default:
		return NewError(CodeInternal, message)
	}
}
