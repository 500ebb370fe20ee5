// Package apierr defines the error taxonomy shared by every service in the
// fabric. Each error carries a machine-readable code that maps onto exactly
// one HTTP status, so handlers never pick status codes ad hoc.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Code identifies the error class.
type Code string

const (
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeForbidden           Code = "FORBIDDEN"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeConflict            Code = "CONFLICT"
	CodeExpired             Code = "EXPIRED"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeUpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
	CodeInternal            Code = "INTERNAL"
)

// Error is the taxonomy error. Details is optional structured context that
// ends up verbatim in the HTTP body.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a taxonomy error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a taxonomy error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a taxonomy error.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetails attaches structured context.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// Retryable reports whether the caller may retry the operation.
// Only rate-limit denials and upstream outages are transient.
func (e *Error) Retryable() bool {
	return e.Code == CodeRateLimited || e.Code == CodeUpstreamUnavailable
}

// HTTPStatus maps a code to its HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInsufficientBalance:
		return http.StatusPaymentRequired
	case CodeConflict:
		return http.StatusConflict
	case CodeExpired:
		return http.StatusGone
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// body is the wire shape of every error response.
type body struct {
	Error   bool                   `json:"error"`
	Code    Code                   `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteHTTP renders err as a JSON error response. Unknown error types are
// masked as INTERNAL so internals never leak to callers.
func WriteHTTP(w http.ResponseWriter, err error) {
	var ae *Error
	if !errors.As(err, &ae) {
		ae = &Error{Code: CodeInternal, Message: "internal error"}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(ae.Code))
	json.NewEncoder(w).Encode(body{
		Error:   true,
		Code:    ae.Code,
		Message: ae.Message,
		Details: ae.Details,
	})
}

// CodeOf extracts the taxonomy code from any error, defaulting to INTERNAL.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}
