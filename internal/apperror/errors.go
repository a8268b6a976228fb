// Package apperror provides domain-specific error types for buildboard.
// AppError carries an HTTP status code and a user-safe message; the Echo
// error handler maps it to a response. The login pipeline additionally uses
// the sentinel taxonomy in kinds.go so every failure has a stable Kind.
//
// NEVER return raw upstream or backend errors to the client. Wrap them in an
// apperror type or return a generic internal error.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is the base error type for errors that end an HTTP request. It
// carries an HTTP status code, a machine-readable error type, and a message
// safe to show to the client.
type AppError struct {
	// Code is the HTTP status code (e.g., 404, 400, 500).
	Code int `json:"-"`

	// Type is a machine-readable error classifier (e.g., "not_found").
	Type string `json:"type"`

	// Message is a human-readable description safe for the client.
	Message string `json:"message"`

	// Internal holds the underlying error for logging. Never exposed to client.
	Internal error `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Internal == nil {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s (internal: %v)", e.Type, e.Message, e.Internal)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Internal
}

func newError(code int, typ, message string, internal error) *AppError {
	return &AppError{Code: code, Type: typ, Message: message, Internal: internal}
}

// NewNotFound creates a 404. The auth repository also returns it for
// accounts the backend store does not know.
func NewNotFound(message string) *AppError {
	return newError(http.StatusNotFound, "not_found", message, nil)
}

// NewBadRequest creates a 400.
func NewBadRequest(message string) *AppError {
	return newError(http.StatusBadRequest, "bad_request", message, nil)
}

// NewUnauthorized creates a 401.
func NewUnauthorized(message string) *AppError {
	return newError(http.StatusUnauthorized, "unauthorized", message, nil)
}

// NewForbidden creates a 403.
func NewForbidden(message string) *AppError {
	return newError(http.StatusForbidden, "forbidden", message, nil)
}

// NewServiceUnavailable creates a 503 for a dependency (backend store,
// identity provider) that could not be reached. The cause is kept for logs.
func NewServiceUnavailable(err error) *AppError {
	return newError(http.StatusServiceUnavailable, "service_unavailable",
		"The service is temporarily unavailable. Please try again later.", err)
}

// NewInternal creates a 500. The real error is stored in Internal for
// logging; the client only sees a generic message.
func NewInternal(err error) *AppError {
	return newError(http.StatusInternalServerError, "internal_error",
		"An unexpected error occurred. Please try again.", err)
}

// IsNotFound reports whether err is (or wraps) a 404 AppError.
func IsNotFound(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == http.StatusNotFound
}
