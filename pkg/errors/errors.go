// Package errors is the error taxonomy shared by the collaboration core and
// its transports. Every failure a client can observe is an *AppError whose
// Type decides the HTTP status, the websocket error frame and whether the
// intent may be resubmitted.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

// ErrorType classifies an AppError
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "VALIDATION"
	ErrorTypeNotFound     ErrorType = "NOT_FOUND"
	ErrorTypeConflict     ErrorType = "CONFLICT"
	ErrorTypeUnauthorized ErrorType = "UNAUTHORIZED"
	ErrorTypeForbidden    ErrorType = "FORBIDDEN"
	ErrorTypeRateLimit    ErrorType = "RATE_LIMIT"

	// A store round trip failed; the same intent may be resubmitted.
	ErrorTypeTransientStore ErrorType = "TRANSIENT_STORE"
	// Events were dropped for a subscriber; it must re-fetch full state.
	ErrorTypeSubscriptionLost ErrorType = "SUBSCRIPTION_LOST"
	ErrorTypeSessionClosed    ErrorType = "SESSION_CLOSED"

	ErrorTypeInternal ErrorType = "INTERNAL"
)

var statusByType = map[ErrorType]int{
	ErrorTypeValidation:       http.StatusBadRequest,
	ErrorTypeNotFound:         http.StatusNotFound,
	ErrorTypeConflict:         http.StatusConflict,
	ErrorTypeUnauthorized:     http.StatusUnauthorized,
	ErrorTypeForbidden:        http.StatusForbidden,
	ErrorTypeRateLimit:        http.StatusTooManyRequests,
	ErrorTypeTransientStore:   http.StatusServiceUnavailable,
	ErrorTypeSubscriptionLost: http.StatusGone,
	ErrorTypeSessionClosed:    http.StatusGone,
	ErrorTypeInternal:         http.StatusInternalServerError,
}

// AppError is a classified failure
type AppError struct {
	Type       ErrorType              `json:"type"`
	Message    string                 `json:"message"`
	Code       string                 `json:"code,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	StackTrace string                 `json:"-"`
	HTTPStatus int                    `json:"-"`
}

func newAppError(t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		HTTPStatus: statusByType[t],
		StackTrace: callers(),
	}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithCode sets a machine readable code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// WithDetails attaches structured details
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

// WithCause records the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

// Retryable reports whether the caller may resubmit the same intent unchanged.
func (e *AppError) Retryable() bool {
	return e.Type == ErrorTypeTransientStore || e.Type == ErrorTypeSubscriptionLost
}

// callers renders the stack of whoever built the error, skipping the
// constructor frames
func callers() string {
	var pcs [32]uintptr
	n := runtime.Callers(4, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "%s:%d %s\n", frame.File, frame.Line, frame.Function)
		if !more {
			break
		}
	}
	return b.String()
}

func NewValidationError(message string) *AppError {
	return newAppError(ErrorTypeValidation, message)
}

// NewNotFoundError reports a missing resource, e.g. NewNotFoundError("relation")
func NewNotFoundError(resource string) *AppError {
	return newAppError(ErrorTypeNotFound, resource+" not found")
}

func NewConflictError(message string) *AppError {
	return newAppError(ErrorTypeConflict, message)
}

func NewUnauthorizedError(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return newAppError(ErrorTypeUnauthorized, message)
}

func NewForbiddenError(message string) *AppError {
	if message == "" {
		message = "forbidden"
	}
	return newAppError(ErrorTypeForbidden, message)
}

func NewInternalError(message string) *AppError {
	return newAppError(ErrorTypeInternal, message)
}

func NewRateLimitError(limit int, window string) *AppError {
	return newAppError(ErrorTypeRateLimit,
		fmt.Sprintf("rate limit exceeded: %d requests per %s", limit, window))
}

// NewTransientStoreError wraps a failed graph store call. operation names
// the store method, e.g. "createRelation".
func NewTransientStoreError(operation string, err error) *AppError {
	e := newAppError(ErrorTypeTransientStore, fmt.Sprintf("graph store operation '%s' failed", operation))
	e.Cause = err
	return e
}

func NewSubscriptionLostError(topic string) *AppError {
	return newAppError(ErrorTypeSubscriptionLost,
		fmt.Sprintf("subscription to '%s' lost events, re-fetch required", topic))
}

func NewSessionClosedError(sessionID string) *AppError {
	return newAppError(ErrorTypeSessionClosed, fmt.Sprintf("session '%s' is closed", sessionID))
}

// GetAppError returns the first AppError in err's chain, or nil
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// IsType reports whether err's chain holds an AppError of type t
func IsType(err error, t ErrorType) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Type == t
}

func IsNotFound(err error) bool         { return IsType(err, ErrorTypeNotFound) }
func IsValidation(err error) bool       { return IsType(err, ErrorTypeValidation) }
func IsUnauthorized(err error) bool     { return IsType(err, ErrorTypeUnauthorized) }
func IsConflict(err error) bool         { return IsType(err, ErrorTypeConflict) }
func IsTransient(err error) bool        { return IsType(err, ErrorTypeTransientStore) }
func IsSubscriptionLost(err error) bool { return IsType(err, ErrorTypeSubscriptionLost) }
func IsSessionClosed(err error) bool    { return IsType(err, ErrorTypeSessionClosed) }

// Wrap prefixes the message of an AppError without mutating it. Anything
// else becomes INTERNAL with err as the cause.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	if appErr := GetAppError(err); appErr != nil {
		wrapped := *appErr
		wrapped.Message = message + ": " + appErr.Message
		return &wrapped
	}

	return NewInternalError(message).WithCause(err)
}

func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}
