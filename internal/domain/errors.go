// Package domain contains domain errors used throughout the application.
package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionActive    = errors.New("session is currently running")
	ErrSessionNotActive = errors.New("session is not running")
	ErrNotLive          = errors.New("operation requires a live session")
	ErrUnknownKind      = errors.New("unknown session kind")
	ErrUnknownEvent     = errors.New("unknown event kind")
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrNoRoutes         = errors.New("session has no trading routes")
	ErrSubscriberClosed = errors.New("subscriber closed")
)

// Error codes for client responses.
const (
	ErrCodeSessionNotFound = "SESSION_NOT_FOUND"
	ErrCodeSessionActive   = "SESSION_ACTIVE"
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeTransport       = "TRANSPORT_ERROR"
	ErrCodeInvalidPayload  = "INVALID_PAYLOAD"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

// ValidationError is a precondition violation detected locally, before any
// command reaches the network.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// TransportError is a non-success response (or no response at all) from a
// backend command.
type TransportError struct {
	Op         string // Command that failed
	StatusCode int    // HTTP status, 0 if the request never completed
	Message    string // Server-provided message
	Err        error  // Underlying error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op + ": transport failure"
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Advisory returns the text shown to the user for this failure. The server
// message wins when present.
func (e *TransportError) Advisory() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error()
}

// NewTransportError creates a new TransportError.
func NewTransportError(op string, statusCode int, message string, err error) *TransportError {
	return &TransportError{
		Op:         op,
		StatusCode: statusCode,
		Message:    message,
		Err:        err,
	}
}

// AdvisoryMessage extracts the one-shot message to surface for a command
// failure.
func AdvisoryMessage(err error) string {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Advisory()
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}
	return err.Error()
}

// ErrorCode maps an error to its client-facing code.
func ErrorCode(err error) string {
	var ve *ValidationError
	var te *TransportError
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return ErrCodeSessionNotFound
	case errors.Is(err, ErrSessionActive), errors.Is(err, ErrSessionNotActive):
		return ErrCodeSessionActive
	case errors.As(err, &ve), errors.Is(err, ErrNotLive):
		return ErrCodeValidation
	case errors.As(err, &te):
		return ErrCodeTransport
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrUnknownKind):
		return ErrCodeInvalidPayload
	}
	return ErrCodeInternalError
}
