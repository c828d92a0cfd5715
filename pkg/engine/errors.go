package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: a docker daemon restarting, an S3 request timing out.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: malformed manifest, unknown intent, corrupt state file.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the taxonomy code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource names what the error is about: a path, a service, or a service:state key.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Resource != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when their class and code match.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// None of the configuration errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// CodeOf returns the taxonomy code of err, or "" when err is not an EngineError.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Error codes.
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeParse           = "PARSE_ERROR"
	ErrCodeSchema          = "SCHEMA_ERROR"
	ErrCodeServiceNotFound = "SERVICE_NOT_FOUND"
	ErrCodeStateNotFound   = "STATE_NOT_FOUND"
	ErrCodeNoIntents       = "NO_INTENTS"
	ErrCodeIntentNotFound  = "INTENT_NOT_FOUND"
	ErrCodeCorruptState    = "CORRUPT_STATE"
	ErrCodeObserverFailed  = "OBSERVER_FAILED"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// Sentinels for errors.Is. They carry no message; match only on class and code.
var (
	ErrNotFound        = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound}
	ErrParse           = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeParse}
	ErrSchema          = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeSchema}
	ErrServiceNotFound = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeServiceNotFound}
	ErrStateNotFound   = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeStateNotFound}
	ErrNoIntents       = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNoIntents}
	ErrIntentNotFound  = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeIntentNotFound}
	ErrCorruptState    = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCorruptState}
)
