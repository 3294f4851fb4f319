package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies engine errors by how they are handled.
type ErrorCode string

const (
	// ErrCodeConfig marks invalid construction-time options. Never retried.
	ErrCodeConfig ErrorCode = "CONFIG"
	// ErrCodeTransport marks relay connect/send failures. Retried with bounded backoff.
	ErrCodeTransport ErrorCode = "TRANSPORT"
	// ErrCodeNegotiation marks malformed or collided signals. Resolved by protocol rule.
	ErrCodeNegotiation ErrorCode = "NEGOTIATION"
	// ErrCodeMedia marks local capture failures. Propagated to the caller, not retried.
	ErrCodeMedia ErrorCode = "MEDIA"
	// ErrCodeConnectivity marks ICE/connection failures. Handled by reconnection.
	ErrCodeConnectivity ErrorCode = "CONNECTIVITY"
	// ErrCodeResourceLimit marks exceeded limits (e.g. max peers). Raised synchronously.
	ErrCodeResourceLimit ErrorCode = "RESOURCE_LIMIT"
)

// EngineError is an error with a handling-taxonomy code and structured context.
type EngineError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// WithContext attaches a key/value pair to the error and returns it.
func (e *EngineError) WithContext(key string, value interface{}) *EngineError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates an EngineError with the given code.
func New(code ErrorCode, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// Wrap wraps an existing error with a code.
func Wrap(err error, code ErrorCode, message string) *EngineError {
	return &EngineError{Code: code, Message: message, Cause: err}
}

func NewConfigError(message string) *EngineError {
	return New(ErrCodeConfig, message)
}

func NewTransportError(message string, cause error) *EngineError {
	return Wrap(cause, ErrCodeTransport, message)
}

func NewNegotiationError(message string) *EngineError {
	return New(ErrCodeNegotiation, message)
}

func NewMediaError(message string, cause error) *EngineError {
	return Wrap(cause, ErrCodeMedia, message)
}

func NewConnectivityError(message string, cause error) *EngineError {
	return Wrap(cause, ErrCodeConnectivity, message)
}

func NewResourceLimitError(message string) *EngineError {
	return New(ErrCodeResourceLimit, message)
}

// CodeOf returns the code of the first EngineError in the chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
