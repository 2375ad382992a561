package event

import (
	"errors"
	"fmt"
)

// Event bus errors
var (
	ErrBusClosed      = errors.New("event bus is closed")
	ErrInvalidHandler = errors.New("invalid handler: name and handler are required")
	ErrInvalidEvent   = errors.New("invalid event: name and payload are required")
	ErrHandlerFailed  = errors.New("event handler failed")
	ErrPayloadDecode  = errors.New("failed to decode event payload")
)

// HandlerError reports a handler that failed on its last attempt.
//
// It matches both ErrHandlerFailed and the handler's own error with errors.Is.
type HandlerError struct {
	Handler  string
	Event    string
	Attempts int
	Err      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed to handle %s after %d attempt(s): %v",
		e.Handler, e.Event, e.Attempts, e.Err)
}

// Unwrap returns ErrHandlerFailed and the underlying error.
func (e *HandlerError) Unwrap() []error {
	return []error{ErrHandlerFailed, e.Err}
}

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}
