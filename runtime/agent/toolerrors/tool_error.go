// Package toolerrors provides the structured error type tool components return
// to report a terminal, per-call failure. A ToolError is never retried: the
// orchestration loop records its message in the failing call's result slot and
// lets sibling calls complete. Any other error returned by a component is
// treated as an infrastructure failure and retried by the engine.
package toolerrors

import (
	"errors"
	"fmt"
)

// ToolError represents a terminal tool failure. Tool errors may be nested via
// Cause to retain diagnostics; the chain survives JSON serialization.
type ToolError struct {
	// Message is the human-readable summary of the failure. It is what the
	// model sees in the call's result slot.
	Message string `json:"message"`
	// Cause links to the underlying tool error.
	Cause *ToolError `json:"cause,omitempty"`
}

// New constructs a ToolError with the provided message.
func New(message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Message: message}
}

// NewWithCause constructs a ToolError that wraps cause.
func NewWithCause(message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{Message: message, Cause: FromError(cause)}
}

// FromError converts an arbitrary error into a ToolError chain.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{Message: err.Error(), Cause: FromError(errors.Unwrap(err))}
}

// Errorf formats according to a format specifier and returns a ToolError.
func Errorf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}

// Is reports whether err carries a ToolError anywhere in its chain.
func Is(err error) bool {
	var te *ToolError
	return errors.As(err, &te)
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying tool error.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}
