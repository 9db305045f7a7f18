package engine

import (
	"errors"
)

// TerminalError is a non-retryable failure. Engines never retry an activity
// that returns a TerminalError, and a workflow failing with one is surfaced to
// the caller as is.
//
// Two terminal errors match with errors.Is when their codes are equal, so
// sentinel values keep their identity after crossing an engine boundary that
// only preserves the code and the message.
type TerminalError struct {
	// Code classifies the failure (e.g. "agent_not_found").
	Code string
	// Message is the human-readable description.
	Message string

	cause error
}

// NewTerminal returns a terminal error with the given code and message.
func NewTerminal(code, message string) *TerminalError {
	return &TerminalError{Code: code, Message: message}
}

// Terminal wraps err into a terminal error with the given code. It returns nil
// when err is nil.
func Terminal(code string, err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Code: code, Message: err.Error(), cause: err}
}

// IsTerminal reports whether err carries a TerminalError.
func IsTerminal(err error) bool {
	_, ok := AsTerminal(err)
	return ok
}

// AsTerminal returns the first TerminalError in err's chain.
func AsTerminal(err error) (*TerminalError, bool) {
	var te *TerminalError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

func (e *TerminalError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

// Unwrap returns the wrapped error, if any.
func (e *TerminalError) Unwrap() error { return e.cause }

// Is matches terminal errors by code.
func (e *TerminalError) Is(target error) bool {
	t, ok := target.(*TerminalError)
	return ok && t.Code != "" && t.Code == e.Code
}
