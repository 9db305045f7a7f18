package runtime

import (
	"errors"
	"fmt"

	"goa.design/relay/runtime/agent/engine"
)

// Terminal turn failures. They carry a stable code so errors.Is matches them
// after crossing the engine boundary.
var (
	// ErrAgentNotFound indicates the active agent is not in the registry.
	ErrAgentNotFound = engine.NewTerminal("agent_not_found", "agent not found")
	// ErrMaxTurnsExceeded indicates the turn reached its model call cap.
	ErrMaxTurnsExceeded = engine.NewTerminal("max_turns_exceeded", "max turns exceeded")
	// ErrApprovalOngoing indicates an approval is already outstanding for the
	// entity a tool call addresses.
	ErrApprovalOngoing = engine.NewTerminal("approval_ongoing", "an approval is already ongoing for this entity")
	// ErrModelFailed indicates the model call failed after its retries.
	ErrModelFailed = engine.NewTerminal("model_failed", "model call failed")
)

var (
	// ErrSessionRequired indicates a turn was requested without a session id.
	ErrSessionRequired = errors.New("session id is required")
	// ErrNotRegistered indicates a turn was requested before Register.
	ErrNotRegistered = errors.New("runtime not registered")
	// ErrTurnInProgress indicates another turn of the session is running,
	// possibly in another process.
	ErrTurnInProgress = errors.New("a turn is already in progress for this session")
)

// terminalf returns a terminal error with the code of sentinel and a
// formatted message.
func terminalf(sentinel *engine.TerminalError, format string, args ...any) error {
	return engine.Terminal(sentinel.Code, fmt.Errorf(format, args...))
}
