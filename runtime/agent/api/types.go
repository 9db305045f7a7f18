// Package api defines the types that cross workflow and activity boundaries in
// the orchestration runtime. Every type in this package must round-trip
// through JSON: engines journal them and replay them after a crash.
package api

import (
	"encoding/json"
	"time"

	"goa.design/relay/runtime/agent"
	"goa.design/relay/runtime/agent/approval"
	"goa.design/relay/runtime/agent/model"
	"goa.design/relay/runtime/agent/session"
	"goa.design/relay/runtime/agent/stream"
	"goa.design/relay/runtime/agent/toolerrors"
)

type (
	// AgentInput is the caller request for one call to RunTurn.
	AgentInput struct {
		// StartingAgent is the agent used when the session has no active agent
		// yet, or always when ForceStartingAgent is set.
		StartingAgent agent.Ident `json:"starting_agent"`
		// Agents restricts the agents that may participate in the turn. Empty
		// means every registered agent.
		Agents []agent.Ident `json:"agents,omitempty"`
		// Message is the user message appended to the session.
		Message string `json:"message"`
		// ForceStartingAgent overrides the persisted active agent with
		// StartingAgent.
		ForceStartingAgent bool `json:"force_starting_agent,omitempty"`
		// MaxTurns caps the number of model calls for this request. Zero uses
		// the runtime default.
		MaxTurns int `json:"max_turns,omitempty"`
	}

	// TurnInput is the input of the turn workflow.
	TurnInput struct {
		// SessionID identifies the session.
		SessionID string `json:"session_id"`
		// TurnID identifies this turn in events and approval correlation ids.
		TurnID string `json:"turn_id"`
		// Input is the caller request.
		Input AgentInput `json:"input"`
	}

	// AgentResponse is the terminal result of a turn.
	AgentResponse struct {
		// Agent is the active agent at the end of the turn.
		Agent agent.Ident `json:"agent"`
		// NewItems lists the session items produced by this call, starting with
		// the user message.
		NewItems []session.Item `json:"new_items"`
		// FinalOutput is the last text message produced by the model.
		FinalOutput string `json:"final_output"`
	}

	// ToolCall is a tool invocation requested by the model.
	ToolCall struct {
		// ID is the model-assigned call identifier.
		ID string `json:"id"`
		// Name is the tool name.
		Name string `json:"name"`
		// Key addresses a keyed component. Required iff the tool is keyed.
		Key string `json:"key,omitempty"`
		// Payload is the request payload.
		Payload json.RawMessage `json:"payload,omitempty"`
		// Delay schedules the call without awaiting its result. Nil means the
		// call is executed and awaited. Zero is a set delay.
		Delay *time.Duration `json:"delay,omitempty"`
	}

	// LoadSessionInput is the input of the load session activity.
	LoadSessionInput struct {
		SessionID string `json:"session_id"`
	}

	// LoadSessionOutput is the output of the load session activity.
	LoadSessionOutput struct {
		// Found is false when the session has no persisted state yet.
		Found bool          `json:"found"`
		State session.State `json:"state"`
	}

	// SaveSessionInput is the input of the save session activity.
	SaveSessionInput struct {
		State session.State `json:"state"`
	}

	// ModelActivityInput is the input of the model activity.
	ModelActivityInput struct {
		SessionID string         `json:"session_id"`
		TurnID    string         `json:"turn_id"`
		Agent     agent.Ident    `json:"agent"`
		Request   *model.Request `json:"request"`
	}

	// ModelActivityOutput is the output of the model activity.
	ModelActivityOutput struct {
		Response *model.Response `json:"response"`
	}

	// ToolActivityInput is the input of the tool activity.
	ToolActivityInput struct {
		SessionID string          `json:"session_id"`
		TurnID    string          `json:"turn_id"`
		CallID    string          `json:"call_id"`
		Tool      string          `json:"tool"`
		Target    agent.Target    `json:"target"`
		Key       string          `json:"key,omitempty"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}

	// ToolActivityOutput is the output of the tool activity. Exactly one of
	// Result and Error is set.
	ToolActivityOutput struct {
		Result json.RawMessage       `json:"result,omitempty"`
		Error  *toolerrors.ToolError `json:"error,omitempty"`
	}

	// ApprovalActivityInput is the input of the approval store activity.
	ApprovalActivityInput struct {
		Op      ApprovalOp       `json:"op"`
		Pending approval.Pending `json:"pending"`
	}

	// ApprovalOp enumerates approval store operations.
	ApprovalOp string

	// EventActivityInput is the input of the event publishing activity.
	EventActivityInput struct {
		Event stream.Event `json:"event"`
	}
)

const (
	// ApprovalRegister records a pending approval.
	ApprovalRegister ApprovalOp = "register"
	// ApprovalClear removes a pending approval.
	ApprovalClear ApprovalOp = "clear"
)

const (
	// SignalApprovalDecision delivers an approval.Decision to a waiting turn.
	SignalApprovalDecision = "relay.approval.decision"
)

// Scheduled reports whether the call carries a delay.
func (c ToolCall) Scheduled() bool {
	return c.Delay != nil
}
