// Package session defines the durable per-session conversation state and the
// store contract used to persist it between turns.
//
// A session is a long-lived keyed entity: it is created by the first message
// sent for a session ID and is never explicitly destroyed. Exactly one turn at
// a time owns and mutates a session's state.
package session

import (
	"context"
	"errors"
	"slices"
	"time"

	"goa.design/relay/runtime/agent"
)

type (
	// State captures the durable conversation state of a session.
	//
	// Contract:
	// - Items are ordered; insertion order is significant and never rewritten.
	// - CurrentAgent identifies the agent that handles the next model call.
	// - State is owned exclusively by one session and never shared.
	State struct {
		// SessionID is the caller-provided session identifier.
		SessionID string `json:"session_id" bson:"session_id"`
		// CurrentAgent is the active agent identifier.
		CurrentAgent agent.Ident `json:"current_agent" bson:"current_agent"`
		// Items is the ordered conversation history.
		Items []Item `json:"items" bson:"items"`
		// UpdatedAt records the workflow time of the last checkpoint.
		UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
	}

	// Item is a single entry in the conversation history.
	Item struct {
		// Role is the author of the item.
		Role Role `json:"role" bson:"role"`
		// Content is the item text. Model output items that are not plain text
		// are stored as their JSON encoding.
		Content string `json:"content" bson:"content"`
	}

	// Role enumerates the authors of session items.
	Role string

	// Store persists session state.
	//
	// Store implementations must be durable: failures are surfaced to callers so
	// the enclosing durable step is retried.
	Store interface {
		// Load returns the state for sessionID. Returns ErrSessionNotFound when
		// no state has been saved yet.
		Load(ctx context.Context, sessionID string) (State, error)
		// Save replaces the stored state for state.SessionID.
		Save(ctx context.Context, state State) error
	}
)

const (
	// RoleUser marks items authored by the end user.
	RoleUser Role = "user"
	// RoleAssistant marks items produced by the model.
	RoleAssistant Role = "assistant"
	// RoleSystem marks items produced by the runtime (tool results, notes,
	// soft errors).
	RoleSystem Role = "system"
)

var (
	// ErrSessionNotFound indicates no state exists for the session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidState indicates a state that cannot be persisted.
	ErrInvalidState = errors.New("invalid session state")
)

// New initializes the state of a new session.
func New(sessionID string, current agent.Ident) State {
	return State{SessionID: sessionID, CurrentAgent: current}
}

// Append adds items at the end of the history.
func (s *State) Append(items ...Item) {
	s.Items = append(s.Items, items...)
}

// Since returns a copy of the items appended after the first n items.
func (s State) Since(n int) []Item {
	if n >= len(s.Items) {
		return nil
	}
	if n < 0 {
		n = 0
	}
	return slices.Clone(s.Items[n:])
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	s.Items = slices.Clone(s.Items)
	return s
}

// Validate checks the state can be persisted.
func (s State) Validate() error {
	if s.SessionID == "" {
		return errors.Join(ErrInvalidState, errors.New("session id is required"))
	}
	return nil
}

// UserItem returns a user item with the given content.
func UserItem(content string) Item { return Item{Role: RoleUser, Content: content} }

// AssistantItem returns an assistant item with the given content.
func AssistantItem(content string) Item { return Item{Role: RoleAssistant, Content: content} }

// SystemItem returns a system item with the given content.
func SystemItem(content string) Item { return Item{Role: RoleSystem, Content: content} }
