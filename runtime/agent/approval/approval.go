// Package approval defines the durable human approval wait-point: pending
// approval records keyed by correlation id, the store that persists them and
// the outcome values a waiting turn observes.
//
// The wait itself is journaled by the workflow engine. The store records which
// workflow owns each outstanding correlation id so an external caller can
// resolve it after any number of process restarts, and so a second request for
// the same entity is detected while the first is outstanding.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type (
	// Outcome is the result of an approval wait. All three values are normal
	// results; none of them is an error.
	Outcome string

	// Pending captures an outstanding approval request.
	Pending struct {
		// CorrelationID identifies the request. It is deterministic within the
		// owning workflow so replays re-derive the same id.
		CorrelationID string `json:"correlation_id"`
		// EntityKey identifies the entity the approval guards. At most one
		// request may be outstanding per entity.
		EntityKey string `json:"entity_key"`
		// WorkflowID and RunID address the waiting workflow.
		WorkflowID string `json:"workflow_id"`
		RunID      string `json:"run_id,omitempty"`
		// SessionID is the session owning the turn.
		SessionID string `json:"session_id"`
		// Tool is the name of the gated tool.
		Tool string `json:"tool"`
		// Payload is the tool request awaiting approval.
		Payload json.RawMessage `json:"payload,omitempty"`
		// RequestedAt is the workflow time the request was created.
		RequestedAt time.Time `json:"requested_at"`
		// ExpiresAt is the workflow time after which the wait times out.
		ExpiresAt time.Time `json:"expires_at"`
	}

	// Decision is the value an external caller resolves a request with.
	Decision struct {
		CorrelationID string `json:"correlation_id"`
		Approved      bool   `json:"approved"`
		Note          string `json:"note,omitempty"`
	}

	// Store persists pending approval records.
	//
	// Contract:
	//   - Register fails with ErrOngoing when a different correlation id is
	//     outstanding for the same entity. A holder whose ExpiresAt has passed
	//     is stale and is replaced. Registering the same correlation id again
	//     is a no-op so retried activities stay idempotent.
	//   - Lookup returns ErrNotFound for unknown or cleared ids.
	//   - Clear is idempotent.
	Store interface {
		Register(ctx context.Context, p Pending) error
		Lookup(ctx context.Context, correlationID string) (Pending, error)
		Clear(ctx context.Context, correlationID string) error
	}
)

const (
	// Approved means a reviewer accepted the request.
	Approved Outcome = "approved"
	// Rejected means a reviewer declined the request.
	Rejected Outcome = "rejected"
	// TimedOut means no decision arrived before the deadline.
	TimedOut Outcome = "timed_out"
)

var (
	// ErrOngoing indicates an approval is already outstanding for the entity.
	ErrOngoing = errors.New("an approval is already ongoing for this entity")
	// ErrNotFound indicates no approval is outstanding for the correlation id.
	ErrNotFound = errors.New("no approval is ongoing for this correlation id")
	// ErrInvalidPending indicates a pending record missing required fields.
	ErrInvalidPending = errors.New("invalid pending approval")
)

// OutcomeOf returns the outcome for decision d.
func OutcomeOf(d Decision) Outcome {
	if d.Approved {
		return Approved
	}
	return Rejected
}

// Validate checks the pending record carries the fields a resolver needs.
func (p Pending) Validate() error {
	switch {
	case p.CorrelationID == "":
		return errors.Join(ErrInvalidPending, errors.New("correlation id is required"))
	case p.EntityKey == "":
		return errors.Join(ErrInvalidPending, errors.New("entity key is required"))
	case p.WorkflowID == "":
		return errors.Join(ErrInvalidPending, errors.New("workflow id is required"))
	}
	return nil
}

// Expired reports whether the wait for p ended by now. Records without an
// expiry never expire.
func (p Pending) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}
