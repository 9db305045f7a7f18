// Package stream delivers client-facing turn progress events (model output,
// tool results, handoffs, approval requests) to an external transport.
//
// Events are produced by the orchestration loop through a durable activity, so
// each event is published at least once. Consumers should deduplicate on
// (TurnID, Seq) when exactly-once display matters.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"goa.design/relay/runtime/agent"
)

type (
	// Sink delivers events to a transport (Pulse, SSE, logs).
	//
	// Implementations must be safe for concurrent use. Send returns an error
	// when delivery fails so the publishing activity is retried.
	Sink interface {
		Send(ctx context.Context, event Event) error
		// Close releases transport resources. Close is idempotent.
		Close(ctx context.Context) error
	}

	// Event is a single turn progress notification.
	Event struct {
		// Type is the event category.
		Type EventType `json:"type"`
		// SessionID identifies the session the turn belongs to.
		SessionID string `json:"session_id"`
		// TurnID identifies the turn workflow.
		TurnID string `json:"turn_id"`
		// Seq orders events within a turn.
		Seq int `json:"seq"`
		// Agent is the active agent when the event was produced.
		Agent agent.Ident `json:"agent,omitempty"`
		// Timestamp is the workflow time of the event.
		Timestamp time.Time `json:"timestamp"`
		// Payload is the event specific JSON payload.
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	// EventType enumerates event categories.
	EventType string

	// NoopSink discards events.
	NoopSink struct{}

	// MultiSink delivers each event to every sink in order. Send stops at
	// the first failure so the publishing activity retries the event.
	MultiSink []Sink

	// Recorder is an in-memory Sink that keeps every event it receives.
	Recorder struct {
		mu     sync.Mutex
		events []Event
	}
)

const (
	EventTurnStarted       EventType = "turn_started"
	EventModelOutput       EventType = "model_output"
	EventToolResult        EventType = "tool_result"
	EventToolScheduled     EventType = "tool_scheduled"
	EventHandoff           EventType = "handoff"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalResolved  EventType = "approval_resolved"
	EventTurnCompleted     EventType = "turn_completed"
	EventTurnFailed        EventType = "turn_failed"
)

// Send implements Sink.
func (NoopSink) Send(context.Context, Event) error { return nil }

// Close implements Sink.
func (NoopSink) Close(context.Context) error { return nil }

// Send implements Sink.
func (m MultiSink) Send(ctx context.Context, e Event) error {
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink and joins their errors.
func (m MultiSink) Close(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close(ctx))
	}
	return errors.Join(errs...)
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Send implements Sink.
func (r *Recorder) Send(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Close implements Sink.
func (r *Recorder) Close(context.Context) error { return nil }

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []EventType {
	events := r.Events()
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}
