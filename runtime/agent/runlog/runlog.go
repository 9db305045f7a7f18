// Package runlog keeps a per-session journal of turn events for
// introspection.
//
// Turn events are published at least once, so stores deduplicate on
// (SessionID, TurnID, Seq): appending an event that is already journaled is a
// no-op. Callers page through a session journal using opaque cursors.
package runlog

import (
	"context"
	"errors"

	"goa.design/relay/runtime/agent/stream"
)

type (
	// Entry is a journaled event.
	Entry struct {
		// ID is the store-assigned opaque cursor of the entry. IDs order
		// entries within a session.
		ID string
		// Event is the journaled event.
		Event stream.Event
	}

	// Page is a forward page of journal entries.
	Page struct {
		// Entries are ordered oldest first.
		Entries []Entry
		// NextCursor fetches the next page. It is empty on the last page.
		NextCursor string
	}

	// Store is an append-only event journal.
	Store interface {
		// Append journals the event unless an event with the same session,
		// turn and sequence number already is.
		Append(ctx context.Context, e stream.Event) error
		// List returns the next page of the session journal after cursor.
		// An empty cursor starts at the beginning. Limit must be positive.
		List(ctx context.Context, sessionID, cursor string, limit int) (Page, error)
	}

	// Sink journals every event it receives. Use it with stream.MultiSink
	// to journal the events delivered to another transport.
	Sink struct {
		store Store
	}
)

var (
	// ErrInvalidEvent indicates an event without session, turn or type.
	ErrInvalidEvent = errors.New("runlog: event requires session id, turn id and type")
	// ErrInvalidQuery indicates a List call without session id or with a
	// non-positive limit.
	ErrInvalidQuery = errors.New("runlog: list requires a session id and a positive limit")
)

var _ stream.Sink = (*Sink)(nil)

// Validate reports whether e can be journaled.
func Validate(e stream.Event) error {
	if e.SessionID == "" || e.TurnID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	return nil
}

// NewSink returns a stream sink appending to store.
func NewSink(store Store) *Sink {
	return &Sink{store: store}
}

// Send implements stream.Sink.
func (s *Sink) Send(ctx context.Context, e stream.Event) error {
	return s.store.Append(ctx, e)
}

// Close implements stream.Sink.
func (s *Sink) Close(context.Context) error { return nil }

// All reads the whole journal of a session by following cursors.
func All(ctx context.Context, store Store, sessionID string) ([]Entry, error) {
	const pageSize = 100
	var (
		out    []Entry
		cursor string
	)
	for {
		page, err := store.List(ctx, sessionID, cursor, pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Entries...)
		if page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
}
