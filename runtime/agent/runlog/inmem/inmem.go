// Package inmem provides an in-memory implementation of runlog.Store for
// tests and single process use.
package inmem

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"goa.design/relay/runtime/agent/runlog"
	"goa.design/relay/runtime/agent/stream"
)

type (
	// Store implements runlog.Store in memory.
	Store struct {
		mu sync.Mutex
		// entries holds each session journal in append order. Entry IDs are
		// 1-based positions.
		entries map[string][]runlog.Entry
		seen    map[eventKey]struct{}
	}

	eventKey struct {
		session string
		turn    string
		seq     int
	}
)

// New returns an empty journal.
func New() *Store {
	return &Store{
		entries: make(map[string][]runlog.Entry),
		seen:    make(map[eventKey]struct{}),
	}
}

// Append implements runlog.Store.
func (s *Store) Append(_ context.Context, e stream.Event) error {
	if err := runlog.Validate(e); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := eventKey{session: e.SessionID, turn: e.TurnID, seq: e.Seq}
	if _, ok := s.seen[k]; ok {
		return nil
	}
	s.seen[k] = struct{}{}
	list := s.entries[e.SessionID]
	s.entries[e.SessionID] = append(list, runlog.Entry{ID: strconv.Itoa(len(list) + 1), Event: e})
	return nil
}

// List implements runlog.Store.
func (s *Store) List(_ context.Context, sessionID, cursor string, limit int) (runlog.Page, error) {
	if sessionID == "" || limit <= 0 {
		return runlog.Page{}, runlog.ErrInvalidQuery
	}
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return runlog.Page{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		start = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.entries[sessionID]
	if start >= len(all) {
		return runlog.Page{}, nil
	}
	end := min(start+limit, len(all))
	page := runlog.Page{Entries: append([]runlog.Entry(nil), all[start:end]...)}
	if end < len(all) {
		page.NextCursor = page.Entries[len(page.Entries)-1].ID
	}
	return page, nil
}
