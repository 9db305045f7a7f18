// Package inmem provides an in-memory implementation of approval.Store for
// tests and single-process development.
package inmem

import (
	"context"
	"sync"
	"time"

	"goa.design/relay/runtime/agent/approval"
)

// Store is an in-memory approval.Store. It is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	pending  map[string]approval.Pending // correlation id -> record
	entities map[string]string           // entity key -> correlation id
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		pending:  make(map[string]approval.Pending),
		entities: make(map[string]string),
	}
}

// Register implements approval.Store.
func (s *Store) Register(_ context.Context, p approval.Pending) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entities[p.EntityKey]; ok && id != p.CorrelationID {
		if held, ok := s.pending[id]; ok && !held.Expired(time.Now()) {
			return approval.ErrOngoing
		}
		delete(s.pending, id)
	}
	s.pending[p.CorrelationID] = p
	s.entities[p.EntityKey] = p.CorrelationID
	return nil
}

// Lookup implements approval.Store.
func (s *Store) Lookup(_ context.Context, correlationID string) (approval.Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[correlationID]
	if !ok {
		return approval.Pending{}, approval.ErrNotFound
	}
	return p, nil
}

// Clear implements approval.Store.
func (s *Store) Clear(_ context.Context, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[correlationID]
	if !ok {
		return nil
	}
	delete(s.pending, correlationID)
	if s.entities[p.EntityKey] == correlationID {
		delete(s.entities, p.EntityKey)
	}
	return nil
}
