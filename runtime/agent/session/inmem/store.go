// Package inmem provides an in-memory implementation of session.Store.
//
// It is intended for tests and local development. Production deployments should
// use a durable implementation (for example features/session/mongo).
package inmem

import (
	"context"
	"errors"
	"sync"

	"goa.design/relay/runtime/agent/session"
)

type (
	// Store is an in-memory implementation of session.Store.
	// It is safe for concurrent use.
	Store struct {
		mu     sync.RWMutex
		states map[string]session.State
		saves  map[string]int
	}
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		states: make(map[string]session.State),
		saves:  make(map[string]int),
	}
}

// Load implements session.Store.
func (s *Store) Load(_ context.Context, sessionID string) (session.State, error) {
	if sessionID == "" {
		return session.State{}, errors.New("session id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[sessionID]
	if !ok {
		return session.State{}, session.ErrSessionNotFound
	}
	return st.Clone(), nil
}

// Save implements session.Store.
func (s *Store) Save(_ context.Context, state session.State) error {
	if err := state.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[state.SessionID] = state.Clone()
	s.saves[state.SessionID]++
	return nil
}

// Saves returns how many times the state of sessionID was saved. Tests use it
// to assert checkpoint behavior.
func (s *Store) Saves(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves[sessionID]
}
