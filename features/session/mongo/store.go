package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/relay/features/session/mongo/clients/mongo"
	"goa.design/relay/runtime/agent/session"
)

// Store implements session.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ session.Store = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Load implements session.Store.
func (s *Store) Load(ctx context.Context, sessionID string) (session.State, error) {
	return s.client.LoadState(ctx, sessionID)
}

// Save implements session.Store.
func (s *Store) Save(ctx context.Context, state session.State) error {
	if err := state.Validate(); err != nil {
		return err
	}
	return s.client.SaveState(ctx, state)
}

// Name implements health.Pinger.
func (s *Store) Name() string { return s.client.Name() }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx) }
