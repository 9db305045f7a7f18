// Package redis provides a Redis-backed session.Store. Each session is kept
// as one JSON document under "<prefix>:session:<id>".
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"goa.design/relay/runtime/agent/session"
)

const (
	defaultPrefix    = "relay"
	redisClientName  = "session-redis"
	maxParallelLoads = 8
)

type (
	// Store implements session.Store on top of Redis.
	Store struct {
		rdb    redis.UniversalClient
		prefix string
		ttl    time.Duration
	}

	// Option configures a Store.
	Option func(*Store)
)

var _ session.Store = (*Store)(nil)

// WithPrefix sets the key prefix. Defaults to "relay".
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithTTL expires idle sessions after ttl. Each save refreshes the expiry.
// Zero keeps sessions forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// NewStore returns a Store using rdb.
func NewStore(rdb redis.UniversalClient, opts ...Option) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	s := &Store{rdb: rdb, prefix: defaultPrefix}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Load implements session.Store.
func (s *Store) Load(ctx context.Context, sessionID string) (session.State, error) {
	raw, err := s.rdb.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.State{}, session.ErrSessionNotFound
	}
	if err != nil {
		return session.State{}, fmt.Errorf("load session %q: %w", sessionID, err)
	}
	var state session.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return session.State{}, fmt.Errorf("decode session %q: %w", sessionID, err)
	}
	return state, nil
}

// Save implements session.Store.
func (s *Store) Save(ctx context.Context, state session.State) error {
	if err := state.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session %q: %w", state.SessionID, err)
	}
	if err := s.rdb.Set(ctx, s.key(state.SessionID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session %q: %w", state.SessionID, err)
	}
	return nil
}

// LoadMany loads several sessions concurrently. Missing sessions are omitted
// from the result; any other failure aborts the whole call.
func (s *Store) LoadMany(ctx context.Context, sessionIDs []string) (map[string]session.State, error) {
	states := make([]session.State, len(sessionIDs))
	found := make([]bool, len(sessionIDs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelLoads)
	for i, id := range sessionIDs {
		g.Go(func() error {
			st, err := s.Load(ctx, id)
			if errors.Is(err, session.ErrSessionNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			states[i], found[i] = st, true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]session.State, len(sessionIDs))
	for i, id := range sessionIDs {
		if found[i] {
			out[id] = states[i]
		}
	}
	return out, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return redisClientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func (s *Store) key(sessionID string) string {
	return s.prefix + ":session:" + sessionID
}
