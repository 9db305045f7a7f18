// Package redis provides a Redis-backed approval.Store so pending approvals
// survive process restarts and can be resolved from any process.
//
// Each pending record is a JSON document under "<prefix>:approval:<id>" and
// each guarded entity maps to its outstanding correlation id under
// "<prefix>:approval-entity:<entity key>". Both keys are written by a single
// script so ongoing detection is atomic.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"goa.design/relay/runtime/agent/approval"
)

const defaultPrefix = "relay"

type (
	// Store implements approval.Store on top of Redis.
	Store struct {
		rdb    redis.UniversalClient
		prefix string
	}

	// Option configures a Store.
	Option func(*Store)
)

var _ approval.Store = (*Store)(nil)

// registerScript claims the entity for the correlation id unless another id
// holds it. It returns 0 when the entity is taken. Both keys expire at
// ARGV[3] (unix milliseconds) when it is positive, so the claim of a wait
// that never cleared its record lapses with the wait.
var registerScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and cur ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
local at = tonumber(ARGV[3])
if at > 0 then
  redis.call('PEXPIREAT', KEYS[1], at)
  redis.call('PEXPIREAT', KEYS[2], at)
end
return 1
`)

// clearScript deletes the record and releases the entity when the
// correlation id still holds it.
var clearScript = redis.NewScript(`
if redis.call('GET', KEYS[2]) == ARGV[1] then
  redis.call('DEL', KEYS[2])
end
redis.call('DEL', KEYS[1])
return 1
`)

// WithPrefix sets the key prefix. Defaults to "relay".
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
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

// Register implements approval.Store.
func (s *Store) Register(ctx context.Context, p approval.Pending) error {
	if err := p.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode approval %q: %w", p.CorrelationID, err)
	}
	var expireAt int64
	if !p.ExpiresAt.IsZero() {
		expireAt = p.ExpiresAt.UnixMilli()
	}
	keys := []string{s.entityKey(p.EntityKey), s.pendingKey(p.CorrelationID)}
	ok, err := registerScript.Run(ctx, s.rdb, keys, p.CorrelationID, raw, expireAt).Int()
	if err != nil {
		return fmt.Errorf("register approval %q: %w", p.CorrelationID, err)
	}
	if ok == 0 {
		return approval.ErrOngoing
	}
	return nil
}

// Lookup implements approval.Store.
func (s *Store) Lookup(ctx context.Context, correlationID string) (approval.Pending, error) {
	raw, err := s.rdb.Get(ctx, s.pendingKey(correlationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return approval.Pending{}, approval.ErrNotFound
	}
	if err != nil {
		return approval.Pending{}, fmt.Errorf("lookup approval %q: %w", correlationID, err)
	}
	var p approval.Pending
	if err := json.Unmarshal(raw, &p); err != nil {
		return approval.Pending{}, fmt.Errorf("decode approval %q: %w", correlationID, err)
	}
	return p, nil
}

// Clear implements approval.Store.
func (s *Store) Clear(ctx context.Context, correlationID string) error {
	p, err := s.Lookup(ctx, correlationID)
	if errors.Is(err, approval.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	keys := []string{s.pendingKey(correlationID), s.entityKey(p.EntityKey)}
	if err := clearScript.Run(ctx, s.rdb, keys, correlationID).Err(); err != nil {
		return fmt.Errorf("clear approval %q: %w", correlationID, err)
	}
	return nil
}

func (s *Store) pendingKey(id string) string {
	return s.prefix + ":approval:" + id
}

func (s *Store) entityKey(key string) string {
	return s.prefix + ":approval-entity:" + key
}
