package redis

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/relay/internal/testredis"
	"goa.design/relay/runtime/agent/approval"
)

func TestMain(m *testing.M) {
	os.Exit(testredis.Main(m))
}

func pending(id, entity string) approval.Pending {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return approval.Pending{
		CorrelationID: id,
		EntityKey:     entity,
		WorkflowID:    "session/sess-1",
		SessionID:     "sess-1",
		Tool:          "issue_refund",
		Payload:       json.RawMessage(`{"key":"claim-1"}`),
		RequestedAt:   now,
		ExpiresAt:     now.Add(time.Hour),
	}
}

func TestRegisterDetectsOngoingApproval(t *testing.T) {
	store, err := NewStore(testredis.Client(t))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, pending("a-1", "refunds/claim-1")))
	require.NoError(t, store.Register(ctx, pending("a-1", "refunds/claim-1")), "re-registering the same id is idempotent")
	require.ErrorIs(t, store.Register(ctx, pending("a-2", "refunds/claim-1")), approval.ErrOngoing)
	require.NoError(t, store.Register(ctx, pending("a-3", "refunds/claim-2")))
}

func TestLookupAndClear(t *testing.T) {
	store, err := NewStore(testredis.Client(t), WithPrefix("test"))
	require.NoError(t, err)
	ctx := context.Background()

	want := pending("a-1", "refunds/claim-1")
	require.NoError(t, store.Register(ctx, want))
	got, err := store.Lookup(ctx, "a-1")
	require.NoError(t, err)
	require.Equal(t, want.WorkflowID, got.WorkflowID)
	require.JSONEq(t, string(want.Payload), string(got.Payload))
	require.True(t, want.ExpiresAt.Equal(got.ExpiresAt))

	require.NoError(t, store.Clear(ctx, "a-1"))
	require.NoError(t, store.Clear(ctx, "a-1"))
	_, err = store.Lookup(ctx, "a-1")
	require.ErrorIs(t, err, approval.ErrNotFound)
	require.NoError(t, store.Register(ctx, pending("a-2", "refunds/claim-1")))
}

func TestExpiredHolderReleasesEntity(t *testing.T) {
	rdb := testredis.Client(t)
	store, err := NewStore(rdb)
	require.NoError(t, err)
	ctx := context.Background()

	held := pending("a-1", "refunds/claim-1")
	held.ExpiresAt = time.Now().Add(500 * time.Millisecond)
	require.NoError(t, store.Register(ctx, held))
	require.ErrorIs(t, store.Register(ctx, pending("a-2", "refunds/claim-1")), approval.ErrOngoing)

	ttl, err := rdb.PTTL(ctx, "relay:approval-entity:refunds/claim-1").Result()
	require.NoError(t, err)
	require.Positive(t, ttl)
	require.LessOrEqual(t, ttl, 500*time.Millisecond)

	require.Eventually(t, func() bool {
		return store.Register(ctx, pending("a-2", "refunds/claim-1")) == nil
	}, 5*time.Second, 10*time.Millisecond)
	_, err = store.Lookup(ctx, "a-1")
	require.ErrorIs(t, err, approval.ErrNotFound)
}

func TestConcurrentRegisterGrantsOneEntity(t *testing.T) {
	store, err := NewStore(testredis.Client(t))
	require.NoError(t, err)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for _, id := range []string{"a-1", "a-2", "a-3", "a-4"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.Register(ctx, pending(id, "refunds/claim-1")) == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, granted)
}

func TestRegisterValidates(t *testing.T) {
	store, err := NewStore(testredis.Client(t))
	require.NoError(t, err)
	err = store.Register(context.Background(), approval.Pending{CorrelationID: "a-1"})
	require.ErrorIs(t, err, approval.ErrInvalidPending)
}
