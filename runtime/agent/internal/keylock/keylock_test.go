package keylock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireHonorsContext(t *testing.T) {
	var k Locks
	release, err := k.Acquire(context.Background(), "a")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = k.Acquire(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, k.Len())
	release()
	require.Zero(t, k.Len())
}

func TestDistinctKeysDoNotBlock(t *testing.T) {
	var k Locks
	ra, err := k.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer ra()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rb, err := k.Acquire(ctx, "b")
	require.NoError(t, err)
	rb()
}

func TestAcquireIsExclusive(t *testing.T) {
	var (
		k       Locks
		mu      sync.Mutex
		holders int
		wg      sync.WaitGroup
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := k.Acquire(context.Background(), "shared")
			if err != nil {
				return
			}
			mu.Lock()
			holders++
			n := holders
			mu.Unlock()
			if n > 1 {
				t.Errorf("%d concurrent holders", n)
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			holders--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	require.Zero(t, k.Len())
}
