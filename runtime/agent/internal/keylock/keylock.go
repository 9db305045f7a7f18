// Package keylock provides per-key mutual exclusion whose entries are dropped
// as soon as no caller holds or waits for them.
package keylock

import (
	"context"
	"sync"
)

type (
	// Locks is a set of locks addressed by string key. The zero value is ready
	// to use.
	Locks struct {
		mu    sync.Mutex
		locks map[string]*lock
	}

	lock struct {
		ch   chan struct{}
		refs int
	}
)

// Acquire blocks until the lock of key is held or ctx is done. The returned
// function releases the lock.
func (k *Locks) Acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &lock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			k.unref(key, l)
		}, nil
	case <-ctx.Done():
		k.unref(key, l)
		return nil, ctx.Err()
	}
}

// Len returns the number of keys currently held or waited on.
func (k *Locks) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func (k *Locks) unref(key string, l *lock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}
