// Package middleware provides reusable model.Client middlewares such as
// adaptive rate limiting.
package middleware

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"

	"goa.design/relay/runtime/agent/model"
)

type (
	// AdaptiveRateLimiter throttles model calls with a token bucket sized in
	// estimated tokens per minute (TPM). The budget halves when the provider
	// reports rate limiting and recovers additively after each success.
	//
	// Construct one limiter per provider and process and wrap the provider
	// client with Middleware before handing it to the runtime. When given a
	// Pulse replicated map the budget is shared by every process using the
	// same key.
	AdaptiveRateLimiter struct {
		mu      sync.Mutex
		limiter *rate.Limiter

		currentTPM float64
		minTPM     float64
		maxTPM     float64
		step       float64

		// onChange is invoked outside the lock after a local adjustment.
		onChange func(backoff bool)
	}

	limitedClient struct {
		next    model.Client
		limiter *AdaptiveRateLimiter
	}

	// sharedMap is the subset of rmap.Map the cluster budget relies on.
	sharedMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}
)

const (
	defaultTPM = 60000
	// minimumCost is charged for requests with no text at all.
	minimumCost = 500
	// framingCost approximates instructions and provider overhead.
	framingCost = 500
	// sharedUpdateAttempts bounds the compare-and-swap loop on the shared map.
	sharedUpdateAttempts = 3
)

// NewAdaptiveRateLimiter returns a limiter starting at initialTPM and never
// exceeding maxTPM. When m is non-nil and key non-empty the budget is kept in
// the replicated map under key; otherwise the limiter is process local.
func NewAdaptiveRateLimiter(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	var shared sharedMap
	if m != nil {
		shared = m
	}
	return newSharedRateLimiter(ctx, shared, key, initialTPM, maxTPM)
}

func newAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = defaultTPM
	}
	if maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	return &AdaptiveRateLimiter{
		limiter:    rate.NewLimiter(rate.Limit(initialTPM/60), int(initialTPM)),
		currentTPM: initialTPM,
		minTPM:     max(1, initialTPM/10),
		maxTPM:     maxTPM,
		step:       max(1, initialTPM/20),
	}
}

// Middleware wraps a model client with the limiter.
func (l *AdaptiveRateLimiter) Middleware() func(model.Client) model.Client {
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &limitedClient{next: next, limiter: l}
	}
}

// TPM returns the current tokens per minute budget.
func (l *AdaptiveRateLimiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// Generate waits for capacity before delegating to the wrapped client.
func (c *limitedClient) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := c.limiter.limiter.WaitN(ctx, estimateTokens(req)); err != nil {
		return nil, err
	}
	resp, err := c.next.Generate(ctx, req)
	switch {
	case err == nil:
		c.limiter.adjust(false)
	case model.IsRateLimited(err):
		c.limiter.adjust(true)
	}
	return resp, err
}

// adjust halves the budget on backoff and adds one step otherwise.
func (l *AdaptiveRateLimiter) adjust(backoff bool) {
	l.mu.Lock()
	next := l.currentTPM + l.step
	if backoff {
		next = l.currentTPM / 2
	}
	changed := l.setLocked(next)
	cb := l.onChange
	l.mu.Unlock()
	if changed && cb != nil {
		cb(backoff)
	}
}

// set replaces the budget, clamped to [minTPM, maxTPM].
func (l *AdaptiveRateLimiter) set(tpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setLocked(tpm)
}

func (l *AdaptiveRateLimiter) setLocked(tpm float64) bool {
	tpm = min(max(tpm, l.minTPM), l.maxTPM)
	if tpm == l.currentTPM {
		return false
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60))
	l.limiter.SetBurst(int(tpm))
	return true
}

// estimateTokens approximates the token cost of a request at one token per
// three characters of instructions and history.
func estimateTokens(req *model.Request) int {
	if req == nil {
		return minimumCost
	}
	chars := len(req.Instructions)
	for _, m := range req.History {
		chars += len(m.Content)
	}
	if chars == 0 {
		return minimumCost
	}
	return max(1, chars/3) + framingCost
}

func newSharedRateLimiter(ctx context.Context, m sharedMap, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if m == nil || key == "" {
		return newAdaptiveRateLimiter(initialTPM, maxTPM)
	}
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			return newAdaptiveRateLimiter(initialTPM, maxTPM)
		}
	}
	start := initialTPM
	if v, ok := readTPM(m, key); ok {
		start = v
	}
	l := newAdaptiveRateLimiter(start, maxTPM)
	floor, ceiling, step := l.minTPM, l.maxTPM, l.step
	l.onChange = func(backoff bool) {
		update := func(cur float64) float64 { return min(cur+step, ceiling) }
		if backoff {
			update = func(cur float64) float64 { return max(cur/2, floor) }
		}
		go updateShared(m, key, update)
	}
	ch := m.Subscribe()
	go func() {
		for range ch {
			if v, ok := readTPM(m, key); ok {
				l.set(v)
			}
		}
	}()
	return l
}

// updateShared applies update to the shared budget with test-and-set,
// giving up after a few lost races.
func updateShared(m sharedMap, key string, update func(float64) float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for range sharedUpdateAttempts {
		raw, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(raw, 64)
		if err != nil || cur <= 0 {
			return
		}
		next := strconv.Itoa(int(update(cur)))
		if next == raw {
			return
		}
		prev, err := m.TestAndSet(ctx, key, raw, next)
		if err != nil || prev == raw {
			return
		}
	}
}

func readTPM(m sharedMap, key string) (float64, bool) {
	raw, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
