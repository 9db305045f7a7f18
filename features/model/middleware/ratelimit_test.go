package middleware

import (
	"context"
	"strings"
	"testing"

	"golang.org/x/time/rate"

	"goa.design/relay/runtime/agent/model"
)

type fakeClient struct {
	err   error
	calls int
}

func (f *fakeClient) Generate(context.Context, *model.Request) (*model.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &model.Response{}, nil
}

func helloRequest() *model.Request {
	return &model.Request{History: []model.Message{{Role: model.RoleUser, Content: "hello"}}}
}

func rateLimited() error {
	return model.NewProviderError("test", model.ProviderErrorKindRateLimited, 429, "slow down", nil)
}

func TestAdaptiveRateLimiter_BackoffOnRateLimited(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)
	wrapped := limiter.Middleware()(&fakeClient{err: rateLimited()})

	_, err := wrapped.Generate(context.Background(), helloRequest())
	if !model.IsRateLimited(err) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	if got := limiter.TPM(); got != 30000 {
		t.Fatalf("expected TPM to halve, got %f", got)
	}
}

func TestAdaptiveRateLimiter_OtherErrorsKeepBudget(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 120000)
	wrapped := limiter.Middleware()(&fakeClient{err: model.NewProviderError("test", model.ProviderErrorKindAuth, 401, "", nil)})

	_, _ = wrapped.Generate(context.Background(), helloRequest())
	if got := limiter.TPM(); got != 60000 {
		t.Fatalf("expected TPM unchanged, got %f", got)
	}
}

func TestAdaptiveRateLimiter_ProbeOnSuccess(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 120000)
	wrapped := limiter.Middleware()(&fakeClient{})

	if _, err := wrapped.Generate(context.Background(), helloRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := limiter.TPM(); got != 63000 {
		t.Fatalf("expected TPM to grow by one step, got %f", got)
	}
}

func TestAdaptiveRateLimiter_BudgetStaysWithinBounds(t *testing.T) {
	limiter := newAdaptiveRateLimiter(1000, 1000)
	for range 10 {
		limiter.adjust(true)
	}
	if got := limiter.TPM(); got != 100 {
		t.Fatalf("expected TPM floor of 100, got %f", got)
	}
	for range 40 {
		limiter.adjust(false)
	}
	if got := limiter.TPM(); got != 1000 {
		t.Fatalf("expected TPM ceiling of 1000, got %f", got)
	}
}

func TestAdaptiveRateLimiter_RespectsLimiterErrors(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60, 60)
	// A zero burst rejects any request immediately.
	limiter.limiter = rate.NewLimiter(0, 0)
	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)

	req := &model.Request{History: []model.Message{{Role: model.RoleUser, Content: strings.Repeat("a", 600)}}}
	if _, err := wrapped.Generate(context.Background(), req); err == nil {
		t.Fatal("expected limiter error")
	}
	if client.calls != 0 {
		t.Fatalf("expected underlying client not to be called, got %d calls", client.calls)
	}
}

func TestEstimateTokensMonotonic(t *testing.T) {
	small := estimateTokens(&model.Request{History: []model.Message{{Content: "short"}}})
	big := estimateTokens(&model.Request{
		Instructions: "You route customers.",
		History:      []model.Message{{Content: "this is a much longer message"}},
	})
	if small <= 0 {
		t.Fatalf("expected positive token estimate for small request, got %d", small)
	}
	if big <= small {
		t.Fatalf("expected larger estimate for larger request, small=%d big=%d", small, big)
	}
	if got := estimateTokens(&model.Request{}); got != minimumCost {
		t.Fatalf("expected minimum cost for empty request, got %d", got)
	}
}
