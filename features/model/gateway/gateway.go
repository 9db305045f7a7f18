package gateway

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/relay/runtime/agent/model"
	"goa.design/relay/runtime/agent/telemetry"
)

type (
	// Gateway adapts a provider model.Client into a composable handler chain.
	//
	// Middleware is applied in registration order: the first middleware
	// registered wraps all subsequent ones and the innermost layer invokes the
	// provider client.
	Gateway struct {
		handler Handler
	}

	// Handler processes a single model request.
	Handler func(ctx context.Context, req *model.Request) (*model.Response, error)

	// Middleware wraps a Handler to add behavior around it.
	Middleware func(next Handler) Handler

	// Option configures a Gateway during construction.
	Option func(*config)

	config struct {
		provider model.Client
		mw       []Middleware
	}
)

// WithProvider sets the provider client. Required.
func WithProvider(p model.Client) Option {
	return func(c *config) { c.provider = p }
}

// WithMiddleware appends middleware to the chain.
func WithMiddleware(mw ...Middleware) Option {
	return func(c *config) { c.mw = append(c.mw, mw...) }
}

// WithClientMiddleware appends middleware expressed as model.Client
// decorators, such as the adaptive rate limiter.
func WithClientMiddleware(mw ...func(model.Client) model.Client) Option {
	return func(c *config) {
		for _, m := range mw {
			c.mw = append(c.mw, fromClientMiddleware(m))
		}
	}
}

// ErrProviderRequired indicates that New was called without WithProvider.
var ErrProviderRequired = errors.New("model gateway: provider is required")

// New builds a Gateway. It returns ErrProviderRequired when no provider is
// configured.
func New(opts ...Option) (*Gateway, error) {
	var cfg config
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.provider == nil {
		return nil, ErrProviderRequired
	}
	h := Handler(cfg.provider.Generate)
	for i := len(cfg.mw) - 1; i >= 0; i-- {
		h = cfg.mw[i](h)
	}
	return &Gateway{handler: h}, nil
}

// Generate implements model.Client.
func (g *Gateway) Generate(ctx context.Context, req *model.Request) (*model.Response, error) {
	return g.handler(ctx, req)
}

// Logging logs each model call with its duration and outcome.
func Logging(logger telemetry.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *model.Request) (*model.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			kv := []any{"model", req.Model, "history", len(req.History), "duration", time.Since(start)}
			if err != nil {
				logger.Warn(ctx, "model call failed", append(kv, "err", err)...)
				return nil, err
			}
			logger.Debug(ctx, "model call", append(kv, "items", len(resp.Output), "input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens)...)
			return resp, nil
		}
	}
}

// Metrics records call counts, latencies and token usage.
func Metrics(metrics telemetry.Metrics) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *model.Request) (*model.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			outcome := "ok"
			if err != nil {
				outcome = "error"
				if pe, ok := model.AsProviderError(err); ok {
					outcome = string(pe.Kind)
				}
			}
			metrics.IncCounter("relay.model.calls", 1, "outcome", outcome)
			metrics.RecordTimer("relay.model.latency", time.Since(start), "outcome", outcome)
			if resp != nil {
				metrics.IncCounter("relay.model.tokens", float64(resp.Usage.InputTokens), "direction", "input")
				metrics.IncCounter("relay.model.tokens", float64(resp.Usage.OutputTokens), "direction", "output")
			}
			return resp, err
		}
	}
}

// Tracing wraps each model call in a client span.
func Tracing(tracer telemetry.Tracer) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *model.Request) (*model.Response, error) {
			ctx, span := tracer.Start(ctx, "relay.model", trace.WithSpanKind(trace.SpanKindClient))
			defer span.End()
			resp, err := next(ctx, req)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			span.SetStatus(codes.Ok, "")
			return resp, nil
		}
	}
}

func fromClientMiddleware(mw func(model.Client) model.Client) Middleware {
	return func(next Handler) Handler {
		return mw(model.ClientFunc(next)).Generate
	}
}
