// Package runtime implements the durable multi-agent orchestration loop. A
// turn runs as a workflow on the configured engine: it loads the session,
// calls the model of the active agent, executes the requested tools
// concurrently, applies at most one handoff per model response and persists
// the session at every checkpoint until the active agent answers with plain
// text.
//
// Every side effect runs as an engine activity so a turn interrupted by a
// crash resumes from its last recorded step instead of repeating completed
// model or tool calls.
//
// Example usage:
//
//	rt := runtime.New(
//		runtime.WithEngine(temporalEngine),
//		runtime.WithRegistry(agents),
//		runtime.WithModel(openaiClient),
//		runtime.WithTools(components),
//	)
//	if err := rt.Register(ctx); err != nil {
//		log.Fatal(err)
//	}
//	out, err := rt.Client().RunTurn(ctx, "session-1", api.AgentInput{
//		StartingAgent: "intake",
//		Message:       "I need a refund",
//	})
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/relay/runtime/agent/approval"
	approvalinmem "goa.design/relay/runtime/agent/approval/inmem"
	"goa.design/relay/runtime/agent/engine"
	engineinmem "goa.design/relay/runtime/agent/engine/inmem"
	"goa.design/relay/runtime/agent/internal/keylock"
	"goa.design/relay/runtime/agent/model"
	"goa.design/relay/runtime/agent/registry"
	"goa.design/relay/runtime/agent/session"
	sessioninmem "goa.design/relay/runtime/agent/session/inmem"
	"goa.design/relay/runtime/agent/stream"
	"goa.design/relay/runtime/agent/telemetry"
	"goa.design/relay/runtime/agent/tools"
)

type (
	// Runtime drives orchestration turns on a workflow engine. It owns the
	// workflow and activity registrations and is safe for concurrent use once
	// constructed.
	Runtime struct {
		Engine        engine.Engine
		Registry      *registry.Registry
		Model         model.Client
		Tools         *tools.Registry
		SessionStore  session.Store
		ApprovalStore approval.Store
		Stream        stream.Sink

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		maxTurns        int
		modelRetry      engine.RetryPolicy
		toolRetry       engine.RetryPolicy
		historyLimit    int
		approvalTimeout time.Duration
		taskQueue       string

		validator *tools.Validator
		sessions  keylock.Locks

		regMu      sync.Mutex
		registered bool
	}

	// Options configures a Runtime. Zero values select in-memory
	// implementations and the package defaults.
	Options struct {
		// Engine is the workflow backend. Defaults to the in-memory engine.
		Engine engine.Engine
		// Registry resolves agents by identifier.
		Registry *registry.Registry
		// Model generates agent responses.
		Model model.Client
		// Tools executes tool calls against registered components.
		Tools *tools.Registry
		// SessionStore persists session state between turns.
		SessionStore session.Store
		// ApprovalStore persists pending approval requests.
		ApprovalStore approval.Store
		// Stream receives turn events.
		Stream stream.Sink
		// Logger emits structured logs (usually backed by Clue).
		Logger telemetry.Logger
		// Metrics records counters and timers for model and tool calls.
		Metrics telemetry.Metrics
		// Tracer emits spans around activities.
		Tracer telemetry.Tracer

		// MaxTurns caps the number of model calls made by a single turn.
		MaxTurns int
		// ModelRetry is the retry policy of the model activity.
		ModelRetry engine.RetryPolicy
		// ToolRetry is the retry policy of tool activities.
		ToolRetry engine.RetryPolicy
		// HistoryLimit bounds the number of most recent session items sent to
		// the model. Zero sends the full history.
		HistoryLimit int
		// ApprovalTimeout bounds the wait for a human decision.
		ApprovalTimeout time.Duration
		// TaskQueue is the queue the turn workflow and activities run on.
		TaskQueue string
	}

	// RuntimeOption configures the runtime via functional options passed to New.
	RuntimeOption func(*Options)
)

const (
	// TurnWorkflow is the name of the turn workflow.
	TurnWorkflow = "relay.turn"
	// LoadSessionActivity loads session state.
	LoadSessionActivity = "relay.session.load"
	// SaveSessionActivity persists session state.
	SaveSessionActivity = "relay.session.save"
	// ModelActivity calls the language model.
	ModelActivity = "relay.model.generate"
	// ToolActivity invokes a tool component.
	ToolActivity = "relay.tool.invoke"
	// ApprovalActivity registers and clears pending approvals.
	ApprovalActivity = "relay.approval.store"
	// EventActivity publishes stream events.
	EventActivity = "relay.stream.publish"
)

const (
	// DefaultMaxTurns is the default cap on model calls per turn.
	DefaultMaxTurns = 25
	// DefaultApprovalTimeout is the default wait for a human decision.
	DefaultApprovalTimeout = 3 * time.Hour
	// DefaultTaskQueue is the default queue for turn workflows.
	DefaultTaskQueue = "relay.turns"
)

var (
	defaultModelRetry = engine.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Second, BackoffCoefficient: 2}
	defaultToolRetry  = engine.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Second, BackoffCoefficient: 2}
	storeRetry        = engine.RetryPolicy{MaxAttempts: 5, InitialInterval: 100 * time.Millisecond, BackoffCoefficient: 2}
)

// New constructs a Runtime using functional options.
func New(opts ...RuntimeOption) *Runtime {
	var o Options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return newFromOptions(o)
}

// WithEngine sets the workflow engine.
func WithEngine(e engine.Engine) RuntimeOption { return func(o *Options) { o.Engine = e } }

// WithRegistry sets the agent registry.
func WithRegistry(r *registry.Registry) RuntimeOption { return func(o *Options) { o.Registry = r } }

// WithModel sets the model client.
func WithModel(m model.Client) RuntimeOption { return func(o *Options) { o.Model = m } }

// WithTools sets the tool component registry.
func WithTools(t *tools.Registry) RuntimeOption { return func(o *Options) { o.Tools = t } }

// WithSessionStore sets the session store.
func WithSessionStore(s session.Store) RuntimeOption { return func(o *Options) { o.SessionStore = s } }

// WithApprovalStore sets the pending approval store.
func WithApprovalStore(s approval.Store) RuntimeOption { return func(o *Options) { o.ApprovalStore = s } }

// WithStream sets the stream sink.
func WithStream(s stream.Sink) RuntimeOption { return func(o *Options) { o.Stream = s } }

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) RuntimeOption { return func(o *Options) { o.Logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) RuntimeOption { return func(o *Options) { o.Metrics = m } }

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) RuntimeOption { return func(o *Options) { o.Tracer = t } }

// WithMaxTurns caps the number of model calls per turn.
func WithMaxTurns(n int) RuntimeOption { return func(o *Options) { o.MaxTurns = n } }

// WithModelRetry sets the model activity retry policy. Zero fields keep the
// defaults.
func WithModelRetry(p engine.RetryPolicy) RuntimeOption { return func(o *Options) { o.ModelRetry = p } }

// WithToolRetry sets the tool activity retry policy. Zero fields keep the
// defaults.
func WithToolRetry(p engine.RetryPolicy) RuntimeOption { return func(o *Options) { o.ToolRetry = p } }

// WithHistoryLimit bounds the number of session items sent to the model.
func WithHistoryLimit(n int) RuntimeOption { return func(o *Options) { o.HistoryLimit = n } }

// WithApprovalTimeout sets how long a turn waits for a human decision.
func WithApprovalTimeout(d time.Duration) RuntimeOption {
	return func(o *Options) { o.ApprovalTimeout = d }
}

// WithTaskQueue sets the queue the turn workflow and its activities run on.
func WithTaskQueue(name string) RuntimeOption { return func(o *Options) { o.TaskQueue = name } }

func newFromOptions(o Options) *Runtime {
	r := &Runtime{
		Engine:          o.Engine,
		Registry:        o.Registry,
		Model:           o.Model,
		Tools:           o.Tools,
		SessionStore:    o.SessionStore,
		ApprovalStore:   o.ApprovalStore,
		Stream:          o.Stream,
		logger:          o.Logger,
		metrics:         o.Metrics,
		tracer:          o.Tracer,
		maxTurns:        o.MaxTurns,
		modelRetry:      engine.MergeRetryPolicies(defaultModelRetry, o.ModelRetry),
		toolRetry:       engine.MergeRetryPolicies(defaultToolRetry, o.ToolRetry),
		historyLimit:    o.HistoryLimit,
		approvalTimeout: o.ApprovalTimeout,
		taskQueue:       o.TaskQueue,
		validator:       tools.NewValidator(),
	}
	if r.logger == nil {
		r.logger = telemetry.NewNoopLogger()
	}
	if r.metrics == nil {
		r.metrics = telemetry.NewNoopMetrics()
	}
	if r.tracer == nil {
		r.tracer = telemetry.NewNoopTracer()
	}
	if r.Engine == nil {
		r.Engine = engineinmem.New(engineinmem.WithLogger(r.logger))
	}
	if r.Registry == nil {
		r.Registry, _ = registry.New()
	}
	if r.Tools == nil {
		r.Tools = tools.NewRegistry()
	}
	if r.SessionStore == nil {
		r.SessionStore = sessioninmem.New()
	}
	if r.ApprovalStore == nil {
		r.ApprovalStore = approvalinmem.New()
	}
	if r.Stream == nil {
		r.Stream = stream.NoopSink{}
	}
	if r.maxTurns <= 0 {
		r.maxTurns = DefaultMaxTurns
	}
	if r.approvalTimeout <= 0 {
		r.approvalTimeout = DefaultApprovalTimeout
	}
	if r.taskQueue == "" {
		r.taskQueue = DefaultTaskQueue
	}
	return r
}

// Register registers the turn workflow and its activities with the engine.
// It must be called once before any turn runs; later calls are no-ops.
func (r *Runtime) Register(ctx context.Context) error {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	if r.registered {
		return nil
	}
	if r.Model == nil {
		return fmt.Errorf("register runtime: model client is required")
	}
	e := r.Engine
	store := engine.ActivityOptions{Queue: r.taskQueue, RetryPolicy: storeRetry, Timeout: 30 * time.Second}
	steps := []func() error{
		func() error {
			return e.RegisterWorkflow(ctx, engine.WorkflowDefinition{Name: TurnWorkflow, TaskQueue: r.taskQueue, Handler: r.turnWorkflow})
		},
		func() error { return e.RegisterLoadSessionActivity(ctx, LoadSessionActivity, store, r.loadSession) },
		func() error { return e.RegisterSaveSessionActivity(ctx, SaveSessionActivity, store, r.saveSession) },
		func() error {
			return e.RegisterModelActivity(ctx, ModelActivity, engine.ActivityOptions{
				Queue: r.taskQueue, RetryPolicy: r.modelRetry, Timeout: 2 * time.Minute,
			}, r.generate)
		},
		func() error {
			return e.RegisterToolActivity(ctx, ToolActivity, engine.ActivityOptions{
				Queue: r.taskQueue, RetryPolicy: r.toolRetry, Timeout: time.Minute,
			}, r.invokeTool)
		},
		func() error { return e.RegisterApprovalActivity(ctx, ApprovalActivity, store, r.applyApproval) },
		func() error { return e.RegisterEventActivity(ctx, EventActivity, store, r.publish) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("register runtime: %w", err)
		}
	}
	r.registered = true
	return nil
}

// Client returns a client starting turns on this runtime.
func (r *Runtime) Client() *Client {
	return &Client{rt: r}
}

func (r *Runtime) isRegistered() bool {
	r.regMu.Lock()
	defer r.regMu.Unlock()
	return r.registered
}
