package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"goa.design/relay/runtime/agent/api"
	"goa.design/relay/runtime/agent/engine"
	"goa.design/relay/runtime/agent/telemetry"
)

// Options configures the Temporal engine adapter. Either Client or
// ClientOptions must be provided.
type Options struct {
	// Client is an optional pre-configured Temporal client. When nil the
	// adapter creates a lazy client from ClientOptions with the OTEL
	// interceptors installed.
	Client client.Client

	// ClientOptions describe how to construct the Temporal client when Client
	// is nil. Only connection fields (HostPort, Namespace, ...) need to be set.
	ClientOptions *client.Options

	// WorkerOptions configures the workers. TaskQueue is required and is the
	// queue used when a definition omits one. A worker is created per queue.
	WorkerOptions WorkerOptions

	// Instrumentation toggles OTEL tracing and metrics. Both are enabled by
	// default.
	Instrumentation InstrumentationOptions

	// DisableWorkerAutoStart disables starting the workers on the first
	// StartWorkflow call. Use Worker().Start() to start them explicitly.
	DisableWorkerAutoStart bool

	// Logger emits worker logs. Defaults to a noop logger.
	Logger telemetry.Logger
}

// WorkerOptions configures the workers managed by the engine.
type WorkerOptions struct {
	// TaskQueue is the default queue name.
	TaskQueue string

	// Options are forwarded to worker.New.
	Options worker.Options
}

// InstrumentationOptions configures the OTEL interceptors installed on the
// Temporal client and workers.
type InstrumentationOptions struct {
	// DisableTracing skips the OTEL tracing interceptor.
	DisableTracing bool
	// DisableMetrics skips the OTEL metrics handler.
	DisableMetrics bool
	// TracerOptions customize the tracing interceptor.
	TracerOptions temporalotel.TracerOptions
	// MetricsOptions customize the metrics handler.
	MetricsOptions temporalotel.MetricsHandlerOptions
}

// Engine implements engine.Engine on Temporal. It creates one worker per task
// queue and registers the internal workflow used to run delayed activities.
//
// All methods are safe for concurrent use.
type Engine struct {
	client      client.Client
	closeClient bool

	defaultQueue      string
	workerOpts        worker.Options
	autoStartDisabled bool

	logger telemetry.Logger

	mu              sync.Mutex
	workers         map[string]*workerBundle
	workersStarted  bool
	workflows       map[string]engine.WorkflowDefinition
	activityOptions map[string]engine.ActivityOptions

	baseContexts sync.Map // runID -> context.Context
}

// New constructs a Temporal engine adapter.
func New(opts Options) (*Engine, error) {
	defaultQueue := opts.WorkerOptions.TaskQueue
	if defaultQueue == "" {
		return nil, errors.New("temporal engine: worker options must include a default task queue")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, errors.New("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions.Options
	applyWorkerInstrumentation(&workerOpts, inst)

	e := &Engine{
		client:            cli,
		closeClient:       closeClient,
		defaultQueue:      defaultQueue,
		workerOpts:        workerOpts,
		autoStartDisabled: opts.DisableWorkerAutoStart,
		logger:            logger,
		workers:           make(map[string]*workerBundle),
		workflows:         make(map[string]engine.WorkflowDefinition),
		activityOptions:   make(map[string]engine.ActivityOptions),
	}
	bundle, err := e.workerForQueue(defaultQueue)
	if err != nil {
		return nil, err
	}
	bundle.worker.RegisterWorkflowWithOptions(e.scheduledActivityWorkflow, workflow.RegisterOptions{Name: scheduledActivityWorkflowName})
	return e, nil
}

// RegisterWorkflow implements engine.Engine.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("temporal engine: workflow name and handler are required")
	}
	e.mu.Lock()
	if _, exists := e.workflows[def.Name]; exists {
		e.mu.Unlock()
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	e.mu.Unlock()

	bundle, err := e.workerForQueue(def.TaskQueue)
	if err != nil {
		return err
	}
	bundle.worker.RegisterWorkflowWithOptions(func(tctx workflow.Context, input *api.TurnInput) (*api.AgentResponse, error) {
		wf := newWorkflowContext(e, tctx)
		defer e.baseContexts.Delete(wf.runID)
		res, err := def.Handler(wf, input)
		return res, toTemporalError(err)
	}, workflow.RegisterOptions{Name: def.Name})
	return nil
}

// RegisterLoadSessionActivity implements engine.Engine.
func (e *Engine) RegisterLoadSessionActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.LoadSessionInput) (*api.LoadSessionOutput, error)) error {
	return registerActivity(e, name, opts, wrapActivity(e, name, fn))
}

// RegisterSaveSessionActivity implements engine.Engine.
func (e *Engine) RegisterSaveSessionActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.SaveSessionInput) error) error {
	return registerActivity(e, name, opts, wrapErrActivity(e, name, fn))
}

// RegisterModelActivity implements engine.Engine.
func (e *Engine) RegisterModelActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.ModelActivityInput) (*api.ModelActivityOutput, error)) error {
	return registerActivity(e, name, opts, wrapActivity(e, name, fn))
}

// RegisterToolActivity implements engine.Engine.
func (e *Engine) RegisterToolActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.ToolActivityInput) (*api.ToolActivityOutput, error)) error {
	return registerActivity(e, name, opts, wrapActivity(e, name, fn))
}

// RegisterApprovalActivity implements engine.Engine.
func (e *Engine) RegisterApprovalActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.ApprovalActivityInput) error) error {
	return registerActivity(e, name, opts, wrapErrActivity(e, name, fn))
}

// RegisterEventActivity implements engine.Engine.
func (e *Engine) RegisterEventActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.EventActivityInput) error) error {
	return registerActivity(e, name, opts, wrapErrActivity(e, name, fn))
}

// StartWorkflow implements engine.Engine. The queue is resolved from the
// request, then the definition, then the engine default.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.ID == "" || req.Workflow == "" {
		return nil, errors.New("temporal engine: workflow id and name are required")
	}
	def, err := e.workflowDefinition(req.Workflow)
	if err != nil {
		return nil, err
	}
	if !e.autoStartDisabled {
		e.ensureWorkersStarted()
	}
	queue := req.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	if queue == "" {
		queue = e.defaultQueue
	}
	opts := client.StartWorkflowOptions{
		ID:                                       req.ID,
		TaskQueue:                                queue,
		WorkflowRunTimeout:                       req.RunTimeout,
		Memo:                                     req.Memo,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, def.Name, req.Input)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return nil, fmt.Errorf("%w: %s", engine.ErrWorkflowRunning, req.ID)
		}
		return nil, err
	}
	e.baseContexts.Store(run.GetRunID(), context.WithoutCancel(ctx))
	return &workflowHandle{run: run, client: e.client}, nil
}

// QueryRunStatus implements engine.Engine.
func (e *Engine) QueryRunStatus(ctx context.Context, workflowID string) (engine.RunStatus, error) {
	if workflowID == "" {
		return "", errors.New("temporal engine: workflow id is required")
	}
	resp, err := e.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return "", engine.ErrWorkflowNotFound
		}
		return "", err
	}
	return runStatus(resp.GetWorkflowExecutionInfo().GetStatus()), nil
}

// SignalByID implements engine.Signaler.
func (e *Engine) SignalByID(ctx context.Context, workflowID, runID, name string, payload any) error {
	if workflowID == "" {
		return errors.New("temporal engine: workflow id is required")
	}
	return mapSignalError(e.client.SignalWorkflow(ctx, workflowID, runID, name, payload))
}

// CancelByID implements engine.Canceler.
func (e *Engine) CancelByID(ctx context.Context, workflowID, runID string) error {
	if workflowID == "" {
		return errors.New("temporal engine: workflow id is required")
	}
	return mapSignalError(e.client.CancelWorkflow(ctx, workflowID, runID))
}

// Worker returns a controller for the engine workers.
func (e *Engine) Worker() *WorkerController {
	return &WorkerController{engine: e}
}

// Close closes the Temporal client when the engine created it.
func (e *Engine) Close() {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
}

func runStatus(s enumspb.WorkflowExecutionStatus) engine.RunStatus {
	switch s {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING, enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return engine.RunStatusRunning
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return engine.RunStatusCompleted
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED:
		return engine.RunStatusCanceled
	default:
		return engine.RunStatusFailed
	}
}

func registerActivity(e *Engine, name string, opts engine.ActivityOptions, fn any) error {
	if name == "" {
		return errors.New("temporal engine: activity name cannot be empty")
	}
	e.mu.Lock()
	if _, exists := e.activityOptions[name]; exists {
		e.mu.Unlock()
		return fmt.Errorf("temporal engine: activity %q already registered", name)
	}
	e.activityOptions[name] = opts
	e.mu.Unlock()

	bundle, err := e.workerForQueue(opts.Queue)
	if err != nil {
		return err
	}
	bundle.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
	return nil
}

// wrapActivity adapts a typed handler so it sees the engine activity info and
// the telemetry context of the caller that started the workflow.
func wrapActivity[In, Out any](e *Engine, name string, fn func(context.Context, In) (Out, error)) func(context.Context, In) (Out, error) {
	return func(ctx context.Context, in In) (Out, error) {
		out, err := fn(e.activityContext(ctx, name), in)
		return out, toTemporalError(err)
	}
}

func wrapErrActivity[In any](e *Engine, name string, fn func(context.Context, In) error) func(context.Context, In) error {
	return func(ctx context.Context, in In) error {
		return toTemporalError(fn(e.activityContext(ctx, name), in))
	}
}

func (e *Engine) activityContext(ctx context.Context, name string) context.Context {
	info := activity.GetInfo(ctx)
	if base, ok := e.baseContexts.Load(info.WorkflowExecution.RunID); ok {
		ctx = telemetry.MergeContext(ctx, base.(context.Context))
	}
	return engine.WithActivityInfo(ctx, engine.ActivityInfo{
		WorkflowID: info.WorkflowExecution.ID,
		Activity:   name,
		Attempt:    int(info.Attempt),
	})
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	if queue == "" {
		queue = e.defaultQueue
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}
	bundle := &workerBundle{
		queue:  queue,
		worker: worker.New(e.client, queue, e.workerOpts),
		logger: e.logger,
	}
	e.workers[queue] = bundle
	if e.workersStarted {
		bundle.start()
	}
	return bundle, nil
}

func (e *Engine) workflowDefinition(name string) (engine.WorkflowDefinition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, ok := e.workflows[name]
	if !ok {
		return engine.WorkflowDefinition{}, fmt.Errorf("temporal engine: workflow %q is not registered", name)
	}
	return def, nil
}

func (e *Engine) activityDefaultsFor(name string) engine.ActivityOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activityOptions[name]
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

// WorkerController starts and stops the workers of an engine.
type WorkerController struct {
	engine *Engine
}

// Start launches all registered workers. Workers created later start
// immediately.
func (c *WorkerController) Start() {
	c.engine.ensureWorkersStarted()
}

// Stop gracefully stops all workers.
func (c *WorkerController) Stop() {
	c.engine.mu.Lock()
	bundles := make([]*workerBundle, 0, len(c.engine.workers))
	for _, b := range c.engine.workers {
		bundles = append(bundles, b)
	}
	c.engine.mu.Unlock()
	for _, b := range bundles {
		b.worker.Stop()
	}
}

type workerBundle struct {
	queue  string
	worker worker.Worker
	logger telemetry.Logger

	startOnce sync.Once
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.logger.Error(context.Background(), "temporal worker exited", "queue", b.queue, "err", err)
			}
		}()
	})
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst != nil && inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

type workflowHandle struct {
	run    client.WorkflowRun
	client client.Client
}

func (h *workflowHandle) ID() string    { return h.run.GetID() }
func (h *workflowHandle) RunID() string { return h.run.GetRunID() }

func (h *workflowHandle) Wait(ctx context.Context) (*api.AgentResponse, error) {
	var out *api.AgentResponse
	if err := h.run.Get(ctx, &out); err != nil {
		return nil, fromTemporalError(err)
	}
	return out, nil
}

func (h *workflowHandle) Signal(ctx context.Context, name string, payload any) error {
	return mapSignalError(h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload))
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return mapSignalError(h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID()))
}
