package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"goa.design/relay/runtime/agent/api"
	"goa.design/relay/runtime/agent/approval"
	"goa.design/relay/runtime/agent/engine"
	"goa.design/relay/runtime/agent/telemetry"
)

type (
	temporalWorkflowContext struct {
		engine     *Engine
		ctx        workflow.Context
		workflowID string
		runID      string
		baseCtx    context.Context

		scheduled int
	}

	temporalFuture[T any] struct {
		future workflow.Future
		ctx    workflow.Context
	}

	temporalReceiver[T any] struct {
		ctx workflow.Context
		ch  workflow.ReceiveChannel
	}

	// scheduledActivity is the input of the workflow running delayed tool
	// activities.
	scheduledActivity struct {
		Activity string
		Input    *api.ToolActivityInput
		Delay    time.Duration
		Options  engine.ActivityOptions
	}

	contextKey string
)

const (
	scheduledActivityWorkflowName = "relay.engine.scheduled_activity"

	workflowIDKey contextKey = "temporal.workflow_id"
	runIDKey      contextKey = "temporal.run_id"

	defaultActivityTimeout = time.Minute
)

func newWorkflowContext(e *Engine, ctx workflow.Context) *temporalWorkflowContext {
	info := workflow.GetInfo(ctx)
	wf := &temporalWorkflowContext{
		engine:     e,
		ctx:        ctx,
		workflowID: info.WorkflowExecution.ID,
		runID:      info.WorkflowExecution.RunID,
	}
	if base, ok := e.baseContexts.Load(wf.runID); ok {
		wf.baseCtx = base.(context.Context)
	}
	return wf
}

func (w *temporalWorkflowContext) Context() context.Context {
	ctx := w.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, workflowIDKey, w.workflowID)
	return context.WithValue(ctx, runIDKey, w.runID)
}

func (w *temporalWorkflowContext) WorkflowID() string       { return w.workflowID }
func (w *temporalWorkflowContext) RunID() string            { return w.runID }
func (w *temporalWorkflowContext) Now() time.Time           { return workflow.Now(w.ctx) }
func (w *temporalWorkflowContext) Logger() telemetry.Logger { return w.engine.logger }

func (w *temporalWorkflowContext) LoadSession(ctx context.Context, call engine.LoadSessionCall) (*api.LoadSessionOutput, error) {
	var out *api.LoadSessionOutput
	err := w.execute(ctx, call.Name, call.Input, call.Options, &out)
	return out, err
}

func (w *temporalWorkflowContext) SaveSession(ctx context.Context, call engine.SaveSessionCall) error {
	return w.execute(ctx, call.Name, call.Input, call.Options, nil)
}

func (w *temporalWorkflowContext) ExecuteModelActivity(ctx context.Context, call engine.ModelActivityCall) (*api.ModelActivityOutput, error) {
	var out *api.ModelActivityOutput
	err := w.execute(ctx, call.Name, call.Input, call.Options, &out)
	return out, err
}

func (w *temporalWorkflowContext) ExecuteToolActivityAsync(_ context.Context, call engine.ToolActivityCall) (engine.Future[*api.ToolActivityOutput], error) {
	if call.Name == "" {
		return nil, errors.New("tool activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("tool activity input is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	fut := workflow.ExecuteActivity(actx, call.Name, call.Input)
	return &temporalFuture[*api.ToolActivityOutput]{future: fut, ctx: actx}, nil
}

// ScheduleToolActivity starts an abandoned child workflow that sleeps for
// delay and then runs the tool activity. It returns once the child has
// started.
func (w *temporalWorkflowContext) ScheduleToolActivity(_ context.Context, call engine.ToolActivityCall, delay time.Duration) error {
	if call.Name == "" {
		return errors.New("tool activity name is required")
	}
	w.scheduled++
	cctx := workflow.WithChildOptions(w.ctx, workflow.ChildWorkflowOptions{
		WorkflowID:        fmt.Sprintf("%s/%s/scheduled/%d", w.workflowID, w.runID, w.scheduled),
		TaskQueue:         w.engine.defaultQueue,
		ParentClosePolicy: enumspb.PARENT_CLOSE_POLICY_ABANDON,
	})
	fut := workflow.ExecuteChildWorkflow(cctx, scheduledActivityWorkflowName, &scheduledActivity{
		Activity: call.Name,
		Input:    call.Input,
		Delay:    delay,
		Options:  call.Options,
	})
	var exec workflow.Execution
	return fut.GetChildWorkflowExecution().Get(cctx, &exec)
}

func (w *temporalWorkflowContext) ExecuteApprovalActivity(ctx context.Context, call engine.ApprovalActivityCall) error {
	return w.execute(ctx, call.Name, call.Input, call.Options, nil)
}

func (w *temporalWorkflowContext) PublishEvent(ctx context.Context, call engine.EventActivityCall) error {
	return w.execute(ctx, call.Name, call.Input, call.Options, nil)
}

func (w *temporalWorkflowContext) ApprovalDecisions() engine.Receiver[approval.Decision] {
	return &temporalReceiver[approval.Decision]{
		ctx: w.ctx,
		ch:  workflow.GetSignalChannel(w.ctx, api.SignalApprovalDecision),
	}
}

// execute runs the activity on the workflow context, or on a disconnected
// copy of it when ctx comes from engine.Disconnected.
func (w *temporalWorkflowContext) execute(ctx context.Context, name string, input any, opts engine.ActivityOptions, out any) error {
	if name == "" {
		return errors.New("activity name is required")
	}
	wctx := w.ctx
	if engine.IsDisconnected(ctx) {
		var cancel workflow.CancelFunc
		wctx, cancel = workflow.NewDisconnectedContext(w.ctx)
		defer cancel()
	}
	actx := workflow.WithActivityOptions(wctx, w.activityOptionsFor(name, opts))
	fut := workflow.ExecuteActivity(actx, name, input)
	if out == nil {
		return fromTemporalError(fut.Get(actx, nil))
	}
	return fromTemporalError(fut.Get(actx, out))
}

func (w *temporalWorkflowContext) activityOptionsFor(name string, override engine.ActivityOptions) workflow.ActivityOptions {
	return activityOptions(w.engine.defaultQueue, w.engine.activityDefaultsFor(name), override)
}

func activityOptions(defaultQueue string, defaults, override engine.ActivityOptions) workflow.ActivityOptions {
	queue := override.Queue
	if queue == "" {
		queue = defaults.Queue
	}
	if queue == "" {
		queue = defaultQueue
	}
	timeout := override.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	if timeout == 0 {
		timeout = defaultActivityTimeout
	}
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		TaskQueue:           queue,
		RetryPolicy:         convertRetryPolicy(engine.MergeRetryPolicies(defaults.RetryPolicy, override.RetryPolicy)),
	}
}

// scheduledActivityWorkflow runs a delayed tool activity on behalf of a turn
// that did not wait for it.
func (e *Engine) scheduledActivityWorkflow(ctx workflow.Context, in *scheduledActivity) error {
	if in == nil || in.Activity == "" {
		return temporal.NewNonRetryableApplicationError("scheduled activity name is required", "invalid_input", nil)
	}
	if in.Delay > 0 {
		if err := workflow.Sleep(ctx, in.Delay); err != nil {
			return err
		}
	}
	actx := workflow.WithActivityOptions(ctx, activityOptions(e.defaultQueue, e.activityDefaultsFor(in.Activity), in.Options))
	var out *api.ToolActivityOutput
	if err := workflow.ExecuteActivity(actx, in.Activity, in.Input).Get(actx, &out); err != nil {
		return err
	}
	if out != nil && out.Error != nil {
		workflow.GetLogger(ctx).Warn("scheduled tool failed", "activity", in.Activity, "error", out.Error.Error())
	}
	return nil
}

func (f *temporalFuture[T]) Get(_ context.Context) (T, error) {
	var out T
	if err := f.future.Get(f.ctx, &out); err != nil {
		return out, fromTemporalError(err)
	}
	return out, nil
}

func (f *temporalFuture[T]) IsReady() bool {
	return f.future.IsReady()
}

func (r *temporalReceiver[T]) Receive(ctx context.Context) (T, error) {
	var out T
	if err := ctx.Err(); err != nil {
		return out, err
	}
	r.ch.Receive(r.ctx, &out)
	return out, nil
}

func (r *temporalReceiver[T]) ReceiveWithTimeout(ctx context.Context, timeout time.Duration) (T, bool, error) {
	var out T
	if err := ctx.Err(); err != nil {
		return out, false, err
	}
	if timeout <= 0 {
		ok := r.ch.ReceiveAsync(&out)
		return out, ok, nil
	}
	ok, _ := r.ch.ReceiveWithTimeout(r.ctx, timeout, &out)
	if err := r.ctx.Err(); err != nil && !ok {
		return out, false, fromTemporalError(err)
	}
	return out, ok, nil
}

func (r *temporalReceiver[T]) ReceiveAsync() (T, bool) {
	var out T
	ok := r.ch.ReceiveAsync(&out)
	return out, ok
}

func convertRetryPolicy(r engine.RetryPolicy) *temporal.RetryPolicy {
	if r.MaxAttempts == 0 && r.InitialInterval == 0 && r.BackoffCoefficient == 0 {
		return nil
	}
	policy := &temporal.RetryPolicy{}
	if r.MaxAttempts > 0 {
		//nolint:gosec // attempts are small configuration values
		policy.MaximumAttempts = int32(r.MaxAttempts)
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = r.BackoffCoefficient
	}
	return policy
}
