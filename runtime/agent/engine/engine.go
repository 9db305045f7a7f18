// Package engine defines the durable execution abstraction the orchestration
// loop runs on. It provides pluggable interfaces so the runtime can target
// Temporal, the in-memory engine, or a custom backend without modification.
//
// # Core Abstractions
//
//   - Engine: registers the turn workflow and its activities, starts workflow
//     executions and delivers signals to them.
//
//   - WorkflowContext: the deterministic operations available inside a
//     workflow handler: journaled activity execution (durable steps), futures
//     for concurrent activities, fire-and-forget scheduled activities and
//     signal receivers for durable wait handles.
//
//   - Future[T]: a pending activity result. JoinAll awaits a set of futures
//     and captures each outcome independently.
//
//   - Receiver[T]: typed signal delivery with an optional timeout. Signals
//     resolve wait handles created by workflow code (human approvals).
//
// # Determinism Requirements
//
// Workflow handlers must produce the same sequence of engine calls when
// replayed against the same journal:
//
//   - use Now() instead of time.Now()
//   - run all I/O in activities
//   - derive identifiers from the workflow id and local counters
//
// Activities can perform arbitrary I/O. The engine records their outputs and
// replays them during recovery instead of executing them again.
package engine

import (
	"context"
	"errors"
	"time"

	"goa.design/relay/runtime/agent/api"
	"goa.design/relay/runtime/agent/approval"
	"goa.design/relay/runtime/agent/telemetry"
)

// RunStatus represents the lifecycle state of a workflow execution.
type RunStatus string

const (
	// RunStatusRunning indicates the workflow is actively executing.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates the workflow finished successfully.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the workflow failed permanently.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCanceled indicates the workflow was canceled externally.
	RunStatusCanceled RunStatus = "canceled"
)

var (
	// ErrWorkflowNotFound indicates that no workflow execution exists for the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrWorkflowCompleted indicates the target workflow already completed.
	ErrWorkflowCompleted = errors.New("workflow completed")
	// ErrWorkflowRunning indicates a workflow with the same id is already running.
	ErrWorkflowRunning = errors.New("workflow already running")
)

type (
	// Engine abstracts workflow registration and execution.
	Engine interface {
		// RegisterWorkflow registers the workflow handler under def.Name.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterLoadSessionActivity registers the activity loading session state.
		RegisterLoadSessionActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.LoadSessionInput) (*api.LoadSessionOutput, error)) error

		// RegisterSaveSessionActivity registers the activity persisting session state.
		RegisterSaveSessionActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.SaveSessionInput) error) error

		// RegisterModelActivity registers the activity invoking the language model.
		RegisterModelActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.ModelActivityInput) (*api.ModelActivityOutput, error)) error

		// RegisterToolActivity registers the activity invoking a tool component.
		RegisterToolActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.ToolActivityInput) (*api.ToolActivityOutput, error)) error

		// RegisterApprovalActivity registers the activity maintaining pending approvals.
		RegisterApprovalActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.ApprovalActivityInput) error) error

		// RegisterEventActivity registers the activity publishing stream events.
		RegisterEventActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.EventActivityInput) error) error

		// StartWorkflow starts a workflow execution. Returns ErrWorkflowRunning
		// when a workflow with the same id is in flight.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)

		// QueryRunStatus returns the lifecycle status of the workflow with the
		// given id.
		QueryRunStatus(ctx context.Context, workflowID string) (RunStatus, error)
	}

	// Signaler delivers signals by workflow id, without an in-process handle.
	// It is how external callers resolve wait handles across process restarts.
	Signaler interface {
		// SignalByID sends a signal to the workflow identified by workflowID
		// and optional runID.
		SignalByID(ctx context.Context, workflowID, runID, name string, payload any) error
	}

	// Canceler cancels workflows by id.
	Canceler interface {
		CancelByID(ctx context.Context, workflowID, runID string) error
	}

	// WorkflowDefinition binds a workflow handler to a logical name and default queue.
	WorkflowDefinition struct {
		// Name is the logical identifier registered with the engine.
		Name string
		// TaskQueue is the default queue used when starting new workflows.
		TaskQueue string
		// Handler is the workflow function.
		Handler WorkflowFunc
	}

	// WorkflowFunc is the workflow entry point. It must be deterministic with
	// respect to activity results and signals.
	WorkflowFunc func(ctx WorkflowContext, input *api.TurnInput) (*api.AgentResponse, error)

	// WorkflowContext exposes engine operations to workflow handlers.
	//
	// Thread-safety: a WorkflowContext is bound to a single workflow execution
	// and must only be used from the workflow's own goroutine.
	WorkflowContext interface {
		// Context returns the Go context of the workflow. It is canceled when
		// the workflow is canceled.
		Context() context.Context

		// WorkflowID returns the workflow identifier.
		WorkflowID() string

		// RunID returns the engine-assigned run identifier.
		RunID() string

		// Now returns the deterministic workflow time.
		Now() time.Time

		// Logger returns the engine logger. Messages may repeat on replay.
		Logger() telemetry.Logger

		// LoadSession runs the load session activity.
		LoadSession(ctx context.Context, call LoadSessionCall) (*api.LoadSessionOutput, error)

		// SaveSession runs the save session activity.
		SaveSession(ctx context.Context, call SaveSessionCall) error

		// ExecuteModelActivity runs the model activity and blocks until it
		// completes, retrying according to the activity retry policy.
		ExecuteModelActivity(ctx context.Context, call ModelActivityCall) (*api.ModelActivityOutput, error)

		// ExecuteToolActivityAsync schedules a tool activity and returns a
		// Future so several tools can run concurrently.
		ExecuteToolActivityAsync(ctx context.Context, call ToolActivityCall) (Future[*api.ToolActivityOutput], error)

		// ScheduleToolActivity dispatches a tool activity to run after delay
		// without awaiting it. The dispatch is durable: it returns once the
		// engine has recorded the scheduled work and the scheduled activity
		// outlives the workflow.
		ScheduleToolActivity(ctx context.Context, call ToolActivityCall, delay time.Duration) error

		// ExecuteApprovalActivity runs the approval store activity.
		ExecuteApprovalActivity(ctx context.Context, call ApprovalActivityCall) error

		// PublishEvent runs the event publishing activity.
		PublishEvent(ctx context.Context, call EventActivityCall) error

		// ApprovalDecisions returns the receiver for approval decision signals.
		ApprovalDecisions() Receiver[approval.Decision]
	}

	// Future represents a pending activity result. Calling Get multiple times
	// returns the same result.
	Future[T any] interface {
		// Get blocks until the activity completes and returns its result.
		Get(ctx context.Context) (T, error)
		// IsReady reports whether Get will not block.
		IsReady() bool
	}

	// Receiver delivers typed workflow signals.
	Receiver[T any] interface {
		// Receive blocks until a signal value is delivered.
		Receive(ctx context.Context) (T, error)
		// ReceiveWithTimeout blocks until a signal is delivered or timeout
		// elapses in workflow time. ok is false on timeout.
		ReceiveWithTimeout(ctx context.Context, timeout time.Duration) (value T, ok bool, err error)
		// ReceiveAsync attempts to receive a signal without blocking.
		ReceiveAsync() (T, bool)
	}

	// ActivityCall describes a single activity invocation from workflow code.
	ActivityCall[T any] struct {
		// Name identifies the registered activity.
		Name string
		// Input is the typed payload passed to the activity handler.
		Input T
		// Options overrides the registered activity defaults for this invocation.
		Options ActivityOptions
	}

	// LoadSessionCall invokes the load session activity.
	LoadSessionCall = ActivityCall[*api.LoadSessionInput]
	// SaveSessionCall invokes the save session activity.
	SaveSessionCall = ActivityCall[*api.SaveSessionInput]
	// ModelActivityCall invokes the model activity.
	ModelActivityCall = ActivityCall[*api.ModelActivityInput]
	// ToolActivityCall invokes the tool activity.
	ToolActivityCall = ActivityCall[*api.ToolActivityInput]
	// ApprovalActivityCall invokes the approval store activity.
	ApprovalActivityCall = ActivityCall[*api.ApprovalActivityInput]
	// EventActivityCall invokes the event publishing activity.
	EventActivityCall = ActivityCall[*api.EventActivityInput]

	// ActivityOptions configures retry and timeouts for an activity.
	ActivityOptions struct {
		// Queue overrides the default activity queue.
		Queue string
		// RetryPolicy controls retry behavior. Zero-valued fields use the
		// engine defaults.
		RetryPolicy RetryPolicy
		// Timeout bounds a single activity attempt. Zero uses the engine default.
		Timeout time.Duration
	}

	// RetryPolicy defines activity retry semantics. Terminal errors are never
	// retried regardless of the policy.
	RetryPolicy struct {
		// MaxAttempts caps the total number of attempts.
		MaxAttempts int
		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration
		// BackoffCoefficient multiplies the delay after each retry.
		BackoffCoefficient float64
	}

	// WorkflowStartRequest describes how to launch a workflow execution.
	WorkflowStartRequest struct {
		// ID is the workflow identifier. At most one workflow with a given id
		// runs at a time.
		ID string
		// Workflow names the registered workflow definition.
		Workflow string
		// TaskQueue overrides the workflow definition queue.
		TaskQueue string
		// Input is the workflow input.
		Input *api.TurnInput
		// RunTimeout bounds the workflow execution time. Zero means no bound.
		RunTimeout time.Duration
		// Memo stores small diagnostic payloads alongside the execution.
		Memo map[string]any
	}

	// WorkflowHandle allows callers to interact with a running workflow.
	WorkflowHandle interface {
		// ID returns the workflow identifier.
		ID() string
		// RunID returns the engine-assigned run identifier.
		RunID() string
		// Wait blocks until the workflow completes and returns its result.
		Wait(ctx context.Context) (*api.AgentResponse, error)
		// Signal sends a signal to the workflow.
		Signal(ctx context.Context, name string, payload any) error
		// Cancel requests cancellation of the workflow.
		Cancel(ctx context.Context) error
	}
)

// MergeRetryPolicies overlays the non-zero fields of override on base.
func MergeRetryPolicies(base, override RetryPolicy) RetryPolicy {
	result := base
	if override.MaxAttempts != 0 {
		result.MaxAttempts = override.MaxAttempts
	}
	if override.InitialInterval != 0 {
		result.InitialInterval = override.InitialInterval
	}
	if override.BackoffCoefficient != 0 {
		result.BackoffCoefficient = override.BackoffCoefficient
	}
	return result
}
