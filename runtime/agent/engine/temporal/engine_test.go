package temporal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"goa.design/relay/runtime/agent/api"
	"goa.design/relay/runtime/agent/engine"
)

func TestTerminalErrorsSurviveConversion(t *testing.T) {
	sentinel := engine.NewTerminal("agent_not_found", "agent not found")
	converted := toTemporalError(fmtWrap(sentinel))

	var appErr *temporal.ApplicationError
	require.ErrorAs(t, converted, &appErr)
	require.True(t, appErr.NonRetryable())
	require.Equal(t, "agent_not_found", appErr.Type())

	restored := fromTemporalError(converted)
	require.ErrorIs(t, restored, sentinel)
	require.Equal(t, "agent not found", restored.Error())
}

func TestRetryableErrorsPassThrough(t *testing.T) {
	err := errors.New("transient")
	require.Same(t, err, toTemporalError(err))
	require.Same(t, err, fromTemporalError(err))
	require.NoError(t, toTemporalError(nil))
	require.NoError(t, fromTemporalError(nil))

	retryable := temporal.NewApplicationError("busy", "busy")
	require.False(t, engine.IsTerminal(fromTemporalError(retryable)))
}

func TestCanceledErrorsMatchContextCanceled(t *testing.T) {
	err := fromTemporalError(temporal.NewCanceledError())
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, temporal.IsCanceledError(err))
}

func TestConvertRetryPolicy(t *testing.T) {
	require.Nil(t, convertRetryPolicy(engine.RetryPolicy{}))
	p := convertRetryPolicy(engine.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Second, BackoffCoefficient: 2})
	require.NotNil(t, p)
	require.Equal(t, int32(3), p.MaximumAttempts)
	require.Equal(t, time.Second, p.InitialInterval)
	require.InDelta(t, 2.0, p.BackoffCoefficient, 0.0001)
}

func TestActivityOptionsResolution(t *testing.T) {
	defaults := engine.ActivityOptions{Queue: "tools", Timeout: 5 * time.Second, RetryPolicy: engine.RetryPolicy{MaxAttempts: 3}}
	opts := activityOptions("default", defaults, engine.ActivityOptions{RetryPolicy: engine.RetryPolicy{MaxAttempts: 1}})
	require.Equal(t, "tools", opts.TaskQueue)
	require.Equal(t, 5*time.Second, opts.StartToCloseTimeout)
	require.Equal(t, int32(1), opts.RetryPolicy.MaximumAttempts)

	opts = activityOptions("default", engine.ActivityOptions{}, engine.ActivityOptions{})
	require.Equal(t, "default", opts.TaskQueue)
	require.Equal(t, defaultActivityTimeout, opts.StartToCloseTimeout)
	require.Nil(t, opts.RetryPolicy)
}

func TestRunStatusMapping(t *testing.T) {
	require.Equal(t, engine.RunStatusRunning, runStatus(enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING))
	require.Equal(t, engine.RunStatusCompleted, runStatus(enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED))
	require.Equal(t, engine.RunStatusCanceled, runStatus(enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED))
	require.Equal(t, engine.RunStatusFailed, runStatus(enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED))
	require.Equal(t, engine.RunStatusFailed, runStatus(enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT))
}

func TestScheduledActivityWorkflowSleepsThenRuns(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()

	e := &Engine{defaultQueue: "default", activityOptions: map[string]engine.ActivityOptions{}}
	var got *api.ToolActivityInput
	env.RegisterActivityWithOptions(func(_ context.Context, in *api.ToolActivityInput) (*api.ToolActivityOutput, error) {
		got = in
		return &api.ToolActivityOutput{Result: []byte(`"sent"`)}, nil
	}, activity.RegisterOptions{Name: "relay.tool"})

	env.ExecuteWorkflow(e.scheduledActivityWorkflow, &scheduledActivity{
		Activity: "relay.tool",
		Input:    &api.ToolActivityInput{Tool: "send_reminder", CallID: "c1"},
		Delay:    time.Hour,
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	require.NotNil(t, got)
	require.Equal(t, "send_reminder", got.Tool)
}

func fmtWrap(err error) error {
	return errors.Join(errors.New("model activity"), err)
}
