package temporal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/api/serviceerror"

	"goa.design/relay/runtime/agent/engine"
)

func TestSignalErrorsMapToEngineSentinels(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"missing session workflow", serviceerror.NewNotFound("workflow session/s1 not found"), engine.ErrWorkflowNotFound},
		{"turn already finished", serviceerror.NewFailedPrecondition("workflow execution already completed"), engine.ErrWorkflowCompleted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mapSignalError(tc.err)
			require.ErrorIs(t, got, tc.want)
			assert.ErrorIs(t, got, tc.err, "the service error stays in the chain")
		})
	}

	require.NoError(t, mapSignalError(nil))
	other := errors.New("frontend unavailable")
	assert.Same(t, other, mapSignalError(other))
}
