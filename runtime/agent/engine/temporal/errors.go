package temporal

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/temporal"

	"goa.design/relay/runtime/agent/engine"
)

// toTemporalError turns terminal errors into non-retryable application errors
// typed with the terminal code.
func toTemporalError(err error) error {
	if err == nil {
		return nil
	}
	if te, ok := engine.AsTerminal(err); ok {
		return temporal.NewNonRetryableApplicationError(te.Message, te.Code, nil)
	}
	return err
}

// fromTemporalError restores terminal errors from the application errors
// produced by toTemporalError, through any activity or workflow wrapping.
// Cancellation errors also match context.Canceled.
func fromTemporalError(err error) error {
	if err == nil {
		return nil
	}
	if temporal.IsCanceledError(err) {
		return fmt.Errorf("%w: %w", context.Canceled, err)
	}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.NonRetryable() && appErr.Type() != "" {
		return engine.NewTerminal(appErr.Type(), appErr.Message())
	}
	return err
}

// mapSignalError translates Temporal service errors into engine sentinels.
func mapSignalError(err error) error {
	if err == nil {
		return nil
	}
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %w", engine.ErrWorkflowNotFound, err)
	}
	var precondition *serviceerror.FailedPrecondition
	if errors.As(err, &precondition) {
		return fmt.Errorf("%w: %w", engine.ErrWorkflowCompleted, err)
	}
	return err
}
