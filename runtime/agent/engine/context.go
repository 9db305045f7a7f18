package engine

import "context"

// ActivityInfo describes the activity attempt a handler is running in.
type ActivityInfo struct {
	// WorkflowID identifies the workflow that scheduled the activity.
	WorkflowID string
	// Activity is the registered activity name.
	Activity string
	// Attempt is the 1-based attempt number.
	Attempt int
}

type activityInfoKey struct{}

// WithActivityInfo returns a child context carrying info. Engine adapters set
// it before invoking activity handlers.
func WithActivityInfo(ctx context.Context, info ActivityInfo) context.Context {
	return context.WithValue(ctx, activityInfoKey{}, info)
}

// ActivityInfoFromContext returns the activity info carried by ctx, if any.
func ActivityInfoFromContext(ctx context.Context) (ActivityInfo, bool) {
	info, ok := ctx.Value(activityInfoKey{}).(ActivityInfo)
	return info, ok
}

type disconnectedKey struct{}

// Disconnected returns a context that is not canceled with ctx. Workflow code
// passes it to activity calls that must still run once the workflow has been
// canceled, such as releasing a pending approval.
func Disconnected(ctx context.Context) context.Context {
	return context.WithValue(context.WithoutCancel(ctx), disconnectedKey{}, true)
}

// IsDisconnected reports whether ctx was returned by Disconnected.
func IsDisconnected(ctx context.Context) bool {
	v, _ := ctx.Value(disconnectedKey{}).(bool)
	return v
}
