package engine

import "context"

// Result is the outcome of one future in a join.
type Result[T any] struct {
	Value T
	Err   error
}

// JoinAll waits for every future and returns their outcomes in the order of
// futures. A failing future never prevents the others from being awaited: each
// outcome is captured independently. Completion order is irrelevant to the
// order of the returned slice.
func JoinAll[T any](ctx context.Context, futures []Future[T]) []Result[T] {
	results := make([]Result[T], len(futures))
	for i, f := range futures {
		results[i].Value, results[i].Err = f.Get(ctx)
	}
	return results
}
