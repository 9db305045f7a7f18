package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct {
	err    error
	closed bool
}

func (f *failingSink) Send(context.Context, Event) error { return f.err }

func (f *failingSink) Close(context.Context) error {
	f.closed = true
	return f.err
}

func TestMultiSinkDeliversInOrder(t *testing.T) {
	first, second := NewRecorder(), NewRecorder()
	sink := MultiSink{first, second}

	require.NoError(t, sink.Send(context.Background(), Event{Type: EventTurnStarted, Seq: 1}))
	require.NoError(t, sink.Send(context.Background(), Event{Type: EventTurnCompleted, Seq: 2}))

	want := []EventType{EventTurnStarted, EventTurnCompleted}
	assert.Equal(t, want, first.Types())
	assert.Equal(t, want, second.Types())
}

func TestMultiSinkStopsAtFirstFailure(t *testing.T) {
	boom := errors.New("boom")
	after := NewRecorder()
	sink := MultiSink{&failingSink{err: boom}, after}

	err := sink.Send(context.Background(), Event{Type: EventHandoff})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, after.Events())
}

func TestMultiSinkClosesEverySink(t *testing.T) {
	boom := errors.New("boom")
	a, b := &failingSink{err: boom}, &failingSink{}
	err := MultiSink{a, b}.Close(context.Background())
	require.ErrorIs(t, err, boom)
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}
