package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"goa.design/relay/runtime/agent/stream"
)

func TestSubscribeEmitsEvents(t *testing.T) {
	cli := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: cli, Buffer: 2})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "session/sess-1")
	require.NoError(t, err)
	defer cancel()

	payload, err := json.Marshal(toolResult())
	require.NoError(t, err)
	fs := cli.stream("session/sess-1").sink
	fs.ch <- &streaming.Event{ID: "1-0", Payload: payload}
	close(fs.ch)

	e := <-events
	require.Equal(t, stream.EventToolResult, e.Type)
	require.Equal(t, "billing", string(e.Agent))
	_, open := <-events
	require.False(t, open)
	require.NoError(t, <-errs)
	fs.mu.Lock()
	require.Equal(t, []string{"1-0"}, fs.acked)
	fs.mu.Unlock()
}

func TestSubscribeDecodeError(t *testing.T) {
	cli := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "session/sess-1")
	require.NoError(t, err)
	defer cancel()
	cli.stream("session/sess-1").sink.ch <- &streaming.Event{ID: "1-0", Payload: []byte("not json")}

	require.ErrorContains(t, <-errs, "pulse decode payload")
	_, open := <-events
	require.False(t, open)
}

func TestCancelClosesSink(t *testing.T) {
	cli := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)
	_, _, cancel, err := sub.Subscribe(context.Background(), "session/sess-1")
	require.NoError(t, err)
	cancel()
	fs := cli.stream("session/sess-1").sink
	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.True(t, fs.closed)
}

func TestSubscribeDropsRedeliveredEvents(t *testing.T) {
	cli := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: cli, Buffer: 4})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "session/sess-1")
	require.NoError(t, err)
	defer cancel()

	fs := cli.stream("session/sess-1").sink
	for i, seq := range []int{3, 3, 4, 2} {
		e := toolResult()
		e.Seq = seq
		payload, err := json.Marshal(e)
		require.NoError(t, err)
		fs.ch <- &streaming.Event{ID: fmt.Sprintf("%d-0", i+1), Payload: payload}
	}
	close(fs.ch)

	var seqs []int
	for e := range events {
		seqs = append(seqs, e.Seq)
	}
	require.NoError(t, <-errs)
	require.Equal(t, []int{3, 4}, seqs)
	fs.mu.Lock()
	require.Len(t, fs.acked, 4)
	fs.mu.Unlock()
}
