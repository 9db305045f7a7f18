// Package pulse exposes a stream.Sink that publishes turn progress events to
// goa.design/pulse streams, and a Subscriber that reads them back. Services
// build a Redis client, wrap it with clients/pulse and hand the sink to the
// runtime.
package pulse

import (
	"context"
	"encoding/json"
	"errors"

	clientspulse "goa.design/relay/features/stream/pulse/clients/pulse"
	"goa.design/relay/runtime/agent/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamID derives the target stream from an event. Defaults to
		// SessionStreamID.
		StreamID func(stream.Event) (string, error)
	}

	// Sink publishes events into Pulse streams. It is safe for concurrent use.
	Sink struct {
		client   clientspulse.Client
		streamID func(stream.Event) (string, error)
	}
)

var _ stream.Sink = (*Sink)(nil)

// NewSink constructs a Pulse-backed stream sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	id := opts.StreamID
	if id == nil {
		id = SessionStreamID
	}
	return &Sink{client: opts.Client, streamID: id}, nil
}

// SessionStreamID publishes all turns of a session on "session/<id>".
func SessionStreamID(event stream.Event) (string, error) {
	if event.SessionID == "" {
		return "", errors.New("stream event missing session id")
	}
	return "session/" + event.SessionID, nil
}

// Send publishes the JSON encoded event under its type name.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	id, err := s.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(id)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = handle.Add(ctx, string(event.Type), payload)
	return err
}

// Close is a no-op: the caller owns the Redis connection.
func (s *Sink) Close(context.Context) error { return nil }
