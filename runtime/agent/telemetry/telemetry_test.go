package telemetry

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"goa.design/clue/log"
)

func TestFieldersSkipsNonStringKeys(t *testing.T) {
	got := fielders("hello", []any{"a", 1, 2, "ignored", "tail"})
	require.Equal(t, []log.Fielder{
		log.KV{K: "msg", V: "hello"},
		log.KV{K: "a", V: 1},
		log.KV{K: "tail", V: nil},
	}, got)
}

func TestTagsToAttrsPadsOddTags(t *testing.T) {
	got := tagsToAttrs([]string{"agent", "billing", "tool"})
	require.Equal(t, []attribute.KeyValue{
		attribute.String("agent", "billing"),
		attribute.String("tool", ""),
	}, got)
}

func TestClueLoggerWritesStructuredEntries(t *testing.T) {
	var buf bytes.Buffer
	ctx := log.Context(context.Background(), log.WithOutput(&buf), log.WithFormat(log.FormatJSON), log.WithDebug())

	logger := NewClueLogger()
	logger.Info(ctx, "turn completed", "session_id", "s1")
	logger.Error(ctx, "turn failed", "err", errors.New("boom"), "session_id", "s1")

	out := buf.String()
	require.Contains(t, out, "turn completed")
	require.Contains(t, out, "session_id")
	require.Contains(t, out, "boom")
}

func TestNoopImplementations(t *testing.T) {
	ctx := context.Background()
	NewNoopLogger().Warn(ctx, "ignored", "k", "v")
	m := NewNoopMetrics()
	m.IncCounter("relay.count", 1)
	m.RecordTimer("relay.timer", time.Second)

	newCtx, span := NewNoopTracer().Start(ctx, "relay.turn")
	require.Equal(t, ctx, newCtx)
	span.SetStatus(codes.Ok, "done")
	span.End()
}
