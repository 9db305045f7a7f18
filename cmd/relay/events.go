package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"goa.design/relay/runtime/agent/approval"
	"goa.design/relay/runtime/agent/stream"
)

// printSink writes a one line summary of each turn event.
type printSink struct {
	mu sync.Mutex
	w  io.Writer
	// verbose also prints model output and tool result events.
	verbose bool
}

func (p *printSink) Send(_ context.Context, e stream.Event) error {
	line, ok := describeEvent(e, p.verbose)
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintln(p.w, line)
	return err
}

func (p *printSink) Close(context.Context) error { return nil }

// describeEvent renders e for a terminal. Quiet mode keeps the events a user
// must act on or would otherwise miss.
func describeEvent(e stream.Event, verbose bool) (string, bool) {
	switch e.Type {
	case stream.EventApprovalRequested:
		var p approval.Pending
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Sprintf("* approval requested (undecodable payload: %v)", err), true
		}
		return fmt.Sprintf("* %s wants to call %s with %s\n  /approve %s or /reject %s [note] (expires %s)",
			e.Agent, p.Tool, compact(p.Payload), p.CorrelationID, p.CorrelationID,
			p.ExpiresAt.Local().Format("15:04:05")), true
	case stream.EventApprovalResolved, stream.EventHandoff, stream.EventToolScheduled, stream.EventTurnFailed:
		return fmt.Sprintf("* %s %s", e.Type, compact(e.Payload)), true
	case stream.EventModelOutput, stream.EventToolResult, stream.EventTurnStarted, stream.EventTurnCompleted:
		if !verbose {
			return "", false
		}
		return fmt.Sprintf("  [%s #%d] %s %s", e.Agent, e.Seq, e.Type, compact(e.Payload)), true
	default:
		return fmt.Sprintf("  %s %s", e.Type, compact(e.Payload)), verbose
	}
}

func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		return string(raw)
	}
	return b.String()
}
