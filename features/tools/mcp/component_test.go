package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/relay/runtime/agent/toolerrors"
	"goa.design/relay/runtime/agent/tools"
)

// fakeServer is a minimal MCP server. Tool names select the reply.
type fakeServer struct {
	mu       sync.Mutex
	inits    int
	sessions []string
	lastCall map[string]any
	expire   bool
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     *int64         `json:"id"`
		Method string         `json:"method"`
		Params map[string]any `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, r.Header.Get(headerSession))

	switch req.Method {
	case "initialize":
		s.inits++
		w.Header().Set(headerSession, fmt.Sprintf("session-%d", s.inits))
		writeJSON(w, *req.ID, `{"protocolVersion":"2025-03-26","capabilities":{"tools":{}}}`)
		return
	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if s.expire {
		s.expire = false
		w.WriteHeader(http.StatusNotFound)
		return
	}
	s.lastCall = req.Params
	switch req.Params["name"] {
	case "lookup":
		writeJSON(w, *req.ID, `{"content":[{"type":"text","text":"{\"order\":\"A-1\"}"}]}`)
	case "structured":
		writeJSON(w, *req.ID, `{"content":[{"type":"text","text":"summary"}],"structuredContent":{"total":3}}`)
	case "stream":
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprintf(w, ": keepalive\n\n")
		_, _ = fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n")
		_, _ = fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":{\"content\":[{\"type\":\"text\",\"text\":\"line one\"},{\"type\":\"text\",\"text\":\"line two\"}]}}\n\n", *req.ID)
	case "failing":
		writeJSON(w, *req.ID, `{"content":[{"type":"text","text":"order not found"}],"isError":true}`)
	case "busy":
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32602,"message":"unknown tool"}}`, *req.ID)
	}
}

func (s *fakeServer) state() (inits int, sessions []string, lastCall map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inits, append([]string(nil), s.sessions...), s.lastCall
}

func writeJSON(w http.ResponseWriter, id int64, result string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result)
}

func newComponent(t *testing.T) (*Component, *fakeServer) {
	t.Helper()
	fs := &fakeServer{}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)
	c, err := New(Options{Endpoint: srv.URL + "/mcp", Client: srv.Client()})
	require.NoError(t, err)
	return c, fs
}

func TestInvokeInitializesOnce(t *testing.T) {
	c, fs := newComponent(t)
	ctx := context.Background()

	out, err := c.Invoke(ctx, tools.Invocation{Handler: "lookup", Payload: json.RawMessage(`{"id":"A-1"}`), SessionID: "sess-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"order":"A-1"}`, string(out))
	_, _, last := fs.state()
	assert.Equal(t, map[string]any{"id": "A-1"}, last["arguments"])

	_, err = c.Invoke(ctx, tools.Invocation{Handler: "lookup"})
	require.NoError(t, err)

	inits, sessions, _ := fs.state()
	assert.Equal(t, 1, inits)
	assert.Equal(t, []string{"", "session-1", "session-1", "session-1"}, sessions)
}

func TestInvokePassesSessionInMeta(t *testing.T) {
	c, fs := newComponent(t)
	_, err := c.Invoke(context.Background(), tools.Invocation{Handler: "lookup", SessionID: "sess-1", Key: "cust-9"})
	require.NoError(t, err)
	_, _, last := fs.state()
	meta, ok := last["_meta"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sess-1", meta["relay/session"])
	assert.Equal(t, "cust-9", meta["relay/key"])
}

func TestInvokeResults(t *testing.T) {
	c, _ := newComponent(t)
	ctx := context.Background()

	out, err := c.Invoke(ctx, tools.Invocation{Handler: "structured"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":3}`, string(out))

	out, err = c.Invoke(ctx, tools.Invocation{Handler: "stream"})
	require.NoError(t, err)
	assert.JSONEq(t, `"line one\nline two"`, string(out))
}

func TestInvokeFailures(t *testing.T) {
	c, _ := newComponent(t)
	ctx := context.Background()

	_, err := c.Invoke(ctx, tools.Invocation{Handler: "failing"})
	require.Error(t, err)
	assert.True(t, toolerrors.Is(err))
	assert.Contains(t, err.Error(), "order not found")

	_, err = c.Invoke(ctx, tools.Invocation{Handler: "missing"})
	require.Error(t, err)
	assert.True(t, toolerrors.Is(err), "invalid params are not retried")

	_, err = c.Invoke(ctx, tools.Invocation{Handler: "busy"})
	require.Error(t, err)
	assert.False(t, toolerrors.Is(err), "503 is retried")

	_, err = c.Invoke(ctx, tools.Invocation{})
	assert.True(t, toolerrors.Is(err))
}

func TestInvokeReinitializesExpiredSession(t *testing.T) {
	c, fs := newComponent(t)
	ctx := context.Background()
	_, err := c.Invoke(ctx, tools.Invocation{Handler: "lookup"})
	require.NoError(t, err)

	fs.mu.Lock()
	fs.expire = true
	fs.mu.Unlock()
	_, err = c.Invoke(ctx, tools.Invocation{Handler: "lookup"})
	require.ErrorIs(t, err, errSessionExpired)

	_, err = c.Invoke(ctx, tools.Invocation{Handler: "lookup"})
	require.NoError(t, err)
	inits, _, _ := fs.state()
	assert.Equal(t, 2, inits)
}

func TestNewValidatesEndpoint(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Endpoint: "stdio://server"})
	require.Error(t, err)
}
