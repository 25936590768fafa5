package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiwhisperer/aiwhisperer/pkg/ailoop"
	"github.com/aiwhisperer/aiwhisperer/pkg/config"
	"github.com/aiwhisperer/aiwhisperer/pkg/continuation"
	"github.com/aiwhisperer/aiwhisperer/pkg/llm"
	"github.com/aiwhisperer/aiwhisperer/pkg/mailbox"
	"github.com/aiwhisperer/aiwhisperer/pkg/memory"
	"github.com/aiwhisperer/aiwhisperer/pkg/orchestrator"
	"github.com/aiwhisperer/aiwhisperer/pkg/tools"
	"github.com/aiwhisperer/aiwhisperer/pkg/workspace"
)

type stubStreamer struct{}

func (stubStreamer) Model() string { return "openai/gpt-4o" }

func (stubStreamer) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, 2)
	ch <- llm.StreamChunk{DeltaContent: "done"}
	ch <- llm.StreamChunk{FinishReason: llm.FinishStop}
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T) (*Server, *orchestrator.Manager, *mailbox.Mailbox) {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, workspace.MarkerDirName), 0755))
	ws, err := workspace.New(root)
	require.NoError(t, err)

	mb := mailbox.New()
	hub := NewHub()
	factory := func(modelID string, params llm.GenerationParams) ailoop.Streamer {
		return stubStreamer{}
	}
	loops := ailoop.NewManager(memory.NewStore(nil), tools.NewRegistry(), factory,
		ailoop.AgentConfig{Model: "openai/gpt-4o"},
		continuation.DefaultConfig(), hub.Notify)
	mgr := orchestrator.NewManager(loops, mb, hub.Notify, orchestrator.Timing{
		TaskWait:     20 * time.Millisecond,
		SleepPollMin: 10 * time.Millisecond,
		SleepPollMax: 20 * time.Millisecond,
	})
	mgr.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	srv, err := New(config.ServerConfig{Host: "127.0.0.1", Port: 0}, mgr, mb, ws, hub)
	require.NoError(t, err)
	return srv, mgr, mb
}

func TestHealthEndpoint(t *testing.T) {
	srv, mgr, _ := newTestServer(t)
	_, err := mgr.CreateAgent("alice", nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["agents"])
}

func TestWorkspaceFilesEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	root := srv.files.ws.Root()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "main.go"), []byte("package main"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("# hi"), 0644))

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/workspace/files", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var listing Listing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))

	paths := make([]string, 0, len(listing.Files))
	for _, f := range listing.Files {
		paths = append(paths, f.Path)
	}
	assert.Contains(t, paths, "README.md")
	assert.Contains(t, paths, "src")
	assert.Contains(t, paths, "src/main.go")
	// The marker directory is never listed.
	for _, p := range paths {
		assert.False(t, strings.HasPrefix(p, workspace.MarkerDirName))
	}
}

func TestWorkspaceFilesPathEscape(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/workspace/files?path=../outside", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkspaceFilesNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/workspace/files?path=missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkspaceFilesCacheRefreshesOnChange(t *testing.T) {
	srv, _, _ := newTestServer(t)
	root := srv.files.ws.Root()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0644))

	first, err := srv.files.List(".")
	require.NoError(t, err)
	require.Len(t, first.Files, 1)

	// Directory mtime granularity can be coarse; force it past the cache key.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("b"), 0644))
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(root, future, future))

	second, err := srv.files.List(".")
	require.NoError(t, err)
	assert.Len(t, second.Files, 2)
}

func dialWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func rpcCall(t *testing.T, conn *websocket.Conn, id int, method string, params any) rpcResponse {
	t.Helper()
	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	require.NoError(t, conn.WriteJSON(req))

	// Skip interleaved notification frames until the matching response.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var resp rpcResponse
		require.NoError(t, json.Unmarshal(data, &resp))
		if len(resp.ID) > 0 {
			return resp
		}
	}
	t.Fatal("no response received")
	return rpcResponse{}
}

func TestWebSocketAgentLifecycle(t *testing.T) {
	srv, _, _ := newTestServer(t)
	conn := dialWS(t, srv)

	resp := rpcCall(t, conn, 1, "agent.create", map[string]any{"agent_id": "alice"})
	require.Nil(t, resp.Error)

	resp = rpcCall(t, conn, 2, "agent.status", nil)
	require.Nil(t, resp.Error)
	statuses, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, statuses, "alice")

	resp = rpcCall(t, conn, 3, "task.send", map[string]any{"agent_id": "alice", "prompt": "hello"})
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, result["task_id"])
}

func TestWebSocketErrors(t *testing.T) {
	srv, _, _ := newTestServer(t)
	conn := dialWS(t, srv)

	resp := rpcCall(t, conn, 1, "no.such.method", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)

	resp = rpcCall(t, conn, 2, "task.send", map[string]any{"agent_id": ""})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidParams, resp.Error.Code)

	resp = rpcCall(t, conn, 3, "agent.wake", map[string]any{"agent_id": "ghost"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeServerError, resp.Error.Code)
}

func TestWebSocketNotifications(t *testing.T) {
	srv, _, _ := newTestServer(t)
	conn := dialWS(t, srv)

	// Wait for registration before broadcasting.
	deadline := time.Now().Add(time.Second)
	for srv.hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, srv.hub.ClientCount())

	srv.hub.Notify(ailoop.Notification{
		Method: "agent_created",
		Params: map[string]any{"agent_id": "alice"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "agent_created", frame["method"])
	params, ok := frame["params"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alice", params["agent_id"])
}

func TestWebSocketMail(t *testing.T) {
	srv, _, mb := newTestServer(t)
	conn := dialWS(t, srv)

	resp := rpcCall(t, conn, 1, "mail.send", map[string]any{
		"to_agent": "alice", "subject": "hi", "body": "hello there",
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, 1, mb.UnreadCount("alice"))

	resp = rpcCall(t, conn, 2, "mail.check", map[string]any{"agent_id": "alice"})
	require.Nil(t, resp.Error)
	inbox, ok := resp.Result.([]any)
	require.True(t, ok)
	require.Len(t, inbox, 1)
}
