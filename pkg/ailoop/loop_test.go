package ailoop

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiwhisperer/aiwhisperer/pkg/continuation"
	"github.com/aiwhisperer/aiwhisperer/pkg/llm"
	"github.com/aiwhisperer/aiwhisperer/pkg/memory"
	"github.com/aiwhisperer/aiwhisperer/pkg/model"
	"github.com/aiwhisperer/aiwhisperer/pkg/protocol"
	"github.com/aiwhisperer/aiwhisperer/pkg/tools"
)

// fakeStreamer replays scripted responses, one per Stream call.
type fakeStreamer struct {
	mu        sync.Mutex
	responses [][]llm.StreamChunk
	requests  []llm.Request
	calls     int
}

func (f *fakeStreamer) Model() string { return "openai/gpt-4o" }

func (f *fakeStreamer) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	var chunks []llm.StreamChunk
	if f.calls < len(f.responses) {
		chunks = f.responses[f.calls]
	}
	f.calls++
	f.mu.Unlock()

	ch := make(chan llm.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func textResponse(parts ...string) []llm.StreamChunk {
	var chunks []llm.StreamChunk
	for _, p := range parts {
		chunks = append(chunks, llm.StreamChunk{DeltaContent: p})
	}
	chunks = append(chunks, llm.StreamChunk{FinishReason: llm.FinishStop})
	return chunks
}

// echoTool records invocations and returns its arguments.
type echoTool struct {
	mu    sync.Mutex
	calls []map[string]any
	name  string
}

func (e *echoTool) Name() string               { return e.name }
func (e *echoTool) Description() string        { return "echoes arguments" }
func (e *echoTool) Category() string           { return "test" }
func (e *echoTool) Tags() []string             { return nil }
func (e *echoTool) PromptInstructions() string { return "" }
func (e *echoTool) ParametersSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (e *echoTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, args)
	return map[string]any{"echo": args, "agent": tools.AgentID(ctx)}, nil
}

func newTestLoop(t *testing.T, streamer Streamer, extra ...tools.Tool) (*Loop, *memory.Store, context.CancelFunc) {
	t.Helper()
	store := memory.NewStore(nil)
	registry := tools.NewRegistry()
	for _, tool := range extra {
		require.NoError(t, registry.RegisterTool(tool))
	}

	loop := New(Options{
		AgentID:      "alice",
		Client:       streamer,
		Store:        store,
		Registry:     registry,
		Capabilities: model.Capabilities{MultiTool: true, MaxToolsPerTurn: 10},
	})
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(cancel)
	return loop, store, cancel
}

func TestSimpleTextTurn(t *testing.T) {
	streamer := &fakeStreamer{responses: [][]llm.StreamChunk{textResponse("hel", "lo")}}
	loop, store, _ := newTestLoop(t, streamer)

	result, err := loop.ProcessMessage(context.Background(), protocol.NewUserMessage("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Final)

	history := store.History("alice", 0)
	require.Len(t, history, 2)
	assert.Equal(t, protocol.RoleUser, history[0].Role)
	assert.Equal(t, protocol.RoleAssistant, history[1].Role)
	assert.Equal(t, "hello", history[1].Content)
}

func TestToolCallTurn(t *testing.T) {
	tool := &echoTool{name: "echo"}
	streamer := &fakeStreamer{responses: [][]llm.StreamChunk{
		{
			{DeltaToolCalls: []llm.ToolCallFragment{
				{Index: 0, ID: "call_1", Type: "function", Name: "echo"},
			}},
			{DeltaToolCalls: []llm.ToolCallFragment{
				{Index: 0, Arguments: `{"x":`},
			}},
			{DeltaToolCalls: []llm.ToolCallFragment{
				{Index: 0, Arguments: `1}`},
			}},
			{FinishReason: llm.FinishToolCalls},
		},
		textResponse("done"),
	}}
	loop, store, _ := newTestLoop(t, streamer, tool)

	result, err := loop.ProcessMessage(context.Background(), protocol.NewUserMessage("use the tool"))
	require.NoError(t, err)
	assert.Equal(t, "done", result.Final)

	// Tool saw the parsed arguments and the calling agent's id.
	require.Len(t, tool.calls, 1)
	assert.Equal(t, float64(1), tool.calls[0]["x"])

	// Ordering: user, assistant(tool_calls), tool, assistant(final).
	history := store.History("alice", 0)
	require.Len(t, history, 4)
	assert.Equal(t, protocol.RoleUser, history[0].Role)
	assert.Equal(t, protocol.RoleAssistant, history[1].Role)
	require.Len(t, history[1].ToolCalls, 1)
	assert.Equal(t, protocol.RoleTool, history[2].Role)
	assert.Equal(t, "call_1", history[2].ToolCallID)
	assert.Equal(t, protocol.RoleAssistant, history[3].Role)

	// The second request included the tool result.
	require.Len(t, streamer.requests, 2)
	assert.Len(t, streamer.requests[1].Messages, 3)
}

func TestInvalidToolArgumentsSynthesizesResult(t *testing.T) {
	tool := &echoTool{name: "echo"}
	streamer := &fakeStreamer{responses: [][]llm.StreamChunk{
		{
			{DeltaToolCalls: []llm.ToolCallFragment{
				{Index: 0, ID: "call_1", Name: "echo", Arguments: `{"broken`},
			}},
			{FinishReason: llm.FinishToolCalls},
		},
		textResponse("recovered"),
	}}
	loop, store, _ := newTestLoop(t, streamer, tool)

	result, err := loop.ProcessMessage(context.Background(), protocol.NewUserMessage("go"))
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Final)

	// The tool itself never ran; a synthetic error result took its place.
	assert.Empty(t, tool.calls)

	history := store.History("alice", 0)
	toolMsg := history[2]
	require.Equal(t, protocol.RoleTool, toolMsg.Role)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(toolMsg.Content), &payload))
	assert.Equal(t, "invalid-arguments", payload["error"])
	assert.Equal(t, `{"broken`, payload["payload"])
}

func TestUnknownToolBecomesErrorResult(t *testing.T) {
	streamer := &fakeStreamer{responses: [][]llm.StreamChunk{
		{
			{DeltaToolCalls: []llm.ToolCallFragment{
				{Index: 0, ID: "call_1", Name: "no_such_tool", Arguments: `{}`},
			}},
			{FinishReason: llm.FinishToolCalls},
		},
		textResponse("ok"),
	}}
	loop, store, _ := newTestLoop(t, streamer)

	_, err := loop.ProcessMessage(context.Background(), protocol.NewUserMessage("go"))
	require.NoError(t, err)

	history := store.History("alice", 0)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(history[2].Content), &payload))
	assert.Contains(t, payload["error"], "tool not found")
}

func TestStreamErrorRecovery(t *testing.T) {
	var notifications []Notification
	var mu sync.Mutex

	streamer := &fakeStreamer{responses: [][]llm.StreamChunk{
		{
			{DeltaContent: "partial"},
			{FinishReason: llm.FinishError, Err: &llm.Error{Kind: llm.KindService, Message: "boom"}},
		},
	}}
	store := memory.NewStore(nil)
	loop := New(Options{
		AgentID:      "alice",
		Client:       streamer,
		Store:        store,
		Registry:     tools.NewRegistry(),
		Capabilities: model.Capabilities{MultiTool: true},
		Notifier: func(n Notification) {
			mu.Lock()
			notifications = append(notifications, n)
			mu.Unlock()
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	// The turn does not fail; the loop records a synthetic assistant message
	// and keeps the session alive.
	_, err := loop.ProcessMessage(context.Background(), protocol.NewUserMessage("hi"))
	require.NoError(t, err)

	history := store.History("alice", 0)
	last := history[len(history)-1]
	assert.Equal(t, protocol.RoleAssistant, last.Role)
	assert.Contains(t, last.Content, "[error]")

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, n := range notifications {
		if n.Method == "ai_loop.error" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestInvalidInputDiscarded(t *testing.T) {
	streamer := &fakeStreamer{}
	loop, store, _ := newTestLoop(t, streamer)

	// A tool message without tool_call_id is malformed.
	_, err := loop.ProcessMessage(context.Background(),
		protocol.Message{Role: protocol.RoleTool, Content: "orphan"})
	require.Error(t, err)
	assert.Empty(t, store.History("alice", 0))
	assert.Equal(t, 0, streamer.calls)
}

func TestChunkNotifications(t *testing.T) {
	var mu sync.Mutex
	var chunks []map[string]any

	// The finish reason arrives in its own content-less chunk, the way the
	// OpenRouter stream delivers it.
	streamer := &fakeStreamer{responses: [][]llm.StreamChunk{
		{
			{DeltaContent: "a"},
			{DeltaContent: "b"},
			{FinishReason: llm.FinishStop},
		},
	}}
	store := memory.NewStore(nil)
	loop := New(Options{
		AgentID:      "alice",
		Client:       streamer,
		Store:        store,
		Registry:     tools.NewRegistry(),
		Capabilities: model.Capabilities{MultiTool: true},
		Notifier: func(n Notification) {
			if n.Method != "ai_loop.ai_chunk_received" {
				return
			}
			mu.Lock()
			chunks = append(chunks, n.Params)
			mu.Unlock()
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	_, err := loop.ProcessMessage(context.Background(), protocol.NewUserMessage("hi"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, chunks, 3)
	assert.Equal(t, "a", chunks[0]["chunk"])
	assert.Equal(t, false, chunks[0]["is_final_chunk"])
	assert.Equal(t, "b", chunks[1]["chunk"])
	assert.Equal(t, false, chunks[1]["is_final_chunk"])
	assert.Equal(t, "", chunks[2]["chunk"])
	assert.Equal(t, true, chunks[2]["is_final_chunk"])
}

func TestChannelExtraction(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     Result
	}{
		{
			"flat string",
			"plain answer",
			Result{Final: "plain answer"},
		},
		{
			"channel object",
			`{"analysis": "thinking", "commentary": "aside", "final": "answer"}`,
			Result{Analysis: "thinking", Commentary: "aside", Final: "answer"},
		},
		{
			"partial channels",
			`{"final": "just this"}`,
			Result{Final: "just this"},
		},
		{
			"json without channel keys",
			`{"foo": "bar"}`,
			Result{Final: `{"foo": "bar"}`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractChannels(tt.response))
		})
	}
}

func TestIterationCap(t *testing.T) {
	// Every response requests another tool call, forever.
	looping := []llm.StreamChunk{
		{DeltaToolCalls: []llm.ToolCallFragment{
			{Index: 0, ID: "c", Name: "echo", Arguments: `{}`},
		}},
		{FinishReason: llm.FinishToolCalls},
	}
	responses := make([][]llm.StreamChunk, 10)
	for i := range responses {
		responses[i] = looping
	}

	tool := &echoTool{name: "echo"}
	store := memory.NewStore(nil)
	registry := tools.NewRegistry()
	require.NoError(t, registry.RegisterTool(tool))

	loop := New(Options{
		AgentID:       "alice",
		Client:        &fakeStreamer{responses: responses},
		Store:         store,
		Registry:      registry,
		Capabilities:  model.Capabilities{MultiTool: true},
		MaxIterations: 3,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	_, err := loop.ProcessMessage(context.Background(), protocol.NewUserMessage("go"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "iteration cap")
}

func TestPauseGate(t *testing.T) {
	streamer := &fakeStreamer{responses: [][]llm.StreamChunk{textResponse("slow")}}
	loop, _, _ := newTestLoop(t, streamer)

	loop.Pause()
	done := make(chan struct{})
	go func() {
		_, _ = loop.ProcessMessage(context.Background(), protocol.NewUserMessage("hi"))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("turn completed while paused")
	case <-time.After(150 * time.Millisecond):
	}

	loop.Resume()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not complete after resume")
	}
}

func TestManagerGetOrCreate(t *testing.T) {
	store := memory.NewStore(nil)
	registry := tools.NewRegistry()
	factory := func(modelID string, params llm.GenerationParams) Streamer {
		return &fakeStreamer{}
	}

	mgr := NewManager(store, registry, factory,
		AgentConfig{Model: "openai/gpt-4o", SystemPrompt: "default prompt"},
		continuation.DefaultConfig(), nil)

	ctx := context.Background()
	loop1 := mgr.GetOrCreate(ctx, "alice", nil)
	loop2 := mgr.GetOrCreate(ctx, "alice", nil)
	assert.Same(t, loop1, loop2)

	mgr.GetOrCreate(ctx, "bob", &AgentConfig{Model: "deepseek/deepseek-chat"})

	models := mgr.ActiveModels()
	assert.Len(t, models, 2)
	assert.Equal(t, "default prompt", store.SystemPrompt("alice"))

	mgr.Remove("alice")
	_, ok := mgr.Get("alice")
	assert.False(t, ok)
	assert.Len(t, mgr.ActiveModels(), 1)

	mgr.ShutdownAll()
	assert.Empty(t, mgr.ActiveModels())
}
