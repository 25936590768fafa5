package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiwhisperer/aiwhisperer/pkg/mailbox"
	"github.com/aiwhisperer/aiwhisperer/pkg/tools"
	"github.com/aiwhisperer/aiwhisperer/pkg/workspace"
)

func newTestRegistry(t *testing.T) *tools.Registry {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, workspace.MarkerDirName), 0755))
	ws, err := workspace.New(root)
	require.NoError(t, err)

	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(registry, ws, mailbox.New(), tools.BuiltinOptions{}))
	return registry
}

func TestNewPublishesExposedTools(t *testing.T) {
	registry := newTestRegistry(t)
	srv, err := New(registry, "1.0.0")
	require.NoError(t, err)
	assert.NotNil(t, srv.mcp)
}

func TestToolHandlerExecutes(t *testing.T) {
	registry := newTestRegistry(t)
	srv, err := New(registry, "1.0.0")
	require.NoError(t, err)

	handler := srv.toolHandler("send_mail")
	request := mcp.CallToolRequest{}
	request.Params.Name = "send_mail"
	request.Params.Arguments = map[string]any{
		"to_agent": "alice",
		"subject":  "hello",
		"body":     "from mcp",
	}

	result, err := handler(context.Background(), request)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.False(t, result.IsError)

	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &payload))
	assert.NotEmpty(t, payload["message_id"])
}

func TestToolHandlerReportsErrors(t *testing.T) {
	registry := newTestRegistry(t)
	srv, err := New(registry, "1.0.0")
	require.NoError(t, err)

	handler := srv.toolHandler("read_file")
	request := mcp.CallToolRequest{}
	request.Params.Name = "read_file"
	request.Params.Arguments = map[string]any{"path": "missing.txt"}

	result, err := handler(context.Background(), request)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.IsError)
}
