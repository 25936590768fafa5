// Package mcp exposes the tool registry to external MCP clients over stdio
// and SSE transports. Only tools passing the registry's exposure filter are
// published.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/aiwhisperer/aiwhisperer/pkg/tools"
)

// Server wraps an MCP server around the tool registry.
type Server struct {
	registry *tools.Registry
	mcp      *mcpserver.MCPServer
	sse      *mcpserver.SSEServer
}

// New builds the MCP server and publishes every exposed tool.
func New(registry *tools.Registry, version string) (*Server, error) {
	s := &Server{
		registry: registry,
		mcp: mcpserver.NewMCPServer(
			"aiwhisperer",
			version,
			mcpserver.WithToolCapabilities(true),
		),
	}
	if err := s.registerTools(); err != nil {
		return nil, err
	}
	return s, nil
}

// registerTools publishes the registry's exposed definitions. Definitions
// carry the same JSON schema the LLM sees, passed through unchanged.
func (s *Server) registerTools() error {
	defs, err := s.registry.ExposedDefinitions(false)
	if err != nil {
		return fmt.Errorf("failed to enumerate exposed tools: %w", err)
	}

	for _, def := range defs {
		schema, err := json.Marshal(def.Function.Parameters)
		if err != nil {
			return fmt.Errorf("failed to encode schema for %s: %w", def.Function.Name, err)
		}
		tool := mcp.NewToolWithRawSchema(def.Function.Name, def.Function.Description, schema)
		s.mcp.AddTool(tool, s.toolHandler(def.Function.Name))
		slog.Debug("MCP tool published", "tool", def.Function.Name)
	}
	slog.Info("MCP tools published", "count", len(defs))
	return nil
}

// toolHandler bridges one MCP call into a registry execution.
func (s *Server) toolHandler(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := s.registry.Execute(ctx, name, request.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload, err := json.Marshal(result)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(payload)), nil
	}
}

// ServeStdio serves MCP over stdin/stdout. Blocks until the stream closes.
func (s *Server) ServeStdio() error {
	slog.Info("MCP server serving on stdio")
	return mcpserver.ServeStdio(s.mcp)
}

// ServeSSE serves MCP over SSE on the given address. Blocks until Shutdown.
func (s *Server) ServeSSE(addr string) error {
	s.sse = mcpserver.NewSSEServer(s.mcp)
	slog.Info("MCP server serving on SSE", "addr", addr)
	return s.sse.Start(addr)
}

// Shutdown stops the SSE transport if it is running.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.sse == nil {
		return nil
	}
	return s.sse.Shutdown(ctx)
}
