package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aiwhisperer/aiwhisperer/pkg/mailbox"
	"github.com/aiwhisperer/aiwhisperer/pkg/mcp"
	"github.com/aiwhisperer/aiwhisperer/pkg/workspace"
)

// McpCmd serves the exposed workspace tools to external MCP clients.
type McpCmd struct {
	Transport string `help:"Transport: stdio or sse." default:"stdio" enum:"stdio,sse"`
	Addr      string `help:"SSE listen address." default:"127.0.0.1:8001"`
}

func (c *McpCmd) Run(cli *CLI) error {
	cfg, _, err := loadConfig(cli.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ws, err := workspace.Detect(cfg.WorkspacePath)
	if err != nil {
		return err
	}

	registry, err := buildToolRegistry(cfg, ws, mailbox.New())
	if err != nil {
		return err
	}
	srv, err := mcp.New(registry, versionString())
	if err != nil {
		return err
	}

	if c.Transport == "sse" {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
		return srv.ServeSSE(c.Addr)
	}
	return srv.ServeStdio()
}
