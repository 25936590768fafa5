package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aiwhisperer/aiwhisperer/pkg/ailoop"
	"github.com/aiwhisperer/aiwhisperer/pkg/config"
	"github.com/aiwhisperer/aiwhisperer/pkg/llm"
	"github.com/aiwhisperer/aiwhisperer/pkg/mailbox"
	"github.com/aiwhisperer/aiwhisperer/pkg/memory"
	"github.com/aiwhisperer/aiwhisperer/pkg/observability"
	"github.com/aiwhisperer/aiwhisperer/pkg/orchestrator"
	"github.com/aiwhisperer/aiwhisperer/pkg/server"
	"github.com/aiwhisperer/aiwhisperer/pkg/state"
	"github.com/aiwhisperer/aiwhisperer/pkg/workspace"
)

const shutdownTimeout = 10 * time.Second

// ServeCmd starts the interactive HTTP/WebSocket server.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)." default:"0"`
	Watch bool `help:"Watch config files for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, loader, err := loadConfig(cli.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	cleanup, err := reinitLogger(cli, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ws, err := workspace.Detect(cfg.WorkspacePath)
	if err != nil {
		return err
	}
	slog.Info("Workspace detected", "root", ws.Root())

	obs := observability.NewManager(cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancelObs := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelObs()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Observability shutdown failed", "error", err)
		}
	}()

	counter, err := memory.NewTokenCounter(cfg.OpenRouter.Model)
	if err != nil {
		// Token counting degrades to message-count trimming offline.
		slog.Warn("Token counter unavailable", "error", err)
		counter = nil
	}
	store := memory.NewStore(counter)

	mb := mailbox.New()
	registry, err := buildToolRegistry(cfg, ws, mb)
	if err != nil {
		return err
	}

	hub := server.NewHub()
	factory := func(modelID string, params llm.GenerationParams) ailoop.Streamer {
		clientCfg := cfg.ClientConfig()
		clientCfg.Model = modelID
		clientCfg.Params = params
		return llm.NewClient(clientCfg)
	}
	loops := ailoop.NewManager(store, registry, factory,
		ailoop.AgentConfig{Model: cfg.OpenRouter.Model, Params: cfg.OpenRouter.Params},
		cfg.Continuation.Controller(), hub.Notify)
	loops.SetMaxIterations(cfg.Agents.MaxLoopIterations)

	mgr := orchestrator.NewManager(loops, mb, hub.Notify, orchestrator.DefaultTiming())
	mgr.SetToolInvoker(registry)
	mgr.Start(ctx)

	for agentID, def := range cfg.Agents.Definitions {
		if _, err := mgr.CreateAgent(agentID, def); err != nil {
			slog.Warn("Failed to create configured agent", "agent_id", agentID, "error", err)
		}
	}

	persister, err := newPersister(cfg, ws, mgr, store)
	if err != nil {
		return err
	}
	if restored, err := persister.RestoreAll(); err != nil {
		slog.Warn("State restore incomplete", "error", err)
	} else if len(restored) > 0 {
		slog.Info("Sessions restored", "count", len(restored))
	}

	srv, err := server.New(cfg.Server, mgr, mb, ws, hub)
	if err != nil {
		return err
	}

	fmt.Printf("\nAIWhisperer server ready\n")
	fmt.Printf("   Health:    http://%s/health\n", cfg.Server.Address())
	fmt.Printf("   WebSocket: ws://%s/ws\n", cfg.Server.Address())
	fmt.Println("\nPress Ctrl+C to stop")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelSrv := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelSrv()
		return srv.Shutdown(shutdownCtx)
	})
	if c.Watch {
		g.Go(func() error {
			err := loader.Watch(gctx, func(next *config.Config) {
				// Most settings need a restart; loop limits apply live.
				loops.SetMaxIterations(next.Agents.MaxLoopIterations)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	serveErr := g.Wait()

	if err := persister.SaveAll(); err != nil {
		slog.Warn("Failed to persist sessions", "error", err)
	}
	shutdownCtx, cancelMgr := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelMgr()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Session manager shutdown incomplete", "error", err)
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}

// newPersister builds the state store under the workspace marker unless the
// configured directory is absolute.
func newPersister(cfg *config.Config, ws *workspace.Workspace, mgr *orchestrator.Manager, store *memory.Store) (*state.Persister, error) {
	dir := cfg.StateDir
	if !filepath.IsAbs(dir) {
		var err error
		dir, err = ws.EnsureStateDir(dir)
		if err != nil {
			return nil, err
		}
	}
	stateStore, err := state.New(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	return state.NewPersister(stateStore, mgr, store), nil
}
