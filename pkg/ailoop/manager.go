package ailoop

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aiwhisperer/aiwhisperer/pkg/continuation"
	"github.com/aiwhisperer/aiwhisperer/pkg/llm"
	"github.com/aiwhisperer/aiwhisperer/pkg/memory"
	"github.com/aiwhisperer/aiwhisperer/pkg/model"
	"github.com/aiwhisperer/aiwhisperer/pkg/tools"
)

// AgentConfig selects the model and generation settings for one agent's
// loop. Zero-value fields fall back to the manager defaults.
type AgentConfig struct {
	Model        string               `json:"model" yaml:"model" mapstructure:"model"`
	SystemPrompt string               `json:"system_prompt,omitempty" yaml:"system_prompt" mapstructure:"system_prompt"`
	Params       llm.GenerationParams `json:"params,omitempty" yaml:"params" mapstructure:"params"`
}

// ClientFactory builds an AI service client for a model; injected so tests
// can supply fakes.
type ClientFactory func(modelID string, params llm.GenerationParams) Streamer

// Manager indexes loops by agent id, creating each with its own client
// bound to that agent's model.
type Manager struct {
	store        *memory.Store
	registry     *tools.Registry
	notifier     Notifier
	factory      ClientFactory
	fallback     AgentConfig
	continuation continuation.Config

	mu            sync.Mutex
	maxIterations int
	loops         map[string]*Loop
	cancels       map[string]context.CancelFunc
}

func NewManager(store *memory.Store, registry *tools.Registry, factory ClientFactory,
	fallback AgentConfig, contCfg continuation.Config, notifier Notifier) *Manager {
	return &Manager{
		store:        store,
		registry:     registry,
		notifier:     notifier,
		factory:      factory,
		fallback:     fallback,
		continuation: contCfg,
		loops:        make(map[string]*Loop),
		cancels:      make(map[string]context.CancelFunc),
	}
}

// SetMaxIterations caps each loop's internal iterations per turn. Applies to
// loops created afterwards; zero keeps the built-in default.
func (m *Manager) SetMaxIterations(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxIterations = n
}

// GetOrCreate returns the agent's loop, building and starting it on first
// use. agentCfg may be nil to use the manager's fallback config.
func (m *Manager) GetOrCreate(ctx context.Context, agentID string, agentCfg *AgentConfig) *Loop {
	m.mu.Lock()
	defer m.mu.Unlock()

	if loop, ok := m.loops[agentID]; ok {
		return loop
	}

	cfg := m.fallback
	if agentCfg != nil {
		if agentCfg.Model != "" {
			cfg.Model = agentCfg.Model
		}
		if agentCfg.SystemPrompt != "" {
			cfg.SystemPrompt = agentCfg.SystemPrompt
		}
		if agentCfg.Params.Temperature != nil {
			cfg.Params.Temperature = agentCfg.Params.Temperature
		}
		if agentCfg.Params.MaxTokens > 0 {
			cfg.Params.MaxTokens = agentCfg.Params.MaxTokens
		}
		if agentCfg.Params.TopP != nil {
			cfg.Params.TopP = agentCfg.Params.TopP
		}
		if agentCfg.Params.MaxReasoningTokens != nil {
			cfg.Params.MaxReasoningTokens = agentCfg.Params.MaxReasoningTokens
		}
	}

	if cfg.SystemPrompt != "" {
		m.store.SetSystemPrompt(agentID, cfg.SystemPrompt)
	}

	loop := New(Options{
		AgentID:       agentID,
		Client:        m.factory(cfg.Model, cfg.Params),
		Store:         m.store,
		Registry:      m.registry,
		Capabilities:  model.Lookup(cfg.Model),
		Continuation:  m.continuation,
		Params:        cfg.Params,
		Notifier:      m.notifier,
		MaxIterations: m.maxIterations,
	})

	loopCtx, cancel := context.WithCancel(ctx)
	m.loops[agentID] = loop
	m.cancels[agentID] = cancel
	go loop.Run(loopCtx)

	slog.Info("AI loop created", "agent_id", agentID, "model", cfg.Model)
	return loop
}

// Get returns an existing loop without creating one.
func (m *Manager) Get(agentID string) (*Loop, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loop, ok := m.loops[agentID]
	return loop, ok
}

// Remove shuts down and forgets the agent's loop.
func (m *Manager) Remove(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if loop, ok := m.loops[agentID]; ok {
		loop.Shutdown()
	}
	if cancel, ok := m.cancels[agentID]; ok {
		cancel()
	}
	delete(m.loops, agentID)
	delete(m.cancels, agentID)
}

// ActiveModels maps agent ids to their bound models, derived from the live
// loop index.
func (m *Manager) ActiveModels() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.loops))
	for agentID, loop := range m.loops {
		out[agentID] = loop.Model()
	}
	return out
}

// ShutdownAll stops every loop.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for agentID, loop := range m.loops {
		loop.Shutdown()
		if cancel, ok := m.cancels[agentID]; ok {
			cancel()
		}
	}
	m.loops = make(map[string]*Loop)
	m.cancels = make(map[string]context.CancelFunc)
}
