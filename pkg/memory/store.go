// Package memory implements the per-agent context store: ordered message
// history with a dedicated system prompt slot, snapshot/restore, and token
// accounting.
package memory

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/aiwhisperer/aiwhisperer/pkg/protocol"
)

// SnapshotVersion tags serialized contexts; restore rejects anything else.
const SnapshotVersion = 1

// Metadata describes one agent's context for introspection.
type Metadata struct {
	AgentID         string `json:"agent_id"`
	SystemPrompt    string `json:"system_prompt"`
	MessageCount    int    `json:"message_count"`
	EstimatedTokens int    `json:"estimated_tokens"`
}

type agentContext struct {
	systemPrompt string
	messages     []protocol.Message
}

// Store holds message histories keyed by agent id. All methods are safe for
// concurrent use; each agent's history is ordered by insertion.
type Store struct {
	mu       sync.RWMutex
	contexts map[string]*agentContext
	counter  *TokenCounter
}

// NewStore builds a store. counter may be nil; token estimates then fall back
// to the character heuristic.
func NewStore(counter *TokenCounter) *Store {
	return &Store{
		contexts: make(map[string]*agentContext),
		counter:  counter,
	}
}

func (s *Store) get(agentID string) *agentContext {
	ctx, ok := s.contexts[agentID]
	if !ok {
		ctx = &agentContext{}
		s.contexts[agentID] = ctx
	}
	return ctx
}

// SetSystemPrompt sets the prompt prepended to every history read.
func (s *Store) SetSystemPrompt(agentID, prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(agentID).systemPrompt = prompt
}

func (s *Store) SystemPrompt(agentID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ctx, ok := s.contexts[agentID]; ok {
		return ctx.systemPrompt
	}
	return ""
}

// Add appends a message to the agent's history. Bare strings are coerced to
// user messages; maps are decoded into the message shape. The stored message
// is returned.
func (s *Store) Add(agentID string, input any) (protocol.Message, error) {
	msg, err := coerceMessage(input)
	if err != nil {
		return protocol.Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return protocol.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := s.get(agentID)
	ctx.messages = append(ctx.messages, msg)
	return msg, nil
}

func coerceMessage(input any) (protocol.Message, error) {
	switch v := input.(type) {
	case protocol.Message:
		return v, nil
	case string:
		return protocol.NewUserMessage(v), nil
	case map[string]any:
		var msg protocol.Message
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:  &msg,
			TagName: "json",
		})
		if err != nil {
			return protocol.Message{}, err
		}
		if err := decoder.Decode(v); err != nil {
			return protocol.Message{}, fmt.Errorf("invalid message shape: %w", err)
		}
		return msg, nil
	default:
		return protocol.Message{}, fmt.Errorf("unsupported message type %T", input)
	}
}

// History returns the agent's messages with the system prompt prepended as
// the first message. limit <= 0 means unlimited; otherwise only the most
// recent limit messages are returned (the system prompt does not count).
func (s *Store) History(agentID string, limit int) []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, ok := s.contexts[agentID]
	if !ok {
		return nil
	}

	messages := ctx.messages
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}

	out := make([]protocol.Message, 0, len(messages)+1)
	if ctx.systemPrompt != "" {
		out = append(out, protocol.NewSystemMessage(ctx.systemPrompt))
	}
	out = append(out, messages...)
	return out
}

// Clear removes one agent's history and system prompt.
func (s *Store) Clear(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, agentID)
}

// ClearAll removes every agent's history.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts = make(map[string]*agentContext)
}

// Metadata reports context stats for one agent, including the estimated
// prompt-token footprint of the current history.
func (s *Store) Metadata(agentID string) Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta := Metadata{AgentID: agentID}
	ctx, ok := s.contexts[agentID]
	if !ok {
		return meta
	}
	meta.SystemPrompt = ctx.systemPrompt
	meta.MessageCount = len(ctx.messages)

	full := make([]protocol.Message, 0, len(ctx.messages)+1)
	if ctx.systemPrompt != "" {
		full = append(full, protocol.NewSystemMessage(ctx.systemPrompt))
	}
	full = append(full, ctx.messages...)

	if s.counter != nil {
		meta.EstimatedTokens = s.counter.CountMessages(full)
	} else {
		for _, msg := range full {
			meta.EstimatedTokens += EstimateTokens(msg.Content)
		}
	}
	return meta
}

// Agents lists the agent ids with stored context.
func (s *Store) Agents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.contexts))
	for id := range s.contexts {
		ids = append(ids, id)
	}
	return ids
}

type snapshot struct {
	Version      int                `json:"_version"`
	SystemPrompt string             `json:"system_prompt"`
	Context      []protocol.Message `json:"context"`
}

// Snapshot serializes one agent's context with a version tag.
func (s *Store) Snapshot(agentID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, ok := s.contexts[agentID]
	if !ok {
		ctx = &agentContext{}
	}
	snap := snapshot{
		Version:      SnapshotVersion,
		SystemPrompt: ctx.systemPrompt,
		Context:      ctx.messages,
	}
	if snap.Context == nil {
		snap.Context = []protocol.Message{}
	}
	return json.Marshal(snap)
}

// Restore replaces one agent's context from a snapshot. Missing version or
// missing context field rejects the payload.
func (s *Store) Restore(agentID string, data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid context snapshot: %w", err)
	}
	if _, ok := raw["_version"]; !ok {
		return fmt.Errorf("context snapshot missing _version")
	}
	if _, ok := raw["context"]; !ok {
		return fmt.Errorf("context snapshot missing context")
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("invalid context snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("unsupported context snapshot version %d", snap.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[agentID] = &agentContext{
		systemPrompt: snap.SystemPrompt,
		messages:     snap.Context,
	}
	return nil
}
