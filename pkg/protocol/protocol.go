// Package protocol defines the message and tool-call types shared by the
// AI service client, the context store, and the per-agent loop. The shapes
// mirror the OpenAI-compatible chat-completions wire format so messages can
// be marshaled into a request payload without translation.
package protocol

import (
	"encoding/json"
	"fmt"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in an agent's conversation history.
// A tool message must carry the ToolCallID of the assistant tool call that
// produced it.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a fully assembled tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func NewAssistantMessage(content string, toolCalls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: toolCalls}
}

// NewToolMessage builds the tool-result message for a completed tool call.
// The result value is stringified for the message history; structured results
// are preserved by the caller.
func NewToolMessage(toolCallID, toolName string, result any) Message {
	return Message{
		Role:       RoleTool,
		Content:    Stringify(result),
		ToolCallID: toolCallID,
		Name:       toolName,
	}
}

// Stringify renders a structured tool result for insertion into message
// history. Strings pass through; everything else is JSON-encoded.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case error:
		return val.Error()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// Validate checks the minimal invariants a message must satisfy before it is
// appended to a context.
func (m Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
	default:
		return fmt.Errorf("invalid message role: %q", m.Role)
	}
	if m.Role == RoleTool && m.ToolCallID == "" {
		return fmt.Errorf("tool message missing tool_call_id")
	}
	return nil
}
