// Package llm implements the AI service client for OpenAI-compatible
// chat-completions endpoints (OpenRouter), with streaming, tool-call
// fragment accumulation, reasoning-token controls, and a typed error
// taxonomy.
package llm

import (
	"github.com/aiwhisperer/aiwhisperer/pkg/protocol"
)

type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
	FinishCancelled FinishReason = "cancelled"
)

// GenerationParams are per-call generation controls merged over the
// provider's configured base params.
type GenerationParams struct {
	Temperature        *float64 `json:"temperature,omitempty" yaml:"temperature" mapstructure:"temperature"`
	MaxTokens          int      `json:"max_tokens,omitempty" yaml:"max_tokens" mapstructure:"max_tokens"`
	TopP               *float64 `json:"top_p,omitempty" yaml:"top_p" mapstructure:"top_p"`
	MaxReasoningTokens *int     `json:"max_reasoning_tokens,omitempty" yaml:"max_reasoning_tokens" mapstructure:"max_reasoning_tokens"`
}

// ToolDefinition is the model-facing JSON-schema form of a tool.
type ToolDefinition struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

type FunctionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Strict      bool           `json:"strict,omitempty"`
}

// ResponseFormat requests structured output from the model.
type ResponseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *JSONSchema `json:"json_schema,omitempty"`
}

type JSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict,omitempty"`
}

// Request is one chat-completion call.
type Request struct {
	Messages       []protocol.Message
	Tools          []ToolDefinition
	Params         GenerationParams
	ResponseFormat *ResponseFormat

	// TimeoutSeconds overrides the client default for this call; zero keeps
	// the default.
	TimeoutSeconds int
}

// ToolCallFragment is one streamed piece of a tool call, tagged by index.
// Any of the optional fields may be present; Arguments is a substring of the
// JSON-encoded argument object.
type ToolCallFragment struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Type      string `json:"type,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// StreamChunk is one unit of streamed model output.
type StreamChunk struct {
	DeltaContent   string
	DeltaToolCalls []ToolCallFragment
	DeltaReasoning string
	FinishReason   FinishReason
	Usage          *Usage
	Err            error
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the result of a non-streaming call.
type Completion struct {
	Message      protocol.Message
	FinishReason FinishReason
	Usage        Usage
	Raw          []byte
}

// RawToolCall is an assembled tool call whose arguments are still the
// JSON-encoded string; parsing into a map happens at dispatch time.
type RawToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Parse decodes the accumulated arguments string into a protocol.ToolCall.
// An empty arguments string parses as an empty object.
func (c RawToolCall) Parse() (protocol.ToolCall, error) {
	args, err := parseArguments(c.Arguments)
	if err != nil {
		return protocol.ToolCall{}, err
	}
	return protocol.ToolCall{ID: c.ID, Name: c.Name, Arguments: args}, nil
}
