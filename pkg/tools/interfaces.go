// Package tools implements the tool registry and the built-in tools agents
// call during their loops. Filesystem tools route every path through the
// workspace guard.
package tools

import (
	"context"
	"fmt"
)

// Tool is implemented by every callable tool. Execute returns a structured
// result map; returning an error is equivalent to returning {"error": ...}.
// Tool instances are shared between agents and must be reentrant.
type Tool interface {
	Name() string
	Description() string
	Category() string
	Tags() []string

	// ParametersSchema is the JSON-Schema object describing the arguments.
	ParametersSchema() map[string]any

	// PromptInstructions is the usage doc embedded into agent prompts.
	PromptInstructions() string

	Execute(ctx context.Context, args map[string]any) (map[string]any, error)
}

// ErrToolNotFound wraps lookups of unregistered tools.
var ErrToolNotFound = fmt.Errorf("tool not found")

// ErrInvalidArguments wraps argument validation failures.
var ErrInvalidArguments = fmt.Errorf("invalid arguments")

type agentIDKey struct{}

// WithAgentID tags the context with the calling agent's id so tools like
// send_mail know who the sender is.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey{}, agentID)
}

// AgentID returns the calling agent's id, or "" when unset (user calls).
func AgentID(ctx context.Context) string {
	if id, ok := ctx.Value(agentIDKey{}).(string); ok {
		return id
	}
	return ""
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	value, ok := args[key].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidArguments, key)
	}
	return value, nil
}

// optionalString extracts an optional string argument with a default.
func optionalString(args map[string]any, key, fallback string) string {
	if value, ok := args[key].(string); ok && value != "" {
		return value
	}
	return fallback
}

// optionalBool extracts an optional bool argument with a default.
func optionalBool(args map[string]any, key string, fallback bool) bool {
	if value, ok := args[key].(bool); ok {
		return value
	}
	return fallback
}

// optionalInt extracts an optional numeric argument. JSON numbers arrive as
// float64.
func optionalInt(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func errorResult(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}
