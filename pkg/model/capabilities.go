// Package model holds the static per-model capability table.
//
// The table drives two decisions in the AI loop: whether structured-output
// directives can be combined with tools, and whether single-tool models need
// continuation injection to finish multi-tool work.
package model

import "strings"

// Quirk flags are per-model behavioral traits the loop must honor.
const (
	QuirkNoToolsWithStructuredOutput = "no_tools_with_structured_output"
	QuirkStructuredOutputHidden      = "structured_output_hidden"
)

// Capabilities describes what a model supports.
type Capabilities struct {
	MultiTool        bool
	ParallelTools    bool
	MaxToolsPerTurn  int
	StructuredOutput bool
	Quirks           map[string]bool
}

// HasQuirk reports whether the given quirk flag is set.
func (c Capabilities) HasQuirk(flag string) bool {
	return c.Quirks[flag]
}

// DefaultCapabilities is the conservative fallback for unknown models:
// single tool per turn, no structured output.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		MultiTool:        false,
		ParallelTools:    false,
		MaxToolsPerTurn:  1,
		StructuredOutput: false,
	}
}

func quirks(flags ...string) map[string]bool {
	m := make(map[string]bool, len(flags))
	for _, f := range flags {
		m[f] = true
	}
	return m
}

// capabilityTable is keyed by canonical model identifier. Lookup falls back
// to the longest matching prefix, then to DefaultCapabilities.
var capabilityTable = map[string]Capabilities{
	"openai/gpt-4o": {
		MultiTool:        true,
		ParallelTools:    true,
		MaxToolsPerTurn:  10,
		StructuredOutput: true,
	},
	"openai/gpt-4o-mini": {
		MultiTool:        true,
		ParallelTools:    true,
		MaxToolsPerTurn:  10,
		StructuredOutput: true,
	},
	"openai/gpt-4": {
		MultiTool:        true,
		ParallelTools:    false,
		MaxToolsPerTurn:  5,
		StructuredOutput: false,
	},
	"anthropic/claude-3.5-sonnet": {
		MultiTool:        true,
		ParallelTools:    true,
		MaxToolsPerTurn:  10,
		StructuredOutput: true,
		Quirks:           quirks(QuirkNoToolsWithStructuredOutput),
	},
	"anthropic/claude-3-opus": {
		MultiTool:        true,
		ParallelTools:    true,
		MaxToolsPerTurn:  10,
		StructuredOutput: true,
		Quirks:           quirks(QuirkNoToolsWithStructuredOutput),
	},
	"anthropic/claude-3-haiku": {
		MultiTool:        true,
		ParallelTools:    false,
		MaxToolsPerTurn:  5,
		StructuredOutput: true,
		Quirks:           quirks(QuirkNoToolsWithStructuredOutput),
	},
	"google/gemini-1.5-pro": {
		MultiTool:        true,
		ParallelTools:    true,
		MaxToolsPerTurn:  10,
		StructuredOutput: true,
		Quirks:           quirks(QuirkStructuredOutputHidden),
	},
	"google/gemini-1.5-flash": {
		MultiTool:        true,
		ParallelTools:    true,
		MaxToolsPerTurn:  10,
		StructuredOutput: true,
		Quirks:           quirks(QuirkStructuredOutputHidden),
	},
	"meta-llama/llama-3.1-70b-instruct": {
		MultiTool:        false,
		ParallelTools:    false,
		MaxToolsPerTurn:  1,
		StructuredOutput: true,
	},
	"meta-llama/llama-3.1-8b-instruct": {
		MultiTool:        false,
		ParallelTools:    false,
		MaxToolsPerTurn:  1,
		StructuredOutput: false,
	},
	"mistralai/mistral-large": {
		MultiTool:        true,
		ParallelTools:    false,
		MaxToolsPerTurn:  5,
		StructuredOutput: true,
	},
	"deepseek/deepseek-chat": {
		MultiTool:        false,
		ParallelTools:    false,
		MaxToolsPerTurn:  1,
		StructuredOutput: true,
	},
}

// Lookup returns the capabilities for a canonical model identifier.
// Exact match wins; otherwise the longest registered prefix of the identifier
// is used; unknown models get DefaultCapabilities.
func Lookup(model string) Capabilities {
	normalized := strings.ToLower(strings.TrimSpace(model))
	if caps, ok := capabilityTable[normalized]; ok {
		return caps
	}

	bestLen := 0
	var best Capabilities
	for key, caps := range capabilityTable {
		if strings.HasPrefix(normalized, key) && len(key) > bestLen {
			bestLen = len(key)
			best = caps
		}
	}
	if bestLen > 0 {
		return best
	}
	return DefaultCapabilities()
}

// Known reports whether the model has an entry (exact or prefix) in the table.
func Known(model string) bool {
	normalized := strings.ToLower(strings.TrimSpace(model))
	if _, ok := capabilityTable[normalized]; ok {
		return true
	}
	for key := range capabilityTable {
		if strings.HasPrefix(normalized, key) {
			return true
		}
	}
	return false
}
