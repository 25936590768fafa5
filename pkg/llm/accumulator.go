package llm

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ErrMalformedStream is wrapped by accumulator errors caused by
// contradictory fragments.
var ErrMalformedStream = fmt.Errorf("malformed tool-call stream")

// Accumulator rebuilds complete tool calls from out-of-order SSE delta
// fragments. Fragments are grouped by index; scalar fields fill once and
// argument substrings append. A call is complete when both its id and
// function name have arrived. Argument parsing is deferred to dispatch time.
type Accumulator struct {
	partials map[int]*partialCall
}

type partialCall struct {
	index     int
	id        string
	callType  string
	name      string
	arguments string
}

func NewAccumulator() *Accumulator {
	return &Accumulator{
		partials: make(map[int]*partialCall),
	}
}

// Add merges one fragment. Duplicate scalar fragments are accepted when
// consistent with what was already seen and rejected otherwise.
func (a *Accumulator) Add(frag ToolCallFragment) error {
	p, ok := a.partials[frag.Index]
	if !ok {
		p = &partialCall{index: frag.Index}
		a.partials[frag.Index] = p
	}

	if frag.ID != "" {
		if p.id != "" && p.id != frag.ID {
			return fmt.Errorf("%w: conflicting ids %q and %q at index %d",
				ErrMalformedStream, p.id, frag.ID, frag.Index)
		}
		p.id = frag.ID
	}
	if frag.Type != "" {
		if p.callType != "" && p.callType != frag.Type {
			return fmt.Errorf("%w: conflicting types %q and %q at index %d",
				ErrMalformedStream, p.callType, frag.Type, frag.Index)
		}
		p.callType = frag.Type
	}
	if frag.Name != "" {
		if p.name != "" && p.name != frag.Name {
			return fmt.Errorf("%w: conflicting names %q and %q at index %d",
				ErrMalformedStream, p.name, frag.Name, frag.Index)
		}
		p.name = frag.Name
	}
	p.arguments += frag.Arguments

	return nil
}

// Calls returns the complete tool calls in index order. Partials that never
// received an id or a name are dropped.
func (a *Accumulator) Calls() []RawToolCall {
	indices := make([]int, 0, len(a.partials))
	for idx := range a.partials {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var calls []RawToolCall
	for _, idx := range indices {
		p := a.partials[idx]
		if p.id == "" || p.name == "" {
			continue
		}
		calls = append(calls, RawToolCall{
			ID:        p.id,
			Name:      p.name,
			Arguments: p.arguments,
		})
	}
	return calls
}

// Len returns the number of partial calls seen so far.
func (a *Accumulator) Len() int {
	return len(a.partials)
}

// Reset discards all accumulated state.
func (a *Accumulator) Reset() {
	a.partials = make(map[int]*partialCall)
}

// parseArguments decodes a JSON-encoded argument string. Empty input means
// an argument-less call.
func parseArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
	}
	return args, nil
}
