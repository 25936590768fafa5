package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aiwhisperer/aiwhisperer/pkg/llm"
	"github.com/aiwhisperer/aiwhisperer/pkg/observability"
	"github.com/aiwhisperer/aiwhisperer/pkg/registry"
)

// Factory builds a tool on first use.
type Factory func() (Tool, error)

// ManifestEntry describes a registered tool without instantiating it.
type ManifestEntry struct {
	Name        string   `json:"name"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags,omitempty"`
	Description string   `json:"description"`

	factory Factory
}

// Filter narrows Enumerate results. Zero value matches everything.
type Filter struct {
	Category string
	Tag      string
}

// Registry is the process-wide tool registry. Construction is lazy: a tool
// is built on first Get and cached; Enumerate and Definitions never
// instantiate.
type Registry struct {
	manifest *registry.BaseRegistry[*ManifestEntry]

	mu        sync.Mutex
	instances map[string]Tool

	exposure *ExposureFilter
}

func NewRegistry() *Registry {
	return &Registry{
		manifest:  registry.NewBaseRegistry[*ManifestEntry](),
		instances: make(map[string]Tool),
	}
}

// SetExposureFilter attaches the external-client exposure filter. Internal
// callers are unaffected.
func (r *Registry) SetExposureFilter(filter *ExposureFilter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exposure = filter
}

// RegisterFactory records a tool in the manifest without building it.
func (r *Registry) RegisterFactory(name, category, description string, tags []string, factory Factory) error {
	return r.manifest.Register(name, &ManifestEntry{
		Name:        name,
		Category:    category,
		Tags:        tags,
		Description: description,
		factory:     factory,
	})
}

// RegisterTool records an already-built tool.
func (r *Registry) RegisterTool(tool Tool) error {
	if err := r.manifest.Register(tool.Name(), &ManifestEntry{
		Name:        tool.Name(),
		Category:    tool.Category(),
		Tags:        tool.Tags(),
		Description: tool.Description(),
	}); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[tool.Name()] = tool
	return nil
}

// Get returns the tool instance, constructing it on first use.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tool, ok := r.instances[name]; ok {
		return tool, nil
	}

	entry, ok := r.manifest.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if entry.factory == nil {
		return nil, fmt.Errorf("%w: %s has no factory", ErrToolNotFound, name)
	}

	tool, err := entry.factory()
	if err != nil {
		return nil, fmt.Errorf("failed to construct tool %s: %w", name, err)
	}
	r.instances[name] = tool
	slog.Debug("Tool constructed", "tool", name)
	return tool, nil
}

// Enumerate returns manifest metadata without instantiating anything.
func (r *Registry) Enumerate(filter Filter) []ManifestEntry {
	var out []ManifestEntry
	for _, name := range r.manifest.Names() {
		entry, ok := r.manifest.Get(name)
		if !ok {
			continue
		}
		if filter.Category != "" && entry.Category != filter.Category {
			continue
		}
		if filter.Tag != "" && !hasTag(entry.Tags, filter.Tag) {
			continue
		}
		out = append(out, *entry)
	}
	return out
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}
	return false
}

// Names lists all registered tool names, sorted.
func (r *Registry) Names() []string {
	return r.manifest.Names()
}

// Definitions builds the model-facing tool array. Instantiation is needed
// here because the schema lives on the tool. With strict on,
// additionalProperties:false and function.strict are injected.
func (r *Registry) Definitions(strict bool) ([]llm.ToolDefinition, error) {
	return r.definitionsFor(r.manifest.Names(), strict)
}

// ExposedDefinitions applies the exposure filter for external MCP clients.
// Without a filter it is identical to Definitions.
func (r *Registry) ExposedDefinitions(strict bool) ([]llm.ToolDefinition, error) {
	r.mu.Lock()
	exposure := r.exposure
	r.mu.Unlock()

	names := r.manifest.Names()
	if exposure != nil {
		names = exposure.Apply(names)
	}
	return r.definitionsFor(names, strict)
}

func (r *Registry) definitionsFor(names []string, strict bool) ([]llm.ToolDefinition, error) {
	var defs []llm.ToolDefinition
	for _, name := range names {
		tool, err := r.Get(name)
		if err != nil {
			return nil, err
		}

		schema := tool.ParametersSchema()
		if strict {
			schema = withAdditionalPropertiesFalse(schema)
		}

		defs = append(defs, llm.ToolDefinition{
			Type: "function",
			Function: llm.FunctionSpec{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  schema,
				Strict:      strict,
			},
		})
	}
	return defs, nil
}

func withAdditionalPropertiesFalse(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema)+1)
	for k, v := range schema {
		out[k] = v
	}
	out["additionalProperties"] = false
	return out
}

// Execute looks up and runs a tool, recording the execution in the span and
// metric streams. Satisfies mailbox.ToolInvoker.
func (r *Registry) Execute(ctx context.Context, name string, arguments map[string]any) (any, error) {
	tool, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	tracer := observability.GetTracer("aiwhisperer.tools")
	ctx, span := tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(attribute.String(observability.AttrToolName, name)),
	)
	defer span.End()

	start := time.Now()
	result, err := tool.Execute(ctx, arguments)
	duration := time.Since(start)

	observability.GetGlobalMetrics().RecordToolExecution(ctx, name, duration, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("Tool execution failed", "tool", name, "duration", duration, "error", err)
		return nil, err
	}
	span.SetStatus(codes.Ok, "success")
	slog.Debug("Tool executed", "tool", name, "duration", duration)
	return result, nil
}
