// Package continuation decides whether an agent autonomously takes another
// turn. An explicit continuation block in the model response wins; free-form
// regex patterns are a fallback, and hard limits always force termination.
package continuation

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/aiwhisperer/aiwhisperer/pkg/model"
)

type Status string

const (
	StatusContinue  Status = "CONTINUE"
	StatusTerminate Status = "TERMINATE"
)

// NextAction is an optional hint about the agent's intended next step.
type NextAction struct {
	Type       string         `json:"type"`
	Tool       string         `json:"tool,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Progress tracks multi-step work across continuations.
type Progress struct {
	CurrentStep          int      `json:"current_step"`
	TotalSteps           *int     `json:"total_steps,omitempty"`
	CompletionPercentage *float64 `json:"completion_percentage,omitempty"`
	StepsCompleted       []string `json:"steps_completed,omitempty"`
	StepsRemaining       []string `json:"steps_remaining,omitempty"`
}

// Signal is the explicit continuation block a model can embed in its
// response.
type Signal struct {
	Status     Status      `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	NextAction *NextAction `json:"next_action,omitempty"`
	Progress   *Progress   `json:"progress,omitempty"`
}

// HistoryEntry records one continuation decision.
type HistoryEntry struct {
	Iteration       int       `json:"iteration"`
	Timestamp       time.Time `json:"timestamp"`
	ResponseSummary string    `json:"response_summary"`
	Status          Status    `json:"continuation_status"`
	ToolCallsCount  int       `json:"tool_calls_count"`
	Progress        *Progress `json:"progress,omitempty"`
}

// Config bounds autonomous continuation.
type Config struct {
	RequireExplicitSignal bool          `json:"require_explicit_signal" yaml:"require_explicit_signal" mapstructure:"require_explicit_signal"`
	MaxIterations         int           `json:"max_iterations" yaml:"max_iterations" mapstructure:"max_iterations"`
	Timeout               time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	MaxContinuationDepth  int           `json:"max_continuation_depth" yaml:"max_continuation_depth" mapstructure:"max_continuation_depth"`
}

func DefaultConfig() Config {
	return Config{
		RequireExplicitSignal: true,
		MaxIterations:         10,
		Timeout:               300 * time.Second,
		MaxContinuationDepth:  3,
	}
}

func (c *Config) SetDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.Timeout <= 0 {
		c.Timeout = 300 * time.Second
	}
	if c.MaxContinuationDepth <= 0 {
		c.MaxContinuationDepth = 3
	}
}

var (
	// Terminate patterns take precedence over continue patterns.
	terminatePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bTERMINATE\b`),
		regexp.MustCompile(`"status"\s*:\s*"TERMINATE"`),
		regexp.MustCompile(`(?i)\btask (is )?(complete|finished|done)\b`),
		regexp.MustCompile(`(?i)\bnothing (more|left) to do\b`),
	}
	continuePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bCONTINUE\b`),
		regexp.MustCompile(`"status"\s*:\s*"CONTINUE"`),
		regexp.MustCompile(`(?i)\bnot (yet )?(finished|complete|done)\b`),
		regexp.MustCompile(`(?i)\bnext,? I (will|need to)\b`),
	}

	// Matches a JSON object containing a "status" key, for extracting the
	// explicit block out of surrounding prose.
	signalBlockPattern = regexp.MustCompile(`\{[^{}]*"status"\s*:\s*"(?:CONTINUE|TERMINATE)"[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)
)

// Decision is the controller's verdict for one turn.
type Decision struct {
	Status Status
	Reason string
	Signal *Signal

	// InjectContinue asks the loop to feed a synthetic "continue" user
	// message, used to paper over single-tool models.
	InjectContinue bool
}

// Controller tracks one agent's continuation state across a task.
type Controller struct {
	cfg  Config
	caps model.Capabilities

	mu                sync.Mutex
	iteration         int
	continuationDepth int
	startedAt         time.Time
	history           []HistoryEntry
}

func NewController(cfg Config, caps model.Capabilities) *Controller {
	cfg.SetDefaults()
	return &Controller{
		cfg:       cfg,
		caps:      caps,
		startedAt: time.Now(),
	}
}

// Reset starts a fresh task: iteration counters, depth, and history clear.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.iteration = 0
	c.continuationDepth = 0
	c.startedAt = time.Now()
	c.history = nil
}

// Evaluate decides whether the agent should continue after a turn that
// produced responseText and toolCallsCount tool calls.
func (c *Controller) Evaluate(responseText string, toolCallsCount int) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.iteration++

	decision := c.decide(responseText, toolCallsCount)

	c.history = append(c.history, HistoryEntry{
		Iteration:       c.iteration,
		Timestamp:       time.Now().UTC(),
		ResponseSummary: summarize(responseText),
		Status:          decision.Status,
		ToolCallsCount:  toolCallsCount,
		Progress:        progressOf(decision.Signal),
	})

	if decision.Status == StatusContinue && decision.InjectContinue {
		c.continuationDepth++
	}
	return decision
}

func (c *Controller) decide(responseText string, toolCallsCount int) Decision {
	// Hard limits always win. CONTINUE is allowed MaxIterations times; the
	// iteration counter was already advanced for this evaluation.
	if c.iteration > c.cfg.MaxIterations {
		slog.Debug("Continuation stopped: iteration limit", "iterations", c.iteration)
		return Decision{Status: StatusTerminate, Reason: "max iterations reached"}
	}
	if time.Since(c.startedAt) > c.cfg.Timeout {
		slog.Debug("Continuation stopped: timeout", "elapsed", time.Since(c.startedAt))
		return Decision{Status: StatusTerminate, Reason: "continuation timeout"}
	}

	signal := ParseSignal(responseText)
	if signal != nil {
		return Decision{
			Status: signal.Status,
			Reason: signal.Reason,
			Signal: signal,
		}
	}

	// Single-tool models cannot batch work; absent an explicit TERMINATE, a
	// turn that used its one tool call gets nudged along, bounded by depth.
	if !c.caps.MultiTool && toolCallsCount > 0 &&
		c.continuationDepth < c.cfg.MaxContinuationDepth {
		return Decision{
			Status:         StatusContinue,
			Reason:         "single-tool model continuation",
			InjectContinue: true,
		}
	}

	if c.cfg.RequireExplicitSignal {
		return Decision{Status: StatusTerminate, Reason: "no explicit continuation signal"}
	}

	return patternDecision(responseText)
}

func patternDecision(text string) Decision {
	for _, p := range terminatePatterns {
		if p.MatchString(text) {
			return Decision{Status: StatusTerminate, Reason: "terminate pattern matched"}
		}
	}
	for _, p := range continuePatterns {
		if p.MatchString(text) {
			return Decision{Status: StatusContinue, Reason: "continue pattern matched"}
		}
	}
	return Decision{Status: StatusTerminate, Reason: "no continuation signal"}
}

// ParseSignal extracts an explicit continuation block from response text.
// Returns nil when no well-formed block is present.
func ParseSignal(text string) *Signal {
	candidate := strings.TrimSpace(text)

	// Whole response as JSON first, then an embedded block.
	if signal := decodeSignal(candidate); signal != nil {
		return signal
	}
	for _, match := range signalBlockPattern.FindAllString(text, -1) {
		if signal := decodeSignal(match); signal != nil {
			return signal
		}
	}
	return nil
}

func decodeSignal(candidate string) *Signal {
	var signal Signal
	if err := json.Unmarshal([]byte(candidate), &signal); err != nil {
		return nil
	}
	switch signal.Status {
	case StatusContinue, StatusTerminate:
		return &signal
	}
	return nil
}

// Iteration returns the current iteration count.
func (c *Controller) Iteration() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iteration
}

// History returns a copy of the decision history.
func (c *Controller) History() []HistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]HistoryEntry(nil), c.history...)
}

func summarize(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= 200 {
		return text
	}
	// Truncate on rune boundaries so multi-byte text stays valid.
	runes := []rune(text)
	if len(runes) <= 200 {
		return text
	}
	return string(runes[:197]) + "..."
}

func progressOf(signal *Signal) *Progress {
	if signal == nil {
		return nil
	}
	return signal.Progress
}
