// Package ailoop drives one agent's turn cycle: assemble a request, stream
// the model response, execute requested tools inline, and produce a
// structured result. One loop per agent; the loop is single-tasked and
// yields only at stream chunk boundaries, queue reads, and the pause gate.
package ailoop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aiwhisperer/aiwhisperer/pkg/continuation"
	"github.com/aiwhisperer/aiwhisperer/pkg/llm"
	"github.com/aiwhisperer/aiwhisperer/pkg/memory"
	"github.com/aiwhisperer/aiwhisperer/pkg/model"
	"github.com/aiwhisperer/aiwhisperer/pkg/observability"
	"github.com/aiwhisperer/aiwhisperer/pkg/protocol"
	"github.com/aiwhisperer/aiwhisperer/pkg/tools"
)

// State is the loop's position in its turn cycle.
type State string

const (
	StateNotStarted        State = "NOT_STARTED"
	StateWaitForInput      State = "WAIT_FOR_INPUT"
	StateAssembleStream    State = "ASSEMBLE_STREAM"
	StateProcessToolResult State = "PROCESS_TOOL_RESULT"
	StateShutdown          State = "SHUTDOWN"
)

// maxLoopIterations is the hard ceiling on internal iterations per session;
// configurable via Options.
const maxLoopIterations = 1000

// Result is the structured outcome of one turn.
type Result struct {
	Analysis   string `json:"analysis,omitempty"`
	Commentary string `json:"commentary,omitempty"`
	Final      string `json:"final"`

	// ToolCalls counts the tool invocations made during the turn; the
	// continuation controller uses it for single-tool models.
	ToolCalls int `json:"-"`
}

// Notification is a method/params envelope; transport is injected.
type Notification struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// Notifier delivers notifications. Implementations must not block; delivery
// failure never breaks the loop.
type Notifier func(Notification)

// Streamer is the slice of the AI service client the loop needs.
type Streamer interface {
	Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error)
	Model() string
}

// Options configures a loop.
type Options struct {
	AgentID       string
	Client        Streamer
	Store         *memory.Store
	Registry      *tools.Registry
	Capabilities  model.Capabilities
	Continuation  continuation.Config
	Params        llm.GenerationParams
	Notifier      Notifier
	MaxIterations int

	// ResponseFormat requests structured output; dropped automatically for
	// models that cannot combine it with tools.
	ResponseFormat *llm.ResponseFormat
}

type input struct {
	message protocol.Message
	replyCh chan turnOutcome
}

type turnOutcome struct {
	result Result
	err    error
}

// Loop is one agent's AI loop.
type Loop struct {
	opts     Options
	ctrl     *continuation.Controller
	inputCh  chan input
	pauseCh  chan struct{} // closed = running; pending = paused
	paused   atomic.Bool
	shutdown atomic.Bool
	state    atomic.Value // State
	iters    atomic.Int64
}

func New(opts Options) *Loop {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = maxLoopIterations
	}
	l := &Loop{
		opts:    opts,
		ctrl:    continuation.NewController(opts.Continuation, opts.Capabilities),
		inputCh: make(chan input, 16),
	}
	l.state.Store(StateNotStarted)
	return l
}

func (l *Loop) AgentID() string { return l.opts.AgentID }
func (l *Loop) Model() string   { return l.opts.Client.Model() }

// State returns the loop's current state.
func (l *Loop) State() State {
	return l.state.Load().(State)
}

// Continuation exposes the loop's continuation controller.
func (l *Loop) Continuation() *continuation.Controller { return l.ctrl }

func (l *Loop) setState(s State) {
	l.state.Store(s)
}

// Pause holds the loop at the next chunk boundary until Resume.
func (l *Loop) Pause() {
	l.paused.Store(true)
}

// Resume releases a paused loop.
func (l *Loop) Resume() {
	l.paused.Store(false)
}

// Shutdown flags the loop to stop at the next safe point. The current
// stream is closed; in-flight tool results are dropped.
func (l *Loop) Shutdown() {
	l.shutdown.Store(true)
}

// Run drives the state machine until shutdown or context cancellation.
func (l *Loop) Run(ctx context.Context) {
	defer l.setState(StateShutdown)

	for {
		l.setState(StateWaitForInput)

		var in input
		select {
		case <-ctx.Done():
			return
		case in = <-l.inputCh:
		}
		if l.shutdown.Load() {
			in.reply(turnOutcome{err: fmt.Errorf("loop shut down")})
			return
		}

		if err := in.message.Validate(); err != nil {
			l.notify("ai_loop.error", map[string]any{
				"agent_id": l.opts.AgentID,
				"kind":     "invalid-input",
				"error":    err.Error(),
			})
			in.reply(turnOutcome{err: fmt.Errorf("invalid input: %w", err)})
			continue
		}

		if _, err := l.opts.Store.Add(l.opts.AgentID, in.message); err != nil {
			in.reply(turnOutcome{err: err})
			continue
		}

		outcome := l.runTurn(ctx)
		in.reply(outcome)

		if l.shutdown.Load() || ctx.Err() != nil {
			return
		}
	}
}

func (in input) reply(outcome turnOutcome) {
	if in.replyCh != nil {
		in.replyCh <- outcome
	}
}

// ProcessMessage submits one input and waits for the turn's result.
func (l *Loop) ProcessMessage(ctx context.Context, message protocol.Message) (Result, error) {
	replyCh := make(chan turnOutcome, 1)
	select {
	case l.inputCh <- input{message: message, replyCh: replyCh}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case outcome := <-replyCh:
		return outcome.result, outcome.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// runTurn executes stream cycles until the model stops requesting tools.
func (l *Loop) runTurn(ctx context.Context) turnOutcome {
	tracer := observability.GetTracer("aiwhisperer.ailoop")
	ctx, span := tracer.Start(ctx, observability.SpanAgentTurn,
		trace.WithAttributes(attribute.String(observability.AttrAgentID, l.opts.AgentID)),
	)
	defer span.End()

	var lastContent string
	toolCallTotal := 0
	for {
		if n := l.iters.Add(1); n > int64(l.opts.MaxIterations) {
			err := fmt.Errorf("loop iteration cap (%d) exceeded", l.opts.MaxIterations)
			l.recordTurnError(err)
			return turnOutcome{err: err}
		}

		l.setState(StateAssembleStream)
		content, toolMessages, err := l.streamOnce(ctx)
		if err != nil {
			if llm.IsKind(err, llm.KindCancelled) {
				return turnOutcome{err: err}
			}
			l.recordTurnError(err)
			result := extractChannels(lastContent)
			result.ToolCalls = toolCallTotal
			return turnOutcome{result: result, err: nil}
		}
		lastContent = content
		toolCallTotal += len(toolMessages)

		if len(toolMessages) == 0 {
			result := extractChannels(content)
			result.ToolCalls = toolCallTotal
			return turnOutcome{result: result}
		}

		// Tool results were produced; drain them into context and go again.
		l.setState(StateProcessToolResult)
		for _, msg := range toolMessages {
			if l.shutdown.Load() {
				return turnOutcome{err: fmt.Errorf("loop shut down")}
			}
			if _, err := l.opts.Store.Add(l.opts.AgentID, msg); err != nil {
				l.recordTurnError(err)
				return turnOutcome{err: err}
			}
		}
	}
}

// recordTurnError appends a synthetic assistant message so the conversation
// survives the failure, and emits an error notification.
func (l *Loop) recordTurnError(err error) {
	l.notify("ai_loop.error", map[string]any{
		"agent_id": l.opts.AgentID,
		"error":    err.Error(),
	})
	synthetic := protocol.NewAssistantMessage(
		fmt.Sprintf("[error] the previous request failed: %v", err), nil)
	if _, addErr := l.opts.Store.Add(l.opts.AgentID, synthetic); addErr != nil {
		slog.Warn("Failed to record turn error in context",
			"agent_id", l.opts.AgentID, "error", addErr)
	}
}

// streamOnce performs one stream cycle: request, accumulate, execute tools.
// It returns the assembled content and the tool-result messages (empty when
// the turn is final).
func (l *Loop) streamOnce(ctx context.Context) (string, []protocol.Message, error) {
	req := llm.Request{
		Messages: l.opts.Store.History(l.opts.AgentID, 0),
		Params:   l.opts.Params,
	}

	defs, err := l.opts.Registry.Definitions(true)
	if err != nil {
		return "", nil, err
	}
	req.Tools = defs

	// Structured output and tools cannot be combined on some models.
	if l.opts.ResponseFormat != nil {
		skipFormat := len(req.Tools) > 0 &&
			l.opts.Capabilities.HasQuirk(model.QuirkNoToolsWithStructuredOutput)
		if !skipFormat && l.opts.Capabilities.StructuredOutput {
			req.ResponseFormat = l.opts.ResponseFormat
		}
	}

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	ch, err := l.opts.Client.Stream(streamCtx, req)
	if err != nil {
		return "", nil, err
	}

	acc := llm.NewAccumulator()
	var content string
	var finish llm.FinishReason

	for chunk := range ch {
		if l.shutdown.Load() {
			cancelStream()
			return content, nil, &llm.Error{Kind: llm.KindCancelled, Message: "shutdown requested"}
		}
		l.awaitPause(ctx)

		if chunk.Err != nil {
			return content, nil, chunk.Err
		}

		if chunk.DeltaContent != "" {
			content += chunk.DeltaContent
		}
		// The finish usually arrives in a content-less chunk; it still
		// carries the final-chunk marker.
		if chunk.DeltaContent != "" || chunk.FinishReason != "" {
			l.notify("ai_loop.ai_chunk_received", map[string]any{
				"agent_id":       l.opts.AgentID,
				"chunk":          chunk.DeltaContent,
				"is_final_chunk": chunk.FinishReason != "",
			})
		}
		for _, frag := range chunk.DeltaToolCalls {
			if err := acc.Add(frag); err != nil {
				return content, nil, err
			}
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}

	switch finish {
	case llm.FinishToolCalls:
		return content, l.executeToolCalls(ctx, content, acc.Calls()), nil
	case llm.FinishLength:
		l.notify("ai_loop.progress", map[string]any{
			"agent_id": l.opts.AgentID,
			"event":    "response truncated at token limit",
		})
		fallthrough
	default:
		// Assistant message lands in context; the turn is over.
		if content != "" {
			if _, err := l.opts.Store.Add(l.opts.AgentID,
				protocol.NewAssistantMessage(content, nil)); err != nil {
				return content, nil, err
			}
		}
		return content, nil, nil
	}
}

// executeToolCalls appends the requesting assistant message, then runs each
// call inline. Per-call failures become synthetic error results; the turn
// never dies on one bad tool call.
func (l *Loop) executeToolCalls(ctx context.Context, content string, rawCalls []llm.RawToolCall) []protocol.Message {
	parsed := make([]protocol.ToolCall, 0, len(rawCalls))
	var results []protocol.Message

	for _, raw := range rawCalls {
		call, err := raw.Parse()
		if err != nil {
			// Assistant asked for something unparseable; preserve the payload.
			call = protocol.ToolCall{ID: raw.ID, Name: raw.Name, Arguments: map[string]any{}}
			parsed = append(parsed, call)
			results = append(results, protocol.NewToolMessage(raw.ID, raw.Name, map[string]any{
				"error":   "invalid-arguments",
				"detail":  err.Error(),
				"payload": raw.Arguments,
			}))
			continue
		}
		parsed = append(parsed, call)
		results = append(results, protocol.Message{}) // placeholder, filled below
	}

	// The assistant message precedes every tool message it induced.
	if _, err := l.opts.Store.Add(l.opts.AgentID,
		protocol.NewAssistantMessage(content, parsed)); err != nil {
		slog.Warn("Failed to append assistant message", "agent_id", l.opts.AgentID, "error", err)
	}

	toolCtx := tools.WithAgentID(ctx, l.opts.AgentID)
	for i, call := range parsed {
		if results[i].Role != "" {
			continue // already an invalid-arguments result
		}
		result, err := l.opts.Registry.Execute(toolCtx, call.Name, call.Arguments)
		if err != nil {
			results[i] = protocol.NewToolMessage(call.ID, call.Name, map[string]any{
				"error": err.Error(),
			})
			continue
		}
		results[i] = protocol.NewToolMessage(call.ID, call.Name, result)
	}
	return results
}

// awaitPause blocks while the pause gate is engaged.
func (l *Loop) awaitPause(ctx context.Context) {
	for l.paused.Load() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (l *Loop) notify(method string, params map[string]any) {
	if l.opts.Notifier == nil {
		return
	}
	l.opts.Notifier(Notification{Method: method, Params: params})
}

// extractChannels normalizes a final response into the structured result
// shape. A JSON object with the channel keys passes through; anything else
// lands in final.
func extractChannels(response string) Result {
	var channels struct {
		Analysis   any `json:"analysis"`
		Commentary any `json:"commentary"`
		Final      any `json:"final"`
	}
	if err := json.Unmarshal([]byte(response), &channels); err == nil {
		if channels.Analysis != nil || channels.Commentary != nil || channels.Final != nil {
			return Result{
				Analysis:   protocol.Stringify(orEmpty(channels.Analysis)),
				Commentary: protocol.Stringify(orEmpty(channels.Commentary)),
				Final:      protocol.Stringify(orEmpty(channels.Final)),
			}
		}
	}
	return Result{Final: response}
}

func orEmpty(v any) any {
	if v == nil {
		return ""
	}
	return v
}
