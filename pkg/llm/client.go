package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aiwhisperer/aiwhisperer/pkg/httpclient"
	"github.com/aiwhisperer/aiwhisperer/pkg/observability"
	"github.com/aiwhisperer/aiwhisperer/pkg/protocol"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// Config holds the per-provider connection and generation settings.
type Config struct {
	Model             string
	APIKey            string
	BaseURL           string
	SiteURL           string
	AppName           string
	TimeoutSeconds    int
	MaxRetries        int
	RetryDelaySeconds int
	Params            GenerationParams
}

// Client talks to one OpenAI-compatible chat-completions endpoint.
type Client struct {
	cfg        Config
	httpClient *httpclient.Client
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 60
	}
	if cfg.RetryDelaySeconds <= 0 {
		cfg.RetryDelaySeconds = 2
	}

	// Zero means default, negative disables retries entirely.
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	} else if maxRetries < 0 {
		maxRetries = 0
	}

	httpClient := httpclient.New(
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		}),
		httpclient.WithMaxRetries(maxRetries),
		httpclient.WithBaseDelay(time.Duration(cfg.RetryDelaySeconds)*time.Second),
		httpclient.WithHeaderParser(httpclient.ParseOpenRouterHeaders),
	)

	return &Client{cfg: cfg, httpClient: httpClient}
}

func (c *Client) Model() string {
	return c.cfg.Model
}

// wire types for the chat-completions payload

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []wireMessage   `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	Stream         bool            `json:"stream"`
	Tools          []ToolDefinition `json:"tools,omitempty"`
	ToolChoice     string          `json:"tool_choice,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	Reasoning      *reasoningSpec  `json:"reasoning,omitempty"`
}

type reasoningSpec struct {
	Exclude            bool `json:"exclude,omitempty"`
	MaxReasoningTokens int  `json:"max_reasoning_tokens,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireToolCall struct {
	Index    int              `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function wireFunctionCall `json:"function"`
}

type wireFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

type chatResponse struct {
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage     `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

type streamResponse struct {
	Choices []struct {
		Delta struct {
			Content   string         `json:"content,omitempty"`
			ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
			Reasoning string         `json:"reasoning,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage    `json:"usage,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

func (c *Client) buildRequest(req Request, stream bool) chatRequest {
	messages := make([]wireMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		wm := wireMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		for _, tc := range msg.ToolCalls {
			argsJSON, _ := json.Marshal(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunctionCall{
					Name:      tc.Name,
					Arguments: string(argsJSON),
				},
			})
		}
		messages = append(messages, wm)
	}

	params := c.mergeParams(req.Params)

	out := chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		Stream:      stream,
	}
	if params.MaxTokens > 0 {
		maxTokens := params.MaxTokens
		out.MaxTokens = &maxTokens
	}

	// Reasoning-token control: 0 excludes reasoning entirely, >0 caps it.
	if params.MaxReasoningTokens != nil {
		if *params.MaxReasoningTokens == 0 {
			out.Reasoning = &reasoningSpec{Exclude: true}
		} else {
			out.Reasoning = &reasoningSpec{MaxReasoningTokens: *params.MaxReasoningTokens}
		}
	}

	if len(req.Tools) > 0 {
		out.Tools = req.Tools
		out.ToolChoice = "auto"
	}
	if req.ResponseFormat != nil {
		out.ResponseFormat = req.ResponseFormat
	}

	return out
}

// mergeParams overlays per-call params on the configured base params.
func (c *Client) mergeParams(call GenerationParams) GenerationParams {
	merged := c.cfg.Params
	if call.Temperature != nil {
		merged.Temperature = call.Temperature
	}
	if call.MaxTokens > 0 {
		merged.MaxTokens = call.MaxTokens
	}
	if call.TopP != nil {
		merged.TopP = call.TopP
	}
	if call.MaxReasoningTokens != nil {
		merged.MaxReasoningTokens = call.MaxReasoningTokens
	}
	return merged
}

func (c *Client) newHTTPRequest(ctx context.Context, payload chatRequest) (*http.Request, error) {
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Kind: KindSchema, Message: "failed to marshal request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(requestBody))
	if err != nil {
		return nil, &Error{Kind: KindConnection, Message: "failed to create HTTP request", Err: err}
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if c.cfg.SiteURL != "" {
		httpReq.Header.Set("HTTP-Referer", c.cfg.SiteURL)
	}
	if c.cfg.AppName != "" {
		httpReq.Header.Set("X-Title", c.cfg.AppName)
	}

	return httpReq, nil
}

// do issues the request and converts transport/status failures into the
// typed error taxonomy. On success the caller owns the response body.
func (c *Client) do(httpReq *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(httpReq)

	if resp != nil && resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		message := string(body)
		if parsed := parseErrorBody(body); parsed != nil {
			message = parsed.Message
		}
		return nil, newStatusError(resp.StatusCode, message, err)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, &Error{Kind: KindCancelled, Message: "request cancelled", Err: err}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &Error{Kind: KindConnection, Message: "request timed out", Err: err}
		}
		return nil, &Error{Kind: KindConnection, Message: "request failed", Err: err}
	}
	if resp == nil {
		return nil, &Error{Kind: KindConnection, Message: "no response received"}
	}
	return resp, nil
}

func parseErrorBody(body []byte) *apiError {
	if len(body) == 0 {
		return nil
	}
	var errorResp struct {
		Error apiError `json:"error"`
	}
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		return &errorResp.Error
	}
	return nil
}

// Complete performs a non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req Request) (*Completion, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("aiwhisperer.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, c.cfg.Model),
			attribute.Bool("streaming", false),
		),
	)
	defer span.End()

	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	httpReq, err := c.newHTTPRequest(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, err
	}

	resp, err := c.do(httpReq)
	duration := time.Since(startTime)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.GetGlobalMetrics().RecordLLMCall(ctx, c.cfg.Model, duration, 0, 0, err)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindConnection, Message: "failed to read response", Err: err}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Kind: KindSchema, Message: "failed to unmarshal response", Err: err}
	}
	if parsed.Error != nil {
		apiErr := &Error{Kind: KindService, Message: parsed.Error.Message}
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, parsed.Error.Message)
		observability.GetGlobalMetrics().RecordLLMCall(ctx, c.cfg.Model, duration, 0, 0, apiErr)
		return nil, apiErr
	}
	if len(parsed.Choices) == 0 {
		return nil, &Error{Kind: KindSchema, Message: "no response choices returned"}
	}

	choice := parsed.Choices[0]
	message := protocol.Message{
		Role:    protocol.RoleAssistant,
		Content: choice.Message.Content,
	}
	for _, tc := range choice.Message.ToolCalls {
		call, err := RawToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}.Parse()
		if err != nil {
			return nil, &Error{Kind: KindSchema, Message: "failed to parse tool call arguments", Err: err}
		}
		message.ToolCalls = append(message.ToolCalls, call)
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, parsed.Usage.PromptTokens),
		attribute.Int(observability.AttrLLMTokensOutput, parsed.Usage.CompletionTokens),
	)
	span.SetStatus(codes.Ok, "success")
	observability.GetGlobalMetrics().RecordLLMCall(ctx, c.cfg.Model, duration,
		parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, nil)

	return &Completion{
		Message:      message,
		FinishReason: normalizeFinishReason(choice.FinishReason),
		Usage:        parsed.Usage,
		Raw:          body,
	}, nil
}

// Stream performs a streaming chat completion. Chunks are delivered on the
// returned channel; a chunk with a non-empty FinishReason (or Err) is final
// and the channel is closed after it. Cancelling the context closes the
// underlying connection and ends the stream with FinishCancelled.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	payload := c.buildRequest(req, true)

	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)

		streamCtx := ctx
		if req.TimeoutSeconds > 0 {
			var cancel context.CancelFunc
			streamCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
			defer cancel()
		}

		if err := c.readStream(streamCtx, payload, outputCh); err != nil {
			reason := FinishError
			if IsKind(err, KindCancelled) {
				reason = FinishCancelled
			}
			outputCh <- StreamChunk{FinishReason: reason, Err: err}
		}
	}()

	return outputCh, nil
}

func (c *Client) readStream(ctx context.Context, payload chatRequest, outputCh chan<- StreamChunk) error {
	startTime := time.Now()

	tracer := observability.GetTracer("aiwhisperer.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, c.cfg.Model),
			attribute.Bool("streaming", true),
		),
	)
	defer span.End()

	httpReq, err := c.newHTTPRequest(ctx, payload)
	if err != nil {
		return err
	}

	resp, err := c.do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.GetGlobalMetrics().RecordLLMCall(ctx, c.cfg.Model, time.Since(startTime), 0, 0, err)
		return err
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var usage Usage

	for {
		select {
		case <-ctx.Done():
			return &Error{Kind: KindCancelled, Message: "stream cancelled", Err: ctx.Err()}
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return &Error{Kind: KindCancelled, Message: "stream cancelled", Err: err}
			}
			return &Error{Kind: KindConnection, Message: "failed to read stream", Err: err}
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var chunk streamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			// Tolerate malformed keep-alive lines; skip.
			continue
		}

		// Mid-stream error objects are fatal, never silently dropped.
		if chunk.Error != nil {
			apiErr := &Error{Kind: KindService, Message: chunk.Error.Message}
			span.RecordError(apiErr)
			span.SetStatus(codes.Error, chunk.Error.Message)
			observability.GetGlobalMetrics().RecordLLMCall(ctx, c.cfg.Model, time.Since(startTime), 0, 0, apiErr)
			return apiErr
		}

		if chunk.Usage != nil {
			usage = *chunk.Usage
		}

		// Chunks without choices carry usage or keep-alives.
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		out := StreamChunk{
			DeltaContent:   choice.Delta.Content,
			DeltaReasoning: choice.Delta.Reasoning,
		}
		for _, tc := range choice.Delta.ToolCalls {
			out.DeltaToolCalls = append(out.DeltaToolCalls, ToolCallFragment{
				Index:     tc.Index,
				ID:        tc.ID,
				Type:      tc.Type,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		if choice.FinishReason != "" {
			out.FinishReason = normalizeFinishReason(choice.FinishReason)
			out.Usage = &usage
		}

		if out.DeltaContent != "" || out.DeltaReasoning != "" ||
			len(out.DeltaToolCalls) > 0 || out.FinishReason != "" {
			select {
			case outputCh <- out:
			case <-ctx.Done():
				return &Error{Kind: KindCancelled, Message: "stream cancelled", Err: ctx.Err()}
			}
		}

		if choice.FinishReason != "" {
			break
		}
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, usage.PromptTokens),
		attribute.Int(observability.AttrLLMTokensOutput, usage.CompletionTokens),
	)
	span.SetStatus(codes.Ok, "success")
	observability.GetGlobalMetrics().RecordLLMCall(ctx, c.cfg.Model, time.Since(startTime),
		usage.PromptTokens, usage.CompletionTokens, nil)

	return nil
}

func normalizeFinishReason(reason string) FinishReason {
	switch reason {
	case "stop", "end_turn":
		return FinishStop
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "length", "max_tokens":
		return FinishLength
	case "error":
		return FinishError
	case "":
		return ""
	default:
		return FinishStop
	}
}
