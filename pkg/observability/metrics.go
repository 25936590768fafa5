package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	Port    int  `yaml:"port" mapstructure:"port"`
}

// Metrics records runtime measurements. A nil *RuntimeMetrics is safe to
// call, so call sites never branch on whether observability is enabled.
type RuntimeMetrics struct {
	llmDuration   metric.Float64Histogram
	llmInputToks  metric.Int64Counter
	llmOutputToks metric.Int64Counter
	llmErrors     metric.Int64Counter

	toolDuration metric.Float64Histogram
	toolCalls    metric.Int64Counter
	toolErrors   metric.Int64Counter

	tasksProcessed metric.Int64Counter
	taskErrors     metric.Int64Counter
	taskDuration   metric.Float64Histogram

	mailDelivered metric.Int64Counter
}

var (
	globalMetrics   *RuntimeMetrics
	globalMetricsMu sync.RWMutex
)

func SetGlobalMetrics(m *RuntimeMetrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m
}

func GetGlobalMetrics() *RuntimeMetrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()
	return globalMetrics
}

// InitMetrics builds the meter set backed by the Prometheus exporter.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*RuntimeMetrics, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter("aiwhisperer")

	m := &RuntimeMetrics{}

	if m.llmDuration, err = meter.Float64Histogram(
		"aiwhisperer_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.llmInputToks, err = meter.Int64Counter(
		"aiwhisperer_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to the LLM"),
	); err != nil {
		return nil, err
	}
	if m.llmOutputToks, err = meter.Int64Counter(
		"aiwhisperer_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from the LLM"),
	); err != nil {
		return nil, err
	}
	if m.llmErrors, err = meter.Int64Counter(
		"aiwhisperer_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	); err != nil {
		return nil, err
	}

	if m.toolDuration, err = meter.Float64Histogram(
		"aiwhisperer_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.toolCalls, err = meter.Int64Counter(
		"aiwhisperer_tool_calls_total",
		metric.WithDescription("Total tool calls"),
	); err != nil {
		return nil, err
	}
	if m.toolErrors, err = meter.Int64Counter(
		"aiwhisperer_tool_errors_total",
		metric.WithDescription("Total tool errors"),
	); err != nil {
		return nil, err
	}

	if m.tasksProcessed, err = meter.Int64Counter(
		"aiwhisperer_tasks_processed_total",
		metric.WithDescription("Total agent tasks processed"),
	); err != nil {
		return nil, err
	}
	if m.taskErrors, err = meter.Int64Counter(
		"aiwhisperer_task_errors_total",
		metric.WithDescription("Total agent task errors"),
	); err != nil {
		return nil, err
	}
	if m.taskDuration, err = meter.Float64Histogram(
		"aiwhisperer_task_duration_seconds",
		metric.WithDescription("Agent task processing duration in seconds"),
	); err != nil {
		return nil, err
	}

	if m.mailDelivered, err = meter.Int64Counter(
		"aiwhisperer_mail_delivered_total",
		metric.WithDescription("Total mail messages delivered"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *RuntimeMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(AttrLLMModel, model))
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	if inputTokens > 0 {
		m.llmInputToks.Add(ctx, int64(inputTokens), attrs)
	}
	if outputTokens > 0 {
		m.llmOutputToks.Add(ctx, int64(outputTokens), attrs)
	}
	if err != nil {
		m.llmErrors.Add(ctx, 1, attrs)
	}
}

func (m *RuntimeMetrics) RecordToolExecution(ctx context.Context, toolName string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(AttrToolName, toolName))
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolCalls.Add(ctx, 1, attrs)
	if err != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

func (m *RuntimeMetrics) RecordTaskProcessed(ctx context.Context, agentID, taskType string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrAgentID, agentID),
		attribute.String(AttrTaskType, taskType),
	)
	m.taskDuration.Record(ctx, duration.Seconds(), attrs)
	m.tasksProcessed.Add(ctx, 1, attrs)
	if err != nil {
		m.taskErrors.Add(ctx, 1, attrs)
	}
}

func (m *RuntimeMetrics) RecordMailDelivered(ctx context.Context, recipient string) {
	if m == nil {
		return
	}
	m.mailDelivered.Add(ctx, 1, metric.WithAttributes(attribute.String("recipient", recipient)))
}
