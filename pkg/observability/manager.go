package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type Config struct {
	Tracing TracerConfig  `yaml:"tracing" mapstructure:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// Manager owns the tracer provider, the metrics set, and the Prometheus
// scrape endpoint.
type Manager struct {
	cfg           Config
	traceProvider trace.TracerProvider
	metrics       *RuntimeMetrics
	metricsServer *http.Server
}

func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

func (m *Manager) Initialize(ctx context.Context) error {
	tp, err := InitGlobalTracer(ctx, m.cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	m.traceProvider = tp

	metrics, err := InitMetrics(ctx, m.cfg.Metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	m.metrics = metrics
	SetGlobalMetrics(metrics)

	if m.cfg.Metrics.Enabled {
		port := m.cfg.Metrics.Port
		if port == 0 {
			port = 9090
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		m.metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		}
		go func() {
			if err := m.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
		slog.Info("Metrics endpoint started", "port", port)
	}

	return nil
}

func (m *Manager) GetMetrics() *RuntimeMetrics {
	return m.metrics
}

func (m *Manager) Shutdown(ctx context.Context) error {
	if m.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := m.metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Metrics server shutdown failed", "error", err)
		}
	}
	if sdkProvider, ok := m.traceProvider.(*sdktrace.TracerProvider); ok {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}
