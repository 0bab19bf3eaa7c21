package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/arcflow-run/conductor/internal/config"
)

// Metrics exposes Conductor's coordination-level measurements —
// recorder volume, LLM usage, Human Interface HTTP traffic — on a Prometheus
// registry, built on the OTel metrics SDK rather than hand-rolled
// collectors so the same instrumentation can later grow an OTLP
// metrics exporter without touching call sites.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	transcriptTurns metric.Int64Counter
	toolCalls       metric.Int64Counter
	toolErrors      metric.Int64Counter
	llmCalls        metric.Int64Counter
	llmTokensIn     metric.Int64Counter
	llmTokensOut    metric.Int64Counter
	llmDuration     metric.Float64Histogram
	httpRequests    metric.Int64Counter
	httpDuration    metric.Float64Histogram
}

func newMetrics(cfg config.ObservabilityConfig) (*Metrics, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(cfg.ServiceName)

	m := &Metrics{registry: registry, provider: provider}

	if m.transcriptTurns, err = meter.Int64Counter("conductor_recorder_transcript_turns_total",
		metric.WithDescription("Total transcript turns appended across all runs")); err != nil {
		return nil, err
	}
	if m.toolCalls, err = meter.Int64Counter("conductor_recorder_tool_calls_total",
		metric.WithDescription("Total tool invocations recorded across all runs")); err != nil {
		return nil, err
	}
	if m.toolErrors, err = meter.Int64Counter("conductor_recorder_tool_errors_total",
		metric.WithDescription("Total tool invocations that recorded an error")); err != nil {
		return nil, err
	}
	if m.llmCalls, err = meter.Int64Counter("conductor_llm_calls_total",
		metric.WithDescription("Total LLM API calls issued")); err != nil {
		return nil, err
	}
	if m.llmTokensIn, err = meter.Int64Counter("conductor_llm_tokens_input_total",
		metric.WithDescription("Total input tokens consumed")); err != nil {
		return nil, err
	}
	if m.llmTokensOut, err = meter.Int64Counter("conductor_llm_tokens_output_total",
		metric.WithDescription("Total output tokens generated")); err != nil {
		return nil, err
	}
	if m.llmDuration, err = meter.Float64Histogram("conductor_llm_call_duration_seconds",
		metric.WithDescription("LLM API call duration")); err != nil {
		return nil, err
	}
	if m.httpRequests, err = meter.Int64Counter("conductor_human_http_requests_total",
		metric.WithDescription("Total Human Interface HTTP requests")); err != nil {
		return nil, err
	}
	if m.httpDuration, err = meter.Float64Histogram("conductor_human_http_request_duration_seconds",
		metric.WithDescription("Human Interface HTTP request duration")); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordLLMCall records one external model call's duration and token
// usage. The llmclient providers do not call it themselves.
func (m *Metrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, tokensIn, tokensOut int) {
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.llmCalls.Add(ctx, 1, attrs)
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	m.llmTokensIn.Add(ctx, int64(tokensIn), attrs)
	m.llmTokensOut.Add(ctx, int64(tokensOut), attrs)
}

// RecordHTTPRequest records one Human Interface HTTP request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpDuration.Record(ctx, duration.Seconds(), attrs)
}

// Handler serves the Prometheus exposition format for this manager's
// own metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry, so a caller
// (e.g. internal/monitor's own registry) can be merged into a single
// scrape surface via prometheus.Gatherers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
