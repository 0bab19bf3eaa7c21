// Package observability wires OpenTelemetry tracing and Prometheus
// metrics for the coordination layer, and hosts the per-run Recorder
// that the Lifecycle Manager's worker spawns use to append transcript,
// tool-use, assertion, and skill-trace records.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/arcflow-run/conductor/internal/config"
)

// Tracer wraps a TracerProvider for the run/verification/knowledge
// spans recorded around coordination operations.
type Tracer struct {
	provider trace.TracerProvider
	tracer   trace.Tracer
}

// newTracer builds the TracerProvider selected by cfg.TracesExporter:
// otlp (gRPC collector), stdout (span dump, for local debugging), or
// none/anything else (no-op, tracing disabled).
func newTracer(ctx context.Context, cfg config.ObservabilityConfig) (*Tracer, error) {
	switch cfg.TracesExporter {
	case "otlp":
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
		return newSDKTracer(ctx, cfg, sdktrace.WithBatcher(exporter))
	case "stdout":
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		return newSDKTracer(ctx, cfg, sdktrace.WithBatcher(exporter))
	default:
		provider := noop.NewTracerProvider()
		return &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}, nil
	}
}

func newSDKTracer(ctx context.Context, cfg config.ObservabilityConfig, opt sdktrace.TracerProviderOption) (*Tracer, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(opt, sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return &Tracer{provider: tp, tracer: tp.Tracer(cfg.ServiceName)}, nil
}

// Start opens a span named name, the generic entrypoint every recorder
// and coordination method spans its work with.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Shutdown flushes and releases the underlying TracerProvider, a no-op
// for the noop provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if sdk, ok := t.provider.(*sdktrace.TracerProvider); ok {
		return sdk.Shutdown(ctx)
	}
	return nil
}
