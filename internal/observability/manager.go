package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/arcflow-run/conductor/internal/config"
	"github.com/arcflow-run/conductor/internal/store"
)

// Manager owns the lifecycle of tracing and metrics for the coordinator
// process: one Tracer, one Metrics instance, and the factory for
// per-run Recorders.
type Manager struct {
	cfg     config.ObservabilityConfig
	tracer  *Tracer
	metrics *Metrics
}

// NewManager builds tracing and metrics from cfg. Tracing degrades to a
// no-op provider when cfg.TracesExporter isn't "otlp" or "stdout";
// metrics are always live, since the Recorder depends on them.
func NewManager(ctx context.Context, cfg config.ObservabilityConfig) (*Manager, error) {
	tracer, err := newTracer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	metrics, err := newMetrics(cfg)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	slog.Info("observability initialized", "service", cfg.ServiceName, "traces_exporter", cfg.TracesExporter, "metrics_addr", cfg.MetricsAddr)
	return &Manager{cfg: cfg, tracer: tracer, metrics: metrics}, nil
}

// Tracer returns the process-wide tracer.
func (m *Manager) Tracer() *Tracer { return m.tracer }

// Metrics returns the process-wide metrics instance.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// NewRecorder builds a Recorder bound to one run, wrapping st's
// observability tables with monotone in-process sequence counters and
// tracer/metrics instrumentation.
func (m *Manager) NewRecorder(st *store.Store, runID, taskID string) *Recorder {
	return newRecorder(st, m.tracer, m.metrics, runID, taskID)
}

// MetricsHandler serves the combined Prometheus exposition endpoint.
func (m *Manager) MetricsHandler() http.Handler {
	return m.metrics.Handler()
}

// Serve starts the metrics HTTP server on cfg.MetricsAddr until ctx is
// cancelled.
func (m *Manager) Serve(ctx context.Context) error {
	srv := &http.Server{Addr: m.cfg.MetricsAddr, Handler: m.MetricsHandler()}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown releases the tracer's resources.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.tracer.Shutdown(ctx)
}
