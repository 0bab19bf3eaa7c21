package observability

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arcflow-run/conductor/internal/config"
	"github.com/arcflow-run/conductor/internal/registry"
	"github.com/arcflow-run/conductor/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "conductor.db")
	pool := config.NewDBPool()
	t.Cleanup(func() { pool.Close() })

	s, err := store.Open(context.Background(), pool, config.DatabaseConfig{Driver: "sqlite3", DSN_: dbPath}, registry.New())
	require.NoError(t, err)
	return s
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.ObservabilityConfig{ServiceName: "conductor-test", MetricsAddr: ":0", TracesExporter: "none"}
	m, err := NewManager(context.Background(), cfg)
	require.NoError(t, err)
	return m
}

func TestRecorderAppendTranscriptAssignsMonotoneSeq(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t)
	ctx := context.Background()

	rec := m.NewRecorder(st, "run-1", "task-1")
	require.NoError(t, rec.AppendTranscript(ctx, "agent-output", "first"))
	require.NoError(t, rec.AppendTranscript(ctx, "reasoning", "second"))

	turns, err := st.ListTranscript(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, 1, turns[0].Seq)
	require.Equal(t, 2, turns[1].Seq)
}

func TestRecorderToolCallRecordsOutcome(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t)
	ctx := context.Background()

	rec := m.NewRecorder(st, "run-2", "task-2")
	call := rec.BeginToolUse("edit_file", `{"path":"a.go"}`)
	require.NoError(t, call.End(ctx, "ok", ""))

	uses, err := st.ListToolUses(ctx, "run-2")
	require.NoError(t, err)
	require.Len(t, uses, 1)
	require.Equal(t, "edit_file", uses[0].ToolName)
	require.Empty(t, uses[0].Error)
}

func TestRecorderCloseReturnsSummaryAndStopsAppends(t *testing.T) {
	st := newTestStore(t)
	m := newTestManager(t)
	ctx := context.Background()

	rec := m.NewRecorder(st, "run-3", "task-3")
	require.NoError(t, rec.AppendTranscript(ctx, "agent-output", "one"))
	require.NoError(t, rec.AppendTranscript(ctx, "agent-output", "two"))

	summary := rec.Close()
	require.Equal(t, 2, summary.TranscriptTurns)

	require.NoError(t, rec.AppendTranscript(ctx, "agent-output", "after close"))
	turns, err := st.ListTranscript(ctx, "run-3")
	require.NoError(t, err)
	require.Len(t, turns, 2)
}

func TestMetricsHandlerServesPrometheusFormat(t *testing.T) {
	m := newTestManager(t)
	req := m.MetricsHandler()
	require.NotNil(t, req)
}
