package knowledge

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arcflow-run/conductor/internal/config"
	"github.com/arcflow-run/conductor/internal/eventbus"
	"github.com/arcflow-run/conductor/internal/registry"
	"github.com/arcflow-run/conductor/internal/store"
	"github.com/arcflow-run/conductor/internal/task"
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

func TestWriteAndContextForTask(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New(st)
	kb := New(st, NewInProcessIndex(), bus)
	ctx := context.Background()

	_, err := kb.Write(ctx, store.KnowledgeItem{
		Kind: store.KnowledgePattern, Content: "retry transient db errors with backoff",
		Confidence: 0.8, AffectedAreas: []string{"internal/store/store.go"},
	})
	require.NoError(t, err)
	_, err = kb.Write(ctx, store.KnowledgeItem{
		Kind: store.KnowledgeWarning, Content: "the scheduler test suite is flaky under load",
		Confidence: 0.6, AffectedAreas: []string{"internal/scheduler/scheduler.go"},
	})
	require.NoError(t, err)

	tk := task.New(task.CategoryBug, task.RiskLow, "fix store bug", "")
	tk.AffectedFiles = []string{"internal/store/store.go"}

	ranked, err := kb.ContextForTask(ctx, tk, 10)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	require.Equal(t, "retry transient db errors with backoff", ranked[0].Content)
}

func TestWriteDeduplicatesNearIdenticalContent(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New(st)
	kb := New(st, NewInProcessIndex(), bus)
	ctx := context.Background()

	id1, err := kb.Write(ctx, store.KnowledgeItem{Kind: store.KnowledgeFact, Content: "uses postgres in production", Confidence: 0.5})
	require.NoError(t, err)

	id2, err := kb.Write(ctx, store.KnowledgeItem{Kind: store.KnowledgeFact, Content: "uses postgres in production", Confidence: 0.5})
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	active, err := st.ListActiveKnowledge(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, 2, active[0].Occurrences)
}

func TestWriteEscalatesContradictingDecision(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New(st)
	kb := New(st, NewInProcessIndex(), bus)
	ctx := context.Background()

	_, err := kb.Write(ctx, store.KnowledgeItem{
		Kind: store.KnowledgeDecision, Content: "use postgres as the primary datastore for this project",
		Confidence: 0.9,
	})
	require.NoError(t, err)

	_, err = kb.Write(ctx, store.KnowledgeItem{
		Kind: store.KnowledgeDecision, Content: "use sqlite as the primary datastore for this project",
		Confidence: 0.9,
	})
	require.Error(t, err)

	sub, err := bus.Subscribe(ctx, "pm", []eventbus.Type{eventbus.TypeDecisionNeeded}, "")
	require.NoError(t, err)
	require.NotEmpty(t, sub)
	events, err := bus.Poll(ctx, "pm", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestSupersedeRemovesFromActiveQuery(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New(st)
	kb := New(st, NewInProcessIndex(), bus)
	ctx := context.Background()

	oldID, err := kb.Write(ctx, store.KnowledgeItem{Kind: store.KnowledgeFact, Content: "old approach to caching", Confidence: 0.7})
	require.NoError(t, err)
	newID, err := kb.Write(ctx, store.KnowledgeItem{Kind: store.KnowledgeFact, Content: "a totally different caching strategy entirely", Confidence: 0.8})
	require.NoError(t, err)

	require.NoError(t, kb.Supersede(ctx, oldID, newID))

	active, err := st.ListActiveKnowledge(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, newID, active[0].ID)
}
