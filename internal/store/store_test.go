package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcflow-run/conductor/internal/config"
	"github.com/arcflow-run/conductor/internal/registry"
	"github.com/arcflow-run/conductor/internal/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "conductor.db")
	pool := config.NewDBPool()
	t.Cleanup(func() { pool.Close() })

	s, err := Open(context.Background(), pool, config.DatabaseConfig{Driver: "sqlite3", DSN_: dbPath}, registry.New())
	require.NoError(t, err)
	return s
}

func TestOpenAppliesMigrationsAndIsHealthy(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Healthy(context.Background()))
}

func TestSaveAndGetTaskRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := task.New(task.CategoryBug, task.RiskLow, "fix the thing", "details")
	tk.AcceptanceCriteria = []task.AcceptanceCriterion{{Statement: "bug no longer reproduces"}}
	tk.CodebaseTestCmds = []string{"go build ./..."}
	require.NoError(t, tk.Transition(task.StatePending))

	require.NoError(t, s.SaveTask(ctx, tk))

	loaded, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, tk.Title, loaded.Title)
	require.Equal(t, task.StatePending, loaded.Status())
	require.Equal(t, tk.AcceptanceCriteria, loaded.AcceptanceCriteria)
}

func TestListTasksByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := task.New(task.CategoryFeature, task.RiskLow, "a", "")
	a.AcceptanceCriteria = []task.AcceptanceCriterion{{Statement: "x"}}
	a.CodebaseTestCmds = []string{"true"}
	require.NoError(t, a.Transition(task.StatePending))
	require.NoError(t, s.SaveTask(ctx, a))

	b := task.New(task.CategoryFeature, task.RiskLow, "b", "")
	require.NoError(t, s.SaveTask(ctx, b)) // stays in draft

	pending, err := s.ListTasksByStatus(ctx, task.StatePending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, a.ID, pending[0].ID)
}

func TestSaveRelationshipRejectsCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRelationship(ctx, task.Relationship{FromTaskID: "t1", ToTaskID: "t2", Type: task.RelDependsOn}))
	require.NoError(t, s.SaveRelationship(ctx, task.Relationship{FromTaskID: "t2", ToTaskID: "t3", Type: task.RelDependsOn}))

	err := s.SaveRelationship(ctx, task.Relationship{FromTaskID: "t3", ToTaskID: "t1", Type: task.RelDependsOn})
	require.Error(t, err)
}

func TestSaveListRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	l := task.NewList("batch 1")
	l.AddTask("t1")
	l.AddTask("t2")
	l.SetItemStatus("t1", task.ItemCompleted)

	require.NoError(t, s.SaveList(ctx, l))

	loaded, err := s.GetList(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, "batch 1", loaded.Name)
	total, completed, _ := loaded.Progress()
	require.Equal(t, 2, total)
	require.Equal(t, 1, completed)
}

func TestRunAndWaveAndCheckpointPersistence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1, 0).UTC()

	require.NoError(t, s.SaveRun(ctx, ExecutionRun{ID: "r1", TaskID: "t1", Status: RunActive, Health: HealthHealthy, StartedAt: now}))
	active, err := s.ListActiveRuns(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, s.SaveWave(ctx, Wave{ID: "w1", Sequence: 1, Status: WaveOpen, CreatedAt: now}))
	seq, err := s.LatestWaveSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, seq)

	require.NoError(t, s.SaveCheckpoint(ctx, Checkpoint{ID: "c1", RunID: "r1", TaskID: "t1", Ref: "refs/ckpt/c1", CreatedAt: now}))
	cps, err := s.ListCheckpointsByRun(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, cps, 1)
}

func TestKnowledgeSupersession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1, 0).UTC()

	require.NoError(t, s.SaveKnowledgeItem(ctx, KnowledgeItem{ID: "k1", Kind: KnowledgeFact, Content: "uses postgres", Confidence: 0.9, CreatedAt: now}))
	active, err := s.ListActiveKnowledge(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, s.SaveKnowledgeItem(ctx, KnowledgeItem{ID: "k2", Kind: KnowledgeFact, Content: "uses mysql now", Confidence: 0.95, CreatedAt: now}))
	require.NoError(t, s.SupersedeKnowledgeItem(ctx, "k1", "k2"))

	active, err = s.ListActiveKnowledge(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "k2", active[0].ID)
}

func TestBumpKnowledgeOccurrence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1, 0).UTC()

	require.NoError(t, s.SaveKnowledgeItem(ctx, KnowledgeItem{ID: "k1", Kind: KnowledgeWarning, Content: "flaky test", Confidence: 0.4, CreatedAt: now}))
	require.NoError(t, s.BumpKnowledgeOccurrence(ctx, "k1", 0.1))

	active, err := s.ListActiveKnowledge(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, 2, active[0].Occurrences)
	require.InDelta(t, 0.5, active[0].Confidence, 0.001)
}

func TestObservabilityRecorders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1, 0).UTC()

	require.NoError(t, s.AppendTranscript(ctx, Transcript{ID: "tr1", RunID: "r1", Seq: 0, Role: "assistant", Content: "hi", CreatedAt: now}))
	transcript, err := s.ListTranscript(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, transcript, 1)

	require.NoError(t, s.AppendToolUse(ctx, ToolUse{ID: "tu1", RunID: "r1", Seq: 0, ToolName: "grep", StartedAt: now}))
	uses, err := s.ListToolUses(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, uses, 1)

	require.NoError(t, s.SaveAssertion(ctx, Assertion{ID: "as1", RunID: "r1", TaskID: "t1", Statement: "tests pass", Confidence: 0.8, CreatedAt: now}))
	assertions, err := s.ListAssertions(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, assertions, 1)

	require.NoError(t, s.SaveSkillTrace(ctx, SkillTrace{ID: "sk1", RunID: "r1", SkillName: "debug-loop", StartedAt: now}))
	traces, err := s.ListSkillTraces(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, traces, 1)

	require.NoError(t, s.SaveAcceptanceCriterionResult(ctx, AcceptanceCriterionResult{
		ID: "acr1", TaskID: "t1", RunID: "r1", Statement: "builds cleanly", Level: 1, Passed: true, CheckedAt: now,
	}))
	results, err := s.ListAcceptanceCriterionResults(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, results, 1)
}
