package scheduler

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

func pendingTask(t *testing.T, st *store.Store, title string, priority int, files ...string) *task.Task {
	t.Helper()
	ctx := context.Background()

	tk := task.New(task.CategoryFeature, task.RiskLow, title, "")
	tk.AcceptanceCriteria = []task.AcceptanceCriterion{{Statement: "done"}}
	tk.CodebaseTestCmds = []string{"true"}
	tk.AffectedFiles = files
	tk.PriorityScore = priority
	require.NoError(t, tk.Transition(task.StatePending))
	require.NoError(t, st.SaveTask(ctx, tk))
	return tk
}

func TestNextWaveAdmitsUpToConcurrencyCap(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New(st)
	ctx := context.Background()

	pendingTask(t, st, "task a", 10, "a.go")
	pendingTask(t, st, "task b", 9, "b.go")
	pendingTask(t, st, "task c", 8, "c.go")

	sch := New(config.SchedulerConfig{ConcurrencyCap: 2}, config.ApprovalConfig{AutoExecuteLowRisk: true}, st, bus)

	wave, err := sch.NextWave(ctx)
	require.NoError(t, err)
	require.Len(t, wave.Tasks, 2)
	require.Equal(t, "task a", wave.Tasks[0].Title)
	require.Equal(t, "task b", wave.Tasks[1].Title)
	require.Equal(t, store.WaveOpen, wave.Wave.Status)
	require.Equal(t, 1, wave.Wave.Sequence)
}

func TestNextWaveSkipsFileConflictAndBoostsStarvation(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New(st)
	ctx := context.Background()

	high := pendingTask(t, st, "high priority, big file", 10, "shared.go")
	low := pendingTask(t, st, "low priority, same file", 1, "shared.go")

	sch := New(config.SchedulerConfig{ConcurrencyCap: 4}, config.ApprovalConfig{AutoExecuteLowRisk: true}, st, bus)

	wave, err := sch.NextWave(ctx)
	require.NoError(t, err)
	require.Len(t, wave.Tasks, 1)
	require.Equal(t, high.ID, wave.Tasks[0].ID)

	reloaded, err := st.GetTask(ctx, low.ID)
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.SkipCount())
}

func TestNextWaveDefersHighRiskWithoutAutoExecute(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New(st)
	ctx := context.Background()

	tk := task.New(task.CategoryFeature, task.RiskHigh, "risky change", "")
	tk.AcceptanceCriteria = []task.AcceptanceCriterion{{Statement: "done"}}
	tk.CodebaseTestCmds = []string{"true"}
	require.NoError(t, tk.Transition(task.StatePending))
	require.NoError(t, st.SaveTask(ctx, tk))

	sch := New(config.SchedulerConfig{ConcurrencyCap: 4}, config.ApprovalConfig{AutoExecuteLowRisk: false}, st, bus)

	wave, err := sch.NextWave(ctx)
	require.NoError(t, err)
	require.Empty(t, wave.Tasks)

	reloaded, err := st.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatePending, reloaded.Status())
	require.Equal(t, 0, reloaded.SkipCount())
}

func TestNextWaveHonorsDependsOn(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New(st)
	ctx := context.Background()

	blocker := pendingTask(t, st, "blocker", 5, "blocker.go")
	dependent := pendingTask(t, st, "dependent", 5, "dependent.go")

	require.NoError(t, st.SaveRelationship(ctx, task.Relationship{
		FromTaskID: dependent.ID, ToTaskID: blocker.ID, Type: task.RelDependsOn,
	}))

	sch := New(config.SchedulerConfig{ConcurrencyCap: 4}, config.ApprovalConfig{AutoExecuteLowRisk: true}, st, bus)

	wave, err := sch.NextWave(ctx)
	require.NoError(t, err)
	require.Len(t, wave.Tasks, 1)
	require.Equal(t, blocker.ID, wave.Tasks[0].ID)
}

func TestNextWaveExcludesFilesLockedByLiveRun(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New(st)
	ctx := context.Background()

	pendingTask(t, st, "wants locked file", 5, "locked.go")

	ok, err := bus.Lock(ctx, "locked.go", "other-run", "in progress elsewhere", 600_000_000_000)
	require.NoError(t, err)
	require.True(t, ok)

	sch := New(config.SchedulerConfig{ConcurrencyCap: 4}, config.ApprovalConfig{AutoExecuteLowRisk: true}, st, bus)

	wave, err := sch.NextWave(ctx)
	require.NoError(t, err)
	require.Empty(t, wave.Tasks)
}

func TestIsClosableAndClose(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New(st)
	ctx := context.Background()

	w := store.Wave{ID: "wave-1", Sequence: 1, Status: store.WaveOpen}
	require.NoError(t, st.SaveWave(ctx, w))
	require.NoError(t, st.SaveRun(ctx, store.ExecutionRun{
		ID: "run-1", TaskID: "t1", WaveID: w.ID, BranchName: "run/t1", Status: store.RunActive,
	}))

	sch := New(config.SchedulerConfig{ConcurrencyCap: 4}, config.ApprovalConfig{AutoExecuteLowRisk: true}, st, bus)

	closable, err := sch.IsClosable(ctx, w.ID)
	require.NoError(t, err)
	require.False(t, closable)

	run, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	run.Status = store.RunCompleted
	require.NoError(t, st.SaveRun(ctx, run))

	closable, err = sch.IsClosable(ctx, w.ID)
	require.NoError(t, err)
	require.True(t, closable)

	require.NoError(t, sch.Close(ctx, w.ID, false))

	closed, err := st.GetWave(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, store.WaveClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)
}
