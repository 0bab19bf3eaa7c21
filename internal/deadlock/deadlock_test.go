package deadlock

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcflow-run/conductor/internal/checkpoint"
	"github.com/arcflow-run/conductor/internal/config"
	"github.com/arcflow-run/conductor/internal/eventbus"
	"github.com/arcflow-run/conductor/internal/registry"
	"github.com/arcflow-run/conductor/internal/store"
	"github.com/arcflow-run/conductor/internal/task"
	"github.com/arcflow-run/conductor/internal/vcs"
)

func newTestRepo(t *testing.T) *vcs.Repo {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}

	run("init", "-b", "main")
	run("config", "user.email", "test@conductor.local")
	run("config", "user.name", "Conductor Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "seed")

	return vcs.New(dir)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "conductor.db")
	pool := config.NewDBPool()
	t.Cleanup(func() { pool.Close() })

	s, err := store.Open(context.Background(), pool, config.DatabaseConfig{Driver: "sqlite3", DSN_: dbPath}, registry.New())
	require.NoError(t, err)
	return s
}

func newInProgressTask(t *testing.T, st *store.Store, title string, priority int) *task.Task {
	t.Helper()
	ctx := context.Background()
	tk := task.New(task.CategoryFeature, task.RiskLow, title, "")
	tk.AcceptanceCriteria = []task.AcceptanceCriterion{{Statement: "done"}}
	tk.CodebaseTestCmds = []string{"true"}
	tk.PriorityScore = priority
	require.NoError(t, tk.Transition(task.StatePending))
	require.NoError(t, tk.Transition(task.StateInProgress))
	require.NoError(t, st.SaveTask(ctx, tk))
	return tk
}

func TestFindCycleDetectsMutualWait(t *testing.T) {
	edges := []eventbus.WaitEdge{
		{Waiter: "run-a", Holder: "run-b", ResourcePath: "y.go"},
		{Waiter: "run-b", Holder: "run-a", ResourcePath: "x.go"},
	}
	cycle := findCycle(edges)
	require.Len(t, cycle, 2)
	require.ElementsMatch(t, []string{"run-a", "run-b"}, cycle)
}

func TestFindCycleReturnsNilWhenAcyclic(t *testing.T) {
	edges := []eventbus.WaitEdge{
		{Waiter: "run-a", Holder: "run-b", ResourcePath: "y.go"},
		{Waiter: "run-b", Holder: "run-c", ResourcePath: "z.go"},
	}
	require.Nil(t, findCycle(edges))
}

func TestDetectAndResolveForceReleasesLowerPriorityVictim(t *testing.T) {
	repo := newTestRepo(t)
	st := newTestStore(t)
	bus := eventbus.New(st)
	ckpt := checkpoint.NewManager(checkpoint.Config{Enabled: true}, repo, st)
	ctx := context.Background()

	high := newInProgressTask(t, st, "high priority task", 10)
	low := newInProgressTask(t, st, "low priority task", 1)

	require.NoError(t, st.SaveRun(ctx, store.ExecutionRun{
		ID: "run-high", TaskID: high.ID, WaveID: "wave-1", BranchName: "conductor/run/run-high", Status: store.RunActive,
	}))
	require.NoError(t, st.SaveRun(ctx, store.ExecutionRun{
		ID: "run-low", TaskID: low.ID, WaveID: "wave-1", BranchName: "conductor/run/run-low", Status: store.RunActive,
	}))

	_, err := ckpt.Save(ctx, "run-high", high.ID, "pre-run")
	require.NoError(t, err)
	_, err = ckpt.Save(ctx, "run-low", low.ID, "pre-run")
	require.NoError(t, err)

	ok, err := bus.Lock(ctx, "x.go", "run-high", "held by high", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = bus.Lock(ctx, "y.go", "run-low", "held by low", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, bus.RecordWait(ctx, "run-high", "run-low", "y.go"))
	require.NoError(t, bus.RecordWait(ctx, "run-low", "run-high", "x.go"))

	d := New(st, bus, ckpt)
	res, err := d.DetectAndResolve(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, "run-low", res.Victim)
	require.ElementsMatch(t, []string{"run-high", "run-low"}, res.Cycle)

	victimRun, err := st.GetRun(ctx, "run-low")
	require.NoError(t, err)
	require.Equal(t, store.RunCancelled, victimRun.Status)

	reloadedLow, err := st.GetTask(ctx, low.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatePending, reloadedLow.Status())

	reloadedHigh, err := st.GetTask(ctx, high.ID)
	require.NoError(t, err)
	require.Equal(t, task.StateInProgress, reloadedHigh.Status())

	lock, err := bus.Check(ctx, "y.go")
	require.NoError(t, err)
	require.Nil(t, lock)

	waitEdges, err := bus.WaitGraph(ctx)
	require.NoError(t, err)
	require.Empty(t, waitEdges)
}

func TestDetectAndResolveNoOpWithoutCycle(t *testing.T) {
	st := newTestStore(t)
	bus := eventbus.New(st)
	repo := newTestRepo(t)
	ckpt := checkpoint.NewManager(checkpoint.Config{Enabled: true}, repo, st)
	ctx := context.Background()

	require.NoError(t, bus.RecordWait(ctx, "run-a", "run-b", "z.go"))

	d := New(st, bus, ckpt)
	res, err := d.DetectAndResolve(ctx)
	require.NoError(t, err)
	require.Nil(t, res)
}
