package human

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
	"github.com/arcflow-run/conductor/internal/pm"
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

func newTestInterface(t *testing.T) (*Interface, *store.Store, *eventbus.Bus, *vcs.Repo) {
	t.Helper()
	st := newTestStore(t)
	bus := eventbus.New(st)
	repo := newTestRepo(t)
	ckpt := checkpoint.NewManager(checkpoint.Config{}, repo, st)
	coordinator := pm.New(st, bus, ckpt, pm.Config{DefaultTimeout: 50 * time.Millisecond, PriorityPromotion: 5})
	return New(st, bus, ckpt, repo, coordinator), st, bus, repo
}

func newTaskInProgress(t *testing.T, st *store.Store, title string) *task.Task {
	t.Helper()
	tk := task.New(task.CategoryFeature, task.RiskLow, title, "")
	tk.AcceptanceCriteria = []task.AcceptanceCriterion{{Statement: "done"}}
	tk.CodebaseTestCmds = []string{"true"}
	require.NoError(t, tk.Transition(task.StatePending))
	require.NoError(t, tk.Transition(task.StateInProgress))
	require.NoError(t, st.SaveTask(context.Background(), tk))
	return tk
}

func TestStatusSummarizesTasksByState(t *testing.T) {
	iface, st, _, _ := newTestInterface(t)
	ctx := context.Background()

	newTaskInProgress(t, st, "a")
	tk2 := task.New(task.CategoryFeature, task.RiskLow, "b", "")
	require.NoError(t, st.SaveTask(ctx, tk2))

	status, err := iface.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, status.Total)
	require.Equal(t, 1, status.ByState[task.StateInProgress])
	require.Equal(t, 1, status.ByState[task.StateDraft])
}

func TestSkipIncrementsSkipCount(t *testing.T) {
	iface, st, _, _ := newTestInterface(t)
	ctx := context.Background()

	tk := newTaskInProgress(t, st, "skip-me")
	require.NoError(t, iface.Skip(ctx, tk.ID))

	reloaded, err := st.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.SkipCount())
}

func TestResetToPendingRoutesThroughBlocked(t *testing.T) {
	iface, st, _, _ := newTestInterface(t)
	ctx := context.Background()

	tk := newTaskInProgress(t, st, "reset-me")
	require.NoError(t, iface.ResetToPending(ctx, tk.ID))

	reloaded, err := st.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatePending, reloaded.Status())
}

func TestForceUnlockReleasesRegardlessOfHolder(t *testing.T) {
	iface, _, bus, _ := newTestInterface(t)
	ctx := context.Background()

	ok, err := bus.Lock(ctx, "/repo/file.go", "run-123", "editing", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, iface.ForceUnlock(ctx, "/repo/file.go"))

	lock, err := bus.Check(ctx, "/repo/file.go")
	require.NoError(t, err)
	require.Nil(t, lock)

	events, err := bus.Timeline(ctx, time.Time{}, time.Time{}, nil, []eventbus.Type{eventbus.TypeForceRelease}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestPauseListPausesOnlyActiveRuns(t *testing.T) {
	iface, st, bus, _ := newTestInterface(t)
	ctx := context.Background()

	tk := newTaskInProgress(t, st, "listed")
	l := task.NewList("rollout")
	l.AddTask(tk.ID)
	require.NoError(t, st.SaveList(ctx, l))

	run := store.ExecutionRun{ID: "run-1", TaskID: tk.ID, Status: store.RunActive, StartedAt: time.Now().UTC()}
	require.NoError(t, st.SaveRun(ctx, run))

	require.NoError(t, iface.PauseList(ctx, l.ID))

	events, err := bus.Timeline(ctx, time.Time{}, time.Time{}, nil, []eventbus.Type{eventbus.TypePauseRequested}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "run-1", events[0].Payload["run_id"])
}

func TestRecentConflictsReturnsNewestFirst(t *testing.T) {
	iface, _, bus, _ := newTestInterface(t)
	ctx := context.Background()

	_, err := bus.Publish(ctx, "test", eventbus.TypeFileConflict, map[string]any{"path": "/a.go"}, 5, "")
	require.NoError(t, err)
	_, err = bus.Publish(ctx, "test", eventbus.TypeFileConflict, map[string]any{"path": "/b.go"}, 5, "")
	require.NoError(t, err)

	events, err := iface.RecentConflicts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "/b.go", events[0].Payload["path"])
	require.Equal(t, "/a.go", events[1].Payload["path"])
}

func TestRollbackRunResetsTaskToPending(t *testing.T) {
	iface, st, bus, repo := newTestInterface(t)
	ctx := context.Background()

	tk := newTaskInProgress(t, st, "rollback-me")
	require.NoError(t, repo.CreateBranch(ctx, "run/1", "main"))
	run := store.ExecutionRun{ID: "run-1", TaskID: tk.ID, BranchName: "run/1", Status: store.RunActive, StartedAt: time.Now().UTC()}
	require.NoError(t, st.SaveRun(ctx, run))
	require.NoError(t, st.SaveCheckpoint(ctx, store.Checkpoint{ID: "ckpt-1", RunID: "run-1", TaskID: tk.ID, Ref: "main", Label: "seed", CreatedAt: time.Now().UTC()}))

	require.NoError(t, iface.RollbackRun(ctx, "run-1"))

	reloadedRun, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, store.RunCancelled, reloadedRun.Status)

	reloadedTask, err := st.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatePending, reloadedTask.Status())

	events, err := bus.Timeline(ctx, time.Time{}, time.Time{}, nil, []eventbus.Type{eventbus.TypeRollbackTriggered}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}
