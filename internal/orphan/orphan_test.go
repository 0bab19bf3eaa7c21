package orphan

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

func newInProgressTask(t *testing.T, st *store.Store, title string) *task.Task {
	t.Helper()
	ctx := context.Background()
	tk := task.New(task.CategoryFeature, task.RiskLow, title, "")
	tk.AcceptanceCriteria = []task.AcceptanceCriterion{{Statement: "done"}}
	tk.CodebaseTestCmds = []string{"true"}
	require.NoError(t, tk.Transition(task.StatePending))
	require.NoError(t, tk.Transition(task.StateInProgress))
	require.NoError(t, st.SaveTask(ctx, tk))
	return tk
}

func TestSweepLocksReleasesDeadHolder(t *testing.T) {
	repo := newTestRepo(t)
	st := newTestStore(t)
	bus := eventbus.New(st)
	ckpt := checkpoint.NewManager(checkpoint.Config{Enabled: true}, repo, st)
	ctx := context.Background()

	tk := newInProgressTask(t, st, "widget")
	require.NoError(t, st.SaveRun(ctx, store.ExecutionRun{
		ID: "run-dead", TaskID: tk.ID, WaveID: "wave-1", BranchName: "conductor/run/run-dead", Status: store.RunCrashed,
	}))

	ok, err := bus.Lock(ctx, "widget.go", "run-dead", "held by dead run", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	c := New(st, bus, ckpt, repo, time.Hour, 3)
	released, err := c.SweepLocks(ctx)
	require.NoError(t, err)
	require.Contains(t, released, "widget.go")

	lock, err := bus.Check(ctx, "widget.go")
	require.NoError(t, err)
	require.Nil(t, lock)
}

func TestSweepLocksKeepsLiveHolder(t *testing.T) {
	repo := newTestRepo(t)
	st := newTestStore(t)
	bus := eventbus.New(st)
	ckpt := checkpoint.NewManager(checkpoint.Config{Enabled: true}, repo, st)
	ctx := context.Background()

	tk := newInProgressTask(t, st, "widget")
	require.NoError(t, st.SaveRun(ctx, store.ExecutionRun{
		ID: "run-live", TaskID: tk.ID, WaveID: "wave-1", BranchName: "conductor/run/run-live", Status: store.RunActive,
	}))

	ok, err := bus.Lock(ctx, "widget.go", "run-live", "held by live run", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	c := New(st, bus, ckpt, repo, time.Hour, 3)
	released, err := c.SweepLocks(ctx)
	require.NoError(t, err)
	require.Empty(t, released)

	lock, err := bus.Check(ctx, "widget.go")
	require.NoError(t, err)
	require.NotNil(t, lock)
}

func TestSweepCheckpointsDeletesPastRetention(t *testing.T) {
	repo := newTestRepo(t)
	st := newTestStore(t)
	bus := eventbus.New(st)
	ckpt := checkpoint.NewManager(checkpoint.Config{Enabled: true}, repo, st)
	ctx := context.Background()

	_, err := ckpt.Save(ctx, "run-1", "task-1", "pre-run")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	c := New(st, bus, ckpt, repo, time.Millisecond, 3)
	n, err := c.SweepCheckpoints(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	all, err := st.ListCheckpointsByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Empty(t, all)

	tags, err := repo.ListTags(ctx, "ckpt/*")
	require.NoError(t, err)
	require.Empty(t, tags)
}

func TestSweepCrashedRunsRecoversTaskAndClosesTranscript(t *testing.T) {
	repo := newTestRepo(t)
	st := newTestStore(t)
	bus := eventbus.New(st)
	ckpt := checkpoint.NewManager(checkpoint.Config{Enabled: true}, repo, st)
	ctx := context.Background()

	tk := newInProgressTask(t, st, "crashed widget")
	run := store.ExecutionRun{
		ID: "run-crashed", TaskID: tk.ID, WaveID: "wave-1", BranchName: "conductor/run/run-crashed", Status: store.RunCrashed,
	}
	require.NoError(t, st.SaveRun(ctx, run))
	_, err := ckpt.Save(ctx, run.ID, tk.ID, "pre-run")
	require.NoError(t, err)
	require.NoError(t, st.AppendTranscript(ctx, store.Transcript{
		ID: "t1", RunID: run.ID, Seq: 1, Role: "assistant", Content: "working", CreatedAt: time.Now().UTC(),
	}))

	c := New(st, bus, ckpt, repo, time.Hour, 3)
	recovered, err := c.SweepCrashedRuns(ctx)
	require.NoError(t, err)
	require.Contains(t, recovered, run.ID)

	reloaded, err := st.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatePending, reloaded.Status())

	transcript, err := st.ListTranscript(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	require.Equal(t, "transcript closed: run crashed", transcript[1].Content)

	// Re-running the sweep is a no-op: the task is no longer in_progress
	// so nothing is reported recovered, and the marker isn't duplicated.
	recovered, err = c.SweepCrashedRuns(ctx)
	require.NoError(t, err)
	require.Empty(t, recovered)
	transcript, err = st.ListTranscript(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, transcript, 2)
}

func TestSweepCrashedRunsParksExhaustedTaskBlocked(t *testing.T) {
	repo := newTestRepo(t)
	st := newTestStore(t)
	bus := eventbus.New(st)
	ckpt := checkpoint.NewManager(checkpoint.Config{Enabled: true}, repo, st)
	ctx := context.Background()

	tk := task.New(task.CategoryFeature, task.RiskLow, "exhausted widget", "")
	tk.AcceptanceCriteria = []task.AcceptanceCriterion{{Statement: "done"}}
	tk.CodebaseTestCmds = []string{"true"}
	require.NoError(t, tk.Transition(task.StatePending))
	require.NoError(t, tk.Transition(task.StateInProgress)) // attempt 1
	require.NoError(t, st.SaveTask(ctx, tk))

	run := store.ExecutionRun{
		ID: "run-exhausted", TaskID: tk.ID, WaveID: "wave-1", BranchName: "conductor/run/run-exhausted", Status: store.RunCrashed,
	}
	require.NoError(t, st.SaveRun(ctx, run))
	_, err := ckpt.Save(ctx, run.ID, tk.ID, "pre-run")
	require.NoError(t, err)

	c := New(st, bus, ckpt, repo, time.Hour, 1) // max 1 attempt, already used
	_, err = c.SweepCrashedRuns(ctx)
	require.NoError(t, err)

	reloaded, err := st.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StateBlocked, reloaded.Status())
}
