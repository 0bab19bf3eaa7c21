package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arcflow-run/conductor/internal/checkpoint"
	"github.com/arcflow-run/conductor/internal/config"
	"github.com/arcflow-run/conductor/internal/eventbus"
	"github.com/arcflow-run/conductor/internal/knowledge"
	"github.com/arcflow-run/conductor/internal/observability"
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

func newTestTask(t *testing.T, st *store.Store, title string) *task.Task {
	t.Helper()
	tk := task.New(task.CategoryFeature, task.RiskLow, title, "do the thing")
	tk.AcceptanceCriteria = []task.AcceptanceCriterion{{Statement: "done"}}
	tk.CodebaseTestCmds = []string{"true"}
	require.NoError(t, tk.Transition(task.StatePending))
	require.NoError(t, st.SaveTask(context.Background(), tk))
	return tk
}

func newManager(t *testing.T, spawner Spawner) (*Manager, *vcs.Repo, *store.Store) {
	t.Helper()
	repo := newTestRepo(t)
	st := newTestStore(t)
	bus := eventbus.New(st)
	ckpt := checkpoint.NewManager(checkpoint.Config{Enabled: true}, repo, st)
	kb := knowledge.New(st, knowledge.NewInProcessIndex(), bus)
	obs, err := observability.NewManager(context.Background(), config.ObservabilityConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { obs.Shutdown(context.Background()) })

	m := New(
		config.LifecycleConfig{WorkerCommand: []string{"conductor", "worker"}, MaxConcurrent: 4},
		config.HeartbeatConfig{IntervalS: 10, StuckMultiplier: 3, CrashedMultiplier: 6},
		config.CoordinationConfig{PauseGraceS: 1},
		repo, st, ckpt, kb, bus, obs, spawner,
	)
	return m, repo, st
}

// fakeSpawner is a test double that records invocations and returns a
// scripted error, writing a couple of lines through onLine so the
// streaming/transcript path is exercised without a real subprocess.
type fakeSpawner struct {
	mu       sync.Mutex
	calls    []string
	failWith error
	delay    time.Duration
}

func (f *fakeSpawner) Spawn(ctx context.Context, run store.ExecutionRun, tk *task.Task, onLine func(stream, line string)) error {
	f.mu.Lock()
	f.calls = append(f.calls, tk.ID)
	f.mu.Unlock()

	onLine("stdout", fmt.Sprintf("working on %s", tk.Title))
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.failWith
}

func (f *fakeSpawner) calledWith(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == id {
			return true
		}
	}
	return false
}

func TestRunWaveHappyPath(t *testing.T) {
	spawner := &fakeSpawner{}
	m, _, st := newManager(t, spawner)
	tk := newTestTask(t, st, "implement widget")
	ctx := context.Background()

	err := m.RunWave(ctx, "wave-1", []*task.Task{tk})
	require.NoError(t, err)
	require.True(t, spawner.calledWith(tk.ID))

	runs, err := st.ListRunsByTask(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, store.RunVerifying, runs[0].Status)
	require.NotNil(t, runs[0].LastHeartbeatAt)

	reloaded, err := st.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StateInProgress, reloaded.Status())

	transcript, err := st.ListTranscript(ctx, runs[0].ID)
	require.NoError(t, err)
	require.NotEmpty(t, transcript)
}

func TestRunWaveIsolatesSiblingFailures(t *testing.T) {
	spawner := &fakeSpawner{failWith: fmt.Errorf("boom")}
	m, _, st := newManager(t, spawner)
	crashing := newTestTask(t, st, "crashing task")
	healthy := newTestTask(t, st, "healthy task")

	// Swap in a per-task spawner so only one of the two tasks crashes.
	both := &selectiveSpawner{failTask: crashing.ID, failWith: fmt.Errorf("boom")}
	m.spawner = both

	ctx := context.Background()
	err := m.RunWave(ctx, "wave-1", []*task.Task{crashing, healthy})
	require.Error(t, err)

	crashedRuns, err := st.ListRunsByTask(ctx, crashing.ID)
	require.NoError(t, err)
	require.Len(t, crashedRuns, 1)
	require.Equal(t, store.RunCrashed, crashedRuns[0].Status)

	healthyRuns, err := st.ListRunsByTask(ctx, healthy.ID)
	require.NoError(t, err)
	require.Len(t, healthyRuns, 1)
	require.Equal(t, store.RunVerifying, healthyRuns[0].Status)
}

type selectiveSpawner struct {
	failTask string
	failWith error
}

func (s *selectiveSpawner) Spawn(ctx context.Context, run store.ExecutionRun, tk *task.Task, onLine func(stream, line string)) error {
	onLine("stdout", "working")
	if tk.ID == s.failTask {
		return s.failWith
	}
	return nil
}

func TestClassifyBands(t *testing.T) {
	m, _, _ := newManager(t, &fakeSpawner{})
	m.heartbeat = config.HeartbeatConfig{IntervalS: 10, StuckMultiplier: 3, CrashedMultiplier: 6}

	require.Equal(t, store.HealthHealthy, m.Classify(5*time.Second))
	require.Equal(t, store.HealthHealthy, m.Classify(10*time.Second))
	require.Equal(t, store.HealthStale, m.Classify(20*time.Second))
	require.Equal(t, store.HealthStale, m.Classify(30*time.Second))
	require.Equal(t, store.HealthStuck, m.Classify(45*time.Second))
	require.Equal(t, store.HealthStuck, m.Classify(60*time.Second))
	require.Equal(t, store.HealthCrashed, m.Classify(61*time.Second))
}

func TestPauseForcesRollbackWhenGraceExceeded(t *testing.T) {
	repo := newTestRepo(t)
	st := newTestStore(t)
	bus := eventbus.New(st)
	ckpt := checkpoint.NewManager(checkpoint.Config{Enabled: true}, repo, st)
	kb := knowledge.New(st, knowledge.NewInProcessIndex(), bus)
	obs, err := observability.NewManager(context.Background(), config.ObservabilityConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { obs.Shutdown(context.Background()) })

	m := New(
		config.LifecycleConfig{WorkerCommand: []string{"conductor", "worker"}, MaxConcurrent: 4},
		config.HeartbeatConfig{IntervalS: 10, StuckMultiplier: 3, CrashedMultiplier: 6},
		config.CoordinationConfig{PauseGraceS: 1},
		repo, st, ckpt, kb, bus, obs, &fakeSpawner{},
	)

	ctx := context.Background()
	run := store.ExecutionRun{
		ID: "run-pause", TaskID: "task-pause", WaveID: "wave-pause",
		BranchName: "conductor/run/task-pause", Status: store.RunActive,
	}
	require.NoError(t, st.SaveRun(ctx, run))
	_, err = ckpt.Save(ctx, run.ID, run.TaskID, "pre-run")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(repo.Root, "dirty.go"), []byte("dirty"), 0o644))
	_, err = repo.Commit(ctx, "dirty change while paused")
	require.NoError(t, err)

	require.NoError(t, m.Pause(ctx, run.ID, nil))

	reloaded, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunCancelled, reloaded.Status)
	require.NotNil(t, reloaded.EndedAt)

	_, statErr := os.Stat(filepath.Join(repo.Root, "dirty.go"))
	require.True(t, os.IsNotExist(statErr))
}
