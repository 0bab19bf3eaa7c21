// Package lifecycle implements the Agent Lifecycle Manager: per-task
// branch and checkpoint setup, context assembly, worker-subprocess
// spawning with a bounded concurrent pool, heartbeat-driven health
// classification, and graceful-then-compulsory cancellation.
package lifecycle

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/arcflow-run/conductor/internal/checkpoint"
	"github.com/arcflow-run/conductor/internal/config"
	cerrors "github.com/arcflow-run/conductor/internal/errors"
	"github.com/arcflow-run/conductor/internal/eventbus"
	"github.com/arcflow-run/conductor/internal/knowledge"
	"github.com/arcflow-run/conductor/internal/observability"
	"github.com/arcflow-run/conductor/internal/store"
	"github.com/arcflow-run/conductor/internal/task"
	"github.com/arcflow-run/conductor/internal/vcs"
)

// Spawner starts one agent worker for a run and blocks until it exits,
// streaming its stdout/stderr to onLine as it runs. The default
// ProcessSpawner runs the configured worker command as a subprocess;
// tests substitute a fake.
type Spawner interface {
	Spawn(ctx context.Context, run store.ExecutionRun, tk *task.Task, onLine func(stream, line string)) error
}

// ProcessSpawner runs the Lifecycle Manager's configured worker command
// as a subprocess per run, passing identifying flags and streaming
// combined stdout/stderr line-by-line to the caller for transcript
// recording, generalizing the teacher's exec.CommandContext("sh", "-c",
// ...) shell-out pattern to a long-lived worker process instead of a
// one-shot command.
type ProcessSpawner struct {
	Command []string
	Dir     string
}

func (p ProcessSpawner) Spawn(ctx context.Context, run store.ExecutionRun, tk *task.Task, onLine func(stream, line string)) error {
	if len(p.Command) == 0 {
		return cerrors.New(cerrors.KindIntegrity, "lifecycle: worker command is not configured")
	}

	args := append([]string{}, p.Command[1:]...)
	args = append(args, "--run-id", run.ID, "--task-id", tk.ID, "--branch", run.BranchName)
	cmd := exec.CommandContext(ctx, p.Command[0], args...)
	cmd.Dir = p.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return cerrors.Wrap(cerrors.KindTransient, "lifecycle: stdout pipe failed", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return cerrors.Wrap(cerrors.KindTransient, "lifecycle: stderr pipe failed", err)
	}

	if err := cmd.Start(); err != nil {
		return cerrors.Wrap(cerrors.KindTransient, "lifecycle: worker spawn failed", err)
	}

	var wg sync.WaitGroup
	stream := func(name string, r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			onLine(name, scanner.Text())
		}
	}
	wg.Add(2)
	go stream("stdout", stdout)
	go stream("stderr", stderr)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return cerrors.Wrap(cerrors.KindTransient, "lifecycle: worker exited with error", err)
	}
	return nil
}

// Manager drives a wave's worker subprocesses through the Agent
// Lifecycle Manager's per-task sequence (branch, checkpoint, context,
// spawn, heartbeat) against a bounded concurrency pool.
type Manager struct {
	heartbeat  config.HeartbeatConfig
	coord      config.CoordinationConfig
	repo       *vcs.Repo
	store      *store.Store
	checkpoint *checkpoint.Manager
	knowledge  *knowledge.Base
	bus        *eventbus.Bus
	obs        *observability.Manager
	spawner    Spawner
	sem        *semaphore.Weighted
}

// New builds a Manager. spawner may be nil to use the default
// ProcessSpawner rooted at repo's workspace.
func New(cfg config.LifecycleConfig, heartbeat config.HeartbeatConfig, coord config.CoordinationConfig,
	repo *vcs.Repo, st *store.Store, ckpt *checkpoint.Manager, kb *knowledge.Base, bus *eventbus.Bus,
	obs *observability.Manager, spawner Spawner) *Manager {
	if spawner == nil {
		spawner = ProcessSpawner{Command: cfg.WorkerCommand, Dir: repo.Root}
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Manager{
		heartbeat: heartbeat, coord: coord,
		repo: repo, store: st, checkpoint: ckpt, knowledge: kb, bus: bus, obs: obs,
		spawner: spawner, sem: semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// RunWave launches one worker per task in the wave, bounded by the
// Manager's concurrency semaphore, and waits for all of them to finish.
// Unlike errgroup.WithContext, a plain errgroup.Group is used here
// deliberately: per spec, a task that crashes or is rejected must not
// abort its siblings, so no derived context is cancelled on first
// error — every worker runs to completion against the caller's ctx.
// RunWave.Wait only surfaces the first error for diagnostics.
func (m *Manager) RunWave(ctx context.Context, waveID string, tasks []*task.Task) error {
	var g errgroup.Group
	for _, tk := range tasks {
		tk := tk
		g.Go(func() error {
			if err := m.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer m.sem.Release(1)
			return m.runOne(ctx, waveID, tk)
		})
	}
	return g.Wait()
}

// runOne executes the full per-task lifecycle sequence for one task:
// branch setup, pre-run checkpoint, context assembly, spawn, and
// heartbeat-driven completion.
func (m *Manager) runOne(ctx context.Context, waveID string, tk *task.Task) error {
	run := store.ExecutionRun{
		ID:         uuid.NewString(),
		TaskID:     tk.ID,
		WaveID:     waveID,
		BranchName: fmt.Sprintf("conductor/run/%s", tk.ID),
		Status:     store.RunStarting,
		Health:     store.HealthHealthy,
		StartedAt:  time.Now().UTC(),
	}

	base, err := m.repo.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	if err := m.repo.CreateBranch(ctx, run.BranchName, base); err != nil {
		return err
	}
	if err := m.repo.Checkout(ctx, run.BranchName); err != nil {
		return err
	}

	if _, err := m.checkpoint.Save(ctx, run.ID, tk.ID, "pre-run"); err != nil {
		return err
	}

	if err := tk.Transition(task.StateInProgress); err != nil {
		return err
	}
	if err := m.store.SaveTask(ctx, tk); err != nil {
		return err
	}
	if err := m.store.SaveRun(ctx, run); err != nil {
		return err
	}

	if _, err := m.bus.Publish(ctx, run.ID, eventbus.TypeRunStarted,
		map[string]any{"run_id": run.ID, "task_id": tk.ID, "branch": run.BranchName}, 0, ""); err != nil {
		slog.Warn("failed to publish run_started", "run_id", run.ID, "error", err)
	}

	promptContext, err := m.buildContext(ctx, run, tk)
	if err != nil {
		return err
	}

	rec := m.obs.NewRecorder(m.store, run.ID, tk.ID)
	defer rec.Close()

	if err := rec.AppendTranscript(ctx, "system", promptContext); err != nil {
		return err
	}

	run.Status = store.RunActive
	now := time.Now().UTC()
	run.LastHeartbeatAt = &now
	if err := m.store.SaveRun(ctx, run); err != nil {
		return err
	}

	onLine := func(stream, line string) {
		hb := time.Now().UTC()
		run.LastHeartbeatAt = &hb
		if err := m.store.SaveRun(ctx, run); err != nil {
			slog.Warn("failed to persist heartbeat", "run_id", run.ID, "error", err)
		}
		if _, err := m.bus.Publish(ctx, run.ID, eventbus.TypeRunHeartbeat, map[string]any{"run_id": run.ID}, 0, ""); err != nil {
			slog.Warn("failed to publish run_heartbeat", "run_id", run.ID, "error", err)
		}
		if err := rec.AppendTranscript(ctx, stream, line); err != nil {
			slog.Warn("failed to append transcript line", "run_id", run.ID, "error", err)
		}
	}

	spawnErr := m.spawner.Spawn(ctx, run, tk, onLine)

	endedAt := time.Now().UTC()
	run.EndedAt = &endedAt
	if spawnErr != nil {
		run.Status = store.RunCrashed
		run.ExitReason = spawnErr.Error()
		if err := m.store.SaveRun(ctx, run); err != nil {
			return err
		}
		if _, err := m.bus.Publish(ctx, run.ID, eventbus.TypeRunCrashed,
			map[string]any{"run_id": run.ID, "reason": spawnErr.Error()}, 3, ""); err != nil {
			slog.Warn("failed to publish run_crashed", "run_id", run.ID, "error", err)
		}
		return spawnErr
	}

	run.Status = store.RunVerifying
	return m.store.SaveRun(ctx, run)
}

// buildContext assembles the agent's initial prompt context: the task
// record, relevant knowledge items, and prior transcripts from earlier
// attempts at the same task.
func (m *Manager) buildContext(ctx context.Context, run store.ExecutionRun, tk *task.Task) (string, error) {
	items, err := m.knowledge.ContextForTask(ctx, tk, 20)
	if err != nil {
		return "", err
	}

	priorRuns, err := m.store.ListRunsByTask(ctx, tk.ID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "task: %s\n", tk.Title)
	fmt.Fprintf(&b, "description: %s\n", tk.Description)
	b.WriteString("knowledge:\n")
	for _, it := range items {
		fmt.Fprintf(&b, "- [%s] %s\n", it.Kind, it.Content)
	}
	for _, prior := range priorRuns {
		if prior.ID == run.ID {
			continue
		}
		transcript, err := m.store.ListTranscript(ctx, prior.ID)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "prior attempt %s (%s): %d transcript lines\n", prior.ID, prior.Status, len(transcript))
	}
	return b.String(), nil
}

// Classify returns the health bucket for a run given how long it has
// been since its last heartbeat, per the Manager's heartbeat config:
// healthy within IntervalS, stale within StuckTimeout, stuck within
// CrashedTimeout, crashed beyond it.
func (m *Manager) Classify(sinceLastHeartbeat time.Duration) store.RunHealth {
	h := time.Duration(m.heartbeat.IntervalS) * time.Second
	stuckAt := time.Duration(float64(m.heartbeat.IntervalS)*m.heartbeat.StuckMultiplier) * time.Second
	crashedAt := time.Duration(float64(m.heartbeat.IntervalS)*m.heartbeat.CrashedMultiplier) * time.Second

	switch {
	case sinceLastHeartbeat <= h:
		return store.HealthHealthy
	case sinceLastHeartbeat <= stuckAt:
		return store.HealthStale
	case sinceLastHeartbeat <= crashedAt:
		return store.HealthStuck
	default:
		return store.HealthCrashed
	}
}

// Pause delivers a graceful-then-compulsory cancellation to a run: it
// publishes pause_requested, waits up to the configured pause grace
// window for the run to leave RunActive/RunStarting on its own (the
// worker reacting to pause_requested and exiting), and if it hasn't,
// calls cancelWorker (when non-nil), rolls back to the run's latest
// checkpoint and marks it cancelled directly.
func (m *Manager) Pause(ctx context.Context, runID string, cancelWorker context.CancelFunc) error {
	if _, err := m.bus.Publish(ctx, runID, eventbus.TypePauseRequested, map[string]any{"run_id": runID}, 2, ""); err != nil {
		slog.Warn("failed to publish pause_requested", "run_id", runID, "error", err)
	}

	grace := time.Duration(m.coord.PauseGraceS) * time.Second
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		run, err := m.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != store.RunActive && run.Status != store.RunStarting {
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}

	if cancelWorker != nil {
		cancelWorker()
	}
	if err := m.checkpoint.RollbackToLatest(ctx, runID); err != nil {
		slog.Warn("rollback on forced pause failed", "run_id", runID, "error", err)
	}

	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	endedAt := time.Now().UTC()
	run.Status = store.RunCancelled
	run.ExitReason = "pause grace window exceeded; worker killed"
	run.EndedAt = &endedAt
	return m.store.SaveRun(ctx, run)
}
