// Package orphan implements the Orphan Cleaner: a periodic sweep that
// releases locks abandoned by dead runs, purges checkpoints past
// retention, closes crashed runs' transcripts, and rolls back/requeues
// the tasks those crashed runs left in progress.
package orphan

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arcflow-run/conductor/internal/checkpoint"
	cerrors "github.com/arcflow-run/conductor/internal/errors"
	"github.com/arcflow-run/conductor/internal/eventbus"
	"github.com/arcflow-run/conductor/internal/store"
	"github.com/arcflow-run/conductor/internal/task"
	"github.com/arcflow-run/conductor/internal/vcs"
)

// Cleaner runs the Orphan Cleaner's three independent sweeps.
type Cleaner struct {
	store       *store.Store
	bus         *eventbus.Bus
	checkpoint  *checkpoint.Manager
	repo        *vcs.Repo
	retention   time.Duration
	maxAttempts int
}

// New builds a Cleaner. retention is the checkpoint config's retention
// window (also held, independently, by the checkpoint Manager itself);
// maxAttempts is retry.max_attempts_per_task, deciding whether a
// crashed run's task returns to pending or is parked blocked.
func New(st *store.Store, bus *eventbus.Bus, ckpt *checkpoint.Manager, repo *vcs.Repo, retention time.Duration, maxAttempts int) *Cleaner {
	return &Cleaner{store: st, bus: bus, checkpoint: ckpt, repo: repo, retention: retention, maxAttempts: maxAttempts}
}

// Run ticks all three sweeps on interval until ctx is cancelled,
// mirroring the teacher's plugin health-check ticker loop
// (pkg/plugins/registry.go StartHealthChecks) generalized to Conductor's
// three orphan sweeps instead of one plugin health probe.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.SweepLocks(ctx); err != nil {
				slog.Warn("orphan lock sweep failed", "error", err)
			}
			if _, err := c.SweepCheckpoints(ctx); err != nil {
				slog.Warn("orphan checkpoint sweep failed", "error", err)
			}
			if _, err := c.SweepCrashedRuns(ctx); err != nil {
				slog.Warn("orphan crashed-run sweep failed", "error", err)
			}
		}
	}
}

// SweepLocks releases every lock past its TTL and every lock whose
// holder is no longer a live run, publishing file_unlocked for each
// (the authoritative event catalog has no distinct lock_expired type;
// file_unlocked already carries the same payload shape).
func (c *Cleaner) SweepLocks(ctx context.Context) ([]string, error) {
	released, err := c.bus.ExpireLocks(ctx)
	if err != nil {
		return nil, err
	}

	locks, err := c.bus.ListLocks(ctx)
	if err != nil {
		return released, err
	}
	for _, l := range locks {
		run, err := c.store.GetRun(ctx, l.HeldBy)
		live := err == nil && isLive(run.Status)
		if !live {
			if err != nil && !errors.Is(err, cerrors.ErrNotFound) {
				return released, err
			}
			if unlockErr := c.bus.Unlock(ctx, l.ResourcePath, l.HeldBy); unlockErr != nil {
				return released, unlockErr
			}
			released = append(released, l.ResourcePath)
		}
	}
	return released, nil
}

func isLive(s store.RunStatus) bool {
	switch s {
	case store.RunStarting, store.RunActive, store.RunVerifying:
		return true
	default:
		return false
	}
}

// SweepCheckpoints deletes every checkpoint's git tag and store record
// once it is older than the configured retention window, regardless of
// which run it belongs to — a retired run no longer owns anything
// worth keeping recoverable.
func (c *Cleaner) SweepCheckpoints(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-c.retention)

	old, err := c.store.ListCheckpointsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, ck := range old {
		if err := c.repo.DeleteTag(ctx, ck.Ref); err != nil {
			slog.Warn("failed to delete retired checkpoint tag", "ref", ck.Ref, "run_id", ck.RunID, "error", err)
		}
	}

	n, err := c.store.DeleteCheckpointsOlderThan(ctx, cutoff)
	return int(n), err
}

// SweepCrashedRuns closes each crashed run's transcript with a terminal
// marker, rolls its workspace back to its latest checkpoint, and
// returns its still-in_progress task to pending — or parks it blocked
// if it has already exhausted its attempt budget.
func (c *Cleaner) SweepCrashedRuns(ctx context.Context) ([]string, error) {
	crashed, err := c.store.ListRunsByStatus(ctx, store.RunCrashed)
	if err != nil {
		return nil, err
	}

	var recovered []string
	for _, run := range crashed {
		if err := c.closeTranscript(ctx, run.ID); err != nil {
			return recovered, err
		}

		if err := c.checkpoint.RollbackToLatest(ctx, run.ID); err != nil {
			slog.Warn("orphan rollback failed", "run_id", run.ID, "error", err)
		}

		tk, err := c.store.GetTask(ctx, run.TaskID)
		if err != nil {
			return recovered, err
		}
		if tk.Status() != task.StateInProgress {
			continue
		}

		if err := tk.Transition(task.StateBlocked); err != nil {
			return recovered, err
		}
		if tk.Attempts() < c.maxAttempts {
			if err := tk.Transition(task.StatePending); err != nil {
				return recovered, err
			}
		}
		if err := c.store.SaveTask(ctx, tk); err != nil {
			return recovered, err
		}
		recovered = append(recovered, run.ID)
	}
	return recovered, nil
}

// closeTranscript appends a terminal marker turn, idempotently: a run
// whose transcript already ends with the marker is left alone.
func (c *Cleaner) closeTranscript(ctx context.Context, runID string) error {
	const marker = "transcript closed: run crashed"

	existing, err := c.store.ListTranscript(ctx, runID)
	if err != nil {
		return err
	}
	if len(existing) > 0 && existing[len(existing)-1].Content == marker {
		return nil
	}

	maxSeq := 0
	for _, t := range existing {
		if t.Seq > maxSeq {
			maxSeq = t.Seq
		}
	}
	seq := maxSeq + 1
	return c.store.AppendTranscript(ctx, store.Transcript{
		ID: uuid.NewString(), RunID: runID, Seq: seq, Role: "system", Content: marker, CreatedAt: time.Now().UTC(),
	})
}
