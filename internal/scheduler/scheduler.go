// Package scheduler implements the Wave Scheduler: the component that
// decides which pending tasks run next, honoring dependencies,
// ownership conflicts, a concurrency cap, and a risk-based approval
// gate, while boosting tasks repeatedly passed over so nothing starves
// forever behind higher-priority neighbors.
package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/arcflow-run/conductor/internal/config"
	cerrors "github.com/arcflow-run/conductor/internal/errors"
	"github.com/arcflow-run/conductor/internal/eventbus"
	"github.com/arcflow-run/conductor/internal/store"
	"github.com/arcflow-run/conductor/internal/task"
)

// starvationBoost is the per-skip priority bonus a runnable-but-unadmitted
// task accrues, so a long losing streak against high-priority neighbors
// eventually wins it a slot.
const starvationBoost = 5

// Scheduler computes and admits waves of runnable tasks.
type Scheduler struct {
	cfg      config.SchedulerConfig
	approval config.ApprovalConfig
	store    *store.Store
	bus      *eventbus.Bus
}

// New builds a Scheduler over st and bus, parametrized by cfg and
// approval policy.
func New(cfg config.SchedulerConfig, approval config.ApprovalConfig, st *store.Store, bus *eventbus.Bus) *Scheduler {
	return &Scheduler{cfg: cfg, approval: approval, store: st, bus: bus}
}

// Wave pairs the persisted wave row with the tasks admitted into it.
type Wave struct {
	Wave  store.Wave
	Tasks []*task.Task
}

// NextWave computes the runnable set, ranks it, greedily admits tasks up
// to the concurrency cap while respecting file-ownership and
// conflicts_with compatibility, records starvation skips for everything
// passed over, and persists + publishes the resulting wave. It returns a
// wave with no tasks (but still persisted, in WaveOpen status with zero
// admitted tasks) when nothing is runnable — callers should treat that
// as "nothing to do this round", not an error.
func (sch *Scheduler) NextWave(ctx context.Context) (Wave, error) {
	runnable, err := sch.computeRunnableSet(ctx)
	if err != nil {
		return Wave{}, err
	}

	candidates := sch.partitionByRisk(runnable)
	ranked, err := sch.rank(ctx, candidates)
	if err != nil {
		return Wave{}, err
	}

	admitted, skipped, err := sch.admit(ctx, ranked)
	if err != nil {
		return Wave{}, err
	}

	for _, t := range skipped {
		t.RecordSkip()
		if err := sch.store.SaveTask(ctx, t); err != nil {
			return Wave{}, err
		}
	}
	for _, t := range admitted {
		t.ResetSkip()
		if err := sch.store.SaveTask(ctx, t); err != nil {
			return Wave{}, err
		}
	}

	seq, err := sch.store.LatestWaveSequence(ctx)
	if err != nil {
		return Wave{}, err
	}

	w := store.Wave{
		ID:        uuid.NewString(),
		Sequence:  seq + 1,
		Status:    store.WaveOpen,
		Truncated: false,
		CreatedAt: time.Now().UTC(),
	}
	if err := sch.store.SaveWave(ctx, w); err != nil {
		return Wave{}, err
	}

	taskIDs := make([]string, 0, len(admitted))
	for _, t := range admitted {
		taskIDs = append(taskIDs, t.ID)
	}
	if _, err := sch.bus.Publish(ctx, "scheduler", eventbus.TypeWaveCreated,
		map[string]any{"wave_id": w.ID, "sequence": w.Sequence, "task_ids": taskIDs}, 0, ""); err != nil {
		return Wave{}, cerrors.Wrap(cerrors.KindTransient, "publish wave_created failed", err)
	}

	return Wave{Wave: w, Tasks: admitted}, nil
}

// computeRunnableSet returns every pending task whose depends_on targets
// are all completed, whose conflicts_with targets have no active run,
// and none of whose affected files holds an unexpired lock (whoever
// the holder is).
func (sch *Scheduler) computeRunnableSet(ctx context.Context) ([]*task.Task, error) {
	pending, err := sch.store.ListTasksByStatus(ctx, task.StatePending)
	if err != nil {
		return nil, err
	}

	activeRuns, err := sch.store.ListActiveRuns(ctx)
	if err != nil {
		return nil, err
	}
	activeTaskIDs := make(map[string]bool, len(activeRuns))
	for _, r := range activeRuns {
		activeTaskIDs[r.TaskID] = true
	}

	var runnable []*task.Task
	for _, t := range pending {
		ok, err := sch.isRunnable(ctx, t, activeTaskIDs)
		if err != nil {
			return nil, err
		}
		if ok {
			runnable = append(runnable, t)
		}
	}
	return runnable, nil
}

func (sch *Scheduler) isRunnable(ctx context.Context, t *task.Task, activeTaskIDs map[string]bool) (bool, error) {
	rels, err := sch.store.ListRelationships(ctx, t.ID)
	if err != nil {
		return false, err
	}

	for _, rel := range rels {
		switch {
		case rel.Type == task.RelDependsOn && rel.FromTaskID == t.ID:
			target, err := sch.store.GetTask(ctx, rel.ToTaskID)
			if err != nil {
				return false, err
			}
			if target.Status() != task.StateCompleted {
				return false, nil
			}
		case rel.Type == task.RelConflictsWith:
			other := rel.ToTaskID
			if other == t.ID {
				other = rel.FromTaskID
			}
			if activeTaskIDs[other] {
				return false, nil
			}
		}
	}

	for _, f := range t.AffectedFiles {
		lock, err := sch.bus.Check(ctx, f)
		if err != nil {
			return false, err
		}
		if lock != nil {
			return false, nil
		}
	}

	return true, nil
}

// partitionByRisk removes high-risk tasks from the candidate set when
// the approval policy does not auto-execute them; they remain pending
// (not skip-counted) until a human approves them into a future wave.
func (sch *Scheduler) partitionByRisk(runnable []*task.Task) []*task.Task {
	if sch.approval.AutoExecuteLowRisk {
		return runnable
	}

	out := make([]*task.Task, 0, len(runnable))
	for _, t := range runnable {
		if t.RiskLevel == task.RiskHigh {
			continue
		}
		out = append(out, t)
	}
	return out
}

// rankedTask pairs a candidate with its precomputed relationships, so
// admit doesn't re-query the store per comparison.
type rankedTask struct {
	t    *task.Task
	rels []task.Relationship
}

// rank orders candidates by composite priority: boosted priority_score
// desc, blocks_count desc, is_quick_win first, oldest created_at first.
func (sch *Scheduler) rank(ctx context.Context, candidates []*task.Task) ([]rankedTask, error) {
	ranked := make([]rankedTask, 0, len(candidates))
	for _, t := range candidates {
		rels, err := sch.store.ListRelationships(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		ranked = append(ranked, rankedTask{t: t, rels: rels})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i].t, ranked[j].t
		pa := a.PriorityScore + a.SkipCount()*starvationBoost
		pb := b.PriorityScore + b.SkipCount()*starvationBoost
		if pa != pb {
			return pa > pb
		}
		if a.BlocksCount != b.BlocksCount {
			return a.BlocksCount > b.BlocksCount
		}
		if a.IsQuickWin != b.IsQuickWin {
			return a.IsQuickWin
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return ranked, nil
}

// admit greedily fills the wave up to the concurrency cap, skipping any
// candidate whose affected files overlap an already-admitted task's
// files or that conflicts_with an already-admitted task.
func (sch *Scheduler) admit(ctx context.Context, ranked []rankedTask) (admitted, skipped []*task.Task, err error) {
	concurrencyCap := sch.cfg.ConcurrencyCap
	claimedFiles := make(map[string]bool)
	admittedIDs := make(map[string]bool)

	for _, cand := range ranked {
		if len(admitted) >= concurrencyCap {
			skipped = append(skipped, cand.t)
			continue
		}
		if sch.compatible(cand, claimedFiles, admittedIDs) {
			admitted = append(admitted, cand.t)
			admittedIDs[cand.t.ID] = true
			for _, f := range cand.t.AffectedFiles {
				claimedFiles[f] = true
			}
		} else {
			skipped = append(skipped, cand.t)
		}
	}
	return admitted, skipped, nil
}

func (sch *Scheduler) compatible(cand rankedTask, claimedFiles map[string]bool, admittedIDs map[string]bool) bool {
	for _, f := range cand.t.AffectedFiles {
		if claimedFiles[f] {
			return false
		}
	}
	for _, rel := range cand.rels {
		if rel.Type != task.RelConflictsWith {
			continue
		}
		other := rel.ToTaskID
		if other == cand.t.ID {
			other = rel.FromTaskID
		}
		if admittedIDs[other] {
			return false
		}
	}
	return true
}

// IsClosable reports whether every run launched as part of waveID has
// reached a terminal status, meaning the next wave may be emitted.
func (sch *Scheduler) IsClosable(ctx context.Context, waveID string) (bool, error) {
	runs, err := sch.store.ListRunsByWave(ctx, waveID)
	if err != nil {
		return false, err
	}
	for _, r := range runs {
		switch r.Status {
		case store.RunCompleted, store.RunFailed, store.RunCrashed, store.RunCancelled:
			// terminal
		default:
			return false, nil
		}
	}
	return true, nil
}

// Close marks a wave closed, optionally truncated (the human paused the
// run, or degradation was signaled, before every admitted task reached a
// terminal state), and publishes wave_closed.
func (sch *Scheduler) Close(ctx context.Context, waveID string, truncated bool) error {
	w, err := sch.store.GetWave(ctx, waveID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	w.Status = store.WaveClosed
	w.Truncated = truncated
	w.ClosedAt = &now
	if err := sch.store.SaveWave(ctx, w); err != nil {
		return err
	}
	if _, err := sch.bus.Publish(ctx, "scheduler", eventbus.TypeWaveClosed,
		map[string]any{"wave_id": waveID, "truncated": truncated}, 0, ""); err != nil {
		return cerrors.Wrap(cerrors.KindTransient, "publish wave_closed failed", err)
	}
	return nil
}
