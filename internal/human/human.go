// Package human implements the Human Interface: the read-only status
// surface and the control-command set an operator uses to pause,
// resume, skip, reset, unlock, roll back, cancel, and decide — the
// supervision layer above PM's automatic resolution.
package human

import (
	"context"
	"time"

	"github.com/arcflow-run/conductor/internal/checkpoint"
	cerrors "github.com/arcflow-run/conductor/internal/errors"
	"github.com/arcflow-run/conductor/internal/eventbus"
	"github.com/arcflow-run/conductor/internal/pm"
	"github.com/arcflow-run/conductor/internal/store"
	"github.com/arcflow-run/conductor/internal/task"
	"github.com/arcflow-run/conductor/internal/vcs"
)

// Interface is the Human Interface's query and control surface, backed
// directly by the same store/bus/checkpoint every other coordination
// component shares.
type Interface struct {
	store      *store.Store
	bus        *eventbus.Bus
	checkpoint *checkpoint.Manager
	repo       *vcs.Repo
	pm         *pm.Coordinator
}

// New builds a Human Interface over the shared coordination state.
func New(st *store.Store, bus *eventbus.Bus, ckpt *checkpoint.Manager, repo *vcs.Repo, coordinator *pm.Coordinator) *Interface {
	return &Interface{store: st, bus: bus, checkpoint: ckpt, repo: repo, pm: coordinator}
}

// OverallStatus summarizes every task by state, for the top-level
// status query.
type OverallStatus struct {
	ByState map[task.State]int
	Total   int
}

// Status returns the overall task-state distribution.
func (i *Interface) Status(ctx context.Context) (OverallStatus, error) {
	out := OverallStatus{ByState: map[task.State]int{}}
	tasks, err := i.store.ListAllTasks(ctx)
	if err != nil {
		return out, err
	}
	for _, tk := range tasks {
		out.ByState[tk.Status()]++
		out.Total++
	}
	return out, nil
}

// ListStatus returns one task list's membership progress.
func (i *Interface) ListStatus(ctx context.Context, listID string) (*task.List, error) {
	return i.store.GetList(ctx, listID)
}

// TaskStatus returns a single task's current record.
func (i *Interface) TaskStatus(ctx context.Context, taskID string) (*task.Task, error) {
	return i.store.GetTask(ctx, taskID)
}

// Timeline returns the event log within [since, until], optionally
// filtered by source and type, for the event-timeline query.
func (i *Interface) Timeline(ctx context.Context, since, until time.Time, sources []string, types []eventbus.Type, limit int) ([]eventbus.Event, error) {
	return i.bus.Timeline(ctx, since, until, sources, types, limit)
}

// LockTable returns every currently-recorded lock.
func (i *Interface) LockTable(ctx context.Context) ([]eventbus.Lock, error) {
	return i.bus.ListLocks(ctx)
}

// PendingDecisions returns every unresolved decision awaiting a human
// choice or timeout.
func (i *Interface) PendingDecisions(ctx context.Context) ([]store.Decision, error) {
	return i.store.ListPendingDecisions(ctx)
}

// RecentConflicts returns the most recent file_conflict events, newest
// first, bounded by limit.
func (i *Interface) RecentConflicts(ctx context.Context, limit int) ([]eventbus.Event, error) {
	events, err := i.bus.Timeline(ctx, time.Time{}, time.Time{}, nil, []eventbus.Type{eventbus.TypeFileConflict}, limit)
	if err != nil {
		return nil, err
	}
	for l, r := 0, len(events)-1; l < r; l, r = l+1, r-1 {
		events[l], events[r] = events[r], events[l]
	}
	return events, nil
}

// Transcript returns a run's recorded conversation turns.
func (i *Interface) Transcript(ctx context.Context, runID string) ([]store.Transcript, error) {
	return i.store.ListTranscript(ctx, runID)
}

// RunDiff returns the textual diff of a run's branch against base.
func (i *Interface) RunDiff(ctx context.Context, runID, base string) (string, error) {
	run, err := i.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.BranchName == "" {
		return "", cerrors.New(cerrors.KindAmbiguity, "run has no branch recorded").WithEvidence(runID)
	}
	return i.repo.Diff(ctx, base, run.BranchName)
}

// AcceptanceResults returns a task's recorded acceptance-criterion
// check results.
func (i *Interface) AcceptanceResults(ctx context.Context, taskID string) ([]store.AcceptanceCriterionResult, error) {
	return i.store.ListAcceptanceCriterionResults(ctx, taskID)
}

// Pause publishes pause_requested for a single run.
func (i *Interface) Pause(ctx context.Context, runID string) error {
	_, err := i.bus.Publish(ctx, "human", eventbus.TypePauseRequested, map[string]any{"run_id": runID}, 8, "")
	return err
}

// PauseList pauses every active run belonging to the list's tasks.
func (i *Interface) PauseList(ctx context.Context, listID string) error {
	l, err := i.store.GetList(ctx, listID)
	if err != nil {
		return err
	}
	for _, item := range l.Snapshot().Items {
		runs, err := i.store.ListRunsByTask(ctx, item.TaskID)
		if err != nil {
			return err
		}
		for _, run := range runs {
			if run.Status != store.RunActive {
				continue
			}
			if err := i.Pause(ctx, run.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Resume publishes resume_requested for a single run.
func (i *Interface) Resume(ctx context.Context, runID string) error {
	_, err := i.bus.Publish(ctx, "human", eventbus.TypeResumeRequested, map[string]any{"run_id": runID}, 8, "")
	return err
}

// Skip records an operator-initiated skip for a task, the same
// consecutive-skip counter the scheduler itself advances for
// starvation prevention.
func (i *Interface) Skip(ctx context.Context, taskID string) error {
	tk, err := i.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	tk.RecordSkip()
	return i.store.SaveTask(ctx, tk)
}

// ResetToPending forces a task back to pending, routing through
// blocked first when the state machine requires it.
func (i *Interface) ResetToPending(ctx context.Context, taskID string) error {
	tk, err := i.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch tk.Status() {
	case task.StatePending:
		return nil
	case task.StateInProgress:
		if err := tk.Transition(task.StateBlocked); err != nil {
			return err
		}
	}
	if err := tk.Transition(task.StatePending); err != nil {
		return err
	}
	return i.store.SaveTask(ctx, tk)
}

// ForceUnlock releases a lock regardless of holder and publishes
// force_release so the Lifecycle Manager can clean up the evicted
// run's in-flight state.
func (i *Interface) ForceUnlock(ctx context.Context, path string) error {
	lock, err := i.bus.Check(ctx, path)
	if err != nil {
		return err
	}
	if lock == nil {
		return nil
	}
	if err := i.bus.Unlock(ctx, path, lock.HeldBy); err != nil {
		return err
	}
	_, err = i.bus.Publish(ctx, "human", eventbus.TypeForceRelease, map[string]any{"run_id": lock.HeldBy, "path": path}, 8, "")
	return err
}

// RollbackRun hard-resets a run's workspace to its latest checkpoint,
// cancels the run, and returns its task to pending.
func (i *Interface) RollbackRun(ctx context.Context, runID string) error {
	run, err := i.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if err := i.checkpoint.RollbackToLatest(ctx, runID); err != nil {
		return err
	}

	now := time.Now().UTC()
	run.Status = store.RunCancelled
	run.EndedAt = &now
	run.ExitReason = "human-initiated rollback"
	if err := i.store.SaveRun(ctx, run); err != nil {
		return err
	}
	_, err = i.bus.Publish(ctx, "human", eventbus.TypeRollbackTriggered, map[string]any{"run_id": runID}, 8, "")
	if err != nil {
		return err
	}
	return i.ResetToPending(ctx, run.TaskID)
}

// CancelTask transitions a task directly to cancelled.
func (i *Interface) CancelTask(ctx context.Context, taskID string) error {
	tk, err := i.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := tk.Transition(task.StateCancelled); err != nil {
		return err
	}
	return i.store.SaveTask(ctx, tk)
}

// Decide records a human choice against a pending decision, delegating
// to the PM Coordinator which owns decision resolution.
func (i *Interface) Decide(ctx context.Context, decisionID, choice string) error {
	return i.pm.Decide(ctx, decisionID, choice)
}
