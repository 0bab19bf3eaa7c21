// Package deadlock implements the Deadlock Detector: cycle detection
// over the coordination bus's wait-graph at bounded frequency, victim
// selection, and forced rollback/release of the losing run.
package deadlock

import (
	"context"
	"log/slog"
	"time"

	cerrors "github.com/arcflow-run/conductor/internal/errors"
	"github.com/arcflow-run/conductor/internal/checkpoint"
	"github.com/arcflow-run/conductor/internal/eventbus"
	"github.com/arcflow-run/conductor/internal/store"
	"github.com/arcflow-run/conductor/internal/task"
)

// Detector consumes wait-edges recorded on the bus, finds cycles, and
// resolves them by force-releasing the lowest-ranked run in the cycle.
type Detector struct {
	store      *store.Store
	bus        *eventbus.Bus
	checkpoint *checkpoint.Manager
}

// New builds a Detector over the given bus, store, and checkpoint
// manager, all shared with the rest of the coordination substrate.
func New(st *store.Store, bus *eventbus.Bus, ckpt *checkpoint.Manager) *Detector {
	return &Detector{store: st, bus: bus, checkpoint: ckpt}
}

// Resolution describes one detected-and-resolved wait cycle.
type Resolution struct {
	Cycle  []string // execution-run IDs forming the cycle, in wait order
	Victim string
}

// Run polls DetectAndResolve on interval until ctx is cancelled,
// invoking onResolution (if non-nil) for every cycle it resolves. The
// ticker-driven poll loop mirrors the teacher's plugin health-check
// loop (pkg/plugins/registry.go StartHealthChecks), generalized from a
// fixed health probe to a wait-graph scan.
func (d *Detector) Run(ctx context.Context, interval time.Duration, onResolution func(Resolution)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := d.DetectAndResolve(ctx)
			if err != nil {
				slog.Warn("deadlock detection pass failed", "error", err)
				continue
			}
			if res != nil && onResolution != nil {
				onResolution(*res)
			}
		}
	}
}

// DetectAndResolve runs one cycle-detection pass over the current
// wait-graph and resolves at most one cycle per call. It returns nil,
// nil if the graph is currently acyclic.
func (d *Detector) DetectAndResolve(ctx context.Context) (*Resolution, error) {
	edges, err := d.bus.WaitGraph(ctx)
	if err != nil {
		return nil, err
	}

	cycle := findCycle(edges)
	if cycle == nil {
		return nil, nil
	}

	victim, err := d.selectVictim(ctx, cycle)
	if err != nil {
		return nil, err
	}

	if err := d.resolve(ctx, victim, edges, cycle); err != nil {
		return nil, err
	}

	return &Resolution{Cycle: cycle, Victim: victim}, nil
}

// findCycle does a DFS over the waiter->holder wait-graph and returns
// the first cycle found as an ordered slice of run IDs, or nil if the
// graph is acyclic.
func findCycle(edges []eventbus.WaitEdge) []string {
	adj := map[string][]string{}
	nodes := map[string]bool{}
	for _, e := range edges {
		adj[e.Waiter] = append(adj[e.Waiter], e.Holder)
		nodes[e.Waiter] = true
		nodes[e.Holder] = true
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var path []string
	var found []string

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = gray
		path = append(path, n)
		for _, next := range adj[n] {
			switch color[next] {
			case gray:
				for i, id := range path {
					if id == next {
						found = append([]string{}, path[i:]...)
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return false
	}

	for n := range nodes {
		if color[n] == white {
			if visit(n) {
				return found
			}
		}
	}
	return nil
}

// selectVictim ranks cycle members by the spec's tiebreak order —
// lowest priority score, least progress (fewest transcript lines),
// cheapest rollback (fewest checkpoints) — and returns the run ID that
// ranks worst, i.e. the one to force-release.
func (d *Detector) selectVictim(ctx context.Context, cycle []string) (string, error) {
	type candidate struct {
		runID      string
		priority   int
		progress   int
		rollbackAt int
	}

	var candidates []candidate
	for _, runID := range cycle {
		run, err := d.store.GetRun(ctx, runID)
		if err != nil {
			return "", err
		}
		tk, err := d.store.GetTask(ctx, run.TaskID)
		if err != nil {
			return "", err
		}
		transcript, err := d.store.ListTranscript(ctx, runID)
		if err != nil {
			return "", err
		}
		checkpoints, err := d.store.ListCheckpointsByRun(ctx, runID)
		if err != nil {
			return "", err
		}
		candidates = append(candidates, candidate{
			runID: runID, priority: tk.PriorityScore,
			progress: len(transcript), rollbackAt: len(checkpoints),
		})
	}

	victim := candidates[0]
	for _, c := range candidates[1:] {
		if c.priority < victim.priority ||
			(c.priority == victim.priority && c.progress < victim.progress) ||
			(c.priority == victim.priority && c.progress == victim.progress && c.rollbackAt < victim.rollbackAt) {
			victim = c
		}
	}
	return victim.runID, nil
}

// resolve force-releases victim's locks, rolls its workspace back to
// its latest checkpoint, returns its task to pending, and publishes
// force_release/deadlock_resolved.
func (d *Detector) resolve(ctx context.Context, victim string, edges []eventbus.WaitEdge, cycle []string) error {
	for _, e := range edges {
		if e.Holder == victim {
			if err := d.bus.Unlock(ctx, e.ResourcePath, victim); err != nil {
				return err
			}
		}
	}
	if err := d.bus.ClearWaits(ctx, victim); err != nil {
		return err
	}

	if err := d.checkpoint.RollbackToLatest(ctx, victim); err != nil {
		slog.Warn("deadlock victim rollback failed", "run_id", victim, "error", err)
	}

	run, err := d.store.GetRun(ctx, victim)
	if err != nil {
		return err
	}
	endedAt := time.Now().UTC()
	run.Status = store.RunCancelled
	run.ExitReason = "force-released to resolve a wait-graph deadlock"
	run.EndedAt = &endedAt
	if err := d.store.SaveRun(ctx, run); err != nil {
		return err
	}

	tk, err := d.store.GetTask(ctx, run.TaskID)
	if err != nil {
		return err
	}
	if tk.Status() == task.StateInProgress {
		if err := tk.Transition(task.StateBlocked); err != nil {
			return cerrors.Wrap(cerrors.KindCoordination, "deadlock: victim task could not be unblocked", err)
		}
		if err := tk.Transition(task.StatePending); err != nil {
			return cerrors.Wrap(cerrors.KindCoordination, "deadlock: victim task could not return to pending", err)
		}
		if err := d.store.SaveTask(ctx, tk); err != nil {
			return err
		}
	}

	if _, err := d.bus.Publish(ctx, victim, eventbus.TypeForceRelease,
		map[string]any{"run_id": victim, "cycle": cycle}, 3, ""); err != nil {
		slog.Warn("failed to publish force_release", "run_id", victim, "error", err)
	}
	if _, err := d.bus.Publish(ctx, victim, eventbus.TypeDeadlockResolved,
		map[string]any{"victim_run_id": victim, "cycle": cycle}, 2, ""); err != nil {
		slog.Warn("failed to publish deadlock_resolved", "run_id", victim, "error", err)
	}
	return nil
}
