// Package pm implements the PM Coordinator: conflict resolution across
// agents, dependency-driven priority promotion and staleness cascades,
// and the structured human-decision protocol that gives an ambiguous
// situation a default and a deadline instead of a guess.
package pm

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arcflow-run/conductor/internal/checkpoint"
	"github.com/arcflow-run/conductor/internal/eventbus"
	"github.com/arcflow-run/conductor/internal/store"
	"github.com/arcflow-run/conductor/internal/task"
)

const subscriberName = "pm"

// Config bounds the Coordinator's decision protocol.
type Config struct {
	DefaultTimeout    time.Duration
	PriorityPromotion int
}

// SetDefaults applies a 60s decision timeout and a +5 priority bump on
// dependency completion, matching the worked example in spec §8.6.
func (c *Config) SetDefaults() {
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 60 * time.Second
	}
	if c.PriorityPromotion == 0 {
		c.PriorityPromotion = 5
	}
}

// Coordinator runs the PM's conflict-resolution and decision protocols.
type Coordinator struct {
	store      *store.Store
	bus        *eventbus.Bus
	checkpoint *checkpoint.Manager
	cfg        Config
}

// New builds a Coordinator.
func New(st *store.Store, bus *eventbus.Bus, ckpt *checkpoint.Manager, cfg Config) *Coordinator {
	cfg.SetDefaults()
	return &Coordinator{store: st, bus: bus, checkpoint: ckpt, cfg: cfg}
}

// Subscribe registers the PM's standing subscription to the five event
// types spec §4.9 names.
func (c *Coordinator) Subscribe(ctx context.Context) (string, error) {
	return c.bus.Subscribe(ctx, subscriberName, []eventbus.Type{
		eventbus.TypeFileConflict,
		eventbus.TypeRegressionDetected,
		eventbus.TypeDigressionDetected,
		eventbus.TypeBudgetExhausted,
		eventbus.TypeDecisionNeeded,
	}, "")
}

// Run polls the subscription and sweeps expired decisions on interval
// until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Tick(ctx); err != nil {
				slog.Warn("pm tick failed", "error", err)
			}
		}
	}
}

// Tick drains one batch of subscribed events and resolves any decision
// whose timeout has elapsed.
func (c *Coordinator) Tick(ctx context.Context) error {
	events, err := c.bus.Poll(ctx, subscriberName, 50)
	if err != nil {
		return err
	}

	for _, ev := range events {
		if err := c.handle(ctx, ev); err != nil {
			slog.Warn("pm failed to handle event", "event_id", ev.ID, "type", ev.Type, "error", err)
			continue
		}
		if err := c.bus.Ack(ctx, subscriberName, ev.ID); err != nil {
			slog.Warn("pm failed to ack event", "event_id", ev.ID, "error", err)
		}
	}

	return c.resolveExpiredDecisions(ctx)
}

func (c *Coordinator) handle(ctx context.Context, ev eventbus.Event) error {
	switch ev.Type {
	case eventbus.TypeFileConflict:
		return c.handleFileConflict(ctx, ev)
	case eventbus.TypeRegressionDetected:
		return c.handleRegressionDetected(ctx, ev)
	case eventbus.TypeDigressionDetected:
		return c.handleDigressionDetected(ctx, ev)
	case eventbus.TypeBudgetExhausted:
		return c.handleBudgetExhausted(ctx, ev)
	case eventbus.TypeDecisionNeeded:
		return c.handleDecisionNeeded(ctx, ev)
	default:
		return nil
	}
}

func payloadString(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// handleFileConflict implements step 2 of the conflict-resolution
// protocol: where a policy exists (priority ordering), it pauses and
// rolls back the lower-priority run and lets the higher-priority one
// proceed. Where the two runs are tied on priority, there is no policy
// to apply automatically, so it escalates via requestDecision instead.
func (c *Coordinator) handleFileConflict(ctx context.Context, ev eventbus.Event) error {
	runA := payloadString(ev.Payload, "run_a")
	runB := payloadString(ev.Payload, "run_b")
	if runA == "" || runB == "" {
		return nil
	}

	a, err := c.store.GetRun(ctx, runA)
	if err != nil {
		return err
	}
	b, err := c.store.GetRun(ctx, runB)
	if err != nil {
		return err
	}
	taskA, err := c.store.GetTask(ctx, a.TaskID)
	if err != nil {
		return err
	}
	taskB, err := c.store.GetTask(ctx, b.TaskID)
	if err != nil {
		return err
	}

	if taskA.PriorityScore == taskB.PriorityScore {
		return c.requestDecision(ctx, "conflict", payloadString(ev.Payload, "path"),
			[]string{runA, runB}, runA, "", ev.ID)
	}

	winner, loser := a, b
	if taskB.PriorityScore > taskA.PriorityScore {
		winner, loser = b, a
	}
	if err := c.pauseAndRollback(ctx, loser, "conflict: lower priority than "+winner.ID); err != nil {
		return err
	}
	_, err = c.bus.Publish(ctx, subscriberName, eventbus.TypeDecisionResolved,
		map[string]any{"kind": "conflict", "choice": winner.ID, "by": "policy"}, 5, ev.ID)
	return err
}

// handleRegressionDetected implements scenario 5 from spec §8: the
// regressed task is marked stale, its own dependents cascade to stale,
// and PM escalates the remediation choice (roll back the run that
// caused it, or open a repair task) since either is a legitimate call.
func (c *Coordinator) handleRegressionDetected(ctx context.Context, ev eventbus.Event) error {
	taskID := payloadString(ev.Payload, "task_id")
	if taskID == "" {
		return nil
	}

	tk, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if tk.Status() != task.StateCompleted && tk.Status() != task.StateStale {
		return nil
	}
	if tk.Status() == task.StateCompleted {
		if err := tk.Transition(task.StateStale); err != nil {
			return err
		}
		if err := c.store.SaveTask(ctx, tk); err != nil {
			return err
		}
	}
	if err := c.InvalidateDependents(ctx, taskID); err != nil {
		return err
	}

	blamedRun := payloadString(ev.Payload, "blamed_run")
	return c.requestDecision(ctx, "regression", taskID,
		[]string{"rollback_blamed_run", "open_repair_task"}, "open_repair_task", blamedRun, ev.ID)
}

// handleDigressionDetected escalates a scope excursion: pausing the run
// is the conservative default, but an operator may judge the extra
// changes legitimate and let it continue.
func (c *Coordinator) handleDigressionDetected(ctx context.Context, ev eventbus.Event) error {
	runID := ev.Source
	return c.requestDecision(ctx, "digression", payloadString(ev.Payload, "task_id"),
		[]string{"pause_run", "allow_continue"}, "pause_run", runID, ev.ID)
}

// handleBudgetExhausted implements the resource-exhaustion error
// category from spec §7: the run is paused immediately (no decision
// needed — a hard budget cap is not ambiguous) and the operator is
// alerted via the same pause_requested the Lifecycle Manager already
// knows how to act on.
func (c *Coordinator) handleBudgetExhausted(ctx context.Context, ev eventbus.Event) error {
	runID := ev.Source
	if runID == "" {
		return nil
	}
	_, err := c.bus.Publish(ctx, subscriberName, eventbus.TypePauseRequested,
		map[string]any{"run_id": runID, "reason": "budget_exhausted"}, 8, ev.ID)
	return err
}

// handleDecisionNeeded tracks a decision_needed event as a pending
// Decision record, whether it originated from PM's own requestDecision
// (in which case the record already exists and this is a no-op) or from
// another component such as the Knowledge Base's contradiction check.
func (c *Coordinator) handleDecisionNeeded(ctx context.Context, ev eventbus.Event) error {
	id := ev.CorrelationID
	if id == "" {
		id = ev.ID
	}
	if _, err := c.store.GetDecision(ctx, id); err == nil {
		return nil
	}

	options, _ := ev.Payload["options"].([]string)
	if options == nil {
		options = []string{"acknowledge"}
	}
	return c.store.SaveDecision(ctx, store.Decision{
		ID: id, Kind: "external", Subject: payloadString(ev.Payload, "reason"),
		Options: options, DefaultChoice: payloadString(ev.Payload, "default"),
		TimeoutAt: time.Now().UTC().Add(c.cfg.DefaultTimeout), CreatedAt: time.Now().UTC(),
	})
}

// requestDecision records and publishes a decision_needed request. It
// is PM's own entry point into step 3 of the conflict-resolution
// protocol, and the general escalation path for regression/digression.
func (c *Coordinator) requestDecision(ctx context.Context, kind, subject string, options []string, defaultChoice, pausedRunID, correlationID string) error {
	id := uuid.NewString()
	now := time.Now().UTC()
	d := store.Decision{
		ID: id, Kind: kind, Subject: subject, Options: options, DefaultChoice: defaultChoice,
		PausedRunID: pausedRunID, TimeoutAt: now.Add(c.cfg.DefaultTimeout), CreatedAt: now,
	}
	if err := c.store.SaveDecision(ctx, d); err != nil {
		return err
	}
	_, err := c.bus.Publish(ctx, subscriberName, eventbus.TypeDecisionNeeded, map[string]any{
		"decision_id": id, "kind": kind, "subject": subject, "options": options,
		"default": defaultChoice, "timeout_s": int(c.cfg.DefaultTimeout.Seconds()),
	}, 5, id)
	return err
}

// Decide resolves a pending decision by human choice, for the Human
// Interface's decide() control command.
func (c *Coordinator) Decide(ctx context.Context, decisionID, choice string) error {
	d, err := c.store.GetDecision(ctx, decisionID)
	if err != nil {
		return err
	}
	if d.Resolved {
		return nil
	}
	return c.resolve(ctx, d, choice, "human")
}

func (c *Coordinator) resolveExpiredDecisions(ctx context.Context) error {
	pending, err := c.store.ListPendingDecisions(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, d := range pending {
		if now.Before(d.TimeoutAt) {
			continue
		}
		if err := c.resolve(ctx, d, d.DefaultChoice, "default"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) resolve(ctx context.Context, d store.Decision, choice, by string) error {
	now := time.Now().UTC()
	d.Resolved = true
	d.Choice = choice
	d.ResolvedBy = by
	d.ResolvedAt = &now
	if err := c.store.SaveDecision(ctx, d); err != nil {
		return err
	}

	if _, err := c.bus.Publish(ctx, subscriberName, eventbus.TypeDecisionResolved,
		map[string]any{"decision_id": d.ID, "choice": choice, "by": by}, 5, d.ID); err != nil {
		return err
	}

	if d.PausedRunID != "" {
		if _, err := c.bus.Publish(ctx, subscriberName, eventbus.TypeResumeRequested,
			map[string]any{"run_id": d.PausedRunID}, 5, d.ID); err != nil {
			return err
		}
	}
	return nil
}

// pauseAndRollback force-pauses the losing side of an auto-resolved
// conflict: the run is marked cancelled, its workspace rolled back to
// its latest checkpoint, and its task returned to pending — the same
// in_progress -> blocked -> pending route the Deadlock Detector and
// Orphan Cleaner use, since it is the only state-machine-legal path
// back to pending.
func (c *Coordinator) pauseAndRollback(ctx context.Context, run store.ExecutionRun, reason string) error {
	if err := c.checkpoint.RollbackToLatest(ctx, run.ID); err != nil {
		slog.Warn("pm rollback failed", "run_id", run.ID, "error", err)
	}

	now := time.Now().UTC()
	run.Status = store.RunCancelled
	run.EndedAt = &now
	run.ExitReason = reason
	if err := c.store.SaveRun(ctx, run); err != nil {
		return err
	}

	tk, err := c.store.GetTask(ctx, run.TaskID)
	if err != nil {
		return err
	}
	if tk.Status() == task.StateInProgress {
		if err := tk.Transition(task.StateBlocked); err != nil {
			return err
		}
		if err := tk.Transition(task.StatePending); err != nil {
			return err
		}
		if err := c.store.SaveTask(ctx, tk); err != nil {
			return err
		}
	}
	return nil
}

// PromoteDependents bumps the priority of every task that depends_on
// completedTaskID, once it completes — called by whichever component
// transitions a task to completed.
func (c *Coordinator) PromoteDependents(ctx context.Context, completedTaskID string) error {
	rels, err := c.store.ListRelationships(ctx, completedTaskID)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		if rel.Type != task.RelDependsOn || rel.ToTaskID != completedTaskID {
			continue
		}
		dependent, err := c.store.GetTask(ctx, rel.FromTaskID)
		if err != nil {
			return err
		}
		if dependent.Status() != task.StatePending {
			continue
		}
		dependent.PriorityScore += c.cfg.PriorityPromotion
		if err := c.store.SaveTask(ctx, dependent); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateDependents cascades every task that depends_on
// invalidatedTaskID to stale.
func (c *Coordinator) InvalidateDependents(ctx context.Context, invalidatedTaskID string) error {
	rels, err := c.store.ListRelationships(ctx, invalidatedTaskID)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		if rel.Type != task.RelDependsOn || rel.ToTaskID != invalidatedTaskID {
			continue
		}
		dependent, err := c.store.GetTask(ctx, rel.FromTaskID)
		if err != nil {
			return err
		}
		switch dependent.Status() {
		case task.StateCancelled, task.StateStale:
			continue
		}
		if err := dependent.Transition(task.StateStale); err != nil {
			return err
		}
		if err := c.store.SaveTask(ctx, dependent); err != nil {
			return err
		}
	}
	return nil
}
