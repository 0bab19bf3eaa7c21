// Package checkpoint manages per-(run,task) workspace snapshots and
// rollback, the recovery primitive the Lifecycle Manager calls on
// verification failure, cancellation, or crash cleanup.
package checkpoint

import (
	"context"
	"log/slog"
	"time"

	cerrors "github.com/arcflow-run/conductor/internal/errors"
	"github.com/arcflow-run/conductor/internal/store"
	"github.com/arcflow-run/conductor/internal/vcs"
	"github.com/google/uuid"
)

// Strategy determines when checkpoints are created during a run,
// mirroring the event-vs-interval split the caller (Lifecycle Manager)
// drives off of its own iteration loop.
type Strategy string

const (
	StrategyEvent    Strategy = "event"
	StrategyInterval Strategy = "interval"
	StrategyHybrid   Strategy = "hybrid"
)

// Config configures checkpoint behavior and retention.
type Config struct {
	Enabled    bool
	Strategy   Strategy
	Interval   int
	Retention  time.Duration
}

// SetDefaults applies Conductor's defaults: hybrid strategy, a
// checkpoint every 5 iterations, 24h retention for verified-successful
// runs. Enabled is left as the caller set it.
func (c *Config) SetDefaults() {
	if c.Strategy == "" {
		c.Strategy = StrategyHybrid
	}
	if c.Interval == 0 {
		c.Interval = 5
	}
	if c.Retention == 0 {
		c.Retention = 24 * time.Hour
	}
}

// ShouldCheckpointAtIteration reports whether iteration should trigger
// an interval checkpoint under the configured strategy.
func (c *Config) ShouldCheckpointAtIteration(iteration int) bool {
	if !c.Enabled || (c.Strategy != StrategyInterval && c.Strategy != StrategyHybrid) || c.Interval <= 0 {
		return false
	}
	return iteration > 0 && iteration%c.Interval == 0
}

// Manager creates, loads, and retires workspace checkpoints for a
// single repo, backed by a git tag per checkpoint and a store record
// of the (run, task, ref) it points at.
type Manager struct {
	cfg   Config
	repo  *vcs.Repo
	store *store.Store
}

// NewManager builds a checkpoint Manager over repo, persisting records
// through st.
func NewManager(cfg Config, repo *vcs.Repo, st *store.Store) *Manager {
	cfg.SetDefaults()
	return &Manager{cfg: cfg, repo: repo, store: st}
}

// IsEnabled reports whether checkpointing is active.
func (m *Manager) IsEnabled() bool {
	return m.cfg.Enabled
}

// Save tags the current HEAD and records a checkpoint for (runID,
// taskID) labeled label. A no-op, returning "", if checkpointing is
// disabled.
func (m *Manager) Save(ctx context.Context, runID, taskID, label string) (string, error) {
	if !m.IsEnabled() {
		return "", nil
	}

	seq, err := m.nextSeq(ctx, runID)
	if err != nil {
		return "", err
	}
	tag := vcs.CheckpointTag(runID, taskID, seq)
	if err := m.repo.Tag(ctx, tag); err != nil {
		return "", err
	}

	c := store.Checkpoint{
		ID:        uuid.NewString(),
		RunID:     runID,
		TaskID:    taskID,
		Ref:       tag,
		Label:     label,
		CreatedAt: time.Now(),
	}
	if err := m.store.SaveCheckpoint(ctx, c); err != nil {
		return "", err
	}
	return tag, nil
}

func (m *Manager) nextSeq(ctx context.Context, runID string) (int, error) {
	existing, err := m.store.ListCheckpointsByRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	return len(existing), nil
}

// Latest returns the most recent checkpoint for a run, or
// (Checkpoint{}, false) if none exists.
func (m *Manager) Latest(ctx context.Context, runID string) (store.Checkpoint, bool, error) {
	all, err := m.store.ListCheckpointsByRun(ctx, runID)
	if err != nil {
		return store.Checkpoint{}, false, err
	}
	if len(all) == 0 {
		return store.Checkpoint{}, false, nil
	}
	return all[len(all)-1], true, nil
}

// RollbackToLatest hard-resets the workspace to the run's most recent
// checkpoint. Returns cerrors.KindIntegrity if no checkpoint exists —
// rollback with nothing to roll back to is a broken invariant, not a
// no-op.
func (m *Manager) RollbackToLatest(ctx context.Context, runID string) error {
	ck, ok, err := m.Latest(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return cerrors.New(cerrors.KindIntegrity, "no checkpoint recorded for run").
			WithSuggestedAction("mark the run crashed; it cannot be safely rolled back")
	}
	return m.RollbackTo(ctx, ck)
}

// RollbackTo hard-resets the workspace to a specific checkpoint.
func (m *Manager) RollbackTo(ctx context.Context, ck store.Checkpoint) error {
	if err := m.repo.ResetHardTo(ctx, ck.Ref); err != nil {
		return cerrors.Wrap(cerrors.KindIntegrity, "rollback to checkpoint failed", err).
			WithEvidence(ck.Ref)
	}
	return nil
}

// Retire deletes checkpoint tags older than the configured retention
// window, called after a run verifies successfully and its history no
// longer needs to be recoverable.
func (m *Manager) Retire(ctx context.Context, runID string) error {
	all, err := m.store.ListCheckpointsByRun(ctx, runID)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-m.cfg.Retention)
	for _, ck := range all {
		if ck.CreatedAt.After(cutoff) {
			continue
		}
		if err := m.repo.DeleteTag(ctx, ck.Ref); err != nil {
			slog.Warn("failed to delete retired checkpoint tag", "ref", ck.Ref, "run_id", runID, "error", err)
			continue
		}
	}
	_, err = m.store.DeleteCheckpointsOlderThan(ctx, cutoff)
	return err
}

// Hooks wires checkpoint creation into a run's iteration loop, mirroring
// the before/after-phase checkpointing the Lifecycle Manager drives.
type Hooks struct {
	manager *Manager
	runID   string
	taskID  string
}

// NewHooks binds a Manager to a specific run/task pair for the
// duration of one execution.
func NewHooks(manager *Manager, runID, taskID string) *Hooks {
	return &Hooks{manager: manager, runID: runID, taskID: taskID}
}

// BeforeToolExecution checkpoints prior to running a tool, so a crash
// mid-tool-call rolls back to a known-good state rather than a
// partially-applied one.
func (h *Hooks) BeforeToolExecution(ctx context.Context, toolName string) {
	if h == nil || !h.manager.IsEnabled() {
		return
	}
	if _, err := h.manager.Save(ctx, h.runID, h.taskID, "pre-tool:"+toolName); err != nil {
		slog.Warn("failed to save pre-tool checkpoint", "task_id", h.taskID, "tool", toolName, "error", err)
	}
}

// OnIterationEnd checkpoints at the end of an iteration if the
// configured interval strategy calls for it.
func (h *Hooks) OnIterationEnd(ctx context.Context, iteration int) {
	if h == nil || !h.manager.cfg.ShouldCheckpointAtIteration(iteration) {
		return
	}
	if _, err := h.manager.Save(ctx, h.runID, h.taskID, "iteration-end"); err != nil {
		slog.Warn("failed to save iteration checkpoint", "task_id", h.taskID, "iteration", iteration, "error", err)
	}
}

// OnVerificationFailed checkpoints the failing state before a rollback,
// preserving it for post-mortem inspection even though the workspace
// is about to be reset.
func (h *Hooks) OnVerificationFailed(ctx context.Context, reason string) {
	if h == nil || !h.manager.IsEnabled() {
		return
	}
	if _, err := h.manager.Save(ctx, h.runID, h.taskID, "verification-failed:"+reason); err != nil {
		slog.Warn("failed to save verification-failure checkpoint", "task_id", h.taskID, "error", err)
	}
}

// OnComplete retires the run's checkpoints once it has verified
// successfully and no longer needs a rollback path.
func (h *Hooks) OnComplete(ctx context.Context) {
	if h == nil || !h.manager.IsEnabled() {
		return
	}
	if err := h.manager.Retire(ctx, h.runID); err != nil {
		slog.Warn("failed to retire checkpoints on completion", "run_id", h.runID, "error", err)
	}
}
