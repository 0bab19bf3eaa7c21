// Package monitor implements the Monitor: a set of independent periodic
// polls over heartbeats, task-list progress, digression, regression, and
// budget. Per spec, the Monitor never mutates task state directly — it
// only publishes alerts for the PM Coordinator or a human to act on, and
// exposes Prometheus gauges/counters for the bands that have no
// dedicated event-catalog type (heartbeat health, list progress).
package monitor

import (
	"context"
	"log/slog"
	"os/exec"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arcflow-run/conductor/internal/config"
	"github.com/arcflow-run/conductor/internal/eventbus"
	"github.com/arcflow-run/conductor/internal/store"
	"github.com/arcflow-run/conductor/internal/task"
	"github.com/arcflow-run/conductor/internal/vcs"
)

// Monitor runs the five polls described in spec §4.10.
type Monitor struct {
	store     *store.Store
	bus       *eventbus.Bus
	repo      *vcs.Repo
	heartbeat config.HeartbeatConfig
	cfg       config.MonitorConfig
	budget    config.BudgetConfig
	metrics   *Metrics
}

// New builds a Monitor.
func New(st *store.Store, bus *eventbus.Bus, repo *vcs.Repo, heartbeat config.HeartbeatConfig, cfg config.MonitorConfig, budget config.BudgetConfig, metrics *Metrics) *Monitor {
	return &Monitor{store: st, bus: bus, repo: repo, heartbeat: heartbeat, cfg: cfg, budget: budget, metrics: metrics}
}

// Run ticks the heartbeat/progress/digression/budget polls on
// cfg.PollIntervalS and the slower regression probe on
// cfg.RegressionProbeIntervalS, mirroring the ticker-loop idiom shared
// with the Deadlock Detector and Orphan Cleaner
// (pkg/plugins/registry.go StartHealthChecks), until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	fast := time.NewTicker(time.Duration(m.cfg.PollIntervalS) * time.Second)
	defer fast.Stop()
	slow := time.NewTicker(time.Duration(m.cfg.RegressionProbeIntervalS) * time.Second)
	defer slow.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fast.C:
			if err := m.PollHeartbeats(ctx); err != nil {
				slog.Warn("monitor heartbeat poll failed", "error", err)
			}
			if err := m.PollProgress(ctx); err != nil {
				slog.Warn("monitor progress poll failed", "error", err)
			}
			if err := m.PollDigression(ctx); err != nil {
				slog.Warn("monitor digression poll failed", "error", err)
			}
			if err := m.PollBudget(ctx); err != nil {
				slog.Warn("monitor budget poll failed", "error", err)
			}
		case <-slow.C:
			if err := m.PollRegression(ctx); err != nil {
				slog.Warn("monitor regression poll failed", "error", err)
			}
		}
	}
}

// classify buckets a run's heartbeat age, duplicated from the Lifecycle
// Manager's identical helper rather than imported, so the Monitor stays
// decoupled from the component whose runs it only observes.
func classify(cfg config.HeartbeatConfig, sinceLastHeartbeat time.Duration) store.RunHealth {
	h := time.Duration(cfg.IntervalS) * time.Second
	stuckAt := time.Duration(float64(cfg.IntervalS)*cfg.StuckMultiplier) * time.Second
	crashedAt := time.Duration(float64(cfg.IntervalS)*cfg.CrashedMultiplier) * time.Second

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

var allHealthBands = []store.RunHealth{store.HealthHealthy, store.HealthStale, store.HealthStuck, store.HealthCrashed}

// PollHeartbeats classifies every active run's heartbeat age into a
// health band and records it as a gauge; it never touches run or task
// state, leaving enforcement (pause, crash recovery) to the Lifecycle
// Manager and Orphan Cleaner.
func (m *Monitor) PollHeartbeats(ctx context.Context) error {
	runs, err := m.store.ListActiveRuns(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, r := range runs {
		last := r.StartedAt
		if r.LastHeartbeatAt != nil {
			last = *r.LastHeartbeatAt
		}
		band := classify(m.heartbeat, now.Sub(last))
		for _, b := range allHealthBands {
			v := 0.0
			if b == band {
				v = 1.0
			}
			m.metrics.runHealth.WithLabelValues(r.ID, string(b)).Set(v)
		}
	}
	return nil
}

// PollProgress records each task list's completed/failed counters.
func (m *Monitor) PollProgress(ctx context.Context) error {
	ids, err := m.store.ListAllLists(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		l, err := m.store.GetList(ctx, id)
		if err != nil {
			slog.Warn("monitor could not load list", "list_id", id, "error", err)
			continue
		}
		_, completed, failed := l.Progress()
		m.metrics.listProgress.WithLabelValues(id).Set(float64(completed))
		m.metrics.listFailed.WithLabelValues(id).Set(float64(failed))
	}
	return nil
}

// PollDigression flags runs whose diff against the base branch has
// grown well past the task's declared affected_files, or whose
// transcript is repeating the same turn — both signals that an agent
// has wandered off its assigned scope.
func (m *Monitor) PollDigression(ctx context.Context) error {
	runs, err := m.store.ListActiveRuns(ctx)
	if err != nil {
		return err
	}

	for _, r := range runs {
		tk, err := m.store.GetTask(ctx, r.TaskID)
		if err != nil {
			slog.Warn("monitor could not load task for digression check", "task_id", r.TaskID, "error", err)
			continue
		}

		if len(tk.AffectedFiles) > 0 {
			changed, err := m.repo.ChangedFilesBetween(ctx, m.cfg.BaseBranch, r.BranchName)
			if err != nil {
				slog.Warn("monitor could not diff run branch", "run_id", r.ID, "error", err)
			} else if float64(len(changed)) > float64(len(tk.AffectedFiles))*m.cfg.DigressionFileMultiplier {
				m.alertDigression(ctx, r, tk.ID, "modified files exceed declared scope")
			}
		}

		if m.repeatsTranscript(ctx, r.ID) {
			m.alertDigression(ctx, r, tk.ID, "transcript repeating the same turn")
		}
	}
	return nil
}

func (m *Monitor) repeatsTranscript(ctx context.Context, runID string) bool {
	n := m.cfg.DigressionRepeatThreshold
	if n < 2 {
		return false
	}
	transcript, err := m.store.ListTranscript(ctx, runID)
	if err != nil || len(transcript) < n {
		return false
	}
	tail := transcript[len(transcript)-n:]
	first := tail[0].Content
	for _, t := range tail[1:] {
		if t.Content != first {
			return false
		}
	}
	return true
}

func (m *Monitor) alertDigression(ctx context.Context, r store.ExecutionRun, taskID, reason string) {
	if _, err := m.bus.Publish(ctx, r.ID, eventbus.TypeDigressionDetected,
		map[string]any{"task_id": taskID, "reason": reason}, 5, ""); err != nil {
		slog.Warn("failed to publish digression_detected", "run_id", r.ID, "error", err)
		return
	}
	m.metrics.digressionTotal.WithLabelValues(r.ID).Inc()
}

// PollRegression re-runs every completed task's recorded test commands
// against the base branch, catching regressions the Verification
// Gate's targeted diff-scoped probe would miss — for instance a change
// landed directly on the base branch outside any run.
func (m *Monitor) PollRegression(ctx context.Context) error {
	if err := m.repo.Checkout(ctx, m.cfg.BaseBranch); err != nil {
		return err
	}

	completed, err := m.store.ListTasksByStatus(ctx, task.StateCompleted)
	if err != nil {
		return err
	}

	for _, tk := range completed {
		for _, cmd := range tk.CodebaseTestCmds {
			if m.execPasses(ctx, cmd) {
				continue
			}
			if _, err := m.bus.Publish(ctx, "monitor", eventbus.TypeRegressionDetected,
				map[string]any{"task_id": tk.ID, "failing_check": cmd}, 5, ""); err != nil {
				slog.Warn("failed to publish regression_detected", "task_id", tk.ID, "error", err)
				continue
			}
			m.metrics.regressionTotal.WithLabelValues(tk.ID).Inc()
		}
	}
	return nil
}

func (m *Monitor) execPasses(ctx context.Context, cmdline string) bool {
	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	cmd.Dir = m.repo.Root
	return cmd.Run() == nil
}

// PollBudget compares each active run's token usage and wall-clock age
// against the configured thresholds, publishing budget_warning or
// budget_exhausted as appropriate.
func (m *Monitor) PollBudget(ctx context.Context) error {
	runs, err := m.store.ListActiveRuns(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, r := range runs {
		m.metrics.tokensUsed.WithLabelValues(r.ID).Set(float64(r.TokensUsed))

		tokenPct := 0.0
		if m.budget.MaxTokensPerRun > 0 {
			tokenPct = float64(r.TokensUsed) / float64(m.budget.MaxTokensPerRun)
		}
		wallclock := now.Sub(r.StartedAt)
		wallclockLimit := time.Duration(m.budget.WallclockPerTaskS) * time.Second

		switch {
		case tokenPct >= m.budget.TokensHardPct || wallclock >= wallclockLimit:
			m.publishBudget(ctx, r, eventbus.TypeBudgetExhausted, m.metrics.budgetExhausted, tokenPct, wallclock)
		case tokenPct >= m.budget.TokensWarningPct:
			m.publishBudget(ctx, r, eventbus.TypeBudgetWarning, m.metrics.budgetWarning, tokenPct, wallclock)
		}
	}
	return nil
}

func (m *Monitor) publishBudget(ctx context.Context, r store.ExecutionRun, typ eventbus.Type, counter *prometheus.CounterVec, tokenPct float64, wallclock time.Duration) {
	if _, err := m.bus.Publish(ctx, r.ID, typ, map[string]any{
		"task_id": r.TaskID, "tokens_used": r.TokensUsed, "token_pct": tokenPct, "wallclock_s": int(wallclock.Seconds()),
	}, 5, ""); err != nil {
		slog.Warn("failed to publish budget alert", "run_id", r.ID, "type", typ, "error", err)
		return
	}
	counter.WithLabelValues(r.ID).Inc()
}
