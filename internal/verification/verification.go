// Package verification implements the Verification Gate: the
// independent, post-claim validator that produces the authoritative
// pass/fail for a run's claimed completion. It holds no opinion on the
// agent's narrative, only on reproducible exit codes and recorded
// acceptance-criterion outcomes.
package verification

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	cerrors "github.com/arcflow-run/conductor/internal/errors"
	"github.com/arcflow-run/conductor/internal/eventbus"
	"github.com/arcflow-run/conductor/internal/store"
	"github.com/arcflow-run/conductor/internal/task"
	"github.com/arcflow-run/conductor/internal/vcs"
	"github.com/google/uuid"
)

// CheckOutcome is the result of running a single shell command as part
// of a check level.
type CheckOutcome struct {
	Command string
	Passed  bool
	Output  string
}

// Result is the Gate's verdict for one run's claimed completion.
type Result struct {
	Succeeded     bool
	Reason        string
	FailingChecks []string
	Criteria      []store.AcceptanceCriterionResult
}

// Config bounds the Gate's check execution.
type Config struct {
	CheckTimeout  time.Duration
	FlakyRetries  int
	FlakyCommands map[string]bool
}

// SetDefaults applies Conductor's defaults: a 5 minute timeout per
// check command and up to 2 retries for commands known to be flaky.
func (c *Config) SetDefaults() {
	if c.CheckTimeout == 0 {
		c.CheckTimeout = 5 * time.Minute
	}
	if c.FlakyRetries == 0 {
		c.FlakyRetries = 2
	}
}

func (c *Config) isFlaky(cmd string) bool {
	return c.FlakyCommands != nil && c.FlakyCommands[cmd]
}

// Gate runs every check level against a run's branch and records the
// outcome through store and bus.
type Gate struct {
	cfg   Config
	repo  *vcs.Repo
	store *store.Store
	bus   *eventbus.Bus
}

// NewGate builds a Gate operating on repo, persisting through st and
// publishing through bus.
func NewGate(cfg Config, repo *vcs.Repo, st *store.Store, bus *eventbus.Bus) *Gate {
	cfg.SetDefaults()
	return &Gate{cfg: cfg, repo: repo, store: st, bus: bus}
}

// Verify runs the full Gate pipeline for run's claimed completion of
// tk against baseBranch (the branch the run's branch diverged from,
// used to scope the regression probe). It checks out the run's branch,
// runs Level-1 through Level-3 commands as declared, runs the
// regression probe, records per-criterion results, and publishes the
// verdict event.
func (g *Gate) Verify(ctx context.Context, run store.ExecutionRun, tk *task.Task, baseBranch string) (Result, error) {
	if err := g.repo.Checkout(ctx, run.BranchName); err != nil {
		return Result{}, cerrors.Wrap(cerrors.KindVerification, "gate could not check out run branch", err).
			WithEvidence(run.BranchName)
	}

	res := Result{Succeeded: true}

	levels := []struct {
		level task.TestLevel
		cmds  []string
	}{
		{task.LevelCodebase, tk.CodebaseTestCmds},
		{task.LevelAPI, tk.APITestCmds},
		{task.LevelUI, tk.UITestCmds},
	}

	var outcomes []CheckOutcome
	for _, lv := range levels {
		for _, cmd := range lv.cmds {
			outcome := g.runCheck(ctx, cmd)
			g.recordCriterion(ctx, tk, run, lv.level, cmd, outcome)
			outcomes = append(outcomes, outcome)
			if !outcome.Passed {
				res.Succeeded = false
				res.FailingChecks = append(res.FailingChecks, cmd)
			}
		}
	}

	if res.Succeeded {
		regressions, err := g.runRegressionProbe(ctx, run, tk, baseBranch)
		if err != nil {
			return Result{}, err
		}
		if len(regressions) > 0 {
			res.Succeeded = false
			res.FailingChecks = append(res.FailingChecks, regressions...)
			res.Reason = "regression probe failed"
			if _, err := g.bus.Publish(ctx, run.ID, eventbus.TypeRegressionDetected,
				map[string]any{"task_id": tk.ID, "failing_checks": regressions}, 5, ""); err != nil {
				slog.Warn("failed to publish regression_detected", "run_id", run.ID, "error", err)
			}
		}
	}

	res.Criteria = g.recordAcceptanceCriteria(ctx, tk, run, outcomes)

	if !res.Succeeded && res.Reason == "" {
		res.Reason = "one or more checks failed"
	}

	evType := eventbus.TypeVerificationSucceeded
	if !res.Succeeded {
		evType = eventbus.TypeVerificationFailed
	}
	if _, err := g.bus.Publish(ctx, run.ID, evType, map[string]any{
		"task_id":        tk.ID,
		"reason":         res.Reason,
		"failing_checks": res.FailingChecks,
	}, 5, ""); err != nil {
		slog.Warn("failed to publish verification verdict", "run_id", run.ID, "error", err)
	}

	return res, nil
}

func (g *Gate) runCheck(ctx context.Context, cmdline string) CheckOutcome {
	attempts := 1
	if g.cfg.isFlaky(cmdline) {
		attempts = g.cfg.FlakyRetries + 1
	}

	var last CheckOutcome
	for i := 0; i < attempts; i++ {
		last = g.execOne(ctx, cmdline)
		if last.Passed {
			return last
		}
	}
	return last
}

func (g *Gate) execOne(ctx context.Context, cmdline string) CheckOutcome {
	runCtx, cancel := context.WithTimeout(ctx, g.cfg.CheckTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", cmdline)
	cmd.Dir = g.repo.Root
	out, err := cmd.CombinedOutput()
	return CheckOutcome{Command: cmdline, Passed: err == nil, Output: strings.TrimSpace(string(out))}
}

func (g *Gate) recordCriterion(ctx context.Context, tk *task.Task, run store.ExecutionRun, level task.TestLevel, cmd string, outcome CheckOutcome) {
	err := g.store.SaveAcceptanceCriterionResult(ctx, store.AcceptanceCriterionResult{
		ID:        uuid.NewString(),
		TaskID:    tk.ID,
		RunID:     run.ID,
		Statement: cmd,
		Level:     int(level),
		Passed:    outcome.Passed,
		Output:    outcome.Output,
		CheckedAt: time.Now(),
	})
	if err != nil {
		slog.Warn("failed to record check result", "task_id", tk.ID, "run_id", run.ID, "command", cmd, "error", err)
	}
}

// recordAcceptanceCriteria maps each declared acceptance-criterion
// statement to a check result by substring match against executed
// commands' output; a criterion with no matching output defaults to
// met=false, since an unmapped criterion cannot be considered verified.
func (g *Gate) recordAcceptanceCriteria(ctx context.Context, tk *task.Task, run store.ExecutionRun, outcomes []CheckOutcome) []store.AcceptanceCriterionResult {
	var out []store.AcceptanceCriterionResult
	for _, ac := range tk.AcceptanceCriteria {
		met := false
		for _, outcome := range outcomes {
			if ac.Statement != "" && strings.Contains(outcome.Output, ac.Statement) {
				met = outcome.Passed
				break
			}
		}
		r := store.AcceptanceCriterionResult{
			ID:        uuid.NewString(),
			TaskID:    tk.ID,
			RunID:     run.ID,
			Statement: ac.Statement,
			Level:     int(task.LevelCodebase),
			Passed:    met,
			CheckedAt: time.Now(),
		}
		if err := g.store.SaveAcceptanceCriterionResult(ctx, r); err != nil {
			slog.Warn("failed to record acceptance criterion", "task_id", tk.ID, "statement", ac.Statement, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out
}

// runRegressionProbe re-runs the recorded test commands of every
// previously completed task whose affected_files intersect this run's
// diff against baseBranch, returning the commands that now fail.
func (g *Gate) runRegressionProbe(ctx context.Context, run store.ExecutionRun, tk *task.Task, baseBranch string) ([]string, error) {
	diff, err := g.repo.ChangedFilesBetween(ctx, baseBranch, run.BranchName)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindVerification, "regression probe could not read changed files", err)
	}
	touched := make(map[string]bool, len(diff))
	for _, f := range diff {
		touched[f] = true
	}

	completed, err := g.store.ListTasksByStatus(ctx, task.StateCompleted)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindVerification, "regression probe could not list completed tasks", err)
	}

	var failing []string
	for _, other := range completed {
		if other.ID == tk.ID {
			continue
		}
		if !intersects(other.AffectedFiles, touched) {
			continue
		}
		for _, cmd := range other.CodebaseTestCmds {
			outcome := g.execOne(ctx, cmd)
			if !outcome.Passed {
				failing = append(failing, cmd)
			}
		}
	}
	return failing, nil
}

func intersects(files []string, touched map[string]bool) bool {
	for _, f := range files {
		if touched[f] {
			return true
		}
	}
	return false
}
