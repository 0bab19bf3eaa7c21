package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arcflow-run/conductor/internal/checkpoint"
	"github.com/arcflow-run/conductor/internal/config"
	"github.com/arcflow-run/conductor/internal/deadlock"
	"github.com/arcflow-run/conductor/internal/eventbus"
	"github.com/arcflow-run/conductor/internal/human"
	"github.com/arcflow-run/conductor/internal/knowledge"
	"github.com/arcflow-run/conductor/internal/lifecycle"
	"github.com/arcflow-run/conductor/internal/monitor"
	"github.com/arcflow-run/conductor/internal/observability"
	"github.com/arcflow-run/conductor/internal/orphan"
	"github.com/arcflow-run/conductor/internal/pm"
	"github.com/arcflow-run/conductor/internal/registry"
	"github.com/arcflow-run/conductor/internal/scheduler"
	"github.com/arcflow-run/conductor/internal/store"
	"github.com/arcflow-run/conductor/internal/task"
	"github.com/arcflow-run/conductor/internal/vcs"
	"github.com/arcflow-run/conductor/internal/verification"
)

// ServeCmd runs the coordinator process: it wires every component
// (scheduler, lifecycle manager, verification gate, monitor, deadlock
// detector, orphan cleaner, PM coordinator, human interface) and drives
// the wave pipeline until the process is signaled to stop.
type ServeCmd struct {
	PollInterval time.Duration `help:"Idle delay between empty scheduling passes." default:"2s"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = config.LoadEnvFiles()
	var cfg *config.Config
	if cli.Config != "" {
		loaded, err := config.Load(config.LoaderOptions{Type: config.SourceFile, Path: cli.Config})
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	obs, err := observability.NewManager(ctx, cfg.Observability)
	if err != nil {
		return fmt.Errorf("observability manager: %w", err)
	}

	pool := config.NewDBPool()
	defer pool.Close()
	reg := registry.New()
	st, err := store.Open(ctx, pool, cfg.Database, reg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	bus := eventbus.New(st)
	repo := vcs.New(cfg.WorkspaceRoot)

	ckptCfg := checkpoint.Config{Enabled: true, Strategy: checkpoint.StrategyHybrid}
	ckpt := checkpoint.NewManager(ckptCfg, repo, st)

	var idx knowledge.Index
	chromemIdx, err := knowledge.NewChromemIndex(cfg.WorkspaceRoot + "/.conductor/knowledge")
	if err != nil {
		slog.Warn("chromem knowledge index unavailable, falling back to in-process index", "error", err)
		idx = knowledge.NewInProcessIndex()
	} else {
		idx = chromemIdx
	}
	kb := knowledge.New(st, idx, bus)

	sched := scheduler.New(cfg.Scheduler, cfg.Approval, st, bus)
	lifecycleMgr := lifecycle.New(cfg.Lifecycle, cfg.Heartbeat, cfg.Coordination, repo, st, ckpt, kb, bus, obs, nil)

	verifyCfg := verification.Config{}
	gate := verification.NewGate(verifyCfg, repo, st, bus)

	metrics := monitor.NewMetrics()
	mon := monitor.New(st, bus, repo, cfg.Heartbeat, cfg.Monitor, cfg.Budget, metrics)

	pmCoord := pm.New(st, bus, ckpt, pm.Config{
		DefaultTimeout:    time.Duration(cfg.Human.DecisionTimeoutS) * time.Second,
		PriorityPromotion: 5,
	})

	detector := deadlock.New(st, bus, ckpt)
	cleaner := orphan.New(st, bus, ckpt, repo, 24*time.Hour, cfg.Retry.MaxAttemptsPerTask)

	var validator *human.JWTValidator
	if cfg.Auth.Enabled {
		validator, err = human.NewJWTValidator(ctx, cfg.Auth)
		if err != nil {
			return fmt.Errorf("jwt validator: %w", err)
		}
	}
	iface := human.New(st, bus, ckpt, repo, pmCoord)
	humanServer := human.NewServer(iface, cfg.Human, validator)
	prompter := human.NewCLIPrompter(iface, 5*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.MetricsHandler())
	mux.Handle("/metrics/domain", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: cfg.Observability.MetricsAddr, Handler: mux}

	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server stopped", "error", err)
		}
	}()
	defer metricsServer.Shutdown(context.Background())

	go func() {
		if err := humanServer.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("human interface server stopped", "error", err)
		}
	}()
	defer humanServer.Shutdown()

	go mon.Run(ctx)
	go pmCoord.Run(ctx, 3*time.Second)
	go detector.Run(ctx, time.Duration(cfg.Deadlock.DetectionIntervalS)*time.Second, func(res deadlock.Resolution) {
		slog.Warn("deadlock resolved", "victim", res.Victim, "cycle", res.Cycle)
	})
	go cleaner.Run(ctx, time.Duration(cfg.Heartbeat.IntervalS)*time.Second)
	go prompter.Run(ctx)

	slog.Info("conductor coordinator started", "workspace", cfg.WorkspaceRoot, "metrics_addr", cfg.Observability.MetricsAddr, "human_addr", cfg.Human.Addr)

	return c.runPipeline(ctx, cfg, sched, lifecycleMgr, gate, st, bus)
}

// runPipeline drives the wave scheduling loop: compute a wave, run it,
// poll for runs awaiting verification, resolve each run's task state,
// and close the wave once nothing further can complete in it. It loops
// until ctx is cancelled.
func (c *ServeCmd) runPipeline(ctx context.Context, cfg *config.Config, sched *scheduler.Scheduler,
	lifecycleMgr *lifecycle.Manager, gate *verification.Gate, st *store.Store, bus *eventbus.Bus) error {

	interval := c.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("conductor coordinator shutting down")
			return nil
		default:
		}

		wave, err := sched.NextWave(ctx)
		if err != nil {
			slog.Error("scheduler failed to compute wave", "error", err)
			time.Sleep(interval)
			continue
		}

		if len(wave.Tasks) > 0 {
			if err := lifecycleMgr.RunWave(ctx, wave.Wave.ID, wave.Tasks); err != nil {
				slog.Warn("wave run reported an error", "wave_id", wave.Wave.ID, "error", err)
			}
			if err := c.resolveVerifyingRuns(ctx, cfg, gate, st, bus, wave.Wave.ID); err != nil {
				slog.Warn("resolving verifying runs failed", "wave_id", wave.Wave.ID, "error", err)
			}
			if closable, err := sched.IsClosable(ctx, wave.Wave.ID); err == nil && closable {
				if err := sched.Close(ctx, wave.Wave.ID, false); err != nil {
					slog.Warn("closing wave failed", "wave_id", wave.Wave.ID, "error", err)
				}
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// resolveVerifyingRuns runs the Gate against every run in waveID still
// awaiting a verdict and applies the result to its task: completed on
// success, or retry-vs-block on failure, mirroring the Orphan Cleaner's
// SweepCrashedRuns decision (retry while attempts remain, else block).
func (c *ServeCmd) resolveVerifyingRuns(ctx context.Context, cfg *config.Config, gate *verification.Gate, st *store.Store, bus *eventbus.Bus, waveID string) error {
	runs, err := st.ListRunsByWave(ctx, waveID)
	if err != nil {
		return err
	}

	for _, run := range runs {
		if run.Status != store.RunVerifying {
			continue
		}

		tk, err := st.GetTask(ctx, run.TaskID)
		if err != nil {
			slog.Warn("could not load task for verifying run", "run_id", run.ID, "task_id", run.TaskID, "error", err)
			continue
		}

		if err := tk.Transition(task.StateValidating); err != nil {
			slog.Warn("could not transition task to validating", "task_id", tk.ID, "error", err)
			continue
		}
		if err := st.SaveTask(ctx, tk); err != nil {
			return err
		}

		result, err := gate.Verify(ctx, run, tk, cfg.Monitor.BaseBranch)
		if err != nil {
			slog.Error("verification gate failed to run", "run_id", run.ID, "task_id", tk.ID, "error", err)
			run.Status = store.RunCrashed
			run.ExitReason = err.Error()
			_ = st.SaveRun(ctx, run)
			continue
		}

		if result.Succeeded {
			run.Status = store.RunCompleted
			if err := tk.Transition(task.StateCompleted); err != nil {
				slog.Warn("could not transition task to completed", "task_id", tk.ID, "error", err)
			}
		} else {
			run.Status = store.RunFailed
			run.ExitReason = result.Reason
			if err := tk.Transition(task.StateFailed); err != nil {
				slog.Warn("could not transition task to failed", "task_id", tk.ID, "error", err)
			} else if tk.Attempts() < cfg.Retry.MaxAttemptsPerTask {
				if err := tk.Transition(task.StatePending); err != nil {
					slog.Warn("could not requeue task", "task_id", tk.ID, "error", err)
				}
			} else {
				if err := tk.Transition(task.StateBlocked); err != nil {
					slog.Warn("could not block exhausted task", "task_id", tk.ID, "error", err)
				}
				if _, pubErr := bus.Publish(ctx, run.ID, eventbus.TypeDecisionNeeded,
					map[string]any{"task_id": tk.ID, "reason": "retry attempts exhausted"}, 5, ""); pubErr != nil {
					slog.Warn("failed to publish decision_needed", "task_id", tk.ID, "error", pubErr)
				}
			}
		}

		if err := st.SaveTask(ctx, tk); err != nil {
			return err
		}
		if err := st.SaveRun(ctx, run); err != nil {
			return err
		}
	}
	return nil
}
