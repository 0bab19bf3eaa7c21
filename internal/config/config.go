// Package config defines Conductor's configuration surface and loads it
// through koanf from file, Consul, etcd, or Zookeeper backends, with
// environment-variable expansion and strict structural validation.
package config

import (
	"fmt"
	"time"
)

// DatabaseConfig selects and parametrizes the persistence backend.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // sqlite3 | postgres | mysql
	DSN_     string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
	MaxIdle  int    `yaml:"max_idle"`
}

// DriverName maps the configured driver to its database/sql driver name.
func (d DatabaseConfig) DriverName() string {
	switch d.Driver {
	case "postgres", "postgresql":
		return "postgres"
	case "mysql":
		return "mysql"
	default:
		return "sqlite3"
	}
}

// DSN returns the connection string to pass to sql.Open.
func (d DatabaseConfig) DSN() string {
	if d.DSN_ != "" {
		return d.DSN_
	}
	return "conductor.db"
}

// SchedulerConfig holds the Wave Scheduler's tunables from spec §6.
type SchedulerConfig struct {
	ConcurrencyCap int `yaml:"concurrency_cap"`
}

// HeartbeatConfig holds the Lifecycle Manager's health-classification
// tunables from spec §6.
type HeartbeatConfig struct {
	IntervalS         int     `yaml:"heartbeat_interval_s"`
	StuckMultiplier   float64 `yaml:"heartbeat_stuck_multiplier"`
	CrashedMultiplier float64 `yaml:"heartbeat_crashed_multiplier"`
}

// LifecycleConfig holds the Agent Lifecycle Manager's worker-spawning
// and cancellation tunables.
type LifecycleConfig struct {
	WorkerCommand []string `yaml:"worker_command"`
	MaxConcurrent int      `yaml:"max_concurrent_workers"`
}

// RetryConfig holds the retry-vs-block policy tunables from spec §6.
type RetryConfig struct {
	MaxAttemptsPerTask int `yaml:"max_attempts_per_task"`
	BackoffBaseS       int `yaml:"retry_backoff_base_s"`
	BackoffMaxS        int `yaml:"retry_backoff_max_s"`
}

// CoordinationConfig holds the lock/wave/pause grace-period tunables.
type CoordinationConfig struct {
	LockTTLS   int `yaml:"lock_ttl_s"`
	WaveGraceS int `yaml:"wave_grace_s"`
	PauseGraceS int `yaml:"pause_grace_s"`
}

// BudgetConfig holds the per-task and per-run budget thresholds.
type BudgetConfig struct {
	TokensWarningPct  float64 `yaml:"budget_tokens_warning_pct"`
	TokensHardPct     float64 `yaml:"budget_tokens_hard_pct"`
	WallclockPerTaskS int     `yaml:"budget_wallclock_per_task_s"`
	MaxTokensPerRun   int     `yaml:"budget_max_tokens_per_run"`
}

// ApprovalConfig holds the human-in-the-loop gating policy.
type ApprovalConfig struct {
	RequireHumanApproval bool `yaml:"require_human_approval"`
	AutoExecuteLowRisk   bool `yaml:"auto_execute_low_risk"`
}

// MonitorConfig holds the Monitor's polling tunables.
type MonitorConfig struct {
	PollIntervalS             int     `yaml:"monitor_poll_interval_s"`
	RegressionProbeIntervalS  int     `yaml:"regression_probe_interval_s"`
	DigressionFileMultiplier  float64 `yaml:"digression_file_multiplier"`
	DigressionRepeatThreshold int     `yaml:"digression_repeat_threshold"`
	BaseBranch                string  `yaml:"base_branch"`
}

// DeadlockConfig holds the Deadlock Detector's polling tunable.
type DeadlockConfig struct {
	DetectionIntervalS int `yaml:"deadlock_detection_interval_s"`
}

// KnowledgeConfig holds the Knowledge Base's relevance tunables.
type KnowledgeConfig struct {
	SimilarityThreshold float64 `yaml:"knowledge_similarity_threshold"`
	MaxItemsPerPrompt   int     `yaml:"knowledge_max_items_per_prompt"`
}

// LLMConfig selects and parametrizes the external model provider.
type LLMConfig struct {
	Provider       string `yaml:"provider"` // anthropic
	Model          string `yaml:"model"`
	MaxOutputTokens int   `yaml:"max_output_tokens"`
	APIKeyEnv      string `yaml:"api_key_env"`
	Seed           *int64 `yaml:"seed"`
}

// AuthConfig configures JWT validation for the Human Interface's HTTP
// surface.
type AuthConfig struct {
	Enabled  bool   `yaml:"enabled"`
	JWKSURL  string `yaml:"jwks_url"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// HumanConfig configures the Human Interface's HTTP listen address.
type HumanConfig struct {
	Addr             string `yaml:"addr"`
	DecisionTimeoutS int    `yaml:"decision_timeout_s"`
}

// ObservabilityConfig configures the OTel/Prometheus manager.
type ObservabilityConfig struct {
	ServiceName    string `yaml:"service_name"`
	MetricsAddr    string `yaml:"metrics_addr"`
	TracesExporter string `yaml:"traces_exporter"` // stdout | otlp | none
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
}

// Config is Conductor's complete, validated configuration tree.
type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Lifecycle     LifecycleConfig     `yaml:"lifecycle"`
	Heartbeat     HeartbeatConfig     `yaml:"heartbeat"`
	Retry         RetryConfig         `yaml:"retry"`
	Coordination  CoordinationConfig  `yaml:"coordination"`
	Budget        BudgetConfig        `yaml:"budget"`
	Approval      ApprovalConfig      `yaml:"approval"`
	Monitor       MonitorConfig       `yaml:"monitor"`
	Deadlock      DeadlockConfig      `yaml:"deadlock"`
	Knowledge     KnowledgeConfig     `yaml:"knowledge"`
	LLM           LLMConfig           `yaml:"llm"`
	Auth          AuthConfig          `yaml:"auth"`
	Human         HumanConfig         `yaml:"human"`
	Observability ObservabilityConfig `yaml:"observability"`
	WorkspaceRoot string              `yaml:"workspace_root"`
}

// Default returns the configuration defaults spec §6 specifies for every
// tunable, overridable by whatever the loader merges on top.
func Default() *Config {
	return &Config{
		Database:  DatabaseConfig{Driver: "sqlite3", DSN_: "conductor.db"},
		Scheduler: SchedulerConfig{ConcurrencyCap: 4},
		Lifecycle: LifecycleConfig{WorkerCommand: []string{"conductor", "worker"}, MaxConcurrent: 4},
		Heartbeat: HeartbeatConfig{IntervalS: 30, StuckMultiplier: 3, CrashedMultiplier: 6},
		Retry:     RetryConfig{MaxAttemptsPerTask: 3, BackoffBaseS: 10, BackoffMaxS: 300},
		Coordination: CoordinationConfig{LockTTLS: 600, WaveGraceS: 60, PauseGraceS: 120},
		Budget: BudgetConfig{TokensWarningPct: 0.8, TokensHardPct: 1.0, WallclockPerTaskS: 3600, MaxTokensPerRun: 200000},
		Approval: ApprovalConfig{RequireHumanApproval: true, AutoExecuteLowRisk: false},
		Monitor: MonitorConfig{
			PollIntervalS: 20, RegressionProbeIntervalS: 900,
			DigressionFileMultiplier: 3, DigressionRepeatThreshold: 3, BaseBranch: "main",
		},
		Deadlock: DeadlockConfig{DetectionIntervalS: 15},
		Knowledge: KnowledgeConfig{SimilarityThreshold: 0.85, MaxItemsPerPrompt: 20},
		LLM: LLMConfig{Provider: "anthropic", Model: "claude-sonnet-4-5", MaxOutputTokens: 8192, APIKeyEnv: "ANTHROPIC_API_KEY"},
		Human:         HumanConfig{Addr: ":8088", DecisionTimeoutS: 60},
		Observability: ObservabilityConfig{ServiceName: "conductor", MetricsAddr: ":9090", TracesExporter: "stdout"},
		WorkspaceRoot: ".",
	}
}

// Validate enforces the numeric-range and required-field invariants
// spec §6 states for each tunable. It runs after the strict structural
// check and after env-var/default merging.
func (c *Config) Validate() error {
	if c.Scheduler.ConcurrencyCap < 1 {
		return fmt.Errorf("scheduler.concurrency_cap must be >= 1")
	}
	if c.Heartbeat.IntervalS < 1 {
		return fmt.Errorf("heartbeat.heartbeat_interval_s must be >= 1")
	}
	if c.Heartbeat.StuckMultiplier <= 1 || c.Heartbeat.CrashedMultiplier <= c.Heartbeat.StuckMultiplier {
		return fmt.Errorf("heartbeat multipliers must satisfy 1 < stuck < crashed")
	}
	if len(c.Lifecycle.WorkerCommand) == 0 {
		return fmt.Errorf("lifecycle.worker_command is required")
	}
	if c.Lifecycle.MaxConcurrent < 1 {
		return fmt.Errorf("lifecycle.max_concurrent_workers must be >= 1")
	}
	if c.Retry.MaxAttemptsPerTask < 1 {
		return fmt.Errorf("retry.max_attempts_per_task must be >= 1")
	}
	if c.Retry.BackoffBaseS < 1 || c.Retry.BackoffMaxS < c.Retry.BackoffBaseS {
		return fmt.Errorf("retry backoff bounds must satisfy 1 <= base <= max")
	}
	if c.Coordination.LockTTLS < 1 {
		return fmt.Errorf("coordination.lock_ttl_s must be >= 1")
	}
	if c.Budget.TokensWarningPct <= 0 || c.Budget.TokensWarningPct > c.Budget.TokensHardPct {
		return fmt.Errorf("budget.budget_tokens_warning_pct must satisfy 0 < warning <= hard")
	}
	if c.Budget.WallclockPerTaskS < 1 {
		return fmt.Errorf("budget.budget_wallclock_per_task_s must be >= 1")
	}
	if c.Deadlock.DetectionIntervalS < 1 {
		return fmt.Errorf("deadlock.deadlock_detection_interval_s must be >= 1")
	}
	if c.Monitor.PollIntervalS < 1 {
		return fmt.Errorf("monitor.monitor_poll_interval_s must be >= 1")
	}
	if c.Monitor.DigressionFileMultiplier <= 0 {
		return fmt.Errorf("monitor.digression_file_multiplier must be > 0")
	}
	if c.Knowledge.SimilarityThreshold < 0 || c.Knowledge.SimilarityThreshold > 1 {
		return fmt.Errorf("knowledge.knowledge_similarity_threshold must be within [0,1]")
	}
	if c.Knowledge.MaxItemsPerPrompt < 1 {
		return fmt.Errorf("knowledge.knowledge_max_items_per_prompt must be >= 1")
	}
	if c.LLM.Provider == "" {
		return fmt.Errorf("llm.provider is required")
	}
	if c.Human.Addr == "" {
		return fmt.Errorf("human.addr is required")
	}
	if c.Human.DecisionTimeoutS < 1 {
		return fmt.Errorf("human.decision_timeout_s must be >= 1")
	}
	return nil
}

// HeartbeatTimeout returns the duration after which a run's heartbeat is
// classified stale.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Heartbeat.IntervalS) * time.Second
}

// StuckTimeout returns the duration after which a stale run is
// reclassified stuck.
func (c *Config) StuckTimeout() time.Duration {
	return time.Duration(float64(c.Heartbeat.IntervalS)*c.Heartbeat.StuckMultiplier) * time.Second
}

// CrashedTimeout returns the duration after which a stuck run is
// reclassified crashed.
func (c *Config) CrashedTimeout() time.Duration {
	return time.Duration(float64(c.Heartbeat.IntervalS)*c.Heartbeat.CrashedMultiplier) * time.Second
}
