package store

import (
	"context"
	"database/sql"
	"time"

	cerrors "github.com/arcflow-run/conductor/internal/errors"
)

// RunStatus is the closed enumeration of execution-run lifecycle states.
type RunStatus string

const (
	RunStarting RunStatus = "starting"
	RunActive   RunStatus = "active"
	RunVerifying RunStatus = "verifying"
	RunCompleted RunStatus = "completed"
	RunFailed   RunStatus = "failed"
	RunCrashed  RunStatus = "crashed"
	RunCancelled RunStatus = "cancelled"
)

// RunHealth is the Lifecycle Manager's heartbeat-derived classification.
type RunHealth string

const (
	HealthHealthy RunHealth = "healthy"
	HealthStale   RunHealth = "stale"
	HealthStuck   RunHealth = "stuck"
	HealthCrashed RunHealth = "crashed"
)

// ExecutionRun is one agent's attempt at a task.
type ExecutionRun struct {
	ID              string
	TaskID          string
	WaveID          string
	BranchName      string
	Status          RunStatus
	Health          RunHealth
	TokensUsed      int
	StartedAt       time.Time
	LastHeartbeatAt *time.Time
	EndedAt         *time.Time
	ExitReason      string
}

// SaveRun upserts an execution run.
func (s *Store) SaveRun(ctx context.Context, r ExecutionRun) error {
	return s.withPartitionLock("run:"+r.ID, func() error {
		_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO execution_runs (id, task_id, wave_id, branch_name, status, health, tokens_used,
    started_at, last_heartbeat_at, ended_at, exit_reason)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET wave_id = excluded.wave_id, branch_name = excluded.branch_name,
    status = excluded.status, health = excluded.health, tokens_used = excluded.tokens_used,
    last_heartbeat_at = excluded.last_heartbeat_at, ended_at = excluded.ended_at,
    exit_reason = excluded.exit_reason
`), r.ID, r.TaskID, r.WaveID, r.BranchName, r.Status, r.Health, r.TokensUsed, r.StartedAt,
			r.LastHeartbeatAt, r.EndedAt, r.ExitReason)
		if err != nil {
			return cerrors.Wrap(cerrors.KindTransient, "save execution run failed", err)
		}
		return nil
	})
}

const runColumns = `id, task_id, wave_id, branch_name, status, health, tokens_used, started_at, last_heartbeat_at, ended_at, exit_reason`

func scanRun(row interface{ Scan(dest ...any) error }) (ExecutionRun, error) {
	var r ExecutionRun
	err := row.Scan(&r.ID, &r.TaskID, &r.WaveID, &r.BranchName, &r.Status, &r.Health, &r.TokensUsed,
		&r.StartedAt, &r.LastHeartbeatAt, &r.EndedAt, &r.ExitReason)
	if err != nil {
		return r, err
	}
	return r, nil
}

// GetRun loads one execution run.
func (s *Store) GetRun(ctx context.Context, id string) (ExecutionRun, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+runColumns+` FROM execution_runs WHERE id = ?`), id)
	r, err := scanRun(row)
	if err != nil {
		return ExecutionRun{}, scanErr(err)
	}
	return r, nil
}

// ListActiveRuns returns every run not in a terminal status, used by the
// scheduler and the Monitor.
func (s *Store) ListActiveRuns(ctx context.Context) ([]ExecutionRun, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT `+runColumns+` FROM execution_runs WHERE status IN (?, ?, ?)
`), RunStarting, RunActive, RunVerifying)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "list active runs failed", err)
	}
	defer rows.Close()

	var out []ExecutionRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, cerrors.Wrap(cerrors.KindTransient, "scan execution run failed", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRunsByTask returns every run spawned for a task, most recent
// first, for the human timeline view.
func (s *Store) ListRunsByTask(ctx context.Context, taskID string) ([]ExecutionRun, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT `+runColumns+` FROM execution_runs WHERE task_id = ? ORDER BY started_at DESC
`), taskID)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "list runs by task failed", err)
	}
	defer rows.Close()

	var out []ExecutionRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, cerrors.Wrap(cerrors.KindTransient, "scan execution run failed", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRunsByStatus returns every run currently in status, used by the
// Orphan Cleaner's crashed-run sweep.
func (s *Store) ListRunsByStatus(ctx context.Context, status RunStatus) ([]ExecutionRun, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT `+runColumns+` FROM execution_runs WHERE status = ?
`), status)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "list runs by status failed", err)
	}
	defer rows.Close()

	var out []ExecutionRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, cerrors.Wrap(cerrors.KindTransient, "scan execution run failed", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRunsByWave returns every run launched as part of a wave, used by
// the scheduler to decide whether a wave has closed.
func (s *Store) ListRunsByWave(ctx context.Context, waveID string) ([]ExecutionRun, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT `+runColumns+` FROM execution_runs WHERE wave_id = ?
`), waveID)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "list runs by wave failed", err)
	}
	defer rows.Close()

	var out []ExecutionRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, cerrors.Wrap(cerrors.KindTransient, "scan execution run failed", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// WaveStatus is the closed enumeration of wave lifecycle states.
type WaveStatus string

const (
	WaveOpen   WaveStatus = "open"
	WaveClosed WaveStatus = "closed"
)

// Wave is one scheduling round's admitted task set.
type Wave struct {
	ID         string
	Sequence   int
	Status     WaveStatus
	Truncated  bool
	CreatedAt  time.Time
	ClosedAt   *time.Time
}

// SaveWave upserts a wave.
func (s *Store) SaveWave(ctx context.Context, w Wave) error {
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO waves (id, sequence, status, truncated, created_at, closed_at) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET status = excluded.status, truncated = excluded.truncated, closed_at = excluded.closed_at
`), w.ID, w.Sequence, w.Status, w.Truncated, w.CreatedAt, w.ClosedAt)
	if err != nil {
		return cerrors.Wrap(cerrors.KindTransient, "save wave failed", err)
	}
	return nil
}

// GetWave loads one wave by ID.
func (s *Store) GetWave(ctx context.Context, id string) (Wave, error) {
	var w Wave
	row := s.db.QueryRowContext(ctx, s.q(`SELECT id, sequence, status, truncated, created_at, closed_at FROM waves WHERE id = ?`), id)
	if err := row.Scan(&w.ID, &w.Sequence, &w.Status, &w.Truncated, &w.CreatedAt, &w.ClosedAt); err != nil {
		return Wave{}, scanErr(err)
	}
	return w, nil
}

// LatestWaveSequence returns the highest sequence number recorded, 0 if
// none, used by the scheduler to number the next wave.
func (s *Store) LatestWaveSequence(ctx context.Context) (int, error) {
	var seq sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM waves`)
	if err := row.Scan(&seq); err != nil {
		return 0, cerrors.Wrap(cerrors.KindTransient, "read latest wave sequence failed", err)
	}
	return int(seq.Int64), nil
}

// Checkpoint is a named VCS-backed snapshot of a run's workspace.
type Checkpoint struct {
	ID        string
	RunID     string
	TaskID    string
	Ref       string
	Label     string
	CreatedAt time.Time
}

// SaveCheckpoint records a checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, c Checkpoint) error {
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO checkpoints (id, run_id, task_id, ref, label, created_at) VALUES (?, ?, ?, ?, ?, ?)
`), c.ID, c.RunID, c.TaskID, c.Ref, c.Label, c.CreatedAt)
	if err != nil {
		return cerrors.Wrap(cerrors.KindTransient, "save checkpoint failed", err)
	}
	return nil
}

// ListCheckpointsByRun returns every checkpoint for a run, oldest first.
func (s *Store) ListCheckpointsByRun(ctx context.Context, runID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT id, run_id, task_id, ref, label, created_at FROM checkpoints WHERE run_id = ? ORDER BY created_at ASC
`), runID)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "list checkpoints failed", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var c Checkpoint
		if err := rows.Scan(&c.ID, &c.RunID, &c.TaskID, &c.Ref, &c.Label, &c.CreatedAt); err != nil {
			return nil, cerrors.Wrap(cerrors.KindTransient, "scan checkpoint failed", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListCheckpointsOlderThan returns every checkpoint past cutoff, across
// all runs, so the Orphan Cleaner can delete their git tags before
// purging the records.
func (s *Store) ListCheckpointsOlderThan(ctx context.Context, cutoff time.Time) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT id, run_id, task_id, ref, label, created_at FROM checkpoints WHERE created_at < ?
`), cutoff)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "list old checkpoints failed", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var c Checkpoint
		if err := rows.Scan(&c.ID, &c.RunID, &c.TaskID, &c.Ref, &c.Label, &c.CreatedAt); err != nil {
			return nil, cerrors.Wrap(cerrors.KindTransient, "scan checkpoint failed", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCheckpointsOlderThan removes every checkpoint created before
// cutoff, across all runs, whatever their status.
func (s *Store) DeleteCheckpointsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM checkpoints WHERE created_at < ?`), cutoff)
	if err != nil {
		return 0, cerrors.Wrap(cerrors.KindTransient, "delete old checkpoints failed", err)
	}
	return res.RowsAffected()
}
