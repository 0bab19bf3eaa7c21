package store

import (
	"context"
	"time"

	cerrors "github.com/arcflow-run/conductor/internal/errors"
)

// AcceptanceCriterionResult records one pass/fail check of a single
// acceptance criterion statement at a given test level.
type AcceptanceCriterionResult struct {
	ID        string
	TaskID    string
	RunID     string
	Statement string
	Level     int
	Passed    bool
	Output    string
	CheckedAt time.Time
}

// SaveAcceptanceCriterionResult records one Verification Gate check.
func (s *Store) SaveAcceptanceCriterionResult(ctx context.Context, r AcceptanceCriterionResult) error {
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO acceptance_criterion_results (id, task_id, run_id, statement, level, passed, output, checked_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`), r.ID, r.TaskID, r.RunID, r.Statement, r.Level, r.Passed, r.Output, r.CheckedAt)
	if err != nil {
		return cerrors.Wrap(cerrors.KindTransient, "save acceptance criterion result failed", err)
	}
	return nil
}

// ListAcceptanceCriterionResults returns every recorded check for a
// task, most recent first.
func (s *Store) ListAcceptanceCriterionResults(ctx context.Context, taskID string) ([]AcceptanceCriterionResult, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT id, task_id, run_id, statement, level, passed, output, checked_at
FROM acceptance_criterion_results WHERE task_id = ? ORDER BY checked_at DESC
`), taskID)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "list acceptance criterion results failed", err)
	}
	defer rows.Close()

	var out []AcceptanceCriterionResult
	for rows.Next() {
		var r AcceptanceCriterionResult
		if err := rows.Scan(&r.ID, &r.TaskID, &r.RunID, &r.Statement, &r.Level, &r.Passed, &r.Output, &r.CheckedAt); err != nil {
			return nil, cerrors.Wrap(cerrors.KindTransient, "scan acceptance criterion result failed", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Transcript is one turn of a run's recorded conversation with its
// model.
type Transcript struct {
	ID        string
	RunID     string
	Seq       int
	Role      string
	Content   string
	CreatedAt time.Time
}

// AppendTranscript writes one transcript turn, serialized per run so
// Seq stays monotone even under concurrent writers within a run.
func (s *Store) AppendTranscript(ctx context.Context, t Transcript) error {
	return s.withPartitionLock("transcript:"+t.RunID, func() error {
		_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO transcripts (id, run_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)
`), t.ID, t.RunID, t.Seq, t.Role, t.Content, t.CreatedAt)
		if err != nil {
			return cerrors.Wrap(cerrors.KindTransient, "append transcript failed", err)
		}
		return nil
	})
}

// ListTranscript returns a run's transcript in sequence order.
func (s *Store) ListTranscript(ctx context.Context, runID string) ([]Transcript, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT id, run_id, seq, role, content, created_at FROM transcripts WHERE run_id = ? ORDER BY seq ASC
`), runID)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "list transcript failed", err)
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var t Transcript
		if err := rows.Scan(&t.ID, &t.RunID, &t.Seq, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, cerrors.Wrap(cerrors.KindTransient, "scan transcript failed", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ToolUse is one tool invocation an agent made during a run.
type ToolUse struct {
	ID        string
	RunID     string
	Seq       int
	ToolName  string
	Input     string
	Output    string
	Error     string
	StartedAt time.Time
	EndedAt   *time.Time
}

// AppendToolUse records one tool invocation, serialized per run.
func (s *Store) AppendToolUse(ctx context.Context, tu ToolUse) error {
	return s.withPartitionLock("tooluse:"+tu.RunID, func() error {
		_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO tool_uses (id, run_id, seq, tool_name, input, output, error, started_at, ended_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`), tu.ID, tu.RunID, tu.Seq, tu.ToolName, tu.Input, tu.Output, tu.Error, tu.StartedAt, tu.EndedAt)
		if err != nil {
			return cerrors.Wrap(cerrors.KindTransient, "append tool use failed", err)
		}
		return nil
	})
}

// ListToolUses returns a run's tool-use trace in sequence order.
func (s *Store) ListToolUses(ctx context.Context, runID string) ([]ToolUse, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT id, run_id, seq, tool_name, input, output, error, started_at, ended_at
FROM tool_uses WHERE run_id = ? ORDER BY seq ASC
`), runID)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "list tool uses failed", err)
	}
	defer rows.Close()

	var out []ToolUse
	for rows.Next() {
		var tu ToolUse
		if err := rows.Scan(&tu.ID, &tu.RunID, &tu.Seq, &tu.ToolName, &tu.Input, &tu.Output, &tu.Error, &tu.StartedAt, &tu.EndedAt); err != nil {
			return nil, cerrors.Wrap(cerrors.KindTransient, "scan tool use failed", err)
		}
		out = append(out, tu)
	}
	return out, rows.Err()
}

// Assertion is a claim an agent made about its own work, recorded for
// later cross-checking against verification results.
type Assertion struct {
	ID         string
	RunID      string
	TaskID     string
	Statement  string
	Confidence float64
	CreatedAt  time.Time
}

// SaveAssertion records an agent's self-reported assertion.
func (s *Store) SaveAssertion(ctx context.Context, a Assertion) error {
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO assertions (id, run_id, task_id, statement, confidence, created_at) VALUES (?, ?, ?, ?, ?, ?)
`), a.ID, a.RunID, a.TaskID, a.Statement, a.Confidence, a.CreatedAt)
	if err != nil {
		return cerrors.Wrap(cerrors.KindTransient, "save assertion failed", err)
	}
	return nil
}

// ListAssertions returns every assertion recorded for a task.
func (s *Store) ListAssertions(ctx context.Context, taskID string) ([]Assertion, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT id, run_id, task_id, statement, confidence, created_at FROM assertions WHERE task_id = ? ORDER BY created_at ASC
`), taskID)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "list assertions failed", err)
	}
	defer rows.Close()

	var out []Assertion
	for rows.Next() {
		var a Assertion
		if err := rows.Scan(&a.ID, &a.RunID, &a.TaskID, &a.Statement, &a.Confidence, &a.CreatedAt); err != nil {
			return nil, cerrors.Wrap(cerrors.KindTransient, "scan assertion failed", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SkillTrace records one reusable-skill invocation during a run (e.g. a
// named debugging or refactor playbook the agent followed).
type SkillTrace struct {
	ID        string
	RunID     string
	SkillName string
	Input     string
	Output    string
	StartedAt time.Time
	EndedAt   *time.Time
}

// SaveSkillTrace records one skill invocation.
func (s *Store) SaveSkillTrace(ctx context.Context, t SkillTrace) error {
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO skill_traces (id, run_id, skill_name, input, output, started_at, ended_at) VALUES (?, ?, ?, ?, ?, ?, ?)
`), t.ID, t.RunID, t.SkillName, t.Input, t.Output, t.StartedAt, t.EndedAt)
	if err != nil {
		return cerrors.Wrap(cerrors.KindTransient, "save skill trace failed", err)
	}
	return nil
}

// ListSkillTraces returns every skill invocation for a run.
func (s *Store) ListSkillTraces(ctx context.Context, runID string) ([]SkillTrace, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT id, run_id, skill_name, input, output, started_at, ended_at FROM skill_traces WHERE run_id = ? ORDER BY started_at ASC
`), runID)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "list skill traces failed", err)
	}
	defer rows.Close()

	var out []SkillTrace
	for rows.Next() {
		var t SkillTrace
		if err := rows.Scan(&t.ID, &t.RunID, &t.SkillName, &t.Input, &t.Output, &t.StartedAt, &t.EndedAt); err != nil {
			return nil, cerrors.Wrap(cerrors.KindTransient, "scan skill trace failed", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
