package store

import (
	"context"
	"time"

	cerrors "github.com/arcflow-run/conductor/internal/errors"
)

// Decision is a structured decision request the PM Coordinator could
// not auto-resolve: a set of options with a default, tracked from
// publication through to either a human choice or a timeout.
type Decision struct {
	ID            string
	Kind          string
	Subject       string
	Options       []string
	DefaultChoice string
	PausedRunID   string
	TimeoutAt     time.Time
	Resolved      bool
	Choice        string
	ResolvedBy    string
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

// SaveDecision upserts a decision record.
func (s *Store) SaveDecision(ctx context.Context, d Decision) error {
	opts, err := marshalJSON(d.Options)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
INSERT INTO decisions (id, kind, subject, options, default_choice, paused_run_id, timeout_at,
    resolved, choice, resolved_by, created_at, resolved_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET resolved = excluded.resolved, choice = excluded.choice,
    resolved_by = excluded.resolved_by, resolved_at = excluded.resolved_at
`), d.ID, d.Kind, d.Subject, opts, d.DefaultChoice, d.PausedRunID, d.TimeoutAt,
		d.Resolved, d.Choice, d.ResolvedBy, d.CreatedAt, d.ResolvedAt)
	if err != nil {
		return cerrors.Wrap(cerrors.KindTransient, "save decision failed", err)
	}
	return nil
}

func scanDecision(row interface{ Scan(dest ...any) error }) (Decision, error) {
	var d Decision
	var opts string
	err := row.Scan(&d.ID, &d.Kind, &d.Subject, &opts, &d.DefaultChoice, &d.PausedRunID, &d.TimeoutAt,
		&d.Resolved, &d.Choice, &d.ResolvedBy, &d.CreatedAt, &d.ResolvedAt)
	if err != nil {
		return d, err
	}
	if err := unmarshalJSON(opts, &d.Options); err != nil {
		return d, err
	}
	return d, nil
}

const decisionColumns = `id, kind, subject, options, default_choice, paused_run_id, timeout_at, resolved, choice, resolved_by, created_at, resolved_at`

// GetDecision loads one decision by ID.
func (s *Store) GetDecision(ctx context.Context, id string) (Decision, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+decisionColumns+` FROM decisions WHERE id = ?`), id)
	d, err := scanDecision(row)
	if err != nil {
		return Decision{}, scanErr(err)
	}
	return d, nil
}

// ListPendingDecisions returns every unresolved decision, used by the
// PM Coordinator's expiry sweep.
func (s *Store) ListPendingDecisions(ctx context.Context) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+decisionColumns+` FROM decisions WHERE resolved = ?`), false)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "list pending decisions failed", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, cerrors.Wrap(cerrors.KindTransient, "scan decision failed", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
