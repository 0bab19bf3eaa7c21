package store

import (
	"context"
	"encoding/json"
	"fmt"

	cerrors "github.com/arcflow-run/conductor/internal/errors"
	"github.com/arcflow-run/conductor/internal/task"
)

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	return string(b), nil
}

func unmarshalJSON[T any](s string, out *T) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), out)
}

// SaveTask upserts a task's full snapshot in a single partition-locked
// transaction.
func (s *Store) SaveTask(ctx context.Context, t *task.Task) error {
	snap := t.Snapshot()
	return s.withPartitionLock("task:"+snap.ID, func() error {
		ac, err := marshalJSON(snap.AcceptanceCriteria)
		if err != nil {
			return err
		}
		files, err := marshalJSON(snap.AffectedFiles)
		if err != nil {
			return err
		}
		codebase, err := marshalJSON(snap.CodebaseTestCmds)
		if err != nil {
			return err
		}
		api, err := marshalJSON(snap.APITestCmds)
		if err != nil {
			return err
		}
		ui, err := marshalJSON(snap.UITestCmds)
		if err != nil {
			return err
		}

		_, err = s.db.ExecContext(ctx, s.q(`
INSERT INTO tasks (id, version, category, risk_level, title, description, acceptance_criteria,
    affected_files, codebase_test_cmds, api_test_cmds, ui_test_cmds, status, priority_score,
    blocks_count, is_quick_win, deadline, parent_task_id, supersedes_task_id, attempts,
    skip_count, created_at, updated_at, started_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    version = excluded.version, category = excluded.category, risk_level = excluded.risk_level,
    title = excluded.title, description = excluded.description,
    acceptance_criteria = excluded.acceptance_criteria, affected_files = excluded.affected_files,
    codebase_test_cmds = excluded.codebase_test_cmds, api_test_cmds = excluded.api_test_cmds,
    ui_test_cmds = excluded.ui_test_cmds, status = excluded.status,
    priority_score = excluded.priority_score, blocks_count = excluded.blocks_count,
    is_quick_win = excluded.is_quick_win, deadline = excluded.deadline,
    parent_task_id = excluded.parent_task_id, supersedes_task_id = excluded.supersedes_task_id,
    attempts = excluded.attempts, skip_count = excluded.skip_count, updated_at = excluded.updated_at,
    started_at = excluded.started_at, completed_at = excluded.completed_at
`), snap.ID, snap.Version, snap.Category, snap.RiskLevel, snap.Title, snap.Description, ac,
			files, codebase, api, ui, snap.Status, snap.PriorityScore, snap.BlocksCount,
			snap.IsQuickWin, snap.Deadline, snap.ParentTaskID, snap.SupersedesTaskID, snap.Attempts,
			snap.SkipCount, snap.CreatedAt, snap.UpdatedAt, snap.StartedAt, snap.CompletedAt)
		if err != nil {
			return cerrors.Wrap(cerrors.KindTransient, "save task failed", err)
		}
		return nil
	})
}

func (s *Store) scanTask(row interface {
	Scan(dest ...any) error
}) (*task.Task, error) {
	var snap task.Snapshot
	var ac, files, codebase, api, ui string
	err := row.Scan(&snap.ID, &snap.Version, &snap.Category, &snap.RiskLevel, &snap.Title,
		&snap.Description, &ac, &files, &codebase, &api, &ui, &snap.Status, &snap.PriorityScore,
		&snap.BlocksCount, &snap.IsQuickWin, &snap.Deadline, &snap.ParentTaskID, &snap.SupersedesTaskID,
		&snap.Attempts, &snap.SkipCount, &snap.CreatedAt, &snap.UpdatedAt, &snap.StartedAt, &snap.CompletedAt)
	if err != nil {
		return nil, scanErr(err)
	}
	if err := unmarshalJSON(ac, &snap.AcceptanceCriteria); err != nil {
		return nil, cerrors.Wrap(cerrors.KindIntegrity, "decode acceptance_criteria", err)
	}
	if err := unmarshalJSON(files, &snap.AffectedFiles); err != nil {
		return nil, cerrors.Wrap(cerrors.KindIntegrity, "decode affected_files", err)
	}
	if err := unmarshalJSON(codebase, &snap.CodebaseTestCmds); err != nil {
		return nil, cerrors.Wrap(cerrors.KindIntegrity, "decode codebase_test_cmds", err)
	}
	if err := unmarshalJSON(api, &snap.APITestCmds); err != nil {
		return nil, cerrors.Wrap(cerrors.KindIntegrity, "decode api_test_cmds", err)
	}
	if err := unmarshalJSON(ui, &snap.UITestCmds); err != nil {
		return nil, cerrors.Wrap(cerrors.KindIntegrity, "decode ui_test_cmds", err)
	}
	return task.Load(snap), nil
}

const taskColumns = `id, version, category, risk_level, title, description, acceptance_criteria,
    affected_files, codebase_test_cmds, api_test_cmds, ui_test_cmds, status, priority_score,
    blocks_count, is_quick_win, deadline, parent_task_id, supersedes_task_id, attempts,
    skip_count, created_at, updated_at, started_at, completed_at`

// GetTask loads one task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	return s.scanTask(row)
}

// ListTasksByStatus returns every task in the given status, used by the
// scheduler's runnable-set computation.
func (s *Store) ListTasksByStatus(ctx context.Context, status task.State) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE status = ?`), status)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "list tasks by status failed", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListAllTasks returns every task in the store, used by the PM
// Coordinator's dependency-graph walk and the human status view.
func (s *Store) ListAllTasks(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks`)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "list all tasks failed", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveRelationship inserts a typed edge, rejecting one that would close
// a cycle in the depends_on or conflicts_with subgraph — the only two
// relation types the spec requires to stay acyclic.
func (s *Store) SaveRelationship(ctx context.Context, rel task.Relationship) error {
	if err := rel.Validate(); err != nil {
		return err
	}
	if rel.Type == task.RelDependsOn || rel.Type == task.RelConflictsWith {
		cyclic, err := s.wouldCycle(ctx, rel)
		if err != nil {
			return err
		}
		if cyclic {
			return cerrors.New(cerrors.KindIntegrity, "relationship would introduce a cycle").
				WithEvidence(fmt.Sprintf("%s -> %s (%s)", rel.FromTaskID, rel.ToTaskID, rel.Type))
		}
	}

	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO task_relationships (from_task_id, to_task_id, rel_type, strength) VALUES (?, ?, ?, ?)
ON CONFLICT (from_task_id, to_task_id, rel_type) DO UPDATE SET strength = excluded.strength
`), rel.FromTaskID, rel.ToTaskID, rel.Type, rel.Strength)
	if err != nil {
		return cerrors.Wrap(cerrors.KindTransient, "save relationship failed", err)
	}
	return nil
}

// wouldCycle performs a breadth-first walk from rel.ToTaskID looking for
// a path back to rel.FromTaskID through edges of the same type.
func (s *Store) wouldCycle(ctx context.Context, rel task.Relationship) (bool, error) {
	visited := map[string]bool{rel.ToTaskID: true}
	frontier := []string{rel.ToTaskID}

	for len(frontier) > 0 {
		rows, err := s.db.QueryContext(ctx, s.q(`SELECT to_task_id FROM task_relationships WHERE from_task_id = ? AND rel_type = ?`), frontier[0], rel.Type)
		if err != nil {
			return false, cerrors.Wrap(cerrors.KindTransient, "cycle check query failed", err)
		}
		frontier = frontier[1:]

		var next []string
		for rows.Next() {
			var to string
			if err := rows.Scan(&to); err != nil {
				rows.Close()
				return false, cerrors.Wrap(cerrors.KindTransient, "cycle check scan failed", err)
			}
			next = append(next, to)
		}
		rows.Close()

		for _, to := range next {
			if to == rel.FromTaskID {
				return true, nil
			}
			if !visited[to] {
				visited[to] = true
				frontier = append(frontier, to)
			}
		}
	}
	return false, nil
}

// ListRelationships returns every typed edge touching taskID, in either
// direction.
func (s *Store) ListRelationships(ctx context.Context, taskID string) ([]task.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT from_task_id, to_task_id, rel_type, strength FROM task_relationships
WHERE from_task_id = ? OR to_task_id = ?
`), taskID, taskID)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "list relationships failed", err)
	}
	defer rows.Close()

	var out []task.Relationship
	for rows.Next() {
		var r task.Relationship
		if err := rows.Scan(&r.FromTaskID, &r.ToTaskID, &r.Type, &r.Strength); err != nil {
			return nil, cerrors.Wrap(cerrors.KindTransient, "scan relationship failed", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveList upserts a task list and its full membership in one
// transaction.
func (s *Store) SaveList(ctx context.Context, l *task.List) error {
	snap := l.Snapshot()
	return s.withPartitionLock("list:"+snap.ID, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return cerrors.Wrap(cerrors.KindTransient, "begin save list tx", err)
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx, s.q(`
INSERT INTO task_lists (id, name, status, user_approval_required, auto_execute_low_risk, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET name = excluded.name, status = excluded.status,
    user_approval_required = excluded.user_approval_required,
    auto_execute_low_risk = excluded.auto_execute_low_risk, updated_at = excluded.updated_at
`), snap.ID, snap.Name, snap.Status, snap.UserApprovalRequired, snap.AutoExecuteLowRisk, snap.CreatedAt, snap.UpdatedAt)
		if err != nil {
			return cerrors.Wrap(cerrors.KindTransient, "save list failed", err)
		}

		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM task_list_items WHERE list_id = ?`), snap.ID); err != nil {
			return cerrors.Wrap(cerrors.KindTransient, "clear list items failed", err)
		}
		for _, item := range snap.Items {
			if _, err := tx.ExecContext(ctx, s.q(`
INSERT INTO task_list_items (list_id, task_id, position, status) VALUES (?, ?, ?, ?)
`), snap.ID, item.TaskID, item.Position, item.Status); err != nil {
				return cerrors.Wrap(cerrors.KindTransient, "save list item failed", err)
			}
		}
		return tx.Commit()
	})
}

// ListAllLists returns every task list's ID, used by the Monitor's
// per-list progress poll.
func (s *Store) ListAllLists(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM task_lists`)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "list all lists failed", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, cerrors.Wrap(cerrors.KindTransient, "scan list id failed", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetList loads a task list and its membership.
func (s *Store) GetList(ctx context.Context, id string) (*task.List, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
SELECT id, name, status, user_approval_required, auto_execute_low_risk, created_at, updated_at
FROM task_lists WHERE id = ?
`), id)

	var snap task.ListSnapshot
	if err := row.Scan(&snap.ID, &snap.Name, &snap.Status, &snap.UserApprovalRequired,
		&snap.AutoExecuteLowRisk, &snap.CreatedAt, &snap.UpdatedAt); err != nil {
		return nil, scanErr(err)
	}

	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT task_id, position, status FROM task_list_items WHERE list_id = ? ORDER BY position
`), id)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "load list items failed", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item task.ListItem
		if err := rows.Scan(&item.TaskID, &item.Position, &item.Status); err != nil {
			return nil, cerrors.Wrap(cerrors.KindTransient, "scan list item failed", err)
		}
		snap.Items = append(snap.Items, item)
	}
	return task.LoadList(snap), rows.Err()
}
