package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/arcflow-run/conductor/internal/eventbus"
)

// The methods below implement eventbus.Store, so a Store can back the
// coordination Bus directly.

func (s *Store) SaveEvent(ctx context.Context, e eventbus.Event) error {
	payload, err := marshalJSON(e.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
INSERT INTO events (id, ts, source, type, payload, priority, correlation_id, acknowledged, acknowledged_by)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`), e.ID, e.Timestamp, e.Source, e.Type, payload, e.Priority, e.CorrelationID, e.Acknowledged, e.AcknowledgedBy)
	return err
}

func (s *Store) UpdateEvent(ctx context.Context, e eventbus.Event) error {
	_, err := s.db.ExecContext(ctx, s.q(`
UPDATE events SET acknowledged = ?, acknowledged_by = ? WHERE id = ?
`), e.Acknowledged, e.AcknowledgedBy, e.ID)
	return err
}

func (s *Store) scanEvent(row interface{ Scan(dest ...any) error }) (eventbus.Event, error) {
	var e eventbus.Event
	var payload string
	var ts time.Time
	if err := row.Scan(&e.ID, &ts, &e.Source, &e.Type, &payload, &e.Priority, &e.CorrelationID, &e.Acknowledged, &e.AcknowledgedBy); err != nil {
		return e, err
	}
	e.Timestamp = ts
	if err := unmarshalJSON(payload, &e.Payload); err != nil {
		return e, err
	}
	return e, nil
}

func (s *Store) ListEvents(ctx context.Context, since, until time.Time, sources []string, types []eventbus.Type, limit int) ([]eventbus.Event, error) {
	query := `SELECT id, ts, source, type, payload, priority, correlation_id, acknowledged, acknowledged_by FROM events WHERE 1=1`
	var args []any

	if !since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, since)
	}
	if !until.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, until)
	}
	if len(sources) > 0 {
		placeholders := make([]string, len(sources))
		for i, src := range sources {
			placeholders[i] = "?"
			args = append(args, src)
		}
		query += ` AND source IN (` + strings.Join(placeholders, ",") + `)`
	}
	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += ` AND type IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY ts ASC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []eventbus.Event
	for rows.Next() {
		e, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) GetEvent(ctx context.Context, id string) (eventbus.Event, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
SELECT id, ts, source, type, payload, priority, correlation_id, acknowledged, acknowledged_by
FROM events WHERE id = ?
`), id)
	e, err := s.scanEvent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return eventbus.Event{}, false, nil
		}
		return eventbus.Event{}, false, err
	}
	return e, true, nil
}

func (s *Store) SaveSubscription(ctx context.Context, sub eventbus.Subscription) error {
	types, err := marshalJSON(sub.Types)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
INSERT INTO event_subscriptions (id, subscriber, types, source_filter) VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET subscriber = excluded.subscriber, types = excluded.types, source_filter = excluded.source_filter
`), sub.ID, sub.Subscriber, types, sub.SourceFilter)
	return err
}

func (s *Store) ListSubscriptions(ctx context.Context) ([]eventbus.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, subscriber, types, source_filter FROM event_subscriptions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []eventbus.Subscription
	for rows.Next() {
		var sub eventbus.Subscription
		var types string
		if err := rows.Scan(&sub.ID, &sub.Subscriber, &types, &sub.SourceFilter); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(types, &sub.Types); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) SaveLock(ctx context.Context, l eventbus.Lock) error {
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO locks (resource_path, held_by, acquired_at, expires_at, reason) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (resource_path) DO UPDATE SET held_by = excluded.held_by, acquired_at = excluded.acquired_at,
    expires_at = excluded.expires_at, reason = excluded.reason
`), l.ResourcePath, l.HeldBy, l.AcquiredAt, l.ExpiresAt, l.Reason)
	return err
}

func (s *Store) GetLock(ctx context.Context, path string) (eventbus.Lock, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT resource_path, held_by, acquired_at, expires_at, reason FROM locks WHERE resource_path = ?`), path)
	var l eventbus.Lock
	if err := row.Scan(&l.ResourcePath, &l.HeldBy, &l.AcquiredAt, &l.ExpiresAt, &l.Reason); err != nil {
		if err == sql.ErrNoRows {
			return eventbus.Lock{}, false, nil
		}
		return eventbus.Lock{}, false, err
	}
	return l, true, nil
}

func (s *Store) DeleteLock(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM locks WHERE resource_path = ?`), path)
	return err
}

func (s *Store) ListLocks(ctx context.Context) ([]eventbus.Lock, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT resource_path, held_by, acquired_at, expires_at, reason FROM locks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []eventbus.Lock
	for rows.Next() {
		var l eventbus.Lock
		if err := rows.Scan(&l.ResourcePath, &l.HeldBy, &l.AcquiredAt, &l.ExpiresAt, &l.Reason); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) SaveWaitEdge(ctx context.Context, w eventbus.WaitEdge) error {
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO wait_edges (waiter, holder, resource_path, recorded_at) VALUES (?, ?, ?, ?)
ON CONFLICT (waiter, holder, resource_path) DO UPDATE SET recorded_at = excluded.recorded_at
`), w.Waiter, w.Holder, w.ResourcePath, w.RecordedAt)
	return err
}

func (s *Store) ListWaitEdges(ctx context.Context) ([]eventbus.WaitEdge, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT waiter, holder, resource_path, recorded_at FROM wait_edges`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []eventbus.WaitEdge
	for rows.Next() {
		var w eventbus.WaitEdge
		if err := rows.Scan(&w.Waiter, &w.Holder, &w.ResourcePath, &w.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) ClearWaitEdgesFor(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM wait_edges WHERE waiter = ? OR holder = ?`), runID, runID)
	return err
}
