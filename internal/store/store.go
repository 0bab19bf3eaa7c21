// Package store is Conductor's persistence layer: a transactional,
// forward-only-migrated schema over database/sql covering every entity
// in the task graph, execution history, coordination log, knowledge
// base, and observability trail. One Store wraps one DBPool connection
// and serializes writes per logical partition (task, run, or resource
// path) so that concurrent agents never corrupt shared rows.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arcflow-run/conductor/internal/config"
	cerrors "github.com/arcflow-run/conductor/internal/errors"
	"github.com/arcflow-run/conductor/internal/registry"
)

// Store is the single persistence handle every coordination component
// is built on.
type Store struct {
	db      *sql.DB
	dialect string

	reg *registry.Registry

	// partitionLocks serializes writes per logical partition key (a task
	// ID, run ID, or lock path) so two goroutines mutating the same row
	// never interleave, matching the invariant that task state
	// transitions are serialized per task.
	partitionLocks sync.Map // map[string]*sync.Mutex
}

var migrations = []string{
	schemaV1,
	schemaV2,
	schemaV3,
}

// Open creates (or reuses) a DBPool connection for cfg, runs any
// outstanding migrations, and seeds the Resource Registry's migration
// allocator from the highest applied version.
func Open(ctx context.Context, pool *config.DBPool, cfg config.DatabaseConfig, reg *registry.Registry) (*Store, error) {
	db, err := pool.Get(cfg)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindIntegrity, "open database", err)
	}

	s := &Store{db: db, dialect: cfg.DriverName(), reg: reg}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMP NOT NULL
);
`)
	if err != nil {
		return cerrors.Wrap(cerrors.KindIntegrity, "create schema_migrations table", err)
	}

	var applied int
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&applied); err != nil {
		return cerrors.Wrap(cerrors.KindIntegrity, "read schema version", err)
	}
	if s.reg != nil {
		s.reg.SeedMigrationSequence(applied)
	}

	for i := applied; i < len(migrations); i++ {
		version := i + 1
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return cerrors.Wrap(cerrors.KindIntegrity, "begin migration tx", err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return cerrors.Wrap(cerrors.KindIntegrity, fmt.Sprintf("apply migration %d", version), err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`), version, time.Now().UTC()); err != nil {
			tx.Rollback()
			return cerrors.Wrap(cerrors.KindIntegrity, "record migration version", err)
		}
		if err := tx.Commit(); err != nil {
			return cerrors.Wrap(cerrors.KindIntegrity, "commit migration tx", err)
		}
	}
	return nil
}

// q rewrites '?' placeholders into '$1'-style ones for postgres; sqlite
// and mysql both accept '?' as written, following the dialect branching
// the task service shows at each call site. Centralizing it here avoids
// hand-duplicating every query string per dialect.
func (s *Store) q(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// withPartitionLock serializes fn against any other caller using the
// same key, implementing the per-task / per-run / per-path write
// serialization invariant without taking a database-level lock.
func (s *Store) withPartitionLock(key string, fn func() error) error {
	v, _ := s.partitionLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// Close does not close the underlying database handle: Store does not
// own the DBPool, so Close is a no-op left for symmetry; callers close
// the pool itself on shutdown.
func (s *Store) Close() error { return nil }

// Healthy is an integrity probe: it
// confirms the schema_migrations table is reachable and at the expected
// version. A failure here is KindIntegrity and should halt new wave
// emission per the error taxonomy's policy.
func (s *Store) Healthy(ctx context.Context) error {
	var version int
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&version); err != nil {
		return cerrors.Wrap(cerrors.KindIntegrity, "store health check failed", err).
			WithSuggestedAction("inspect the database file/connection and restore from the last known-good checkpoint")
	}
	if version != len(migrations) {
		return cerrors.New(cerrors.KindIntegrity, "schema version mismatch").
			WithEvidence(fmt.Sprintf("applied=%d expected=%d", version, len(migrations))).
			WithSuggestedAction("run the migrate command before accepting new waves")
	}
	return nil
}

func scanErr(err error) error {
	if err == sql.ErrNoRows {
		return cerrors.ErrNotFound
	}
	return cerrors.Wrap(cerrors.KindTransient, "store operation failed", err)
}
