package config

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// DBPool manages shared *sql.DB connections, one per distinct DSN. For
// SQLite it forces a single connection so that Store's writers never
// collide with "database is locked" errors under WAL.
type DBPool struct {
	mu    sync.Mutex
	pools map[string]*sql.DB
}

// NewDBPool creates an empty pool manager.
func NewDBPool() *DBPool {
	return &DBPool{pools: make(map[string]*sql.DB)}
}

// Get returns the shared connection pool for cfg, creating it on first
// use.
func (p *DBPool) Get(cfg DatabaseConfig) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dsn := cfg.DSN()
	if db, ok := p.pools[dsn]; ok {
		return db, nil
	}

	db, err := p.createPool(cfg)
	if err != nil {
		return nil, err
	}
	p.pools[dsn] = db
	return db, nil
}

func (p *DBPool) createPool(cfg DatabaseConfig) (*sql.DB, error) {
	driverName := cfg.DriverName()
	dsn := cfg.DSN()

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driverName == "sqlite3" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		slog.Debug("sqlite: using single connection mode")
	} else {
		if cfg.MaxConns > 0 {
			db.SetMaxOpenConns(cfg.MaxConns)
		}
		if cfg.MaxIdle > 0 {
			db.SetMaxIdleConns(cfg.MaxIdle)
		}
	}
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if driverName == "sqlite3" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			slog.Warn("failed to enable WAL mode", "error", err)
		} else {
			slog.Debug("enabled WAL mode for sqlite")
		}
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=10000"); err != nil {
			slog.Warn("failed to set busy timeout", "error", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
			slog.Warn("failed to enable foreign keys", "error", err)
		}
	}

	return db, nil
}

// Close closes every pool this manager opened.
func (p *DBPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for dsn, db := range p.pools {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", dsn, err))
		}
	}
	p.pools = make(map[string]*sql.DB)
	if len(errs) > 0 {
		return fmt.Errorf("errors closing pools: %v", errs)
	}
	return nil
}
