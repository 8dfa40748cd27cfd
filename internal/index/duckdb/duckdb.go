// Package duckdb implements the index/duckdb component: known paths are
// kept in a DuckDB table so they survive restarts when a file is used.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/metricd/internal/errors"
	"github.com/xtxerr/metricd/internal/index"
	"github.com/xtxerr/metricd/internal/logging"
	"github.com/xtxerr/metricd/internal/metric"
	"github.com/xtxerr/metricd/internal/registry"
)

// Name is the qualified factory name.
const Name = "index/duckdb"

// Register adds the index/duckdb factory.
func Register(r *registry.Registry) error {
	return r.Register(Name, New)
}

// Config holds index/duckdb options.
type Config struct {
	// DSN is the database file; ":memory:" keeps the index in memory.
	DSN string `mapstructure:"dsn" validate:"required"`

	// MemoryLimit is passed to DuckDB as memory_limit, e.g. "256MB".
	MemoryLimit string `mapstructure:"memory_limit"`

	// QueryTimeout bounds each statement.
	QueryTimeout time.Duration `mapstructure:"query_timeout" validate:"gte=0"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DSN:          ":memory:",
		QueryTimeout: 30 * time.Second,
	}
}

const schema = `CREATE TABLE IF NOT EXISTS paths (path VARCHAR PRIMARY KEY)`

// Index stores paths in DuckDB. The database is opened on Start.
//
// Index is safe for concurrent use.
type Index struct {
	cfg Config

	mu sync.RWMutex
	db *sql.DB
}

// New is the registry factory.
func New(f registry.Fragment) (registry.Component, error) {
	cfg := DefaultConfig()
	if err := f.Decode(&cfg); err != nil {
		return nil, err
	}
	return &Index{cfg: cfg}, nil
}

// Start opens the database and creates the schema.
func (x *Index) Start(ctx context.Context) error {
	db, err := sql.Open("duckdb", x.cfg.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping database: %w", err)
	}
	if x.cfg.MemoryLimit != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET memory_limit='%s'", x.cfg.MemoryLimit)); err != nil {
			db.Close()
			return fmt.Errorf("set memory limit: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("create schema: %w", err)
	}

	x.mu.Lock()
	x.db = db
	x.mu.Unlock()

	logging.WithContext(ctx).Info("duckdb index opened", "dsn", x.cfg.DSN)
	return nil
}

// Stop closes the database.
func (x *Index) Stop(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.db == nil {
		return nil
	}
	err := x.db.Close()
	x.db = nil
	return err
}

func (x *Index) conn() (*sql.DB, error) {
	if x.db == nil {
		return nil, fmt.Errorf("index/duckdb: %w", errors.ErrNotRunning)
	}
	return x.db, nil
}

func (x *Index) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if x.cfg.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, x.cfg.QueryTimeout)
}

// Add implements metric.Index. All paths are inserted in one transaction.
func (x *Index) Add(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	db, err := x.conn()
	if err != nil {
		return err
	}

	ctx, cancel := x.timeout(ctx)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO paths (path) VALUES (?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, p); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
			}
			return fmt.Errorf("insert path: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Find implements metric.Index. The literal prefix narrows the scan in SQL;
// the glob is applied per segment afterwards.
func (x *Index) Find(ctx context.Context, pattern string) ([]string, error) {
	p, err := index.Compile(pattern)
	if err != nil {
		return nil, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	db, err := x.conn()
	if err != nil {
		return nil, err
	}

	ctx, cancel := x.timeout(ctx)
	defer cancel()

	rows, err := db.QueryContext(ctx,
		`SELECT path FROM paths WHERE starts_with(path, ?) ORDER BY path`, p.Prefix())
	if err != nil {
		return nil, fmt.Errorf("query paths: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan path: %w", err)
		}
		if p.Match(name) {
			out = append(out, name)
		}
	}
	return out, rows.Err()
}

// Count returns the number of stored paths.
func (x *Index) Count(ctx context.Context) (int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	db, err := x.conn()
	if err != nil {
		return 0, err
	}

	var n int
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM paths`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count paths: %w", err)
	}
	return n, nil
}

var _ metric.Index = (*Index)(nil)
