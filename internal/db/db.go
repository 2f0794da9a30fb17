package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	defaultPoolMinSize = 2
	defaultPoolMaxSize = 10
)

// Execer is the query surface shared by pooled connections and
// transactions. Statements are written in SQLite's dialect; the engine
// translates them for PostgreSQL transparently.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Config tunes the engine.
type Config struct {
	// URL selects the backend: sqlite:///<path> or postgres://...
	URL     string
	MinSize int
	MaxSize int
}

func sanitizeConfig(cfg Config) Config {
	if cfg.MinSize <= 0 {
		cfg.MinSize = defaultPoolMinSize
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultPoolMaxSize
	}
	if cfg.MinSize > cfg.MaxSize {
		cfg.MinSize = cfg.MaxSize
	}
	return cfg
}

// PoolStats is a snapshot of the engine's connection pool and counters.
type PoolStats struct {
	Backend     string `json:"backend"`
	InUse       int    `json:"in_use"`
	Idle        int    `json:"idle"`
	MinSize     int    `json:"min_size"`
	MaxSize     int    `json:"max_size"`
	Queries     uint64 `json:"queries"`
	TxCommits   uint64 `json:"tx_commits"`
	TxRollbacks uint64 `json:"tx_rollbacks"`
}

// backend abstracts SQLite's hand-rolled connection pool and
// PostgreSQL's database/sql pool behind one acquisition contract.
type backend interface {
	acquire(ctx context.Context) (Execer, func(), error)
	beginTx(ctx context.Context) (*sql.Tx, func(), error)
	poolGauges() (inUse, idle int)
	close() error
}

// Engine owns the selected backend and its counters. All SQL in the
// framework goes through an Engine.
type Engine struct {
	cfg    Config
	url    URL
	be     backend
	logger *slog.Logger

	queries     atomic.Uint64
	txCommits   atomic.Uint64
	txRollbacks atomic.Uint64
}

// Open parses cfg.URL, connects the matching backend, and verifies the
// connection (pre-warming the pool for SQLite, pinging for PostgreSQL).
func Open(cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = sanitizeConfig(cfg)

	u, err := ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, url: u, logger: logger}
	switch u.Kind {
	case KindSQLite:
		e.be, err = newSQLiteBackend(u, cfg)
	case KindPostgres:
		e.be, err = newPostgresBackend(u, cfg)
	default:
		err = fmt.Errorf("unsupported backend %q", u.Kind)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("database engine ready",
		"backend", u.Kind,
		"url", u.Redacted,
		"pool_min", cfg.MinSize,
		"pool_max", cfg.MaxSize)
	return e, nil
}

// Kind reports the active backend.
func (e *Engine) Kind() Kind { return e.url.Kind }

// Conn is one acquired connection. Callers must Release it; Release is
// idempotent.
type Conn struct {
	tracked
	release func()
	once    sync.Once
}

// Release returns the connection to the pool.
func (c *Conn) Release() {
	c.once.Do(c.release)
}

// Acquire checks a connection out of the pool, waiting when the pool is
// exhausted until one frees up or ctx expires.
func (e *Engine) Acquire(ctx context.Context) (*Conn, error) {
	q, release, err := e.be.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{
		tracked: tracked{q: q, engine: e, pg: e.url.Kind == KindPostgres},
		release: release,
	}, nil
}

// Transaction runs fn inside a transaction, committing on nil and
// rolling back on error or panic (the panic is re-raised).
func (e *Engine) Transaction(ctx context.Context, fn func(tx Execer) error) error {
	tx, release, err := e.be.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer release()

	defer func() {
		if r := recover(); r != nil {
			if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
				e.logger.Warn("rollback after panic failed", "error", err)
			}
			e.txRollbacks.Add(1)
			panic(r)
		}
	}()

	wrapped := tracked{q: tx, engine: e, pg: e.url.Kind == KindPostgres}
	if err := fn(wrapped); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			e.logger.Warn("rollback failed", "error", rbErr)
		}
		e.txRollbacks.Add(1)
		return err
	}
	if err := tx.Commit(); err != nil {
		e.txRollbacks.Add(1)
		return fmt.Errorf("commit transaction: %w", err)
	}
	e.txCommits.Add(1)
	return nil
}

// Stats returns a snapshot of pool occupancy and lifetime counters.
func (e *Engine) Stats() PoolStats {
	inUse, idle := e.be.poolGauges()
	return PoolStats{
		Backend:     string(e.url.Kind),
		InUse:       inUse,
		Idle:        idle,
		MinSize:     e.cfg.MinSize,
		MaxSize:     e.cfg.MaxSize,
		Queries:     e.queries.Load(),
		TxCommits:   e.txCommits.Load(),
		TxRollbacks: e.txRollbacks.Load(),
	}
}

// Close releases all pooled connections.
func (e *Engine) Close() error {
	return e.be.close()
}

// tracked wraps an Execer with query counting and, for PostgreSQL,
// dialect translation.
type tracked struct {
	q      Execer
	engine *Engine
	pg     bool
}

func (t tracked) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	t.engine.queries.Add(1)
	if t.pg {
		translated, ok := translateForPostgres(query)
		if !ok {
			return noopResult{}, nil
		}
		query = translated
	}
	return t.q.ExecContext(ctx, query, args...)
}

func (t tracked) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	t.engine.queries.Add(1)
	if t.pg {
		if translated, ok := translateForPostgres(query); ok {
			query = translated
		}
	}
	return t.q.QueryContext(ctx, query, args...)
}

func (t tracked) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	t.engine.queries.Add(1)
	if t.pg {
		if translated, ok := translateForPostgres(query); ok {
			query = translated
		}
	}
	return t.q.QueryRowContext(ctx, query, args...)
}

// noopResult stands in for statements skipped by translation.
type noopResult struct{}

func (noopResult) LastInsertId() (int64, error) { return 0, nil }
func (noopResult) RowsAffected() (int64, error) { return 0, nil }
