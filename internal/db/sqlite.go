package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// sqlitePragmas are applied to every pooled connection before it serves
// queries. busy_timeout keeps concurrent writers from failing fast with
// SQLITE_BUSY; WAL lets readers proceed during writes.
var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA cache_size=10000",
	"PRAGMA temp_store=memory",
	"PRAGMA busy_timeout=5000",
	"PRAGMA wal_autocheckpoint=1000",
}

// sqliteBackend keeps long-lived connections in a buffered channel:
// acquire receives, release sends. Connections are created lazily up to
// MaxSize after the pool is pre-warmed to MinSize.
type sqliteBackend struct {
	db    *sql.DB
	conns chan *sql.Conn
	cfg   Config

	mu      sync.Mutex
	created int
}

func newSQLiteBackend(u URL, cfg Config) (*sqliteBackend, error) {
	if u.Path == ":memory:" {
		// Each connection to :memory: opens its own database, so the
		// pool collapses to a single shared connection.
		cfg.MinSize, cfg.MaxSize = 1, 1
	} else if dir := filepath.Dir(u.Path); dir != "" && dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	sqlDB, err := sql.Open("sqlite", u.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", u.Path, err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxSize)
	sqlDB.SetConnMaxIdleTime(0)

	b := &sqliteBackend{
		db:    sqlDB,
		conns: make(chan *sql.Conn, cfg.MaxSize),
		cfg:   cfg,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := 0; i < cfg.MinSize; i++ {
		if !b.tryReserve() {
			break
		}
		conn, err := b.newConn(ctx)
		if err != nil {
			b.close()
			return nil, err
		}
		b.conns <- conn
	}
	return b, nil
}

func (b *sqliteBackend) tryReserve() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.created >= b.cfg.MaxSize {
		return false
	}
	b.created++
	return true
}

func (b *sqliteBackend) unreserve() {
	b.mu.Lock()
	b.created--
	b.mu.Unlock()
}

// newConn opens a connection and applies the tuning pragmas. The caller
// must have reserved a slot with tryReserve.
func (b *sqliteBackend) newConn(ctx context.Context) (*sql.Conn, error) {
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}
	for _, pragma := range sqlitePragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return conn, nil
}

func (b *sqliteBackend) acquire(ctx context.Context) (Execer, func(), error) {
	select {
	case conn := <-b.conns:
		return conn, func() { b.conns <- conn }, nil
	default:
	}

	if b.tryReserve() {
		conn, err := b.newConn(ctx)
		if err != nil {
			b.unreserve()
			return nil, nil, err
		}
		return conn, func() { b.conns <- conn }, nil
	}

	// Pool exhausted: wait for a release or give up with the caller.
	select {
	case conn := <-b.conns:
		return conn, func() { b.conns <- conn }, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (b *sqliteBackend) beginTx(ctx context.Context) (*sql.Tx, func(), error) {
	q, release, err := b.acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	conn := q.(*sql.Conn)
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		release()
		return nil, nil, err
	}
	return tx, release, nil
}

func (b *sqliteBackend) poolGauges() (int, int) {
	b.mu.Lock()
	created := b.created
	b.mu.Unlock()
	idle := len(b.conns)
	return created - idle, idle
}

func (b *sqliteBackend) close() error {
	for {
		select {
		case conn := <-b.conns:
			conn.Close()
		default:
			return b.db.Close()
		}
	}
}
