package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// postgresBackend leans on database/sql's built-in pool; the engine's
// dialect translation happens in the tracked wrapper above it.
type postgresBackend struct {
	db  *sql.DB
	cfg Config
}

func newPostgresBackend(u URL, cfg Config) (*postgresBackend, error) {
	sqlDB, err := sql.Open("postgres", u.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxSize)
	sqlDB.SetMaxIdleConns(cfg.MinSize)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &postgresBackend{db: sqlDB, cfg: cfg}, nil
}

func (b *postgresBackend) acquire(_ context.Context) (Execer, func(), error) {
	return b.db, func() {}, nil
}

func (b *postgresBackend) beginTx(ctx context.Context) (*sql.Tx, func(), error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	return tx, func() {}, nil
}

func (b *postgresBackend) poolGauges() (int, int) {
	s := b.db.Stats()
	return s.InUse, s.Idle
}

func (b *postgresBackend) close() error {
	return b.db.Close()
}
