package db

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Migration is one versioned schema step. Up runs inside a transaction
// together with the bookkeeping insert, so a failed step leaves no
// trace.
type Migration struct {
	Version int
	Name    string
	Up      func(ctx context.Context, tx Execer) error
}

// MigrationStatus pairs a known migration with its ledger entry.
type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt time.Time
}

// Migrator applies pending migrations against an engine and keeps the
// schema_migrations ledger.
type Migrator struct {
	engine *Engine
	logger *slog.Logger
}

// NewMigrator returns a migrator bound to engine.
func NewMigrator(engine *Engine, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{engine: engine, logger: logger}
}

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at TIMESTAMP NOT NULL
)`

func (m *Migrator) ensureTable(ctx context.Context) error {
	conn, err := m.engine.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	if _, err := conn.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// AppliedVersion returns the highest applied migration version, zero
// when the ledger is empty.
func (m *Migrator) AppliedVersion(ctx context.Context) (int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return 0, err
	}
	conn, err := m.engine.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	var version int
	row := conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema_migrations: %w", err)
	}
	return version, nil
}

// Run applies every migration newer than the current version in
// ascending order, one transaction per migration, and returns how many
// were applied. The first failure rolls back its own migration and
// halts; earlier migrations stay applied.
func (m *Migrator) Run(ctx context.Context, migrations []Migration) (int, error) {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Version == sorted[i-1].Version {
			return 0, fmt.Errorf("duplicate migration version %d", sorted[i].Version)
		}
	}

	current, err := m.AppliedVersion(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, mig := range sorted {
		if mig.Version <= current {
			continue
		}
		err := m.engine.Transaction(ctx, func(tx Execer) error {
			if err := mig.Up(ctx, tx); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
				mig.Version, mig.Name, time.Now().UTC())
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		m.logger.Info("migration applied", "version", mig.Version, "name", mig.Name)
		applied++
	}
	return applied, nil
}

// Status reports each known migration with its ledger state.
func (m *Migrator) Status(ctx context.Context, migrations []Migration) ([]MigrationStatus, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	conn, err := m.engine.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	appliedAt := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var at time.Time
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		appliedAt[version] = at
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	statuses := make([]MigrationStatus, 0, len(sorted))
	for _, mig := range sorted {
		at, ok := appliedAt[mig.Version]
		statuses = append(statuses, MigrationStatus{
			Version:   mig.Version,
			Name:      mig.Name,
			Applied:   ok,
			AppliedAt: at,
		})
	}
	return statuses, nil
}
