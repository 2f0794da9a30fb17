package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	url := "sqlite:///" + filepath.Join(t.TempDir(), "test.db")
	e, err := Open(Config{URL: url, MinSize: 1, MaxSize: 3}, testLogger())
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngineExecAndQuery(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	conn, err := e.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer conn.Release()

	if _, err := conn.ExecContext(ctx, "CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := conn.ExecContext(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "a", "1"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var v string
	if err := conn.QueryRowContext(ctx, "SELECT v FROM kv WHERE k = ?", "a").Scan(&v); err != nil {
		t.Fatalf("select: %v", err)
	}
	if v != "1" {
		t.Errorf("expected 1, got %q", v)
	}
}

func TestEngineReplaceIntoUpsertsOnSQLite(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	conn, err := e.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer conn.Release()

	conn.ExecContext(ctx, "CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)")
	for _, v := range []string{"first", "second"} {
		if _, err := conn.ExecContext(ctx, "REPLACE INTO kv (k, v) VALUES (?, ?)", "key", v); err != nil {
			t.Fatalf("replace: %v", err)
		}
	}

	var v string
	var count int
	conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM kv").Scan(&count)
	conn.QueryRowContext(ctx, "SELECT v FROM kv WHERE k = ?", "key").Scan(&v)
	if count != 1 || v != "second" {
		t.Errorf("expected single upserted row with v=second, got count=%d v=%q", count, v)
	}
}

func TestEngineTransactionCommit(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	err := e.Transaction(ctx, func(tx Execer) error {
		if _, err := tx.ExecContext(ctx, "CREATE TABLE t (n INTEGER)"); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "INSERT INTO t (n) VALUES (?)", 1)
		return err
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	conn, _ := e.Acquire(ctx)
	defer conn.Release()
	var n int
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected committed row, got %d", n)
	}

	stats := e.Stats()
	if stats.TxCommits != 1 {
		t.Errorf("expected 1 commit, got %d", stats.TxCommits)
	}
}

func TestEngineTransactionRollsBackOnError(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	conn, _ := e.Acquire(ctx)
	conn.ExecContext(ctx, "CREATE TABLE t (n INTEGER)")
	conn.Release()

	boom := errors.New("boom")
	err := e.Transaction(ctx, func(tx Execer) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO t (n) VALUES (?)", 1); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	conn, _ = e.Acquire(ctx)
	defer conn.Release()
	var n int
	conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&n)
	if n != 0 {
		t.Errorf("expected rollback to discard insert, got %d rows", n)
	}
	if stats := e.Stats(); stats.TxRollbacks != 1 {
		t.Errorf("expected 1 rollback, got %d", stats.TxRollbacks)
	}
}

func TestEnginePoolGrowsToMaxAndBlocks(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	conns := make([]*Conn, 0, 3)
	for i := 0; i < 3; i++ {
		conn, err := e.Acquire(ctx)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		conns = append(conns, conn)
	}

	stats := e.Stats()
	if stats.InUse != 3 || stats.Idle != 0 {
		t.Errorf("expected 3 in use, got in_use=%d idle=%d", stats.InUse, stats.Idle)
	}

	// A fourth acquire waits; releasing one connection unblocks it.
	acquired := make(chan *Conn, 1)
	go func() {
		conn, err := e.Acquire(context.Background())
		if err != nil {
			t.Errorf("blocked acquire: %v", err)
		}
		acquired <- conn
	}()

	conns[0].Release()
	conn := <-acquired
	conn.Release()
	for _, c := range conns[1:] {
		c.Release()
	}

	stats = e.Stats()
	if stats.InUse != 0 || stats.Idle != 3 {
		t.Errorf("expected all idle, got in_use=%d idle=%d", stats.InUse, stats.Idle)
	}
}

func TestEngineAcquireHonorsContext(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	conns := make([]*Conn, 0, 3)
	for i := 0; i < 3; i++ {
		conn, _ := e.Acquire(ctx)
		conns = append(conns, conn)
	}
	defer func() {
		for _, c := range conns {
			c.Release()
		}
	}()

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := e.Acquire(cancelled); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled on exhausted pool, got %v", err)
	}
}

func TestEngineReleaseIsIdempotent(t *testing.T) {
	e := openTestEngine(t)

	conn, err := e.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	conn.Release()
	conn.Release()

	if stats := e.Stats(); stats.Idle != 1 {
		t.Errorf("expected 1 idle connection after double release, got %d", stats.Idle)
	}
}

func TestEngineConcurrentWrites(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	conn, _ := e.Acquire(ctx)
	conn.ExecContext(ctx, "CREATE TABLE t (n INTEGER)")
	conn.Release()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- e.Transaction(ctx, func(tx Execer) error {
				_, err := tx.ExecContext(ctx, "INSERT INTO t (n) VALUES (?)", i)
				return err
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent write: %v", err)
		}
	}

	c, _ := e.Acquire(ctx)
	defer c.Release()
	var n int
	c.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&n)
	if n != 8 {
		t.Errorf("expected 8 rows, got %d", n)
	}
}

func TestMigratorAppliesInOrder(t *testing.T) {
	e := openTestEngine(t)
	m := NewMigrator(e, testLogger())
	ctx := context.Background()

	migrations := []Migration{
		{Version: 2, Name: "add_index", Up: func(ctx context.Context, tx Execer) error {
			_, err := tx.ExecContext(ctx, "CREATE INDEX idx_t_n ON t (n)")
			return err
		}},
		{Version: 1, Name: "create_t", Up: func(ctx context.Context, tx Execer) error {
			_, err := tx.ExecContext(ctx, "CREATE TABLE t (n INTEGER)")
			return err
		}},
	}

	applied, err := m.Run(ctx, migrations)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if applied != 2 {
		t.Errorf("expected 2 applied, got %d", applied)
	}

	version, err := m.AppliedVersion(ctx)
	if err != nil {
		t.Fatalf("applied version: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}
}

func TestMigratorIsIdempotent(t *testing.T) {
	e := openTestEngine(t)
	m := NewMigrator(e, testLogger())
	ctx := context.Background()

	migrations := []Migration{
		{Version: 1, Name: "create_t", Up: func(ctx context.Context, tx Execer) error {
			_, err := tx.ExecContext(ctx, "CREATE TABLE t (n INTEGER)")
			return err
		}},
	}

	if _, err := m.Run(ctx, migrations); err != nil {
		t.Fatalf("first run: %v", err)
	}
	applied, err := m.Run(ctx, migrations)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if applied != 0 {
		t.Errorf("expected 0 applied on rerun, got %d", applied)
	}
}

func TestMigratorHaltsOnFailureAndRollsBack(t *testing.T) {
	e := openTestEngine(t)
	m := NewMigrator(e, testLogger())
	ctx := context.Background()

	migrations := []Migration{
		{Version: 1, Name: "ok", Up: func(ctx context.Context, tx Execer) error {
			_, err := tx.ExecContext(ctx, "CREATE TABLE good (n INTEGER)")
			return err
		}},
		{Version: 2, Name: "bad", Up: func(ctx context.Context, tx Execer) error {
			if _, err := tx.ExecContext(ctx, "CREATE TABLE partial (n INTEGER)"); err != nil {
				return err
			}
			return fmt.Errorf("deliberate failure")
		}},
		{Version: 3, Name: "never", Up: func(ctx context.Context, tx Execer) error {
			t.Error("migration after a failure must not run")
			return nil
		}},
	}

	applied, err := m.Run(ctx, migrations)
	if err == nil {
		t.Fatal("expected failure")
	}
	if applied != 1 {
		t.Errorf("expected 1 applied before halt, got %d", applied)
	}

	version, _ := m.AppliedVersion(ctx)
	if version != 1 {
		t.Errorf("expected ledger at version 1, got %d", version)
	}

	// The failed migration's DDL must not survive.
	conn, _ := e.Acquire(ctx)
	defer conn.Release()
	var n int
	row := conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", "partial")
	if err := row.Scan(&n); err != nil {
		t.Fatalf("inspect schema: %v", err)
	}
	if n != 0 {
		t.Error("expected failed migration's table to be rolled back")
	}
}

func TestMigratorRejectsDuplicateVersions(t *testing.T) {
	e := openTestEngine(t)
	m := NewMigrator(e, testLogger())

	_, err := m.Run(context.Background(), []Migration{
		{Version: 1, Name: "a", Up: func(context.Context, Execer) error { return nil }},
		{Version: 1, Name: "b", Up: func(context.Context, Execer) error { return nil }},
	})
	if err == nil {
		t.Error("expected duplicate version error")
	}
}

func TestMigratorStatus(t *testing.T) {
	e := openTestEngine(t)
	m := NewMigrator(e, testLogger())
	ctx := context.Background()

	migrations := []Migration{
		{Version: 1, Name: "one", Up: func(ctx context.Context, tx Execer) error {
			_, err := tx.ExecContext(ctx, "CREATE TABLE t (n INTEGER)")
			return err
		}},
		{Version: 2, Name: "two", Up: func(context.Context, Execer) error { return nil }},
	}
	if _, err := m.Run(ctx, migrations[:1]); err != nil {
		t.Fatalf("run: %v", err)
	}

	statuses, err := m.Status(ctx, migrations)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt.IsZero() {
		t.Error("expected migration 1 applied with timestamp")
	}
	if statuses[1].Applied {
		t.Error("expected migration 2 pending")
	}
}
