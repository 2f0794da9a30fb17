package sessions

import (
	"context"

	"github.com/prfagit/sam-framework-sub002/internal/db"
)

// Migrations returns the session schema in order. The runner records
// each version in schema_migrations, so re-running is a no-op.
func Migrations() []db.Migration {
	return []db.Migration{
		{
			Version: 1,
			Name:    "create_sessions",
			Up: func(ctx context.Context, tx db.Execer) error {
				_, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`)
				return err
			},
		},
		{
			Version: 2,
			Name:    "create_messages",
			Up: func(ctx context.Context, tx db.Execer) error {
				if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	tool_calls TEXT,
	tool_call_id TEXT,
	created_at TIMESTAMP NOT NULL
)`); err != nil {
					return err
				}
				_, err := tx.ExecContext(ctx,
					"CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, id)")
				return err
			},
		},
		{
			Version: 3,
			Name:    "add_session_title",
			Up: func(ctx context.Context, tx db.Execer) error {
				_, err := tx.ExecContext(ctx, "ALTER TABLE sessions ADD COLUMN title TEXT")
				return err
			},
		},
	}
}
