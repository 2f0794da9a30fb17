package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prfagit/sam-framework-sub002/internal/db"
	"github.com/prfagit/sam-framework-sub002/pkg/models"
)

// SQLStore persists sessions through the shared database engine. All
// statements are written in SQLite's dialect; the engine translates for
// PostgreSQL.
type SQLStore struct {
	engine      *db.Engine
	maxMessages int
	logger      *slog.Logger
}

// NewSQLStore returns a store on engine. maxMessages bounds per-session
// history; zero or negative selects DefaultMaxMessages. The schema must
// already be migrated (see Migrations).
func NewSQLStore(engine *db.Engine, maxMessages int, logger *slog.Logger) *SQLStore {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{engine: engine, maxMessages: maxMessages, logger: logger}
}

func (s *SQLStore) AppendMessage(ctx context.Context, sessionID, userID string, msg *models.Message) error {
	if sessionID == "" {
		return fmt.Errorf("sessions: empty session id")
	}
	now := time.Now().UTC()
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	var toolCalls sql.NullString
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(data), Valid: true}
	}
	var toolCallID sql.NullString
	if msg.ToolCallID != "" {
		toolCallID = sql.NullString{String: msg.ToolCallID, Valid: true}
	}

	return s.engine.Transaction(ctx, func(tx db.Execer) error {
		var (
			existingCreated time.Time
			existingTitle   sql.NullString
		)
		created := now
		title := sql.NullString{}
		err := tx.QueryRowContext(ctx,
			"SELECT created_at, title FROM sessions WHERE session_id = ?", sessionID).
			Scan(&existingCreated, &existingTitle)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if msg.Role == models.RoleUser && msg.Content != "" {
				title = sql.NullString{String: deriveTitle(msg.Content), Valid: true}
			}
		case err != nil:
			return fmt.Errorf("read session: %w", err)
		default:
			created = existingCreated
			title = existingTitle
			if !title.Valid && msg.Role == models.RoleUser && msg.Content != "" {
				title = sql.NullString{String: deriveTitle(msg.Content), Valid: true}
			}
		}

		if _, err := tx.ExecContext(ctx,
			"REPLACE INTO sessions (session_id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
			sessionID, userID, title, created, now); err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO messages (session_id, role, content, tool_calls, tool_call_id, created_at) VALUES (?, ?, ?, ?, ?, ?)",
			sessionID, string(msg.Role), msg.Content, toolCalls, toolCallID, createdAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if s.maxMessages > 0 {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM messages WHERE session_id = ? AND id NOT IN (SELECT id FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?)",
				sessionID, sessionID, s.maxMessages); err != nil {
				return fmt.Errorf("trim messages: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLStore) History(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	conn, err := s.engine.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	query := "SELECT role, content, tool_calls, tool_call_id, created_at FROM messages WHERE session_id = ? ORDER BY id"
	args := []any{sessionID}
	if limit > 0 {
		query = "SELECT role, content, tool_calls, tool_call_id, created_at FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?"
		args = append(args, limit)
	}

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	defer rows.Close()

	var history []models.Message
	for rows.Next() {
		var (
			msg        models.Message
			role       string
			toolCalls  sql.NullString
			toolCallID sql.NullString
		)
		if err := rows.Scan(&role, &msg.Content, &toolCalls, &toolCallID, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.SessionID = sessionID
		msg.Role = models.Role(role)
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		if toolCallID.Valid {
			msg.ToolCallID = toolCallID.String
		}
		history = append(history, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if limit > 0 {
		// DESC-limited rows arrive newest first; put them back in order.
		for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
			history[i], history[j] = history[j], history[i]
		}
	}
	return history, nil
}

func (s *SQLStore) Clear(ctx context.Context, sessionID string) error {
	return s.engine.Transaction(ctx, func(tx db.Execer) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", sessionID); err != nil {
			return fmt.Errorf("clear messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE session_id = ?", sessionID); err != nil {
			return fmt.Errorf("clear session: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) Sessions(ctx context.Context, userID string) ([]models.SessionInfo, error) {
	conn, err := s.engine.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.QueryContext(ctx, `
SELECT s.session_id, s.user_id, s.title, s.created_at, s.updated_at, COUNT(m.id)
FROM sessions s
LEFT JOIN messages m ON m.session_id = s.session_id
WHERE s.user_id = ?
GROUP BY s.session_id, s.user_id, s.title, s.created_at, s.updated_at
ORDER BY s.updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var infos []models.SessionInfo
	for rows.Next() {
		var (
			info  models.SessionInfo
			title sql.NullString
		)
		if err := rows.Scan(&info.SessionID, &info.UserID, &title, &info.CreatedAt, &info.UpdatedAt, &info.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.Title = title.String
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Close is a no-op: the engine's lifecycle belongs to the core.
func (s *SQLStore) Close() error { return nil }
