// Package sessions persists conversation history. The SQL store rides
// the shared database engine (SQLite or PostgreSQL); the memory store
// backs tests and ephemeral deployments.
package sessions

import (
	"context"

	"github.com/prfagit/sam-framework-sub002/pkg/models"
)

// DefaultMaxMessages bounds how many messages one session retains;
// older messages are trimmed first.
const DefaultMaxMessages = 1000

// titleLimit caps the session title derived from the first user
// message.
const titleLimit = 80

// Store is the session memory contract. History is append-only:
// messages come back in insertion order and are never rewritten.
type Store interface {
	// AppendMessage adds msg to the session's history, creating the
	// session on first use.
	AppendMessage(ctx context.Context, sessionID, userID string, msg *models.Message) error
	// History returns the session's messages in order. A positive limit
	// returns only the most recent limit messages, still oldest-first.
	History(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
	// Clear removes the session and all its messages.
	Clear(ctx context.Context, sessionID string) error
	// Sessions lists the user's sessions, most recently updated first.
	Sessions(ctx context.Context, userID string) ([]models.SessionInfo, error)
	Close() error
}

func deriveTitle(content string) string {
	runes := []rune(content)
	if len(runes) <= titleLimit {
		return content
	}
	return string(runes[:titleLimit])
}
