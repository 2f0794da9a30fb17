package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prfagit/sam-framework-sub002/pkg/models"
)

type memorySession struct {
	info     models.SessionInfo
	messages []models.Message
}

// MemoryStore keeps sessions in process memory. Reads return copies so
// callers can't mutate stored history.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*memorySession
	maxMessages int
}

// NewMemoryStore returns an empty store. maxMessages bounds per-session
// history; zero or negative selects DefaultMaxMessages.
func NewMemoryStore(maxMessages int) *MemoryStore {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &MemoryStore{
		sessions:    make(map[string]*memorySession),
		maxMessages: maxMessages,
	}
}

func (s *MemoryStore) AppendMessage(_ context.Context, sessionID, userID string, msg *models.Message) error {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &memorySession{
			info: models.SessionInfo{
				SessionID: sessionID,
				UserID:    userID,
				CreatedAt: now,
			},
		}
		s.sessions[sessionID] = sess
	}
	sess.info.UpdatedAt = now
	if sess.info.Title == "" && msg.Role == models.RoleUser && msg.Content != "" {
		sess.info.Title = deriveTitle(msg.Content)
	}

	stored := cloneMessage(*msg)
	stored.SessionID = sessionID
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	sess.messages = append(sess.messages, stored)
	if len(sess.messages) > s.maxMessages {
		sess.messages = sess.messages[len(sess.messages)-s.maxMessages:]
	}
	sess.info.MessageCount = len(sess.messages)
	return nil
}

func (s *MemoryStore) History(_ context.Context, sessionID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	msgs := sess.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		out[i] = cloneMessage(m)
	}
	return out, nil
}

func (s *MemoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) Sessions(_ context.Context, userID string) ([]models.SessionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var infos []models.SessionInfo
	for _, sess := range s.sessions {
		if sess.info.UserID == userID {
			infos = append(infos, sess.info)
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos, nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneMessage(m models.Message) models.Message {
	if len(m.ToolCalls) > 0 {
		calls := make([]models.ToolCall, len(m.ToolCalls))
		copy(calls, m.ToolCalls)
		m.ToolCalls = calls
	}
	return m
}
