package sessions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prfagit/sam-framework-sub002/pkg/models"
)

func TestMemoryStoreAppendAndHistory(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		msg := models.Message{Role: models.RoleUser, Content: content}
		if err := store.AppendMessage(ctx, "s1", "u1", &msg); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	history, err := store.History(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(history))
	}
	if history[0].Content != "one" || history[2].Content != "three" {
		t.Errorf("expected insertion order, got %q..%q", history[0].Content, history[2].Content)
	}
}

func TestMemoryStoreHistoryReturnsCopies(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	msg := models.Message{
		Role:      models.RoleAssistant,
		ToolCalls: []models.ToolCall{{ID: "c1", Name: "search"}},
	}
	store.AppendMessage(ctx, "s1", "u1", &msg)

	history, _ := store.History(ctx, "s1", 0)
	history[0].Content = "mutated"
	history[0].ToolCalls[0].Name = "mutated"

	fresh, _ := store.History(ctx, "s1", 0)
	if fresh[0].Content == "mutated" {
		t.Error("expected stored content to be isolated from caller mutation")
	}
	if fresh[0].ToolCalls[0].Name == "mutated" {
		t.Error("expected stored tool calls to be isolated from caller mutation")
	}
}

func TestMemoryStoreHistoryLimit(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	for _, content := range []string{"a", "b", "c", "d"} {
		msg := models.Message{Role: models.RoleUser, Content: content}
		store.AppendMessage(ctx, "s1", "u1", &msg)
	}

	history, _ := store.History(ctx, "s1", 2)
	if len(history) != 2 || history[0].Content != "c" || history[1].Content != "d" {
		t.Errorf("expected the last two messages in order, got %+v", history)
	}
}

func TestMemoryStoreTrimsToMaxMessages(t *testing.T) {
	store := NewMemoryStore(2)
	ctx := context.Background()

	for _, content := range []string{"a", "b", "c"} {
		msg := models.Message{Role: models.RoleUser, Content: content}
		store.AppendMessage(ctx, "s1", "u1", &msg)
	}

	history, _ := store.History(ctx, "s1", 0)
	if len(history) != 2 {
		t.Fatalf("expected trim to 2, got %d", len(history))
	}
	if history[0].Content != "b" {
		t.Errorf("expected oldest trimmed, got %q first", history[0].Content)
	}
}

func TestMemoryStoreUnknownSession(t *testing.T) {
	store := NewMemoryStore(0)

	history, err := store.History(context.Background(), "missing", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("expected empty history, got %d", len(history))
	}
}

func TestMemoryStoreClear(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	msg := models.Message{Role: models.RoleUser, Content: "x"}
	store.AppendMessage(ctx, "s1", "u1", &msg)
	store.Clear(ctx, "s1")

	history, _ := store.History(ctx, "s1", 0)
	if len(history) != 0 {
		t.Errorf("expected cleared history, got %d", len(history))
	}
}

func TestMemoryStoreSessionsByUser(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	m1 := models.Message{Role: models.RoleUser, Content: "first"}
	store.AppendMessage(ctx, "s1", "u1", &m1)
	time.Sleep(2 * time.Millisecond)
	m2 := models.Message{Role: models.RoleUser, Content: "second"}
	store.AppendMessage(ctx, "s2", "u1", &m2)
	m3 := models.Message{Role: models.RoleUser, Content: "other"}
	store.AppendMessage(ctx, "s3", "u2", &m3)

	infos, err := store.Sessions(ctx, "u1")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(infos))
	}
	if infos[0].SessionID != "s2" {
		t.Errorf("expected newest first, got %s", infos[0].SessionID)
	}
	if infos[0].Title != "second" {
		t.Errorf("expected derived title, got %q", infos[0].Title)
	}
}

func TestMemoryStoreConcurrentAppends(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				msg := models.Message{Role: models.RoleUser, Content: "m"}
				store.AppendMessage(ctx, "s1", "u1", &msg)
			}
		}()
	}
	wg.Wait()

	history, _ := store.History(ctx, "s1", 0)
	if len(history) != 200 {
		t.Errorf("expected 200 messages, got %d", len(history))
	}
}
