package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prfagit/sam-framework-sub002/internal/bus"
	"github.com/prfagit/sam-framework-sub002/internal/infra"
	"github.com/prfagit/sam-framework-sub002/internal/sessions"
	"github.com/prfagit/sam-framework-sub002/internal/tools"
	"github.com/prfagit/sam-framework-sub002/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStep struct {
	resp *ChatResponse
	err  error
}

// fakeProvider replays a scripted sequence of responses and records
// everything it was asked.
type fakeProvider struct {
	mu    sync.Mutex
	steps []fakeStep
	seen  [][]models.Message
	specs [][]tools.Spec
}

func (p *fakeProvider) Chat(_ context.Context, messages []models.Message, specs []tools.Spec) (*ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seen = append(p.seen, append([]models.Message(nil), messages...))
	p.specs = append(p.specs, specs)
	if len(p.steps) == 0 {
		return nil, errors.New("fake provider: no scripted response")
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	return step.resp, step.err
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *eventRecorder) record(_ context.Context, e bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.events))
	for _, e := range r.events {
		names = append(names, e.Name)
	}
	return names
}

func (r *eventRecorder) states() []models.AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var states []models.AgentState
	for _, e := range r.events {
		if status, ok := e.Payload.(models.AgentStatus); ok {
			states = append(states, status.State)
		}
	}
	return states
}

func (r *eventRecorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Name == name {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(name string) (bus.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Name == name {
			return r.events[i], true
		}
	}
	return bus.Event{}, false
}

type testHarness struct {
	agent    *Agent
	provider *fakeProvider
	registry *tools.Registry
	store    *sessions.MemoryStore
	events   *eventRecorder
}

func newHarness(t *testing.T, provider *fakeProvider, cfg Config, breaker *infra.Breaker) *testHarness {
	t.Helper()

	events := bus.New(testLogger())
	rec := &eventRecorder{}
	for _, name := range models.EventNames() {
		events.Subscribe(name, rec.record)
	}

	registry := tools.NewRegistry(events, nil, 0, testLogger())
	store := sessions.NewMemoryStore(0)

	a, err := New(provider, registry, store, events, breaker, cfg, testLogger())
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return &testHarness{agent: a, provider: provider, registry: registry, store: store, events: rec}
}

func text(content string) *ChatResponse {
	return &ChatResponse{Content: content, Usage: models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}
}

func withTools(calls ...models.ToolCall) *ChatResponse {
	return &ChatResponse{ToolCalls: calls, Usage: models.Usage{PromptTokens: 8, CompletionTokens: 4, TotalTokens: 12}}
}

func TestRunHappyPathNoTools(t *testing.T) {
	provider := &fakeProvider{steps: []fakeStep{{resp: text("hi")}}}
	h := newHarness(t, provider, Config{SystemPrompt: "be brief"}, nil)

	got, err := h.agent.Run(context.Background(), "hello", "s1", NewRequestContext("u1"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != "hi" {
		t.Errorf("result = %q, want hi", got)
	}

	wantNames := []string{
		models.EventAgentStatus, // start
		models.EventAgentStatus, // thinking
		models.EventLLMUsage,
		models.EventAgentMessage,
		models.EventAgentStatus, // finish
	}
	names := h.events.names()
	if len(names) != len(wantNames) {
		t.Fatalf("events = %v, want %v", names, wantNames)
	}
	for i := range wantNames {
		if names[i] != wantNames[i] {
			t.Fatalf("events = %v, want %v", names, wantNames)
		}
	}
	states := h.events.states()
	wantStates := []models.AgentState{models.StateStart, models.StateThinking, models.StateFinish}
	for i := range wantStates {
		if states[i] != wantStates[i] {
			t.Fatalf("states = %v, want %v", states, wantStates)
		}
	}

	history, err := h.store.History(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	roles := make([]models.Role, 0, len(history))
	for _, m := range history {
		roles = append(roles, m.Role)
	}
	want := []models.Role{models.RoleSystem, models.RoleUser, models.RoleAssistant}
	if len(roles) != len(want) {
		t.Fatalf("history roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("history roles = %v, want %v", roles, want)
		}
	}
	if history[2].Content != "hi" {
		t.Errorf("assistant content = %q, want hi", history[2].Content)
	}
}

func TestRunSingleToolSuccess(t *testing.T) {
	provider := &fakeProvider{steps: []fakeStep{
		{resp: withTools(models.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]any{"x": 1}})},
		{resp: text("ok")},
	}}
	h := newHarness(t, provider, Config{}, nil)

	err := h.registry.Register(tools.Tool{
		Spec: tools.Spec{Name: "echo", Description: "returns its arguments"},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return args, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := h.agent.Run(context.Background(), "run echo", "s1", NewRequestContext("u1"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != "ok" {
		t.Errorf("result = %q, want ok", got)
	}
	if provider.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", provider.callCount())
	}

	names := h.events.names()
	wantNames := []string{
		models.EventAgentStatus, // start
		models.EventAgentStatus, // thinking 1
		models.EventLLMUsage,
		models.EventAgentStatus, // tool_call
		models.EventToolCalled,
		models.EventToolSucceeded,
		models.EventAgentStatus, // tool_done
		models.EventAgentStatus, // thinking 2
		models.EventLLMUsage,
		models.EventAgentMessage,
		models.EventAgentStatus, // finish
	}
	if len(names) != len(wantNames) {
		t.Fatalf("events = %v, want %v", names, wantNames)
	}
	for i := range wantNames {
		if names[i] != wantNames[i] {
			t.Fatalf("events = %v, want %v", names, wantNames)
		}
	}

	called, _ := h.events.last(models.EventToolCalled)
	payload := called.Payload.(models.ToolCalled)
	if payload.ToolCallID != "c1" || payload.Name != "echo" {
		t.Errorf("tool.called payload = %+v", payload)
	}

	history, err := h.store.History(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	// user, assistant w/ tool call, tool result, final assistant
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	if len(history[1].ToolCalls) != 1 || history[1].ToolCalls[0].ID != "c1" {
		t.Errorf("assistant turn missing tool call: %+v", history[1])
	}
	if history[2].Role != models.RoleTool || history[2].ToolCallID != "c1" {
		t.Errorf("tool turn = %+v", history[2])
	}
	if !strings.Contains(history[2].Content, `"x":1`) {
		t.Errorf("tool result content = %q, want echoed arguments", history[2].Content)
	}
}

func TestRunToolFailureIsRecovered(t *testing.T) {
	provider := &fakeProvider{steps: []fakeStep{
		{resp: withTools(models.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]any{"x": 1}})},
		{resp: text("sorry")},
	}}
	h := newHarness(t, provider, Config{}, nil)

	err := h.registry.Register(tools.Tool{
		Spec: tools.Spec{Name: "echo"},
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("backend exploded")
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := h.agent.Run(context.Background(), "run echo", "s1", NewRequestContext("u1"))
	if err != nil {
		t.Fatalf("run should recover tool failures, got %v", err)
	}
	if got != "sorry" {
		t.Errorf("result = %q, want sorry", got)
	}
	if h.events.count(models.EventToolFailed) != 1 {
		t.Errorf("tool.failed count = %d, want 1", h.events.count(models.EventToolFailed))
	}

	history, _ := h.store.History(context.Background(), "s1", 0)
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	if !strings.Contains(history[2].Content, "backend exploded") {
		t.Errorf("tool error content = %q, want serialized error", history[2].Content)
	}
}

func TestRunConcurrentToolsPreserveOrder(t *testing.T) {
	provider := &fakeProvider{steps: []fakeStep{
		{resp: withTools(
			models.ToolCall{ID: "a", Name: "slow", Arguments: map[string]any{}},
			models.ToolCall{ID: "b", Name: "fast", Arguments: map[string]any{}},
		)},
		{resp: text("done")},
	}}
	h := newHarness(t, provider, Config{}, nil)

	if err := h.registry.Register(tools.Tool{
		Spec: tools.Spec{Name: "slow"},
		Handler: func(context.Context, map[string]any) (any, error) {
			time.Sleep(60 * time.Millisecond)
			return "slow result", nil
		},
	}); err != nil {
		t.Fatalf("register slow: %v", err)
	}
	if err := h.registry.Register(tools.Tool{
		Spec: tools.Spec{Name: "fast"},
		Handler: func(context.Context, map[string]any) (any, error) {
			return "fast result", nil
		},
	}); err != nil {
		t.Fatalf("register fast: %v", err)
	}

	if _, err := h.agent.Run(context.Background(), "both", "s1", NewRequestContext("u1")); err != nil {
		t.Fatalf("run: %v", err)
	}

	history, _ := h.store.History(context.Background(), "s1", 0)
	if len(history) != 5 {
		t.Fatalf("history length = %d, want 5", len(history))
	}
	// History order follows the declaration order of the tool calls even
	// though "fast" completed first.
	if history[2].ToolCallID != "a" {
		t.Errorf("history[2].ToolCallID = %q, want a", history[2].ToolCallID)
	}
	if history[3].ToolCallID != "b" {
		t.Errorf("history[3].ToolCallID = %q, want b", history[3].ToolCallID)
	}
	if history[2].Content != "slow result" || history[3].Content != "fast result" {
		t.Errorf("tool contents out of order: %q / %q", history[2].Content, history[3].Content)
	}
}

func TestRunBreakerFailsFast(t *testing.T) {
	provider := &fakeProvider{steps: []fakeStep{
		{err: errors.New("provider down")},
		{err: errors.New("provider down")},
	}}
	breaker := infra.NewBreaker("llm", infra.BreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
	})
	h := newHarness(t, provider, Config{}, breaker)

	ctx := context.Background()
	rc := NewRequestContext("u1")
	for i := 0; i < 2; i++ {
		if _, err := h.agent.Run(ctx, "hi", "s1", rc); err == nil {
			t.Fatalf("run %d should fail", i)
		}
	}
	if breaker.State() != infra.BreakerOpen {
		t.Fatalf("breaker state = %s, want open", breaker.State())
	}

	start := time.Now()
	_, err := h.agent.Run(ctx, "hi", "s1", rc)
	elapsed := time.Since(start)
	if !errors.Is(err, infra.ErrBreakerOpen) {
		t.Fatalf("expected ErrBreakerOpen, got %v", err)
	}
	if elapsed > 5*time.Millisecond {
		t.Errorf("rejection took %v, want <5ms", elapsed)
	}
	if provider.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2 (third run must not reach it)", provider.callCount())
	}

	// The surfaced error still publishes the terminal finish status.
	finish, ok := h.events.last(models.EventAgentStatus)
	if !ok {
		t.Fatal("no agent.status events")
	}
	status := finish.Payload.(models.AgentStatus)
	if status.State != models.StateFinish || status.Message == "" {
		t.Errorf("terminal status = %+v, want finish with error message", status)
	}
}

func TestRunFallbackAtIterationLimit(t *testing.T) {
	provider := &fakeProvider{steps: []fakeStep{
		{resp: withTools(models.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]any{"x": 1}})},
		{resp: text("forced answer")},
	}}
	h := newHarness(t, provider, Config{MaxIterations: 1}, nil)

	if err := h.registry.Register(tools.Tool{
		Spec:    tools.Spec{Name: "echo"},
		Handler: func(_ context.Context, args map[string]any) (any, error) { return args, nil },
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := h.agent.Run(context.Background(), "loop", "s1", NewRequestContext("u1"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != "forced answer" {
		t.Errorf("result = %q, want forced answer", got)
	}
	if provider.callCount() != 2 {
		t.Fatalf("provider calls = %d, want 2 (loop call + fallback)", provider.callCount())
	}

	provider.mu.Lock()
	firstSpecs, fallbackSpecs := provider.specs[0], provider.specs[1]
	provider.mu.Unlock()
	if len(firstSpecs) == 0 {
		t.Error("first call should offer tool schemas")
	}
	if len(fallbackSpecs) != 0 {
		t.Error("fallback call must disable tool schemas")
	}

	states := h.events.states()
	sawFallback := false
	for _, s := range states {
		if s == models.StateFallback {
			sawFallback = true
		}
	}
	if !sawFallback {
		t.Errorf("states = %v, want fallback present", states)
	}
}

func TestRunNoFallbackWithoutToolCalls(t *testing.T) {
	provider := &fakeProvider{steps: []fakeStep{{resp: text("direct")}}}
	h := newHarness(t, provider, Config{MaxIterations: 1}, nil)

	got, err := h.agent.Run(context.Background(), "hi", "s1", NewRequestContext("u1"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != "direct" {
		t.Errorf("result = %q, want direct", got)
	}
	if provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", provider.callCount())
	}
	for _, s := range h.events.states() {
		if s == models.StateFallback {
			t.Error("fallback published for a text-only response")
		}
	}
}

func TestRunEmptyContentStillPersists(t *testing.T) {
	provider := &fakeProvider{steps: []fakeStep{{resp: &ChatResponse{Content: ""}}}}
	h := newHarness(t, provider, Config{}, nil)

	got, err := h.agent.Run(context.Background(), "hi", "s1", NewRequestContext("u1"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != "" {
		t.Errorf("result = %q, want empty", got)
	}

	msg, ok := h.events.last(models.EventAgentMessage)
	if !ok {
		t.Fatal("agent.message not published for empty content")
	}
	if payload := msg.Payload.(models.AgentMessage); payload.Content != "" {
		t.Errorf("agent.message content = %q, want empty", payload.Content)
	}

	history, _ := h.store.History(context.Background(), "s1", 0)
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[1].Role != models.RoleAssistant || history[1].Content != "" {
		t.Errorf("assistant turn = %+v, want empty content", history[1])
	}
}

func TestRunSuppressesFinalEvent(t *testing.T) {
	provider := &fakeProvider{steps: []fakeStep{{resp: text("quiet")}}}
	h := newHarness(t, provider, Config{}, nil)

	if _, err := h.agent.Run(context.Background(), "hi", "s1", NewRequestContext("u1"), WithPublishFinal(false)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := h.events.count(models.EventAgentMessage); n != 0 {
		t.Errorf("agent.message count = %d, want 0", n)
	}
	states := h.events.states()
	if states[len(states)-1] != models.StateFinish {
		t.Errorf("terminal state = %v, want finish", states[len(states)-1])
	}
}

func TestRunFailureDiscardsPartialHistory(t *testing.T) {
	provider := &fakeProvider{steps: []fakeStep{
		{resp: withTools(models.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]any{"x": 1}})},
		{err: errors.New("provider down")},
	}}
	h := newHarness(t, provider, Config{}, nil)

	if err := h.registry.Register(tools.Tool{
		Spec:    tools.Spec{Name: "echo"},
		Handler: func(_ context.Context, args map[string]any) (any, error) { return args, nil },
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := h.agent.Run(context.Background(), "hi", "s1", NewRequestContext("u1")); err == nil {
		t.Fatal("run should surface the provider failure")
	}

	history, err := h.store.History(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("failed run persisted %d messages, want 0", len(history))
	}
}

func TestRunSystemPromptOnlyOnFreshSession(t *testing.T) {
	provider := &fakeProvider{steps: []fakeStep{{resp: text("one")}, {resp: text("two")}}}
	h := newHarness(t, provider, Config{SystemPrompt: "be brief"}, nil)

	ctx := context.Background()
	rc := NewRequestContext("u1")
	if _, err := h.agent.Run(ctx, "first", "s1", rc); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := h.agent.Run(ctx, "second", "s1", rc); err != nil {
		t.Fatalf("second run: %v", err)
	}

	provider.mu.Lock()
	second := provider.seen[1]
	provider.mu.Unlock()

	systems := 0
	for _, m := range second {
		if m.Role == models.RoleSystem {
			systems++
		}
	}
	if systems != 1 {
		t.Errorf("second run saw %d system messages, want 1", systems)
	}
	if second[0].Role != models.RoleSystem {
		t.Errorf("second run first message role = %s, want system", second[0].Role)
	}
	last := second[len(second)-1]
	if last.Role != models.RoleUser || last.Content != "second" {
		t.Errorf("second run last message = %+v, want the new prompt", last)
	}
}

func TestRunAccumulatesStats(t *testing.T) {
	provider := &fakeProvider{steps: []fakeStep{{resp: text("one")}, {resp: text("two")}}}
	h := newHarness(t, provider, Config{}, nil)

	ctx := context.Background()
	rc := NewRequestContext("u1")
	if _, err := h.agent.Run(ctx, "a", "s1", rc); err != nil {
		t.Fatalf("run 1: %v", err)
	}
	if _, err := h.agent.Run(ctx, "b", "s1", rc); err != nil {
		t.Fatalf("run 2: %v", err)
	}

	stats := h.agent.Stats()
	if stats.Turns != 2 {
		t.Errorf("turns = %d, want 2", stats.Turns)
	}
	if stats.TotalTokens != 30 {
		t.Errorf("total tokens = %d, want 30", stats.TotalTokens)
	}
	if stats.LastActivity.IsZero() {
		t.Error("last activity not set")
	}
}

func TestRunUsesRequestContextSession(t *testing.T) {
	provider := &fakeProvider{steps: []fakeStep{{resp: text("ok")}}}
	h := newHarness(t, provider, Config{}, nil)

	rc := RequestContext{UserID: "u1", SessionID: "from-rc"}
	if _, err := h.agent.Run(context.Background(), "hi", "", rc); err != nil {
		t.Fatalf("run: %v", err)
	}
	history, _ := h.store.History(context.Background(), "from-rc", 0)
	if len(history) == 0 {
		t.Error("run did not use the request context session id")
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	store := sessions.NewMemoryStore(0)
	if _, err := New(nil, nil, store, nil, nil, Config{}, testLogger()); err == nil {
		t.Error("expected error for nil provider")
	}
	if _, err := New(&fakeProvider{}, nil, nil, nil, nil, Config{}, testLogger()); err == nil {
		t.Error("expected error for nil store")
	}
}
