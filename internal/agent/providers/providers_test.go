package providers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	openailib "github.com/sashabaranov/go-openai"

	"github.com/prfagit/sam-framework-sub002/internal/agent"
	"github.com/prfagit/sam-framework-sub002/internal/config"
	"github.com/prfagit/sam-framework-sub002/internal/tools"
	"github.com/prfagit/sam-framework-sub002/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewSelectsProvider(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.LLMConfig
		want string
	}{
		{"openai", config.LLMConfig{Provider: config.ProviderOpenAI, OpenAIKey: "k"}, "openai"},
		{"xai", config.LLMConfig{Provider: config.ProviderXAI, XAIKey: "k"}, "xai"},
		{"compat", config.LLMConfig{Provider: config.ProviderOpenAICompat, OpenAIKey: "k", OpenAIBaseURL: "http://x"}, "openai_compat"},
		{"local without key", config.LLMConfig{Provider: config.ProviderLocal, LocalBaseURL: "http://localhost:11434/v1"}, "local"},
		{"anthropic", config.LLMConfig{Provider: config.ProviderAnthropic, AnthropicKey: "k"}, "anthropic"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := New(tc.cfg, testLogger())
			if err != nil {
				t.Fatal(err)
			}
			if p.Name() != tc.want {
				t.Errorf("Name() = %q, want %q", p.Name(), tc.want)
			}
		})
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	if _, err := New(config.LLMConfig{Provider: "smoke-signals"}, testLogger()); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	if _, err := NewOpenAI(OpenAIConfig{}, testLogger()); err == nil {
		t.Fatal("expected error")
	}
}

func TestToOpenAIMessages(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: "be terse"},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "call_1", Name: "lookup", Arguments: map[string]any{"q": "go"}},
		}},
		{Role: models.RoleTool, Content: `{"ok":true}`, ToolCallID: "call_1"},
	}

	out := toOpenAIMessages(msgs)
	if len(out) != 4 {
		t.Fatalf("len = %d", len(out))
	}
	if out[0].Role != openailib.ChatMessageRoleSystem {
		t.Errorf("system role = %q", out[0].Role)
	}
	if len(out[2].ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(out[2].ToolCalls))
	}
	if got := out[2].ToolCalls[0].Function.Arguments; got != `{"q":"go"}` {
		t.Errorf("arguments = %s", got)
	}
	if out[3].Role != openailib.ChatMessageRoleTool || out[3].ToolCallID != "call_1" {
		t.Errorf("tool reply = %+v", out[3])
	}
}

func TestToAnthropicMessagesHoistsSystem(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: "be terse"},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "checking", ToolCalls: []models.ToolCall{
			{ID: "toolu_1", Name: "lookup", Arguments: map[string]any{"q": "go"}},
		}},
		{Role: models.RoleTool, Content: "found it", ToolCallID: "toolu_1"},
	}

	system, out := toAnthropicMessages(msgs)
	if system != "be terse" {
		t.Errorf("system = %q", system)
	}
	// user, assistant (text + tool_use), tool_result-as-user
	if len(out) != 3 {
		t.Fatalf("len = %d", len(out))
	}
	if len(out[1].Content) != 2 {
		t.Errorf("assistant blocks = %d, want text + tool_use", len(out[1].Content))
	}
}

func TestWrapProviderError(t *testing.T) {
	if err := wrapProviderError("openai", context.Canceled); !errors.Is(err, context.Canceled) || errors.Is(err, agent.ErrProvider) {
		t.Errorf("cancellation was wrapped: %v", err)
	}
	if err := wrapProviderError("openai", context.DeadlineExceeded); !errors.Is(err, agent.ErrProviderTimeout) {
		t.Errorf("deadline not mapped: %v", err)
	}
	if err := wrapProviderError("openai", errors.New("request timed out")); !errors.Is(err, agent.ErrProviderTimeout) {
		t.Errorf("timeout message not mapped: %v", err)
	}
	if err := wrapProviderError("openai", errors.New("500 internal")); !errors.Is(err, agent.ErrProvider) {
		t.Errorf("generic failure not mapped: %v", err)
	}
}

func TestToOpenAIToolsDefaultsSchema(t *testing.T) {
	out := toOpenAITools([]tools.Spec{{Name: "noop", Description: "does nothing"}})
	if len(out) != 1 {
		t.Fatalf("len = %d", len(out))
	}
	params, ok := out[0].Function.Parameters.(map[string]any)
	if !ok {
		t.Fatalf("parameters type %T", out[0].Function.Parameters)
	}
	if params["type"] != "object" {
		t.Errorf("default schema = %v", params)
	}
}
