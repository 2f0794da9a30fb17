package providers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/prfagit/sam-framework-sub002/internal/agent"
	"github.com/prfagit/sam-framework-sub002/internal/tools"
	"github.com/prfagit/sam-framework-sub002/pkg/models"
)

// defaultAnthropicMaxTokens applies when the config leaves MaxTokens
// unset; the Messages API requires an explicit cap.
const defaultAnthropicMaxTokens = 4096

// AnthropicConfig tunes the Anthropic adapter.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// Anthropic adapts the official SDK to the LLMProvider contract.
//
// Anthropic wire specifics: system prompts travel as a top-level
// parameter rather than a message, tool results are tool_result blocks
// inside a user message, and assistant tool calls are tool_use content
// blocks.
type Anthropic struct {
	client anthropic.Client
	cfg    AnthropicConfig
	logger *slog.Logger
}

// NewAnthropic builds the adapter. The API key is required.
func NewAnthropic(cfg AnthropicConfig, logger *slog.Logger) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultAnthropicMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Anthropic{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Name reports the provider identity.
func (p *Anthropic) Name() string { return "anthropic" }

// Chat sends the history and tool schemas through Messages.New and
// walks the returned content blocks for text and tool_use.
func (p *Anthropic) Chat(ctx context.Context, messages []models.Message, specs []tools.Spec) (*agent.ChatResponse, error) {
	system, converted := toAnthropicMessages(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.Model),
		Messages:  converted,
		MaxTokens: int64(p.cfg.MaxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(specs) > 0 {
		params.Tools = toAnthropicTools(specs)
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapProviderError("anthropic", err)
	}

	out := &agent.ChatResponse{
		Usage: models.Usage{
			PromptTokens:     int(message.Usage.InputTokens),
			CompletionTokens: int(message.Usage.OutputTokens),
			TotalTokens:      int(message.Usage.InputTokens + message.Usage.OutputTokens),
		},
	}

	for _, block := range message.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					p.logger.Warn("undecodable tool arguments",
						"provider", "anthropic",
						"tool", block.Name,
						"error", err)
					args = map[string]any{}
				}
			}
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	return out, nil
}

// toAnthropicMessages converts history to the Messages API shape.
// System messages are hoisted into the returned system string;
// tool-role messages become tool_result blocks inside user messages.
func toAnthropicMessages(messages []models.Message) (string, []anthropic.MessageParam) {
	var system []string
	out := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			if msg.Content != "" {
				system = append(system, msg.Content)
			}
		case models.RoleUser:
			if msg.Content != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}
		case models.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input any = tc.Arguments
				if tc.Arguments == nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(content) > 0 {
				out = append(out, anthropic.NewAssistantMessage(content...))
			}
		case models.RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		}
	}
	return strings.Join(system, "\n\n"), out
}

func toAnthropicTools(specs []tools.Spec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		tool := anthropic.ToolParam{
			Name:        spec.Name,
			Description: anthropic.String(spec.Description),
		}
		schema := spec.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		data, _ := json.Marshal(schema)
		var input anthropic.ToolInputSchemaParam
		_ = json.Unmarshal(data, &input)
		tool.InputSchema = input
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}
