package providers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/prfagit/sam-framework-sub002/internal/agent"
	"github.com/prfagit/sam-framework-sub002/internal/tools"
	"github.com/prfagit/sam-framework-sub002/pkg/models"
)

// OpenAIConfig tunes one OpenAI-compatible adapter instance.
type OpenAIConfig struct {
	// Name is the provider identity reported to the orchestrator:
	// openai, xai, openai_compat or local.
	Name string
	// APIKey authenticates against the endpoint.
	APIKey string
	// BaseURL overrides the default api.openai.com endpoint. Required
	// for xai, openai_compat and local.
	BaseURL string
	// Model is sent with every request.
	Model string
	// MaxTokens caps the completion length when positive.
	MaxTokens int
}

// OpenAI adapts the go-openai client to the LLMProvider contract. One
// instance serves the whole OpenAI-compatible family; only the base
// URL and reported name differ.
//
// OpenAI wire specifics: the system prompt is an ordinary first
// message, tool results are one message per call keyed by
// tool_call_id, and tool arguments travel as a JSON string inside the
// function call.
type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig
	logger *slog.Logger
}

// NewOpenAI builds the adapter. The API key is required; base URL is
// required whenever the name implies a non-default endpoint.
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Name reports the configured provider identity.
func (p *OpenAI) Name() string { return p.cfg.Name }

// Chat sends the full history plus tool schemas and returns the
// model's next turn. Passing no specs omits the tools field entirely,
// which is how the fallback iteration disables tool use.
func (p *OpenAI) Chat(ctx context.Context, messages []models.Message, specs []tools.Spec) (*agent.ChatResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:    p.cfg.Model,
		Messages: toOpenAIMessages(messages),
	}
	if p.cfg.MaxTokens > 0 {
		req.MaxTokens = p.cfg.MaxTokens
	}
	if len(specs) > 0 {
		req.Tools = toOpenAITools(specs)
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, wrapProviderError(p.cfg.Name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, wrapProviderError(p.cfg.Name, errors.New("response contained no choices"))
	}

	choice := resp.Choices[0].Message
	out := &agent.ChatResponse{
		Content: choice.Content,
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}

	for _, tc := range choice.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				// Malformed arguments become an empty map; the tool's
				// schema validation reports the real problem back to
				// the model.
				p.logger.Warn("undecodable tool arguments",
					"provider", p.cfg.Name,
					"tool", tc.Function.Name,
					"error", err)
				args = map[string]any{}
			}
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}

// toOpenAIMessages converts history to the wire shape. Assistant tool
// calls carry their arguments re-encoded as JSON strings; tool-role
// messages become per-call replies linked by tool_call_id.
func toOpenAIMessages(messages []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		m := openai.ChatCompletionMessage{Content: msg.Content}
		switch msg.Role {
		case models.RoleSystem:
			m.Role = openai.ChatMessageRoleSystem
		case models.RoleUser:
			m.Role = openai.ChatMessageRoleUser
		case models.RoleAssistant:
			m.Role = openai.ChatMessageRoleAssistant
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
		case models.RoleTool:
			m.Role = openai.ChatMessageRoleTool
			m.ToolCallID = msg.ToolCallID
		default:
			m.Role = openai.ChatMessageRoleUser
		}
		out = append(out, m)
	}
	return out
}

func toOpenAITools(specs []tools.Spec) []openai.Tool {
	out := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		params := spec.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
