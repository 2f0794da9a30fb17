package agent

import (
	"context"
	"errors"

	"github.com/prfagit/sam-framework-sub002/internal/tools"
	"github.com/prfagit/sam-framework-sub002/pkg/models"
)

// Provider error sentinels. Concrete adapters wrap upstream failures in
// these so breaker policies can match on kind instead of provider SDK
// types.
var (
	// ErrProvider marks a failed LLM call.
	ErrProvider = errors.New("llm provider error")
	// ErrProviderTimeout marks an LLM call that exceeded its deadline.
	ErrProviderTimeout = errors.New("llm provider timeout")
)

// ChatResponse is one non-streaming completion from a provider.
type ChatResponse struct {
	Content   string
	ToolCalls []models.ToolCall
	Usage     models.Usage
}

// LLMProvider is the interface the orchestrator drives. Chat sends the
// full message history plus the available tool schemas and returns the
// model's next turn; passing no specs disables tool use for that call.
type LLMProvider interface {
	Chat(ctx context.Context, messages []models.Message, specs []tools.Spec) (*ChatResponse, error)
	Name() string
}
