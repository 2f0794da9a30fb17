// Package providers implements the LLMProvider adapters behind the
// orchestrator: the OpenAI-compatible family (OpenAI, xAI, custom and
// local OpenAI-compatible servers) and Anthropic. Adapters convert the
// framework's message history and tool specs into each SDK's wire
// types and normalize failures so the circuit breaker can count them.
package providers

import (
	"fmt"
	"log/slog"

	"github.com/prfagit/sam-framework-sub002/internal/agent"
	"github.com/prfagit/sam-framework-sub002/internal/config"
)

// xaiBaseURL is the OpenAI-compatible endpoint served by xAI.
const xaiBaseURL = "https://api.x.ai/v1"

// Default models per provider when LLM_MODEL is unset.
const (
	defaultOpenAIModel    = "gpt-4o"
	defaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultXAIModel       = "grok-3"
)

// New builds the provider selected by cfg.Provider. The xai, local and
// openai_compat providers ride the OpenAI adapter with their own base
// URLs. Unknown names fail with the list of valid ones.
func New(cfg config.LLMConfig, logger *slog.Logger) (agent.LLMProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Provider {
	case config.ProviderOpenAI:
		return NewOpenAI(OpenAIConfig{
			Name:      config.ProviderOpenAI,
			APIKey:    cfg.OpenAIKey,
			BaseURL:   cfg.OpenAIBaseURL,
			Model:     modelOr(cfg.Model, defaultOpenAIModel),
			MaxTokens: cfg.MaxOutputTokens,
		}, logger)
	case config.ProviderXAI:
		return NewOpenAI(OpenAIConfig{
			Name:      config.ProviderXAI,
			APIKey:    cfg.XAIKey,
			BaseURL:   xaiBaseURL,
			Model:     modelOr(cfg.Model, defaultXAIModel),
			MaxTokens: cfg.MaxOutputTokens,
		}, logger)
	case config.ProviderOpenAICompat:
		return NewOpenAI(OpenAIConfig{
			Name:      config.ProviderOpenAICompat,
			APIKey:    cfg.OpenAIKey,
			BaseURL:   cfg.OpenAIBaseURL,
			Model:     modelOr(cfg.Model, defaultOpenAIModel),
			MaxTokens: cfg.MaxOutputTokens,
		}, logger)
	case config.ProviderLocal:
		// Local servers (ollama, llama.cpp) speak the OpenAI protocol
		// and usually ignore the key; send a placeholder so the SDK
		// does not reject the empty string.
		key := cfg.OpenAIKey
		if key == "" {
			key = "local"
		}
		return NewOpenAI(OpenAIConfig{
			Name:      config.ProviderLocal,
			APIKey:    key,
			BaseURL:   cfg.LocalBaseURL,
			Model:     modelOr(cfg.Model, defaultOpenAIModel),
			MaxTokens: cfg.MaxOutputTokens,
		}, logger)
	case config.ProviderAnthropic:
		return NewAnthropic(AnthropicConfig{
			APIKey:    cfg.AnthropicKey,
			Model:     modelOr(cfg.Model, defaultAnthropicModel),
			MaxTokens: cfg.MaxOutputTokens,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q (valid: %s, %s, %s, %s, %s)",
			cfg.Provider, config.ProviderOpenAI, config.ProviderAnthropic, config.ProviderXAI,
			config.ProviderOpenAICompat, config.ProviderLocal)
	}
}

func modelOr(model, fallback string) string {
	if model != "" {
		return model
	}
	return fallback
}
