package config

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// ValidationError carries every configuration problem found in one
// pass. Startup fails with the full list rather than the first hit.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid configuration: " + e.Problems[0]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "invalid configuration (%d problems):", len(e.Problems))
	for _, p := range e.Problems {
		b.WriteString("\n  - ")
		b.WriteString(p)
	}
	return b.String()
}

// Validate checks the loaded configuration against the schema:
// provider enum plus its conditional keys, URL schemes, numeric
// ranges, and the Fernet key shape. All violations are returned
// together as a *ValidationError.
func (c *Config) Validate() error {
	problems := append([]string(nil), c.problems...)
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.LLM.Provider {
	case ProviderOpenAI:
		if c.LLM.OpenAIKey == "" {
			add("OPENAI_API_KEY is required when LLM_PROVIDER=openai")
		}
	case ProviderAnthropic:
		if c.LLM.AnthropicKey == "" {
			add("ANTHROPIC_API_KEY is required when LLM_PROVIDER=anthropic")
		}
	case ProviderXAI:
		if c.LLM.XAIKey == "" {
			add("XAI_API_KEY is required when LLM_PROVIDER=xai")
		}
	case ProviderOpenAICompat:
		if c.LLM.OpenAIBaseURL == "" {
			add("OPENAI_BASE_URL is required when LLM_PROVIDER=openai_compat")
		}
	case ProviderLocal:
		if c.LLM.LocalBaseURL == "" {
			add("LOCAL_LLM_BASE_URL is required when LLM_PROVIDER=local")
		}
	default:
		add("LLM_PROVIDER: unknown provider %q (valid: %s, %s, %s, %s, %s)",
			c.LLM.Provider, ProviderOpenAI, ProviderAnthropic, ProviderXAI, ProviderOpenAICompat, ProviderLocal)
	}

	if !strings.HasPrefix(c.Database.URL, "sqlite://") &&
		!strings.HasPrefix(c.Database.URL, "postgresql://") &&
		!strings.HasPrefix(c.Database.URL, "postgres://") {
		add("SAM_DATABASE_URL: unsupported scheme in %q (want sqlite:// or postgresql://)", c.Database.URL)
	}
	if c.Database.PoolMinSize < 1 {
		add("SAM_DB_POOL_MIN_SIZE: must be at least 1, got %d", c.Database.PoolMinSize)
	}
	if c.Database.PoolMaxSize < 1 {
		add("SAM_DB_POOL_MAX_SIZE: must be at least 1, got %d", c.Database.PoolMaxSize)
	}
	if c.Database.PoolMinSize >= 1 && c.Database.PoolMaxSize >= 1 && c.Database.PoolMinSize > c.Database.PoolMaxSize {
		add("SAM_DB_POOL_MIN_SIZE (%d) exceeds SAM_DB_POOL_MAX_SIZE (%d)", c.Database.PoolMinSize, c.Database.PoolMaxSize)
	}

	if c.Cache.MaxSize < 1 {
		add("SAM_CACHE_MAX_SIZE: must be at least 1, got %d", c.Cache.MaxSize)
	}
	if c.Cache.RedisURL != "" &&
		!strings.HasPrefix(c.Cache.RedisURL, "redis://") &&
		!strings.HasPrefix(c.Cache.RedisURL, "rediss://") {
		add("SAM_REDIS_URL: unsupported scheme in %q (want redis:// or rediss://)", c.Cache.RedisURL)
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		add("SAM_API_PORT: must be 1-65535, got %d", c.API.Port)
	}
	if c.API.RootPath != "" && !strings.HasPrefix(c.API.RootPath, "/") {
		add("SAM_API_ROOT_PATH: must start with /, got %q", c.API.RootPath)
	}

	if c.Agent.MaxIterations < 1 {
		add("SAM_MAX_ITERATIONS: must be at least 1, got %d", c.Agent.MaxIterations)
	}

	if c.Safety.MaxTransactionSOL <= 0 {
		add("MAX_TRANSACTION_SOL: must be positive, got %g", c.Safety.MaxTransactionSOL)
	}
	if c.Safety.DefaultSlippage < 0 || c.Safety.DefaultSlippage > 100 {
		add("DEFAULT_SLIPPAGE: must be 0-100, got %g", c.Safety.DefaultSlippage)
	}

	if c.FernetKey != "" {
		if err := validateFernetKey(c.FernetKey); err != nil {
			add("SAM_FERNET_KEY: %v", err)
		}
	}

	if c.Plugins.Enabled && c.Plugins.AllowlistFile == "" && !c.Plugins.AllowUnverified {
		add("SAM_PLUGIN_ALLOWLIST_FILE is required when plugins are enabled without SAM_PLUGIN_ALLOW_UNVERIFIED")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// validateFernetKey enforces the Fernet shape: exactly 44 urlsafe
// base64 characters, '='-terminated, decoding to 32 bytes.
func validateFernetKey(key string) error {
	if len(key) != 44 {
		return fmt.Errorf("must be exactly 44 characters, got %d", len(key))
	}
	if !strings.HasSuffix(key, "=") {
		return fmt.Errorf("must end with '='")
	}
	decoded, err := base64.URLEncoding.DecodeString(key)
	if err != nil {
		return fmt.Errorf("not urlsafe base64: %v", err)
	}
	if len(decoded) != 32 {
		return fmt.Errorf("must decode to 32 bytes, got %d", len(decoded))
	}
	return nil
}
