// Package config loads and validates the framework's environment-driven
// configuration. Load never fails on malformed individual values; every
// problem is collected and reported by Validate as one multi-line error
// so operators fix their environment in a single pass.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Provider names accepted for LLM_PROVIDER.
const (
	ProviderOpenAI       = "openai"
	ProviderAnthropic    = "anthropic"
	ProviderXAI          = "xai"
	ProviderOpenAICompat = "openai_compat"
	ProviderLocal        = "local"
)

// Config is the validated runtime configuration assembled from the
// environment.
type Config struct {
	LLM      LLMConfig
	Database DatabaseConfig
	Cache    CacheConfig
	Plugins  PluginsConfig
	API      APIConfig
	Agent    AgentConfig
	Safety   SafetyConfig

	// FernetKey encrypts stored secrets. 44 urlsafe-base64 characters
	// ending in "=", decoding to 32 bytes.
	FernetKey string

	// DevMode relaxes cookie security and CORS defaults for local work.
	DevMode bool

	// problems accumulates malformed values seen during Load so
	// Validate can report them alongside its own checks.
	problems []string
}

// LLMConfig selects and authenticates the chat-completion provider.
type LLMConfig struct {
	Provider        string
	Model           string
	OpenAIKey       string
	OpenAIBaseURL   string
	AnthropicKey    string
	XAIKey          string
	LocalBaseURL    string
	RequestTimeout  time.Duration
	MaxOutputTokens int
}

// DatabaseConfig selects the storage backend and pool bounds.
type DatabaseConfig struct {
	URL         string
	PoolMinSize int
	PoolMaxSize int
}

// CacheConfig selects the cache backend.
type CacheConfig struct {
	RedisURL   string
	MaxSize    int
	DefaultTTL time.Duration
	Prefix     string
}

// PluginsConfig governs subprocess tool plugins. Plugins stay disabled
// unless explicitly enabled.
type PluginsConfig struct {
	Enabled         bool
	AllowUnverified bool
	AllowlistFile   string
	// Plugins is the comma-separated SAM_PLUGINS list, split.
	Plugins []string
	// Dirs are scanned for plugin manifests during discovery.
	Dirs []string
}

// APIConfig shapes the HTTP front door.
type APIConfig struct {
	Host        string
	Port        int
	RootPath    string
	CORSOrigins []string
}

// AgentConfig tunes the orchestrator.
type AgentConfig struct {
	SystemPrompt  string
	MaxIterations int
	UserID        string
}

// SafetyConfig caps blockchain tool behavior.
type SafetyConfig struct {
	MaxTransactionSOL float64
	DefaultSlippage   float64
}

// Defaults applied when the environment leaves a key unset.
const (
	DefaultDatabaseURL   = "sqlite:///.sam/sam.db"
	DefaultCacheMaxSize  = 1000
	DefaultPoolMinSize   = 2
	DefaultPoolMaxSize   = 10
	DefaultAPIHost       = "127.0.0.1"
	DefaultAPIPort       = 8001
	DefaultMaxIterations = 10
	DefaultCachePrefix   = "sam:"
	DefaultMaxTxSOL      = 1000
	DefaultSlippage      = 1
)

// Load assembles a Config from the process environment. Malformed
// numeric or boolean values fall back to their defaults and are
// recorded for Validate; Load itself never fails.
func Load() *Config {
	cfg := &Config{}

	cfg.LLM = LLMConfig{
		Provider:        strings.ToLower(envOr("LLM_PROVIDER", ProviderOpenAI)),
		Model:           os.Getenv("LLM_MODEL"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:   os.Getenv("OPENAI_BASE_URL"),
		AnthropicKey:    os.Getenv("ANTHROPIC_API_KEY"),
		XAIKey:          os.Getenv("XAI_API_KEY"),
		LocalBaseURL:    os.Getenv("LOCAL_LLM_BASE_URL"),
		RequestTimeout:  cfg.duration("LLM_REQUEST_TIMEOUT", 60*time.Second),
		MaxOutputTokens: cfg.intVal("LLM_MAX_OUTPUT_TOKENS", 0),
	}

	cfg.Database = DatabaseConfig{
		URL:         envOr("SAM_DATABASE_URL", DefaultDatabaseURL),
		PoolMinSize: cfg.intVal("SAM_DB_POOL_MIN_SIZE", DefaultPoolMinSize),
		PoolMaxSize: cfg.intVal("SAM_DB_POOL_MAX_SIZE", DefaultPoolMaxSize),
	}

	cfg.Cache = CacheConfig{
		RedisURL:   os.Getenv("SAM_REDIS_URL"),
		MaxSize:    cfg.intVal("SAM_CACHE_MAX_SIZE", DefaultCacheMaxSize),
		DefaultTTL: cfg.duration("SAM_CACHE_DEFAULT_TTL", 0),
		Prefix:     envOr("SAM_CACHE_PREFIX", DefaultCachePrefix),
	}

	cfg.Plugins = PluginsConfig{
		Enabled:         cfg.boolVal("SAM_ENABLE_PLUGINS", false),
		AllowUnverified: cfg.boolVal("SAM_PLUGIN_ALLOW_UNVERIFIED", false),
		AllowlistFile:   envOr("SAM_PLUGIN_ALLOWLIST_FILE", filepath.Join(StateDir(), "plugin_allowlist.json")),
		Plugins:         splitList(os.Getenv("SAM_PLUGINS")),
		Dirs:            splitList(os.Getenv("SAM_PLUGIN_DIRS")),
	}

	cfg.API = APIConfig{
		Host:        envOr("SAM_API_HOST", DefaultAPIHost),
		Port:        cfg.intVal("SAM_API_PORT", DefaultAPIPort),
		RootPath:    os.Getenv("SAM_API_ROOT_PATH"),
		CORSOrigins: splitList(os.Getenv("SAM_API_CORS_ORIGINS")),
	}

	cfg.Agent = AgentConfig{
		SystemPrompt:  os.Getenv("SAM_SYSTEM_PROMPT"),
		MaxIterations: cfg.intVal("SAM_MAX_ITERATIONS", DefaultMaxIterations),
		UserID:        envOr("SAM_USER_ID", "default"),
	}

	cfg.Safety = SafetyConfig{
		MaxTransactionSOL: cfg.floatVal("MAX_TRANSACTION_SOL", DefaultMaxTxSOL),
		DefaultSlippage:   cfg.floatVal("DEFAULT_SLIPPAGE", DefaultSlippage),
	}

	cfg.FernetKey = os.Getenv("SAM_FERNET_KEY")
	cfg.DevMode = cfg.boolVal("SAM_DEV_MODE", false)

	return cfg
}

// StateDir is where the framework keeps its local state (database,
// plugin allowlist) unless overridden.
func StateDir() string {
	if dir := os.Getenv("SAM_STATE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sam"
	}
	return filepath.Join(home, ".sam")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (c *Config) intVal(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		c.problems = append(c.problems, key+": not an integer: "+raw)
		return fallback
	}
	return v
}

func (c *Config) floatVal(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		c.problems = append(c.problems, key+": not a number: "+raw)
		return fallback
	}
	return v
}

func (c *Config) boolVal(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		c.problems = append(c.problems, key+": not a boolean: "+raw)
		return fallback
	}
}

// duration reads key as either a Go duration ("30s") or a bare number
// of seconds, matching how deployments commonly write TTLs.
func (c *Config) duration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			c.problems = append(c.problems, key+": negative duration: "+raw)
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		c.problems = append(c.problems, key+": not a duration: "+raw)
		return fallback
	}
	if d < 0 {
		c.problems = append(c.problems, key+": negative duration: "+raw)
		return fallback
	}
	return d
}
