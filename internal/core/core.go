// Package core assembles the process singletons: one bus, one cache,
// one database engine, one session store, one tool registry, one agent
// factory. Everything else borrows handles from Core instead of
// reaching for package-level state, so tests can build as many
// independent cores as they like.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prfagit/sam-framework-sub002/internal/agent"
	"github.com/prfagit/sam-framework-sub002/internal/agent/providers"
	"github.com/prfagit/sam-framework-sub002/internal/bus"
	"github.com/prfagit/sam-framework-sub002/internal/cache"
	"github.com/prfagit/sam-framework-sub002/internal/config"
	"github.com/prfagit/sam-framework-sub002/internal/db"
	"github.com/prfagit/sam-framework-sub002/internal/infra"
	"github.com/prfagit/sam-framework-sub002/internal/observability"
	"github.com/prfagit/sam-framework-sub002/internal/plugins"
	"github.com/prfagit/sam-framework-sub002/internal/sessions"
	"github.com/prfagit/sam-framework-sub002/internal/tools"
)

// toolCacheTTL is how long cacheable tool results live when the cache
// has no default TTL of its own.
const toolCacheTTL = 5 * time.Minute

// Core owns the shared subsystems for one process.
type Core struct {
	Config   *config.Config
	Bus      *bus.Bus
	Cache    cache.Backend
	Engine   *db.Engine
	Sessions sessions.Store
	Tools    *tools.Registry
	Breakers *infra.BreakerRegistry
	Factory  *agent.Factory
	Metrics  *observability.Metrics
	Plugins  *plugins.Loader

	logger      *slog.Logger
	metricsSubs []bus.Subscription
}

// New validates cfg and builds the full subsystem graph. A partially
// built core is torn down before the error returns.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Core{Config: cfg, logger: logger}
	if err := c.build(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Core) build(ctx context.Context) error {
	cfg := c.Config

	c.Bus = bus.New(c.logger)

	backend, err := cache.New(cache.Config{
		RedisURL:   cfg.Cache.RedisURL,
		MaxSize:    cfg.Cache.MaxSize,
		DefaultTTL: cfg.Cache.DefaultTTL,
		Prefix:     cfg.Cache.Prefix,
	}, c.logger)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	c.Cache = backend

	engine, err := db.Open(db.Config{
		URL:     cfg.Database.URL,
		MinSize: cfg.Database.PoolMinSize,
		MaxSize: cfg.Database.PoolMaxSize,
	}, c.logger)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	c.Engine = engine

	if _, err := db.NewMigrator(engine, c.logger).Run(ctx, sessions.Migrations()); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	c.Sessions = sessions.NewSQLStore(engine, 0, c.logger)

	c.Metrics = observability.NewMetrics()
	c.metricsSubs = c.Metrics.Attach(c.Bus)

	c.Breakers = infra.NewBreakerRegistry(infra.BreakerConfig{})

	ttl := cfg.Cache.DefaultTTL
	if ttl <= 0 {
		ttl = toolCacheTTL
	}
	c.Tools = tools.NewRegistry(c.Bus, c.Cache, ttl, c.logger)

	provider, err := providers.New(cfg.LLM, c.logger)
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	breaker := c.Breakers.Get("llm:" + cfg.LLM.Provider)
	agentCfg := agent.Config{
		SystemPrompt:  cfg.Agent.SystemPrompt,
		MaxIterations: cfg.Agent.MaxIterations,
	}
	c.Factory = agent.NewFactory(func(_ context.Context, _ agent.RequestContext) (*agent.Agent, error) {
		return agent.New(provider, c.Tools, c.Sessions, c.Bus, breaker, agentCfg, c.logger)
	}, c.logger)

	loader, err := plugins.NewLoader(plugins.LoaderConfig{
		Enabled:         cfg.Plugins.Enabled,
		AllowUnverified: cfg.Plugins.AllowUnverified,
		AllowlistFile:   cfg.Plugins.AllowlistFile,
		Plugins:         cfg.Plugins.Plugins,
		Dirs:            cfg.Plugins.Dirs,
	}, c.Tools, c.logger)
	if err != nil {
		return fmt.Errorf("plugins: %w", err)
	}
	c.Plugins = loader
	return nil
}

// LoadPlugins discovers, verifies, and launches configured plugins.
// Rejections are logged and skipped inside the loader; only setup
// failures surface here.
func (c *Core) LoadPlugins(ctx context.Context) error {
	return c.Plugins.LoadAll(ctx)
}

// WatchAllowlist hot-reloads the plugin trust policy until ctx ends.
// No-op when plugins are disabled.
func (c *Core) WatchAllowlist(ctx context.Context) {
	if !c.Config.Plugins.Enabled {
		return
	}
	go func() {
		if err := plugins.Watch(ctx, c.Config.Plugins.AllowlistFile, c.Plugins.Policy(), c.logger); err != nil {
			c.logger.Warn("allowlist watch stopped", "error", err)
		}
	}()
}

// Health snapshots every subsystem for the health endpoint.
func (c *Core) Health(ctx context.Context) map[string]any {
	out := map[string]any{
		"llm_provider": c.Config.LLM.Provider,
		"agents":       c.Factory.Size(),
	}
	if c.Cache != nil {
		out["cache"] = c.Cache.Stats(ctx)
	}
	if c.Engine != nil {
		out["database"] = c.Engine.Stats()
	}
	if c.Breakers != nil {
		out["breakers"] = c.Breakers.Stats()
	}
	if c.Plugins != nil {
		out["plugins"] = c.Plugins.Loaded()
	}
	return out
}

// Close tears the core down in reverse build order. Each step runs
// even when earlier ones fail; the first error wins.
func (c *Core) Close() error {
	var errs []error
	if c.Plugins != nil {
		errs = append(errs, c.Plugins.Close())
	}
	if c.Factory != nil {
		errs = append(errs, c.Factory.Close())
	}
	for _, sub := range c.metricsSubs {
		c.Bus.Unsubscribe(sub)
	}
	if c.Sessions != nil {
		errs = append(errs, c.Sessions.Close())
	}
	if c.Engine != nil {
		errs = append(errs, c.Engine.Close())
	}
	if c.Cache != nil {
		errs = append(errs, c.Cache.Close())
	}
	return errors.Join(errs...)
}
