package agent

import (
	"context"
	"log/slog"
	"sync"
)

// Builder constructs an agent for a request context. The factory calls
// it at most once per cache key until that key is cleared.
type Builder func(ctx context.Context, rc RequestContext) (*Agent, error)

// Factory caches one agent per RequestContext.CacheKey. Lookups take the
// read lock; a miss re-checks under the write lock before building so
// concurrent first requests for the same user share one agent.
type Factory struct {
	mu      sync.RWMutex
	agents  map[string]*Agent
	builder Builder
	logger  *slog.Logger
}

// NewFactory returns an empty factory around builder.
func NewFactory(builder Builder, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		agents:  make(map[string]*Agent),
		builder: builder,
		logger:  logger,
	}
}

// Get returns the cached agent for rc, building it on first use.
func (f *Factory) Get(ctx context.Context, rc RequestContext) (*Agent, error) {
	key := rc.CacheKey()

	f.mu.RLock()
	a, ok := f.agents[key]
	f.mu.RUnlock()
	if ok {
		return a, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.agents[key]; ok {
		return a, nil
	}
	a, err := f.builder(ctx, rc)
	if err != nil {
		return nil, err
	}
	f.agents[key] = a
	f.logger.Debug("agent built", "cache_key", key)
	return a, nil
}

// Clear removes and closes the agent cached for rc, if any.
func (f *Factory) Clear(rc RequestContext) {
	key := rc.CacheKey()

	f.mu.Lock()
	a, ok := f.agents[key]
	delete(f.agents, key)
	f.mu.Unlock()

	if ok {
		f.closeAgent(key, a)
	}
}

// ClearAll removes and closes every cached agent.
func (f *Factory) ClearAll() {
	f.mu.Lock()
	agents := f.agents
	f.agents = make(map[string]*Agent)
	f.mu.Unlock()

	for key, a := range agents {
		f.closeAgent(key, a)
	}
}

// Size reports how many agents are cached.
func (f *Factory) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.agents)
}

// Close tears the factory down. Errors from individual agents are
// swallowed so one stuck agent cannot block the teardown of the rest.
func (f *Factory) Close() error {
	f.ClearAll()
	return nil
}

func (f *Factory) closeAgent(key string, a *Agent) {
	if err := a.Close(); err != nil {
		f.logger.Warn("agent close failed", "cache_key", key, "error", err)
	}
}
