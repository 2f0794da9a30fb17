package cache

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prfagit/sam-framework-sub002/internal/infra"
)

const defaultMemoryMaxSize = 1000

// memoryEntry tracks one cached value. lastAccess is a logical tick, not
// wall time, so recency survives clock adjustments.
type memoryEntry struct {
	value      any
	expiresAt  time.Time // zero means no expiry
	lastAccess uint64
}

// Memory is the in-process backend: a bounded map with TTL expiry and
// least-recently-used eviction. Expired entries are dropped lazily on
// read and swept by a background janitor.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]*memoryEntry
	tick       uint64
	maxSize    int
	defaultTTL time.Duration

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	flights infra.Group[string, any]

	stopJanitor chan struct{}
	stopOnce    sync.Once
	logger      *slog.Logger
}

// NewMemory returns a memory backend holding at most maxSize entries.
func NewMemory(maxSize int, defaultTTL time.Duration, logger *slog.Logger) *Memory {
	if maxSize <= 0 {
		maxSize = defaultMemoryMaxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Memory{
		entries:     make(map[string]*memoryEntry),
		maxSize:     maxSize,
		defaultTTL:  defaultTTL,
		stopJanitor: make(chan struct{}),
		logger:      logger,
	}
	go m.janitor(time.Minute)
	return m
}

func (m *Memory) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopJanitor:
			return
		}
	}
}

func (m *Memory) sweep() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(m.entries, key)
		}
	}
}

func (m *Memory) Get(_ context.Context, key string) (any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		m.misses.Add(1)
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		m.misses.Add(1)
		return nil, false, nil
	}
	m.tick++
	e.lastAccess = m.tick
	m.hits.Add(1)
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxSize {
		m.evictOldest()
	}
	m.tick++
	m.entries[key] = &memoryEntry{value: value, expiresAt: expiresAt, lastAccess: m.tick}
	return nil
}

// evictOldest assumes m.mu is held. Expired entries are preferred over
// the least recently used one.
func (m *Memory) evictOldest() {
	now := time.Now()
	var (
		oldestKey  string
		oldestTick uint64
		found      bool
	)
	for key, e := range m.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(m.entries, key)
			return
		}
		if !found || e.lastAccess < oldestTick {
			oldestKey, oldestTick, found = key, e.lastAccess, true
		}
	}
	if found {
		delete(m.entries, oldestKey)
		m.evictions.Add(1)
	}
}

func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; !ok {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		return false, nil
	}
	return true, nil
}

func (m *Memory) Clear(_ context.Context, pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pattern == "" || pattern == "*" {
		removed := len(m.entries)
		m.entries = make(map[string]*memoryEntry)
		return removed, nil
	}

	removed := 0
	for key := range m.entries {
		ok, err := path.Match(pattern, key)
		if err != nil {
			return removed, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		if ok {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Increment(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if ok && !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		ok = false
	}
	if !ok {
		if len(m.entries) >= m.maxSize {
			m.evictOldest()
		}
		m.tick++
		m.entries[key] = &memoryEntry{value: delta, lastAccess: m.tick}
		return delta, nil
	}

	var current int64
	switch v := e.value.(type) {
	case int64:
		current = v
	case int:
		current = int64(v)
	case float64:
		current = int64(v)
	default:
		return 0, fmt.Errorf("cache: value at %q is not numeric", key)
	}
	current += delta
	e.value = current
	m.tick++
	e.lastAccess = m.tick
	return current, nil
}

func (m *Memory) GetOrSet(ctx context.Context, key string, ttl time.Duration, factory func(ctx context.Context) (any, error)) (any, error) {
	if v, ok, _ := m.Get(ctx, key); ok {
		return v, nil
	}
	v, err, _ := m.flights.Do(key, func() (any, error) {
		// Another flight may have stored the value while we queued.
		if v, ok, _ := m.Get(ctx, key); ok {
			return v, nil
		}
		v, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		if err := m.Set(ctx, key, v, ttl); err != nil {
			return nil, err
		}
		return v, nil
	})
	return v, err
}

func (m *Memory) Stats(_ context.Context) Stats {
	m.mu.Lock()
	size := len(m.entries)
	m.mu.Unlock()

	hits := m.hits.Load()
	misses := m.misses.Load()
	return Stats{
		Backend:        "memory",
		Size:           size,
		MaxSize:        m.maxSize,
		Hits:           hits,
		Misses:         misses,
		Evictions:      m.evictions.Load(),
		HitRate:        hitRate(hits, misses),
		ConnectionInfo: "in-process",
	}
}

// Close stops the janitor. The map stays usable afterwards; expired
// entries are then dropped only on access.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stopJanitor) })
	return nil
}
