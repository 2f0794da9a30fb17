package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisLockTTL      = 10 * time.Second
	redisLockWait     = 5 * time.Second
	redisLockInterval = 50 * time.Millisecond
	redisScanBatch    = 100
)

// Redis is the shared-state backend. Values round-trip through JSON so
// heterogeneous tool results survive the wire; plain strings that are
// not valid JSON are returned as-is.
type Redis struct {
	client     *redis.Client
	prefix     string
	defaultTTL time.Duration
	info       string
	logger     *slog.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewRedis connects to rawURL and verifies the connection with a ping.
// prefix namespaces every key, so several deployments can share one
// Redis database.
func NewRedis(rawURL, prefix string, defaultTTL time.Duration, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	r := &Redis{
		client:     client,
		prefix:     prefix,
		defaultTTL: defaultTTL,
		info:       sanitizeRedisURL(rawURL),
		logger:     logger,
	}
	logger.Info("redis cache connected", "addr", opts.Addr, "db", opts.DB)
	return r, nil
}

func (r *Redis) key(key string) string { return r.prefix + key }

// sanitizeRedisURL masks any password so the URL is safe to log and to
// expose in stats.
func sanitizeRedisURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "redis"
	}
	return u.Redacted()
}

// decodeValue unmarshals a stored payload. Numbers decode to int64 when
// integral so counters read back the same on both backends.
func decodeValue(data []byte) any {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return string(data)
	}
	return normalizeNumbers(v)
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		for i := range t {
			t[i] = normalizeNumbers(t[i])
		}
	case map[string]any:
		for k := range t {
			t[k] = normalizeNumbers(t[k])
		}
	}
	return v
}

func (r *Redis) Get(ctx context.Context, key string) (any, bool, error) {
	raw, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		r.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	r.hits.Add(1)
	return decodeValue([]byte(raw)), true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value for %q: %w", key, err)
	}
	if err := r.client.Set(ctx, r.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis del %q: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %q: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) Clear(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		pattern = "*"
	}
	removed := 0
	batch := make([]string, 0, redisScanBatch)
	iter := r.client.Scan(ctx, 0, r.prefix+pattern, redisScanBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= redisScanBatch {
			n, err := r.client.Del(ctx, batch...).Result()
			if err != nil {
				return removed, fmt.Errorf("redis del batch: %w", err)
			}
			removed += int(n)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("redis scan %q: %w", pattern, err)
	}
	if len(batch) > 0 {
		n, err := r.client.Del(ctx, batch...).Result()
		if err != nil {
			return removed, fmt.Errorf("redis del batch: %w", err)
		}
		removed += int(n)
	}
	return removed, nil
}

func (r *Redis) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := r.client.IncrBy(ctx, r.key(key), delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incrby %q: %w", key, err)
	}
	return n, nil
}

// GetOrSet takes a short-TTL SetNX lock so only one caller runs the
// factory. Losers poll for the winner's value and fall back to running
// the factory themselves if the wait expires.
func (r *Redis) GetOrSet(ctx context.Context, key string, ttl time.Duration, factory func(ctx context.Context) (any, error)) (any, error) {
	if v, ok, err := r.Get(ctx, key); err != nil {
		return nil, err
	} else if ok {
		return v, nil
	}

	lockKey := r.key(key) + ":lock"
	acquired, err := r.client.SetNX(ctx, lockKey, "1", redisLockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %q: %w", lockKey, err)
	}

	if acquired {
		defer r.client.Del(context.WithoutCancel(ctx), lockKey)
		if v, ok, err := r.Get(ctx, key); err != nil {
			return nil, err
		} else if ok {
			return v, nil
		}
		v, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		if err := r.Set(ctx, key, v, ttl); err != nil {
			return nil, err
		}
		return v, nil
	}

	deadline := time.Now().Add(redisLockWait)
	ticker := time.NewTicker(redisLockInterval)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		if v, ok, err := r.Get(ctx, key); err != nil {
			return nil, err
		} else if ok {
			return v, nil
		}
		held, err := r.client.Exists(ctx, lockKey).Result()
		if err != nil {
			return nil, fmt.Errorf("redis exists %q: %w", lockKey, err)
		}
		if held == 0 {
			break
		}
	}

	// Winner vanished or took too long; compute it ourselves.
	v, err := factory(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.Set(ctx, key, v, ttl); err != nil {
		return nil, err
	}
	return v, nil
}

func (r *Redis) Stats(ctx context.Context) Stats {
	hits := r.hits.Load()
	misses := r.misses.Load()
	stats := Stats{
		Backend:        "redis",
		Hits:           hits,
		Misses:         misses,
		HitRate:        hitRate(hits, misses),
		ConnectionInfo: r.info,
	}
	if n, err := r.client.DBSize(ctx).Result(); err == nil {
		stats.Size = int(n)
	}
	return stats
}

func (r *Redis) Close() error {
	return r.client.Close()
}
