// Package infra provides shared resilience primitives: a circuit breaker
// guarding outbound calls and a single-flight group that collapses
// duplicate concurrent work.
package infra

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// BreakerState is the lifecycle state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// ErrBreakerOpen is returned without invoking the wrapped call while the
// breaker refuses traffic. Rejections are cheap: no goroutine, no timer.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// ErrBreakerTimeout is returned when a wrapped call exceeds the
// configured RequestTimeout. Timeouts count as failures.
var ErrBreakerTimeout = errors.New("circuit breaker: request timed out")

// BreakerConfig tunes a circuit breaker. Zero values fall back to the
// defaults in sanitizeBreakerConfig.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive counted failures
	// that opens the breaker.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker again.
	SuccessThreshold int
	// RecoveryTimeout is how long the breaker stays open before it
	// admits a probe.
	RecoveryTimeout time.Duration
	// RequestTimeout bounds each wrapped call. Zero disables the
	// per-call deadline.
	RequestTimeout time.Duration
	// Counted decides whether an error trips the breaker. When nil,
	// every error except context.Canceled counts.
	Counted func(error) bool
	// OnStateChange, when set, is invoked asynchronously on every
	// transition.
	OnStateChange func(name string, from, to BreakerState)
}

func sanitizeBreakerConfig(cfg BreakerConfig) BreakerConfig {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.RequestTimeout < 0 {
		cfg.RequestTimeout = 0
	}
	return cfg
}

// BreakerStats is a point-in-time snapshot of one breaker.
type BreakerStats struct {
	Name          string       `json:"name"`
	State         BreakerState `json:"state"`
	Failures      int          `json:"failures"`
	Successes     int          `json:"successes"`
	TotalRequests uint64       `json:"total_requests"`
	TotalFailures uint64       `json:"total_failures"`
	TotalTimeouts uint64       `json:"total_timeouts"`
	LastFailure   time.Time    `json:"last_failure"`
}

// Breaker wraps calls to an unreliable dependency. Consecutive counted
// failures open it; after RecoveryTimeout exactly one probe is admitted,
// and SuccessThreshold consecutive probe successes close it again. A
// single mutex guards all state; the wrapped call itself runs outside
// the lock.
type Breaker struct {
	name   string
	config BreakerConfig

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	probes      int
	lastFailure time.Time

	totalRequests uint64
	totalFailures uint64
	totalTimeouts uint64
}

// NewBreaker returns a closed breaker with the given name.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{
		name:   name,
		config: sanitizeBreakerConfig(cfg),
		state:  BreakerClosed,
	}
}

// Name returns the breaker's registry name.
func (b *Breaker) Name() string { return b.name }

// Call runs fn through the breaker. While open it returns ErrBreakerOpen
// without invoking fn; rejected calls still count toward TotalRequests.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := b.invoke(ctx, fn)
	b.record(err)
	return err
}

// CallWithResult runs fn through breaker b and returns its value. On
// rejection or timeout the zero value is returned alongside the error.
func CallWithResult[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var mu sync.Mutex
	var result T
	err := b.Call(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		mu.Lock()
		result = v
		mu.Unlock()
		return err
	})
	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	if b.state == BreakerOpen {
		if time.Since(b.lastFailure) < b.config.RecoveryTimeout {
			return ErrBreakerOpen
		}
		b.transition(BreakerHalfOpen)
	}
	if b.state == BreakerHalfOpen {
		// One probe in flight at a time.
		if b.probes > 0 {
			return ErrBreakerOpen
		}
		b.probes++
	}
	return nil
}

func (b *Breaker) invoke(ctx context.Context, fn func(context.Context) error) error {
	if b.config.RequestTimeout <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.config.RequestTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in guarded call: %v", r)
			}
		}()
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) && callCtx.Err() != nil && ctx.Err() == nil {
			// The per-call deadline expired and fn surfaced it.
			b.mu.Lock()
			b.totalTimeouts++
			b.mu.Unlock()
			return ErrBreakerTimeout
		}
		return err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			// Caller cancellation, not a breaker timeout.
			return err
		}
		b.mu.Lock()
		b.totalTimeouts++
		b.mu.Unlock()
		return ErrBreakerTimeout
	}
}

func (b *Breaker) counts(err error) bool {
	if err == nil {
		return false
	}
	if b.config.Counted != nil {
		return b.config.Counted(err)
	}
	return !errors.Is(err, context.Canceled)
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen && b.probes > 0 {
		b.probes--
	}

	if b.counts(err) {
		b.totalFailures++
		b.failures++
		b.successes = 0
		b.lastFailure = time.Now()
		switch b.state {
		case BreakerHalfOpen:
			b.transition(BreakerOpen)
		case BreakerClosed:
			if b.failures >= b.config.FailureThreshold {
				b.transition(BreakerOpen)
			}
		}
		return
	}
	if err != nil {
		// Uncounted errors neither trip nor heal the breaker.
		return
	}

	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transition(BreakerClosed)
		}
	case BreakerClosed:
		b.failures = 0
	}
}

// transition assumes b.mu is held.
func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	b.probes = 0

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.name, from, to)
	}
}

// State reports the current state without side effects.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		Name:          b.name,
		State:         b.state,
		Failures:      b.failures,
		Successes:     b.successes,
		TotalRequests: b.totalRequests,
		TotalFailures: b.totalFailures,
		TotalTimeouts: b.totalTimeouts,
		LastFailure:   b.lastFailure,
	}
}

// Reset forces the breaker back to closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(BreakerClosed)
	b.lastFailure = time.Time{}
}

// BreakerRegistry hands out named breakers, creating each on first use
// with the registry's default configuration.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults BreakerConfig
}

// NewBreakerRegistry returns a registry whose breakers default to cfg.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*Breaker),
		defaults: cfg,
	}
}

// Get returns the breaker registered under name, creating it with the
// registry defaults if needed.
func (r *BreakerRegistry) Get(name string) *Breaker {
	return r.GetWithConfig(name, r.defaults)
}

// GetWithConfig returns the breaker registered under name, creating it
// with cfg if it does not exist yet. An existing breaker keeps its
// original configuration.
func (r *BreakerRegistry) GetWithConfig(name string, cfg BreakerConfig) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, cfg)
	r.breakers[name] = b
	return b
}

// Stats returns snapshots of all registered breakers sorted by name.
func (r *BreakerRegistry) Stats() []BreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make([]BreakerStats, 0, len(r.breakers))
	for _, b := range r.breakers {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
