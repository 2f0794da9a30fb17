package infra

import "sync"

// flight tracks one in-progress execution and the result its waiters
// will share.
type flight[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// Group collapses concurrent calls for the same key into a single
// execution. The first caller runs fn; everyone else arriving before it
// finishes blocks and receives the same result.
type Group[K comparable, V any] struct {
	mu      sync.Mutex
	flights map[K]*flight[V]
}

// Do executes fn for key unless an execution is already in flight, in
// which case it waits for that result. The boolean reports whether the
// result was shared with other callers.
func (g *Group[K, V]) Do(key K, fn func() (V, error)) (V, error, bool) {
	g.mu.Lock()
	if g.flights == nil {
		g.flights = make(map[K]*flight[V])
	}
	if f, ok := g.flights[key]; ok {
		g.mu.Unlock()
		<-f.done
		return f.val, f.err, true
	}
	f := &flight[V]{done: make(chan struct{})}
	g.flights[key] = f
	g.mu.Unlock()

	// Release waiters even if fn panics.
	defer func() {
		g.mu.Lock()
		if g.flights[key] == f {
			delete(g.flights, key)
		}
		g.mu.Unlock()
		close(f.done)
	}()
	f.val, f.err = fn()

	return f.val, f.err, false
}

// Forget drops any in-flight marker for key so the next Do starts a
// fresh execution. Waiters on the current flight still get its result.
func (g *Group[K, V]) Forget(key K) {
	g.mu.Lock()
	delete(g.flights, key)
	g.mu.Unlock()
}
