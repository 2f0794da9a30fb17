package infra

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGroupDoExecutesOnce(t *testing.T) {
	var g Group[string, int]

	v, err, shared := g.Do("key", func() (int, error) { return 7, nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 7 {
		t.Errorf("expected 7, got %d", v)
	}
	if shared {
		t.Error("expected sole caller not to be marked shared")
	}
}

func TestGroupConcurrentCallersShareOneExecution(t *testing.T) {
	var g Group[string, int]
	var executions atomic.Int32

	started := make(chan struct{})
	release := make(chan struct{})
	results := make(chan int, 10)
	sharedCount := atomic.Int32{}

	go func() {
		v, _, _ := g.Do("key", func() (int, error) {
			close(started)
			<-release
			executions.Add(1)
			return 42, nil
		})
		results <- v
	}()
	<-started

	var wg sync.WaitGroup
	for i := 0; i < 9; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, shared := g.Do("key", func() (int, error) {
				executions.Add(1)
				return 42, nil
			})
			if shared {
				sharedCount.Add(1)
			}
			results <- v
		}()
	}

	// Give the followers time to join the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < 10; i++ {
		if v := <-results; v != 42 {
			t.Errorf("caller %d: expected 42, got %d", i, v)
		}
	}
	if n := executions.Load(); n != 1 {
		t.Errorf("expected exactly one execution, got %d", n)
	}
	if n := sharedCount.Load(); n != 9 {
		t.Errorf("expected 9 shared results, got %d", n)
	}
}

func TestGroupDistinctKeysRunIndependently(t *testing.T) {
	var g Group[string, string]

	a, _, _ := g.Do("a", func() (string, error) { return "a", nil })
	b, _, _ := g.Do("b", func() (string, error) { return "b", nil })
	if a != "a" || b != "b" {
		t.Errorf("expected independent results, got %q and %q", a, b)
	}
}

func TestGroupPropagatesError(t *testing.T) {
	var g Group[string, int]
	boom := errors.New("boom")

	_, err, _ := g.Do("key", func() (int, error) { return 0, boom })
	if !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestGroupSequentialCallsReExecute(t *testing.T) {
	var g Group[string, int]
	calls := 0

	g.Do("key", func() (int, error) { calls++; return 0, nil })
	g.Do("key", func() (int, error) { calls++; return 0, nil })
	if calls != 2 {
		t.Errorf("expected sequential calls to execute twice, got %d", calls)
	}
}

func TestGroupForget(t *testing.T) {
	var g Group[string, int]

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		g.Do("key", func() (int, error) {
			close(started)
			<-release
			return 1, nil
		})
		close(done)
	}()
	<-started

	g.Forget("key")

	// After Forget, a new call starts its own execution instead of
	// joining the old flight.
	executed := make(chan struct{})
	go func() {
		g.Do("key", func() (int, error) {
			close(executed)
			return 2, nil
		})
	}()

	select {
	case <-executed:
	case <-done:
		t.Fatal("old flight finished before new execution started")
	}

	close(release)
	<-done
}
