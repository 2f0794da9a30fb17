package bus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	b := New(testLogger())

	var got []int
	for i := 0; i < 3; i++ {
		i := i
		b.Subscribe("topic", func(_ context.Context, _ Event) {
			got = append(got, i)
		})
	}

	b.Publish(context.Background(), "topic", nil)

	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Errorf("delivery %d: expected handler %d, got %d", i, i, v)
		}
	}
}

func TestPublishCarriesPayload(t *testing.T) {
	b := New(testLogger())

	var got Event
	b.Subscribe("topic", func(_ context.Context, e Event) { got = e })

	b.Publish(context.Background(), "topic", 42)

	if got.Name != "topic" {
		t.Errorf("expected event name topic, got %q", got.Name)
	}
	if got.Payload != 42 {
		t.Errorf("expected payload 42, got %v", got.Payload)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(testLogger())

	calls := 0
	sub := b.Subscribe("topic", func(_ context.Context, _ Event) { calls++ })

	b.Publish(context.Background(), "topic", nil)
	b.Unsubscribe(sub)
	b.Publish(context.Background(), "topic", nil)

	if calls != 1 {
		t.Errorf("expected 1 call after unsubscribe, got %d", calls)
	}
	if n := b.SubscriberCount("topic"); n != 0 {
		t.Errorf("expected 0 subscribers, got %d", n)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New(testLogger())

	sub := b.Subscribe("topic", func(_ context.Context, _ Event) {})
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	if n := b.SubscriberCount("topic"); n != 0 {
		t.Errorf("expected 0 subscribers, got %d", n)
	}
}

func TestUnsubscribeDuringPublishDoesNotAffectInFlightDelivery(t *testing.T) {
	b := New(testLogger())

	var secondCalls int
	var second Subscription
	b.Subscribe("topic", func(_ context.Context, _ Event) {
		b.Unsubscribe(second)
	})
	second = b.Subscribe("topic", func(_ context.Context, _ Event) { secondCalls++ })

	// The first handler removes the second mid-publish; the snapshot taken
	// at publish time still delivers to it once.
	b.Publish(context.Background(), "topic", nil)
	if secondCalls != 1 {
		t.Errorf("expected in-flight delivery to reach removed handler, got %d calls", secondCalls)
	}

	b.Publish(context.Background(), "topic", nil)
	if secondCalls != 1 {
		t.Errorf("expected no delivery after unsubscribe, got %d calls", secondCalls)
	}
}

func TestHandlerPanicDoesNotStopSiblings(t *testing.T) {
	b := New(testLogger())

	b.Subscribe("topic", func(_ context.Context, _ Event) {
		panic("boom")
	})
	delivered := false
	b.Subscribe("topic", func(_ context.Context, _ Event) { delivered = true })

	b.Publish(context.Background(), "topic", nil)

	if !delivered {
		t.Error("expected second handler to run after first panicked")
	}
}

func TestSameHandlerSubscribedTwiceGetsTwoTokens(t *testing.T) {
	b := New(testLogger())

	calls := 0
	handler := func(_ context.Context, _ Event) { calls++ }
	first := b.Subscribe("topic", handler)
	b.Subscribe("topic", handler)

	b.Publish(context.Background(), "topic", nil)
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}

	b.Unsubscribe(first)
	b.Publish(context.Background(), "topic", nil)
	if calls != 3 {
		t.Errorf("expected remaining registration to deliver once more, got %d total calls", calls)
	}
}

func TestPublishWithNoSubscribersIsNoOp(t *testing.T) {
	b := New(testLogger())
	b.Publish(context.Background(), "topic", "ignored")
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	b := New(testLogger())

	var mu sync.Mutex
	total := 0
	b.Subscribe("topic", func(_ context.Context, _ Event) {
		mu.Lock()
		total++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish(context.Background(), "topic", j)
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := b.Subscribe("topic", func(_ context.Context, _ Event) {})
			b.Unsubscribe(sub)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if total != 8*50 {
		t.Errorf("expected %d deliveries, got %d", 8*50, total)
	}
}
