package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentdock/agentdock/internal/common/logger"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestMemoryEventBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	var received []*Event

	_, err := b.Subscribe("session.created", func(ctx context.Context, e *Event) error {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	event := NewEvent("session.created", "test", map[string]interface{}{"session_id": "s1"})
	if err := b.Publish(context.Background(), "session.created", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	mu.Lock()
	if received[0].Data["session_id"] != "s1" {
		t.Errorf("expected session_id s1, got %v", received[0].Data["session_id"])
	}
	mu.Unlock()
}

func TestMemoryEventBusWildcards(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	counts := map[string]int{}

	sub := func(pattern string) {
		_, err := b.Subscribe(pattern, func(ctx context.Context, e *Event) error {
			mu.Lock()
			counts[pattern]++
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe(%s) failed: %v", pattern, err)
		}
	}

	sub("session.*")
	sub("session.>")
	sub("session.status_changed")

	event := NewEvent("session.status_changed", "test", nil)
	if err := b.Publish(context.Background(), "session.status_changed", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["session.*"] == 1 && counts["session.>"] == 1 && counts["session.status_changed"] == 1
	})

	// A two-token tail should only match the > pattern
	if err := b.Publish(context.Background(), "session.git.rebase", NewEvent("session.git.rebase", "test", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["session.>"] == 2
	})

	mu.Lock()
	if counts["session.*"] != 1 {
		t.Errorf("session.* should not match session.git.rebase, count=%d", counts["session.*"])
	}
	mu.Unlock()
}

func TestMemoryEventBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	count := 0

	sub, err := b.Subscribe("session.deleted", func(ctx context.Context, e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("subscription should be invalid after unsubscribe")
	}

	if err := b.Publish(context.Background(), "session.deleted", NewEvent("session.deleted", "test", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if count != 0 {
		t.Errorf("expected no deliveries after unsubscribe, got %d", count)
	}
	mu.Unlock()
}

func TestMemoryEventBusClosed(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()

	if b.IsConnected() {
		t.Error("closed bus should not report connected")
	}

	if err := b.Publish(context.Background(), "session.created", NewEvent("session.created", "test", nil)); err == nil {
		t.Error("expected error publishing to closed bus")
	}

	if _, err := b.Subscribe("session.created", func(ctx context.Context, e *Event) error { return nil }); err == nil {
		t.Error("expected error subscribing to closed bus")
	}
}
