package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dcm/dcm/internal/common/logger"
)

func testBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return NewMemoryEventBus(log)
}

func waitEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishExactSubject(t *testing.T) {
	b := testBus(t)
	got := make(chan *Event, 1)

	_, err := b.Subscribe("dcm.events.global", func(_ context.Context, ev *Event) error {
		got <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ev := NewEvent("global", "session.created", map[string]any{"session_id": "s1"})
	if err := b.Publish(context.Background(), Subject("global"), ev); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	delivered := waitEvent(t, got)
	if delivered.Name != "session.created" {
		t.Errorf("expected session.created, got %s", delivered.Name)
	}
	if delivered.Channel != "global" {
		t.Errorf("expected channel global, got %s", delivered.Channel)
	}
}

func TestWildcardTail(t *testing.T) {
	b := testBus(t)
	got := make(chan *Event, 4)

	_, err := b.Subscribe(SubjectAll, func(_ context.Context, ev *Event) error {
		got <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for _, channel := range []string{"global", "agents/builder-1", "sessions/s1"} {
		ev := NewEvent(channel, "system.info", nil)
		if err := b.Publish(context.Background(), Subject(channel), ev); err != nil {
			t.Fatalf("Publish(%s) failed: %v", channel, err)
		}
	}

	channels := map[string]bool{}
	for i := 0; i < 3; i++ {
		channels[waitEvent(t, got).Channel] = true
	}
	for _, want := range []string{"global", "agents/builder-1", "sessions/s1"} {
		if !channels[want] {
			t.Errorf("expected delivery for channel %s", want)
		}
	}
}

func TestWildcardSingleToken(t *testing.T) {
	b := testBus(t)
	got := make(chan *Event, 2)

	_, err := b.Subscribe("dcm.events.agents.*", func(_ context.Context, ev *Event) error {
		got <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	match := NewEvent("agents/builder-1", "system.info", nil)
	_ = b.Publish(context.Background(), Subject("agents/builder-1"), match)
	noMatch := NewEvent("global", "system.info", nil)
	_ = b.Publish(context.Background(), Subject("global"), noMatch)

	delivered := waitEvent(t, got)
	if delivered.Channel != "agents/builder-1" {
		t.Errorf("expected agents/builder-1, got %s", delivered.Channel)
	}
	select {
	case ev := <-got:
		t.Errorf("unexpected extra delivery for channel %s", ev.Channel)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDeliveryPreservesPublishOrder(t *testing.T) {
	b := testBus(t)
	const total = 500
	got := make(chan *Event, total)

	_, err := b.Subscribe(SubjectAll, func(_ context.Context, ev *Event) error {
		got <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i := 0; i < total; i++ {
		ev := NewEvent("global", "system.info", map[string]any{"seq": i})
		if err := b.Publish(context.Background(), Subject("global"), ev); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	for i := 0; i < total; i++ {
		ev := waitEvent(t, got)
		if seq := ev.Data["seq"]; seq != i {
			t.Fatalf("delivery %d: expected seq %d, got %v", i, i, seq)
		}
	}
}

func TestQueueGroupSingleDelivery(t *testing.T) {
	b := testBus(t)

	var mu sync.Mutex
	deliveries := 0
	done := make(chan struct{}, 2)
	handler := func(_ context.Context, _ *Event) error {
		mu.Lock()
		deliveries++
		mu.Unlock()
		done <- struct{}{}
		return nil
	}

	if _, err := b.QueueSubscribe("dcm.events.global", "workers", handler); err != nil {
		t.Fatalf("QueueSubscribe failed: %v", err)
	}
	if _, err := b.QueueSubscribe("dcm.events.global", "workers", handler); err != nil {
		t.Fatalf("QueueSubscribe failed: %v", err)
	}

	ev := NewEvent("global", "system.info", nil)
	if err := b.Publish(context.Background(), Subject("global"), ev); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queue delivery")
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if deliveries != 1 {
		t.Errorf("expected exactly 1 queue delivery, got %d", deliveries)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := testBus(t)
	got := make(chan *Event, 1)

	sub, err := b.Subscribe("dcm.events.global", func(_ context.Context, ev *Event) error {
		got <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("expected subscription to be invalid after unsubscribe")
	}

	ev := NewEvent("global", "system.info", nil)
	_ = b.Publish(context.Background(), Subject("global"), ev)

	select {
	case <-got:
		t.Error("unexpected delivery after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := testBus(t)
	b.Close()
	if b.IsConnected() {
		t.Error("expected closed bus to report disconnected")
	}
	if err := b.Publish(context.Background(), Subject("global"), NewEvent("global", "system.info", nil)); err == nil {
		t.Error("expected publish on closed bus to fail")
	}
	if _, err := b.Subscribe("dcm.events.global", func(context.Context, *Event) error { return nil }); err == nil {
		t.Error("expected subscribe on closed bus to fail")
	}
}

func TestSubjectMapping(t *testing.T) {
	if got := Subject("agents/builder-1"); got != "dcm.events.agents.builder-1" {
		t.Errorf("Subject = %q", got)
	}
	if got := Subject("global"); got != "dcm.events.global" {
		t.Errorf("Subject = %q", got)
	}
}
