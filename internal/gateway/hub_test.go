package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dcm/dcm/internal/auth"
	"github.com/dcm/dcm/internal/common/config"
	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/events/bus"
	"github.com/dcm/dcm/internal/store/memory"
	"github.com/dcm/dcm/pkg/protocol"
)

func testHub(t *testing.T, devMode bool) (*Hub, *memory.Store, *bus.MemoryEventBus) {
	t.Helper()
	st := memory.New()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	issuer := auth.NewTokenIssuer("test-secret", time.Hour)
	cfg := config.GatewayConfig{
		Port:              3849,
		HeartbeatInterval: 30,
		HeartbeatTimeout:  60,
		RetryInterval:     2,
		RetryTimeout:      5,
		RetryMaxAttempts:  3,
	}
	return NewHub(st, eventBus, issuer, cfg, devMode, log), st, eventBus
}

func testClient(t *testing.T, h *Hub) *Client {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return newClient("c1", nil, h, log)
}

// nextFrame drains the next queued outbound frame as a generic map.
func nextFrame(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case raw := <-c.send:
		var frame map[string]any
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return frame
	default:
		t.Fatal("expected a queued frame")
		return nil
	}
}

func TestDuePending(t *testing.T) {
	h, _, _ := testHub(t, true)
	c := testClient(t, h)

	frame := []byte(`{"event":"task.created"}`)
	c.track("ev-1", frame)

	now := time.Now()
	if due := c.duePending(5*time.Second, 3, now); len(due) != 0 {
		t.Errorf("expected nothing due before timeout, got %d", len(due))
	}

	// First retry.
	due := c.duePending(5*time.Second, 3, now.Add(6*time.Second))
	if len(due) != 1 || string(due[0]) != string(frame) {
		t.Fatalf("expected the tracked frame due, got %v", due)
	}

	// Second and third retries advance the attempt counter.
	if due := c.duePending(5*time.Second, 3, now.Add(12*time.Second)); len(due) != 1 {
		t.Fatalf("expected second retry, got %d", len(due))
	}

	// At the cap the delivery is dropped, not retried.
	if due := c.duePending(5*time.Second, 3, now.Add(18*time.Second)); len(due) != 0 {
		t.Errorf("expected delivery dropped after max attempts, got %d", len(due))
	}
	c.mu.Lock()
	remaining := len(c.pending)
	c.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected pending table empty, got %d", remaining)
	}
}

func TestAckClearsPending(t *testing.T) {
	h, _, _ := testHub(t, true)
	c := testClient(t, h)

	c.track("ev-1", []byte(`{}`))
	h.handleFrame(c, &protocol.Frame{Type: protocol.FrameAck, MessageID: "ev-1"})

	if due := c.duePending(0, 3, time.Now().Add(time.Minute)); len(due) != 0 {
		t.Errorf("expected no pending after ack, got %d", len(due))
	}
}

func TestHandleAuthDevMode(t *testing.T) {
	h, st, eventBus := testHub(t, true)
	c := testClient(t, h)

	// A persisted subscription from a previous connection.
	if err := st.UpsertSubscription(context.Background(), "builder-1", "topics/db"); err != nil {
		t.Fatalf("seed subscription failed: %v", err)
	}

	connected := make(chan *bus.Event, 1)
	sub, err := eventBus.Subscribe(bus.SubjectAll, func(_ context.Context, ev *bus.Event) error {
		if ev.Name == "agent.connected" {
			connected <- ev
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	h.handleFrame(c, &protocol.Frame{
		Type:      protocol.FrameAuth,
		ID:        "f1",
		AgentID:   "builder-1",
		SessionID: "sess-1",
	})

	ack := nextFrame(t, c)
	if ack["success"] != true || ack["id"] != "f1" {
		t.Fatalf("expected successful auth ack, got %v", ack)
	}
	if c.AgentID() != "builder-1" {
		t.Errorf("expected identity bound, got %q", c.AgentID())
	}
	for _, channel := range []string{"agents/builder-1", "sessions/sess-1", "topics/db"} {
		if !c.subscribed(channel) {
			t.Errorf("expected subscription to %s", channel)
		}
	}

	select {
	case ev := <-connected:
		if ev.Data["agent_id"] != "builder-1" {
			t.Errorf("unexpected event data %v", ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Error("expected agent.connected on the bus")
	}
}

func TestHandleSubscribeAuthorization(t *testing.T) {
	h, st, _ := testHub(t, true)
	c := testClient(t, h)

	// Unauthenticated clients may join public channels only.
	h.handleFrame(c, &protocol.Frame{Type: protocol.FrameSubscribe, ID: "f1", Channel: "global"})
	if ack := nextFrame(t, c); ack["success"] != true {
		t.Errorf("expected global subscribe to succeed, got %v", ack)
	}

	h.handleFrame(c, &protocol.Frame{Type: protocol.FrameSubscribe, ID: "f2", Channel: "agents/other"})
	if ack := nextFrame(t, c); ack["success"] != false || ack["error"] != "not authorized for channel" {
		t.Errorf("expected authorization failure, got %v", ack)
	}

	h.handleFrame(c, &protocol.Frame{Type: protocol.FrameSubscribe, ID: "f3", Channel: "sessions/sess-1"})
	if ack := nextFrame(t, c); ack["success"] != false || ack["error"] != "authentication required" {
		t.Errorf("expected auth requirement, got %v", ack)
	}

	h.handleFrame(c, &protocol.Frame{Type: protocol.FrameSubscribe, ID: "f4", Channel: "bogus"})
	if ack := nextFrame(t, c); ack["success"] != false || ack["error"] != "unknown channel" {
		t.Errorf("expected unknown channel, got %v", ack)
	}

	// Authenticated subscriptions are persisted for reconnect.
	c.setIdentity("builder-1", "sess-1")
	h.handleFrame(c, &protocol.Frame{Type: protocol.FrameSubscribe, ID: "f5", Channel: "topics/db"})
	if ack := nextFrame(t, c); ack["success"] != true {
		t.Fatalf("expected subscribe to succeed, got %v", ack)
	}
	persisted, err := st.ListSubscriptions(context.Background(), "builder-1")
	if err != nil {
		t.Fatalf("ListSubscriptions failed: %v", err)
	}
	if len(persisted) != 1 || persisted[0] != "topics/db" {
		t.Errorf("expected persisted subscription, got %v", persisted)
	}
}

func TestHandleUnsubscribe(t *testing.T) {
	h, st, _ := testHub(t, true)
	c := testClient(t, h)
	c.setIdentity("builder-1", "")

	h.handleFrame(c, &protocol.Frame{Type: protocol.FrameSubscribe, ID: "f1", Channel: "topics/db"})
	nextFrame(t, c)

	h.handleFrame(c, &protocol.Frame{Type: protocol.FrameUnsubscribe, ID: "f2", Channel: "topics/db"})
	if ack := nextFrame(t, c); ack["success"] != true {
		t.Fatalf("expected unsubscribe ack, got %v", ack)
	}
	if c.subscribed("topics/db") {
		t.Error("expected channel dropped")
	}
	persisted, _ := st.ListSubscriptions(context.Background(), "builder-1")
	if len(persisted) != 0 {
		t.Errorf("expected persisted subscription removed, got %v", persisted)
	}
}

func TestHandlePublish(t *testing.T) {
	h, _, eventBus := testHub(t, true)
	c := testClient(t, h)

	h.handleFrame(c, &protocol.Frame{Type: protocol.FramePublish, ID: "f1", Channel: "global", Event: "not.a.thing"})
	if ack := nextFrame(t, c); ack["success"] != false || ack["error"] != "unknown event name" {
		t.Errorf("expected unknown event rejection, got %v", ack)
	}

	h.handleFrame(c, &protocol.Frame{Type: protocol.FramePublish, ID: "f2", Channel: "bogus", Event: "message.new"})
	if ack := nextFrame(t, c); ack["success"] != false || ack["error"] != "unknown channel" {
		t.Errorf("expected unknown channel rejection, got %v", ack)
	}

	h.handleFrame(c, &protocol.Frame{Type: protocol.FramePublish, ID: "f3", Channel: "agents/builder-1", Event: "message.new"})
	if ack := nextFrame(t, c); ack["success"] != false || ack["error"] != "authentication required" {
		t.Errorf("expected auth requirement, got %v", ack)
	}

	received := make(chan *bus.Event, 1)
	sub, err := eventBus.Subscribe(bus.Subject("global"), func(_ context.Context, ev *bus.Event) error {
		received <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	h.handleFrame(c, &protocol.Frame{
		Type:    protocol.FramePublish,
		ID:      "f4",
		Channel: "global",
		Event:   "message.new",
		Data:    json.RawMessage(`{"note":"hello"}`),
	})
	if ack := nextFrame(t, c); ack["success"] != true {
		t.Fatalf("expected publish to succeed, got %v", ack)
	}

	select {
	case ev := <-received:
		if ev.Name != "message.new" || ev.Data["note"] != "hello" {
			t.Errorf("unexpected event %v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Error("expected the published event on the bus")
	}
}

func TestHandlePublishRejectsNonObjectData(t *testing.T) {
	h, _, _ := testHub(t, true)
	c := testClient(t, h)

	h.handleFrame(c, &protocol.Frame{
		Type:    protocol.FramePublish,
		ID:      "f1",
		Channel: "global",
		Event:   "message.new",
		Data:    json.RawMessage(`"a string"`),
	})
	if ack := nextFrame(t, c); ack["success"] != false || ack["error"] != "data must be an object" {
		t.Errorf("expected object requirement, got %v", ack)
	}
}

func TestHandleUnknownFrame(t *testing.T) {
	h, _, _ := testHub(t, true)
	c := testClient(t, h)

	h.handleFrame(c, &protocol.Frame{Type: "nonsense"})
	frame := nextFrame(t, c)
	if frame["code"] != "INVALID_FRAME" {
		t.Errorf("expected INVALID_FRAME error, got %v", frame)
	}
}

func TestHandlePing(t *testing.T) {
	h, _, _ := testHub(t, true)
	c := testClient(t, h)

	h.handleFrame(c, &protocol.Frame{Type: protocol.FramePing})
	frame := nextFrame(t, c)
	if frame["type"] != "pong" {
		t.Errorf("expected pong, got %v", frame)
	}
}
