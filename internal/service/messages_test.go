package service

import (
	"context"
	"testing"
	"time"

	"github.com/dcm/dcm/internal/common/config"
	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
)

func testMessages(t *testing.T) (*MessageService, *notifyRecorder) {
	t.Helper()
	st, rec, log := testStore(t)
	return NewMessageService(st, config.MessageConfig{DefaultTTL: 3600}, log), rec
}

func strptr(s string) *string { return &s }

func TestSendDirectMessage(t *testing.T) {
	svc, rec := testMessages(t)
	ctx := context.Background()

	msg, err := svc.Send(ctx, SendMessageInput{
		FromAgent: "builder-1",
		ToAgent:   strptr("reviewer-1"),
		Topic:     models.TopicTaskCompleted,
		Content:   map[string]any{"task": "t1"},
		Priority:  7,
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if msg.ExpiresAt == nil {
		t.Fatal("expected expires_at to be set")
	}

	// Direct messages go to global and the recipient's channel.
	events := rec.named("message.new")
	if len(events) != 2 {
		t.Fatalf("expected 2 message.new deliveries, got %d", len(events))
	}
	channels := map[string]bool{events[0].Channel: true, events[1].Channel: true}
	if !channels["global"] || !channels["agents/reviewer-1"] {
		t.Errorf("unexpected channels %v", channels)
	}
}

func TestSendBroadcast(t *testing.T) {
	svc, rec := testMessages(t)
	msg, err := svc.Send(context.Background(), SendMessageInput{
		FromAgent: "builder-1",
		Topic:     models.TopicWorkflowProgress,
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !msg.Broadcast() {
		t.Error("expected broadcast message")
	}
	events := rec.named("message.new")
	if len(events) != 1 || events[0].Channel != "global" {
		t.Errorf("expected one global delivery, got %v", events)
	}
}

func TestSendValidation(t *testing.T) {
	svc, _ := testMessages(t)
	ctx := context.Background()

	cases := []SendMessageInput{
		{Topic: models.TopicTaskCreated},                               // missing from
		{FromAgent: "a"},                                               // missing topic
		{FromAgent: "a", Topic: "weird.topic"},                         // unknown topic
		{FromAgent: "a", Topic: models.TopicTaskCreated, Priority: 11}, // bad priority
	}
	for i, in := range cases {
		if _, err := svc.Send(ctx, in); !IsValidation(err) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestSendWrapsScalarContent(t *testing.T) {
	svc, _ := testMessages(t)
	msg, err := svc.Send(context.Background(), SendMessageInput{
		FromAgent:  "builder-1",
		Topic:      models.TopicAgentStarted,
		ContentRaw: "ready",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if msg.Content["message"] != "ready" {
		t.Errorf("expected wrapped scalar content, got %v", msg.Content)
	}
}

func TestSendTTLBounds(t *testing.T) {
	svc, _ := testMessages(t)
	ctx := context.Background()

	short, err := svc.Send(ctx, SendMessageInput{
		FromAgent:  "builder-1",
		Topic:      models.TopicTaskCreated,
		TTLSeconds: 1,
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if until := time.Until(*short.ExpiresAt); until > 2*time.Second {
		t.Errorf("expected ~1s TTL, expires in %v", until)
	}

	// Zero means unset and takes the configured default.
	fallback, err := svc.Send(ctx, SendMessageInput{
		FromAgent: "builder-1",
		Topic:     models.TopicTaskCreated,
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if until := time.Until(*fallback.ExpiresAt); until < 59*time.Minute || until > 61*time.Minute {
		t.Errorf("expected default 1h TTL, expires in %v", until)
	}

	// Out-of-range values are rejected, not clamped.
	for _, ttl := range []int{-1, 86401} {
		if _, err := svc.Send(ctx, SendMessageInput{
			FromAgent:  "builder-1",
			Topic:      models.TopicTaskCreated,
			TTLSeconds: ttl,
		}); !IsValidation(err) {
			t.Errorf("ttl %d: expected validation error, got %v", ttl, err)
		}
	}
}

func TestInboxVisibility(t *testing.T) {
	st, _, log := testStore(t)
	svc := NewMessageService(st, config.MessageConfig{DefaultTTL: 3600}, log)
	ctx := context.Background()

	if _, err := svc.Send(ctx, SendMessageInput{
		FromAgent: "a", ToAgent: strptr("b"), Topic: models.TopicTaskCreated,
	}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := svc.Send(ctx, SendMessageInput{
		FromAgent: "a", Topic: models.TopicWorkflowProgress,
	}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	inbox, err := svc.Inbox(ctx, "b", store.MessageFilter{IncludeBroadcasts: true})
	if err != nil {
		t.Fatalf("Inbox failed: %v", err)
	}
	if len(inbox) != 2 {
		t.Errorf("expected direct + broadcast, got %d", len(inbox))
	}

	// Another agent only sees the broadcast.
	other, err := svc.Inbox(ctx, "c", store.MessageFilter{IncludeBroadcasts: true})
	if err != nil {
		t.Fatalf("Inbox failed: %v", err)
	}
	if len(other) != 1 || !other[0].Broadcast() {
		t.Errorf("expected only the broadcast, got %v", other)
	}

	direct, err := svc.Inbox(ctx, "b", store.MessageFilter{IncludeBroadcasts: false})
	if err != nil {
		t.Fatalf("Inbox failed: %v", err)
	}
	if len(direct) != 1 || direct[0].Broadcast() {
		t.Errorf("expected only the direct message, got %v", direct)
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	st, rec, log := testStore(t)
	svc := NewMessageService(st, config.MessageConfig{DefaultTTL: 3600}, log)
	ctx := context.Background()

	msg, err := svc.Send(ctx, SendMessageInput{
		FromAgent: "a", ToAgent: strptr("b"), Topic: models.TopicTaskCreated,
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	rec.reset()
	if err := svc.MarkRead(ctx, "b", msg.ID); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if len(rec.named("message.read")) != 1 {
		t.Error("expected message.read on first read")
	}

	rec.reset()
	if err := svc.MarkRead(ctx, "b", msg.ID); err != nil {
		t.Fatalf("second MarkRead failed: %v", err)
	}
	if len(rec.named("message.read")) != 0 {
		t.Error("expected no event on repeated read")
	}
}
