package service

import (
	"context"
	"testing"
)

func TestBlockingReport(t *testing.T) {
	st, rec, log := testStore(t)
	svc := NewBlockingService(st, log)
	ctx := context.Background()

	created, err := svc.Report(ctx, "reviewer-1", "builder-1", "waiting on schema")
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if !created {
		t.Fatal("expected new blocking")
	}

	// Global plus both agents' channels.
	events := rec.named("agent.blocked")
	if len(events) != 3 {
		t.Fatalf("expected 3 agent.blocked deliveries, got %d", len(events))
	}
	channels := map[string]bool{}
	for _, e := range events {
		channels[e.Channel] = true
	}
	if !channels["global"] || !channels["agents/reviewer-1"] || !channels["agents/builder-1"] {
		t.Errorf("unexpected channels %v", channels)
	}

	blocked, err := svc.IsBlocked(ctx, "builder-1")
	if err != nil {
		t.Fatalf("IsBlocked failed: %v", err)
	}
	if !blocked {
		t.Error("expected builder-1 to be blocked")
	}
}

func TestBlockingReportDuplicate(t *testing.T) {
	st, rec, log := testStore(t)
	svc := NewBlockingService(st, log)
	ctx := context.Background()

	if _, err := svc.Report(ctx, "a", "b", "first"); err != nil {
		t.Fatalf("Report failed: %v", err)
	}

	rec.reset()
	created, err := svc.Report(ctx, "a", "b", "again")
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if created {
		t.Error("expected duplicate report to be a no-op")
	}
	if len(rec.named("agent.blocked")) != 0 {
		t.Error("expected no event for duplicate report")
	}
}

func TestBlockingReportValidation(t *testing.T) {
	st, _, log := testStore(t)
	svc := NewBlockingService(st, log)
	ctx := context.Background()

	if _, err := svc.Report(ctx, "", "b", ""); !IsValidation(err) {
		t.Errorf("expected validation error for empty blocker, got %v", err)
	}
	if _, err := svc.Report(ctx, "a", "a", ""); !IsValidation(err) {
		t.Errorf("expected validation error for self-blocking, got %v", err)
	}
}

func TestBlockingResolve(t *testing.T) {
	st, rec, log := testStore(t)
	svc := NewBlockingService(st, log)
	ctx := context.Background()

	if _, err := svc.Report(ctx, "a", "b", ""); err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if _, err := svc.Report(ctx, "c", "b", ""); err != nil {
		t.Fatalf("Report failed: %v", err)
	}

	rec.reset()
	resolved, err := svc.Resolve(ctx, "a", "b")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved != 1 {
		t.Errorf("expected 1 resolved, got %d", resolved)
	}
	if len(rec.named("agent.unblocked")) != 3 {
		t.Errorf("expected agent.unblocked on 3 channels, got %d", len(rec.named("agent.unblocked")))
	}

	// Empty blocker resolves everything left against the agent.
	resolved, err = svc.Resolve(ctx, "", "b")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved != 1 {
		t.Errorf("expected 1 resolved, got %d", resolved)
	}

	blocked, _ := svc.IsBlocked(ctx, "b")
	if blocked {
		t.Error("expected b to be unblocked")
	}
}

func TestBlockingResolveNothingOpen(t *testing.T) {
	st, rec, log := testStore(t)
	svc := NewBlockingService(st, log)

	resolved, err := svc.Resolve(context.Background(), "a", "b")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved != 0 {
		t.Errorf("expected 0 resolved, got %d", resolved)
	}
	if len(rec.named("agent.unblocked")) != 0 {
		t.Error("expected no event when nothing resolved")
	}
}
