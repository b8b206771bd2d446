package service

import (
	"context"
	"testing"

	"github.com/dcm/dcm/internal/models"
)

func TestSessionRegister(t *testing.T) {
	st, rec, log := testStore(t)
	svc := NewSessionService(st, log)
	ctx := context.Background()

	session, err := svc.Register(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if !session.Active() {
		t.Error("expected active session")
	}
	if len(rec.named("session.created")) != 1 {
		t.Error("expected session.created event")
	}

	// Re-registering is silent.
	rec.reset()
	if _, err := svc.Register(ctx, "sess-1"); err != nil {
		t.Fatalf("re-Register failed: %v", err)
	}
	if len(rec.named("session.created")) != 0 {
		t.Error("expected no event for existing session")
	}
}

func TestSessionEndClosesSubtasks(t *testing.T) {
	st, rec, log := testStore(t)
	fx := createFixture(t, st, log)
	subtasks := NewSubtaskService(st, log)
	sessions := NewSessionService(st, log)
	ctx := context.Background()

	sub, err := subtasks.Create(ctx, CreateSubtaskInput{TaskListID: fx.TaskListID, Description: "x"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	rec.reset()
	ended, err := sessions.End(ctx, fx.SessionID)
	if err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if ended.Active() {
		t.Error("expected session to be ended")
	}

	got, _ := st.GetSubtask(ctx, sub.ID)
	if got.Status != models.SubtaskFailed {
		t.Errorf("expected open subtask failed, got %s", got.Status)
	}
	if got.Result["error"] != "Session ended" {
		t.Errorf("expected session-end result, got %v", got.Result)
	}

	if len(rec.named("subtask.failed")) != 1 {
		t.Error("expected subtask.failed event")
	}
	endedEvents := rec.named("session.ended")
	if len(endedEvents) != 1 || endedEvents[0].Channel != "global" {
		t.Fatalf("expected session.ended on global, got %v", endedEvents)
	}
	if endedEvents[0].Data["closed_subtasks"] != 1 {
		t.Errorf("expected closed_subtasks = 1, got %v", endedEvents[0].Data["closed_subtasks"])
	}
}

func TestSessionEndIdempotent(t *testing.T) {
	st, rec, log := testStore(t)
	svc := NewSessionService(st, log)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "sess-1"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := svc.End(ctx, "sess-1"); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	rec.reset()
	ended, err := svc.End(ctx, "sess-1")
	if err != nil {
		t.Fatalf("second End failed: %v", err)
	}
	if ended.Active() {
		t.Error("expected session to stay ended")
	}
	if len(rec.named("subtask.failed")) != 0 {
		t.Error("expected no subtask events on repeated end")
	}
}
