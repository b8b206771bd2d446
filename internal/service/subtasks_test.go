package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
)

// fakeCompleter records TaskFinished calls.
type fakeCompleter struct {
	mu    sync.Mutex
	calls []struct {
		SessionID  string
		WaveNumber int
		Failed     bool
	}
}

func (f *fakeCompleter) TaskFinished(_ context.Context, sessionID string, waveNumber int, failed bool) {
	f.mu.Lock()
	f.calls = append(f.calls, struct {
		SessionID  string
		WaveNumber int
		Failed     bool
	}{sessionID, waveNumber, failed})
	f.mu.Unlock()
}

func TestSubtaskCreate(t *testing.T) {
	st, rec, log := testStore(t)
	fx := createFixture(t, st, log)
	svc := NewSubtaskService(st, log)
	ctx := context.Background()

	rec.reset()
	sub, err := svc.Create(ctx, CreateSubtaskInput{
		TaskListID:  fx.TaskListID,
		Description: "write the parser",
		AgentType:   "builder",
		AgentID:     "builder-1",
		Priority:    5,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if sub.Status != models.SubtaskPending {
		t.Errorf("expected pending, got %s", sub.Status)
	}

	wave, err := st.GetWave(ctx, fx.SessionID, 1)
	if err != nil {
		t.Fatalf("GetWave failed: %v", err)
	}
	if wave.TotalTasks != 1 {
		t.Errorf("expected wave total 1, got %d", wave.TotalTasks)
	}

	session, _ := st.GetSession(ctx, fx.SessionID)
	if session.SubtaskCount != 1 {
		t.Errorf("expected subtask count 1, got %d", session.SubtaskCount)
	}

	// Event lands on global, the session channel, and the assignee's channel.
	created := rec.named("subtask.created")
	if len(created) != 3 {
		t.Fatalf("expected 3 subtask.created deliveries, got %d", len(created))
	}
	channels := map[string]bool{}
	for _, ev := range created {
		channels[ev.Channel] = true
	}
	if !channels["global"] || !channels["sessions/sess-1"] || !channels["agents/builder-1"] {
		t.Errorf("unexpected channels %v", channels)
	}
}

func TestSubtaskCreateValidation(t *testing.T) {
	st, _, log := testStore(t)
	svc := NewSubtaskService(st, log)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateSubtaskInput{TaskListID: "tl"}); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := svc.Create(ctx, CreateSubtaskInput{
		TaskListID: "missing", Description: "x",
	}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown task-list, got %v", err)
	}
}

func TestSubtaskBlockedByValidation(t *testing.T) {
	st, _, log := testStore(t)
	fx := createFixture(t, st, log)
	svc := NewSubtaskService(st, log)
	ctx := context.Background()

	// Blockers must exist.
	if _, err := svc.Create(ctx, CreateSubtaskInput{
		TaskListID: fx.TaskListID, Description: "x", BlockedBy: []string{"ghost"},
	}); !IsValidation(err) {
		t.Errorf("expected validation error for unknown blocker, got %v", err)
	}

	blocker, err := svc.Create(ctx, CreateSubtaskInput{TaskListID: fx.TaskListID, Description: "first"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	sub, err := svc.Create(ctx, CreateSubtaskInput{
		TaskListID: fx.TaskListID, Description: "second", BlockedBy: []string{blocker.ID},
	})
	if err != nil {
		t.Fatalf("Create with sibling blocker failed: %v", err)
	}

	// Blockers must live in the same task-list.
	other, err := NewTaskListService(st, log).Create(ctx, CreateTaskListInput{
		RequestID: fx.RequestID, WaveNumber: 2,
	})
	if err != nil {
		t.Fatalf("task-list setup failed: %v", err)
	}
	if _, err := svc.Create(ctx, CreateSubtaskInput{
		TaskListID: other.ID, Description: "x", BlockedBy: []string{blocker.ID},
	}); !IsValidation(err) {
		t.Errorf("expected validation error for cross-list blocker, got %v", err)
	}

	// A subtask cannot block itself.
	self := []string{sub.ID}
	if _, err := svc.Update(ctx, sub.ID, UpdateSubtaskInput{BlockedBy: &self}); !IsValidation(err) {
		t.Errorf("expected validation error for self-blocking, got %v", err)
	}
}

func TestSubtaskBlockedResumeGate(t *testing.T) {
	st, _, log := testStore(t)
	fx := createFixture(t, st, log)
	svc := NewSubtaskService(st, log)
	ctx := context.Background()

	blocker, err := svc.Create(ctx, CreateSubtaskInput{TaskListID: fx.TaskListID, Description: "first"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	sub, err := svc.Create(ctx, CreateSubtaskInput{
		TaskListID: fx.TaskListID, Description: "second", BlockedBy: []string{blocker.ID},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	running := models.SubtaskRunning
	blocked := models.SubtaskBlocked
	completed := models.SubtaskCompleted
	if _, err := svc.Update(ctx, sub.ID, UpdateSubtaskInput{Status: &running}); err != nil {
		t.Fatalf("Update to running failed: %v", err)
	}
	if _, err := svc.Update(ctx, sub.ID, UpdateSubtaskInput{Status: &blocked}); err != nil {
		t.Fatalf("Update to blocked failed: %v", err)
	}

	// Resuming while the blocker is still open is rejected.
	if _, err := svc.Update(ctx, sub.ID, UpdateSubtaskInput{Status: &running}); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict with an open blocker, got %v", err)
	}

	if _, err := svc.Update(ctx, blocker.ID, UpdateSubtaskInput{Status: &running}); err != nil {
		t.Fatalf("blocker Update failed: %v", err)
	}
	if _, err := svc.Update(ctx, blocker.ID, UpdateSubtaskInput{Status: &completed}); err != nil {
		t.Fatalf("blocker Update failed: %v", err)
	}

	resumed, err := svc.Update(ctx, sub.ID, UpdateSubtaskInput{Status: &running})
	if err != nil {
		t.Fatalf("resume after blocker finished failed: %v", err)
	}
	if resumed.Status != models.SubtaskRunning {
		t.Errorf("expected running, got %s", resumed.Status)
	}
}

func TestSubtaskIllegalTransition(t *testing.T) {
	st, _, log := testStore(t)
	fx := createFixture(t, st, log)
	svc := NewSubtaskService(st, log)
	ctx := context.Background()

	sub, err := svc.Create(ctx, CreateSubtaskInput{TaskListID: fx.TaskListID, Description: "x"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// pending cannot jump straight to completed.
	completed := models.SubtaskCompleted
	if _, err := svc.Update(ctx, sub.ID, UpdateSubtaskInput{Status: &completed}); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}

	// The rejected write must not have leaked.
	got, _ := st.GetSubtask(ctx, sub.ID)
	if got.Status != models.SubtaskPending {
		t.Errorf("expected status to stay pending, got %s", got.Status)
	}
}

func TestSubtaskLifecycleEvents(t *testing.T) {
	st, rec, log := testStore(t)
	fx := createFixture(t, st, log)
	svc := NewSubtaskService(st, log)
	waves := &fakeCompleter{}
	svc.SetWaveCompleter(waves)
	ctx := context.Background()

	sub, err := svc.Create(ctx, CreateSubtaskInput{TaskListID: fx.TaskListID, Description: "x"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	rec.reset()
	running := models.SubtaskRunning
	if _, err := svc.Update(ctx, sub.ID, UpdateSubtaskInput{Status: &running}); err != nil {
		t.Fatalf("Update to running failed: %v", err)
	}
	if len(rec.named("subtask.running")) == 0 {
		t.Error("expected subtask.running event")
	}
	if len(waves.calls) != 0 {
		t.Error("non-terminal transition must not advance wave counters")
	}

	completed := models.SubtaskCompleted
	updated, err := svc.Update(ctx, sub.ID, UpdateSubtaskInput{
		Status: &completed,
		Result: map[string]any{"ok": true},
	})
	if err != nil {
		t.Fatalf("Update to completed failed: %v", err)
	}
	if updated.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if len(rec.named("subtask.completed")) == 0 {
		t.Error("expected subtask.completed event")
	}

	if len(waves.calls) != 1 {
		t.Fatalf("expected one TaskFinished call, got %d", len(waves.calls))
	}
	call := waves.calls[0]
	if call.SessionID != fx.SessionID || call.WaveNumber != 1 || call.Failed {
		t.Errorf("unexpected TaskFinished call %+v", call)
	}
}

func TestSubtaskFailureReportsFailed(t *testing.T) {
	st, _, log := testStore(t)
	fx := createFixture(t, st, log)
	svc := NewSubtaskService(st, log)
	waves := &fakeCompleter{}
	svc.SetWaveCompleter(waves)
	ctx := context.Background()

	sub, _ := svc.Create(ctx, CreateSubtaskInput{TaskListID: fx.TaskListID, Description: "x"})
	running := models.SubtaskRunning
	failed := models.SubtaskFailed
	if _, err := svc.Update(ctx, sub.ID, UpdateSubtaskInput{Status: &running}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, err := svc.Update(ctx, sub.ID, UpdateSubtaskInput{Status: &failed}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(waves.calls) != 1 || !waves.calls[0].Failed {
		t.Errorf("expected one failed TaskFinished call, got %+v", waves.calls)
	}
}

func TestSubtaskDeleteAdjustsWave(t *testing.T) {
	st, _, log := testStore(t)
	fx := createFixture(t, st, log)
	svc := NewSubtaskService(st, log)
	ctx := context.Background()

	sub, _ := svc.Create(ctx, CreateSubtaskInput{TaskListID: fx.TaskListID, Description: "x"})
	if err := svc.Delete(ctx, sub.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	wave, _ := st.GetWave(ctx, fx.SessionID, 1)
	if wave.TotalTasks != 0 {
		t.Errorf("expected wave total back to 0, got %d", wave.TotalTasks)
	}
	if _, err := st.GetSubtask(ctx, sub.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected subtask gone, got %v", err)
	}
}
