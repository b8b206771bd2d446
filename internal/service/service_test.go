package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
	"github.com/dcm/dcm/internal/store/memory"
)

// notifyRecorder captures the events queued inside committed units of work.
type notifyRecorder struct {
	mu     sync.Mutex
	events []store.NotifyEvent
}

func (r *notifyRecorder) record(ev store.NotifyEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *notifyRecorder) named(event string) []store.NotifyEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.NotifyEvent
	for _, ev := range r.events {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

func (r *notifyRecorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func testStore(t *testing.T) (*memory.Store, *notifyRecorder, *logger.Logger) {
	t.Helper()
	st := memory.New()
	rec := &notifyRecorder{}
	st.OnNotify(rec.record)
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return st, rec, log
}

// fixture is a project with one request and one wave-1 task-list.
type fixture struct {
	ProjectID  string
	SessionID  string
	RequestID  string
	TaskListID string
}

func createFixture(t *testing.T, st *memory.Store, log *logger.Logger) fixture {
	t.Helper()
	ctx := context.Background()

	project, err := NewProjectService(st, log).Upsert(ctx, UpsertProjectInput{Path: "/work/demo"})
	if err != nil {
		t.Fatalf("project setup failed: %v", err)
	}
	req, err := NewRequestService(st, log).Create(ctx, CreateRequestInput{
		ProjectID: project.ID,
		SessionID: "sess-1",
		Prompt:    "build the thing",
	})
	if err != nil {
		t.Fatalf("request setup failed: %v", err)
	}
	tl, err := NewTaskListService(st, log).Create(ctx, CreateTaskListInput{
		RequestID:  req.ID,
		WaveNumber: 1,
	})
	if err != nil {
		t.Fatalf("task-list setup failed: %v", err)
	}
	return fixture{
		ProjectID:  project.ID,
		SessionID:  "sess-1",
		RequestID:  req.ID,
		TaskListID: tl.ID,
	}
}

func TestProjectUpsertIdempotent(t *testing.T) {
	st, _, log := testStore(t)
	svc := NewProjectService(st, log)
	ctx := context.Background()

	first, err := svc.Upsert(ctx, UpsertProjectInput{Path: "/work/demo/"})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if first.Name != "demo" {
		t.Errorf("expected name derived from path, got %q", first.Name)
	}

	// Same path after cleaning resolves to the same project.
	second, err := svc.Upsert(ctx, UpsertProjectInput{Path: "/work/demo"})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected same project id, got %s and %s", first.ID, second.ID)
	}
}

func TestProjectUpsertRequiresPath(t *testing.T) {
	st, _, log := testStore(t)
	if _, err := NewProjectService(st, log).Upsert(context.Background(), UpsertProjectInput{}); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestRequestCreateRegistersSession(t *testing.T) {
	st, rec, log := testStore(t)
	ctx := context.Background()

	project, err := NewProjectService(st, log).Upsert(ctx, UpsertProjectInput{Path: "/work/demo"})
	if err != nil {
		t.Fatalf("project setup failed: %v", err)
	}

	req, err := NewRequestService(st, log).Create(ctx, CreateRequestInput{
		ProjectID: project.ID,
		SessionID: "sess-1",
		Prompt:    "do it",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if req.Status != models.RequestActive {
		t.Errorf("expected active status, got %s", req.Status)
	}

	session, err := st.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("expected session to exist: %v", err)
	}
	if session.RequestCount != 1 {
		t.Errorf("expected request count 1, got %d", session.RequestCount)
	}

	created := rec.named("session.created")
	if len(created) != 1 || created[0].Channel != "global" {
		t.Errorf("expected one session.created on global, got %v", created)
	}
	taskEvents := rec.named("task.created")
	if len(taskEvents) != 1 || taskEvents[0].Channel != "sessions/sess-1" {
		t.Errorf("expected task.created on sessions/sess-1, got %v", taskEvents)
	}

	// A second request on the same session must not re-announce it.
	rec.reset()
	if _, err := NewRequestService(st, log).Create(ctx, CreateRequestInput{
		ProjectID: project.ID,
		SessionID: "sess-1",
		Prompt:    "again",
	}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(rec.named("session.created")) != 0 {
		t.Error("expected no session.created for an existing session")
	}
}

func TestRequestCreateUnknownProject(t *testing.T) {
	st, _, log := testStore(t)
	_, err := NewRequestService(st, log).Create(context.Background(), CreateRequestInput{
		ProjectID: "missing",
		SessionID: "sess-1",
		Prompt:    "do it",
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRequestUpdateStatusEvents(t *testing.T) {
	st, rec, log := testStore(t)
	fx := createFixture(t, st, log)
	svc := NewRequestService(st, log)
	ctx := context.Background()

	rec.reset()
	updated, err := svc.UpdateStatus(ctx, fx.RequestID, models.RequestCompleted)
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if updated.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if len(rec.named("task.completed")) != 1 {
		t.Errorf("expected task.completed event, got %v", rec.events)
	}
}

func TestTaskListCreatesWaveRow(t *testing.T) {
	st, _, log := testStore(t)
	fx := createFixture(t, st, log)

	wave, err := st.GetWave(context.Background(), fx.SessionID, 1)
	if err != nil {
		t.Fatalf("expected wave row for (sess-1, 1): %v", err)
	}
	if wave.Status != models.WavePending {
		t.Errorf("expected pending wave, got %s", wave.Status)
	}
}

func TestTaskListValidation(t *testing.T) {
	st, _, log := testStore(t)
	svc := NewTaskListService(st, log)
	if _, err := svc.Create(context.Background(), CreateTaskListInput{RequestID: "r", WaveNumber: -1}); !IsValidation(err) {
		t.Errorf("expected validation error for negative wave, got %v", err)
	}
}
