package wave

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
	"github.com/dcm/dcm/internal/store/memory"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []store.NotifyEvent
}

func (r *eventRecorder) record(ev store.NotifyEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) named(event string) []store.NotifyEvent {
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

func testController(t *testing.T) (*Controller, *memory.Store, *eventRecorder) {
	t.Helper()
	st := memory.New()
	rec := &eventRecorder{}
	st.OnNotify(rec.record)
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return NewController(st, log), st, rec
}

func createWave(t *testing.T, st *memory.Store, sessionID string, waveNumber int) {
	t.Helper()
	if _, err := st.GetOrCreateWave(context.Background(), sessionID, waveNumber); err != nil {
		t.Fatalf("GetOrCreateWave failed: %v", err)
	}
}

func TestStartWave(t *testing.T) {
	c, st, rec := testController(t)
	ctx := context.Background()

	createWave(t, st, "sess-1", 1)
	wave, err := c.Start(ctx, "sess-1", 1)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if wave.Status != models.WaveRunning || wave.StartedAt == nil {
		t.Errorf("expected running wave with started_at, got %+v", wave)
	}

	events := rec.named("wave.transitioned")
	if len(events) != 1 || events[0].Channel != "global" {
		t.Fatalf("expected wave.transitioned on global, got %v", events)
	}
	if events[0].Data["to"] != 1 || events[0].Data["status"] != "running" {
		t.Errorf("unexpected event data %v", events[0].Data)
	}
}

func TestStartWaveValidation(t *testing.T) {
	c, _, _ := testController(t)
	if _, err := c.Start(context.Background(), "", 1); err == nil {
		t.Error("expected error for empty session")
	}
	if _, err := c.Start(context.Background(), "sess-1", -1); err == nil {
		t.Error("expected error for negative wave")
	}
}

func TestStartWaveUnknownWave(t *testing.T) {
	c, _, _ := testController(t)
	if _, err := c.Start(context.Background(), "sess-1", 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for a wave that was never created, got %v", err)
	}
}

func TestStartWaveIdempotent(t *testing.T) {
	c, st, rec := testController(t)
	ctx := context.Background()

	createWave(t, st, "sess-1", 1)
	first, err := c.Start(ctx, "sess-1", 1)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	again, err := c.Start(ctx, "sess-1", 1)
	if err != nil {
		t.Fatalf("repeated Start failed: %v", err)
	}
	if again.Status != models.WaveRunning || !again.StartedAt.Equal(*first.StartedAt) {
		t.Errorf("expected unchanged running wave, got %+v", again)
	}
	if events := rec.named("wave.transitioned"); len(events) != 1 {
		t.Errorf("expected a single wave.transitioned, got %d", len(events))
	}
}

func TestStartWaveRejectsConcurrentRun(t *testing.T) {
	c, st, _ := testController(t)
	ctx := context.Background()

	createWave(t, st, "sess-1", 1)
	createWave(t, st, "sess-1", 2)
	if _, err := c.Start(ctx, "sess-1", 1); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := c.Start(ctx, "sess-1", 2); !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict while wave 1 runs, got %v", err)
	}
}

func TestStartWaveRejectsSkippedWave(t *testing.T) {
	c, st, _ := testController(t)
	ctx := context.Background()

	// Wave 1 exists but never finished.
	if _, err := st.GetOrCreateWave(ctx, "sess-1", 1); err != nil {
		t.Fatalf("GetOrCreateWave failed: %v", err)
	}
	if _, err := c.Start(ctx, "sess-1", 2); !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict for unfinished wave 1, got %v", err)
	}
}

func TestTaskFinishedCompletesWave(t *testing.T) {
	c, st, rec := testController(t)
	ctx := context.Background()

	createWave(t, st, "sess-1", 1)
	if _, err := c.Start(ctx, "sess-1", 1); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := st.AdjustWaveTotals(ctx, "sess-1", 1, 2); err != nil {
		t.Fatalf("AdjustWaveTotals failed: %v", err)
	}

	c.TaskFinished(ctx, "sess-1", 1, false)
	if len(rec.named("wave.completed")) != 0 {
		t.Error("wave must not complete with a task outstanding")
	}

	c.TaskFinished(ctx, "sess-1", 1, false)
	events := rec.named("wave.completed")
	if len(events) != 1 {
		t.Fatalf("expected wave.completed, got %v", rec.events)
	}
	if events[0].Data["completed_tasks"] != 2 || events[0].Data["failed_tasks"] != 0 {
		t.Errorf("unexpected counters %v", events[0].Data)
	}

	wave, _ := st.GetWave(ctx, "sess-1", 1)
	if wave.Status != models.WaveCompleted || wave.CompletedAt == nil {
		t.Errorf("expected completed wave, got %+v", wave)
	}
}

func TestTaskFinishedFailureFailsWave(t *testing.T) {
	c, st, rec := testController(t)
	ctx := context.Background()

	createWave(t, st, "sess-1", 1)
	if _, err := c.Start(ctx, "sess-1", 1); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := st.AdjustWaveTotals(ctx, "sess-1", 1, 2); err != nil {
		t.Fatalf("AdjustWaveTotals failed: %v", err)
	}

	c.TaskFinished(ctx, "sess-1", 1, false)
	c.TaskFinished(ctx, "sess-1", 1, true)

	if len(rec.named("wave.completed")) != 0 {
		t.Error("expected no wave.completed with failures")
	}
	events := rec.named("wave.failed")
	if len(events) != 1 {
		t.Fatalf("expected wave.failed, got %v", rec.events)
	}
	if events[0].Data["failed_tasks"] != 1 {
		t.Errorf("unexpected counters %v", events[0].Data)
	}
}

func TestTransitionToNext(t *testing.T) {
	c, st, _ := testController(t)
	ctx := context.Background()

	createWave(t, st, "sess-1", 1)
	createWave(t, st, "sess-1", 2)
	if _, err := c.Start(ctx, "sess-1", 1); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := st.AdjustWaveTotals(ctx, "sess-1", 1, 1); err != nil {
		t.Fatalf("AdjustWaveTotals failed: %v", err)
	}
	c.TaskFinished(ctx, "sess-1", 1, false)

	next, err := c.TransitionToNext(ctx, "sess-1")
	if err != nil {
		t.Fatalf("TransitionToNext failed: %v", err)
	}
	if next.WaveNumber != 2 || next.Status != models.WaveRunning {
		t.Errorf("expected wave 2 running, got %+v", next)
	}
}

func TestTransitionToNextRequiresNextWave(t *testing.T) {
	c, st, _ := testController(t)
	ctx := context.Background()

	createWave(t, st, "sess-1", 1)
	if _, err := c.Start(ctx, "sess-1", 1); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := st.AdjustWaveTotals(ctx, "sess-1", 1, 1); err != nil {
		t.Fatalf("AdjustWaveTotals failed: %v", err)
	}
	c.TaskFinished(ctx, "sess-1", 1, false)

	if _, err := c.TransitionToNext(ctx, "sess-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound without a next wave, got %v", err)
	}
	// The transition must not have invented wave 2.
	if _, err := st.GetWave(ctx, "sess-1", 2); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected no wave 2 row, got err %v", err)
	}
}

func TestCurrentFallsBackToPending(t *testing.T) {
	c, st, _ := testController(t)
	ctx := context.Background()

	if _, err := c.Current(ctx, "sess-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound with no waves, got %v", err)
	}

	if _, err := st.GetOrCreateWave(ctx, "sess-1", 1); err != nil {
		t.Fatalf("GetOrCreateWave failed: %v", err)
	}
	current, err := c.Current(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if current.Status != models.WavePending {
		t.Errorf("expected pending fallback, got %s", current.Status)
	}

	if _, err := c.Start(ctx, "sess-1", 1); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	current, err = c.Current(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if current.Status != models.WaveRunning {
		t.Errorf("expected running wave, got %s", current.Status)
	}
}

func TestHistorySynthesizesFromTaskTree(t *testing.T) {
	c, st, _ := testController(t)
	ctx := context.Background()

	// No wave rows: history must be rebuilt from the task tree.
	project, err := st.UpsertProject(ctx, &models.Project{Path: "/work/demo", Name: "demo"})
	if err != nil {
		t.Fatalf("project setup failed: %v", err)
	}
	req := &models.Request{ProjectID: project.ID, SessionID: "sess-1", Prompt: "p"}
	if err := st.CreateRequest(ctx, req); err != nil {
		t.Fatalf("request setup failed: %v", err)
	}
	tl := &models.TaskList{RequestID: req.ID, WaveNumber: 1}
	if err := st.CreateTaskList(ctx, tl); err != nil {
		t.Fatalf("task-list setup failed: %v", err)
	}
	now := time.Now()
	done := models.Subtask{
		TaskListID:  tl.ID,
		Description: "x",
		Status:      models.SubtaskCompleted,
		StartedAt:   &now,
		CompletedAt: &now,
	}
	if err := st.CreateSubtask(ctx, &done); err != nil {
		t.Fatalf("subtask setup failed: %v", err)
	}

	history, err := c.History(ctx, "sess-1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 synthesized wave, got %d", len(history))
	}
	if history[0].WaveNumber != 1 || history[0].Status != models.WaveCompleted || history[0].TotalTasks != 1 {
		t.Errorf("unexpected synthesized wave %+v", history[0])
	}
}
