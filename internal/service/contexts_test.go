package service

import (
	"context"
	"errors"
	"testing"

	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
)

func TestContextSaveReplacesWholesale(t *testing.T) {
	st, _, log := testStore(t)
	svc := NewContextService(st, log)
	ctx := context.Background()

	first, err := svc.Save(ctx, SaveContextInput{
		ProjectID:   "p1",
		AgentID:     "builder-1",
		AgentType:   "builder",
		SessionID:   "sess-1",
		RoleContext: map[string]any{"focus": "schema", "files": 3},
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	second, err := svc.Save(ctx, SaveContextInput{
		ProjectID:   "p1",
		AgentID:     "builder-1",
		AgentType:   "builder",
		SessionID:   "sess-1",
		RoleContext: map[string]any{"focus": "api"},
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected same context row, got %s and %s", first.ID, second.ID)
	}

	got, err := svc.Get(ctx, "p1", "builder-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RoleContext["focus"] != "api" {
		t.Errorf("expected replaced context, got %v", got.RoleContext)
	}
	if _, ok := got.RoleContext["files"]; ok {
		t.Error("expected old keys gone after replacement")
	}
}

func TestContextSaveValidation(t *testing.T) {
	st, _, log := testStore(t)
	svc := NewContextService(st, log)
	if _, err := svc.Save(context.Background(), SaveContextInput{ProjectID: "p1"}); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestGenerateBrief(t *testing.T) {
	st, _, log := testStore(t)
	fx := createFixture(t, st, log)
	svc := NewContextService(st, log)
	subtasks := NewSubtaskService(st, log)
	ctx := context.Background()

	if _, err := svc.Save(ctx, SaveContextInput{
		ProjectID:   fx.ProjectID,
		AgentID:     "builder-1",
		AgentType:   "builder",
		SessionID:   fx.SessionID,
		RoleContext: map[string]any{"focus": "schema"},
	}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	open, err := subtasks.Create(ctx, CreateSubtaskInput{
		TaskListID: fx.TaskListID, Description: "open work", AgentID: "builder-1",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	done, err := subtasks.Create(ctx, CreateSubtaskInput{
		TaskListID: fx.TaskListID, Description: "finished work", AgentID: "builder-1",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	running := models.SubtaskRunning
	completed := models.SubtaskCompleted
	if _, err := subtasks.Update(ctx, done.ID, UpdateSubtaskInput{Status: &running}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, err := subtasks.Update(ctx, done.ID, UpdateSubtaskInput{Status: &completed}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	brief, err := svc.GenerateBrief(ctx, GenerateBriefInput{ProjectID: fx.ProjectID, AgentID: "builder-1"})
	if err != nil {
		t.Fatalf("GenerateBrief failed: %v", err)
	}
	if rc, ok := brief["role_context"].(map[string]any); !ok || rc["focus"] != "schema" {
		t.Errorf("unexpected role context %v", brief["role_context"])
	}
	// Only the still-open subtask makes the brief.
	tasks, ok := brief["open_subtasks"].([]map[string]any)
	if !ok || len(tasks) != 1 {
		t.Fatalf("expected 1 open subtask, got %v", brief["open_subtasks"])
	}
	if tasks[0]["subtask_id"] != open.ID {
		t.Errorf("expected subtask %s, got %v", open.ID, tasks[0]["subtask_id"])
	}
}

func TestGenerateBriefCustomFormatter(t *testing.T) {
	st, _, log := testStore(t)
	svc := NewContextService(st, log)
	ctx := context.Background()

	if _, err := svc.Save(ctx, SaveContextInput{
		ProjectID: "p1", AgentID: "builder-1", AgentType: "builder",
	}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	svc.SetFormatter(func(ac *models.AgentContext, open []*models.Subtask) map[string]any {
		return map[string]any{"agent": ac.AgentID, "open": len(open)}
	})

	brief, err := svc.GenerateBrief(ctx, GenerateBriefInput{ProjectID: "p1", AgentID: "builder-1"})
	if err != nil {
		t.Fatalf("GenerateBrief failed: %v", err)
	}
	if brief["agent"] != "builder-1" || brief["open"] != 0 {
		t.Errorf("unexpected brief %v", brief)
	}
}

func TestGenerateBriefUnknownAgent(t *testing.T) {
	st, _, log := testStore(t)
	svc := NewContextService(st, log)
	if _, err := svc.GenerateBrief(context.Background(), GenerateBriefInput{
		ProjectID: "p1", AgentID: "ghost",
	}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSnapshotLifecycle(t *testing.T) {
	st, _, log := testStore(t)
	svc := NewContextService(st, log)
	ctx := context.Background()

	status, err := svc.SnapshotStatus(ctx, "sess-1")
	if err != nil {
		t.Fatalf("SnapshotStatus failed: %v", err)
	}
	if status["available"] != false {
		t.Errorf("expected no snapshot, got %v", status)
	}

	snap, err := svc.SaveSnapshot(ctx, "p1", "sess-1", map[string]any{"summary": "halfway"})
	if err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if snap.AgentID != "snapshot-sess-1" || snap.AgentType != models.CompactSnapshotType {
		t.Errorf("unexpected snapshot identity %+v", snap)
	}

	latest, err := svc.LatestSnapshot(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LatestSnapshot failed: %v", err)
	}
	if latest.RoleContext["summary"] != "halfway" {
		t.Errorf("unexpected snapshot state %v", latest.RoleContext)
	}

	status, err = svc.SnapshotStatus(ctx, "sess-1")
	if err != nil {
		t.Fatalf("SnapshotStatus failed: %v", err)
	}
	if status["available"] != true || status["snapshot_id"] != latest.ID {
		t.Errorf("unexpected status %v", status)
	}
}

func TestSnapshotValidation(t *testing.T) {
	st, _, log := testStore(t)
	svc := NewContextService(st, log)
	if _, err := svc.SaveSnapshot(context.Background(), "", "sess-1", nil); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := svc.LatestSnapshot(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
