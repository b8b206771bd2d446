package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
	"github.com/dcm/dcm/internal/store/memory"
)

// actionSubtask builds the task tree an action hangs off: actions
// reference a real subtask.
func actionSubtask(t *testing.T, st *memory.Store, log *logger.Logger) *models.Subtask {
	t.Helper()
	fx := createFixture(t, st, log)
	sub, err := NewSubtaskService(st, log).Create(context.Background(), CreateSubtaskInput{
		TaskListID:  fx.TaskListID,
		Description: "run the tool",
	})
	if err != nil {
		t.Fatalf("subtask setup failed: %v", err)
	}
	return sub
}

func TestActionRecordRoundTrip(t *testing.T) {
	st, _, log := testStore(t)
	sub := actionSubtask(t, st, log)
	svc := NewActionService(st, log)
	ctx := context.Background()

	input := strings.Repeat("SELECT * FROM tasks;\n", 50)
	action, err := svc.Record(ctx, RecordActionInput{
		SubtaskID:  sub.ID,
		SessionID:  "sess-1",
		AgentID:    "builder-1",
		ToolName:   "bash",
		Input:      input,
		Output:     "ok",
		DurationMs: 120,
		FilePaths:  []string{"main.go"},
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if action.ToolType != models.ToolBuiltin {
		t.Errorf("expected default tool type builtin, got %s", action.ToolType)
	}
	// Blobs are stored compressed.
	if len(action.Input) == 0 || len(action.Input) >= len(input) {
		t.Errorf("expected compressed input, got %d bytes for %d", len(action.Input), len(input))
	}

	got, in, out, err := svc.Get(ctx, action.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if in != input || out != "ok" {
		t.Error("decompressed payloads do not match")
	}
	if got.ToolName != "bash" {
		t.Errorf("expected tool bash, got %s", got.ToolName)
	}
}

func TestActionRecordValidation(t *testing.T) {
	st, _, log := testStore(t)
	svc := NewActionService(st, log)
	ctx := context.Background()

	cases := []RecordActionInput{
		{SessionID: "s", ToolName: "bash"},                     // missing subtask
		{SubtaskID: "x", ToolName: "bash"},                     // missing session
		{SubtaskID: "x", SessionID: "s"},                       // missing tool
		{SubtaskID: "x", SessionID: "s", ToolName: "bash", ToolType: "rogue"}, // bad type
	}
	for i, in := range cases {
		if _, err := svc.Record(ctx, in); !IsValidation(err) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestActionTokenAccounting(t *testing.T) {
	st, _, log := testStore(t)
	sub := actionSubtask(t, st, log)
	svc := NewActionService(st, log)
	ctx := context.Background()

	if _, err := svc.Record(ctx, RecordActionInput{
		SubtaskID:    sub.ID,
		SessionID:    "sess-1",
		AgentID:      "builder-1",
		ToolName:     "edit",
		InputTokens:  60000,
		OutputTokens: 50000,
	}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	capacity, err := st.GetCapacity(ctx, "builder-1")
	if err != nil {
		t.Fatalf("GetCapacity failed: %v", err)
	}
	if capacity.CurrentUsage != 110000 {
		t.Errorf("expected usage 110000, got %d", capacity.CurrentUsage)
	}
	// 110000 of the 200000 default lands in yellow.
	if capacity.Zone != models.ZoneYellow {
		t.Errorf("expected yellow zone, got %s", capacity.Zone)
	}
}

func TestActionNoTokensNoCapacity(t *testing.T) {
	st, _, log := testStore(t)
	sub := actionSubtask(t, st, log)
	svc := NewActionService(st, log)
	ctx := context.Background()

	if _, err := svc.Record(ctx, RecordActionInput{
		SubtaskID: sub.ID, SessionID: "sess-1", AgentID: "builder-1", ToolName: "read",
	}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if _, err := st.GetCapacity(ctx, "builder-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected no capacity row, got %v", err)
	}
}

func TestActionList(t *testing.T) {
	st, _, log := testStore(t)
	sub := actionSubtask(t, st, log)
	svc := NewActionService(st, log)
	ctx := context.Background()

	for _, tool := range []string{"bash", "edit"} {
		if _, err := svc.Record(ctx, RecordActionInput{
			SubtaskID: sub.ID, SessionID: "sess-1", AgentID: "builder-1", ToolName: tool,
		}); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	all, err := svc.List(ctx, store.ActionFilter{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 actions, got %d", len(all))
	}

	agents, err := svc.ActiveAgents(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ActiveAgents failed: %v", err)
	}
	if len(agents) != 1 || agents[0].AgentID != "builder-1" {
		t.Errorf("unexpected active agents %v", agents)
	}
}
