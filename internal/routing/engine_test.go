package routing

import (
	"context"
	"math"
	"reflect"
	"testing"

	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store/memory"
)

func testEngine(t *testing.T) (*Engine, *memory.Store) {
	t.Helper()
	st := memory.New()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return NewEngine(st, log), st
}

func seedScore(t *testing.T, st *memory.Store, keyword, tool string, toolType models.ToolType, score float64) {
	t.Helper()
	// New pairs start at 1.0 before the nudge.
	if _, err := st.UpsertKeywordScore(context.Background(), keyword, tool, toolType, score-1.0, true); err != nil {
		t.Fatalf("seed score failed: %v", err)
	}
}

func scoreOf(t *testing.T, st *memory.Store, keyword, tool string) *models.KeywordToolScore {
	t.Helper()
	scores, err := st.GetKeywordScores(context.Background(), []string{keyword})
	if err != nil {
		t.Fatalf("GetKeywordScores failed: %v", err)
	}
	for _, s := range scores {
		if s.ToolName == tool {
			return s
		}
	}
	t.Fatalf("no score for (%s, %s)", keyword, tool)
	return nil
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestSplitKeywords(t *testing.T) {
	cases := []struct {
		raw  string
		want []string
	}{
		{"database, Testing,  api", []string{"database", "testing", "api"}},
		{"a,,b, ,a,A", []string{"a", "b"}},
		{"", nil},
		{" , ,", nil},
	}
	for _, tc := range cases {
		if got := SplitKeywords(tc.raw); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("SplitKeywords(%q) = %v, expected %v", tc.raw, got, tc.want)
		}
	}
}

func TestSuggestRanking(t *testing.T) {
	engine, st := testEngine(t)
	ctx := context.Background()

	seedScore(t, st, "database", "psql-runner", models.ToolCommand, 5)
	seedScore(t, st, "database", "schema-agent", models.ToolAgent, 3)
	seedScore(t, st, "testing", "schema-agent", models.ToolAgent, 4)
	seedScore(t, st, "testing", "pytest-skill", models.ToolSkill, 2)

	out, err := engine.Suggest(ctx, SuggestInput{Keywords: "database, testing"})
	if err != nil {
		t.Fatalf("Suggest failed: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 suggestions, got %d", len(out))
	}
	// schema-agent matches both keywords: 3 + 4 = 7.
	if out[0].ToolName != "schema-agent" || !near(out[0].Score, 7) {
		t.Errorf("expected schema-agent at 7, got %s at %v", out[0].ToolName, out[0].Score)
	}
	if out[1].ToolName != "psql-runner" {
		t.Errorf("expected psql-runner second, got %s", out[1].ToolName)
	}
	if !reflect.DeepEqual(out[0].MatchedKeywords, []string{"database", "testing"}) {
		t.Errorf("expected matched keywords [database testing], got %v", out[0].MatchedKeywords)
	}
}

func TestSuggestFilters(t *testing.T) {
	engine, st := testEngine(t)
	ctx := context.Background()

	seedScore(t, st, "database", "psql-runner", models.ToolCommand, 5)
	seedScore(t, st, "database", "schema-agent", models.ToolAgent, 3)

	out, err := engine.Suggest(ctx, SuggestInput{
		Keywords:  "database",
		ToolTypes: []models.ToolType{models.ToolAgent},
	})
	if err != nil {
		t.Fatalf("Suggest failed: %v", err)
	}
	if len(out) != 1 || out[0].ToolName != "schema-agent" {
		t.Errorf("tool_types filter: expected only schema-agent, got %v", out)
	}

	out, err = engine.Suggest(ctx, SuggestInput{
		Keywords:     "database",
		ExcludeTypes: []models.ToolType{models.ToolAgent},
	})
	if err != nil {
		t.Fatalf("Suggest failed: %v", err)
	}
	if len(out) != 1 || out[0].ToolName != "psql-runner" {
		t.Errorf("exclude_types filter: expected only psql-runner, got %v", out)
	}

	out, err = engine.Suggest(ctx, SuggestInput{Keywords: "database", MinScore: 4})
	if err != nil {
		t.Fatalf("Suggest failed: %v", err)
	}
	if len(out) != 1 || out[0].ToolName != "psql-runner" {
		t.Errorf("min_score filter: expected only psql-runner, got %v", out)
	}

	out, err = engine.Suggest(ctx, SuggestInput{Keywords: "database", Limit: 1})
	if err != nil {
		t.Fatalf("Suggest failed: %v", err)
	}
	if len(out) != 1 {
		t.Errorf("limit: expected 1 suggestion, got %d", len(out))
	}
}

func TestSuggestRequiresKeywords(t *testing.T) {
	engine, _ := testEngine(t)
	if _, err := engine.Suggest(context.Background(), SuggestInput{Keywords: " , "}); err == nil {
		t.Error("expected validation error for empty keywords")
	}
}

func TestFeedbackAccepted(t *testing.T) {
	engine, st := testEngine(t)
	ctx := context.Background()

	seedScore(t, st, "database", "psql-runner", models.ToolCommand, 5)
	seedScore(t, st, "database", "schema-agent", models.ToolAgent, 3)

	err := engine.Feedback(ctx, FeedbackInput{
		Keywords:     "database",
		SelectedTool: "psql-runner",
		ToolType:     models.ToolCommand,
		Accepted:     true,
		Suggested:    []string{"psql-runner", "schema-agent"},
	})
	if err != nil {
		t.Fatalf("Feedback failed: %v", err)
	}

	// Accepted gain diminishes toward the ceiling: 5 + 0.15*(1 - 5/10).
	selected := scoreOf(t, st, "database", "psql-runner")
	if !near(selected.Score, 5.075) {
		t.Errorf("expected selected score 5.075, got %v", selected.Score)
	}
	if selected.UsageCount != 2 {
		t.Errorf("expected usage count 2, got %d", selected.UsageCount)
	}

	// Passed-over suggestions lose the flat decrement.
	passed := scoreOf(t, st, "database", "schema-agent")
	if !near(passed.Score, 2.95) {
		t.Errorf("expected passed-over score 2.95, got %v", passed.Score)
	}
}

func TestFeedbackAcceptedNewPair(t *testing.T) {
	engine, st := testEngine(t)
	ctx := context.Background()

	err := engine.Feedback(ctx, FeedbackInput{
		Keywords:     "caching",
		SelectedTool: "redis-skill",
		Accepted:     true,
	})
	if err != nil {
		t.Fatalf("Feedback failed: %v", err)
	}

	// Unseen pairs start at 1.0: 1.0 + 0.15*(1 - 1/10) = 1.135.
	got := scoreOf(t, st, "caching", "redis-skill")
	if !near(got.Score, 1.135) {
		t.Errorf("expected score 1.135, got %v", got.Score)
	}
	if got.ToolType != models.ToolBuiltin {
		t.Errorf("expected builtin tool type default, got %s", got.ToolType)
	}
}

func TestFeedbackRejected(t *testing.T) {
	engine, st := testEngine(t)
	ctx := context.Background()

	seedScore(t, st, "database", "psql-runner", models.ToolCommand, 5)
	seedScore(t, st, "database", "schema-agent", models.ToolAgent, 3)

	err := engine.Feedback(ctx, FeedbackInput{
		Keywords:     "database",
		SelectedTool: "psql-runner",
		Accepted:     false,
		Suggested:    []string{"psql-runner", "schema-agent"},
	})
	if err != nil {
		t.Fatalf("Feedback failed: %v", err)
	}

	// A rejected selection keeps its score but still counts a use.
	selected := scoreOf(t, st, "database", "psql-runner")
	if !near(selected.Score, 5) {
		t.Errorf("expected rejected selection score unchanged at 5, got %v", selected.Score)
	}
	if selected.UsageCount != 2 {
		t.Errorf("expected selected usage count 2, got %d", selected.UsageCount)
	}
	// Suggestions the agent passed over lose the flat decrement.
	passed := scoreOf(t, st, "database", "schema-agent")
	if !near(passed.Score, 2.95) {
		t.Errorf("expected passed-over score 2.95, got %v", passed.Score)
	}
	if passed.UsageCount != 2 {
		t.Errorf("expected passed-over usage count 2, got %d", passed.UsageCount)
	}
}

func TestFeedbackScoreFloor(t *testing.T) {
	engine, st := testEngine(t)
	ctx := context.Background()

	seedScore(t, st, "database", "psql-runner", models.ToolCommand, 0.02)
	for i := 0; i < 3; i++ {
		err := engine.Feedback(ctx, FeedbackInput{
			Keywords:     "database",
			SelectedTool: "manual-entry",
			Accepted:     false,
			Suggested:    []string{"psql-runner"},
		})
		if err != nil {
			t.Fatalf("Feedback failed: %v", err)
		}
	}
	if got := scoreOf(t, st, "database", "psql-runner"); got.Score != 0 {
		t.Errorf("expected score clamped at 0, got %v", got.Score)
	}
}

func TestStatsAccuracy(t *testing.T) {
	engine, _ := testEngine(t)
	ctx := context.Background()

	outcomes := []bool{true, true, false, true}
	for _, accepted := range outcomes {
		err := engine.Feedback(ctx, FeedbackInput{
			Keywords:     "database",
			SelectedTool: "psql-runner",
			Accepted:     accepted,
		})
		if err != nil {
			t.Fatalf("Feedback failed: %v", err)
		}
	}

	stats, accuracy, err := engine.Stats(ctx, 5, 0)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if !near(accuracy, 0.75) {
		t.Errorf("expected accuracy 0.75, got %v", accuracy)
	}
	if stats.TotalKeywords != 1 || stats.TotalTools != 1 {
		t.Errorf("expected 1 keyword and 1 tool, got %d/%d", stats.TotalKeywords, stats.TotalTools)
	}
}
