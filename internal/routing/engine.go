// Package routing scores tool suggestions from keyword history and
// adjusts the scores from selection feedback.
package routing

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/service"
	"github.com/dcm/dcm/internal/store"
)

const (
	defaultLimit = 10

	// acceptedGain scales the upward nudge for an accepted selection;
	// the nudge shrinks as the score approaches the ceiling.
	acceptedGain = 0.15

	// passedOverPenalty is the flat decrement for tools that were
	// suggested but not chosen.
	passedOverPenalty = 0.05

	// newPairScore is the score a previously unseen (keyword, tool)
	// pair starts from, before the first nudge.
	newPairScore = 1.0

	maxScore = 10.0
)

// Engine is the keyword-to-tool routing engine.
type Engine struct {
	store store.Store
	log   *logger.Logger
}

// NewEngine builds a routing engine.
func NewEngine(st store.Store, log *logger.Logger) *Engine {
	return &Engine{store: st, log: log}
}

// SuggestInput narrows a suggestion query. Keywords is a comma-separated
// list; matching is case-insensitive.
type SuggestInput struct {
	Keywords     string            `json:"keywords"`
	ToolTypes    []models.ToolType `json:"tool_types"`
	ExcludeTypes []models.ToolType `json:"exclude_types"`
	MinScore     float64           `json:"min_score"`
	Limit        int               `json:"limit"`
}

// Suggestion is one ranked tool.
type Suggestion struct {
	ToolName        string          `json:"tool_name"`
	ToolType        models.ToolType `json:"tool_type"`
	Score           float64         `json:"score"`
	UsageCount      int64           `json:"usage_count"`
	MatchedKeywords []string        `json:"matched_keywords"`
}

// Suggest ranks tools by the summed scores of the matched keywords.
// Ties break by usage count, then tool name.
func (e *Engine) Suggest(ctx context.Context, in SuggestInput) ([]*Suggestion, error) {
	keywords := SplitKeywords(in.Keywords)
	if len(keywords) == 0 {
		return nil, &service.ValidationError{Details: map[string][]string{
			"keywords": {"must contain at least one keyword"},
		}}
	}

	scores, err := e.store.GetKeywordScores(ctx, keywords)
	if err != nil {
		return nil, err
	}

	byTool := map[string]*Suggestion{}
	for _, s := range scores {
		if !typeAllowed(s.ToolType, in.ToolTypes, in.ExcludeTypes) {
			continue
		}
		sug, ok := byTool[s.ToolName]
		if !ok {
			sug = &Suggestion{ToolName: s.ToolName, ToolType: s.ToolType}
			byTool[s.ToolName] = sug
		}
		sug.Score += s.Score
		sug.UsageCount += s.UsageCount
		sug.MatchedKeywords = append(sug.MatchedKeywords, s.Keyword)
	}

	out := make([]*Suggestion, 0, len(byTool))
	for _, sug := range byTool {
		if sug.Score < in.MinScore {
			continue
		}
		sort.Strings(sug.MatchedKeywords)
		out = append(out, sug)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].UsageCount != out[j].UsageCount {
			return out[i].UsageCount > out[j].UsageCount
		}
		return out[i].ToolName < out[j].ToolName
	})

	limit := in.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FeedbackInput records the outcome of one suggestion round.
type FeedbackInput struct {
	Keywords     string          `json:"keywords"`
	SelectedTool string          `json:"selected_tool"`
	ToolType     models.ToolType `json:"tool_type"`
	Accepted     bool            `json:"accepted"`
	Suggested    []string        `json:"suggested"`
}

// Feedback nudges the scores for every keyword. An accepted selection
// moves toward the ceiling with diminishing gain; tools that were
// suggested but not chosen lose a flat decrement. A rejected round leaves
// the selected tool's score alone and still penalizes the unchosen
// suggestions. Usage counts advance for every pair touched. All nudges
// and the accuracy sample commit together.
func (e *Engine) Feedback(ctx context.Context, in FeedbackInput) error {
	keywords := SplitKeywords(in.Keywords)
	details := map[string][]string{}
	if len(keywords) == 0 {
		details["keywords"] = []string{"must contain at least one keyword"}
	}
	if strings.TrimSpace(in.SelectedTool) == "" {
		details["selected_tool"] = []string{"must not be empty"}
	}
	if len(details) > 0 {
		return &service.ValidationError{Details: details}
	}
	toolType := in.ToolType
	if toolType == "" {
		toolType = models.ToolBuiltin
	}

	return e.store.WithinTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetKeywordScores(ctx, keywords)
		if err != nil {
			return err
		}
		scoreOf := map[string]float64{}
		for _, s := range current {
			scoreOf[s.Keyword+"\x00"+s.ToolName] = s.Score
		}

		for _, kw := range keywords {
			nudge := 0.0
			if in.Accepted {
				score, ok := scoreOf[kw+"\x00"+in.SelectedTool]
				if !ok {
					score = newPairScore
				}
				nudge = acceptedGain * (1 - score/maxScore)
			}
			if _, err := tx.UpsertKeywordScore(ctx, kw, in.SelectedTool, toolType, nudge, in.Accepted); err != nil {
				return err
			}

			for _, tool := range in.Suggested {
				if tool == in.SelectedTool {
					continue
				}
				if _, err := tx.UpsertKeywordScore(ctx, kw, tool, toolType, -passedOverPenalty, false); err != nil {
					return err
				}
			}
		}
		return tx.RecordRoutingFeedback(ctx, in.Accepted)
	})
}

// Stats returns the score-table aggregate plus the rolling accuracy over
// the given window (zero window means the last 7 days).
func (e *Engine) Stats(ctx context.Context, topN int, window time.Duration) (*store.RoutingStats, float64, error) {
	stats, err := e.store.RoutingStats(ctx, topN)
	if err != nil {
		return nil, 0, err
	}
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	accepted, total, err := e.store.RoutingAccuracy(ctx, time.Now().UTC().Add(-window))
	if err != nil {
		return nil, 0, err
	}
	accuracy := 0.0
	if total > 0 {
		accuracy = float64(accepted) / float64(total)
	}
	return stats, accuracy, nil
}

// SplitKeywords normalizes a comma-separated keyword list: trimmed,
// lowercased, empties dropped, duplicates removed, order preserved.
func SplitKeywords(raw string) []string {
	seen := map[string]bool{}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		kw := strings.ToLower(strings.TrimSpace(part))
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		out = append(out, kw)
	}
	return out
}

func typeAllowed(t models.ToolType, include, exclude []models.ToolType) bool {
	for _, x := range exclude {
		if t == x {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, i := range include {
		if t == i {
			return true
		}
	}
	return false
}
