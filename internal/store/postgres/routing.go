package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
)

const scoreColumns = `id, keyword, tool_name, tool_type, score, usage_count, success_count, last_used`

// GetKeywordScores returns all scores for the given keywords.
func (q queries) GetKeywordScores(ctx context.Context, keywords []string) ([]*models.KeywordToolScore, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT `+scoreColumns+` FROM keyword_tool_scores WHERE keyword IN (?)`, keywords)
	if err != nil {
		return nil, fmt.Errorf("keyword scores query: %w", err)
	}
	query = sqlx.Rebind(sqlx.DOLLAR, query)

	var out []*models.KeywordToolScore
	if err := sqlx.SelectContext(ctx, q.ext, &out, query, args...); err != nil {
		return nil, fmt.Errorf("get keyword scores: %w", err)
	}
	return out, nil
}

// UpsertKeywordScore nudges the (keyword, tool) score by the given delta,
// clamped to [0, 10]. usage_count always advances; success_count only on
// success. New pairs start from the default score before the nudge.
func (q queries) UpsertKeywordScore(ctx context.Context, keyword, toolName string, toolType models.ToolType, nudge float64, success bool) (*models.KeywordToolScore, error) {
	successInc := 0
	if success {
		successInc = 1
	}
	var s models.KeywordToolScore
	err := sqlx.GetContext(ctx, q.ext, &s, `
		INSERT INTO keyword_tool_scores (keyword, tool_name, tool_type, score, usage_count, success_count, last_used)
		VALUES ($1, $2, $3, LEAST(GREATEST(1.0 + $4, 0), 10), 1, $5, NOW())
		ON CONFLICT (keyword, tool_name) DO UPDATE SET
			score         = LEAST(GREATEST(keyword_tool_scores.score + $4, 0), 10),
			usage_count   = keyword_tool_scores.usage_count + 1,
			success_count = keyword_tool_scores.success_count + $5,
			last_used     = NOW()
		RETURNING `+scoreColumns,
		keyword, toolName, string(toolType), nudge, successInc)
	if err != nil {
		return nil, fmt.Errorf("upsert keyword score: %w", mapRowError(err))
	}
	return &s, nil
}

// RoutingStats aggregates the score table for the dashboard.
func (q queries) RoutingStats(ctx context.Context, topN int) (*store.RoutingStats, error) {
	if topN <= 0 {
		topN = 10
	}
	stats := &store.RoutingStats{ByToolType: map[string]int64{}}

	err := sqlx.GetContext(ctx, q.ext, stats, `
		SELECT COUNT(DISTINCT keyword)       AS total_keywords,
		       COUNT(DISTINCT tool_name)     AS total_tools,
		       COALESCE(SUM(usage_count), 0) AS total_usage
		FROM keyword_tool_scores`)
	if err != nil {
		return nil, fmt.Errorf("routing totals: %w", err)
	}

	err = sqlx.SelectContext(ctx, q.ext, &stats.TopByUsage, `
		SELECT `+scoreColumns+` FROM keyword_tool_scores
		ORDER BY usage_count DESC, tool_name LIMIT $1`, topN)
	if err != nil {
		return nil, fmt.Errorf("routing top by usage: %w", err)
	}
	err = sqlx.SelectContext(ctx, q.ext, &stats.TopByScore, `
		SELECT `+scoreColumns+` FROM keyword_tool_scores
		ORDER BY score DESC, usage_count DESC, tool_name LIMIT $1`, topN)
	if err != nil {
		return nil, fmt.Errorf("routing top by score: %w", err)
	}

	var byType []struct {
		ToolType string `db:"tool_type"`
		Usage    int64  `db:"usage"`
	}
	err = sqlx.SelectContext(ctx, q.ext, &byType, `
		SELECT tool_type, COALESCE(SUM(usage_count), 0) AS usage
		FROM keyword_tool_scores GROUP BY tool_type`)
	if err != nil {
		return nil, fmt.Errorf("routing by tool type: %w", err)
	}
	for _, t := range byType {
		stats.ByToolType[t.ToolType] = t.Usage
	}
	return stats, nil
}

// RecordRoutingFeedback appends one accepted/rejected sample.
func (q queries) RecordRoutingFeedback(ctx context.Context, accepted bool) error {
	_, err := q.ext.ExecContext(ctx,
		`INSERT INTO routing_feedback (accepted) VALUES ($1)`, accepted)
	if err != nil {
		return fmt.Errorf("record routing feedback: %w", err)
	}
	return nil
}

// RoutingAccuracy returns accepted and total feedback counts since the cutoff.
func (q queries) RoutingAccuracy(ctx context.Context, since time.Time) (accepted, total int64, err error) {
	var row struct {
		Accepted int64 `db:"accepted"`
		Total    int64 `db:"total"`
	}
	err = sqlx.GetContext(ctx, q.ext, &row, `
		SELECT COUNT(*) FILTER (WHERE accepted) AS accepted,
		       COUNT(*)                         AS total
		FROM routing_feedback
		WHERE created_at >= $1`, since)
	if err != nil {
		return 0, 0, fmt.Errorf("routing accuracy: %w", err)
	}
	return row.Accepted, row.Total, nil
}
