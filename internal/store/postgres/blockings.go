package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/dcm/dcm/internal/models"
)

const blockingColumns = `id, blocker_agent, blocked_agent, reason, created_at, resolved_at`

// CreateBlocking opens a blocking edge. The bool reports whether a new edge
// was created; an already-open identical pair is a no-op.
func (q queries) CreateBlocking(ctx context.Context, b *models.Blocking) (bool, error) {
	var row models.Blocking
	err := sqlx.GetContext(ctx, q.ext, &row, `
		INSERT INTO blockings (blocker_agent, blocked_agent, reason)
		SELECT $1, $2, $3
		WHERE NOT EXISTS (
			SELECT 1 FROM blockings
			WHERE blocker_agent = $1 AND blocked_agent = $2 AND resolved_at IS NULL
		)
		RETURNING `+blockingColumns,
		b.BlockerAgent, b.BlockedAgent, b.Reason)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("create blocking: %w", err)
	}
	*b = row
	return true, nil
}

// ResolveBlockings closes open edges for the pair. Empty blocker resolves
// every open edge against the blocked agent.
func (q queries) ResolveBlockings(ctx context.Context, blocker, blocked string) (int64, error) {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE blockings SET resolved_at = NOW()
		WHERE blocked_agent = $1
		  AND ($2 = '' OR blocker_agent = $2)
		  AND resolved_at IS NULL`, blocked, blocker)
	if err != nil {
		return 0, fmt.Errorf("resolve blockings: %w", err)
	}
	return res.RowsAffected()
}

// IsBlocked reports whether the agent has any open blocking edge.
func (q queries) IsBlocked(ctx context.Context, agentID string) (bool, error) {
	var blocked bool
	err := sqlx.GetContext(ctx, q.ext, &blocked, `
		SELECT EXISTS (
			SELECT 1 FROM blockings WHERE blocked_agent = $1 AND resolved_at IS NULL
		)`, agentID)
	if err != nil {
		return false, fmt.Errorf("is blocked: %w", err)
	}
	return blocked, nil
}

// ListBlockings returns blocking edges, newest first.
func (q queries) ListBlockings(ctx context.Context, openOnly bool) ([]*models.Blocking, error) {
	query := `SELECT ` + blockingColumns + ` FROM blockings`
	if openOnly {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY created_at DESC`

	var out []*models.Blocking
	if err := sqlx.SelectContext(ctx, q.ext, &out, query); err != nil {
		return nil, fmt.Errorf("list blockings: %w", err)
	}
	return out, nil
}
