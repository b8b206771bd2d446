package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
)

type contextRow struct {
	ID          string    `db:"id"`
	ProjectID   string    `db:"project_id"`
	AgentID     string    `db:"agent_id"`
	AgentType   string    `db:"agent_type"`
	SessionID   string    `db:"session_id"`
	RoleContext []byte    `db:"role_context"`
	LastUpdated time.Time `db:"last_updated"`
}

func (r contextRow) toModel() *models.AgentContext {
	return &models.AgentContext{
		ID:          r.ID,
		ProjectID:   r.ProjectID,
		AgentID:     r.AgentID,
		AgentType:   r.AgentType,
		SessionID:   r.SessionID,
		RoleContext: unmarshalMap(r.RoleContext),
		LastUpdated: r.LastUpdated,
	}
}

const contextColumns = `id, project_id, agent_id, agent_type, session_id, role_context, last_updated`

// UpsertAgentContext writes the (project, agent) context, replacing the
// previous role_context wholesale.
func (q queries) UpsertAgentContext(ctx context.Context, ac *models.AgentContext) (*models.AgentContext, error) {
	var row contextRow
	err := sqlx.GetContext(ctx, q.ext, &row, `
		INSERT INTO agent_contexts (project_id, agent_id, agent_type, session_id, role_context)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, agent_id) DO UPDATE SET
			agent_type   = EXCLUDED.agent_type,
			session_id   = EXCLUDED.session_id,
			role_context = EXCLUDED.role_context,
			last_updated = NOW()
		RETURNING `+contextColumns,
		ac.ProjectID, ac.AgentID, ac.AgentType, ac.SessionID, jsonOrEmpty(ac.RoleContext))
	if err != nil {
		return nil, fmt.Errorf("upsert agent context: %w", mapRowError(err))
	}
	return row.toModel(), nil
}

// GetAgentContext fetches the context for (project, agent).
func (q queries) GetAgentContext(ctx context.Context, projectID, agentID string) (*models.AgentContext, error) {
	var row contextRow
	err := sqlx.GetContext(ctx, q.ext, &row,
		`SELECT `+contextColumns+` FROM agent_contexts WHERE project_id = $1 AND agent_id = $2`,
		projectID, agentID)
	if err != nil {
		return nil, mapRowError(err)
	}
	return row.toModel(), nil
}

// ListAgentContexts returns contexts matching the filter, most recent first.
func (q queries) ListAgentContexts(ctx context.Context, f store.ContextFilter) ([]*models.AgentContext, error) {
	query := `SELECT ` + contextColumns + ` FROM agent_contexts`
	args := []any{}
	var where []string
	if f.ProjectID != "" {
		args = append(args, f.ProjectID)
		where = append(where, `project_id = $`+strconv.Itoa(len(args)))
	}
	if f.AgentType != "" {
		args = append(args, f.AgentType)
		where = append(where, `agent_type = $`+strconv.Itoa(len(args)))
	}
	if f.SessionID != "" {
		args = append(args, f.SessionID)
		where = append(where, `session_id = $`+strconv.Itoa(len(args)))
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY last_updated DESC`

	var rows []contextRow
	if err := sqlx.SelectContext(ctx, q.ext, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list agent contexts: %w", err)
	}
	out := make([]*models.AgentContext, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// DeleteStaleContexts removes contexts not updated since the cutoff whose
// session has no action since activeSince. Snapshots are handled separately.
func (q queries) DeleteStaleContexts(ctx context.Context, updatedBefore, activeSince time.Time) (int64, error) {
	res, err := q.ext.ExecContext(ctx, `
		DELETE FROM agent_contexts ac
		WHERE ac.agent_type <> $3
		  AND ac.last_updated < $1
		  AND NOT EXISTS (
			SELECT 1 FROM actions a
			WHERE a.session_id = ac.session_id AND a.created_at > $2
		  )`, updatedBefore, activeSince, models.CompactSnapshotType)
	if err != nil {
		return 0, fmt.Errorf("delete stale contexts: %w", err)
	}
	return res.RowsAffected()
}

// DeleteOldSnapshots removes compact snapshots older than the cutoff.
func (q queries) DeleteOldSnapshots(ctx context.Context, updatedBefore time.Time) (int64, error) {
	res, err := q.ext.ExecContext(ctx, `
		DELETE FROM agent_contexts
		WHERE agent_type = $2 AND last_updated < $1`,
		updatedBefore, models.CompactSnapshotType)
	if err != nil {
		return 0, fmt.Errorf("delete old snapshots: %w", err)
	}
	return res.RowsAffected()
}

// LatestSnapshot returns the most recent compact snapshot for the session.
func (q queries) LatestSnapshot(ctx context.Context, sessionID string) (*models.AgentContext, error) {
	var row contextRow
	err := sqlx.GetContext(ctx, q.ext, &row, `
		SELECT `+contextColumns+` FROM agent_contexts
		WHERE session_id = $1 AND agent_type = $2
		ORDER BY last_updated DESC
		LIMIT 1`, sessionID, models.CompactSnapshotType)
	if err != nil {
		return nil, mapRowError(err)
	}
	return row.toModel(), nil
}
