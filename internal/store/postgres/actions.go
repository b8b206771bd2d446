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

type actionRow struct {
	ID         string    `db:"id"`
	SubtaskID  string    `db:"subtask_id"`
	SessionID  string    `db:"session_id"`
	AgentID    string    `db:"agent_id"`
	ToolName   string    `db:"tool_name"`
	ToolType   string    `db:"tool_type"`
	Input      []byte    `db:"input"`
	Output     []byte    `db:"output"`
	ExitCode   int       `db:"exit_code"`
	DurationMs int64     `db:"duration_ms"`
	FilePaths  []byte    `db:"file_paths"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r actionRow) toModel() *models.Action {
	return &models.Action{
		ID:         r.ID,
		SubtaskID:  r.SubtaskID,
		SessionID:  r.SessionID,
		AgentID:    r.AgentID,
		ToolName:   r.ToolName,
		ToolType:   models.ToolType(r.ToolType),
		Input:      r.Input,
		Output:     r.Output,
		ExitCode:   r.ExitCode,
		DurationMs: r.DurationMs,
		FilePaths:  unmarshalStrings(r.FilePaths),
		CreatedAt:  r.CreatedAt,
	}
}

const actionColumns = `id, subtask_id, session_id, agent_id, tool_name, tool_type,
	input, output, exit_code, duration_ms, file_paths, created_at`

// CreateAction appends an action record. Input and Output arrive already
// compressed from the service layer.
func (q queries) CreateAction(ctx context.Context, a *models.Action) error {
	var row actionRow
	err := sqlx.GetContext(ctx, q.ext, &row, `
		INSERT INTO actions (subtask_id, session_id, agent_id, tool_name, tool_type,
			input, output, exit_code, duration_ms, file_paths)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+actionColumns,
		a.SubtaskID, a.SessionID, a.AgentID, a.ToolName, string(a.ToolType),
		a.Input, a.Output, a.ExitCode, a.DurationMs, jsonOrEmptyArray(a.FilePaths))
	if err != nil {
		return fmt.Errorf("create action: %w", mapRowError(err))
	}
	*a = *row.toModel()
	return nil
}

// GetAction fetches an action by id.
func (q queries) GetAction(ctx context.Context, id string) (*models.Action, error) {
	var row actionRow
	err := sqlx.GetContext(ctx, q.ext, &row,
		`SELECT `+actionColumns+` FROM actions WHERE id = $1`, id)
	if err != nil {
		return nil, mapRowError(err)
	}
	return row.toModel(), nil
}

// ListActions returns actions matching the filter, newest first.
func (q queries) ListActions(ctx context.Context, f store.ActionFilter) ([]*models.Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions`
	args := []any{}
	var where []string

	if f.SubtaskID != "" {
		args = append(args, f.SubtaskID)
		where = append(where, `subtask_id = $`+strconv.Itoa(len(args)))
	}
	if f.SessionID != "" {
		args = append(args, f.SessionID)
		where = append(where, `session_id = $`+strconv.Itoa(len(args)))
	}
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		where = append(where, `agent_id = $`+strconv.Itoa(len(args)))
	}
	if f.ToolName != "" {
		args = append(args, f.ToolName)
		where = append(where, `tool_name = $`+strconv.Itoa(len(args)))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		where = append(where, `created_at >= $`+strconv.Itoa(len(args)))
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	var rows []actionRow
	if err := sqlx.SelectContext(ctx, q.ext, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	out := make([]*models.Action, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// HourlyActionStats buckets actions per hour since the given instant.
func (q queries) HourlyActionStats(ctx context.Context, since time.Time) ([]*store.HourlyActionStat, error) {
	var rows []*store.HourlyActionStat
	err := sqlx.SelectContext(ctx, q.ext, &rows, `
		SELECT date_trunc('hour', created_at) AS hour,
		       COUNT(*)                       AS count,
		       COALESCE(AVG(duration_ms), 0)  AS avg_duration_ms,
		       COUNT(*) FILTER (WHERE exit_code <> 0) AS failure_count
		FROM actions
		WHERE created_at >= $1
		GROUP BY 1
		ORDER BY 1`, since)
	if err != nil {
		return nil, fmt.Errorf("hourly action stats: %w", err)
	}
	return rows, nil
}

// RecordTokenConsumption appends one token-accounting row.
func (q queries) RecordTokenConsumption(ctx context.Context, tc *models.TokenConsumption) error {
	err := sqlx.GetContext(ctx, q.ext, tc, `
		INSERT INTO token_consumption (action_id, agent_id, session_id, input_tokens, output_tokens)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, action_id, agent_id, session_id, input_tokens, output_tokens, created_at`,
		tc.ActionID, tc.AgentID, tc.SessionID, tc.InputTokens, tc.OutputTokens)
	if err != nil {
		return fmt.Errorf("record token consumption: %w", mapRowError(err))
	}
	return nil
}

// ListActiveAgents returns agents with at least one action since the cutoff,
// joined against their most recent running subtask.
func (q queries) ListActiveAgents(ctx context.Context, since time.Time) ([]*store.ActiveAgent, error) {
	var rows []*store.ActiveAgent
	err := sqlx.SelectContext(ctx, q.ext, &rows, `
		SELECT a.agent_id,
		       COALESCE(MAX(st.agent_type), '') AS agent_type,
		       COALESCE((
		           SELECT s2.id FROM subtasks s2
		           WHERE s2.agent_id = a.agent_id AND s2.status = 'running'
		           ORDER BY s2.started_at DESC NULLS LAST LIMIT 1
		       )::text, '')        AS current_subtask_id,
		       COUNT(*)            AS action_count,
		       MAX(a.created_at)   AS last_action_at
		FROM actions a
		LEFT JOIN subtasks st ON st.id = a.subtask_id
		WHERE a.created_at >= $1 AND a.agent_id <> ''
		GROUP BY a.agent_id
		ORDER BY last_action_at DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("list active agents: %w", err)
	}
	return rows, nil
}
