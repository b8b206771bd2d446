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

type subtaskRow struct {
	ID            string     `db:"id"`
	TaskListID    string     `db:"task_list_id"`
	Description   string     `db:"description"`
	Status        string     `db:"status"`
	AgentType     string     `db:"agent_type"`
	AgentID       string     `db:"agent_id"`
	Priority      int        `db:"priority"`
	RetryCount    int        `db:"retry_count"`
	BlockedBy     []byte     `db:"blocked_by"`
	ParentAgentID string     `db:"parent_agent_id"`
	BatchID       *string    `db:"batch_id"`
	Result        []byte     `db:"result"`
	CreatedAt     time.Time  `db:"created_at"`
	StartedAt     *time.Time `db:"started_at"`
	CompletedAt   *time.Time `db:"completed_at"`
}

func (r subtaskRow) toModel() *models.Subtask {
	return &models.Subtask{
		ID:            r.ID,
		TaskListID:    r.TaskListID,
		Description:   r.Description,
		Status:        models.SubtaskStatus(r.Status),
		AgentType:     r.AgentType,
		AgentID:       r.AgentID,
		Priority:      r.Priority,
		RetryCount:    r.RetryCount,
		BlockedBy:     unmarshalStrings(r.BlockedBy),
		ParentAgentID: r.ParentAgentID,
		BatchID:       r.BatchID,
		Result:        unmarshalMap(r.Result),
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
	}
}

const subtaskColumns = `id, task_list_id, description, status, agent_type, agent_id,
	priority, retry_count, blocked_by, parent_agent_id, batch_id, result,
	created_at, started_at, completed_at`

// CreateSubtask inserts a subtask and fills generated fields.
func (q queries) CreateSubtask(ctx context.Context, s *models.Subtask) error {
	var row subtaskRow
	err := sqlx.GetContext(ctx, q.ext, &row, `
		INSERT INTO subtasks (task_list_id, description, status, agent_type, agent_id,
			priority, blocked_by, parent_agent_id, batch_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+subtaskColumns,
		s.TaskListID, s.Description, string(s.Status), s.AgentType, s.AgentID,
		s.Priority, jsonOrEmptyArray(s.BlockedBy), s.ParentAgentID, s.BatchID)
	if err != nil {
		return fmt.Errorf("create subtask: %w", mapRowError(err))
	}
	*s = *row.toModel()
	return nil
}

// GetSubtask fetches a subtask by id.
func (q queries) GetSubtask(ctx context.Context, id string) (*models.Subtask, error) {
	var row subtaskRow
	err := sqlx.GetContext(ctx, q.ext, &row,
		`SELECT `+subtaskColumns+` FROM subtasks WHERE id = $1`, id)
	if err != nil {
		return nil, mapRowError(err)
	}
	return row.toModel(), nil
}

// ListSubtasks returns subtasks matching the filter. Session filtering joins
// through task_lists and requests in the same statement.
func (q queries) ListSubtasks(ctx context.Context, f store.SubtaskFilter) ([]*models.Subtask, error) {
	query := `SELECT st.id, st.task_list_id, st.description, st.status, st.agent_type,
		st.agent_id, st.priority, st.retry_count, st.blocked_by, st.parent_agent_id,
		st.batch_id, st.result, st.created_at, st.started_at, st.completed_at
		FROM subtasks st`
	args := []any{}
	var where []string

	if f.SessionID != "" {
		query += ` JOIN task_lists tl ON tl.id = st.task_list_id
			JOIN requests r ON r.id = tl.request_id`
		args = append(args, f.SessionID)
		where = append(where, `r.session_id = $`+strconv.Itoa(len(args)))
	}
	if f.TaskListID != "" {
		args = append(args, f.TaskListID)
		where = append(where, `st.task_list_id = $`+strconv.Itoa(len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, `st.status = $`+strconv.Itoa(len(args)))
	}
	if f.AgentType != "" {
		args = append(args, f.AgentType)
		where = append(where, `st.agent_type = $`+strconv.Itoa(len(args)))
	}
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		where = append(where, `st.agent_id = $`+strconv.Itoa(len(args)))
	}
	if f.ParentAgentID != "" {
		args = append(args, f.ParentAgentID)
		where = append(where, `st.parent_agent_id = $`+strconv.Itoa(len(args)))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		where = append(where, `st.created_at >= $`+strconv.Itoa(len(args)))
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY st.priority DESC, st.created_at`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	var rows []subtaskRow
	if err := sqlx.SelectContext(ctx, q.ext, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	out := make([]*models.Subtask, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// UpdateSubtask applies the patch. Status changes maintain started_at and
// completed_at; transition legality is the service's responsibility.
func (q queries) UpdateSubtask(ctx context.Context, id string, patch store.SubtaskPatch) (*models.Subtask, error) {
	sets := []string{}
	args := []any{id}

	add := func(expr string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	if patch.Status != nil {
		add(`status = $%d`, string(*patch.Status))
		sets = append(sets,
			`started_at = CASE WHEN status = 'pending' AND started_at IS NULL THEN NOW() ELSE started_at END`,
			fmt.Sprintf(`completed_at = CASE WHEN $%d IN ('completed', 'failed') THEN NOW() ELSE completed_at END`, len(args)))
	}
	if patch.Result != nil {
		add(`result = $%d`, jsonOrEmpty(patch.Result))
	}
	if patch.AgentID != nil {
		add(`agent_id = $%d`, *patch.AgentID)
	}
	if patch.AgentType != nil {
		add(`agent_type = $%d`, *patch.AgentType)
	}
	if patch.Priority != nil {
		add(`priority = $%d`, *patch.Priority)
	}
	if patch.RetryCount != nil {
		add(`retry_count = $%d`, *patch.RetryCount)
	}
	if patch.BlockedBy != nil {
		add(`blocked_by = $%d`, jsonOrEmptyArray(*patch.BlockedBy))
	}
	if len(sets) == 0 {
		return q.GetSubtask(ctx, id)
	}

	var row subtaskRow
	query := `UPDATE subtasks SET ` + strings.Join(sets, ", ") +
		` WHERE id = $1 RETURNING ` + subtaskColumns
	if err := sqlx.GetContext(ctx, q.ext, &row, query, args...); err != nil {
		return nil, mapRowError(err)
	}
	return row.toModel(), nil
}

// DeleteSubtask removes a subtask.
func (q queries) DeleteSubtask(ctx context.Context, id string) error {
	res, err := q.ext.ExecContext(ctx, `DELETE FROM subtasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subtask: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CloseSessionSubtasks bulk-fails every still-open subtask under the
// session and returns the affected rows.
func (q queries) CloseSessionSubtasks(ctx context.Context, sessionID string, result map[string]any) ([]*models.Subtask, error) {
	var rows []subtaskRow
	err := sqlx.SelectContext(ctx, q.ext, &rows, `
		UPDATE subtasks SET
			status = 'failed',
			result = $2,
			completed_at = NOW()
		WHERE status IN ('pending', 'running', 'paused', 'blocked')
		  AND task_list_id IN (
			SELECT tl.id FROM task_lists tl
			JOIN requests r ON r.id = tl.request_id
			WHERE r.session_id = $1
		  )
		RETURNING `+subtaskColumns, sessionID, jsonOrEmpty(result))
	if err != nil {
		return nil, fmt.Errorf("close session subtasks: %w", err)
	}
	out := make([]*models.Subtask, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// FailStuckSubtasks times out running/paused/blocked subtasks that started
// before the cutoff and have no action since activeSince.
func (q queries) FailStuckSubtasks(ctx context.Context, startedBefore, activeSince time.Time, result map[string]any) (int64, error) {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE subtasks st SET
			status = 'failed',
			result = $3,
			completed_at = NOW()
		WHERE st.status IN ('running', 'paused', 'blocked')
		  AND st.started_at IS NOT NULL
		  AND st.started_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM actions a
			WHERE a.subtask_id = st.id AND a.created_at > $2
		  )`, startedBefore, activeSince, jsonOrEmpty(result))
	if err != nil {
		return 0, fmt.Errorf("fail stuck subtasks: %w", err)
	}
	return res.RowsAffected()
}
