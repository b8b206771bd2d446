package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
)

type taskListRow struct {
	ID         string    `db:"id"`
	RequestID  string    `db:"request_id"`
	WaveNumber int       `db:"wave_number"`
	Status     string    `db:"status"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r taskListRow) toModel() *models.TaskList {
	return &models.TaskList{
		ID:         r.ID,
		RequestID:  r.RequestID,
		WaveNumber: r.WaveNumber,
		Status:     models.TaskListStatus(r.Status),
		CreatedAt:  r.CreatedAt,
	}
}

// CreateTaskList inserts a task-list and fills generated fields.
func (q queries) CreateTaskList(ctx context.Context, tl *models.TaskList) error {
	var row taskListRow
	err := sqlx.GetContext(ctx, q.ext, &row, `
		INSERT INTO task_lists (request_id, wave_number, status)
		VALUES ($1, $2, $3)
		RETURNING id, request_id, wave_number, status, created_at`,
		tl.RequestID, tl.WaveNumber, string(tl.Status))
	if err != nil {
		return fmt.Errorf("create task list: %w", mapRowError(err))
	}
	*tl = *row.toModel()
	return nil
}

// GetTaskList fetches a task-list by id.
func (q queries) GetTaskList(ctx context.Context, id string) (*models.TaskList, error) {
	var row taskListRow
	err := sqlx.GetContext(ctx, q.ext, &row,
		`SELECT id, request_id, wave_number, status, created_at FROM task_lists WHERE id = $1`, id)
	if err != nil {
		return nil, mapRowError(err)
	}
	return row.toModel(), nil
}

// ListTaskLists returns a request's task-lists in wave order.
func (q queries) ListTaskLists(ctx context.Context, requestID string) ([]*models.TaskList, error) {
	var rows []taskListRow
	err := sqlx.SelectContext(ctx, q.ext, &rows, `
		SELECT id, request_id, wave_number, status, created_at
		FROM task_lists WHERE request_id = $1
		ORDER BY wave_number`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list task lists: %w", err)
	}
	out := make([]*models.TaskList, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// UpdateTaskListStatus transitions a task-list.
func (q queries) UpdateTaskListStatus(ctx context.Context, id string, status models.TaskListStatus) error {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE task_lists SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update task list: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
