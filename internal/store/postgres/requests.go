package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
)

type requestRow struct {
	ID          string     `db:"id"`
	ProjectID   string     `db:"project_id"`
	SessionID   string     `db:"session_id"`
	Prompt      string     `db:"prompt"`
	Status      string     `db:"status"`
	CreatedAt   time.Time  `db:"created_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

func (r requestRow) toModel() *models.Request {
	return &models.Request{
		ID:          r.ID,
		ProjectID:   r.ProjectID,
		SessionID:   r.SessionID,
		Prompt:      r.Prompt,
		Status:      models.RequestStatus(r.Status),
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.CompletedAt,
	}
}

const requestColumns = `id, project_id, session_id, prompt, status, created_at, completed_at`

// CreateRequest inserts a request and fills generated fields.
func (q queries) CreateRequest(ctx context.Context, r *models.Request) error {
	var row requestRow
	err := sqlx.GetContext(ctx, q.ext, &row, `
		INSERT INTO requests (project_id, session_id, prompt, status)
		VALUES ($1, $2, $3, $4)
		RETURNING `+requestColumns,
		r.ProjectID, r.SessionID, r.Prompt, string(r.Status))
	if err != nil {
		return fmt.Errorf("create request: %w", mapRowError(err))
	}
	*r = *row.toModel()
	return nil
}

// GetRequest fetches a request by id.
func (q queries) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	var row requestRow
	err := sqlx.GetContext(ctx, q.ext, &row,
		`SELECT `+requestColumns+` FROM requests WHERE id = $1`, id)
	if err != nil {
		return nil, mapRowError(err)
	}
	return row.toModel(), nil
}

// ListRequests returns requests matching the filter, newest first.
func (q queries) ListRequests(ctx context.Context, f store.RequestFilter) ([]*models.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE 1=1`
	args := []any{}
	if f.ProjectID != "" {
		args = append(args, f.ProjectID)
		query += ` AND project_id = $` + strconv.Itoa(len(args))
	}
	if f.SessionID != "" {
		args = append(args, f.SessionID)
		query += ` AND session_id = $` + strconv.Itoa(len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	var rows []requestRow
	if err := sqlx.SelectContext(ctx, q.ext, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	out := make([]*models.Request, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// UpdateRequestStatus transitions a request, setting completed_at on
// terminal statuses.
func (q queries) UpdateRequestStatus(ctx context.Context, id string, status models.RequestStatus) (*models.Request, error) {
	var row requestRow
	err := sqlx.GetContext(ctx, q.ext, &row, `
		UPDATE requests SET
			status = $2,
			completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN NOW() ELSE completed_at END
		WHERE id = $1
		RETURNING `+requestColumns, id, string(status))
	if err != nil {
		return nil, mapRowError(err)
	}
	return row.toModel(), nil
}

// DeleteRequest removes a request; task-lists and subtasks cascade.
func (q queries) DeleteRequest(ctx context.Context, id string) error {
	res, err := q.ext.ExecContext(ctx, `DELETE FROM requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
