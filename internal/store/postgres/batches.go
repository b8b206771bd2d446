package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dcm/dcm/internal/models"
)

type batchRow struct {
	ID          string     `db:"id"`
	SessionID   string     `db:"session_id"`
	WaveNumber  int        `db:"wave_number"`
	Status      string     `db:"status"`
	Synthesis   []byte     `db:"synthesis"`
	CreatedAt   time.Time  `db:"created_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

func (r batchRow) toModel() *models.OrchestrationBatch {
	return &models.OrchestrationBatch{
		ID:          r.ID,
		SessionID:   r.SessionID,
		WaveNumber:  r.WaveNumber,
		Status:      r.Status,
		Synthesis:   unmarshalMap(r.Synthesis),
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.CompletedAt,
	}
}

const batchColumns = `id, session_id, wave_number, status, synthesis, created_at, completed_at`

// CreateBatch inserts an orchestration batch and fills generated fields.
func (q queries) CreateBatch(ctx context.Context, b *models.OrchestrationBatch) error {
	var row batchRow
	err := sqlx.GetContext(ctx, q.ext, &row, `
		INSERT INTO orchestration_batches (session_id, wave_number, status)
		VALUES ($1, $2, $3)
		RETURNING `+batchColumns,
		b.SessionID, b.WaveNumber, b.Status)
	if err != nil {
		return fmt.Errorf("create batch: %w", mapRowError(err))
	}
	*b = *row.toModel()
	return nil
}

// GetBatch fetches a batch by id.
func (q queries) GetBatch(ctx context.Context, id string) (*models.OrchestrationBatch, error) {
	var row batchRow
	err := sqlx.GetContext(ctx, q.ext, &row,
		`SELECT `+batchColumns+` FROM orchestration_batches WHERE id = $1`, id)
	if err != nil {
		return nil, mapRowError(err)
	}
	return row.toModel(), nil
}

// ListBatches returns a session's batches in wave order.
func (q queries) ListBatches(ctx context.Context, sessionID string) ([]*models.OrchestrationBatch, error) {
	var rows []batchRow
	err := sqlx.SelectContext(ctx, q.ext, &rows, `
		SELECT `+batchColumns+` FROM orchestration_batches
		WHERE session_id = $1
		ORDER BY wave_number, created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	out := make([]*models.OrchestrationBatch, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// CompleteBatch stores the synthesis and closes the batch.
func (q queries) CompleteBatch(ctx context.Context, id string, synthesis map[string]any) (*models.OrchestrationBatch, error) {
	var row batchRow
	err := sqlx.GetContext(ctx, q.ext, &row, `
		UPDATE orchestration_batches SET
			status = 'completed',
			synthesis = $2,
			completed_at = NOW()
		WHERE id = $1
		RETURNING `+batchColumns, id, jsonOrEmpty(synthesis))
	if err != nil {
		return nil, mapRowError(err)
	}
	return row.toModel(), nil
}
