package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
)

type waveRow struct {
	ID             string     `db:"id"`
	SessionID      string     `db:"session_id"`
	WaveNumber     int        `db:"wave_number"`
	TotalTasks     int        `db:"total_tasks"`
	CompletedTasks int        `db:"completed_tasks"`
	FailedTasks    int        `db:"failed_tasks"`
	Status         string     `db:"status"`
	StartedAt      *time.Time `db:"started_at"`
	CompletedAt    *time.Time `db:"completed_at"`
	CreatedAt      time.Time  `db:"created_at"`
}

func (r waveRow) toModel() *models.WaveState {
	return &models.WaveState{
		ID:             r.ID,
		SessionID:      r.SessionID,
		WaveNumber:     r.WaveNumber,
		TotalTasks:     r.TotalTasks,
		CompletedTasks: r.CompletedTasks,
		FailedTasks:    r.FailedTasks,
		Status:         models.WaveStatus(r.Status),
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		CreatedAt:      r.CreatedAt,
	}
}

const waveColumns = `id, session_id, wave_number, total_tasks, completed_tasks,
	failed_tasks, status, started_at, completed_at, created_at`

// GetOrCreateWave returns the (session, wave) row, creating a pending one
// when absent. ON CONFLICT keeps concurrent creators convergent.
func (q queries) GetOrCreateWave(ctx context.Context, sessionID string, waveNumber int) (*models.WaveState, error) {
	var row waveRow
	err := sqlx.GetContext(ctx, q.ext, &row, `
		INSERT INTO wave_states (session_id, wave_number)
		VALUES ($1, $2)
		ON CONFLICT (session_id, wave_number) DO UPDATE SET session_id = EXCLUDED.session_id
		RETURNING `+waveColumns, sessionID, waveNumber)
	if err != nil {
		return nil, fmt.Errorf("get or create wave: %w", mapRowError(err))
	}
	return row.toModel(), nil
}

// GetWave fetches the (session, wave) row.
func (q queries) GetWave(ctx context.Context, sessionID string, waveNumber int) (*models.WaveState, error) {
	var row waveRow
	err := sqlx.GetContext(ctx, q.ext, &row,
		`SELECT `+waveColumns+` FROM wave_states WHERE session_id = $1 AND wave_number = $2`,
		sessionID, waveNumber)
	if err != nil {
		return nil, mapRowError(err)
	}
	return row.toModel(), nil
}

// StartWave transitions pending → running and stamps started_at. Starting
// an already-running wave returns it unchanged; starting a finished wave
// returns ErrConflict.
func (q queries) StartWave(ctx context.Context, sessionID string, waveNumber int) (*models.WaveState, error) {
	var row waveRow
	err := sqlx.GetContext(ctx, q.ext, &row, `
		UPDATE wave_states SET status = 'running', started_at = NOW()
		WHERE session_id = $1 AND wave_number = $2 AND status = 'pending'
		RETURNING `+waveColumns, sessionID, waveNumber)
	if err == nil {
		return row.toModel(), nil
	}
	if !errors.Is(mapRowError(err), store.ErrNotFound) {
		return nil, mapRowError(err)
	}
	// No pending row matched: missing wave, repeated start, or a finished
	// wave.
	existing, gerr := q.GetWave(ctx, sessionID, waveNumber)
	if gerr != nil {
		return nil, gerr
	}
	if existing.Status == models.WaveRunning {
		return existing, nil
	}
	return nil, store.ErrConflict
}

// CompleteWaveTask bumps the completed (or failed) counter atomically and
// returns the fresh counters. Counters never exceed total_tasks.
func (q queries) CompleteWaveTask(ctx context.Context, sessionID string, waveNumber int, failed bool) (*models.WaveState, error) {
	column := "completed_tasks"
	if failed {
		column = "failed_tasks"
	}
	var row waveRow
	err := sqlx.GetContext(ctx, q.ext, &row, `
		UPDATE wave_states SET `+column+` = `+column+` + 1
		WHERE session_id = $1 AND wave_number = $2
		  AND completed_tasks + failed_tasks < total_tasks
		RETURNING `+waveColumns, sessionID, waveNumber)
	if err == nil {
		return row.toModel(), nil
	}
	if !errors.Is(mapRowError(err), store.ErrNotFound) {
		return nil, mapRowError(err)
	}
	if _, gerr := q.GetWave(ctx, sessionID, waveNumber); gerr != nil {
		return nil, gerr
	}
	return nil, store.ErrConflict
}

// FinishWave transitions to a terminal status and stamps completed_at.
func (q queries) FinishWave(ctx context.Context, sessionID string, waveNumber int, status models.WaveStatus) (*models.WaveState, error) {
	var row waveRow
	err := sqlx.GetContext(ctx, q.ext, &row, `
		UPDATE wave_states SET status = $3, completed_at = NOW()
		WHERE session_id = $1 AND wave_number = $2
		RETURNING `+waveColumns, sessionID, waveNumber, string(status))
	if err != nil {
		return nil, mapRowError(err)
	}
	return row.toModel(), nil
}

// AdjustWaveTotals adds delta to total_tasks, clamped so counters stay
// within the invariant.
func (q queries) AdjustWaveTotals(ctx context.Context, sessionID string, waveNumber, delta int) (*models.WaveState, error) {
	var row waveRow
	err := sqlx.GetContext(ctx, q.ext, &row, `
		UPDATE wave_states
		SET total_tasks = GREATEST(total_tasks + $3, completed_tasks + failed_tasks)
		WHERE session_id = $1 AND wave_number = $2
		RETURNING `+waveColumns, sessionID, waveNumber, delta)
	if err != nil {
		return nil, mapRowError(err)
	}
	return row.toModel(), nil
}

// ListWaves returns every wave of a session in wave order.
func (q queries) ListWaves(ctx context.Context, sessionID string) ([]*models.WaveState, error) {
	var rows []waveRow
	err := sqlx.SelectContext(ctx, q.ext, &rows,
		`SELECT `+waveColumns+` FROM wave_states WHERE session_id = $1 ORDER BY wave_number`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list waves: %w", err)
	}
	out := make([]*models.WaveState, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (q queries) waveByStatus(ctx context.Context, sessionID, status, order string) (*models.WaveState, error) {
	var row waveRow
	err := sqlx.GetContext(ctx, q.ext, &row,
		`SELECT `+waveColumns+` FROM wave_states
		 WHERE session_id = $1 AND status = $2
		 ORDER BY wave_number `+order+` LIMIT 1`, sessionID, status)
	if err != nil {
		return nil, mapRowError(err)
	}
	return row.toModel(), nil
}

// RunningWave returns the session's running wave, ErrNotFound when none.
func (q queries) RunningWave(ctx context.Context, sessionID string) (*models.WaveState, error) {
	return q.waveByStatus(ctx, sessionID, "running", "DESC")
}

// LatestPendingWave returns the highest-numbered pending wave.
func (q queries) LatestPendingWave(ctx context.Context, sessionID string) (*models.WaveState, error) {
	return q.waveByStatus(ctx, sessionID, "pending", "DESC")
}

// LatestCompletedWave returns the highest-numbered completed wave.
func (q queries) LatestCompletedWave(ctx context.Context, sessionID string) (*models.WaveState, error) {
	return q.waveByStatus(ctx, sessionID, "completed", "DESC")
}

// SynthesizeWaveHistory reconstructs per-wave counters from task-lists and
// subtasks for sessions that predate wave_states rows. Synthesized rows are
// not persisted.
func (q queries) SynthesizeWaveHistory(ctx context.Context, sessionID string) ([]*models.WaveState, error) {
	var rows []struct {
		WaveNumber int        `db:"wave_number"`
		Total      int        `db:"total"`
		Completed  int        `db:"completed"`
		Failed     int        `db:"failed"`
		StartedAt  *time.Time `db:"started_at"`
		FinishedAt *time.Time `db:"finished_at"`
	}
	err := sqlx.SelectContext(ctx, q.ext, &rows, `
		SELECT tl.wave_number,
		       COUNT(st.id)                                        AS total,
		       COUNT(st.id) FILTER (WHERE st.status = 'completed') AS completed,
		       COUNT(st.id) FILTER (WHERE st.status = 'failed')    AS failed,
		       MIN(st.started_at)                                  AS started_at,
		       MAX(st.completed_at)                                AS finished_at
		FROM task_lists tl
		JOIN requests r ON r.id = tl.request_id
		LEFT JOIN subtasks st ON st.task_list_id = tl.id
		WHERE r.session_id = $1
		GROUP BY tl.wave_number
		ORDER BY tl.wave_number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("synthesize wave history: %w", err)
	}

	out := make([]*models.WaveState, 0, len(rows))
	for _, r := range rows {
		status := models.WaveRunning
		var completedAt *time.Time
		if r.Total > 0 && r.Completed+r.Failed == r.Total {
			if r.Failed > 0 {
				status = models.WaveFailed
			} else {
				status = models.WaveCompleted
			}
			completedAt = r.FinishedAt
		}
		out = append(out, &models.WaveState{
			SessionID:      sessionID,
			WaveNumber:     r.WaveNumber,
			TotalTasks:     r.Total,
			CompletedTasks: r.Completed,
			FailedTasks:    r.Failed,
			Status:         status,
			StartedAt:      r.StartedAt,
			CompletedAt:    completedAt,
		})
	}
	return out, nil
}
