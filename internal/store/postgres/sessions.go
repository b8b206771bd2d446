package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
)

const sessionColumns = `id, started_at, ended_at, request_count, subtask_count`

// UpsertSession registers a session, reviving it when it was previously
// ended. The bool reports whether a new row was created.
func (q queries) UpsertSession(ctx context.Context, id string) (*models.Session, bool, error) {
	var row struct {
		models.Session
		Inserted bool `db:"inserted"`
	}
	err := sqlx.GetContext(ctx, q.ext, &row, `
		INSERT INTO sessions (id) VALUES ($1)
		ON CONFLICT (id) DO UPDATE SET ended_at = NULL
		RETURNING `+sessionColumns+`, (xmax = 0) AS inserted`, id)
	if err != nil {
		return nil, false, fmt.Errorf("upsert session: %w", mapRowError(err))
	}
	return &row.Session, row.Inserted, nil
}

// GetSession fetches a session by id.
func (q queries) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	err := sqlx.GetContext(ctx, q.ext, &s,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	if err != nil {
		return nil, mapRowError(err)
	}
	return &s, nil
}

// EndSession closes a session. Ending an already-ended session keeps the
// original ended_at.
func (q queries) EndSession(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	err := sqlx.GetContext(ctx, q.ext, &s, `
		UPDATE sessions SET ended_at = COALESCE(ended_at, NOW())
		WHERE id = $1
		RETURNING `+sessionColumns, id)
	if err != nil {
		return nil, mapRowError(err)
	}
	return &s, nil
}

// ListSessions returns sessions, newest first.
func (q queries) ListSessions(ctx context.Context, activeOnly bool) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if activeOnly {
		query += ` WHERE ended_at IS NULL`
	}
	query += ` ORDER BY started_at DESC`

	var out []*models.Session
	if err := sqlx.SelectContext(ctx, q.ext, &out, query); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// SessionStats aggregates a single session for the dashboard.
func (q queries) SessionStats(ctx context.Context, id string) (*store.SessionStats, error) {
	session, err := q.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	stats := &store.SessionStats{
		Session:          session,
		SubtasksByStatus: map[string]int{},
	}

	var byStatus []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	err = sqlx.SelectContext(ctx, q.ext, &byStatus, `
		SELECT st.status, COUNT(*) AS count
		FROM subtasks st
		JOIN task_lists tl ON tl.id = st.task_list_id
		JOIN requests r ON r.id = tl.request_id
		WHERE r.session_id = $1
		GROUP BY st.status`, id)
	if err != nil {
		return nil, fmt.Errorf("session subtask counts: %w", err)
	}
	for _, s := range byStatus {
		stats.SubtasksByStatus[s.Status] = s.Count
	}

	err = sqlx.GetContext(ctx, q.ext, &stats.ActionCount,
		`SELECT COUNT(*) FROM actions WHERE session_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("session action count: %w", err)
	}
	err = sqlx.GetContext(ctx, q.ext, &stats.MessageCount,
		`SELECT COUNT(*) FROM agent_messages WHERE from_agent IN (
			SELECT DISTINCT agent_id FROM actions WHERE session_id = $1 AND agent_id <> ''
		)`, id)
	if err != nil {
		return nil, fmt.Errorf("session message count: %w", err)
	}
	err = sqlx.GetContext(ctx, q.ext, &stats.TotalTokens,
		`SELECT COALESCE(SUM(input_tokens + output_tokens), 0) FROM token_consumption WHERE session_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("session token total: %w", err)
	}

	end := time.Now()
	if session.EndedAt != nil {
		end = *session.EndedAt
	}
	stats.DurationMs = end.Sub(session.StartedAt).Milliseconds()
	return stats, nil
}

// CloseOrphanedSessions ends active sessions that started before the cutoff
// and have no action since activeSince.
func (q queries) CloseOrphanedSessions(ctx context.Context, startedBefore, activeSince time.Time) (int64, error) {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE sessions SET ended_at = NOW()
		WHERE ended_at IS NULL
		  AND started_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM actions a
			WHERE a.session_id = sessions.id AND a.created_at > $2
		  )`, startedBefore, activeSince)
	if err != nil {
		return 0, fmt.Errorf("close orphaned sessions: %w", err)
	}
	return res.RowsAffected()
}

// BumpSessionCounters adds to the rolling request/subtask counters.
func (q queries) BumpSessionCounters(ctx context.Context, id string, requests, subtasks int) error {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE sessions SET
			request_count = request_count + $2,
			subtask_count = subtask_count + $3
		WHERE id = $1`, id, requests, subtasks)
	if err != nil {
		return fmt.Errorf("bump session counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
