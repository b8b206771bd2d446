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

type messageRow struct {
	ID        string     `db:"id"`
	FromAgent string     `db:"from_agent"`
	ToAgent   *string    `db:"to_agent"`
	Topic     string     `db:"topic"`
	Content   []byte     `db:"content"`
	Priority  int        `db:"priority"`
	ReadBy    []byte     `db:"read_by"`
	CreatedAt time.Time  `db:"created_at"`
	ExpiresAt *time.Time `db:"expires_at"`
}

func (r messageRow) toModel() *models.AgentMessage {
	return &models.AgentMessage{
		ID:          r.ID,
		FromAgent:   r.FromAgent,
		ToAgent:     r.ToAgent,
		Topic:       r.Topic,
		Content:     unmarshalMap(r.Content),
		Priority:    r.Priority,
		ReadBy:      unmarshalStrings(r.ReadBy),
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
		IsBroadcast: r.ToAgent == nil,
	}
}

const messageColumns = `id, from_agent, to_agent, topic, content, priority, read_by, created_at, expires_at`

// CreateMessage persists a message and fills generated fields.
func (q queries) CreateMessage(ctx context.Context, m *models.AgentMessage) error {
	var row messageRow
	err := sqlx.GetContext(ctx, q.ext, &row, `
		INSERT INTO agent_messages (from_agent, to_agent, topic, content, priority, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+messageColumns,
		m.FromAgent, m.ToAgent, m.Topic, jsonOrEmpty(m.Content), m.Priority, m.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create message: %w", mapRowError(err))
	}
	*m = *row.toModel()
	return nil
}

// GetMessage fetches a message by id.
func (q queries) GetMessage(ctx context.Context, id string) (*models.AgentMessage, error) {
	var row messageRow
	err := sqlx.GetContext(ctx, q.ext, &row,
		`SELECT `+messageColumns+` FROM agent_messages WHERE id = $1`, id)
	if err != nil {
		return nil, mapRowError(err)
	}
	return row.toModel(), nil
}

// GetMessages returns live messages visible to the agent: direct messages
// plus broadcasts unless the filter excludes them. Already-read messages are
// included with the already_read tag set, sorted priority then recency.
func (q queries) GetMessages(ctx context.Context, agentID string, f store.MessageFilter) ([]*models.AgentMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM agent_messages
		WHERE (expires_at IS NULL OR expires_at > NOW())`
	args := []any{agentID}
	if f.IncludeBroadcasts {
		query += ` AND (to_agent = $1 OR to_agent IS NULL)`
	} else {
		query += ` AND to_agent = $1`
	}
	if f.Topic != "" {
		args = append(args, f.Topic)
		query += ` AND topic = $` + strconv.Itoa(len(args))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		query += ` AND created_at >= $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY priority DESC, created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	var rows []messageRow
	if err := sqlx.SelectContext(ctx, q.ext, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	out := make([]*models.AgentMessage, 0, len(rows))
	for _, r := range rows {
		m := r.toModel()
		m.AlreadyRead = m.ReadByAgent(agentID)
		out = append(out, m)
	}
	return out, nil
}

// MarkMessageRead appends the agent to read_by. The bool reports whether
// this was the first read by that agent; repeats are no-ops.
func (q queries) MarkMessageRead(ctx context.Context, agentID, messageID string) (bool, error) {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE agent_messages
		SET read_by = read_by || to_jsonb($2::text)
		WHERE id = $1 AND NOT read_by ? $2`, messageID, agentID)
	if err != nil {
		return false, fmt.Errorf("mark message read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Either already read or missing; distinguish for the caller.
		var exists bool
		if err := sqlx.GetContext(ctx, q.ext, &exists,
			`SELECT EXISTS (SELECT 1 FROM agent_messages WHERE id = $1)`, messageID); err != nil {
			return false, err
		}
		if !exists {
			return false, store.ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

// DeleteExpiredMessages removes messages past their TTL.
func (q queries) DeleteExpiredMessages(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.ext.ExecContext(ctx,
		`DELETE FROM agent_messages WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired messages: %w", err)
	}
	return res.RowsAffected()
}

// DeleteReadBroadcasts removes old broadcasts that at least one agent read.
func (q queries) DeleteReadBroadcasts(ctx context.Context, createdBefore time.Time) (int64, error) {
	res, err := q.ext.ExecContext(ctx, `
		DELETE FROM agent_messages
		WHERE to_agent IS NULL
		  AND created_at < $1
		  AND jsonb_array_length(read_by) > 0`, createdBefore)
	if err != nil {
		return 0, fmt.Errorf("delete read broadcasts: %w", err)
	}
	return res.RowsAffected()
}
