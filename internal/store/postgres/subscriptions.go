package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// UpsertSubscription persists a channel subscription; duplicates are no-ops.
func (q queries) UpsertSubscription(ctx context.Context, agentID, channel string) error {
	_, err := q.ext.ExecContext(ctx, `
		INSERT INTO channel_subscriptions (agent_id, channel)
		VALUES ($1, $2)
		ON CONFLICT (agent_id, channel) DO NOTHING`, agentID, channel)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes a persisted channel subscription.
func (q queries) DeleteSubscription(ctx context.Context, agentID, channel string) error {
	_, err := q.ext.ExecContext(ctx,
		`DELETE FROM channel_subscriptions WHERE agent_id = $1 AND channel = $2`,
		agentID, channel)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// ListSubscriptions returns the agent's persisted channels in creation order.
func (q queries) ListSubscriptions(ctx context.Context, agentID string) ([]string, error) {
	var out []string
	err := sqlx.SelectContext(ctx, q.ext, &out, `
		SELECT channel FROM channel_subscriptions
		WHERE agent_id = $1
		ORDER BY created_at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return out, nil
}
