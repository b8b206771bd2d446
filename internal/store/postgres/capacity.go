package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/dcm/dcm/internal/models"
)

const capacityColumns = `agent_id, max_capacity, current_usage, zone, updated_at`

// SetCapacityLimit sets the agent's token budget, recomputing the zone
// against current usage.
func (q queries) SetCapacityLimit(ctx context.Context, agentID string, max int64) (*models.AgentCapacity, error) {
	var c models.AgentCapacity
	err := sqlx.GetContext(ctx, q.ext, &c, `
		INSERT INTO agent_capacity (agent_id, max_capacity)
		VALUES ($1, $2)
		ON CONFLICT (agent_id) DO UPDATE SET
			max_capacity = EXCLUDED.max_capacity,
			updated_at   = NOW()
		RETURNING `+capacityColumns, agentID, max)
	if err != nil {
		return nil, fmt.Errorf("set capacity limit: %w", mapRowError(err))
	}
	c.Zone = models.ZoneFor(c.CurrentUsage, c.MaxCapacity)
	if err := q.storeZone(ctx, agentID, c.Zone); err != nil {
		return nil, err
	}
	return &c, nil
}

// RecordCapacityUsage adds tokens to the rolling usage gauge and recomputes
// the zone. Unknown agents get a row with the default budget.
func (q queries) RecordCapacityUsage(ctx context.Context, agentID string, tokens int64) (*models.AgentCapacity, error) {
	var c models.AgentCapacity
	err := sqlx.GetContext(ctx, q.ext, &c, `
		INSERT INTO agent_capacity (agent_id, current_usage)
		VALUES ($1, $2)
		ON CONFLICT (agent_id) DO UPDATE SET
			current_usage = agent_capacity.current_usage + EXCLUDED.current_usage,
			updated_at    = NOW()
		RETURNING `+capacityColumns, agentID, tokens)
	if err != nil {
		return nil, fmt.Errorf("record capacity usage: %w", mapRowError(err))
	}
	c.Zone = models.ZoneFor(c.CurrentUsage, c.MaxCapacity)
	if err := q.storeZone(ctx, agentID, c.Zone); err != nil {
		return nil, err
	}
	return &c, nil
}

func (q queries) storeZone(ctx context.Context, agentID string, zone models.CapacityZone) error {
	_, err := q.ext.ExecContext(ctx,
		`UPDATE agent_capacity SET zone = $2 WHERE agent_id = $1 AND zone <> $2`,
		agentID, string(zone))
	if err != nil {
		return fmt.Errorf("store capacity zone: %w", err)
	}
	return nil
}

// GetCapacity fetches the agent's capacity gauge.
func (q queries) GetCapacity(ctx context.Context, agentID string) (*models.AgentCapacity, error) {
	var c models.AgentCapacity
	err := sqlx.GetContext(ctx, q.ext, &c,
		`SELECT `+capacityColumns+` FROM agent_capacity WHERE agent_id = $1`, agentID)
	if err != nil {
		return nil, mapRowError(err)
	}
	return &c, nil
}

// ListCapacities returns every capacity gauge, most loaded first.
func (q queries) ListCapacities(ctx context.Context) ([]*models.AgentCapacity, error) {
	var out []*models.AgentCapacity
	err := sqlx.SelectContext(ctx, q.ext, &out, `
		SELECT `+capacityColumns+` FROM agent_capacity
		ORDER BY current_usage::float / GREATEST(max_capacity, 1) DESC`)
	if err != nil {
		return nil, fmt.Errorf("list capacities: %w", err)
	}
	return out, nil
}
