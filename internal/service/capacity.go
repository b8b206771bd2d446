package service

import (
	"context"

	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
)

// CapacityService manages rolling token-capacity gauges per agent.
type CapacityService struct {
	store store.Store
	log   *logger.Logger
}

// NewCapacityService builds a capacity service.
func NewCapacityService(st store.Store, log *logger.Logger) *CapacityService {
	return &CapacityService{store: st, log: log}
}

// SetLimit sets the maximum token capacity for an agent, creating the
// gauge if needed. The zone is recomputed against current usage.
func (s *CapacityService) SetLimit(ctx context.Context, agentID string, max int64) (*models.AgentCapacity, error) {
	var v validator
	v.requireNonEmpty("agent_id", agentID)
	if max <= 0 {
		v.fail("max_capacity", "must be positive")
	}
	if err := v.err(); err != nil {
		return nil, err
	}
	return s.store.SetCapacityLimit(ctx, agentID, max)
}

// RecordUsage adds tokens to an agent's gauge and returns the updated
// zone. Negative deltas reduce usage, floored at zero by the store.
func (s *CapacityService) RecordUsage(ctx context.Context, agentID string, tokens int64) (*models.AgentCapacity, error) {
	var v validator
	v.requireNonEmpty("agent_id", agentID)
	if err := v.err(); err != nil {
		return nil, err
	}
	return s.store.RecordCapacityUsage(ctx, agentID, tokens)
}

// Get fetches one agent's gauge.
func (s *CapacityService) Get(ctx context.Context, agentID string) (*models.AgentCapacity, error) {
	return s.store.GetCapacity(ctx, agentID)
}

// List returns all gauges ordered by usage ratio, fullest first.
func (s *CapacityService) List(ctx context.Context) ([]*models.AgentCapacity, error) {
	return s.store.ListCapacities(ctx)
}
