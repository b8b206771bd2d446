package service

import (
	"context"

	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/store"
	"github.com/dcm/dcm/pkg/protocol"
)

// SubscriptionService persists channel subscriptions so a reconnecting
// agent is re-wired to its channels by the gateway.
type SubscriptionService struct {
	store store.Store
	log   *logger.Logger
}

// NewSubscriptionService builds a subscription service.
func NewSubscriptionService(st store.Store, log *logger.Logger) *SubscriptionService {
	return &SubscriptionService{store: st, log: log}
}

// Subscribe persists a channel subscription. Idempotent.
func (s *SubscriptionService) Subscribe(ctx context.Context, agentID, channel string) error {
	var v validator
	v.requireNonEmpty("agent_id", agentID)
	v.requireNonEmpty("channel", channel)
	if channel != "" && !protocol.ValidChannel(channel) {
		v.fail("channel", "unknown channel name")
	}
	if err := v.err(); err != nil {
		return err
	}
	return s.store.UpsertSubscription(ctx, agentID, channel)
}

// Unsubscribe removes a persisted subscription. Removing a missing
// subscription is a no-op.
func (s *SubscriptionService) Unsubscribe(ctx context.Context, agentID, channel string) error {
	var v validator
	v.requireNonEmpty("agent_id", agentID)
	v.requireNonEmpty("channel", channel)
	if err := v.err(); err != nil {
		return err
	}
	return s.store.DeleteSubscription(ctx, agentID, channel)
}

// List returns the agent's persisted channels in subscription order.
func (s *SubscriptionService) List(ctx context.Context, agentID string) ([]string, error) {
	return s.store.ListSubscriptions(ctx, agentID)
}
