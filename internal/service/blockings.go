package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
	"github.com/dcm/dcm/pkg/protocol"
)

// BlockingService tracks open blocker/blocked pairs between agents.
type BlockingService struct {
	store store.Store
	log   *logger.Logger
}

// NewBlockingService builds a blocking service.
func NewBlockingService(st store.Store, log *logger.Logger) *BlockingService {
	return &BlockingService{store: st, log: log}
}

// Report records that blocker blocks blocked. Reporting an already-open
// pair is a no-op and emits nothing. The agent.blocked event goes out on
// the global channel and both agents' private channels.
func (s *BlockingService) Report(ctx context.Context, blocker, blocked, reason string) (bool, error) {
	var v validator
	v.requireNonEmpty("blocker_agent", blocker)
	v.requireNonEmpty("blocked_agent", blocked)
	if blocker != "" && blocker == blocked {
		v.fail("blocked_agent", "must differ from blocker_agent")
	}
	if err := v.err(); err != nil {
		return false, err
	}

	var created bool
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		created, err = tx.CreateBlocking(ctx, &models.Blocking{
			BlockerAgent: blocker,
			BlockedAgent: blocked,
			Reason:       reason,
		})
		if err != nil || !created {
			return err
		}
		data := map[string]any{
			"blocker_agent": blocker,
			"blocked_agent": blocked,
			"reason":        reason,
		}
		return s.notifyPair(ctx, tx, protocol.EventAgentBlocked, blocker, blocked, data)
	})
	if err != nil {
		return false, err
	}
	if created {
		s.log.Info("agent blocked",
			zap.String("blocker", blocker), zap.String("blocked", blocked))
	}
	return created, nil
}

// Resolve closes open blockings where blocked is the blocked agent. An
// empty blocker resolves every blocking against the blocked agent. The
// agent.unblocked event goes out only when at least one row closed.
func (s *BlockingService) Resolve(ctx context.Context, blocker, blocked string) (int64, error) {
	var v validator
	v.requireNonEmpty("blocked_agent", blocked)
	if err := v.err(); err != nil {
		return 0, err
	}

	var resolved int64
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		resolved, err = tx.ResolveBlockings(ctx, blocker, blocked)
		if err != nil || resolved == 0 {
			return err
		}
		data := map[string]any{
			"blocker_agent": blocker,
			"blocked_agent": blocked,
			"resolved":      resolved,
		}
		return s.notifyPair(ctx, tx, protocol.EventAgentUnblocked, blocker, blocked, data)
	})
	if err != nil {
		return 0, err
	}
	return resolved, nil
}

// IsBlocked reports whether the agent has any open blocking against it.
func (s *BlockingService) IsBlocked(ctx context.Context, agentID string) (bool, error) {
	return s.store.IsBlocked(ctx, agentID)
}

// List returns blockings, optionally only the open ones.
func (s *BlockingService) List(ctx context.Context, openOnly bool) ([]*models.Blocking, error) {
	return s.store.ListBlockings(ctx, openOnly)
}

func (s *BlockingService) notifyPair(ctx context.Context, tx store.Tx, event, blocker, blocked string, data map[string]any) error {
	if err := tx.Notify(ctx, protocol.ChannelGlobal, event, data); err != nil {
		return err
	}
	if blocker != "" {
		if err := tx.Notify(ctx, protocol.AgentChannel(blocker), event, data); err != nil {
			return err
		}
	}
	return tx.Notify(ctx, protocol.AgentChannel(blocked), event, data)
}
