package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
	"github.com/dcm/dcm/pkg/protocol"
)

// sessionEndResult is the result written onto subtasks closed by ending
// their session.
var sessionEndResult = map[string]any{"error": "Session ended"}

// SessionService manages agent session lifecycles.
type SessionService struct {
	store store.Store
	log   *logger.Logger
}

// NewSessionService builds a session service.
func NewSessionService(st store.Store, log *logger.Logger) *SessionService {
	return &SessionService{store: st, log: log}
}

// Register creates the session if it does not exist, or revives a closed
// one. A session.created event goes out only for a genuinely new session.
func (s *SessionService) Register(ctx context.Context, id string) (*models.Session, error) {
	var v validator
	v.requireNonEmpty("session_id", id)
	if err := v.err(); err != nil {
		return nil, err
	}

	var session *models.Session
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var created bool
		var err error
		session, created, err = tx.UpsertSession(ctx, id)
		if err != nil {
			return err
		}
		if !created {
			return nil
		}
		return tx.Notify(ctx, protocol.ChannelGlobal, protocol.EventSessionCreated, map[string]any{
			"session_id": session.ID,
			"started_at": session.StartedAt,
		})
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Get fetches a session by id.
func (s *SessionService) Get(ctx context.Context, id string) (*models.Session, error) {
	return s.store.GetSession(ctx, id)
}

// List returns sessions, optionally only the active ones.
func (s *SessionService) List(ctx context.Context, activeOnly bool) ([]*models.Session, error) {
	return s.store.ListSessions(ctx, activeOnly)
}

// Stats aggregates one session for the dashboard.
func (s *SessionService) Stats(ctx context.Context, id string) (*store.SessionStats, error) {
	return s.store.SessionStats(ctx, id)
}

// End closes the session and fails every subtask still open under it.
// Ending an already-ended session is a no-op beyond re-reading the row.
// The close, the subtask failures, and their events commit together.
func (s *SessionService) End(ctx context.Context, id string) (*models.Session, error) {
	var session *models.Session
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		session, err = tx.EndSession(ctx, id)
		if err != nil {
			return err
		}
		closed, err := tx.CloseSessionSubtasks(ctx, id, sessionEndResult)
		if err != nil {
			return err
		}
		channel := protocol.SessionChannel(id)
		for _, st := range closed {
			if err := tx.Notify(ctx, channel, protocol.EventSubtaskFailed, subtaskEventData(st)); err != nil {
				return err
			}
		}
		return tx.Notify(ctx, protocol.ChannelGlobal, protocol.EventSessionEnded, map[string]any{
			"session_id":      session.ID,
			"ended_at":        session.EndedAt,
			"closed_subtasks": len(closed),
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("session ended", zap.String("session_id", id))
	return session, nil
}
