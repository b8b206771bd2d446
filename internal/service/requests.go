package service

import (
	"context"
	"strings"

	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
	"github.com/dcm/dcm/pkg/protocol"
)

// RequestService manages user requests and their lifecycle events.
type RequestService struct {
	store store.Store
	log   *logger.Logger
}

// NewRequestService builds a request service.
func NewRequestService(st store.Store, log *logger.Logger) *RequestService {
	return &RequestService{store: st, log: log}
}

// CreateRequestInput is the payload for Create.
type CreateRequestInput struct {
	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
}

// Create records a request under its session, registering the session on
// the fly when it does not exist yet. The request, the session bump, and
// the task.created event commit together.
func (s *RequestService) Create(ctx context.Context, in CreateRequestInput) (*models.Request, error) {
	var v validator
	v.requireNonEmpty("project_id", in.ProjectID)
	v.requireNonEmpty("session_id", in.SessionID)
	v.requireNonEmpty("prompt", in.Prompt)
	if err := v.err(); err != nil {
		return nil, err
	}

	req := &models.Request{
		ProjectID: in.ProjectID,
		SessionID: in.SessionID,
		Prompt:    strings.TrimSpace(in.Prompt),
		Status:    models.RequestActive,
	}
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetProject(ctx, in.ProjectID); err != nil {
			return err
		}
		session, created, err := tx.UpsertSession(ctx, in.SessionID)
		if err != nil {
			return err
		}
		if created {
			if err := tx.Notify(ctx, protocol.ChannelGlobal, protocol.EventSessionCreated, map[string]any{
				"session_id": session.ID,
				"started_at": session.StartedAt,
			}); err != nil {
				return err
			}
		}
		if err := tx.CreateRequest(ctx, req); err != nil {
			return err
		}
		if err := tx.BumpSessionCounters(ctx, in.SessionID, 1, 0); err != nil {
			return err
		}
		return tx.Notify(ctx, protocol.SessionChannel(in.SessionID), protocol.EventTaskCreated, requestEventData(req))
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Get fetches a request by id.
func (s *RequestService) Get(ctx context.Context, id string) (*models.Request, error) {
	return s.store.GetRequest(ctx, id)
}

// List returns requests matching the filter, newest first.
func (s *RequestService) List(ctx context.Context, f store.RequestFilter) ([]*models.Request, error) {
	if f.Status != "" && !f.Status.Valid() {
		var v validator
		v.fail("status", "must be one of active, in_progress, completed, failed")
		return nil, v.err()
	}
	return s.store.ListRequests(ctx, f)
}

// UpdateStatus moves a request to a new status and emits the matching
// task event on the session channel.
func (s *RequestService) UpdateStatus(ctx context.Context, id string, status models.RequestStatus) (*models.Request, error) {
	if !status.Valid() {
		var v validator
		v.fail("status", "must be one of active, in_progress, completed, failed")
		return nil, v.err()
	}

	var req *models.Request
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		req, err = tx.UpdateRequestStatus(ctx, id, status)
		if err != nil {
			return err
		}
		return tx.Notify(ctx, protocol.SessionChannel(req.SessionID), requestEventName(status), requestEventData(req))
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Delete removes a request and its task tree.
func (s *RequestService) Delete(ctx context.Context, id string) error {
	return s.store.DeleteRequest(ctx, id)
}

func requestEventName(status models.RequestStatus) string {
	switch status {
	case models.RequestCompleted:
		return protocol.EventTaskCompleted
	case models.RequestFailed:
		return protocol.EventTaskFailed
	default:
		return protocol.EventTaskUpdated
	}
}

func requestEventData(r *models.Request) map[string]any {
	data := map[string]any{
		"request_id": r.ID,
		"project_id": r.ProjectID,
		"session_id": r.SessionID,
		"status":     string(r.Status),
	}
	if r.CompletedAt != nil {
		data["completed_at"] = *r.CompletedAt
	}
	return data
}
