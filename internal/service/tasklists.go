package service

import (
	"context"

	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
)

// TaskListService manages the wave-numbered task-lists under a request.
type TaskListService struct {
	store store.Store
	log   *logger.Logger
}

// NewTaskListService builds a task-list service.
func NewTaskListService(st store.Store, log *logger.Logger) *TaskListService {
	return &TaskListService{store: st, log: log}
}

// CreateTaskListInput is the payload for Create.
type CreateTaskListInput struct {
	RequestID  string `json:"request_id"`
	WaveNumber int    `json:"wave_number"`
}

// Create adds a task-list to a request. The wave state row for
// (session, wave) is created alongside so wave queries never miss.
func (s *TaskListService) Create(ctx context.Context, in CreateTaskListInput) (*models.TaskList, error) {
	var v validator
	v.requireNonEmpty("request_id", in.RequestID)
	if in.WaveNumber < 0 {
		v.fail("wave_number", "must be >= 0")
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	tl := &models.TaskList{
		RequestID:  in.RequestID,
		WaveNumber: in.WaveNumber,
		Status:     models.TaskListPending,
	}
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		req, err := tx.GetRequest(ctx, in.RequestID)
		if err != nil {
			return err
		}
		if err := tx.CreateTaskList(ctx, tl); err != nil {
			return err
		}
		_, err = tx.GetOrCreateWave(ctx, req.SessionID, in.WaveNumber)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tl, nil
}

// Get fetches a task-list by id.
func (s *TaskListService) Get(ctx context.Context, id string) (*models.TaskList, error) {
	return s.store.GetTaskList(ctx, id)
}

// List returns the task-lists of a request in wave order.
func (s *TaskListService) List(ctx context.Context, requestID string) ([]*models.TaskList, error) {
	return s.store.ListTaskLists(ctx, requestID)
}

// UpdateStatus moves a task-list to a new status.
func (s *TaskListService) UpdateStatus(ctx context.Context, id string, status models.TaskListStatus) error {
	if !status.Valid() {
		var v validator
		v.fail("status", "must be one of pending, running, completed, failed")
		return v.err()
	}
	return s.store.UpdateTaskListStatus(ctx, id, status)
}
