package service

import (
	"context"

	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
)

// BatchService groups subtasks submitted together within a wave and
// synthesizes their results once the batch completes.
type BatchService struct {
	store store.Store
	log   *logger.Logger
}

// NewBatchService builds a batch service.
func NewBatchService(st store.Store, log *logger.Logger) *BatchService {
	return &BatchService{store: st, log: log}
}

// CreateBatchInput is the payload for Create.
type CreateBatchInput struct {
	SessionID  string `json:"session_id"`
	WaveNumber int    `json:"wave_number"`
}

// Create opens a batch for a session wave.
func (s *BatchService) Create(ctx context.Context, in CreateBatchInput) (*models.OrchestrationBatch, error) {
	var v validator
	v.requireNonEmpty("session_id", in.SessionID)
	if in.WaveNumber < 0 {
		v.fail("wave_number", "must be >= 0")
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	batch := &models.OrchestrationBatch{
		SessionID:  in.SessionID,
		WaveNumber: in.WaveNumber,
		Status:     "open",
	}
	if err := s.store.CreateBatch(ctx, batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// Get fetches a batch by id.
func (s *BatchService) Get(ctx context.Context, id string) (*models.OrchestrationBatch, error) {
	return s.store.GetBatch(ctx, id)
}

// List returns a session's batches in wave order.
func (s *BatchService) List(ctx context.Context, sessionID string) ([]*models.OrchestrationBatch, error) {
	return s.store.ListBatches(ctx, sessionID)
}

// Complete closes a batch, aggregating the results of its subtasks into
// the synthesis. The aggregation and the status flip commit together.
func (s *BatchService) Complete(ctx context.Context, id string) (*models.OrchestrationBatch, error) {
	var batch *models.OrchestrationBatch
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetBatch(ctx, id)
		if err != nil {
			return err
		}
		subtasks, err := tx.ListSubtasks(ctx, store.SubtaskFilter{SessionID: current.SessionID})
		if err != nil {
			return err
		}
		synthesis := synthesizeBatch(id, subtasks)
		batch, err = tx.CompleteBatch(ctx, id, synthesis)
		return err
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// synthesizeBatch folds the batch's subtask results into one document:
// per-subtask results keyed by id plus completed/failed counters.
func synthesizeBatch(batchID string, subtasks []*models.Subtask) map[string]any {
	results := map[string]any{}
	var completed, failed, open int
	for _, sub := range subtasks {
		if sub.BatchID == nil || *sub.BatchID != batchID {
			continue
		}
		switch sub.Status {
		case models.SubtaskCompleted:
			completed++
		case models.SubtaskFailed:
			failed++
		default:
			open++
		}
		if sub.Result != nil {
			results[sub.ID] = sub.Result
		}
	}
	return map[string]any{
		"completed": completed,
		"failed":    failed,
		"open":      open,
		"results":   results,
	}
}
