package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
	"github.com/dcm/dcm/pkg/protocol"
)

// WaveCompleter receives terminal subtask outcomes so wave counters can
// advance. Called after the subtask transaction commits.
type WaveCompleter interface {
	TaskFinished(ctx context.Context, sessionID string, waveNumber int, failed bool)
}

// SubtaskService manages subtask lifecycles and their events.
type SubtaskService struct {
	store store.Store
	log   *logger.Logger
	waves WaveCompleter
}

// NewSubtaskService builds a subtask service.
func NewSubtaskService(st store.Store, log *logger.Logger) *SubtaskService {
	return &SubtaskService{store: st, log: log}
}

// SetWaveCompleter wires the wave controller. Optional; without it,
// terminal subtasks do not advance wave counters.
func (s *SubtaskService) SetWaveCompleter(w WaveCompleter) { s.waves = w }

// CreateSubtaskInput is the payload for Create.
type CreateSubtaskInput struct {
	TaskListID    string   `json:"task_list_id"`
	Description   string   `json:"description"`
	AgentType     string   `json:"agent_type"`
	AgentID       string   `json:"agent_id"`
	Priority      int      `json:"priority"`
	BlockedBy     []string `json:"blocked_by"`
	ParentAgentID string   `json:"parent_agent_id"`
	BatchID       *string  `json:"batch_id"`
}

// Create adds a subtask to a task-list. The insert, the wave total bump,
// the session counter bump, and the subtask.created event commit together.
func (s *SubtaskService) Create(ctx context.Context, in CreateSubtaskInput) (*models.Subtask, error) {
	var v validator
	v.requireNonEmpty("task_list_id", in.TaskListID)
	v.requireNonEmpty("description", in.Description)
	if in.Priority < 0 || in.Priority > 10 {
		v.fail("priority", "must be between 0 and 10")
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	sub := &models.Subtask{
		TaskListID:    in.TaskListID,
		Description:   strings.TrimSpace(in.Description),
		Status:        models.SubtaskPending,
		AgentType:     in.AgentType,
		AgentID:       in.AgentID,
		Priority:      in.Priority,
		BlockedBy:     in.BlockedBy,
		ParentAgentID: in.ParentAgentID,
		BatchID:       in.BatchID,
	}
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		tl, err := tx.GetTaskList(ctx, in.TaskListID)
		if err != nil {
			return err
		}
		req, err := tx.GetRequest(ctx, tl.RequestID)
		if err != nil {
			return err
		}
		if err := validateBlockedBy(ctx, tx, in.TaskListID, "", in.BlockedBy); err != nil {
			return err
		}
		if err := tx.CreateSubtask(ctx, sub); err != nil {
			return err
		}
		if _, err := tx.GetOrCreateWave(ctx, req.SessionID, tl.WaveNumber); err != nil {
			return err
		}
		if _, err := tx.AdjustWaveTotals(ctx, req.SessionID, tl.WaveNumber, 1); err != nil {
			return err
		}
		if err := tx.BumpSessionCounters(ctx, req.SessionID, 0, 1); err != nil {
			return err
		}
		return s.notifySubtask(ctx, tx, req.SessionID, protocol.EventSubtaskCreated, sub)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Get fetches a subtask by id.
func (s *SubtaskService) Get(ctx context.Context, id string) (*models.Subtask, error) {
	return s.store.GetSubtask(ctx, id)
}

// List returns subtasks matching the filter, priority first.
func (s *SubtaskService) List(ctx context.Context, f store.SubtaskFilter) ([]*models.Subtask, error) {
	if f.Status != "" && !f.Status.Valid() {
		var v validator
		v.fail("status", "unknown subtask status")
		return nil, v.err()
	}
	return s.store.ListSubtasks(ctx, f)
}

// UpdateSubtaskInput is the payload for Update. Nil fields stay unchanged.
type UpdateSubtaskInput struct {
	Status     *models.SubtaskStatus `json:"status"`
	Result     map[string]any        `json:"result"`
	AgentID    *string               `json:"agent_id"`
	AgentType  *string               `json:"agent_type"`
	Priority   *int                  `json:"priority"`
	RetryCount *int                  `json:"retry_count"`
	BlockedBy  *[]string             `json:"blocked_by"`
}

// Update patches a subtask. Status changes must follow the lifecycle
// machine; an illegal transition fails with ErrConflict and no write.
// A blocked subtask may resume only once every blocker has finished.
// A terminal transition advances the wave counters after commit.
func (s *SubtaskService) Update(ctx context.Context, id string, in UpdateSubtaskInput) (*models.Subtask, error) {
	if in.Status != nil && !in.Status.Valid() {
		var v validator
		v.fail("status", "unknown subtask status")
		return nil, v.err()
	}
	if in.Priority != nil && (*in.Priority < 0 || *in.Priority > 10) {
		var v validator
		v.fail("priority", "must be between 0 and 10")
		return nil, v.err()
	}

	var (
		updated    *models.Subtask
		sessionID  string
		waveNumber int
		terminal   bool
	)
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetSubtask(ctx, id)
		if err != nil {
			return err
		}
		if in.Status != nil && *in.Status != current.Status {
			if !current.Status.CanTransition(*in.Status) {
				s.log.Warn("illegal subtask transition",
					zap.String("subtask_id", id),
					zap.String("from", string(current.Status)),
					zap.String("to", string(*in.Status)))
				return ErrConflict
			}
		}
		if in.BlockedBy != nil {
			if err := validateBlockedBy(ctx, tx, current.TaskListID, current.ID, *in.BlockedBy); err != nil {
				return err
			}
		}
		if in.Status != nil && *in.Status == models.SubtaskRunning && current.Status == models.SubtaskBlocked {
			blockers := current.BlockedBy
			if in.BlockedBy != nil {
				blockers = *in.BlockedBy
			}
			open, err := openBlocker(ctx, tx, blockers)
			if err != nil {
				return err
			}
			if open != "" {
				s.log.Warn("subtask still blocked",
					zap.String("subtask_id", id),
					zap.String("blocked_by", open))
				return ErrConflict
			}
		}
		tl, err := tx.GetTaskList(ctx, current.TaskListID)
		if err != nil {
			return err
		}
		req, err := tx.GetRequest(ctx, tl.RequestID)
		if err != nil {
			return err
		}
		sessionID, waveNumber = req.SessionID, tl.WaveNumber

		updated, err = tx.UpdateSubtask(ctx, id, store.SubtaskPatch{
			Status:     in.Status,
			Result:     in.Result,
			AgentID:    in.AgentID,
			AgentType:  in.AgentType,
			Priority:   in.Priority,
			RetryCount: in.RetryCount,
			BlockedBy:  in.BlockedBy,
		})
		if err != nil {
			return err
		}
		terminal = in.Status != nil && in.Status.Terminal() && !current.Status.Terminal()
		return s.notifySubtask(ctx, tx, sessionID, subtaskEventName(in.Status), updated)
	})
	if err != nil {
		return nil, err
	}
	if terminal && s.waves != nil {
		s.waves.TaskFinished(ctx, sessionID, waveNumber, updated.Status == models.SubtaskFailed)
	}
	return updated, nil
}

// CloseSession bulk-fails every subtask still open under a session. The
// failures and their events commit together; the session row itself is
// untouched.
func (s *SubtaskService) CloseSession(ctx context.Context, sessionID string) ([]*models.Subtask, error) {
	var v validator
	v.requireNonEmpty("session_id", sessionID)
	if err := v.err(); err != nil {
		return nil, err
	}

	var closed []*models.Subtask
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		closed, err = tx.CloseSessionSubtasks(ctx, sessionID, map[string]any{"error": "Session closed"})
		if err != nil {
			return err
		}
		for _, sub := range closed {
			if err := s.notifySubtask(ctx, tx, sessionID, protocol.EventSubtaskFailed, sub); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(closed) > 0 {
		s.log.Info("closed session subtasks",
			zap.String("session_id", sessionID), zap.Int("count", len(closed)))
	}
	return closed, nil
}

// Delete removes a subtask and decrements its wave total.
func (s *SubtaskService) Delete(ctx context.Context, id string) error {
	return s.store.WithinTx(ctx, func(tx store.Tx) error {
		sub, err := tx.GetSubtask(ctx, id)
		if err != nil {
			return err
		}
		tl, err := tx.GetTaskList(ctx, sub.TaskListID)
		if err != nil {
			return err
		}
		req, err := tx.GetRequest(ctx, tl.RequestID)
		if err != nil {
			return err
		}
		if err := tx.DeleteSubtask(ctx, id); err != nil {
			return err
		}
		_, err = tx.AdjustWaveTotals(ctx, req.SessionID, tl.WaveNumber, -1)
		return err
	})
}

// validateBlockedBy checks that every blocker is a sibling in the same
// task-list and that a subtask does not block itself.
func validateBlockedBy(ctx context.Context, tx store.Tx, taskListID, selfID string, blockedBy []string) error {
	var v validator
	for _, blockerID := range blockedBy {
		if selfID != "" && blockerID == selfID {
			v.fail("blocked_by", "must not contain the subtask itself")
			continue
		}
		blocker, err := tx.GetSubtask(ctx, blockerID)
		if errors.Is(err, store.ErrNotFound) {
			v.fail("blocked_by", "unknown subtask "+blockerID)
			continue
		}
		if err != nil {
			return err
		}
		if blocker.TaskListID != taskListID {
			v.fail("blocked_by", blockerID+" is not in the same task-list")
		}
	}
	return v.err()
}

// openBlocker returns the first blocker that has not reached a terminal
// status. Blockers that were deleted count as resolved.
func openBlocker(ctx context.Context, tx store.Tx, blockedBy []string) (string, error) {
	for _, blockerID := range blockedBy {
		blocker, err := tx.GetSubtask(ctx, blockerID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		if !blocker.Status.Terminal() {
			return blockerID, nil
		}
	}
	return "", nil
}

// notifySubtask emits the event on global and the session channel, and on
// the assigned agent's private channel when one is set.
func (s *SubtaskService) notifySubtask(ctx context.Context, tx store.Tx, sessionID, event string, sub *models.Subtask) error {
	data := subtaskEventData(sub)
	if err := tx.Notify(ctx, protocol.ChannelGlobal, event, data); err != nil {
		return err
	}
	if err := tx.Notify(ctx, protocol.SessionChannel(sessionID), event, data); err != nil {
		return err
	}
	if sub.AgentID != "" {
		return tx.Notify(ctx, protocol.AgentChannel(sub.AgentID), event, data)
	}
	return nil
}

func subtaskEventName(status *models.SubtaskStatus) string {
	if status == nil {
		return protocol.EventSubtaskUpdated
	}
	switch *status {
	case models.SubtaskRunning:
		return protocol.EventSubtaskRunning
	case models.SubtaskCompleted:
		return protocol.EventSubtaskCompleted
	case models.SubtaskFailed:
		return protocol.EventSubtaskFailed
	default:
		return protocol.EventSubtaskUpdated
	}
}

func subtaskEventData(sub *models.Subtask) map[string]any {
	data := map[string]any{
		"subtask_id":   sub.ID,
		"task_list_id": sub.TaskListID,
		"status":       string(sub.Status),
		"priority":     sub.Priority,
	}
	if sub.AgentID != "" {
		data["agent_id"] = sub.AgentID
	}
	if sub.AgentType != "" {
		data["agent_type"] = sub.AgentType
	}
	if sub.Result != nil {
		data["result"] = sub.Result
	}
	return data
}
