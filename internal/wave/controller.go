// Package wave coordinates the wave lifecycle of a session: one running
// wave at a time, advanced by terminal subtask outcomes.
package wave

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/service"
	"github.com/dcm/dcm/internal/store"
	"github.com/dcm/dcm/pkg/protocol"
)

// Controller owns wave state transitions. It implements
// service.WaveCompleter so terminal subtasks advance the counters.
type Controller struct {
	store store.Store
	log   *logger.Logger
}

// NewController builds a wave controller.
func NewController(st store.Store, log *logger.Logger) *Controller {
	return &Controller{store: st, log: log}
}

var _ service.WaveCompleter = (*Controller)(nil)

// GetOrCreate returns the wave state for (session, wave), creating a
// pending one when missing. Idempotent.
func (c *Controller) GetOrCreate(ctx context.Context, sessionID string, waveNumber int) (*models.WaveState, error) {
	if err := validWave(sessionID, waveNumber); err != nil {
		return nil, err
	}
	return c.store.GetOrCreateWave(ctx, sessionID, waveNumber)
}

// Get returns the wave state for (session, wave).
func (c *Controller) Get(ctx context.Context, sessionID string, waveNumber int) (*models.WaveState, error) {
	return c.store.GetWave(ctx, sessionID, waveNumber)
}

// Start moves wave N to running. Starting the wave that is already
// running returns it unchanged without a second event. It fails with
// ErrNotFound when the wave was never created and with ErrConflict when
// another wave is running or an earlier wave has not finished. The start
// and the wave.transitioned event commit together.
func (c *Controller) Start(ctx context.Context, sessionID string, waveNumber int) (*models.WaveState, error) {
	if err := validWave(sessionID, waveNumber); err != nil {
		return nil, err
	}

	var wave *models.WaveState
	started := false
	err := c.store.WithinTx(ctx, func(tx store.Tx) error {
		running, err := tx.RunningWave(ctx, sessionID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if running != nil {
			if running.WaveNumber == waveNumber {
				wave = running
				return nil
			}
			return fmt.Errorf("wave %d still running: %w", running.WaveNumber, store.ErrConflict)
		}
		waves, err := tx.ListWaves(ctx, sessionID)
		if err != nil {
			return err
		}
		for _, w := range waves {
			if w.WaveNumber < waveNumber && !w.Status.Terminal() {
				return fmt.Errorf("wave %d not finished: %w", w.WaveNumber, store.ErrConflict)
			}
		}
		wave, err = tx.StartWave(ctx, sessionID, waveNumber)
		if err != nil {
			return err
		}
		started = true
		return tx.Notify(ctx, protocol.ChannelGlobal, protocol.EventWaveTransitioned, map[string]any{
			"session_id": sessionID,
			"from":       waveNumber - 1,
			"to":         waveNumber,
			"status":     string(models.WaveRunning),
		})
	})
	if err != nil {
		return nil, err
	}
	if started {
		c.log.Info("wave started",
			zap.String("session_id", sessionID), zap.Int("wave", waveNumber))
	}
	return wave, nil
}

// TaskFinished records one terminal subtask against the wave counters.
// When the counters fill, the wave finishes and wave.completed or
// wave.failed goes out with the counters and duration. Errors are logged,
// not returned: the subtask outcome is already committed.
func (c *Controller) TaskFinished(ctx context.Context, sessionID string, waveNumber int, failed bool) {
	err := c.store.WithinTx(ctx, func(tx store.Tx) error {
		wave, err := tx.CompleteWaveTask(ctx, sessionID, waveNumber, failed)
		if err != nil {
			return err
		}
		if wave.CompletedTasks+wave.FailedTasks < wave.TotalTasks {
			return nil
		}
		status := models.WaveCompleted
		event := protocol.EventWaveCompleted
		if wave.FailedTasks > 0 {
			status = models.WaveFailed
			event = protocol.EventWaveFailed
		}
		finished, err := tx.FinishWave(ctx, sessionID, waveNumber, status)
		if err != nil {
			return err
		}
		return tx.Notify(ctx, protocol.ChannelGlobal, event, map[string]any{
			"session_id":      sessionID,
			"wave_number":     waveNumber,
			"total_tasks":     finished.TotalTasks,
			"completed_tasks": finished.CompletedTasks,
			"failed_tasks":    finished.FailedTasks,
			"duration_ms":     finished.DurationMs(),
		})
	})
	if err != nil {
		c.log.Error("wave counter advance failed",
			zap.String("session_id", sessionID),
			zap.Int("wave", waveNumber),
			zap.Error(err))
	}
}

// TransitionToNext starts the wave after the latest completed one. It
// fails with ErrNotFound when the session has no completed wave or the
// next wave was never created; transitions never invent waves.
func (c *Controller) TransitionToNext(ctx context.Context, sessionID string) (*models.WaveState, error) {
	latest, err := c.store.LatestCompletedWave(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	next := latest.WaveNumber + 1
	if _, err := c.store.GetWave(ctx, sessionID, next); err != nil {
		return nil, err
	}
	return c.Start(ctx, sessionID, next)
}

// Current returns the running wave, falling back to the latest pending
// one. ErrNotFound when the session has no open wave.
func (c *Controller) Current(ctx context.Context, sessionID string) (*models.WaveState, error) {
	wave, err := c.store.RunningWave(ctx, sessionID)
	if err == nil {
		return wave, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return c.store.LatestPendingWave(ctx, sessionID)
}

// History returns the session's wave states in wave order. Sessions whose
// waves were cleaned up get a transient view synthesized from the task
// tree instead.
func (c *Controller) History(ctx context.Context, sessionID string) ([]*models.WaveState, error) {
	waves, err := c.store.ListWaves(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(waves) > 0 {
		return waves, nil
	}
	return c.store.SynthesizeWaveHistory(ctx, sessionID)
}

func validWave(sessionID string, waveNumber int) error {
	details := map[string][]string{}
	if sessionID == "" {
		details["session_id"] = []string{"must not be empty"}
	}
	if waveNumber < 0 {
		details["wave_number"] = []string{"must be >= 0"}
	}
	if len(details) > 0 {
		return &service.ValidationError{Details: details}
	}
	return nil
}
