// Package cleanup runs the periodic retention sweep over the store.
package cleanup

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dcm/dcm/internal/common/config"
	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/store"
)

// snapshotEvery is how many ticks pass between snapshot retention sweeps.
const snapshotEvery = 10

// timeoutResult is the result written onto subtasks failed by the
// stuck-subtask sweep.
var timeoutResult = map[string]any{"error": "Timed out: no completion event received"}

// Stats is the outcome of the most recent sweep.
type Stats struct {
	DeletedMessages      int64     `json:"deleted_messages"`
	ClosedSessions       int64     `json:"closed_sessions"`
	DeletedAgentContexts int64     `json:"deleted_agent_contexts"`
	FailedSubtasks       int64     `json:"failed_subtasks"`
	DeletedSnapshots     int64     `json:"deleted_snapshots"`
	DeletedBroadcasts    int64     `json:"deleted_broadcasts"`
	RanAt                time.Time `json:"ran_at"`
	DurationMs           int64     `json:"duration_ms"`
}

// Service sweeps expired and orphaned rows on a fixed interval. Each
// sweep task runs independently; one failing task never blocks the rest.
type Service struct {
	store store.Store
	log   *logger.Logger
	cfg   config.CleanupConfig

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	ticks   int
	last    *Stats
}

// NewService builds a cleanup service.
func NewService(st store.Store, cfg config.CleanupConfig, log *logger.Logger) *Service {
	return &Service{store: st, cfg: cfg, log: log}
}

// Start launches the sweep loop. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.IntervalDuration())
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.Sweep(runCtx)
			}
		}
	}()
}

// Stop terminates the loop and waits for it to exit. Idempotent.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// LastStats returns the outcome of the most recent sweep, or nil before
// the first one.
func (s *Service) LastStats() *Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	copied := *s.last
	return &copied
}

// Sweep runs one retention pass. All tasks are idempotent, so a sweep
// overlapping a crashed predecessor is safe.
func (s *Service) Sweep(ctx context.Context) *Stats {
	s.mu.Lock()
	s.ticks++
	withSnapshots := s.ticks%snapshotEvery == 1
	s.mu.Unlock()

	now := time.Now().UTC()
	staleBefore := now.Add(-s.cfg.StaleThreshold())
	activeSince := now.Add(-s.cfg.InactiveThreshold())
	stats := &Stats{RanAt: now}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.task(gctx, "expired messages", &stats.DeletedMessages, func(c context.Context) (int64, error) {
		return s.store.DeleteExpiredMessages(c, now)
	}))
	g.Go(s.task(gctx, "orphaned sessions", &stats.ClosedSessions, func(c context.Context) (int64, error) {
		return s.store.CloseOrphanedSessions(c, staleBefore, activeSince)
	}))
	g.Go(s.task(gctx, "stale contexts", &stats.DeletedAgentContexts, func(c context.Context) (int64, error) {
		return s.store.DeleteStaleContexts(c, staleBefore, activeSince)
	}))
	g.Go(s.task(gctx, "stuck subtasks", &stats.FailedSubtasks, func(c context.Context) (int64, error) {
		return s.store.FailStuckSubtasks(c, staleBefore, activeSince, timeoutResult)
	}))
	g.Go(s.task(gctx, "read broadcasts", &stats.DeletedBroadcasts, func(c context.Context) (int64, error) {
		return s.store.DeleteReadBroadcasts(c, now.Add(-s.cfg.ReadMaxAge()))
	}))
	if withSnapshots {
		g.Go(s.task(gctx, "old snapshots", &stats.DeletedSnapshots, func(c context.Context) (int64, error) {
			return s.store.DeleteOldSnapshots(c, now.Add(-s.cfg.SnapshotMaxAge()))
		}))
	}
	_ = g.Wait()

	stats.DurationMs = time.Since(now).Milliseconds()
	s.mu.Lock()
	s.last = stats
	s.mu.Unlock()

	if stats.DeletedMessages+stats.ClosedSessions+stats.DeletedAgentContexts+
		stats.FailedSubtasks+stats.DeletedSnapshots+stats.DeletedBroadcasts > 0 {
		s.log.Info("cleanup sweep",
			zap.Int64("messages", stats.DeletedMessages),
			zap.Int64("sessions", stats.ClosedSessions),
			zap.Int64("contexts", stats.DeletedAgentContexts),
			zap.Int64("subtasks", stats.FailedSubtasks),
			zap.Int64("snapshots", stats.DeletedSnapshots),
			zap.Int64("broadcasts", stats.DeletedBroadcasts),
			zap.Int64("duration_ms", stats.DurationMs))
	}
	return stats
}

// task wraps one sweep step: failures are logged and swallowed so the
// sibling tasks keep running.
func (s *Service) task(ctx context.Context, name string, out *int64, fn func(context.Context) (int64, error)) func() error {
	return func() error {
		n, err := fn(ctx)
		if err != nil {
			s.log.Warn("cleanup task failed", zap.String("task", name), zap.Error(err))
			return nil
		}
		*out = n
		return nil
	}
}
