// Package memory implements store.Store on plain maps. It backs unit tests
// and local development without a database; Notify payloads are delivered
// through a hook after the enclosing unit of work succeeds, mirroring the
// commit-then-listen behavior of the PostgreSQL store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
)

type routingSample struct {
	accepted  bool
	createdAt time.Time
}

// Store is the in-memory store.
type Store struct {
	mu sync.RWMutex

	projects   map[string]*models.Project
	requests   map[string]*models.Request
	taskLists  map[string]*models.TaskList
	subtasks   map[string]*models.Subtask
	actions    map[string]*models.Action
	messages   map[string]*models.AgentMessage
	contexts   map[string]*models.AgentContext
	sessions   map[string]*models.Session
	waves      map[string]*models.WaveState
	batches    map[string]*models.OrchestrationBatch
	capacities map[string]*models.AgentCapacity
	tokens     []*models.TokenConsumption
	scores     map[string]*models.KeywordToolScore
	feedback   []routingSample
	blockings  map[string]*models.Blocking
	subs       map[string]map[string]time.Time

	nextScoreID int64
	notifyFn    func(store.NotifyEvent)
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		projects:   map[string]*models.Project{},
		requests:   map[string]*models.Request{},
		taskLists:  map[string]*models.TaskList{},
		subtasks:   map[string]*models.Subtask{},
		actions:    map[string]*models.Action{},
		messages:   map[string]*models.AgentMessage{},
		contexts:   map[string]*models.AgentContext{},
		sessions:   map[string]*models.Session{},
		waves:      map[string]*models.WaveState{},
		batches:    map[string]*models.OrchestrationBatch{},
		capacities: map[string]*models.AgentCapacity{},
		scores:     map[string]*models.KeywordToolScore{},
		blockings:  map[string]*models.Blocking{},
		subs:       map[string]map[string]time.Time{},
	}
}

// OnNotify installs the hook that receives Notify payloads queued inside a
// successful unit of work.
func (s *Store) OnNotify(fn func(store.NotifyEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifyFn = fn
}

type memTx struct {
	*Store
	events []store.NotifyEvent
}

// Notify queues a payload for delivery after the unit of work succeeds.
func (t *memTx) Notify(_ context.Context, channel, event string, data map[string]any) error {
	t.events = append(t.events, store.NotifyEvent{Channel: channel, Event: event, Data: data})
	return nil
}

// WithinTx runs fn. Individual operations are atomic but the unit of work is
// not isolated; queued notifies are dropped when fn fails.
func (s *Store) WithinTx(_ context.Context, fn func(tx store.Tx) error) error {
	t := &memTx{Store: s}
	if err := fn(t); err != nil {
		return err
	}
	s.mu.RLock()
	hook := s.notifyFn
	s.mu.RUnlock()
	if hook != nil {
		for _, ev := range t.events {
			hook(ev)
		}
	}
	return nil
}

// Health always succeeds with zero latency.
func (s *Store) Health(context.Context) (time.Duration, error) { return 0, nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Stats returns per-collection counts plus dashboard aggregates.
func (s *Store) Stats(context.Context) (*store.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subCount := 0
	for _, byAgent := range s.subs {
		subCount += len(byAgent)
	}
	stats := &store.Stats{TableCounts: map[string]int64{
		"projects":              int64(len(s.projects)),
		"requests":              int64(len(s.requests)),
		"task_lists":            int64(len(s.taskLists)),
		"subtasks":              int64(len(s.subtasks)),
		"actions":               int64(len(s.actions)),
		"agent_messages":        int64(len(s.messages)),
		"agent_contexts":        int64(len(s.contexts)),
		"sessions":              int64(len(s.sessions)),
		"wave_states":           int64(len(s.waves)),
		"orchestration_batches": int64(len(s.batches)),
		"agent_capacity":        int64(len(s.capacities)),
		"token_consumption":     int64(len(s.tokens)),
		"keyword_tool_scores":   int64(len(s.scores)),
		"blockings":             int64(len(s.blockings)),
		"channel_subscriptions": int64(subCount),
	}}
	now := time.Now()
	for _, b := range s.blockings {
		if b.ResolvedAt == nil {
			stats.OpenBlockings++
		}
	}
	for _, m := range s.messages {
		if m.ToAgent != nil && m.Live(now) && !m.ReadByAgent(*m.ToAgent) {
			stats.UnreadDirect++
		}
	}
	return stats, nil
}

// Metrics returns the compact aggregate behind metric.update.
func (s *Store) Metrics(context.Context) (*store.Metrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	hourAgo := now.Add(-time.Hour)
	tenMinAgo := now.Add(-10 * time.Minute)

	var m store.Metrics
	for _, sess := range s.sessions {
		if sess.Active() {
			m.ActiveSessions++
		}
	}
	agents := map[string]bool{}
	var actionsLastHour int64
	for _, a := range s.actions {
		if a.CreatedAt.After(tenMinAgo) && a.AgentID != "" {
			agents[a.AgentID] = true
		}
		if a.CreatedAt.After(hourAgo) {
			actionsLastHour++
		}
	}
	m.ActiveAgents = int64(len(agents))
	m.ActionsPerMinute = float64(actionsLastHour) / 60.0

	var durTotal, durCount int64
	for _, st := range s.subtasks {
		switch st.Status {
		case models.SubtaskPending:
			m.PendingTasks++
		case models.SubtaskRunning:
			m.RunningTasks++
		case models.SubtaskCompleted:
			if st.CompletedAt != nil && st.CompletedAt.After(hourAgo) {
				m.CompletedLastHour++
			}
		}
		if st.CompletedAt != nil && st.StartedAt != nil && st.CompletedAt.After(hourAgo) {
			durTotal += st.CompletedAt.Sub(*st.StartedAt).Milliseconds()
			durCount++
		}
	}
	if durCount > 0 {
		m.AvgTaskDurationMs = float64(durTotal) / float64(durCount)
	}
	for _, msg := range s.messages {
		if msg.CreatedAt.After(hourAgo) {
			m.MessagesLastHour++
		}
	}
	return &m, nil
}

func newID() string { return uuid.NewString() }

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
