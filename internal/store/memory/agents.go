package memory

import (
	"context"
	"sort"
	"time"

	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
)

func cloneAction(a *models.Action) *models.Action {
	c := *a
	c.Input = append([]byte(nil), a.Input...)
	c.Output = append([]byte(nil), a.Output...)
	c.FilePaths = cloneStrings(a.FilePaths)
	return &c
}

func cloneMessage(m *models.AgentMessage) *models.AgentMessage {
	c := *m
	if m.ToAgent != nil {
		to := *m.ToAgent
		c.ToAgent = &to
	}
	c.Content = cloneMap(m.Content)
	c.ReadBy = cloneStrings(m.ReadBy)
	return &c
}

func cloneContext(ac *models.AgentContext) *models.AgentContext {
	c := *ac
	c.RoleContext = cloneMap(ac.RoleContext)
	return &c
}

func cloneSession(sess *models.Session) *models.Session {
	c := *sess
	return &c
}

func (s *Store) CreateAction(_ context.Context, a *models.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subtasks[a.SubtaskID]; !ok {
		return store.ErrNotFound
	}
	a.ID = newID()
	a.CreatedAt = time.Now()
	s.actions[a.ID] = cloneAction(a)
	return nil
}

func (s *Store) GetAction(_ context.Context, id string) (*models.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneAction(a), nil
}

func (s *Store) ListActions(_ context.Context, f store.ActionFilter) ([]*models.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Action
	for _, a := range s.actions {
		if f.SubtaskID != "" && a.SubtaskID != f.SubtaskID {
			continue
		}
		if f.SessionID != "" && a.SessionID != f.SessionID {
			continue
		}
		if f.AgentID != "" && a.AgentID != f.AgentID {
			continue
		}
		if f.ToolName != "" && a.ToolName != f.ToolName {
			continue
		}
		if f.Since != nil && a.CreatedAt.Before(*f.Since) {
			continue
		}
		out = append(out, cloneAction(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) HourlyActionStats(_ context.Context, since time.Time) ([]*store.HourlyActionStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type bucket struct {
		count    int64
		failures int64
		durSum   int64
	}
	buckets := map[time.Time]*bucket{}
	for _, a := range s.actions {
		if a.CreatedAt.Before(since) {
			continue
		}
		hour := a.CreatedAt.Truncate(time.Hour)
		b := buckets[hour]
		if b == nil {
			b = &bucket{}
			buckets[hour] = b
		}
		b.count++
		b.durSum += a.DurationMs
		if a.ExitCode != 0 {
			b.failures++
		}
	}

	out := make([]*store.HourlyActionStat, 0, len(buckets))
	for hour, b := range buckets {
		out = append(out, &store.HourlyActionStat{
			Hour:          hour,
			Count:         b.count,
			AvgDurationMs: float64(b.durSum) / float64(b.count),
			FailureCount:  b.failures,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out, nil
}

func (s *Store) RecordTokenConsumption(_ context.Context, tc *models.TokenConsumption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[tc.ActionID]; !ok {
		return store.ErrNotFound
	}
	tc.ID = newID()
	tc.CreatedAt = time.Now()
	rec := *tc
	s.tokens = append(s.tokens, &rec)
	return nil
}

func (s *Store) ListActiveAgents(_ context.Context, since time.Time) ([]*store.ActiveAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := map[string]*store.ActiveAgent{}
	for _, a := range s.actions {
		if a.AgentID == "" || a.CreatedAt.Before(since) {
			continue
		}
		entry := agents[a.AgentID]
		if entry == nil {
			entry = &store.ActiveAgent{AgentID: a.AgentID}
			agents[a.AgentID] = entry
		}
		entry.ActionCount++
		if a.CreatedAt.After(entry.LastActionAt) {
			entry.LastActionAt = a.CreatedAt
		}
		if st, ok := s.subtasks[a.SubtaskID]; ok && entry.AgentType == "" {
			entry.AgentType = st.AgentType
		}
	}
	for _, st := range s.subtasks {
		if st.Status != models.SubtaskRunning {
			continue
		}
		if entry, ok := agents[st.AgentID]; ok && entry.CurrentSubtaskID == "" {
			entry.CurrentSubtaskID = st.ID
		}
	}

	out := make([]*store.ActiveAgent, 0, len(agents))
	for _, entry := range agents {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActionAt.After(out[j].LastActionAt) })
	return out, nil
}

func (s *Store) UpsertSession(_ context.Context, id string) (*models.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.EndedAt = nil
		return cloneSession(sess), false, nil
	}
	sess := &models.Session{ID: id, StartedAt: time.Now()}
	s.sessions[id] = sess
	return cloneSession(sess), true, nil
}

func (s *Store) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSession(sess), nil
}

func (s *Store) EndSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sess.EndedAt == nil {
		now := time.Now()
		sess.EndedAt = &now
	}
	return cloneSession(sess), nil
}

func (s *Store) ListSessions(_ context.Context, activeOnly bool) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Session
	for _, sess := range s.sessions {
		if activeOnly && !sess.Active() {
			continue
		}
		out = append(out, cloneSession(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *Store) SessionStats(ctx context.Context, id string) (*store.SessionStats, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &store.SessionStats{Session: sess, SubtasksByStatus: map[string]int{}}
	sessionAgents := map[string]bool{}
	for _, a := range s.actions {
		if a.SessionID != id {
			continue
		}
		stats.ActionCount++
		if a.AgentID != "" {
			sessionAgents[a.AgentID] = true
		}
	}
	for _, st := range s.subtasks {
		if s.sessionOfSubtask(st) == id {
			stats.SubtasksByStatus[string(st.Status)]++
		}
	}
	for _, m := range s.messages {
		if sessionAgents[m.FromAgent] {
			stats.MessageCount++
		}
	}
	for _, tc := range s.tokens {
		if tc.SessionID == id {
			stats.TotalTokens += tc.InputTokens + tc.OutputTokens
		}
	}
	end := time.Now()
	if sess.EndedAt != nil {
		end = *sess.EndedAt
	}
	stats.DurationMs = end.Sub(sess.StartedAt).Milliseconds()
	return stats, nil
}

func (s *Store) CloseOrphanedSessions(_ context.Context, startedBefore, activeSince time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var n int64
	for _, sess := range s.sessions {
		if !sess.Active() || !sess.StartedAt.Before(startedBefore) {
			continue
		}
		recent := false
		for _, a := range s.actions {
			if a.SessionID == sess.ID && a.CreatedAt.After(activeSince) {
				recent = true
				break
			}
		}
		if recent {
			continue
		}
		end := now
		sess.EndedAt = &end
		n++
	}
	return n, nil
}

func (s *Store) BumpSessionCounters(_ context.Context, id string, requests, subtasks int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.RequestCount += requests
	sess.SubtaskCount += subtasks
	return nil
}

func (s *Store) CreateMessage(_ context.Context, m *models.AgentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = newID()
	m.CreatedAt = time.Now()
	m.IsBroadcast = m.ToAgent == nil
	if m.ReadBy == nil {
		m.ReadBy = []string{}
	}
	s.messages[m.ID] = cloneMessage(m)
	return nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*models.AgentMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *Store) GetMessages(_ context.Context, agentID string, f store.MessageFilter) ([]*models.AgentMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var out []*models.AgentMessage
	for _, m := range s.messages {
		if !m.Live(now) {
			continue
		}
		if m.Broadcast() {
			if !f.IncludeBroadcasts {
				continue
			}
		} else if *m.ToAgent != agentID {
			continue
		}
		if f.Topic != "" && m.Topic != f.Topic {
			continue
		}
		if f.Since != nil && m.CreatedAt.Before(*f.Since) {
			continue
		}
		c := cloneMessage(m)
		c.AlreadyRead = m.ReadByAgent(agentID)
		c.IsBroadcast = m.Broadcast()
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) MarkMessageRead(_ context.Context, agentID, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return false, store.ErrNotFound
	}
	if m.ReadByAgent(agentID) {
		return false, nil
	}
	m.ReadBy = append(m.ReadBy, agentID)
	return true, nil
}

func (s *Store) DeleteExpiredMessages(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.messages {
		if !m.Live(now) {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteReadBroadcasts(_ context.Context, createdBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, m := range s.messages {
		if m.Broadcast() && m.CreatedAt.Before(createdBefore) && len(m.ReadBy) > 0 {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) UpsertAgentContext(_ context.Context, ac *models.AgentContext) (*models.AgentContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.contexts {
		if existing.ProjectID == ac.ProjectID && existing.AgentID == ac.AgentID {
			existing.AgentType = ac.AgentType
			existing.SessionID = ac.SessionID
			existing.RoleContext = cloneMap(ac.RoleContext)
			existing.LastUpdated = time.Now()
			return cloneContext(existing), nil
		}
	}
	created := cloneContext(ac)
	created.ID = newID()
	created.LastUpdated = time.Now()
	s.contexts[created.ID] = created
	return cloneContext(created), nil
}

func (s *Store) GetAgentContext(_ context.Context, projectID, agentID string) (*models.AgentContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ac := range s.contexts {
		if ac.ProjectID == projectID && ac.AgentID == agentID {
			return cloneContext(ac), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListAgentContexts(_ context.Context, f store.ContextFilter) ([]*models.AgentContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.AgentContext
	for _, ac := range s.contexts {
		if f.ProjectID != "" && ac.ProjectID != f.ProjectID {
			continue
		}
		if f.AgentType != "" && ac.AgentType != f.AgentType {
			continue
		}
		if f.SessionID != "" && ac.SessionID != f.SessionID {
			continue
		}
		out = append(out, cloneContext(ac))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdated.After(out[j].LastUpdated) })
	return out, nil
}

func (s *Store) DeleteStaleContexts(_ context.Context, updatedBefore, activeSince time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, ac := range s.contexts {
		if ac.AgentType == models.CompactSnapshotType || !ac.LastUpdated.Before(updatedBefore) {
			continue
		}
		recent := false
		for _, a := range s.actions {
			if a.SessionID == ac.SessionID && a.CreatedAt.After(activeSince) {
				recent = true
				break
			}
		}
		if recent {
			continue
		}
		delete(s.contexts, id)
		n++
	}
	return n, nil
}

func (s *Store) DeleteOldSnapshots(_ context.Context, updatedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, ac := range s.contexts {
		if ac.AgentType == models.CompactSnapshotType && ac.LastUpdated.Before(updatedBefore) {
			delete(s.contexts, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) LatestSnapshot(_ context.Context, sessionID string) (*models.AgentContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.AgentContext
	for _, ac := range s.contexts {
		if ac.SessionID != sessionID || ac.AgentType != models.CompactSnapshotType {
			continue
		}
		if latest == nil || ac.LastUpdated.After(latest.LastUpdated) {
			latest = ac
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return cloneContext(latest), nil
}
