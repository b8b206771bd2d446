package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
)

func waveKey(sessionID string, waveNumber int) string {
	return fmt.Sprintf("%s|%d", sessionID, waveNumber)
}

func cloneWave(w *models.WaveState) *models.WaveState {
	c := *w
	return &c
}

func cloneBatch(b *models.OrchestrationBatch) *models.OrchestrationBatch {
	c := *b
	c.Synthesis = cloneMap(b.Synthesis)
	return &c
}

func cloneScore(kts *models.KeywordToolScore) *models.KeywordToolScore {
	c := *kts
	return &c
}

func cloneBlocking(b *models.Blocking) *models.Blocking {
	c := *b
	return &c
}

func (s *Store) GetOrCreateWave(_ context.Context, sessionID string, waveNumber int) (*models.WaveState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := waveKey(sessionID, waveNumber)
	if w, ok := s.waves[key]; ok {
		return cloneWave(w), nil
	}
	w := &models.WaveState{
		ID:         newID(),
		SessionID:  sessionID,
		WaveNumber: waveNumber,
		Status:     models.WavePending,
		CreatedAt:  time.Now(),
	}
	s.waves[key] = w
	return cloneWave(w), nil
}

func (s *Store) GetWave(_ context.Context, sessionID string, waveNumber int) (*models.WaveState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.waves[waveKey(sessionID, waveNumber)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneWave(w), nil
}

func (s *Store) StartWave(_ context.Context, sessionID string, waveNumber int) (*models.WaveState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waves[waveKey(sessionID, waveNumber)]
	if !ok {
		return nil, store.ErrNotFound
	}
	if w.Status == models.WaveRunning {
		return cloneWave(w), nil
	}
	if w.Status != models.WavePending {
		return nil, store.ErrConflict
	}
	now := time.Now()
	w.Status = models.WaveRunning
	w.StartedAt = &now
	return cloneWave(w), nil
}

func (s *Store) CompleteWaveTask(_ context.Context, sessionID string, waveNumber int, failed bool) (*models.WaveState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waves[waveKey(sessionID, waveNumber)]
	if !ok {
		return nil, store.ErrNotFound
	}
	if w.CompletedTasks+w.FailedTasks >= w.TotalTasks {
		return nil, store.ErrConflict
	}
	if failed {
		w.FailedTasks++
	} else {
		w.CompletedTasks++
	}
	return cloneWave(w), nil
}

func (s *Store) FinishWave(_ context.Context, sessionID string, waveNumber int, status models.WaveStatus) (*models.WaveState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waves[waveKey(sessionID, waveNumber)]
	if !ok {
		return nil, store.ErrNotFound
	}
	now := time.Now()
	w.Status = status
	w.CompletedAt = &now
	return cloneWave(w), nil
}

func (s *Store) AdjustWaveTotals(_ context.Context, sessionID string, waveNumber, delta int) (*models.WaveState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waves[waveKey(sessionID, waveNumber)]
	if !ok {
		return nil, store.ErrNotFound
	}
	total := w.TotalTasks + delta
	if floor := w.CompletedTasks + w.FailedTasks; total < floor {
		total = floor
	}
	w.TotalTasks = total
	return cloneWave(w), nil
}

func (s *Store) ListWaves(_ context.Context, sessionID string) ([]*models.WaveState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.WaveState
	for _, w := range s.waves {
		if w.SessionID == sessionID {
			out = append(out, cloneWave(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WaveNumber < out[j].WaveNumber })
	return out, nil
}

func (s *Store) waveByStatus(sessionID string, status models.WaveStatus) (*models.WaveState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.WaveState
	for _, w := range s.waves {
		if w.SessionID != sessionID || w.Status != status {
			continue
		}
		if best == nil || w.WaveNumber > best.WaveNumber {
			best = w
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return cloneWave(best), nil
}

func (s *Store) RunningWave(_ context.Context, sessionID string) (*models.WaveState, error) {
	return s.waveByStatus(sessionID, models.WaveRunning)
}

func (s *Store) LatestPendingWave(_ context.Context, sessionID string) (*models.WaveState, error) {
	return s.waveByStatus(sessionID, models.WavePending)
}

func (s *Store) LatestCompletedWave(_ context.Context, sessionID string) (*models.WaveState, error) {
	return s.waveByStatus(sessionID, models.WaveCompleted)
}

func (s *Store) SynthesizeWaveHistory(_ context.Context, sessionID string) ([]*models.WaveState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type agg struct {
		total, completed, failed int
		started, finished        *time.Time
	}
	byWave := map[int]*agg{}
	for _, tl := range s.taskLists {
		r, ok := s.requests[tl.RequestID]
		if !ok || r.SessionID != sessionID {
			continue
		}
		a := byWave[tl.WaveNumber]
		if a == nil {
			a = &agg{}
			byWave[tl.WaveNumber] = a
		}
		for _, st := range s.subtasks {
			if st.TaskListID != tl.ID {
				continue
			}
			a.total++
			switch st.Status {
			case models.SubtaskCompleted:
				a.completed++
			case models.SubtaskFailed:
				a.failed++
			}
			if st.StartedAt != nil && (a.started == nil || st.StartedAt.Before(*a.started)) {
				a.started = st.StartedAt
			}
			if st.CompletedAt != nil && (a.finished == nil || st.CompletedAt.After(*a.finished)) {
				a.finished = st.CompletedAt
			}
		}
	}

	out := make([]*models.WaveState, 0, len(byWave))
	for wave, a := range byWave {
		status := models.WaveRunning
		var completedAt *time.Time
		if a.total > 0 && a.completed+a.failed == a.total {
			if a.failed > 0 {
				status = models.WaveFailed
			} else {
				status = models.WaveCompleted
			}
			completedAt = a.finished
		}
		out = append(out, &models.WaveState{
			SessionID:      sessionID,
			WaveNumber:     wave,
			TotalTasks:     a.total,
			CompletedTasks: a.completed,
			FailedTasks:    a.failed,
			Status:         status,
			StartedAt:      a.started,
			CompletedAt:    completedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WaveNumber < out[j].WaveNumber })
	return out, nil
}

func (s *Store) CreateBatch(_ context.Context, b *models.OrchestrationBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.ID = newID()
	b.CreatedAt = time.Now()
	if b.Status == "" {
		b.Status = "pending"
	}
	s.batches[b.ID] = cloneBatch(b)
	return nil
}

func (s *Store) GetBatch(_ context.Context, id string) (*models.OrchestrationBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneBatch(b), nil
}

func (s *Store) ListBatches(_ context.Context, sessionID string) ([]*models.OrchestrationBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.OrchestrationBatch
	for _, b := range s.batches {
		if b.SessionID == sessionID {
			out = append(out, cloneBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WaveNumber != out[j].WaveNumber {
			return out[i].WaveNumber < out[j].WaveNumber
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) CompleteBatch(_ context.Context, id string, synthesis map[string]any) (*models.OrchestrationBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	now := time.Now()
	b.Status = "completed"
	b.Synthesis = cloneMap(synthesis)
	b.CompletedAt = &now
	return cloneBatch(b), nil
}

const defaultMaxCapacity = 200000

func (s *Store) SetCapacityLimit(_ context.Context, agentID string, max int64) (*models.AgentCapacity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.capacities[agentID]
	if !ok {
		c = &models.AgentCapacity{AgentID: agentID}
		s.capacities[agentID] = c
	}
	c.MaxCapacity = max
	c.Zone = models.ZoneFor(c.CurrentUsage, c.MaxCapacity)
	c.UpdatedAt = time.Now()
	out := *c
	return &out, nil
}

func (s *Store) RecordCapacityUsage(_ context.Context, agentID string, tokens int64) (*models.AgentCapacity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.capacities[agentID]
	if !ok {
		c = &models.AgentCapacity{AgentID: agentID, MaxCapacity: defaultMaxCapacity}
		s.capacities[agentID] = c
	}
	c.CurrentUsage += tokens
	c.Zone = models.ZoneFor(c.CurrentUsage, c.MaxCapacity)
	c.UpdatedAt = time.Now()
	out := *c
	return &out, nil
}

func (s *Store) GetCapacity(_ context.Context, agentID string) (*models.AgentCapacity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.capacities[agentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *Store) ListCapacities(context.Context) ([]*models.AgentCapacity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.AgentCapacity, 0, len(s.capacities))
	for _, c := range s.capacities {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		ri := float64(out[i].CurrentUsage) / float64(max64(out[i].MaxCapacity, 1))
		rj := float64(out[j].CurrentUsage) / float64(max64(out[j].MaxCapacity, 1))
		return ri > rj
	})
	return out, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func scoreKey(keyword, toolName string) string { return keyword + "|" + toolName }

func (s *Store) GetKeywordScores(_ context.Context, keywords []string) ([]*models.KeywordToolScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := map[string]bool{}
	for _, k := range keywords {
		want[k] = true
	}
	var out []*models.KeywordToolScore
	for _, kts := range s.scores {
		if want[kts.Keyword] {
			out = append(out, cloneScore(kts))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Keyword != out[j].Keyword {
			return out[i].Keyword < out[j].Keyword
		}
		return out[i].ToolName < out[j].ToolName
	})
	return out, nil
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}

func (s *Store) UpsertKeywordScore(_ context.Context, keyword, toolName string, toolType models.ToolType, nudge float64, success bool) (*models.KeywordToolScore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	key := scoreKey(keyword, toolName)
	kts, ok := s.scores[key]
	if !ok {
		s.nextScoreID++
		kts = &models.KeywordToolScore{
			ID:       s.nextScoreID,
			Keyword:  keyword,
			ToolName: toolName,
			ToolType: toolType,
			Score:    1.0,
		}
		s.scores[key] = kts
	}
	kts.Score = clampScore(kts.Score + nudge)
	kts.UsageCount++
	if success {
		kts.SuccessCount++
	}
	kts.LastUsed = &now
	return cloneScore(kts), nil
}

func (s *Store) RoutingStats(_ context.Context, topN int) (*store.RoutingStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if topN <= 0 {
		topN = 10
	}

	stats := &store.RoutingStats{ByToolType: map[string]int64{}}
	keywords := map[string]bool{}
	tools := map[string]bool{}
	all := make([]*models.KeywordToolScore, 0, len(s.scores))
	for _, kts := range s.scores {
		keywords[kts.Keyword] = true
		tools[kts.ToolName] = true
		stats.TotalUsage += kts.UsageCount
		stats.ByToolType[string(kts.ToolType)] += kts.UsageCount
		all = append(all, cloneScore(kts))
	}
	stats.TotalKeywords = int64(len(keywords))
	stats.TotalTools = int64(len(tools))

	byUsage := append([]*models.KeywordToolScore(nil), all...)
	sort.Slice(byUsage, func(i, j int) bool {
		if byUsage[i].UsageCount != byUsage[j].UsageCount {
			return byUsage[i].UsageCount > byUsage[j].UsageCount
		}
		return byUsage[i].ToolName < byUsage[j].ToolName
	})
	byScore := append([]*models.KeywordToolScore(nil), all...)
	sort.Slice(byScore, func(i, j int) bool {
		if byScore[i].Score != byScore[j].Score {
			return byScore[i].Score > byScore[j].Score
		}
		if byScore[i].UsageCount != byScore[j].UsageCount {
			return byScore[i].UsageCount > byScore[j].UsageCount
		}
		return byScore[i].ToolName < byScore[j].ToolName
	})
	if len(byUsage) > topN {
		byUsage = byUsage[:topN]
	}
	if len(byScore) > topN {
		byScore = byScore[:topN]
	}
	stats.TopByUsage = byUsage
	stats.TopByScore = byScore
	return stats, nil
}

func (s *Store) RecordRoutingFeedback(_ context.Context, accepted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = append(s.feedback, routingSample{accepted: accepted, createdAt: time.Now()})
	return nil
}

func (s *Store) RoutingAccuracy(_ context.Context, since time.Time) (accepted, total int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.feedback {
		if f.createdAt.Before(since) {
			continue
		}
		total++
		if f.accepted {
			accepted++
		}
	}
	return accepted, total, nil
}

func (s *Store) CreateBlocking(_ context.Context, b *models.Blocking) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.blockings {
		if existing.BlockerAgent == b.BlockerAgent &&
			existing.BlockedAgent == b.BlockedAgent && existing.ResolvedAt == nil {
			return false, nil
		}
	}
	b.ID = newID()
	b.CreatedAt = time.Now()
	s.blockings[b.ID] = cloneBlocking(b)
	return true, nil
}

func (s *Store) ResolveBlockings(_ context.Context, blocker, blocked string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var n int64
	for _, b := range s.blockings {
		if b.ResolvedAt != nil || b.BlockedAgent != blocked {
			continue
		}
		if blocker != "" && b.BlockerAgent != blocker {
			continue
		}
		end := now
		b.ResolvedAt = &end
		n++
	}
	return n, nil
}

func (s *Store) IsBlocked(_ context.Context, agentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.blockings {
		if b.BlockedAgent == agentID && b.ResolvedAt == nil {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ListBlockings(_ context.Context, openOnly bool) ([]*models.Blocking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Blocking
	for _, b := range s.blockings {
		if openOnly && b.ResolvedAt != nil {
			continue
		}
		out = append(out, cloneBlocking(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpsertSubscription(_ context.Context, agentID, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byAgent := s.subs[agentID]
	if byAgent == nil {
		byAgent = map[string]time.Time{}
		s.subs[agentID] = byAgent
	}
	if _, ok := byAgent[channel]; !ok {
		byAgent[channel] = time.Now()
	}
	return nil
}

func (s *Store) DeleteSubscription(_ context.Context, agentID, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byAgent := s.subs[agentID]; byAgent != nil {
		delete(byAgent, channel)
	}
	return nil
}

func (s *Store) ListSubscriptions(_ context.Context, agentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byAgent := s.subs[agentID]
	type sub struct {
		channel string
		at      time.Time
	}
	ordered := make([]sub, 0, len(byAgent))
	for ch, at := range byAgent {
		ordered = append(ordered, sub{channel: ch, at: at})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].at.Before(ordered[j].at) })
	out := make([]string, 0, len(ordered))
	for _, o := range ordered {
		out = append(out, o.channel)
	}
	return out, nil
}
