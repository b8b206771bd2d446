package memory

import (
	"context"
	"sort"
	"time"

	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
)

func cloneProject(p *models.Project) *models.Project {
	c := *p
	c.Metadata = cloneMap(p.Metadata)
	return &c
}

func cloneRequest(r *models.Request) *models.Request {
	c := *r
	return &c
}

func cloneTaskList(tl *models.TaskList) *models.TaskList {
	c := *tl
	return &c
}

func cloneSubtask(st *models.Subtask) *models.Subtask {
	c := *st
	c.BlockedBy = cloneStrings(st.BlockedBy)
	c.Result = cloneMap(st.Result)
	return &c
}

func (s *Store) UpsertProject(_ context.Context, p *models.Project) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.projects {
		if existing.Path == p.Path {
			if p.Name != "" {
				existing.Name = p.Name
			}
			if len(p.Metadata) > 0 {
				if existing.Metadata == nil {
					existing.Metadata = map[string]any{}
				}
				for k, v := range p.Metadata {
					existing.Metadata[k] = v
				}
			}
			return cloneProject(existing), nil
		}
	}

	created := cloneProject(p)
	created.ID = newID()
	created.CreatedAt = time.Now()
	s.projects[created.ID] = created
	return cloneProject(created), nil
}

func (s *Store) GetProject(_ context.Context, id string) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneProject(p), nil
}

func (s *Store) GetProjectByPath(_ context.Context, path string) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.projects {
		if p.Path == path {
			return cloneProject(p), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListProjects(context.Context) ([]*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, cloneProject(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteProject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.projects, id)
	for rid, r := range s.requests {
		if r.ProjectID != id {
			continue
		}
		delete(s.requests, rid)
		for tlid, tl := range s.taskLists {
			if tl.RequestID != rid {
				continue
			}
			delete(s.taskLists, tlid)
			for stid, st := range s.subtasks {
				if st.TaskListID == tlid {
					delete(s.subtasks, stid)
				}
			}
		}
	}
	return nil
}

func (s *Store) GetHierarchy(ctx context.Context, projectID string) (*store.Hierarchy, error) {
	project, err := s.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	h := &store.Hierarchy{Project: project}
	for _, r := range s.requests {
		if r.ProjectID != projectID {
			continue
		}
		hr := &store.HierarchyRequest{Request: *cloneRequest(r)}
		for _, tl := range s.taskLists {
			if tl.RequestID != r.ID {
				continue
			}
			htl := &store.HierarchyTaskList{TaskList: *cloneTaskList(tl)}
			for _, st := range s.subtasks {
				if st.TaskListID == tl.ID {
					htl.Subtasks = append(htl.Subtasks, cloneSubtask(st))
				}
			}
			sort.Slice(htl.Subtasks, func(i, j int) bool {
				return htl.Subtasks[i].CreatedAt.Before(htl.Subtasks[j].CreatedAt)
			})
			hr.TaskLists = append(hr.TaskLists, htl)
		}
		sort.Slice(hr.TaskLists, func(i, j int) bool {
			return hr.TaskLists[i].WaveNumber < hr.TaskLists[j].WaveNumber
		})
		h.Requests = append(h.Requests, hr)
	}
	sort.Slice(h.Requests, func(i, j int) bool {
		return h.Requests[i].CreatedAt.Before(h.Requests[j].CreatedAt)
	})
	return h, nil
}

func (s *Store) CreateRequest(_ context.Context, r *models.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[r.ProjectID]; !ok {
		return store.ErrNotFound
	}
	r.ID = newID()
	r.CreatedAt = time.Now()
	if r.Status == "" {
		r.Status = models.RequestActive
	}
	s.requests[r.ID] = cloneRequest(r)
	return nil
}

func (s *Store) GetRequest(_ context.Context, id string) (*models.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRequest(r), nil
}

func (s *Store) ListRequests(_ context.Context, f store.RequestFilter) ([]*models.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Request
	for _, r := range s.requests {
		if f.ProjectID != "" && r.ProjectID != f.ProjectID {
			continue
		}
		if f.SessionID != "" && r.SessionID != f.SessionID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, cloneRequest(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) UpdateRequestStatus(_ context.Context, id string, status models.RequestStatus) (*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	r.Status = status
	if status == models.RequestCompleted || status == models.RequestFailed {
		now := time.Now()
		r.CompletedAt = &now
	}
	return cloneRequest(r), nil
}

func (s *Store) DeleteRequest(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.requests, id)
	for tlid, tl := range s.taskLists {
		if tl.RequestID != id {
			continue
		}
		delete(s.taskLists, tlid)
		for stid, st := range s.subtasks {
			if st.TaskListID == tlid {
				delete(s.subtasks, stid)
			}
		}
	}
	return nil
}

func (s *Store) CreateTaskList(_ context.Context, tl *models.TaskList) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[tl.RequestID]; !ok {
		return store.ErrNotFound
	}
	tl.ID = newID()
	tl.CreatedAt = time.Now()
	if tl.Status == "" {
		tl.Status = models.TaskListPending
	}
	s.taskLists[tl.ID] = cloneTaskList(tl)
	return nil
}

func (s *Store) GetTaskList(_ context.Context, id string) (*models.TaskList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tl, ok := s.taskLists[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTaskList(tl), nil
}

func (s *Store) ListTaskLists(_ context.Context, requestID string) ([]*models.TaskList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.TaskList
	for _, tl := range s.taskLists {
		if tl.RequestID == requestID {
			out = append(out, cloneTaskList(tl))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WaveNumber < out[j].WaveNumber })
	return out, nil
}

func (s *Store) UpdateTaskListStatus(_ context.Context, id string, status models.TaskListStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, ok := s.taskLists[id]
	if !ok {
		return store.ErrNotFound
	}
	tl.Status = status
	return nil
}

func (s *Store) CreateSubtask(_ context.Context, st *models.Subtask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.taskLists[st.TaskListID]; !ok {
		return store.ErrNotFound
	}
	st.ID = newID()
	st.CreatedAt = time.Now()
	if st.Status == "" {
		st.Status = models.SubtaskPending
	}
	s.subtasks[st.ID] = cloneSubtask(st)
	return nil
}

func (s *Store) GetSubtask(_ context.Context, id string) (*models.Subtask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.subtasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSubtask(st), nil
}

// sessionOfSubtask resolves a subtask's session through its task-list and
// request. Callers must hold the lock.
func (s *Store) sessionOfSubtask(st *models.Subtask) string {
	tl, ok := s.taskLists[st.TaskListID]
	if !ok {
		return ""
	}
	r, ok := s.requests[tl.RequestID]
	if !ok {
		return ""
	}
	return r.SessionID
}

func (s *Store) ListSubtasks(_ context.Context, f store.SubtaskFilter) ([]*models.Subtask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Subtask
	for _, st := range s.subtasks {
		if f.TaskListID != "" && st.TaskListID != f.TaskListID {
			continue
		}
		if f.SessionID != "" && s.sessionOfSubtask(st) != f.SessionID {
			continue
		}
		if f.Status != "" && st.Status != f.Status {
			continue
		}
		if f.AgentType != "" && st.AgentType != f.AgentType {
			continue
		}
		if f.AgentID != "" && st.AgentID != f.AgentID {
			continue
		}
		if f.ParentAgentID != "" && st.ParentAgentID != f.ParentAgentID {
			continue
		}
		if f.Since != nil && st.CreatedAt.Before(*f.Since) {
			continue
		}
		out = append(out, cloneSubtask(st))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) UpdateSubtask(_ context.Context, id string, patch store.SubtaskPatch) (*models.Subtask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.subtasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	now := time.Now()
	if patch.Status != nil {
		if st.Status == models.SubtaskPending && st.StartedAt == nil && *patch.Status == models.SubtaskRunning {
			st.StartedAt = &now
		}
		st.Status = *patch.Status
		if patch.Status.Terminal() {
			st.CompletedAt = &now
		}
	}
	if patch.Result != nil {
		st.Result = cloneMap(patch.Result)
	}
	if patch.AgentID != nil {
		st.AgentID = *patch.AgentID
	}
	if patch.AgentType != nil {
		st.AgentType = *patch.AgentType
	}
	if patch.Priority != nil {
		st.Priority = *patch.Priority
	}
	if patch.RetryCount != nil {
		st.RetryCount = *patch.RetryCount
	}
	if patch.BlockedBy != nil {
		st.BlockedBy = cloneStrings(*patch.BlockedBy)
	}
	return cloneSubtask(st), nil
}

func (s *Store) DeleteSubtask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subtasks[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.subtasks, id)
	return nil
}

func (s *Store) CloseSessionSubtasks(_ context.Context, sessionID string, result map[string]any) ([]*models.Subtask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []*models.Subtask
	for _, st := range s.subtasks {
		if st.Status.Terminal() || s.sessionOfSubtask(st) != sessionID {
			continue
		}
		st.Status = models.SubtaskFailed
		st.Result = cloneMap(result)
		st.CompletedAt = &now
		out = append(out, cloneSubtask(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) FailStuckSubtasks(_ context.Context, startedBefore, activeSince time.Time, result map[string]any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var n int64
	for _, st := range s.subtasks {
		switch st.Status {
		case models.SubtaskRunning, models.SubtaskPaused, models.SubtaskBlocked:
		default:
			continue
		}
		if st.StartedAt == nil || !st.StartedAt.Before(startedBefore) {
			continue
		}
		recent := false
		for _, a := range s.actions {
			if a.SubtaskID == st.ID && a.CreatedAt.After(activeSince) {
				recent = true
				break
			}
		}
		if recent {
			continue
		}
		st.Status = models.SubtaskFailed
		st.Result = cloneMap(result)
		st.CompletedAt = &now
		n++
	}
	return n, nil
}
