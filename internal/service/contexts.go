package service

import (
	"context"
	"errors"

	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
)

// BriefFormatter renders a context brief from the stored role context and
// the agent's open subtasks. Deployments can plug a template renderer.
type BriefFormatter func(ac *models.AgentContext, open []*models.Subtask) map[string]any

// ContextService manages per-agent role snapshots, including the
// pre-compaction snapshots used to restore an agent after a context wipe.
type ContextService struct {
	store     store.Store
	log       *logger.Logger
	formatter BriefFormatter
}

// NewContextService builds a context service with the default brief
// formatter.
func NewContextService(st store.Store, log *logger.Logger) *ContextService {
	return &ContextService{store: st, log: log, formatter: defaultBrief}
}

// SetFormatter swaps the brief formatter.
func (s *ContextService) SetFormatter(f BriefFormatter) {
	if f != nil {
		s.formatter = f
	}
}

// SaveContextInput is the payload for Save.
type SaveContextInput struct {
	ProjectID   string         `json:"project_id"`
	AgentID     string         `json:"agent_id"`
	AgentType   string         `json:"agent_type"`
	SessionID   string         `json:"session_id"`
	RoleContext map[string]any `json:"role_context"`
}

// Save upserts the context for (project, agent). The previous snapshot
// for the pair is replaced wholesale.
func (s *ContextService) Save(ctx context.Context, in SaveContextInput) (*models.AgentContext, error) {
	var v validator
	v.requireNonEmpty("project_id", in.ProjectID)
	v.requireNonEmpty("agent_id", in.AgentID)
	v.requireNonEmpty("agent_type", in.AgentType)
	if err := v.err(); err != nil {
		return nil, err
	}
	return s.store.UpsertAgentContext(ctx, &models.AgentContext{
		ProjectID:   in.ProjectID,
		AgentID:     in.AgentID,
		AgentType:   in.AgentType,
		SessionID:   in.SessionID,
		RoleContext: in.RoleContext,
	})
}

// Get fetches the context for (project, agent).
func (s *ContextService) Get(ctx context.Context, projectID, agentID string) (*models.AgentContext, error) {
	return s.store.GetAgentContext(ctx, projectID, agentID)
}

// List returns contexts matching the filter.
func (s *ContextService) List(ctx context.Context, f store.ContextFilter) ([]*models.AgentContext, error) {
	return s.store.ListAgentContexts(ctx, f)
}

// SaveSnapshot stores a pre-compaction snapshot for the session. Snapshots
// live under the reserved compact-snapshot agent type so cleanup treats
// them separately from working contexts.
func (s *ContextService) SaveSnapshot(ctx context.Context, projectID, sessionID string, state map[string]any) (*models.AgentContext, error) {
	var v validator
	v.requireNonEmpty("project_id", projectID)
	v.requireNonEmpty("session_id", sessionID)
	if err := v.err(); err != nil {
		return nil, err
	}
	return s.store.UpsertAgentContext(ctx, &models.AgentContext{
		ProjectID:   projectID,
		AgentID:     snapshotAgentID(sessionID),
		AgentType:   models.CompactSnapshotType,
		SessionID:   sessionID,
		RoleContext: state,
	})
}

// LatestSnapshot returns the most recent pre-compaction snapshot for a
// session, or ErrNotFound when none exists.
func (s *ContextService) LatestSnapshot(ctx context.Context, sessionID string) (*models.AgentContext, error) {
	return s.store.LatestSnapshot(ctx, sessionID)
}

// SnapshotStatus reports whether a restorable snapshot exists for the
// session and when it was taken.
func (s *ContextService) SnapshotStatus(ctx context.Context, sessionID string) (map[string]any, error) {
	snap, err := s.store.LatestSnapshot(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return map[string]any{"available": false}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"available":    true,
		"snapshot_id":  snap.ID,
		"last_updated": snap.LastUpdated,
	}, nil
}

// GenerateBriefInput is the payload for GenerateBrief.
type GenerateBriefInput struct {
	ProjectID string `json:"project_id"`
	AgentID   string `json:"agent_id"`
}

// GenerateBrief renders a handoff brief for an agent: its stored role
// context plus the subtasks still open under its name, passed through the
// configured formatter.
func (s *ContextService) GenerateBrief(ctx context.Context, in GenerateBriefInput) (map[string]any, error) {
	var v validator
	v.requireNonEmpty("project_id", in.ProjectID)
	v.requireNonEmpty("agent_id", in.AgentID)
	if err := v.err(); err != nil {
		return nil, err
	}

	ac, err := s.store.GetAgentContext(ctx, in.ProjectID, in.AgentID)
	if err != nil {
		return nil, err
	}
	subtasks, err := s.store.ListSubtasks(ctx, store.SubtaskFilter{AgentID: in.AgentID})
	if err != nil {
		return nil, err
	}
	var open []*models.Subtask
	for _, sub := range subtasks {
		if !sub.Status.Terminal() {
			open = append(open, sub)
		}
	}
	return s.formatter(ac, open), nil
}

// defaultBrief is the built-in formatter: a structured summary of the role
// context and the open workload.
func defaultBrief(ac *models.AgentContext, open []*models.Subtask) map[string]any {
	tasks := make([]map[string]any, 0, len(open))
	for _, sub := range open {
		tasks = append(tasks, map[string]any{
			"subtask_id":  sub.ID,
			"description": sub.Description,
			"status":      string(sub.Status),
			"priority":    sub.Priority,
		})
	}
	return map[string]any{
		"project_id":    ac.ProjectID,
		"agent_id":      ac.AgentID,
		"agent_type":    ac.AgentType,
		"session_id":    ac.SessionID,
		"role_context":  ac.RoleContext,
		"open_subtasks": tasks,
		"last_updated":  ac.LastUpdated,
	}
}

func snapshotAgentID(sessionID string) string {
	return "snapshot-" + sessionID
}
