package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
)

type projectRow struct {
	ID        string    `db:"id"`
	Path      string    `db:"path"`
	Name      string    `db:"name"`
	Metadata  []byte    `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
}

func (r projectRow) toModel() *models.Project {
	return &models.Project{
		ID:        r.ID,
		Path:      r.Path,
		Name:      r.Name,
		Metadata:  unmarshalMap(r.Metadata),
		CreatedAt: r.CreatedAt,
	}
}

// UpsertProject inserts a project or returns the existing one for the same
// canonical path, updating name and metadata when provided.
func (q queries) UpsertProject(ctx context.Context, p *models.Project) (*models.Project, error) {
	var row projectRow
	err := sqlx.GetContext(ctx, q.ext, &row, `
		INSERT INTO projects (path, name, metadata)
		VALUES ($1, $2, $3)
		ON CONFLICT (path) DO UPDATE SET
			name     = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE projects.name END,
			metadata = projects.metadata || EXCLUDED.metadata
		RETURNING id, path, name, metadata, created_at
	`, p.Path, p.Name, jsonOrEmpty(p.Metadata))
	if err != nil {
		return nil, fmt.Errorf("upsert project: %w", mapRowError(err))
	}
	return row.toModel(), nil
}

// GetProject fetches a project by id.
func (q queries) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var row projectRow
	err := sqlx.GetContext(ctx, q.ext, &row,
		`SELECT id, path, name, metadata, created_at FROM projects WHERE id = $1`, id)
	if err != nil {
		return nil, mapRowError(err)
	}
	return row.toModel(), nil
}

// GetProjectByPath fetches a project by canonical path.
func (q queries) GetProjectByPath(ctx context.Context, path string) (*models.Project, error) {
	var row projectRow
	err := sqlx.GetContext(ctx, q.ext, &row,
		`SELECT id, path, name, metadata, created_at FROM projects WHERE path = $1`, path)
	if err != nil {
		return nil, mapRowError(err)
	}
	return row.toModel(), nil
}

// ListProjects returns all projects, newest first.
func (q queries) ListProjects(ctx context.Context) ([]*models.Project, error) {
	var rows []projectRow
	err := sqlx.SelectContext(ctx, q.ext, &rows,
		`SELECT id, path, name, metadata, created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	out := make([]*models.Project, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// DeleteProject removes a project; requests, task-lists, and subtasks
// cascade in the schema.
func (q queries) DeleteProject(ctx context.Context, id string) error {
	res, err := q.ext.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// hierarchyRow is one row of the joined hierarchy statement.
type hierarchyRow struct {
	RequestID       *string    `db:"request_id"`
	SessionID       *string    `db:"session_id"`
	Prompt          *string    `db:"prompt"`
	RequestStatus   *string    `db:"request_status"`
	RequestCreated  *time.Time `db:"request_created"`
	TaskListID      *string    `db:"task_list_id"`
	WaveNumber      *int       `db:"wave_number"`
	TaskListStatus  *string    `db:"task_list_status"`
	TaskListCreated *time.Time `db:"task_list_created"`
	SubtaskID       *string    `db:"subtask_id"`
	Description     *string    `db:"description"`
	SubtaskStatus   *string    `db:"subtask_status"`
	AgentType       *string    `db:"agent_type"`
	AgentID         *string    `db:"agent_id"`
	Priority        *int       `db:"priority"`
	SubtaskCreated  *time.Time `db:"subtask_created"`
}

// GetHierarchy returns the project with its requests, task-lists, and
// subtasks from a single joined statement.
func (q queries) GetHierarchy(ctx context.Context, projectID string) (*store.Hierarchy, error) {
	project, err := q.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var rows []hierarchyRow
	err = sqlx.SelectContext(ctx, q.ext, &rows, `
		SELECT r.id          AS request_id,
		       r.session_id  AS session_id,
		       r.prompt      AS prompt,
		       r.status      AS request_status,
		       r.created_at  AS request_created,
		       tl.id         AS task_list_id,
		       tl.wave_number AS wave_number,
		       tl.status     AS task_list_status,
		       tl.created_at AS task_list_created,
		       st.id         AS subtask_id,
		       st.description AS description,
		       st.status     AS subtask_status,
		       st.agent_type AS agent_type,
		       st.agent_id   AS agent_id,
		       st.priority   AS priority,
		       st.created_at AS subtask_created
		FROM requests r
		LEFT JOIN task_lists tl ON tl.request_id = r.id
		LEFT JOIN subtasks st ON st.task_list_id = tl.id
		WHERE r.project_id = $1
		ORDER BY r.created_at, tl.wave_number, st.created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("hierarchy join: %w", err)
	}

	h := &store.Hierarchy{Project: project}
	reqIdx := make(map[string]*store.HierarchyRequest)
	listIdx := make(map[string]*store.HierarchyTaskList)

	for _, r := range rows {
		if r.RequestID == nil {
			continue
		}
		req, ok := reqIdx[*r.RequestID]
		if !ok {
			req = &store.HierarchyRequest{Request: models.Request{
				ID:        *r.RequestID,
				ProjectID: projectID,
				SessionID: deref(r.SessionID),
				Prompt:    deref(r.Prompt),
				Status:    models.RequestStatus(deref(r.RequestStatus)),
				CreatedAt: derefTime(r.RequestCreated),
			}}
			reqIdx[*r.RequestID] = req
			h.Requests = append(h.Requests, req)
		}
		if r.TaskListID == nil {
			continue
		}
		tl, ok := listIdx[*r.TaskListID]
		if !ok {
			tl = &store.HierarchyTaskList{TaskList: models.TaskList{
				ID:         *r.TaskListID,
				RequestID:  *r.RequestID,
				WaveNumber: derefInt(r.WaveNumber),
				Status:     models.TaskListStatus(deref(r.TaskListStatus)),
				CreatedAt:  derefTime(r.TaskListCreated),
			}}
			listIdx[*r.TaskListID] = tl
			req.TaskLists = append(req.TaskLists, tl)
		}
		if r.SubtaskID == nil {
			continue
		}
		tl.Subtasks = append(tl.Subtasks, &models.Subtask{
			ID:          *r.SubtaskID,
			TaskListID:  *r.TaskListID,
			Description: deref(r.Description),
			Status:      models.SubtaskStatus(deref(r.SubtaskStatus)),
			AgentType:   deref(r.AgentType),
			AgentID:     deref(r.AgentID),
			Priority:    derefInt(r.Priority),
			CreatedAt:   derefTime(r.SubtaskCreated),
		})
	}
	return h, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
