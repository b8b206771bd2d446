package service

import (
	"context"
	"path"
	"strings"

	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
)

// ProjectService manages projects keyed by canonical filesystem path.
type ProjectService struct {
	store store.Store
	log   *logger.Logger
}

// NewProjectService builds a project service.
func NewProjectService(st store.Store, log *logger.Logger) *ProjectService {
	return &ProjectService{store: st, log: log}
}

// UpsertProjectInput is the payload for Upsert.
type UpsertProjectInput struct {
	Path     string         `json:"path"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata"`
}

// Upsert creates the project or returns the existing one for the same
// canonical path. Calling twice with the same path yields the same id.
func (s *ProjectService) Upsert(ctx context.Context, in UpsertProjectInput) (*models.Project, error) {
	var v validator
	v.requireNonEmpty("path", in.Path)
	if err := v.err(); err != nil {
		return nil, err
	}

	canonical := path.Clean(strings.TrimSpace(in.Path))
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = path.Base(canonical)
	}
	return s.store.UpsertProject(ctx, &models.Project{
		Path:     canonical,
		Name:     name,
		Metadata: in.Metadata,
	})
}

// Get fetches a project by id.
func (s *ProjectService) Get(ctx context.Context, id string) (*models.Project, error) {
	return s.store.GetProject(ctx, id)
}

// GetByPath fetches a project by canonical path.
func (s *ProjectService) GetByPath(ctx context.Context, p string) (*models.Project, error) {
	return s.store.GetProjectByPath(ctx, path.Clean(strings.TrimSpace(p)))
}

// List returns all projects, newest first.
func (s *ProjectService) List(ctx context.Context) ([]*models.Project, error) {
	return s.store.ListProjects(ctx)
}

// Delete removes a project and its request tree.
func (s *ProjectService) Delete(ctx context.Context, id string) error {
	return s.store.DeleteProject(ctx, id)
}

// Hierarchy returns the project with its requests, task-lists, and subtasks.
func (s *ProjectService) Hierarchy(ctx context.Context, projectID string) (*store.Hierarchy, error) {
	return s.store.GetHierarchy(ctx, projectID)
}
