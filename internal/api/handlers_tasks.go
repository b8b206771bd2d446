package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/service"
	"github.com/dcm/dcm/internal/store"
)

// Projects

func (s *Server) handleCreateProject(c *gin.Context) {
	var in service.UpsertProjectInput
	if !s.bindJSON(c, &in) {
		return
	}
	project, err := s.deps.Projects.Upsert(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (s *Server) handleListProjects(c *gin.Context) {
	if path := c.Query("path"); path != "" {
		project, err := s.deps.Projects.GetByPath(c.Request.Context(), path)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, project)
		return
	}
	projects, err := s.deps.Projects.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, projects)
}

func (s *Server) handleGetProject(c *gin.Context) {
	project, err := s.deps.Projects.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (s *Server) handleDeleteProject(c *gin.Context) {
	if err := s.deps.Projects.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleHierarchy(c *gin.Context) {
	h, err := s.deps.Projects.Hierarchy(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h)
}

// Requests

func (s *Server) handleCreateRequest(c *gin.Context) {
	var in service.CreateRequestInput
	if !s.bindJSON(c, &in) {
		return
	}
	req, err := s.deps.Requests.Create(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

func (s *Server) handleListRequests(c *gin.Context) {
	f := store.RequestFilter{
		ProjectID: c.Query("project_id"),
		SessionID: c.Query("session_id"),
		Status:    models.RequestStatus(c.Query("status")),
		Limit:     intQuery(c, "limit"),
	}
	requests, err := s.deps.Requests.List(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, requests)
}

func (s *Server) handleGetRequest(c *gin.Context) {
	req, err := s.deps.Requests.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *Server) handleUpdateRequestStatus(c *gin.Context) {
	var in struct {
		Status models.RequestStatus `json:"status"`
	}
	if !s.bindJSON(c, &in) {
		return
	}
	req, err := s.deps.Requests.UpdateStatus(c.Request.Context(), c.Param("id"), in.Status)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *Server) handleDeleteRequest(c *gin.Context) {
	if err := s.deps.Requests.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Task lists

func (s *Server) handleCreateTaskList(c *gin.Context) {
	var in service.CreateTaskListInput
	if !s.bindJSON(c, &in) {
		return
	}
	tl, err := s.deps.TaskLists.Create(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, tl)
}

func (s *Server) handleGetTaskList(c *gin.Context) {
	if requestID := c.Query("request_id"); requestID != "" && c.Param("id") == "by-request" {
		lists, err := s.deps.TaskLists.List(c.Request.Context(), requestID)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, lists)
		return
	}
	tl, err := s.deps.TaskLists.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tl)
}

func (s *Server) handleUpdateTaskListStatus(c *gin.Context) {
	var in struct {
		Status models.TaskListStatus `json:"status"`
	}
	if !s.bindJSON(c, &in) {
		return
	}
	if err := s.deps.TaskLists.UpdateStatus(c.Request.Context(), c.Param("id"), in.Status); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Subtasks

func (s *Server) handleCreateSubtask(c *gin.Context) {
	var in service.CreateSubtaskInput
	if !s.bindJSON(c, &in) {
		return
	}
	sub, err := s.deps.Subtasks.Create(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) handleListSubtasks(c *gin.Context) {
	f := store.SubtaskFilter{
		TaskListID:    c.Query("task_list_id"),
		SessionID:     c.Query("session_id"),
		Status:        models.SubtaskStatus(c.Query("status")),
		AgentType:     c.Query("agent_type"),
		AgentID:       c.Query("agent_id"),
		ParentAgentID: c.Query("parent_agent_id"),
		Since:         timeQuery(c, "since"),
		Limit:         intQuery(c, "limit"),
	}
	subtasks, err := s.deps.Subtasks.List(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, subtasks)
}

func (s *Server) handleGetSubtask(c *gin.Context) {
	sub, err := s.deps.Subtasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (s *Server) handleUpdateSubtask(c *gin.Context) {
	var in service.UpdateSubtaskInput
	if !s.bindJSON(c, &in) {
		return
	}
	sub, err := s.deps.Subtasks.Update(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (s *Server) handleCloseSessionSubtasks(c *gin.Context) {
	var in struct {
		SessionID string `json:"session_id"`
	}
	if !s.bindJSON(c, &in) {
		return
	}
	closed, err := s.deps.Subtasks.CloseSession(c.Request.Context(), in.SessionID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"closed":   len(closed),
		"subtasks": closed,
	})
}

func (s *Server) handleDeleteSubtask(c *gin.Context) {
	if err := s.deps.Subtasks.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Actions

func (s *Server) handleRecordAction(c *gin.Context) {
	var in service.RecordActionInput
	if !s.bindJSON(c, &in) {
		return
	}
	action, err := s.deps.Actions.Record(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, action)
}

func (s *Server) handleListActions(c *gin.Context) {
	f := store.ActionFilter{
		SubtaskID: c.Query("subtask_id"),
		SessionID: c.Query("session_id"),
		AgentID:   c.Query("agent_id"),
		ToolName:  c.Query("tool_name"),
		Since:     timeQuery(c, "since"),
		Limit:     intQuery(c, "limit"),
	}
	actions, err := s.deps.Actions.List(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, actions)
}

func (s *Server) handleGetAction(c *gin.Context) {
	action, input, output, err := s.deps.Actions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"action": action,
		"input":  input,
		"output": output,
	})
}

func (s *Server) handleHourlyActions(c *gin.Context) {
	since := timeQuery(c, "since")
	if since == nil {
		t := time.Now().UTC().Add(-24 * time.Hour)
		since = &t
	}
	stats, err := s.deps.Actions.HourlyStats(c.Request.Context(), *since)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleActiveAgents(c *gin.Context) {
	since := timeQuery(c, "since")
	if since == nil {
		t := time.Now().UTC().Add(-10 * time.Minute)
		since = &t
	}
	agents, err := s.deps.Actions.ActiveAgents(c.Request.Context(), *since)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, agents)
}

// Query helpers shared by the handler files.

func intQuery(c *gin.Context, name string) int {
	n, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return 0
	}
	return n
}

func timeQuery(c *gin.Context, name string) *time.Time {
	raw := c.Query(name)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}
