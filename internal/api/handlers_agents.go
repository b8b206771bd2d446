package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dcm/dcm/internal/service"
	"github.com/dcm/dcm/internal/store"
)

// Sessions

func (s *Server) handleRegisterSession(c *gin.Context) {
	var in struct {
		SessionID string `json:"session_id"`
	}
	if !s.bindJSON(c, &in) {
		return
	}
	session, err := s.deps.Sessions.Register(c.Request.Context(), in.SessionID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions, err := s.deps.Sessions.List(c.Request.Context(), c.Query("active") == "true")
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (s *Server) handleGetSession(c *gin.Context) {
	session, err := s.deps.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleSessionStats(c *gin.Context) {
	stats, err := s.deps.Sessions.Stats(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleEndSession(c *gin.Context) {
	session, err := s.deps.Sessions.End(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// Messages

func (s *Server) handleSendMessage(c *gin.Context) {
	// Content accepts any JSON value; non-objects get wrapped downstream.
	var raw struct {
		FromAgent  string          `json:"from"`
		ToAgent    *string         `json:"to"`
		Topic      string          `json:"topic"`
		Content    json.RawMessage `json:"content"`
		Priority   int             `json:"priority"`
		TTLSeconds int             `json:"ttl_seconds"`
	}
	if !s.bindJSON(c, &raw) {
		return
	}

	in := service.SendMessageInput{
		FromAgent:  raw.FromAgent,
		ToAgent:    raw.ToAgent,
		Topic:      raw.Topic,
		Priority:   raw.Priority,
		TTLSeconds: raw.TTLSeconds,
	}
	if len(raw.Content) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(raw.Content, &obj); err == nil {
			in.Content = obj
		} else {
			var v any
			if err := json.Unmarshal(raw.Content, &v); err == nil {
				in.ContentRaw = v
			}
		}
	}

	msg, err := s.deps.Messages.Send(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) handleInbox(c *gin.Context) {
	f := store.MessageFilter{
		Topic:             c.Query("topic"),
		Since:             timeQuery(c, "since"),
		IncludeBroadcasts: c.Query("include_broadcasts") != "false",
		Limit:             intQuery(c, "limit"),
	}
	messages, err := s.deps.Messages.Inbox(c.Request.Context(), c.Param("agent"), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, messages)
}

func (s *Server) handleMarkRead(c *gin.Context) {
	if err := s.deps.Messages.MarkRead(c.Request.Context(), c.Param("agent"), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Agent contexts

func (s *Server) handleSaveContext(c *gin.Context) {
	var in service.SaveContextInput
	if !s.bindJSON(c, &in) {
		return
	}
	ac, err := s.deps.Contexts.Save(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ac)
}

func (s *Server) handleListContexts(c *gin.Context) {
	f := store.ContextFilter{
		ProjectID: c.Query("project_id"),
		AgentType: c.Query("agent_type"),
		SessionID: c.Query("session_id"),
	}
	contexts, err := s.deps.Contexts.List(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, contexts)
}

func (s *Server) handleGetContext(c *gin.Context) {
	ac, err := s.deps.Contexts.Get(c.Request.Context(), c.Param("project"), c.Param("agent"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ac)
}

func (s *Server) handleGenerateContext(c *gin.Context) {
	var in service.GenerateBriefInput
	if !s.bindJSON(c, &in) {
		return
	}
	brief, err := s.deps.Contexts.GenerateBrief(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, brief)
}

func (s *Server) handleCompactSave(c *gin.Context) {
	var in struct {
		ProjectID string         `json:"project_id"`
		SessionID string         `json:"session_id"`
		State     map[string]any `json:"state"`
	}
	if !s.bindJSON(c, &in) {
		return
	}
	snap, err := s.deps.Contexts.SaveSnapshot(c.Request.Context(), in.ProjectID, in.SessionID, in.State)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (s *Server) handleCompactRestore(c *gin.Context) {
	var in struct {
		SessionID string `json:"session_id"`
	}
	if !s.bindJSON(c, &in) {
		return
	}
	snap, err := s.deps.Contexts.LatestSnapshot(c.Request.Context(), in.SessionID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleCompactStatus(c *gin.Context) {
	status, err := s.deps.Contexts.SnapshotStatus(c.Request.Context(), c.Param("session"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleCompactSnapshot(c *gin.Context) {
	snap, err := s.deps.Contexts.LatestSnapshot(c.Request.Context(), c.Param("session"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Blockings

func (s *Server) handleReportBlocking(c *gin.Context) {
	var in struct {
		BlockerAgent string `json:"blocker_agent"`
		BlockedAgent string `json:"blocked_agent"`
		Reason       string `json:"reason"`
	}
	if !s.bindJSON(c, &in) {
		return
	}
	created, err := s.deps.Blockings.Report(c.Request.Context(), in.BlockerAgent, in.BlockedAgent, in.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"created": created})
}

func (s *Server) handleResolveBlockings(c *gin.Context) {
	var in struct {
		BlockerAgent string `json:"blocker_agent"`
		BlockedAgent string `json:"blocked_agent"`
	}
	if !s.bindJSON(c, &in) {
		return
	}
	resolved, err := s.deps.Blockings.Resolve(c.Request.Context(), in.BlockerAgent, in.BlockedAgent)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": resolved})
}

func (s *Server) handleListBlockings(c *gin.Context) {
	blockings, err := s.deps.Blockings.List(c.Request.Context(), c.Query("open") != "false")
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, blockings)
}

func (s *Server) handleIsBlocked(c *gin.Context) {
	blocked, err := s.deps.Blockings.IsBlocked(c.Request.Context(), c.Param("agent"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocked": blocked})
}

// Capacity

func (s *Server) handleSetCapacityLimit(c *gin.Context) {
	var in struct {
		MaxCapacity int64 `json:"max_capacity"`
	}
	if !s.bindJSON(c, &in) {
		return
	}
	gauge, err := s.deps.Capacity.SetLimit(c.Request.Context(), c.Param("agent"), in.MaxCapacity)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gauge)
}

func (s *Server) handleRecordCapacityUsage(c *gin.Context) {
	var in struct {
		Tokens int64 `json:"tokens"`
	}
	if !s.bindJSON(c, &in) {
		return
	}
	gauge, err := s.deps.Capacity.RecordUsage(c.Request.Context(), c.Param("agent"), in.Tokens)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gauge)
}

func (s *Server) handleGetCapacity(c *gin.Context) {
	gauge, err := s.deps.Capacity.Get(c.Request.Context(), c.Param("agent"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gauge)
}

func (s *Server) handleListCapacities(c *gin.Context) {
	caps, err := s.deps.Capacity.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, caps)
}

// Subscriptions

func (s *Server) handleSubscribe(c *gin.Context) {
	var in struct {
		AgentID string `json:"agent_id"`
		Channel string `json:"channel"`
	}
	if !s.bindJSON(c, &in) {
		return
	}
	if err := s.deps.Subscriptions.Subscribe(c.Request.Context(), in.AgentID, in.Channel); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (s *Server) handleUnsubscribe(c *gin.Context) {
	var in struct {
		AgentID string `json:"agent_id"`
		Channel string `json:"channel"`
	}
	if !s.bindJSON(c, &in) {
		return
	}
	if err := s.deps.Subscriptions.Unsubscribe(c.Request.Context(), in.AgentID, in.Channel); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListSubscriptions(c *gin.Context) {
	channels, err := s.deps.Subscriptions.List(c.Request.Context(), c.Param("agent"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, channels)
}
