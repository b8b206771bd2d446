package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dcm/dcm/internal/auth"
)

func (s *Server) handleHealth(c *gin.Context) {
	latency, err := s.deps.Store.Health(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "degraded",
			"error":  "database unreachable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"db_latency": latency.String(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// handleMintToken issues an HMAC gateway token for an agent.
func (s *Server) handleMintToken(c *gin.Context) {
	var in struct {
		AgentID   string `json:"agent_id"`
		SessionID string `json:"session_id"`
	}
	if !s.bindJSON(c, &in) {
		return
	}
	if !auth.ValidAgentID(in.AgentID) {
		c.JSON(http.StatusBadRequest, errorBody{
			Error:   "validation_failed",
			Details: map[string][]string{"agent_id": {"must match [A-Za-z0-9_-]{1,64}"}},
		})
		return
	}

	token, err := s.deps.Issuer.Issue(in.AgentID, in.SessionID, time.Now())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(s.deps.Issuer.TTL().Seconds()),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.deps.Store.Stats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleMetrics(c *gin.Context) {
	metrics, err := s.deps.Store.Metrics(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, metrics)
}

func (s *Server) handleCleanupStats(c *gin.Context) {
	stats := s.deps.Cleanup.LastStats()
	if stats == nil {
		c.JSON(http.StatusOK, gin.H{"ran": false})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleDashboard aggregates the dashboard KPIs in one round trip.
func (s *Server) handleDashboard(c *gin.Context) {
	ctx := c.Request.Context()

	stats, err := s.deps.Store.Stats(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	metrics, err := s.deps.Store.Metrics(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	routingStats, accuracy, err := s.deps.Routing.Stats(ctx, 5, 0)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stats":            stats,
		"metrics":          metrics,
		"routing":          routingStats,
		"routing_accuracy": accuracy,
		"cleanup":          s.deps.Cleanup.LastStats(),
	})
}
