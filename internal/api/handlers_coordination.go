package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dcm/dcm/internal/routing"
	"github.com/dcm/dcm/internal/service"
)

// Waves

func (s *Server) handleCreateWave(c *gin.Context) {
	var in struct {
		WaveNumber int `json:"wave_number"`
	}
	if !s.bindJSON(c, &in) {
		return
	}
	w, err := s.deps.Waves.GetOrCreate(c.Request.Context(), c.Param("session"), in.WaveNumber)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (s *Server) handleStartWave(c *gin.Context) {
	var in struct {
		WaveNumber int `json:"wave_number"`
	}
	if !s.bindJSON(c, &in) {
		return
	}
	w, err := s.deps.Waves.Start(c.Request.Context(), c.Param("session"), in.WaveNumber)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) handleTransitionWave(c *gin.Context) {
	w, err := s.deps.Waves.TransitionToNext(c.Request.Context(), c.Param("session"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) handleCurrentWave(c *gin.Context) {
	w, err := s.deps.Waves.Current(c.Request.Context(), c.Param("session"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) handleWaveHistory(c *gin.Context) {
	waves, err := s.deps.Waves.History(c.Request.Context(), c.Param("session"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, waves)
}

// Batches

func (s *Server) handleCreateBatch(c *gin.Context) {
	var in struct {
		SessionID  string `json:"session_id"`
		WaveNumber int    `json:"wave_number"`
	}
	if !s.bindJSON(c, &in) {
		return
	}
	batch, err := s.deps.Batches.Create(c.Request.Context(), service.CreateBatchInput{
		SessionID:  in.SessionID,
		WaveNumber: in.WaveNumber,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, batch)
}

func (s *Server) handleListBatches(c *gin.Context) {
	batches, err := s.deps.Batches.List(c.Request.Context(), c.Query("session_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, batches)
}

func (s *Server) handleGetBatch(c *gin.Context) {
	batch, err := s.deps.Batches.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func (s *Server) handleCompleteBatch(c *gin.Context) {
	batch, err := s.deps.Batches.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

// Routing

func (s *Server) handleRoutingSuggest(c *gin.Context) {
	var in routing.SuggestInput
	if !s.bindJSON(c, &in) {
		return
	}
	suggestions, err := s.deps.Routing.Suggest(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"suggestions": suggestions})
}

func (s *Server) handleRoutingFeedback(c *gin.Context) {
	var in routing.FeedbackInput
	if !s.bindJSON(c, &in) {
		return
	}
	if err := s.deps.Routing.Feedback(c.Request.Context(), in); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRoutingStats(c *gin.Context) {
	window := time.Duration(intQuery(c, "window_hours")) * time.Hour
	stats, accuracy, err := s.deps.Routing.Stats(c.Request.Context(), intQuery(c, "top"), window)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stats":    stats,
		"accuracy": accuracy,
	})
}

// Registry

func (s *Server) handleListRegistry(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Registry.List(c.Query("category")))
}

func (s *Server) handleGetRegistryEntry(c *gin.Context) {
	entry, err := s.deps.Registry.Get(c.Param("type"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}
