// Package api provides the HTTP REST surface of the DCM core.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dcm/dcm/internal/auth"
	"github.com/dcm/dcm/internal/cleanup"
	"github.com/dcm/dcm/internal/common/config"
	"github.com/dcm/dcm/internal/common/httpmw"
	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/routing"
	"github.com/dcm/dcm/internal/service"
	"github.com/dcm/dcm/internal/store"
	"github.com/dcm/dcm/internal/wave"
)

// Deps carries everything the HTTP surface serves.
type Deps struct {
	Store         store.Store
	Projects      *service.ProjectService
	Requests      *service.RequestService
	TaskLists     *service.TaskListService
	Subtasks      *service.SubtaskService
	Actions       *service.ActionService
	Sessions      *service.SessionService
	Messages      *service.MessageService
	Contexts      *service.ContextService
	Blockings     *service.BlockingService
	Capacity      *service.CapacityService
	Subscriptions *service.SubscriptionService
	Batches       *service.BatchService
	Registry      *service.Registry
	Waves         *wave.Controller
	Routing       *routing.Engine
	Cleanup       *cleanup.Service
	Issuer        *auth.TokenIssuer
}

// Server is the REST API server.
type Server struct {
	cfg    config.APIConfig
	deps   Deps
	log    *logger.Logger
	router *gin.Engine
	http   *http.Server
}

// NewServer builds the API server and its route table.
func NewServer(cfg config.APIConfig, deps Deps, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		log:    log.WithFields(zap.String("component", "api-server")),
		router: gin.New(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.log, "dcm-api"))
	s.router.Use(httpmw.OtelTracing("dcm-api"))
	s.router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	s.router.Use(httpmw.OperationDeadline(cfg.OperationTimeoutDuration()))

	s.setupRoutes()

	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: s.router,
	}
	return s
}

// Router returns the HTTP router, for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.log.Info("api listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// The auth limiter is deliberately tight; token minting is the only
	// unauthenticated write.
	authLimiter := httpmw.NewRateLimiter(10, 15*time.Minute)

	var writeLimit gin.HandlerFunc
	if s.cfg.WriteRateLimit {
		writeLimit = httpmw.NewRateLimiter(60, time.Minute).Middleware()
	} else {
		writeLimit = func(c *gin.Context) { c.Next() }
	}

	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")
	{
		api.POST("/auth/token", authLimiter.Middleware(), s.handleMintToken)

		api.POST("/projects", writeLimit, s.handleCreateProject)
		api.GET("/projects", s.handleListProjects)
		api.GET("/projects/:id", s.handleGetProject)
		api.DELETE("/projects/:id", writeLimit, s.handleDeleteProject)
		api.GET("/hierarchy/:id", s.handleHierarchy)

		api.POST("/requests", writeLimit, s.handleCreateRequest)
		api.GET("/requests", s.handleListRequests)
		api.GET("/requests/:id", s.handleGetRequest)
		api.PATCH("/requests/:id", writeLimit, s.handleUpdateRequestStatus)
		api.DELETE("/requests/:id", writeLimit, s.handleDeleteRequest)

		api.POST("/tasks", writeLimit, s.handleCreateTaskList)
		api.GET("/tasks/:id", s.handleGetTaskList)
		api.PATCH("/tasks/:id", writeLimit, s.handleUpdateTaskListStatus)

		api.POST("/subtasks", writeLimit, s.handleCreateSubtask)
		api.POST("/subtasks/close-session", writeLimit, s.handleCloseSessionSubtasks)
		api.GET("/subtasks", s.handleListSubtasks)
		api.GET("/subtasks/:id", s.handleGetSubtask)
		api.PATCH("/subtasks/:id", writeLimit, s.handleUpdateSubtask)
		api.DELETE("/subtasks/:id", writeLimit, s.handleDeleteSubtask)

		api.POST("/actions", writeLimit, s.handleRecordAction)
		api.GET("/actions", s.handleListActions)
		api.GET("/actions/hourly", s.handleHourlyActions)
		api.GET("/actions/:id", s.handleGetAction)
		api.GET("/agents/active", s.handleActiveAgents)

		api.POST("/sessions", writeLimit, s.handleRegisterSession)
		api.GET("/sessions", s.handleListSessions)
		api.GET("/sessions/:id", s.handleGetSession)
		api.GET("/sessions/:id/stats", s.handleSessionStats)
		api.POST("/sessions/:id/end", writeLimit, s.handleEndSession)

		api.POST("/messages", writeLimit, s.handleSendMessage)
		api.GET("/messages/:agent", s.handleInbox)
		api.POST("/messages/:agent/read/:id", writeLimit, s.handleMarkRead)

		api.POST("/context", writeLimit, s.handleSaveContext)
		api.POST("/context/generate", s.handleGenerateContext)
		api.GET("/context", s.handleListContexts)
		api.GET("/context/:project/:agent", s.handleGetContext)
		api.POST("/compact/save", writeLimit, s.handleCompactSave)
		api.POST("/compact/restore", writeLimit, s.handleCompactRestore)
		api.GET("/compact/status/:session", s.handleCompactStatus)
		api.GET("/compact/snapshot/:session", s.handleCompactSnapshot)

		api.POST("/waves/:session/create", writeLimit, s.handleCreateWave)
		api.POST("/waves/:session/start", writeLimit, s.handleStartWave)
		api.POST("/waves/:session/transition", writeLimit, s.handleTransitionWave)
		api.GET("/waves/:session/current", s.handleCurrentWave)
		api.GET("/waves/:session/history", s.handleWaveHistory)

		api.POST("/batches", writeLimit, s.handleCreateBatch)
		api.GET("/batches", s.handleListBatches)
		api.GET("/batches/:id", s.handleGetBatch)
		api.POST("/batches/:id/complete", writeLimit, s.handleCompleteBatch)

		api.POST("/capacity/:agent/limit", writeLimit, s.handleSetCapacityLimit)
		api.POST("/capacity/:agent/usage", writeLimit, s.handleRecordCapacityUsage)
		api.GET("/capacity/:agent", s.handleGetCapacity)
		api.GET("/capacity", s.handleListCapacities)

		api.POST("/routing/suggest", s.handleRoutingSuggest)
		api.POST("/routing/feedback", writeLimit, s.handleRoutingFeedback)
		api.GET("/routing/stats", s.handleRoutingStats)

		api.POST("/blockings", writeLimit, s.handleReportBlocking)
		api.POST("/blockings/resolve", writeLimit, s.handleResolveBlockings)
		api.GET("/blockings", s.handleListBlockings)
		api.GET("/blockings/:agent", s.handleIsBlocked)

		api.POST("/subscriptions", writeLimit, s.handleSubscribe)
		api.DELETE("/subscriptions", writeLimit, s.handleUnsubscribe)
		api.GET("/subscriptions/:agent", s.handleListSubscriptions)

		api.GET("/registry", s.handleListRegistry)
		api.GET("/registry/:type", s.handleGetRegistryEntry)

		api.GET("/stats", s.handleStats)
		api.GET("/metrics", s.handleMetrics)
		api.GET("/cleanup/stats", s.handleCleanupStats)
		api.GET("/dashboard", s.handleDashboard)
	}
}
