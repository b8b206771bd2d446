// Package main is the DCM core entry point: one process serving the REST
// API, the real-time gateway, the notify relay, and the background loops.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dcm/dcm/internal/api"
	"github.com/dcm/dcm/internal/auth"
	"github.com/dcm/dcm/internal/cleanup"
	"github.com/dcm/dcm/internal/common/config"
	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/common/tracing"
	"github.com/dcm/dcm/internal/events"
	"github.com/dcm/dcm/internal/gateway"
	"github.com/dcm/dcm/internal/routing"
	"github.com/dcm/dcm/internal/service"
	"github.com/dcm/dcm/internal/store/postgres"
	"github.com/dcm/dcm/internal/wave"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	devMode := !config.Production()
	if devMode && cfg.Auth.Secret == "dev-secret-change-in-production" {
		log.Warn("running with the placeholder auth secret; tokens are not secure")
	}

	log.Info("starting dcm core")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store. Migrations run inside Open.
	st, err := postgres.Open(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns, log)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	// Event bus: NATS when configured, in-memory otherwise.
	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("event bus", zap.Error(err))
	}
	defer closeBus()
	eventBus := provided.Bus

	// Notify relay: LISTEN dcm_events, republish on the bus.
	listener := events.NewListener(cfg.Database.DSN(), eventBus, log)
	listener.Start(ctx)

	metricsPub := events.NewMetricsPublisher(st, eventBus, log)
	metricsPub.Start(ctx)

	// Domain services.
	issuer := auth.NewTokenIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTLDuration())
	projects := service.NewProjectService(st, log)
	requests := service.NewRequestService(st, log)
	taskLists := service.NewTaskListService(st, log)
	subtasks := service.NewSubtaskService(st, log)
	actions := service.NewActionService(st, log)
	sessions := service.NewSessionService(st, log)
	messages := service.NewMessageService(st, cfg.Messages, log)
	contexts := service.NewContextService(st, log)
	blockings := service.NewBlockingService(st, log)
	capacity := service.NewCapacityService(st, log)
	subscriptions := service.NewSubscriptionService(st, log)
	batches := service.NewBatchService(st, log)

	registry, err := service.LoadRegistry(cfg.Registry.CatalogPath, log)
	if err != nil {
		log.Fatal("agent registry", zap.Error(err))
	}

	waves := wave.NewController(st, log)
	subtasks.SetWaveCompleter(waves)

	router := routing.NewEngine(st, log)

	sweeper := cleanup.NewService(st, cfg.Cleanup, log)
	sweeper.Start(ctx)

	// Real-time gateway.
	hub := gateway.NewHub(st, eventBus, issuer, cfg.Gateway, devMode, log)
	gwServer := gateway.NewServer(hub, cfg.Gateway.Port, log)
	go func() {
		if err := gwServer.Start(ctx); err != nil {
			log.Fatal("gateway server", zap.Error(err))
		}
	}()

	// REST API.
	apiServer := api.NewServer(cfg.API, api.Deps{
		Store:         st,
		Projects:      projects,
		Requests:      requests,
		TaskLists:     taskLists,
		Subtasks:      subtasks,
		Actions:       actions,
		Sessions:      sessions,
		Messages:      messages,
		Contexts:      contexts,
		Blockings:     blockings,
		Capacity:      capacity,
		Subscriptions: subscriptions,
		Batches:       batches,
		Registry:      registry,
		Waves:         waves,
		Routing:       router,
		Cleanup:       sweeper,
		Issuer:        issuer,
	}, log)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Fatal("api server", zap.Error(err))
		}
	}()

	log.Info("dcm core ready",
		zap.Int("api_port", cfg.API.Port),
		zap.Int("gateway_port", cfg.Gateway.Port))

	// Wait for shutdown signal.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	// Shutdown order: stop the background loops, detach the notify relay,
	// close client connections, drain HTTP, then the deferred store close.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	sweeper.Stop()
	metricsPub.Stop()
	listener.Stop()

	if err := gwServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("gateway shutdown", zap.Error(err))
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}
	cancel()
	log.Info("dcm core stopped")
}
