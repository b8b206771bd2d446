package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dcm/dcm/internal/common/logger"
)

// Server exposes the hub over one WebSocket endpoint.
type Server struct {
	hub  *Hub
	log  *logger.Logger
	http *http.Server

	upgrader websocket.Upgrader
}

// NewServer builds the gateway HTTP server on the given port.
func NewServer(hub *Hub, port int, log *logger.Logger) *Server {
	s := &Server{
		hub: hub,
		log: log.WithFields(zap.String("component", "gateway_server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser dashboards connect cross-origin; token auth guards
			// the private channels.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	return s
}

// Start attaches the hub to the bus and serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	if err := s.hub.Run(ctx); err != nil {
		return fmt.Errorf("start gateway hub: %w", err)
	}
	s.log.Info("gateway listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown closes every client and stops accepting connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := newClient(uuid.New().String(), conn, s.hub, s.log)
	s.hub.register(client)

	go client.writePump()
	go client.readPump()
}
