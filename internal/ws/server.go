// Package ws is the WebSocket transport: it upgrades HTTP requests, runs one
// read and one write goroutine per connection, and hands frames to the
// coordinator.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/pairpad/internal/registry"
)

// MessageHandler is the coordinator surface the transport drives.
type MessageHandler interface {
	Open(conn registry.Conn) error
	HandleMessage(ctx context.Context, connID string, data []byte) error
	HandleClose(ctx context.Context, connID string)
}

type Settings struct {
	SendBuffer        int
	MaxMessageSize    int64
	WriteWait         time.Duration
	PongWait          time.Duration
	MessagesPerSecond float64
	Burst             int
	MaxViolations     int
	// AllowedOrigins lists accepted Origin headers. Empty or "*" accepts all.
	AllowedOrigins []string
}

func DefaultSettings() Settings {
	return Settings{
		SendBuffer:        256,
		MaxMessageSize:    1024 * 1024,
		WriteWait:         10 * time.Second,
		PongWait:          60 * time.Second,
		MessagesPerSecond: 100,
		Burst:             200,
		MaxViolations:     1000,
	}
}

type Server struct {
	handler  MessageHandler
	settings Settings
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewServer(h MessageHandler, s Settings, logger *slog.Logger) *Server {
	srv := &Server{
		handler:  h,
		settings: s,
		logger:   logger.With(slog.String("component", "ws")),
	}
	srv.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     srv.checkOrigin,
	}
	return srv
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Upgrade failed", slog.Any("error", err))
		return
	}

	client := newClient(context.WithoutCancel(r.Context()), uuid.NewString(), conn, s.settings, s.logger)
	if err := s.handler.Open(client); err != nil {
		s.logger.Error("Failed to register connection", slog.Any("error", err))
		conn.Close()
		return
	}
	s.logger.Debug("Connection upgraded",
		slog.String("connID", client.ID()),
		slog.String("remoteAddr", r.RemoteAddr))

	go client.writePump()
	go client.readPump(s.handler)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.settings.AllowedOrigins) == 0 || slices.Contains(s.settings.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(s.settings.AllowedOrigins, origin)
}
