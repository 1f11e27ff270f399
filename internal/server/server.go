// Package server exposes the HTTP surface: health, the webhook trigger,
// chat event callbacks, a small task API, and the live WebSocket feed.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/uesteibar/dispatchd/internal/dispatcher"
	"github.com/uesteibar/dispatchd/internal/store"
)

// ServiceName appears in the health response.
const ServiceName = "dispatchd"

// Config holds server configuration.
type Config struct {
	// Dispatcher handles trigger, chat, and cancel requests.
	Dispatcher *dispatcher.Dispatcher
	// Store backs the read-only task API.
	Store *store.Store
	// Hub is the WebSocket hub for real-time updates. When non-nil, the
	// /api/ws endpoint is registered.
	Hub *Hub
	// Reply posts command replies back into a conversation. Optional;
	// without it projects/logs/help responses are dropped.
	Reply  func(ctx context.Context, channel, thread, text string) error
	Logger *slog.Logger
}

// Server wraps the dispatchd HTTP server.
type Server struct {
	router   chi.Router
	listener net.Listener
}

// New creates a Server bound to the given address (e.g. "127.0.0.1:8745").
// It does not start serving; call Serve() for that.
func New(addr string, cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	api := &apiHandler{
		dispatcher: cfg.Dispatcher,
		store:      cfg.Store,
		startAt:    time.Now(),
		logger:     logger,
		reply:      cfg.Reply,
	}

	r.Get("/health", api.handleHealth)
	r.Post("/trigger", api.handleTrigger)
	r.Post("/chat/events", api.handleChatEvent)
	r.Post("/chat/interactive", api.handleChatInteractive)
	r.Get("/api/tasks", api.handleListTasks)
	r.Get("/api/tasks/{id}", api.handleGetTask)
	r.Post("/api/tasks/{id}/cancel", api.handleCancelTask)
	if cfg.Hub != nil {
		r.Get("/api/ws", cfg.Hub.ServeWS)
	}

	return &Server{router: r, listener: ln}, nil
}

// Addr returns the listener's address (useful when binding to :0 in tests).
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve starts accepting connections. It blocks until the listener is closed.
func (s *Server) Serve() error {
	return http.Serve(s.listener, s.router)
}

// Close shuts down the listener.
func (s *Server) Close() error {
	return s.listener.Close()
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		})
	}
}
