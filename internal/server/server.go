// Package server exposes the controller over a REST API and a websocket
// console.
package server

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ebarer/SmartLock/internal/activity"
	"github.com/ebarer/SmartLock/internal/app"
	"github.com/ebarer/SmartLock/internal/diagnostics"
	"github.com/ebarer/SmartLock/internal/proximity"
)

// Controller is the part of app.Controller the server drives.
type Controller interface {
	Snapshot() app.Snapshot
	Activity() []activity.Event
	Diagnostics() diagnostics.Report
	Execute(ctx context.Context, cmd app.Command) error
	SetThresholds(ctx context.Context, t proximity.Thresholds) error
}

// Options configure the listener.
type Options struct {
	Addr      string
	StaticDir string
	// JWTSecret enables bearer authentication on every route except health.
	JWTSecret string
	// CommandTimeout bounds how long a request waits for the loop.
	CommandTimeout time.Duration
}

// Server represents the API server
type Server struct {
	ctrl     Controller
	opts     Options
	auth     *JWTManager
	hub      *Hub
	router   chi.Router
	server   *http.Server
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// New creates a new API server
func New(ctrl Controller, opts Options) *Server {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Second
	}
	s := &Server{
		ctrl:     ctrl,
		opts:     opts,
		hub:      NewHub(),
		router:   chi.NewRouter(),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:   log.With().Str("component", "server").Logger(),
	}
	if opts.JWTSecret != "" {
		s.auth = NewJWTManager(opts.JWTSecret)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.HandleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/state", s.HandleState)
			r.Get("/activity", s.HandleActivity)
			r.Get("/diagnostics", s.HandleDiagnostics)
			r.Post("/lock", s.handleCommand(app.CmdLock))
			r.Post("/unlock", s.handleCommand(app.CmdUnlock))
			r.Post("/toggle", s.handleCommand(app.CmdToggle))
			r.Post("/discover", s.handleCommand(app.CmdDiscover))
			r.Post("/disconnect", s.handleCommand(app.CmdDisconnect))
			r.Put("/proximity", s.HandleProximity)
			r.Put("/thresholds", s.HandleThresholds)
		})
	})

	s.router.With(s.authMiddleware).Get("/ws", s.HandleWebSocket)
}

// handler serves the web UI for every path the router does not own.
func (s *Server) handler() http.Handler {
	dir := s.opts.StaticDir
	if dir == "" {
		return s.router
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		s.logger.Warn().Str("dir", dir).Msg("Web directory not found, Web UI will not be available")
		return s.router
	}
	s.logger.Info().Str("dir", dir).Msg("Serving Web UI from directory")

	files := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/ws" {
			s.router.ServeHTTP(w, r)
			return
		}
		if r.URL.Path == "/" || !strings.Contains(r.URL.Path, ".") {
			http.ServeFile(w, r, filepath.Join(dir, "index.html"))
			return
		}
		files.ServeHTTP(w, r)
	})
}

// Handler exposes the full handler for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.opts.Addr).Bool("auth", s.auth != nil).Msg("Starting API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.server.Shutdown(ctx)
}

// PublishState pushes a snapshot to websocket clients. It never blocks.
func (s *Server) PublishState(snap app.Snapshot) {
	s.hub.Broadcast(Event{Type: "state", Data: snap})
}

// PublishActivity pushes an activity event to websocket clients.
func (s *Server) PublishActivity(e activity.Event) {
	s.hub.Broadcast(Event{Type: "activity", Data: e})
}

// authMiddleware is the authentication middleware. Browsers cannot set
// headers on websocket upgrades, so a token query parameter is accepted too.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			next.ServeHTTP(w, r)
			return
		}

		token := r.URL.Query().Get("token")
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				respondError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}
			token = parts[1]
		}
		if token == "" {
			respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		if _, err := s.auth.ValidateToken(token); err != nil {
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("component", "server").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
