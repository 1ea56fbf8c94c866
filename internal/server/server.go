/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server exposes the jukebox over HTTP: ops endpoints (liveness,
// readiness, Prometheus metrics, recent logs) and the queue and transport
// commands.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_jukebox/internal/logbuffer"
	"github.com/friendsincode/grimnir_jukebox/internal/models"
	"github.com/friendsincode/grimnir_jukebox/internal/queue"
	"github.com/friendsincode/grimnir_jukebox/internal/result"
	"github.com/friendsincode/grimnir_jukebox/internal/supervisor"
	"github.com/friendsincode/grimnir_jukebox/internal/telemetry"
	"github.com/friendsincode/grimnir_jukebox/internal/version"
)

const readyCacheTTL = 30 * time.Second

// Processes is the supervisor view the ops server reports on.
type Processes interface {
	Healthy() bool
	PlayerInfo() (models.ProcessInfo, bool)
	CheckDependencies(ctx context.Context) ([]supervisor.DependencyInfo, error)
}

// Playback is the orchestrator surface: state plus transport commands.
type Playback interface {
	CurrentState() models.PlaybackState
	Start(ctx context.Context) result.Result[models.PlaybackState]
	Stop(ctx context.Context) result.Result[models.PlaybackState]
	Pause(ctx context.Context) result.Result[models.PlaybackState]
	Resume(ctx context.Context) result.Result[models.PlaybackState]
	Skip(ctx context.Context) result.Result[models.PlaybackState]
	SetVolume(ctx context.Context, volume int) result.Result[models.PlaybackState]
}

// Queue is the admission-checked queue surface.
type Queue interface {
	State() queue.State
	AddTrack(track models.Track, user models.User) result.Result[*models.QueueEntry]
	Clear()
}

// Deps are the components behind the endpoints. Logs may be nil.
type Deps struct {
	Processes Processes
	Playback  Playback
	Queue     Queue
	Logs      *logbuffer.Buffer
}

// Server bundles the ops router and its HTTP server.
type Server struct {
	deps       Deps
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server

	readyMu   sync.Mutex
	readyErr  error
	readyDeps []supervisor.DependencyInfo
	readyAt   time.Time
	now       func() time.Time
}

// New builds the router. addr is host:port.
func New(addr string, deps Deps, logger zerolog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("grimnir-jukebox-ops"))
	router.Use(telemetry.MetricsMiddleware)
	router.Use(middleware.Timeout(15 * time.Second))

	s := &Server{
		deps:   deps,
		logger: logger.With().Str("component", "ops_server").Logger(),
		router: router,
		now:    time.Now,
	}
	s.configureRoutes()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server { return s.httpServer }

// ListenAndServe serves until Shutdown. http.ErrServerClosed is not an error.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("ops server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleReady)
	s.router.Handle("/metrics", telemetry.Handler())
	s.router.Get("/state", s.handleState)
	s.router.Get("/logs", s.handleLogs)
	s.router.Route("/queue", func(r chi.Router) {
		r.Get("/", s.handleQueue)
		r.Post("/", s.handleEnqueue)
		r.Delete("/", s.handleClearQueue)
	})
	s.router.Route("/playback", func(r chi.Router) {
		r.Post("/{action}", s.handlePlaybackAction)
		r.Put("/volume", s.handleVolume)
	})
	s.router.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, version.Get())
	})
}

type healthResponse struct {
	Status string              `json:"status"`
	Player *models.ProcessInfo `json:"player,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if info, ok := s.deps.Processes.PlayerInfo(); ok {
		resp.Player = &info
	}
	if !s.deps.Processes.Healthy() {
		resp.Status = "degraded"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type readyResponse struct {
	Ready        bool                        `json:"ready"`
	Error        string                      `json:"error,omitempty"`
	Dependencies []supervisor.DependencyInfo `json:"dependencies,omitempty"`
}

// handleReady runs the dependency probe at most once per readyCacheTTL.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.readyMu.Lock()
	if s.readyAt.IsZero() || s.now().Sub(s.readyAt) > readyCacheTTL {
		s.readyDeps, s.readyErr = s.deps.Processes.CheckDependencies(r.Context())
		s.readyAt = s.now()
	}
	deps, err := s.readyDeps, s.readyErr
	s.readyMu.Unlock()

	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, readyResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, readyResponse{Ready: true, Dependencies: deps})
}

type stateResponse struct {
	Playback models.PlaybackState `json:"playback"`
	Queue    queue.State          `json:"queue"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse{
		Playback: s.deps.Playback.CurrentState(),
		Queue:    s.deps.Queue.State(),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		writeJSON(w, http.StatusOK, []logbuffer.LogEntry{})
		return
	}
	q := r.URL.Query()
	params := logbuffer.QueryParams{
		Level:      q.Get("level"),
		Component:  q.Get("component"),
		Search:     q.Get("search"),
		Limit:      200,
		Descending: true,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		params.Limit = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be RFC3339"})
			return
		}
		params.Since = t
	}
	entries := s.deps.Logs.Query(params)
	if entries == nil {
		entries = []logbuffer.LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
