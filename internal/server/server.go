// Package server exposes an instance's topic tree, holds and runs over a
// small JSON API, and lets a caller trigger a run.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rednebmas/mem/internal/pipeline"
)

// Server is the mem HTTP API server for one instance.
type Server struct {
	inst    *pipeline.Instance
	router  chi.Router
	version string
	started time.Time
	logger  *zap.Logger
}

// New creates a Server for an instance.
func New(inst *pipeline.Instance, version string) *Server {
	logger := inst.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		inst:    inst,
		version: version,
		started: time.Now(),
		logger:  logger.Named("server"),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/document", s.handleDocument)
		r.Get("/tree", s.handleTree)
		r.Get("/topics", s.handleTopic)
		r.Get("/holds", s.handleHolds)
		r.Get("/runs", s.handleRuns)
		r.Post("/run", s.handleRun)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.inst.DB.PingContext(r.Context()); err != nil {
		dbOK = false
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"instance": s.inst.Config.Name,
		"version":  s.version,
		"uptime":   time.Since(s.started).Seconds(),
		"db":       dbOK,
		"db_path":  s.inst.DB.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
