// Package http exposes the fleet engine over a JSON API. It is thin glue:
// every route maps 1:1 onto an engine operation, and all migration outcomes
// travel as MigrationResult payloads exactly as the library returns them.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wpeva/undetect-fleet/internal/logging"
	"github.com/wpeva/undetect-fleet/pkg/domain"

	fleet "github.com/wpeva/undetect-fleet"
)

// Server wraps the engine with HTTP handlers.
type Server struct {
	engine *fleet.Engine
	logger *slog.Logger
}

// Option configures the handler.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewHandler builds the HTTP handler for the engine. When gatherer is
// non-nil a /metrics endpoint is mounted for it.
func NewHandler(engine *fleet.Engine, gatherer prometheus.Gatherer, opts ...Option) http.Handler {
	s := &Server{
		engine: engine,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.health)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.registerSession)
		r.Get("/{id}", s.getSession)
		r.Delete("/{id}", s.terminateSession)
		r.Post("/{id}/migrate", s.migrateSession)
		r.Post("/{id}/suspend", s.suspendSession)
		r.Post("/{id}/resume", s.resumeSession)
	})
	r.Post("/migrations/batch", s.batchMigrate)
	r.Post("/regions/{region}/evacuate", s.evacuateRegion)
	r.Get("/stats", s.getStatistics)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) registerSession(w http.ResponseWriter, r *http.Request) {
	var sess domain.Session
	if err := json.NewDecoder(r.Body).Decode(&sess); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.engine.RegisterSession(&sess); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, domain.ErrDuplicateSession) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	s.writeJSON(w, http.StatusCreated, &sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.engine.GetSession(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

// listSessions filters by the region or user query parameters. Exactly one
// filter is required; an unfiltered dump of the whole fleet is not exposed.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	region := r.URL.Query().Get("region")
	user := r.URL.Query().Get("user")

	var sessions []*domain.Session
	switch {
	case region != "":
		sessions = s.engine.SessionsByRegion(region)
	case user != "":
		sessions = s.engine.SessionsByUser(user)
	default:
		http.Error(w, "region or user query parameter required", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

type migrateRequest struct {
	TargetRegion string `json:"targetRegion"`
}

func (s *Server) migrateSession(w http.ResponseWriter, r *http.Request) {
	var body migrateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if body.TargetRegion == "" {
		http.Error(w, "targetRegion is required", http.StatusBadRequest)
		return
	}
	res := s.engine.MigrateSession(r.Context(), chi.URLParam(r, "id"), body.TargetRegion)
	s.writeJSON(w, http.StatusOK, res)
}

type batchMigrateRequest struct {
	SessionIDs   []string `json:"sessionIds"`
	TargetRegion string   `json:"targetRegion"`
}

func (s *Server) batchMigrate(w http.ResponseWriter, r *http.Request) {
	var body batchMigrateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if body.TargetRegion == "" {
		http.Error(w, "targetRegion is required", http.StatusBadRequest)
		return
	}
	results := s.engine.BatchMigrate(r.Context(), body.SessionIDs, body.TargetRegion)
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) evacuateRegion(w http.ResponseWriter, r *http.Request) {
	results := s.engine.EvacuateRegion(r.Context(), chi.URLParam(r, "region"))
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) terminateSession(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.TerminateSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) suspendSession(w http.ResponseWriter, r *http.Request) {
	s.setSessionState(w, r, s.engine.SuspendSession)
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	s.setSessionState(w, r, s.engine.ResumeSession)
}

func (s *Server) setSessionState(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error) {
	if err := op(r.Context(), chi.URLParam(r, "id")); err != nil {
		status := http.StatusConflict
		if errors.Is(err, domain.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getStatistics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Statistics())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "err", err)
	}
}
