// Package api serves the orchestrator's operational HTTP endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"thread-orchestrator/internal/deploy"
	"thread-orchestrator/internal/logging"
	"thread-orchestrator/internal/models"
	"thread-orchestrator/internal/queue"
	"thread-orchestrator/internal/telemetry"
)

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DepthReader reports queue depth.
type DepthReader interface {
	Depth(ctx context.Context, name string) (queue.Depth, error)
}

// Fleet is the part of the deployment manager operators can drive.
type Fleet interface {
	ScaleDeployment(ctx context.Context, name string, replicas int32) error
	ListWorkers(ctx context.Context) ([]deploy.Worker, error)
}

// Server wires HTTP handlers for operators.
type Server struct {
	db           Pinger
	queue        DepthReader
	fleet        Fleet
	inboundQueue string
	running      atomic.Bool
	logger       *logrus.Entry
}

// New constructs the API server. It reports not running until SetRunning(true).
func New(db Pinger, q DepthReader, fleet Fleet, inboundQueue string, logger logrus.FieldLogger) *Server {
	return &Server{
		db:           db,
		queue:        q,
		fleet:        fleet,
		inboundQueue: inboundQueue,
		logger:       logging.Component(logger, "api"),
	}
}

// SetRunning flips the liveness flag reported by /health.
func (s *Server) SetRunning(running bool) {
	s.running.Store(running)
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/stats", s.handleStats)
	r.Get("/workers", s.handleWorkers)
	r.Post("/scale/{deploymentName}/{replicas}", s.handleScale)
	r.Mount("/metrics", telemetry.Handler())
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	running := s.running.Load()
	code := http.StatusOK
	if !running {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]bool{"running": running})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.logger.WithError(err).Warn("readiness probe failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context(), s.inboundQueue)
	if err != nil {
		s.logger.WithError(err).Error("failed to read queue depth")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	telemetry.InboundDepthGauge.Set(float64(depth.Queued))
	writeJSON(w, http.StatusOK, depth)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.fleet.ListWorkers(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(workers), "workers": workers})
}

type scaleRequest struct {
	RequestedBy string `json:"requestedBy"`
	Reason      string `json:"reason"`
}

func (s *Server) handleScale(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "deploymentName")
	if !strings.HasPrefix(name, models.DeploymentPrefix) {
		http.Error(w, "deployment name must start with "+models.DeploymentPrefix, http.StatusBadRequest)
		return
	}
	replicas, err := strconv.Atoi(chi.URLParam(r, "replicas"))
	if err != nil || (replicas != 0 && replicas != 1) {
		http.Error(w, "replicas must be 0 or 1", http.StatusBadRequest)
		return
	}

	var req scaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	log := s.logger.WithFields(logrus.Fields{
		"deployment":   name,
		"replicas":     replicas,
		"requested_by": req.RequestedBy,
		"reason":       req.Reason,
	})
	if err := s.fleet.ScaleDeployment(r.Context(), name, int32(replicas)); err != nil {
		log.WithError(err).Error("manual scale failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	log.Info("manual scale applied")
	writeJSON(w, http.StatusOK, map[string]any{"deployment": name, "replicas": replicas})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
