// Package server exposes the HTTP trigger for extraction runs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shpitdev/order-extraction-pipeline/internal/pipeline"
	"github.com/shpitdev/order-extraction-pipeline/pkg/pipeline/redact"
	"go.uber.org/zap"
)

const (
	successMessage = "Orders processed successfully."
	healthTimeout  = 5 * time.Second
)

// Runner performs one extraction pass.
type Runner interface {
	Run(ctx context.Context) (pipeline.Summary, error)
}

// Pinger reports whether the record store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HTTPObserver interface {
	ObserveHTTP(route string, code int, d time.Duration)
}

type Options struct {
	Runner   Runner
	Health   Pinger
	Logger   *zap.Logger
	Observer HTTPObserver
	// Gatherer backs /metrics. The route is omitted when nil.
	Gatherer prometheus.Gatherer
}

// Server serializes runs: a trigger that arrives while a run is in flight waits
// for it to finish, then starts its own pass.
type Server struct {
	runner   Runner
	health   Pinger
	logger   *zap.Logger
	observer HTTPObserver
	gatherer prometheus.Gatherer

	runMu sync.Mutex
}

func New(opts Options) (*Server, error) {
	if opts.Runner == nil {
		return nil, errors.New("server: runner is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		runner:   opts.Runner,
		health:   opts.Health,
		logger:   logger,
		observer: opts.Observer,
		gatherer: opts.Gatherer,
	}, nil
}

// Trigger runs one pass, waiting for any in-flight pass first.
func (s *Server) Trigger(ctx context.Context) (pipeline.Summary, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.runner.Run(ctx)
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(accessLog(s.logger, s.observer))
		r.Use(recoverer(s.logger))

		r.Get("/process-orders", s.handleProcess)
		r.Post("/process-orders", s.handleProcess)
	})
	return r
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	// A client that disconnects or times out does not stop the batch.
	summary, err := s.Trigger(context.WithoutCancel(r.Context()))
	if err != nil {
		msg := redact.Secrets(err.Error())
		s.logger.Error("run failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("error", msg),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": msg})
		return
	}

	s.logger.Info("run triggered",
		zap.String("request_id", RequestID(r.Context())),
		zap.String("run_id", summary.RunID),
		zap.Int("processed", summary.Processed),
		zap.Int("failed", summary.Failed),
	)
	writeJSON(w, http.StatusOK, map[string]string{"message": successMessage})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := s.health.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  redact.Secrets(err.Error()),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "connected"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
