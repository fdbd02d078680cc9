package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/selfheal/internal/core/domain"
	"github.com/vietddude/selfheal/internal/healing/safety"
)

// Submitter runs a failure event through the pipeline.
type Submitter interface {
	Submit(ctx context.Context, ev domain.FailureEvent) (*safety.Outcome, error)
}

// BreakerAdmin lists and resets breakers.
type BreakerAdmin interface {
	BreakerLister
	Reset(ctx context.Context, pattern domain.PatternID) error
}

// Server provides HTTP endpoints for health, metrics and event intake.
type Server struct {
	monitor   *Monitor
	submitter Submitter
	breakers  BreakerAdmin
	server    *http.Server
}

// NewServer creates a new health server.
func NewServer(monitor *Monitor, submitter Submitter, breakers BreakerAdmin, port int) *Server {
	s := &Server{
		monitor:   monitor,
		submitter: submitter,
		breakers:  breakers,
	}
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Handler(),
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleDetailed)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /v1/events", s.handleEvent)
	mux.HandleFunc("GET /v1/breakers", s.handleBreakers)
	mux.HandleFunc("POST /v1/breakers/{pattern}/reset", s.handleBreakerReset)
	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())
	code := http.StatusOK
	if report.SystemStatus == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(report.SystemStatus)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.CheckHealth(r.Context()))
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.FailureEvent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid event: %w", err))
		return
	}
	if ev.RawSignal == "" {
		writeError(w, http.StatusBadRequest, errors.New("raw_signal is required"))
		return
	}
	if ev.EnvironmentFingerprint == "" {
		writeError(w, http.StatusBadRequest, errors.New("environment_fingerprint is required"))
		return
	}
	if ev.Trigger == "" {
		ev.Trigger = domain.TriggerManual
	}

	out, err := s.submitter.Submit(r.Context(), ev)
	switch {
	case errors.Is(err, domain.ErrIntakeThrottled):
		writeError(w, http.StatusTooManyRequests, err)
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.monitor.Invalidate()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	states, err := s.breakers.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	pattern := domain.PatternID(r.PathValue("pattern"))
	if !pattern.Automatable() {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown pattern %q", pattern))
		return
	}
	if err := s.breakers.Reset(r.Context(), pattern); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.monitor.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}
