package metrics

import (
	"context"
	"fmt"
	"rebalancer/internal/core"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rebalancer/internal/infrastructure/health"
)

// Server handles Prometheus metrics export and the health endpoint
type Server struct {
	port   int
	logger core.ILogger
	health *health.HealthManager
	srv    *http.Server
}

// NewServer creates a new metrics server
func NewServer(port int, hm *health.HealthManager, logger core.ILogger) *Server {
	return &Server{
		port:   port,
		health: hm,
		logger: logger.WithField("component", "metrics_server"),
	}
}

// Start starts the metrics HTTP server
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		s.logger.Info("Starting Prometheus metrics server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.health == nil {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
		return
	}

	report := s.health.Report()
	healthy, degraded := true, false
	for _, status := range report {
		if status.Healthy {
			continue
		}
		degraded = true
		if status.Severity == health.SeverityCritical {
			healthy = false
		}
	}

	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if !degraded {
		fmt.Fprintln(w, "ok")
		return
	}
	for _, status := range report {
		state := "ok"
		if !status.Healthy {
			state = "error: " + status.Detail
		}
		fmt.Fprintf(w, "%s [%s]: %s\n", status.Component, status.Severity, state)
	}
}

// Stop gracefully stops the metrics server
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")
	return s.srv.Shutdown(ctx)
}
