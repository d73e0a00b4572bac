// Package exporter serves bus metrics and process probes over plain HTTP,
// separate from the API listener so scrapes keep working when the API is
// disabled or saturated.
package exporter

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/signalbus/internal/constants"
)

// Check reports whether a dependency of the bus can serve traffic.
type Check func(ctx context.Context) error

type namedCheck struct {
	name  string
	check Check
}

// Server exposes /metrics, /healthz and /readyz.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	ready      atomic.Bool

	mu     sync.RWMutex
	checks []namedCheck
}

// New creates an exporter serving metrics from gatherer. A nil gatherer
// serves the default registry.
func New(addr string, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{logger: logger.Named("exporter")}

	mux := http.NewServeMux()
	mux.Handle(constants.PathMetrics, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(s.logger),
	}))
	mux.HandleFunc(constants.PathHealthz, s.handleHealthz)
	mux.HandleFunc(constants.PathReadyz, s.handleReadyz)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  constants.HTTPReadTimeout,
		WriteTimeout: constants.HTTPWriteTimeout,
		IdleTimeout:  constants.HTTPIdleTimeout,
	}
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// SetReady marks startup as finished. /readyz still fails while any
// registered check fails.
func (s *Server) SetReady() {
	s.ready.Store(true)
}

// AddCheck registers a readiness check. Checks run in registration order
// on every /readyz request.
func (s *Server) AddCheck(name string, check Check) {
	s.mu.Lock()
	s.checks = append(s.checks, namedCheck{name: name, check: check})
	s.mu.Unlock()
}

// Ready runs the readiness checks and returns the first failure.
func (s *Server) Ready(ctx context.Context) error {
	if !s.ready.Load() {
		return fmt.Errorf("starting")
	}
	s.mu.RLock()
	checks := s.checks
	s.mu.RUnlock()

	for _, c := range checks {
		if err := c.check(ctx); err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
	}
	return nil
}

// Run starts the HTTP server. It blocks until the context is cancelled
// or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting metrics exporter",
		zap.String("addr", s.httpServer.Addr),
		zap.String("metrics_path", constants.PathMetrics))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ExporterShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("metrics exporter shutdown error", zap.Error(err))
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics exporter on %s: %w", s.httpServer.Addr, err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), constants.ReadyCheckTimeout)
	defer cancel()

	if err := s.Ready(ctx); err != nil {
		s.logger.Debug("readiness check failed", zap.Error(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "not ready: %v\n", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}
