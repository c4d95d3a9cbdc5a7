// Package server exposes the operational HTTP endpoints: prometheus metrics
// and a health check of the store.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ssvlabs/slashing-protector/logging"
)

const healthTimeout = 5 * time.Second

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Enabled bool   `yaml:"Enabled" env:"SP_METRICS_ENABLED" env-default:"true" env-description:"Whether to serve the metrics and health endpoints"`
	Address string `yaml:"Address" env:"SP_METRICS_ADDRESS" env-default:":9090" env-description:"Listen address of the metrics and health endpoints"`
}

type Server struct {
	logger   *zap.Logger
	addr     string
	gatherer prometheus.Gatherer
	checks   map[string]HealthChecker
}

func New(logger *zap.Logger, addr string, gatherer prometheus.Gatherer, checks map[string]HealthChecker) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		logger:   logger.Named(logging.NameMetricsHandler),
		addr:     addr,
		gatherer: gatherer,
		checks:   checks,
	}
}

func (s *Server) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
		s.gatherer,
		promhttp.HandlerOpts{
			// Opt into OpenMetrics to support exemplars.
			EnableOpenMetrics: true,
		},
	))
	router.Get("/health", s.handleHealth)
	return router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.addr,
		Handler:      s.routes(),
		ReadTimeout:  12 * time.Second,
		WriteTimeout: 12 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serving metrics and health", zap.String("addr", s.addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen to %s: %w", s.addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	var errs []string
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if len(errs) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string][]string{"errors": errs})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
