package app

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vertical-pharmacy/rxcoverage/internal/api/handlers"
	"github.com/vertical-pharmacy/rxcoverage/internal/observability/metrics"
)

// OpsRouter serves /health, /ready and /metrics for the background workers
func (s *Stack) OpsRouter(checks ...handlers.Check) http.Handler {
	health := handlers.NewHealth(append([]handlers.Check{{Name: "database", Probe: s.Ping}}, checks...)...)
	r := chi.NewRouter()
	r.Get("/health", health.Live)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", metrics.Handler(s.Registry))
	return r
}

// ServeOps starts the ops server on the configured port and returns it for shutdown
func (s *Stack) ServeOps(checks ...handlers.Check) *http.Server {
	server := &http.Server{
		Addr:              ":" + s.Config.Port,
		Handler:           s.OpsRouter(checks...),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error("ops server failed", zap.Error(err))
		}
	}()
	return server
}
