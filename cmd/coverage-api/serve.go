package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vertical-pharmacy/rxcoverage/internal/api/handlers"
	"github.com/vertical-pharmacy/rxcoverage/internal/api/middleware"
	"github.com/vertical-pharmacy/rxcoverage/internal/app"
	"github.com/vertical-pharmacy/rxcoverage/internal/config"
	"github.com/vertical-pharmacy/rxcoverage/internal/observability/metrics"
)

const serviceName = "coverage-api"

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func runServer(cfg *config.Config) error {
	ctx := context.Background()
	stack, err := app.New(ctx, cfg, serviceName)
	if err != nil {
		return err
	}
	defer stack.Close(context.Background())
	logger := stack.Logger

	limiter := middleware.NewClientRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	pruneCtx, stopPrune := context.WithCancel(ctx)
	defer stopPrune()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-pruneCtx.Done():
				return
			case <-ticker.C:
				limiter.Prune()
			}
		}
	}()

	health := handlers.NewHealth(handlers.Check{Name: "database", Probe: stack.Ping})

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics(stack.Metrics.ObserveRequest))

	r.Get("/health", health.Live)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", metrics.Handler(stack.Registry))

	r.Route("/api/v1", func(r chi.Router) {
		auth := middleware.AuthConfig{APIKeys: cfg.APIKeys, JWTSecret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer}
		if auth.Enabled() {
			r.Use(middleware.Authenticate(auth))
		} else {
			logger.Warn("no API_KEYS or JWT_SECRET configured; the API is unauthenticated")
		}
		r.Use(limiter.Middleware)
		r.Mount("/partners", handlers.NewPartnerHandler(stack.Partners, logger).Routes())
		r.Mount("/policies", handlers.NewPolicyHandler(stack.Policies, stack.Partners, logger).Routes())
		r.Mount("/categories", handlers.CatalogHandler{}.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting coverage API",
			zap.String("port", cfg.Port),
			zap.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}
