// Package app assembles the stores, services and telemetry every binary shares.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/vertical-pharmacy/rxcoverage/internal/config"
	"github.com/vertical-pharmacy/rxcoverage/internal/domain/coverage"
	"github.com/vertical-pharmacy/rxcoverage/internal/domain/partner"
	"github.com/vertical-pharmacy/rxcoverage/internal/infrastructure/redpanda"
	"github.com/vertical-pharmacy/rxcoverage/internal/observability/logging"
	"github.com/vertical-pharmacy/rxcoverage/internal/observability/metrics"
	"github.com/vertical-pharmacy/rxcoverage/internal/observability/tracing"
	"github.com/vertical-pharmacy/rxcoverage/pkg/idempotency"
)

// Stack is the wired dependency graph of one process
type Stack struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Pool     *pgxpool.Pool
	Partners *partner.Service
	Policies *coverage.Service

	tracer *tracing.Provider
}

// Telemetry builds the logger, tracer and metric registry for service
func Telemetry(ctx context.Context, cfg *config.Config, service string) (*Stack, error) {
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("service", service))

	traceCfg := tracing.DefaultConfig(service)
	traceCfg.Environment = cfg.Env
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Stack{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Metrics:  metrics.New(reg),
		tracer:   tp,
	}, nil
}

// New builds telemetry, then the stores and services selected by STORE_DRIVER
func New(ctx context.Context, cfg *config.Config, service string) (*Stack, error) {
	s, err := Telemetry(ctx, cfg, service)
	if err != nil {
		return nil, err
	}
	if err := s.openServices(ctx); err != nil {
		s.Close(ctx)
		return nil, err
	}
	return s, nil
}

// OpenPool connects to DATABASE_URL and pings it
func OpenPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = cfg.DBMaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func (s *Stack) openServices(ctx context.Context) error {
	cfg := s.Config
	format := partner.CodeFormat{Prefix: cfg.PatientCodePrefix, Width: cfg.PatientCodeWidth}

	var (
		partnerStore partner.Store
		policyStore  coverage.Store
		codes        partner.CodeAllocator
	)
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := OpenPool(ctx, cfg)
		if err != nil {
			return err
		}
		s.Pool = pool
		partnerStore = partner.NewPostgresStore(pool, s.Logger)
		policyStore = coverage.NewPostgresStore(pool, redpanda.TopicForEvent, s.Logger)
		codes = partner.NewSequenceAllocator(pool, format)
	default:
		partnerStore = partner.NewMemoryStore()
		policyStore = coverage.NewMemoryStore()
		codes = partner.NewCounterAllocator(format)
		s.Logger.Warn("using in-memory stores; data is lost on exit")
	}

	s.Partners = partner.NewService(partnerStore, codes, nil, s.Logger)
	s.Policies = coverage.NewService(policyStore, s.Partners, s.Logger,
		coverage.WithObserver(s.Metrics),
		coverage.WithDefaultCurrency(cfg.DefaultCurrency))
	s.Partners.SetCascade(s.Policies)
	return nil
}

// Inbox returns the idempotency store matching the store driver
func (s *Stack) Inbox() idempotency.Processor {
	cfg := idempotency.DefaultInboxConfig()
	cfg.IsTerminal = coverage.IsTerminal
	if s.Pool != nil {
		return idempotency.NewPostgresInbox(s.Pool, cfg, s.Logger)
	}
	return idempotency.NewMemoryInbox(cfg)
}

// Ping checks the database when one is configured
func (s *Stack) Ping(ctx context.Context) error {
	if s.Pool == nil {
		return nil
	}
	return s.Pool.Ping(ctx)
}

// Close flushes traces and releases connections
func (s *Stack) Close(ctx context.Context) {
	if s.tracer != nil {
		if err := s.tracer.Shutdown(ctx); err != nil {
			s.Logger.Warn("trace shutdown failed", zap.Error(err))
		}
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
	_ = s.Logger.Sync()
}
