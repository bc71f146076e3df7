// Package main provides the outbox relay entry point.
// Publishes committed policy events from the outbox table to the broker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vertical-pharmacy/rxcoverage/internal/api/handlers"
	"github.com/vertical-pharmacy/rxcoverage/internal/app"
	"github.com/vertical-pharmacy/rxcoverage/internal/config"
	"github.com/vertical-pharmacy/rxcoverage/internal/infrastructure/postgres"
	"github.com/vertical-pharmacy/rxcoverage/internal/infrastructure/redpanda"
	"github.com/vertical-pharmacy/rxcoverage/pkg/circuitbreaker"
)

const serviceName = "outbox-relay"

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	ctx := context.Background()
	stack, err := app.Telemetry(ctx, cfg, serviceName)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	defer stack.Close(context.Background())
	logger := stack.Logger
	m := stack.Metrics

	if cfg.StoreDriver != config.DriverPostgres {
		logger.Fatal("the outbox relay needs STORE_DRIVER=postgres")
	}
	pool, err := app.OpenPool(ctx, cfg)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	stack.Pool = pool
	logger.Info("connected to database")

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx, cfg.TopicReplication); err != nil {
		logger.Fatal("topic setup failed", zap.Error(err))
	}
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producerCfg.ClientID = serviceName
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	producer.OnProduced = m.Produced

	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	breakerCfg := circuitbreaker.DefaultConfig("broker")
	breakerCfg.OnStateChange = m.BreakerStateChanged
	breaker, err := circuitbreaker.New(breakerCfg, logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outboxCfg.Pause = circuitbreaker.IsOpenError
	outbox := postgres.NewOutbox(pool, &guardedPublisher{producer: producer, breaker: breaker}, outboxCfg, logger)
	outbox.OnPending = m.SetOutboxPending
	outbox.Start()
	logger.Info("outbox relay started")

	opsServer := stack.ServeOps(handlers.Check{Name: "broker", Probe: producer.Ping})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	outbox.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := producer.Flush(shutdownCtx); err != nil {
		logger.Warn("producer flush failed", zap.Error(err))
	}
	_ = opsServer.Shutdown(shutdownCtx)
	logger.Info("outbox relay stopped")
}

// guardedPublisher stops hammering the broker while it is down; the outbox
// keeps the entries and retries them on a later poll
type guardedPublisher struct {
	producer *redpanda.Producer
	breaker  *circuitbreaker.CircuitBreaker
}

func (p *guardedPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	return p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.producer.Publish(ctx, topic, key, value)
	})
}
