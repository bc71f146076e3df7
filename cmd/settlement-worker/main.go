// Package main provides the settlement worker entry point.
// Consumes dispense requests and charges them against insurance policies.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vertical-pharmacy/rxcoverage/internal/api/handlers"
	"github.com/vertical-pharmacy/rxcoverage/internal/app"
	"github.com/vertical-pharmacy/rxcoverage/internal/config"
	"github.com/vertical-pharmacy/rxcoverage/internal/domain/coverage"
	"github.com/vertical-pharmacy/rxcoverage/internal/infrastructure/redpanda"
	"github.com/vertical-pharmacy/rxcoverage/internal/observability/metrics"
	"github.com/vertical-pharmacy/rxcoverage/internal/settlement"
	"github.com/vertical-pharmacy/rxcoverage/pkg/circuitbreaker"
	"github.com/vertical-pharmacy/rxcoverage/pkg/idempotency"
	"github.com/vertical-pharmacy/rxcoverage/pkg/workerpool"
)

const serviceName = "settlement-worker"

var errQueueSaturated = errors.New("settlement queue is saturated")

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	ctx := context.Background()
	stack, err := app.New(ctx, cfg, serviceName)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	defer stack.Close(context.Background())
	logger := stack.Logger
	m := stack.Metrics

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()
	if err := admin.EnsureTopics(ctx, cfg.TopicReplication); err != nil {
		logger.Fatal("topic setup failed", zap.Error(err))
	}

	// Dead letters go straight to the broker, not through the outbox
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producerCfg.ClientID = serviceName
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	producer.OnProduced = m.Produced

	breakerCfg := circuitbreaker.DefaultConfig("policy-store")
	breakerCfg.IsSuccessful = coverage.IsTerminal
	breakerCfg.OnStateChange = m.BreakerStateChanged
	breaker, err := circuitbreaker.New(breakerCfg, logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	inbox := stack.Inbox()
	if pg, ok := inbox.(*idempotency.PostgresInbox); ok {
		pg.StartCleanup()
		defer pg.Stop()
	}

	processor := settlement.NewProcessor(stack.Policies, inbox, breaker, logger)
	processor.OnDuplicate = m.InboxDuplicates.Inc

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.SettlementWorkers
	poolCfg.ShouldRetry = func(err error) bool {
		return !settlement.Permanent(err) && !circuitbreaker.IsOpenError(err)
	}
	workers, err := workerpool.New(poolCfg, func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		out, err := processor.Handle(ctx, task.Payload.([]byte))
		if err != nil {
			return &workerpool.Result{TaskID: task.ID, Error: err}
		}
		return &workerpool.Result{TaskID: task.ID, Success: true, Data: out}
	}, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	workers.Start()
	defer workers.Stop()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.SettlementGroupID
	consumerCfg.Topics = []string{redpanda.TopicDispenseRequests}

	consumer, err := redpanda.NewConsumer(consumerCfg,
		func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
			res, err := workers.SubmitWait(ctx, &workerpool.Task{
				ID:      string(msg.Key),
				Payload: msg.Value,
				Context: ctx,
			})
			if err == nil {
				err = res.Error
			}
			m.Consumed(msg.Topic, err)
			return err
		},
		func(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) {
			record, err := settlement.NewDeadLetter(msg.Topic, msg.Partition, msg.Offset, msg.Value, cause)
			if err != nil {
				logger.Error("dead letter encoding failed", zap.Error(err))
				return
			}
			if err := producer.Publish(ctx, redpanda.TopicDeadLetter, string(msg.Key), record); err != nil {
				logger.Error("dead letter publish failed",
					zap.String("topic", msg.Topic),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
			}
		},
		logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	lagCtx, stopLag := context.WithCancel(ctx)
	defer stopLag()
	go watchLag(lagCtx, admin, cfg.SettlementGroupID, m, logger)

	opsServer := stack.ServeOps(
		handlers.Check{Name: "broker", Probe: consumer.Ping},
		handlers.Check{Name: "workers", Probe: func(context.Context) error {
			if !workers.IsHealthy() {
				return errQueueSaturated
			}
			return nil
		}},
	)

	logger.Info("settlement worker started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.SettlementGroupID),
		zap.Int("workers", cfg.SettlementWorkers))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		logger.Warn("consumer stop failed", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = opsServer.Shutdown(shutdownCtx)
	logger.Info("settlement worker stopped")
}

func watchLag(ctx context.Context, admin *redpanda.Admin, group string, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag, err := admin.GroupLag(ctx, group)
			if err != nil {
				logger.Debug("lag query failed", zap.Error(err))
				continue
			}
			m.ConsumerLag.Set(float64(redpanda.SumLag(lag)))
		}
	}
}
