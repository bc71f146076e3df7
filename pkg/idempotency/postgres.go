package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// PostgresInbox keeps idempotency keys in the inbox table
type PostgresInbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	cancel context.CancelFunc
	done   chan struct{}
}

var _ Processor = (*PostgresInbox)(nil)

// NewPostgresInbox creates an inbox over pool
func NewPostgresInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *PostgresInbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresInbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
	}
}

// claim is the outcome of trying to take a key
type claim struct {
	done      bool
	result    json.RawMessage
	isNew     bool
	recovered bool
}

// Process executes fn unless key was already handled
func (i *PostgresInbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	c, err := i.claim(ctx, key, handlerName, payload)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if c.done {
		span.SetAttributes(attribute.Bool("duplicate", true))
		return &ProcessResult{Result: c.result}, nil
	}
	span.SetAttributes(attribute.Bool("recovered", c.recovered))

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		if err := i.complete(ctx, key, i.config.statusFor(handlerErr), errorResult(handlerErr)); err != nil {
			i.logger.Error("failed to record handler failure", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	// The handler's side effects are committed; a lost FINISHED mark only
	// means the next delivery of the key runs the handler again.
	if err := i.complete(ctx, key, StatusFinished, result); err != nil {
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}
	return &ProcessResult{IsNew: c.isNew, WasRecovered: c.recovered, Result: result}, nil
}

// claim locks the key row and moves it to STARTED when it may run
func (i *PostgresInbox) claim(ctx context.Context, key, handlerName string, payload json.RawMessage) (claim, error) {
	var c claim
	err := pgx.BeginFunc(ctx, i.pool, func(tx pgx.Tx) error {
		var (
			status    Status
			result    json.RawMessage
			updatedAt time.Time
		)
		err := tx.QueryRow(ctx,
			`SELECT status, result, updated_at FROM inbox WHERE idempotency_key = $1 FOR UPDATE`,
			key).Scan(&status, &result, &updatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			tag, err := tx.Exec(ctx, `
				INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (idempotency_key) DO NOTHING`,
				key, handlerName, StatusStarted, payload, time.Now().Add(i.config.DefaultTTL))
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return ErrMessageInProgress
			}
			c.isNew = true
			return nil
		}
		if err != nil {
			return err
		}

		switch status {
		case StatusFinished:
			c.done, c.result = true, result
			return nil
		case StatusFailed:
			return fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if time.Since(updatedAt) <= i.config.RecoveryTimeout {
				return ErrMessageInProgress
			}
			i.logger.Warn("recovering abandoned inbox entry", zap.String("key", key), zap.Time("started", updatedAt))
		}
		c.recovered = true
		_, err = tx.Exec(ctx,
			`UPDATE inbox SET status = $1, updated_at = NOW() WHERE idempotency_key = $2`,
			StatusStarted, key)
		return err
	})
	if err != nil && !errors.Is(err, ErrMessageInProgress) && !errors.Is(err, ErrPreviouslyFailed) {
		return c, fmt.Errorf("claim inbox key: %w", err)
	}
	return c, err
}

func (i *PostgresInbox) complete(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx,
		`UPDATE inbox SET status = $1, result = $2, updated_at = NOW() WHERE idempotency_key = $3`,
		status, result, key)
	return err
}

// StartCleanup purges expired keys every CleanupInterval until Stop
func (i *PostgresInbox) StartCleanup() {
	ctx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel
	i.done = make(chan struct{})

	go func() {
		defer close(i.done)
		ticker := time.NewTicker(i.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := i.Cleanup(ctx)
				if err != nil {
					i.logger.Error("inbox cleanup failed", zap.Error(err))
				} else if n > 0 {
					i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
				}
			}
		}
	}()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop ends the cleanup loop started by StartCleanup
func (i *PostgresInbox) Stop() {
	if i.cancel == nil {
		return
	}
	i.cancel()
	<-i.done
}

// Cleanup deletes expired keys. Failed keys expire like any other.
func (i *PostgresInbox) Cleanup(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
