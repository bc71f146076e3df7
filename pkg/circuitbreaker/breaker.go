// Package circuitbreaker guards calls to the broker and the policy store with
// sony/gobreaker, adding spans, an otel call counter and a state-change hook.
package circuitbreaker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Value maps a state to the gauge encoding 0=closed, 1=open, 2=half-open
func (s State) Value() float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Config holds circuit breaker configuration
type Config struct {
	Name string
	// MaxRequests is the number of trial calls let through while half-open
	MaxRequests uint32
	// Interval clears the closed-state counts; zero keeps them forever
	Interval time.Duration
	// Timeout is how long the breaker stays open before going half-open
	Timeout time.Duration
	// FailureThreshold trips the breaker on consecutive failures while
	// fewer than MinRequests calls have been counted
	FailureThreshold uint32
	// FailureRatio trips the breaker once MinRequests calls have been counted
	FailureRatio float64
	MinRequests  uint32
	// IsSuccessful marks errors that say nothing about the dependency's
	// health, e.g. a policy that fails validation. Nil means err == nil.
	IsSuccessful func(err error) bool
	// OnStateChange is called after every transition
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the settings used for the broker and the policy store
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.6,
		MinRequests:      10,
	}
}

// CircuitBreaker wraps gobreaker with tracing and metrics
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer
	calls  metric.Int64Counter
	state  atomic.Value
	hook   func(name string, from, to State)
}

// New creates a circuit breaker
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	calls, err := otel.Meter("circuit-breaker").Int64Counter("circuit_breaker_calls_total",
		metric.WithDescription("Calls through a circuit breaker, by outcome"))
	if err != nil {
		return nil, err
	}

	c := &CircuitBreaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
		calls:  calls,
		hook:   cfg.OnStateChange,
	}
	c.state.Store(StateClosed)

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.transition(mapState(from), mapState(to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || (cfg.IsSuccessful != nil && cfg.IsSuccessful(err))
		},
	})
	return c, nil
}

// Execute runs fn unless the breaker is open. Errors from fn are returned
// unchanged; a rejected call returns an error matching IsOpenError.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, c, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call is Execute for functions that produce a value
func Call[T any](ctx context.Context, c *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker.call",
		trace.WithAttributes(
			attribute.String("breaker", c.name),
			attribute.String("state", string(c.State())),
		))
	defer span.End()

	var out T
	_, err := c.cb.Execute(func() (interface{}, error) {
		v, err := fn(ctx)
		out = v
		return nil, err
	})

	outcome := "ok"
	switch {
	case err == nil:
	case IsOpenError(err):
		outcome = "rejected"
		span.SetAttributes(attribute.Bool("circuit_open", true))
	default:
		outcome = "error"
		span.RecordError(err)
	}
	c.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", c.name),
		attribute.String("outcome", outcome)))

	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// State returns the current state
func (c *CircuitBreaker) State() State {
	return c.state.Load().(State)
}

// IsOpen reports whether calls are currently being rejected
func (c *CircuitBreaker) IsOpen() bool {
	return c.State() == StateOpen
}

func (c *CircuitBreaker) transition(from, to State) {
	c.state.Store(to)
	c.logger.Warn("circuit breaker state changed",
		zap.String("breaker", c.name),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if c.hook != nil {
		c.hook(c.name, from, to)
	}
}

// IsOpenError reports whether err is a rejection by an open or saturated half-open breaker
func IsOpenError(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
