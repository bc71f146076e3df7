// Package settlement charges dispensations read from the broker against
// insurance policies, at most once per dispensation and policy.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vertical-pharmacy/rxcoverage/internal/domain/catalog"
	"github.com/vertical-pharmacy/rxcoverage/internal/domain/coverage"
	"github.com/vertical-pharmacy/rxcoverage/pkg/circuitbreaker"
	"github.com/vertical-pharmacy/rxcoverage/pkg/idempotency"
)

const handlerName = "settle-dispense"

// Request is one dispensation to charge against a policy
type Request struct {
	DispenseID      string           `json:"dispense_id"`
	PolicyID        uuid.UUID        `json:"policy_id"`
	Amount          decimal.Decimal  `json:"amount"`
	Category        catalog.Category `json:"category"`
	PrescriptionRef string           `json:"prescription_ref,omitempty"`
	AsOf            time.Time        `json:"as_of,omitempty"`
}

// Validate checks the request before any policy is touched
func (r *Request) Validate() error {
	if strings.TrimSpace(r.DispenseID) == "" {
		return &coverage.ValidationError{Field: "dispense_id", Message: "dispense id is required"}
	}
	if r.PolicyID == uuid.Nil {
		return &coverage.ValidationError{Field: "policy_id", Message: "policy id is required"}
	}
	category, err := catalog.Parse(string(r.Category))
	if err != nil {
		return &coverage.ValidationError{Field: "category", Message: err.Error()}
	}
	if catalog.RequiresPrescription(category) && strings.TrimSpace(r.PrescriptionRef) == "" {
		return &coverage.ValidationError{
			Field:   "prescription_ref",
			Message: fmt.Sprintf("%s products require a prescription", category),
		}
	}
	return nil
}

// Key is the idempotency key of the request
func (r *Request) Key() string {
	return idempotency.GenerateKey(r.DispenseID, r.PolicyID.String())
}

// Outcome is what a processed request produced
type Outcome struct {
	Split     coverage.CostSplit `json:"split"`
	Duplicate bool               `json:"-"`
}

// Settler records a charge against a policy
type Settler interface {
	Settle(ctx context.Context, in coverage.SettleInput) (*coverage.Settlement, error)
}

// Processor decodes, validates and settles requests
type Processor struct {
	settler Settler
	inbox   idempotency.Processor
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	tracer  trace.Tracer

	// OnDuplicate, when set, is called for every request skipped by the inbox
	OnDuplicate func()
}

// NewProcessor creates a processor. breaker may be nil.
func NewProcessor(settler Settler, inbox idempotency.Processor, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		settler: settler,
		inbox:   inbox,
		breaker: breaker,
		logger:  logger,
		tracer:  otel.Tracer("settlement"),
	}
}

// Permanent reports whether retrying err can never succeed
func Permanent(err error) bool {
	return coverage.IsTerminal(err) || errors.Is(err, idempotency.ErrPreviouslyFailed)
}

// Handle settles one encoded Request
func (p *Processor) Handle(ctx context.Context, payload []byte) (*Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "settle_dispense")
	defer span.End()

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		err = fmt.Errorf("%w: decode dispense request: %v", coverage.ErrInvalidArgument, err)
		return nil, fail(span, err)
	}
	if err := req.Validate(); err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(
		attribute.String("dispense_id", req.DispenseID),
		attribute.String("policy_id", req.PolicyID.String()),
	)

	res, err := p.inbox.Process(ctx, req.Key(), handlerName, payload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		settlement, err := p.settle(ctx, &req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(Outcome{Split: settlement.Split})
	})
	if err != nil {
		return nil, fail(span, err)
	}

	var out Outcome
	if err := json.Unmarshal(res.Result, &out); err != nil {
		return nil, fail(span, fmt.Errorf("decode stored outcome: %w", err))
	}
	out.Duplicate = !res.IsNew && !res.WasRecovered
	if out.Duplicate {
		span.SetAttributes(attribute.Bool("duplicate", true))
		if p.OnDuplicate != nil {
			p.OnDuplicate()
		}
		p.logger.Debug("dispense already settled", zap.String("dispense_id", req.DispenseID))
		return &out, nil
	}

	p.logger.Info("dispense settled",
		zap.String("dispense_id", req.DispenseID),
		zap.Stringer("policy_id", req.PolicyID),
		zap.String("patient_pays", out.Split.PatientPays.String()),
		zap.String("insurance_pays", out.Split.InsurancePays.String()),
		zap.String("reason", string(out.Split.Reason)))
	return &out, nil
}

func (p *Processor) settle(ctx context.Context, req *Request) (*coverage.Settlement, error) {
	in := coverage.SettleInput{
		PolicyID:   req.PolicyID,
		DispenseID: req.DispenseID,
		Amount:     req.Amount,
		AsOf:       req.AsOf,
	}
	if p.breaker == nil {
		return p.settler.Settle(ctx, in)
	}
	return circuitbreaker.Call(ctx, p.breaker, func(ctx context.Context) (*coverage.Settlement, error) {
		return p.settler.Settle(ctx, in)
	})
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
