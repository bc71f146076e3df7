package coverage

import (
	"context"
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
)

// PartyDirectory answers whether the parties a policy references exist
type PartyDirectory interface {
	PatientExists(ctx context.Context, id uuid.UUID) (bool, error)
	InsurerExists(ctx context.Context, id uuid.UUID) (bool, error)
}

// Observer receives business measurements. Values are plain so metrics
// backends do not need to import this package.
type Observer interface {
	PolicyRegistered(level string)
	ValidationFailed(field string)
	CostSplit(reason string, patientPays, insurancePays float64, elapsed time.Duration)
	ChargeSettled(reason string, deductibleApplied float64)
}

type nopObserver struct{}

func (nopObserver) PolicyRegistered(string)                           {}
func (nopObserver) ValidationFailed(string)                           {}
func (nopObserver) CostSplit(string, float64, float64, time.Duration) {}
func (nopObserver) ChargeSettled(string, float64)                     {}

// Option configures a Service
type Option func(*Service)

// WithClock replaces time.Now. The clock is read on every call.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithObserver attaches a metrics observer
func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithDefaultCurrency sets the currency used when a registration omits one
func WithDefaultCurrency(code string) Option {
	return func(s *Service) { s.currency = strings.ToUpper(code) }
}

// Service is the record and validation layer around the cost-sharing engine
type Service struct {
	store    Store
	parties  PartyDirectory
	logger   *zap.Logger
	tracer   trace.Tracer
	observer Observer
	now      func() time.Time
	currency string
}

// NewService wires a Service. parties may be nil when references are enforced by the store.
func NewService(store Store, parties PartyDirectory, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:    store,
		parties:  parties,
		logger:   logger,
		tracer:   otel.Tracer("coverage-service"),
		observer: nopObserver{},
		now:      time.Now,
		currency: "MXN",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterInput is the data needed to register a patient's insurance
type RegisterInput struct {
	PatientID             uuid.UUID       `json:"patient_id"`
	InsurerID             uuid.UUID       `json:"insurer_id"`
	PolicyNumber          string          `json:"policy_number"`
	MemberID              string          `json:"member_id"`
	GroupNumber           string          `json:"group_number,omitempty"`
	PlanName              string          `json:"plan_name"`
	CoverageLevel         CoverageLevel   `json:"coverage_level,omitempty"`
	Active                *bool           `json:"active,omitempty"`
	StartDate             *time.Time      `json:"start_date,omitempty"`
	EndDate               *time.Time      `json:"end_date,omitempty"`
	CopayDefault          decimal.Decimal `json:"copay_default"`
	CoinsurancePercentage decimal.Decimal `json:"coinsurance_percentage"`
	AnnualDeductible      decimal.Decimal `json:"annual_deductible"`
	DeductibleMet         decimal.Decimal `json:"deductible_met"`
	Currency              string          `json:"currency,omitempty"`
	Notes                 string          `json:"notes,omitempty"`
}

// Register validates and stores a new policy
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Policy, error) {
	ctx, span := s.tracer.Start(ctx, "register_policy",
		trace.WithAttributes(
			attribute.String("patient_id", in.PatientID.String()),
			attribute.String("insurer_id", in.InsurerID.String()),
		))
	defer span.End()

	now := s.now().UTC()
	p := &Policy{
		ID:                    uuid.New(),
		PatientID:             in.PatientID,
		InsurerID:             in.InsurerID,
		PolicyNumber:          strings.TrimSpace(in.PolicyNumber),
		MemberID:              strings.TrimSpace(in.MemberID),
		GroupNumber:           strings.TrimSpace(in.GroupNumber),
		PlanName:              strings.TrimSpace(in.PlanName),
		CoverageLevel:         in.CoverageLevel,
		Active:                true,
		StartDate:             DateOf(now),
		CopayDefault:          in.CopayDefault,
		CoinsurancePercentage: in.CoinsurancePercentage,
		AnnualDeductible:      in.AnnualDeductible,
		DeductibleMet:         in.DeductibleMet,
		Currency:              strings.ToUpper(strings.TrimSpace(in.Currency)),
		Notes:                 in.Notes,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if p.CoverageLevel == "" {
		p.CoverageLevel = LevelBasic
	}
	if in.Active != nil {
		p.Active = *in.Active
	}
	if in.StartDate != nil {
		p.StartDate = DateOf(*in.StartDate)
	}
	if in.EndDate != nil {
		end := DateOf(*in.EndDate)
		p.EndDate = &end
	}
	if p.Currency == "" {
		p.Currency = s.currency
	}

	if err := p.Validate(); err != nil {
		return nil, s.rejected(span, err)
	}
	if err := s.checkParties(ctx, p); err != nil {
		return nil, s.rejected(span, err)
	}

	event, err := NewEvent(p, EventPolicyRegistered, PolicyRegisteredData{
		PolicyID:      p.ID.String(),
		PatientID:     p.PatientID.String(),
		InsurerID:     p.InsurerID.String(),
		PolicyNumber:  p.PolicyNumber,
		MemberID:      p.MemberID,
		PlanName:      p.PlanName,
		CoverageLevel: p.CoverageLevel,
		StartDate:     p.StartDate,
		EndDate:       p.EndDate,
	})
	if err != nil {
		return nil, fmt.Errorf("build registration event: %w", err)
	}
	event.Timestamp = now

	if err := s.store.Create(ctx, p, event); err != nil {
		return nil, s.rejected(span, err)
	}

	s.observer.PolicyRegistered(string(p.CoverageLevel))
	s.logger.Info("insurance policy registered",
		zap.Stringer("policy_id", p.ID),
		zap.Stringer("patient_id", p.PatientID),
		zap.Stringer("insurer_id", p.InsurerID),
		zap.String("coverage_level", string(p.CoverageLevel)))
	return p, nil
}

func (s *Service) checkParties(ctx context.Context, p *Policy) error {
	if s.parties == nil {
		return nil
	}
	ok, err := s.parties.PatientExists(ctx, p.PatientID)
	if err != nil {
		return fmt.Errorf("look up patient: %w", err)
	}
	if !ok {
		return ErrPatientNotFound
	}
	ok, err = s.parties.InsurerExists(ctx, p.InsurerID)
	if err != nil {
		return fmt.Errorf("look up insurer: %w", err)
	}
	if !ok {
		return ErrInsurerNotFound
	}
	return nil
}

// Get returns the current snapshot of a policy
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Policy, error) {
	return s.store.Get(ctx, id)
}

// ListByPatient returns a patient's policies, most recent first
func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Policy, error) {
	return s.store.ListByPatient(ctx, patientID)
}

// TermsUpdate carries the fields to change. Nil pointers leave a field untouched.
type TermsUpdate struct {
	PlanName              *string          `json:"plan_name,omitempty"`
	GroupNumber           *string          `json:"group_number,omitempty"`
	CoverageLevel         *CoverageLevel   `json:"coverage_level,omitempty"`
	Active                *bool            `json:"active,omitempty"`
	StartDate             *time.Time       `json:"start_date,omitempty"`
	EndDate               *time.Time       `json:"end_date,omitempty"`
	ClearEndDate          bool             `json:"clear_end_date,omitempty"`
	CopayDefault          *decimal.Decimal `json:"copay_default,omitempty"`
	CoinsurancePercentage *decimal.Decimal `json:"coinsurance_percentage,omitempty"`
	AnnualDeductible      *decimal.Decimal `json:"annual_deductible,omitempty"`
	DeductibleMet         *decimal.Decimal `json:"deductible_met,omitempty"`
	Notes                 *string          `json:"notes,omitempty"`
}

func (u TermsUpdate) apply(p *Policy) {
	if u.PlanName != nil {
		p.PlanName = strings.TrimSpace(*u.PlanName)
	}
	if u.GroupNumber != nil {
		p.GroupNumber = strings.TrimSpace(*u.GroupNumber)
	}
	if u.CoverageLevel != nil {
		p.CoverageLevel = *u.CoverageLevel
	}
	if u.Active != nil {
		p.Active = *u.Active
	}
	if u.StartDate != nil {
		p.StartDate = DateOf(*u.StartDate)
	}
	if u.ClearEndDate {
		p.EndDate = nil
	} else if u.EndDate != nil {
		end := DateOf(*u.EndDate)
		p.EndDate = &end
	}
	if u.CopayDefault != nil {
		p.CopayDefault = *u.CopayDefault
	}
	if u.CoinsurancePercentage != nil {
		p.CoinsurancePercentage = *u.CoinsurancePercentage
	}
	if u.AnnualDeductible != nil {
		p.AnnualDeductible = *u.AnnualDeductible
	}
	if u.DeductibleMet != nil {
		p.DeductibleMet = *u.DeductibleMet
	}
	if u.Notes != nil {
		p.Notes = *u.Notes
	}
}

// UpdateTerms changes coverage terms and revalidates the whole record
func (s *Service) UpdateTerms(ctx context.Context, id uuid.UUID, update TermsUpdate) (*Policy, error) {
	ctx, span := s.tracer.Start(ctx, "update_policy_terms",
		trace.WithAttributes(attribute.String("policy_id", id.String())))
	defer span.End()

	now := s.now().UTC()
	p, err := s.store.Mutate(ctx, id, func(p *Policy) ([]*Event, error) {
		update.apply(p)
		if err := p.Validate(); err != nil {
			return nil, err
		}
		p.UpdatedAt = now

		event, err := NewEvent(p, EventPolicyTermsUpdated, PolicyTermsUpdatedData{
			PolicyID:              p.ID.String(),
			CopayDefault:          p.CopayDefault,
			CoinsurancePercentage: p.CoinsurancePercentage,
			AnnualDeductible:      p.AnnualDeductible,
			DeductibleMet:         p.DeductibleMet,
			Active:                p.Active,
			EndDate:               p.EndDate,
		})
		if err != nil {
			return nil, err
		}
		event.Timestamp = now
		return []*Event{event}, nil
	})
	if err != nil {
		return nil, s.rejected(span, err)
	}

	s.logger.Info("insurance policy terms updated",
		zap.Stringer("policy_id", id),
		zap.Int("version", p.Version))
	return p, nil
}

// Deactivate soft-retires a policy through the active flag
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) (*Policy, error) {
	ctx, span := s.tracer.Start(ctx, "deactivate_policy",
		trace.WithAttributes(attribute.String("policy_id", id.String())))
	defer span.End()

	now := s.now().UTC()
	p, err := s.store.Mutate(ctx, id, func(p *Policy) ([]*Event, error) {
		if !p.Active {
			return nil, errUnchanged
		}
		p.Active = false
		p.UpdatedAt = now

		event, err := NewEvent(p, EventPolicyDeactivated, PolicyDeactivatedData{
			PolicyID:      p.ID.String(),
			DeactivatedAt: now,
		})
		if err != nil {
			return nil, err
		}
		event.Timestamp = now
		return []*Event{event}, nil
	})
	if err != nil {
		return nil, s.rejected(span, err)
	}

	s.logger.Info("insurance policy deactivated", zap.Stringer("policy_id", id))
	return p, nil
}

// RemovePatientPolicies deletes every policy of a patient being removed
func (s *Service) RemovePatientPolicies(ctx context.Context, patientID uuid.UUID) (int64, error) {
	n, err := s.store.DeleteByPatient(ctx, patientID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("patient policies removed",
			zap.Stringer("patient_id", patientID),
			zap.Int64("count", n))
	}
	return n, nil
}

// InsurerInUse reports whether any policy is underwritten by insurerID
func (s *Service) InsurerInUse(ctx context.Context, insurerID uuid.UUID) (bool, error) {
	return s.store.InsurerInUse(ctx, insurerID)
}

// Validity is the point-in-time coverage status of a policy
type Validity struct {
	PolicyID            uuid.UUID       `json:"policy_id"`
	AsOf                time.Time       `json:"as_of"`
	Valid               bool            `json:"valid"`
	RemainingDeductible decimal.Decimal `json:"remaining_deductible"`
}

// Validity evaluates a fresh snapshot against asOf, or the clock when asOf is zero
func (s *Service) Validity(ctx context.Context, id uuid.UUID, asOf time.Time) (*Validity, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	day := DateOf(s.asOf(asOf))
	return &Validity{
		PolicyID:            p.ID,
		AsOf:                day,
		Valid:               IsValid(*p, day),
		RemainingDeductible: RemainingDeductible(*p),
	}, nil
}

// Quote computes the split for a charge without recording anything
func (s *Service) Quote(ctx context.Context, id uuid.UUID, amount decimal.Decimal, asOf time.Time) (CostSplit, error) {
	ctx, span := s.tracer.Start(ctx, "quote_charge",
		trace.WithAttributes(
			attribute.String("policy_id", id.String()),
			attribute.String("amount", amount.String()),
		))
	defer span.End()

	if err := checkAmount(amount); err != nil {
		return CostSplit{}, s.rejected(span, err)
	}
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return CostSplit{}, s.rejected(span, err)
	}

	start := time.Now()
	split, err := CalculatePatientCost(*p, amount, s.asOf(asOf))
	if err != nil {
		return CostSplit{}, s.rejected(span, err)
	}
	s.observe(span, split, time.Since(start))
	return split, nil
}

// SettleInput identifies one dispensation charged against a policy
type SettleInput struct {
	PolicyID   uuid.UUID       `json:"policy_id"`
	DispenseID string          `json:"dispense_id"`
	Amount     decimal.Decimal `json:"amount"`
	AsOf       time.Time       `json:"as_of,omitempty"`
}

// Settlement is the split applied by Settle and the policy after accumulation.
// Replayed marks a dispensation settled by an earlier call; its split is the
// stored one and nothing was accumulated this time.
type Settlement struct {
	Split    CostSplit `json:"split"`
	Policy   *Policy   `json:"policy"`
	Replayed bool      `json:"replayed"`
}

// Settle computes the split on the locked policy snapshot and adds the
// deductible portion to DeductibleMet in the same write. A dispensation is
// applied at most once per policy.
func (s *Service) Settle(ctx context.Context, in SettleInput) (*Settlement, error) {
	ctx, span := s.tracer.Start(ctx, "settle_charge",
		trace.WithAttributes(
			attribute.String("policy_id", in.PolicyID.String()),
			attribute.String("dispense_id", in.DispenseID),
			attribute.String("amount", in.Amount.String()),
		))
	defer span.End()

	if strings.TrimSpace(in.DispenseID) == "" {
		return nil, s.rejected(span, fmt.Errorf("%w: dispense id is required", ErrInvalidArgument))
	}
	if err := checkAmount(in.Amount); err != nil {
		return nil, s.rejected(span, err)
	}

	asOf := s.asOf(in.AsOf)
	now := s.now().UTC()
	start := time.Now()

	p, charge, err := s.store.Settle(ctx, in.PolicyID, in.DispenseID, func(p *Policy) (*Charge, []*Event, error) {
		split, err := CalculatePatientCost(*p, in.Amount, asOf)
		if err != nil {
			return nil, nil, err
		}
		if split.DeductibleApplied.IsPositive() {
			p.DeductibleMet = p.DeductibleMet.Add(split.DeductibleApplied)
		}
		p.UpdatedAt = now

		event, err := NewEvent(p, EventChargeSettled, ChargeSettledData{
			PolicyID:          p.ID.String(),
			DispenseID:        in.DispenseID,
			Amount:            split.Amount,
			PatientPays:       split.PatientPays,
			InsurancePays:     split.InsurancePays,
			DeductibleApplied: split.DeductibleApplied,
			DeductibleMet:     p.DeductibleMet,
			Reason:            split.Reason,
			Currency:          p.Currency,
			SettledOn:         DateOf(asOf),
		})
		if err != nil {
			return nil, nil, err
		}
		event.Timestamp = now
		return &Charge{Split: split, SettledAt: now}, []*Event{event.WithCorrelation(in.DispenseID)}, nil
	})
	if err != nil {
		return nil, s.rejected(span, err)
	}

	split := charge.Split
	if charge.Replayed {
		span.SetAttributes(attribute.Bool("replayed", true))
		s.logger.Info("charge already settled",
			zap.Stringer("policy_id", p.ID),
			zap.String("dispense_id", in.DispenseID),
			zap.Time("settled_at", charge.SettledAt))
		return &Settlement{Split: split, Policy: p, Replayed: true}, nil
	}

	s.observe(span, split, time.Since(start))
	applied, _ := split.DeductibleApplied.Float64()
	s.observer.ChargeSettled(string(split.Reason), applied)
	s.logger.Info("charge settled",
		zap.Stringer("policy_id", p.ID),
		zap.String("dispense_id", in.DispenseID),
		zap.String("amount", split.Amount.String()),
		zap.String("patient_pays", split.PatientPays.String()),
		zap.String("insurance_pays", split.InsurancePays.String()),
		zap.String("deductible_met", p.DeductibleMet.String()),
		zap.String("reason", string(split.Reason)))

	return &Settlement{Split: split, Policy: p}, nil
}

// ResetDeductible starts a new coverage period
func (s *Service) ResetDeductible(ctx context.Context, id uuid.UUID) (*Policy, error) {
	ctx, span := s.tracer.Start(ctx, "reset_deductible",
		trace.WithAttributes(attribute.String("policy_id", id.String())))
	defer span.End()

	now := s.now().UTC()
	p, err := s.store.Mutate(ctx, id, func(p *Policy) ([]*Event, error) {
		previous := p.DeductibleMet
		p.DeductibleMet = decimal.Zero
		p.UpdatedAt = now

		event, err := NewEvent(p, EventDeductibleReset, DeductibleResetData{
			PolicyID:         p.ID.String(),
			PreviousMet:      previous,
			AnnualDeductible: p.AnnualDeductible,
			ResetAt:          now,
		})
		if err != nil {
			return nil, err
		}
		event.Timestamp = now
		return []*Event{event}, nil
	})
	if err != nil {
		return nil, s.rejected(span, err)
	}

	s.logger.Info("deductible reset", zap.Stringer("policy_id", id))
	return p, nil
}

func checkAmount(amount decimal.Decimal) error {
	if !wholeCents(amount) {
		return fmt.Errorf("%w: amount %s is finer than one cent", ErrInvalidArgument, amount)
	}
	return nil
}

func (s *Service) asOf(t time.Time) time.Time {
	if t.IsZero() {
		return s.now()
	}
	return t
}

func (s *Service) observe(span trace.Span, split CostSplit, elapsed time.Duration) {
	patient, _ := split.PatientPays.Float64()
	insurer, _ := split.InsurancePays.Float64()
	s.observer.CostSplit(string(split.Reason), patient, insurer, elapsed)
	span.SetAttributes(
		attribute.String("reason", string(split.Reason)),
		attribute.String("patient_pays", split.PatientPays.String()),
		attribute.String("insurance_pays", split.InsurancePays.String()),
	)
}

func (s *Service) rejected(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	var verr *ValidationError
	if errors.As(err, &verr) {
		s.observer.ValidationFailed(verr.Field)
		s.logger.Debug("policy write rejected",
			zap.String("field", verr.Field),
			zap.String("reason", verr.Message))
	}
	return err
}
