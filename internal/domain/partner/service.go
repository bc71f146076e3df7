package partner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vertical-pharmacy/rxcoverage/internal/domain/coverage"
)

// Cascade owns the policies that reference partners. It removes the ones
// that die with a patient and vetoes deleting an insurer that still backs some.
type Cascade interface {
	RemovePatientPolicies(ctx context.Context, patientID uuid.UUID) (int64, error)
	InsurerInUse(ctx context.Context, insurerID uuid.UUID) (bool, error)
}

// Service manages partners and answers party lookups for the policy service
type Service struct {
	store   Store
	codes   CodeAllocator
	cascade Cascade
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

var _ coverage.PartyDirectory = (*Service)(nil)

// NewService wires a Service. cascade may be nil when the store cascades on its own.
func NewService(store Store, codes CodeAllocator, cascade Cascade, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   store,
		codes:   codes,
		cascade: cascade,
		logger:  logger,
		tracer:  otel.Tracer("partner-service"),
		now:     time.Now,
	}
}

// SetCascade attaches the cascade after construction, for services that depend on each other
func (s *Service) SetCascade(c Cascade) { s.cascade = c }

// Create validates p, assigns a patient code when one is missing and stores it
func (s *Service) Create(ctx context.Context, p *Partner) (*Partner, error) {
	ctx, span := s.tracer.Start(ctx, "create_partner")
	defer span.End()

	normalize(p)
	if err := p.Validate(); err != nil {
		return nil, fail(span, err)
	}

	if p.IsPatient && p.PatientCode == "" {
		code, err := s.codes.Next(ctx)
		if err != nil {
			return nil, fail(span, fmt.Errorf("allocate patient code: %w", err))
		}
		p.PatientCode = code
	}

	now := s.now().UTC()
	p.ID = uuid.New()
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := s.store.Create(ctx, p); err != nil {
		return nil, fail(span, err)
	}

	span.SetAttributes(attribute.String("partner_id", p.ID.String()))
	s.logger.Info("partner created",
		zap.Stringer("partner_id", p.ID),
		zap.Bool("patient", p.IsPatient),
		zap.Bool("prescriber", p.IsPrescriber),
		zap.Bool("insurer", p.IsInsurer()),
		zap.String("patient_code", p.PatientCode))
	return p, nil
}

// Get returns a partner
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Partner, error) {
	return s.store.Get(ctx, id)
}

// List returns partners carrying role
func (s *Service) List(ctx context.Context, role Role) ([]*Partner, error) {
	return s.store.List(ctx, role)
}

// Update carries the fields to change. Nil pointers leave a field untouched.
type Update struct {
	Name                *string    `json:"name,omitempty"`
	IsCompany           *bool      `json:"is_company,omitempty"`
	IsPatient           *bool      `json:"is_patient,omitempty"`
	IsPrescriber        *bool      `json:"is_prescriber,omitempty"`
	IsLaboratory        *bool      `json:"is_laboratory,omitempty"`
	Allergies           *string    `json:"allergies,omitempty"`
	ChronicConditions   *string    `json:"chronic_conditions,omitempty"`
	CurrentMedications  *string    `json:"current_medications,omitempty"`
	MedicalLicense      *string    `json:"medical_license,omitempty"`
	PrescriberSpecialty *Specialty `json:"prescriber_specialty,omitempty"`
}

func (u Update) apply(p *Partner) {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	setBool := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	set(&p.Name, u.Name)
	setBool(&p.IsCompany, u.IsCompany)
	setBool(&p.IsPatient, u.IsPatient)
	setBool(&p.IsPrescriber, u.IsPrescriber)
	setBool(&p.IsLaboratory, u.IsLaboratory)
	set(&p.Allergies, u.Allergies)
	set(&p.ChronicConditions, u.ChronicConditions)
	set(&p.CurrentMedications, u.CurrentMedications)
	set(&p.MedicalLicense, u.MedicalLicense)
	if u.PrescriberSpecialty != nil {
		p.PrescriberSpecialty = *u.PrescriberSpecialty
	}
}

// Update applies u and revalidates. A partner that becomes a patient gets a code.
func (s *Service) Update(ctx context.Context, id uuid.UUID, u Update) (*Partner, error) {
	ctx, span := s.tracer.Start(ctx, "update_partner",
		trace.WithAttributes(attribute.String("partner_id", id.String())))
	defer span.End()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fail(span, err)
	}
	u.apply(p)
	normalize(p)
	if err := p.Validate(); err != nil {
		return nil, fail(span, err)
	}
	if p.IsPatient && p.PatientCode == "" {
		code, err := s.codes.Next(ctx)
		if err != nil {
			return nil, fail(span, fmt.Errorf("allocate patient code: %w", err))
		}
		p.PatientCode = code
	}
	p.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, p); err != nil {
		return nil, fail(span, err)
	}
	return p, nil
}

// Delete removes a partner together with the policies it holds as a patient.
// A partner still underwriting policies is refused with ErrPartnerInUse.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "delete_partner",
		trace.WithAttributes(attribute.String("partner_id", id.String())))
	defer span.End()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return fail(span, err)
	}
	if s.cascade != nil {
		used, err := s.cascade.InsurerInUse(ctx, id)
		if err != nil {
			return fail(span, fmt.Errorf("check insurer references: %w", err))
		}
		if used {
			return fail(span, ErrPartnerInUse)
		}
	}
	if p.IsPatient && s.cascade != nil {
		n, err := s.cascade.RemovePatientPolicies(ctx, id)
		if err != nil {
			return fail(span, fmt.Errorf("remove patient policies: %w", err))
		}
		span.SetAttributes(attribute.Int64("policies_removed", n))
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fail(span, err)
	}

	s.logger.Info("partner deleted", zap.Stringer("partner_id", id))
	return nil
}

// PatientExists reports whether id is a patient
func (s *Service) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.hasRole(ctx, id, RolePatient)
}

// InsurerExists reports whether id is an insurance company
func (s *Service) InsurerExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.hasRole(ctx, id, RoleInsurer)
}

func (s *Service) hasRole(ctx context.Context, id uuid.UUID, role Role) (bool, error) {
	p, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrPartnerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return role.Matches(p), nil
}

func normalize(p *Partner) {
	p.Name = strings.TrimSpace(p.Name)
	p.PatientCode = strings.TrimSpace(p.PatientCode)
	p.MedicalLicense = strings.TrimSpace(p.MedicalLicense)
	if !p.IsPatient {
		p.PatientCode = ""
	}
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
