// Package partner holds the people and organizations a policy refers to:
// patients, prescribers, laboratories and insurers.
package partner

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vertical-pharmacy/rxcoverage/internal/domain/coverage"
)

// Specialty is a prescriber's medical specialty
type Specialty string

const (
	SpecialtyGeneral       Specialty = "general"
	SpecialtyPediatrics    Specialty = "pediatrics"
	SpecialtyCardiology    Specialty = "cardiology"
	SpecialtyDermatology   Specialty = "dermatology"
	SpecialtyGynecology    Specialty = "gynecology"
	SpecialtyOrthopedics   Specialty = "orthopedics"
	SpecialtyPsychiatry    Specialty = "psychiatry"
	SpecialtyOphthalmology Specialty = "ophthalmology"
	SpecialtyOther         Specialty = "other"
)

// Valid reports whether s is a known specialty
func (s Specialty) Valid() bool {
	switch s {
	case SpecialtyGeneral, SpecialtyPediatrics, SpecialtyCardiology, SpecialtyDermatology,
		SpecialtyGynecology, SpecialtyOrthopedics, SpecialtyPsychiatry, SpecialtyOphthalmology,
		SpecialtyOther:
		return true
	}
	return false
}

var (
	ErrPartnerNotFound = errors.New("partner not found")

	// ErrPartnerInUse is returned when an insurer still backs policies
	ErrPartnerInUse = errors.New("partner is referenced by insurance policies")

	ErrDuplicateLicense = &coverage.ValidationError{
		Field:   "medical_license",
		Message: "medical license must be unique",
	}
	ErrDuplicatePatientCode = &coverage.ValidationError{
		Field:   "patient_code",
		Message: "patient code must be unique",
	}
)

// Partner is a contact record with pharmacy roles
type Partner struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	IsCompany    bool      `json:"is_company"`
	IsPatient    bool      `json:"is_patient"`
	IsPrescriber bool      `json:"is_prescriber"`
	IsLaboratory bool      `json:"is_laboratory"`

	PatientCode        string `json:"patient_code,omitempty"`
	Allergies          string `json:"allergies,omitempty"`
	ChronicConditions  string `json:"chronic_conditions,omitempty"`
	CurrentMedications string `json:"current_medications,omitempty"`

	MedicalLicense      string    `json:"medical_license,omitempty"`
	PrescriberSpecialty Specialty `json:"prescriber_specialty,omitempty"`
	PrescriberSignature []byte    `json:"prescriber_signature,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsInsurer reports whether the partner can underwrite policies
func (p *Partner) IsInsurer() bool { return p.IsCompany }

// Clone returns a copy that shares no byte slices with p
func (p *Partner) Clone() *Partner {
	c := *p
	if p.PrescriberSignature != nil {
		c.PrescriberSignature = append([]byte(nil), p.PrescriberSignature...)
	}
	return &c
}

func invalid(field, message string) error {
	return &coverage.ValidationError{Field: field, Message: message}
}

// Validate checks the record before it is stored
func (p *Partner) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return invalid("name", "name is required")
	}
	if p.IsPrescriber && strings.TrimSpace(p.MedicalLicense) == "" {
		return invalid("medical_license", "medical license is required for prescribers")
	}
	if p.PrescriberSpecialty != "" && !p.PrescriberSpecialty.Valid() {
		return invalid("prescriber_specialty", "unknown specialty "+string(p.PrescriberSpecialty))
	}
	return nil
}
