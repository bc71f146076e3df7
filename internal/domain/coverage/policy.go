// Package coverage implements patient insurance policies and the cost-sharing
// engine that splits a pharmacy charge between patient and insurer.
package coverage

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CoverageLevel is informational and never used in the cost split
type CoverageLevel string

const (
	LevelBasic        CoverageLevel = "basic"
	LevelIntermediate CoverageLevel = "intermediate"
	LevelPremium      CoverageLevel = "premium"
)

// Valid reports whether l is a known coverage level
func (l CoverageLevel) Valid() bool {
	switch l {
	case LevelBasic, LevelIntermediate, LevelPremium:
		return true
	}
	return false
}

var hundred = decimal.NewFromInt(100)

// Policy is a snapshot of a patient's insurance coverage record
type Policy struct {
	ID        uuid.UUID `json:"id"`
	PatientID uuid.UUID `json:"patient_id"`
	InsurerID uuid.UUID `json:"insurer_id"`

	PolicyNumber  string        `json:"policy_number"`
	MemberID      string        `json:"member_id"`
	GroupNumber   string        `json:"group_number,omitempty"`
	PlanName      string        `json:"plan_name"`
	CoverageLevel CoverageLevel `json:"coverage_level"`

	Active    bool       `json:"active"`
	StartDate time.Time  `json:"start_date"`
	EndDate   *time.Time `json:"end_date,omitempty"`

	CopayDefault          decimal.Decimal `json:"copay_default"`
	CoinsurancePercentage decimal.Decimal `json:"coinsurance_percentage"`
	AnnualDeductible      decimal.Decimal `json:"annual_deductible"`
	DeductibleMet         decimal.Decimal `json:"deductible_met"`
	Currency              string          `json:"currency"`

	Notes string `json:"notes,omitempty"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key is the system-wide unique identity of a policy membership
type Key struct {
	InsurerID    uuid.UUID
	PolicyNumber string
	MemberID     string
}

// Key returns the uniqueness triple for p
func (p *Policy) Key() Key {
	return Key{InsurerID: p.InsurerID, PolicyNumber: p.PolicyNumber, MemberID: p.MemberID}
}

// Clone returns a deep copy so callers never share the EndDate pointer
func (p *Policy) Clone() *Policy {
	c := *p
	if p.EndDate != nil {
		end := *p.EndDate
		c.EndDate = &end
	}
	return &c
}

// Validate enforces the write-time invariants. The first violation found is returned.
func (p *Policy) Validate() error {
	if p.PatientID == uuid.Nil {
		return invalid("patient_id", "patient is required")
	}
	if p.InsurerID == uuid.Nil {
		return invalid("insurer_id", "insurer is required")
	}
	if strings.TrimSpace(p.PolicyNumber) == "" {
		return invalid("policy_number", "policy number is required")
	}
	if strings.TrimSpace(p.MemberID) == "" {
		return invalid("member_id", "member id is required")
	}
	if strings.TrimSpace(p.PlanName) == "" {
		return invalid("plan_name", "plan name is required")
	}
	if !p.CoverageLevel.Valid() {
		return invalid("coverage_level", "unknown coverage level %q", p.CoverageLevel)
	}
	if p.StartDate.IsZero() {
		return invalid("start_date", "start date is required")
	}
	if p.EndDate != nil && DateOf(*p.EndDate).Before(DateOf(p.StartDate)) {
		return invalid("end_date", "end date cannot be before start date")
	}
	if p.CopayDefault.IsNegative() {
		return invalid("copay_default", "copay must not be negative")
	}
	if !wholeCents(p.CopayDefault) {
		return invalid("copay_default", "copay must be a whole number of cents")
	}
	if p.CoinsurancePercentage.IsNegative() || p.CoinsurancePercentage.GreaterThan(hundred) {
		return invalid("coinsurance_percentage", "coinsurance must be between 0 and 100")
	}
	if !wholeCents(p.CoinsurancePercentage) {
		return invalid("coinsurance_percentage", "coinsurance allows at most two decimals")
	}
	if p.AnnualDeductible.IsNegative() {
		return invalid("annual_deductible", "annual deductible must not be negative")
	}
	if !wholeCents(p.AnnualDeductible) {
		return invalid("annual_deductible", "annual deductible must be a whole number of cents")
	}
	if p.DeductibleMet.IsNegative() {
		return invalid("deductible_met", "deductible met must not be negative")
	}
	if !wholeCents(p.DeductibleMet) {
		return invalid("deductible_met", "deductible met must be a whole number of cents")
	}
	if len(p.Currency) != 3 {
		return invalid("currency", "currency must be an ISO-4217 code")
	}
	return nil
}

// wholeCents reports whether d has no digits past the second decimal, the
// scale of every NUMERIC money column
func wholeCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(minorUnits))
}

// DateOf drops the clock part of t, keeping the calendar day t shows in its own location
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
