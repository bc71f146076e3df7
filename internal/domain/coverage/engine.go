package coverage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reason explains how a cost split was reached
type Reason string

const (
	ReasonInvalidCoverage     Reason = "INVALID_COVERAGE"
	ReasonAppliedToDeductible Reason = "APPLIED_TO_DEDUCTIBLE"
	ReasonNormalCalculation   Reason = "NORMAL_CALCULATION"
)

// minorUnits is the precision coinsurance shares are rounded to before the insurer share is derived
const minorUnits = 2

// CostSplit is the patient/insurer share of one charge.
// PatientPays + InsurancePays always equals the charge.
type CostSplit struct {
	Amount            decimal.Decimal `json:"amount"`
	PatientPays       decimal.Decimal `json:"patient_pays"`
	InsurancePays     decimal.Decimal `json:"insurance_pays"`
	DeductibleApplied decimal.Decimal `json:"deductible_applied"`
	Reason            Reason          `json:"reason"`
}

// IsValid reports whether p covers charges on the calendar day of asOf.
// Both window ends are inclusive; the active flag overrides the window.
func IsValid(p Policy, asOf time.Time) bool {
	day := DateOf(asOf)
	switch {
	case !p.Active:
		return false
	case p.EndDate != nil && day.After(DateOf(*p.EndDate)):
		return false
	case day.Before(DateOf(p.StartDate)):
		return false
	default:
		return true
	}
}

// RemainingDeductible is the annual deductible minus what was already met.
// It is not clamped: a non-positive value means the deductible is satisfied.
func RemainingDeductible(p Policy) decimal.Decimal {
	return p.AnnualDeductible.Sub(p.DeductibleMet)
}

// CalculatePatientCost splits amount between patient and insurer.
// The deductible is consumed first, then exactly one of copay or coinsurance
// applies to what is left. It never mutates p.
func CalculatePatientCost(p Policy, amount decimal.Decimal, asOf time.Time) (CostSplit, error) {
	if amount.IsNegative() {
		return CostSplit{}, ErrNegativeAmount
	}

	if !IsValid(p, asOf) {
		return CostSplit{
			Amount:            amount,
			PatientPays:       amount,
			InsurancePays:     decimal.Zero,
			DeductibleApplied: decimal.Zero,
			Reason:            ReasonInvalidCoverage,
		}, nil
	}

	remaining := RemainingDeductible(p)

	var (
		patientPays    decimal.Decimal
		deductible     decimal.Decimal
		postDeductible decimal.Decimal
	)
	if remaining.IsPositive() {
		if amount.LessThanOrEqual(remaining) {
			return CostSplit{
				Amount:            amount,
				PatientPays:       amount,
				InsurancePays:     decimal.Zero,
				DeductibleApplied: amount,
				Reason:            ReasonAppliedToDeductible,
			}, nil
		}
		deductible = remaining
		postDeductible = amount.Sub(remaining)
		patientPays = remaining
	} else {
		deductible = decimal.Zero
		postDeductible = amount
		patientPays = decimal.Zero
	}

	switch {
	case p.CopayDefault.IsPositive():
		patientPays = patientPays.Add(p.CopayDefault)
	case p.CoinsurancePercentage.IsPositive():
		share := postDeductible.Mul(p.CoinsurancePercentage).Div(hundred).Round(minorUnits)
		patientPays = patientPays.Add(share)
	}

	return CostSplit{
		Amount:            amount,
		PatientPays:       patientPays,
		InsurancePays:     amount.Sub(patientPays),
		DeductibleApplied: deductible,
		Reason:            ReasonNormalCalculation,
	}, nil
}
