// Package mapper projects coverage and partner records into FHIR R5 resources and back.
package mapper

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vertical-pharmacy/rxcoverage/internal/domain/coverage"
	fhir "github.com/vertical-pharmacy/rxcoverage/internal/fhir/r5"
)

// Extension URLs for fields FHIR Coverage has no slot for
const (
	ExtCoverageLevel = "urn:rxcoverage:extension:coverage-level"
	ExtDeductibleMet = "urn:rxcoverage:extension:deductible-met"
)

// Copay type codes from the coverage-copay-type code system
const (
	CostCopay       = "copay"
	CostCoinsurance = "copaypct"
	CostDeductible  = "deductible"
)

// MapError represents a mapping error with context
type MapError struct {
	Field   string
	Message string
	Cause   error
}

func (e *MapError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *MapError) Unwrap() error {
	return e.Cause
}

// Coverage projects a policy. insurerName is used as the insurer display and may be empty.
func Coverage(p *coverage.Policy, insurerName string) *fhir.Coverage {
	updated := p.UpdatedAt
	status := fhir.StatusActive
	if !p.Active {
		status = fhir.StatusCancelled
	}

	period := &fhir.Period{Start: fhir.Date(p.StartDate)}
	if p.EndDate != nil {
		period.End = fhir.Date(*p.EndDate)
	}

	classes := []fhir.CoverageClass{{
		Type:  *fhir.Concept(fhir.SystemCoverageClass, "plan", "Plan"),
		Value: fhir.Identifier{Value: p.PlanName},
		Name:  p.PlanName,
	}}
	if p.GroupNumber != "" {
		classes = append(classes, fhir.CoverageClass{
			Type:  *fhir.Concept(fhir.SystemCoverageClass, "group", "Group"),
			Value: fhir.Identifier{Value: p.GroupNumber},
		})
	}

	return &fhir.Coverage{
		ResourceType: "Coverage",
		ID:           p.ID.String(),
		Meta: &fhir.Meta{
			VersionID:   strconv.Itoa(p.Version),
			LastUpdated: &updated,
		},
		Identifier:   []fhir.Identifier{{System: fhir.SystemPolicyNumber, Value: p.PolicyNumber}},
		Status:       status,
		Kind:         "insurance",
		SubscriberID: []fhir.Identifier{{Value: p.MemberID}},
		Beneficiary:  fhir.Reference{Reference: "Patient/" + p.PatientID.String(), Type: "Patient"},
		Period:       period,
		Insurer: &fhir.Reference{
			Reference: "Organization/" + p.InsurerID.String(),
			Type:      "Organization",
			Display:   insurerName,
		},
		Class: classes,
		CostToBeneficiary: []fhir.CoverageCost{
			{
				Type:       fhir.Concept(fhir.SystemCopayType, CostCopay, "Copay"),
				ValueMoney: money(p.CopayDefault, p.Currency),
			},
			{
				Type: fhir.Concept(fhir.SystemCopayType, CostCoinsurance, "Copay Percentage"),
				ValueQuantity: &fhir.Quantity{
					Value:  p.CoinsurancePercentage.InexactFloat64(),
					Unit:   "%",
					System: fhir.SystemUCUM,
					Code:   "%",
				},
			},
			{
				Type:       fhir.Concept(fhir.SystemCopayType, CostDeductible, "Deductible"),
				ValueMoney: money(p.AnnualDeductible, p.Currency),
			},
		},
		Extension: []fhir.Extension{
			{URL: ExtCoverageLevel, ValueCode: string(p.CoverageLevel)},
			{URL: ExtDeductibleMet, ValueString: p.DeductibleMet.String()},
		},
	}
}

func money(d decimal.Decimal, currency string) *fhir.Money {
	return &fhir.Money{Value: d.InexactFloat64(), Currency: currency}
}

// RegisterInput reads a FHIR Coverage back into a registration request
func RegisterInput(c *fhir.Coverage) (coverage.RegisterInput, error) {
	var in coverage.RegisterInput
	if c.ResourceType != "Coverage" {
		return in, &MapError{Field: "resourceType", Message: "expected Coverage, got " + c.ResourceType}
	}

	patientID, err := referenceID(c.Beneficiary.Reference, "Patient")
	if err != nil {
		return in, &MapError{Field: "beneficiary", Message: "invalid patient reference", Cause: err}
	}
	in.PatientID = patientID

	if c.Insurer == nil {
		return in, &MapError{Field: "insurer", Message: "insurer is required"}
	}
	insurerID, err := referenceID(c.Insurer.Reference, "Organization")
	if err != nil {
		return in, &MapError{Field: "insurer", Message: "invalid organization reference", Cause: err}
	}
	in.InsurerID = insurerID

	for _, id := range c.Identifier {
		if id.System == fhir.SystemPolicyNumber {
			in.PolicyNumber = id.Value
		}
	}
	if len(c.SubscriberID) > 0 {
		in.MemberID = c.SubscriberID[0].Value
	}

	for _, class := range c.Class {
		switch classCode(class) {
		case "plan":
			in.PlanName = class.Value.Value
		case "group":
			in.GroupNumber = class.Value.Value
		}
	}

	active := c.Status == fhir.StatusActive
	in.Active = &active

	if c.Period != nil {
		if in.StartDate, err = parseDate(c.Period.Start); err != nil {
			return in, &MapError{Field: "period.start", Message: "invalid date", Cause: err}
		}
		if in.EndDate, err = parseDate(c.Period.End); err != nil {
			return in, &MapError{Field: "period.end", Message: "invalid date", Cause: err}
		}
	}

	for _, code := range []string{CostCopay, CostCoinsurance, CostDeductible} {
		cost := c.Cost(code)
		if cost == nil {
			continue
		}
		switch {
		case code == CostCoinsurance && cost.ValueQuantity != nil:
			in.CoinsurancePercentage = decimal.NewFromFloat(cost.ValueQuantity.Value)
		case cost.ValueMoney != nil:
			amount := decimal.NewFromFloat(cost.ValueMoney.Value)
			if code == CostCopay {
				in.CopayDefault = amount
			} else {
				in.AnnualDeductible = amount
			}
			if in.Currency == "" {
				in.Currency = cost.ValueMoney.Currency
			}
		}
	}

	for _, ext := range c.Extension {
		switch ext.URL {
		case ExtCoverageLevel:
			in.CoverageLevel = coverage.CoverageLevel(ext.ValueCode)
		case ExtDeductibleMet:
			met, err := decimal.NewFromString(ext.ValueString)
			if err != nil {
				return in, &MapError{Field: "extension.deductible-met", Message: "invalid amount", Cause: err}
			}
			in.DeductibleMet = met
		}
	}
	return in, nil
}

func classCode(c fhir.CoverageClass) string {
	if len(c.Type.Coding) == 0 {
		return ""
	}
	return c.Type.Coding[0].Code
}

func referenceID(ref, resourceType string) (uuid.UUID, error) {
	kind, id, ok := strings.Cut(ref, "/")
	if !ok || kind != resourceType {
		return uuid.Nil, fmt.Errorf("reference %q is not a %s", ref, resourceType)
	}
	return uuid.Parse(id)
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
