package mapper

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vertical-pharmacy/rxcoverage/internal/domain/coverage"
	"github.com/vertical-pharmacy/rxcoverage/internal/domain/partner"
	fhir "github.com/vertical-pharmacy/rxcoverage/internal/fhir/r5"
)

func samplePolicy() *coverage.Policy {
	end := time.Date(2024, time.December, 31, 0, 0, 0, 0, time.UTC)
	return &coverage.Policy{
		ID:                    uuid.New(),
		PatientID:             uuid.New(),
		InsurerID:             uuid.New(),
		PolicyNumber:          "POL-123",
		MemberID:              "MBR-9",
		GroupNumber:           "GRP-1",
		PlanName:              "Plan Oro",
		CoverageLevel:         coverage.LevelPremium,
		Active:                true,
		StartDate:             time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		EndDate:               &end,
		CopayDefault:          decimal.RequireFromString("25.5"),
		CoinsurancePercentage: decimal.RequireFromString("20"),
		AnnualDeductible:      decimal.RequireFromString("500"),
		DeductibleMet:         decimal.RequireFromString("120.75"),
		Currency:              "MXN",
		Version:               3,
	}
}

func TestCoverageProjection(t *testing.T) {
	p := samplePolicy()
	c := Coverage(p, "Seguros Norte")

	if c.Status != fhir.StatusActive || c.Kind != "insurance" {
		t.Errorf("status/kind = %s/%s", c.Status, c.Kind)
	}
	if c.Beneficiary.Reference != "Patient/"+p.PatientID.String() {
		t.Errorf("beneficiary = %s", c.Beneficiary.Reference)
	}
	if c.Insurer.Display != "Seguros Norte" {
		t.Errorf("insurer display = %s", c.Insurer.Display)
	}
	if c.Period.Start != "2024-01-01" || c.Period.End != "2024-12-31" {
		t.Errorf("period = %+v", c.Period)
	}
	if c.SubscriberID[0].Value != "MBR-9" || c.Meta.VersionID != "3" {
		t.Errorf("subscriber/version = %s/%s", c.SubscriberID[0].Value, c.Meta.VersionID)
	}
	if copay := c.Cost(CostCopay); copay == nil || copay.ValueMoney.Value != 25.5 || copay.ValueMoney.Currency != "MXN" {
		t.Errorf("copay = %+v", copay)
	}
	if pct := c.Cost(CostCoinsurance); pct == nil || pct.ValueQuantity.Value != 20 || pct.ValueQuantity.Unit != "%" {
		t.Errorf("coinsurance = %+v", pct)
	}
	if len(c.Class) != 2 {
		t.Errorf("classes = %d, want plan and group", len(c.Class))
	}

	p.Active = false
	if got := Coverage(p, "").Status; got != fhir.StatusCancelled {
		t.Errorf("inactive policy status = %s", got)
	}
}

func TestCoverageRoundTrip(t *testing.T) {
	p := samplePolicy()

	raw, err := json.Marshal(Coverage(p, ""))
	if err != nil {
		t.Fatal(err)
	}
	var c fhir.Coverage
	if err := json.Unmarshal(raw, &c); err != nil {
		t.Fatal(err)
	}

	in, err := RegisterInput(&c)
	if err != nil {
		t.Fatal(err)
	}
	if in.PatientID != p.PatientID || in.InsurerID != p.InsurerID {
		t.Error("party references lost")
	}
	if in.PolicyNumber != p.PolicyNumber || in.MemberID != p.MemberID || in.PlanName != p.PlanName || in.GroupNumber != p.GroupNumber {
		t.Errorf("identity = %+v", in)
	}
	if in.CoverageLevel != coverage.LevelPremium || in.Currency != "MXN" || !*in.Active {
		t.Errorf("level/currency/active = %s/%s/%v", in.CoverageLevel, in.Currency, *in.Active)
	}
	if !in.StartDate.Equal(p.StartDate) || !in.EndDate.Equal(*p.EndDate) {
		t.Errorf("dates = %v - %v", in.StartDate, in.EndDate)
	}
	for name, pair := range map[string][2]decimal.Decimal{
		"copay":       {in.CopayDefault, p.CopayDefault},
		"coinsurance": {in.CoinsurancePercentage, p.CoinsurancePercentage},
		"deductible":  {in.AnnualDeductible, p.AnnualDeductible},
		"met":         {in.DeductibleMet, p.DeductibleMet},
	} {
		if !pair[0].Equal(pair[1]) {
			t.Errorf("%s = %s, want %s", name, pair[0], pair[1])
		}
	}
}

func TestRegisterInputRejectsBadReferences(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(c *fhir.Coverage)
		field string
	}{
		{"wrong resource", func(c *fhir.Coverage) { c.ResourceType = "Claim" }, "resourceType"},
		{"practitioner beneficiary", func(c *fhir.Coverage) { c.Beneficiary.Reference = "Practitioner/" + uuid.NewString() }, "beneficiary"},
		{"missing insurer", func(c *fhir.Coverage) { c.Insurer = nil }, "insurer"},
		{"bad date", func(c *fhir.Coverage) { c.Period.Start = "01/02/2024" }, "period.start"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Coverage(samplePolicy(), "")
			tt.edit(c)
			_, err := RegisterInput(c)
			var merr *MapError
			if !errors.As(err, &merr) || merr.Field != tt.field {
				t.Errorf("err = %v, want MapError on %s", err, tt.field)
			}
		})
	}
}

func TestPartnerProjection(t *testing.T) {
	patient := &partner.Partner{
		ID: uuid.New(), Name: "Ana López", IsPatient: true, PatientCode: "PAC00001",
		Allergies: "penicilina",
	}
	got, ok := Partner(patient).(*fhir.Patient)
	if !ok {
		t.Fatalf("patient projected as %T", Partner(patient))
	}
	if got.GetPatientCode() != "PAC00001" || got.GetOfficialName().Text != "Ana López" {
		t.Errorf("patient = %+v", got)
	}
	if len(got.Extension) != 1 || got.Extension[0].ValueString != "penicilina" {
		t.Errorf("extensions = %+v", got.Extension)
	}

	doctor := &partner.Partner{
		ID: uuid.New(), Name: "Dr. Paz", IsPrescriber: true, MedicalLicense: "CED-1",
		PrescriberSpecialty: partner.SpecialtyCardiology,
	}
	pr, ok := Partner(doctor).(*fhir.Practitioner)
	if !ok || pr.GetLicense() != "CED-1" || pr.Qualification[0].Code.Coding[0].Code != "cardiology" {
		t.Errorf("practitioner = %+v", pr)
	}

	insurer := &partner.Partner{ID: uuid.New(), Name: "Seguros Norte", IsCompany: true}
	org, ok := Partner(insurer).(*fhir.Organization)
	if !ok || !org.HasType("ins") {
		t.Errorf("organization = %+v", org)
	}
}
