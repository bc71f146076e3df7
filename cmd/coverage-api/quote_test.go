package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vertical-pharmacy/rxcoverage/internal/domain/coverage"
)

const policyJSON = `{
	"id": "6f1c1b7e-8c8e-4a43-9d2f-0b5f0f3c2a11",
	"patient_id": "1b0a6c4e-43f2-4b8a-9a53-2f0c7d1e9b01",
	"insurer_id": "9c3e2d1a-5b6f-4c7d-8e9f-0a1b2c3d4e5f",
	"policy_number": "POL-1",
	"member_id": "M-1",
	"plan_name": "Plan Oro",
	"coverage_level": "premium",
	"active": true,
	"start_date": "2024-01-01T00:00:00Z",
	"copay_default": "0",
	"coinsurance_percentage": "20",
	"annual_deductible": "500",
	"deductible_met": "300"
}`

func TestRunQuote(t *testing.T) {
	var out bytes.Buffer
	if err := runQuote(strings.NewReader(policyJSON), &out, "500", "2024-06-01"); err != nil {
		t.Fatal(err)
	}

	var got quoteResult
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if !got.Valid || !got.RemainingDeductible.Equal(decimal.NewFromInt(200)) {
		t.Errorf("result = %+v", got)
	}
	// 200 deductible, then 20% of 300
	if !got.Split.PatientPays.Equal(decimal.NewFromInt(260)) || !got.Split.InsurancePays.Equal(decimal.NewFromInt(240)) {
		t.Errorf("split = %+v", got.Split)
	}
}

func TestRunQuoteBeforeStart(t *testing.T) {
	var out bytes.Buffer
	if err := runQuote(strings.NewReader(policyJSON), &out, "80", "2023-12-31"); err != nil {
		t.Fatal(err)
	}
	var got quoteResult
	json.Unmarshal(out.Bytes(), &got)
	if got.Valid || got.Split.Reason != coverage.ReasonInvalidCoverage {
		t.Errorf("result = %+v", got)
	}
}

func TestRunQuoteErrors(t *testing.T) {
	if err := runQuote(strings.NewReader(policyJSON), &bytes.Buffer{}, "-1", ""); !errors.Is(err, coverage.ErrNegativeAmount) {
		t.Errorf("negative amount err = %v", err)
	}
	if err := runQuote(strings.NewReader(policyJSON), &bytes.Buffer{}, "ten", ""); err == nil {
		t.Error("non-numeric amount accepted")
	}
	bad := strings.Replace(policyJSON, `"plan_name": "Plan Oro"`, `"plan_name": ""`, 1)
	if err := runQuote(strings.NewReader(bad), &bytes.Buffer{}, "10", ""); !errors.Is(err, coverage.ErrValidation) {
		t.Errorf("invalid policy err = %v", err)
	}
}
