package coverage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType names a policy lifecycle event
type EventType string

const (
	EventPolicyRegistered   EventType = "PolicyRegistered"
	EventPolicyTermsUpdated EventType = "PolicyTermsUpdated"
	EventPolicyDeactivated  EventType = "PolicyDeactivated"
	EventChargeSettled      EventType = "ChargeSettled"
	EventDeductibleReset    EventType = "DeductibleReset"
)

// AggregateType is recorded on every event and outbox row
const AggregateType = "InsurancePolicy"

// Event is a domain event published through the outbox
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	PatientID     string          `json:"patient_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent builds an event for policy p with a JSON payload
func NewEvent(p *Policy, eventType EventType, data interface{}) (*Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   p.ID.String(),
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     payload,
		Version:       p.Version,
		Timestamp:     time.Now().UTC(),
		PatientID:     p.PatientID.String(),
	}, nil
}

// WithCorrelation tags the event with the request or dispense that caused it
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

// PolicyRegisteredData is the payload of EventPolicyRegistered
type PolicyRegisteredData struct {
	PolicyID      string        `json:"policy_id"`
	PatientID     string        `json:"patient_id"`
	InsurerID     string        `json:"insurer_id"`
	PolicyNumber  string        `json:"policy_number"`
	MemberID      string        `json:"member_id"`
	PlanName      string        `json:"plan_name"`
	CoverageLevel CoverageLevel `json:"coverage_level"`
	StartDate     time.Time     `json:"start_date"`
	EndDate       *time.Time    `json:"end_date,omitempty"`
}

// PolicyTermsUpdatedData carries the terms in force after the update
type PolicyTermsUpdatedData struct {
	PolicyID              string          `json:"policy_id"`
	CopayDefault          decimal.Decimal `json:"copay_default"`
	CoinsurancePercentage decimal.Decimal `json:"coinsurance_percentage"`
	AnnualDeductible      decimal.Decimal `json:"annual_deductible"`
	DeductibleMet         decimal.Decimal `json:"deductible_met"`
	Active                bool            `json:"active"`
	EndDate               *time.Time      `json:"end_date,omitempty"`
}

// PolicyDeactivatedData is the payload of EventPolicyDeactivated
type PolicyDeactivatedData struct {
	PolicyID      string    `json:"policy_id"`
	DeactivatedAt time.Time `json:"deactivated_at"`
}

// ChargeSettledData records one settled dispensation
type ChargeSettledData struct {
	PolicyID          string          `json:"policy_id"`
	DispenseID        string          `json:"dispense_id"`
	Amount            decimal.Decimal `json:"amount"`
	PatientPays       decimal.Decimal `json:"patient_pays"`
	InsurancePays     decimal.Decimal `json:"insurance_pays"`
	DeductibleApplied decimal.Decimal `json:"deductible_applied"`
	DeductibleMet     decimal.Decimal `json:"deductible_met"`
	Reason            Reason          `json:"reason"`
	Currency          string          `json:"currency"`
	SettledOn         time.Time       `json:"settled_on"`
}

// DeductibleResetData is the payload of EventDeductibleReset
type DeductibleResetData struct {
	PolicyID         string          `json:"policy_id"`
	PreviousMet      decimal.Decimal `json:"previous_met"`
	AnnualDeductible decimal.Decimal `json:"annual_deductible"`
	ResetAt          time.Time       `json:"reset_at"`
}

func stampVersion(events []*Event, version int) {
	for _, e := range events {
		e.Version = version
	}
}

func marshalEvent(e *Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.EventType, err)
	}
	return b, nil
}
