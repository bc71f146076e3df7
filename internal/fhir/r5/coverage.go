package r5

// Coverage represents a FHIR R5 Coverage resource.
type Coverage struct {
	ResourceType      string          `json:"resourceType"`
	ID                string          `json:"id,omitempty"`
	Meta              *Meta           `json:"meta,omitempty"`
	Identifier        []Identifier    `json:"identifier,omitempty"`
	Status            string          `json:"status"`
	Kind              string          `json:"kind"` // insurance | self-pay | other
	SubscriberID      []Identifier    `json:"subscriberId,omitempty"`
	Beneficiary       Reference       `json:"beneficiary"`
	Period            *Period         `json:"period,omitempty"`
	Insurer           *Reference      `json:"insurer,omitempty"`
	Class             []CoverageClass `json:"class,omitempty"`
	CostToBeneficiary []CoverageCost  `json:"costToBeneficiary,omitempty"`
	Extension         []Extension     `json:"extension,omitempty"`
	Order             int             `json:"order,omitempty"`
	Network           string          `json:"network,omitempty"`
}

// CoverageClass is a plan, group or similar classifier.
type CoverageClass struct {
	Type  CodeableConcept `json:"type"`
	Value Identifier      `json:"value"`
	Name  string          `json:"name,omitempty"`
}

// CoverageCost is one patient cost-sharing term.
type CoverageCost struct {
	Type          *CodeableConcept `json:"type,omitempty"`
	ValueQuantity *Quantity        `json:"valueQuantity,omitempty"`
	ValueMoney    *Money           `json:"valueMoney,omitempty"`
}

// Cost returns the cost-sharing term with copay type code, or nil.
func (c *Coverage) Cost(code string) *CoverageCost {
	for i := range c.CostToBeneficiary {
		t := c.CostToBeneficiary[i].Type
		if t == nil {
			continue
		}
		for _, coding := range t.Coding {
			if coding.Code == code {
				return &c.CostToBeneficiary[i]
			}
		}
	}
	return nil
}
