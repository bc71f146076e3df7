package r5

// Patient represents a FHIR R5 Patient resource.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Active       bool         `json:"active"`
	Name         []HumanName  `json:"name,omitempty"`
	Extension    []Extension  `json:"extension,omitempty"`
}

// GetOfficialName returns the patient's official name, or first available.
func (p *Patient) GetOfficialName() *HumanName {
	for i := range p.Name {
		if p.Name[i].Use == "official" {
			return &p.Name[i]
		}
	}
	if len(p.Name) > 0 {
		return &p.Name[0]
	}
	return nil
}

// GetPatientCode returns the pharmacy patient code.
func (p *Patient) GetPatientCode() string {
	for _, id := range p.Identifier {
		if id.System == SystemPatientCode {
			return id.Value
		}
	}
	return ""
}

// Practitioner represents a FHIR R5 Practitioner resource.
type Practitioner struct {
	ResourceType  string                      `json:"resourceType"`
	ID            string                      `json:"id,omitempty"`
	Meta          *Meta                       `json:"meta,omitempty"`
	Identifier    []Identifier                `json:"identifier,omitempty"`
	Active        bool                        `json:"active"`
	Name          []HumanName                 `json:"name,omitempty"`
	Qualification []PractitionerQualification `json:"qualification,omitempty"`
}

// PractitionerQualification represents a practitioner's qualifications.
type PractitionerQualification struct {
	Identifier []Identifier    `json:"identifier,omitempty"`
	Code       CodeableConcept `json:"code"`
}

// GetLicense returns the practitioner's medical license.
func (p *Practitioner) GetLicense() string {
	for _, id := range p.Identifier {
		if id.System == SystemMedicalLicense {
			return id.Value
		}
	}
	return ""
}

// Organization represents a FHIR R5 Organization resource.
type Organization struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id,omitempty"`
	Meta         *Meta             `json:"meta,omitempty"`
	Identifier   []Identifier      `json:"identifier,omitempty"`
	Active       bool              `json:"active"`
	Type         []CodeableConcept `json:"type,omitempty"`
	Name         string            `json:"name,omitempty"`
}

// HasType reports whether the organization carries type code.
func (o *Organization) HasType(code string) bool {
	for _, t := range o.Type {
		for _, c := range t.Coding {
			if c.Code == code {
				return true
			}
		}
	}
	return false
}
