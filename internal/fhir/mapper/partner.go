package mapper

import (
	"sort"

	"github.com/vertical-pharmacy/rxcoverage/internal/domain/partner"
	fhir "github.com/vertical-pharmacy/rxcoverage/internal/fhir/r5"
)

// Extension URLs for clinical notes kept on the patient record
const (
	ExtAllergies          = "urn:rxcoverage:extension:allergies"
	ExtChronicConditions  = "urn:rxcoverage:extension:chronic-conditions"
	ExtCurrentMedications = "urn:rxcoverage:extension:current-medications"
)

func meta(p *partner.Partner) *fhir.Meta {
	updated := p.UpdatedAt
	return &fhir.Meta{LastUpdated: &updated}
}

// Patient projects a patient partner
func Patient(p *partner.Partner) *fhir.Patient {
	out := &fhir.Patient{
		ResourceType: "Patient",
		ID:           p.ID.String(),
		Meta:         meta(p),
		Active:       true,
		Name:         []fhir.HumanName{{Use: "official", Text: p.Name}},
	}
	if p.PatientCode != "" {
		out.Identifier = append(out.Identifier, fhir.Identifier{
			Use:    "usual",
			Type:   fhir.Concept(fhir.SystemIdentifierType, "MR", "Medical record number"),
			System: fhir.SystemPatientCode,
			Value:  p.PatientCode,
		})
	}
	for url, value := range map[string]string{
		ExtAllergies:          p.Allergies,
		ExtChronicConditions:  p.ChronicConditions,
		ExtCurrentMedications: p.CurrentMedications,
	} {
		if value != "" {
			out.Extension = append(out.Extension, fhir.Extension{URL: url, ValueString: value})
		}
	}
	sortExtensions(out.Extension)
	return out
}

// Practitioner projects a prescriber partner
func Practitioner(p *partner.Partner) *fhir.Practitioner {
	out := &fhir.Practitioner{
		ResourceType: "Practitioner",
		ID:           p.ID.String(),
		Meta:         meta(p),
		Active:       true,
		Name:         []fhir.HumanName{{Use: "official", Text: p.Name}},
	}
	if p.MedicalLicense != "" {
		license := fhir.Identifier{Use: "official", System: fhir.SystemMedicalLicense, Value: p.MedicalLicense}
		out.Identifier = append(out.Identifier, license)

		code := fhir.CodeableConcept{Text: "Medical license"}
		if p.PrescriberSpecialty != "" {
			code = *fhir.Concept(fhir.SystemSpecialty, string(p.PrescriberSpecialty), string(p.PrescriberSpecialty))
		}
		out.Qualification = []fhir.PractitionerQualification{{
			Identifier: []fhir.Identifier{license},
			Code:       code,
		}}
	}
	return out
}

// Organization projects an insurer or laboratory
func Organization(p *partner.Partner) *fhir.Organization {
	out := &fhir.Organization{
		ResourceType: "Organization",
		ID:           p.ID.String(),
		Meta:         meta(p),
		Active:       true,
		Name:         p.Name,
	}
	if p.IsInsurer() {
		out.Type = append(out.Type, *fhir.Concept(fhir.SystemOrgType, "ins", "Insurance Company"))
	}
	if p.IsLaboratory {
		out.Type = append(out.Type, *fhir.Concept(fhir.SystemOrgType, "prov", "Healthcare Provider"))
	}
	return out
}

// Partner picks the resource matching the partner's primary role:
// patient, then prescriber, then organization
func Partner(p *partner.Partner) interface{} {
	switch {
	case p.IsPatient:
		return Patient(p)
	case p.IsPrescriber:
		return Practitioner(p)
	default:
		return Organization(p)
	}
}

func sortExtensions(exts []fhir.Extension) {
	sort.Slice(exts, func(i, j int) bool { return exts[i].URL < exts[j].URL })
}
