package partner

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"github.com/vertical-pharmacy/rxcoverage/internal/domain/coverage"
)

type recordingCascade struct {
	removed  []uuid.UUID
	insurers map[uuid.UUID]bool
}

func (c *recordingCascade) RemovePatientPolicies(_ context.Context, id uuid.UUID) (int64, error) {
	c.removed = append(c.removed, id)
	return 1, nil
}

func (c *recordingCascade) InsurerInUse(_ context.Context, id uuid.UUID) (bool, error) {
	return c.insurers[id], nil
}

func newTestService(t *testing.T) (*Service, *recordingCascade) {
	t.Helper()
	cascade := &recordingCascade{}
	svc := NewService(NewMemoryStore(), NewCounterAllocator(DefaultCodeFormat()), cascade, zaptest.NewLogger(t))
	return svc, cascade
}

func TestCodeFormat(t *testing.T) {
	tests := []struct {
		format CodeFormat
		n      int64
		want   string
	}{
		{DefaultCodeFormat(), 1, "PAC00001"},
		{DefaultCodeFormat(), 42, "PAC00042"},
		{DefaultCodeFormat(), 123456, "PAC123456"},
		{CodeFormat{Prefix: "PT-", Width: 3}, 7, "PT-007"},
	}
	for _, tt := range tests {
		if got := tt.format.Format(tt.n); got != tt.want {
			t.Errorf("Format(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestCounterAllocatorIsUniqueUnderConcurrency(t *testing.T) {
	a := NewCounterAllocator(DefaultCodeFormat())
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]bool)
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, _ := a.Next(context.Background())
			mu.Lock()
			seen[code] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != 100 {
		t.Errorf("%d distinct codes, want 100", len(seen))
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		p     Partner
		field string
	}{
		{"name required", Partner{Name: "  "}, "name"},
		{"prescriber without license", Partner{Name: "Dra. Ruiz", IsPrescriber: true}, "medical_license"},
		{"unknown specialty", Partner{Name: "Dr. Paz", IsPrescriber: true, MedicalLicense: "L1", PrescriberSpecialty: "surgery"}, "prescriber_specialty"},
		{"valid prescriber", Partner{Name: "Dr. Paz", IsPrescriber: true, MedicalLicense: "L1", PrescriberSpecialty: SpecialtyCardiology}, ""},
		{"valid insurer", Partner{Name: "Seguros Norte", IsCompany: true}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var verr *coverage.ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Fatalf("err = %v, want failure on %s", err, tt.field)
			}
		})
	}
}

func TestCreatePatientAssignsCode(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, &Partner{Name: "Ana López", IsPatient: true})
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Create(ctx, &Partner{Name: "Luis Mora", IsPatient: true})
	if err != nil {
		t.Fatal(err)
	}
	if first.PatientCode != "PAC00001" || second.PatientCode != "PAC00002" {
		t.Errorf("codes = %s, %s", first.PatientCode, second.PatientCode)
	}

	explicit, err := svc.Create(ctx, &Partner{Name: "Eva Cruz", IsPatient: true, PatientCode: "LEGACY-9"})
	if err != nil {
		t.Fatal(err)
	}
	if explicit.PatientCode != "LEGACY-9" {
		t.Errorf("explicit code replaced with %s", explicit.PatientCode)
	}

	company, err := svc.Create(ctx, &Partner{Name: "Seguros Norte", IsCompany: true, PatientCode: "X"})
	if err != nil {
		t.Fatal(err)
	}
	if company.PatientCode != "" {
		t.Error("non-patient kept a patient code")
	}
}

func TestCreateRejectsDuplicates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, &Partner{Name: "Dr. Paz", IsPrescriber: true, MedicalLicense: "CED-1"}); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Create(ctx, &Partner{Name: "Dr. Otro", IsPrescriber: true, MedicalLicense: "CED-1"})
	if !errors.Is(err, ErrDuplicateLicense) || !errors.Is(err, coverage.ErrValidation) {
		t.Errorf("err = %v, want ErrDuplicateLicense", err)
	}

	if _, err := svc.Create(ctx, &Partner{Name: "A", IsPatient: true, PatientCode: "P-1"}); err != nil {
		t.Fatal(err)
	}
	_, err = svc.Create(ctx, &Partner{Name: "B", IsPatient: true, PatientCode: "P-1"})
	if !errors.Is(err, ErrDuplicatePatientCode) {
		t.Errorf("err = %v, want ErrDuplicatePatientCode", err)
	}
}

func TestPartyDirectory(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	patient, _ := svc.Create(ctx, &Partner{Name: "Ana", IsPatient: true})
	insurer, _ := svc.Create(ctx, &Partner{Name: "Seguros Norte", IsCompany: true})

	tests := []struct {
		name string
		fn   func(context.Context, uuid.UUID) (bool, error)
		id   uuid.UUID
		want bool
	}{
		{"patient is patient", svc.PatientExists, patient.ID, true},
		{"insurer is not patient", svc.PatientExists, insurer.ID, false},
		{"insurer is insurer", svc.InsurerExists, insurer.ID, true},
		{"patient is not insurer", svc.InsurerExists, patient.ID, false},
		{"unknown", svc.PatientExists, uuid.New(), false},
	}
	for _, tt := range tests {
		got, err := tt.fn(ctx, tt.id)
		if err != nil || got != tt.want {
			t.Errorf("%s: got %v, %v", tt.name, got, err)
		}
	}
}

func TestDeletePatientCascades(t *testing.T) {
	svc, cascade := newTestService(t)
	ctx := context.Background()

	patient, _ := svc.Create(ctx, &Partner{Name: "Ana", IsPatient: true})
	lab, _ := svc.Create(ctx, &Partner{Name: "Lab Sur", IsLaboratory: true, IsCompany: true})

	if err := svc.Delete(ctx, patient.ID); err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(ctx, lab.ID); err != nil {
		t.Fatal(err)
	}
	if len(cascade.removed) != 1 || cascade.removed[0] != patient.ID {
		t.Errorf("cascade calls = %v", cascade.removed)
	}
	if _, err := svc.Get(ctx, patient.ID); !errors.Is(err, ErrPartnerNotFound) {
		t.Errorf("err = %v, want ErrPartnerNotFound", err)
	}
	if err := svc.Delete(ctx, patient.ID); !errors.Is(err, ErrPartnerNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestDeleteInsurerInUse(t *testing.T) {
	svc, cascade := newTestService(t)
	ctx := context.Background()

	insurer, err := svc.Create(ctx, &Partner{Name: "Salud Total", IsCompany: true})
	if err != nil {
		t.Fatal(err)
	}
	cascade.insurers = map[uuid.UUID]bool{insurer.ID: true}

	if err := svc.Delete(ctx, insurer.ID); !errors.Is(err, ErrPartnerInUse) {
		t.Fatalf("err = %v, want ErrPartnerInUse", err)
	}
	if _, err := svc.Get(ctx, insurer.ID); err != nil {
		t.Fatalf("insurer removed despite referencing policies: %v", err)
	}

	cascade.insurers[insurer.ID] = false
	if err := svc.Delete(ctx, insurer.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Get(ctx, insurer.ID); !errors.Is(err, ErrPartnerNotFound) {
		t.Errorf("err = %v, want ErrPartnerNotFound", err)
	}
}

func TestUpdateRevalidates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p, _ := svc.Create(ctx, &Partner{Name: "Marta"})

	prescriber := true
	if _, err := svc.Update(ctx, p.ID, Update{IsPrescriber: &prescriber}); !errors.Is(err, coverage.ErrValidation) {
		t.Fatalf("err = %v, want validation failure", err)
	}

	license := "CED-77"
	patient := true
	got, err := svc.Update(ctx, p.ID, Update{IsPrescriber: &prescriber, MedicalLicense: &license, IsPatient: &patient})
	if err != nil {
		t.Fatal(err)
	}
	if got.PatientCode != "PAC00001" || got.MedicalLicense != "CED-77" {
		t.Errorf("updated = %+v", got)
	}

	list, _ := svc.List(ctx, RolePrescriber)
	if len(list) != 1 || list[0].ID != p.ID {
		t.Errorf("prescribers = %v", list)
	}
}
