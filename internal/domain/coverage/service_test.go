package coverage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
)

type fakeParties struct {
	patients map[uuid.UUID]bool
	insurers map[uuid.UUID]bool
}

func (f *fakeParties) PatientExists(_ context.Context, id uuid.UUID) (bool, error) {
	return f.patients[id], nil
}

func (f *fakeParties) InsurerExists(_ context.Context, id uuid.UUID) (bool, error) {
	return f.insurers[id], nil
}

type recordingObserver struct {
	mu         sync.Mutex
	registered []string
	failed     []string
	splits     []string
	settled    float64
}

func (o *recordingObserver) PolicyRegistered(level string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.registered = append(o.registered, level)
}

func (o *recordingObserver) ValidationFailed(field string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, field)
}

func (o *recordingObserver) CostSplit(reason string, _, _ float64, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.splits = append(o.splits, reason)
}

func (o *recordingObserver) ChargeSettled(_ string, applied float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settled += applied
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	observer *recordingObserver
	patient  uuid.UUID
	insurer  uuid.UUID
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    NewMemoryStore(),
		observer: &recordingObserver{},
		patient:  uuid.New(),
		insurer:  uuid.New(),
		now:      today,
	}
	parties := &fakeParties{
		patients: map[uuid.UUID]bool{f.patient: true},
		insurers: map[uuid.UUID]bool{f.insurer: true},
	}
	f.svc = NewService(f.store, parties, zaptest.NewLogger(t),
		WithClock(func() time.Time { return f.now }),
		WithObserver(f.observer),
	)
	return f
}

func (f *fixture) input() RegisterInput {
	return RegisterInput{
		PatientID:    f.patient,
		InsurerID:    f.insurer,
		PolicyNumber: " POL-777 ",
		MemberID:     "MBR-777",
		PlanName:     "Plan Plata",
	}
}

func (f *fixture) register(t *testing.T, edit func(in *RegisterInput)) *Policy {
	t.Helper()
	in := f.input()
	if edit != nil {
		edit(&in)
	}
	p, err := f.svc.Register(context.Background(), in)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return p
}

func TestRegisterAppliesDefaults(t *testing.T) {
	f := newFixture(t)
	p := f.register(t, nil)

	if p.CoverageLevel != LevelBasic {
		t.Errorf("coverage level = %s, want basic", p.CoverageLevel)
	}
	if !p.Active {
		t.Error("new policy should be active")
	}
	if !p.StartDate.Equal(DateOf(today)) {
		t.Errorf("start date = %s, want %s", p.StartDate, DateOf(today))
	}
	if p.EndDate != nil {
		t.Error("end date should be open")
	}
	if p.Currency != "MXN" {
		t.Errorf("currency = %s, want MXN", p.Currency)
	}
	if p.PolicyNumber != "POL-777" {
		t.Errorf("policy number not trimmed: %q", p.PolicyNumber)
	}
	if !p.DeductibleMet.IsZero() || p.Version != 1 {
		t.Errorf("unexpected initial state: met=%s version=%d", p.DeductibleMet, p.Version)
	}

	events := f.store.Events()
	if len(events) != 1 || events[0].EventType != EventPolicyRegistered {
		t.Fatalf("events = %v, want one registration", events)
	}
	if events[0].AggregateID != p.ID.String() || events[0].Version != 1 {
		t.Errorf("event = %+v", events[0])
	}
	if len(f.observer.registered) != 1 || f.observer.registered[0] != "basic" {
		t.Errorf("observer saw %v", f.observer.registered)
	}
}

func TestRegisterRejectsUnknownParties(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Register(context.Background(), RegisterInput{
		PatientID: uuid.New(), InsurerID: f.insurer,
		PolicyNumber: "P", MemberID: "M", PlanName: "Plan",
	})
	if !errors.Is(err, ErrPatientNotFound) {
		t.Errorf("err = %v, want ErrPatientNotFound", err)
	}

	_, err = f.svc.Register(context.Background(), RegisterInput{
		PatientID: f.patient, InsurerID: uuid.New(),
		PolicyNumber: "P", MemberID: "M", PlanName: "Plan",
	})
	if !errors.Is(err, ErrInsurerNotFound) {
		t.Errorf("err = %v, want ErrInsurerNotFound", err)
	}
	if n := len(f.store.Events()); n != 0 {
		t.Errorf("%d events recorded for rejected registrations", n)
	}
}

func TestRegisterRejectsDuplicateMembership(t *testing.T) {
	f := newFixture(t)
	f.register(t, nil)

	_, err := f.svc.Register(context.Background(), f.input())
	if !errors.Is(err, ErrDuplicatePolicy) {
		t.Fatalf("err = %v, want ErrDuplicatePolicy", err)
	}
	if len(f.observer.failed) != 1 {
		t.Errorf("validation failures observed = %v", f.observer.failed)
	}
}

func TestRegisterRejectsEndBeforeStart(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Register(context.Background(), RegisterInput{
		PatientID: f.patient, InsurerID: f.insurer,
		PolicyNumber: "P", MemberID: "M", PlanName: "Plan",
		StartDate: ptr(day(0)),
		EndDate:   ptr(day(-1)),
	})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "end_date" {
		t.Fatalf("err = %v, want end_date validation failure", err)
	}
	if len(f.observer.failed) != 1 || f.observer.failed[0] != "end_date" {
		t.Errorf("observer saw %v", f.observer.failed)
	}
}

func TestSettleAccumulatesDeductible(t *testing.T) {
	f := newFixture(t)
	p := f.register(t, func(in *RegisterInput) {
		in.AnnualDeductible = d("500")
		in.DeductibleMet = d("200")
		in.CoinsurancePercentage = d("20")
	})
	ctx := context.Background()

	steps := []struct {
		amount, patient, insurer, met string
		reason                        Reason
	}{
		{"100", "100", "0", "300", ReasonAppliedToDeductible},
		{"500", "260", "240", "500", ReasonNormalCalculation},
		{"100", "20", "80", "500", ReasonNormalCalculation},
	}
	for i, step := range steps {
		got, err := f.svc.Settle(ctx, SettleInput{
			PolicyID:   p.ID,
			DispenseID: uuid.NewString(),
			Amount:     d(step.amount),
		})
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		assertSplit(t, got.Split, step.patient, step.insurer, step.reason)
		if !got.Policy.DeductibleMet.Equal(d(step.met)) {
			t.Errorf("step %d: deductible met = %s, want %s", i, got.Policy.DeductibleMet, step.met)
		}
	}

	events := f.store.Events()
	if len(events) != 4 {
		t.Fatalf("recorded %d events, want 4", len(events))
	}
	var settled ChargeSettledData
	if err := json.Unmarshal(events[2].EventData, &settled); err != nil {
		t.Fatal(err)
	}
	if !settled.DeductibleMet.Equal(d("500")) || !settled.PatientPays.Equal(d("260")) {
		t.Errorf("settlement payload = %+v", settled)
	}
	if events[2].CorrelationID != settled.DispenseID {
		t.Error("settlement event not correlated with its dispensation")
	}
	if events[3].Version != 4 {
		t.Errorf("last event version = %d, want 4", events[3].Version)
	}
}

func TestConcurrentSettlementsNeverOverfillDeductible(t *testing.T) {
	f := newFixture(t)
	p := f.register(t, func(in *RegisterInput) {
		in.AnnualDeductible = d("500")
	})

	const charges = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		patient = decimal.Zero
	)
	for i := 0; i < charges; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.svc.Settle(context.Background(), SettleInput{
				PolicyID:   p.ID,
				DispenseID: uuid.NewString(),
				Amount:     d("50"),
			})
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			patient = patient.Add(got.Split.PatientPays)
			mu.Unlock()
		}()
	}
	wg.Wait()

	final, err := f.svc.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !final.DeductibleMet.Equal(d("500")) {
		t.Errorf("deductible met = %s, want 500", final.DeductibleMet)
	}
	if !patient.Equal(d("500")) {
		t.Errorf("patient paid %s in total, want 500", patient)
	}
	if f.observer.settled != 500 {
		t.Errorf("observer saw %v applied to deductible", f.observer.settled)
	}
}

func TestSettleRequiresDispenseID(t *testing.T) {
	f := newFixture(t)
	p := f.register(t, nil)

	_, err := f.svc.Settle(context.Background(), SettleInput{PolicyID: p.ID, Amount: d("10")})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestSettleNegativeAmountRecordsNothing(t *testing.T) {
	f := newFixture(t)
	p := f.register(t, nil)

	_, err := f.svc.Settle(context.Background(), SettleInput{
		PolicyID: p.ID, DispenseID: "D-1", Amount: d("-1"),
	})
	if !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("err = %v, want ErrNegativeAmount", err)
	}
	got, _ := f.svc.Get(context.Background(), p.ID)
	if got.Version != 1 || len(f.store.Events()) != 1 {
		t.Error("rejected settlement changed the policy")
	}
}

func TestSettleSameDispenseOnce(t *testing.T) {
	f := newFixture(t)
	p := f.register(t, func(in *RegisterInput) {
		in.AnnualDeductible = d("500")
		in.CoinsurancePercentage = d("20")
	})
	ctx := context.Background()
	in := SettleInput{PolicyID: p.ID, DispenseID: "D-42", Amount: d("100")}

	first, err := f.svc.Settle(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if first.Replayed {
		t.Error("first settlement marked as replayed")
	}

	// redelivery after a lost acknowledgement, even with a different amount
	in.Amount = d("300")
	second, err := f.svc.Settle(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Replayed {
		t.Error("second settlement not marked as replayed")
	}
	assertSplit(t, second.Split, "100", "0", ReasonAppliedToDeductible)
	if !second.Policy.DeductibleMet.Equal(d("100")) {
		t.Errorf("deductible met = %s, want 100", second.Policy.DeductibleMet)
	}
	if second.Policy.Version != first.Policy.Version {
		t.Errorf("version = %d, want %d", second.Policy.Version, first.Policy.Version)
	}
	if n := len(f.store.Events()); n != 2 {
		t.Errorf("recorded %d events, want 2", n)
	}
	if f.observer.settled != 100 {
		t.Errorf("observer saw %v applied to deductible", f.observer.settled)
	}

	// the same dispensation on another policy is a separate charge
	other := f.register(t, func(in *RegisterInput) { in.MemberID = "MBR-778" })
	got, err := f.svc.Settle(ctx, SettleInput{PolicyID: other.ID, DispenseID: "D-42", Amount: d("10")})
	if err != nil || got.Replayed {
		t.Errorf("settle on other policy = %+v, %v", got, err)
	}
}

func TestConcurrentRedeliveriesSettleOnce(t *testing.T) {
	f := newFixture(t)
	p := f.register(t, func(in *RegisterInput) {
		in.AnnualDeductible = d("500")
	})

	const deliveries = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		replayed int
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.svc.Settle(context.Background(), SettleInput{
				PolicyID: p.ID, DispenseID: "D-7", Amount: d("50"),
			})
			if err != nil {
				t.Error(err)
				return
			}
			if got.Replayed {
				mu.Lock()
				replayed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	final, _ := f.svc.Get(context.Background(), p.ID)
	if !final.DeductibleMet.Equal(d("50")) {
		t.Errorf("deductible met = %s, want 50", final.DeductibleMet)
	}
	if replayed != deliveries-1 {
		t.Errorf("%d replays, want %d", replayed, deliveries-1)
	}
}

func TestSettleRejectsSubCentAmount(t *testing.T) {
	f := newFixture(t)
	p := f.register(t, nil)
	ctx := context.Background()

	_, err := f.svc.Settle(ctx, SettleInput{PolicyID: p.ID, DispenseID: "D-1", Amount: d("10.005")})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
	if _, err := f.svc.Quote(ctx, p.ID, d("0.001"), time.Time{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("quote err = %v, want ErrInvalidArgument", err)
	}
	got, _ := f.svc.Get(ctx, p.ID)
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}

	if _, err := f.svc.Settle(ctx, SettleInput{PolicyID: p.ID, DispenseID: "D-1", Amount: d("10.500")}); err != nil {
		t.Errorf("zero-padded amount rejected: %v", err)
	}
}

func TestInsurerInUse(t *testing.T) {
	f := newFixture(t)
	p := f.register(t, nil)
	ctx := context.Background()

	used, err := f.svc.InsurerInUse(ctx, f.insurer)
	if err != nil || !used {
		t.Errorf("InsurerInUse = %v, %v; want true", used, err)
	}
	if used, _ := f.svc.InsurerInUse(ctx, f.patient); used {
		t.Error("patient reported as an insurer in use")
	}

	if _, err := f.svc.RemovePatientPolicies(ctx, p.PatientID); err != nil {
		t.Fatal(err)
	}
	if used, _ := f.svc.InsurerInUse(ctx, f.insurer); used {
		t.Error("insurer still in use after its policies were removed")
	}
}

func TestQuoteDoesNotRecord(t *testing.T) {
	f := newFixture(t)
	p := f.register(t, func(in *RegisterInput) {
		in.AnnualDeductible = d("300")
	})

	split, err := f.svc.Quote(context.Background(), p.ID, d("120"), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	assertSplit(t, split, "120", "0", ReasonAppliedToDeductible)

	got, _ := f.svc.Get(context.Background(), p.ID)
	if !got.DeductibleMet.IsZero() || got.Version != 1 {
		t.Error("quote changed the policy")
	}
	if len(f.observer.splits) != 1 {
		t.Errorf("observer saw %d splits, want 1", len(f.observer.splits))
	}

	if _, err := f.svc.Quote(context.Background(), uuid.New(), d("1"), time.Time{}); !errors.Is(err, ErrPolicyNotFound) {
		t.Errorf("err = %v, want ErrPolicyNotFound", err)
	}
}

func TestValidityFollowsClock(t *testing.T) {
	f := newFixture(t)
	p := f.register(t, func(in *RegisterInput) {
		in.EndDate = ptr(day(0))
		in.AnnualDeductible = d("100")
		in.DeductibleMet = d("40")
	})
	ctx := context.Background()

	v, err := f.svc.Validity(ctx, p.ID, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if !v.Valid || !v.RemainingDeductible.Equal(d("60")) {
		t.Errorf("validity = %+v", v)
	}

	f.now = today.Add(24 * time.Hour)
	v, err = f.svc.Validity(ctx, p.ID, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if v.Valid {
		t.Error("policy still valid the day after it ended")
	}

	v, _ = f.svc.Validity(ctx, p.ID, today)
	if !v.Valid {
		t.Error("explicit as-of date ignored")
	}
}

func TestDeactivatedPolicyChargesPatient(t *testing.T) {
	f := newFixture(t)
	p := f.register(t, func(in *RegisterInput) {
		in.CopayDefault = d("5")
	})
	ctx := context.Background()

	first, err := f.svc.Deactivate(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	again, err := f.svc.Deactivate(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.Active {
		t.Error("policy still active")
	}
	if again.Version != first.Version || !again.UpdatedAt.Equal(first.UpdatedAt) {
		t.Errorf("repeated deactivation rewrote the policy: version %d -> %d", first.Version, again.Version)
	}
	var deactivations int
	for _, e := range f.store.Events() {
		if e.EventType == EventPolicyDeactivated {
			deactivations++
		}
	}
	if deactivations != 1 {
		t.Errorf("%d deactivation events, want 1", deactivations)
	}

	got, err := f.svc.Settle(ctx, SettleInput{PolicyID: p.ID, DispenseID: "D-9", Amount: d("42")})
	if err != nil {
		t.Fatal(err)
	}
	assertSplit(t, got.Split, "42", "0", ReasonInvalidCoverage)
}

func TestUpdateTermsRevalidates(t *testing.T) {
	f := newFixture(t)
	p := f.register(t, func(in *RegisterInput) {
		in.CoinsurancePercentage = d("20")
	})
	ctx := context.Background()

	_, err := f.svc.UpdateTerms(ctx, p.ID, TermsUpdate{
		CoinsurancePercentage: ptr(d("150")),
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want validation failure", err)
	}
	got, _ := f.svc.Get(ctx, p.ID)
	if !got.CoinsurancePercentage.Equal(d("20")) || got.Version != 1 {
		t.Error("rejected update was stored")
	}

	updated, err := f.svc.UpdateTerms(ctx, p.ID, TermsUpdate{
		CopayDefault: ptr(d("15")),
		EndDate:      ptr(day(90)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !updated.CopayDefault.Equal(d("15")) || updated.EndDate == nil || updated.Version != 2 {
		t.Errorf("updated = %+v", updated)
	}

	cleared, err := f.svc.UpdateTerms(ctx, p.ID, TermsUpdate{ClearEndDate: true})
	if err != nil {
		t.Fatal(err)
	}
	if cleared.EndDate != nil {
		t.Error("end date not cleared")
	}
}

func TestResetDeductible(t *testing.T) {
	f := newFixture(t)
	p := f.register(t, func(in *RegisterInput) {
		in.AnnualDeductible = d("500")
		in.DeductibleMet = d("480")
	})

	got, err := f.svc.ResetDeductible(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.DeductibleMet.IsZero() {
		t.Errorf("deductible met = %s after reset", got.DeductibleMet)
	}

	events := f.store.Events()
	last := events[len(events)-1]
	var data DeductibleResetData
	if err := json.Unmarshal(last.EventData, &data); err != nil {
		t.Fatal(err)
	}
	if last.EventType != EventDeductibleReset || !data.PreviousMet.Equal(d("480")) {
		t.Errorf("reset event = %s %+v", last.EventType, data)
	}
}

func TestRemovePatientPolicies(t *testing.T) {
	f := newFixture(t)
	f.register(t, nil)
	f.register(t, func(in *RegisterInput) { in.MemberID = "MBR-778" })

	n, err := f.svc.RemovePatientPolicies(context.Background(), f.patient)
	if err != nil || n != 2 {
		t.Fatalf("removed %d, %v", n, err)
	}
	list, _ := f.svc.ListByPatient(context.Background(), f.patient)
	if len(list) != 0 {
		t.Errorf("%d policies survived", len(list))
	}
}
