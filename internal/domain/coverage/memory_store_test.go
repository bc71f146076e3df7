package coverage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestMemoryStoreRejectsDuplicateMembership(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first := basePolicy()
	if err := store.Create(ctx, &first); err != nil {
		t.Fatal(err)
	}

	second := basePolicy()
	second.PatientID = uuid.New()
	second.InsurerID = first.InsurerID
	err := store.Create(ctx, &second)
	if !errors.Is(err, ErrDuplicatePolicy) || !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want duplicate validation failure", err)
	}

	other := basePolicy()
	other.InsurerID = first.InsurerID
	other.MemberID = "MBR-002"
	if err := store.Create(ctx, &other); err != nil {
		t.Errorf("different member id should be accepted: %v", err)
	}
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := basePolicy()
	if err := store.Create(ctx, &p); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	got.DeductibleMet = d("999")

	again, _ := store.Get(ctx, p.ID)
	if !again.DeductibleMet.IsZero() {
		t.Error("mutating a returned snapshot changed the store")
	}
	if again.Version != 1 {
		t.Errorf("version = %d, want 1", again.Version)
	}

	if _, err := store.Get(ctx, uuid.New()); !errors.Is(err, ErrPolicyNotFound) {
		t.Errorf("err = %v, want ErrPolicyNotFound", err)
	}
}

func TestMemoryStoreUpdateMovesUniqueKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a := basePolicy()
	b := basePolicy()
	b.InsurerID = a.InsurerID
	b.MemberID = "MBR-B"
	for _, p := range []*Policy{&a, &b} {
		if err := store.Create(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	clash := b
	clash.MemberID = a.MemberID
	if err := store.Update(ctx, &clash); !errors.Is(err, ErrDuplicatePolicy) {
		t.Fatalf("err = %v, want ErrDuplicatePolicy", err)
	}

	moved := b
	moved.MemberID = "MBR-C"
	if err := store.Update(ctx, &moved); err != nil {
		t.Fatal(err)
	}
	reuse := basePolicy()
	reuse.InsurerID = a.InsurerID
	reuse.MemberID = "MBR-B"
	if err := store.Create(ctx, &reuse); err != nil {
		t.Errorf("old key should be free after update: %v", err)
	}
}

func TestMemoryStoreMutateSerializesWriters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := basePolicy()
	if err := store.Create(ctx, &p); err != nil {
		t.Fatal(err)
	}

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Mutate(ctx, p.ID, func(p *Policy) ([]*Event, error) {
				p.DeductibleMet = p.DeductibleMet.Add(d("1"))
				return nil, nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	got, _ := store.Get(ctx, p.ID)
	if !got.DeductibleMet.Equal(d("50")) {
		t.Errorf("deductible met = %s, want 50", got.DeductibleMet)
	}
	if got.Version != writers+1 {
		t.Errorf("version = %d, want %d", got.Version, writers+1)
	}
}

func TestMemoryStoreMutateFailureStoresNothing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := basePolicy()
	if err := store.Create(ctx, &p); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	_, err := store.Mutate(ctx, p.ID, func(p *Policy) ([]*Event, error) {
		p.DeductibleMet = d("100")
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	_, err = store.Mutate(ctx, p.ID, func(p *Policy) ([]*Event, error) {
		p.MemberID = "someone-else"
		return nil, nil
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("changing the membership key: err = %v, want validation failure", err)
	}

	got, _ := store.Get(ctx, p.ID)
	if !got.DeductibleMet.IsZero() || got.MemberID != p.MemberID || got.Version != 1 {
		t.Errorf("failed mutations leaked: %+v", got)
	}
}

func TestMemoryStoreMutateUnchangedSkipsWrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := basePolicy()
	if err := store.Create(ctx, &p); err != nil {
		t.Fatal(err)
	}

	got, err := store.Mutate(ctx, p.ID, func(p *Policy) ([]*Event, error) {
		p.Notes = "discarded"
		return nil, errUnchanged
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 1 || got.Notes != p.Notes {
		t.Errorf("unchanged mutation returned %+v", got)
	}
	stored, _ := store.Get(ctx, p.ID)
	if stored.Version != 1 || stored.Notes != p.Notes {
		t.Errorf("unchanged mutation was stored: %+v", stored)
	}
}

func TestMemoryStoreSettleForgetsRemovedPolicies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := basePolicy()
	if err := store.Create(ctx, &p); err != nil {
		t.Fatal(err)
	}

	var calls int
	apply := func(p *Policy) (*Charge, []*Event, error) {
		calls++
		return &Charge{Split: CostSplit{Amount: d("5"), PatientPays: d("5"), InsurancePays: d("0"), DeductibleApplied: d("0")}}, nil, nil
	}
	for i := 0; i < 2; i++ {
		if _, _, err := store.Settle(ctx, p.ID, "D-1", apply); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 1 {
		t.Errorf("settle func ran %d times, want 1", calls)
	}

	if _, err := store.DeleteByPatient(ctx, p.PatientID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.Settle(ctx, p.ID, "D-1", apply); !errors.Is(err, ErrPolicyNotFound) {
		t.Errorf("err = %v, want ErrPolicyNotFound", err)
	}
	if len(store.charges) != 0 {
		t.Errorf("%d charges outlived their policy", len(store.charges))
	}
}

func TestMemoryStoreListAndDeleteByPatient(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	patient := uuid.New()

	older := basePolicy()
	older.PatientID = patient
	older.StartDate = day(-400)
	newer := basePolicy()
	newer.PatientID = patient
	newer.StartDate = day(-10)
	stranger := basePolicy()

	for _, p := range []*Policy{&older, &newer, &stranger} {
		if err := store.Create(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	list, err := store.ListByPatient(ctx, patient)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != newer.ID || list[1].ID != older.ID {
		t.Fatalf("list order wrong: %v", list)
	}

	n, err := store.DeleteByPatient(ctx, patient)
	if err != nil || n != 2 {
		t.Fatalf("DeleteByPatient = %d, %v", n, err)
	}
	if _, err := store.Get(ctx, older.ID); !errors.Is(err, ErrPolicyNotFound) {
		t.Error("policy survived its patient")
	}
	if _, err := store.Get(ctx, stranger.ID); err != nil {
		t.Errorf("other patient's policy removed: %v", err)
	}

	again := basePolicy()
	again.InsurerID = older.InsurerID
	again.PolicyNumber = older.PolicyNumber
	again.MemberID = older.MemberID
	if err := store.Create(ctx, &again); err != nil {
		t.Errorf("deleted membership key still reserved: %v", err)
	}
}
