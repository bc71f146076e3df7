package coverage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MutateFunc changes a locked policy snapshot in place and returns the events to
// record. Returning errUnchanged leaves the stored policy and its version alone.
type MutateFunc func(p *Policy) ([]*Event, error)

var errUnchanged = errors.New("policy unchanged")

// Charge is the recorded outcome of one dispensation settled against a policy
type Charge struct {
	PolicyID   uuid.UUID
	DispenseID string
	Split      CostSplit
	SettledAt  time.Time
	// Replayed is set when the dispensation had already been settled and
	// the stored outcome is returned instead of a new one
	Replayed bool
}

// SettleFunc applies a new charge to a locked policy snapshot. It is not
// called when (policy, dispensation) was settled before.
type SettleFunc func(p *Policy) (*Charge, []*Event, error)

type chargeKey struct {
	policyID   uuid.UUID
	dispenseID string
}

// Store is the record store collaborator. Implementations enforce the
// (insurer, policy number, member id) unique constraint and serialize Mutate
// calls on the same policy.
type Store interface {
	Create(ctx context.Context, p *Policy, events ...*Event) error
	Get(ctx context.Context, id uuid.UUID) (*Policy, error)
	Update(ctx context.Context, p *Policy, events ...*Event) error
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Policy, error)
	DeleteByPatient(ctx context.Context, patientID uuid.UUID) (int64, error)
	Mutate(ctx context.Context, id uuid.UUID, fn MutateFunc) (*Policy, error)
	// Settle is Mutate that also records (id, dispenseID), so a dispensation
	// accumulates into the deductible at most once
	Settle(ctx context.Context, id uuid.UUID, dispenseID string, fn SettleFunc) (*Policy, *Charge, error)
	InsurerInUse(ctx context.Context, insurerID uuid.UUID) (bool, error)
}

// MemoryStore keeps policies in process. Events are retained in order for inspection.
type MemoryStore struct {
	mu       sync.Mutex
	policies map[uuid.UUID]*Policy
	keys     map[Key]uuid.UUID
	charges  map[chargeKey]Charge
	events   []*Event
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[uuid.UUID]*Policy),
		keys:     make(map[Key]uuid.UUID),
		charges:  make(map[chargeKey]Charge),
	}
}

// Create inserts p, rejecting a duplicate membership triple
func (s *MemoryStore) Create(ctx context.Context, p *Policy, events ...*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[p.Key()]; exists {
		return ErrDuplicatePolicy
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Version = 1
	stampVersion(events, p.Version)
	s.policies[p.ID] = p.Clone()
	s.keys[p.Key()] = p.ID
	s.events = append(s.events, events...)
	return nil
}

// Get returns a copy of the stored policy
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return p.Clone(), nil
}

// Update replaces the stored policy, keeping the unique index consistent
func (s *MemoryStore) Update(ctx context.Context, p *Policy, events ...*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.policies[p.ID]
	if !ok {
		return ErrPolicyNotFound
	}
	if current.Key() != p.Key() {
		if _, taken := s.keys[p.Key()]; taken {
			return ErrDuplicatePolicy
		}
		delete(s.keys, current.Key())
		s.keys[p.Key()] = p.ID
	}
	p.Version = current.Version + 1
	stampVersion(events, p.Version)
	s.policies[p.ID] = p.Clone()
	s.events = append(s.events, events...)
	return nil
}

// ListByPatient returns the patient's policies, most recent start date first
func (s *MemoryStore) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Policy
	for _, p := range s.policies {
		if p.PatientID == patientID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartDate.After(out[j].StartDate)
	})
	return out, nil
}

// DeleteByPatient removes every policy owned by patientID
func (s *MemoryStore) DeleteByPatient(ctx context.Context, patientID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, p := range s.policies {
		if p.PatientID == patientID {
			delete(s.keys, p.Key())
			delete(s.policies, id)
			n++
		}
	}
	for key := range s.charges {
		if _, ok := s.policies[key.policyID]; !ok {
			delete(s.charges, key)
		}
	}
	return n, nil
}

// InsurerInUse reports whether any policy references insurerID
func (s *MemoryStore) InsurerInUse(ctx context.Context, insurerID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.policies {
		if p.InsurerID == insurerID {
			return true, nil
		}
	}
	return false, nil
}

// Mutate runs fn under the store lock. fn sees a copy; nothing is stored if it fails.
func (s *MemoryStore) Mutate(ctx context.Context, id uuid.UUID, fn MutateFunc) (*Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.policies[id]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	working := current.Clone()
	events, err := fn(working)
	if errors.Is(err, errUnchanged) {
		return current.Clone(), nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.commit(current, working, events); err != nil {
		return nil, err
	}
	return working.Clone(), nil
}

// Settle returns the stored charge when dispenseID was already settled on id.
// Otherwise fn runs like a Mutate and its charge is recorded with the policy.
func (s *MemoryStore) Settle(ctx context.Context, id uuid.UUID, dispenseID string, fn SettleFunc) (*Policy, *Charge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.policies[id]
	if !ok {
		return nil, nil, ErrPolicyNotFound
	}
	key := chargeKey{policyID: id, dispenseID: dispenseID}
	if prior, ok := s.charges[key]; ok {
		prior.Replayed = true
		return current.Clone(), &prior, nil
	}

	working := current.Clone()
	charge, events, err := fn(working)
	if err != nil {
		return nil, nil, err
	}
	if err := s.commit(current, working, events); err != nil {
		return nil, nil, err
	}
	charge.PolicyID = id
	charge.DispenseID = dispenseID
	s.charges[key] = *charge
	return working.Clone(), charge, nil
}

func (s *MemoryStore) commit(current, working *Policy, events []*Event) error {
	if working.Key() != current.Key() {
		return invalid("policy_number", "membership identity cannot change during a mutation")
	}
	working.Version = current.Version + 1
	stampVersion(events, working.Version)
	s.policies[working.ID] = working
	s.events = append(s.events, events...)
	return nil
}

// Events returns the recorded events in insertion order
func (s *MemoryStore) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Event, len(s.events))
	copy(out, s.events)
	return out
}
