package partner

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Role filters partner listings
type Role string

const (
	RoleAny        Role = ""
	RolePatient    Role = "patient"
	RolePrescriber Role = "prescriber"
	RoleLaboratory Role = "laboratory"
	RoleInsurer    Role = "insurer"
)

// Matches reports whether p carries role r
func (r Role) Matches(p *Partner) bool {
	switch r {
	case RolePatient:
		return p.IsPatient
	case RolePrescriber:
		return p.IsPrescriber
	case RoleLaboratory:
		return p.IsLaboratory
	case RoleInsurer:
		return p.IsInsurer()
	}
	return true
}

// Store persists partners, enforcing unique medical licenses and patient codes
type Store interface {
	Create(ctx context.Context, p *Partner) error
	Get(ctx context.Context, id uuid.UUID) (*Partner, error)
	Update(ctx context.Context, p *Partner) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, role Role) ([]*Partner, error)
}

// MemoryStore keeps partners in process
type MemoryStore struct {
	mu       sync.RWMutex
	partners map[uuid.UUID]*Partner
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{partners: make(map[uuid.UUID]*Partner)}
}

func (s *MemoryStore) conflict(p *Partner) error {
	for id, other := range s.partners {
		if id == p.ID {
			continue
		}
		if p.MedicalLicense != "" && other.MedicalLicense == p.MedicalLicense {
			return ErrDuplicateLicense
		}
		if p.PatientCode != "" && other.PatientCode == p.PatientCode {
			return ErrDuplicatePatientCode
		}
	}
	return nil
}

// Create inserts p
func (s *MemoryStore) Create(ctx context.Context, p *Partner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if err := s.conflict(p); err != nil {
		return err
	}
	s.partners[p.ID] = p.Clone()
	return nil
}

// Get returns a copy of the partner
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.partners[id]
	if !ok {
		return nil, ErrPartnerNotFound
	}
	return p.Clone(), nil
}

// Update replaces the stored partner
func (s *MemoryStore) Update(ctx context.Context, p *Partner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.partners[p.ID]; !ok {
		return ErrPartnerNotFound
	}
	if err := s.conflict(p); err != nil {
		return err
	}
	s.partners[p.ID] = p.Clone()
	return nil
}

// Delete removes the partner
func (s *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.partners[id]; !ok {
		return ErrPartnerNotFound
	}
	delete(s.partners, id)
	return nil
}

// List returns partners with role, ordered by name
func (s *MemoryStore) List(ctx context.Context, role Role) ([]*Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Partner
	for _, p := range s.partners {
		if role.Matches(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
