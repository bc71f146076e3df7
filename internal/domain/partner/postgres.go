package partner

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/vertical-pharmacy/rxcoverage/internal/infrastructure/postgres"
)

const partnerColumns = `
	id, name, is_company, is_patient, is_prescriber, is_laboratory, patient_code,
	allergies, chronic_conditions, current_medications, medical_license,
	prescriber_specialty, prescriber_signature, created_at, updated_at`

// PostgresStore persists partners in the partners table
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store over pool
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

// Create inserts p
func (s *PostgresStore) Create(ctx context.Context, p *Partner) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO partners (`+partnerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		p.ID, p.Name, p.IsCompany, p.IsPatient, p.IsPrescriber, p.IsLaboratory, nullable(p.PatientCode),
		p.Allergies, p.ChronicConditions, p.CurrentMedications, nullable(p.MedicalLicense),
		nullable(string(p.PrescriberSpecialty)), p.PrescriberSignature, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return mapError(err)
	}
	return nil
}

// Get loads a partner by id
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Partner, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+partnerColumns+` FROM partners WHERE id = $1`, id)
	p, err := scanPartner(row)
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

// Update overwrites every mutable column of p
func (s *PostgresStore) Update(ctx context.Context, p *Partner) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE partners SET
			name = $2, is_company = $3, is_patient = $4, is_prescriber = $5, is_laboratory = $6,
			patient_code = $7, allergies = $8, chronic_conditions = $9, current_medications = $10,
			medical_license = $11, prescriber_specialty = $12, prescriber_signature = $13, updated_at = $14
		WHERE id = $1`,
		p.ID, p.Name, p.IsCompany, p.IsPatient, p.IsPrescriber, p.IsLaboratory,
		nullable(p.PatientCode), p.Allergies, p.ChronicConditions, p.CurrentMedications,
		nullable(p.MedicalLicense), nullable(string(p.PrescriberSpecialty)), p.PrescriberSignature, p.UpdatedAt,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPartnerNotFound
	}
	return nil
}

// Delete removes the partner. Patient policies go with it through ON DELETE CASCADE.
func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM partners WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPartnerNotFound
	}
	return nil
}

// List returns partners with role, ordered by name
func (s *PostgresStore) List(ctx context.Context, role Role) ([]*Partner, error) {
	query := `SELECT ` + partnerColumns + ` FROM partners`
	switch role {
	case RolePatient:
		query += ` WHERE is_patient`
	case RolePrescriber:
		query += ` WHERE is_prescriber`
	case RoleLaboratory:
		query += ` WHERE is_laboratory`
	case RoleInsurer:
		query += ` WHERE is_company`
	}
	query += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list partners: %w", err)
	}
	defer rows.Close()

	var out []*Partner
	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan partner: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPartner(row pgx.Row) (*Partner, error) {
	p := &Partner{}
	var code, license, specialty *string
	err := row.Scan(
		&p.ID, &p.Name, &p.IsCompany, &p.IsPatient, &p.IsPrescriber, &p.IsLaboratory, &code,
		&p.Allergies, &p.ChronicConditions, &p.CurrentMedications, &license,
		&specialty, &p.PrescriberSignature, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if code != nil {
		p.PatientCode = *code
	}
	if license != nil {
		p.MedicalLicense = *license
	}
	if specialty != nil {
		p.PrescriberSpecialty = Specialty(*specialty)
	}
	return p, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func mapError(err error) error {
	if postgres.IsNoRows(err) {
		return ErrPartnerNotFound
	}
	if name, ok := postgres.ConstraintError(err, postgres.CodeUniqueViolation); ok {
		switch name {
		case "partner_medical_license_unique":
			return ErrDuplicateLicense
		case "partner_patient_code_unique":
			return ErrDuplicatePatientCode
		}
	}
	if _, ok := postgres.ConstraintError(err, postgres.CodeForeignKeyViolation); ok {
		return ErrPartnerInUse
	}
	return fmt.Errorf("partner store: %w", err)
}
