package coverage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/vertical-pharmacy/rxcoverage/internal/infrastructure/postgres"
)

const policyColumns = `
	id, patient_id, insurer_id, policy_number, member_id, group_number, plan_name,
	coverage_level, active, start_date, end_date, copay_default, coinsurance_percentage,
	annual_deductible, deductible_met, currency, notes, version, created_at, updated_at`

// TopicRouter picks the outbox topic for an event type
type TopicRouter func(eventType string) string

// PostgresStore persists policies in insurance_policies and writes their
// events to the outbox in the same transaction
type PostgresStore struct {
	pool   *pgxpool.Pool
	route  TopicRouter
	logger *zap.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store over pool
func NewPostgresStore(pool *pgxpool.Pool, route TopicRouter, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, route: route, logger: logger}
}

// Create inserts p and its events atomically
func (s *PostgresStore) Create(ctx context.Context, p *Policy, events ...*Event) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Version = 1

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO insurance_policies (`+policyColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
			p.ID, p.PatientID, p.InsurerID, p.PolicyNumber, p.MemberID, p.GroupNumber, p.PlanName,
			p.CoverageLevel, p.Active, p.StartDate, p.EndDate, p.CopayDefault, p.CoinsurancePercentage,
			p.AnnualDeductible, p.DeductibleMet, p.Currency, p.Notes, p.Version, p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			return mapError(err)
		}
		return s.writeEvents(ctx, tx, p.Version, events)
	})
}

// Get loads a policy by id
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Policy, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+policyColumns+` FROM insurance_policies WHERE id = $1`, id)
	p, err := scanPolicy(row)
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

// Update overwrites every mutable column of p
func (s *PostgresStore) Update(ctx context.Context, p *Policy, events ...*Event) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var version int
		err := tx.QueryRow(ctx, `SELECT version FROM insurance_policies WHERE id = $1 FOR UPDATE`, p.ID).Scan(&version)
		if err != nil {
			return mapError(err)
		}
		p.Version = version + 1
		if err := s.write(ctx, tx, p); err != nil {
			return err
		}
		return s.writeEvents(ctx, tx, p.Version, events)
	})
}

// ListByPatient returns the patient's policies, most recent start date first
func (s *PostgresStore) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Policy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+policyColumns+`
		FROM insurance_policies
		WHERE patient_id = $1
		ORDER BY start_date DESC, created_at DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteByPatient removes every policy of patientID
func (s *PostgresStore) DeleteByPatient(ctx context.Context, patientID uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM insurance_policies WHERE patient_id = $1`, patientID)
	if err != nil {
		return 0, fmt.Errorf("delete policies: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InsurerInUse reports whether any policy references insurerID
func (s *PostgresStore) InsurerInUse(ctx context.Context, insurerID uuid.UUID) (bool, error) {
	var used bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM insurance_policies WHERE insurer_id = $1)`, insurerID).Scan(&used)
	if err != nil {
		return false, fmt.Errorf("check insurer references: %w", err)
	}
	return used, nil
}

// Mutate locks the row with SELECT ... FOR UPDATE, so concurrent settlements
// on one policy see each other's deductible accumulation
func (s *PostgresStore) Mutate(ctx context.Context, id uuid.UUID, fn MutateFunc) (*Policy, error) {
	var result *Policy
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := lockPolicy(ctx, tx, id)
		if err != nil {
			return err
		}

		working := current.Clone()
		events, err := fn(working)
		if errors.Is(err, errUnchanged) {
			result = current
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.commit(ctx, tx, current, working, events); err != nil {
			return err
		}
		result = working
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Settle looks up (id, dispenseID) in settled_charges under the policy row
// lock. A hit returns the stored split; a miss runs fn and inserts the charge
// in the transaction that writes the accumulated deductible.
func (s *PostgresStore) Settle(ctx context.Context, id uuid.UUID, dispenseID string, fn SettleFunc) (*Policy, *Charge, error) {
	var (
		result *Policy
		charge *Charge
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := lockPolicy(ctx, tx, id)
		if err != nil {
			return err
		}

		prior, err := loadCharge(ctx, tx, id, dispenseID)
		if err == nil {
			prior.Replayed = true
			result, charge = current, prior
			return nil
		}
		if !postgres.IsNoRows(err) {
			return fmt.Errorf("load settled charge: %w", err)
		}

		working := current.Clone()
		c, events, err := fn(working)
		if err != nil {
			return err
		}
		c.PolicyID = id
		c.DispenseID = dispenseID
		if err := s.commit(ctx, tx, current, working, events); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO settled_charges (
				policy_id, dispense_id, amount, patient_pays, insurance_pays,
				deductible_applied, reason, settled_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			c.PolicyID, c.DispenseID, c.Split.Amount, c.Split.PatientPays, c.Split.InsurancePays,
			c.Split.DeductibleApplied, string(c.Split.Reason), c.SettledAt,
		)
		if err != nil {
			return fmt.Errorf("record settled charge: %w", err)
		}
		result, charge = working, c
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return result, charge, nil
}

func lockPolicy(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Policy, error) {
	row := tx.QueryRow(ctx, `SELECT `+policyColumns+` FROM insurance_policies WHERE id = $1 FOR UPDATE`, id)
	p, err := scanPolicy(row)
	if err != nil {
		return nil, mapError(err)
	}
	return p, nil
}

func loadCharge(ctx context.Context, tx pgx.Tx, id uuid.UUID, dispenseID string) (*Charge, error) {
	c := &Charge{PolicyID: id, DispenseID: dispenseID}
	var reason string
	err := tx.QueryRow(ctx, `
		SELECT amount, patient_pays, insurance_pays, deductible_applied, reason, settled_at
		FROM settled_charges
		WHERE policy_id = $1 AND dispense_id = $2`, id, dispenseID).Scan(
		&c.Split.Amount, &c.Split.PatientPays, &c.Split.InsurancePays,
		&c.Split.DeductibleApplied, &reason, &c.SettledAt,
	)
	if err != nil {
		return nil, err
	}
	c.Split.Reason = Reason(reason)
	return c, nil
}

func (s *PostgresStore) commit(ctx context.Context, tx pgx.Tx, current, working *Policy, events []*Event) error {
	if working.Key() != current.Key() {
		return invalid("policy_number", "membership identity cannot change during a mutation")
	}
	working.Version = current.Version + 1
	if err := s.write(ctx, tx, working); err != nil {
		return err
	}
	return s.writeEvents(ctx, tx, working.Version, events)
}

func (s *PostgresStore) write(ctx context.Context, tx pgx.Tx, p *Policy) error {
	tag, err := tx.Exec(ctx, `
		UPDATE insurance_policies SET
			policy_number = $2, member_id = $3, group_number = $4, plan_name = $5,
			coverage_level = $6, active = $7, start_date = $8, end_date = $9,
			copay_default = $10, coinsurance_percentage = $11, annual_deductible = $12,
			deductible_met = $13, currency = $14, notes = $15, version = $16, updated_at = $17
		WHERE id = $1`,
		p.ID, p.PolicyNumber, p.MemberID, p.GroupNumber, p.PlanName,
		p.CoverageLevel, p.Active, p.StartDate, p.EndDate,
		p.CopayDefault, p.CoinsurancePercentage, p.AnnualDeductible,
		p.DeductibleMet, p.Currency, p.Notes, p.Version, p.UpdatedAt,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

func (s *PostgresStore) writeEvents(ctx context.Context, tx pgx.Tx, version int, events []*Event) error {
	stampVersion(events, version)
	for _, e := range events {
		payload, err := marshalEvent(e)
		if err != nil {
			return err
		}
		entry := &postgres.OutboxEntry{
			AggregateID:   e.AggregateID,
			AggregateType: e.AggregateType,
			EventType:     string(e.EventType),
			Payload:       payload,
			Topic:         s.route(string(e.EventType)),
			Key:           e.AggregateID,
		}
		if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}
	return nil
}

func scanPolicy(row pgx.Row) (*Policy, error) {
	p := &Policy{}
	err := row.Scan(
		&p.ID, &p.PatientID, &p.InsurerID, &p.PolicyNumber, &p.MemberID, &p.GroupNumber, &p.PlanName,
		&p.CoverageLevel, &p.Active, &p.StartDate, &p.EndDate, &p.CopayDefault, &p.CoinsurancePercentage,
		&p.AnnualDeductible, &p.DeductibleMet, &p.Currency, &p.Notes, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// mapError translates constraint violations into the domain errors callers match on
func mapError(err error) error {
	if postgres.IsNoRows(err) {
		return ErrPolicyNotFound
	}
	if name, ok := postgres.ConstraintError(err, postgres.CodeUniqueViolation); ok && name == "policy_member_unique" {
		return ErrDuplicatePolicy
	}
	if name, ok := postgres.ConstraintError(err, postgres.CodeCheckViolation); ok {
		switch name {
		case "policy_dates_ordered":
			return &ValidationError{Field: "end_date", Message: "end date cannot be before start date", Err: err}
		default:
			return &ValidationError{Field: name, Message: "coverage terms violate a check constraint", Err: err}
		}
	}
	if name, ok := postgres.ConstraintError(err, postgres.CodeForeignKeyViolation); ok {
		if name == "insurance_policies_insurer_id_fkey" {
			return ErrInsurerNotFound
		}
		return ErrPatientNotFound
	}
	return fmt.Errorf("insurance policy store: %w", err)
}
