package agreement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"fundbridge/db"
	"fundbridge/outbox"
)

const referenceConstraint = "agreements_reference_key"

// PGRepository is the Postgres Store. Each write commits together with its
// outbox events.
type PGRepository struct {
	pool db.Pool
}

func NewPGRepository(pool db.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const agreementColumns = `
id::text, reference, sponsor_id::text, beneficiary_id::text, amount::text, document_locator, status::text,
sponsor_signature, sponsor_signed_at, beneficiary_signature, beneficiary_signed_at,
settled_at, COALESCE(settlement_ref, ''), version, created_at, updated_at`

func (r *PGRepository) Insert(ctx context.Context, a Agreement, events ...Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
INSERT INTO agreements (id, reference, sponsor_id, beneficiary_id, amount, document_locator, status, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5::numeric, $6, $7::agreement_status, 1, $8, $8)
`
	if _, err := tx.Exec(ctx, insertSQL, a.ID, a.Reference, a.SponsorID, a.BeneficiaryID,
		a.Amount.String(), a.DocumentLocator, string(a.Status), a.CreatedAt); err != nil {
		if db.IsUniqueViolation(err, referenceConstraint) {
			return ErrDuplicateReference
		}
		return fmt.Errorf("agreement: insert: %w", err)
	}

	if err := enqueueEvents(ctx, tx, events); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("agreement: commit: %w", err)
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Agreement, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Agreement{}, ErrNotFound
	}
	a, err := scanAgreement(r.pool.QueryRow(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: get: %w", err)
	}

	const milestoneSQL = `
SELECT seq, description, evidence, recorded_at
FROM milestones
WHERE agreement_id = $1
ORDER BY seq
`
	rows, err := r.pool.Query(ctx, milestoneSQL, id)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: list milestones: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m Milestone
		if err := rows.Scan(&m.Seq, &m.Description, &m.Evidence, &m.RecordedAt); err != nil {
			return Agreement{}, fmt.Errorf("agreement: scan milestone: %w", err)
		}
		a.Milestones = append(a.Milestones, m)
	}
	if err := rows.Err(); err != nil {
		return Agreement{}, fmt.Errorf("agreement: iterate milestones: %w", err)
	}
	return a, nil
}

func (r *PGRepository) List(ctx context.Context, f ListFilter) (Page, error) {
	f = normalizeFilter(f)

	const where = `
WHERE ($1 = '' OR sponsor_id::text = $1 OR beneficiary_id::text = $1)
  AND ($2 = '' OR status::text = $2)`

	rows, err := r.pool.Query(ctx, `SELECT `+agreementColumns+` FROM agreements`+where+`
ORDER BY created_at DESC, id DESC
LIMIT $3 OFFSET $4`, f.PartyID, string(f.Status), f.PageSize, (f.Page-1)*f.PageSize)
	if err != nil {
		return Page{}, fmt.Errorf("agreement: list: %w", err)
	}
	defer rows.Close()

	page := Page{Items: []Agreement{}, Page: f.Page, PageSize: f.PageSize}
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return Page{}, fmt.Errorf("agreement: scan: %w", err)
		}
		page.Items = append(page.Items, a)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("agreement: iterate: %w", err)
	}

	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM agreements`+where, f.PartyID, string(f.Status)).Scan(&page.Total); err != nil {
		return Page{}, fmt.Errorf("agreement: count: %w", err)
	}
	return page, nil
}

func (r *PGRepository) Swap(ctx context.Context, prev int64, next Agreement, events ...Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sponsorEvidence, sponsorAt := signatureColumns(next.SponsorSignature)
	beneficiaryEvidence, beneficiaryAt := signatureColumns(next.BeneficiarySignature)

	const updateSQL = `
UPDATE agreements
SET status = $3::agreement_status,
    sponsor_signature = $4,
    sponsor_signed_at = $5,
    beneficiary_signature = $6,
    beneficiary_signed_at = $7,
    settled_at = $8,
    settlement_ref = NULLIF($9, ''),
    version = version + 1,
    updated_at = now()
WHERE id = $1 AND version = $2
`
	tag, err := tx.Exec(ctx, updateSQL, next.ID, prev, string(next.Status),
		sponsorEvidence, sponsorAt, beneficiaryEvidence, beneficiaryAt, next.SettledAt, next.SettlementRef)
	if err != nil {
		return fmt.Errorf("agreement: swap: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrStale(ctx, tx, next.ID)
	}

	if err := enqueueEvents(ctx, tx, events); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("agreement: commit swap: %w", err)
	}
	return nil
}

func (r *PGRepository) AppendMilestone(ctx context.Context, id string, prev int64, m Milestone, events ...Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const bumpSQL = `
UPDATE agreements
SET version = version + 1, updated_at = now()
WHERE id = $1 AND version = $2 AND status = 'active'
`
	tag, err := tx.Exec(ctx, bumpSQL, id, prev)
	if err != nil {
		return fmt.Errorf("agreement: bump version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var (
			status  string
			version int64
		)
		if err := tx.QueryRow(ctx, `SELECT status::text, version FROM agreements WHERE id = $1`, id).Scan(&status, &version); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("agreement: recheck milestone target: %w", err)
		}
		if version != prev {
			return ErrStale
		}
		return fmt.Errorf("%w: agreement %s is %s", ErrConflict, id, status)
	}

	evidence := m.Evidence
	if evidence == nil {
		evidence = []string{}
	}
	const insertSQL = `
INSERT INTO milestones (agreement_id, seq, description, evidence, recorded_at)
VALUES ($1, $2, $3, $4, $5)
`
	if _, err := tx.Exec(ctx, insertSQL, id, m.Seq, m.Description, evidence, m.RecordedAt); err != nil {
		return fmt.Errorf("agreement: insert milestone: %w", err)
	}

	if err := enqueueEvents(ctx, tx, events); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("agreement: commit milestone: %w", err)
	}
	return nil
}

// CompleteTx applies a ledger settlement inside the caller's transaction. The
// row is locked so a concurrent manual completion cannot interleave.
func (r *PGRepository) CompleteTx(ctx context.Context, tx pgx.Tx, id, ref string, at time.Time) (Completion, error) {
	cur, err := scanAgreement(tx.QueryRow(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("agreement: lock for settlement: %w", err)
	}

	next, outcome, events, err := applySettlement(cur, ref, at)
	if err != nil {
		return 0, err
	}
	if outcome == Completed || outcome == RefFilled {
		const updateSQL = `
UPDATE agreements
SET status = $2::agreement_status,
    settled_at = $3,
    settlement_ref = $4,
    version = version + 1,
    updated_at = now()
WHERE id = $1
`
		if _, err := tx.Exec(ctx, updateSQL, id, string(next.Status), next.SettledAt, next.SettlementRef); err != nil {
			return 0, fmt.Errorf("agreement: record settlement: %w", err)
		}
	}
	if err := enqueueEvents(ctx, tx, events); err != nil {
		return 0, err
	}
	return outcome, nil
}

func (r *PGRepository) missOrStale(ctx context.Context, q db.Querier, id string) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM agreements WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("agreement: recheck: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStale
}

func enqueueEvents(ctx context.Context, q db.Querier, events []Event) error {
	for _, ev := range events {
		if err := outbox.Enqueue(ctx, q, ev.Topic, ev.Payload); err != nil {
			return fmt.Errorf("agreement: %w", err)
		}
	}
	return nil
}

func signatureColumns(s *Signature) (*string, *time.Time) {
	if s == nil {
		return nil, nil
	}
	evidence := s.Evidence
	at := s.SignedAt
	return &evidence, &at
}

func scanAgreement(row pgx.Row) (Agreement, error) {
	var (
		a                   Agreement
		amount, status      string
		sponsorEvidence     *string
		sponsorAt           *time.Time
		beneficiaryEvidence *string
		beneficiaryAt       *time.Time
	)
	if err := row.Scan(&a.ID, &a.Reference, &a.SponsorID, &a.BeneficiaryID, &amount, &a.DocumentLocator, &status,
		&sponsorEvidence, &sponsorAt, &beneficiaryEvidence, &beneficiaryAt,
		&a.SettledAt, &a.SettlementRef, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Agreement{}, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: parse amount %q: %w", amount, err)
	}
	a.Amount = d
	a.Status = Status(status)
	if sponsorAt != nil {
		a.SponsorSignature = &Signature{Evidence: deref(sponsorEvidence), SignedAt: *sponsorAt}
	}
	if beneficiaryAt != nil {
		a.BeneficiarySignature = &Signature{Evidence: deref(beneficiaryEvidence), SignedAt: *beneficiaryAt}
	}
	return a, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
