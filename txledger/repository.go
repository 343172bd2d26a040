package txledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"fundbridge/db"
)

var (
	// ErrNotFound is returned when no record or attempt matches.
	ErrNotFound = errors.New("txledger: not found")
	// ErrDuplicateTransaction signals a hash already recorded for another agreement.
	ErrDuplicateTransaction = errors.New("txledger: transaction hash already recorded")
	// ErrAttemptOpen signals the agreement already has an unresolved attempt.
	ErrAttemptOpen = errors.New("txledger: unresolved attempt exists")
	// ErrIllegalTransition signals an attempt state change not allowed from its current state.
	ErrIllegalTransition = errors.New("txledger: illegal attempt transition")
)

const unresolvedIndex = "disbursement_attempts_unresolved"

// Direction selects which side of a transfer an address appears on.
type Direction int

const (
	// Outgoing matches records sent from the address.
	Outgoing Direction = iota + 1
	// Incoming matches records sent to the address.
	Incoming
)

// Repository persists transaction records and the attempt journal. Methods
// taking a db.Querier run inside the caller's transaction.
type Repository struct {
	db db.Querier
}

func NewRepository(q db.Querier) *Repository {
	return &Repository{db: q}
}

// Insert writes rec. Re-inserting a hash for the same agreement is a no-op;
// the same hash for a different agreement is ErrDuplicateTransaction.
func (r *Repository) Insert(ctx context.Context, q db.Querier, rec Record) error {
	if rec.TxHash == "" || rec.AgreementID == "" {
		return fmt.Errorf("txledger: record requires hash and agreement")
	}
	if !rec.Amount.IsPositive() {
		return fmt.Errorf("txledger: record amount must be positive")
	}

	const insertSQL = `
INSERT INTO transactions (tx_hash, agreement_id, from_address, to_address, amount, block_number, created_at)
VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
ON CONFLICT (tx_hash) DO NOTHING
`
	tag, err := q.Exec(ctx, insertSQL, rec.TxHash, rec.AgreementID, rec.FromAddress, rec.ToAddress,
		rec.Amount.String(), int64(rec.BlockNumber), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("txledger: insert record: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var owner string
	if err := q.QueryRow(ctx, `SELECT agreement_id::text FROM transactions WHERE tx_hash = $1`, rec.TxHash).Scan(&owner); err != nil {
		return fmt.Errorf("txledger: load existing record: %w", err)
	}
	if owner != rec.AgreementID {
		return ErrDuplicateTransaction
	}
	return nil
}

const recordColumns = `tx_hash, agreement_id::text, from_address, to_address, amount::text, block_number, created_at`

// ListByAgreement returns the records for one agreement, oldest first.
func (r *Repository) ListByAgreement(ctx context.Context, agreementID string) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM transactions WHERE agreement_id = $1 ORDER BY created_at`
	rows, err := r.db.Query(ctx, query, agreementID)
	if err != nil {
		return nil, fmt.Errorf("txledger: list by agreement: %w", err)
	}
	return collectRecords(rows)
}

// ListByAddress returns up to limit records where address is the sender
// (Outgoing) or the recipient (Incoming), newest first.
func (r *Repository) ListByAddress(ctx context.Context, address string, dir Direction, limit int) ([]Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	column := "from_address"
	if dir == Incoming {
		column = "to_address"
	}
	query := `SELECT ` + recordColumns + ` FROM transactions WHERE lower(` + column + `) = lower($1) ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.Query(ctx, query, address, limit)
	if err != nil {
		return nil, fmt.Errorf("txledger: list by address: %w", err)
	}
	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		var (
			rec    Record
			amount string
			block  int64
		)
		if err := rows.Scan(&rec.TxHash, &rec.AgreementID, &rec.FromAddress, &rec.ToAddress, &amount, &block, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("txledger: scan record: %w", err)
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("txledger: parse amount %q: %w", amount, err)
		}
		rec.Amount = d
		rec.BlockNumber = uint64(block)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("txledger: iterate records: %w", err)
	}
	return out, nil
}

// OpenAttempt journals a new attempt, normally in state reserved. A second
// unresolved attempt for the same agreement is ErrAttemptOpen.
func (r *Repository) OpenAttempt(ctx context.Context, q db.Querier, a Attempt) error {
	const insertSQL = `
INSERT INTO disbursement_attempts (id, agreement_id, tx_hash, from_address, to_address, amount, nonce, state, note, created_at, updated_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6::numeric, $7, $8::attempt_state, $9, $10, $10)
`
	_, err := q.Exec(ctx, insertSQL, a.ID, a.AgreementID, a.TxHash, a.FromAddress, a.ToAddress,
		a.Amount.String(), int64(a.Nonce), string(a.State), a.Note, a.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, unresolvedIndex) {
			return ErrAttemptOpen
		}
		if db.IsUniqueViolation(err, "") {
			return ErrDuplicateTransaction
		}
		return fmt.Errorf("txledger: open attempt: %w", err)
	}
	return nil
}

const attemptColumns = `id::text, agreement_id::text, COALESCE(tx_hash, ''), from_address, to_address, amount::text, nonce, state::text, note, block_number, created_at, updated_at`

// Unresolved returns the blocking attempt for an agreement, if any.
func (r *Repository) Unresolved(ctx context.Context, agreementID string) (Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM disbursement_attempts
WHERE agreement_id = $1 AND state IN ('reserved', 'pending', 'indeterminate', 'confirmed')`
	a, err := scanAttempt(r.db.QueryRow(ctx, query, agreementID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Attempt{}, ErrNotFound
		}
		return Attempt{}, fmt.Errorf("txledger: unresolved attempt: %w", err)
	}
	return a, nil
}

// GetAttempt loads one journal entry.
func (r *Repository) GetAttempt(ctx context.Context, id string) (Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM disbursement_attempts WHERE id = $1`
	a, err := scanAttempt(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Attempt{}, ErrNotFound
		}
		return Attempt{}, fmt.Errorf("txledger: load attempt: %w", err)
	}
	return a, nil
}

// ListByState returns up to limit attempts in state, oldest update first.
func (r *Repository) ListByState(ctx context.Context, state AttemptState, limit int) ([]Attempt, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	query := `SELECT ` + attemptColumns + ` FROM disbursement_attempts WHERE state = $1::attempt_state ORDER BY updated_at LIMIT $2`
	rows, err := r.db.Query(ctx, query, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("txledger: list attempts: %w", err)
	}
	defer rows.Close()

	out := []Attempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("txledger: scan attempt: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("txledger: iterate attempts: %w", err)
	}
	return out, nil
}

// Move transitions an attempt to state to. It fails with ErrIllegalTransition
// when the stored state does not allow the move, and with ErrAttemptOpen when
// reviving a rejected attempt would give the agreement a second unresolved one.
func (r *Repository) Move(ctx context.Context, q db.Querier, id string, to AttemptState, note string, block uint64) error {
	var from []string
	for _, s := range []AttemptState{AttemptReserved, AttemptPending, AttemptConfirmed, AttemptIndeterminate, AttemptRejected} {
		if CanMove(s, to) {
			from = append(from, string(s))
		}
	}
	if len(from) == 0 {
		return ErrIllegalTransition
	}

	const updateSQL = `
UPDATE disbursement_attempts
SET state = $2::attempt_state,
    note = CASE WHEN $3 = '' THEN note ELSE $3 END,
    block_number = GREATEST(block_number, $4),
    updated_at = now()
WHERE id = $1 AND state::text = ANY($5)
`
	tag, err := q.Exec(ctx, updateSQL, id, string(to), note, int64(block), from)
	if err != nil {
		if db.IsUniqueViolation(err, unresolvedIndex) {
			return ErrAttemptOpen
		}
		return fmt.Errorf("txledger: move attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIllegalTransition
	}
	return nil
}

// MarkBroadcast attaches the transaction hash and nonce to a reserved attempt
// and moves it to pending, or to indeterminate when the node's answer was lost.
func (r *Repository) MarkBroadcast(ctx context.Context, q db.Querier, id, hash string, nonce uint64, to AttemptState, note string) error {
	if hash == "" {
		return fmt.Errorf("txledger: broadcast requires a hash")
	}
	if to != AttemptPending && to != AttemptIndeterminate {
		return ErrIllegalTransition
	}
	const updateSQL = `
UPDATE disbursement_attempts
SET tx_hash = $2, nonce = $3, state = $4::attempt_state, note = $5, updated_at = now()
WHERE id = $1 AND state = 'reserved'
`
	tag, err := q.Exec(ctx, updateSQL, id, hash, int64(nonce), string(to), note)
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return ErrDuplicateTransaction
		}
		return fmt.Errorf("txledger: mark broadcast: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIllegalTransition
	}
	return nil
}

func scanAttempt(row pgx.Row) (Attempt, error) {
	var (
		a      Attempt
		amount string
		state  string
		nonce  int64
		block  int64
	)
	if err := row.Scan(&a.ID, &a.AgreementID, &a.TxHash, &a.FromAddress, &a.ToAddress, &amount, &nonce, &state, &a.Note, &block, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Attempt{}, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Attempt{}, fmt.Errorf("txledger: parse amount %q: %w", amount, err)
	}
	a.Amount = d
	a.State = AttemptState(state)
	a.Nonce = uint64(nonce)
	a.BlockNumber = uint64(block)
	return a, nil
}
