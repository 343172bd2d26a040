package disbursement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fundbridge/agreement"
	"fundbridge/chain"
	"fundbridge/db"
	"fundbridge/outbox"
	"fundbridge/txledger"
)

// Settlement is a confirmed attempt ready to be written to the ledger tables.
type Settlement struct {
	Attempt txledger.Attempt
	Receipt chain.Receipt
	At      time.Time
}

// Store is the durable side of the disbursement pipeline.
type Store interface {
	// Reserve journals a new attempt before anything is broadcast.
	// txledger.ErrAttemptOpen means another attempt is unresolved.
	Reserve(ctx context.Context, a txledger.Attempt) error
	MarkBroadcast(ctx context.Context, id, hash string, nonce uint64, to txledger.AttemptState, note string) error
	Move(ctx context.Context, id string, to txledger.AttemptState, note string, block uint64) error
	Unresolved(ctx context.Context, agreementID string) (txledger.Attempt, error)
	ListAttempts(ctx context.Context, state txledger.AttemptState, limit int) ([]txledger.Attempt, error)
	// Settle writes the transaction record, completes the agreement and marks
	// the attempt settled in one transaction. Settling an already settled
	// attempt reports agreement.AlreadySettled.
	Settle(ctx context.Context, s Settlement) (agreement.Completion, error)
}

// PGStore composes the ledger and agreement repositories over one pool.
type PGStore struct {
	pool       db.Pool
	ledger     *txledger.Repository
	agreements *agreement.PGRepository
}

func NewPGStore(pool db.Pool, agreements *agreement.PGRepository) *PGStore {
	return &PGStore{pool: pool, ledger: txledger.NewRepository(pool), agreements: agreements}
}

func (s *PGStore) Reserve(ctx context.Context, a txledger.Attempt) error {
	return s.ledger.OpenAttempt(ctx, s.pool, a)
}

func (s *PGStore) MarkBroadcast(ctx context.Context, id, hash string, nonce uint64, to txledger.AttemptState, note string) error {
	return s.ledger.MarkBroadcast(ctx, s.pool, id, hash, nonce, to, note)
}

func (s *PGStore) Move(ctx context.Context, id string, to txledger.AttemptState, note string, block uint64) error {
	return s.ledger.Move(ctx, s.pool, id, to, note, block)
}

func (s *PGStore) Unresolved(ctx context.Context, agreementID string) (txledger.Attempt, error) {
	return s.ledger.Unresolved(ctx, agreementID)
}

func (s *PGStore) ListAttempts(ctx context.Context, state txledger.AttemptState, limit int) ([]txledger.Attempt, error) {
	return s.ledger.ListByState(ctx, state, limit)
}

func (s *PGStore) Settle(ctx context.Context, st Settlement) (agreement.Completion, error) {
	a := st.Attempt
	cur, err := s.ledger.GetAttempt(ctx, a.ID)
	if err != nil {
		return 0, err
	}
	if cur.State == txledger.AttemptSettled {
		return agreement.AlreadySettled, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("disbursement: begin settle: %w", err)
	}
	defer tx.Rollback(ctx)

	rec := txledger.Record{
		TxHash:      a.TxHash,
		AgreementID: a.AgreementID,
		FromAddress: a.FromAddress,
		ToAddress:   a.ToAddress,
		Amount:      a.Amount,
		BlockNumber: st.Receipt.BlockNumber,
		CreatedAt:   st.At,
	}
	if err := s.ledger.Insert(ctx, tx, rec); err != nil {
		return 0, err
	}
	outcome, err := s.agreements.CompleteTx(ctx, tx, a.AgreementID, a.TxHash, st.At)
	if err != nil {
		return 0, err
	}
	if err := s.ledger.Move(ctx, tx, a.ID, txledger.AttemptSettled, outcome.String(), st.Receipt.BlockNumber); err != nil {
		// A concurrent settle of the same attempt won the row.
		if errors.Is(err, txledger.ErrIllegalTransition) {
			if cur, gerr := s.ledger.GetAttempt(ctx, a.ID); gerr == nil && cur.State == txledger.AttemptSettled {
				return agreement.AlreadySettled, nil
			}
		}
		return 0, err
	}
	if err := outbox.Enqueue(ctx, tx, outbox.TopicDisbursementCompleted, settledPayload(a, st.Receipt, outcome)); err != nil {
		return 0, fmt.Errorf("disbursement: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("disbursement: commit settle: %w", err)
	}
	return outcome, nil
}

func settledPayload(a txledger.Attempt, r chain.Receipt, outcome agreement.Completion) map[string]any {
	return map[string]any{
		"agreement_id": a.AgreementID,
		"attempt_id":   a.ID,
		"tx_hash":      a.TxHash,
		"from_address": a.FromAddress,
		"to_address":   a.ToAddress,
		"amount":       a.Amount.String(),
		"block_number": r.BlockNumber,
		"outcome":      outcome.String(),
	}
}

// permanent reports settle errors that no amount of retrying will fix.
func permanent(err error) bool {
	return errors.Is(err, agreement.ErrConflict) ||
		errors.Is(err, agreement.ErrNotFound) ||
		errors.Is(err, txledger.ErrDuplicateTransaction) ||
		errors.Is(err, txledger.ErrNotFound)
}
