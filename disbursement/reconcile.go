package disbursement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fundbridge/agreement"
	"fundbridge/chain"
	"fundbridge/logger"
	"fundbridge/party"
	"fundbridge/txledger"
)

// ReconcileResult reports where an unresolved attempt ended up.
type ReconcileResult struct {
	AttemptID  string
	TxHash     string
	State      txledger.AttemptState
	Completion agreement.Completion
}

// Reconcile resolves the agreement's unresolved attempt by asking the ledger
// for its receipt. A confirmed transfer is settled, a reverted one rejected.
// When no receipt is found the attempt stays indeterminate unless force is
// set, in which case the transfer is treated as dropped.
func (o *Orchestrator) Reconcile(ctx context.Context, caller party.Caller, agreementID string, force bool) (ReconcileResult, error) {
	if !caller.IsAdmin() {
		return ReconcileResult{}, fmt.Errorf("%w: reconcile requires an admin", agreement.ErrForbidden)
	}
	att, err := o.store.Unresolved(ctx, agreementID)
	if err != nil {
		if errors.Is(err, txledger.ErrNotFound) {
			return ReconcileResult{}, fmt.Errorf("%w: agreement %s has no unresolved disbursement", agreement.ErrConflict, agreementID)
		}
		return ReconcileResult{}, fmt.Errorf("disbursement: load attempt: %w", err)
	}

	log := logger.From(ctx, o.log).With().
		Str("agreement_id", att.AgreementID).
		Str("attempt_id", att.ID).
		Str("tx_hash", att.TxHash).
		Bool("force", force).
		Logger()

	res, err := o.reconcile(ctx, att, force)
	if err != nil {
		return res, err
	}
	o.metrics.Reconciliations.With("state", string(res.State)).Add(1)
	log.Info().Str("state", string(res.State)).Msg("attempt reconciled")
	return res, nil
}

func (o *Orchestrator) reconcile(ctx context.Context, att txledger.Attempt, force bool) (ReconcileResult, error) {
	res := ReconcileResult{AttemptID: att.ID, TxHash: att.TxHash, State: att.State}

	if att.State == txledger.AttemptConfirmed {
		return o.reconcileSettle(ctx, att, chain.Receipt{Hash: att.TxHash, Confirmed: true, BlockNumber: att.BlockNumber})
	}
	if att.TxHash == "" {
		// Nothing known was broadcast. Only an explicit force releases it, and
		// a fresh reservation may still be mid-broadcast.
		if !force {
			return res, nil
		}
		if att.State == txledger.AttemptReserved && o.now().Sub(att.CreatedAt) < o.confirmTimeout {
			return res, nil
		}
		return o.reconcileMove(ctx, res, txledger.AttemptRejected, "forced: never broadcast", 0)
	}

	receipt, err := o.ledger.AwaitReceipt(ctx, chain.Pending{Hash: att.TxHash, Nonce: att.Nonce}, o.reconcileTimeout)
	switch {
	case err == nil:
		if err := o.store.Move(ctx, att.ID, txledger.AttemptConfirmed, "reconciled", receipt.BlockNumber); err != nil {
			return res, o.movedUnderneath(att, err)
		}
		att.State = txledger.AttemptConfirmed
		att.BlockNumber = receipt.BlockNumber
		return o.reconcileSettle(ctx, att, receipt)
	case errors.Is(err, chain.ErrReverted):
		return o.reconcileMove(ctx, res, txledger.AttemptRejected, "reverted", receipt.BlockNumber)
	case force && att.State == txledger.AttemptPending && o.now().Sub(lastTouched(att)) < o.confirmTimeout:
		// Disburse is still waiting for this receipt.
		return res, nil
	case force:
		return o.reconcileMove(ctx, res, txledger.AttemptRejected, "forced: treated as dropped", 0)
	case att.State == txledger.AttemptPending:
		return o.reconcileMove(ctx, res, txledger.AttemptIndeterminate, "receipt not observed", 0)
	}
	return res, nil
}

func lastTouched(att txledger.Attempt) time.Time {
	if att.UpdatedAt.After(att.CreatedAt) {
		return att.UpdatedAt
	}
	return att.CreatedAt
}

func (o *Orchestrator) reconcileSettle(ctx context.Context, att txledger.Attempt, receipt chain.Receipt) (ReconcileResult, error) {
	completion, err := o.store.Settle(ctx, Settlement{Attempt: att, Receipt: receipt, At: o.now().UTC()})
	if err != nil {
		return ReconcileResult{AttemptID: att.ID, TxHash: att.TxHash, State: att.State}, fmt.Errorf("disbursement: settle %s: %w", att.TxHash, err)
	}
	return ReconcileResult{AttemptID: att.ID, TxHash: att.TxHash, State: txledger.AttemptSettled, Completion: completion}, nil
}

func (o *Orchestrator) reconcileMove(ctx context.Context, res ReconcileResult, to txledger.AttemptState, note string, block uint64) (ReconcileResult, error) {
	if err := o.store.Move(ctx, res.AttemptID, to, note, block); err != nil {
		return res, o.movedUnderneath(txledger.Attempt{ID: res.AttemptID}, err)
	}
	res.State = to
	return res, nil
}

func (o *Orchestrator) movedUnderneath(att txledger.Attempt, err error) error {
	if errors.Is(err, txledger.ErrIllegalTransition) {
		return fmt.Errorf("%w: attempt %s changed while reconciling", agreement.ErrConflict, att.ID)
	}
	return fmt.Errorf("disbursement: move attempt %s: %w", att.ID, err)
}
