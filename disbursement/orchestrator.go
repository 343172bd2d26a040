package disbursement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fundbridge/agreement"
	"fundbridge/chain"
	"fundbridge/keys"
	"fundbridge/logger"
	"fundbridge/party"
	"fundbridge/txledger"
)

const (
	defaultConfirmTimeout   = 2 * time.Minute
	defaultReconcileTimeout = 15 * time.Second
)

// Agreements reads the agreement being disbursed.
type Agreements interface {
	Get(ctx context.Context, id string) (agreement.Agreement, error)
}

// Parties resolves settlement addresses.
type Parties interface {
	Get(ctx context.Context, id string) (party.Party, error)
}

// Result describes a disbursement that reached the ledger.
type Result struct {
	AttemptID   string
	TxHash      string
	BlockNumber uint64
	// Settled is false when the transfer confirmed but the agreement write
	// was left to the background settler.
	Settled    bool
	Completion agreement.Completion
}

// Orchestrator moves the agreed amount from sponsor to beneficiary and
// settles the agreement once the transfer is confirmed.
type Orchestrator struct {
	agreements Agreements
	parties    Parties
	store      Store
	ledger     chain.Client

	log              zerolog.Logger
	metrics          *Metrics
	now              func() time.Time
	newID            func() string
	confirmTimeout   time.Duration
	reconcileTimeout time.Duration
	backoff          func() backoff.BackOff

	wg sync.WaitGroup
}

type Option func(*Orchestrator)

func WithLogger(log zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) { o.newID = gen }
}

// WithConfirmTimeout bounds how long a broadcast transfer is awaited.
func WithConfirmTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.confirmTimeout = d
		}
	}
}

// WithReconcileTimeout bounds the receipt lookup made by Reconcile.
func WithReconcileTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.reconcileTimeout = d
		}
	}
}

// WithSettleBackoff sets the retry policy for journal and settle writes. The
// factory is called once per retried write.
func WithSettleBackoff(f func() backoff.BackOff) Option {
	return func(o *Orchestrator) { o.backoff = f }
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return backoff.WithMaxRetries(b, 5)
}

func NewOrchestrator(agreements Agreements, parties Parties, store Store, ledger chain.Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		agreements:       agreements,
		parties:          parties,
		store:            store,
		ledger:           ledger,
		log:              zerolog.Nop(),
		metrics:          NopMetrics(),
		now:              time.Now,
		newID:            uuid.NewString,
		confirmTimeout:   defaultConfirmTimeout,
		reconcileTimeout: defaultReconcileTimeout,
		backoff:          defaultBackoff,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Wait blocks until every detached confirmation has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Disburse transfers the agreement amount using keyMaterial, which must be
// the private key controlling the sponsor's settlement address. The key is
// used for this call only and wiped before return.
func (o *Orchestrator) Disburse(ctx context.Context, caller party.Caller, agreementID, keyMaterial string) (Result, error) {
	res, err := o.disburse(ctx, caller, agreementID, keyMaterial)
	o.metrics.Disbursements.With("outcome", outcomeLabel(err)).Add(1)
	return res, err
}

func (o *Orchestrator) disburse(ctx context.Context, caller party.Caller, agreementID, keyMaterial string) (Result, error) {
	key, err := keys.ParsePrivateKey(keyMaterial)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", agreement.ErrInvalidInput, err)
	}
	defer key.Destroy()

	a, err := o.agreements.Get(ctx, agreementID)
	if err != nil {
		return Result{}, err
	}
	if caller.PartyID == "" || caller.PartyID != a.SponsorID {
		return Result{}, fmt.Errorf("%w: only the sponsor disburses agreement %s", agreement.ErrForbidden, a.ID)
	}
	if a.Status != agreement.StatusActive {
		return Result{}, fmt.Errorf("%w: agreement %s is %s", agreement.ErrConflict, a.ID, a.Status)
	}

	sponsor, err := o.counterparty(ctx, "sponsor", a.SponsorID)
	if err != nil {
		return Result{}, err
	}
	beneficiary, err := o.counterparty(ctx, "beneficiary", a.BeneficiaryID)
	if err != nil {
		return Result{}, err
	}
	if !sponsor.HasSettlementAddress() {
		return Result{}, fmt.Errorf("%w: sponsor has no settlement address", agreement.ErrPreconditionFailed)
	}
	if !beneficiary.HasSettlementAddress() {
		return Result{}, fmt.Errorf("%w: beneficiary has no settlement address", agreement.ErrPreconditionFailed)
	}

	open, err := o.store.Unresolved(ctx, a.ID)
	switch {
	case err == nil:
		return Result{AttemptID: open.ID, TxHash: open.TxHash},
			fmt.Errorf("%w: attempt %s for agreement %s is %s", ErrIndeterminate, open.ID, a.ID, open.State)
	case !errors.Is(err, txledger.ErrNotFound):
		return Result{}, fmt.Errorf("disbursement: check attempts: %w", err)
	}

	if !keys.SameAddress(key.Address(), sponsor.SettlementAddress) {
		return Result{}, fmt.Errorf("%w: signing key does not control the sponsor settlement address", agreement.ErrInvalidInput)
	}
	value, err := chain.ToWei(a.Amount)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", agreement.ErrInvalidInput, err)
	}
	transfer := chain.Transfer{From: sponsor.SettlementAddress, To: beneficiary.SettlementAddress, Value: value}

	fee, err := o.ledger.EstimateCost(ctx, transfer)
	if err != nil {
		return Result{}, fmt.Errorf("%w: estimate fee: %v", ErrLedger, err)
	}
	balance, err := o.ledger.Balance(ctx, transfer.From)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read balance: %v", ErrLedger, err)
	}
	need := new(big.Int).Add(value, fee.Total())
	if balance.Cmp(need) < 0 {
		return Result{}, fmt.Errorf("%w: insufficient funds: balance %s wei, need %s wei", ErrLedger, balance, need)
	}

	attempt := txledger.Attempt{
		ID:          o.newID(),
		AgreementID: a.ID,
		FromAddress: transfer.From,
		ToAddress:   transfer.To,
		Amount:      a.Amount,
		State:       txledger.AttemptReserved,
		CreatedAt:   o.now().UTC(),
	}
	if err := o.store.Reserve(ctx, attempt); err != nil {
		if errors.Is(err, txledger.ErrAttemptOpen) {
			return Result{}, fmt.Errorf("%w: another disbursement of agreement %s is in progress", ErrIndeterminate, a.ID)
		}
		return Result{}, fmt.Errorf("disbursement: reserve attempt: %w", err)
	}

	log := logger.From(ctx, o.log).With().
		Str("agreement_id", a.ID).
		Str("attempt_id", attempt.ID).
		Logger()

	pending, err := o.ledger.SignAndBroadcast(ctx, key, transfer, fee)
	// From here on journal writes must land even if the caller goes away.
	detached := context.WithoutCancel(ctx)
	if err != nil {
		return o.broadcastFailed(detached, log, attempt, pending, err)
	}

	attempt.TxHash = pending.Hash
	attempt.Nonce = pending.Nonce
	attempt.State = txledger.AttemptPending
	log = log.With().Str("tx_hash", pending.Hash).Logger()
	res := Result{AttemptID: attempt.ID, TxHash: pending.Hash}

	if err := o.retryWrite(detached, func() error {
		return o.store.MarkBroadcast(detached, attempt.ID, pending.Hash, pending.Nonce, txledger.AttemptPending, "")
	}); err != nil {
		log.Error().Err(err).Msg("transfer broadcast but journal update failed")
		return res, fmt.Errorf("%w: transaction %s broadcast but not journaled: %v", ErrIndeterminate, pending.Hash, err)
	}

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		r, err := o.confirm(detached, log, attempt, pending)
		done <- outcome{r, err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		log.Warn().Err(ctx.Err()).Msg("caller stopped waiting; confirmation continues in background")
		return res, fmt.Errorf("%w: stopped waiting for %s: %v", ErrIndeterminate, pending.Hash, ctx.Err())
	}
}

// counterparty loads a settlement party. A party missing from the registry
// cannot receive or send funds, which is a precondition of the transfer and
// not a lookup failure of the agreement.
func (o *Orchestrator) counterparty(ctx context.Context, role, id string) (party.Party, error) {
	p, err := o.parties.Get(ctx, id)
	if err != nil {
		if errors.Is(err, party.ErrNotFound) {
			return party.Party{}, fmt.Errorf("%w: %s %s is not registered", agreement.ErrPreconditionFailed, role, id)
		}
		return party.Party{}, fmt.Errorf("disbursement: load %s: %w", role, err)
	}
	return p, nil
}

func (o *Orchestrator) broadcastFailed(ctx context.Context, log zerolog.Logger, attempt txledger.Attempt, pending chain.Pending, cause error) (Result, error) {
	res := Result{AttemptID: attempt.ID, TxHash: pending.Hash}

	if !errors.Is(cause, chain.ErrBroadcastUnknown) {
		if err := o.retryWrite(ctx, func() error {
			return o.store.Move(ctx, attempt.ID, txledger.AttemptRejected, cause.Error(), 0)
		}); err != nil {
			log.Error().Err(err).Msg("could not release rejected attempt; reconcile with force")
		}
		return Result{}, fmt.Errorf("%w: broadcast rejected: %v", ErrLedger, cause)
	}

	var err error
	if pending.Hash != "" {
		err = o.retryWrite(ctx, func() error {
			return o.store.MarkBroadcast(ctx, attempt.ID, pending.Hash, pending.Nonce, txledger.AttemptIndeterminate, cause.Error())
		})
	} else {
		err = o.retryWrite(ctx, func() error {
			return o.store.Move(ctx, attempt.ID, txledger.AttemptIndeterminate, cause.Error(), 0)
		})
	}
	if err != nil {
		log.Error().Err(err).Str("tx_hash", pending.Hash).Msg("could not journal ambiguous broadcast")
	}
	log.Warn().Err(cause).Str("tx_hash", pending.Hash).Msg("broadcast outcome unknown")
	return res, fmt.Errorf("%w: broadcast %s: %v", ErrIndeterminate, pending.Hash, cause)
}

// confirm awaits the receipt and settles. Once the confirmation is journaled
// it never reports failure: a settle that keeps failing is left to the Settler.
func (o *Orchestrator) confirm(ctx context.Context, log zerolog.Logger, attempt txledger.Attempt, pending chain.Pending) (Result, error) {
	res := Result{AttemptID: attempt.ID, TxHash: pending.Hash}

	receipt, err := o.ledger.AwaitReceipt(ctx, pending, o.confirmTimeout)
	switch {
	case errors.Is(err, chain.ErrReverted):
		if err := o.retryWrite(ctx, func() error {
			return o.store.Move(ctx, attempt.ID, txledger.AttemptRejected, "reverted", receipt.BlockNumber)
		}); err != nil {
			log.Error().Err(err).Msg("could not journal reverted transfer")
		}
		return res, fmt.Errorf("%w: transaction %s reverted in block %d", ErrLedger, pending.Hash, receipt.BlockNumber)
	case err != nil:
		if err := o.retryWrite(ctx, func() error {
			return o.store.Move(ctx, attempt.ID, txledger.AttemptIndeterminate, "receipt not observed", 0)
		}); err != nil {
			log.Error().Err(err).Msg("could not journal unconfirmed transfer")
		}
		log.Warn().Err(err).Msg("no receipt before timeout")
		return res, fmt.Errorf("%w: no receipt for %s: %v", ErrIndeterminate, pending.Hash, err)
	}

	if !pending.SubmittedAt.IsZero() {
		o.metrics.ConfirmSeconds.Observe(o.now().Sub(pending.SubmittedAt).Seconds())
	}
	res.BlockNumber = receipt.BlockNumber

	moveErr := o.retryWrite(ctx, func() error {
		return o.store.Move(ctx, attempt.ID, txledger.AttemptConfirmed, "", receipt.BlockNumber)
	})
	attempt.State = txledger.AttemptConfirmed
	attempt.BlockNumber = receipt.BlockNumber
	if moveErr != nil {
		// A concurrent Reconcile may already have confirmed or settled the
		// attempt. Otherwise the transfer landed but the journal does not say
		// so, and nothing may report success.
		if errors.Is(moveErr, txledger.ErrIllegalTransition) {
			if completion, err := o.settle(ctx, log, attempt, receipt); err == nil {
				res.Settled = true
				res.Completion = completion
				return res, nil
			}
		}
		log.Error().Err(moveErr).Uint64("block", receipt.BlockNumber).Msg("transfer confirmed but journal update failed; reconcile")
		return res, fmt.Errorf("%w: transaction %s confirmed in block %d but not journaled: %v", ErrIndeterminate, pending.Hash, receipt.BlockNumber, moveErr)
	}

	completion, err := o.settle(ctx, log, attempt, receipt)
	if err != nil {
		log.Warn().Err(err).Msg("settlement deferred to background settler")
		o.metrics.DeferredSettlements.Add(1)
		return res, nil
	}
	res.Settled = true
	res.Completion = completion
	return res, nil
}

func (o *Orchestrator) settle(ctx context.Context, log zerolog.Logger, attempt txledger.Attempt, receipt chain.Receipt) (agreement.Completion, error) {
	var completion agreement.Completion
	err := o.retryWrite(ctx, func() error {
		c, err := o.store.Settle(ctx, Settlement{Attempt: attempt, Receipt: receipt, At: o.now().UTC()})
		if err != nil {
			return err
		}
		completion = c
		return nil
	})
	if err != nil {
		return 0, err
	}
	if completion == agreement.SettledElsewhere {
		log.Error().Str("tx_hash", attempt.TxHash).Msg("transfer confirmed for an agreement already settled by another reference")
	}
	return completion, nil
}

// retryWrite runs write under the settle backoff, stopping early on errors
// that a retry cannot fix.
func (o *Orchestrator) retryWrite(ctx context.Context, write func() error) error {
	op := func() error {
		err := write()
		if err != nil && (permanent(err) || errors.Is(err, txledger.ErrIllegalTransition) || errors.Is(err, txledger.ErrAttemptOpen)) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		o.metrics.SettleRetries.Add(1)
		o.log.Debug().Err(err).Dur("wait", wait).Msg("retrying store write")
	}
	return backoff.RetryNotify(op, backoff.WithContext(o.backoff(), ctx), notify)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, agreement.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, agreement.ErrForbidden):
		return "forbidden"
	case errors.Is(err, agreement.ErrNotFound):
		return "not_found"
	case errors.Is(err, agreement.ErrConflict):
		return "conflict"
	case errors.Is(err, agreement.ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, ErrLedger):
		return "ledger_error"
	case errors.Is(err, ErrIndeterminate):
		return "indeterminate"
	}
	return "internal"
}
