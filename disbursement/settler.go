package disbursement

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"fundbridge/chain"
	"fundbridge/txledger"
)

// Settler finishes confirmed transfers whose agreement write failed on the
// request path.
type Settler struct {
	orch     *Orchestrator
	log      zerolog.Logger
	interval time.Duration
	batch    int
}

func NewSettler(orch *Orchestrator, log zerolog.Logger, interval time.Duration, batch int) *Settler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	return &Settler{orch: orch, log: log, interval: interval, batch: batch}
}

// RunOnce settles one batch of confirmed attempts. It keeps going past
// individual failures and returns them joined.
func (s *Settler) RunOnce(ctx context.Context) (int, error) {
	pending, err := s.orch.store.ListAttempts(ctx, txledger.AttemptConfirmed, s.batch)
	if err != nil {
		return 0, err
	}
	var (
		settled int
		errs    []error
	)
	for _, att := range pending {
		receipt := chain.Receipt{Hash: att.TxHash, Confirmed: true, BlockNumber: att.BlockNumber}
		completion, err := s.orch.store.Settle(ctx, Settlement{Attempt: att, Receipt: receipt, At: s.orch.now().UTC()})
		if err != nil {
			s.log.Warn().Err(err).Str("attempt_id", att.ID).Str("tx_hash", att.TxHash).Msg("settle failed")
			errs = append(errs, err)
			continue
		}
		settled++
		s.log.Info().
			Str("attempt_id", att.ID).
			Str("agreement_id", att.AgreementID).
			Str("outcome", completion.String()).
			Msg("deferred settlement written")
	}
	return settled, errors.Join(errs...)
}

// Run polls until ctx is done.
func (s *Settler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("settler pass incomplete")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
