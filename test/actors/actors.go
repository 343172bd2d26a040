package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"fundbridge/agreement"
	"fundbridge/disbursement"
	"fundbridge/outbox"
	"fundbridge/party"
)

// World is the shared fixture every actor works against.
type World struct {
	Agreements *agreement.Service
	Orch       *disbursement.Orchestrator
	Settler    *disbursement.Settler
	Queue      *outbox.PGQueue

	Sponsor     party.Caller
	Beneficiary party.Caller
	Admin       party.Caller
	SponsorKey  string

	AgreementIDs []string

	// Transient counts errors caused by chaos (dropped connections, timeouts).
	Transient atomic.Int64
}

func (w *World) pick() string {
	return w.AgreementIDs[rand.IntN(len(w.AgreementIDs))]
}

func pause(min, spread int) {
	time.Sleep(time.Duration(min+rand.IntN(spread)) * time.Millisecond)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// misuse reports errors no well-formed actor call should produce; anything
// else is either an expected race loser or chaos.
func misuse(err error) bool {
	return errors.Is(err, agreement.ErrInvalidInput) || errors.Is(err, agreement.ErrForbidden)
}

func (w *World) judge(actor string, err error) error {
	switch {
	case err == nil:
		return nil
	case misuse(err):
		return fmt.Errorf("%s: %w", actor, err)
	case errors.Is(err, agreement.ErrConflict),
		errors.Is(err, agreement.ErrPreconditionFailed),
		errors.Is(err, disbursement.ErrLedger),
		errors.Is(err, disbursement.ErrIndeterminate):
		return nil
	}
	w.Transient.Add(1)
	return nil
}

// Signer races the other signer and the disbursers; the write that sees both
// signatures activates the agreement.
func Signer(ctx context.Context, w *World, role party.Role, stop <-chan struct{}) error {
	caller := w.Sponsor
	if role == party.RoleBeneficiary {
		caller = w.Beneficiary
	}
	for !stopped(ctx, stop) {
		_, err := w.Agreements.RecordSignature(ctx, caller, w.pick(), role, fmt.Sprintf("sig-%s-%d", role, rand.Int64()))
		if err := w.judge("signer", err); err != nil {
			return err
		}
		pause(10, 30)
	}
	return nil
}

// MilestoneWriter appends progress entries to whatever agreement is active.
func MilestoneWriter(ctx context.Context, w *World, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		_, err := w.Agreements.RecordMilestone(ctx, w.Beneficiary, w.pick(), "progress report", []string{fmt.Sprintf("sha256/%064x", rand.Uint64())})
		if err := w.judge("milestone writer", err); err != nil {
			return err
		}
		pause(15, 35)
	}
	return nil
}

// Disburser pays out random agreements as the sponsor.
func Disburser(ctx context.Context, w *World, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		_, err := w.Orch.Disburse(ctx, w.Sponsor, w.pick(), w.SponsorKey)
		if err := w.judge("disburser", err); err != nil {
			return err
		}
		pause(20, 40)
	}
	return nil
}

// Completer settles agreements out-of-band, sometimes without a reference so
// a later disbursement can fill it in.
func Completer(ctx context.Context, w *World, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if rand.IntN(8) == 0 {
			ref := ""
			if rand.IntN(2) == 0 {
				ref = fmt.Sprintf("wire-%d", rand.Int64())
			}
			_, err := w.Agreements.MarkComplete(ctx, w.Admin, w.pick(), ref)
			if err := w.judge("completer", err); err != nil {
				return err
			}
		}
		pause(100, 100)
	}
	return nil
}

// Reconciler resolves stuck attempts as an operator, forcing now and then.
func Reconciler(ctx context.Context, w *World, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		_, err := w.Orch.Reconcile(ctx, w.Admin, w.pick(), rand.IntN(4) == 0)
		if err := w.judge("reconciler", err); err != nil {
			return err
		}
		pause(50, 100)
	}
	return nil
}

// SettlerLoop drives deferred settlements at a much tighter cadence than
// production.
func SettlerLoop(ctx context.Context, w *World, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if _, err := w.Settler.RunOnce(ctx); err != nil {
			w.Transient.Add(1)
		}
		pause(100, 100)
	}
	return nil
}

// OutboxWorker drains the outbox and fails one delivery in ten.
func OutboxWorker(ctx context.Context, w *World, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		_, err := w.Queue.Drain(ctx, 10, func(context.Context, outbox.Message) error {
			if rand.IntN(10) == 0 {
				return errors.New("notifier unavailable")
			}
			return nil
		})
		if err != nil {
			w.Transient.Add(1)
		}
		pause(100, 50)
	}
	return nil
}
