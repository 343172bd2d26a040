package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Notifier receives domain events for email or real-time fan-out.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Drainer is the queue surface used by the Dispatcher.
type Drainer interface {
	Drain(ctx context.Context, batch int, handle Handler) (DrainStats, error)
}

// Dispatcher polls the outbox and hands messages to a Notifier. Delivery
// failures are recorded on the message and never affect the writer.
type Dispatcher struct {
	queue    Drainer
	notifier Notifier
	log      zerolog.Logger
	interval time.Duration
	batch    int
}

// NewDispatcher builds a dispatcher polling every interval.
func NewDispatcher(queue Drainer, notifier Notifier, log zerolog.Logger, interval time.Duration, batch int) *Dispatcher {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 10
	}
	return &Dispatcher{queue: queue, notifier: notifier, log: log, interval: interval, batch: batch}
}

// RunOnce drains while full batches keep coming back. A batch in which
// nothing was delivered ends the pass, so an unavailable notifier waits for
// the next tick instead of burning through every message's attempts.
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	for {
		stats, err := d.queue.Drain(ctx, d.batch, d.notifier.Notify)
		if err != nil {
			return err
		}
		if stats.Claimed < d.batch || stats.Delivered == 0 {
			return nil
		}
	}
}

// Run polls until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		if err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.Warn().Err(err).Msg("outbox dispatch failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// LogNotifier writes every event to the structured log.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Notify(_ context.Context, msg Message) error {
	n.Log.Info().
		Str("outbox_id", msg.ID).
		Str("topic", msg.Topic).
		RawJSON("payload", msg.Payload).
		Int("attempts", msg.Attempts).
		Msg("domain event")
	return nil
}
