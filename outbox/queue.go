package outbox

import (
	"context"
	"fmt"
	"time"

	"fundbridge/db"
)

// Handler delivers one message. A non-nil error schedules a retry.
type Handler func(ctx context.Context, msg Message) error

const (
	defaultRetryBase = time.Second
	defaultRetryMax  = 5 * time.Minute
)

// DrainStats reports one Drain call.
type DrainStats struct {
	Claimed   int
	Delivered int
}

// PGQueue claims pending outbox rows with FOR UPDATE SKIP LOCKED so several
// dispatchers can drain the table concurrently.
type PGQueue struct {
	pool        db.TxBeginner
	maxAttempts int
	retryBase   time.Duration
	retryMax    time.Duration
}

// NewPGQueue builds a queue that marks a message dead after maxAttempts failures.
func NewPGQueue(pool db.TxBeginner, maxAttempts int) *PGQueue {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &PGQueue{pool: pool, maxAttempts: maxAttempts, retryBase: defaultRetryBase, retryMax: defaultRetryMax}
}

// WithRetryDelay sets the wait after the first failed delivery. The wait
// doubles with every further failure up to max.
func (q *PGQueue) WithRetryDelay(base, max time.Duration) *PGQueue {
	if base > 0 {
		q.retryBase = base
	}
	if max >= q.retryBase {
		q.retryMax = max
	}
	return q
}

// retryDelay is the wait before a message that has failed attempts times is
// claimable again.
func (q *PGQueue) retryDelay(attempts int) time.Duration {
	d := q.retryBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.retryMax {
			return q.retryMax
		}
	}
	return min(d, q.retryMax)
}

// Drain claims up to batch due messages, runs handle on each and records the
// outcome in the same transaction. A failed message is not claimable again
// until its retry delay has passed.
func (q *PGQueue) Drain(ctx context.Context, batch int, handle Handler) (DrainStats, error) {
	var stats DrainStats
	if batch <= 0 {
		batch = 10
	}

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return stats, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
SELECT id::text, topic, payload, status::text, attempts, created_at
FROM outbox
WHERE status = 'pending' AND next_attempt_at <= now()
ORDER BY created_at
FOR UPDATE SKIP LOCKED
LIMIT $1
`
	rows, err := tx.Query(ctx, claimSQL, batch)
	if err != nil {
		return stats, fmt.Errorf("outbox: claim: %w", err)
	}
	msgs := make([]Message, 0, batch)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt); err != nil {
			rows.Close()
			return stats, fmt.Errorf("outbox: scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("outbox: iterate: %w", err)
	}

	for _, m := range msgs {
		if herr := handle(ctx, m); herr != nil {
			const failSQL = `
UPDATE outbox
SET attempts = attempts + 1,
    last_error = $2,
    status = CASE WHEN attempts + 1 >= $3 THEN 'dead'::outbox_status ELSE status END,
    next_attempt_at = now() + make_interval(secs => $4::double precision)
WHERE id = $1
`
			delay := q.retryDelay(m.Attempts + 1)
			if _, err := tx.Exec(ctx, failSQL, m.ID, herr.Error(), q.maxAttempts, delay.Seconds()); err != nil {
				return stats, fmt.Errorf("outbox: record failure: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', processed_at = now() WHERE id = $1`, m.ID); err != nil {
			return stats, fmt.Errorf("outbox: mark processed: %w", err)
		}
		stats.Delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return DrainStats{}, fmt.Errorf("outbox: commit: %w", err)
	}
	stats.Claimed = len(msgs)
	return stats, nil
}
