package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

type recordingQuerier struct {
	sql  string
	args []any
	err  error
}

func (r *recordingQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.sql = sql
	r.args = args
	return pgconn.NewCommandTag("INSERT 0 1"), r.err
}

func (r *recordingQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (r *recordingQuerier) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func TestEnqueue_WritesJSONPayload(t *testing.T) {
	q := &recordingQuerier{}
	err := Enqueue(context.Background(), q, TopicAgreementActivated, map[string]any{"agreement_id": "a-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !strings.Contains(q.sql, "INSERT INTO outbox") {
		t.Fatalf("unexpected sql %q", q.sql)
	}
	if q.args[1] != TopicAgreementActivated {
		t.Fatalf("expected topic arg, got %v", q.args[1])
	}
	var payload map[string]string
	if err := json.Unmarshal(q.args[2].([]byte), &payload); err != nil || payload["agreement_id"] != "a-1" {
		t.Fatalf("unexpected payload %s (%v)", q.args[2], err)
	}
}

func TestEnqueue_Errors(t *testing.T) {
	if err := Enqueue(context.Background(), &recordingQuerier{}, "", nil); err == nil {
		t.Fatal("expected error for empty topic")
	}
	boom := errors.New("boom")
	if err := Enqueue(context.Background(), &recordingQuerier{err: boom}, TopicAgreementCreated, nil); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped exec error, got %v", err)
	}
}

// fakeDrainer follows PGQueue: a failed message gains an attempt and is dead
// at maxAttempts. Failed messages wait out their retry delay unless
// retryImmediately makes them claimable by the very next Drain.
type fakeDrainer struct {
	pending          []Message
	waiting          []Message
	dead             []string
	failures         map[string]int
	drains           int
	maxAttempts      int
	retryImmediately bool
}

func (f *fakeDrainer) Drain(ctx context.Context, batch int, handle Handler) (DrainStats, error) {
	f.drains++
	n := min(batch, len(f.pending))
	claimed := f.pending[:n]
	rest := append([]Message(nil), f.pending[n:]...)
	var stats DrainStats
	for _, m := range claimed {
		stats.Claimed++
		if err := handle(ctx, m); err != nil {
			f.failures[m.ID]++
			m.Attempts++
			switch {
			case f.maxAttempts > 0 && m.Attempts >= f.maxAttempts:
				f.dead = append(f.dead, m.ID)
			case f.retryImmediately:
				rest = append(rest, m)
			default:
				f.waiting = append(f.waiting, m)
			}
			continue
		}
		stats.Delivered++
	}
	f.pending = rest
	return stats, nil
}

type flakyNotifier struct {
	failID string
	seen   []string
}

func (n *flakyNotifier) Notify(_ context.Context, msg Message) error {
	n.seen = append(n.seen, msg.ID)
	if msg.ID == n.failID {
		return errors.New("smtp unavailable")
	}
	return nil
}

func TestDispatcher_RunOnceDrainsAllBatches(t *testing.T) {
	d := &fakeDrainer{failures: map[string]int{}}
	for _, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		d.pending = append(d.pending, Message{ID: id, Topic: TopicMilestoneRecorded, Payload: []byte(`{}`)})
	}
	n := &flakyNotifier{failID: "m3"}
	disp := NewDispatcher(d, n, zerolog.Nop(), 0, 2)

	if err := disp.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(n.seen) != 5 {
		t.Fatalf("expected all 5 messages delivered, got %v", n.seen)
	}
	if d.failures["m3"] != 1 {
		t.Fatalf("expected failure recorded for m3")
	}
	if d.drains != 3 {
		t.Fatalf("expected 3 drains for 5 messages in batches of 2, got %d", d.drains)
	}
}

type downNotifier struct {
	calls int
}

func (n *downNotifier) Notify(context.Context, Message) error {
	n.calls++
	return errors.New("notifier unavailable")
}

func TestDispatcher_RunOnceStopsWhenNothingDelivers(t *testing.T) {
	d := &fakeDrainer{failures: map[string]int{}, maxAttempts: 5, retryImmediately: true}
	d.pending = []Message{{ID: "m1", Topic: TopicAgreementSigned}, {ID: "m2", Topic: TopicAgreementSigned}}
	n := &downNotifier{}
	disp := NewDispatcher(d, n, zerolog.Nop(), 0, 2)

	if err := disp.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n.calls != 2 {
		t.Fatalf("expected one delivery attempt per message, got %d", n.calls)
	}
	if len(d.dead) != 0 {
		t.Fatalf("expected no dead messages after one pass, got %v", d.dead)
	}

	// Later ticks retry until the attempts run out.
	for i := 0; i < 4; i++ {
		if err := disp.RunOnce(context.Background()); err != nil {
			t.Fatalf("run once: %v", err)
		}
	}
	if len(d.dead) != 2 || n.calls != 10 {
		t.Fatalf("expected both dead after 5 passes, dead=%v calls=%d", d.dead, n.calls)
	}
}

func TestPGQueue_RetryDelay(t *testing.T) {
	q := NewPGQueue(nil, 5)
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{9, 256 * time.Second},
		{10, 5 * time.Minute},
		{60, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := q.retryDelay(tc.attempts); got != tc.want {
			t.Fatalf("retryDelay(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}

	q.WithRetryDelay(10*time.Millisecond, 30*time.Millisecond)
	if got := q.retryDelay(1); got != 10*time.Millisecond {
		t.Fatalf("expected custom base, got %s", got)
	}
	if got := q.retryDelay(3); got != 30*time.Millisecond {
		t.Fatalf("expected custom cap, got %s", got)
	}
}

func TestLogNotifier_WritesEvent(t *testing.T) {
	var buf bytes.Buffer
	n := LogNotifier{Log: zerolog.New(&buf)}
	err := n.Notify(context.Background(), Message{ID: "m1", Topic: TopicDisbursementCompleted, Payload: []byte(`{"tx_hash":"0xabc"}`)})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, TopicDisbursementCompleted) || !strings.Contains(out, `"tx_hash":"0xabc"`) {
		t.Fatalf("unexpected log line %s", out)
	}
}
