package agreement

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"fundbridge/outbox"
)

func TestPGRepositoryInsert_DuplicateReference(t *testing.T) {
	pool := &fakePool{execErrs: []error{&pgconn.PgError{Code: "23505", ConstraintName: referenceConstraint}}}
	repo := NewPGRepository(pool)

	err := repo.Insert(context.Background(), sampleAgreement(), Event{Topic: outbox.TopicAgreementCreated})
	if !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
	if !pool.tx.rolled {
		t.Errorf("expected rollback to be called")
	}
	if pool.tx.committed {
		t.Errorf("expected commit to be skipped on duplicate reference")
	}
	if len(pool.tx.execs) != 1 {
		t.Errorf("expected outbox write to be skipped, got %d execs", len(pool.tx.execs))
	}
}

func TestPGRepositoryInsert_WritesOutboxInSameTx(t *testing.T) {
	pool := &fakePool{}
	repo := NewPGRepository(pool)

	events := []Event{
		{Topic: outbox.TopicAgreementCreated, Payload: map[string]any{"agreement_id": "a"}},
	}
	if err := repo.Insert(context.Background(), sampleAgreement(), events...); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !pool.tx.committed {
		t.Fatalf("expected commit to be called")
	}
	if len(pool.tx.execs) != 2 {
		t.Fatalf("expected agreement insert and outbox insert, got %v", pool.tx.execs)
	}
	if !strings.Contains(pool.tx.execs[0], "INSERT INTO agreements") || !strings.Contains(pool.tx.execs[1], "INSERT INTO outbox") {
		t.Fatalf("unexpected statements %v", pool.tx.execs)
	}
}

func TestPGRepositoryGet_MalformedIDIsNotFound(t *testing.T) {
	repo := NewPGRepository(&fakePool{})
	if _, err := repo.Get(context.Background(), "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func sampleAgreement() Agreement {
	now := time.Now().UTC()
	return Agreement{
		ID:              "8f14e45f-ceea-467f-a0e6-2c2b1a6d5c1e",
		Reference:       "CTR-1-0001",
		SponsorID:       sponsorID,
		BeneficiaryID:   beneficiaryID,
		Amount:          decimal.RequireFromString("2.5"),
		DocumentLocator: "doc",
		Status:          StatusCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

type fakePool struct {
	tx       *fakeTx
	execErrs []error
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{execErrs: f.execErrs}
	return f.tx, nil
}

func (f *fakePool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakePool) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

type fakeTx struct {
	rolled    bool
	committed bool
	execs     []string
	execErrs  []error
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolled = true
	}
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	if len(f.execErrs) > 0 {
		err := f.execErrs[0]
		f.execErrs = f.execErrs[1:]
		if err != nil {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
