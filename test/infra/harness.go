package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fundbridge/db"
)

// AppName tags the harness connections so chaos only kills our own backends.
const AppName = "fundbridge-stress"

// Harness owns the database used by a stress run: either a dedicated
// container or a private schema inside a shared database.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// NewHarness prepares a migrated pool. With an empty sharedDSN a container is
// started; otherwise the run is isolated in a fresh schema that Close drops.
func NewHarness(ctx context.Context, sharedDSN string) (*Harness, error) {
	h := &Harness{teardown: func(context.Context) error { return nil }}

	if sharedDSN == "" {
		c, dsn, err := StartPostgres16(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("start postgres container: %w", err)
		}
		h.container, h.dsn = c, dsn
	} else {
		h.dsn = sharedDSN
	}

	cfg, err := pgxpool.ParseConfig(h.dsn)
	if err != nil {
		h.Close(ctx)
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	cfg.MaxConns = 64
	cfg.MaxConnIdleTime = 30 * time.Second
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.ConnConfig.RuntimeParams["application_name"] = AppName

	if h.container == nil || h.container.C == nil {
		if err := h.isolate(ctx, cfg); err != nil {
			h.Close(ctx)
			return nil, err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		h.Close(ctx)
		return nil, fmt.Errorf("create pool: %w", err)
	}
	h.pool = pool

	if _, err := db.Migrate(ctx, pool); err != nil {
		h.Close(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return h, nil
}

// isolate creates a per-run schema and points every pooled connection at it.
func (h *Harness) isolate(ctx context.Context, cfg *pgxpool.Config) error {
	schema := fmt.Sprintf("stress_run_%d", time.Now().UnixNano())
	ident := pgx.Identifier{schema}.Sanitize()

	conn, err := pgx.Connect(ctx, h.dsn)
	if err != nil {
		return fmt.Errorf("connect for schema: %w", err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, "CREATE SCHEMA "+ident); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	setPath := "SET search_path TO " + ident
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, setPath)
		return err
	}
	h.teardown = func(ctx context.Context) error {
		c, err := pgx.Connect(ctx, h.dsn)
		if err != nil {
			return err
		}
		defer c.Close(ctx)
		_, err = c.Exec(ctx, "DROP SCHEMA IF EXISTS "+ident+" CASCADE")
		return err
	}
	return nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources. Errors dropping a shared schema are returned
// so the caller can log them.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	err := h.teardown(ctx)
	if h.container != nil {
		_ = h.container.Terminate(ctx)
	}
	return err
}

// Reset truncates mutable tables to provide a clean slate for next epoch.
// Agreements refuse DELETE, so TRUNCATE is the only way to clear them.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"outbox",
		"transactions",
		"disbursement_attempts",
		"milestones",
		"agreements",
		"parties",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}
