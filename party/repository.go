package party

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"fundbridge/db"
)

// ErrNotFound signals the requested party does not exist.
var ErrNotFound = errors.New("party: not found")

// Repository persists parties in Postgres.
type Repository struct {
	db db.Querier
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(q db.Querier) *Repository {
	return &Repository{db: q}
}

const partyColumns = `id::text, role::text, display_name, COALESCE(settlement_address, ''), created_at, updated_at`

// Get fetches a party by its primary key.
func (r *Repository) Get(ctx context.Context, id string) (Party, error) {
	query := `SELECT ` + partyColumns + ` FROM parties WHERE id = $1`

	p, err := scanParty(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Party{}, ErrNotFound
		}
		return Party{}, fmt.Errorf("party: query by id: %w", err)
	}
	return p, nil
}

// Upsert inserts the party or updates its role, name and address.
func (r *Repository) Upsert(ctx context.Context, p Party) (Party, error) {
	query := `
INSERT INTO parties (id, role, display_name, settlement_address)
VALUES ($1, $2::party_role, $3, NULLIF($4, ''))
ON CONFLICT (id) DO UPDATE
SET role = EXCLUDED.role,
    display_name = EXCLUDED.display_name,
    settlement_address = COALESCE(EXCLUDED.settlement_address, parties.settlement_address),
    updated_at = now()
RETURNING ` + partyColumns

	out, err := scanParty(r.db.QueryRow(ctx, query, p.ID, string(p.Role), p.DisplayName, p.SettlementAddress))
	if err != nil {
		return Party{}, fmt.Errorf("party: upsert: %w", err)
	}
	return out, nil
}

// SetSettlementAddress records the ledger address for a party.
func (r *Repository) SetSettlementAddress(ctx context.Context, id, address string) (Party, error) {
	query := `
UPDATE parties
SET settlement_address = $2, updated_at = now()
WHERE id = $1
RETURNING ` + partyColumns

	out, err := scanParty(r.db.QueryRow(ctx, query, id, address))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Party{}, ErrNotFound
		}
		return Party{}, fmt.Errorf("party: set settlement address: %w", err)
	}
	return out, nil
}

func scanParty(row pgx.Row) (Party, error) {
	var (
		p    Party
		role string
	)
	if err := row.Scan(&p.ID, &role, &p.DisplayName, &p.SettlementAddress, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Party{}, err
	}
	p.Role = Role(role)
	return p, nil
}
