package party

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"fundbridge/keys"
)

// ErrInvalid signals a party payload that fails validation.
var ErrInvalid = errors.New("party: invalid")

// Store abstracts repository operations for the service.
type Store interface {
	Get(ctx context.Context, id string) (Party, error)
	Upsert(ctx context.Context, p Party) (Party, error)
	SetSettlementAddress(ctx context.Context, id, address string) (Party, error)
}

// Service exposes business-level party operations.
type Service struct {
	repo Store
}

// NewService builds a Service using the provided repository.
func NewService(repo Store) *Service {
	return &Service{repo: repo}
}

// Get returns the party for the given identifier.
func (s *Service) Get(ctx context.Context, id string) (Party, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Party{}, ErrNotFound
	}
	return s.repo.Get(ctx, id)
}

// Upsert registers a party. An empty ID allocates a new one.
func (s *Service) Upsert(ctx context.Context, p Party) (Party, error) {
	if !p.Role.Valid() {
		return Party{}, fmt.Errorf("%w: unknown role %q", ErrInvalid, p.Role)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	} else if _, err := uuid.Parse(p.ID); err != nil {
		return Party{}, fmt.Errorf("%w: id must be a uuid", ErrInvalid)
	}
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	if p.SettlementAddress != "" {
		addr, err := keys.ParseAddress(p.SettlementAddress)
		if err != nil {
			return Party{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		p.SettlementAddress = addr
	}
	return s.repo.Upsert(ctx, p)
}

// SetSettlementAddress validates and stores the EIP-55 form of address.
func (s *Service) SetSettlementAddress(ctx context.Context, id, address string) (Party, error) {
	addr, err := keys.ParseAddress(address)
	if err != nil {
		return Party{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := uuid.Parse(id); err != nil {
		return Party{}, ErrNotFound
	}
	return s.repo.SetSettlementAddress(ctx, id, addr)
}
