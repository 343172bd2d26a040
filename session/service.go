package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fundbridge/party"
)

const defaultTTL = 24 * time.Hour

var (
	// ErrInvalidToken signals a token that is malformed, expired, badly
	// signed or names a party that no longer exists.
	ErrInvalidToken = errors.New("session: invalid token")
	// ErrUnknownParty signals a token request for an unregistered party.
	ErrUnknownParty = errors.New("session: unknown party")
)

// Parties resolves the party a token is issued for.
type Parties interface {
	Get(ctx context.Context, id string) (party.Party, error)
}

// Claims are the JWT claims carried by a session token.
type Claims struct {
	PartyID string     `json:"party_id"`
	Role    party.Role `json:"role"`
	jwt.RegisteredClaims
}

// Service issues and verifies bearer tokens for parties.
type Service struct {
	parties Parties
	secret  []byte
	ttl     time.Duration
	now     func() time.Time
}

// NewService creates a session service signing with secret. A zero ttl
// means 24 hours.
func NewService(parties Parties, secret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Service{parties: parties, secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue creates a token for a registered party carrying its current role.
func (s *Service) Issue(ctx context.Context, partyID string) (string, time.Time, error) {
	p, err := s.parties.Get(ctx, partyID)
	if err != nil {
		if errors.Is(err, party.ErrNotFound) {
			return "", time.Time{}, fmt.Errorf("%w: %s", ErrUnknownParty, partyID)
		}
		return "", time.Time{}, fmt.Errorf("session: load party: %w", err)
	}

	now := s.now()
	expires := now.Add(s.ttl)
	claims := Claims{
		PartyID: p.ID,
		Role:    p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("session: sign token: %w", err)
	}
	return token, expires, nil
}

// Verify validates a token and returns the caller it identifies. The role
// must still match the stored party.
func (s *Service) Verify(ctx context.Context, tokenString string) (party.Caller, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return party.Caller{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.PartyID == "" || !claims.Role.Valid() {
		return party.Caller{}, fmt.Errorf("%w: missing party or role", ErrInvalidToken)
	}

	p, err := s.parties.Get(ctx, claims.PartyID)
	if err != nil {
		if errors.Is(err, party.ErrNotFound) {
			return party.Caller{}, fmt.Errorf("%w: party %s no longer exists", ErrInvalidToken, claims.PartyID)
		}
		return party.Caller{}, fmt.Errorf("session: load party: %w", err)
	}
	if p.Role != claims.Role {
		return party.Caller{}, fmt.Errorf("%w: role changed", ErrInvalidToken)
	}
	return party.Caller{PartyID: p.ID, Role: p.Role}, nil
}
