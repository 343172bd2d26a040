package agreement

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fundbridge/outbox"
	"fundbridge/party"
)

const (
	defaultMaxAttempts  = 5
	referenceAttempts   = 5
	amountDecimalPlaces = 18
)

// maxAmount keeps amounts inside numeric(78, 18).
var maxAmount = decimal.New(1, 60)

// Parties resolves the counterparties named in a new agreement.
type Parties interface {
	Get(ctx context.Context, id string) (party.Party, error)
}

// Service is the agreement lifecycle engine.
type Service struct {
	store       Store
	parties     Parties
	now         func() time.Time
	newID       func() string
	reference   func(time.Time) string
	maxAttempts int
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

func WithReferenceGenerator(gen func(time.Time) string) Option {
	return func(s *Service) { s.reference = gen }
}

// WithMaxAttempts bounds how often a lost compare-and-swap is retried.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func NewService(store Store, parties Parties, opts ...Option) *Service {
	s := &Service{
		store:       store,
		parties:     parties,
		now:         time.Now,
		newID:       uuid.NewString,
		reference:   NewReference,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewReference formats a human-readable code CTR-<unix ms>-<4 digits>.
func NewReference(at time.Time) string {
	return fmt.Sprintf("CTR-%d-%04d", at.UnixMilli(), rand.IntN(10000))
}

// ValidateAmount checks that amount is positive and representable in wei.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if !amount.Shift(amountDecimalPlaces).IsInteger() {
		return fmt.Errorf("%w: amount has more than %d decimal places", ErrInvalidInput, amountDecimalPlaces)
	}
	if amount.GreaterThanOrEqual(maxAmount) {
		return fmt.Errorf("%w: amount too large", ErrInvalidInput)
	}
	return nil
}

// Create persists a new agreement in status created on behalf of a sponsor.
func (s *Service) Create(ctx context.Context, caller party.Caller, params CreateParams) (Agreement, error) {
	if caller.Role != party.RoleSponsor {
		return Agreement{}, fmt.Errorf("%w: only sponsors create agreements", ErrForbidden)
	}
	if err := ValidateAmount(params.Amount); err != nil {
		return Agreement{}, err
	}
	locator := strings.TrimSpace(params.DocumentLocator)
	if locator == "" {
		return Agreement{}, fmt.Errorf("%w: document locator required", ErrInvalidInput)
	}
	if params.BeneficiaryID == "" {
		return Agreement{}, fmt.Errorf("%w: beneficiary required", ErrInvalidInput)
	}
	if params.BeneficiaryID == caller.PartyID {
		return Agreement{}, fmt.Errorf("%w: sponsor and beneficiary must differ", ErrInvalidInput)
	}

	beneficiary, err := s.parties.Get(ctx, params.BeneficiaryID)
	if err != nil {
		if errors.Is(err, party.ErrNotFound) {
			return Agreement{}, fmt.Errorf("%w: beneficiary %s is not registered", ErrInvalidInput, params.BeneficiaryID)
		}
		return Agreement{}, fmt.Errorf("agreement: load beneficiary: %w", err)
	}
	if beneficiary.Role != party.RoleBeneficiary {
		return Agreement{}, fmt.Errorf("%w: party %s is not a beneficiary", ErrInvalidInput, beneficiary.ID)
	}

	now := s.now().UTC()
	a := Agreement{
		ID:              s.newID(),
		SponsorID:       caller.PartyID,
		BeneficiaryID:   beneficiary.ID,
		Amount:          params.Amount,
		DocumentLocator: locator,
		Status:          StatusCreated,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	for i := 0; i < referenceAttempts; i++ {
		a.Reference = s.reference(now)
		ev := Event{Topic: outbox.TopicAgreementCreated, Payload: map[string]any{
			"agreement_id":   a.ID,
			"reference":      a.Reference,
			"sponsor_id":     a.SponsorID,
			"beneficiary_id": a.BeneficiaryID,
			"amount":         a.Amount.String(),
		}}
		err := s.store.Insert(ctx, a, ev)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, ErrDuplicateReference) {
			return Agreement{}, err
		}
	}
	return Agreement{}, fmt.Errorf("agreement: could not allocate a unique reference after %d attempts", referenceAttempts)
}

// RecordSignature sets role's signature flag. The write that observes both
// flags set also moves the agreement to active.
func (s *Service) RecordSignature(ctx context.Context, caller party.Caller, id string, role party.Role, evidence string) (Agreement, error) {
	if role != party.RoleSponsor && role != party.RoleBeneficiary {
		return Agreement{}, fmt.Errorf("%w: role must be sponsor or beneficiary", ErrInvalidInput)
	}
	evidence = strings.TrimSpace(evidence)
	if evidence == "" {
		return Agreement{}, fmt.Errorf("%w: signature evidence required", ErrInvalidInput)
	}

	return s.retry(ctx, id, func(cur Agreement) (Agreement, []Event, error) {
		if caller.PartyID == "" || caller.PartyID != cur.PartyFor(role) {
			return Agreement{}, nil, fmt.Errorf("%w: caller is not the %s of agreement %s", ErrForbidden, role, id)
		}
		if cur.Status == StatusCompleted {
			return Agreement{}, nil, fmt.Errorf("%w: agreement %s is completed", ErrConflict, id)
		}
		if cur.Signed(role) {
			return Agreement{}, nil, fmt.Errorf("%w: %s already signed agreement %s", ErrConflict, role, id)
		}

		now := s.now().UTC()
		next := cur.Clone()
		sig := &Signature{Evidence: evidence, SignedAt: now}
		if role == party.RoleSponsor {
			next.SponsorSignature = sig
		} else {
			next.BeneficiarySignature = sig
		}

		events := []Event{{Topic: outbox.TopicAgreementSigned, Payload: map[string]any{
			"agreement_id": id,
			"role":         string(role),
			"party_id":     caller.PartyID,
			"evidence":     evidence,
		}}}
		if next.FullySigned() && next.Status == StatusCreated {
			next.Status = StatusActive
			events = append(events, Event{Topic: outbox.TopicAgreementActivated, Payload: map[string]any{
				"agreement_id":   id,
				"reference":      next.Reference,
				"sponsor_id":     next.SponsorID,
				"beneficiary_id": next.BeneficiaryID,
				"activated_at":   now,
			}})
		}
		return next, events, nil
	})
}

// RecordMilestone appends a progress entry to an active agreement. Only the
// beneficiary may record milestones.
func (s *Service) RecordMilestone(ctx context.Context, caller party.Caller, id, description string, evidence []string) (Milestone, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return Milestone{}, fmt.Errorf("%w: milestone description required", ErrInvalidInput)
	}
	cleaned := make([]string, 0, len(evidence))
	for _, e := range evidence {
		if e = strings.TrimSpace(e); e != "" {
			cleaned = append(cleaned, e)
		}
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return Milestone{}, err
		}
		if caller.PartyID == "" || caller.PartyID != cur.BeneficiaryID {
			return Milestone{}, fmt.Errorf("%w: only the beneficiary records milestones", ErrForbidden)
		}
		if cur.Status != StatusActive {
			return Milestone{}, fmt.Errorf("%w: agreement %s is %s", ErrConflict, id, cur.Status)
		}

		m := Milestone{
			Seq:         len(cur.Milestones) + 1,
			Description: description,
			Evidence:    cleaned,
			RecordedAt:  s.now().UTC(),
		}
		ev := Event{Topic: outbox.TopicMilestoneRecorded, Payload: map[string]any{
			"agreement_id": id,
			"seq":          m.Seq,
			"description":  m.Description,
			"evidence":     m.Evidence,
		}}
		err = s.store.AppendMilestone(ctx, id, cur.Version, m, ev)
		switch {
		case err == nil:
			return m, nil
		case errors.Is(err, ErrStale):
			continue
		default:
			return Milestone{}, err
		}
	}
	return Milestone{}, fmt.Errorf("%w: agreement %s kept changing", ErrConflict, id)
}

// MarkComplete settles an active agreement out-of-band. It races the
// disbursement path through the same version check.
func (s *Service) MarkComplete(ctx context.Context, caller party.Caller, id, reference string) (Agreement, error) {
	reference = strings.TrimSpace(reference)
	return s.retry(ctx, id, func(cur Agreement) (Agreement, []Event, error) {
		if !caller.IsAdmin() && (caller.PartyID == "" || caller.PartyID != cur.SponsorID) {
			return Agreement{}, nil, fmt.Errorf("%w: only the sponsor or an admin may complete", ErrForbidden)
		}
		if cur.Status != StatusActive {
			return Agreement{}, nil, fmt.Errorf("%w: agreement %s is %s", ErrConflict, id, cur.Status)
		}
		next := cur.Clone()
		now := s.now().UTC()
		next.Status = StatusCompleted
		next.SettledAt = &now
		next.SettlementRef = reference
		return next, []Event{completedEvent(next, "manual")}, nil
	})
}

// Get returns an agreement visible to the caller.
func (s *Service) Get(ctx context.Context, caller party.Caller, id string) (Agreement, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return Agreement{}, err
	}
	if !caller.IsAdmin() && !a.HasParty(caller.PartyID) {
		return Agreement{}, fmt.Errorf("%w: caller is not a party of agreement %s", ErrForbidden, id)
	}
	return a, nil
}

// List pages through the caller's agreements; admins see every agreement.
func (s *Service) List(ctx context.Context, caller party.Caller, f ListFilter) (Page, error) {
	if f.Status != "" && !f.Status.Valid() {
		return Page{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, f.Status)
	}
	if caller.IsAdmin() {
		f.PartyID = ""
	} else {
		if caller.PartyID == "" {
			return Page{}, fmt.Errorf("%w: anonymous caller", ErrForbidden)
		}
		f.PartyID = caller.PartyID
	}
	return s.store.List(ctx, f)
}

// retry runs mutate against a fresh read and swaps the result in, re-reading
// on version conflicts up to maxAttempts times.
func (s *Service) retry(ctx context.Context, id string, mutate func(Agreement) (Agreement, []Event, error)) (Agreement, error) {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return Agreement{}, err
		}
		next, events, err := mutate(cur)
		if err != nil {
			return Agreement{}, err
		}
		err = s.store.Swap(ctx, cur.Version, next, events...)
		switch {
		case err == nil:
			next.Version = cur.Version + 1
			return next, nil
		case errors.Is(err, ErrStale):
			continue
		default:
			return Agreement{}, err
		}
	}
	return Agreement{}, fmt.Errorf("%w: agreement %s kept changing", ErrConflict, id)
}
