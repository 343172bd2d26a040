package agreement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fundbridge/outbox"
)

// Store is the durable record of agreements. Every write is conditional on
// the version the caller read; ErrStale means re-read and retry.
type Store interface {
	Insert(ctx context.Context, a Agreement, events ...Event) error
	Get(ctx context.Context, id string) (Agreement, error)
	List(ctx context.Context, f ListFilter) (Page, error)
	// Swap replaces the mutable fields of the agreement stored at version prev.
	Swap(ctx context.Context, prev int64, next Agreement, events ...Event) error
	// AppendMilestone adds m to an active agreement stored at version prev.
	AppendMilestone(ctx context.Context, id string, prev int64, m Milestone, events ...Event) error
}

// applySettlement decides how a settlement with ref lands on a.
func applySettlement(a Agreement, ref string, at time.Time) (Agreement, Completion, []Event, error) {
	switch a.Status {
	case StatusActive:
		next := a.Clone()
		next.Status = StatusCompleted
		settled := at.UTC()
		next.SettledAt = &settled
		next.SettlementRef = ref
		return next, Completed, []Event{completedEvent(next, "disbursement")}, nil
	case StatusCompleted:
		switch {
		case a.SettlementRef == "" && ref != "":
			next := a.Clone()
			next.SettlementRef = ref
			return next, RefFilled, nil, nil
		case a.SettlementRef == ref:
			return a, AlreadySettled, nil, nil
		default:
			return a, SettledElsewhere, nil, nil
		}
	}
	return a, 0, nil, fmt.Errorf("%w: agreement %s is %s", ErrConflict, a.ID, a.Status)
}

func completedEvent(a Agreement, source string) Event {
	payload := map[string]any{
		"agreement_id": a.ID,
		"reference":    a.Reference,
		"source":       source,
	}
	if a.SettledAt != nil {
		payload["settled_at"] = a.SettledAt.UTC()
	}
	if a.SettlementRef != "" {
		payload["settlement_ref"] = a.SettlementRef
	}
	return Event{Topic: outbox.TopicAgreementCompleted, Payload: payload}
}

// MemoryStore is an in-process Store with the same compare-and-swap
// semantics as the Postgres repository.
type MemoryStore struct {
	mu         sync.Mutex
	agreements map[string]Agreement
	references map[string]string
	events     []Event
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agreements: map[string]Agreement{},
		references: map[string]string{},
		now:        time.Now,
	}
}

func (m *MemoryStore) Insert(_ context.Context, a Agreement, events ...Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.references[a.Reference]; ok {
		return ErrDuplicateReference
	}
	if _, ok := m.agreements[a.ID]; ok {
		return fmt.Errorf("agreement: id %s already exists", a.ID)
	}
	a = a.Clone()
	a.Version = 1
	m.agreements[a.ID] = a
	m.references[a.Reference] = a.ID
	m.events = append(m.events, events...)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Agreement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agreements[id]
	if !ok {
		return Agreement{}, ErrNotFound
	}
	return a.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) (Page, error) {
	f = normalizeFilter(f)
	m.mu.Lock()
	matched := make([]Agreement, 0, len(m.agreements))
	for _, a := range m.agreements {
		if f.PartyID != "" && !a.HasParty(f.PartyID) {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		item := a.Clone()
		item.Milestones = nil
		matched = append(matched, item)
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	page := Page{Items: []Agreement{}, Total: len(matched), Page: f.Page, PageSize: f.PageSize}
	start := (f.Page - 1) * f.PageSize
	if start < len(matched) {
		end := start + f.PageSize
		if end > len(matched) {
			end = len(matched)
		}
		page.Items = matched[start:end]
	}
	return page, nil
}

func (m *MemoryStore) Swap(_ context.Context, prev int64, next Agreement, events ...Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.agreements[next.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != prev {
		return ErrStale
	}
	if err := checkMutation(cur, next); err != nil {
		return err
	}
	stored := next.Clone()
	stored.Milestones = cur.Milestones
	stored.Version = prev + 1
	stored.UpdatedAt = m.now().UTC()
	m.agreements[next.ID] = stored
	m.events = append(m.events, events...)
	return nil
}

func (m *MemoryStore) AppendMilestone(_ context.Context, id string, prev int64, ms Milestone, events ...Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.agreements[id]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != prev {
		return ErrStale
	}
	if cur.Status != StatusActive {
		return fmt.Errorf("%w: agreement %s is %s", ErrConflict, id, cur.Status)
	}
	ms.Evidence = append([]string(nil), ms.Evidence...)
	cur.Milestones = append(cur.Milestones, ms)
	cur.Version++
	cur.UpdatedAt = m.now().UTC()
	m.agreements[id] = cur
	m.events = append(m.events, events...)
	return nil
}

// Complete applies a ledger settlement to an agreement atomically.
func (m *MemoryStore) Complete(_ context.Context, id, ref string, at time.Time) (Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.agreements[id]
	if !ok {
		return 0, ErrNotFound
	}
	next, outcome, events, err := applySettlement(cur, ref, at)
	if err != nil {
		return 0, err
	}
	if outcome == Completed || outcome == RefFilled {
		next.Version = cur.Version + 1
		next.UpdatedAt = m.now().UTC()
		m.agreements[id] = next
	}
	m.events = append(m.events, events...)
	return outcome, nil
}

// Events returns the events written so far.
func (m *MemoryStore) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// checkMutation enforces the same guards as the agreements table trigger.
func checkMutation(cur, next Agreement) error {
	if !next.Amount.Equal(cur.Amount) || next.SponsorID != cur.SponsorID || next.BeneficiaryID != cur.BeneficiaryID ||
		next.Reference != cur.Reference || next.DocumentLocator != cur.DocumentLocator {
		return fmt.Errorf("agreement: %s terms are immutable", cur.ID)
	}
	if next.Status.Before(cur.Status) {
		return fmt.Errorf("agreement: %s status cannot move from %s to %s", cur.ID, cur.Status, next.Status)
	}
	if !keepsSignature(cur.SponsorSignature, next.SponsorSignature) || !keepsSignature(cur.BeneficiarySignature, next.BeneficiarySignature) {
		return fmt.Errorf("agreement: %s signatures are append-only", cur.ID)
	}
	if (cur.SettledAt != nil && (next.SettledAt == nil || !next.SettledAt.Equal(*cur.SettledAt))) ||
		(cur.SettlementRef != "" && next.SettlementRef != cur.SettlementRef) {
		return fmt.Errorf("agreement: %s settlement is set at most once", cur.ID)
	}
	if next.Status == StatusActive && !next.FullySigned() {
		return fmt.Errorf("agreement: %s cannot be active without both signatures", cur.ID)
	}
	return nil
}

func keepsSignature(cur, next *Signature) bool {
	if cur == nil {
		return true
	}
	return next != nil && next.Evidence == cur.Evidence && next.SignedAt.Equal(cur.SignedAt)
}

func normalizeFilter(f ListFilter) ListFilter {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}
	return f
}
