package agreement

import (
	"time"

	"github.com/shopspring/decimal"

	"fundbridge/party"
)

// Status is the coarse lifecycle position of an agreement.
type Status string

const (
	StatusCreated   Status = "created"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

func (s Status) rank() int {
	switch s {
	case StatusCreated:
		return 1
	case StatusActive:
		return 2
	case StatusCompleted:
		return 3
	}
	return 0
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.rank() > 0
}

// Before reports whether s precedes other in the lifecycle.
func (s Status) Before(other Status) bool {
	return s.rank() < other.rank()
}

// Signature is the evidence a party attached when signing.
type Signature struct {
	Evidence string
	SignedAt time.Time
}

// Milestone is one append-only progress entry.
type Milestone struct {
	Seq         int
	Description string
	Evidence    []string
	RecordedAt  time.Time
}

// Agreement is the off-chain record of one funding relationship. Reference,
// parties, amount and document locator never change after creation.
type Agreement struct {
	ID              string
	Reference       string
	SponsorID       string
	BeneficiaryID   string
	Amount          decimal.Decimal
	DocumentLocator string
	Status          Status

	SponsorSignature     *Signature
	BeneficiarySignature *Signature
	Milestones           []Milestone

	SettledAt     *time.Time
	SettlementRef string

	// Version increments on every successful write and is the compare-and-swap token.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PartyFor returns the party designated for role, or "" for other roles.
func (a Agreement) PartyFor(role party.Role) string {
	switch role {
	case party.RoleSponsor:
		return a.SponsorID
	case party.RoleBeneficiary:
		return a.BeneficiaryID
	}
	return ""
}

// Signed reports whether role has signed.
func (a Agreement) Signed(role party.Role) bool {
	switch role {
	case party.RoleSponsor:
		return a.SponsorSignature != nil
	case party.RoleBeneficiary:
		return a.BeneficiarySignature != nil
	}
	return false
}

// FullySigned reports whether both parties have signed.
func (a Agreement) FullySigned() bool {
	return a.SponsorSignature != nil && a.BeneficiarySignature != nil
}

// HasParty reports whether partyID is the sponsor or the beneficiary.
func (a Agreement) HasParty(partyID string) bool {
	return partyID != "" && (partyID == a.SponsorID || partyID == a.BeneficiaryID)
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (a Agreement) Clone() Agreement {
	out := a
	if a.SponsorSignature != nil {
		s := *a.SponsorSignature
		out.SponsorSignature = &s
	}
	if a.BeneficiarySignature != nil {
		s := *a.BeneficiarySignature
		out.BeneficiarySignature = &s
	}
	if a.SettledAt != nil {
		t := *a.SettledAt
		out.SettledAt = &t
	}
	if a.Milestones != nil {
		out.Milestones = make([]Milestone, len(a.Milestones))
		for i, m := range a.Milestones {
			m.Evidence = append([]string(nil), m.Evidence...)
			out.Milestones[i] = m
		}
	}
	return out
}

// Event is a domain event written to the outbox with the state change.
type Event struct {
	Topic   string
	Payload map[string]any
}

// CreateParams are the immutable terms supplied by the sponsor.
type CreateParams struct {
	BeneficiaryID   string
	Amount          decimal.Decimal
	DocumentLocator string
}

// ListFilter narrows List results. An empty PartyID lists every agreement.
type ListFilter struct {
	PartyID  string
	Status   Status
	Page     int
	PageSize int
}

// Page is one page of agreements. Items carry no milestones.
type Page struct {
	Items    []Agreement
	Total    int
	Page     int
	PageSize int
}

// Completion reports how a settlement landed on an agreement.
type Completion int

const (
	// Completed means this call moved the agreement from active to completed.
	Completed Completion = iota + 1
	// RefFilled means the agreement was already completed without a reference and now has one.
	RefFilled
	// AlreadySettled means the agreement already carried this reference.
	AlreadySettled
	// SettledElsewhere means the agreement carries a different reference and was left unchanged.
	SettledElsewhere
)

func (c Completion) String() string {
	switch c {
	case Completed:
		return "completed"
	case RefFilled:
		return "ref_filled"
	case AlreadySettled:
		return "already_settled"
	case SettledElsewhere:
		return "settled_elsewhere"
	}
	return "unknown"
}
