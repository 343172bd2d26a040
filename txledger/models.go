package txledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Record is one confirmed on-chain transfer, keyed by its transaction hash.
type Record struct {
	TxHash      string
	AgreementID string
	FromAddress string
	ToAddress   string
	Amount      decimal.Decimal
	BlockNumber uint64
	CreatedAt   time.Time
}

// AttemptState tracks a broadcast from acceptance to its final outcome.
type AttemptState string

const (
	// AttemptReserved claims the agreement before anything is broadcast.
	AttemptReserved AttemptState = "reserved"
	// AttemptPending means the node accepted the broadcast and no receipt was seen yet.
	AttemptPending AttemptState = "pending"
	// AttemptConfirmed means the receipt succeeded but the agreement write has not landed.
	AttemptConfirmed AttemptState = "confirmed"
	// AttemptSettled means the record and the agreement transition are committed.
	AttemptSettled AttemptState = "settled"
	// AttemptIndeterminate means the outcome could not be observed and needs reconciliation.
	AttemptIndeterminate AttemptState = "indeterminate"
	// AttemptRejected means the transfer reverted or was judged dropped.
	AttemptRejected AttemptState = "rejected"
)

// Unresolved reports whether the state still blocks a new disbursement.
func (s AttemptState) Unresolved() bool {
	switch s {
	case AttemptReserved, AttemptPending, AttemptConfirmed, AttemptIndeterminate:
		return true
	}
	return false
}

// CanMove reports whether from -> to is a legal journal transition. A
// rejected attempt can still be confirmed: a receipt from the ledger
// outranks an earlier judgement that the transfer was dropped.
func CanMove(from, to AttemptState) bool {
	switch to {
	case AttemptPending:
		return from == AttemptReserved
	case AttemptConfirmed:
		return from == AttemptPending || from == AttemptIndeterminate || from == AttemptRejected
	case AttemptSettled:
		return from == AttemptConfirmed
	case AttemptIndeterminate:
		return from == AttemptReserved || from == AttemptPending
	case AttemptRejected:
		return from == AttemptReserved || from == AttemptPending || from == AttemptIndeterminate
	}
	return false
}

// Attempt is the journal entry for one disbursement try. TxHash is empty
// while the attempt is reserved.
type Attempt struct {
	ID          string
	AgreementID string
	TxHash      string
	FromAddress string
	ToAddress   string
	Amount      decimal.Decimal
	Nonce       uint64
	State       AttemptState
	Note        string
	BlockNumber uint64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
