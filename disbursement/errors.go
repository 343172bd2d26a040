package disbursement

import "errors"

var (
	// ErrLedger signals the ledger refused or failed the transfer before any
	// value moved. The agreement is unchanged and the call may be retried.
	ErrLedger = errors.New("disbursement: ledger error")
	// ErrIndeterminate signals a broadcast whose outcome is unknown. It is
	// never retried automatically; an operator reconciles it.
	ErrIndeterminate = errors.New("disbursement: outcome indeterminate")
)
