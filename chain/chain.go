package chain

import (
	"context"
	"errors"
	"math/big"
	"time"

	"fundbridge/keys"
)

var (
	// ErrRejected signals the node refused the request before accepting a
	// broadcast (estimation failure, insufficient funds, nonce errors). Nothing
	// reached the ledger and the call is safe to retry.
	ErrRejected = errors.New("chain: request rejected")
	// ErrBroadcastUnknown signals the broadcast may or may not have been
	// accepted. The returned Pending still carries the locally computed hash.
	ErrBroadcastUnknown = errors.New("chain: broadcast outcome unknown")
	// ErrReceiptTimeout signals no receipt was observed before the deadline.
	ErrReceiptTimeout = errors.New("chain: receipt not observed before timeout")
	// ErrReverted signals the transaction was mined with a failed status.
	ErrReverted = errors.New("chain: transaction reverted")
)

// Transfer describes a plain value transfer between two addresses.
type Transfer struct {
	From  string
	To    string
	Value *big.Int
}

// Fee is the gas budget attached to a transfer. It is paid on top of Value.
type Fee struct {
	GasLimit uint64
	GasPrice *big.Int
}

// Total returns the maximum wei the sender pays in fees.
func (f Fee) Total() *big.Int {
	if f.GasPrice == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(f.GasLimit), f.GasPrice)
}

// Pending identifies a broadcast transaction awaiting inclusion.
type Pending struct {
	Hash        string
	Nonce       uint64
	SubmittedAt time.Time
}

// Receipt is the confirmation artifact for a mined transaction.
type Receipt struct {
	Hash        string
	Confirmed   bool
	BlockNumber uint64
	GasUsed     uint64
}

// Client is the ledger capability consumed by the disbursement pipeline.
type Client interface {
	EstimateCost(ctx context.Context, t Transfer) (Fee, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
	SignAndBroadcast(ctx context.Context, key *keys.SigningKey, t Transfer, fee Fee) (Pending, error)
	AwaitReceipt(ctx context.Context, p Pending, timeout time.Duration) (Receipt, error)
}
