package actors

import (
	"context"
	"fmt"
	"math/big"
	"math/rand/v2"
	"sync"
	"time"

	"fundbridge/chain"
	"fundbridge/keys"
)

type fate int

const (
	landed fate = iota
	reverted
	dropped
)

// Ledger is an in-process chain that misbehaves at random: ambiguous
// broadcasts, reverts, dropped transactions and slow receipts. The fate of a
// hash is fixed at broadcast so repeated receipt polls agree.
type Ledger struct {
	mu     sync.Mutex
	fates  map[string]fate
	nonces map[string]uint64
	seq    uint64
}

func NewLedger() *Ledger {
	return &Ledger{fates: map[string]fate{}, nonces: map[string]uint64{}}
}

func jitter(max time.Duration) {
	time.Sleep(time.Duration(rand.Int64N(int64(max))))
}

func (l *Ledger) EstimateCost(_ context.Context, _ chain.Transfer) (chain.Fee, error) {
	if rand.IntN(20) == 0 {
		return chain.Fee{}, fmt.Errorf("%w: estimate gas: upstream busy", chain.ErrRejected)
	}
	return chain.Fee{GasLimit: 21000, GasPrice: big.NewInt(1_000_000_000)}, nil
}

func (l *Ledger) Balance(_ context.Context, _ string) (*big.Int, error) {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil), nil
}

func (l *Ledger) SignAndBroadcast(_ context.Context, key *keys.SigningKey, _ chain.Transfer, _ chain.Fee) (chain.Pending, error) {
	jitter(20 * time.Millisecond)
	l.mu.Lock()
	defer l.mu.Unlock()

	if rand.IntN(20) == 0 {
		return chain.Pending{}, fmt.Errorf("%w: nonce too low", chain.ErrRejected)
	}
	l.seq++
	nonce := l.nonces[key.Address()]
	l.nonces[key.Address()] = nonce + 1
	p := chain.Pending{Hash: fmt.Sprintf("0x%064x", l.seq), Nonce: nonce, SubmittedAt: time.Now()}

	f := landed
	switch n := rand.IntN(20); {
	case n == 0:
		f = reverted
	case n == 1:
		f = dropped
	}
	l.fates[p.Hash] = f

	if rand.IntN(10) == 0 {
		return p, fmt.Errorf("%w: connection reset", chain.ErrBroadcastUnknown)
	}
	return p, nil
}

func (l *Ledger) AwaitReceipt(ctx context.Context, p chain.Pending, timeout time.Duration) (chain.Receipt, error) {
	l.mu.Lock()
	f, ok := l.fates[p.Hash]
	l.mu.Unlock()

	wait := time.Duration(rand.Int64N(int64(50 * time.Millisecond)))
	if !ok || f == dropped || rand.IntN(10) == 0 {
		wait = timeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return chain.Receipt{}, chain.ErrReceiptTimeout
	case <-timer.C:
	}
	if !ok || f == dropped || wait == timeout {
		return chain.Receipt{}, chain.ErrReceiptTimeout
	}
	if f == reverted {
		return chain.Receipt{Hash: p.Hash, BlockNumber: 1}, chain.ErrReverted
	}
	return chain.Receipt{Hash: p.Hash, Confirmed: true, BlockNumber: 1 + rand.Uint64N(1000), GasUsed: 21000}, nil
}
