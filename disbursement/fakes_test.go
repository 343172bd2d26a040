package disbursement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"fundbridge/agreement"
	"fundbridge/chain"
	"fundbridge/keys"
	"fundbridge/party"
	"fundbridge/txledger"
)

var errTransient = errors.New("connection reset by peer")

// memStore mirrors PGStore over an agreement.MemoryStore.
type memStore struct {
	mu         sync.Mutex
	agreements *agreement.MemoryStore
	attempts   map[string]txledger.Attempt
	records    []txledger.Record

	settleErrs  []error
	settleCalls int
}

func newMemStore(agreements *agreement.MemoryStore) *memStore {
	return &memStore{agreements: agreements, attempts: map[string]txledger.Attempt{}}
}

func (s *memStore) Reserve(_ context.Context, a txledger.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.attempts {
		if cur.AgreementID == a.AgreementID && cur.State.Unresolved() {
			return txledger.ErrAttemptOpen
		}
	}
	a.UpdatedAt = a.CreatedAt
	s.attempts[a.ID] = a
	return nil
}

func (s *memStore) MarkBroadcast(_ context.Context, id, hash string, nonce uint64, to txledger.AttemptState, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok || a.State != txledger.AttemptReserved {
		return txledger.ErrIllegalTransition
	}
	a.TxHash, a.Nonce, a.State, a.Note = hash, nonce, to, note
	s.attempts[id] = a
	return nil
}

func (s *memStore) Move(_ context.Context, id string, to txledger.AttemptState, note string, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moveLocked(id, to, note, block)
}

func (s *memStore) moveLocked(id string, to txledger.AttemptState, note string, block uint64) error {
	a, ok := s.attempts[id]
	if !ok || !txledger.CanMove(a.State, to) {
		return txledger.ErrIllegalTransition
	}
	if to.Unresolved() && !a.State.Unresolved() {
		for _, other := range s.attempts {
			if other.ID != id && other.AgreementID == a.AgreementID && other.State.Unresolved() {
				return txledger.ErrAttemptOpen
			}
		}
	}
	a.State = to
	if note != "" {
		a.Note = note
	}
	if block > a.BlockNumber {
		a.BlockNumber = block
	}
	s.attempts[id] = a
	return nil
}

func (s *memStore) Unresolved(_ context.Context, agreementID string) (txledger.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attempts {
		if a.AgreementID == agreementID && a.State.Unresolved() {
			return a, nil
		}
	}
	return txledger.Attempt{}, txledger.ErrNotFound
}

func (s *memStore) ListAttempts(_ context.Context, state txledger.AttemptState, limit int) ([]txledger.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []txledger.Attempt{}
	for _, a := range s.attempts {
		if a.State == state && len(out) < limit {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memStore) Settle(ctx context.Context, st Settlement) (agreement.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleCalls++
	if len(s.settleErrs) > 0 {
		err := s.settleErrs[0]
		s.settleErrs = s.settleErrs[1:]
		return 0, err
	}

	cur, ok := s.attempts[st.Attempt.ID]
	if !ok {
		return 0, txledger.ErrNotFound
	}
	if cur.State == txledger.AttemptSettled {
		return agreement.AlreadySettled, nil
	}
	if cur.State != txledger.AttemptConfirmed {
		return 0, txledger.ErrIllegalTransition
	}
	outcome, err := s.agreements.Complete(ctx, cur.AgreementID, cur.TxHash, st.At)
	if err != nil {
		return 0, err
	}
	s.records = append(s.records, txledger.Record{
		TxHash:      cur.TxHash,
		AgreementID: cur.AgreementID,
		FromAddress: cur.FromAddress,
		ToAddress:   cur.ToAddress,
		Amount:      cur.Amount,
		BlockNumber: st.Receipt.BlockNumber,
		CreatedAt:   st.At,
	})
	if err := s.moveLocked(cur.ID, txledger.AttemptSettled, outcome.String(), st.Receipt.BlockNumber); err != nil {
		return 0, err
	}
	return outcome, nil
}

func (s *memStore) attemptsFor(agreementID string) []txledger.Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []txledger.Attempt
	for _, a := range s.attempts {
		if a.AgreementID == agreementID {
			out = append(out, a)
		}
	}
	return out
}

func (s *memStore) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// fakeChain is a scripted ledger. Zero values describe a healthy node.
type fakeChain struct {
	mu sync.Mutex

	estimateErr  error
	balance      *big.Int
	broadcastErr error
	// dropHash makes an ambiguous broadcast return no hash.
	dropHash   bool
	receiptErr error
	// hold, when set, parks AwaitReceipt until closed.
	hold    chan struct{}
	entered chan struct{}

	calls      map[string]int
	broadcasts int
	lastSender string
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		balance: new(big.Int).Exp(big.NewInt(10), big.NewInt(21), nil),
		calls:   map[string]int{},
	}
}

func (c *fakeChain) count(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[name]++
}

func (c *fakeChain) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

func (c *fakeChain) broadcastCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broadcasts
}

func (c *fakeChain) EstimateCost(_ context.Context, _ chain.Transfer) (chain.Fee, error) {
	c.count("estimate")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.estimateErr != nil {
		return chain.Fee{}, c.estimateErr
	}
	return chain.Fee{GasLimit: 21000, GasPrice: big.NewInt(1_000_000_000)}, nil
}

func (c *fakeChain) Balance(_ context.Context, _ string) (*big.Int, error) {
	c.count("balance")
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balance), nil
}

func (c *fakeChain) SignAndBroadcast(_ context.Context, key *keys.SigningKey, _ chain.Transfer, _ chain.Fee) (chain.Pending, error) {
	c.count("broadcast")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcasts++
	c.lastSender = key.Address()
	p := chain.Pending{Hash: fmt.Sprintf("0x%064x", c.broadcasts), Nonce: uint64(c.broadcasts - 1), SubmittedAt: time.Now()}
	if c.broadcastErr != nil {
		if errors.Is(c.broadcastErr, chain.ErrBroadcastUnknown) && !c.dropHash {
			return p, c.broadcastErr
		}
		return chain.Pending{}, c.broadcastErr
	}
	return p, nil
}

func (c *fakeChain) AwaitReceipt(ctx context.Context, p chain.Pending, _ time.Duration) (chain.Receipt, error) {
	c.count("await")
	c.mu.Lock()
	hold, entered, receiptErr := c.hold, c.entered, c.receiptErr
	c.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return chain.Receipt{}, chain.ErrReceiptTimeout
		}
	}
	if errors.Is(receiptErr, chain.ErrReverted) {
		return chain.Receipt{Hash: p.Hash, BlockNumber: 7}, receiptErr
	}
	if receiptErr != nil {
		return chain.Receipt{}, receiptErr
	}
	return chain.Receipt{Hash: p.Hash, Confirmed: true, BlockNumber: 7, GasUsed: 21000}, nil
}

type fakeParties map[string]party.Party

func (f fakeParties) Get(_ context.Context, id string) (party.Party, error) {
	p, ok := f[id]
	if !ok {
		return party.Party{}, party.ErrNotFound
	}
	return p, nil
}
