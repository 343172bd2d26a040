package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"fundbridge/keys"
)

const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type fakeBackend struct {
	mu        sync.Mutex
	chainID   *big.Int
	nonce     uint64
	gas       uint64
	gasPrice  *big.Int
	balance   *big.Int
	sendErr   error
	sent      []*types.Transaction
	receipts  []*types.Receipt
	receiptAt int
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return f.gasPrice, nil }

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.gas, nil
}

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return f.sendErr
}

// TransactionReceipt serves queued receipts; a nil entry means not yet mined.
func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptAt >= len(f.receipts) {
		return nil, ethereum.NotFound
	}
	r := f.receipts[f.receiptAt]
	f.receiptAt++
	if r == nil {
		return nil, ethereum.NotFound
	}
	return r, nil
}

type codedError struct{ code int }

func (e codedError) Error() string  { return "insufficient funds for gas * price + value" }
func (e codedError) ErrorCode() int { return e.code }

func newTestClient(t *testing.T, b *fakeBackend) *EthClient {
	t.Helper()
	c, err := NewEthClient(context.Background(), b, EthOptions{PollInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func mustKey(t *testing.T) *keys.SigningKey {
	t.Helper()
	k, err := keys.ParsePrivateKey(testKey)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	return k
}

func TestEthClient_EstimateCost(t *testing.T) {
	b := &fakeBackend{chainID: big.NewInt(1337), gas: 21000, gasPrice: big.NewInt(2_000_000_000)}
	c := newTestClient(t, b)

	fee, err := c.EstimateCost(context.Background(), Transfer{
		From:  "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23",
		To:    "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		Value: big.NewInt(1),
	})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if fee.Total().Cmp(big.NewInt(42_000_000_000_000)) != 0 {
		t.Fatalf("unexpected fee total %s", fee.Total())
	}

	if _, err := c.EstimateCost(context.Background(), Transfer{From: "nope", To: "nope"}); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected for malformed addresses, got %v", err)
	}
}

func TestEthClient_SignAndBroadcast_SignsForSender(t *testing.T) {
	b := &fakeBackend{chainID: big.NewInt(1337), nonce: 7}
	c := newTestClient(t, b)
	key := mustKey(t)
	defer key.Destroy()

	to := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	pending, err := c.SignAndBroadcast(context.Background(), key, Transfer{
		From:  key.Address(),
		To:    to,
		Value: big.NewInt(1000),
	}, Fee{GasLimit: 21000, GasPrice: big.NewInt(1)})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(b.sent) != 1 {
		t.Fatalf("expected one send, got %d", len(b.sent))
	}
	tx := b.sent[0]
	if pending.Hash != tx.Hash().Hex() || pending.Nonce != 7 {
		t.Fatalf("pending does not describe sent tx: %+v", pending)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1337)), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if !keys.SameAddress(sender.Hex(), key.Address()) {
		t.Fatalf("expected sender %s got %s", key.Address(), sender.Hex())
	}
	if !strings.EqualFold(tx.To().Hex(), to) || tx.Value().Int64() != 1000 {
		t.Fatalf("unexpected tx body to=%s value=%s", tx.To().Hex(), tx.Value())
	}
}

func TestEthClient_SignAndBroadcast_ClassifiesErrors(t *testing.T) {
	cases := []struct {
		name     string
		sendErr  error
		want     error
		wantHash bool
	}{
		{"node rejected", codedError{code: -32000}, ErrRejected, false},
		{"transport failure", errors.New("connection reset by peer"), ErrBroadcastUnknown, true},
		{"already known", errors.New("already known"), nil, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := &fakeBackend{chainID: big.NewInt(1337), sendErr: tc.sendErr}
			c := newTestClient(t, b)
			key := mustKey(t)
			defer key.Destroy()

			pending, err := c.SignAndBroadcast(context.Background(), key, Transfer{
				From:  key.Address(),
				To:    "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
				Value: big.NewInt(1),
			}, Fee{GasLimit: 21000, GasPrice: big.NewInt(1)})
			if tc.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if tc.wantHash != (pending.Hash != "") {
				t.Fatalf("hash presence mismatch: %+v", pending)
			}
		})
	}
}

func TestEthClient_AwaitReceipt(t *testing.T) {
	ok := &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(12), GasUsed: 21000}
	failed := &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(13)}

	t.Run("confirmed after polling", func(t *testing.T) {
		b := &fakeBackend{chainID: big.NewInt(1), receipts: []*types.Receipt{nil, nil, ok}}
		c := newTestClient(t, b)
		r, err := c.AwaitReceipt(context.Background(), Pending{Hash: "0x01"}, time.Second)
		if err != nil {
			t.Fatalf("await: %v", err)
		}
		if !r.Confirmed || r.BlockNumber != 12 || r.GasUsed != 21000 {
			t.Fatalf("unexpected receipt %+v", r)
		}
	})

	t.Run("reverted", func(t *testing.T) {
		b := &fakeBackend{chainID: big.NewInt(1), receipts: []*types.Receipt{failed}}
		c := newTestClient(t, b)
		if _, err := c.AwaitReceipt(context.Background(), Pending{Hash: "0x02"}, time.Second); !errors.Is(err, ErrReverted) {
			t.Fatalf("expected ErrReverted, got %v", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		b := &fakeBackend{chainID: big.NewInt(1)}
		c := newTestClient(t, b)
		if _, err := c.AwaitReceipt(context.Background(), Pending{Hash: "0x03"}, 20*time.Millisecond); !errors.Is(err, ErrReceiptTimeout) {
			t.Fatalf("expected ErrReceiptTimeout, got %v", err)
		}
	})
}
