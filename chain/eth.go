package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"fundbridge/keys"
)

const (
	defaultPollInterval     = 2 * time.Second
	defaultBroadcastTimeout = 30 * time.Second
)

// backend is the subset of *ethclient.Client used by EthClient.
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EthOptions tunes an EthClient.
type EthOptions struct {
	// ChainID pins the signer chain id. Zero asks the node.
	ChainID          int64
	PollInterval     time.Duration
	BroadcastTimeout time.Duration
}

// EthClient implements Client against an Ethereum JSON-RPC node using legacy
// (gas price) transactions.
type EthClient struct {
	backend          backend
	chainID          *big.Int
	pollInterval     time.Duration
	broadcastTimeout time.Duration
	closeFn          func()
	now              func() time.Time

	// sendMu serializes nonce lookup and broadcast so concurrent transfers from
	// one sender do not reuse a nonce.
	sendMu sync.Mutex
}

// DialEth connects to rpcURL and resolves the chain id.
func DialEth(ctx context.Context, rpcURL string, opts EthOptions) (*EthClient, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("chain: empty rpc url")
	}
	conn, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	client, err := NewEthClient(ctx, conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	client.closeFn = conn.Close
	return client, nil
}

// NewEthClient wraps an already connected backend.
func NewEthClient(ctx context.Context, b backend, opts EthOptions) (*EthClient, error) {
	chainID := big.NewInt(opts.ChainID)
	if opts.ChainID == 0 {
		id, err := b.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("chain: resolve chain id: %w", err)
		}
		chainID = id
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BroadcastTimeout <= 0 {
		opts.BroadcastTimeout = defaultBroadcastTimeout
	}
	return &EthClient{
		backend:          b,
		chainID:          chainID,
		pollInterval:     opts.PollInterval,
		broadcastTimeout: opts.BroadcastTimeout,
		now:              time.Now,
	}, nil
}

// Close releases the underlying RPC connection when DialEth created it.
func (c *EthClient) Close() {
	if c.closeFn != nil {
		c.closeFn()
	}
}

func (c *EthClient) EstimateCost(ctx context.Context, t Transfer) (Fee, error) {
	if !common.IsHexAddress(t.From) || !common.IsHexAddress(t.To) {
		return Fee{}, fmt.Errorf("%w: malformed transfer address", ErrRejected)
	}
	to := common.HexToAddress(t.To)
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  common.HexToAddress(t.From),
		To:    &to,
		Value: t.Value,
	})
	if err != nil {
		return Fee{}, fmt.Errorf("%w: estimate gas: %v", ErrRejected, err)
	}
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return Fee{}, fmt.Errorf("%w: suggest gas price: %v", ErrRejected, err)
	}
	return Fee{GasLimit: gas, GasPrice: price}, nil
}

func (c *EthClient) Balance(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: malformed address", ErrRejected)
	}
	bal, err := c.backend.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balance: %v", ErrRejected, err)
	}
	return bal, nil
}

func (c *EthClient) SignAndBroadcast(ctx context.Context, key *keys.SigningKey, t Transfer, fee Fee) (Pending, error) {
	if !common.IsHexAddress(t.To) {
		return Pending{}, fmt.Errorf("%w: malformed destination", ErrRejected)
	}
	if fee.GasPrice == nil || fee.GasLimit == 0 {
		return Pending{}, fmt.Errorf("%w: missing fee", ErrRejected)
	}

	scalar := key.Bytes()
	prv, err := gethcrypto.ToECDSA(scalar)
	for i := range scalar {
		scalar[i] = 0
	}
	if err != nil {
		return Pending{}, fmt.Errorf("%w: load key: %v", ErrRejected, err)
	}
	from := gethcrypto.PubkeyToAddress(prv.PublicKey)
	to := common.HexToAddress(t.To)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return Pending{}, fmt.Errorf("%w: pending nonce: %v", ErrRejected, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: fee.GasPrice,
		Gas:      fee.GasLimit,
		To:       &to,
		Value:    t.Value,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), prv)
	if err != nil {
		return Pending{}, fmt.Errorf("%w: sign: %v", ErrRejected, err)
	}

	pending := Pending{
		Hash:        signed.Hash().Hex(),
		Nonce:       nonce,
		SubmittedAt: c.now().UTC(),
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.broadcastTimeout)
	defer cancel()
	if err := c.backend.SendTransaction(sendCtx, signed); err != nil {
		if alreadyKnown(err) {
			return pending, nil
		}
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			return Pending{}, fmt.Errorf("%w: send: %v", ErrRejected, err)
		}
		return pending, fmt.Errorf("%w: send %s: %v", ErrBroadcastUnknown, pending.Hash, err)
	}
	return pending, nil
}

func (c *EthClient) AwaitReceipt(ctx context.Context, p Pending, timeout time.Duration) (Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hash := common.HexToHash(p.Hash)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		r, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && r != nil {
			rec := Receipt{
				Hash:      p.Hash,
				Confirmed: r.Status == types.ReceiptStatusSuccessful,
				GasUsed:   r.GasUsed,
			}
			if r.BlockNumber != nil {
				rec.BlockNumber = r.BlockNumber.Uint64()
			}
			if !rec.Confirmed {
				return rec, fmt.Errorf("%w: %s", ErrReverted, p.Hash)
			}
			return rec, nil
		}
		// ethereum.NotFound means still pending; other errors are treated as
		// transient and polled through until the deadline.

		select {
		case <-ctx.Done():
			return Receipt{}, fmt.Errorf("%w: %s", ErrReceiptTimeout, p.Hash)
		case <-ticker.C:
		}
	}
}

func alreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}
