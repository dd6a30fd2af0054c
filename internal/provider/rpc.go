package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"nftmint/internal/wallet"
)

const defaultWatchInterval = 2 * time.Second

var errEmptySignature = errors.New("wallet returned an empty signed transaction")

type RPCOption func(*RPC)

// WithWatchInterval sets how often the event watcher polls the wallet.
func WithWatchInterval(d time.Duration) RPCOption {
	return func(p *RPC) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithRPCLogger(l zerolog.Logger) RPCOption {
	return func(p *RPC) { p.logger = l.With().Str("component", "provider.rpc").Logger() }
}

// RPC talks to an external wallet over JSON-RPC. The wallet does not push
// events over plain HTTP, so account and chain changes are discovered by
// polling.
type RPC struct {
	client   *rpc.Client
	interval time.Duration
	logger   zerolog.Logger
}

func DialRPC(ctx context.Context, url string, opts ...RPCOption) (*RPC, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial wallet rpc: %w", err)
	}
	return NewRPC(client, opts...), nil
}

func NewRPC(client *rpc.Client, opts ...RPCOption) *RPC {
	p := &RPC{client: client, interval: defaultWatchInterval, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *RPC) Close() {
	p.client.Close()
}

func (p *RPC) AuthorizedAccounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := p.client.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, fmt.Errorf("eth_accounts: %w", err)
	}
	return accounts, nil
}

func (p *RPC) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := p.client.CallContext(ctx, &accounts, "eth_requestAccounts"); err != nil {
		return nil, fmt.Errorf("eth_requestAccounts: %w", err)
	}
	return accounts, nil
}

func (p *RPC) ChainID(ctx context.Context) (*big.Int, error) {
	var id hexutil.Big
	if err := p.client.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return nil, fmt.Errorf("eth_chainId: %w", err)
	}
	return id.ToInt(), nil
}

func (p *RPC) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	var bal hexutil.Big
	if err := p.client.CallContext(ctx, &bal, "eth_getBalance", account, "latest"); err != nil {
		return nil, fmt.Errorf("eth_getBalance: %w", err)
	}
	return bal.ToInt(), nil
}

// Subscribe starts a watcher that reports account and chain changes to h until
// the subscription is released.
func (p *RPC) Subscribe(h wallet.EventHandler) (wallet.Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	accounts, err := p.AuthorizedAccounts(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	chainID, err := p.ChainID(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	w := &watcher{cancel: cancel, done: make(chan struct{})}
	go p.watch(ctx, h, accounts, chainID, w.done)
	return w, nil
}

func (p *RPC) watch(ctx context.Context, h wallet.EventHandler, accounts []common.Address, chainID *big.Int, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		nextChain, err := p.ChainID(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn().Err(err).Msg("chain poll failed")
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if nextChain.Cmp(chainID) != 0 {
			chainID = nextChain
			h.OnChainChanged(new(big.Int).Set(nextChain))
		}

		next, err := p.AuthorizedAccounts(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn().Err(err).Msg("accounts poll failed")
			}
			continue
		}
		if !sameAccounts(accounts, next) {
			accounts = next
			h.OnAccountsChanged(append([]common.Address(nil), next...))
		}
	}
}

// Signer delegates signing to the wallet through eth_signTransaction.
func (p *RPC) Signer(ctx context.Context, account common.Address) (*wallet.Signer, error) {
	chainID, err := p.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	return &wallet.Signer{
		Account: account,
		ChainID: chainID,
		SignFn: func(from common.Address, tx *types.Transaction) (*types.Transaction, error) {
			return p.signTransaction(ctx, from, chainID, tx)
		},
	}, nil
}

type sendTxArgs struct {
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Gas                  hexutil.Uint64  `json:"gas"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	Value                *hexutil.Big    `json:"value"`
	Nonce                hexutil.Uint64  `json:"nonce"`
	Input                hexutil.Bytes   `json:"input"`
	ChainID              *hexutil.Big    `json:"chainId"`
}

type signTxResult struct {
	Raw hexutil.Bytes `json:"raw"`
}

func (p *RPC) signTransaction(ctx context.Context, from common.Address, chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	args := sendTxArgs{
		From:    from,
		To:      tx.To(),
		Gas:     hexutil.Uint64(tx.Gas()),
		Value:   (*hexutil.Big)(tx.Value()),
		Nonce:   hexutil.Uint64(tx.Nonce()),
		Input:   tx.Data(),
		ChainID: (*hexutil.Big)(chainID),
	}
	if tx.Type() == types.DynamicFeeTxType {
		args.MaxFeePerGas = (*hexutil.Big)(tx.GasFeeCap())
		args.MaxPriorityFeePerGas = (*hexutil.Big)(tx.GasTipCap())
	} else {
		args.GasPrice = (*hexutil.Big)(tx.GasPrice())
	}

	var res signTxResult
	if err := p.client.CallContext(ctx, &res, "eth_signTransaction", args); err != nil {
		return nil, fmt.Errorf("eth_signTransaction: %w", err)
	}
	if len(res.Raw) == 0 {
		return nil, errEmptySignature
	}
	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(res.Raw); err != nil {
		return nil, fmt.Errorf("decode signed transaction: %w", err)
	}
	return signed, nil
}

type watcher struct {
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// Unsubscribe stops the watcher. It does not wait for the poll loop, so it is
// safe to call from inside an event handler; a delivery already under way may
// still complete.
func (w *watcher) Unsubscribe() {
	w.once.Do(w.cancel)
}

func sameAccounts(a, b []common.Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
