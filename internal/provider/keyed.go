// Package provider holds the wallet capabilities a session can be built on: an
// in-process keyed wallet and an external wallet reached over JSON-RPC.
package provider

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"nftmint/internal/status"
	"nftmint/internal/wallet"
)

var ErrUnknownAccount = errors.New("account not held by this wallet")

// Approver decides which of the held accounts a RequestAccounts call exposes.
// Returning status.ErrUserRejected declines the request.
type Approver func(ctx context.Context, held []common.Address) ([]common.Address, error)

// ApproveAll exposes every held account.
func ApproveAll(_ context.Context, held []common.Address) ([]common.Address, error) {
	return held, nil
}

// RejectAll declines every request.
func RejectAll(context.Context, []common.Address) ([]common.Address, error) {
	return nil, status.ErrUserRejected
}

// BalanceReader reads account balances. *ethclient.Client satisfies it.
type BalanceReader interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

type KeyedOption func(*Keyed)

func WithApprover(a Approver) KeyedOption {
	return func(k *Keyed) { k.approver = a }
}

func WithBalanceReader(r BalanceReader) KeyedOption {
	return func(k *Keyed) { k.balances = r }
}

func WithKeyedLogger(l zerolog.Logger) KeyedOption {
	return func(k *Keyed) { k.logger = l.With().Str("component", "provider.keyed").Logger() }
}

// Keyed is a wallet that holds private keys in process. Accounts only become
// visible to the session after an approved RequestAccounts or SetAccounts.
type Keyed struct {
	approver Approver
	balances BalanceReader
	logger   zerolog.Logger

	mu         sync.Mutex
	keys       map[common.Address]*ecdsa.PrivateKey
	held       []common.Address
	authorized []common.Address
	chainID    *big.Int
	handlers   map[int]wallet.EventHandler
	nextID     int
}

func NewKeyed(chainID *big.Int, keys []*ecdsa.PrivateKey, opts ...KeyedOption) *Keyed {
	k := &Keyed{
		approver: ApproveAll,
		logger:   zerolog.Nop(),
		keys:     make(map[common.Address]*ecdsa.PrivateKey, len(keys)),
		chainID:  new(big.Int).Set(chainID),
		handlers: make(map[int]wallet.EventHandler),
	}
	for _, key := range keys {
		addr := crypto.PubkeyToAddress(key.PublicKey)
		if _, dup := k.keys[addr]; dup {
			continue
		}
		k.keys[addr] = key
		k.held = append(k.held, addr)
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// ParseKeys reads a comma separated list of hex private keys.
func ParseKeys(csv string) ([]*ecdsa.PrivateKey, error) {
	var keys []*ecdsa.PrivateKey
	for i, part := range strings.Split(csv, ",") {
		part = strings.TrimPrefix(strings.TrimSpace(part), "0x")
		if part == "" {
			continue
		}
		key, err := crypto.HexToECDSA(part)
		if err != nil {
			return nil, fmt.Errorf("parse key %d: %w", i, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Held lists every account the wallet has a key for.
func (k *Keyed) Held() []common.Address {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]common.Address(nil), k.held...)
}

func (k *Keyed) AuthorizedAccounts(context.Context) ([]common.Address, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]common.Address(nil), k.authorized...), nil
}

func (k *Keyed) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	held := k.Held()
	approved, err := k.approver(ctx, held)
	if err != nil {
		return nil, err
	}
	for _, acc := range approved {
		if !k.holds(acc) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, acc.Hex())
		}
	}
	k.mu.Lock()
	k.authorized = append([]common.Address(nil), approved...)
	k.mu.Unlock()
	k.logger.Debug().Int("accounts", len(approved)).Msg("accounts approved")
	return approved, nil
}

func (k *Keyed) ChainID(context.Context) (*big.Int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return new(big.Int).Set(k.chainID), nil
}

func (k *Keyed) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	if k.balances == nil {
		return new(big.Int), nil
	}
	return k.balances.BalanceAt(ctx, account, nil)
}

func (k *Keyed) Subscribe(h wallet.EventHandler) (wallet.Subscription, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	id := k.nextID
	k.nextID++
	k.handlers[id] = h
	return unsubscribeFunc(func() {
		k.mu.Lock()
		delete(k.handlers, id)
		k.mu.Unlock()
	}), nil
}

func (k *Keyed) Signer(_ context.Context, account common.Address) (*wallet.Signer, error) {
	k.mu.Lock()
	key, ok := k.keys[account]
	chainID := new(big.Int).Set(k.chainID)
	k.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, account.Hex())
	}
	signer := types.LatestSignerForChainID(chainID)
	return &wallet.Signer{
		Account: account,
		ChainID: chainID,
		SignFn: func(from common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if from != account {
				return nil, bind.ErrNotAuthorized
			}
			return types.SignTx(tx, signer, key)
		},
	}, nil
}

// SetAccounts switches the exposed accounts, as a user would in the wallet UI.
func (k *Keyed) SetAccounts(accounts ...common.Address) error {
	for _, acc := range accounts {
		if !k.holds(acc) {
			return fmt.Errorf("%w: %s", ErrUnknownAccount, acc.Hex())
		}
	}
	k.mu.Lock()
	k.authorized = append([]common.Address(nil), accounts...)
	handlers := k.snapshotHandlers()
	k.mu.Unlock()

	for _, h := range handlers {
		h.OnAccountsChanged(append([]common.Address(nil), accounts...))
	}
	return nil
}

// Revoke withdraws every authorization. Subscribers see an empty account list.
func (k *Keyed) Revoke() {
	_ = k.SetAccounts()
}

// SwitchChain moves the wallet to another network.
func (k *Keyed) SwitchChain(chainID *big.Int) {
	k.mu.Lock()
	k.chainID = new(big.Int).Set(chainID)
	handlers := k.snapshotHandlers()
	k.mu.Unlock()

	k.logger.Info().Stringer("chainId", chainID).Msg("chain switched")
	for _, h := range handlers {
		h.OnChainChanged(new(big.Int).Set(chainID))
	}
}

func (k *Keyed) holds(acc common.Address) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.keys[acc]
	return ok
}

func (k *Keyed) snapshotHandlers() []wallet.EventHandler {
	out := make([]wallet.EventHandler, 0, len(k.handlers))
	for _, h := range k.handlers {
		out = append(out, h)
	}
	return out
}

type unsubscribeFunc func()

func (f unsubscribeFunc) Unsubscribe() { f() }
