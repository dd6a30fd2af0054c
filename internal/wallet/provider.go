package wallet

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Provider is the wallet capability the session reconciles against. It may
// change state at any time outside the session's control and reports those
// changes through Subscribe.
type Provider interface {
	// AuthorizedAccounts returns accounts already authorized for this client
	// without prompting the user.
	AuthorizedAccounts(ctx context.Context) ([]common.Address, error)

	// RequestAccounts asks the user to authorize accounts. A decline surfaces as
	// status.ErrUserRejected or an rpc error with code 4001.
	RequestAccounts(ctx context.Context) ([]common.Address, error)

	ChainID(ctx context.Context) (*big.Int, error)
	Balance(ctx context.Context, account common.Address) (*big.Int, error)

	// Subscribe registers h for account and chain change notifications.
	Subscribe(h EventHandler) (Subscription, error)

	// Signer returns a signing handle bound to account.
	Signer(ctx context.Context, account common.Address) (*Signer, error)
}

// EventHandler receives provider-fired notifications. Calls may arrive on any
// goroutine.
type EventHandler interface {
	OnAccountsChanged(accounts []common.Address)
	OnChainChanged(chainID *big.Int)
}

// Subscription is a live event registration.
type Subscription interface {
	Unsubscribe()
}

// Signer authorizes transactions on behalf of one account.
type Signer struct {
	Account common.Address
	ChainID *big.Int
	SignFn  bind.SignerFn
}

// TransactOpts returns fresh transaction options bound to ctx. Gas, price and
// nonce are left for the node to fill in.
func (s *Signer) TransactOpts(ctx context.Context) *bind.TransactOpts {
	return &bind.TransactOpts{
		From:    s.Account,
		Signer:  s.SignFn,
		Context: ctx,
	}
}
