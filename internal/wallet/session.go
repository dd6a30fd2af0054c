// Package wallet tracks which account, on which chain, the client is
// authorized to act as. The Session is the only writer of that state; it
// reconciles user actions against notifications fired by the provider.
package wallet

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"nftmint/internal/status"
)

var (
	ErrNoProvider    = errors.New("no wallet provider available")
	ErrNotConnected  = errors.New("wallet not connected")
	ErrNoAccounts    = errors.New("provider returned no accounts")
	ErrSuperseded    = errors.New("connect superseded by a newer session event")
	ErrSessionClosed = errors.New("session closed")
)

const defaultEventTimeout = 10 * time.Second

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l.With().Str("component", "wallet").Logger() }
}

// WithReloadHook is called after a chain change has reset the session. The
// owner is expected to rebuild every chain-bound collaborator.
func WithReloadHook(fn func(chainID *big.Int)) Option {
	return func(s *Session) { s.onReload = fn }
}

// WithEventTimeout bounds provider calls made while handling an event.
func WithEventTimeout(d time.Duration) Option {
	return func(s *Session) { s.eventTimeout = d }
}

// Session owns the wallet connection state.
type Session struct {
	provider     Provider
	logger       zerolog.Logger
	onReload     func(*big.Int)
	eventTimeout time.Duration
	flight       singleflight.Group
	// ctx outlives any single caller so a shared connect is not cut short
	// when the request that started it goes away. Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	epoch     uint64
	sub       Subscription
	closed    bool
	watchers  map[int]func(State)
	nextWatch int
}

// NewSession builds a disconnected session around p. A nil provider means no
// wallet capability is present.
func NewSession(p Provider, opts ...Option) *Session {
	s := &Session{
		provider:     p,
		logger:       zerolog.Nop(),
		eventTimeout: defaultEventTimeout,
		state:        State{Status: Disconnected},
		watchers:     make(map[int]func(State)),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns a copy of the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Account returns the active account, if any.
func (s *Session) Account() (common.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Account == nil {
		return common.Address{}, false
	}
	return *s.state.Account, true
}

// Watch registers fn for every state change. The returned func removes it.
func (s *Session) Watch(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

// Initialize subscribes to provider events and silently adopts an already
// authorized account. Failures leave the session usable but Disconnected.
func (s *Session) Initialize(ctx context.Context) error {
	if s.provider == nil {
		s.logger.Debug().Msg("no wallet provider present")
		return nil
	}

	sub, err := s.provider.Subscribe(sessionEvents{s})
	if err != nil {
		return s.initFailed(err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Unsubscribe()
		return ErrSessionClosed
	}
	s.sub = sub
	epoch := s.epoch
	s.mu.Unlock()

	accounts, err := s.provider.AuthorizedAccounts(ctx)
	if err != nil {
		return s.initFailed(err)
	}
	if len(accounts) == 0 {
		s.logger.Debug().Msg("no authorized accounts")
		return nil
	}

	chainID, err := s.provider.ChainID(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("chain id lookup failed")
	}
	if !s.adopt(epoch, accounts[0], chainID) {
		return nil
	}
	s.logger.Info().Str("account", accounts[0].Hex()).Msg("restored authorized account")
	s.RefreshBalance(ctx)
	return nil
}

func (s *Session) initFailed(err error) error {
	s.logger.Error().Err(err).Msg("wallet provider init failed")
	s.apply(func(st *State) {
		st.Status = Disconnected
		st.Account = nil
		st.Balance = nil
		st.LastError = status.ProviderInitFailed
	})
	return status.New(status.ProviderInitFailed, err)
}

// Connect asks the provider to authorize an account. Concurrent callers share
// one authorization request and all receive its result. Connecting while
// already connected returns the current state.
func (s *Session) Connect(ctx context.Context) (State, error) {
	if s.provider == nil {
		s.apply(func(st *State) { st.LastError = status.NoProvider })
		return s.State(), status.New(status.NoProvider, ErrNoProvider)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.State(), status.New(status.UnknownFault, ErrSessionClosed)
	}
	if s.state.Status == Connected {
		st := s.state.clone()
		s.mu.Unlock()
		return st, nil
	}
	// Callers only join a connect started in the same epoch; one superseded
	// by Disconnect or a provider event must not absorb a fresh request.
	epoch := s.epoch
	s.mu.Unlock()

	ch := s.flight.DoChan(strconv.FormatUint(epoch, 10), func() (any, error) {
		return s.connect(s.ctx, epoch)
	})
	select {
	case res := <-ch:
		if res.Shared {
			s.logger.Debug().Msg("joined in-flight connect")
		}
		st, _ := res.Val.(State)
		return st, res.Err
	case <-ctx.Done():
		return s.State(), status.New(status.UnknownFault, ctx.Err())
	}
}

func (s *Session) connect(ctx context.Context, epoch uint64) (State, error) {
	if !s.applyIf(epoch, func(st *State) {
		st.Status = Connecting
		st.LastError = status.None
	}) {
		return s.State(), status.New(status.WalletDisconnected, ErrSuperseded)
	}

	accounts, err := s.provider.RequestAccounts(ctx)
	if err != nil {
		kind := status.KindOf(err)
		s.fail(epoch, kind)
		if kind.IsFault() {
			s.logger.Error().Err(err).Msg("wallet connect failed")
		} else {
			s.logger.Info().Str("kind", string(kind)).Msg("wallet connect declined")
		}
		return s.State(), status.New(kind, err)
	}
	if len(accounts) == 0 {
		s.fail(epoch, status.NotConnected)
		return s.State(), status.New(status.NotConnected, ErrNoAccounts)
	}

	chainID, err := s.provider.ChainID(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("chain id lookup failed")
	}
	if !s.adopt(epoch, accounts[0], chainID) {
		st := s.State()
		if st.Status == Connected {
			return st, nil
		}
		return st, status.New(status.WalletDisconnected, ErrSuperseded)
	}
	s.logger.Info().Str("account", accounts[0].Hex()).Msg("wallet connected")
	s.RefreshBalance(ctx)
	return s.State(), nil
}

// fail resolves a Connecting session to Disconnected unless a newer event
// already moved it.
func (s *Session) fail(epoch uint64, kind status.Kind) {
	s.applyIf(epoch, func(st *State) {
		st.Status = Disconnected
		st.Account = nil
		st.Balance = nil
		st.LastError = kind
	})
}

func (s *Session) adopt(epoch uint64, account common.Address, chainID *big.Int) bool {
	return s.applyIf(epoch, func(st *State) {
		acc := account
		st.Account = &acc
		st.Status = Connected
		st.LastError = status.None
		if chainID != nil {
			st.ChainID = new(big.Int).Set(chainID)
		}
	})
}

// Disconnect resets local state. Provider-side authorization is untouched.
func (s *Session) Disconnect() State {
	s.mu.Lock()
	s.epoch++
	s.mu.Unlock()
	s.apply(func(st *State) {
		st.Status = Disconnected
		st.Account = nil
		st.Balance = nil
		st.LastError = status.None
	})
	s.logger.Info().Msg("wallet disconnected locally")
	return s.State()
}

// RefreshBalance re-reads the active account's balance. Failures are recorded
// in LastError and never change the connection status.
func (s *Session) RefreshBalance(ctx context.Context) {
	account, ok := s.Account()
	if !ok || s.provider == nil {
		return
	}
	bal, err := s.provider.Balance(ctx, account)
	s.mu.Lock()
	if s.state.Account == nil || *s.state.Account != account {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.state.LastError = status.UnknownFault
	} else {
		s.state.Balance = bal
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn().Err(err).Str("account", account.Hex()).Msg("balance refresh failed")
	}
	s.notify()
}

// Signer borrows a signing handle for the active account.
func (s *Session) Signer(ctx context.Context) (*Signer, error) {
	account, ok := s.Account()
	if !ok {
		return nil, status.New(status.NotConnected, ErrNotConnected)
	}
	if s.provider == nil {
		return nil, status.New(status.NoProvider, ErrNoProvider)
	}
	signer, err := s.provider.Signer(ctx, account)
	if err != nil {
		return nil, status.New(status.KindOf(err), err)
	}
	return signer, nil
}

// Close tears down the provider subscription. The session stays readable but
// ignores further provider events.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.epoch++
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	s.cancel()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (s *Session) accountsChanged(accounts []common.Address) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.epoch++
	if len(accounts) == 0 {
		s.state.Status = Disconnected
		s.state.Account = nil
		s.state.Balance = nil
		s.state.LastError = status.WalletDisconnected
		s.mu.Unlock()
		s.logger.Info().Msg("provider revoked all accounts")
		s.notify()
		return
	}
	acc := accounts[0]
	s.state.Account = &acc
	s.state.Status = Connected
	s.state.Balance = nil
	s.state.LastError = status.None
	s.mu.Unlock()
	s.logger.Info().Str("account", acc.Hex()).Msg("active account changed")
	s.notify()

	ctx, cancel := context.WithTimeout(context.Background(), s.eventTimeout)
	defer cancel()
	s.RefreshBalance(ctx)
}

func (s *Session) chainChanged(chainID *big.Int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.epoch++
	s.state = State{Status: Disconnected}
	if chainID != nil {
		s.state.ChainID = new(big.Int).Set(chainID)
	}
	reload := s.onReload
	s.mu.Unlock()
	s.logger.Info().Stringer("chainId", chainID).Msg("chain changed, reloading client context")
	s.notify()
	if reload != nil {
		reload(chainID)
	}
}

// apply runs fn under the lock, so fn may read other session fields.
func (s *Session) apply(fn func(*State)) {
	s.mu.Lock()
	fn(&s.state)
	s.mu.Unlock()
	s.notify()
}

func (s *Session) applyIf(epoch uint64, fn func(*State)) bool {
	s.mu.Lock()
	if s.epoch != epoch || s.closed {
		s.mu.Unlock()
		return false
	}
	fn(&s.state)
	s.mu.Unlock()
	s.notify()
	return true
}

func (s *Session) notify() {
	s.mu.Lock()
	st := s.state.clone()
	fns := make([]func(State), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// sessionEvents keeps the provider callbacks off the Session's exported API.
type sessionEvents struct{ s *Session }

func (e sessionEvents) OnAccountsChanged(accounts []common.Address) { e.s.accountsChanged(accounts) }
func (e sessionEvents) OnChainChanged(chainID *big.Int)             { e.s.chainChanged(chainID) }
