// Package mint drives a single mint attempt at a time from metadata validation
// through on-chain confirmation.
package mint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"nftmint/internal/chain"
	"nftmint/internal/status"
	"nftmint/internal/wallet"
)

var (
	ErrMintInProgress = errors.New("a mint is already in progress")
	errAccountChanged = errors.New("active account changed")
)

// AccountSource is the read-only view of the wallet session the controller
// borrows from. *wallet.Session satisfies it.
type AccountSource interface {
	Account() (common.Address, bool)
	Signer(ctx context.Context) (*wallet.Signer, error)
	Watch(fn func(wallet.State)) func()
}

// MetadataChecker validates a token URI before anything is signed.
type MetadataChecker interface {
	Check(ctx context.Context, uri string) error
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l.With().Str("component", "mint").Logger() }
}

// WithConfirmTimeout bounds the confirmation wait. Zero waits indefinitely.
func WithConfirmTimeout(d time.Duration) Option {
	return func(c *Controller) { c.confirmTimeout = d }
}

// Controller owns the live mint request.
type Controller struct {
	session        AccountSource
	chain          chain.Client
	fetcher        MetadataChecker
	logger         zerolog.Logger
	confirmTimeout time.Duration
	now            func() time.Time

	mu        sync.Mutex
	req       Request
	watchers  map[int]func(Request)
	nextWatch int
}

func NewController(session AccountSource, client chain.Client, fetcher MetadataChecker, opts ...Option) *Controller {
	c := &Controller{
		session:  session,
		chain:    client,
		fetcher:  fetcher,
		logger:   zerolog.Nop(),
		now:      time.Now,
		req:      Request{Phase: Idle},
		watchers: make(map[int]func(Request)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Current returns a copy of the live request.
func (c *Controller) Current() Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.req.clone()
}

// Watch registers fn for every request transition. The returned func removes it.
func (c *Controller) Watch(fn func(Request)) func() {
	c.mu.Lock()
	id := c.nextWatch
	c.nextWatch++
	c.watchers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

// Reset returns a finished request to Idle.
func (c *Controller) Reset() error {
	c.mu.Lock()
	if c.req.Phase.Busy() {
		c.mu.Unlock()
		return ErrMintInProgress
	}
	c.req = Request{Phase: Idle, UpdatedAt: c.now()}
	c.mu.Unlock()
	c.notify()
	return nil
}

// Mint runs a mint for uri to completion. While another mint is in flight it
// returns ErrMintInProgress without creating a request or touching the chain.
func (c *Controller) Mint(ctx context.Context, uri string) (Request, error) {
	req, account, err := c.claim(uri)
	if err != nil || req.Phase.Terminal() {
		return req, err
	}
	return c.run(ctx, account, req.TokenURI)
}

// Submit claims the controller like Mint but runs the phases in the
// background. The returned request is the claimed (or precondition-failed) one.
func (c *Controller) Submit(ctx context.Context, uri string) (Request, error) {
	req, account, err := c.claim(uri)
	if err != nil || req.Phase.Terminal() {
		return req, err
	}
	go func() {
		_, _ = c.run(ctx, account, req.TokenURI)
	}()
	return req, nil
}

// claim checks the concurrency guard and preconditions and, when they pass,
// moves a fresh request into ValidatingMetadata.
func (c *Controller) claim(uri string) (Request, common.Address, error) {
	c.mu.Lock()
	if c.req.Phase.Busy() {
		cur := c.req.clone()
		c.mu.Unlock()
		return cur, common.Address{}, ErrMintInProgress
	}

	now := c.now()
	uri = strings.TrimSpace(uri)
	account, ok := c.session.Account()
	var failure *status.Error
	switch {
	case !ok:
		failure = status.New(status.NotConnected, wallet.ErrNotConnected)
	case uri == "":
		failure = status.Errorf(status.InvalidInput, "token uri is empty")
	}
	if failure != nil {
		c.req = Request{TokenURI: uri, Phase: Failed, Error: failure.Kind, Account: account, StartedAt: now, UpdatedAt: now}
		out := c.req.clone()
		c.mu.Unlock()
		c.logger.Info().Str("kind", string(failure.Kind)).Msg("mint rejected before start")
		c.notify()
		return out, account, failure
	}

	c.req = Request{TokenURI: uri, Phase: ValidatingMetadata, Account: account, StartedAt: now, UpdatedAt: now}
	out := c.req.clone()
	c.mu.Unlock()
	c.logger.Info().Str("uri", uri).Str("account", account.Hex()).Msg("mint started")
	c.notify()
	return out, account, nil
}

func (c *Controller) run(parent context.Context, account common.Address, uri string) (Request, error) {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	stop := c.session.Watch(func(st wallet.State) {
		if st.Account == nil || *st.Account != account {
			cancel(errAccountChanged)
		}
	})
	defer stop()

	if err := c.fetcher.Check(ctx, uri); err != nil {
		if !c.stillActive(ctx, account) {
			return c.fail(status.WalletDisconnected, err)
		}
		if parent.Err() != nil {
			return c.fail(status.UnknownFault, err)
		}
		return c.fail(status.MetadataUnreachable, err)
	}

	if !c.stillActive(ctx, account) {
		return c.fail(status.WalletDisconnected, errAccountChanged)
	}
	c.advance(AwaitingSignature, nil)
	signer, err := c.session.Signer(ctx)
	if err != nil {
		if !c.stillActive(ctx, account) {
			return c.fail(status.WalletDisconnected, err)
		}
		return c.fail(status.KindOf(err), err)
	}
	if signer.Account != account {
		return c.fail(status.WalletDisconnected, errAccountChanged)
	}
	txHash, err := c.chain.Mint(ctx, signer, uri)
	if err != nil {
		if !c.stillActive(ctx, account) {
			return c.fail(status.WalletDisconnected, err)
		}
		return c.fail(status.KindOf(err), err)
	}

	if !c.stillActive(ctx, account) {
		c.setTxHash(txHash)
		return c.fail(status.WalletDisconnected, errAccountChanged)
	}
	c.advance(Submitted, func(r *Request) { r.TxHash = txHash })
	c.logger.Info().Str("tx", txHash).Msg("mint submitted")

	waitCtx := ctx
	if c.confirmTimeout > 0 {
		var waitCancel context.CancelFunc
		waitCtx, waitCancel = context.WithTimeout(ctx, c.confirmTimeout)
		defer waitCancel()
	}
	receipt, err := c.chain.WaitForReceipt(waitCtx, txHash)

	if !c.stillActive(ctx, account) {
		return c.fail(status.WalletDisconnected, errAccountChanged)
	}
	if err != nil {
		// only the confirm timeout can expire while ctx itself is live
		if ctx.Err() == nil {
			return c.fail(status.Classify(err), err)
		}
		return c.fail(status.KindOf(err), err)
	}
	if !receipt.Success {
		return c.fail(status.TransactionReverted, fmt.Errorf("transaction %s reverted", txHash))
	}

	c.advance(Confirmed, func(r *Request) {
		r.TokenURI = ""
		r.TokenID = receipt.TokenID
	})
	c.logger.Info().Str("tx", txHash).Stringer("tokenId", receipt.TokenID).Msg("mint confirmed")
	return c.Current(), nil
}

// stillActive re-validates that the session is connected as the account the
// request started with.
func (c *Controller) stillActive(ctx context.Context, account common.Address) bool {
	if errors.Is(context.Cause(ctx), errAccountChanged) {
		return false
	}
	cur, ok := c.session.Account()
	return ok && cur == account
}

func (c *Controller) advance(next Phase, mutate func(*Request)) {
	c.mu.Lock()
	if next.order() <= c.req.Phase.order() {
		c.mu.Unlock()
		panic(fmt.Sprintf("mint: illegal transition %s -> %s", c.req.Phase, next))
	}
	c.req.Phase = next
	c.req.UpdatedAt = c.now()
	if mutate != nil {
		mutate(&c.req)
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) setTxHash(txHash string) {
	c.mu.Lock()
	c.req.TxHash = txHash
	c.mu.Unlock()
}

func (c *Controller) fail(kind status.Kind, err error) (Request, error) {
	if kind == status.None {
		kind = status.UnknownFault
	}
	c.advance(Failed, func(r *Request) { r.Error = kind })

	ev := c.logger.Info()
	if kind.IsFault() {
		ev = c.logger.Error()
	}
	ev.Err(err).Str("kind", string(kind)).Msg("mint failed")
	return c.Current(), status.New(kind, err)
}

func (c *Controller) notify() {
	c.mu.Lock()
	req := c.req.clone()
	fns := make([]func(Request), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(req)
	}
}
