package provider

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"nftmint/internal/status"
	"nftmint/internal/wallet"
)

const (
	testKeyA = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
	testKeyB = "8a1f9a8f95be41cd7ccb6168179afb4504aefe388d1e14474d32c45c72ce7b7a"
)

type recordingHandler struct {
	mu       sync.Mutex
	accounts [][]common.Address
	chains   []*big.Int
}

func (r *recordingHandler) OnAccountsChanged(accounts []common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts = append(r.accounts, accounts)
}

func (r *recordingHandler) OnChainChanged(chainID *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains = append(r.chains, chainID)
}

func newTestKeyed(t *testing.T, opts ...KeyedOption) (*Keyed, []common.Address) {
	t.Helper()
	keys, err := ParseKeys(testKeyA + ", 0x" + testKeyB)
	if err != nil {
		t.Fatalf("parse keys: %v", err)
	}
	k := NewKeyed(big.NewInt(11155111), keys, opts...)
	return k, k.Held()
}

func TestParseKeys(t *testing.T) {
	keys, err := ParseKeys(" ," + testKeyA + ",")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected one key, got %d", len(keys))
	}
	if _, err := ParseKeys("zz"); err == nil {
		t.Fatalf("expected error for malformed key")
	}
}

func TestKeyedAccountsNeedApproval(t *testing.T) {
	k, held := newTestKeyed(t)
	if len(held) != 2 {
		t.Fatalf("expected two held accounts, got %d", len(held))
	}

	got, _ := k.AuthorizedAccounts(context.Background())
	if len(got) != 0 {
		t.Fatalf("nothing should be authorized before a request")
	}
	approved, err := k.RequestAccounts(context.Background())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if len(approved) != 2 || approved[0] != held[0] {
		t.Fatalf("unexpected approval %v", approved)
	}
	got, _ = k.AuthorizedAccounts(context.Background())
	if len(got) != 2 {
		t.Fatalf("approved accounts should be remembered")
	}
}

func TestKeyedRejectAll(t *testing.T) {
	k, _ := newTestKeyed(t, WithApprover(RejectAll))
	_, err := k.RequestAccounts(context.Background())
	if !errors.Is(err, status.ErrUserRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if status.KindOf(err) != status.UserRejected {
		t.Fatalf("expected user rejected kind")
	}
}

func TestKeyedEvents(t *testing.T) {
	k, held := newTestKeyed(t)
	h := &recordingHandler{}
	sub, err := k.Subscribe(h)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := k.SetAccounts(held[1]); err != nil {
		t.Fatalf("set accounts: %v", err)
	}
	k.Revoke()
	k.SwitchChain(big.NewInt(1))
	if err := k.SetAccounts(common.HexToAddress("0x01")); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected unknown account, got %v", err)
	}

	sub.Unsubscribe()
	k.SwitchChain(big.NewInt(5))

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.accounts) != 2 || h.accounts[0][0] != held[1] || len(h.accounts[1]) != 0 {
		t.Fatalf("unexpected account events %v", h.accounts)
	}
	if len(h.chains) != 1 || h.chains[0].Int64() != 1 {
		t.Fatalf("unexpected chain events %v", h.chains)
	}
}

func TestKeyedSignerSignsForChain(t *testing.T) {
	k, held := newTestKeyed(t)
	signer, err := k.Signer(context.Background(), held[0])
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	to := common.HexToAddress("0x35740E2ca93050D0d8266167bF26B5dBB5F85E2f")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   signer.ChainID,
		Nonce:     3,
		To:        &to,
		Gas:       100000,
		GasFeeCap: big.NewInt(2),
		GasTipCap: big.NewInt(1),
	})
	signed, err := signer.SignFn(held[0], tx)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(signer.ChainID), signed)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	if from != held[0] {
		t.Fatalf("expected sender %s got %s", held[0].Hex(), from.Hex())
	}

	if _, err := signer.SignFn(held[1], tx); err == nil {
		t.Fatalf("signer must refuse a different account")
	}
	if _, err := k.Signer(context.Background(), common.HexToAddress("0x02")); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected unknown account, got %v", err)
	}
}

type stubBalances map[common.Address]*big.Int

func (s stubBalances) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if b, ok := s[account]; ok {
		return b, nil
	}
	return nil, errors.New("unknown account")
}

func TestKeyedDrivesSession(t *testing.T) {
	key, _ := crypto.HexToECDSA(testKeyA)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	k := NewKeyed(big.NewInt(1), nil, WithBalanceReader(stubBalances{}))
	if len(k.Held()) != 0 {
		t.Fatalf("expected empty wallet")
	}

	k = NewKeyed(big.NewInt(1), []*ecdsa.PrivateKey{key}, WithBalanceReader(stubBalances{addr: big.NewInt(5e17)}))
	var reloaded *big.Int
	s := wallet.NewSession(k, wallet.WithReloadHook(func(id *big.Int) { reloaded = id }))
	defer s.Close()
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	st, err := s.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if st.Status != wallet.Connected || *st.Account != addr {
		t.Fatalf("unexpected state %+v", st)
	}
	if got := wallet.FormatEther(s.State().Balance); got != "0.5000" {
		t.Fatalf("unexpected balance %s", got)
	}

	k.Revoke()
	if st := s.State(); st.Status != wallet.Disconnected || st.LastError != status.WalletDisconnected {
		t.Fatalf("expected disconnect after revoke, got %+v", st)
	}

	k.SwitchChain(big.NewInt(10))
	if reloaded == nil || reloaded.Int64() != 10 {
		t.Fatalf("expected reload for chain 10, got %v", reloaded)
	}
}
