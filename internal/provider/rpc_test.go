package provider

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"nftmint/internal/status"
)

type rejectedError struct{}

func (rejectedError) Error() string  { return "User rejected the request." }
func (rejectedError) ErrorCode() int { return status.CodeUserRejected }

// walletService answers the eth_ namespace the way a browser wallet bridge would.
type walletService struct {
	key *ecdsa.PrivateKey

	mu       sync.Mutex
	accounts []common.Address
	chainID  int64
	reject   bool
}

func (s *walletService) Accounts() []common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]common.Address{}, s.accounts...)
}

func (s *walletService) RequestAccounts() ([]common.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return nil, rejectedError{}
	}
	s.accounts = []common.Address{crypto.PubkeyToAddress(s.key.PublicKey)}
	return s.accounts, nil
}

func (s *walletService) ChainId() *hexutil.Big {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (*hexutil.Big)(big.NewInt(s.chainID))
}

func (s *walletService) GetBalance(_ common.Address, _ string) *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(1e18))
}

func (s *walletService) SignTransaction(args sendTxArgs) (*signTxResult, error) {
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   args.ChainID.ToInt(),
		Nonce:     uint64(args.Nonce),
		To:        args.To,
		Gas:       uint64(args.Gas),
		GasFeeCap: args.MaxFeePerGas.ToInt(),
		GasTipCap: args.MaxPriorityFeePerGas.ToInt(),
		Value:     args.Value.ToInt(),
		Data:      args.Input,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(args.ChainID.ToInt()), s.key)
	if err != nil {
		return nil, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &signTxResult{Raw: raw}, nil
}

func (s *walletService) set(fn func(*walletService)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func newTestRPC(t *testing.T) (*RPC, *walletService) {
	t.Helper()
	key, err := crypto.HexToECDSA(testKeyA)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	svc := &walletService{key: key, chainID: 11155111}
	srv := rpc.NewServer()
	if err := srv.RegisterName("eth", svc); err != nil {
		t.Fatalf("register: %v", err)
	}
	t.Cleanup(srv.Stop)
	p := NewRPC(rpc.DialInProc(srv), WithWatchInterval(10*time.Millisecond))
	t.Cleanup(p.Close)
	return p, svc
}

func TestRPCRequestAccountsAndBalance(t *testing.T) {
	p, svc := newTestRPC(t)
	ctx := context.Background()

	accounts, err := p.AuthorizedAccounts(ctx)
	if err != nil || len(accounts) != 0 {
		t.Fatalf("expected no authorized accounts, got %v %v", accounts, err)
	}
	accounts, err = p.RequestAccounts(ctx)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	want := crypto.PubkeyToAddress(svc.key.PublicKey)
	if len(accounts) != 1 || accounts[0] != want {
		t.Fatalf("unexpected accounts %v", accounts)
	}
	id, err := p.ChainID(ctx)
	if err != nil || id.Int64() != 11155111 {
		t.Fatalf("unexpected chain id %v %v", id, err)
	}
	bal, err := p.Balance(ctx, want)
	if err != nil || bal.Cmp(big.NewInt(1e18)) != 0 {
		t.Fatalf("unexpected balance %v %v", bal, err)
	}
}

func TestRPCRejectionCarriesCode(t *testing.T) {
	p, svc := newTestRPC(t)
	svc.set(func(s *walletService) { s.reject = true })

	_, err := p.RequestAccounts(context.Background())
	if err == nil {
		t.Fatalf("expected rejection")
	}
	if status.KindOf(err) != status.UserRejected {
		t.Fatalf("expected user rejected kind, got %v", err)
	}
}

func TestRPCWatcherReportsChanges(t *testing.T) {
	p, svc := newTestRPC(t)
	h := &recordingHandler{}
	sub, err := p.Subscribe(h)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	addr := crypto.PubkeyToAddress(svc.key.PublicKey)
	svc.set(func(s *walletService) {
		s.accounts = []common.Address{addr}
		s.chainID = 1
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		done := len(h.accounts) == 1 && len(h.chains) == 1
		h.mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.chains) != 1 || h.chains[0].Int64() != 1 {
		t.Fatalf("expected one chain change, got %v", h.chains)
	}
	if len(h.accounts) != 1 || h.accounts[0][0] != addr {
		t.Fatalf("expected one account change, got %v", h.accounts)
	}
}

func TestRPCSignerDelegatesToWallet(t *testing.T) {
	p, svc := newTestRPC(t)
	addr := crypto.PubkeyToAddress(svc.key.PublicKey)

	signer, err := p.Signer(context.Background(), addr)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	to := common.HexToAddress("0x35740E2ca93050D0d8266167bF26B5dBB5F85E2f")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   signer.ChainID,
		Nonce:     1,
		To:        &to,
		Gas:       90000,
		GasFeeCap: big.NewInt(3),
		GasTipCap: big.NewInt(1),
		Value:     new(big.Int),
		Data:      []byte{0x01, 0x02},
	})
	signed, err := signer.SignFn(addr, tx)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(signer.ChainID), signed)
	if err != nil || from != addr {
		t.Fatalf("unexpected sender %s %v", from.Hex(), err)
	}
	if signed.Nonce() != 1 || signed.Gas() != 90000 {
		t.Fatalf("wallet altered the transaction")
	}
}
