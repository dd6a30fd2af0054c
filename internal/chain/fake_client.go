package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"nftmint/internal/wallet"
)

// FakeClient mints into memory. Hashes are derived from the payload so repeated
// runs are deterministic; receipts are available immediately.
type FakeClient struct {
	mu      sync.Mutex
	nextID  int64
	seq     int
	pending map[string]fakeMint
	owned   map[common.Address][]Token

	// Revert makes every receipt report an on-chain revert.
	Revert bool
}

type fakeMint struct {
	owner common.Address
	uri   string
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		pending: make(map[string]fakeMint),
		owned:   make(map[common.Address][]Token),
	}
}

func (f *FakeClient) Mint(_ context.Context, signer *wallet.Signer, uri string) (string, error) {
	if signer == nil {
		return "", fmt.Errorf("signer is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	hash := fakeHash(fmt.Sprintf("%s|%s|%d", signer.Account.Hex(), uri, f.seq))
	f.pending[hash] = fakeMint{owner: signer.Account, uri: uri}
	return hash, nil
}

func (f *FakeClient) WaitForReceipt(ctx context.Context, txHash string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.pending[txHash]
	if !ok {
		return Receipt{}, fmt.Errorf("unknown transaction %s", txHash)
	}
	delete(f.pending, txHash)
	if f.Revert {
		return Receipt{TxHash: txHash, Success: false}, nil
	}
	f.nextID++
	id := big.NewInt(f.nextID)
	f.owned[m.owner] = append(f.owned[m.owner], Token{TokenID: id, TokenURI: m.uri})
	return Receipt{TxHash: txHash, Success: true, BlockNumber: uint64(f.nextID), TokenID: id}, nil
}

func (f *FakeClient) OwnedTokens(_ context.Context, owner common.Address) ([]Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Token(nil), f.owned[owner]...), nil
}

func fakeHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return "0x" + hex.EncodeToString(sum[:])
}
