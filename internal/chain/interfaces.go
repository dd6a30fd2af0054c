package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"nftmint/internal/wallet"
)

// Client abstracts the on-chain NFT contract interaction.
type Client interface {
	// Mint calls createNFT(uri) signed by signer and returns the broadcast
	// transaction hash.
	Mint(ctx context.Context, signer *wallet.Signer, uri string) (string, error)

	// WaitForReceipt blocks until txHash is mined with the configured number of
	// confirmations or ctx ends.
	WaitForReceipt(ctx context.Context, txHash string) (Receipt, error)

	// OwnedTokens lists the tokens held by owner.
	OwnedTokens(ctx context.Context, owner common.Address) ([]Token, error)
}

// HealthChecker is implemented by clients backed by a live node.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Receipt is the outcome of a mined transaction.
type Receipt struct {
	TxHash      string
	Success     bool
	BlockNumber uint64
	TokenID     *big.Int // nil when no Transfer event was found
}

// Token is one entry of an owner's collection.
type Token struct {
	TokenID  *big.Int `json:"tokenId"`
	TokenURI string   `json:"tokenUri"`
}
