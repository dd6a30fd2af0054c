package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"nftmint/internal/contracts"
	"nftmint/internal/wallet"
)

// Backend is the node surface EthClient needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EthClient submits mints to the MyNFT contract and watches their receipts.
type EthClient struct {
	backend       Backend
	contract      *bind.BoundContract
	abi           abi.ABI
	address       common.Address
	pollInterval  time.Duration
	confirmations uint64
	logger        zerolog.Logger
}

type EthClientConfig struct {
	RPCURL        string
	Contract      string
	PollInterval  time.Duration
	Confirmations uint64
	Logger        *zerolog.Logger
}

// NewEthClient dials the node and binds the contract.
func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return NewEthClientWithBackend(cli, cfg)
}

// NewEthClientWithBackend binds the contract on an existing backend.
func NewEthClientWithBackend(backend Backend, cfg EthClientConfig) (*EthClient, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.Contract)
	}
	parsedABI, err := abi.JSON(strings.NewReader(contracts.MyNFTABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	address := common.HexToAddress(cfg.Contract)
	c := &EthClient{
		backend:       backend,
		contract:      bind.NewBoundContract(address, parsedABI, backend, backend, backend),
		abi:           parsedABI,
		address:       address,
		pollInterval:  cfg.PollInterval,
		confirmations: cfg.Confirmations,
		logger:        zerolog.Nop(),
	}
	if cfg.Logger != nil {
		c.logger = cfg.Logger.With().Str("component", "chain").Logger()
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 2 * time.Second
	}
	if c.confirmations == 0 {
		c.confirmations = 1
	}
	return c, nil
}

// Address returns the bound contract address.
func (c *EthClient) Address() common.Address { return c.address }

func (c *EthClient) Mint(ctx context.Context, signer *wallet.Signer, uri string) (string, error) {
	if signer == nil || signer.SignFn == nil {
		return "", fmt.Errorf("signer is required")
	}
	if strings.TrimSpace(uri) == "" {
		return "", fmt.Errorf("token uri required")
	}

	tx, err := c.contract.Transact(signer.TransactOpts(ctx), "createNFT", uri)
	if err != nil {
		return "", fmt.Errorf("createNFT tx: %w", err)
	}
	c.logger.Info().Str("tx", tx.Hash().Hex()).Str("from", signer.Account.Hex()).Msg("mint broadcast")
	return tx.Hash().Hex(), nil
}

// WaitForReceipt polls until the transaction is mined and buried under the
// configured number of blocks, or ctx is cancelled.
func (c *EthClient) WaitForReceipt(ctx context.Context, txHash string) (Receipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var mined *types.Receipt
	for {
		if mined == nil {
			receipt, err := c.backend.TransactionReceipt(ctx, hash)
			if err != nil && !errors.Is(err, ethereum.NotFound) {
				return Receipt{}, fmt.Errorf("fetch receipt: %w", err)
			}
			mined = receipt
		}
		if mined != nil {
			head, err := c.backend.BlockNumber(ctx)
			if err != nil {
				return Receipt{}, fmt.Errorf("block number: %w", err)
			}
			if depth(mined, head) >= c.confirmations {
				return c.toReceipt(mined), nil
			}
		}
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func depth(r *types.Receipt, head uint64) uint64 {
	if r.BlockNumber == nil || head < r.BlockNumber.Uint64() {
		return 0
	}
	return head - r.BlockNumber.Uint64() + 1
}

func (c *EthClient) toReceipt(r *types.Receipt) Receipt {
	out := Receipt{
		TxHash:  r.TxHash.Hex(),
		Success: r.Status == types.ReceiptStatusSuccessful,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	if out.Success {
		out.TokenID = c.mintedTokenID(r.Logs)
	}
	return out
}

// mintedTokenID extracts the token id from the contract's Transfer event
// minted from the zero address.
func (c *EthClient) mintedTokenID(logs []*types.Log) *big.Int {
	event, ok := c.abi.Events["Transfer"]
	if !ok {
		return nil
	}
	for _, l := range logs {
		if l.Address != c.address || len(l.Topics) != 4 || l.Topics[0] != event.ID {
			continue
		}
		if common.BytesToAddress(l.Topics[1].Bytes()) != (common.Address{}) {
			continue
		}
		return new(big.Int).SetBytes(l.Topics[3].Bytes())
	}
	return nil
}

// OwnedTokens enumerates owner's tokens. A failed balanceOf is an error; a
// failed read of a single token is logged and skipped.
func (c *EthClient) OwnedTokens(ctx context.Context, owner common.Address) ([]Token, error) {
	opts := &bind.CallOpts{Context: ctx}

	var out []interface{}
	if err := c.contract.Call(opts, &out, "balanceOf", owner); err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	balance := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)

	tokens := make([]Token, 0, balance.Int64())
	for i := int64(0); i < balance.Int64(); i++ {
		out = nil
		if err := c.contract.Call(opts, &out, "tokenOfOwnerByIndex", owner, big.NewInt(i)); err != nil {
			c.logger.Warn().Err(err).Int64("index", i).Msg("token lookup failed")
			continue
		}
		tokenID := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)

		out = nil
		if err := c.contract.Call(opts, &out, "tokenURI", tokenID); err != nil {
			c.logger.Warn().Err(err).Stringer("tokenId", tokenID).Msg("token uri lookup failed")
			continue
		}
		tokens = append(tokens, Token{
			TokenID:  tokenID,
			TokenURI: *abi.ConvertType(out[0], new(string)).(*string),
		})
	}
	return tokens, nil
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.backend == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.backend.BlockNumber(ctx)
	return err
}
