// mintd runs the NFT minting service.
//
// It holds one wallet session and one mint controller and exposes them over a
// signed HTTP API. A chain change reported by the wallet tears the whole
// service down and builds it again against the new chain.
//
// Usage:
//
//	mintd [--port <port>] [--rpc <endpoint>] [--wallet-rpc <endpoint>] [--contract <address>]
//	mintd info [--rpc <endpoint>] [--contract <address>] [--owner <address>]
//	mintd mint --uri <token uri> [--api <base url>] [--key <idempotency key>]
package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	cli "gopkg.in/urfave/cli.v1"

	"nftmint/internal/chain"
	"nftmint/internal/config"
	"nftmint/internal/hmacauth"
	"nftmint/internal/idempotency"
	"nftmint/internal/metadata"
	"nftmint/internal/mint"
	"nftmint/internal/observability"
	"nftmint/internal/provider"
	"nftmint/internal/server"
	"nftmint/internal/wallet"
)

var (
	app = cli.NewApp()

	portFlag = cli.IntFlag{
		Name:  "port",
		Usage: "HTTP port for the API (overrides API_HTTP_PORT)",
	}
	rpcFlag = cli.StringFlag{
		Name:  "rpc",
		Usage: "Ethereum JSON-RPC endpoint; without it mints go to an in-memory chain",
	}
	walletRPCFlag = cli.StringFlag{
		Name:  "wallet-rpc",
		Usage: "JSON-RPC endpoint of an external wallet; without it keys come from CHAIN_PRIVATE_KEY",
	}
	contractFlag = cli.StringFlag{
		Name:  "contract",
		Usage: "Deployed MyNFT contract address",
	}
	ownerFlag = cli.StringFlag{
		Name:  "owner",
		Usage: "Account whose tokens to list",
	}
	apiFlag = cli.StringFlag{
		Name:  "api",
		Usage: "Base URL of a running mintd",
		Value: "http://localhost:3000",
	}
	uriFlag = cli.StringFlag{
		Name:  "uri",
		Usage: "Token metadata URI to mint",
	}
	keyFlag = cli.StringFlag{
		Name:  "key",
		Usage: "Idempotency key for the submission (default: derived from the uri)",
	}
)

func init() {
	app.Name = "mintd"
	app.Usage = "NFT minting service"
	app.Version = "0.1.0"
	app.Action = run
	app.Flags = []cli.Flag{
		portFlag,
		rpcFlag,
		walletRPCFlag,
		contractFlag,
	}
	app.Commands = []cli.Command{
		{
			Name:   "info",
			Usage:  "Print contract, chain and collection information",
			Action: infoCmd,
			Flags: []cli.Flag{
				rpcFlag,
				contractFlag,
				ownerFlag,
			},
		},
		{
			Name:   "mint",
			Usage:  "Submit a signed mint request to a running mintd",
			Action: mintCmd,
			Flags: []cli.Flag{
				apiFlag,
				uriFlag,
				keyFlag,
			},
		},
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(ctx *cli.Context) (*config.AppConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if ctx.IsSet("port") {
		cfg.Service.HTTPPort = ctx.Int("port")
	}
	if ctx.IsSet("rpc") {
		cfg.Chain.RPCURL = ctx.String("rpc")
	}
	if ctx.IsSet("wallet-rpc") {
		cfg.Chain.WalletRPCURL = ctx.String("wallet-rpc")
	}
	if ctx.IsSet("contract") {
		cfg.Mint.Contract = ctx.String("contract")
	}
	return cfg, nil
}

func run(ctx *cli.Context) error {
	logger := observability.InitLogger("mintd")

	cfg, err := loadConfig(ctx)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("idempotency store error: %w", err)
	}
	defer closeStore()

	keys, err := walletKeys(cfg, logger)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		reload := make(chan *big.Int, 1)
		svc, err := build(cfg, keys, store, logger, reload)
		if err != nil {
			return err
		}

		go func() {
			if err := svc.api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("server stopped")
			}
		}()

		select {
		case <-sigCh:
			svc.shutdown(cfg.Service.ShutdownTimeout)
			return nil
		case chainID := <-reload:
			logger.Info().Stringer("chainId", chainID).Msg("rebuilding service for new chain")
			svc.shutdown(cfg.Service.ShutdownTimeout)
			if chainID != nil {
				cfg.Chain.ChainID = chainID.Int64()
			}
		}
	}
}

type service struct {
	api     *server.Server
	session *wallet.Session
	closers []func()
}

func (s *service) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = s.api.Shutdown(ctx)
	s.session.Close()
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func build(cfg *config.AppConfig, keys []*ecdsa.PrivateKey, store idempotency.Store, logger zerolog.Logger, reload chan<- *big.Int) (*service, error) {
	ctx := context.Background()
	svc := &service{}

	var (
		client   chain.Client = chain.NewFakeClient()
		balances provider.BalanceReader
	)
	if cfg.Chain.RPCURL != "" {
		backend, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial rpc: %w", err)
		}
		svc.closers = append(svc.closers, backend.Close)
		ethClient, err := chain.NewEthClientWithBackend(backend, chain.EthClientConfig{
			Contract:      cfg.Mint.Contract,
			PollInterval:  cfg.Chain.PollInterval,
			Confirmations: cfg.Chain.Confirmations,
			Logger:        &logger,
		})
		if err != nil {
			return nil, fmt.Errorf("chain client error: %w", err)
		}
		client = ethClient
		balances = backend
	} else {
		logger.Warn().Msg("CHAIN_RPC_URL not set, minting into an in-memory chain")
	}

	var p wallet.Provider
	if cfg.Chain.WalletRPCURL != "" {
		rpcWallet, err := provider.DialRPC(ctx, cfg.Chain.WalletRPCURL, provider.WithRPCLogger(logger))
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, rpcWallet.Close)
		p = rpcWallet
	} else {
		opts := []provider.KeyedOption{provider.WithKeyedLogger(logger)}
		if balances != nil {
			opts = append(opts, provider.WithBalanceReader(balances))
		}
		p = provider.NewKeyed(big.NewInt(cfg.Chain.ChainID), keys, opts...)
	}

	svc.session = wallet.NewSession(p,
		wallet.WithLogger(logger),
		wallet.WithReloadHook(func(chainID *big.Int) {
			select {
			case reload <- chainID:
			default:
			}
		}),
	)
	if err := svc.session.Initialize(ctx); err != nil {
		logger.Warn().Err(err).Msg("wallet initialization failed")
	}

	fetcher := metadata.NewFetcher(cfg.Mint.IPFSGateway, cfg.Mint.MetadataTimeout)
	controller := mint.NewController(svc.session, client, fetcher,
		mint.WithLogger(logger),
		mint.WithConfirmTimeout(cfg.Mint.ConfirmTimeout),
	)

	svc.api = server.NewServer(cfg, svc.session, controller, client, store, logger)
	return svc, nil
}

func openStore(cfg *config.AppConfig, logger zerolog.Logger) (idempotency.Store, func(), error) {
	if cfg.Service.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pg, err := idempotency.NewPostgresStore(ctx, cfg.Service.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Msg("using postgres idempotency store")
		return pg, pg.Close, nil
	}
	fs, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
	if err != nil {
		return nil, nil, err
	}
	return fs, func() {}, nil
}

// walletKeys reads CHAIN_PRIVATE_KEY or, when unset, generates a throwaway key
// that lives as long as the process.
func walletKeys(cfg *config.AppConfig, logger zerolog.Logger) ([]*ecdsa.PrivateKey, error) {
	if cfg.Chain.WalletRPCURL != "" {
		return nil, nil
	}
	if cfg.Chain.PrivateKey != "" {
		keys, err := provider.ParseKeys(cfg.Chain.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("wallet keys: %w", err)
		}
		return keys, nil
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate wallet key: %w", err)
	}
	logger.Warn().Str("account", crypto.PubkeyToAddress(key.PublicKey).Hex()).Msg("CHAIN_PRIVATE_KEY not set, using an ephemeral wallet")
	return []*ecdsa.PrivateKey{key}, nil
}

func infoCmd(ctx *cli.Context) error {
	logger := observability.InitLogger("mintd")

	cfg, err := loadConfig(ctx)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if cfg.Chain.RPCURL == "" {
		return errors.New("--rpc or CHAIN_RPC_URL is required")
	}

	rctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	backend, err := ethclient.DialContext(rctx, cfg.Chain.RPCURL)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer backend.Close()

	client, err := chain.NewEthClientWithBackend(backend, chain.EthClientConfig{Contract: cfg.Mint.Contract, Logger: &logger})
	if err != nil {
		return err
	}
	chainID, err := backend.ChainID(rctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}
	head, err := backend.BlockNumber(rctx)
	if err != nil {
		return fmt.Errorf("block number: %w", err)
	}
	logger.Info().
		Str("contract", client.Address().Hex()).
		Stringer("chainId", chainID).
		Uint64("head", head).
		Msg("MyNFT contract info")

	if !ctx.IsSet("owner") {
		return nil
	}
	if !common.IsHexAddress(ctx.String("owner")) {
		return fmt.Errorf("invalid owner address %q", ctx.String("owner"))
	}
	tokens, err := client.OwnedTokens(rctx, common.HexToAddress(ctx.String("owner")))
	if err != nil {
		return err
	}
	for _, tok := range tokens {
		fmt.Printf("%s\t%s\n", tok.TokenID, tok.TokenURI)
	}
	return nil
}

func mintCmd(ctx *cli.Context) error {
	uri := strings.TrimSpace(ctx.String("uri"))
	if uri == "" {
		return errors.New("--uri is required")
	}
	body := []byte(fmt.Sprintf(`{"tokenUri":%q}`, uri))

	key := ctx.String("key")
	if key == "" {
		key = idempotency.Fingerprint(body)[:16]
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(ctx.String("api"), "/")+"/api/v1/mints", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", key)
	if secret := os.Getenv("REQUEST_SIGNING_SECRET"); secret != "" {
		if err := hmacauth.Sign(req, secret, time.Now()); err != nil {
			return err
		}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("submit mint: %w", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	fmt.Printf("%s %s\n", resp.Status, bytes.TrimSpace(out))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mint rejected with %d", resp.StatusCode)
	}
	return nil
}
