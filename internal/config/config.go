package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"nftmint/internal/contracts"
)

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   int64  `json:"chainId"`
	Deployer  string `json:"deployer"`
	Contracts struct {
		MyNFT string `json:"MyNFT"`
	} `json:"contracts"`
}

// AppConfig ties together deployment info and derived values.
type AppConfig struct {
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Mint       MintConfig
}

type ServiceConfig struct {
	HTTPPort             int
	SigningSecret        string
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	DatabaseURL          string
	ShutdownTimeout      time.Duration
}

type ChainConfig struct {
	RPCURL        string
	WalletRPCURL  string
	PrivateKey    string
	ChainID       int64
	PollInterval  time.Duration
	Confirmations uint64
}

type MintConfig struct {
	Contract        string
	IPFSGateway     string
	MetadataTimeout time.Duration
	ConfirmTimeout  time.Duration
}

const defaultDeploymentsPath = "../deployments.json"

// Load aggregates configuration from disk and environment. A missing
// deployments file falls back to the published contract address.
func Load() (*AppConfig, error) {
	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)

	deployCfg, err := loadDeployments(deploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		SigningSecret:        envOr("REQUEST_SIGNING_SECRET", ""),
		HMACClockSkew:        time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow:    time.Duration(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", 86400)) * time.Second,
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "nftmint-idem.json")),
		DatabaseURL:          envOr("DATABASE_URL", ""),
		ShutdownTimeout:      time.Duration(envOrInt("SHUTDOWN_TIMEOUT_SECONDS", 10)) * time.Second,
	}

	chainID := deployCfg.ChainID
	if chainID == 0 {
		chainID = 11155111
	}
	chainCfg := ChainConfig{
		RPCURL:        envOr("CHAIN_RPC_URL", ""),
		WalletRPCURL:  envOr("WALLET_RPC_URL", ""),
		PrivateKey:    envOr("CHAIN_PRIVATE_KEY", ""),
		ChainID:       int64(envOrInt("CHAIN_ID", int(chainID))),
		PollInterval:  time.Duration(envOrInt("RECEIPT_POLL_MS", 2000)) * time.Millisecond,
		Confirmations: uint64(envOrInt("RECEIPT_CONFIRMATIONS", 1)),
	}

	contract := deployCfg.Contracts.MyNFT
	if contract == "" {
		contract = contracts.DefaultMyNFTAddress
	}
	mintCfg := MintConfig{
		Contract:        envOr("MYNFT_ADDRESS", contract),
		IPFSGateway:     envOr("IPFS_GATEWAY", ""),
		MetadataTimeout: time.Duration(envOrInt("METADATA_TIMEOUT_SECONDS", 10)) * time.Second,
		ConfirmTimeout:  time.Duration(envOrInt("MINT_CONFIRM_TIMEOUT_SECONDS", 0)) * time.Second,
	}

	return &AppConfig{
		Deployment: *deployCfg,
		Service:    serviceCfg,
		Chain:      chainCfg,
		Mint:       mintCfg,
	}, nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &DeploymentConfig{}, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
