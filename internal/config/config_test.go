package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"nftmint/internal/contracts"
)

func TestLoadDefaultsWithoutDeployments(t *testing.T) {
	t.Setenv("DEPLOYMENTS_PATH", filepath.Join(t.TempDir(), "missing.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mint.Contract != contracts.DefaultMyNFTAddress {
		t.Fatalf("expected default contract, got %s", cfg.Mint.Contract)
	}
	if cfg.Chain.ChainID != 11155111 {
		t.Fatalf("expected sepolia chain id, got %d", cfg.Chain.ChainID)
	}
	if cfg.Service.HTTPPort != 3000 || cfg.Mint.ConfirmTimeout != 0 {
		t.Fatalf("unexpected defaults %+v %+v", cfg.Service, cfg.Mint)
	}
}

func TestLoadDeploymentsAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deployments.json")
	body := `{"chainId":31337,"deployer":"0x01","contracts":{"MyNFT":"0x00000000000000000000000000000000000000aa"}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("DEPLOYMENTS_PATH", path)
	t.Setenv("API_HTTP_PORT", "8088")
	t.Setenv("RECEIPT_POLL_MS", "250")
	t.Setenv("MINT_CONFIRM_TIMEOUT_SECONDS", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chain.ChainID != 31337 || cfg.Mint.Contract != "0x00000000000000000000000000000000000000aa" {
		t.Fatalf("deployment values not applied: %+v %+v", cfg.Chain, cfg.Mint)
	}
	if cfg.Service.HTTPPort != 8088 || cfg.Chain.PollInterval != 250*time.Millisecond {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.Mint.ConfirmTimeout != 0 {
		t.Fatalf("malformed int should fall back to default")
	}
}

func TestLoadRejectsMalformedDeployments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployments.json")
	if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("DEPLOYMENTS_PATH", path)
	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}
