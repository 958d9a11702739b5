package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DeploymentConfig represents deployments.json: where the escrow ledger and
// payment token live on the target chain, and the transaction that deployed
// the escrow contract. The deployment transaction anchors event-log scans
// that start at the contract's first block.
type DeploymentConfig struct {
	ChainID   int64 `json:"chainId"`
	Contracts struct {
		MultiPartyEscrow string `json:"MultiPartyEscrow"`
		Token            string `json:"Token"`
	} `json:"contracts"`
	EscrowDeploymentTxHash string `json:"escrowDeploymentTxHash"`
}

// AppConfig ties together deployment info, chain access and service values.
// It is immutable after Load; constructors take it by value so no component
// holds a mutable global.
type AppConfig struct {
	Deployment DeploymentConfig
	Chain      ChainConfig
	Service    ServiceConfig
}

type ChainConfig struct {
	RPCURL     string
	PrivateKey string
}

type ServiceConfig struct {
	HTTPPort             int
	HMACSecret           string
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	PostgresDSN          string
	ShutdownGrace        time.Duration
}

const defaultDeploymentsPath = "deployments.json"

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)

	deployCfg, err := loadDeployments(deploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	chainCfg := ChainConfig{
		RPCURL:     envOr("CHAIN_RPC_URL", ""),
		PrivateKey: envOr("CHAIN_PRIVATE_KEY", ""),
	}

	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		HMACSecret:           envOr("API_HMAC_SECRET", ""),
		HMACClockSkew:        time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow:    time.Duration(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", 900)) * time.Second,
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "escrowchan-idem.json")),
		PostgresDSN:          envOr("POSTGRES_DSN", ""),
		ShutdownGrace:        time.Duration(envOrInt("SHUTDOWN_GRACE_SECONDS", 15)) * time.Second,
	}

	return &AppConfig{
		Deployment: *deployCfg,
		Chain:      chainCfg,
		Service:    serviceCfg,
	}, nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
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
