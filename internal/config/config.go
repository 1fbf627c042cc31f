package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   int64  `json:"chainId"`
	Deployer  string `json:"deployer"`
	Contracts struct {
		EscrowList string `json:"EscrowList"`
	} `json:"contracts"`
}

// AppConfig ties together the deployment file and environment overrides.
type AppConfig struct {
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Retry      RetryConfig
	Events     EventsConfig
	LogLevel   slog.Level
}

type ServiceConfig struct {
	HTTPPort             int
	HMACSecret           string
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	IdempotencyDSN       string
}

type ChainConfig struct {
	RPCURL          string
	PrivateKey      string
	ContractAddress string
	// RequiredChainID is the network the session must be on.
	RequiredChainID int64
	ConfirmTimeout  time.Duration
	PollInterval    time.Duration
	RPCTimeout      time.Duration
	Simulate        bool
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

type EventsConfig struct {
	NATSURL string
}

const defaultDeploymentsPath = "deployments.json"

// Load aggregates configuration from disk and environment. The deployment
// file may be absent when the environment names the contract and chain.
func Load() (*AppConfig, error) {
	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)

	deployCfg, err := loadDeployments(deploymentsPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load deployments: %w", err)
	}
	if deployCfg == nil {
		deployCfg = &DeploymentConfig{}
	}

	level, err := parseLevel(envOr("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}

	cfg := &AppConfig{
		Deployment: *deployCfg,
		Service: ServiceConfig{
			HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
			HMACSecret:           envOr("HMAC_SECRET", ""),
			HMACClockSkew:        time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
			IdempotencyWindow:    time.Duration(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", 86400)) * time.Second,
			IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "escrowdesk-idem.json")),
			IdempotencyDSN:       envOr("IDEMPOTENCY_POSTGRES_DSN", ""),
		},
		Chain: ChainConfig{
			RPCURL:          envOr("CHAIN_RPC_URL", "http://127.0.0.1:8545"),
			PrivateKey:      envOr("CHAIN_PRIVATE_KEY", ""),
			ContractAddress: envOr("ESCROW_CONTRACT_ADDRESS", deployCfg.Contracts.EscrowList),
			RequiredChainID: envOrInt64("REQUIRED_CHAIN_ID", deployCfg.ChainID),
			ConfirmTimeout:  time.Duration(envOrInt("CONFIRM_TIMEOUT_SECONDS", 120)) * time.Second,
			PollInterval:    time.Duration(envOrInt("RECEIPT_POLL_INTERVAL_MS", 2000)) * time.Millisecond,
			RPCTimeout:      time.Duration(envOrInt("RPC_TIMEOUT_MS", 10000)) * time.Millisecond,
			Simulate:        envOrBool("LEDGER_SIMULATE", false),
		},
		Retry: RetryConfig{
			MaxAttempts:       envOrInt("RETRY_MAX_ATTEMPTS", 3),
			InitialBackoff:    time.Duration(envOrInt("RETRY_INITIAL_BACKOFF_MS", 250)) * time.Millisecond,
			MaxBackoff:        time.Duration(envOrInt("RETRY_MAX_BACKOFF_MS", 2000)) * time.Millisecond,
			BackoffMultiplier: envOrInt("RETRY_BACKOFF_MULTIPLIER", 2),
		},
		Events: EventsConfig{
			NATSURL: envOr("NATS_URL", ""),
		},
		LogLevel: level,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	if c.Chain.RequiredChainID == 0 {
		return errors.New("required chain id is not set (deployments.json chainId or REQUIRED_CHAIN_ID)")
	}
	if c.Chain.ConfirmTimeout <= 0 {
		return errors.New("CONFIRM_TIMEOUT_SECONDS must be positive")
	}
	if !c.Chain.Simulate && c.Chain.ContractAddress == "" {
		return errors.New("escrow contract address is not set (deployments.json contracts.EscrowList or ESCROW_CONTRACT_ADDRESS)")
	}
	return nil
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

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrInt64(key string, fallback int64) int64 {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}
