// Package config loads the service configuration from YAML with SNOWRAIL_*
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Colombia-Blockchain/snowrail-core/types"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Sentinel   SentinelConfig   `yaml:"sentinel"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Signing    SigningConfig    `yaml:"signing"`
	Settlement SettlementConfig `yaml:"settlement"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	// RateLimitRPS is per client IP; 0 disables limiting.
	RateLimitRPS   int      `yaml:"rate_limit_rps" validate:"gte=0"`
	RateLimitBurst int      `yaml:"rate_limit_burst" validate:"gte=0"`
	AllowOrigins   []string `yaml:"allow_origins"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SentinelConfig configures the URL risk evaluator.
type SentinelConfig struct {
	MinScore           int            `yaml:"min_score" validate:"gte=0,lte=100"`
	CheckTimeout       time.Duration  `yaml:"check_timeout" validate:"gt=0"`
	RequireHTTPS       bool           `yaml:"require_https"`
	MaxAmount          int64          `yaml:"max_amount" validate:"gt=0"`
	TrustedDomains     []string       `yaml:"trusted_domains"`
	SuspiciousTLDs     []string       `yaml:"suspicious_tlds"`
	SuspiciousKeywords []string       `yaml:"suspicious_keywords"`
	Blacklist          []string       `yaml:"blacklist"`
	Weights            map[string]int `yaml:"weights"`
	NetworkChecks      bool           `yaml:"network_checks"`
	RedisURL           string         `yaml:"redis_url"`
	RedisBlacklistKey  string         `yaml:"redis_blacklist_key"`
}

// LedgerConfig selects the intent store.
type LedgerConfig struct {
	Backend       string        `yaml:"backend" validate:"oneof=memory sqlite redis"`
	DSN           string        `yaml:"dsn" validate:"required_unless=Backend memory"`
	IntentTTL     time.Duration `yaml:"intent_ttl" validate:"gt=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`
}

// SigningConfig is the EIP-712 domain used for authorizations.
type SigningConfig struct {
	Name              string `yaml:"name" validate:"required"`
	Version           string `yaml:"version" validate:"required"`
	ChainID           int64  `yaml:"chain_id" validate:"gt=0"`
	VerifyingContract string `yaml:"verifying_contract" validate:"required,eth_addr"`
}

// SettlementConfig configures the settlement backend and retry policy.
type SettlementConfig struct {
	Mode           string        `yaml:"mode" validate:"oneof=ledger evm"`
	RPCURL         string        `yaml:"rpc_url" validate:"required_if=Mode evm"`
	TreasuryKey    string        `yaml:"treasury_key" validate:"required_if=Mode evm"`
	ExplorerURL    string        `yaml:"explorer_url" validate:"required,url"`
	Currency       string        `yaml:"currency" validate:"required"`
	Token          string        `yaml:"token" validate:"required"`
	Chain          string        `yaml:"chain" validate:"required"`
	TokenDecimals  int32         `yaml:"token_decimals" validate:"gte=0,lte=36"`
	Workers        int           `yaml:"workers" validate:"gt=0"`
	MaxAttempts    int           `yaml:"max_attempts" validate:"gt=0,lte=20"`
	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff" validate:"gtefield=InitialBackoff"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" validate:"gt=0"`
	ConfirmWait    time.Duration `yaml:"confirm_wait" validate:"gt=0"`
	ReceiptPoll    time.Duration `yaml:"receipt_poll" validate:"gt=0"`
}

var validate = validator.New()

// Default returns a configuration usable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":3000",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimitRPS:    20,
			RateLimitBurst:  40,
			AllowOrigins:    []string{"http://localhost:3000"},
		},
		Log:     LogConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: true},
		Sentinel: SentinelConfig{
			MinScore:     50,
			CheckTimeout: 2 * time.Second,
			RequireHTTPS: true,
			MaxAmount:    1_000_000_000,
			TrustedDomains: []string{
				"stripe.com", "github.com", "google.com", "openai.com",
				"anthropic.com", "coinbase.com", "circle.com", "avax.network",
			},
			SuspiciousTLDs: []string{"xyz", "top", "tk", "ml", "ga", "cf", "gq", "click", "zip", "mov"},
			SuspiciousKeywords: []string{
				"free-money", "freemoney", "giveaway", "airdrop", "double-your",
				"claim-reward", "wallet-verify", "seed-phrase",
			},
			RedisBlacklistKey: "snowrail:blacklist",
		},
		Ledger: LedgerConfig{
			Backend:       "memory",
			IntentTTL:     15 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
		Signing: SigningConfig{
			Name:              "USD Coin",
			Version:           "2",
			ChainID:           43113,
			VerifyingContract: "0x5425890298aed601595a70AB815c96711a31Bc65",
		},
		Settlement: SettlementConfig{
			Mode:           "ledger",
			ExplorerURL:    "https://testnet.snowtrace.io",
			Currency:       "USDC",
			Token:          "USDC",
			Chain:          "avalanche-fuji",
			TokenDecimals:  6,
			Workers:        4,
			MaxAttempts:    4,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			AttemptTimeout: 30 * time.Second,
			ConfirmWait:    10 * time.Second,
			ReceiptPoll:    2 * time.Second,
		},
	}
}

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &types.Error{
				Code:    types.ErrCodeConfig,
				Message: fmt.Sprintf("failed to parse config: %v", err),
			}
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return &types.Error{
			Code:    types.ErrCodeConfig,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}
	return nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides the handful of settings that are commonly injected
// by the deployment environment, secrets in particular.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("SNOWRAIL_ADDR", &cfg.Server.Addr)
	str("SNOWRAIL_LOG_LEVEL", &cfg.Log.Level)
	str("SNOWRAIL_LEDGER_BACKEND", &cfg.Ledger.Backend)
	str("SNOWRAIL_LEDGER_DSN", &cfg.Ledger.DSN)
	str("SNOWRAIL_REDIS_URL", &cfg.Sentinel.RedisURL)
	str("SNOWRAIL_SETTLEMENT_MODE", &cfg.Settlement.Mode)
	str("SNOWRAIL_RPC_URL", &cfg.Settlement.RPCURL)
	str("SNOWRAIL_TREASURY_KEY", &cfg.Settlement.TreasuryKey)
	str("SNOWRAIL_VERIFYING_CONTRACT", &cfg.Signing.VerifyingContract)

	if v, ok := lookup("SNOWRAIL_CHAIN_ID"); ok && v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return types.NewError(types.ErrCodeConfig, "SNOWRAIL_CHAIN_ID: %v", err)
		}
		cfg.Signing.ChainID = id
	}
	if v, ok := lookup("SNOWRAIL_MIN_SCORE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.NewError(types.ErrCodeConfig, "SNOWRAIL_MIN_SCORE: %v", err)
		}
		cfg.Sentinel.MinScore = n
	}
	if v, ok := lookup("SNOWRAIL_NETWORK_CHECKS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return types.NewError(types.ErrCodeConfig, "SNOWRAIL_NETWORK_CHECKS: %v", err)
		}
		cfg.Sentinel.NetworkChecks = b
	}
	if v, ok := lookup("SNOWRAIL_ALLOW_ORIGINS"); ok && v != "" {
		cfg.Server.AllowOrigins = strings.Split(v, ",")
	}
	return nil
}
