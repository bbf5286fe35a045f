// Package config loads and validates the settlement daemon's configuration
// from the environment. Missing required values are a startup error; nothing
// here is re-read at runtime.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"escrowflow/ledger"
	"escrowflow/validate"
)

// Config is the validated configuration surface of the daemon.
type Config struct {
	DatabaseURL string

	Agent      ledger.Address
	FeeAddress ledger.Address
	Owner      ledger.Address

	CreationFee   uint64
	SettlementFee uint64

	PollInterval       time.Duration
	ConfirmTimeout     time.Duration
	GasPriceCeiling    uint64
	GasLimitMultiplier float64
	MinReserve         uint64
	Concurrency        int

	OpsListenAddr string
	LogLevel      string
}

type rawConfig struct {
	DatabaseURL        string  `mapstructure:"DATABASE_URL"`
	AgentAddress       string  `mapstructure:"AGENT_ADDRESS"`
	FeeAddress         string  `mapstructure:"FEE_ADDRESS"`
	OwnerAddress       string  `mapstructure:"OWNER_ADDRESS"`
	CreationFee        uint64  `mapstructure:"CREATION_FEE"`
	SettlementFee      uint64  `mapstructure:"SETTLEMENT_FEE"`
	PollInterval       string  `mapstructure:"POLL_INTERVAL"`
	ConfirmTimeout     string  `mapstructure:"CONFIRM_TIMEOUT"`
	GasPriceCeiling    uint64  `mapstructure:"GAS_PRICE_CEILING"`
	GasLimitMultiplier float64 `mapstructure:"GAS_LIMIT_MULTIPLIER"`
	MinReserve         uint64  `mapstructure:"MIN_BALANCE_RESERVE"`
	Concurrency        int     `mapstructure:"CYCLE_CONCURRENCY"`
	OpsListenAddr      string  `mapstructure:"OPS_LISTEN_ADDR"`
	LogLevel           string  `mapstructure:"LOG_LEVEL"`
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	viper.SetDefault("POLL_INTERVAL", "30s")
	viper.SetDefault("CONFIRM_TIMEOUT", "5m")
	viper.SetDefault("GAS_PRICE_CEILING", 100)
	viper.SetDefault("GAS_LIMIT_MULTIPLIER", 1.2)
	viper.SetDefault("MIN_BALANCE_RESERVE", 1_000_000)
	viper.SetDefault("CYCLE_CONCURRENCY", 4)
	viper.SetDefault("OPS_LISTEN_ADDR", ":8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.AutomaticEnv()

	for _, key := range []string{
		"DATABASE_URL", "AGENT_ADDRESS", "FEE_ADDRESS", "OWNER_ADDRESS",
		"CREATION_FEE", "SETTLEMENT_FEE", "POLL_INTERVAL", "CONFIRM_TIMEOUT",
		"GAS_PRICE_CEILING", "GAS_LIMIT_MULTIPLIER", "MIN_BALANCE_RESERVE",
		"CYCLE_CONCURRENCY", "OPS_LISTEN_ADDR", "LOG_LEVEL",
	} {
		_ = viper.BindEnv(key)
	}

	var raw rawConfig
	if err := viper.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return build(raw)
}

func build(raw rawConfig) (*Config, error) {
	if raw.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}
	if raw.AgentAddress == "" {
		return nil, fmt.Errorf("config: AGENT_ADDRESS is required")
	}
	if raw.FeeAddress == "" {
		return nil, fmt.Errorf("config: FEE_ADDRESS is required")
	}
	if raw.SettlementFee == 0 {
		return nil, fmt.Errorf("config: SETTLEMENT_FEE must be positive")
	}

	agent, err := parseAddress("AGENT_ADDRESS", raw.AgentAddress)
	if err != nil {
		return nil, err
	}
	feeAddr, err := parseAddress("FEE_ADDRESS", raw.FeeAddress)
	if err != nil {
		return nil, err
	}
	owner := agent
	if raw.OwnerAddress != "" {
		owner, err = parseAddress("OWNER_ADDRESS", raw.OwnerAddress)
		if err != nil {
			return nil, err
		}
	}

	pollInterval, err := parseDuration("POLL_INTERVAL", raw.PollInterval)
	if err != nil {
		return nil, err
	}
	confirmTimeout, err := parseDuration("CONFIRM_TIMEOUT", raw.ConfirmTimeout)
	if err != nil {
		return nil, err
	}
	if raw.GasLimitMultiplier < 1 {
		return nil, fmt.Errorf("config: GAS_LIMIT_MULTIPLIER must be at least 1.0, got %v", raw.GasLimitMultiplier)
	}
	if raw.Concurrency <= 0 {
		return nil, fmt.Errorf("config: CYCLE_CONCURRENCY must be positive, got %d", raw.Concurrency)
	}

	return &Config{
		DatabaseURL:        raw.DatabaseURL,
		Agent:              agent,
		FeeAddress:         feeAddr,
		Owner:              owner,
		CreationFee:        raw.CreationFee,
		SettlementFee:      raw.SettlementFee,
		PollInterval:       pollInterval,
		ConfirmTimeout:     confirmTimeout,
		GasPriceCeiling:    raw.GasPriceCeiling,
		GasLimitMultiplier: raw.GasLimitMultiplier,
		MinReserve:         raw.MinReserve,
		Concurrency:        raw.Concurrency,
		OpsListenAddr:      raw.OpsListenAddr,
		LogLevel:           raw.LogLevel,
	}, nil
}

func parseAddress(key, value string) (ledger.Address, error) {
	if err := validate.Address(value); err != nil {
		return ledger.Address{}, fmt.Errorf("config: %s: %w", key, err)
	}
	addr, err := ledger.ParseAddress(value)
	if err != nil {
		return ledger.Address{}, fmt.Errorf("config: %s: %w", key, err)
	}
	return addr, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive, got %s", key, d)
	}
	return d, nil
}
