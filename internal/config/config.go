// Package config loads runtime configuration from an optional YAML file, a
// .env file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/jdai/vault-engine/internal/ledger"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Decimal wraps decimal.Decimal so YAML numbers keep their exact text.
type Decimal struct {
	decimal.Decimal
}

// UnmarshalYAML parses the scalar's literal text.
func (d *Decimal) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("decimal must be a scalar")
	}
	parsed, err := decimal.NewFromString(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("parse decimal %q: %w", value.Value, err)
	}
	d.Decimal = parsed
	return nil
}

// Config captures the runtime configuration shared by the server and the CLI.
type Config struct {
	Env      string `yaml:"env"`
	Port     string `yaml:"port"`
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`

	DatabaseURL string   `yaml:"database_url"`
	RedisURL    string   `yaml:"redis_url"`
	CacheTTL    Duration `yaml:"cache_ttl"`
	StateDir    string   `yaml:"state_dir"`
	DevFund     string   `yaml:"dev_fund"` // in-memory ledger only: account credited at start-up

	Ledger LedgerConfig `yaml:"ledger"`

	PollInterval Duration `yaml:"poll_interval"`
	SessionTTL   Duration `yaml:"session_ttl"`
	SafetyRatio  Decimal  `yaml:"safety_ratio"`
	DustAmount   Decimal  `yaml:"dust_amount"`
	Epsilon      Decimal  `yaml:"epsilon"`
}

// LedgerConfig selects and configures the ledger client. An empty RPCURL
// runs against the in-memory ledger.
type LedgerConfig struct {
	RPCURL         string           `yaml:"rpc_url"`
	ChainID        int64            `yaml:"chain_id"`
	Ilk            string           `yaml:"ilk"`
	Confirmations  uint64           `yaml:"confirmations"`
	RequestsPerSec float64          `yaml:"requests_per_sec"`
	Keystore       string           `yaml:"keystore"`
	PassphraseEnv  string           `yaml:"passphrase_env"`
	Contracts      ledger.Contracts `yaml:"contracts"`
}

// DefaultContracts is the reference PulseChain deployment.
var DefaultContracts = ledger.Contracts{
	Ledger:            "0x7086692dEe57ebEf0dC66A786198C406CfC259cD",
	Spotter:           "0x08E744BBe065911F45B86812a0F783bB35fb65eb",
	CollateralAdapter: "0x7a86c0a6078FA1e2053b0ff9d015B39387570162",
	DebtAdapter:       "0xBD767F3Fbdc24c5761e6c2a6C936986683584Ad8",
	Token:             "0x1610E75C9b48BF550137820452dE4049bB22bB72",
}

// Load reads .env (a missing file is fine), then CONFIG_FILE when set, then
// applies environment overrides and defaults, and validates the result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := Config{}
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		file, err := LoadFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = file
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile decodes a YAML config file without applying defaults.
func LoadFile(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	str("ENV", &cfg.Env)
	str("PORT", &cfg.Port)
	str("LOG_FILE", &cfg.LogFile)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("REDIS_URL", &cfg.RedisURL)
	str("STATE_DIR", &cfg.StateDir)
	str("DEV_FUND", &cfg.DevFund)
	str("RPC_URL", &cfg.Ledger.RPCURL)
	str("ILK", &cfg.Ledger.Ilk)
	str("KEYSTORE", &cfg.Ledger.Keystore)
	str("LEDGER_ADDRESS", &cfg.Ledger.Contracts.Ledger)
	str("SPOTTER_ADDRESS", &cfg.Ledger.Contracts.Spotter)
	str("COLLATERAL_ADAPTER_ADDRESS", &cfg.Ledger.Contracts.CollateralAdapter)
	str("DEBT_ADAPTER_ADDRESS", &cfg.Ledger.Contracts.DebtAdapter)
	str("TOKEN_ADDRESS", &cfg.Ledger.Contracts.Token)

	for key, dst := range map[string]*Duration{
		"CACHE_TTL":     &cfg.CacheTTL,
		"POLL_INTERVAL": &cfg.PollInterval,
		"SESSION_TTL":   &cfg.SessionTTL,
	} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			dst.Duration = parsed
		}
	}
	for key, dst := range map[string]*Decimal{
		"SAFETY_RATIO": &cfg.SafetyRatio,
		"DUST_AMOUNT":  &cfg.DustAmount,
		"EPSILON":      &cfg.Epsilon,
	} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			parsed, err := decimal.NewFromString(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			dst.Decimal = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("CHAIN_ID")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CHAIN_ID: %w", err)
		}
		cfg.Ledger.ChainID = id
	}
	if v := strings.TrimSpace(os.Getenv("CONFIRMATIONS")); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CONFIRMATIONS: %w", err)
		}
		cfg.Ledger.Confirmations = n
	}
	if v := strings.TrimSpace(os.Getenv("RPC_RATE")); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RPC_RATE: %w", err)
		}
		cfg.Ledger.RequestsPerSec = r
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.CacheTTL.Duration == 0 {
		cfg.CacheTTL.Duration = 30 * time.Second
	}
	if cfg.PollInterval.Duration == 0 {
		cfg.PollInterval.Duration = 30 * time.Second
	}
	if cfg.SessionTTL.Duration == 0 {
		cfg.SessionTTL.Duration = time.Hour
	}
	if cfg.SafetyRatio.IsZero() {
		cfg.SafetyRatio.Decimal = decimal.RequireFromString("1.6")
	}
	if cfg.DustAmount.IsZero() {
		cfg.DustAmount.Decimal = decimal.New(1, -6)
	}
	if cfg.Epsilon.IsZero() {
		cfg.Epsilon.Decimal = decimal.New(1, -4)
	}
	if cfg.Ledger.Ilk == "" {
		cfg.Ledger.Ilk = "PLS-A"
	}
	if cfg.Ledger.ChainID == 0 {
		cfg.Ledger.ChainID = 369
	}
	if cfg.Ledger.Confirmations == 0 {
		cfg.Ledger.Confirmations = 1
	}
	if cfg.Ledger.RequestsPerSec == 0 {
		cfg.Ledger.RequestsPerSec = 10
	}
	if cfg.Ledger.PassphraseEnv == "" {
		cfg.Ledger.PassphraseEnv = "KEYSTORE_PASSPHRASE"
	}
	c := &cfg.Ledger.Contracts
	for _, f := range []struct {
		dst *string
		def string
	}{
		{&c.Ledger, DefaultContracts.Ledger},
		{&c.Spotter, DefaultContracts.Spotter},
		{&c.CollateralAdapter, DefaultContracts.CollateralAdapter},
		{&c.DebtAdapter, DefaultContracts.DebtAdapter},
		{&c.Token, DefaultContracts.Token},
	} {
		if strings.TrimSpace(*f.dst) == "" {
			*f.dst = f.def
		}
	}
}

// Validate rejects malformed addresses, non-positive ratios and durations.
func (c Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("port %q must be numeric", c.Port)
	}
	for name, addr := range map[string]string{
		"ledger":             c.Ledger.Contracts.Ledger,
		"spotter":            c.Ledger.Contracts.Spotter,
		"collateral_adapter": c.Ledger.Contracts.CollateralAdapter,
		"debt_adapter":       c.Ledger.Contracts.DebtAdapter,
		"token":              c.Ledger.Contracts.Token,
	} {
		if _, err := ledger.CheckAddress(addr); err != nil {
			return fmt.Errorf("contracts.%s: %w", name, err)
		}
	}
	if c.DevFund != "" {
		if _, err := ledger.CheckAddress(c.DevFund); err != nil {
			return fmt.Errorf("dev_fund: %w", err)
		}
	}
	if c.PollInterval.Duration <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.SessionTTL.Duration <= 0 {
		return fmt.Errorf("session_ttl must be positive")
	}
	if c.CacheTTL.Duration <= 0 {
		return fmt.Errorf("cache_ttl must be positive")
	}
	if !c.SafetyRatio.IsPositive() {
		return fmt.Errorf("safety_ratio must be positive")
	}
	if c.DustAmount.IsNegative() {
		return fmt.Errorf("dust_amount must not be negative")
	}
	if c.Epsilon.IsNegative() {
		return fmt.Errorf("epsilon must not be negative")
	}
	if c.Ledger.RequestsPerSec < 0 {
		return fmt.Errorf("ledger.requests_per_sec must not be negative")
	}
	if strings.TrimSpace(c.Ledger.Ilk) == "" || len(c.Ledger.Ilk) > 32 {
		return fmt.Errorf("ledger.ilk must be 1 to 32 bytes")
	}
	if c.Ledger.Keystore != "" && c.Ledger.RPCURL == "" {
		return fmt.Errorf("ledger.keystore requires ledger.rpc_url")
	}
	return nil
}

// DevMode reports whether the in-memory ledger is in use.
func (c Config) DevMode() bool {
	return c.Ledger.RPCURL == ""
}

// Passphrase returns the keystore passphrase from the configured variable.
func (c Config) Passphrase() string {
	return os.Getenv(c.Ledger.PassphraseEnv)
}

// EthConfig maps the ledger section onto the RPC client's settings.
func (c Config) EthConfig() ledger.EthConfig {
	return ledger.EthConfig{
		Ilk:           c.Ledger.Ilk,
		ChainID:       big.NewInt(c.Ledger.ChainID),
		Contracts:     c.Ledger.Contracts,
		Confirmations: c.Ledger.Confirmations,
		RequestsPerS:  c.Ledger.RequestsPerSec,
	}
}
