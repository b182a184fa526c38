// Package config loads the engine configuration from a TOML file with
// environment-variable overrides for deploy-time secrets.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config is the full engine configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Trading TradingConfig `toml:"trading"`
	Risk    RiskConfig    `toml:"risk"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port string `toml:"port"`
}

// StorageConfig selects the persistence backends. An empty DatabaseURL
// falls back to the in-memory store; an empty RedisURL disables the cache.
type StorageConfig struct {
	DatabaseURL  string `toml:"database_url"`
	RedisURL     string `toml:"redis_url"`
	CacheTTLSecs int    `toml:"cache_ttl_secs"`
}

// TradingConfig holds the fee schedule and market defaults.
type TradingConfig struct {
	FeeRate       decimal.Decimal `toml:"fee_rate"`       // fraction, 0.02 = 2%
	ReferrerShare decimal.Decimal `toml:"referrer_share"` // fraction of fee
	SeedLiquidity decimal.Decimal `toml:"seed_liquidity"` // default market seed
	MaxRetries    int             `toml:"max_retries"`    // conflict retry budget
}

// RiskConfig holds per-user exposure caps. Zero disables a cap.
type RiskConfig struct {
	MaxSharesPerMarket decimal.Decimal `toml:"max_shares_per_market"`
	MaxTradeAmount     decimal.Decimal `toml:"max_trade_amount"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{Port: "8080"},
		Storage: StorageConfig{
			CacheTTLSecs: 30,
		},
		Trading: TradingConfig{
			FeeRate:       decimal.NewFromFloat(0.02),
			ReferrerShare: decimal.NewFromFloat(0.5),
			SeedLiquidity: decimal.NewFromInt(1000),
			MaxRetries:    3,
		},
		Risk: RiskConfig{},
	}
}

// Load reads a TOML configuration file at path (optional; empty path skips
// the file), merges it on top of the built-in defaults, applies ENGINE_*
// environment variable overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides reads well-known ENGINE_* environment variables and
// overwrites the corresponding fields when a variable is set. This lets
// operators inject URLs and secrets at deploy time without touching the
// TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Server.Port, "ENGINE_PORT")
	setStr(&cfg.Server.Port, "PORT") // conventional fallback
	setStr(&cfg.Storage.DatabaseURL, "DATABASE_URL")
	setStr(&cfg.Storage.RedisURL, "REDIS_URL")
	setInt(&cfg.Storage.CacheTTLSecs, "ENGINE_CACHE_TTL_SECS")
	setDec(&cfg.Trading.FeeRate, "ENGINE_FEE_RATE")
	setDec(&cfg.Trading.ReferrerShare, "ENGINE_REFERRER_SHARE")
	setDec(&cfg.Trading.SeedLiquidity, "ENGINE_SEED_LIQUIDITY")
	setInt(&cfg.Trading.MaxRetries, "ENGINE_MAX_RETRIES")
	setDec(&cfg.Risk.MaxSharesPerMarket, "ENGINE_MAX_SHARES_PER_MARKET")
	setDec(&cfg.Risk.MaxTradeAmount, "ENGINE_MAX_TRADE_AMOUNT")
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	one := decimal.NewFromInt(1)
	if c.Trading.FeeRate.IsNegative() || c.Trading.FeeRate.GreaterThanOrEqual(one) {
		return fmt.Errorf("config: fee_rate must be in [0, 1), got %s", c.Trading.FeeRate)
	}
	if c.Trading.ReferrerShare.IsNegative() || c.Trading.ReferrerShare.GreaterThan(one) {
		return fmt.Errorf("config: referrer_share must be in [0, 1], got %s", c.Trading.ReferrerShare)
	}
	if c.Trading.SeedLiquidity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("config: seed_liquidity must be positive, got %s", c.Trading.SeedLiquidity)
	}
	if c.Trading.MaxRetries < 1 {
		return fmt.Errorf("config: max_retries must be at least 1, got %d", c.Trading.MaxRetries)
	}
	return nil
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDec(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}
