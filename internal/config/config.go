// Package config resolves runtime configuration for the payment fabric.
// Environment variables are the primary source; an optional YAML file can
// override individual fields for local development.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Config holds every tunable the fabric reads at startup.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Fees      FeeConfig       `yaml:"fees"`
	Escrow    EscrowConfig    `yaml:"escrow"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Store     StoreConfig     `yaml:"store"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"` // "live" or "test"; selects the API key prefix
}

type FeeConfig struct {
	// PlatformFeePercent is the fee taken from payment.amount on release,
	// expressed as a percentage (2.5 means 2.5%).
	PlatformFeePercent float64 `yaml:"platform_fee_percent"`
	// FeeWalletID receives extracted fees. Created at startup if empty.
	FeeWalletID string `yaml:"fee_wallet_id"`
}

type EscrowConfig struct {
	// BufferPercentage is added on top of oracle estimates when locking
	// escrow, expressed as a percentage (15 means 15%). Clamped to [0, 50].
	BufferPercentage float64 `yaml:"buffer_percentage"`
	TimeoutMinutes   int     `yaml:"timeout_minutes"`
}

type RateLimitConfig struct {
	MinuteLimit int `yaml:"minute_limit"`
	DailyLimit  int `yaml:"daily_limit"`
	// Admin buckets get their own, higher limits.
	AdminMinuteLimit int `yaml:"admin_minute_limit"`
	AdminDailyLimit  int `yaml:"admin_daily_limit"`
}

type OracleConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

type StoreConfig struct {
	// RedisAddr enables the shared Redis entity store when non-empty.
	RedisAddr string `yaml:"redis_addr"`
	// PostgresURL enables the durable transaction log when non-empty.
	PostgresURL string `yaml:"postgres_url"`
}

// Defaults per the platform contract.
const (
	DefaultPlatformFeePercent = 2.5
	DefaultBufferPercentage   = 15.0
	DefaultTimeoutMinutes     = 60
	DefaultMinuteLimit        = 20
	DefaultDailyLimit         = 1000
)

// FromEnv builds a Config from the process environment.
func FromEnv() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port: envOr("PORT", "8080"),
			Env:  envOr("PLATFORM_ENV", "test"),
		},
		Fees: FeeConfig{
			PlatformFeePercent: envFloat("PLATFORM_FEE_PERCENT", DefaultPlatformFeePercent),
			FeeWalletID:        os.Getenv("PLATFORM_FEE_WALLET_ID"),
		},
		Escrow: EscrowConfig{
			BufferPercentage: envFloat("ESCROW_BUFFER_PERCENTAGE", DefaultBufferPercentage),
			TimeoutMinutes:   envInt("ESCROW_TIMEOUT_MINUTES", DefaultTimeoutMinutes),
		},
		RateLimit: RateLimitConfig{
			MinuteLimit:      envInt("RATE_LIMIT_MINUTE", DefaultMinuteLimit),
			DailyLimit:       envInt("RATE_LIMIT_DAY", DefaultDailyLimit),
			AdminMinuteLimit: envInt("RATE_LIMIT_ADMIN_MINUTE", DefaultMinuteLimit*10),
			AdminDailyLimit:  envInt("RATE_LIMIT_ADMIN_DAY", DefaultDailyLimit*10),
		},
		Oracle: OracleConfig{
			URL:    os.Getenv("TOKEN_ORACLE_URL"),
			APIKey: os.Getenv("TOKEN_ORACLE_API_KEY"),
		},
		Store: StoreConfig{
			RedisAddr:   os.Getenv("REDIS_ADDR"),
			PostgresURL: os.Getenv("DATABASE_URL"),
		},
	}
	cfg.clamp()
	return cfg
}

// Load builds a Config from the environment and, when path is non-empty,
// applies YAML overrides on top.
func Load(path string) (*Config, error) {
	cfg := FromEnv()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var file Config
	if err := yaml.NewDecoder(f).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.merge(&file)
	cfg.clamp()
	return cfg, nil
}

// merge applies non-zero override fields on top of the receiver.
func (c *Config) merge(o *Config) {
	if o.Server.Port != "" {
		c.Server.Port = o.Server.Port
	}
	if o.Server.Env != "" {
		c.Server.Env = o.Server.Env
	}
	if o.Fees.PlatformFeePercent != 0 {
		c.Fees.PlatformFeePercent = o.Fees.PlatformFeePercent
	}
	if o.Fees.FeeWalletID != "" {
		c.Fees.FeeWalletID = o.Fees.FeeWalletID
	}
	if o.Escrow.BufferPercentage != 0 {
		c.Escrow.BufferPercentage = o.Escrow.BufferPercentage
	}
	if o.Escrow.TimeoutMinutes != 0 {
		c.Escrow.TimeoutMinutes = o.Escrow.TimeoutMinutes
	}
	if o.RateLimit.MinuteLimit != 0 {
		c.RateLimit.MinuteLimit = o.RateLimit.MinuteLimit
	}
	if o.RateLimit.DailyLimit != 0 {
		c.RateLimit.DailyLimit = o.RateLimit.DailyLimit
	}
	if o.RateLimit.AdminMinuteLimit != 0 {
		c.RateLimit.AdminMinuteLimit = o.RateLimit.AdminMinuteLimit
	}
	if o.RateLimit.AdminDailyLimit != 0 {
		c.RateLimit.AdminDailyLimit = o.RateLimit.AdminDailyLimit
	}
	if o.Oracle.URL != "" {
		c.Oracle.URL = o.Oracle.URL
	}
	if o.Oracle.APIKey != "" {
		c.Oracle.APIKey = o.Oracle.APIKey
	}
	if o.Store.RedisAddr != "" {
		c.Store.RedisAddr = o.Store.RedisAddr
	}
	if o.Store.PostgresURL != "" {
		c.Store.PostgresURL = o.Store.PostgresURL
	}
}

// clamp keeps out-of-range values inside the contract. Buffer is capped at
// 50% and the fee can never be negative.
func (c *Config) clamp() {
	if c.Escrow.BufferPercentage < 0 {
		c.Escrow.BufferPercentage = 0
	}
	if c.Escrow.BufferPercentage > 50 {
		c.Escrow.BufferPercentage = 50
	}
	if c.Fees.PlatformFeePercent < 0 {
		c.Fees.PlatformFeePercent = 0
	}
	if c.Escrow.TimeoutMinutes <= 0 {
		c.Escrow.TimeoutMinutes = DefaultTimeoutMinutes
	}
	if c.RateLimit.MinuteLimit <= 0 {
		c.RateLimit.MinuteLimit = DefaultMinuteLimit
	}
	if c.RateLimit.DailyLimit <= 0 {
		c.RateLimit.DailyLimit = DefaultDailyLimit
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
