// Package config holds the runtime configuration, loaded from environment
// variables with an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full server configuration.
type Config struct {
	// Port is the HTTP listen port.
	Port string

	// DatabaseURL enables the PostgreSQL store when set.
	DatabaseURL string

	// RedisURL enables the Redis store when set and DatabaseURL is not.
	RedisURL string

	// ChallengePeriod is how long a resolution proposal stays open to
	// dispute before it auto-finalizes.
	ChallengePeriod time.Duration

	// MaxTradeQty caps the share quantity of a single order or AMM buy.
	// Zero disables the cap.
	MaxTradeQty int64

	// MaxEventExposure caps a user's total shares in one event. Zero
	// disables the cap.
	MaxEventExposure int64

	// PriceRetain bounds the per-event price history length.
	PriceRetain int64

	// LockWait bounds how long a named-lock acquisition may wait before
	// failing as contended.
	LockWait time.Duration
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Port:            "8080",
		ChallengePeriod: 24 * time.Hour,
		MaxTradeQty:     10000,
		PriceRetain:     1000,
		LockWait:        2 * time.Second,
	}
}

// Load reads configuration from the environment, merging over the defaults.
// A .env file in the working directory is loaded first if present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	setStr(&cfg.Port, "PORT")
	setStr(&cfg.DatabaseURL, "DATABASE_URL")
	setStr(&cfg.RedisURL, "REDIS_URL")
	if err := setDur(&cfg.ChallengePeriod, "CHALLENGE_PERIOD"); err != nil {
		return cfg, err
	}
	if err := setInt(&cfg.MaxTradeQty, "MAX_TRADE_QTY"); err != nil {
		return cfg, err
	}
	if err := setInt(&cfg.MaxEventExposure, "MAX_EVENT_EXPOSURE"); err != nil {
		return cfg, err
	}
	if err := setInt(&cfg.PriceRetain, "PRICE_RETAIN"); err != nil {
		return cfg, err
	}
	if err := setDur(&cfg.LockWait, "LOCK_WAIT"); err != nil {
		return cfg, err
	}

	if cfg.ChallengePeriod <= 0 {
		return cfg, fmt.Errorf("config: CHALLENGE_PERIOD must be positive")
	}
	if cfg.PriceRetain <= 0 {
		return cfg, fmt.Errorf("config: PRICE_RETAIN must be positive")
	}
	return cfg, nil
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDur(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}
