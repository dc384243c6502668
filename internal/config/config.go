// Package config loads runtime configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all runtime configuration for the market engine.
type Config struct {
	Port            string
	TickInterval    time.Duration
	TradeDelay      time.Duration // deferred-queue cancellation window
	MaxTxnAmount    decimal.Decimal
	MaxBalance      decimal.Decimal
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	tickInterval, err := getDuration("TICK_INTERVAL", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid TICK_INTERVAL: %w", err)
	}
	if tickInterval <= 0 {
		return nil, fmt.Errorf("TICK_INTERVAL must be positive, got %s", tickInterval)
	}

	tradeDelay, err := getDuration("TRADE_DELAY", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid TRADE_DELAY: %w", err)
	}
	if tradeDelay <= 0 {
		return nil, fmt.Errorf("TRADE_DELAY must be positive, got %s", tradeDelay)
	}

	maxTxn, err := getDecimal("MAX_TXN_AMOUNT", "100000")
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_TXN_AMOUNT: %w", err)
	}

	maxBalance, err := getDecimal("MAX_BALANCE", "10000000")
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_BALANCE: %w", err)
	}

	readTimeout, err := getDuration("READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}

	writeTimeout, err := getDuration("WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}

	idleTimeout, err := getDuration("IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return &Config{
		Port:            getStr("PORT", "8080"),
		TickInterval:    tickInterval,
		TradeDelay:      tradeDelay,
		MaxTxnAmount:    maxTxn,
		MaxBalance:      maxBalance,
		ReadTimeout:     readTimeout,
		WriteTimeout:    writeTimeout,
		IdleTimeout:     idleTimeout,
		ShutdownTimeout: shutdownTimeout,
	}, nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func getDecimal(key, defaultVal string) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		v = defaultVal
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, err
	}
	if d.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("must be positive, got %s", d)
	}
	return d, nil
}
