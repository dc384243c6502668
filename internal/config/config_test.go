package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.TickInterval != 10*time.Second {
		t.Errorf("expected default tick interval 10s, got %s", cfg.TickInterval)
	}
	if cfg.TradeDelay != 60*time.Second {
		t.Errorf("expected default trade delay 60s, got %s", cfg.TradeDelay)
	}
	if !cfg.MaxTxnAmount.Equal(mustDecimal(t, "100000")) {
		t.Errorf("expected default max txn 100000, got %s", cfg.MaxTxnAmount)
	}
	if !cfg.MaxBalance.Equal(mustDecimal(t, "10000000")) {
		t.Errorf("expected default max balance 10000000, got %s", cfg.MaxBalance)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("TICK_INTERVAL", "5s")
	t.Setenv("TRADE_DELAY", "30s")
	t.Setenv("MAX_TXN_AMOUNT", "500")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Port)
	}
	if cfg.TickInterval != 5*time.Second {
		t.Errorf("expected tick interval 5s, got %s", cfg.TickInterval)
	}
	if cfg.TradeDelay != 30*time.Second {
		t.Errorf("expected trade delay 30s, got %s", cfg.TradeDelay)
	}
	if !cfg.MaxTxnAmount.Equal(mustDecimal(t, "500")) {
		t.Errorf("expected max txn 500, got %s", cfg.MaxTxnAmount)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("TICK_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid TICK_INTERVAL")
	}
}

func TestLoad_NonPositiveDelay(t *testing.T) {
	t.Setenv("TRADE_DELAY", "-1s")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for negative TRADE_DELAY")
	}
}

func TestLoad_NonPositiveDecimal(t *testing.T) {
	t.Setenv("MAX_BALANCE", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero MAX_BALANCE")
	}
}
