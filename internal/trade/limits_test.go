package trade_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/stocksim/market-engine/internal/model"
	"github.com/stocksim/market-engine/internal/trade"
)

func TestCheckTxn_WithinCap(t *testing.T) {
	l := trade.NewWalletLimits(decimal.NewFromInt(1000), decimal.NewFromInt(100000))

	if err := l.CheckTxn(decimal.NewFromInt(1000)); err != nil {
		t.Errorf("amount at the cap should pass, got %v", err)
	}
	if err := l.CheckTxn(decimal.NewFromFloat(0.01)); err != nil {
		t.Errorf("small amount should pass, got %v", err)
	}
}

func TestCheckTxn_OverCap(t *testing.T) {
	l := trade.NewWalletLimits(decimal.NewFromInt(1000), decimal.NewFromInt(100000))

	err := l.CheckTxn(decimal.NewFromFloat(1000.01))
	if !errors.Is(err, model.ErrLimitExceeded) {
		t.Errorf("expected ErrLimitExceeded, got %v", err)
	}
}
