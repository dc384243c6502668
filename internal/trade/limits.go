package trade

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/stocksim/market-engine/internal/model"
)

// WalletLimits enforces the caps on direct wallet mutations: a maximum
// single-transaction amount and a maximum total balance. The balance cap is
// re-checked inside the store transaction under the wallet lock; the checks
// here reject obviously over-limit requests before touching the store.
type WalletLimits struct {
	// MaxTxnAmount is the largest single deposit or withdrawal.
	MaxTxnAmount decimal.Decimal

	// MaxBalance is the ceiling a deposit may bring a wallet up to.
	MaxBalance decimal.Decimal
}

// NewWalletLimits creates a limiter with the given caps.
func NewWalletLimits(maxTxnAmount, maxBalance decimal.Decimal) *WalletLimits {
	return &WalletLimits{
		MaxTxnAmount: maxTxnAmount,
		MaxBalance:   maxBalance,
	}
}

// CheckTxn validates a single deposit/withdraw amount against the
// per-transaction cap.
func (l *WalletLimits) CheckTxn(amount decimal.Decimal) error {
	if amount.GreaterThan(l.MaxTxnAmount) {
		return fmt.Errorf("%w: amount %s exceeds per-transaction cap %s",
			model.ErrLimitExceeded, amount, l.MaxTxnAmount)
	}
	return nil
}
