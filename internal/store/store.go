// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocksim/market-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for display reads.
//
// SettleBuy, SettleSell, Deposit and Withdraw each run as a single
// transaction holding a row-level exclusive lock for the duration of the
// read-then-write sequence, so concurrent operations on the same user
// serialize correctly. Any failure inside rolls back every mutation.
type Store interface {
	// --- Instruments ---

	// CreateInstrument persists a new instrument.
	CreateInstrument(ctx context.Context, inst *model.Instrument) error

	// GetInstrument retrieves an instrument by its ID.
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)

	// GetInstrumentByTicker retrieves an instrument by its ticker symbol.
	GetInstrumentByTicker(ctx context.Context, ticker string) (*model.Instrument, error)

	// ListInstruments returns all instruments.
	ListInstruments(ctx context.Context) ([]model.Instrument, error)

	// UpdateInstrumentTick writes the post-tick price and daily high/low.
	UpdateInstrumentTick(ctx context.Context, id string, price, high, low decimal.Decimal) error

	// ResetDailyStats sets daily_open, day_high and day_low to the current
	// price for every instrument. Called once per simulated-day transition.
	ResetDailyStats(ctx context.Context) error

	// InitDailyBaseline fills in daily_open/day_high/day_low wherever they
	// are missing, without touching instruments that already have them.
	// Called once on process start.
	InitDailyBaseline(ctx context.Context) error

	// --- Wallets ---

	// GetWallet retrieves a user's wallet.
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)

	// Deposit credits a wallet, creating it on first use. Fails with
	// model.ErrLimitExceeded if the resulting balance would exceed maxBalance.
	Deposit(ctx context.Context, userID string, amount, maxBalance decimal.Decimal) (*model.Wallet, error)

	// Withdraw debits a wallet. Fails with model.ErrWalletNotFound or
	// model.ErrInsufficientFunds; the balance never goes negative.
	Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (*model.Wallet, error)

	// --- Settlement (atomic) ---

	// SettleBuy debits price×quantity from the wallet, upserts the position
	// with a weighted-average cost, and appends a BUY ledger entry — all in
	// one transaction.
	SettleBuy(ctx context.Context, userID, instrumentID string, quantity int64, price decimal.Decimal) (*model.LedgerEntry, error)

	// SettleSell decrements the position (deleting it at exactly zero),
	// credits price×quantity to the wallet, and appends a SELL ledger entry
	// — all in one transaction.
	SettleSell(ctx context.Context, userID, instrumentID string, quantity int64, price decimal.Decimal) (*model.LedgerEntry, error)

	// --- Positions & ledger ---

	// GetPosition retrieves one position. Returns (nil, nil) when the user
	// holds no shares of the instrument: absent row means zero quantity.
	GetPosition(ctx context.Context, userID, instrumentID string) (*model.Position, error)

	// GetUserPositions returns all positions for a user.
	GetUserPositions(ctx context.Context, userID string) ([]model.Position, error)

	// GetLedgerEntriesByUser returns a user's trades in commit order.
	GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error)

	// --- Price snapshots ---

	// InsertSnapshot appends one snapshot row. Idempotent: re-inserting the
	// same (instrument, recorded_at) slot is a no-op, not an error.
	InsertSnapshot(ctx context.Context, snap *model.PriceSnapshot) error

	// GetSnapshots returns snapshots for an instrument in the half-open
	// range [from, to), sorted by recorded_at.
	GetSnapshots(ctx context.Context, instrumentID string, from, to time.Time) ([]model.PriceSnapshot, error)

	// --- Settings singleton ---

	// GetSettings reads the settings singleton. A missing row reports
	// model.ErrSettingsNotFound; any other failure is an outage.
	GetSettings(ctx context.Context) (*model.Settings, error)

	// UpdateSettings replaces the settings singleton.
	UpdateSettings(ctx context.Context, s *model.Settings) error

	// SetMarketStatus writes the cached derived market status for display.
	SetMarketStatus(ctx context.Context, status string) error
}

// EnsureSettings guarantees the settings singleton exists, seeding the
// defaults on a fresh database. A missing row is seeded; any other lookup
// failure is returned unchanged so the caller can treat it as an outage.
func EnsureSettings(ctx context.Context, st Store) error {
	_, err := st.GetSettings(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, model.ErrSettingsNotFound) {
		return err
	}

	slog.Info("seeding default market settings")
	return st.UpdateSettings(ctx, model.DefaultSettings())
}
