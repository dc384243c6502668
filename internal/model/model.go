// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Market statuses.
const (
	StatusOpen   = "OPEN"
	StatusClosed = "CLOSED"
)

// Instrument is a tradable simulated stock with a live price and daily stats.
// Prices are mutated only by the price generator; day_low <= current_price
// <= day_high holds after every tick, and current_price is floored at 0.01.
type Instrument struct {
	ID           string          `json:"id" db:"id"`
	Ticker       string          `json:"ticker" db:"ticker"`
	Name         string          `json:"name" db:"name"`
	CurrentPrice decimal.Decimal `json:"current_price" db:"current_price"`
	Volatility   decimal.Decimal `json:"volatility" db:"volatility"` // σ per trading day
	DailyOpen    decimal.Decimal `json:"daily_open" db:"daily_open"`
	DayHigh      decimal.Decimal `json:"day_high" db:"day_high"`
	DayLow       decimal.Decimal `json:"day_low" db:"day_low"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Wallet holds a user's cash balance. Balance never goes negative; every
// mutation happens inside a store transaction under a row-level lock.
type Wallet struct {
	UserID  string          `json:"user_id" db:"user_id"`
	Balance decimal.Decimal `json:"balance" db:"balance"`
}

// Position is a user's holding in one instrument. Quantity is a non-negative
// share count; a position that reaches zero quantity is deleted, so no
// zero-quantity rows exist. AverageCost is the weighted mean of lifetime
// buy lots.
type Position struct {
	UserID       string          `json:"user_id" db:"user_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	AverageCost  decimal.Decimal `json:"average_cost" db:"average_cost"`
}

// LedgerEntry is an immutable record of a settled trade.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Side         string          `json:"side" db:"side"` // "BUY" or "SELL"
	Quantity     int64           `json:"quantity" db:"quantity"`
	Price        decimal.Decimal `json:"price" db:"price"` // executed price per share
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// PriceSnapshot is an append-only point-in-time price record, one per
// instrument per 5-minute wall-clock slot. Feeds historical charting.
type PriceSnapshot struct {
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Price        decimal.Decimal `json:"price" db:"price"`
	RecordedAt   time.Time       `json:"recorded_at" db:"recorded_at"` // rounded down to the slot boundary
}

// Holiday is one entry of the configured market holiday list.
type Holiday struct {
	Date string `json:"date"` // YYYY-MM-DD in the reference timezone
	Name string `json:"name"`
}

// Settings is the singleton market configuration row. MarketStatus is a
// cached derived value written back by gate evaluations for fast display;
// it is never read back to decide whether trading is allowed.
type Settings struct {
	MarketStatus   string     `json:"market_status"`
	ForceOverride  bool       `json:"force_override"`
	OverrideStatus string     `json:"override_status"` // effective status while ForceOverride is set
	SimulatedClock *time.Time `json:"simulated_clock,omitempty"`
	OpenMinute     int        `json:"open_minute"`  // minute-of-day in the reference timezone
	CloseMinute    int        `json:"close_minute"` // minute-of-day in the reference timezone
	Holidays       []Holiday  `json:"holidays"`
}

// DefaultSettings returns the boot-time market configuration:
// regular hours 09:30–16:00, no override, no simulated clock.
func DefaultSettings() *Settings {
	return &Settings{
		MarketStatus:   StatusClosed,
		ForceOverride:  false,
		OverrideStatus: StatusClosed,
		OpenMinute:     9*60 + 30,
		CloseMinute:    16 * 60,
		Holidays:       []Holiday{},
	}
}

// EffectiveNow returns the simulated clock if one is set, otherwise now,
// both expressed in the given reference timezone.
func (s *Settings) EffectiveNow(now time.Time, loc *time.Location) time.Time {
	if s != nil && s.SimulatedClock != nil {
		return s.SimulatedClock.In(loc)
	}
	return now.In(loc)
}

// PositionView is a position enriched with mark-to-market valuation for
// portfolio display.
type PositionView struct {
	Position
	Ticker        string          `json:"ticker"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Portfolio aggregates all positions for a user with cash and P&L.
type Portfolio struct {
	UserID      string          `json:"user_id"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	Positions   []PositionView  `json:"positions"`
	TotalValue  decimal.Decimal `json:"total_value"` // cash + Σ market value
	TotalPnL    decimal.Decimal `json:"total_pnl"`
}
