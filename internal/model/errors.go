package model

import "errors"

// Sentinel errors for domain-level failure handling. The handler layer maps
// these to HTTP status codes; callers test with errors.Is.
var (
	ErrInsufficientFunds  = errors.New("insufficient_funds")
	ErrInsufficientShares = errors.New("insufficient_shares")
	ErrMarketClosed       = errors.New("market_closed")
	ErrInstrumentNotFound = errors.New("instrument_not_found")
	ErrWalletNotFound     = errors.New("wallet_not_found")
	ErrLimitExceeded      = errors.New("limit_exceeded")
	ErrStoreUnavailable   = errors.New("store_unavailable")

	// ErrSettingsNotFound marks a missing settings singleton row — a fresh
	// database, not an outage. Callers seed defaults instead of failing.
	ErrSettingsNotFound = errors.New("settings_not_found")
)
