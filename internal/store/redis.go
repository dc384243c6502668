package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/stocksim/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for hot display reads: instruments and the settings singleton.
// Writes go to the primary store and invalidate the cache; transactional
// operations (settlement, wallet mutations) always pass straight through.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Instruments (read-through, invalidated on tick) ---

func (s *CachedStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	if err := s.primary.CreateInstrument(ctx, inst); err != nil {
		return err
	}
	s.cacheInstrument(ctx, inst)
	return nil
}

func (s *CachedStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	data, err := s.rdb.Get(ctx, instrumentKey(id)).Bytes()
	if err == nil {
		var inst model.Instrument
		if json.Unmarshal(data, &inst) == nil {
			return &inst, nil
		}
	}

	inst, err := s.primary.GetInstrument(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheInstrument(ctx, inst)
	return inst, nil
}

func (s *CachedStore) GetInstrumentByTicker(ctx context.Context, ticker string) (*model.Instrument, error) {
	// Cache via ticker→id mapping.
	id, err := s.rdb.Get(ctx, tickerKey(ticker)).Result()
	if err == nil {
		return s.GetInstrument(ctx, id)
	}

	inst, err := s.primary.GetInstrumentByTicker(ctx, ticker)
	if err != nil {
		return nil, err
	}
	s.cacheInstrument(ctx, inst)
	s.rdb.Set(ctx, tickerKey(ticker), inst.ID, s.ttl)
	return inst, nil
}

func (s *CachedStore) UpdateInstrumentTick(ctx context.Context, id string, price, high, low decimal.Decimal) error {
	if err := s.primary.UpdateInstrumentTick(ctx, id, price, high, low); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, instrumentKey(id))
	return nil
}

func (s *CachedStore) ResetDailyStats(ctx context.Context) error {
	if err := s.primary.ResetDailyStats(ctx); err != nil {
		return err
	}
	s.invalidateInstruments(ctx)
	return nil
}

func (s *CachedStore) InitDailyBaseline(ctx context.Context) error {
	if err := s.primary.InitDailyBaseline(ctx); err != nil {
		return err
	}
	s.invalidateInstruments(ctx)
	return nil
}

// --- Settings (read-through, short TTL) ---

func (s *CachedStore) GetSettings(ctx context.Context) (*model.Settings, error) {
	data, err := s.rdb.Get(ctx, settingsKey()).Bytes()
	if err == nil {
		var settings model.Settings
		if json.Unmarshal(data, &settings) == nil {
			return &settings, nil
		}
	}

	settings, err := s.primary.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(settings); err == nil {
		s.rdb.Set(ctx, settingsKey(), data, s.ttl)
	}
	return settings, nil
}

func (s *CachedStore) UpdateSettings(ctx context.Context, settings *model.Settings) error {
	if err := s.primary.UpdateSettings(ctx, settings); err != nil {
		return err
	}
	s.rdb.Del(ctx, settingsKey())
	return nil
}

func (s *CachedStore) SetMarketStatus(ctx context.Context, status string) error {
	if err := s.primary.SetMarketStatus(ctx, status); err != nil {
		return err
	}
	s.rdb.Del(ctx, settingsKey())
	return nil
}

// --- Passthrough (transactional or uncached) ---

func (s *CachedStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	return s.primary.ListInstruments(ctx)
}

func (s *CachedStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return s.primary.GetWallet(ctx, userID)
}

func (s *CachedStore) Deposit(ctx context.Context, userID string, amount, maxBalance decimal.Decimal) (*model.Wallet, error) {
	return s.primary.Deposit(ctx, userID, amount, maxBalance)
}

func (s *CachedStore) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (*model.Wallet, error) {
	return s.primary.Withdraw(ctx, userID, amount)
}

func (s *CachedStore) SettleBuy(ctx context.Context, userID, instrumentID string, quantity int64, price decimal.Decimal) (*model.LedgerEntry, error) {
	return s.primary.SettleBuy(ctx, userID, instrumentID, quantity, price)
}

func (s *CachedStore) SettleSell(ctx context.Context, userID, instrumentID string, quantity int64, price decimal.Decimal) (*model.LedgerEntry, error) {
	return s.primary.SettleSell(ctx, userID, instrumentID, quantity, price)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, instrumentID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, instrumentID)
}

func (s *CachedStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.primary.GetUserPositions(ctx, userID)
}

func (s *CachedStore) GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByUser(ctx, userID)
}

func (s *CachedStore) InsertSnapshot(ctx context.Context, snap *model.PriceSnapshot) error {
	return s.primary.InsertSnapshot(ctx, snap)
}

func (s *CachedStore) GetSnapshots(ctx context.Context, instrumentID string, from, to time.Time) ([]model.PriceSnapshot, error) {
	return s.primary.GetSnapshots(ctx, instrumentID, from, to)
}

// --- Cache helpers ---

func (s *CachedStore) cacheInstrument(ctx context.Context, inst *model.Instrument) {
	if data, err := json.Marshal(inst); err == nil {
		s.rdb.Set(ctx, instrumentKey(inst.ID), data, s.ttl)
	}
}

func (s *CachedStore) invalidateInstruments(ctx context.Context) {
	iter := s.rdb.Scan(ctx, 0, "instrument:*", 0).Iterator()
	for iter.Next(ctx) {
		s.rdb.Del(ctx, iter.Val())
	}
}

func instrumentKey(id string) string { return fmt.Sprintf("instrument:%s", id) }
func tickerKey(ticker string) string { return fmt.Sprintf("ticker:%s", ticker) }
func settingsKey() string            { return "settings" }
