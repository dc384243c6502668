package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stocksim/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. A single mutex serializes every transactional operation,
// which gives the same no-lost-update guarantee the SQL store gets from
// row-level locks.
type MemoryStore struct {
	mu          sync.RWMutex
	instruments map[string]*model.Instrument
	wallets     map[string]*model.Wallet
	positions   map[string]*model.Position // key: userID|instrumentID
	ledger      []model.LedgerEntry
	snapshots   map[string]model.PriceSnapshot // key: instrumentID|slot unix
	settings    *model.Settings

	settingsErr error // testing hook: forces GetSettings to fail
}

// NewMemoryStore creates a new in-memory store seeded with default settings.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instruments: make(map[string]*model.Instrument),
		wallets:     make(map[string]*model.Wallet),
		positions:   make(map[string]*model.Position),
		snapshots:   make(map[string]model.PriceSnapshot),
		settings:    model.DefaultSettings(),
	}
}

// FailSettings makes subsequent GetSettings calls return err. Pass nil to
// restore normal behavior. Testing hook for the gate's fail-open path.
func (s *MemoryStore) FailSettings(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settingsErr = err
}

func posKey(userID, instrumentID string) string {
	return userID + "|" + instrumentID
}

func snapKey(instrumentID string, at time.Time) string {
	return fmt.Sprintf("%s|%d", instrumentID, at.UTC().Unix())
}

// --- Instruments ---

func (s *MemoryStore) CreateInstrument(_ context.Context, inst *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.instruments {
		if existing.Ticker == inst.Ticker {
			return fmt.Errorf("instrument %s already exists", inst.Ticker)
		}
	}

	// Store a copy to avoid external mutation.
	cp := *inst
	s.instruments[inst.ID] = &cp
	return nil
}

func (s *MemoryStore) GetInstrument(_ context.Context, id string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrInstrumentNotFound, id)
	}
	cp := *inst
	return &cp, nil
}

func (s *MemoryStore) GetInstrumentByTicker(_ context.Context, ticker string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inst := range s.instruments {
		if inst.Ticker == ticker {
			cp := *inst
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", model.ErrInstrumentNotFound, ticker)
}

func (s *MemoryStore) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instruments := make([]model.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		instruments = append(instruments, *inst)
	}
	return instruments, nil
}

func (s *MemoryStore) UpdateInstrumentTick(_ context.Context, id string, price, high, low decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instruments[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrInstrumentNotFound, id)
	}
	inst.CurrentPrice = price
	inst.DayHigh = high
	inst.DayLow = low
	return nil
}

func (s *MemoryStore) ResetDailyStats(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, inst := range s.instruments {
		inst.DailyOpen = inst.CurrentPrice
		inst.DayHigh = inst.CurrentPrice
		inst.DayLow = inst.CurrentPrice
	}
	return nil
}

func (s *MemoryStore) InitDailyBaseline(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, inst := range s.instruments {
		if inst.DailyOpen.IsZero() {
			inst.DailyOpen = inst.CurrentPrice
		}
		if inst.DayHigh.IsZero() {
			inst.DayHigh = inst.CurrentPrice
		}
		if inst.DayLow.IsZero() {
			inst.DayLow = inst.CurrentPrice
		}
	}
	return nil
}

// --- Wallets ---

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrWalletNotFound, userID)
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) Deposit(_ context.Context, userID string, amount, maxBalance decimal.Decimal) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := decimal.Zero
	if w, ok := s.wallets[userID]; ok {
		current = w.Balance
	}

	next := current.Add(amount)
	if next.GreaterThan(maxBalance) {
		return nil, fmt.Errorf("%w: balance %s would exceed cap %s", model.ErrLimitExceeded, next, maxBalance)
	}

	w, ok := s.wallets[userID]
	if !ok {
		w = &model.Wallet{UserID: userID}
		s.wallets[userID] = w
	}
	w.Balance = next

	cp := *w
	return &cp, nil
}

func (s *MemoryStore) Withdraw(_ context.Context, userID string, amount decimal.Decimal) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrWalletNotFound, userID)
	}
	if w.Balance.LessThan(amount) {
		return nil, fmt.Errorf("%w: balance %s < %s", model.ErrInsufficientFunds, w.Balance, amount)
	}
	w.Balance = w.Balance.Sub(amount)

	cp := *w
	return &cp, nil
}

// --- Settlement ---

// SettleBuy runs all checks before any mutation, so a failure leaves the
// store untouched — same all-or-nothing contract as the SQL transaction.
func (s *MemoryStore) SettleBuy(_ context.Context, userID, instrumentID string, quantity int64, price decimal.Decimal) (*model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrWalletNotFound, userID)
	}

	qty := decimal.NewFromInt(quantity)
	total := price.Mul(qty)
	if w.Balance.LessThan(total) {
		return nil, fmt.Errorf("%w: need %s, have %s", model.ErrInsufficientFunds, total, w.Balance)
	}

	w.Balance = w.Balance.Sub(total)

	key := posKey(userID, instrumentID)
	if pos, ok := s.positions[key]; ok {
		oldQty := decimal.NewFromInt(pos.Quantity)
		newQty := pos.Quantity + quantity
		// Weighted mean of lifetime buy lots.
		pos.AverageCost = pos.AverageCost.Mul(oldQty).Add(total).Div(decimal.NewFromInt(newQty))
		pos.Quantity = newQty
	} else {
		s.positions[key] = &model.Position{
			UserID:       userID,
			InstrumentID: instrumentID,
			Quantity:     quantity,
			AverageCost:  price,
		}
	}

	entry := model.LedgerEntry{
		ID:           uuid.New().String(),
		UserID:       userID,
		InstrumentID: instrumentID,
		Side:         model.SideBuy,
		Quantity:     quantity,
		Price:        price,
		Timestamp:    time.Now().UTC(),
	}
	s.ledger = append(s.ledger, entry)
	return &entry, nil
}

func (s *MemoryStore) SettleSell(_ context.Context, userID, instrumentID string, quantity int64, price decimal.Decimal) (*model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := posKey(userID, instrumentID)
	pos, ok := s.positions[key]
	if !ok || pos.Quantity < quantity {
		held := int64(0)
		if ok {
			held = pos.Quantity
		}
		return nil, fmt.Errorf("%w: have %d, selling %d", model.ErrInsufficientShares, held, quantity)
	}

	w, ok := s.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrWalletNotFound, userID)
	}

	pos.Quantity -= quantity
	if pos.Quantity == 0 {
		// No zero-quantity rows.
		delete(s.positions, key)
	}

	total := price.Mul(decimal.NewFromInt(quantity))
	w.Balance = w.Balance.Add(total)

	entry := model.LedgerEntry{
		ID:           uuid.New().String(),
		UserID:       userID,
		InstrumentID: instrumentID,
		Side:         model.SideSell,
		Quantity:     quantity,
		Price:        price,
		Timestamp:    time.Now().UTC(),
	}
	s.ledger = append(s.ledger, entry)
	return &entry, nil
}

// --- Positions & ledger ---

func (s *MemoryStore) GetPosition(_ context.Context, userID, instrumentID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[posKey(userID, instrumentID)]
	if !ok {
		return nil, nil
	}
	cp := *pos
	return &cp, nil
}

func (s *MemoryStore) GetUserPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, pos := range s.positions {
		if pos.UserID == userID {
			positions = append(positions, *pos)
		}
	}
	return positions, nil
}

func (s *MemoryStore) GetLedgerEntriesByUser(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

// --- Price snapshots ---

func (s *MemoryStore) InsertSnapshot(_ context.Context, snap *model.PriceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := snapKey(snap.InstrumentID, snap.RecordedAt)
	if _, exists := s.snapshots[key]; exists {
		return nil // duplicate slot, keep the first row
	}
	s.snapshots[key] = *snap
	return nil
}

func (s *MemoryStore) GetSnapshots(_ context.Context, instrumentID string, from, to time.Time) ([]model.PriceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PriceSnapshot
	for _, snap := range s.snapshots {
		if snap.InstrumentID != instrumentID {
			continue
		}
		// Half-open [from, to), matching the seeding granularity.
		if snap.RecordedAt.Before(from) || !snap.RecordedAt.Before(to) {
			continue
		}
		result = append(result, snap)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].RecordedAt.Before(result[j].RecordedAt)
	})
	return result, nil
}

// --- Settings ---

func (s *MemoryStore) GetSettings(_ context.Context) (*model.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.settingsErr != nil {
		return nil, s.settingsErr
	}
	cp := *s.settings
	cp.Holidays = append([]model.Holiday(nil), s.settings.Holidays...)
	return &cp, nil
}

func (s *MemoryStore) UpdateSettings(_ context.Context, settings *model.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *settings
	cp.Holidays = append([]model.Holiday(nil), settings.Holidays...)
	s.settings = &cp
	return nil
}

func (s *MemoryStore) SetMarketStatus(_ context.Context, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settingsErr != nil {
		return s.settingsErr
	}
	s.settings.MarketStatus = status
	return nil
}
