package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stocksim/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Expected schema:
//
//	instruments     (id PK, ticker UNIQUE, name, current_price NUMERIC,
//	                 volatility NUMERIC, daily_open NUMERIC NULL,
//	                 day_high NUMERIC NULL, day_low NUMERIC NULL, created_at)
//	wallets         (user_id PK, balance NUMERIC CHECK (balance >= 0))
//	positions       (user_id, instrument_id, quantity BIGINT CHECK (quantity > 0),
//	                 average_cost NUMERIC, PRIMARY KEY (user_id, instrument_id))
//	ledger_entries  (id PK, user_id, instrument_id, side, quantity BIGINT,
//	                 price NUMERIC, timestamp; INDEX (user_id, timestamp))
//	price_snapshots (instrument_id, price NUMERIC, recorded_at,
//	                 PRIMARY KEY (instrument_id, recorded_at))
//	settings        (id PK CHECK (id = 1), data JSONB)
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Instruments ---

func (s *PostgresStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instruments (id, ticker, name, current_price, volatility, daily_open, day_high, day_low, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		inst.ID, inst.Ticker, inst.Name,
		inst.CurrentPrice.String(), inst.Volatility.String(),
		inst.DailyOpen.String(), inst.DayHigh.String(), inst.DayLow.String(),
		inst.CreatedAt,
	)
	return err
}

const instrumentColumns = `id, ticker, name,
        current_price::TEXT, volatility::TEXT,
        COALESCE(daily_open, current_price)::TEXT,
        COALESCE(day_high, current_price)::TEXT,
        COALESCE(day_low, current_price)::TEXT,
        created_at`

func scanInstrument(row pgx.Row) (*model.Instrument, error) {
	var inst model.Instrument
	var price, vol, open, high, low string

	if err := row.Scan(&inst.ID, &inst.Ticker, &inst.Name,
		&price, &vol, &open, &high, &low, &inst.CreatedAt); err != nil {
		return nil, err
	}

	inst.CurrentPrice, _ = decimal.NewFromString(price)
	inst.Volatility, _ = decimal.NewFromString(vol)
	inst.DailyOpen, _ = decimal.NewFromString(open)
	inst.DayHigh, _ = decimal.NewFromString(high)
	inst.DayLow, _ = decimal.NewFromString(low)
	return &inst, nil
}

func (s *PostgresStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	inst, err := scanInstrument(s.pool.QueryRow(ctx,
		`SELECT `+instrumentColumns+` FROM instruments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrInstrumentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get instrument %s: %w", id, err)
	}
	return inst, nil
}

func (s *PostgresStore) GetInstrumentByTicker(ctx context.Context, ticker string) (*model.Instrument, error) {
	inst, err := scanInstrument(s.pool.QueryRow(ctx,
		`SELECT `+instrumentColumns+` FROM instruments WHERE ticker = $1`, ticker))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrInstrumentNotFound, ticker)
	}
	if err != nil {
		return nil, fmt.Errorf("get instrument by ticker %s: %w", ticker, err)
	}
	return inst, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+instrumentColumns+` FROM instruments ORDER BY ticker`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instruments []model.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		instruments = append(instruments, *inst)
	}
	return instruments, rows.Err()
}

func (s *PostgresStore) UpdateInstrumentTick(ctx context.Context, id string, price, high, low decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE instruments
		 SET current_price = $2::NUMERIC, day_high = $3::NUMERIC, day_low = $4::NUMERIC
		 WHERE id = $1`,
		id, price.String(), high.String(), low.String(),
	)
	return err
}

func (s *PostgresStore) ResetDailyStats(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE instruments
		 SET daily_open = current_price, day_high = current_price, day_low = current_price`)
	return err
}

func (s *PostgresStore) InitDailyBaseline(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE instruments
		 SET daily_open = COALESCE(daily_open, current_price),
		     day_high   = COALESCE(day_high, current_price),
		     day_low    = COALESCE(day_low, current_price)`)
	return err
}

// --- Wallets ---

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT FROM wallets WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrWalletNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", userID, err)
	}

	w := &model.Wallet{UserID: userID}
	w.Balance, _ = decimal.NewFromString(balance)
	return w, nil
}

func (s *PostgresStore) Deposit(ctx context.Context, userID string, amount, maxBalance decimal.Decimal) (*model.Wallet, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("deposit: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Ensure the row exists, then lock it for the read-then-write sequence.
	if _, err := tx.Exec(ctx,
		`INSERT INTO wallets (user_id, balance) VALUES ($1, 0)
		 ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return nil, fmt.Errorf("deposit: ensure wallet: %w", err)
	}

	balance, err := lockWallet(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	next := balance.Add(amount)
	if next.GreaterThan(maxBalance) {
		return nil, fmt.Errorf("%w: balance %s would exceed cap %s", model.ErrLimitExceeded, next, maxBalance)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE wallets SET balance = $2::NUMERIC WHERE user_id = $1`,
		userID, next.String()); err != nil {
		return nil, fmt.Errorf("deposit: update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("deposit: commit: %w", err)
	}
	return &model.Wallet{UserID: userID, Balance: next}, nil
}

func (s *PostgresStore) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (*model.Wallet, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("withdraw: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := lockWallet(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(amount) {
		return nil, fmt.Errorf("%w: balance %s < %s", model.ErrInsufficientFunds, balance, amount)
	}

	next := balance.Sub(amount)
	if _, err := tx.Exec(ctx,
		`UPDATE wallets SET balance = $2::NUMERIC WHERE user_id = $1`,
		userID, next.String()); err != nil {
		return nil, fmt.Errorf("withdraw: update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("withdraw: commit: %w", err)
	}
	return &model.Wallet{UserID: userID, Balance: next}, nil
}

// lockWallet reads the balance under FOR UPDATE, serializing concurrent
// mutations of the same wallet for the duration of the transaction.
func lockWallet(ctx context.Context, tx pgx.Tx, userID string) (decimal.Decimal, error) {
	var balance string
	err := tx.QueryRow(ctx,
		`SELECT balance::TEXT FROM wallets WHERE user_id = $1 FOR UPDATE`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: %s", model.ErrWalletNotFound, userID)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("lock wallet %s: %w", userID, err)
	}
	b, _ := decimal.NewFromString(balance)
	return b, nil
}

// --- Settlement ---

func (s *PostgresStore) SettleBuy(ctx context.Context, userID, instrumentID string, quantity int64, price decimal.Decimal) (*model.LedgerEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("settle buy: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := lockWallet(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	total := price.Mul(decimal.NewFromInt(quantity))
	if balance.LessThan(total) {
		return nil, fmt.Errorf("%w: need %s, have %s", model.ErrInsufficientFunds, total, balance)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE wallets SET balance = $2::NUMERIC WHERE user_id = $1`,
		userID, balance.Sub(total).String()); err != nil {
		return nil, fmt.Errorf("settle buy: debit: %w", err)
	}

	// Upsert position with weighted-average cost. SET expressions evaluate
	// against the pre-update row, so quantity and average_cost stay consistent.
	if _, err := tx.Exec(ctx,
		`INSERT INTO positions (user_id, instrument_id, quantity, average_cost)
		 VALUES ($1, $2, $3, $4::NUMERIC)
		 ON CONFLICT (user_id, instrument_id) DO UPDATE SET
		   average_cost = (positions.average_cost * positions.quantity + EXCLUDED.average_cost * EXCLUDED.quantity)
		                  / (positions.quantity + EXCLUDED.quantity),
		   quantity = positions.quantity + EXCLUDED.quantity`,
		userID, instrumentID, quantity, price.String()); err != nil {
		return nil, fmt.Errorf("settle buy: upsert position: %w", err)
	}

	entry := &model.LedgerEntry{
		ID:           uuid.New().String(),
		UserID:       userID,
		InstrumentID: instrumentID,
		Side:         model.SideBuy,
		Quantity:     quantity,
		Price:        price,
		Timestamp:    time.Now().UTC(),
	}
	if err := insertLedgerEntry(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("settle buy: ledger: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("settle buy: commit: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) SettleSell(ctx context.Context, userID, instrumentID string, quantity int64, price decimal.Decimal) (*model.LedgerEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("settle sell: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var held int64
	err = tx.QueryRow(ctx,
		`SELECT quantity FROM positions
		 WHERE user_id = $1 AND instrument_id = $2 FOR UPDATE`,
		userID, instrumentID).Scan(&held)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: have 0, selling %d", model.ErrInsufficientShares, quantity)
	}
	if err != nil {
		return nil, fmt.Errorf("settle sell: lock position: %w", err)
	}
	if held < quantity {
		return nil, fmt.Errorf("%w: have %d, selling %d", model.ErrInsufficientShares, held, quantity)
	}

	if held == quantity {
		// No zero-quantity rows.
		if _, err := tx.Exec(ctx,
			`DELETE FROM positions WHERE user_id = $1 AND instrument_id = $2`,
			userID, instrumentID); err != nil {
			return nil, fmt.Errorf("settle sell: delete position: %w", err)
		}
	} else {
		if _, err := tx.Exec(ctx,
			`UPDATE positions SET quantity = quantity - $3
			 WHERE user_id = $1 AND instrument_id = $2`,
			userID, instrumentID, quantity); err != nil {
			return nil, fmt.Errorf("settle sell: decrement position: %w", err)
		}
	}

	balance, err := lockWallet(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	total := price.Mul(decimal.NewFromInt(quantity))
	if _, err := tx.Exec(ctx,
		`UPDATE wallets SET balance = $2::NUMERIC WHERE user_id = $1`,
		userID, balance.Add(total).String()); err != nil {
		return nil, fmt.Errorf("settle sell: credit: %w", err)
	}

	entry := &model.LedgerEntry{
		ID:           uuid.New().String(),
		UserID:       userID,
		InstrumentID: instrumentID,
		Side:         model.SideSell,
		Quantity:     quantity,
		Price:        price,
		Timestamp:    time.Now().UTC(),
	}
	if err := insertLedgerEntry(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("settle sell: ledger: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("settle sell: commit: %w", err)
	}
	return entry, nil
}

func insertLedgerEntry(ctx context.Context, tx pgx.Tx, e *model.LedgerEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, instrument_id, side, quantity, price, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7)`,
		e.ID, e.UserID, e.InstrumentID, e.Side, e.Quantity, e.Price.String(), e.Timestamp,
	)
	return err
}

// --- Positions & ledger ---

func (s *PostgresStore) GetPosition(ctx context.Context, userID, instrumentID string) (*model.Position, error) {
	var p model.Position
	var avgCost string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, instrument_id, quantity, average_cost::TEXT
		 FROM positions WHERE user_id = $1 AND instrument_id = $2`,
		userID, instrumentID).
		Scan(&p.UserID, &p.InstrumentID, &p.Quantity, &avgCost)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}

	p.AverageCost, _ = decimal.NewFromString(avgCost)
	return &p, nil
}

func (s *PostgresStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, instrument_id, quantity, average_cost::TEXT
		 FROM positions WHERE user_id = $1 ORDER BY instrument_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var avgCost string
		if err := rows.Scan(&p.UserID, &p.InstrumentID, &p.Quantity, &avgCost); err != nil {
			return nil, err
		}
		p.AverageCost, _ = decimal.NewFromString(avgCost)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, instrument_id, side, quantity, price::TEXT, timestamp
		 FROM ledger_entries WHERE user_id = $1 ORDER BY timestamp`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var priceS string
		if err := rows.Scan(&e.ID, &e.UserID, &e.InstrumentID, &e.Side,
			&e.Quantity, &priceS, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Price, _ = decimal.NewFromString(priceS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Price snapshots ---

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap *model.PriceSnapshot) error {
	// Idempotent on the (instrument, slot) primary key: a retry or re-entry
	// into the same slot is a no-op, never an error.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO price_snapshots (instrument_id, price, recorded_at)
		 VALUES ($1, $2::NUMERIC, $3)
		 ON CONFLICT (instrument_id, recorded_at) DO NOTHING`,
		snap.InstrumentID, snap.Price.String(), snap.RecordedAt,
	)
	return err
}

func (s *PostgresStore) GetSnapshots(ctx context.Context, instrumentID string, from, to time.Time) ([]model.PriceSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT instrument_id, price::TEXT, recorded_at
		 FROM price_snapshots
		 WHERE instrument_id = $1 AND recorded_at >= $2 AND recorded_at < $3
		 ORDER BY recorded_at`, instrumentID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []model.PriceSnapshot
	for rows.Next() {
		var snap model.PriceSnapshot
		var priceS string
		if err := rows.Scan(&snap.InstrumentID, &priceS, &snap.RecordedAt); err != nil {
			return nil, err
		}
		snap.Price, _ = decimal.NewFromString(priceS)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// --- Settings ---

func (s *PostgresStore) GetSettings(ctx context.Context) (*model.Settings, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM settings WHERE id = 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no settings row", model.ErrSettingsNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get settings: %v", model.ErrStoreUnavailable, err)
	}

	var settings model.Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return &settings, nil
}

func (s *PostgresStore) UpdateSettings(ctx context.Context, settings *model.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO settings (id, data) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`, data)
	return err
}

func (s *PostgresStore) SetMarketStatus(ctx context.Context, status string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE settings SET data = jsonb_set(data, '{market_status}', to_jsonb($1::TEXT)) WHERE id = 1`,
		status)
	return err
}
