package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stocksim/market-engine/internal/market"
	"github.com/stocksim/market-engine/internal/metrics"
	"github.com/stocksim/market-engine/internal/model"
	"github.com/stocksim/market-engine/internal/store"
	"github.com/stocksim/market-engine/internal/symbol"
)

// settleTimeout bounds the settlement transaction of a matured intent,
// which runs detached from any request context.
const settleTimeout = 10 * time.Second

// Service handles trading operations: submission to the deferred queue,
// cancellation, settlement at maturity, wallet mutations, and the read
// endpoints for instruments, portfolios and history.
type Service struct {
	store  store.Store
	gate   *market.Gate
	gen    *market.Generator
	limits *WalletLimits
	hub    *WSHub // optional WebSocket hub for real-time broadcasts
	queue  *Queue
}

// NewService creates a trade service and its deferred queue. Pass nil for
// hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, gate *market.Gate, gen *market.Generator, limits *WalletLimits, hub *WSHub, delay time.Duration) *Service {
	s := &Service{
		store:  st,
		gate:   gate,
		gen:    gen,
		limits: limits,
		hub:    hub,
	}
	s.queue = NewQueue(delay, s)
	return s
}

// Queue exposes the deferred queue for shutdown handling.
func (s *Service) Queue() *Queue {
	return s.queue
}

// --- Request/Response types ---

// SubmitTradeRequest is the JSON body for POST /trades.
type SubmitTradeRequest struct {
	UserID       string `json:"user_id"`
	InstrumentID string `json:"instrument_id"`
	Side         string `json:"side"` // "BUY" or "SELL"
	Quantity     int64  `json:"quantity"`
}

// SubmitTradeResponse acknowledges admission to the deferred queue. The
// quoted price is advisory: settlement re-reads the price at maturity.
type SubmitTradeResponse struct {
	IntentID    string          `json:"intent_id"`
	QuotedPrice decimal.Decimal `json:"quoted_price"`
	Deadline    time.Time       `json:"deadline"`
}

// CancelTradeResponse is the JSON body returned from cancel requests.
type CancelTradeResponse struct {
	Cancelled bool   `json:"cancelled"`
	Message   string `json:"message,omitempty"`
}

// AmountRequest is the JSON body for deposit/withdraw.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// CreateInstrumentRequest is the JSON body for instrument creation.
type CreateInstrumentRequest struct {
	Ticker     string          `json:"ticker"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	Volatility decimal.Decimal `json:"volatility"` // σ per trading day
}

// OverrideRequest is the JSON body for the administrator market override.
type OverrideRequest struct {
	Forced bool   `json:"forced"`
	Status string `json:"status"` // effective status while forced
}

// ClockRequest sets or clears the simulated clock.
type ClockRequest struct {
	SimulatedClock *time.Time `json:"simulated_clock"` // null clears
}

// SeedHistoryRequest is the JSON body for administrative history seeding.
type SeedHistoryRequest struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// --- Settlement ---

// settle commits one trade at the instrument's price at this instant. The
// gate is consulted first; no balance is touched when the market is closed.
func (s *Service) settle(ctx context.Context, userID, instrumentID, side string, quantity int64) (*model.LedgerEntry, error) {
	if d := s.gate.Check(ctx); !d.Allowed {
		return nil, errorf(model.ErrMarketClosed, d.Reason)
	}

	inst, err := s.store.GetInstrument(ctx, instrumentID)
	if err != nil {
		return nil, err
	}

	// Executed price is authoritative; whatever was quoted at submission
	// is not consulted here.
	price := inst.CurrentPrice

	var entry *model.LedgerEntry
	if side == model.SideBuy {
		entry, err = s.store.SettleBuy(ctx, userID, instrumentID, quantity, price)
	} else {
		entry, err = s.store.SettleSell(ctx, userID, instrumentID, quantity, price)
	}
	if err != nil {
		metrics.TradeFailuresTotal.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(side).Inc()
	return entry, nil
}

// SettleMatured implements Settler: called by the queue when an intent's
// deadline passes without cancellation. The outcome goes out via the
// WebSocket hub and the log — the submitter is no longer waiting.
func (s *Service) SettleMatured(intent *Intent) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	entry, err := s.settle(ctx, intent.UserID, intent.InstrumentID, intent.Side, intent.Quantity)
	if err != nil {
		slog.Warn("deferred trade failed",
			"intent_id", intent.ID,
			"user", intent.UserID,
			"side", intent.Side,
			"err", err,
		)
		if s.hub != nil {
			s.hub.Broadcast(WSMessage{
				Type:         "trade_failed",
				IntentID:     intent.ID,
				UserID:       intent.UserID,
				InstrumentID: intent.InstrumentID,
				Side:         intent.Side,
				Quantity:     intent.Quantity,
				Reason:       err.Error(),
			})
		}
		return
	}

	slog.Info("deferred trade settled",
		"intent_id", intent.ID,
		"trade_id", entry.ID,
		"user", intent.UserID,
		"side", intent.Side,
		"qty", intent.Quantity,
		"quoted", intent.QuotedPrice.String(),
		"executed", entry.Price.String(),
	)
	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:         "trade_settled",
			IntentID:     intent.ID,
			UserID:       intent.UserID,
			InstrumentID: intent.InstrumentID,
			Side:         intent.Side,
			Quantity:     intent.Quantity,
			Price:        entry.Price.String(),
		})
	}
}

// --- Trading handlers ---

// SubmitTrade handles POST /api/v1/trades. Admits the intent to the
// deferred queue; the gate check here is a pre-check only — the binding
// check happens again at maturity.
func (s *Service) SubmitTrade(w http.ResponseWriter, r *http.Request) {
	var req SubmitTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
		return
	}
	if req.Quantity <= 0 {
		writeError(w, "quantity must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	inst, err := s.store.GetInstrument(ctx, req.InstrumentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if d := s.gate.Check(ctx); !d.Allowed {
		writeDomainError(w, errorf(model.ErrMarketClosed, d.Reason))
		return
	}

	intent := s.queue.Submit(req.UserID, req.InstrumentID, req.Side, req.Quantity, inst.CurrentPrice)

	slog.Info("trade submitted",
		"intent_id", intent.ID,
		"user", req.UserID,
		"ticker", inst.Ticker,
		"side", req.Side,
		"qty", req.Quantity,
		"quoted", inst.CurrentPrice.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(SubmitTradeResponse{
		IntentID:    intent.ID,
		QuotedPrice: intent.QuotedPrice,
		Deadline:    intent.Deadline,
	})
}

// CancelTrade handles DELETE /api/v1/trades/{intentID}.
func (s *Service) CancelTrade(w http.ResponseWriter, r *http.Request) {
	intentID := chi.URLParam(r, "intentID")

	resp := CancelTradeResponse{Cancelled: s.queue.Cancel(intentID)}
	if !resp.Cancelled {
		resp.Message = "too late: trade already executed or unknown intent"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetMarketStatus handles GET /api/v1/market/status — a pure read of the gate.
func (s *Service) GetMarketStatus(w http.ResponseWriter, r *http.Request) {
	d := s.gate.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(d)
}

// --- Wallet handlers ---

// Deposit handles POST /api/v1/wallets/{userID}/deposit. Bypasses the
// trade queue and the gate; subject to the per-transaction and total
// balance caps.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	if err := s.limits.CheckTxn(req.Amount); err != nil {
		writeDomainError(w, err)
		return
	}

	wallet, err := s.store.Deposit(r.Context(), userID, req.Amount, s.limits.MaxBalance)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	metrics.WalletOpsTotal.WithLabelValues("deposit").Inc()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wallet)
}

// Withdraw handles POST /api/v1/wallets/{userID}/withdraw.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	if err := s.limits.CheckTxn(req.Amount); err != nil {
		writeDomainError(w, err)
		return
	}

	wallet, err := s.store.Withdraw(r.Context(), userID, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	metrics.WalletOpsTotal.WithLabelValues("withdraw").Inc()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wallet)
}

// GetWallet handles GET /api/v1/wallets/{userID}.
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.store.GetWallet(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wallet)
}

// --- Instrument handlers ---

// CreateInstrument handles POST /api/v1/instruments.
func (s *Service) CreateInstrument(w http.ResponseWriter, r *http.Request) {
	var req CreateInstrumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ticker := symbol.Normalize(req.Ticker)
	if err := symbol.Validate(ticker); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Price.LessThan(market.MinPrice) {
		writeError(w, "price must be at least 0.01", http.StatusBadRequest)
		return
	}
	if req.Volatility.LessThanOrEqual(decimal.Zero) {
		writeError(w, "volatility must be positive", http.StatusBadRequest)
		return
	}

	price := req.Price.Round(market.PriceScale)
	inst := &model.Instrument{
		ID:           uuid.New().String(),
		Ticker:       ticker,
		Name:         req.Name,
		CurrentPrice: price,
		Volatility:   req.Volatility,
		DailyOpen:    price,
		DayHigh:      price,
		DayLow:       price,
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.store.CreateInstrument(r.Context(), inst); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("instrument created", "id", inst.ID, "ticker", ticker, "price", price.String())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(inst)
}

// ListInstruments handles GET /api/v1/instruments.
func (s *Service) ListInstruments(w http.ResponseWriter, r *http.Request) {
	instruments, err := s.store.ListInstruments(r.Context())
	if err != nil {
		writeError(w, "failed to list instruments", http.StatusInternalServerError)
		return
	}
	if instruments == nil {
		instruments = []model.Instrument{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(instruments)
}

// GetInstrument handles GET /api/v1/instruments/{instrumentID} — the live
// snapshot: current price plus daily open/high/low.
func (s *Service) GetInstrument(w http.ResponseWriter, r *http.Request) {
	inst, err := s.store.GetInstrument(r.Context(), chi.URLParam(r, "instrumentID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(inst)
}

// GetInstrumentByTicker handles GET /api/v1/instruments/ticker/{ticker}.
func (s *Service) GetInstrumentByTicker(w http.ResponseWriter, r *http.Request) {
	ticker := symbol.Normalize(chi.URLParam(r, "ticker"))
	if err := symbol.Validate(ticker); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	inst, err := s.store.GetInstrumentByTicker(r.Context(), ticker)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(inst)
}

// GetHistory handles GET /api/v1/instruments/{instrumentID}/history.
// Optional from/to query parameters in RFC 3339; defaults to the last 24h.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	instrumentID := chi.URLParam(r, "instrumentID")

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "invalid from: "+err.Error(), http.StatusBadRequest)
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "invalid to: "+err.Error(), http.StatusBadRequest)
			return
		}
		to = t
	}

	snaps, err := s.store.GetSnapshots(r.Context(), instrumentID, from, to)
	if err != nil {
		writeError(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	if snaps == nil {
		snaps = []model.PriceSnapshot{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snaps)
}

// --- Portfolio & ledger handlers ---

// GetPortfolio handles GET /api/v1/portfolio/{userID}: cash plus all
// positions marked to the current instrument prices.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	cash := decimal.Zero
	if wallet, err := s.store.GetWallet(ctx, userID); err == nil {
		cash = wallet.Balance
	} else if !errors.Is(err, model.ErrWalletNotFound) {
		writeError(w, "failed to load wallet", http.StatusInternalServerError)
		return
	}

	positions, err := s.store.GetUserPositions(ctx, userID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}

	views := make([]model.PositionView, 0, len(positions))
	totalValue := cash
	totalPnL := decimal.Zero

	for _, p := range positions {
		view := model.PositionView{Position: p}
		if inst, err := s.store.GetInstrument(ctx, p.InstrumentID); err == nil {
			qty := decimal.NewFromInt(p.Quantity)
			view.Ticker = inst.Ticker
			view.CurrentPrice = inst.CurrentPrice
			view.MarketValue = inst.CurrentPrice.Mul(qty)
			view.UnrealizedPnL = inst.CurrentPrice.Sub(p.AverageCost).Mul(qty)
		}
		totalValue = totalValue.Add(view.MarketValue)
		totalPnL = totalPnL.Add(view.UnrealizedPnL)
		views = append(views, view)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(model.Portfolio{
		UserID:      userID,
		CashBalance: cash,
		Positions:   views,
		TotalValue:  totalValue,
		TotalPnL:    totalPnL,
	})
}

// GetTrades handles GET /api/v1/users/{userID}/trades — the user's ledger
// in commit order.
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.GetLedgerEntriesByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// --- Admin handlers ---

// SetOverride handles POST /api/v1/admin/market/override.
func (s *Service) SetOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Forced && req.Status != model.StatusOpen && req.Status != model.StatusClosed {
		writeError(w, "status must be OPEN or CLOSED", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	settings.ForceOverride = req.Forced
	if req.Forced {
		settings.OverrideStatus = req.Status
	}
	if err := s.store.UpdateSettings(ctx, settings); err != nil {
		writeError(w, "failed to update settings", http.StatusInternalServerError)
		return
	}

	slog.Info("market override updated", "forced", req.Forced, "status", req.Status)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.gate.Check(ctx))
}

// SetClock handles POST /api/v1/admin/market/clock. A null simulated_clock
// restores wall-clock time.
func (s *Service) SetClock(w http.ResponseWriter, r *http.Request) {
	var req ClockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	settings, err := s.store.GetSettings(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	settings.SimulatedClock = req.SimulatedClock
	if err := s.store.UpdateSettings(ctx, settings); err != nil {
		writeError(w, "failed to update settings", http.StatusInternalServerError)
		return
	}

	slog.Info("simulated clock updated", "clock", req.SimulatedClock)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.gate.Check(ctx))
}

// SeedHistory handles POST /api/v1/admin/history/seed — bulk snapshot
// backfill over a past date range.
func (s *Service) SeedHistory(w http.ResponseWriter, r *http.Request) {
	var req SeedHistoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	written, err := s.gen.SeedHistory(r.Context(), req.From, req.To)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"rows": written})
}

// --- Error helpers ---

// errorf wraps a sentinel with a human-readable reason.
func errorf(sentinel error, reason string) error {
	return &domainError{kind: sentinel, reason: reason}
}

type domainError struct {
	kind   error
	reason string
}

func (e *domainError) Error() string { return e.kind.Error() + ": " + e.reason }
func (e *domainError) Unwrap() error { return e.kind }

// failureReason maps a settlement error to its machine-checkable kind for
// metrics labels.
func failureReason(err error) string {
	for _, sentinel := range []error{
		model.ErrInsufficientFunds,
		model.ErrInsufficientShares,
		model.ErrMarketClosed,
		model.ErrInstrumentNotFound,
		model.ErrWalletNotFound,
		model.ErrLimitExceeded,
		model.ErrStoreUnavailable,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "internal"
}

// writeDomainError maps sentinel errors to HTTP status codes. The body
// carries both the machine-checkable kind and the human-readable reason.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrInstrumentNotFound),
		errors.Is(err, model.ErrWalletNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrInsufficientShares),
		errors.Is(err, model.ErrMarketClosed),
		errors.Is(err, model.ErrLimitExceeded):
		status = http.StatusConflict
	case errors.Is(err, model.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":  failureReason(err),
		"reason": err.Error(),
	})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
