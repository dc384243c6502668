package market

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/stocksim/market-engine/internal/metrics"
	"github.com/stocksim/market-engine/internal/model"
	"github.com/stocksim/market-engine/internal/store"
)

// SnapshotSlot is the wall-clock bucket width for persisted price snapshots.
const SnapshotSlot = 5 * time.Minute

// seedGranularity is the step used by administrative history seeding.
const seedGranularity = 2 * time.Minute

// PriceListener receives post-tick instrument state. Lets the generator
// notify the transport layer without depending on it.
type PriceListener interface {
	PriceTick(inst model.Instrument)
}

// Generator drives the instrument universe on a fixed tick interval,
// independent of any request. It owns the day-boundary and snapshot-slot
// state, so slot detection is a pure function of (now, last observed slot).
type Generator struct {
	store        store.Store
	gate         *Gate
	tickInterval time.Duration
	rng          *rand.Rand
	listener     PriceListener // optional

	lastDay  string
	lastSlot time.Time
}

// NewGenerator creates a price generator. Pass nil for rng to get a
// time-seeded source; tests inject a fixed seed for determinism.
// Pass nil for listener if no broadcast is needed.
func NewGenerator(st store.Store, gate *Gate, tickInterval time.Duration, rng *rand.Rand, listener PriceListener) *Generator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Generator{
		store:        st,
		gate:         gate,
		tickInterval: tickInterval,
		rng:          rng,
		listener:     listener,
	}
}

// Run ticks until ctx is cancelled. Must be called in a goroutine.
func (g *Generator) Run(ctx context.Context) {
	slog.Info("price generator started", "interval", g.tickInterval.String())
	ticker := time.NewTicker(g.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("price generator stopped")
			return
		case now := <-ticker.C:
			if err := g.Tick(ctx, now); err != nil {
				slog.Error("tick failed", "err", err)
			}
			if err := g.Snapshot(ctx, now); err != nil {
				slog.Error("snapshot failed", "err", err)
			}
		}
	}
}

// Tick performs one price-update step: day-boundary handling first, then a
// GBM step per instrument — skipped entirely while the gate reports CLOSED.
// wallNow is the wall-clock tick time; the simulated clock, if set,
// overrides it for day and schedule decisions.
func (g *Generator) Tick(ctx context.Context, wallNow time.Time) error {
	settings, err := g.store.GetSettings(ctx)
	if err != nil {
		// Same availability-over-strictness tradeoff as the gate: a settings
		// outage does not stop the simulation.
		slog.Warn("tick: settings lookup failed, assuming open", "err", err)
		settings = nil
	}

	now := settings.EffectiveNow(wallNow, g.gate.Location())

	if err := g.rollDay(ctx, now); err != nil {
		return err
	}

	if settings != nil {
		d := Evaluate(settings, now)
		// Opportunistic display-cache refresh; never read back to decide.
		if err := g.store.SetMarketStatus(ctx, d.Status); err != nil {
			slog.Warn("tick: status cache write failed", "err", err)
		}
		if !d.Allowed {
			return nil
		}
	}

	instruments, err := g.store.ListInstruments(ctx)
	if err != nil {
		return fmt.Errorf("tick: list instruments: %w", err)
	}

	dt := g.tickInterval.Minutes() / TradingDayMinutes
	for _, inst := range instruments {
		price := StepRand(inst.CurrentPrice, inst.Volatility.InexactFloat64(), dt, g.rng)

		high := inst.DayHigh
		if price.GreaterThan(high) {
			high = price
		}
		low := inst.DayLow
		if price.LessThan(low) {
			low = price
		}

		if err := g.store.UpdateInstrumentTick(ctx, inst.ID, price, high, low); err != nil {
			return fmt.Errorf("tick: update %s: %w", inst.Ticker, err)
		}
		metrics.TicksTotal.Inc()

		if g.listener != nil {
			inst.CurrentPrice = price
			inst.DayHigh = high
			inst.DayLow = low
			g.listener.PriceTick(inst)
		}
	}
	return nil
}

// rollDay detects the simulated-day transition and resets daily stats
// exactly once per transition. The first observation after process start
// fills missing baselines instead, so no instrument is ever without a
// day-open value.
func (g *Generator) rollDay(ctx context.Context, now time.Time) error {
	day := now.Format("2006-01-02")
	if day == g.lastDay {
		return nil
	}

	if g.lastDay == "" {
		if err := g.store.InitDailyBaseline(ctx); err != nil {
			return fmt.Errorf("init daily baseline: %w", err)
		}
	} else {
		slog.Info("trading day rolled over", "from", g.lastDay, "to", day)
		if err := g.store.ResetDailyStats(ctx); err != nil {
			return fmt.Errorf("reset daily stats: %w", err)
		}
	}
	g.lastDay = day
	return nil
}

// Snapshot persists one price row per instrument when the wall clock enters
// a new 5-minute slot. Keyed by wall-clock time, not simulated time. Inserts
// are idempotent on (instrument, slot), so a retry or re-entry into the same
// slot cannot double-insert.
func (g *Generator) Snapshot(ctx context.Context, wallNow time.Time) error {
	slot := wallNow.UTC().Truncate(SnapshotSlot)
	if slot.Equal(g.lastSlot) {
		return nil
	}

	instruments, err := g.store.ListInstruments(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: list instruments: %w", err)
	}

	for _, inst := range instruments {
		snap := &model.PriceSnapshot{
			InstrumentID: inst.ID,
			Price:        inst.CurrentPrice,
			RecordedAt:   slot,
		}
		if err := g.store.InsertSnapshot(ctx, snap); err != nil {
			// lastSlot stays put: the whole slot is retried next tick, which
			// is safe because inserts are idempotent.
			return fmt.Errorf("snapshot: insert %s: %w", inst.Ticker, err)
		}
		metrics.SnapshotWritesTotal.Inc()
	}

	g.lastSlot = slot
	return nil
}

// SeedHistory backfills price snapshots across [from, to) at 2-minute
// granularity using the same stochastic step as the live loop. It is an
// administrative bulk operation, not part of the tick loop, and uses its
// own random source. Returns the number of rows written.
func (g *Generator) SeedHistory(ctx context.Context, from, to time.Time) (int, error) {
	if !from.Before(to) {
		return 0, fmt.Errorf("seed history: from %s must precede to %s", from, to)
	}

	instruments, err := g.store.ListInstruments(ctx)
	if err != nil {
		return 0, fmt.Errorf("seed history: list instruments: %w", err)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	dt := seedGranularity.Minutes() / TradingDayMinutes
	written := 0

	for _, inst := range instruments {
		price := inst.CurrentPrice
		sigma := inst.Volatility.InexactFloat64()

		for t := from.UTC().Truncate(seedGranularity); t.Before(to); t = t.Add(seedGranularity) {
			price = StepRand(price, sigma, dt, rng)
			snap := &model.PriceSnapshot{
				InstrumentID: inst.ID,
				Price:        price,
				RecordedAt:   t,
			}
			if err := g.store.InsertSnapshot(ctx, snap); err != nil {
				return written, fmt.Errorf("seed history: insert %s at %s: %w", inst.Ticker, t, err)
			}
			written++
		}
	}

	slog.Info("history seeded", "rows", written, "from", from, "to", to)
	return written, nil
}
