package market

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stocksim/market-engine/internal/model"
	"github.com/stocksim/market-engine/internal/store"
)

func seedInstrument(t *testing.T, ms *store.MemoryStore, ticker string, price, vol float64) *model.Instrument {
	t.Helper()
	inst := &model.Instrument{
		ID:           uuid.New().String(),
		Ticker:       ticker,
		Name:         ticker + " Test Corp",
		CurrentPrice: d(price),
		Volatility:   d(vol),
		DailyOpen:    d(price),
		DayHigh:      d(price),
		DayLow:       d(price),
		CreatedAt:    time.Now().UTC(),
	}
	if err := ms.CreateInstrument(context.Background(), inst); err != nil {
		t.Fatalf("failed to seed instrument: %v", err)
	}
	return inst
}

// forceMarket pins the gate decision via the administrator override so
// generator tests are independent of the wall clock.
func forceMarket(t *testing.T, ms *store.MemoryStore, status string) {
	t.Helper()
	s := model.DefaultSettings()
	s.ForceOverride = true
	s.OverrideStatus = status
	if err := ms.UpdateSettings(context.Background(), s); err != nil {
		t.Fatalf("failed to update settings: %v", err)
	}
}

func newTestGenerator(ms *store.MemoryStore) *Generator {
	rng := rand.New(rand.NewSource(1))
	return NewGenerator(ms, NewGate(ms), 10*time.Second, rng, nil)
}

func TestTick_MovesPriceAndMaintainsRange(t *testing.T) {
	ms := store.NewMemoryStore()
	forceMarket(t, ms, model.StatusOpen)
	inst := seedInstrument(t, ms, "ACME", 100, 0.05)

	gen := newTestGenerator(ms)
	now := time.Now()
	for i := 0; i < 50; i++ {
		if err := gen.Tick(context.Background(), now); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	got, err := ms.GetInstrument(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("get instrument: %v", err)
	}
	if got.CurrentPrice.Equal(d(100)) {
		t.Error("expected price to move after 50 ticks")
	}
	if got.CurrentPrice.GreaterThan(got.DayHigh) {
		t.Errorf("price %s above day high %s", got.CurrentPrice, got.DayHigh)
	}
	if got.CurrentPrice.LessThan(got.DayLow) {
		t.Errorf("price %s below day low %s", got.CurrentPrice, got.DayLow)
	}
	if got.DayLow.GreaterThan(got.DayHigh) {
		t.Errorf("day low %s above day high %s", got.DayLow, got.DayHigh)
	}
}

func TestTick_SkipsWhenClosed(t *testing.T) {
	ms := store.NewMemoryStore()
	forceMarket(t, ms, model.StatusClosed)
	inst := seedInstrument(t, ms, "ACME", 100, 0.05)

	gen := newTestGenerator(ms)
	for i := 0; i < 10; i++ {
		if err := gen.Tick(context.Background(), time.Now()); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	got, _ := ms.GetInstrument(context.Background(), inst.ID)
	if !got.CurrentPrice.Equal(d(100)) {
		t.Errorf("closed market must not move prices, got %s", got.CurrentPrice)
	}
}

func TestTick_DayBoundaryResetsDailyStats(t *testing.T) {
	ms := store.NewMemoryStore()
	forceMarket(t, ms, model.StatusOpen)
	inst := seedInstrument(t, ms, "ACME", 100, 0.05)

	gen := newTestGenerator(ms)
	day1 := time.Date(2026, 3, 4, 12, 0, 0, 0, gen.gate.Location())
	for i := 0; i < 20; i++ {
		if err := gen.Tick(context.Background(), day1.Add(time.Duration(i)*10*time.Second)); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}

	day2 := day1.Add(24 * time.Hour)
	if err := gen.Tick(context.Background(), day2); err != nil {
		t.Fatalf("day-2 tick: %v", err)
	}

	got, _ := ms.GetInstrument(context.Background(), inst.ID)
	// The day-2 tick resets open/high/low to the carried-over price before
	// stepping, so the new range covers at most that single step.
	if !got.DailyOpen.Equal(got.DayHigh) && !got.DailyOpen.Equal(got.DayLow) {
		t.Errorf("after rollover, open %s should equal high %s or low %s",
			got.DailyOpen, got.DayHigh, got.DayLow)
	}
	if got.DayHigh.Sub(got.DayLow).GreaterThan(d(5)) {
		t.Errorf("day range too wide after reset: low=%s high=%s", got.DayLow, got.DayHigh)
	}
}

func TestSnapshot_IdempotentWithinSlot(t *testing.T) {
	ms := store.NewMemoryStore()
	forceMarket(t, ms, model.StatusOpen)
	inst := seedInstrument(t, ms, "ACME", 100, 0.05)

	gen := newTestGenerator(ms)
	now := time.Date(2026, 3, 4, 12, 1, 0, 0, time.UTC)

	if err := gen.Snapshot(context.Background(), now); err != nil {
		t.Fatalf("first snapshot: %v", err)
	}
	if err := gen.Snapshot(context.Background(), now.Add(10*time.Second)); err != nil {
		t.Fatalf("second snapshot: %v", err)
	}

	snaps, err := ms.GetSnapshots(context.Background(), inst.ID,
		now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("get snapshots: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected exactly 1 snapshot in the slot, got %d", len(snaps))
	}
	if !snaps[0].RecordedAt.Equal(now.Truncate(SnapshotSlot)) {
		t.Errorf("snapshot not aligned to slot: %s", snaps[0].RecordedAt)
	}
}

func TestSnapshot_NewSlotWritesNewRow(t *testing.T) {
	ms := store.NewMemoryStore()
	inst := seedInstrument(t, ms, "ACME", 100, 0.05)

	gen := newTestGenerator(ms)
	now := time.Date(2026, 3, 4, 12, 1, 0, 0, time.UTC)

	if err := gen.Snapshot(context.Background(), now); err != nil {
		t.Fatalf("first snapshot: %v", err)
	}
	if err := gen.Snapshot(context.Background(), now.Add(SnapshotSlot)); err != nil {
		t.Fatalf("second snapshot: %v", err)
	}

	snaps, _ := ms.GetSnapshots(context.Background(), inst.ID,
		now.Add(-time.Hour), now.Add(time.Hour))
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots across slots, got %d", len(snaps))
	}
}

func TestSeedHistory_WritesExpectedRows(t *testing.T) {
	ms := store.NewMemoryStore()
	inst := seedInstrument(t, ms, "ACME", 100, 0.05)
	seedInstrument(t, ms, "WIDGT", 50, 0.03)

	gen := newTestGenerator(ms)
	from := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	to := from.Add(10 * time.Minute)

	written, err := gen.SeedHistory(context.Background(), from, to)
	if err != nil {
		t.Fatalf("seed history: %v", err)
	}
	// 10 minutes at 2-minute granularity = 5 rows per instrument.
	if written != 10 {
		t.Errorf("expected 10 rows, got %d", written)
	}

	snaps, err := ms.GetSnapshots(context.Background(), inst.ID, from, to)
	if err != nil {
		t.Fatalf("get snapshots: %v", err)
	}
	if len(snaps) != 5 {
		t.Fatalf("expected 5 rows for one instrument, got %d", len(snaps))
	}
	for i := 1; i < len(snaps); i++ {
		if snaps[i].RecordedAt.Sub(snaps[i-1].RecordedAt) != 2*time.Minute {
			t.Errorf("rows not 2 minutes apart: %s then %s",
				snaps[i-1].RecordedAt, snaps[i].RecordedAt)
		}
		if snaps[i].Price.LessThan(MinPrice) {
			t.Errorf("seeded price below floor: %s", snaps[i].Price)
		}
	}
}

func TestSeedHistory_RejectsInvertedRange(t *testing.T) {
	ms := store.NewMemoryStore()
	gen := newTestGenerator(ms)

	from := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	if _, err := gen.SeedHistory(context.Background(), from, from); err == nil {
		t.Fatal("expected error for empty range")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	ms := store.NewMemoryStore()
	gen := NewGenerator(ms, NewGate(ms), 5*time.Millisecond, rand.New(rand.NewSource(1)), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		gen.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("generator did not stop after context cancellation")
	}
}
