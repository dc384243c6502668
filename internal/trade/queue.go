// Package trade provides the HTTP handlers and business logic for
// submitting, cancelling and settling trades against the simulated market.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stocksim/market-engine/internal/metrics"
)

// Intent is a submitted-but-not-yet-executed order held for the
// cancellation window. Ephemeral: intents live only in memory and are lost
// on process restart — the queue is a holding buffer, not a commitment.
type Intent struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	InstrumentID string          `json:"instrument_id"`
	Side         string          `json:"side"`
	Quantity     int64           `json:"quantity"`
	QuotedPrice  decimal.Decimal `json:"quoted_price"` // advisory only; executed price is re-read at maturity
	AdmittedAt   time.Time       `json:"admitted_at"`
	Deadline     time.Time       `json:"deadline"`
}

// Settler receives intents that reached their deadline without being
// cancelled. Lets the queue hand off to settlement without depending on
// the service layer directly.
type Settler interface {
	SettleMatured(intent *Intent)
}

type pendingIntent struct {
	intent *Intent
	timer  *time.Timer
}

// Queue holds confirmed orders for a fixed delay window during which they
// may be cancelled before being irrevocably settled. One mutex arbitrates
// the cancel-versus-maturity race: whichever removes the intent first wins,
// and the loser observes an absent entry.
type Queue struct {
	mu      sync.Mutex
	delay   time.Duration
	pending map[string]*pendingIntent
	settler Settler
}

// NewQueue creates a deferred trade queue with the given hold delay.
func NewQueue(delay time.Duration, settler Settler) *Queue {
	return &Queue{
		delay:   delay,
		pending: make(map[string]*pendingIntent),
		settler: settler,
	}
}

// Submit admits a trade intent and schedules settlement to fire exactly at
// deadline = now + delay. The deadline is never renewed or extended.
func (q *Queue) Submit(userID, instrumentID, side string, quantity int64, quotedPrice decimal.Decimal) *Intent {
	now := time.Now().UTC()
	intent := &Intent{
		ID:           uuid.New().String(),
		UserID:       userID,
		InstrumentID: instrumentID,
		Side:         side,
		Quantity:     quantity,
		QuotedPrice:  quotedPrice,
		AdmittedAt:   now,
		Deadline:     now.Add(q.delay),
	}

	q.mu.Lock()
	q.pending[intent.ID] = &pendingIntent{
		intent: intent,
		timer:  time.AfterFunc(q.delay, func() { q.mature(intent.ID) }),
	}
	q.mu.Unlock()

	metrics.PendingIntents.Inc()
	return intent
}

// Cancel removes an intent before maturity. Returns true if the intent was
// removed with zero settlement side effects; false if it already matured
// (or never existed), in which case the trade may already have executed.
func (q *Queue) Cancel(intentID string) bool {
	q.mu.Lock()
	p, ok := q.pending[intentID]
	if ok {
		p.timer.Stop()
		delete(q.pending, intentID)
	}
	q.mu.Unlock()

	if ok {
		metrics.PendingIntents.Dec()
		metrics.CancelledIntentsTotal.Inc()
	}
	return ok
}

// Pending returns the number of intents awaiting maturity.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stop cancels all scheduled timers. Pending intents are discarded without
// settlement; they do not survive shutdown.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, p := range q.pending {
		p.timer.Stop()
		delete(q.pending, id)
		metrics.PendingIntents.Dec()
	}
}

// mature fires at the deadline. The intent is removed from the map before
// the settlement handoff, so a cancel arriving afterwards reports "already
// executed" instead of being silently dropped or double-applied.
func (q *Queue) mature(intentID string) {
	q.mu.Lock()
	p, ok := q.pending[intentID]
	if !ok {
		// Cancelled in the window between timer fire and lock acquisition.
		q.mu.Unlock()
		return
	}
	delete(q.pending, intentID)
	q.mu.Unlock()

	metrics.PendingIntents.Dec()
	q.settler.SettleMatured(p.intent)
}
