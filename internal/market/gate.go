package market

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stocksim/market-engine/internal/model"
	"github.com/stocksim/market-engine/internal/store"
)

// ReferenceTimezone is the fixed timezone all schedule rules are evaluated in.
const ReferenceTimezone = "America/New_York"

// Decision is the result of one gate evaluation.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Status  string `json:"status"` // "OPEN" or "CLOSED"
	Forced  bool   `json:"forced"` // true when an administrator override decided
}

// Gate answers "is trading allowed right now". Each Check re-derives the
// decision from the settings rules; the cached market_status written back
// to the store is display-only and never consulted.
type Gate struct {
	store store.Store
	loc   *time.Location
}

// NewGate creates a gate bound to the given store. The reference timezone
// is loaded once; if unavailable (stripped tzdata), UTC is used.
func NewGate(st store.Store) *Gate {
	loc, err := time.LoadLocation(ReferenceTimezone)
	if err != nil {
		slog.Warn("reference timezone unavailable, falling back to UTC", "tz", ReferenceTimezone, "err", err)
		loc = time.UTC
	}
	return &Gate{store: st, loc: loc}
}

// Location returns the gate's reference timezone.
func (g *Gate) Location() *time.Location {
	return g.loc
}

// Check evaluates the gate against the current settings and wall clock.
// A settings lookup failure fails open: trading stays available when the
// store is down, by design. The derived status is written back to the
// settings singleton as a best-effort display cache.
func (g *Gate) Check(ctx context.Context) Decision {
	settings, err := g.store.GetSettings(ctx)
	if err != nil {
		slog.Warn("gate: settings lookup failed, failing open", "err", err)
		return Decision{
			Allowed: true,
			Reason:  "market settings unavailable, defaulting to open",
			Status:  model.StatusOpen,
		}
	}

	d := Evaluate(settings, settings.EffectiveNow(time.Now(), g.loc))

	// Cache write is a side effect, never the source of truth.
	if err := g.store.SetMarketStatus(ctx, d.Status); err != nil {
		slog.Warn("gate: status cache write failed", "err", err)
	}
	return d
}

// Evaluate applies the availability rules in order, first match wins:
// force override, weekend, holiday, configured hours. now must already be
// expressed in the reference timezone. Pure function — tests inject
// arbitrary clocks and settings.
func Evaluate(s *model.Settings, now time.Time) Decision {
	if s.ForceOverride {
		if s.OverrideStatus == model.StatusOpen {
			return Decision{
				Allowed: true,
				Reason:  "administrator override: market forced open",
				Status:  model.StatusOpen,
				Forced:  true,
			}
		}
		return Decision{
			Allowed: false,
			Reason:  "administrator override: market forced closed",
			Status:  model.StatusClosed,
			Forced:  true,
		}
	}

	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return Decision{
			Allowed: false,
			Reason:  "weekend",
			Status:  model.StatusClosed,
		}
	}

	date := now.Format("2006-01-02")
	for _, h := range s.Holidays {
		if h.Date == date {
			return Decision{
				Allowed: false,
				Reason:  fmt.Sprintf("market holiday: %s", h.Name),
				Status:  model.StatusClosed,
			}
		}
	}

	minute := now.Hour()*60 + now.Minute()
	if minute < s.OpenMinute {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("market opens at %s", minuteClock(s.OpenMinute)),
			Status:  model.StatusClosed,
		}
	}
	if minute >= s.CloseMinute {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("market closed at %s", minuteClock(s.CloseMinute)),
			Status:  model.StatusClosed,
		}
	}

	return Decision{
		Allowed: true,
		Reason:  "market open",
		Status:  model.StatusOpen,
	}
}

// minuteClock renders a minute-of-day as HH:MM.
func minuteClock(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}
