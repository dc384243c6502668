// Package market implements the simulation side of the engine: the
// geometric-Brownian-motion price step, the market-availability gate, and
// the background price generator that drives the instrument universe.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal transcendental math runs on float64, with results immediately
// converted to decimal and rounded to cents.
package market

import (
	"math"
	"math/rand"

	"github.com/shopspring/decimal"
)

var (
	// MinPrice is the floor applied to every generated price. Prices never
	// reach zero, so quantity×price stays meaningful for settlement.
	MinPrice = decimal.NewFromFloat(0.01)

	// PriceScale is the number of decimal places prices are rounded to.
	PriceScale int32 = 2
)

// TradingDayMinutes is the length of a regular session (09:30–16:00) used
// to express a tick interval as a fraction of a trading day.
const TradingDayMinutes = 390.0

// Step advances a price one step of driftless geometric Brownian motion:
//
//	P' = P · exp((0 − σ²/2)·dt + σ·√dt·z)
//
// where z is a standard-normal variate obtained from the two uniform(0,1)
// draws u1, u2 via the Box–Muller transform:
//
//	z = √(−2 ln u1) · cos(2π u2)
//
// sigma is the per-trading-day volatility and dt the time step as a fraction
// of a trading day. Step is a pure function of its arguments — both the live
// tick loop and history seeding go through it, so seeded history is
// statistically consistent with live data. The result is rounded to cents
// and floored at MinPrice.
func Step(price decimal.Decimal, sigma, dt, u1, u2 float64) decimal.Decimal {
	z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)

	p := price.InexactFloat64()
	next := p * math.Exp(-0.5*sigma*sigma*dt+sigma*math.Sqrt(dt)*z)

	result := decimal.NewFromFloat(next).Round(PriceScale)
	if result.LessThan(MinPrice) {
		return MinPrice
	}
	return result
}

// StepRand draws the two uniform variates from rng and applies Step.
// rng must not be shared across goroutines without external locking.
func StepRand(price decimal.Decimal, sigma, dt float64, rng *rand.Rand) decimal.Decimal {
	// rand.Float64 returns values in [0, 1); shift to (0, 1] so ln(u1) is finite.
	u1 := 1 - rng.Float64()
	u2 := rng.Float64()
	return Step(price, sigma, dt, u1, u2)
}
