// Package trigger decides whether a price observation crosses the
// rebalancing band around the anchor price.
package trigger

import (
	"rebalancer/internal/core"

	"github.com/shopspring/decimal"
)

// Signal is the outcome of a trigger evaluation.
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalNone Signal = "NONE"
)

// Side maps a firing signal to an order side. Only valid for SignalBuy and
// SignalSell.
func (s Signal) Side() core.Side {
	if s == SignalSell {
		return core.SideSell
	}
	return core.SideBuy
}

var one = decimal.NewFromInt(1)

// Evaluate compares the current price against anchor*(1±threshold).
// Thresholds are inclusive: a price exactly on the boundary triggers.
// A nil or non-positive anchor yields SignalNone. Exactly one branch fires.
func Evaluate(anchor *decimal.Decimal, current, threshold decimal.Decimal) Signal {
	if anchor == nil || anchor.Sign() <= 0 {
		return SignalNone
	}
	if current.LessThanOrEqual(anchor.Mul(one.Sub(threshold))) {
		return SignalBuy
	}
	if current.GreaterThanOrEqual(anchor.Mul(one.Add(threshold))) {
		return SignalSell
	}
	return SignalNone
}
