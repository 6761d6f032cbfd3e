// Package guardrail holds the pure allocation math used by the sizing
// engine. No state, no side effects.
package guardrail

import "github.com/shopspring/decimal"

// epsilon floors the denominator so a zero-value position reads as 0%
// allocated instead of dividing by zero.
var epsilon = decimal.New(1, -9)

// Allocation returns the stock allocation percentage P*Q / (P*Q + C) as a
// fraction in [0, 1]. Cash is expected to already include any receivable
// treated as cash-equivalent.
func Allocation(price, qty, cash decimal.Decimal) decimal.Decimal {
	value := price.Mul(qty)
	total := value.Add(cash)
	if total.Abs().LessThan(epsilon) {
		return decimal.Zero
	}
	return value.Div(total)
}

// ProjectedAllocation returns the allocation after applying the signed
// quantity delta at the given price, with cash moving by -delta*price.
// Positive delta buys, negative sells.
//
// Invariant the trim search depends on: with cash moving in lockstep the
// total value is constant, so the projection is strictly monotonic in delta.
// Keep it that way if the value formula ever changes.
func ProjectedAllocation(price, qty, cash, delta decimal.Decimal) decimal.Decimal {
	return Allocation(price, qty.Add(delta), cash.Sub(delta.Mul(price)))
}
