// Package sizing turns a triggered side into a bounded order proposal. It
// computes the raw rebalance quantity, trims it against the guardrail band,
// and runs the minimum-size and resource validation ladder. Planning only -
// nothing here mutates a position.
package sizing

import (
	"fmt"

	"rebalancer/internal/core"
	"rebalancer/internal/guardrail"
	apperrors "rebalancer/pkg/errors"

	"github.com/shopspring/decimal"
)

// trimIterations bounds the bisection search. 50 halvings of the quantity
// interval are ample for floating-point convergence.
const trimIterations = 50

var two = decimal.NewFromInt(2)

// Inputs is the snapshot a plan is built from. Cash already includes any
// receivable treated as cash-equivalent.
type Inputs struct {
	Side         core.Side
	AnchorPrice  decimal.Decimal
	CurrentPrice decimal.Decimal
	Qty          decimal.Decimal
	Cash         decimal.Decimal
	Guardrail    core.GuardrailPolicy
	Policy       core.OrderPolicy
}

// Plan is a fully determined order proposal.
type Plan struct {
	Side                core.Side
	Qty                 decimal.Decimal
	Trimmed             bool
	ProjectedAllocation decimal.Decimal
}

// Result is either a plan or a documented skip (the `hold` outcome of the
// below-minimum policy). Rejections surface as errors instead.
type Result struct {
	Plan       *Plan
	Skipped    bool
	SkipReason string
}

// RawQuantity computes the untrimmed unsigned quantity
// (anchor/current) * r * (V/current) where V is total position value.
func RawQuantity(anchor, current, ratio, totalValue decimal.Decimal) decimal.Decimal {
	return anchor.Div(current).Mul(ratio).Mul(totalValue.Div(current))
}

// BuildPlan runs sizing, trim and validation for a triggered side.
func BuildPlan(in Inputs) (*Result, error) {
	if in.CurrentPrice.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive current price %s", apperrors.ErrValidation, in.CurrentPrice)
	}
	if in.AnchorPrice.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive anchor price %s", apperrors.ErrValidation, in.AnchorPrice)
	}

	total := in.CurrentPrice.Mul(in.Qty).Add(in.Cash)
	if total.Sign() <= 0 {
		return &Result{Skipped: true, SkipReason: "position has no value to rebalance"}, nil
	}

	raw := RawQuantity(in.AnchorPrice, in.CurrentPrice, in.Policy.RebalanceRatio, total)
	if raw.Sign() <= 0 {
		return &Result{Skipped: true, SkipReason: "raw quantity is zero"}, nil
	}

	qty, trimmed, projected := trim(in, raw)

	finalQty, skipReason, err := Validate(in.Side, qty, in.CurrentPrice, in.Qty, in.Cash, in.Policy)
	if err != nil {
		return nil, err
	}
	if skipReason != "" {
		return &Result{Skipped: true, SkipReason: skipReason}, nil
	}
	if !finalQty.Equal(qty) {
		projected = guardrail.ProjectedAllocation(in.CurrentPrice, in.Qty, in.Cash, signedDelta(in.Side, finalQty))
	}

	return &Result{Plan: &Plan{
		Side:                in.Side,
		Qty:                 finalQty,
		Trimmed:             trimmed,
		ProjectedAllocation: projected,
	}}, nil
}

// trim clamps the raw quantity so the projected allocation stays inside the
// guardrail band. The search relies on the projection being strictly
// monotonic in the quantity magnitude: increasing for buys, decreasing for
// sells (see guardrail.ProjectedAllocation).
func trim(in Inputs, raw decimal.Decimal) (qty decimal.Decimal, trimmed bool, projected decimal.Decimal) {
	projected = guardrail.ProjectedAllocation(in.CurrentPrice, in.Qty, in.Cash, signedDelta(in.Side, raw))
	if in.Guardrail.Contains(projected) {
		return raw, false, projected
	}

	var target decimal.Decimal
	if projected.GreaterThan(in.Guardrail.MaxStockAllocPct) {
		target = in.Guardrail.MaxStockAllocPct
	} else {
		target = in.Guardrail.MinStockAllocPct
	}

	// A bound that the full quantity cannot reach (a buy that still leaves
	// the allocation under the minimum, or a sale that leaves it over the
	// maximum) is not fixable by trimming; keep the raw quantity.
	if in.Side == core.SideBuy && projected.LessThan(target) {
		return raw, false, projected
	}
	if in.Side == core.SideSell && projected.GreaterThan(target) {
		return raw, false, projected
	}

	lo, hi := decimal.Zero, raw
	for i := 0; i < trimIterations; i++ {
		mid := lo.Add(hi).Div(two)
		alloc := guardrail.ProjectedAllocation(in.CurrentPrice, in.Qty, in.Cash, signedDelta(in.Side, mid))
		past := alloc.GreaterThan(target)
		if in.Side == core.SideSell {
			past = alloc.LessThan(target)
		}
		if past {
			hi = mid
		} else {
			lo = mid
		}
	}

	// lo is the largest magnitude whose projection stays on the legal side
	// of the violated bound.
	qty = lo
	projected = guardrail.ProjectedAllocation(in.CurrentPrice, in.Qty, in.Cash, signedDelta(in.Side, qty))
	return qty, true, projected
}

// Validate applies the minimum-size policy, the resource check, and lot-size
// rounding, in that order. It is used both at plan time and again at fill
// time, since prices may move between submit and execution.
//
// A non-empty skip reason means the `hold` action applied; the caller treats
// that as a successful no-op, not an error.
func Validate(side core.Side, qty, price, heldQty, cash decimal.Decimal, policy core.OrderPolicy) (decimal.Decimal, string, error) {
	qty, skipReason, err := checkMinimum(qty, price, policy, true)
	if err != nil || skipReason != "" {
		return decimal.Zero, skipReason, err
	}

	if err := checkResources(side, qty, price, heldQty, cash, policy); err != nil {
		return decimal.Zero, "", err
	}

	if policy.LotSize.Sign() > 0 {
		rounded := qty.Div(policy.LotSize).Floor().Mul(policy.LotSize)
		if !rounded.Equal(qty) {
			qty = rounded
			// Re-check the minimum once after rounding; clip rounds back up
			// to a lot multiple, so resources must be re-verified too.
			qty, skipReason, err = checkMinimum(qty, price, policy, false)
			if err != nil || skipReason != "" {
				return decimal.Zero, skipReason, err
			}
			if err := checkResources(side, qty, price, heldQty, cash, policy); err != nil {
				return decimal.Zero, "", err
			}
		}
	}

	return qty, "", nil
}

// checkMinimum enforces min_qty/min_notional with the configured
// below-minimum action. allowClip guards against clipping more than once.
func checkMinimum(qty, price decimal.Decimal, policy core.OrderPolicy, allowClip bool) (decimal.Decimal, string, error) {
	if !belowMinimum(qty, price, policy) {
		return qty, "", nil
	}
	switch policy.ActionBelowMin {
	case core.BelowMinClip:
		if !allowClip {
			return decimal.Zero, "", fmt.Errorf("%w: qty %s still below minimum after clip", apperrors.ErrBelowMinimum, qty)
		}
		clipped := clipToMinimum(price, policy)
		if belowMinimum(clipped, price, policy) {
			return decimal.Zero, "", fmt.Errorf("%w: qty %s below minimum and clip failed", apperrors.ErrBelowMinimum, qty)
		}
		return clipped, "", nil
	case core.BelowMinReject:
		return decimal.Zero, "", fmt.Errorf("%w: qty %s notional %s", apperrors.ErrBelowMinimum, qty, qty.Mul(price))
	default: // hold
		return decimal.Zero, fmt.Sprintf("quantity %s below minimum, holding", qty), nil
	}
}

func belowMinimum(qty, price decimal.Decimal, policy core.OrderPolicy) bool {
	if qty.Sign() <= 0 {
		return true
	}
	if policy.MinQty.Sign() > 0 && qty.LessThan(policy.MinQty) {
		return true
	}
	if policy.MinNotional.Sign() > 0 && qty.Mul(price).LessThan(policy.MinNotional) {
		return true
	}
	return false
}

// clipToMinimum returns the smallest quantity satisfying both minimums,
// rounded up to a lot multiple when a lot size is configured.
func clipToMinimum(price decimal.Decimal, policy core.OrderPolicy) decimal.Decimal {
	q := policy.MinQty
	if policy.MinNotional.Sign() > 0 && price.Sign() > 0 {
		if nq := policy.MinNotional.Div(price); nq.GreaterThan(q) {
			q = nq
		}
	}
	if policy.LotSize.Sign() > 0 && q.Sign() > 0 {
		q = q.Div(policy.LotSize).Ceil().Mul(policy.LotSize)
	}
	return q
}

// checkResources rejects hard regardless of the below-minimum action: a buy
// needs cash for notional plus estimated commission, a sale needs the
// shares.
func checkResources(side core.Side, qty, price, heldQty, cash decimal.Decimal, policy core.OrderPolicy) error {
	if side == core.SideSell {
		if heldQty.LessThan(qty) {
			return fmt.Errorf("%w: need %s shares, hold %s", apperrors.ErrInsufficientResources, qty, heldQty)
		}
		return nil
	}
	cost := qty.Mul(price)
	cost = cost.Add(cost.Mul(policy.CommissionRate))
	if cash.LessThan(cost) {
		return fmt.Errorf("%w: need %s cash, have %s", apperrors.ErrInsufficientResources, cost, cash)
	}
	return nil
}

func signedDelta(side core.Side, magnitude decimal.Decimal) decimal.Decimal {
	if side == core.SideSell {
		return magnitude.Neg()
	}
	return magnitude
}
