package sizing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebalancer/internal/core"
	apperrors "rebalancer/pkg/errors"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func band(min, max string) core.GuardrailPolicy {
	return core.GuardrailPolicy{
		MinStockAllocPct: d(min),
		MaxStockAllocPct: d(max),
		MaxOrdersPerDay:  core.UnlimitedDailyCap(),
	}
}

func TestRawQuantity(t *testing.T) {
	// (anchor/current) * r * (V/current): a 10% drop with r=1 buys
	// proportionally more than the value/price baseline.
	got := RawQuantity(d("100"), d("90"), d("1.5"), d("5900"))
	f, _ := got.Float64()
	assert.InDelta(t, 109.2592592, f, 1e-6)
}

func TestBuildPlan_InBandNoTrim(t *testing.T) {
	res, err := BuildPlan(Inputs{
		Side:         core.SideBuy,
		AnchorPrice:  d("100"),
		CurrentPrice: d("90"),
		Qty:          d("10"),
		Cash:         d("5000"),
		Guardrail:    band("0.25", "0.75"),
		Policy:       core.OrderPolicy{RebalanceRatio: d("0.1")},
	})
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.NotNil(t, res.Plan)

	assert.False(t, res.Plan.Trimmed)
	f, _ := res.Plan.Qty.Float64()
	assert.InDelta(t, 7.2839506, f, 1e-6)
	assert.True(t, res.Plan.ProjectedAllocation.LessThanOrEqual(d("0.75")))
	assert.True(t, res.Plan.ProjectedAllocation.GreaterThanOrEqual(d("0.25")))
}

func TestBuildPlan_TrimsBuyToMaxAllocation(t *testing.T) {
	res, err := BuildPlan(Inputs{
		Side:         core.SideBuy,
		AnchorPrice:  d("100"),
		CurrentPrice: d("90"),
		Qty:          d("10"),
		Cash:         d("5000"),
		Guardrail:    band("0.25", "0.75"),
		Policy:       core.OrderPolicy{RebalanceRatio: d("1.5")},
	})
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.NotNil(t, res.Plan)

	assert.True(t, res.Plan.Trimmed)

	// Solving 90*(10+q) = 0.75 * 5900 gives q = 39.1666..
	f, _ := res.Plan.Qty.Float64()
	assert.InDelta(t, 39.166666, f, 1e-6)

	alloc, _ := res.Plan.ProjectedAllocation.Float64()
	assert.LessOrEqual(t, alloc, 0.75)
	assert.InDelta(t, 0.75, alloc, 1e-9)
}

func TestBuildPlan_Deterministic(t *testing.T) {
	in := Inputs{
		Side:         core.SideBuy,
		AnchorPrice:  d("100"),
		CurrentPrice: d("90"),
		Qty:          d("10"),
		Cash:         d("5000"),
		Guardrail:    band("0.25", "0.75"),
		Policy:       core.OrderPolicy{RebalanceRatio: d("1.5")},
	}
	first, err := BuildPlan(in)
	require.NoError(t, err)
	second, err := BuildPlan(in)
	require.NoError(t, err)
	assert.True(t, first.Plan.Qty.Equal(second.Plan.Qty))
}

func TestBuildPlan_SellPastMaxKeepsRawQuantity(t *testing.T) {
	// Allocation starts near 1.0 and stays above the band maximum even after
	// selling the whole raw quantity. Trimming a sale only raises allocation,
	// so the raw quantity stands.
	res, err := BuildPlan(Inputs{
		Side:         core.SideSell,
		AnchorPrice:  d("100"),
		CurrentPrice: d("110"),
		Qty:          d("100"),
		Cash:         d("0"),
		Guardrail:    band("0.25", "0.5"),
		Policy:       core.OrderPolicy{RebalanceRatio: d("0.05")},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Plan)

	assert.False(t, res.Plan.Trimmed)
	f, _ := res.Plan.Qty.Float64()
	assert.InDelta(t, 4.5454545, f, 1e-6)
	assert.True(t, res.Plan.ProjectedAllocation.GreaterThan(d("0.5")))
}

func TestBuildPlan_SellBelowBandConvergesToHold(t *testing.T) {
	// Allocation is already below the band minimum; any sale moves it
	// further down, so the trim converges to zero and the hold action skips.
	res, err := BuildPlan(Inputs{
		Side:         core.SideSell,
		AnchorPrice:  d("100"),
		CurrentPrice: d("110"),
		Qty:          d("10"),
		Cash:         d("5000"),
		Guardrail:    band("0.9", "0.95"),
		Policy: core.OrderPolicy{
			RebalanceRatio: d("0.5"),
			ActionBelowMin: core.BelowMinHold,
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.NotEmpty(t, res.SkipReason)
}

func TestBuildPlan_BuyUnderMinKeepsRawQuantity(t *testing.T) {
	// Even the full raw buy leaves allocation under the band minimum; the
	// bound is unreachable so the quantity is not trimmed.
	res, err := BuildPlan(Inputs{
		Side:         core.SideBuy,
		AnchorPrice:  d("100"),
		CurrentPrice: d("100"),
		Qty:          d("1"),
		Cash:         d("10000"),
		Guardrail:    band("0.9", "0.95"),
		Policy:       core.OrderPolicy{RebalanceRatio: d("0.2")},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Plan)

	assert.False(t, res.Plan.Trimmed)
	f, _ := res.Plan.Qty.Float64()
	assert.InDelta(t, 20.2, f, 1e-9)
}

func TestBuildPlan_NoValueSkips(t *testing.T) {
	res, err := BuildPlan(Inputs{
		Side:         core.SideBuy,
		AnchorPrice:  d("100"),
		CurrentPrice: d("90"),
		Qty:          d("0"),
		Cash:         d("0"),
		Guardrail:    band("0", "1"),
		Policy:       core.OrderPolicy{RebalanceRatio: d("1")},
	})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestBuildPlan_NonPositivePrices(t *testing.T) {
	_, err := BuildPlan(Inputs{
		Side:         core.SideBuy,
		AnchorPrice:  d("100"),
		CurrentPrice: decimal.Zero,
		Qty:          d("10"),
		Cash:         d("1000"),
	})
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	_, err = BuildPlan(Inputs{
		Side:         core.SideBuy,
		AnchorPrice:  decimal.Zero,
		CurrentPrice: d("100"),
		Qty:          d("10"),
		Cash:         d("1000"),
	})
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}

func TestValidate_BelowMinimumActions(t *testing.T) {
	price := d("100")

	t.Run("hold skips", func(t *testing.T) {
		policy := core.OrderPolicy{MinQty: d("1"), ActionBelowMin: core.BelowMinHold}
		_, reason, err := Validate(core.SideBuy, d("0.5"), price, d("0"), d("10000"), policy)
		require.NoError(t, err)
		assert.NotEmpty(t, reason)
	})

	t.Run("reject errors", func(t *testing.T) {
		policy := core.OrderPolicy{MinQty: d("1"), ActionBelowMin: core.BelowMinReject}
		_, _, err := Validate(core.SideBuy, d("0.5"), price, d("0"), d("10000"), policy)
		assert.True(t, errors.Is(err, apperrors.ErrBelowMinimum))
	})

	t.Run("clip raises to minimum", func(t *testing.T) {
		policy := core.OrderPolicy{MinQty: d("1"), ActionBelowMin: core.BelowMinClip}
		qty, reason, err := Validate(core.SideBuy, d("0.5"), price, d("0"), d("10000"), policy)
		require.NoError(t, err)
		assert.Empty(t, reason)
		assert.True(t, qty.Equal(d("1")))
	})

	t.Run("clip honors min notional and lot size", func(t *testing.T) {
		policy := core.OrderPolicy{
			MinQty:         d("1"),
			MinNotional:    d("150"),
			LotSize:        d("0.4"),
			ActionBelowMin: core.BelowMinClip,
		}
		// Notional minimum needs 1.5 shares; the next lot multiple is 1.6.
		qty, reason, err := Validate(core.SideBuy, d("0.5"), price, d("0"), d("10000"), policy)
		require.NoError(t, err)
		assert.Empty(t, reason)
		assert.True(t, qty.Equal(d("1.6")), "got %s", qty)
	})
}

func TestValidate_InsufficientResources(t *testing.T) {
	t.Run("buy needs cash plus commission", func(t *testing.T) {
		policy := core.OrderPolicy{CommissionRate: d("0.01")}
		// Notional 1000 plus 10 commission exceeds 1005 cash.
		_, _, err := Validate(core.SideBuy, d("10"), d("100"), d("0"), d("1005"), policy)
		assert.True(t, errors.Is(err, apperrors.ErrInsufficientResources))

		// 1010 exactly is enough.
		qty, reason, err := Validate(core.SideBuy, d("10"), d("100"), d("0"), d("1010"), policy)
		require.NoError(t, err)
		assert.Empty(t, reason)
		assert.True(t, qty.Equal(d("10")))
	})

	t.Run("sell needs the shares", func(t *testing.T) {
		_, _, err := Validate(core.SideSell, d("10"), d("100"), d("9"), d("0"), core.OrderPolicy{})
		assert.True(t, errors.Is(err, apperrors.ErrInsufficientResources))
	})

	t.Run("resource rejection is hard regardless of hold", func(t *testing.T) {
		policy := core.OrderPolicy{ActionBelowMin: core.BelowMinHold}
		_, _, err := Validate(core.SideBuy, d("10"), d("100"), d("0"), d("1"), policy)
		assert.True(t, errors.Is(err, apperrors.ErrInsufficientResources))
	})
}

func TestValidate_LotRounding(t *testing.T) {
	t.Run("floors to lot multiple", func(t *testing.T) {
		policy := core.OrderPolicy{LotSize: d("5")}
		qty, reason, err := Validate(core.SideBuy, d("12.3"), d("10"), d("0"), d("10000"), policy)
		require.NoError(t, err)
		assert.Empty(t, reason)
		assert.True(t, qty.Equal(d("10")), "got %s", qty)
	})

	t.Run("rounding can drop below minimum once", func(t *testing.T) {
		policy := core.OrderPolicy{
			MinQty:         d("11"),
			LotSize:        d("5"),
			ActionBelowMin: core.BelowMinHold,
		}
		// 12.3 passes the minimum, floors to 10, and the single re-check
		// holds instead of clipping again.
		_, reason, err := Validate(core.SideBuy, d("12.3"), d("10"), d("0"), d("10000"), policy)
		require.NoError(t, err)
		assert.NotEmpty(t, reason)
	})

	t.Run("clip never applies twice", func(t *testing.T) {
		policy := core.OrderPolicy{
			MinQty:         d("11"),
			LotSize:        d("5"),
			ActionBelowMin: core.BelowMinClip,
		}
		// 12.3 floors to 10, below the minimum again; a second clip would
		// round back up and loop, so it rejects instead.
		_, _, err := Validate(core.SideBuy, d("12.3"), d("10"), d("0"), d("10000"), policy)
		assert.True(t, errors.Is(err, apperrors.ErrBelowMinimum))
	})
}
