package guardrail

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestAllocation(t *testing.T) {
	tests := []struct {
		name  string
		price string
		qty   string
		cash  string
		want  string
	}{
		{"balanced", "100", "10", "1000", "0.5"},
		{"all stock", "100", "10", "0", "1"},
		{"all cash", "100", "0", "1000", "0"},
		{"quarter", "50", "10", "1500", "0.25"},
		{"empty position", "100", "0", "0", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Allocation(d(tt.price), d(tt.qty), d(tt.cash))
			assert.True(t, got.Equal(d(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestAllocation_ZeroTotalDoesNotDivide(t *testing.T) {
	got := Allocation(decimal.Zero, decimal.Zero, decimal.Zero)
	assert.True(t, got.IsZero())
}

func TestProjectedAllocation_BuyRaisesSellLowers(t *testing.T) {
	price, qty, cash := d("100"), d("10"), d("1000")
	base := Allocation(price, qty, cash)

	buy := ProjectedAllocation(price, qty, cash, d("2"))
	sell := ProjectedAllocation(price, qty, cash, d("-2"))

	assert.True(t, buy.GreaterThan(base), "buy should raise allocation")
	assert.True(t, sell.LessThan(base), "sell should lower allocation")
}

// Total value must not change under a projection, so allocation is strictly
// monotonic in the delta. The trim search depends on this.
func TestProjectedAllocation_MonotonicInDelta(t *testing.T) {
	price, qty, cash := d("90"), d("10"), d("5000")

	prev := ProjectedAllocation(price, qty, cash, d("-10"))
	for delta := -9; delta <= 50; delta++ {
		cur := ProjectedAllocation(price, qty, cash, decimal.NewFromInt(int64(delta)))
		assert.True(t, cur.GreaterThan(prev), "allocation must increase with delta (delta=%d)", delta)
		prev = cur
	}
}

func TestProjectedAllocation_CashMovesInLockstep(t *testing.T) {
	price, qty, cash := d("100"), d("10"), d("1000")

	// Buying 5 at 100 spends 500: value 1500 of total 2000.
	got := ProjectedAllocation(price, qty, cash, d("5"))
	assert.True(t, got.Equal(d("0.75")), "got %s", got)

	// Selling everything leaves pure cash.
	got = ProjectedAllocation(price, qty, cash, d("-10"))
	assert.True(t, got.IsZero(), "got %s", got)
}
