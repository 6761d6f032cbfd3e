package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebalancer/internal/core"
	"rebalancer/internal/mock"
	apperrors "rebalancer/pkg/errors"
)

// backend is the surface both implementations share; the same suite runs
// against each.
type backend interface {
	core.PositionStore
	core.FillStore
	Orders() core.OrderStore
	Trades() core.TradeStore
	Idempotency() core.IdempotencyStore
	Alerts() core.AlertStore
	Close() error
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testPosition(id string) *core.Position {
	anchor := d("100")
	return &core.Position{
		Key:    core.PositionKey{TenantID: "t1", PortfolioID: "p1", PositionID: id},
		Symbol: id,
		Qty:    d("10"),
		Cash:   d("5000"),
		AnchorPrice: &anchor,
		Guardrail: core.GuardrailPolicy{
			MinStockAllocPct: d("0.25"),
			MaxStockAllocPct: d("0.75"),
			MaxOrdersPerDay:  core.DailyCap{Limit: 5},
		},
		Policy: core.OrderPolicy{
			TriggerThresholdPct: d("0.03"),
			RebalanceRatio:      d("1"),
			CommissionRate:      d("0.001"),
			ActionBelowMin:      core.BelowMinHold,
		},
		Enabled: true,
	}
}

func TestMemoryStore(t *testing.T) {
	clock := mock.NewClock(time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC))
	runSuite(t, clock, func(t *testing.T) backend {
		return NewMemory(clock)
	})
}

func TestSQLiteStore(t *testing.T) {
	clock := mock.NewClock(time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC))
	runSuite(t, clock, func(t *testing.T) backend {
		st, err := NewSQLite(filepath.Join(t.TempDir(), "state.db"), clock)
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

func runSuite(t *testing.T, clock *mock.Clock, newBackend func(t *testing.T) backend) {
	t.Run("positions round trip", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()
		pos := testPosition("AAPL")

		got, err := st.Get(ctx, pos.Key)
		require.NoError(t, err)
		assert.Nil(t, got, "missing position reads as nil")

		require.NoError(t, st.Save(ctx, pos))

		got, err = st.Get(ctx, pos.Key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.Qty.Equal(pos.Qty))
		assert.True(t, got.Cash.Equal(pos.Cash))
		require.NotNil(t, got.AnchorPrice)
		assert.True(t, got.AnchorPrice.Equal(d("100")))
		assert.True(t, got.Guardrail.MaxStockAllocPct.Equal(d("0.75")))
		assert.Equal(t, core.BelowMinHold, got.Policy.ActionBelowMin)
		assert.Equal(t, 5, got.Guardrail.MaxOrdersPerDay.Limit)

		// Mutating the returned copy must not leak into the store.
		got.Qty = d("999")
		again, err := st.Get(ctx, pos.Key)
		require.NoError(t, err)
		assert.True(t, again.Qty.Equal(d("10")))
	})

	t.Run("list positions", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()
		require.NoError(t, st.Save(ctx, testPosition("AAPL")))
		require.NoError(t, st.Save(ctx, testPosition("MSFT")))

		all, err := st.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("orders and daily count", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()
		key := testPosition("AAPL").Key
		now := clock.Now()

		save := func(id string, status core.OrderStatus, at time.Time) {
			require.NoError(t, st.Orders().Save(ctx, &core.Order{
				ID: id, Position: key, Side: core.SideBuy, Qty: d("1"),
				Status: status, CreatedAt: at, UpdatedAt: at,
			}))
		}
		save("o1", core.OrderSubmitted, now)
		save("o2", core.OrderFilled, now)
		save("o3", core.OrderRejected, now)
		save("o4", core.OrderSubmitted, now.Add(-24*time.Hour))
		save("o5", core.OrderSkipped, now)

		got, err := st.Orders().Get(ctx, "o1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, core.OrderSubmitted, got.Status)

		missing, err := st.Orders().Get(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)

		// Rejected orders and other days are excluded; skipped orders still
		// count, the cap covers every non-rejected order.
		count, err := st.Orders().CountForPositionOnDay(ctx, key, now)
		require.NoError(t, err)
		assert.Equal(t, 3, count)
	})

	t.Run("trades", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()
		key := testPosition("AAPL").Key

		require.NoError(t, st.Trades().Save(ctx, &core.Trade{
			ID: "tr1", OrderID: "o1", Position: key, Side: core.SideBuy,
			Qty: d("5"), Price: d("90"), Commission: d("0.45"), ExecutedAt: clock.Now(),
		}))

		trades, err := st.Trades().ListForPosition(ctx, key)
		require.NoError(t, err)
		require.Len(t, trades, 1)
		assert.True(t, trades[0].Commission.Equal(d("0.45")))
	})

	t.Run("reservation is test and set", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()
		idem := st.Idempotency()

		won, err := idem.Reserve(ctx, "k1", time.Minute)
		require.NoError(t, err)
		assert.True(t, won)

		won, err = idem.Reserve(ctx, "k1", time.Minute)
		require.NoError(t, err)
		assert.False(t, won, "held reservation must not be granted twice")

		require.NoError(t, idem.Release(ctx, "k1"))
		won, err = idem.Reserve(ctx, "k1", time.Minute)
		require.NoError(t, err)
		assert.True(t, won, "released key must be reservable again")
	})

	t.Run("reservation expires", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()
		idem := st.Idempotency()

		won, err := idem.Reserve(ctx, "k1", time.Minute)
		require.NoError(t, err)
		require.True(t, won)

		clock.Advance(2 * time.Minute)
		defer clock.Advance(-2 * time.Minute)

		won, err = idem.Reserve(ctx, "k1", time.Minute)
		require.NoError(t, err)
		assert.True(t, won, "expired reservation must be reservable")
	})

	t.Run("mapped key is spent", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()
		idem := st.Idempotency()

		won, err := idem.Reserve(ctx, "k1", time.Minute)
		require.NoError(t, err)
		require.True(t, won)
		require.NoError(t, idem.PutMapping(ctx, core.IdempotencyMapping{
			Key: "k1", OrderID: "o1", Signature: "sig",
		}))
		require.NoError(t, idem.Release(ctx, "k1"))

		// Even with the reservation gone the mapping blocks re-reservation.
		won, err = idem.Reserve(ctx, "k1", time.Minute)
		require.NoError(t, err)
		assert.False(t, won)

		m, err := idem.GetMapping(ctx, "k1")
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, "o1", m.OrderID)
		assert.Equal(t, "sig", m.Signature)
	})

	t.Run("mappings never overwrite", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()
		idem := st.Idempotency()

		m := core.IdempotencyMapping{Key: "k1", OrderID: "o1", Signature: "sig"}
		require.NoError(t, idem.PutMapping(ctx, m))
		// Same mapping again is fine.
		require.NoError(t, idem.PutMapping(ctx, m))

		err := idem.PutMapping(ctx, core.IdempotencyMapping{Key: "k1", OrderID: "o2", Signature: "sig"})
		assert.True(t, errors.Is(err, apperrors.ErrIdempotencyConflict))

		got, err := idem.GetMapping(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "o1", got.OrderID)
	})

	t.Run("alerts", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()

		found, err := st.Alerts().FindActiveByCondition(ctx, core.ConditionWorkerStopped)
		require.NoError(t, err)
		assert.Nil(t, found)

		alert := &core.Alert{
			ID:        "a1",
			Condition: core.ConditionWorkerStopped,
			Severity:  core.SeverityCritical,
			Status:    core.AlertActive,
			Title:     "worker stopped",
			CreatedAt: clock.Now(),
		}
		require.NoError(t, st.Alerts().Save(ctx, alert))

		found, err = st.Alerts().FindActiveByCondition(ctx, core.ConditionWorkerStopped)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, "a1", found.ID)

		open, err := st.Alerts().ListActive(ctx)
		require.NoError(t, err)
		assert.Len(t, open, 1)

		now := clock.Now()
		alert.Status = core.AlertResolved
		alert.ResolvedAt = &now
		require.NoError(t, st.Alerts().Save(ctx, alert))

		found, err = st.Alerts().FindActiveByCondition(ctx, core.ConditionWorkerStopped)
		require.NoError(t, err)
		assert.Nil(t, found, "resolved alerts are not active")

		open, err = st.Alerts().ListActive(ctx)
		require.NoError(t, err)
		assert.Empty(t, open)
	})

	t.Run("record fill commits together", func(t *testing.T) {
		st := newBackend(t)
		ctx := context.Background()
		pos := testPosition("AAPL")
		require.NoError(t, st.Save(ctx, pos))

		now := clock.Now()
		order := &core.Order{
			ID: "o1", Position: pos.Key, Side: core.SideBuy, Qty: d("5"),
			Status: core.OrderSubmitted, CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, st.Orders().Save(ctx, order))

		updated := *pos
		updated.Qty = d("15")
		updated.Cash = d("4549.55")
		filled := *order
		filled.Status = core.OrderFilled
		trade := &core.Trade{
			ID: "tr1", OrderID: "o1", Position: pos.Key, Side: core.SideBuy,
			Qty: d("5"), Price: d("90"), Commission: d("0.45"), ExecutedAt: now,
		}

		require.NoError(t, st.RecordFill(ctx, &updated, &filled, trade))

		got, err := st.Get(ctx, pos.Key)
		require.NoError(t, err)
		assert.True(t, got.Qty.Equal(d("15")))
		assert.True(t, got.Cash.Equal(d("4549.55")))

		o, err := st.Orders().Get(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, core.OrderFilled, o.Status)

		trades, err := st.Trades().ListForPosition(ctx, pos.Key)
		require.NoError(t, err)
		assert.Len(t, trades, 1)
	})
}
