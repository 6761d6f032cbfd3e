package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebalancer/internal/config"
	"rebalancer/internal/core"
	"rebalancer/internal/ledger"
	"rebalancer/internal/lifecycle"
	"rebalancer/internal/mock"
	"rebalancer/internal/store"
	"rebalancer/pkg/concurrency"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type workerFixture struct {
	worker  *Worker
	store   *store.Memory
	prices  *mock.PriceSource
	clock   *mock.Clock
	inHours bool
	broker  error
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	clock := mock.NewClock(time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC))
	st := store.NewMemory(clock)
	led := ledger.New(st.Idempotency(), mock.NopLogger{}, 5*time.Minute)
	provider := config.NewProvider(nil)
	manager := lifecycle.NewManager(st, st.Orders(), st, led, provider, clock, mock.NopLogger{})
	prices := mock.NewPriceSource()
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "test", MaxWorkers: 2, MaxCapacity: 16}, mock.NopLogger{})
	t.Cleanup(pool.Stop)

	f := &workerFixture{store: st, prices: prices, clock: clock, inHours: true}
	f.worker = NewWorker(
		manager, st, provider, prices, pool, clock, mock.NopLogger{},
		Config{Interval: time.Minute, RateLimit: 100, RateBurst: 100},
		func(time.Time) bool { return f.inHours },
		func() error { return f.broker },
	)
	return f
}

func (f *workerFixture) addPosition(t *testing.T, id string, mutate func(*core.Position)) core.PositionKey {
	t.Helper()
	anchor := d("100")
	pos := &core.Position{
		Key:         core.PositionKey{TenantID: "t1", PortfolioID: "p1", PositionID: id},
		Symbol:      id,
		Qty:         d("10"),
		Cash:        d("5000"),
		AnchorPrice: &anchor,
		Guardrail: core.GuardrailPolicy{
			MinStockAllocPct: d("0"),
			MaxStockAllocPct: d("0.95"),
			MaxOrdersPerDay:  core.UnlimitedDailyCap(),
		},
		Policy: core.OrderPolicy{
			TriggerThresholdPct: d("0.05"),
			RebalanceRatio:      d("0.5"),
			ActionBelowMin:      core.BelowMinHold,
		},
		Enabled: true,
	}
	if mutate != nil {
		mutate(pos)
	}
	require.NoError(t, f.store.Save(context.Background(), pos))
	return pos.Key
}

func TestRunCycle_EvaluatesAndTrades(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	key := f.addPosition(t, "AAPL", nil)
	f.prices.Set("AAPL", d("90"), f.clock.Now())

	require.NoError(t, f.worker.RunCycle(ctx))

	pos, err := f.store.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, pos.Qty.GreaterThan(d("10")), "drop below band should buy, qty %s", pos.Qty)

	snap := f.worker.Snapshot(ctx)
	assert.False(t, snap.LastEvaluation.IsZero())
	assert.True(t, snap.BrokerReachable)
}

func TestRunCycle_SkipsDisabledPositions(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	key := f.addPosition(t, "AAPL", func(pos *core.Position) { pos.Enabled = false })
	f.prices.Set("AAPL", d("90"), f.clock.Now())

	require.NoError(t, f.worker.RunCycle(ctx))

	pos, err := f.store.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, pos.Qty.Equal(d("10")))
}

func TestRunCycle_AfterHoursGating(t *testing.T) {
	f := newWorkerFixture(t)
	f.inHours = false
	ctx := context.Background()

	gated := f.addPosition(t, "AAPL", nil)
	allowed := f.addPosition(t, "MSFT", func(pos *core.Position) {
		pos.Policy.AllowAfterHours = true
	})
	f.prices.Set("AAPL", d("90"), f.clock.Now())
	f.prices.Set("MSFT", d("90"), f.clock.Now())

	require.NoError(t, f.worker.RunCycle(ctx))

	pos, err := f.store.Get(ctx, gated)
	require.NoError(t, err)
	assert.True(t, pos.Qty.Equal(d("10")), "after-hours position must not trade")

	pos, err = f.store.Get(ctx, allowed)
	require.NoError(t, err)
	assert.True(t, pos.Qty.GreaterThan(d("10")), "allow_after_hours position trades")
}

func TestRunCycle_CountsGuardrailSkips(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.addPosition(t, "AAPL", func(pos *core.Position) {
		pos.Policy.MinQty = d("100000")
	})
	f.prices.Set("AAPL", d("90"), f.clock.Now())

	require.NoError(t, f.worker.RunCycle(ctx))

	snap := f.worker.Snapshot(ctx)
	assert.Equal(t, 1, snap.RecentGuardrailSkips)
}

func TestRunCycle_CountsBelowMinimumRejections(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.addPosition(t, "AAPL", func(pos *core.Position) {
		pos.Policy.MinQty = d("100000")
		pos.Policy.ActionBelowMin = core.BelowMinReject
	})
	f.prices.Set("AAPL", d("90"), f.clock.Now())

	require.NoError(t, f.worker.RunCycle(ctx))

	snap := f.worker.Snapshot(ctx)
	assert.Equal(t, 1, snap.RecentRejections)
	assert.Equal(t, 0, snap.RecentGuardrailSkips)
}

func TestSnapshot_BrokerAndPriceSignals(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.addPosition(t, "AAPL", nil)
	staleAt := f.clock.Now().Add(-time.Hour)
	f.prices.Set("AAPL", d("100"), staleAt)

	require.NoError(t, f.worker.RunCycle(ctx))

	snap := f.worker.Snapshot(ctx)
	assert.Equal(t, staleAt, snap.PriceUpdatedAt)

	f.broker = fmt.Errorf("connection refused")
	snap = f.worker.Snapshot(ctx)
	assert.False(t, snap.BrokerReachable)
}

func TestRun_ReportsRunningState(t *testing.T) {
	f := newWorkerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.worker.Snapshot(context.Background()).WorkerRunning
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.False(t, f.worker.Snapshot(context.Background()).WorkerRunning)
}
