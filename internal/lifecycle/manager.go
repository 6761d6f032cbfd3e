// Package lifecycle orchestrates order submission and execution: trigger
// evaluation, sizing, the idempotency ledger, the daily-cap check, and the
// atomic fill commit.
package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"rebalancer/internal/core"
	"rebalancer/internal/guardrail"
	"rebalancer/internal/ledger"
	"rebalancer/internal/sizing"
	apperrors "rebalancer/pkg/errors"
	"rebalancer/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Manager drives the order state machine
// none -> submitted -> {filled | rejected | canceled | skipped}.
// It owns the two atomic points the engine must provide itself: the
// idempotency-key reservation (delegated to the ledger) and the daily-cap
// check combined with order creation (serialized per position).
type Manager struct {
	positions core.PositionStore
	orders    core.OrderStore
	fills     core.FillStore
	ledger    *ledger.Ledger
	policies  core.PolicyProvider
	clock     core.Clock
	logger    core.ILogger

	mu       sync.Mutex
	posLocks map[core.PositionKey]*sync.Mutex

	tracer  trace.Tracer
	metrics *telemetry.MetricsHolder
}

// NewManager wires a lifecycle manager from its collaborators.
func NewManager(
	positions core.PositionStore,
	orders core.OrderStore,
	fills core.FillStore,
	led *ledger.Ledger,
	policies core.PolicyProvider,
	clock core.Clock,
	logger core.ILogger,
) *Manager {
	return &Manager{
		positions: positions,
		orders:    orders,
		fills:     fills,
		ledger:    led,
		policies:  policies,
		clock:     clock,
		logger:    logger.WithField("component", "lifecycle_manager"),
		posLocks:  make(map[core.PositionKey]*sync.Mutex),
		tracer:    telemetry.GetTracer("lifecycle-manager"),
		metrics:   telemetry.GetGlobalMetrics(),
	}
}

// positionLock serializes submissions and fills for one position. The cap
// check and order creation must not interleave across concurrent callers.
func (m *Manager) positionLock(key core.PositionKey) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.posLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.posLocks[key] = lock
	}
	return lock
}

// SubmitRequest is a submission call. IdempotencyKey is mandatory: every
// submission must be safely retryable.
type SubmitRequest struct {
	Position       core.PositionKey
	Side           core.Side
	Qty            decimal.Decimal
	IdempotencyKey string
}

// Submit creates the order for a request, or returns the existing order id
// when the key replays with an equivalent request. The daily cap is
// evaluated atomically with order creation; a breach releases the key
// reservation without creating anything.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	ctx, span := m.tracer.Start(ctx, "Submit",
		trace.WithAttributes(
			attribute.String("position", req.Position.String()),
			attribute.String("side", string(req.Side)),
		),
	)
	defer span.End()

	if req.IdempotencyKey == "" {
		return "", fmt.Errorf("%w: submission requires an idempotency key", apperrors.ErrMissingIdempotencyKey)
	}
	if req.Side != core.SideBuy && req.Side != core.SideSell {
		return "", fmt.Errorf("%w: unknown side %q", apperrors.ErrValidation, req.Side)
	}
	if req.Qty.Sign() <= 0 {
		return "", fmt.Errorf("%w: non-positive quantity %s", apperrors.ErrValidation, req.Qty)
	}

	sig := ledger.Signature(req.Position, req.Side, req.Qty)
	res, err := m.ledger.Acquire(ctx, req.IdempotencyKey, sig)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if res.ExistingOrderID != "" {
		// Replay: cheap, no cap re-check, no new order.
		span.AddEvent("idempotent_replay")
		return res.ExistingOrderID, nil
	}

	lock := m.positionLock(req.Position)
	lock.Lock()
	defer lock.Unlock()

	pos, err := m.positions.Get(ctx, req.Position)
	if err != nil {
		m.abortReservation(ctx, req.IdempotencyKey)
		return "", err
	}
	if pos == nil {
		m.abortReservation(ctx, req.IdempotencyKey)
		return "", fmt.Errorf("%w: position %s", apperrors.ErrNotFound, req.Position)
	}

	guard, _ := m.policies.Resolve(ctx, req.Position, pos)
	now := m.clock.Now().UTC()

	count, err := m.orders.CountForPositionOnDay(ctx, req.Position, now)
	if err != nil {
		m.abortReservation(ctx, req.IdempotencyKey)
		return "", err
	}
	if !guard.MaxOrdersPerDay.Allows(count) {
		m.abortReservation(ctx, req.IdempotencyKey)
		return "", fmt.Errorf("%w: daily order cap reached (%d orders today)", apperrors.ErrGuardrailBreach, count)
	}

	order := &core.Order{
		ID:             uuid.NewString(),
		Position:       req.Position,
		Side:           req.Side,
		Qty:            req.Qty,
		Status:         core.OrderSubmitted,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.orders.Save(ctx, order); err != nil {
		m.abortReservation(ctx, req.IdempotencyKey)
		return "", err
	}
	if err := m.ledger.Bind(ctx, req.IdempotencyKey, order.ID, sig); err != nil {
		// The order row exists but the key never bound; the reservation TTL
		// will free the key for the caller's retry.
		m.logger.Error("Failed to bind idempotency mapping", "key", req.IdempotencyKey, "order_id", order.ID, "error", err)
		span.RecordError(err)
		return "", err
	}

	m.metrics.OrdersSubmittedTotal.Add(ctx, 1, withPosition(req.Position))
	m.logger.Info("Order submitted",
		"order_id", order.ID, "position", req.Position.String(),
		"side", order.Side, "qty", order.Qty)
	return order.ID, nil
}

func (m *Manager) abortReservation(ctx context.Context, key string) {
	if err := m.ledger.Abort(ctx, key); err != nil {
		m.logger.Warn("Failed to release idempotency reservation", "key", key, "error", err)
	}
}

// ExecuteResult is the outcome of a fill attempt.
type ExecuteResult struct {
	Order   *core.Order
	Trade   *core.Trade
	Skipped bool
	Reason  string
}

// Execute fills a submitted order at the given price. The minimum-size
// policy is re-applied against the fill price, so an order can still be
// downgraded to skipped or rejected here. On acceptance the position
// mutation, trade record and order status commit as one transaction.
func (m *Manager) Execute(ctx context.Context, orderID string, price decimal.Decimal) (*ExecuteResult, error) {
	ctx, span := m.tracer.Start(ctx, "Execute",
		trace.WithAttributes(attribute.String("order_id", orderID)),
	)
	defer span.End()

	if price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive fill price %s", apperrors.ErrValidation, price)
	}

	order, err := m.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("%w: order %s", apperrors.ErrNotFound, orderID)
	}

	lock := m.positionLock(order.Position)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; a concurrent caller may have finished it.
	order, err = m.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("%w: order %s", apperrors.ErrNotFound, orderID)
	}
	if order.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: order %s already %s", apperrors.ErrInvalidState, orderID, order.Status)
	}

	pos, err := m.positions.Get(ctx, order.Position)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, fmt.Errorf("%w: position %s", apperrors.ErrNotFound, order.Position)
	}
	_, policy := m.policies.Resolve(ctx, order.Position, pos)

	qty, skipReason, verr := sizing.Validate(order.Side, order.Qty, price, pos.Qty, pos.Cash, policy)
	if verr != nil {
		if err := m.finishOrder(ctx, order, core.OrderRejected, verr.Error()); err != nil {
			return nil, err
		}
		m.metrics.OrdersRejectedTotal.Add(ctx, 1, withPosition(order.Position))
		span.RecordError(verr)
		return nil, verr
	}
	if skipReason != "" {
		if err := m.finishOrder(ctx, order, core.OrderSkipped, skipReason); err != nil {
			return nil, err
		}
		m.metrics.OrdersSkippedTotal.Add(ctx, 1, withPosition(order.Position))
		return &ExecuteResult{Order: order, Skipped: true, Reason: skipReason}, nil
	}

	now := m.clock.Now().UTC()
	commission := qty.Mul(price).Mul(policy.CommissionRate)

	updated := *pos
	notional := qty.Mul(price)
	if order.Side == core.SideBuy {
		updated.Qty = pos.Qty.Add(qty)
		updated.Cash = pos.Cash.Sub(notional).Sub(commission)
		avg := averageCost(pos, qty, price)
		updated.AvgCost = &avg
	} else {
		updated.Qty = pos.Qty.Sub(qty)
		updated.Cash = pos.Cash.Add(notional).Sub(commission)
	}
	// Cash must never go negative as a result of a BUY fill; the resource
	// check above accounts for commission, so this only trips on a SELL
	// whose commission exceeds proceeds.
	if updated.Cash.Sign() < 0 {
		verr := fmt.Errorf("%w: fill would leave cash at %s", apperrors.ErrInsufficientResources, updated.Cash)
		if err := m.finishOrder(ctx, order, core.OrderRejected, verr.Error()); err != nil {
			return nil, err
		}
		m.metrics.OrdersRejectedTotal.Add(ctx, 1, withPosition(order.Position))
		return nil, verr
	}
	updated.TotalCommissionPaid = pos.TotalCommissionPaid.Add(commission)

	trade := &core.Trade{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		Position:   order.Position,
		Side:       order.Side,
		Qty:        qty,
		Price:      price,
		Commission: commission,
		ExecutedAt: now,
	}
	filled := *order
	filled.Status = core.OrderFilled
	filled.Qty = qty
	filled.UpdatedAt = now

	if err := m.fills.RecordFill(ctx, &updated, &filled, trade); err != nil {
		span.RecordError(err)
		return nil, err
	}

	m.metrics.OrdersFilledTotal.Add(ctx, 1, withPosition(order.Position))
	commissionF, _ := commission.Float64()
	m.metrics.CommissionTotal.Add(ctx, commissionF, withPosition(order.Position))
	cashF, _ := updated.Cash.Float64()
	m.metrics.SetPositionCash(order.Position.String(), cashF)
	allocF, _ := guardrail.Allocation(price, updated.Qty, updated.Cash).Float64()
	m.metrics.SetPositionAllocation(order.Position.String(), allocF)

	m.logger.Info("Order filled",
		"order_id", order.ID, "position", order.Position.String(),
		"side", order.Side, "qty", qty, "price", price, "commission", commission)
	return &ExecuteResult{Order: &filled, Trade: trade}, nil
}

// Cancel transitions a submitted order to canceled. Terminal orders cannot
// be canceled; orders are never deleted.
func (m *Manager) Cancel(ctx context.Context, orderID string) error {
	order, err := m.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("%w: order %s", apperrors.ErrNotFound, orderID)
	}

	lock := m.positionLock(order.Position)
	lock.Lock()
	defer lock.Unlock()

	order, err = m.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("%w: order %s", apperrors.ErrNotFound, orderID)
	}
	if order.Status.IsTerminal() {
		return fmt.Errorf("%w: order %s already %s", apperrors.ErrInvalidState, orderID, order.Status)
	}
	return m.finishOrder(ctx, order, core.OrderCanceled, "canceled by caller")
}

func (m *Manager) finishOrder(ctx context.Context, order *core.Order, status core.OrderStatus, reason string) error {
	order.Status = status
	order.Reason = reason
	order.UpdatedAt = m.clock.Now().UTC()
	if err := m.orders.Save(ctx, order); err != nil {
		return err
	}
	m.logger.Info("Order finished", "order_id", order.ID, "status", status, "reason", reason)
	return nil
}

// averageCost folds a buy into the running average cost.
func averageCost(pos *core.Position, qty, price decimal.Decimal) decimal.Decimal {
	newQty := pos.Qty.Add(qty)
	if newQty.Sign() <= 0 {
		return price
	}
	prior := decimal.Zero
	if pos.AvgCost != nil {
		prior = pos.AvgCost.Mul(pos.Qty)
	}
	return prior.Add(qty.Mul(price)).Div(newQty)
}

func withPosition(key core.PositionKey) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("position", key.String()))
}
