package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rebalancer/internal/core"
	"rebalancer/internal/sizing"
	"rebalancer/internal/trigger"
	apperrors "rebalancer/pkg/errors"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TickOutcome summarizes what one evaluation did.
type TickOutcome string

const (
	TickNone    TickOutcome = "none"    // no trigger fired
	TickSkipped TickOutcome = "skipped" // plan or fill held below minimum
	TickFilled  TickOutcome = "filled"
	TickReplay  TickOutcome = "replay" // idempotent replay of a finished order
)

// TickResult is the outcome of one evaluation cycle for a position.
type TickResult struct {
	Signal  trigger.Signal
	Outcome TickOutcome
	OrderID string
	Trade   *core.Trade
	Reason  string
}

// Tick runs one full evaluation for a position at the observed price:
// trigger, sizing/trim, idempotent submission, then immediate execution.
// Callers decide when to tick; retrying a tick within the same day replays
// instead of duplicating because the idempotency key is derived from the
// opportunity, not the attempt.
func (m *Manager) Tick(ctx context.Context, key core.PositionKey, price decimal.Decimal) (*TickResult, error) {
	start := m.clock.Now()
	priceF, _ := price.Float64()
	ctx, span := m.tracer.Start(ctx, "Tick",
		trace.WithAttributes(
			attribute.String("position", key.String()),
			attribute.Float64("price", priceF),
		),
	)
	defer span.End()
	defer func() {
		m.metrics.EvalLatency.Record(ctx, time.Since(start).Seconds(), withPosition(key))
	}()

	pos, err := m.positions.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, fmt.Errorf("%w: position %s", apperrors.ErrNotFound, key)
	}
	guard, policy := m.policies.Resolve(ctx, key, pos)

	sig := trigger.Evaluate(pos.AnchorPrice, price, policy.TriggerThresholdPct)
	if sig == trigger.SignalNone {
		return &TickResult{Signal: sig, Outcome: TickNone}, nil
	}
	span.AddEvent("trigger_fired", trace.WithAttributes(attribute.String("signal", string(sig))))

	// Resolve the tick key before planning: once today's opportunity has an
	// order bound, a retry must replay it even though the position has since
	// moved and would plan differently (or not at all).
	idemKey := tickKey(key, m.clock.Now().UTC(), sig.Side(), *pos.AnchorPrice)
	if existing, lerr := m.ledger.Lookup(ctx, idemKey); lerr != nil {
		return nil, lerr
	} else if existing != "" {
		order, gerr := m.orders.Get(ctx, existing)
		if gerr != nil {
			return nil, gerr
		}
		span.AddEvent("idempotent_replay")
		return &TickResult{Signal: sig, Outcome: TickReplay, OrderID: existing, Reason: string(order.Status)}, nil
	}

	plan, err := sizing.BuildPlan(sizing.Inputs{
		Side:         sig.Side(),
		AnchorPrice:  *pos.AnchorPrice,
		CurrentPrice: price,
		Qty:          pos.Qty,
		Cash:         pos.Cash,
		Guardrail:    guard,
		Policy:       policy,
	})
	if err != nil {
		m.metrics.OrdersRejectedTotal.Add(ctx, 1, withPosition(key))
		span.RecordError(err)
		return nil, err
	}
	if plan.Skipped {
		m.metrics.OrdersSkippedTotal.Add(ctx, 1, withPosition(key))
		return &TickResult{Signal: sig, Outcome: TickSkipped, Reason: plan.SkipReason}, nil
	}
	if plan.Plan.Trimmed {
		m.metrics.TrimsTotal.Add(ctx, 1, withPosition(key))
	}

	orderID, err := m.Submit(ctx, SubmitRequest{
		Position:       key,
		Side:           plan.Plan.Side,
		Qty:            plan.Plan.Qty,
		IdempotencyKey: idemKey,
	})
	if errors.Is(err, apperrors.ErrIdempotencyConflict) {
		// Lost a race with a concurrent tick that bound the key after the
		// lookup above; its order is the replay target.
		existing, lerr := m.ledger.Lookup(ctx, idemKey)
		if lerr != nil || existing == "" {
			return nil, err
		}
		order, gerr := m.orders.Get(ctx, existing)
		if gerr != nil {
			return nil, gerr
		}
		return &TickResult{Signal: sig, Outcome: TickReplay, OrderID: existing, Reason: string(order.Status)}, nil
	}
	if err != nil {
		return nil, err
	}

	result, err := m.Execute(ctx, orderID, price)
	if errors.Is(err, apperrors.ErrInvalidState) {
		// Replayed an order a previous tick already finished.
		order, gerr := m.orders.Get(ctx, orderID)
		if gerr != nil {
			return nil, gerr
		}
		return &TickResult{Signal: sig, Outcome: TickReplay, OrderID: orderID, Reason: string(order.Status)}, nil
	}
	if err != nil {
		return nil, err
	}
	if result.Skipped {
		return &TickResult{Signal: sig, Outcome: TickSkipped, OrderID: orderID, Reason: result.Reason}, nil
	}
	return &TickResult{Signal: sig, Outcome: TickFilled, OrderID: orderID, Trade: result.Trade}, nil
}

// tickKey derives a deterministic idempotency key for a scheduler tick. Two
// ticks on the same day, side and anchor describe the same opportunity and
// must replay rather than duplicate.
func tickKey(key core.PositionKey, now time.Time, side core.Side, anchor decimal.Decimal) string {
	return fmt.Sprintf("tick:%s:%s:%s:%s", key, now.Format("2006-01-02"), side, anchor)
}
