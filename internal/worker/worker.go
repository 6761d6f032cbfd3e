// Package worker drives periodic evaluation of enabled positions. It is a
// caller harness around the lifecycle manager, not a scheduler: each interval
// it fans the enabled positions out over a bounded pool, paces submissions
// with a rate limiter, and records the stats the alert checker consumes.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rebalancer/internal/alert"
	"rebalancer/internal/core"
	"rebalancer/internal/lifecycle"
	"rebalancer/pkg/concurrency"
	apperrors "rebalancer/pkg/errors"
)

// statsWindow bounds how far back rejection and skip counts reach.
const statsWindow = 10 * time.Minute

// Config holds the evaluation worker settings.
type Config struct {
	Interval  time.Duration
	RateLimit float64
	RateBurst int
}

// Worker evaluates every enabled position once per interval.
type Worker struct {
	manager   *lifecycle.Manager
	positions core.PositionStore
	policies  core.PolicyProvider
	prices    core.PriceSource
	pool      *concurrency.WorkerPool
	limiter   *rate.Limiter
	clock     core.Clock
	logger    core.ILogger
	config    Config

	// inMarketHours gates positions whose policy disallows after-hours
	// trading. brokerCheck reports price-source reachability for alerting.
	inMarketHours func(time.Time) bool
	brokerCheck   func() error

	mu             sync.Mutex
	running        bool
	lastEvaluation time.Time
	rejections     []time.Time
	skips          []time.Time
	oldestPriceAt  time.Time
}

// NewWorker builds a worker. The pool is owned by the caller so several
// consumers can share it.
func NewWorker(
	manager *lifecycle.Manager,
	positions core.PositionStore,
	policies core.PolicyProvider,
	prices core.PriceSource,
	pool *concurrency.WorkerPool,
	clock core.Clock,
	logger core.ILogger,
	cfg Config,
	inMarketHours func(time.Time) bool,
	brokerCheck func() error,
) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = int(cfg.RateLimit)
	}
	return &Worker{
		manager:       manager,
		positions:     positions,
		policies:      policies,
		prices:        prices,
		pool:          pool,
		limiter:       rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		clock:         clock,
		logger:        logger.WithField("component", "worker"),
		config:        cfg,
		inMarketHours: inMarketHours,
		brokerCheck:   brokerCheck,
	}
}

// Run evaluates on a fixed interval until the context is canceled. An
// immediate first cycle runs before the ticker starts.
func (w *Worker) Run(ctx context.Context) error {
	w.setRunning(true)
	defer w.setRunning(false)

	w.logger.Info("Evaluation worker started", "interval", w.config.Interval.String())

	if err := w.RunCycle(ctx); err != nil {
		w.logger.Error("Evaluation cycle failed", "error", err)
	}

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Evaluation worker stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := w.RunCycle(ctx); err != nil {
				w.logger.Error("Evaluation cycle failed", "error", err)
			}
		}
	}
}

// RunCycle evaluates every enabled position once and waits for completion.
func (w *Worker) RunCycle(ctx context.Context) error {
	positions, err := w.positions.List(ctx)
	if err != nil {
		return err
	}

	now := w.clock.Now()
	inHours := w.inMarketHours == nil || w.inMarketHours(now)

	var wg sync.WaitGroup
	for _, pos := range positions {
		if !pos.Enabled {
			continue
		}
		_, policy := w.policies.Resolve(ctx, pos.Key, pos)
		if !inHours && !policy.AllowAfterHours {
			continue
		}

		p := pos
		wg.Add(1)
		if err := w.pool.Submit(func() {
			defer wg.Done()
			w.evaluate(ctx, p)
		}); err != nil {
			wg.Done()
			w.logger.Warn("Evaluation dropped, pool full", "position", p.Key.String())
		}
	}
	wg.Wait()

	w.mu.Lock()
	w.lastEvaluation = w.clock.Now()
	w.oldestPriceAt = w.oldestPriceUpdate(positions)
	w.pruneLocked(w.clock.Now())
	w.mu.Unlock()
	return nil
}

func (w *Worker) evaluate(ctx context.Context, pos *core.Position) {
	if err := w.limiter.Wait(ctx); err != nil {
		return
	}

	price, err := w.prices.LatestPrice(ctx, pos.Symbol)
	if err != nil {
		w.logger.Warn("Price fetch failed", "position", pos.Key.String(), "symbol", pos.Symbol, "error", err)
		return
	}

	result, err := w.manager.Tick(ctx, pos.Key, price)
	switch {
	case err == nil:
		if result.Outcome == lifecycle.TickSkipped {
			w.record(&w.skips)
		}
		if result.Outcome != lifecycle.TickNone {
			w.logger.Info("Position evaluated",
				"position", pos.Key.String(),
				"signal", string(result.Signal),
				"outcome", string(result.Outcome),
				"order_id", result.OrderID,
			)
		}
	case errors.Is(err, apperrors.ErrGuardrailBreach):
		w.record(&w.skips)
		w.logger.Info("Evaluation capped", "position", pos.Key.String(), "error", err)
	case errors.Is(err, apperrors.ErrInsufficientResources),
		errors.Is(err, apperrors.ErrBelowMinimum),
		errors.Is(err, apperrors.ErrValidation):
		w.record(&w.rejections)
		w.logger.Warn("Evaluation rejected", "position", pos.Key.String(), "error", err)
	default:
		w.logger.Error("Evaluation failed", "position", pos.Key.String(), "error", err)
	}
}

// oldestPriceUpdate finds the most stale quote among the enabled positions,
// which is the one that decides whether market data counts as stale.
func (w *Worker) oldestPriceUpdate(positions []*core.Position) time.Time {
	var oldest time.Time
	for _, pos := range positions {
		if !pos.Enabled {
			continue
		}
		at := w.prices.LastUpdated(pos.Symbol)
		if at.IsZero() {
			continue
		}
		if oldest.IsZero() || at.Before(oldest) {
			oldest = at
		}
	}
	return oldest
}

func (w *Worker) record(events *[]time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	*events = append(*events, w.clock.Now())
}

func (w *Worker) pruneLocked(now time.Time) {
	w.rejections = pruneBefore(w.rejections, now.Add(-statsWindow))
	w.skips = pruneBefore(w.skips, now.Add(-statsWindow))
}

func pruneBefore(events []time.Time, cutoff time.Time) []time.Time {
	kept := events[:0]
	for _, at := range events {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	return kept
}

func (w *Worker) setRunning(v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = v
}

// Snapshot implements alert.SignalSource.
func (w *Worker) Snapshot(ctx context.Context) alert.Signals {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(w.clock.Now())

	reachable := true
	if w.brokerCheck != nil {
		reachable = w.brokerCheck() == nil
	}
	return alert.Signals{
		WorkerRunning:        w.running,
		LastEvaluation:       w.lastEvaluation,
		RecentRejections:     len(w.rejections),
		RecentGuardrailSkips: len(w.skips),
		PriceUpdatedAt:       w.oldestPriceAt,
		BrokerReachable:      reachable,
	}
}
