package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Clock abstracts wall-clock time so tests can pin it.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// PositionStore persists positions.
type PositionStore interface {
	Get(ctx context.Context, key PositionKey) (*Position, error)
	Save(ctx context.Context, pos *Position) error
	List(ctx context.Context) ([]*Position, error)
}

// OrderStore persists orders. CountForPositionOnDay counts non-rejected
// orders for the position on the given calendar day (UTC); it backs the
// daily-cap check.
type OrderStore interface {
	Get(ctx context.Context, id string) (*Order, error)
	Save(ctx context.Context, order *Order) error
	CountForPositionOnDay(ctx context.Context, key PositionKey, day time.Time) (int, error)
}

// TradeStore persists fills.
type TradeStore interface {
	Save(ctx context.Context, trade *Trade) error
	ListForPosition(ctx context.Context, key PositionKey) ([]*Trade, error)
}

// IdempotencyStore is the ledger backing store. Reserve must be an atomic
// test-and-set: exactly one concurrent caller wins a given key. A mapping,
// once put, outlives the reservation TTL so expiry can never corrupt a
// filled order.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
	PutMapping(ctx context.Context, m IdempotencyMapping) error
	GetMapping(ctx context.Context, key string) (*IdempotencyMapping, error)
}

// AlertStore persists alerts for the alert state machine.
type AlertStore interface {
	Save(ctx context.Context, alert *Alert) error
	FindActiveByCondition(ctx context.Context, cond Condition) (*Alert, error)
	ListActive(ctx context.Context) ([]*Alert, error)
}

// FillStore commits the three effects of a fill - position mutation, order
// status, trade record - as a single logical transaction. Partial
// application is not a legal outcome.
type FillStore interface {
	RecordFill(ctx context.Context, pos *Position, order *Order, trade *Trade) error
}

// PolicyProvider resolves the effective policies for a position. Providers
// layer per-tenant configuration over the defaults embedded in the position;
// the override, when present, wins.
type PolicyProvider interface {
	Resolve(ctx context.Context, key PositionKey, pos *Position) (GuardrailPolicy, OrderPolicy)
}

// PriceSource supplies current prices for evaluation. Market-data fetch and
// caching live outside the engine.
type PriceSource interface {
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	LastUpdated(symbol string) time.Time
}

// ILogger defines the interface for logging.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
