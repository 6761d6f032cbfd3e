// Package ledger maps caller-supplied idempotency keys to order outcomes so
// a submission has at most one effect regardless of retries or concurrent
// callers.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"rebalancer/internal/core"
	apperrors "rebalancer/pkg/errors"
	"rebalancer/pkg/retry"

	"github.com/shopspring/decimal"
)

// errPending marks a key whose reservation is held by a concurrent in-flight
// submission that has not yet published its mapping.
var errPending = errors.New("idempotency reservation pending")

// Ledger coordinates key reservations through an IdempotencyStore. The store
// guarantees the test-and-set; the ledger adds replay and conflict
// resolution plus a short bounded wait for in-flight winners.
type Ledger struct {
	store  core.IdempotencyStore
	logger core.ILogger
	ttl    time.Duration
	retry  retry.Policy
}

func New(store core.IdempotencyStore, logger core.ILogger, ttl time.Duration) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger.WithField("component", "idempotency_ledger"),
		ttl:    ttl,
		retry: retry.Policy{
			MaxAttempts:    5,
			InitialBackoff: 20 * time.Millisecond,
			MaxBackoff:     250 * time.Millisecond,
		},
	}
}

// Signature hashes the identity of a submission. Two requests with the same
// key must carry the same signature or the replay is a conflict.
func Signature(key core.PositionKey, side core.Side, qty decimal.Decimal) string {
	sum := sha256.Sum256([]byte(key.String() + "|" + string(side) + "|" + qty.String()))
	return hex.EncodeToString(sum[:])
}

// Resolution is the outcome of Acquire: either the key was reserved for this
// caller, or it already maps to an existing order (replay).
type Resolution struct {
	Reserved        bool
	ExistingOrderID string
}

// Acquire resolves a key for a submission with the given signature.
// A matching existing mapping returns the bound order id. A mismatched one
// fails with ErrIdempotencyConflict. An unmapped key is reserved atomically;
// losing the reservation race waits (bounded) for the winner's mapping
// instead of surfacing an error to the client.
func (l *Ledger) Acquire(ctx context.Context, key, signature string) (Resolution, error) {
	if res, done, err := l.resolveMapping(ctx, key, signature); done {
		return res, err
	}

	won, err := l.store.Reserve(ctx, key, l.ttl)
	if err != nil {
		return Resolution{}, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if won {
		return Resolution{Reserved: true}, nil
	}

	// Lost the race. The winner either publishes a mapping shortly or fails
	// and releases the key; poll briefly for the mapping.
	var res Resolution
	err = retry.Do(ctx, l.retry, func(err error) bool { return errors.Is(err, errPending) }, func() error {
		r, done, rerr := l.resolveMapping(ctx, key, signature)
		if done {
			res = r
			return rerr
		}
		return errPending
	})
	if errors.Is(err, errPending) {
		l.logger.Warn("Idempotency key still contended after waiting", "key", key)
		return Resolution{}, fmt.Errorf("idempotency key %q contended, retry with the same key: %w", key, err)
	}
	return res, err
}

// Bind publishes the key -> order mapping. Mappings are never overwritten
// and outlive the reservation TTL, so expiry cannot corrupt a filled order.
func (l *Ledger) Bind(ctx context.Context, key, orderID, signature string) error {
	return l.store.PutMapping(ctx, core.IdempotencyMapping{Key: key, OrderID: orderID, Signature: signature})
}

// Lookup returns the order id a key is bound to, or empty when unmapped.
func (l *Ledger) Lookup(ctx context.Context, key string) (string, error) {
	mapping, err := l.store.GetMapping(ctx, key)
	if err != nil {
		return "", fmt.Errorf("read idempotency mapping: %w", err)
	}
	if mapping == nil {
		return "", nil
	}
	return mapping.OrderID, nil
}

// Abort releases a reservation whose submission failed before an order was
// created, so the caller's retry can win the key again.
func (l *Ledger) Abort(ctx context.Context, key string) error {
	return l.store.Release(ctx, key)
}

func (l *Ledger) resolveMapping(ctx context.Context, key, signature string) (Resolution, bool, error) {
	mapping, err := l.store.GetMapping(ctx, key)
	if err != nil {
		return Resolution{}, true, fmt.Errorf("read idempotency mapping: %w", err)
	}
	if mapping == nil {
		return Resolution{}, false, nil
	}
	if mapping.Signature != signature {
		return Resolution{}, true, fmt.Errorf("%w: key %q bound to a different request", apperrors.ErrIdempotencyConflict, key)
	}
	return Resolution{ExistingOrderID: mapping.OrderID}, true, nil
}
