// Package store provides the repository implementations behind the engine's
// collaborator interfaces: an in-memory store for tests and single-process
// runs, and a SQLite store for durable deployments.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rebalancer/internal/core"
	apperrors "rebalancer/pkg/errors"
)

// Memory implements every engine store in memory behind one RWMutex.
type Memory struct {
	clock core.Clock

	mu           sync.RWMutex
	positions    map[core.PositionKey]*core.Position
	orders       map[string]*core.Order
	trades       []*core.Trade
	mappings     map[string]core.IdempotencyMapping
	reservations map[string]time.Time
	alerts       map[string]*core.Alert
}

func NewMemory(clock core.Clock) *Memory {
	return &Memory{
		clock:        clock,
		positions:    make(map[core.PositionKey]*core.Position),
		orders:       make(map[string]*core.Order),
		mappings:     make(map[string]core.IdempotencyMapping),
		reservations: make(map[string]time.Time),
		alerts:       make(map[string]*core.Alert),
	}
}

func (s *Memory) Get(ctx context.Context, key core.PositionKey) (*core.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[key]
	if !ok {
		return nil, nil
	}
	return clonePosition(pos), nil
}

func (s *Memory) Save(ctx context.Context, pos *core.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[pos.Key] = clonePosition(pos)
	return nil
}

func (s *Memory) List(ctx context.Context) ([]*core.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Position, 0, len(s.positions))
	for _, pos := range s.positions {
		out = append(out, clonePosition(pos))
	}
	return out, nil
}

// Orders returns an OrderStore view of the memory store. The same struct
// backs every interface; the views only exist so call sites read naturally.
func (s *Memory) Orders() core.OrderStore             { return (*memoryOrders)(s) }
func (s *Memory) Trades() core.TradeStore             { return (*memoryTrades)(s) }
func (s *Memory) Idempotency() core.IdempotencyStore  { return (*memoryIdempotency)(s) }
func (s *Memory) Alerts() core.AlertStore             { return (*memoryAlerts)(s) }

// Close satisfies the backend surface shared with the SQLite store.
func (s *Memory) Close() error { return nil }

type memoryOrders Memory

func (s *memoryOrders) Get(ctx context.Context, id string) (*core.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	cp := *order
	return &cp, nil
}

func (s *memoryOrders) Save(ctx context.Context, order *core.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *order
	s.orders[order.ID] = &cp
	return nil
}

func (s *memoryOrders) CountForPositionOnDay(ctx context.Context, key core.PositionKey, day time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countOrdersLocked((*Memory)(s), key, day), nil
}

func countOrdersLocked(s *Memory, key core.PositionKey, day time.Time) int {
	target := day.UTC().Format("2006-01-02")
	count := 0
	for _, order := range s.orders {
		if order.Position != key || order.Status == core.OrderRejected {
			continue
		}
		if order.CreatedAt.UTC().Format("2006-01-02") == target {
			count++
		}
	}
	return count
}

type memoryTrades Memory

func (s *memoryTrades) Save(ctx context.Context, trade *core.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *trade
	s.trades = append(s.trades, &cp)
	return nil
}

func (s *memoryTrades) ListForPosition(ctx context.Context, key core.PositionKey) ([]*core.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Trade
	for _, trade := range s.trades {
		if trade.Position == key {
			cp := *trade
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memoryIdempotency Memory

func (s *memoryIdempotency) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if expiry, held := s.reservations[key]; held && expiry.After(now) {
		return false, nil
	}
	// A mapped key is spent: its order exists, reservation or not.
	if _, mapped := s.mappings[key]; mapped {
		return false, nil
	}
	s.reservations[key] = now.Add(ttl)
	return true, nil
}

func (s *memoryIdempotency) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reservations, key)
	return nil
}

func (s *memoryIdempotency) PutMapping(ctx context.Context, m core.IdempotencyMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.mappings[m.Key]; ok && existing != m {
		return fmt.Errorf("%w: mapping for key %q already bound", apperrors.ErrIdempotencyConflict, m.Key)
	}
	s.mappings[m.Key] = m
	return nil
}

func (s *memoryIdempotency) GetMapping(ctx context.Context, key string) (*core.IdempotencyMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[key]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

type memoryAlerts Memory

func (s *memoryAlerts) Save(ctx context.Context, alert *core.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = cloneAlert(alert)
	return nil
}

func (s *memoryAlerts) FindActiveByCondition(ctx context.Context, cond core.Condition) (*core.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, alert := range s.alerts {
		if alert.Condition == cond && alert.IsOpen() {
			return cloneAlert(alert), nil
		}
	}
	return nil, nil
}

func (s *memoryAlerts) ListActive(ctx context.Context) ([]*core.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Alert
	for _, alert := range s.alerts {
		if alert.IsOpen() {
			out = append(out, cloneAlert(alert))
		}
	}
	return out, nil
}

// RecordFill commits the position mutation, order status and trade record
// together under the store lock.
func (s *Memory) RecordFill(ctx context.Context, pos *core.Position, order *core.Order, trade *core.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[pos.Key] = clonePosition(pos)
	ocp := *order
	s.orders[order.ID] = &ocp
	tcp := *trade
	s.trades = append(s.trades, &tcp)
	return nil
}

func clonePosition(pos *core.Position) *core.Position {
	cp := *pos
	if pos.AnchorPrice != nil {
		anchor := *pos.AnchorPrice
		cp.AnchorPrice = &anchor
	}
	if pos.AvgCost != nil {
		avg := *pos.AvgCost
		cp.AvgCost = &avg
	}
	return &cp
}

func cloneAlert(alert *core.Alert) *core.Alert {
	cp := *alert
	if alert.Metadata != nil {
		cp.Metadata = make(map[string]string, len(alert.Metadata))
		for k, v := range alert.Metadata {
			cp.Metadata[k] = v
		}
	}
	if alert.AcknowledgedAt != nil {
		t := *alert.AcknowledgedAt
		cp.AcknowledgedAt = &t
	}
	if alert.ResolvedAt != nil {
		t := *alert.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
