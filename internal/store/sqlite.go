package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"rebalancer/internal/core"
	apperrors "rebalancer/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	tenant_id    TEXT NOT NULL,
	portfolio_id TEXT NOT NULL,
	position_id  TEXT NOT NULL,
	data         TEXT NOT NULL,
	PRIMARY KEY (tenant_id, portfolio_id, position_id)
);
CREATE TABLE IF NOT EXISTS orders (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	portfolio_id TEXT NOT NULL,
	position_id  TEXT NOT NULL,
	day          TEXT NOT NULL,
	status       TEXT NOT NULL,
	data         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_position_day
	ON orders (tenant_id, portfolio_id, position_id, day);
CREATE TABLE IF NOT EXISTS trades (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	portfolio_id TEXT NOT NULL,
	position_id  TEXT NOT NULL,
	data         TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS idempotency_mappings (
	key       TEXT PRIMARY KEY,
	order_id  TEXT NOT NULL,
	signature TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS idempotency_reservations (
	key        TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS alerts (
	id        TEXT PRIMARY KEY,
	condition TEXT NOT NULL,
	status    TEXT NOT NULL,
	data      TEXT NOT NULL
);`

// SQLite implements every engine store on one SQLite database. Records are
// stored as JSON documents with the columns the engine filters on lifted
// into the schema. The idempotency reservation is a conditional insert, so
// the test-and-set holds across processes sharing the file.
type SQLite struct {
	db    *sql.DB
	clock core.Clock
}

func NewSQLite(dbPath string, clock core.Clock) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// WAL mode for crash recovery.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLite{db: db, clock: clock}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Get(ctx context.Context, key core.PositionKey) (*core.Position, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM positions WHERE tenant_id = ? AND portfolio_id = ? AND position_id = ?`,
		key.TenantID, key.PortfolioID, key.PositionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read position: %w", err)
	}
	var pos core.Position
	if err := json.Unmarshal([]byte(data), &pos); err != nil {
		return nil, fmt.Errorf("failed to unmarshal position: %w", err)
	}
	return &pos, nil
}

func (s *SQLite) Save(ctx context.Context, pos *core.Position) error {
	return s.savePosition(ctx, s.db, pos)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLite) savePosition(ctx context.Context, ex execer, pos *core.Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}
	_, err = ex.ExecContext(ctx,
		`INSERT OR REPLACE INTO positions (tenant_id, portfolio_id, position_id, data) VALUES (?, ?, ?, ?)`,
		pos.Key.TenantID, pos.Key.PortfolioID, pos.Key.PositionID, string(data))
	if err != nil {
		return fmt.Errorf("failed to write position: %w", err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context) ([]*core.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var out []*core.Position
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var pos core.Position
		if err := json.Unmarshal([]byte(data), &pos); err != nil {
			return nil, fmt.Errorf("failed to unmarshal position: %w", err)
		}
		out = append(out, &pos)
	}
	return out, rows.Err()
}

func (s *SQLite) Orders() core.OrderStore            { return (*sqliteOrders)(s) }
func (s *SQLite) Trades() core.TradeStore            { return (*sqliteTrades)(s) }
func (s *SQLite) Idempotency() core.IdempotencyStore { return (*sqliteIdempotency)(s) }
func (s *SQLite) Alerts() core.AlertStore            { return (*sqliteAlerts)(s) }

type sqliteOrders SQLite

func (s *sqliteOrders) Get(ctx context.Context, id string) (*core.Order, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM orders WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read order: %w", err)
	}
	var order core.Order
	if err := json.Unmarshal([]byte(data), &order); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &order, nil
}

func (s *sqliteOrders) Save(ctx context.Context, order *core.Order) error {
	return saveOrder(ctx, s.db, order)
}

func saveOrder(ctx context.Context, ex execer, order *core.Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	_, err = ex.ExecContext(ctx,
		`INSERT OR REPLACE INTO orders (id, tenant_id, portfolio_id, position_id, day, status, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.Position.TenantID, order.Position.PortfolioID, order.Position.PositionID,
		order.CreatedAt.UTC().Format("2006-01-02"), string(order.Status), string(data))
	if err != nil {
		return fmt.Errorf("failed to write order: %w", err)
	}
	return nil
}

func (s *sqliteOrders) CountForPositionOnDay(ctx context.Context, key core.PositionKey, day time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders
		 WHERE tenant_id = ? AND portfolio_id = ? AND position_id = ? AND day = ? AND status != ?`,
		key.TenantID, key.PortfolioID, key.PositionID,
		day.UTC().Format("2006-01-02"), string(core.OrderRejected)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count orders: %w", err)
	}
	return count, nil
}

type sqliteTrades SQLite

func (s *sqliteTrades) Save(ctx context.Context, trade *core.Trade) error {
	return saveTrade(ctx, s.db, trade)
}

func saveTrade(ctx context.Context, ex execer, trade *core.Trade) error {
	data, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("failed to marshal trade: %w", err)
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO trades (id, tenant_id, portfolio_id, position_id, data) VALUES (?, ?, ?, ?, ?)`,
		trade.ID, trade.Position.TenantID, trade.Position.PortfolioID, trade.Position.PositionID, string(data))
	if err != nil {
		return fmt.Errorf("failed to write trade: %w", err)
	}
	return nil
}

func (s *sqliteTrades) ListForPosition(ctx context.Context, key core.PositionKey) ([]*core.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM trades WHERE tenant_id = ? AND portfolio_id = ? AND position_id = ?`,
		key.TenantID, key.PortfolioID, key.PositionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var out []*core.Trade
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var trade core.Trade
		if err := json.Unmarshal([]byte(data), &trade); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trade: %w", err)
		}
		out = append(out, &trade)
	}
	return out, rows.Err()
}

type sqliteIdempotency SQLite

// Reserve is the storage-level test-and-set: an insert-if-absent after
// pruning the expired reservation for the key. A key with a published
// mapping is spent and can never be reserved again.
func (s *sqliteIdempotency) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM idempotency_reservations WHERE key = ? AND expires_at <= ?`,
		key, now.UnixNano()); err != nil {
		return false, fmt.Errorf("failed to prune reservation: %w", err)
	}

	var mapped int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM idempotency_mappings WHERE key = ?`, key).Scan(&mapped); err != nil {
		return false, fmt.Errorf("failed to check mapping: %w", err)
	}
	if mapped > 0 {
		return false, tx.Commit()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO idempotency_reservations (key, expires_at) VALUES (?, ?)`,
		key, now.Add(ttl).UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to reserve key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, tx.Commit()
}

func (s *sqliteIdempotency) Release(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_reservations WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to release key: %w", err)
	}
	return nil
}

func (s *sqliteIdempotency) PutMapping(ctx context.Context, m core.IdempotencyMapping) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO idempotency_mappings (key, order_id, signature) VALUES (?, ?, ?)`,
		m.Key, m.OrderID, m.Signature)
	if err != nil {
		return fmt.Errorf("failed to write mapping: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		existing, err := s.GetMapping(ctx, m.Key)
		if err != nil {
			return err
		}
		if existing == nil || *existing != m {
			return fmt.Errorf("%w: mapping for key %q already bound", apperrors.ErrIdempotencyConflict, m.Key)
		}
	}
	return nil
}

func (s *sqliteIdempotency) GetMapping(ctx context.Context, key string) (*core.IdempotencyMapping, error) {
	var m core.IdempotencyMapping
	err := s.db.QueryRowContext(ctx,
		`SELECT key, order_id, signature FROM idempotency_mappings WHERE key = ?`, key).
		Scan(&m.Key, &m.OrderID, &m.Signature)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping: %w", err)
	}
	return &m, nil
}

type sqliteAlerts SQLite

func (s *sqliteAlerts) Save(ctx context.Context, alert *core.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO alerts (id, condition, status, data) VALUES (?, ?, ?, ?)`,
		alert.ID, string(alert.Condition), string(alert.Status), string(data))
	if err != nil {
		return fmt.Errorf("failed to write alert: %w", err)
	}
	return nil
}

func (s *sqliteAlerts) FindActiveByCondition(ctx context.Context, cond core.Condition) (*core.Alert, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM alerts WHERE condition = ? AND status IN (?, ?) LIMIT 1`,
		string(cond), string(core.AlertActive), string(core.AlertAcknowledged)).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read alert: %w", err)
	}
	var alert core.Alert
	if err := json.Unmarshal([]byte(data), &alert); err != nil {
		return nil, fmt.Errorf("failed to unmarshal alert: %w", err)
	}
	return &alert, nil
}

func (s *sqliteAlerts) ListActive(ctx context.Context) ([]*core.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM alerts WHERE status IN (?, ?)`,
		string(core.AlertActive), string(core.AlertAcknowledged))
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var out []*core.Alert
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var alert core.Alert
		if err := json.Unmarshal([]byte(data), &alert); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alert: %w", err)
		}
		out = append(out, &alert)
	}
	return out, rows.Err()
}

// RecordFill commits the position mutation, order status and trade record in
// a single transaction.
func (s *SQLite) RecordFill(ctx context.Context, pos *core.Position, order *core.Order, trade *core.Trade) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.savePosition(ctx, tx, pos); err != nil {
		return err
	}
	if err := saveOrder(ctx, tx, order); err != nil {
		return err
	}
	if err := saveTrade(ctx, tx, trade); err != nil {
		return err
	}
	return tx.Commit()
}
