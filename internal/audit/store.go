// Package audit persists an append-only trail of every webhook request and
// every order action, so rejected alerts and broker activity can be
// reconstructed after the fact.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// APIEvent is one inbound webhook request, accepted or not.
type APIEvent struct {
	ID             int64     `db:"id"`
	ReceivedAt     time.Time `db:"received_at"`
	IP             string    `db:"ip"`
	UserAgent      string    `db:"user_agent"`
	Event          string    `db:"event"`
	Symbol         string    `db:"symbol"`
	Qty            int       `db:"qty"`
	OrderType      string    `db:"order_type"`
	TIF            string    `db:"tif"`
	IdempotencyKey string    `db:"idempotency_key"`
	Nonce          string    `db:"nonce"`
	Accepted       bool      `db:"accepted"`
	Reason         string    `db:"reason"`
	Raw            string    `db:"raw"`
}

// OrderRecord is one order action taken against the broker.
type OrderRecord struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	Event     string    `db:"event"`
	Symbol    string    `db:"symbol"`
	Qty       int       `db:"qty"`
	OrderType string    `db:"order_type"`
	TIF       string    `db:"tif"`
	Exchange  string    `db:"exchange"`
	Currency  string    `db:"currency"`
	Status    string    `db:"status"`
	OrderID   string    `db:"order_id"`
	Request   string    `db:"request"`
	Response  string    `db:"response"`
}

// Store is a sqlite-backed audit log.
type Store struct {
	db *sqlx.DB
}

// Open creates or opens the audit database at path and initializes the
// schema.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS api_events (
id INTEGER PRIMARY KEY AUTOINCREMENT,
received_at TIMESTAMP NOT NULL,
ip TEXT,
user_agent TEXT,
event TEXT,
symbol TEXT,
qty INTEGER,
order_type TEXT,
tif TEXT,
idempotency_key TEXT,
nonce TEXT,
accepted INTEGER NOT NULL DEFAULT 0,
reason TEXT,
raw TEXT
)`,
		`CREATE TABLE IF NOT EXISTS orders (
id INTEGER PRIMARY KEY AUTOINCREMENT,
created_at TIMESTAMP NOT NULL,
event TEXT,
symbol TEXT,
qty INTEGER,
order_type TEXT,
tif TEXT,
exchange TEXT,
currency TEXT,
status TEXT,
order_id TEXT,
request TEXT,
response TEXT
)`,
		`CREATE INDEX IF NOT EXISTS idx_api_events_received_at ON api_events(received_at)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders(created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init audit schema: %w", err)
		}
	}
	return nil
}

// RecordAPIEvent appends an inbound request to the trail and returns its id.
func (s *Store) RecordAPIEvent(ctx context.Context, e *APIEvent) (int64, error) {
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO api_events
(received_at, ip, user_agent, event, symbol, qty, order_type, tif, idempotency_key, nonce, accepted, reason, raw)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ReceivedAt, e.IP, e.UserAgent, e.Event, e.Symbol, e.Qty, e.OrderType,
		e.TIF, e.IdempotencyKey, e.Nonce, e.Accepted, e.Reason, e.Raw)
	if err != nil {
		return 0, fmt.Errorf("record api event: %w", err)
	}
	return res.LastInsertId()
}

// RecordOrder appends an order action to the trail and returns its id.
func (s *Store) RecordOrder(ctx context.Context, o *OrderRecord) (int64, error) {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO orders
(created_at, event, symbol, qty, order_type, tif, exchange, currency, status, order_id, request, response)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.CreatedAt, o.Event, o.Symbol, o.Qty, o.OrderType, o.TIF,
		o.Exchange, o.Currency, o.Status, o.OrderID, o.Request, o.Response)
	if err != nil {
		return 0, fmt.Errorf("record order: %w", err)
	}
	return res.LastInsertId()
}

// RecentAPIEvents returns up to limit events, newest first.
func (s *Store) RecentAPIEvents(ctx context.Context, limit int) ([]APIEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []APIEvent
	err := s.db.SelectContext(ctx, &events,
		`SELECT * FROM api_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("list api events: %w", err)
	}
	return events, nil
}

// RecentOrders returns up to limit order records, newest first.
func (s *Store) RecentOrders(ctx context.Context, limit int) ([]OrderRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var orders []OrderRecord
	err := s.db.SelectContext(ctx, &orders,
		`SELECT * FROM orders ORDER BY id DESC LIMIT ?`, limit)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// MarshalRaw renders v as compact JSON for the raw/request/response
// columns, swallowing marshal failures into an empty string.
func MarshalRaw(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
