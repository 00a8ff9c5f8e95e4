package execution

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"tradewatch/internal/model"
	"tradewatch/internal/valuation"

	_ "github.com/mattn/go-sqlite3"
)

// Journal persists placed orders and closed positions to SQLite for audit.
// Rows are never deleted.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

var _ model.TradeJournal = (*Journal)(nil)

// NewJournal opens (or creates) a SQLite journal database.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL")
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS orders (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id    TEXT NOT NULL,
		ref         TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		side        TEXT NOT NULL,
		order_type  TEXT NOT NULL,
		token       TEXT NOT NULL,
		category    TEXT NOT NULL,
		symbol      TEXT NOT NULL,
		lots        INTEGER NOT NULL,
		price       TEXT NOT NULL,
		margin      TEXT NOT NULL,
		holding     TEXT NOT NULL,
		status      TEXT NOT NULL,
		placed_at   DATETIME NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS closed_positions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id TEXT NOT NULL,
		side        TEXT NOT NULL,
		token       TEXT NOT NULL,
		category    TEXT NOT NULL,
		symbol      TEXT NOT NULL,
		lots        INTEGER NOT NULL,
		qty         INTEGER NOT NULL,
		entry_price TEXT NOT NULL,
		exit_price  TEXT NOT NULL,
		pnl         TEXT NOT NULL,
		opened_at   DATETIME NOT NULL,
		closed_at   DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id);
	CREATE INDEX IF NOT EXISTS idx_closed_token ON closed_positions(token, category);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("[journal] opened trade journal at %s", dbPath)
	return &Journal{db: db}, nil
}

// RecordOrder persists a placed order.
func (j *Journal) RecordOrder(req model.OrderRequest, ord model.Order) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		`INSERT INTO orders (order_id, ref, user_id, side, order_type, token, category, symbol,
			lots, price, margin, holding, status, placed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ord.ID, req.Ref, req.UserID,
		string(req.Side), string(req.Type),
		req.Instrument.Token, string(req.Instrument.Category), req.Instrument.Name,
		req.Lots, ord.Price.String(), ord.Margin.String(), ord.Holding.String(),
		ord.Status, req.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// RecordClose persists a closed position with its realized P&L.
func (j *Journal) RecordClose(p model.Position) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	pnl := valuation.UnrealizedPL(p, p.ExitPrice)
	_, err := j.db.Exec(
		`INSERT INTO closed_positions (position_id, side, token, category, symbol, lots, qty,
			entry_price, exit_price, pnl, opened_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, string(p.Side),
		p.Token(), string(p.Instrument.Category), p.Instrument.Name,
		p.Lots, p.Quantity(),
		p.EntryPrice.String(), p.ExitPrice.String(), pnl.String(),
		p.OpenedAt.UTC().Format(time.RFC3339), p.ClosedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// OrderRecord represents a row from the orders table.
type OrderRecord struct {
	ID        int64  `json:"id"`
	OrderID   string `json:"order_id"`
	Ref       string `json:"ref"`
	UserID    string `json:"user_id"`
	Side      string `json:"side"`
	OrderType string `json:"order_type"`
	Token     string `json:"token"`
	Symbol    string `json:"symbol"`
	Lots      int64  `json:"lots"`
	Price     string `json:"price"`
	Margin    string `json:"margin"`
	Status    string `json:"status"`
	PlacedAt  string `json:"placed_at"`
}

// GetOrders returns the last N orders, newest first.
func (j *Journal) GetOrders(limit int) ([]OrderRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT id, order_id, ref, user_id, side, order_type, token, symbol, lots, price, margin, status, placed_at
		 FROM orders ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var r OrderRecord
		if err := rows.Scan(&r.ID, &r.OrderID, &r.Ref, &r.UserID, &r.Side, &r.OrderType,
			&r.Token, &r.Symbol, &r.Lots, &r.Price, &r.Margin, &r.Status, &r.PlacedAt); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClosedRecord represents a row from the closed_positions table.
type ClosedRecord struct {
	ID         int64  `json:"id"`
	PositionID string `json:"position_id"`
	Side       string `json:"side"`
	Token      string `json:"token"`
	Symbol     string `json:"symbol"`
	Lots       int64  `json:"lots"`
	EntryPrice string `json:"entry_price"`
	ExitPrice  string `json:"exit_price"`
	PnL        string `json:"pnl"`
	ClosedAt   string `json:"closed_at"`
}

// GetClosed returns the last N closed positions, newest first.
func (j *Journal) GetClosed(limit int) ([]ClosedRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT id, position_id, side, token, symbol, lots, entry_price, exit_price, pnl, closed_at
		 FROM closed_positions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ClosedRecord
	for rows.Next() {
		var r ClosedRecord
		if err := rows.Scan(&r.ID, &r.PositionID, &r.Side, &r.Token, &r.Symbol, &r.Lots,
			&r.EntryPrice, &r.ExitPrice, &r.PnL, &r.ClosedAt); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
