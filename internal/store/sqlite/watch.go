// Package sqlite is the local watchlist store. It mirrors the backend's
// selected tokens together with their last quote so a screen can render
// before the first tick arrives, and serves as a fallback when the backend
// is unreachable.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"tradewatch/internal/model"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/watch.db"
}

// WatchStore implements model.WatchStore on SQLite.
type WatchStore struct {
	db *sql.DB
}

var _ model.WatchStore = (*WatchStore)(nil)

// DB returns the underlying sql.DB for health checks.
func (s *WatchStore) DB() *sql.DB { return s.db }

// Open opens the database with WAL mode and creates the schema.
func Open(cfg Config) (*WatchStore, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &WatchStore{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS watchlist (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    TEXT    NOT NULL,
			category   TEXT    NOT NULL,
			token      TEXT    NOT NULL,
			name       TEXT    NOT NULL,
			display    TEXT    NOT NULL DEFAULT '',
			lot_size   INTEGER NOT NULL DEFAULT 1,
			buy        TEXT    NOT NULL DEFAULT '0',
			sell       TEXT    NOT NULL DEFAULT '0',
			ltp        TEXT    NOT NULL DEFAULT '0',
			chg        TEXT    NOT NULL DEFAULT '0',
			high       TEXT    NOT NULL DEFAULT '0',
			low        TEXT    NOT NULL DEFAULT '0',
			open       TEXT    NOT NULL DEFAULT '0',
			close      TEXT    NOT NULL DEFAULT '0',
			oi         TEXT    NOT NULL DEFAULT '0',
			volume     TEXT    NOT NULL DEFAULT '0',
			updated_at INTEGER NOT NULL DEFAULT 0,
			UNIQUE (user_id, category, token)
		);
		CREATE INDEX IF NOT EXISTS idx_watchlist_user ON watchlist(user_id, category);
	`)
	return err
}

// List returns the user's entries for one category in insertion order.
func (s *WatchStore) List(ctx context.Context, userID string, cat model.Category) ([]model.WatchEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, name, display, lot_size, buy, sell, ltp, chg, high, low, open, close, oi, volume, updated_at
		FROM watchlist
		WHERE user_id = ? AND category = ?
		ORDER BY id ASC
	`, userID, string(cat))
	if err != nil {
		return nil, fmt.Errorf("sqlite query watchlist: %w", err)
	}
	defer rows.Close()

	var out []model.WatchEntry
	for rows.Next() {
		e := model.WatchEntry{UserID: userID}
		e.Category = cat
		var fields [10]string
		var updated int64
		if err := rows.Scan(&e.Token, &e.Name, &e.Display, &e.LotSize,
			&fields[0], &fields[1], &fields[2], &fields[3], &fields[4],
			&fields[5], &fields[6], &fields[7], &fields[8], &fields[9], &updated); err != nil {
			return nil, fmt.Errorf("sqlite scan watchlist: %w", err)
		}
		dst := []*decimal.Decimal{&e.Buy, &e.Sell, &e.LTP, &e.Change, &e.High, &e.Low, &e.Open, &e.Close, &e.OI, &e.Volume}
		for i, f := range fields {
			*dst[i] = parseDecimal(f)
		}
		if updated > 0 {
			e.UpdatedAt = time.UnixMilli(updated).UTC()
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Add inserts or replaces an entry. A replaced entry keeps its position.
func (s *WatchStore) Add(ctx context.Context, e model.WatchEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watchlist (user_id, category, token, name, display, lot_size,
			buy, sell, ltp, chg, high, low, open, close, oi, volume, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, category, token) DO UPDATE SET
			name = excluded.name,
			display = excluded.display,
			lot_size = excluded.lot_size,
			buy = excluded.buy, sell = excluded.sell, ltp = excluded.ltp, chg = excluded.chg,
			high = excluded.high, low = excluded.low, open = excluded.open, close = excluded.close,
			oi = excluded.oi, volume = excluded.volume, updated_at = excluded.updated_at
	`, e.UserID, string(e.Category), e.Token, e.Name, e.Display, e.LotSize,
		e.Buy.String(), e.Sell.String(), e.LTP.String(), e.Change.String(),
		e.High.String(), e.Low.String(), e.Open.String(), e.Close.String(),
		e.OI.String(), e.Volume.String(), unixMilli(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite add %s: %w", e.Key(), err)
	}
	return nil
}

// Remove deletes an entry. Removing a missing entry is not an error.
func (s *WatchStore) Remove(ctx context.Context, userID string, cat model.Category, token string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM watchlist WHERE user_id = ? AND category = ? AND token = ?`,
		userID, string(cat), token)
	if err != nil {
		return fmt.Errorf("sqlite remove %s:%s: %w", cat, token, err)
	}
	return nil
}

// SaveQuotes refreshes the cached tick fields of existing entries in one
// transaction. Quotes for tokens not on the list are ignored.
func (s *WatchStore) SaveQuotes(ctx context.Context, userID string, quotes []model.Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE watchlist SET buy = ?, sell = ?, ltp = ?, chg = ?, high = ?, low = ?,
			open = ?, close = ?, oi = ?, volume = ?, updated_at = ?
		WHERE user_id = ? AND category = ? AND token = ?
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, q := range quotes {
		_, err := stmt.ExecContext(ctx,
			q.Buy.String(), q.Sell.String(), q.LTP.String(), q.Change.String(),
			q.High.String(), q.Low.String(), q.Open.String(), q.Close.String(),
			q.OI.String(), q.Volume.String(), unixMilli(q.UpdatedAt),
			userID, string(q.Category), q.Token)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite save quote %s: %w", q.Key(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Printf("[sqlite] saved %d quotes for %s in %v", len(quotes), userID, time.Since(start))
	return nil
}

// Close closes the database.
func (s *WatchStore) Close() error {
	return s.db.Close()
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
