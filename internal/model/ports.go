package model

import (
	"context"
	"time"
)

// ── Storage Port Interfaces ──
// These decouple the watchlist, session and execution logic from the
// concrete Redis and SQLite implementations.

// WatchStore persists per-user watchlists.
type WatchStore interface {
	// List returns the user's entries for one category in insertion order.
	List(ctx context.Context, userID string, cat Category) ([]WatchEntry, error)

	// Add inserts or replaces an entry.
	Add(ctx context.Context, e WatchEntry) error

	// Remove deletes an entry. Removing a missing entry is not an error.
	Remove(ctx context.Context, userID string, cat Category, token string) error

	// SaveQuotes refreshes the cached tick fields for the given entries.
	SaveQuotes(ctx context.Context, userID string, quotes []Quote) error

	// Close releases underlying resources.
	Close() error
}

// TradeJournal records placed orders and closed positions.
type TradeJournal interface {
	RecordOrder(req OrderRequest, ord Order) error
	RecordClose(p Position) error
	Close() error
}

// KV is a flat string map scoped to a user session, as returned by the
// broker login endpoint.
type KV interface {
	Load(ctx context.Context, userID string) (map[string]string, error)
	Save(ctx context.Context, userID string, values map[string]string, ttl time.Duration) error
	Delete(ctx context.Context, userID string) error
}

// TickCache keeps the most recent raw tick per token for late joiners.
type TickCache interface {
	Put(ctx context.Context, t Tick) error
	Get(ctx context.Context, token string) (Tick, bool, error)
}
