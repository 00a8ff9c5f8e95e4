package model

// WatchEntry is one row of a user's watchlist. Quote caches the last known
// tick fields so the row renders before the feed delivers anything.
type WatchEntry struct {
	UserID string `json:"user_id"`
	Quote
}
