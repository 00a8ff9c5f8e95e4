// Package watchlist is the per-user, per-category quote screen. It seeds
// itself from the backend (or the local cache when the backend is down),
// subscribes the bus to its instruments and keeps a merged snapshot current.
package watchlist

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tradewatch/internal/marketdata/bus"
	"tradewatch/internal/marketdata/merge"
	"tradewatch/internal/model"
)

// DefaultLiveWindow is how recently a quote must have ticked to count as live.
const DefaultLiveWindow = 5 * time.Second

// ErrExists is returned by Add when the instrument is already listed.
var ErrExists = errors.New("watchlist: instrument already listed")

// Broker is the subset of the backend client the watchlist needs.
type Broker interface {
	SelectedTokens(ctx context.Context, userID string, cat model.Category) ([]model.WatchEntry, error)
	SaveToken(ctx context.Context, userID string, inst model.Instrument) error
	DeleteToken(ctx context.Context, userID, token string) error
}

// Watchlist is one user's screen for one category.
type Watchlist struct {
	userID string
	cat    model.Category
	broker Broker
	store  model.WatchStore
	window time.Duration
	now    func() time.Time

	book *merge.Book
	sub  *bus.Subscription

	// editMu serializes Load, Add and Remove so a listing check and the
	// backend call that follows it see the same list.
	editMu sync.Mutex
}

// New creates an empty watchlist. Either broker or store may be nil.
func New(userID string, cat model.Category, broker Broker, store model.WatchStore, window time.Duration) *Watchlist {
	if window <= 0 {
		window = DefaultLiveWindow
	}
	return &Watchlist{
		userID: userID,
		cat:    cat,
		broker: broker,
		store:  store,
		window: window,
		now:    time.Now,
		book:   merge.NewBook(nil),
	}
}

// OnChange sets a callback invoked with the new snapshot after each tick that
// changes it.
func (w *Watchlist) OnChange(fn func(*merge.Snapshot)) {
	w.book.OnChange = fn
}

// Load seeds the list from the backend. Cached quotes from the local store
// are laid over the backend entries so prices render before the first tick.
// If the backend fails the cached list is used on its own.
func (w *Watchlist) Load(ctx context.Context) error {
	w.editMu.Lock()
	defer w.editMu.Unlock()

	cached, cacheErr := w.cached(ctx)

	var entries []model.WatchEntry
	var err error
	if w.broker != nil {
		entries, err = w.broker.SelectedTokens(ctx, w.userID, w.cat)
	} else {
		err = errors.New("no broker configured")
	}

	if err != nil {
		if cacheErr != nil {
			return fmt.Errorf("watchlist: load %s/%s: %w", w.userID, w.cat, err)
		}
		log.Printf("[watchlist] %s/%s: backend unavailable, using %d cached entries: %v", w.userID, w.cat, len(cached), err)
		entries = cached
	} else {
		entries = overlay(entries, cached)
		w.mirror(ctx, entries, cached)
	}

	quotes := make([]model.Quote, len(entries))
	for i, e := range entries {
		quotes[i] = e.Quote
	}
	w.book.Replace(merge.NewSnapshot(quotes))
	w.resubscribe()
	return nil
}

// Attach registers the watchlist on the bus under id.
func (w *Watchlist) Attach(b *bus.Bus, id string) {
	w.sub = b.Register(id, w.book.Snapshot().Tokens(), w.handle)
}

// Detach unregisters from the bus.
func (w *Watchlist) Detach() {
	if w.sub != nil {
		w.sub.Unregister()
	}
}

// Add lists inst, persisting it to the backend and the local cache.
func (w *Watchlist) Add(ctx context.Context, inst model.Instrument) error {
	inst.Category = w.cat
	w.editMu.Lock()
	defer w.editMu.Unlock()

	if w.book.Snapshot().Find(inst.Token) != nil {
		return ErrExists
	}
	if w.broker != nil {
		if err := w.broker.SaveToken(ctx, w.userID, inst); err != nil {
			return fmt.Errorf("watchlist: add %s: %w", inst.Token, err)
		}
	}
	if w.store != nil {
		if err := w.store.Add(ctx, model.WatchEntry{UserID: w.userID, Quote: model.Quote{Instrument: inst}}); err != nil {
			log.Printf("[watchlist] cache add %s: %v", inst.Key(), err)
		}
	}

	w.book.Update(func(s *merge.Snapshot) *merge.Snapshot {
		return s.With(model.Quote{Instrument: inst})
	})
	w.resubscribe()
	return nil
}

// Remove unlists token. Removing an unlisted token is not an error.
func (w *Watchlist) Remove(ctx context.Context, token string) error {
	w.editMu.Lock()
	defer w.editMu.Unlock()

	if w.broker != nil {
		if err := w.broker.DeleteToken(ctx, w.userID, token); err != nil {
			return fmt.Errorf("watchlist: remove %s: %w", token, err)
		}
	}
	if w.store != nil {
		if err := w.store.Remove(ctx, w.userID, w.cat, token); err != nil {
			log.Printf("[watchlist] cache remove %s:%s: %v", w.cat, token, err)
		}
	}

	key := string(w.cat) + ":" + token
	w.book.Update(func(s *merge.Snapshot) *merge.Snapshot { return s.Without(key) })
	w.resubscribe()
	return nil
}

// Quotes returns the current quotes in display order.
func (w *Watchlist) Quotes() []model.Quote {
	return w.book.Snapshot().Values()
}

// Snapshot returns the current snapshot.
func (w *Watchlist) Snapshot() *merge.Snapshot {
	return w.book.Snapshot()
}

// Live reports whether token ticked within the live window.
func (w *Watchlist) Live(token string) bool {
	q := w.book.Snapshot().Find(token)
	if q == nil {
		return false
	}
	return q.Live(w.now(), w.window)
}

// Flush writes the latest quotes to the local cache.
func (w *Watchlist) Flush(ctx context.Context) error {
	if w.store == nil {
		return nil
	}
	return w.store.SaveQuotes(ctx, w.userID, w.Quotes())
}

// Run flushes every interval until ctx is cancelled, then once more.
func (w *Watchlist) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := w.Flush(context.Background()); err != nil {
				log.Printf("[watchlist] final flush %s/%s: %v", w.userID, w.cat, err)
			}
			return
		case <-ticker.C:
			if err := w.Flush(ctx); err != nil {
				log.Printf("[watchlist] flush %s/%s: %v", w.userID, w.cat, err)
			}
		}
	}
}

func (w *Watchlist) handle(ev bus.Event) {
	if ev.Type != bus.EventTick {
		return
	}
	w.book.Apply(ev.Tick)
}

func (w *Watchlist) resubscribe() {
	if w.sub != nil {
		w.sub.SetInterest(w.book.Snapshot().Tokens())
	}
}

func (w *Watchlist) cached(ctx context.Context) ([]model.WatchEntry, error) {
	if w.store == nil {
		return nil, errors.New("no cache configured")
	}
	return w.store.List(ctx, w.userID, w.cat)
}

// mirror brings the local cache in line with the backend list.
func (w *Watchlist) mirror(ctx context.Context, entries, cached []model.WatchEntry) {
	if w.store == nil {
		return
	}
	keep := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		keep[e.Token] = struct{}{}
		e.UserID = w.userID
		if err := w.store.Add(ctx, e); err != nil {
			log.Printf("[watchlist] cache sync %s: %v", e.Key(), err)
		}
	}
	for _, c := range cached {
		if _, ok := keep[c.Token]; ok {
			continue
		}
		if err := w.store.Remove(ctx, w.userID, w.cat, c.Token); err != nil {
			log.Printf("[watchlist] cache prune %s: %v", c.Key(), err)
		}
	}
}

// overlay copies cached prices into backend entries that carry none.
func overlay(entries, cached []model.WatchEntry) []model.WatchEntry {
	byToken := make(map[string]model.WatchEntry, len(cached))
	for _, c := range cached {
		byToken[c.Token] = c
	}
	out := make([]model.WatchEntry, len(entries))
	for i, e := range entries {
		if c, ok := byToken[e.Token]; ok && e.LTP.IsZero() && e.Buy.IsZero() && e.Sell.IsZero() {
			inst := e.Instrument
			e.Quote = c.Quote
			e.Instrument = inst
		}
		out[i] = e
	}
	return out
}
