package merge

import (
	"sync"
	"time"

	"tradewatch/internal/model"
)

// Book holds one consumer's current snapshot and applies ticks to it. It is
// safe for concurrent use; ticks arrive on the feed goroutine while the owner
// reads and edits the instrument list from elsewhere.
type Book struct {
	mu   sync.Mutex
	snap *Snapshot
	now  func() time.Time

	// OnChange is called with the new snapshot after a tick changes it.
	OnChange func(*Snapshot)
}

// NewBook creates a Book seeded with quotes.
func NewBook(quotes []model.Quote) *Book {
	return &Book{snap: NewSnapshot(quotes), now: time.Now}
}

// Snapshot returns the current snapshot.
func (b *Book) Snapshot() *Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap
}

// Replace swaps in a new snapshot, e.g. after the instrument list changed.
func (b *Book) Replace(s *Snapshot) {
	b.mu.Lock()
	b.snap = s
	b.mu.Unlock()
}

// Update applies fn to the current snapshot under the lock.
func (b *Book) Update(fn func(*Snapshot) *Snapshot) *Snapshot {
	b.mu.Lock()
	b.snap = fn(b.snap)
	s := b.snap
	b.mu.Unlock()
	return s
}

// Apply merges t and reports whether the snapshot changed.
func (b *Book) Apply(t model.Tick) bool {
	now := t.ReceivedAt
	if now.IsZero() {
		now = b.now()
	}

	b.mu.Lock()
	next := Merge(b.snap, t, now)
	changed := next != b.snap
	b.snap = next
	b.mu.Unlock()

	if changed && b.OnChange != nil {
		b.OnChange(next)
	}
	return changed
}
