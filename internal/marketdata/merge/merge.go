// Package merge folds feed ticks into per-screen quote snapshots. Snapshots
// are immutable: a tick that matches no instrument returns the same snapshot
// pointer, and a tick that matches replaces only the matched quotes.
package merge

import (
	"time"

	"tradewatch/internal/model"

	"github.com/shopspring/decimal"
)

// Snapshot is one consumer's ordered list of quotes. Treat it as read-only.
type Snapshot struct {
	quotes []*model.Quote
}

// NewSnapshot builds a snapshot from seed quotes.
func NewSnapshot(quotes []model.Quote) *Snapshot {
	s := &Snapshot{quotes: make([]*model.Quote, len(quotes))}
	for i := range quotes {
		q := quotes[i]
		s.quotes[i] = &q
	}
	return s
}

// Len returns the number of quotes.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.quotes)
}

// At returns the i-th quote.
func (s *Snapshot) At(i int) *model.Quote { return s.quotes[i] }

// Find returns the first quote for token, or nil.
func (s *Snapshot) Find(token string) *model.Quote {
	if s == nil {
		return nil
	}
	for _, q := range s.quotes {
		if q.Token == token {
			return q
		}
	}
	return nil
}

// Tokens returns the distinct tokens in display order.
func (s *Snapshot) Tokens() []string {
	if s == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(s.quotes))
	out := make([]string, 0, len(s.quotes))
	for _, q := range s.quotes {
		if _, ok := seen[q.Token]; ok {
			continue
		}
		seen[q.Token] = struct{}{}
		out = append(out, q.Token)
	}
	return out
}

// Values copies the quotes out, for persistence.
func (s *Snapshot) Values() []model.Quote {
	if s == nil {
		return nil
	}
	out := make([]model.Quote, len(s.quotes))
	for i, q := range s.quotes {
		out[i] = *q
	}
	return out
}

// With returns a snapshot with q appended, or replacing the quote with the
// same instrument key.
func (s *Snapshot) With(q model.Quote) *Snapshot {
	next := &Snapshot{quotes: make([]*model.Quote, 0, s.Len()+1)}
	replaced := false
	if s != nil {
		for _, x := range s.quotes {
			if x.Key() == q.Key() {
				cp := q
				next.quotes = append(next.quotes, &cp)
				replaced = true
				continue
			}
			next.quotes = append(next.quotes, x)
		}
	}
	if !replaced {
		next.quotes = append(next.quotes, &q)
	}
	return next
}

// Without returns a snapshot minus the instrument with the given key.
func (s *Snapshot) Without(key string) *Snapshot {
	if s == nil {
		return nil
	}
	next := &Snapshot{quotes: make([]*model.Quote, 0, len(s.quotes))}
	for _, x := range s.quotes {
		if x.Key() != key {
			next.quotes = append(next.quotes, x)
		}
	}
	return next
}

// Merge applies t to every quote for the same token. If no quote matches,
// s itself is returned so callers can skip re-rendering by comparing
// pointers.
func Merge(s *Snapshot, t model.Tick, now time.Time) *Snapshot {
	if s == nil || t.Token == "" {
		return s
	}
	var next *Snapshot
	for i, q := range s.quotes {
		if q.Token != t.Token {
			continue
		}
		if next == nil {
			next = &Snapshot{quotes: make([]*model.Quote, len(s.quotes))}
			copy(next.quotes, s.quotes)
		}
		next.quotes[i] = Apply(q, t, now)
	}
	if next == nil {
		return s
	}
	return next
}

// Apply returns a new quote with t folded into prev. Fields the tick omits or
// sends unparseable keep their previous values. A literal zero bid or ask
// means no quote on that side and is replaced by the tick's last price.
func Apply(prev *model.Quote, t model.Tick, now time.Time) *model.Quote {
	q := *prev

	q.PrevBuy = prev.Buy
	q.PrevSell = prev.Sell
	q.PrevLTP = prev.LTP

	// Buy shows the ask, sell shows the bid.
	q.Buy = side(t.Ask, t.LastPrice, prev.Buy)
	q.Sell = side(t.Bid, t.LastPrice, prev.Sell)
	q.LTP = t.LastPrice.Or(prev.LTP)
	q.Change = t.Change.Or(prev.Change)
	q.High = t.High.Or(prev.High)
	q.Low = t.Low.Or(prev.Low)
	q.Open = t.Open.Or(prev.Open)
	q.Close = t.Close.Or(prev.Close)
	q.OI = t.OI.Or(prev.OI)
	q.Volume = t.Volume.Or(prev.Volume)

	q.UpdatedAt = now
	return &q
}

func side(px, last model.Num, prev decimal.Decimal) decimal.Decimal {
	if px.Zero {
		return last.Or(prev)
	}
	return px.Or(prev)
}
