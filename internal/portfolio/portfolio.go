// Package portfolio tracks a user's positions, folds feed ticks into their
// prices and keeps the account valuation current.
//
// It maintains a real-time view of all positions, recomputes unrealized P&L
// and margin whenever a matching tick arrives or the position list changes,
// and subscribes the bus to exactly the instruments it holds.
package portfolio

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"tradewatch/internal/marketdata/bus"
	"tradewatch/internal/marketdata/merge"
	"tradewatch/internal/model"
	"tradewatch/internal/valuation"

	"github.com/shopspring/decimal"
)

// Portfolio tracks all positions of one account.
type Portfolio struct {
	mu        sync.RWMutex
	positions map[string]*model.Position // key = position id
	quotes    map[string]*model.Quote    // key = token
	account   valuation.Account
	result    valuation.Result
	feedUp    bool
	now       func() time.Time

	sub *bus.Subscription

	// OnValuation is called after every recompute.
	OnValuation func(valuation.Result)
}

// New creates an empty Portfolio.
func New(acct valuation.Account) *Portfolio {
	pf := &Portfolio{
		positions: make(map[string]*model.Position),
		quotes:    make(map[string]*model.Quote),
		account:   acct,
		now:       time.Now,
	}
	pf.result = valuation.Compute(nil, nil, acct)
	return pf
}

// Attach registers the portfolio on the bus under id.
func (pf *Portfolio) Attach(b *bus.Bus, id string) {
	pf.mu.Lock()
	pf.feedUp = true
	pf.mu.Unlock()
	pf.sub = b.Register(id, pf.tokens(), pf.handle)
}

// Detach unregisters from the bus.
func (pf *Portfolio) Detach() {
	if pf.sub != nil {
		pf.sub.Unregister()
	}
}

// SetAccount replaces the ledger balance and credit limit.
func (pf *Portfolio) SetAccount(acct valuation.Account) {
	pf.mu.Lock()
	pf.account = acct
	pf.mu.Unlock()
	pf.recompute()
}

// LedgerSource returns the account's current ledger balance.
type LedgerSource interface {
	LedgerBalance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// RefreshLedger fetches the ledger balance and revalues the account. The
// credit limit is kept. On error the previous balance stays in place.
func (pf *Portfolio) RefreshLedger(ctx context.Context, src LedgerSource, userID string) error {
	bal, err := src.LedgerBalance(ctx, userID)
	if err != nil {
		return fmt.Errorf("portfolio: refresh ledger: %w", err)
	}
	pf.mu.RLock()
	acct := pf.account
	pf.mu.RUnlock()
	acct.LedgerBalance = bal
	pf.SetAccount(acct)
	return nil
}

// Load replaces all positions, e.g. from the broker's trade list.
func (pf *Portfolio) Load(positions []model.Position) {
	pf.mu.Lock()
	pf.positions = make(map[string]*model.Position, len(positions))
	for i := range positions {
		p := positions[i]
		pf.positions[p.ID] = &p
	}
	pf.mu.Unlock()
	pf.changed()
}

// Open adds or replaces a position.
func (pf *Portfolio) Open(p model.Position) {
	if p.OpenedAt.IsZero() {
		p.OpenedAt = pf.now()
	}
	pf.mu.Lock()
	pf.positions[p.ID] = &p
	pf.mu.Unlock()
	pf.changed()
}

// Update applies fn to the position with id, e.g. to attach stop-loss or
// take-profit levels. Returns false if no such position exists.
func (pf *Portfolio) Update(id string, fn func(*model.Position)) bool {
	pf.mu.Lock()
	p, ok := pf.positions[id]
	if ok {
		fn(p)
	}
	pf.mu.Unlock()
	if ok {
		pf.changed()
	}
	return ok
}

// Close marks a position closed at its current exit price and returns it.
func (pf *Portfolio) Close(id string) (model.Position, bool) {
	pf.mu.Lock()
	p, ok := pf.positions[id]
	if !ok || p.Status == model.StatusClosed {
		pf.mu.Unlock()
		return model.Position{}, false
	}
	exit := p.CMP
	if q, ok := pf.quotes[p.Token()]; ok {
		if px := valuation.ExitPrice(p.Side, priceOf(q)); px.IsPositive() {
			exit = px
		}
	}
	p.ExitPrice = exit
	p.Status = model.StatusClosed
	p.ClosedAt = pf.now()
	closed := *p
	pf.mu.Unlock()

	log.Printf("[portfolio] closed %s %s %d lots @ %s", closed.ID, closed.Side, closed.Lots, exit)
	pf.changed()
	return closed, true
}

// Cancel removes a pending position.
func (pf *Portfolio) Cancel(id string) bool {
	pf.mu.Lock()
	p, ok := pf.positions[id]
	if ok && p.Status == model.StatusPending {
		delete(pf.positions, id)
	} else {
		ok = false
	}
	pf.mu.Unlock()
	if ok {
		pf.changed()
	}
	return ok
}

// GetPositions returns a snapshot of all positions ordered by open time.
func (pf *Portfolio) GetPositions() []model.Position {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	result := make([]model.Position, 0, len(pf.positions))
	for _, p := range pf.positions {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].OpenedAt.Equal(result[j].OpenedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].OpenedAt.Before(result[j].OpenedAt)
	})
	return result
}

// Valuation returns the most recent valuation.
func (pf *Portfolio) Valuation() valuation.Result {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	return pf.result
}

// FeedUp reports whether the feed was connected at the last event.
func (pf *Portfolio) FeedUp() bool {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	return pf.feedUp
}

// Price returns the latest zero-substituted bid/ask for token.
func (pf *Portfolio) Price(token string) (valuation.Price, bool) {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	q, ok := pf.quotes[token]
	if !ok {
		return valuation.Price{}, false
	}
	return priceOf(q), true
}

func (pf *Portfolio) handle(ev bus.Event) {
	if ev.Type == bus.EventDisconnected {
		pf.mu.Lock()
		pf.feedUp = false
		pf.mu.Unlock()
		log.Printf("[portfolio] feed disconnected, valuations frozen at last prices")
		return
	}

	t := ev.Tick
	now := t.ReceivedAt
	if now.IsZero() {
		now = pf.now()
	}

	pf.mu.Lock()
	pf.feedUp = true
	if !pf.holdsLocked(t.Token) {
		pf.mu.Unlock()
		return
	}
	prev, ok := pf.quotes[t.Token]
	if !ok {
		prev = &model.Quote{Instrument: model.Instrument{Token: t.Token}}
	}
	pf.quotes[t.Token] = merge.Apply(prev, t, now)
	pf.mu.Unlock()

	pf.recompute()
}

func (pf *Portfolio) holdsLocked(token string) bool {
	for _, p := range pf.positions {
		if p.Token() == token && p.Status != model.StatusClosed {
			return true
		}
	}
	return false
}

// changed resubscribes and recomputes after the position list changed.
func (pf *Portfolio) changed() {
	if pf.sub != nil {
		pf.sub.SetInterest(pf.tokens())
	}
	pf.recompute()
}

func (pf *Portfolio) recompute() {
	pf.mu.Lock()
	positions := make([]model.Position, 0, len(pf.positions))
	for _, p := range pf.positions {
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].ID < positions[j].ID })
	prices := make(map[string]valuation.Price, len(pf.quotes))
	for tok, q := range pf.quotes {
		prices[tok] = priceOf(q)
	}
	res := valuation.Compute(positions, prices, pf.account)
	pf.result = res
	cb := pf.OnValuation
	pf.mu.Unlock()

	if cb != nil {
		cb(res)
	}
}

// tokens returns the instruments of all non-closed positions.
func (pf *Portfolio) tokens() []string {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	seen := make(map[string]struct{})
	out := make([]string, 0, len(pf.positions))
	for _, p := range pf.positions {
		if p.Status == model.StatusClosed {
			continue
		}
		if _, ok := seen[p.Token()]; ok {
			continue
		}
		seen[p.Token()] = struct{}{}
		out = append(out, p.Token())
	}
	sort.Strings(out)
	return out
}

// priceOf maps a merged quote to bid/ask: Sell carries the bid side and Buy
// the ask side.
func priceOf(q *model.Quote) valuation.Price {
	return valuation.Price{Bid: q.Sell, Ask: q.Buy}
}

// TotalMargin returns the margin committed by active positions.
func (pf *Portfolio) TotalMargin() decimal.Decimal {
	return pf.Valuation().TotalMargin
}
