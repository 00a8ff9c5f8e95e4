package portfolio

import (
	"sync"
	"time"

	"tradewatch/internal/model"
	"tradewatch/internal/valuation"

	"github.com/shopspring/decimal"
)

// ClosedTrade is a realized round trip.
type ClosedTrade struct {
	ID         string          `json:"id"`
	Token      string          `json:"token"`
	Side       model.Side      `json:"side"`
	Qty        int64           `json:"qty"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	PnL        decimal.Decimal `json:"pnl"`
	ClosedAt   time.Time       `json:"closed_at"`
}

// PnLTracker accumulates realized P&L from closed positions.
type PnLTracker struct {
	mu       sync.RWMutex
	trades   []ClosedTrade
	realized decimal.Decimal
}

// NewPnLTracker creates a new P&L tracker.
func NewPnLTracker() *PnLTracker {
	return &PnLTracker{
		trades: make([]ClosedTrade, 0, 64),
	}
}

// RecordClose books a closed position and returns its realized P&L.
func (p *PnLTracker) RecordClose(pos model.Position) decimal.Decimal {
	pnl := valuation.UnrealizedPL(pos, pos.ExitPrice)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.trades = append(p.trades, ClosedTrade{
		ID:         pos.ID,
		Token:      pos.Token(),
		Side:       pos.Side,
		Qty:        pos.Quantity(),
		EntryPrice: pos.EntryPrice,
		ExitPrice:  pos.ExitPrice,
		PnL:        pnl,
		ClosedAt:   pos.ClosedAt,
	})
	p.realized = p.realized.Add(pnl)
	return pnl
}

// Realized returns total realized P&L.
func (p *PnLTracker) Realized() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.realized
}

// GetTrades returns a snapshot of all closed trades.
func (p *PnLTracker) GetTrades() []ClosedTrade {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := make([]ClosedTrade, len(p.trades))
	copy(cp, p.trades)
	return cp
}

// PnLSummary combines realized and live figures.
type PnLSummary struct {
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	ClosedTrades  int             `json:"closed_trades"`
	OpenPositions int             `json:"open_positions"`
}

// GetSummary returns the current P&L summary against a live valuation.
func (p *PnLTracker) GetSummary(live valuation.Result) PnLSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PnLSummary{
		RealizedPnL:   p.realized,
		UnrealizedPnL: live.TotalActivePL,
		TotalPnL:      p.realized.Add(live.TotalActivePL),
		ClosedTrades:  len(p.trades),
		OpenPositions: len(live.Positions),
	}
}
