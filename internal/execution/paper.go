package execution

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"tradewatch/internal/broker"
	"tradewatch/internal/model"

	"github.com/shopspring/decimal"
)

// Fill is a simulated order fill.
type Fill struct {
	OrderID   string          `json:"order_id"`
	Token     string          `json:"token"`
	Side      string          `json:"side"`
	Lots      int64           `json:"lots"`
	FillPrice decimal.Decimal `json:"fill_price"`
	Slippage  decimal.Decimal `json:"slippage"`
	FilledAt  time.Time       `json:"filled_at"`
}

// PaperBroker accepts every order locally instead of sending it to the
// backend. Market orders fill with simulated slippage against the trader.
type PaperBroker struct {
	mu       sync.RWMutex
	fills    []Fill
	orderSeq int64
	now      func() time.Time

	slippageBps int64 // basis points, e.g. 5 = 0.05%
}

var _ Broker = (*PaperBroker)(nil)

// NewPaperBroker creates a paper broker.
func NewPaperBroker(slippageBps int64) *PaperBroker {
	return &PaperBroker{
		fills:       make([]Fill, 0, 64),
		slippageBps: slippageBps,
		now:         time.Now,
	}
}

// GetFills returns a snapshot of all fills.
func (p *PaperBroker) GetFills() []Fill {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := make([]Fill, len(p.fills))
	copy(cp, p.fills)
	return cp
}

// CheckBeforeTrade always approves.
func (p *PaperBroker) CheckBeforeTrade(context.Context, broker.OrderPayload) error {
	return nil
}

// SaveOrder fills the order locally.
func (p *PaperBroker) SaveOrder(_ context.Context, o broker.OrderPayload) (model.Order, error) {
	p.mu.Lock()
	p.orderSeq++
	orderID := fmt.Sprintf("PAPER-%d", p.orderSeq)

	fillPrice := o.OrderPrice
	slippage := decimal.Zero
	if o.OrderStatus != "Pending" && fillPrice.IsPositive() && p.slippageBps > 0 {
		slippage = fillPrice.Mul(decimal.NewFromInt(p.slippageBps)).Div(decimal.NewFromInt(10000)).Round(2)
		if o.OrderCategory == string(model.SideBuy) {
			fillPrice = fillPrice.Add(slippage)
		} else {
			fillPrice = fillPrice.Sub(slippage)
		}
	}

	now := p.now()
	p.fills = append(p.fills, Fill{
		OrderID:   orderID,
		Token:     o.TokenNo,
		Side:      o.OrderCategory,
		Lots:      o.Lots,
		FillPrice: fillPrice,
		Slippage:  slippage,
		FilledAt:  now,
	})
	p.mu.Unlock()

	log.Printf("[paper] %s %s x%d @ %s (slip=%s) order=%s",
		o.OrderCategory, o.ScriptName, o.Lots, fillPrice, slippage, orderID)

	return model.Order{
		ID:        orderID,
		Status:    o.OrderStatus,
		Price:     fillPrice,
		Margin:    o.MarginUsed,
		Holding:   o.HoldingMarginReq,
		UpdatedAt: now,
	}, nil
}

// SaveSLTP is a no-op.
func (p *PaperBroker) SaveSLTP(context.Context, string, decimal.Decimal, decimal.Decimal) error {
	return nil
}

// CloseTrade is a no-op; the portfolio books the exit.
func (p *PaperBroker) CloseTrade(_ context.Context, _ string, pos model.Position, cmp decimal.Decimal) error {
	log.Printf("[paper] close %s @ %s", pos.ID, cmp)
	return nil
}

// CancelOrder is a no-op.
func (p *PaperBroker) CancelOrder(context.Context, string, string) error {
	return nil
}
