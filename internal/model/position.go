package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide normalizes a side label.
func ParseSide(s string) (Side, bool) {
	switch s {
	case "BUY", "buy", "Buy":
		return SideBuy, true
	case "SELL", "sell", "Sell":
		return SideSell, true
	}
	return "", false
}

// PositionStatus tracks a position through its lifecycle.
type PositionStatus string

const (
	StatusPending PositionStatus = "pending"
	StatusActive  PositionStatus = "active"
	StatusClosed  PositionStatus = "closed"
)

// Position is an open or historical trade.
type Position struct {
	ID         string          `json:"id"`
	Instrument Instrument      `json:"instrument"`
	Side       Side            `json:"side"`
	Lots       int64           `json:"lots"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	StopLoss   decimal.Decimal `json:"stop_loss"`   // zero = unset
	TakeProfit decimal.Decimal `json:"take_profit"` // zero = unset
	Margin     decimal.Decimal `json:"margin"`
	Holding    decimal.Decimal `json:"holding_margin"`
	Status     PositionStatus  `json:"status"`

	// CMP is the server-supplied current price used until a tick arrives.
	CMP decimal.Decimal `json:"cmp"`

	ExitPrice decimal.Decimal `json:"exit_price"`
	OpenedAt  time.Time       `json:"opened_at"`
	ClosedAt  time.Time       `json:"closed_at"`
}

// Token returns the instrument token of the position.
func (p *Position) Token() string { return p.Instrument.Token }

// Quantity returns lots times the contract size.
func (p *Position) Quantity() int64 {
	return p.Lots * p.Instrument.ContractSize()
}

// Open reports whether the position contributes to live valuation.
func (p *Position) Open() bool {
	return p.Status == StatusActive
}
