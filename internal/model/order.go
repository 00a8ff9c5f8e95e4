package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType distinguishes market from limit entries.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// OrderRequest is a new order as entered by the user.
type OrderRequest struct {
	Ref        string          `json:"ref"`
	UserID     string          `json:"user_id"`
	Instrument Instrument      `json:"instrument"`
	Side       Side            `json:"side"`
	Type       OrderType       `json:"order_type"`
	Lots       int64           `json:"lots"`
	Price      decimal.Decimal `json:"price"` // limit price; ignored for market orders
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	Holding    bool            `json:"holding"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Order is the broker's acknowledgement of a placed order.
type Order struct {
	ID        string          `json:"order_id"`
	Ref       string          `json:"ref"`
	Status    string          `json:"status"`
	Price     decimal.Decimal `json:"price"`
	Margin    decimal.Decimal `json:"margin"`
	Holding   decimal.Decimal `json:"holding_margin"`
	UpdatedAt time.Time       `json:"updated_at"`
}
