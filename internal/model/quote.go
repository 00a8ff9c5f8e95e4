package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the display state of one instrument on one screen: the last
// merged tick values plus the values they replaced.
type Quote struct {
	Instrument

	Buy    decimal.Decimal `json:"buy"`
	Sell   decimal.Decimal `json:"sell"`
	LTP    decimal.Decimal `json:"ltp"`
	Change decimal.Decimal `json:"chg"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Open   decimal.Decimal `json:"open"`
	Close  decimal.Decimal `json:"close"`
	OI     decimal.Decimal `json:"oi"`
	Volume decimal.Decimal `json:"volume"`

	PrevBuy  decimal.Decimal `json:"prev_buy"`
	PrevSell decimal.Decimal `json:"prev_sell"`
	PrevLTP  decimal.Decimal `json:"prev_ltp"`

	UpdatedAt time.Time `json:"updated_at"`
}

var hundred = decimal.NewFromInt(100)

// ChangePercent returns Change / (LTP - Change) * 100, or zero when the base
// is zero.
func (q *Quote) ChangePercent() decimal.Decimal {
	base := q.LTP.Sub(q.Change)
	if base.IsZero() {
		return decimal.Zero
	}
	return q.Change.Div(base).Mul(hundred).Round(2)
}

// Live reports whether the quote was updated within window of now.
func (q *Quote) Live(now time.Time, window time.Duration) bool {
	if q.UpdatedAt.IsZero() {
		return false
	}
	return now.Sub(q.UpdatedAt) <= window
}

// Direction returns +1, -1 or 0 comparing cur against prev. Used for the
// up/down price colouring.
func Direction(cur, prev decimal.Decimal) int {
	return cur.Cmp(prev)
}
