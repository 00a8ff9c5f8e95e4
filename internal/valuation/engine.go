// Package valuation marks open positions to market and derives account
// figures. Everything here is pure; the portfolio package decides when to
// recompute.
package valuation

import (
	"tradewatch/internal/model"

	"github.com/shopspring/decimal"
)

// Price is the latest two-sided quote for an instrument, after
// zero-substitution.
type Price struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// Account holds the balances that are not derived from positions.
type Account struct {
	LedgerBalance decimal.Decimal `json:"ledger_balance"`
	CreditLimit   decimal.Decimal `json:"credit_limit"`
}

// PositionValue is one position marked to market.
type PositionValue struct {
	ID           string          `json:"id"`
	Token        string          `json:"token"`
	ExitPrice    decimal.Decimal `json:"current_price"`
	UnrealizedPL decimal.Decimal `json:"unrealized_pl"`
	Priced       bool            `json:"priced"` // false when no tick or seed price was available
}

// Result is the full valuation of an account.
type Result struct {
	Positions       []PositionValue `json:"positions"`
	TotalActivePL   decimal.Decimal `json:"total_active_pl"`
	TotalMargin     decimal.Decimal `json:"total_margin"`
	MarkToMarket    decimal.Decimal `json:"m2m"`
	MarginAvailable decimal.Decimal `json:"margin_available"`
}

// ExitPrice returns the price at which the position would close: a long
// sells at the bid, a short buys back at the ask.
func ExitPrice(side model.Side, px Price) decimal.Decimal {
	if side == model.SideSell {
		return px.Ask
	}
	return px.Bid
}

// UnrealizedPL returns (exit − entry) × qty for a long and
// (entry − exit) × qty for a short.
func UnrealizedPL(p model.Position, exit decimal.Decimal) decimal.Decimal {
	qty := decimal.NewFromInt(p.Quantity())
	if p.Side == model.SideSell {
		return p.EntryPrice.Sub(exit).Mul(qty)
	}
	return exit.Sub(p.EntryPrice).Mul(qty)
}

// Compute values every active position against prices, falling back to the
// position's seed CMP when no tick has arrived for its instrument. Pending
// and closed positions are ignored.
func Compute(positions []model.Position, prices map[string]Price, acct Account) Result {
	res := Result{Positions: make([]PositionValue, 0, len(positions))}

	for _, p := range positions {
		if !p.Open() {
			continue
		}
		pv := PositionValue{ID: p.ID, Token: p.Token()}

		if px, ok := prices[p.Token()]; ok {
			pv.ExitPrice = ExitPrice(p.Side, px)
			pv.Priced = pv.ExitPrice.IsPositive()
		}
		if !pv.Priced && p.CMP.IsPositive() {
			pv.ExitPrice = p.CMP
			pv.Priced = true
		}
		if pv.Priced {
			pv.UnrealizedPL = UnrealizedPL(p, pv.ExitPrice)
		}

		res.Positions = append(res.Positions, pv)
		res.TotalActivePL = res.TotalActivePL.Add(pv.UnrealizedPL)
		res.TotalMargin = res.TotalMargin.Add(p.Margin)
	}

	res.MarkToMarket = acct.LedgerBalance.Add(res.TotalActivePL).Add(acct.CreditLimit)
	res.MarginAvailable = decimal.Max(decimal.Zero, res.MarkToMarket.Sub(res.TotalMargin))
	return res
}
