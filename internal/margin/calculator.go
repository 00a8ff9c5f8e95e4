package margin

import (
	"tradewatch/internal/model"

	"github.com/shopspring/decimal"
)

// Required returns the margin committed by an order of lots at price.
//
// Per-lot: lots × the amount configured for the instrument's symbol group.
// Categories without symbol groups use the category-wide amount; a grouped
// category with no entry for the group yields zero. Percentage: price × lots ×
// contract size / divisor, with DefaultDivisor when the divisor is unset or
// not positive. Missing data yields zero rather than an error.
func Required(inst model.Instrument, lots int64, price decimal.Decimal, p Policy, s Session) decimal.Decimal {
	if lots < 1 {
		return decimal.Zero
	}
	cp := p.For(inst.Category)
	n := decimal.NewFromInt(lots)

	if cp.Mode == ModePerLot {
		amt, ok := cp.perLot(SymbolGroup(inst.Name), s)
		if !ok {
			if Grouped(inst.Category) {
				return decimal.Zero
			}
			amt = cp.base(s)
		}
		if amt.IsNegative() {
			return decimal.Zero
		}
		return n.Mul(amt)
	}

	if !price.IsPositive() {
		return decimal.Zero
	}
	div := cp.base(s)
	if !div.IsPositive() {
		div = DefaultDivisor
	}
	notional := price.Mul(n).Mul(decimal.NewFromInt(inst.ContractSize()))
	return notional.Div(div)
}

// Both returns the intraday and holding margin for the same order.
func Both(inst model.Instrument, lots int64, price decimal.Decimal, p Policy) (intraday, holding decimal.Decimal) {
	return Required(inst, lots, price, p, Intraday), Required(inst, lots, price, p, Holding)
}
