// Package margin computes the margin an order commits, from the account's
// exposure policy. Policies come from the broker at login and are either a
// divisor on notional value or a flat amount per lot.
package margin

import (
	"strings"

	"tradewatch/internal/model"

	"github.com/shopspring/decimal"
)

// Mode selects how a category's margin is computed.
type Mode string

const (
	ModePercentage Mode = "percentage"
	ModePerLot     Mode = "per_lot"
)

// ParseMode maps the broker's exposure-type label to a Mode. Anything that
// mentions per_lot is per-lot; everything else is percentage.
func ParseMode(s string) Mode {
	if strings.Contains(strings.ToLower(s), "per_lot") {
		return ModePerLot
	}
	return ModePercentage
}

// Session selects intraday or holding (overnight) margin.
type Session int

const (
	Intraday Session = iota
	Holding
)

func (s Session) String() string {
	if s == Holding {
		return "Holding"
	}
	return "Intraday"
}

// DefaultDivisor applies when a percentage policy has no usable divisor.
var DefaultDivisor = decimal.NewFromInt(10)

// CategoryPolicy is the exposure rule for one exchange category.
type CategoryPolicy struct {
	Mode Mode

	// Divisor per session for percentage mode; also the flat per-lot amount
	// for categories without symbol groups.
	Intraday decimal.Decimal
	Holding  decimal.Decimal

	// Per-lot amounts keyed by symbol group, per-lot mode only.
	GroupIntraday map[string]decimal.Decimal
	GroupHolding  map[string]decimal.Decimal
}

func (p CategoryPolicy) base(s Session) decimal.Decimal {
	if s == Holding {
		return p.Holding
	}
	return p.Intraday
}

func (p CategoryPolicy) perLot(group string, s Session) (decimal.Decimal, bool) {
	m := p.GroupIntraday
	if s == Holding {
		m = p.GroupHolding
	}
	v, ok := m[group]
	return v, ok
}

// LotLimits are the per-category order size caps. Zero means unlimited.
type LotLimits struct {
	MinPerOrder  int64
	MaxPerOrder  int64
	MaxPerSymbol int64
	MaxOverall   int64
}

// Policy is an account's full exposure configuration.
type Policy struct {
	Categories map[model.Category]CategoryPolicy
	Limits     map[model.Category]LotLimits
}

// For returns the policy for cat, or a default percentage policy.
func (p Policy) For(cat model.Category) CategoryPolicy {
	if cp, ok := p.Categories[cat]; ok {
		return cp
	}
	return CategoryPolicy{Mode: ModePercentage}
}

// Grouped reports whether per-lot amounts for cat are configured per symbol
// group rather than once for the whole category.
func Grouped(cat model.Category) bool {
	return cat == model.CategoryMCX
}

// SymbolGroup returns the portion of an internal symbol name before the first
// underscore: "GOLD_05DEC2025" → "GOLD".
func SymbolGroup(name string) string {
	if i := strings.IndexByte(name, '_'); i >= 0 {
		return name[:i]
	}
	return name
}
