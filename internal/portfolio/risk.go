package portfolio

import (
	"fmt"
	"log"
	"sync"

	"tradewatch/internal/margin"
	"tradewatch/internal/model"

	"github.com/shopspring/decimal"
)

// RiskManager checks new orders against the account's lot caps and free
// margin before they are sent to the broker.
type RiskManager struct {
	mu        sync.RWMutex
	policy    margin.Policy
	portfolio *Portfolio
}

// NewRiskManager creates a RiskManager for pf under policy.
func NewRiskManager(policy margin.Policy, pf *Portfolio) *RiskManager {
	return &RiskManager{policy: policy, portfolio: pf}
}

// Policy returns the current exposure policy.
func (rm *RiskManager) Policy() margin.Policy {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.policy
}

// CanTrade checks whether an order of lots in inst that commits required
// margin is allowed. Returns true if allowed, false with a reason if not.
func (rm *RiskManager) CanTrade(inst model.Instrument, lots int64, required decimal.Decimal) (bool, string) {
	rm.mu.RLock()
	lim := rm.policy.Limits[inst.Category]
	rm.mu.RUnlock()

	if lim.MinPerOrder > 0 && lots < lim.MinPerOrder {
		return false, fmt.Sprintf("minimum %d lots per order for %s", lim.MinPerOrder, inst.Category)
	}
	if lim.MaxPerOrder > 0 && lots > lim.MaxPerOrder {
		return false, fmt.Sprintf("maximum %d lots per order for %s", lim.MaxPerOrder, inst.Category)
	}

	var symbolLots, categoryLots int64
	for _, p := range rm.portfolio.GetPositions() {
		if p.Status == model.StatusClosed || p.Instrument.Category != inst.Category {
			continue
		}
		categoryLots += p.Lots
		if p.Token() == inst.Token {
			symbolLots += p.Lots
		}
	}
	if lim.MaxPerSymbol > 0 && symbolLots+lots > lim.MaxPerSymbol {
		return false, fmt.Sprintf("maximum %d lots per script for %s", lim.MaxPerSymbol, inst.Category)
	}
	if lim.MaxOverall > 0 && categoryLots+lots > lim.MaxOverall {
		return false, fmt.Sprintf("maximum %d lots overall in %s", lim.MaxOverall, inst.Category)
	}

	avail := rm.portfolio.Valuation().MarginAvailable
	if required.GreaterThan(avail) {
		log.Printf("[risk] insufficient margin: need %s, available %s", required.StringFixed(2), avail.StringFixed(2))
		return false, "insufficient margin"
	}
	return true, ""
}

// GetStatus returns current risk status.
func (rm *RiskManager) GetStatus() map[string]interface{} {
	v := rm.portfolio.Valuation()
	return map[string]interface{}{
		"m2m":              v.MarkToMarket.StringFixed(2),
		"margin_used":      v.TotalMargin.StringFixed(2),
		"margin_available": v.MarginAvailable.StringFixed(2),
		"feed_up":          rm.portfolio.FeedUp(),
	}
}
