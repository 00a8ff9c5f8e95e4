package session

import (
	"strconv"
	"strings"

	"tradewatch/internal/margin"
	"tradewatch/internal/model"
	"tradewatch/internal/valuation"

	"github.com/shopspring/decimal"
)

// Key names as sent by the backend login endpoint.
const (
	KeyUserID        = "UserId"
	KeyClientName    = "ClientName"
	KeyLedgerBalance = "LedgerBalance"
	KeyCreditLimit   = "CreditLimit"

	lotWisePrefix = "MCX_Exposure_Lot_wise_"
)

type categoryKeys struct {
	label    string   // lot cap suffix, e.g. MCX
	mode     string   // exposure type key
	intraday []string // divisor or flat per-lot amount, first present wins
	holding  []string
}

var categories = map[model.Category]categoryKeys{
	model.CategoryMCX: {
		label:    "MCX",
		mode:     "Mcx_Exposure_Type",
		intraday: []string{"Intraday_Exposure_Margin_MCX"},
		holding:  []string{"Holding_Exposure_Margin_MCX"},
	},
	model.CategoryNSE: {
		label:    "NSE",
		mode:     "NSE_Exposure_Type",
		intraday: []string{"Intraday_Exposure_Margin_EQUITY", "Intraday_Exposure_Margin_Equity"},
		holding:  []string{"Holding_Exposure_Margin_EQUITY", "Holding_Exposure_Margin_Equity"},
	},
	model.CategoryOPT: {
		label:    "CDS",
		mode:     "CDS_Exposure_Type",
		intraday: []string{"Intraday_Exposure_Margin_CDS"},
		holding:  []string{"Holding_Exposure_Margin_CDS"},
	},
}

// Policy derives the exposure policy and lot caps from a session map.
// Missing or unparseable values are treated as unset.
func Policy(values map[string]string) margin.Policy {
	p := margin.Policy{
		Categories: make(map[model.Category]margin.CategoryPolicy, len(categories)),
		Limits:     make(map[model.Category]margin.LotLimits, len(categories)),
	}

	for cat, k := range categories {
		cp := margin.CategoryPolicy{
			Mode:     margin.ParseMode(values[k.mode]),
			Intraday: firstDecimal(values, k.intraday),
			Holding:  firstDecimal(values, k.holding),
		}
		if cat == model.CategoryMCX {
			cp.GroupIntraday, cp.GroupHolding = lotWise(values)
		}
		p.Categories[cat] = cp

		p.Limits[cat] = margin.LotLimits{
			MinPerOrder:  intVal(values["Minimum_lot_size_required_per_single_trade_of_"+k.label]),
			MaxPerOrder:  intVal(values["Maximum_lot_size_allowed_per_single_trade_of_"+k.label]),
			MaxPerSymbol: intVal(values["Maximum_lot_size_allowed_per_script_of_"+k.label+"_to_be"]),
			MaxOverall:   intVal(values["Maximum_lot_size_allowed_overall_in_"+k.label+"_to_be"]),
		}
	}
	return p
}

// Account derives ledger balance and credit limit from a session map.
func Account(values map[string]string) valuation.Account {
	return valuation.Account{
		LedgerBalance: decimalVal(values[KeyLedgerBalance]),
		CreditLimit:   decimalVal(values[KeyCreditLimit]),
	}
}

// lotWise collects MCX_Exposure_Lot_wise_<GROUP>_Intraday / _Holding keys.
func lotWise(values map[string]string) (intraday, holding map[string]decimal.Decimal) {
	intraday = make(map[string]decimal.Decimal)
	holding = make(map[string]decimal.Decimal)
	for k, v := range values {
		if !strings.HasPrefix(k, lotWisePrefix) {
			continue
		}
		rest := strings.TrimPrefix(k, lotWisePrefix)
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			continue
		}
		switch {
		case strings.HasSuffix(rest, "_Intraday"):
			intraday[strings.TrimSuffix(rest, "_Intraday")] = d
		case strings.HasSuffix(rest, "_Holding"):
			holding[strings.TrimSuffix(rest, "_Holding")] = d
		}
	}
	return intraday, holding
}

func firstDecimal(values map[string]string, keys []string) decimal.Decimal {
	for _, k := range keys {
		if v, ok := values[k]; ok && strings.TrimSpace(v) != "" {
			return decimalVal(v)
		}
	}
	return decimal.Zero
}

func decimalVal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func intVal(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
