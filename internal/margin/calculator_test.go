package margin

import (
	"testing"

	"tradewatch/internal/model"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRequired_Percentage(t *testing.T) {
	inst := model.Instrument{Token: "1", Name: "NIFTY_25DEC", Category: model.CategoryNSE, LotSize: 100}
	p := Policy{Categories: map[model.Category]CategoryPolicy{
		model.CategoryNSE: {Mode: ModePercentage, Intraday: d("10"), Holding: d("4")},
	}}

	if got := Required(inst, 2, d("50000"), p, Intraday); !got.Equal(d("1000000")) {
		t.Errorf("intraday: got %s, want 1000000", got)
	}
	if got := Required(inst, 2, d("50000"), p, Holding); !got.Equal(d("2500000")) {
		t.Errorf("holding: got %s, want 2500000", got)
	}
}

func TestRequired_PercentageDefaultDivisor(t *testing.T) {
	inst := model.Instrument{Category: model.CategoryOPT, LotSize: 1000}
	tests := []struct {
		name string
		p    Policy
	}{
		{"no category", Policy{}},
		{"zero divisor", Policy{Categories: map[model.Category]CategoryPolicy{model.CategoryOPT: {Mode: ModePercentage}}}},
		{"negative divisor", Policy{Categories: map[model.Category]CategoryPolicy{model.CategoryOPT: {Intraday: d("-3")}}}},
	}
	for _, tt := range tests {
		if got := Required(inst, 1, d("83.5"), tt.p, Intraday); !got.Equal(d("8350")) {
			t.Errorf("%s: got %s, want 8350", tt.name, got)
		}
	}
}

func TestRequired_PerLotGroup(t *testing.T) {
	inst := model.Instrument{Token: "2", Name: "GOLD_05DEC2025", Category: model.CategoryMCX, LotSize: 1}
	p := Policy{Categories: map[model.Category]CategoryPolicy{
		model.CategoryMCX: {
			Mode:          ModePerLot,
			GroupIntraday: map[string]decimal.Decimal{"GOLD": d("5000"), "SILVER": d("7000")},
			GroupHolding:  map[string]decimal.Decimal{"GOLD": d("20000")},
		},
	}}

	if got := Required(inst, 3, d("71000"), p, Intraday); !got.Equal(d("15000")) {
		t.Errorf("intraday: got %s, want 15000", got)
	}
	if got := Required(inst, 3, d("71000"), p, Holding); !got.Equal(d("60000")) {
		t.Errorf("holding: got %s, want 60000", got)
	}

	// Price does not matter in per-lot mode.
	if got := Required(inst, 3, decimal.Zero, p, Intraday); !got.Equal(d("15000")) {
		t.Errorf("zero price: got %s, want 15000", got)
	}
}

func TestRequired_PerLotUnknownGroupIsZero(t *testing.T) {
	inst := model.Instrument{Name: "ZINC_28NOV2025", Category: model.CategoryMCX}
	p := Policy{Categories: map[model.Category]CategoryPolicy{
		model.CategoryMCX: {
			Mode:          ModePerLot,
			Intraday:      d("10"),
			Holding:       d("5"),
			GroupIntraday: map[string]decimal.Decimal{"GOLD": d("5000")},
			GroupHolding:  map[string]decimal.Decimal{"GOLD": d("9000")},
		},
	}}
	if got := Required(inst, 3, d("250"), p, Intraday); !got.IsZero() {
		t.Errorf("intraday: got %s, want 0", got)
	}
	if got := Required(inst, 3, d("250"), p, Holding); !got.IsZero() {
		t.Errorf("holding: got %s, want 0", got)
	}

	gold := model.Instrument{Name: "GOLD_05DEC2025", Category: model.CategoryMCX}
	if got := Required(gold, 3, d("250"), p, Intraday); !got.Equal(d("15000")) {
		t.Errorf("gold: got %s, want 15000", got)
	}
}

func TestRequired_PerLotUngroupedUsesCategoryAmount(t *testing.T) {
	inst := model.Instrument{Name: "RELIANCE", Category: model.CategoryNSE, LotSize: 1}
	p := Policy{Categories: map[model.Category]CategoryPolicy{
		model.CategoryNSE: {Mode: ModePerLot, Intraday: d("1200")},
	}}
	if got := Required(inst, 2, d("250"), p, Intraday); !got.Equal(d("2400")) {
		t.Errorf("got %s, want 2400", got)
	}

	p.Categories[model.CategoryNSE] = CategoryPolicy{Mode: ModePerLot}
	if got := Required(inst, 2, d("250"), p, Intraday); !got.IsZero() {
		t.Errorf("no amount configured: got %s, want 0", got)
	}
}

func TestRequired_DegradesToZero(t *testing.T) {
	inst := model.Instrument{Category: model.CategoryNSE, LotSize: 50}
	if got := Required(inst, 0, d("100"), Policy{}, Intraday); !got.IsZero() {
		t.Errorf("zero lots: got %s", got)
	}
	if got := Required(inst, 1, decimal.Zero, Policy{}, Intraday); !got.IsZero() {
		t.Errorf("zero price: got %s", got)
	}
}

func TestSymbolGroup(t *testing.T) {
	tests := map[string]string{
		"GOLD_05DEC2025":  "GOLD",
		"CRUDEOILM_19NOV": "CRUDEOILM",
		"NIFTY":           "NIFTY",
		"":                "",
	}
	for in, want := range tests {
		if got := SymbolGroup(in); got != want {
			t.Errorf("SymbolGroup(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestParseMode(t *testing.T) {
	if ParseMode("per_lot") != ModePerLot || ParseMode("Lot wise per_lot") != ModePerLot {
		t.Error("per_lot labels should parse as per-lot")
	}
	if ParseMode("") != ModePercentage || ParseMode("percentage") != ModePercentage {
		t.Error("other labels should parse as percentage")
	}
}
