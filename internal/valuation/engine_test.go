package valuation

import (
	"testing"

	"tradewatch/internal/model"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func pos(id, token string, side model.Side, lots, lotSize int64, entry, margin string) model.Position {
	return model.Position{
		ID:         id,
		Instrument: model.Instrument{Token: token, LotSize: lotSize},
		Side:       side,
		Lots:       lots,
		EntryPrice: d(entry),
		Margin:     d(margin),
		Status:     model.StatusActive,
	}
}

func TestUnrealizedPL_Signs(t *testing.T) {
	long := pos("1", "T", model.SideBuy, 10, 1, "100", "0")
	short := pos("2", "T", model.SideSell, 10, 1, "100", "0")
	px := Price{Bid: d("110"), Ask: d("110")}

	if got := UnrealizedPL(long, ExitPrice(long.Side, px)); !got.Equal(d("100")) {
		t.Errorf("long: got %s, want 100", got)
	}
	if got := UnrealizedPL(short, ExitPrice(short.Side, px)); !got.Equal(d("-100")) {
		t.Errorf("short: got %s, want -100", got)
	}
}

func TestExitPrice_Asymmetry(t *testing.T) {
	px := Price{Bid: d("99"), Ask: d("101")}
	if got := ExitPrice(model.SideBuy, px); !got.Equal(d("99")) {
		t.Errorf("buy exits at bid: got %s", got)
	}
	if got := ExitPrice(model.SideSell, px); !got.Equal(d("101")) {
		t.Errorf("sell exits at ask: got %s", got)
	}
}

func TestCompute_Aggregates(t *testing.T) {
	positions := []model.Position{
		pos("a", "GOLD", model.SideBuy, 2, 100, "70000", "5000"),
		pos("b", "SILVER", model.SideSell, 1, 30, "90000", "7000"),
	}
	prices := map[string]Price{
		"GOLD":   {Bid: d("70010"), Ask: d("70020")},
		"SILVER": {Bid: d("89950"), Ask: d("89960")},
	}
	acct := Account{LedgerBalance: d("100000"), CreditLimit: d("50000")}

	res := Compute(positions, prices, acct)

	// GOLD: (70010-70000)*200 = 2000; SILVER: (90000-89960)*30 = 1200
	if !res.TotalActivePL.Equal(d("3200")) {
		t.Errorf("total PL: got %s, want 3200", res.TotalActivePL)
	}
	if !res.TotalMargin.Equal(d("12000")) {
		t.Errorf("total margin: got %s, want 12000", res.TotalMargin)
	}
	if !res.MarkToMarket.Equal(d("153200")) {
		t.Errorf("m2m: got %s, want 153200", res.MarkToMarket)
	}
	if !res.MarginAvailable.Equal(d("141200")) {
		t.Errorf("margin available: got %s, want 141200", res.MarginAvailable)
	}
	if len(res.Positions) != 2 || !res.Positions[1].ExitPrice.Equal(d("89960")) {
		t.Errorf("positions: %+v", res.Positions)
	}
}

func TestCompute_MarginAvailableClamped(t *testing.T) {
	positions := []model.Position{pos("a", "T", model.SideBuy, 1, 1, "100", "1000")}
	prices := map[string]Price{"T": {Bid: d("50"), Ask: d("51")}}

	res := Compute(positions, prices, Account{LedgerBalance: d("200")})
	if !res.MarkToMarket.Equal(d("150")) {
		t.Errorf("m2m: got %s, want 150", res.MarkToMarket)
	}
	if !res.MarginAvailable.IsZero() {
		t.Errorf("margin available: got %s, want 0", res.MarginAvailable)
	}
}

func TestCompute_SeedPriceAndInactive(t *testing.T) {
	seeded := pos("a", "T1", model.SideBuy, 1, 10, "100", "10")
	seeded.CMP = d("105")
	unpriced := pos("b", "T2", model.SideBuy, 1, 10, "100", "10")
	pending := pos("c", "T1", model.SideBuy, 5, 10, "100", "999")
	pending.Status = model.StatusPending
	closed := pos("d", "T1", model.SideBuy, 5, 10, "100", "999")
	closed.Status = model.StatusClosed

	res := Compute([]model.Position{seeded, unpriced, pending, closed}, nil, Account{})

	if len(res.Positions) != 2 {
		t.Fatalf("valued positions: got %d, want 2", len(res.Positions))
	}
	if !res.Positions[0].Priced || !res.Positions[0].UnrealizedPL.Equal(d("50")) {
		t.Errorf("seeded: %+v", res.Positions[0])
	}
	if res.Positions[1].Priced || !res.Positions[1].UnrealizedPL.IsZero() {
		t.Errorf("unpriced: %+v", res.Positions[1])
	}
	if !res.TotalMargin.Equal(d("20")) {
		t.Errorf("total margin: got %s, want 20", res.TotalMargin)
	}
}
