package portfolio

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"tradewatch/internal/marketdata/bus"
	"tradewatch/internal/margin"
	"tradewatch/internal/model"
	"tradewatch/internal/valuation"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingSender struct {
	mu    sync.Mutex
	sends []string
}

func (r *recordingSender) Send(p string) error {
	r.mu.Lock()
	r.sends = append(r.sends, p)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sends) == 0 {
		return ""
	}
	return r.sends[len(r.sends)-1]
}

func gold(id string, side model.Side, lots int64, entry string) model.Position {
	return model.Position{
		ID:         id,
		Instrument: model.Instrument{Token: "GOLD", Name: "GOLD_05DEC2025", Category: model.CategoryMCX, LotSize: 10},
		Side:       side,
		Lots:       lots,
		EntryPrice: d(entry),
		Margin:     d("5000"),
		Status:     model.StatusActive,
	}
}

func tick(token, bid, ask, ltp string) model.Tick {
	return model.Tick{
		Token:      token,
		Bid:        model.ParseNum(bid),
		Ask:        model.ParseNum(ask),
		LastPrice:  model.ParseNum(ltp),
		ReceivedAt: time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC),
	}
}

func TestPortfolio_RecomputesOnMatchingTick(t *testing.T) {
	snd := &recordingSender{}
	b := bus.New(snd)

	pf := New(valuation.Account{LedgerBalance: d("100000")})
	var calls int
	pf.OnValuation = func(valuation.Result) { calls++ }
	pf.Attach(b, "portfolio")

	pf.Open(gold("p1", model.SideBuy, 1, "70000"))
	if snd.last() != "GOLD" {
		t.Fatalf("subscription: got %q, want GOLD", snd.last())
	}
	before := calls

	b.PublishTick(tick("SILVER", `"1"`, `"2"`, `"1.5"`))
	if calls != before {
		t.Error("unrelated tick triggered a recompute")
	}

	b.PublishTick(tick("GOLD", `"70100"`, `"70120"`, `"70110"`))
	if calls != before+1 {
		t.Fatalf("recomputes: got %d, want %d", calls, before+1)
	}
	v := pf.Valuation()
	if !v.TotalActivePL.Equal(d("1000")) {
		t.Errorf("PL: got %s, want 1000", v.TotalActivePL)
	}
	if !v.MarginAvailable.Equal(d("96000")) {
		t.Errorf("available: got %s, want 96000", v.MarginAvailable)
	}
}

func TestPortfolio_ZeroBidUsesLastPrice(t *testing.T) {
	b := bus.New(nil)
	pf := New(valuation.Account{})
	pf.Attach(b, "portfolio")
	pf.Open(gold("p1", model.SideBuy, 1, "70000"))

	b.PublishTick(tick("GOLD", `"0"`, `"70120"`, `"70050"`))
	px, ok := pf.Price("GOLD")
	if !ok || !px.Bid.Equal(d("70050")) {
		t.Errorf("bid: got %s, want 70050", px.Bid)
	}
	if !pf.Valuation().TotalActivePL.Equal(d("500")) {
		t.Errorf("PL: got %s, want 500", pf.Valuation().TotalActivePL)
	}
}

func TestPortfolio_CloseAndUnsubscribe(t *testing.T) {
	snd := &recordingSender{}
	b := bus.New(snd)
	pf := New(valuation.Account{})
	pf.Attach(b, "portfolio")

	pf.Open(gold("p1", model.SideSell, 2, "70000"))
	b.PublishTick(tick("GOLD", `"69900"`, `"69950"`, `"69920"`))

	closed, ok := pf.Close("p1")
	if !ok {
		t.Fatal("close failed")
	}
	if !closed.ExitPrice.Equal(d("69950")) {
		t.Errorf("short exits at ask: got %s", closed.ExitPrice)
	}
	if closed.Status != model.StatusClosed || closed.ClosedAt.IsZero() {
		t.Errorf("closed position: %+v", closed)
	}
	if snd.last() != "" {
		t.Errorf("subscription after close: got %q, want empty", snd.last())
	}
	if _, ok := pf.Close("p1"); ok {
		t.Error("closing twice should fail")
	}

	tr := NewPnLTracker()
	if got := tr.RecordClose(closed); !got.Equal(d("1000")) {
		t.Errorf("realized: got %s, want 1000", got)
	}
	sum := tr.GetSummary(pf.Valuation())
	if sum.ClosedTrades != 1 || sum.OpenPositions != 0 || !sum.TotalPnL.Equal(d("1000")) {
		t.Errorf("summary: %+v", sum)
	}
}

func TestPortfolio_CancelOnlyPending(t *testing.T) {
	pf := New(valuation.Account{})
	pending := gold("p1", model.SideBuy, 1, "70000")
	pending.Status = model.StatusPending
	pf.Open(pending)
	pf.Open(gold("p2", model.SideBuy, 1, "70000"))

	if !pf.Cancel("p1") {
		t.Error("pending cancel should succeed")
	}
	if pf.Cancel("p2") {
		t.Error("active cancel should fail")
	}
	if n := len(pf.GetPositions()); n != 1 {
		t.Errorf("positions: got %d, want 1", n)
	}
}

func TestPortfolio_UpdateAttachesStops(t *testing.T) {
	pf := New(valuation.Account{})
	pf.Open(gold("p1", model.SideBuy, 1, "70000"))

	ok := pf.Update("p1", func(p *model.Position) {
		p.StopLoss = d("69000")
		p.TakeProfit = d("72000")
	})
	if !ok {
		t.Fatal("update failed")
	}
	p := pf.GetPositions()[0]
	if !p.StopLoss.Equal(d("69000")) || !p.TakeProfit.Equal(d("72000")) {
		t.Errorf("stops: %s/%s", p.StopLoss, p.TakeProfit)
	}
	if pf.Update("missing", func(*model.Position) {}) {
		t.Error("update of missing position should fail")
	}
}

func TestPortfolio_DisconnectFreezes(t *testing.T) {
	b := bus.New(nil)
	pf := New(valuation.Account{})
	pf.Attach(b, "portfolio")
	pf.Open(gold("p1", model.SideBuy, 1, "70000"))
	b.PublishTick(tick("GOLD", `"70100"`, `"70120"`, `"70110"`))

	b.Disconnected()
	if pf.FeedUp() {
		t.Error("feed should be reported down")
	}
	if !pf.Valuation().TotalActivePL.Equal(d("1000")) {
		t.Error("valuation should keep last prices after disconnect")
	}
}

type ledgerFunc func(userID string) (decimal.Decimal, error)

func (f ledgerFunc) LedgerBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	return f(userID)
}

func TestPortfolio_RefreshLedger(t *testing.T) {
	pf := New(valuation.Account{LedgerBalance: d("1000"), CreditLimit: d("500")})
	if !pf.Valuation().MarkToMarket.Equal(d("1500")) {
		t.Fatalf("initial m2m: got %s, want 1500", pf.Valuation().MarkToMarket)
	}

	var asked string
	err := pf.RefreshLedger(context.Background(), ledgerFunc(func(uid string) (decimal.Decimal, error) {
		asked = uid
		return d("2500"), nil
	}), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if asked != "u1" {
		t.Errorf("user: got %q, want u1", asked)
	}
	if got := pf.Valuation().MarkToMarket; !got.Equal(d("3000")) {
		t.Errorf("m2m: got %s, want 3000", got)
	}

	err = pf.RefreshLedger(context.Background(), ledgerFunc(func(string) (decimal.Decimal, error) {
		return decimal.Zero, errors.New("down")
	}), "u1")
	if err == nil {
		t.Error("want error from failing source")
	}
	if got := pf.Valuation().MarkToMarket; !got.Equal(d("3000")) {
		t.Errorf("m2m after failure: got %s, want 3000", got)
	}
}

func TestRiskManager_LotCaps(t *testing.T) {
	pf := New(valuation.Account{LedgerBalance: d("1000000")})
	pf.Open(gold("p1", model.SideBuy, 3, "70000"))

	policy := margin.Policy{Limits: map[model.Category]margin.LotLimits{
		model.CategoryMCX: {MinPerOrder: 1, MaxPerOrder: 5, MaxPerSymbol: 6, MaxOverall: 8},
	}}
	rm := NewRiskManager(policy, pf)
	inst := gold("", model.SideBuy, 0, "0").Instrument
	other := model.Instrument{Token: "SILVER", Category: model.CategoryMCX}

	tests := []struct {
		name   string
		lots   int64
		ok     bool
		reason string
	}{
		{"within caps", 2, true, ""},
		{"over per order", 6, false, "per order"},
		{"over per script", 4, false, "per script"},
	}
	for _, tt := range tests {
		ok, reason := rm.CanTrade(inst, tt.lots, decimal.Zero)
		if ok != tt.ok || !strings.Contains(reason, tt.reason) {
			t.Errorf("%s: got %v %q", tt.name, ok, reason)
		}
	}

	pf.Open(model.Position{ID: "p2", Instrument: other, Side: model.SideBuy, Lots: 4, Status: model.StatusActive})
	if ok, reason := rm.CanTrade(other, 2, decimal.Zero); ok || !strings.Contains(reason, "overall") {
		t.Errorf("overall cap: got %v %q", ok, reason)
	}
}

func TestRiskManager_InsufficientMargin(t *testing.T) {
	pf := New(valuation.Account{LedgerBalance: d("10000")})
	pf.Open(gold("p1", model.SideBuy, 1, "70000")) // commits 5000
	rm := NewRiskManager(margin.Policy{}, pf)

	if ok, _ := rm.CanTrade(model.Instrument{Category: model.CategoryNSE}, 1, d("5000")); !ok {
		t.Error("order within free margin rejected")
	}
	if ok, reason := rm.CanTrade(model.Instrument{Category: model.CategoryNSE}, 1, d("5000.01")); ok || reason != "insufficient margin" {
		t.Errorf("got %v %q", ok, reason)
	}
}
