package execution

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tradewatch/internal/broker"
	"tradewatch/internal/logger"
	"tradewatch/internal/margin"
	"tradewatch/internal/markethours"
	"tradewatch/internal/model"
	"tradewatch/internal/portfolio"
	"tradewatch/internal/valuation"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Monday 10:00 IST, inside every session.
var openTime = time.Date(2026, 3, 2, 10, 0, 0, 0, markethours.IST)

type fakeBroker struct {
	checkErr error
	saveErr  error
	checked  []broker.OrderPayload
	saved    []broker.OrderPayload
	stops    []string
	closed   []string
	canceled []string
	seq      int
}

func (f *fakeBroker) CheckBeforeTrade(_ context.Context, p broker.OrderPayload) error {
	f.checked = append(f.checked, p)
	return f.checkErr
}

func (f *fakeBroker) SaveOrder(_ context.Context, p broker.OrderPayload) (model.Order, error) {
	if f.saveErr != nil {
		return model.Order{}, f.saveErr
	}
	f.saved = append(f.saved, p)
	f.seq++
	return model.Order{ID: fmt.Sprintf("T%d", f.seq), Status: p.OrderStatus}, nil
}

func (f *fakeBroker) SaveSLTP(_ context.Context, id string, sl, tp decimal.Decimal) error {
	f.stops = append(f.stops, id+":"+sl.String()+":"+tp.String())
	return nil
}

func (f *fakeBroker) CloseTrade(_ context.Context, _ string, p model.Position, cmp decimal.Decimal) error {
	f.closed = append(f.closed, p.ID+"@"+cmp.String())
	return nil
}

func (f *fakeBroker) CancelOrder(_ context.Context, _, id string) error {
	f.canceled = append(f.canceled, id)
	return nil
}

type recJournal struct {
	orders []model.Order
	closes []model.Position
}

func (j *recJournal) RecordOrder(_ model.OrderRequest, o model.Order) error {
	j.orders = append(j.orders, o)
	return nil
}

func (j *recJournal) RecordClose(p model.Position) error {
	j.closes = append(j.closes, p)
	return nil
}

func (j *recJournal) Close() error { return nil }

type fixedPrices map[string]valuation.Price

func (f fixedPrices) Price(token string) (valuation.Price, bool) {
	p, ok := f[token]
	return p, ok
}

var crude = model.Instrument{Token: "CRUDE", Name: "CRUDEOIL_19NOV2025", Category: model.CategoryMCX, LotSize: 100}

func testPolicy() margin.Policy {
	return margin.Policy{
		Categories: map[model.Category]margin.CategoryPolicy{
			model.CategoryMCX: {Mode: margin.ModePercentage, Intraday: d("10"), Holding: d("5")},
		},
		Limits: map[model.Category]margin.LotLimits{
			model.CategoryMCX: {MinPerOrder: 1, MaxPerOrder: 5},
		},
	}
}

type harness struct {
	exec    *Executor
	broker  *fakeBroker
	pf      *portfolio.Portfolio
	journal *recJournal
}

func newHarness(prices fixedPrices) *harness {
	pf := portfolio.New(valuation.Account{LedgerBalance: d("50000")})
	risk := portfolio.NewRiskManager(testPolicy(), pf)
	v := NewValidator(risk, nil)
	v.now = func() time.Time { return openTime }
	fb := &fakeBroker{}
	j := &recJournal{}
	e := NewExecutor(Config{
		Broker:    fb,
		Portfolio: pf,
		Risk:      risk,
		Validator: v,
		Journal:   j,
		Prices:    []PriceSource{prices},
		UserName:  "trader",
	})
	e.now = func() time.Time { return openTime }
	return &harness{exec: e, broker: fb, pf: pf, journal: j}
}

func marketBuy(lots int64) model.OrderRequest {
	return model.OrderRequest{UserID: "u1", Instrument: crude, Side: model.SideBuy, Type: model.OrderMarket, Lots: lots}
}

func TestValidate_Problems(t *testing.T) {
	v := NewValidator(nil, nil)
	v.now = func() time.Time { return openTime }

	tests := []struct {
		name string
		mut  func(*model.OrderRequest)
		want string
	}{
		{"zero lots", func(r *model.OrderRequest) { r.Lots = 0 }, "lots must be at least 1"},
		{"limit without price", func(r *model.OrderRequest) { r.Type = model.OrderLimit }, "limit price is required"},
		{"negative stop", func(r *model.OrderRequest) { r.StopLoss = d("-1") }, "stop loss"},
		{"negative target", func(r *model.OrderRequest) { r.TakeProfit = d("-1") }, "take profit"},
		{"bad side", func(r *model.OrderRequest) { r.Side = "HOLD" }, "invalid side"},
		{"no instrument", func(r *model.OrderRequest) { r.Instrument.Token = "" }, "instrument is required"},
	}
	for _, tt := range tests {
		req := marketBuy(1)
		tt.mut(&req)
		err := v.Validate(req, decimal.Zero)
		if !errors.Is(err, ErrValidation) {
			t.Errorf("%s: got %v, want ErrValidation", tt.name, err)
			continue
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: got %q, want it to mention %q", tt.name, err, tt.want)
		}
	}

	if err := v.Validate(marketBuy(1), decimal.Zero); err != nil {
		t.Errorf("valid order: got %v", err)
	}
}

func TestValidate_MarketClosed(t *testing.T) {
	v := NewValidator(nil, nil)
	v.now = func() time.Time { return time.Date(2026, 3, 7, 10, 0, 0, 0, markethours.IST) } // Saturday

	err := v.Validate(marketBuy(1), decimal.Zero)
	var ve *ValidationError
	if !errors.As(err, &ve) || !strings.Contains(ve.Error(), "MCX market is closed") {
		t.Errorf("got %v, want market closed", err)
	}
}

func TestPlace_MarketOrder(t *testing.T) {
	h := newHarness(fixedPrices{"CRUDE": {Bid: d("99"), Ask: d("100")}})
	req := marketBuy(2)
	req.StopLoss = d("95")

	ord, err := h.exec.Place(context.Background(), req)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if ord.ID != "T1" || ord.Ref == "" {
		t.Errorf("order: got %+v", ord)
	}

	if len(h.broker.checked) != 1 || len(h.broker.saved) != 1 {
		t.Fatalf("broker calls: checked=%d saved=%d", len(h.broker.checked), len(h.broker.saved))
	}
	p := h.broker.saved[0]
	// 100 × 2 lots × 100 / 10 and / 5.
	if !p.MarginUsed.Equal(d("2000")) || !p.HoldingMarginReq.Equal(d("4000")) {
		t.Errorf("margins: got %s / %s, want 2000 / 4000", p.MarginUsed, p.HoldingMarginReq)
	}
	if !p.OrderPrice.Equal(d("100")) || p.ActionType != "Bought By Trader" || p.UserName != "trader" {
		t.Errorf("payload: got %+v", p)
	}
	if len(h.broker.stops) != 1 || h.broker.stops[0] != "T1:95:0" {
		t.Errorf("stops: got %v", h.broker.stops)
	}

	pos := h.pf.GetPositions()
	if len(pos) != 1 || pos[0].ID != "T1" || pos[0].Status != model.StatusActive || !pos[0].Margin.Equal(d("2000")) {
		t.Errorf("positions: got %+v", pos)
	}
	if len(h.journal.orders) != 1 {
		t.Errorf("journal: got %d orders, want 1", len(h.journal.orders))
	}
}

func TestPlace_SellUsesBid(t *testing.T) {
	h := newHarness(fixedPrices{"CRUDE": {Bid: d("99"), Ask: d("100")}})
	req := marketBuy(1)
	req.Side = model.SideSell
	if _, err := h.exec.Place(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if got := h.broker.saved[0].OrderPrice; !got.Equal(d("99")) {
		t.Errorf("price: got %s, want 99", got)
	}
}

func TestPlace_LimitOrderIsPending(t *testing.T) {
	h := newHarness(nil)
	req := marketBuy(1)
	req.Type = model.OrderLimit
	req.Price = d("90")

	if _, err := h.exec.Place(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if h.broker.saved[0].OrderStatus != "Pending" {
		t.Errorf("status: got %s, want Pending", h.broker.saved[0].OrderStatus)
	}
	if pos := h.pf.GetPositions(); len(pos) != 1 || pos[0].Status != model.StatusPending {
		t.Errorf("positions: got %+v", pos)
	}
	if len(h.broker.stops) != 0 {
		t.Errorf("stops: got %v, want none", h.broker.stops)
	}
}

func TestPlace_ValidationFailureSendsNothing(t *testing.T) {
	h := newHarness(fixedPrices{"CRUDE": {Bid: d("99"), Ask: d("100")}})

	_, err := h.exec.Place(context.Background(), marketBuy(6))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
	if len(h.broker.checked)+len(h.broker.saved) != 0 {
		t.Error("nothing should reach the broker")
	}
}

func TestPlace_InsufficientMargin(t *testing.T) {
	h := newHarness(fixedPrices{"CRUDE": {Bid: d("4999"), Ask: d("5000")}})
	// 5000 × 2 × 100 / 10 = 100000 > 50000 available.
	_, err := h.exec.Place(context.Background(), marketBuy(2))
	if !errors.Is(err, ErrValidation) || !strings.Contains(err.Error(), "insufficient margin") {
		t.Errorf("got %v, want insufficient margin", err)
	}
}

func TestPlace_NoPrice(t *testing.T) {
	h := newHarness(nil)
	if _, err := h.exec.Place(context.Background(), marketBuy(1)); !errors.Is(err, ErrValidation) {
		t.Errorf("got %v, want ErrValidation", err)
	}
}

func TestPlace_BrokerRejects(t *testing.T) {
	h := newHarness(fixedPrices{"CRUDE": {Bid: d("99"), Ask: d("100")}})
	h.broker.checkErr = fmt.Errorf("%w: Insufficient balance", broker.ErrRejected)

	_, err := h.exec.Place(context.Background(), marketBuy(1))
	if !errors.Is(err, broker.ErrRejected) {
		t.Fatalf("got %v, want ErrRejected", err)
	}
	if len(h.broker.saved) != 0 || len(h.pf.GetPositions()) != 0 {
		t.Error("rejected order must not be saved or opened")
	}
}

func TestClose_BooksPnL(t *testing.T) {
	h := newHarness(fixedPrices{"CRUDE": {Bid: d("99"), Ask: d("100")}})
	var hooked []string
	h.exec.OnClose = func(p model.Position, pnl decimal.Decimal) {
		hooked = append(hooked, p.ID+":"+pnl.String())
	}
	ord, err := h.exec.Place(context.Background(), marketBuy(1))
	if err != nil {
		t.Fatal(err)
	}

	// No tick has reached the portfolio, so the exit is the seed price.
	closed, pnl, err := h.exec.Close(context.Background(), "u1", ord.ID)
	if err != nil {
		t.Fatal(err)
	}
	if closed.Status != model.StatusClosed || !pnl.IsZero() {
		t.Errorf("closed: status=%s pnl=%s", closed.Status, pnl)
	}
	if len(h.broker.closed) != 1 || h.broker.closed[0] != "T1@100" {
		t.Errorf("broker close: got %v", h.broker.closed)
	}
	if len(h.journal.closes) != 1 {
		t.Errorf("journal closes: got %d, want 1", len(h.journal.closes))
	}

	if _, _, err := h.exec.Close(context.Background(), "u1", ord.ID); err == nil {
		t.Error("closing twice: want error")
	}
	if len(hooked) != 1 || hooked[0] != "T1:0" {
		t.Errorf("close hook: got %v, want [T1:0]", hooked)
	}
}

func TestPlace_RefFromTraceID(t *testing.T) {
	h := newHarness(fixedPrices{"CRUDE": {Bid: d("99"), Ask: d("100")}})
	var refs []string
	h.exec.OnResult = func(r OrderResult) { refs = append(refs, r.Request.Ref) }

	ctx := logger.WithTraceID(context.Background(), "trace-1")
	ord, err := h.exec.Place(ctx, marketBuy(1))
	if err != nil {
		t.Fatal(err)
	}
	if ord.Ref != "trace-1" {
		t.Errorf("ref: got %q, want trace-1", ord.Ref)
	}

	ord, err = h.exec.Place(context.Background(), marketBuy(1))
	if err != nil {
		t.Fatal(err)
	}
	if ord.Ref == "" || ord.Ref == "trace-1" {
		t.Errorf("generated ref: got %q", ord.Ref)
	}
	if len(refs) != 2 || refs[1] != ord.Ref {
		t.Errorf("result refs: got %v", refs)
	}
}

func TestCancelAndStops(t *testing.T) {
	h := newHarness(nil)
	req := marketBuy(1)
	req.Type = model.OrderLimit
	req.Price = d("90")
	ord, _ := h.exec.Place(context.Background(), req)

	if err := h.exec.SetStops(context.Background(), ord.ID, d("80"), d("120")); err != nil {
		t.Fatal(err)
	}
	if p := h.pf.GetPositions()[0]; !p.StopLoss.Equal(d("80")) || !p.TakeProfit.Equal(d("120")) {
		t.Errorf("stops: got %s / %s", p.StopLoss, p.TakeProfit)
	}

	if err := h.exec.Cancel(context.Background(), "u1", ord.ID); err != nil {
		t.Fatal(err)
	}
	if len(h.pf.GetPositions()) != 0 {
		t.Error("pending order should be removed on cancel")
	}
}

func TestPaperBroker_Slippage(t *testing.T) {
	pb := NewPaperBroker(50) // 0.5%
	buy, _ := pb.SaveOrder(context.Background(), broker.OrderPayload{OrderCategory: "BUY", OrderPrice: d("200"), OrderStatus: "Active", Lots: 1})
	sell, _ := pb.SaveOrder(context.Background(), broker.OrderPayload{OrderCategory: "SELL", OrderPrice: d("200"), OrderStatus: "Active", Lots: 1})
	limit, _ := pb.SaveOrder(context.Background(), broker.OrderPayload{OrderCategory: "BUY", OrderPrice: d("200"), OrderStatus: "Pending", Lots: 1})

	if !buy.Price.Equal(d("201")) || !sell.Price.Equal(d("199")) || !limit.Price.Equal(d("200")) {
		t.Errorf("prices: buy=%s sell=%s limit=%s", buy.Price, sell.Price, limit.Price)
	}
	if buy.ID != "PAPER-1" || len(pb.GetFills()) != 3 {
		t.Errorf("fills: id=%s n=%d", buy.ID, len(pb.GetFills()))
	}
}

func TestJournal_RoundTrip(t *testing.T) {
	j, err := NewJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	req := marketBuy(2)
	req.Ref = "r1"
	req.CreatedAt = openTime
	if err := j.RecordOrder(req, model.Order{ID: "T1", Status: "Active", Price: d("100"), Margin: d("2000")}); err != nil {
		t.Fatal(err)
	}

	pos := model.Position{
		ID: "T1", Instrument: crude, Side: model.SideBuy, Lots: 2,
		EntryPrice: d("100"), ExitPrice: d("101.5"), Status: model.StatusClosed,
		OpenedAt: openTime, ClosedAt: openTime.Add(time.Hour),
	}
	if err := j.RecordClose(pos); err != nil {
		t.Fatal(err)
	}

	orders, err := j.GetOrders(10)
	if err != nil || len(orders) != 1 || orders[0].OrderID != "T1" || orders[0].Lots != 2 {
		t.Errorf("orders: got %+v, %v", orders, err)
	}
	closed, err := j.GetClosed(10)
	if err != nil || len(closed) != 1 {
		t.Fatalf("closed: got %+v, %v", closed, err)
	}
	// (101.5 − 100) × 2 lots × 100
	if closed[0].PnL != "300" {
		t.Errorf("pnl: got %s, want 300", closed[0].PnL)
	}
}
