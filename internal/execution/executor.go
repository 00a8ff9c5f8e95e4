// Package execution validates orders and places them with the broker,
// keeping the local portfolio and trade journal in step.
package execution

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"tradewatch/internal/broker"
	"tradewatch/internal/logger"
	"tradewatch/internal/margin"
	"tradewatch/internal/model"
	"tradewatch/internal/portfolio"
	"tradewatch/internal/valuation"

	"github.com/shopspring/decimal"
)

// Broker is the order surface of the backend.
type Broker interface {
	CheckBeforeTrade(ctx context.Context, p broker.OrderPayload) error
	SaveOrder(ctx context.Context, p broker.OrderPayload) (model.Order, error)
	SaveSLTP(ctx context.Context, tradeID string, sl, tp decimal.Decimal) error
	CloseTrade(ctx context.Context, userID string, p model.Position, cmp decimal.Decimal) error
	CancelOrder(ctx context.Context, userID, orderID string) error
}

// PriceSource returns the latest two-sided price of a token.
type PriceSource interface {
	Price(token string) (valuation.Price, bool)
}

// OrderResult is the outcome of a placement.
type OrderResult struct {
	Order    model.Order        `json:"order"`
	Request  model.OrderRequest `json:"request"`
	Intraday decimal.Decimal    `json:"intraday_margin"`
	Holding  decimal.Decimal    `json:"holding_margin"`
}

// Executor places, closes and cancels orders for one account.
type Executor struct {
	broker    Broker
	portfolio *portfolio.Portfolio
	risk      *portfolio.RiskManager
	validator *Validator
	journal   model.TradeJournal
	pnl       *portfolio.PnLTracker
	prices    []PriceSource
	userName  string
	log       *slog.Logger
	now       func() time.Time

	// OnResult is called after every successful placement.
	OnResult func(OrderResult)

	// OnClose is called after a position is closed with its realized P&L.
	OnClose func(closed model.Position, pnl decimal.Decimal)
}

// Config wires an Executor.
type Config struct {
	Broker    Broker
	Portfolio *portfolio.Portfolio
	Risk      *portfolio.RiskManager
	Validator *Validator
	Journal   model.TradeJournal // optional
	PnL       *portfolio.PnLTracker
	Prices    []PriceSource // consulted in order for market prices
	UserName  string
}

// NewExecutor creates an Executor.
func NewExecutor(cfg Config) *Executor {
	if cfg.Validator == nil {
		cfg.Validator = NewValidator(cfg.Risk, nil)
	}
	if cfg.PnL == nil {
		cfg.PnL = portfolio.NewPnLTracker()
	}
	return &Executor{
		broker:    cfg.Broker,
		portfolio: cfg.Portfolio,
		risk:      cfg.Risk,
		validator: cfg.Validator,
		journal:   cfg.Journal,
		pnl:       cfg.PnL,
		prices:    append(cfg.Prices, cfg.Portfolio),
		userName:  cfg.UserName,
		log:       logger.For("executor"),
		now:       time.Now,
	}
}

// PnL returns the realized P&L tracker.
func (e *Executor) PnL() *portfolio.PnLTracker { return e.pnl }

// Place validates req, computes its margin, asks the broker to check and
// save it, then attaches stop-loss and take-profit levels. A validation
// failure returns a *ValidationError and nothing is sent.
//
// An order without a Ref takes the trace id carried by ctx, or a new one.
func (e *Executor) Place(ctx context.Context, req model.OrderRequest) (model.Order, error) {
	if req.Ref == "" {
		req.Ref = logger.TraceID(ctx)
	}
	if req.Ref == "" {
		req.Ref = logger.NewTraceID()
	}
	if logger.TraceID(ctx) == "" {
		ctx = logger.WithTraceID(ctx, req.Ref)
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = e.now()
	}

	if err := e.validator.Validate(req, decimal.Zero); err != nil {
		return model.Order{}, err
	}

	price, err := e.entryPrice(req)
	if err != nil {
		return model.Order{}, err
	}

	intraday, holding := margin.Both(req.Instrument, req.Lots, price, e.risk.Policy())
	required := intraday
	if req.Holding {
		required = holding
	}
	if err := e.validator.Validate(req, required); err != nil {
		return model.Order{}, err
	}

	payload := broker.NewOrderPayload(req, e.userName, price, intraday, holding)
	if err := e.broker.CheckBeforeTrade(ctx, payload); err != nil {
		e.log.Warn("pre-trade check failed", append(logger.LogWithTrace(ctx), "symbol", req.Instrument.Name, "err", err)...)
		return model.Order{}, fmt.Errorf("execution: check %s: %w", req.Ref, err)
	}
	ord, err := e.broker.SaveOrder(ctx, payload)
	if err != nil {
		e.log.Warn("save order failed", append(logger.LogWithTrace(ctx), "symbol", req.Instrument.Name, "err", err)...)
		return model.Order{}, fmt.Errorf("execution: save %s: %w", req.Ref, err)
	}
	ord.Ref = req.Ref

	if ord.ID != "" && (req.StopLoss.IsPositive() || req.TakeProfit.IsPositive()) {
		if err := e.broker.SaveSLTP(ctx, ord.ID, req.StopLoss, req.TakeProfit); err != nil {
			// The order stands; the levels can be set again from the position.
			log.Printf("[executor] order %s placed but SL/TP not saved: %v", ord.ID, err)
		}
	}

	status := model.StatusActive
	if req.Type == model.OrderLimit {
		status = model.StatusPending
	}
	id := ord.ID
	if id == "" {
		id = req.Ref
	}
	entry := price
	if ord.Price.IsPositive() {
		entry = ord.Price
	}
	e.portfolio.Open(model.Position{
		ID:         id,
		Instrument: req.Instrument,
		Side:       req.Side,
		Lots:       req.Lots,
		EntryPrice: entry,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Margin:     intraday,
		Holding:    holding,
		Status:     status,
		CMP:        entry,
		OpenedAt:   req.CreatedAt,
	})

	if e.journal != nil {
		if err := e.journal.RecordOrder(req, ord); err != nil {
			log.Printf("[executor] journal order %s: %v", ord.ID, err)
		}
	}

	e.log.Info("order placed", append(logger.LogWithTrace(ctx),
		"type", req.Type, "side", req.Side, "symbol", req.Instrument.Name, "lots", req.Lots,
		"price", entry.String(), "margin", intraday.StringFixed(2), "order", id)...)

	if e.OnResult != nil {
		e.OnResult(OrderResult{Order: ord, Request: req, Intraday: intraday, Holding: holding})
	}
	return ord, nil
}

// SetStops updates the stop-loss and take-profit of a position.
func (e *Executor) SetStops(ctx context.Context, positionID string, sl, tp decimal.Decimal) error {
	if sl.IsNegative() || tp.IsNegative() {
		return &ValidationError{Problems: []string{"stop loss and take profit must be positive"}}
	}
	if err := e.broker.SaveSLTP(ctx, positionID, sl, tp); err != nil {
		return fmt.Errorf("execution: stops %s: %w", positionID, err)
	}
	if !e.portfolio.Update(positionID, func(p *model.Position) {
		p.StopLoss = sl
		p.TakeProfit = tp
	}) {
		return fmt.Errorf("execution: stops: unknown position %s", positionID)
	}
	return nil
}

// Close closes an active position at its current exit price and books the
// realized P&L.
func (e *Executor) Close(ctx context.Context, userID, positionID string) (model.Position, decimal.Decimal, error) {
	var target model.Position
	found := false
	for _, p := range e.portfolio.GetPositions() {
		if p.ID == positionID && p.Open() {
			target, found = p, true
			break
		}
	}
	if !found {
		return model.Position{}, decimal.Zero, fmt.Errorf("execution: close: no active position %s", positionID)
	}

	cmp := target.CMP
	if px, ok := e.portfolio.Price(target.Token()); ok {
		if x := valuation.ExitPrice(target.Side, px); x.IsPositive() {
			cmp = x
		}
	}
	if err := e.broker.CloseTrade(ctx, userID, target, cmp); err != nil {
		return model.Position{}, decimal.Zero, fmt.Errorf("execution: close %s: %w", positionID, err)
	}

	closed, ok := e.portfolio.Close(positionID)
	if !ok {
		return model.Position{}, decimal.Zero, fmt.Errorf("execution: close: position %s vanished", positionID)
	}
	pnl := e.pnl.RecordClose(closed)
	if e.journal != nil {
		if err := e.journal.RecordClose(closed); err != nil {
			log.Printf("[executor] journal close %s: %v", closed.ID, err)
		}
	}
	if e.OnClose != nil {
		e.OnClose(closed, pnl)
	}
	return closed, pnl, nil
}

// Cancel cancels a pending order.
func (e *Executor) Cancel(ctx context.Context, userID, orderID string) error {
	if err := e.broker.CancelOrder(ctx, userID, orderID); err != nil {
		return fmt.Errorf("execution: cancel %s: %w", orderID, err)
	}
	e.portfolio.Cancel(orderID)
	return nil
}

// entryPrice is the limit price, or the side-appropriate live price for a
// market order: the ask for a buy, the bid for a sell.
func (e *Executor) entryPrice(req model.OrderRequest) (decimal.Decimal, error) {
	if req.Type == model.OrderLimit {
		return req.Price, nil
	}
	for _, src := range e.prices {
		if src == nil {
			continue
		}
		px, ok := src.Price(req.Instrument.Token)
		if !ok {
			continue
		}
		v := px.Ask
		if req.Side == model.SideSell {
			v = px.Bid
		}
		if v.IsPositive() {
			return v, nil
		}
	}
	if req.Price.IsPositive() {
		return req.Price, nil
	}
	return decimal.Zero, &ValidationError{Problems: []string{"no live price for " + req.Instrument.Token}}
}
