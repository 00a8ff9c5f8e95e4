// Package api exposes the account's screens over a small JSON HTTP API:
// watchlists, positions, valuation, margin quotes and order entry.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradewatch/internal/broker"
	"tradewatch/internal/execution"
	"tradewatch/internal/logger"
	"tradewatch/internal/margin"
	"tradewatch/internal/marketdata/stream"
	"tradewatch/internal/markethours"
	"tradewatch/internal/model"
	"tradewatch/internal/portfolio"
	"tradewatch/internal/watchlist"

	"github.com/shopspring/decimal"
)

// SymbolSearcher finds instruments by name.
type SymbolSearcher interface {
	SearchSymbols(ctx context.Context, cat model.Category, query, refID string) ([]model.Instrument, error)
}

// Feed is the market-data connection as seen by the API.
type Feed interface {
	Status() stream.Status
	Reconnect()
}

// Deps are the components the API serves.
type Deps struct {
	UserID     string
	Watchlists map[model.Category]*watchlist.Watchlist
	Portfolio  *portfolio.Portfolio
	Risk       *portfolio.RiskManager
	Executor   *execution.Executor
	Symbols    SymbolSearcher // optional
	Feed       Feed
	Calendar   *markethours.Calendar

	// OnOrder is called with placed, invalid, rejected or error after each
	// order entry.
	OnOrder func(result string)
}

type server struct {
	Deps
	now func() time.Time
}

// NewRouter sets up HTTP routes for the API server.
func NewRouter(d Deps) *http.ServeMux {
	if d.Calendar == nil {
		d.Calendar = markethours.Default
	}
	s := &server{Deps: d, now: time.Now}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "feed": s.Feed.Status()})
	})
	mux.HandleFunc("/api/v1/feed/reconnect", s.reconnect)
	mux.HandleFunc("/api/v1/watchlist", s.watchlist)
	mux.HandleFunc("/api/v1/symbols", s.symbols)
	mux.HandleFunc("/api/v1/positions", s.positions)
	mux.HandleFunc("/api/v1/positions/close", s.closePosition)
	mux.HandleFunc("/api/v1/positions/stops", s.stops)
	mux.HandleFunc("/api/v1/valuation", s.valuation)
	mux.HandleFunc("/api/v1/margin", s.margin)
	mux.HandleFunc("/api/v1/orders", s.placeOrder)
	mux.HandleFunc("/api/v1/orders/cancel", s.cancelOrder)
	mux.HandleFunc("/api/v1/market", s.market)

	return mux
}

// quoteRow is a watchlist row as rendered.
type quoteRow struct {
	model.Quote
	ChangePct decimal.Decimal `json:"chg_pct"`
	Live      bool            `json:"live"`
	BuyDir    int             `json:"buy_dir"`
	SellDir   int             `json:"sell_dir"`
}

func (s *server) watchlist(w http.ResponseWriter, r *http.Request) {
	cat, ok := model.ParseCategory(r.URL.Query().Get("category"))
	if r.Method == http.MethodPost {
		var body struct {
			Category string `json:"category"`
			Token    string `json:"token"`
			Name     string `json:"name"`
			Display  string `json:"display"`
			LotSize  int64  `json:"lot_size"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		cat, ok = model.ParseCategory(body.Category)
		wl := s.Watchlists[cat]
		if !ok || wl == nil {
			writeError(w, http.StatusNotFound, "unknown category")
			return
		}
		inst := model.Instrument{Token: body.Token, Name: body.Name, Display: body.Display, Category: cat, LotSize: body.LotSize}
		if err := wl.Add(r.Context(), inst); err != nil {
			if errors.Is(err, watchlist.ErrExists) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, inst)
		return
	}

	wl := s.Watchlists[cat]
	if !ok || wl == nil {
		writeError(w, http.StatusNotFound, "unknown category")
		return
	}

	switch r.Method {
	case http.MethodGet:
		snap := wl.Snapshot()
		rows := make([]quoteRow, 0, snap.Len())
		for i := 0; i < snap.Len(); i++ {
			q := snap.At(i)
			rows = append(rows, quoteRow{
				Quote:     *q,
				ChangePct: q.ChangePercent(),
				Live:      wl.Live(q.Token),
				BuyDir:    model.Direction(q.Buy, q.PrevBuy),
				SellDir:   model.Direction(q.Sell, q.PrevSell),
			})
		}
		writeJSON(w, http.StatusOK, rows)
	case http.MethodDelete:
		token := r.URL.Query().Get("token")
		if token == "" {
			writeError(w, http.StatusBadRequest, "token is required")
			return
		}
		if err := wl.Remove(r.Context(), token); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// reconnect is the manual way out of a failed feed. It is a no-op while the
// socket is open or dialing.
func (s *server) reconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.Feed.Reconnect()
	writeJSON(w, http.StatusAccepted, s.Feed.Status())
}

func (s *server) symbols(w http.ResponseWriter, r *http.Request) {
	if s.Symbols == nil {
		writeError(w, http.StatusServiceUnavailable, "symbol search unavailable")
		return
	}
	cat, ok := model.ParseCategory(r.URL.Query().Get("category"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown category")
		return
	}
	out, err := s.Symbols.SearchSymbols(r.Context(), cat, r.URL.Query().Get("q"), s.UserID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) positions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Portfolio.GetPositions())
}

func (s *server) valuation(w http.ResponseWriter, r *http.Request) {
	v := s.Portfolio.Valuation()
	writeJSON(w, http.StatusOK, map[string]any{
		"valuation": v,
		"pnl":       s.Executor.PnL().GetSummary(v),
		"risk":      s.Risk.GetStatus(),
	})
}

// margin quotes intraday and holding margin for a prospective order.
func (s *server) margin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cat, ok := model.ParseCategory(q.Get("category"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown category")
		return
	}
	lots, _ := strconv.ParseInt(q.Get("lots"), 10, 64)
	lotSize, _ := strconv.ParseInt(q.Get("lot_size"), 10, 64)
	price, _ := decimal.NewFromString(q.Get("price"))

	inst := model.Instrument{Token: q.Get("token"), Name: q.Get("name"), Category: cat, LotSize: lotSize}
	intraday, holding := margin.Both(inst, lots, price, s.Risk.Policy())
	writeJSON(w, http.StatusOK, map[string]any{
		"intraday":     intraday.StringFixed(2),
		"holding":      holding.StringFixed(2),
		"symbol_group": margin.SymbolGroup(inst.Name),
		"mode":         s.Risk.Policy().For(cat).Mode,
	})
}

type orderBody struct {
	Category   string          `json:"category"`
	Token      string          `json:"token"`
	Name       string          `json:"name"`
	LotSize    int64           `json:"lot_size"`
	Side       string          `json:"side"`
	Type       string          `json:"order_type"`
	Lots       int64           `json:"lots"`
	Price      decimal.Decimal `json:"price"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	Holding    bool            `json:"holding"`
}

func (s *server) placeOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body orderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	cat, _ := model.ParseCategory(body.Category)
	side, _ := model.ParseSide(body.Side)
	req := model.OrderRequest{
		UserID:     s.UserID,
		Instrument: model.Instrument{Token: body.Token, Name: body.Name, Category: cat, LotSize: body.LotSize},
		Side:       side,
		Type:       model.OrderType(strings.ToUpper(body.Type)),
		Lots:       body.Lots,
		Price:      body.Price,
		StopLoss:   body.StopLoss,
		TakeProfit: body.TakeProfit,
		Holding:    body.Holding,
	}
	if req.Type == "" {
		req.Type = model.OrderMarket
	}

	traceID := r.Header.Get("X-Request-ID")
	if traceID == "" {
		traceID = logger.NewTraceID()
	}
	w.Header().Set("X-Request-ID", traceID)
	ord, err := s.Executor.Place(logger.WithTraceID(r.Context(), traceID), req)
	s.orderResult(err)
	if err != nil {
		var ve *execution.ValidationError
		if errors.As(err, &ve) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "validation failed", "problems": ve.Problems})
			return
		}
		log.Printf("[api] place order: %v", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, ord)
}

func (s *server) orderResult(err error) {
	if s.OnOrder == nil {
		return
	}
	switch {
	case err == nil:
		s.OnOrder("placed")
	case errors.Is(err, execution.ErrValidation):
		s.OnOrder("invalid")
	case errors.Is(err, broker.ErrRejected):
		s.OnOrder("rejected")
	default:
		s.OnOrder("error")
	}
}

func (s *server) closePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := idFromBody(w, r)
	if !ok {
		return
	}
	closed, pnl, err := s.Executor.Close(r.Context(), s.UserID, id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"position": closed, "realized_pnl": pnl})
}

func (s *server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := idFromBody(w, r)
	if !ok {
		return
	}
	if err := s.Executor.Cancel(r.Context(), s.UserID, id); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) stops(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		ID         string          `json:"id"`
		StopLoss   decimal.Decimal `json:"stop_loss"`
		TakeProfit decimal.Decimal `json:"take_profit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := s.Executor.SetStops(r.Context(), body.ID, body.StopLoss, body.TakeProfit); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) market(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	out := make(map[model.Category]any, 3)
	for _, cat := range []model.Category{model.CategoryMCX, model.CategoryNSE, model.CategoryOPT} {
		out[cat] = map[string]any{
			"open":   s.Calendar.IsOpen(cat, now),
			"status": s.Calendar.Status(cat, now),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func idFromBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return "", false
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return "", false
	}
	return body.ID, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
