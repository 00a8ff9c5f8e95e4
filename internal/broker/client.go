// Package broker is a small REST client for the trading backend: login,
// watchlist tokens, consolidated trades and order placement. Every call is
// bounded by the configured timeout.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tradewatch/internal/logger"
	"tradewatch/internal/model"

	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"
)

var (
	// ErrRejected is returned when the backend answers a pre-trade check
	// with anything other than "true".
	ErrRejected = errors.New("broker: order rejected")

	// ErrLogin is returned when the login response carries no user id.
	ErrLogin = errors.New("broker: login failed")
)

// Config holds configuration for the backend client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration // default: 10s
	User       string
	Password   string
	DeviceID   string
	TOTPSecret string // optional; adds a totp parameter to login
}

// Client talks to the trading backend.
type Client struct {
	baseURL    string
	cfg        Config
	httpClient *http.Client
	log        *slog.Logger
	now        func() time.Time
}

// New creates a backend client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        logger.For("broker"),
		now:        time.Now,
	}
}

// ---- Helpers ----

func (c *Client) do(ctx context.Context, method, route string, params map[string]string, body any) ([]byte, error) {
	u := c.baseURL + route
	if len(params) > 0 {
		q := url.Values{}
		for k, v := range params {
			q.Set(k, v)
		}
		u += "?" + q.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("broker: encode %s: %w", route, err)
		}
		rd = strings.NewReader(string(b))
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("broker: build %s: %w", route, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("request failed", "method", method, "route", route, "err", err)
		return nil, fmt.Errorf("broker: %s %s: %w", method, route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("broker: read %s: %w", route, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("broker: %s %s: status %d: %s", method, route, resp.StatusCode, truncate(raw, 200))
	}
	c.log.Debug("response", "route", route, "status", resp.StatusCode, "bytes", len(raw))
	return unwrap(raw), nil
}

func (c *Client) get(ctx context.Context, route string, params map[string]string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, route, params, nil)
}

func (c *Client) post(ctx context.Context, route string, params map[string]string, body any) ([]byte, error) {
	return c.do(ctx, http.MethodPost, route, params, body)
}

// ---- Session ----

// Login authenticates with the configured credentials and returns the flat
// session map the backend sends back: exposure policy, lot caps, balances.
func (c *Client) Login(ctx context.Context) (map[string]string, error) {
	params := map[string]string{
		"username":      c.cfg.User,
		"password":      c.cfg.Password,
		"deviceid":      c.cfg.DeviceID,
		"refidbyuser":   "",
		"refidformatch": "",
	}
	if c.cfg.TOTPSecret != "" {
		code, err := totp.GenerateCode(c.cfg.TOTPSecret, c.now())
		if err != nil {
			return nil, fmt.Errorf("broker: generate totp: %w", err)
		}
		params["totp"] = code
	}

	raw, err := c.get(ctx, "/checklogin/", params)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrLogin, truncate(raw, 200))
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = stringify(v)
	}
	if out["UserId"] == "" {
		return nil, ErrLogin
	}
	c.log.Info("logged in", "user", out["UserId"])
	return out, nil
}

// LedgerBalance returns the user's ledger balance.
func (c *Client) LedgerBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	raw, err := c.get(ctx, "/getledgerbalance/", map[string]string{"uid": userID})
	if err != nil {
		return decimal.Zero, err
	}
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("broker: ledger balance %q: %w", s, err)
	}
	return d, nil
}

// ---- Watchlist ----

// SelectedTokens returns the user's watchlist for one category.
func (c *Client) SelectedTokens(ctx context.Context, userID string, cat model.Category) ([]model.WatchEntry, error) {
	raw, err := c.get(ctx, "/getselectedtoken/", map[string]string{
		"cid":  userID,
		"exch": strings.ToLower(exchangeKey(cat)),
	})
	if err != nil {
		return nil, err
	}
	var rows []watchRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("broker: decode selected tokens: %w", err)
	}
	out := make([]model.WatchEntry, 0, len(rows))
	for _, r := range rows {
		if r.SymbolToken == "" {
			continue
		}
		out = append(out, r.entry(userID, cat))
	}
	return out, nil
}

// SaveToken adds an instrument to the user's watchlist.
func (c *Client) SaveToken(ctx context.Context, userID string, inst model.Instrument) error {
	_, err := c.get(ctx, "/savetoken/", map[string]string{
		"symbolname":   inst.Name,
		"token":        inst.Token,
		"userid":       userID,
		"exchangetype": exchangeKey(inst.Category),
		"lotsize":      fmt.Sprint(inst.LotSize),
	})
	return err
}

// DeleteToken removes an instrument from the user's watchlist.
func (c *Client) DeleteToken(ctx context.Context, userID, token string) error {
	_, err := c.get(ctx, "/deletetoken/", map[string]string{"token": token, "userid": userID})
	return err
}

// SearchSymbols finds instruments in a category by name.
func (c *Client) SearchSymbols(ctx context.Context, cat model.Category, query, refID string) ([]model.Instrument, error) {
	if query == "" {
		query = "null"
	}
	raw, err := c.get(ctx, "/getMCXsymbols/", map[string]string{
		"extype":    exchangeKey(cat),
		"searchkey": query,
		"refid":     refID,
	})
	if err != nil {
		return nil, err
	}
	var rows []symbolRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("broker: decode symbols: %w", err)
	}
	out := make([]model.Instrument, 0, len(rows))
	for _, r := range rows {
		name := r.Symbol
		if name == "" {
			name = r.Name
		}
		out = append(out, model.Instrument{
			Token:    string(r.Token),
			Name:     name,
			Category: cat,
			LotSize:  r.LotSize.Value.IntPart(),
		})
	}
	return out, nil
}

// ---- Trades ----

// ConsolidatedTrades returns the user's open and pending positions.
func (c *Client) ConsolidatedTrades(ctx context.Context, userID string) ([]model.Position, error) {
	raw, err := c.get(ctx, "/getconsolidatedtrade/", map[string]string{"uid": userID})
	if err != nil {
		return nil, err
	}
	var rows []tradeRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("broker: decode trades: %w", err)
	}
	out := make([]model.Position, 0, len(rows))
	for _, r := range rows {
		if p, ok := r.position(); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// CheckBeforeTrade asks the backend whether the order may be placed. Any
// answer other than "true" is returned as ErrRejected with the message.
func (c *Client) CheckBeforeTrade(ctx context.Context, p OrderPayload) error {
	route := "/checkbeforetrade/"
	if p.OrderStatus == "Pending" {
		route = "/checkbeforetradeForPending/"
	}
	raw, err := c.get(ctx, route, p.params())
	if err != nil {
		return err
	}
	ans := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if ans != "true" {
		return fmt.Errorf("%w: %s", ErrRejected, ans)
	}
	return nil
}

// SaveOrder persists the order and returns the backend's acknowledgement.
func (c *Client) SaveOrder(ctx context.Context, p OrderPayload) (model.Order, error) {
	raw, err := c.get(ctx, "/saveorders/", p.params())
	if err != nil {
		return model.Order{}, err
	}
	var ack struct {
		ID     flexString `json:"Id"`
		Status string     `json:"OrderStatus"`
	}
	if err := json.Unmarshal(raw, &ack); err != nil {
		// Older deployments answer with a bare id.
		ack.ID = flexString(strings.Trim(strings.TrimSpace(string(raw)), `"`))
	}
	if ack.Status == "" {
		ack.Status = p.OrderStatus
	}
	return model.Order{
		ID:        string(ack.ID),
		Status:    ack.Status,
		Price:     p.OrderPrice,
		Margin:    p.MarginUsed,
		Holding:   p.HoldingMarginReq,
		UpdatedAt: c.now(),
	}, nil
}

// SaveSLTP attaches stop-loss and take-profit levels to a trade. Zero means
// unset.
func (c *Client) SaveSLTP(ctx context.Context, tradeID string, sl, tp decimal.Decimal) error {
	_, err := c.post(ctx, "/savesltp/", nil, map[string]string{
		"TradeId": tradeID,
		"SL":      sl.String(),
		"TP":      tp.String(),
	})
	return err
}

// CloseTrade closes a position at cmp.
func (c *Client) CloseTrade(ctx context.Context, userID string, p model.Position, cmp decimal.Decimal) error {
	_, err := c.get(ctx, "/closetrade_from_account_portfolio/", map[string]string{
		"userid":   userID,
		"ordercat": string(p.Side),
		"tokenno":  p.Token(),
		"cmpval":   cmp.String(),
	})
	return err
}

// CancelOrder cancels a pending order.
func (c *Client) CancelOrder(ctx context.Context, userID, orderID string) error {
	_, err := c.get(ctx, "/cancelorder/", map[string]string{"orderid": orderID, "uid": userID})
	return err
}

// exchangeKey maps a category to the backend's exchange label.
func exchangeKey(cat model.Category) string {
	if cat == model.CategoryOPT {
		return "CDS"
	}
	return string(cat)
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return decimal.NewFromFloat(t).String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
