package broker

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"tradewatch/internal/model"

	"github.com/shopspring/decimal"
)

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	*f = flexString(b)
	return nil
}

// unwrap strips one level of JSON string encoding. Several endpoints return
// their JSON payload as a JSON string.
func unwrap(raw []byte) []byte {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return []byte(s)
		}
	}
	return raw
}

type watchRow struct {
	SymbolToken  flexString `json:"SymbolToken"`
	SymbolName   string     `json:"SymbolName"`
	ExchangeType string     `json:"ExchangeType"`
	Lotsize      model.Num  `json:"Lotsize"`
	Buy          model.Num  `json:"buy"`
	Sell         model.Num  `json:"sell"`
	LTP          model.Num  `json:"ltp"`
	Chg          model.Num  `json:"chg"`
	High         model.Num  `json:"high"`
	Low          model.Num  `json:"low"`
	Open         model.Num  `json:"opn"`
	Close        model.Num  `json:"cls"`
	OI           model.Num  `json:"ol"`
	Volume       model.Num  `json:"vol"`
}

func (r watchRow) entry(userID string, fallback model.Category) model.WatchEntry {
	cat, ok := model.ParseCategory(r.ExchangeType)
	if !ok {
		cat = fallback
	}
	return model.WatchEntry{
		UserID: userID,
		Quote: model.Quote{
			Instrument: model.Instrument{
				Token:    string(r.SymbolToken),
				Name:     r.SymbolName,
				Category: cat,
				LotSize:  r.Lotsize.Value.IntPart(),
			},
			Buy:    r.Buy.Value,
			Sell:   r.Sell.Value,
			LTP:    r.LTP.Value,
			Change: r.Chg.Value,
			High:   r.High.Value,
			Low:    r.Low.Value,
			Open:   r.Open.Value,
			Close:  r.Close.Value,
			OI:     r.OI.Value,
			Volume: r.Volume.Value,
		},
	}
}

type symbolRow struct {
	Token    flexString `json:"instrument_token"`
	Symbol   string     `json:"tradingsymbol"`
	Name     string     `json:"name"`
	Exchange string     `json:"exchange"`
	LotSize  model.Num  `json:"lot_size"`
}

type tradeRow struct {
	ID              flexString `json:"Id"`
	TokenNo         flexString `json:"TokenNo"`
	ScriptName      string     `json:"ScriptName"`
	OrderCategory   string     `json:"OrderCategory"`
	OrderPrice      model.Num  `json:"OrderPrice"`
	SelectedLots    model.Num  `json:"selectedlotsize"`
	Lot             model.Num  `json:"Lot"`
	MarginUsed      model.Num  `json:"MarginUsed"`
	HoldingMargin   model.Num  `json:"HoldingMarginReq"`
	OrderStatus     string     `json:"OrderStatus"`
	SymbolType      string     `json:"SymbolType"`
	CMP             model.Num  `json:"cmp"`
	StopLossPrice   model.Num  `json:"StopLossPrice"`
	TakeProfitPrice model.Num  `json:"TakeProfitPrice"`
}

func (r tradeRow) position() (model.Position, bool) {
	side, ok := model.ParseSide(r.OrderCategory)
	if !ok {
		return model.Position{}, false
	}
	cat, _ := model.ParseCategory(r.SymbolType)
	status := model.StatusActive
	switch strings.ToLower(r.OrderStatus) {
	case "pending":
		status = model.StatusPending
	case "closed":
		status = model.StatusClosed
	}
	lots := r.SelectedLots.Value.IntPart()
	if lots < 1 {
		lots = 1
	}
	return model.Position{
		ID: string(r.ID),
		Instrument: model.Instrument{
			Token:    string(r.TokenNo),
			Name:     r.ScriptName,
			Category: cat,
			LotSize:  r.Lot.Value.IntPart(),
		},
		Side:       side,
		Lots:       lots,
		EntryPrice: r.OrderPrice.Value,
		StopLoss:   r.StopLossPrice.Value,
		TakeProfit: r.TakeProfitPrice.Value,
		Margin:     r.MarginUsed.Value,
		Holding:    r.HoldingMargin.Value,
		Status:     status,
		CMP:        r.CMP.Value,
	}, true
}

// OrderPayload is the order form the backend expects on checkbeforetrade
// and saveorders. Field names are the backend's.
type OrderPayload struct {
	UserID           string
	UserName         string
	OrderCategory    string // BUY or SELL
	OrderType        string // Market or Limit
	ScriptName       string
	TokenNo          string
	ActionType       string
	OrderPrice       decimal.Decimal
	Lots             int64
	LotSize          int64
	MarginUsed       decimal.Decimal
	HoldingMarginReq decimal.Decimal
	OrderStatus      string // Active or Pending
	SymbolType       string
}

// NewOrderPayload builds the wire form of an order request.
func NewOrderPayload(req model.OrderRequest, userName string, price, intraday, holding decimal.Decimal) OrderPayload {
	p := OrderPayload{
		UserID:           req.UserID,
		UserName:         userName,
		OrderCategory:    string(req.Side),
		ScriptName:       req.Instrument.Name,
		TokenNo:          req.Instrument.Token,
		OrderPrice:       price,
		Lots:             req.Lots,
		LotSize:          req.Instrument.ContractSize(),
		MarginUsed:       intraday.Round(0),
		HoldingMarginReq: holding.Round(0),
		SymbolType:       string(req.Instrument.Category),
	}
	if req.Type == model.OrderLimit {
		p.OrderType = "Limit"
		p.ActionType = "Order Placed @@"
		p.OrderStatus = "Pending"
	} else {
		p.OrderType = "Market"
		p.OrderStatus = "Active"
		if req.Side == model.SideBuy {
			p.ActionType = "Bought By Trader"
		} else {
			p.ActionType = "Sold By Trader"
		}
	}
	if p.UserName == "" {
		p.UserName = req.UserID
	}
	return p
}

func (p OrderPayload) params() map[string]string {
	lots := strconv.FormatInt(p.Lots, 10)
	return map[string]string{
		"Id":               "",
		"OrderDate":        "",
		"OrderTime":        "",
		"OrderNo":          "",
		"actualLot":        strconv.FormatInt(p.LotSize, 10),
		"selectedlotsize":  lots,
		"Lot":              lots,
		"UserId":           p.UserID,
		"UserName":         p.UserName,
		"OrderCategory":    p.OrderCategory,
		"OrderType":        p.OrderType,
		"ScriptName":       p.ScriptName,
		"TokenNo":          p.TokenNo,
		"ActionType":       p.ActionType,
		"OrderPrice":       p.OrderPrice.String(),
		"MarginUsed":       p.MarginUsed.String(),
		"HoldingMarginReq": p.HoldingMarginReq.String(),
		"OrderStatus":      p.OrderStatus,
		"SymbolType":       p.SymbolType,
	}
}
