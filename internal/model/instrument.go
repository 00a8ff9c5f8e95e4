package model

import "strings"

// Category is the exchange segment an instrument trades in. It selects the
// margin policy and the market-hours window.
type Category string

const (
	CategoryMCX Category = "MCX"
	CategoryNSE Category = "NSE"
	CategoryOPT Category = "OPT"
)

// ParseCategory maps an exchange label to a Category. The currency segment is
// reported upstream as CDS and is traded under OPT.
func ParseCategory(s string) (Category, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MCX":
		return CategoryMCX, true
	case "NSE", "NFO", "EQUITY":
		return CategoryNSE, true
	case "OPT", "CDS":
		return CategoryOPT, true
	}
	return "", false
}

// Instrument is a tradeable contract as listed on a watchlist.
type Instrument struct {
	Token    string   `json:"token"`
	Name     string   `json:"name"` // internal symbol, e.g. GOLD_05DEC2025
	Display  string   `json:"display,omitempty"`
	Category Category `json:"category"`
	LotSize  int64    `json:"lot_size"`
}

// Key returns a unique key for this instrument: "category:token".
func (i *Instrument) Key() string {
	return string(i.Category) + ":" + i.Token
}

// ContractSize returns the lot size, treating unset values as 1.
func (i *Instrument) ContractSize() int64 {
	if i.LotSize < 1 {
		return 1
	}
	return i.LotSize
}
