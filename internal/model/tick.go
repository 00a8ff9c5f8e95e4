package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Tick is one decoded quote update from the market-data feed. Field names on
// the wire are fixed by the upstream service, including the trailing
// underscores on the OHLC fields.
type Tick struct {
	Token     string `json:"instrument_token"`
	Bid       Num    `json:"bid"`
	Ask       Num    `json:"ask"`
	LastPrice Num    `json:"last_price"`
	Change    Num    `json:"change"`
	High      Num    `json:"high_"`
	Low       Num    `json:"low_"`
	Open      Num    `json:"open_"`
	Close     Num    `json:"close_"`
	OI        Num    `json:"oi"`
	Volume    Num    `json:"volume"`

	ReceivedAt time.Time `json:"-"`
}

// UnmarshalJSON accepts the instrument token as either a string or a number.
func (t *Tick) UnmarshalJSON(b []byte) error {
	type plain Tick
	var w struct {
		plain
		Token json.RawMessage `json:"instrument_token"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*t = Tick(w.plain)
	t.Token = rawToken(w.Token)
	return nil
}

func rawToken(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		s, err := strconv.Unquote(string(raw))
		if err != nil {
			return ""
		}
		return string(bytes.TrimSpace([]byte(s)))
	}
	return string(raw)
}
