package model

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Num is a numeric feed field. The upstream feed sends prices either as JSON
// numbers or as quoted strings, and may omit or null any of them, so Num
// records what actually arrived alongside the parsed value.
type Num struct {
	Value decimal.Decimal

	// Present is true when the key was in the frame with a non-null value.
	Present bool
	// Valid is true when the value parsed as a number.
	Valid bool
	// Zero is true for a literal "0" string or a numeric zero.
	Zero bool
}

// ParseNum decodes a single raw JSON value into a Num.
func ParseNum(raw string) Num {
	var n Num
	_ = n.UnmarshalJSON([]byte(raw))
	return n
}

// NumOf returns a valid Num holding d.
func NumOf(d decimal.Decimal) Num {
	return Num{Value: d, Present: true, Valid: true, Zero: d.IsZero()}
}

// UnmarshalJSON never fails: unparseable input yields a present but invalid Num
// so that one bad field does not discard the rest of the tick.
func (n *Num) UnmarshalJSON(b []byte) error {
	*n = Num{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	n.Present = true

	s := string(b)
	quoted := false
	if s[0] == '"' {
		u, err := strconv.Unquote(s)
		if err != nil {
			return nil
		}
		s = strings.TrimSpace(u)
		quoted = true
	}
	if s == "" {
		return nil
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	n.Value = d
	n.Valid = true
	if quoted {
		n.Zero = s == "0"
	} else {
		n.Zero = d.IsZero()
	}
	return nil
}

// MarshalJSON writes the parsed value as a JSON number, or null when invalid.
func (n Num) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return []byte(n.Value.String()), nil
}

// Or returns the parsed value, or fallback when the field was absent or bad.
func (n Num) Or(fallback decimal.Decimal) decimal.Decimal {
	if n.Valid {
		return n.Value
	}
	return fallback
}
