package execution

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tradewatch/internal/markethours"
	"tradewatch/internal/model"
	"tradewatch/internal/portfolio"

	"github.com/shopspring/decimal"
)

// ErrValidation is wrapped by every *ValidationError.
var ErrValidation = errors.New("order validation failed")

// ValidationError lists everything wrong with an order request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "order rejected: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Validator checks order requests before anything is sent to the broker.
type Validator struct {
	risk     *portfolio.RiskManager
	calendar *markethours.Calendar
	now      func() time.Time
}

// NewValidator creates a Validator. A nil calendar uses markethours.Default.
func NewValidator(risk *portfolio.RiskManager, cal *markethours.Calendar) *Validator {
	if cal == nil {
		cal = markethours.Default
	}
	return &Validator{risk: risk, calendar: cal, now: time.Now}
}

// SetClock replaces the clock used for the session check.
func (v *Validator) SetClock(now func() time.Time) { v.now = now }

// Validate checks the shape of req, the exchange session and, once the
// margin is known, the lot caps and free margin. Pass a zero required margin
// to skip the margin check.
func (v *Validator) Validate(req model.OrderRequest, required decimal.Decimal) error {
	var problems []string

	if req.Instrument.Token == "" {
		problems = append(problems, "instrument is required")
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		problems = append(problems, fmt.Sprintf("invalid side %q", req.Side))
	}
	if req.Lots < 1 {
		problems = append(problems, "lots must be at least 1")
	}
	switch req.Type {
	case model.OrderMarket:
	case model.OrderLimit:
		if !req.Price.IsPositive() {
			problems = append(problems, "limit price is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("invalid order type %q", req.Type))
	}
	if req.StopLoss.IsNegative() {
		problems = append(problems, "stop loss must be positive")
	}
	if req.TakeProfit.IsNegative() {
		problems = append(problems, "take profit must be positive")
	}
	if !v.calendar.IsOpen(req.Instrument.Category, v.now()) {
		problems = append(problems, fmt.Sprintf("%s market is closed", req.Instrument.Category))
	}

	if len(problems) == 0 && v.risk != nil {
		if ok, reason := v.risk.CanTrade(req.Instrument, req.Lots, required); !ok {
			problems = append(problems, reason)
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
