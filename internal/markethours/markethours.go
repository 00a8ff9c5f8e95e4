// Package markethours answers whether an exchange category is in session.
// All times are IST.
package markethours

import (
	"fmt"
	"time"

	"tradewatch/internal/model"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Window is a daily session in minutes after midnight IST, close exclusive.
type Window struct {
	Open  int
	Close int
}

func hm(h, m int) int { return h*60 + m }

var windows = map[model.Category]Window{
	model.CategoryMCX: {Open: hm(9, 0), Close: hm(23, 30)},
	model.CategoryNSE: {Open: hm(9, 15), Close: hm(15, 30)},
	model.CategoryOPT: {Open: hm(9, 15), Close: hm(15, 30)},
}

// WindowFor returns the session window of cat. Unknown categories get the
// equity window.
func WindowFor(cat model.Category) Window {
	if w, ok := windows[cat]; ok {
		return w
	}
	return windows[model.CategoryNSE]
}

// Calendar combines session windows with a holiday list.
type Calendar struct {
	holidays map[string]bool
}

// Default is the calendar with the built-in holiday list.
var Default = NewCalendar()

// NewCalendar returns a calendar with the built-in holidays plus extra.
func NewCalendar(extra ...time.Time) *Calendar {
	c := &Calendar{holidays: defaultHolidays()}
	for _, d := range extra {
		c.holidays[dateKey(d)] = true
	}
	return c
}

// IsHoliday reports whether t falls on a holiday for cat.
func (c *Calendar) IsHoliday(cat model.Category, t time.Time) bool {
	if cat == model.CategoryMCX {
		return false
	}
	return c.holidays[dateKey(t)]
}

// IsTradingDay reports whether t is a weekday and not a holiday for cat.
func (c *Calendar) IsTradingDay(cat model.Category, t time.Time) bool {
	ist := t.In(IST)
	wd := ist.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !c.IsHoliday(cat, ist)
}

// IsOpen reports whether cat is in session at t.
func (c *Calendar) IsOpen(cat model.Category, t time.Time) bool {
	ist := t.In(IST)
	if !c.IsTradingDay(cat, ist) {
		return false
	}
	w := WindowFor(cat)
	m := hm(ist.Hour(), ist.Minute())
	return m >= w.Open && m < w.Close
}

// NextOpen returns the next session open for cat at or after t. If t is
// inside a session, that session's open is in the past and the following
// day's open is returned.
func (c *Calendar) NextOpen(cat model.Category, t time.Time) time.Time {
	ist := t.In(IST)
	w := WindowFor(cat)
	at := func(d time.Time) time.Time {
		return time.Date(d.Year(), d.Month(), d.Day(), w.Open/60, w.Open%60, 0, 0, IST)
	}

	if open := at(ist); ist.Before(open) && c.IsTradingDay(cat, ist) {
		return open
	}
	d := ist.AddDate(0, 0, 1)
	for i := 0; i < 14; i++ {
		if c.IsTradingDay(cat, d) {
			return at(d)
		}
		d = d.AddDate(0, 0, 1)
	}
	return at(ist.AddDate(0, 0, 1))
}

// Close returns the close of the session on t's IST date.
func (c *Calendar) Close(cat model.Category, t time.Time) time.Time {
	ist := t.In(IST)
	w := WindowFor(cat)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), w.Close/60, w.Close%60, 0, 0, IST)
}

// Status returns a short human-readable session status.
func (c *Calendar) Status(cat model.Category, t time.Time) string {
	if c.IsOpen(cat, t) {
		return fmt.Sprintf("%s open, closes in %s", cat, fmtDur(c.Close(cat, t).Sub(t)))
	}
	next := c.NextOpen(cat, t)
	return fmt.Sprintf("%s closed, opens %s %s (%s)",
		cat, next.Weekday().String()[:3], next.Format("15:04"), fmtDur(next.Sub(t)))
}

// IsOpen reports whether cat is in session at t on the default calendar.
func IsOpen(cat model.Category, t time.Time) bool {
	return Default.IsOpen(cat, t)
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
