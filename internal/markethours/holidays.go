package markethours

import (
	"fmt"
	"strings"
	"time"
)

// Exchange holidays for 2026. Equity and currency derivatives are shut on
// these days; the commodity exchange runs its own calendar and is not
// affected.
var holidays2026 = []struct {
	month time.Month
	day   int
}{
	{time.January, 26},  // Republic Day
	{time.February, 17}, // Mahashivratri
	{time.March, 14},    // Holi
	{time.March, 31},    // Id-ul-Fitr
	{time.April, 2},     // Ram Navami
	{time.April, 6},     // Mahavir Jayanti
	{time.April, 10},    // Good Friday
	{time.April, 14},    // Dr. Ambedkar Jayanti
	{time.May, 1},       // Maharashtra Day
	{time.June, 7},      // Bakrid
	{time.July, 6},      // Muharram
	{time.August, 15},   // Independence Day
	{time.August, 16},   // Janmashtami
	{time.September, 5}, // Milad-un-Nabi
	{time.October, 2},   // Gandhi Jayanti
	{time.October, 20},  // Dussehra
	{time.October, 21},  // Dussehra
	{time.November, 5},  // Diwali
	{time.November, 6},  // Diwali Balipratipada
	{time.November, 7},  // Bhai Dooj
	{time.November, 19}, // Guru Nanak Jayanti
	{time.December, 25}, // Christmas
}

func defaultHolidays() map[string]bool {
	set := make(map[string]bool, len(holidays2026))
	for _, h := range holidays2026 {
		set[dateKey(time.Date(2026, h.month, h.day, 0, 0, 0, 0, IST))] = true
	}
	return set
}

// ParseHolidays parses a comma-separated list of YYYY-MM-DD dates.
func ParseHolidays(list string) ([]time.Time, error) {
	var out []time.Time
	for _, s := range strings.Split(list, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		d, err := time.ParseInLocation("2006-01-02", s, IST)
		if err != nil {
			return nil, fmt.Errorf("markethours: holiday %q: %w", s, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func dateKey(t time.Time) string {
	return t.In(IST).Format("2006-01-02")
}
