package ingest

import (
	"fmt"
	"time"
)

const monthLayout = "2006-01"

// MonthRange is an inclusive range of calendar months. From and To are normalized
// to the first day of their month in UTC.
type MonthRange struct {
	From time.Time
	To   time.Time
}

// ParseMonth parses a YYYY-MM string into the first instant of that month in UTC.
func ParseMonth(s string) (time.Time, error) {
	t, err := time.ParseInLocation(monthLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid month %q: expected YYYY-MM", s)
	}
	return t, nil
}

// ParseMonthRange parses both bounds and checks that from is not after to.
func ParseMonthRange(from, to string) (MonthRange, error) {
	f, err := ParseMonth(from)
	if err != nil {
		return MonthRange{}, err
	}
	t, err := ParseMonth(to)
	if err != nil {
		return MonthRange{}, err
	}
	if t.Before(f) {
		return MonthRange{}, fmt.Errorf("month range end %s is before start %s", to, from)
	}
	return MonthRange{From: f, To: t}, nil
}

// Months returns every month in the range, in order.
func (r MonthRange) Months() []time.Time {
	start := time.Date(r.From.Year(), r.From.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(r.To.Year(), r.To.Month(), 1, 0, 0, 0, 0, time.UTC)

	var months []time.Time
	for m := start; !m.After(end); m = m.AddDate(0, 1, 0) {
		months = append(months, m)
	}
	return months
}

func (r MonthRange) String() string {
	return r.From.Format(monthLayout) + ".." + r.To.Format(monthLayout)
}
