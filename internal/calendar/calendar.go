// Package calendar provides the trading-calendar gate the Scheduler
// (C7) evaluates every cron tick against: weekends and a declared
// holiday list are skipped, trading days are not.
package calendar

import "time"

// TradingCalendar answers whether a given local date is a trading day.
// Injectable so a single-venue deployment can supply its own holiday
// list (spec §9 Open Question: single declared venue/timezone).
type TradingCalendar interface {
	IsTradingDay(date time.Time) bool
}

// Static is a TradingCalendar backed by a fixed holiday set, skipping
// Saturdays and Sundays unconditionally.
type Static struct {
	// Holidays holds "YYYY-MM-DD" keys of the local dates on which the
	// venue does not trade, e.g. New Year's Day.
	Holidays map[string]struct{}
}

// NewStatic builds a Static calendar from a list of YYYY-MM-DD holiday
// strings. Malformed entries are ignored.
func NewStatic(holidayDates []string) *Static {
	h := make(map[string]struct{}, len(holidayDates))
	for _, d := range holidayDates {
		if _, err := time.Parse("2006-01-02", d); err == nil {
			h[d] = struct{}{}
		}
	}
	return &Static{Holidays: h}
}

func (s *Static) IsTradingDay(date time.Time) bool {
	switch date.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	key := date.Format("2006-01-02")
	_, isHoliday := s.Holidays[key]
	return !isHoliday
}

// SessionID derives the session_id (venue-local trading date) for a
// timestamp, per the Data Model lifecycle rule in spec §3.
func SessionID(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}
