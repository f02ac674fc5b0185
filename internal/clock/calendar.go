package clock

import (
	"time"
)

// Weekday numbers follow ISO 8601: Monday=1 through Sunday=7.

var weekdayNames = [8]string{
	"", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
}

// WeekdayNumber returns the ISO weekday number of t (Monday=1, Sunday=7).
func WeekdayNumber(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// WeekdayName returns the lowercase English name for an ISO weekday
// number, or "" for numbers outside 1..7.
func WeekdayName(day int) string {
	if day < 1 || day > 7 {
		return ""
	}
	return weekdayNames[day]
}

// WeekdayFromName resolves a lowercase weekday name back to its ISO
// number, returning 0 for unknown names.
func WeekdayFromName(name string) int {
	for i := 1; i <= 7; i++ {
		if weekdayNames[i] == name {
			return i
		}
	}
	return 0
}

// NextWeekday returns the first date strictly after from whose ISO weekday
// equals day.
func NextWeekday(from time.Time, day int) time.Time {
	delta := day - WeekdayNumber(from)
	if delta <= 0 {
		delta += 7
	}
	return from.AddDate(0, 0, delta)
}

// CycleDays returns the number of days from an order day to a delivery day
// in cycle-week arithmetic: same-day is 0, wrapping across the week
// otherwise. An order on Friday (5) delivering Monday (1) spans 3 days.
func CycleDays(orderDay, deliveryDay int) int {
	delta := deliveryDay - orderDay
	if delta < 0 {
		delta += 7
	}
	return delta
}

// firstSaturday returns the first Saturday of t's month.
func firstSaturday(t time.Time) time.Time {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	offset := (6 - WeekdayNumber(first) + 7) % 7
	return first.AddDate(0, 0, offset)
}

// lastSaturday returns the last Saturday of t's month.
func lastSaturday(t time.Time) time.Time {
	lastDay := time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location())
	offset := (WeekdayNumber(lastDay) - 6 + 7) % 7
	return lastDay.AddDate(0, 0, -offset)
}

// IsFirstWeekendOfMonth reports whether t falls on the first Saturday of
// its month or the Sunday that follows it.
func IsFirstWeekendOfMonth(t time.Time) bool {
	wd := WeekdayNumber(t)
	if wd != 6 && wd != 7 {
		return false
	}
	sat := firstSaturday(t)
	if wd == 6 {
		return t.Day() == sat.Day()
	}
	sun := sat.AddDate(0, 0, 1)
	return t.Month() == sun.Month() && t.Day() == sun.Day()
}

// IsLastWeekendOfMonth reports whether t falls on the last Saturday of its
// month or the Sunday that follows it (even when that Sunday lands in the
// next month).
func IsLastWeekendOfMonth(t time.Time) bool {
	wd := WeekdayNumber(t)
	if wd == 6 {
		return t.Day() == lastSaturday(t).Day()
	}
	if wd == 7 {
		// The preceding Saturday decides which weekend this Sunday belongs to.
		sat := t.AddDate(0, 0, -1)
		return sat.Day() == lastSaturday(sat).Day()
	}
	return false
}

// DaysUntilFirstWeekend returns the number of days from t to the nearest
// upcoming first-weekend Saturday (this month's if it has not passed,
// otherwise next month's). Returns 0 when t is that Saturday.
func DaysUntilFirstWeekend(t time.Time) int {
	sat := firstSaturday(t)
	if sat.Before(t.Truncate(24 * time.Hour)) {
		sat = firstSaturday(t.AddDate(0, 1, -t.Day()+1))
	}
	days := int(sat.Sub(time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// CoversWeekend reports whether the span [start, start+days) includes a
// Saturday or Sunday.
func CoversWeekend(start time.Time, days int) bool {
	for i := 0; i < days; i++ {
		wd := WeekdayNumber(start.AddDate(0, 0, i))
		if wd == 6 || wd == 7 {
			return true
		}
	}
	return false
}

// CoversFirstWeekend reports whether the span [start, start+days) includes
// a first-weekend day.
func CoversFirstWeekend(start time.Time, days int) bool {
	for i := 0; i < days; i++ {
		if IsFirstWeekendOfMonth(start.AddDate(0, 0, i)) {
			return true
		}
	}
	return false
}

// HolidaySet resolves configured holiday dates. Entries are either
// recurring "MM-DD" dates or full "YYYY-MM-DD" dates.
type HolidaySet struct {
	recurring map[string]bool // "MM-DD"
	fixed     map[string]bool // "YYYY-MM-DD"
}

// NewHolidaySet parses the configured holiday date list. Malformed
// entries are ignored.
func NewHolidaySet(entries []string) *HolidaySet {
	hs := &HolidaySet{
		recurring: make(map[string]bool),
		fixed:     make(map[string]bool),
	}
	for _, e := range entries {
		switch len(e) {
		case 5: // MM-DD
			if _, err := time.Parse("01-02", e); err == nil {
				hs.recurring[e] = true
			}
		case 10: // YYYY-MM-DD
			if _, err := time.Parse("2006-01-02", e); err == nil {
				hs.fixed[e] = true
			}
		}
	}
	return hs
}

// IsHoliday reports whether t is a configured holiday.
func (h *HolidaySet) IsHoliday(t time.Time) bool {
	if h == nil {
		return false
	}
	if h.fixed[t.Format("2006-01-02")] {
		return true
	}
	return h.recurring[t.Format("01-02")]
}

// IsHolidayWeek reports whether any day of the ISO week containing t
// (Monday through Sunday) is a configured holiday.
func (h *HolidaySet) IsHolidayWeek(t time.Time) bool {
	if h == nil {
		return false
	}
	monday := t.AddDate(0, 0, -(WeekdayNumber(t) - 1))
	for i := 0; i < 7; i++ {
		if h.IsHoliday(monday.AddDate(0, 0, i)) {
			return true
		}
	}
	return false
}
