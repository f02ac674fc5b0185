package domain

import (
	"fmt"
	"time"
)

// DateLayout is the canonical civil-date format used for delivery and
// order dates throughout the system.
const DateLayout = "2006-01-02"

// FormatDate renders a time as a canonical civil date string.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDate parses a canonical civil date string into a UTC midnight time.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date %q: %w", s, err)
	}
	return t, nil
}

// MustParseDate is ParseDate for literals in tests and fixtures.
func MustParseDate(s string) time.Time {
	t, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

// TruncateToDate drops the time-of-day component, keeping UTC midnight.
func TruncateToDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SameDate reports whether two times fall on the same UTC civil date.
func SameDate(a, b time.Time) bool {
	return TruncateToDate(a).Equal(TruncateToDate(b))
}

// DaysBetween returns the number of whole days from a to b (negative when
// b precedes a). Both are truncated to civil dates first.
func DaysBetween(a, b time.Time) int {
	da := TruncateToDate(a)
	db := TruncateToDate(b)
	return int(db.Sub(da).Hours() / 24)
}
