package engine

import (
	"fmt"
	"time"
)

// =============================================================================
// DATE - Calendar day in the engine's reference timezone
// =============================================================================

// Date is a calendar day. All eligibility rules compare Dates, never
// instants, so the reference timezone is applied exactly once when "today"
// is computed.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const DateLayout = "2006-01-02"

// NewDate normalizes overflowing values the way time.Date does.
func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// DateIn returns the calendar day of t in loc.
func DateIn(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	return DateOf(t.In(loc))
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// MustParseDate is ParseDate for literals in tests and fixtures.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time { return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC) }

// Comparison
func (d Date) Compare(o Date) int {
	switch {
	case d.Year != o.Year:
		return cmpInt(d.Year, o.Year)
	case d.Month != o.Month:
		return cmpInt(int(d.Month), int(o.Month))
	default:
		return cmpInt(d.Day, o.Day)
	}
}
func (d Date) Before(o Date) bool        { return d.Compare(o) < 0 }
func (d Date) After(o Date) bool         { return d.Compare(o) > 0 }
func (d Date) Equal(o Date) bool         { return d == o }
func (d Date) BeforeOrEqual(o Date) bool { return d.Compare(o) <= 0 }
func (d Date) AfterOrEqual(o Date) bool  { return d.Compare(o) >= 0 }
func (d Date) IsZero() bool              { return d == Date{} }

// Arithmetic
func (d Date) AddDays(n int) Date { return DateOf(d.Time().AddDate(0, 0, n)) }

// AddMonthsClipped moves n months and clips day to the target month's length
// (Jan 31 + 1 month = Feb 28/29), unlike time.AddDate which rolls over.
func (d Date) AddMonthsClipped(n int, day int) Date {
	first := time.Date(d.Year, d.Month+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	y, m, _ := first.Date()
	return Date{Year: y, Month: m, Day: ClampDay(day, y, m)}
}

// Properties
func (d Date) Weekday() time.Weekday { return d.Time().Weekday() }
func (d Date) DaysInMonth() int     { return DaysIn(d.Year, d.Month) }
func (d Date) String() string       { return d.Time().Format(DateLayout) }

func (d Date) IsWeekend() bool {
	wd := d.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// MonthKey is the calendar-month key ("2006-01").
func (d Date) MonthKey() string { return fmt.Sprintf("%04d-%02d", d.Year, int(d.Month)) }

// SameMonth reports whether both dates fall in the same calendar month.
func (d Date) SameMonth(o Date) bool { return d.Year == o.Year && d.Month == o.Month }

// =============================================================================
// TIME UTILITIES
// =============================================================================

// DaysIn returns the number of days of a month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ClampDay clips day into [1, DaysIn(year, month)].
func ClampDay(day, year int, month time.Month) int {
	if day < 1 {
		return 1
	}
	if n := DaysIn(year, month); day > n {
		return n
	}
	return day
}

func DaysBetween(from, to Date) int { return int(to.Time().Sub(from.Time()).Hours() / 24) }

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// =============================================================================
// CLOCK
// =============================================================================

// Clock supplies the current instant. Passes read it once.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant.
type FixedClock struct{ T time.Time }

func (c FixedClock) Now() time.Time { return c.T }

// =============================================================================
// HOLIDAY CALENDAR
// =============================================================================

// HolidayCalendar answers whether a day is a public holiday.
type HolidayCalendar interface {
	IsHoliday(d Date) bool
}

// HolidaySet is a fixed list of holidays.
type HolidaySet map[Date]struct{}

func NewHolidaySet(days ...Date) HolidaySet {
	s := make(HolidaySet, len(days))
	for _, d := range days {
		s[d] = struct{}{}
	}
	return s
}

func (s HolidaySet) IsHoliday(d Date) bool {
	_, ok := s[d]
	return ok
}
