package engine

import (
	"fmt"
	"time"
)

// =============================================================================
// BILLING PERIODS - One ledger entry per obligation per period
// =============================================================================

const (
	PeriodOnce = "once"
)

// cycleMonths is the length in months of month-based frequencies.
var cycleMonths = map[Frequency]int{
	FrequencyMonthly:    1,
	FrequencyBimonthly:  2,
	FrequencyQuarterly:  3,
	FrequencySemiannual: 6,
	FrequencyAnnual:     12,
}

// PeriodKey returns the key of the billing period that contains d.
//
//	daily      2006-01-02
//	weekly     2006-W01 (ISO week)
//	annual     2006
//	otherwise  2006-01
func PeriodKey(f Frequency, d Date) string {
	switch f {
	case FrequencyDaily:
		return d.String()
	case FrequencyWeekly:
		y, w := d.Time().ISOWeek()
		return fmt.Sprintf("%04d-W%02d", y, w)
	case FrequencyAnnual:
		return fmt.Sprintf("%04d", d.Year)
	default:
		return d.MonthKey()
	}
}

// Tolerance is the automatic-debit slack in days around the payment day.
func Tolerance(f Frequency) int {
	switch f {
	case FrequencyDaily:
		return 0
	case FrequencyWeekly:
		return 1
	case FrequencyMonthly, FrequencyBimonthly:
		return 2
	case FrequencyQuarterly:
		return 3
	case FrequencySemiannual, FrequencyAnnual:
		return 5
	default:
		return 0
	}
}

// Period returns the billing period key of today for this schedule.
func (s Schedule) Period(today Date) string {
	return PeriodKey(s.EffectiveFrequency(), today)
}

// GeneratedIn reports whether the schedule already produced an entry in
// today's period.
func (s Schedule) GeneratedIn(today Date) bool {
	if s.LastGenerated == nil {
		return false
	}
	return s.Period(*s.LastGenerated) == s.Period(today)
}

// Started reports whether today is on or after StartDate.
func (s Schedule) Started(today Date) bool {
	return s.StartDate == nil || today.AfterOrEqual(*s.StartDate)
}

// Ended reports whether today is past EndDate.
func (s Schedule) Ended(today Date) bool {
	return s.EndDate != nil && today.After(*s.EndDate)
}

// DueWithin reports whether today is within tolerance days of the
// schedule's payment date in the current cycle.
func (s Schedule) DueWithin(today Date, tolerance int) bool {
	f := s.EffectiveFrequency()
	switch f {
	case FrequencyDaily:
		return true
	case FrequencyWeekly:
		return absInt(isoWeekday(today)-s.anchorWeekday()) <= tolerance
	}

	step, ok := cycleMonths[f]
	if !ok {
		return false
	}
	if !s.inCycleMonth(today.Month, step) {
		return false
	}
	payDay := ClampDay(s.PaymentDay, today.Year, today.Month)
	return absInt(today.Day-payDay) <= tolerance
}

// anchorMonth is the month cycles are counted from: the payment month,
// else the start month, else January.
func (s Schedule) anchorMonth() time.Month {
	switch {
	case s.PaymentMonth != 0:
		return s.PaymentMonth
	case s.StartDate != nil:
		return s.StartDate.Month
	default:
		return time.January
	}
}

func (s Schedule) inCycleMonth(m time.Month, step int) bool {
	if step <= 1 {
		return true
	}
	diff := (int(m) - int(s.anchorMonth())) % step
	return diff == 0
}

// anchorWeekday is the ISO weekday (1=Monday) weekly schedules fall on:
// the start date's weekday, else Monday.
func (s Schedule) anchorWeekday() int {
	if s.StartDate != nil {
		return isoWeekday(*s.StartDate)
	}
	return 1
}

func isoWeekday(d Date) int {
	wd := int(d.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
