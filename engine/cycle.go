/*
cycle.go - Credit-card billing cycle math

PURPOSE:
  Computes closing and due dates for installment purchases paid with a
  credit card. All functions are pure.

BILLING CYCLE:
  A purchase made on or before the closing day belongs to the cycle that
  closes this month and is due on DueDay of the next month. A purchase made
  after the closing day rolls into the next cycle: due two months later.

  closing=10, due=10:
    purchase Mar 5  -> closing Mar 10 -> first due Apr 10
    purchase Mar 10 -> closing Mar 10 -> first due Apr 10 (inclusive)
    purchase Mar 11 -> closing Mar 10 -> first due May 10

MONTH-END CLIPPING:
  Days beyond the month length are clipped: closing day 31 in February is
  Feb 28 (29 in leap years). Installment k is re-clipped from the card's
  DueDay, so a due day of 31 gives Jan 31, Feb 28, Mar 31.
*/
package engine

import (
	"fmt"
)

// ClosingDateForMonth returns the closing date in ref's month.
func ClosingDateForMonth(ref Date, closingDay int) Date {
	return Date{Year: ref.Year, Month: ref.Month, Day: ClampDay(closingDay, ref.Year, ref.Month)}
}

// FirstInstallmentDueDate returns the due date of the first installment.
func FirstInstallmentDueDate(purchase Date, card CreditCard) Date {
	closing := ClosingDateForMonth(purchase, card.ClosingDay)
	offset := 1
	if purchase.After(closing) {
		offset = 2
	}
	return closing.AddMonthsClipped(offset, card.DueDay)
}

// DueDateForInstallment returns the due date of installment index (0-based).
func DueDateForInstallment(purchase Date, card CreditCard, index int) Date {
	first := FirstInstallmentDueDate(purchase, card)
	return first.AddMonthsClipped(index, card.DueDay)
}

// IsDueToday reports whether installment index falls due on today.
func IsDueToday(purchase Date, card CreditCard, index int, today Date) bool {
	return DueDateForInstallment(purchase, card, index) == today
}

// IsInstallmentDue reports whether installment index can be charged today:
// today is the card's due day (clipped) and the installment's own due date
// has been reached. A missed due date is caught up on the next due day.
func IsInstallmentDue(purchase Date, card CreditCard, index int, today Date) bool {
	if today.Day != ClampDay(card.DueDay, today.Year, today.Month) {
		return false
	}
	return today.AfterOrEqual(DueDateForInstallment(purchase, card, index))
}

// ValidateCardConfig checks that a credit card can drive a billing cycle.
// Unusual but valid settings come back as warnings.
func ValidateCardConfig(card CreditCard) (warnings []string, err error) {
	var missing []string
	if card.ClosingDay == 0 {
		missing = append(missing, "closing_day")
	}
	if card.DueDay == 0 {
		missing = append(missing, "due_day")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("card %s: %w: missing %v", card.ID, ErrCardMisconfigured, missing)
	}
	if card.ClosingDay < 1 || card.ClosingDay > 31 {
		return nil, fmt.Errorf("card %s: %w: closing_day %d out of range", card.ID, ErrCardMisconfigured, card.ClosingDay)
	}
	if card.DueDay < 1 || card.DueDay > 31 {
		return nil, fmt.Errorf("card %s: %w: due_day %d out of range", card.ID, ErrCardMisconfigured, card.DueDay)
	}

	if card.DueDay <= card.ClosingDay {
		warnings = append(warnings, fmt.Sprintf("due_day %d is not after closing_day %d", card.DueDay, card.ClosingDay))
	}
	if card.ClosingDay > 28 || card.DueDay > 28 {
		warnings = append(warnings, "closing_day or due_day above 28 is clipped in short months")
	}
	return warnings, nil
}
