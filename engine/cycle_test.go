package engine_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/expense-engine/engine"
)

func TestFirstInstallmentDueDate_ClosingBoundary(t *testing.T) {
	card := engine.CreditCard{ID: "visa", Type: engine.CardCredit, ClosingDay: 10, DueDay: 10}

	tests := []struct {
		purchase string
		want     string
	}{
		{"2025-03-05", "2025-04-10"},
		{"2025-03-10", "2025-04-10"}, // closing day is inclusive
		{"2025-03-11", "2025-05-10"},
		{"2025-12-15", "2026-02-10"}, // year rollover
	}
	for _, tt := range tests {
		t.Run(tt.purchase, func(t *testing.T) {
			assert.Equal(t, d(tt.want), engine.FirstInstallmentDueDate(d(tt.purchase), card))
		})
	}
}

func TestClosingDateForMonth_ClipsToMonthEnd(t *testing.T) {
	// GIVEN: closing day 31
	// WHEN: the month is February
	// THEN: closing falls on its last day, honoring leap years

	assert.Equal(t, d("2025-02-28"), engine.ClosingDateForMonth(d("2025-02-03"), 31))
	assert.Equal(t, d("2024-02-29"), engine.ClosingDateForMonth(d("2024-02-03"), 31))
	assert.Equal(t, d("2025-04-30"), engine.ClosingDateForMonth(d("2025-04-01"), 31))
}

func TestDueDateForInstallment_ReclipsEachMonth(t *testing.T) {
	card := engine.CreditCard{ID: "amex", Type: engine.CardCredit, ClosingDay: 25, DueDay: 31}
	purchase := d("2024-12-20")

	assert.Equal(t, d("2025-01-31"), engine.DueDateForInstallment(purchase, card, 0))
	assert.Equal(t, d("2025-02-28"), engine.DueDateForInstallment(purchase, card, 1))
	assert.Equal(t, d("2025-03-31"), engine.DueDateForInstallment(purchase, card, 2))
}

func TestIsDueToday(t *testing.T) {
	card := engine.CreditCard{ID: "visa", Type: engine.CardCredit, ClosingDay: 10, DueDay: 10}
	purchase := d("2025-03-05")

	assert.True(t, engine.IsDueToday(purchase, card, 0, d("2025-04-10")))
	assert.True(t, engine.IsDueToday(purchase, card, 2, d("2025-06-10")))
	assert.False(t, engine.IsDueToday(purchase, card, 1, d("2025-04-10")))
	assert.False(t, engine.IsDueToday(purchase, card, 0, d("2025-04-11")))
}

func TestIsInstallmentDue(t *testing.T) {
	card := engine.CreditCard{ID: "amex", Type: engine.CardCredit, ClosingDay: 25, DueDay: 31}
	purchase := d("2024-12-20")

	assert.True(t, engine.IsInstallmentDue(purchase, card, 0, d("2025-01-31")))
	assert.False(t, engine.IsInstallmentDue(purchase, card, 0, d("2024-12-31")), "before first due date")
	assert.True(t, engine.IsInstallmentDue(purchase, card, 0, d("2025-02-28")), "missed due date caught up")
	assert.False(t, engine.IsInstallmentDue(purchase, card, 0, d("2025-02-27")), "not the due day")
	assert.False(t, engine.IsInstallmentDue(purchase, card, 2, d("2025-02-28")), "installment not yet due")
}

func TestValidateCardConfig(t *testing.T) {
	t.Run("missing days", func(t *testing.T) {
		_, err := engine.ValidateCardConfig(engine.CreditCard{ID: "c", Type: engine.CardCredit, DueDay: 10})
		require.Error(t, err)
		assert.True(t, errors.Is(err, engine.ErrCardMisconfigured))
		assert.Contains(t, err.Error(), "closing_day")
	})

	t.Run("out of range", func(t *testing.T) {
		_, err := engine.ValidateCardConfig(engine.CreditCard{ID: "c", Type: engine.CardCredit, ClosingDay: 32, DueDay: 10})
		assert.ErrorIs(t, err, engine.ErrCardMisconfigured)
	})

	t.Run("due not after closing warns", func(t *testing.T) {
		warnings, err := engine.ValidateCardConfig(engine.CreditCard{ID: "c", Type: engine.CardCredit, ClosingDay: 10, DueDay: 10})
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "not after")
	})

	t.Run("late days warn", func(t *testing.T) {
		warnings, err := engine.ValidateCardConfig(engine.CreditCard{ID: "c", Type: engine.CardCredit, ClosingDay: 20, DueDay: 31})
		require.NoError(t, err)
		assert.Len(t, warnings, 1)
	})

	t.Run("clean", func(t *testing.T) {
		warnings, err := engine.ValidateCardConfig(engine.CreditCard{ID: "c", Type: engine.CardCredit, ClosingDay: 5, DueDay: 15})
		require.NoError(t, err)
		assert.Empty(t, warnings)
	})
}
