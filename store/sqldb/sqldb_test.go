package sqldb

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/expense-engine/engine"
	"github.com/warp/expense-engine/logging"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), DriverSQLite, ":memory:", Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, db.SaveReference(ctx, engine.RefCategory, "cat-1"))
	require.NoError(t, db.SaveReference(ctx, engine.RefImportance, "imp-1"))
	require.NoError(t, db.SaveReference(ctx, engine.RefPaymentMethod, "pm-1"))
	return db
}

func refs() engine.References {
	return engine.References{CategoryID: "cat-1", ImportanceID: "imp-1", PaymentMethodID: "pm-1"}
}

func date(s string) *engine.Date {
	d := engine.MustParseDate(s)
	return &d
}

// =============================================================================
// ROUND TRIP
// =============================================================================

func TestDB_SaveAndGetObligation(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	ob := engine.Obligation{
		ID:          "ad-1",
		OwnerID:     "owner-1",
		Kind:        engine.KindAutomaticDebit,
		Description: "electricity",
		Amount:      decimal.RequireFromString("8123.45"),
		Currency:    engine.CurrencyARS,
		Refs:        refs(),
		Converted:   &engine.Conversion{ARS: decimal.RequireFromString("8123.45"), USD: decimal.RequireFromString("8.12"), Rate: decimal.NewFromInt(1000)},
		Schedule: engine.Schedule{
			Active:       true,
			Frequency:    engine.FrequencyAnnual,
			PaymentDay:   10,
			PaymentMonth: time.June,
			StartDate:    date("2025-01-01"),
			EndDate:      date("2026-12-31"),
		},
	}
	require.NoError(t, db.SaveObligation(ctx, ob))

	got, err := db.GetObligation(ctx, "ad-1")
	require.NoError(t, err)
	assert.Equal(t, ob.Description, got.Description)
	assert.True(t, ob.Amount.Equal(got.Amount))
	assert.Equal(t, ob.Refs, got.Refs)
	assert.Equal(t, ob.Schedule.PaymentMonth, got.Schedule.PaymentMonth)
	assert.Equal(t, *ob.Schedule.StartDate, *got.Schedule.StartDate)
	assert.Equal(t, *ob.Schedule.EndDate, *got.Schedule.EndDate)
	assert.Nil(t, got.Schedule.LastGenerated)
	require.NotNil(t, got.Converted)
	assert.True(t, decimal.RequireFromString("8.12").Equal(got.Converted.USD))

	// Upsert replaces.
	ob.Description = "power"
	require.NoError(t, db.SaveObligation(ctx, ob))
	got, err = db.GetObligation(ctx, "ad-1")
	require.NoError(t, err)
	assert.Equal(t, "power", got.Description)

	_, err = db.GetObligation(ctx, "missing")
	assert.ErrorIs(t, err, engine.ErrObligationNotFound)
}

func TestDB_FindReadyObligations(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	today := engine.MustParseDate("2025-03-05")

	require.NoError(t, db.SaveObligation(ctx, engine.Obligation{ID: "o-1", OwnerID: "a", Kind: engine.KindOneTime, Amount: decimal.NewFromInt(1), Currency: engine.CurrencyARS}))
	require.NoError(t, db.SaveObligation(ctx, engine.Obligation{ID: "o-2", OwnerID: "a", Kind: engine.KindOneTime, Amount: decimal.NewFromInt(1), Currency: engine.CurrencyARS, Processed: true}))
	require.NoError(t, db.SaveObligation(ctx, engine.Obligation{ID: "r-1", OwnerID: "a", Kind: engine.KindRecurring, Amount: decimal.NewFromInt(1), Currency: engine.CurrencyARS,
		Schedule: engine.Schedule{Active: true, PaymentDay: 5, LastGenerated: &today}}))
	require.NoError(t, db.SaveObligation(ctx, engine.Obligation{ID: "r-2", OwnerID: "b", Kind: engine.KindRecurring, Amount: decimal.NewFromInt(1), Currency: engine.CurrencyARS,
		Schedule: engine.Schedule{Active: true, PaymentDay: 5, LastGenerated: date("2025-02-05")}}))
	require.NoError(t, db.SaveObligation(ctx, engine.Obligation{ID: "i-1", OwnerID: "a", Kind: engine.KindInstallment, Amount: decimal.NewFromInt(1), Currency: engine.CurrencyARS,
		Plan: engine.InstallmentPlan{Count: 3, PurchaseDate: today, Pending: true}}))

	got, err := db.FindReadyObligations(ctx, engine.KindOneTime, "", today)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, engine.ObligationID("o-1"), got[0].ID)

	got, err = db.FindReadyObligations(ctx, engine.KindRecurring, "", today)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, engine.ObligationID("r-2"), got[0].ID)

	got, err = db.FindReadyObligations(ctx, engine.KindRecurring, "a", today)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = db.FindReadyObligations(ctx, engine.KindInstallment, "a", today)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, today, got[0].Plan.PurchaseDate)
}

func TestDB_CardsAndReferences(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.SaveCard(ctx, engine.CreditCard{ID: "visa", Type: engine.CardCredit, ClosingDay: 10, DueDay: 20}))

	card, err := db.GetCard(ctx, "visa")
	require.NoError(t, err)
	assert.True(t, card.IsCredit())
	assert.Equal(t, 20, card.DueDay)

	_, err = db.GetCard(ctx, "amex")
	assert.ErrorIs(t, err, engine.ErrCardNotFound)

	ok, err := db.ReferenceExists(ctx, engine.RefCard, "visa")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = db.ReferenceExists(ctx, engine.RefCategory, "cat-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = db.ReferenceExists(ctx, engine.RefImportance, "cat-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Saving twice is harmless.
	require.NoError(t, db.SaveReference(ctx, engine.RefCategory, "cat-1"))
}

// =============================================================================
// WRITES
// =============================================================================

func TestDB_CreateLedgerEntryEnforcesPeriodUniqueness(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	e := engine.LedgerEntry{
		ID: "e-1", OwnerID: "a", Date: engine.MustParseDate("2025-04-10"),
		AmountARS: decimal.NewFromInt(100), AmountUSD: decimal.RequireFromString("0.1"), Rate: decimal.NewFromInt(1000),
		OriginalAmount: decimal.NewFromInt(100), OriginCurrency: engine.CurrencyARS,
		OriginKind: engine.KindInstallment, OriginID: "i-1", Period: "2025-04", InstallmentNumber: 1, Refs: refs(),
	}
	_, err := db.CreateLedgerEntry(ctx, e)
	require.NoError(t, err)

	e.ID = "e-2"
	_, err = db.CreateLedgerEntry(ctx, e)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrDuplicateEntry)
	assert.False(t, engine.IsRetryable(err))

	n, err := db.CountGeneratedInstallments(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	exists, err := db.EntryExists(ctx, engine.KindInstallment, "i-1", "2025-04")
	require.NoError(t, err)
	assert.True(t, exists)

	all, err := db.ListLedgerEntries(ctx, "a")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, refs(), all[0].Refs)
	assert.Equal(t, "0.10", all[0].AmountUSD.StringFixed(2))
}

func TestDB_UpdateGenerationState(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.SaveObligation(ctx, engine.Obligation{ID: "i-1", OwnerID: "a", Kind: engine.KindInstallment, Amount: decimal.NewFromInt(300), Currency: engine.CurrencyARS,
		Plan: engine.InstallmentPlan{Count: 3, PurchaseDate: engine.MustParseDate("2025-03-05"), Pending: true}}))

	pending := false
	require.NoError(t, db.UpdateGenerationState(ctx, "i-1", engine.GenerationPatch{
		LastInstallment: date("2025-06-10"),
		Pending:         &pending,
	}))

	got, err := db.GetObligation(ctx, "i-1")
	require.NoError(t, err)
	assert.False(t, got.Plan.Pending)
	assert.Equal(t, engine.MustParseDate("2025-06-10"), *got.Plan.LastInstallment)

	err = db.UpdateGenerationState(ctx, "nope", engine.GenerationPatch{Pending: &pending})
	assert.ErrorIs(t, err, engine.ErrObligationNotFound)
}

func TestDB_WithTxRollsBack(t *testing.T) {
	// GIVEN: a transaction that inserts an entry and patches state
	// WHEN: the callback fails
	// THEN: nothing is persisted

	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.SaveObligation(ctx, engine.Obligation{ID: "o-1", OwnerID: "a", Kind: engine.KindOneTime, Amount: decimal.NewFromInt(1), Currency: engine.CurrencyARS}))

	processed := true
	err := db.WithTx(ctx, func(tx engine.Store) error {
		if _, err := tx.CreateLedgerEntry(ctx, engine.LedgerEntry{
			ID: "e-1", OwnerID: "a", Date: engine.MustParseDate("2025-03-05"), OriginCurrency: engine.CurrencyARS,
			OriginKind: engine.KindOneTime, OriginID: "o-1", Period: engine.PeriodOnce,
		}); err != nil {
			return err
		}
		if err := tx.UpdateGenerationState(ctx, "o-1", engine.GenerationPatch{Processed: &processed}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.EqualError(t, err, "abort")

	all, err := db.ListLedgerEntries(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
	got, err := db.GetObligation(ctx, "o-1")
	require.NoError(t, err)
	assert.False(t, got.Processed)
}

// =============================================================================
// END TO END
// =============================================================================

func TestDB_InstallmentPlanThroughOrchestrator(t *testing.T) {
	// GIVEN: 300 in 3 installments on a card closing 10 / due 10, bought Mar 5
	// WHEN: passes run daily from Mar 1 to Jul 31
	// THEN: exactly three entries of 100 on Apr 10, May 10 and Jun 10

	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.SaveCard(ctx, engine.CreditCard{ID: "visa", Type: engine.CardCredit, ClosingDay: 10, DueDay: 10}))
	r := refs()
	r.CardID = "visa"
	require.NoError(t, db.SaveObligation(ctx, engine.Obligation{
		ID: "i-1", OwnerID: "a", Kind: engine.KindInstallment, Description: "tv",
		Amount: decimal.NewFromInt(300), Currency: engine.CurrencyARS, Refs: r,
		Plan: engine.InstallmentPlan{Count: 3, PurchaseDate: engine.MustParseDate("2025-03-05"), Pending: true},
	}))

	converter := engine.ConverterFunc(func(_ context.Context, amount decimal.Decimal, _ engine.Currency) (engine.Conversion, error) {
		rate := decimal.NewFromInt(1000)
		return engine.Conversion{ARS: amount, USD: amount.Div(rate), Rate: rate}, nil
	})

	for day := engine.MustParseDate("2025-03-01"); day.BeforeOrEqual(engine.MustParseDate("2025-07-31")); day = day.AddDays(1) {
		orch := engine.NewOrchestrator(db, converter,
			engine.WithClock(engine.FixedClock{T: day.Time().Add(9 * time.Hour)}),
			engine.WithLogger(logging.NewDiscard()))
		res, err := orch.RunScheduledPass(ctx, "")
		require.NoError(t, err, day.String())
		require.Empty(t, res.Errors, day.String())
	}

	all, err := db.ListLedgerEntries(ctx, "a")
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, want := range []string{"2025-04-10", "2025-05-10", "2025-06-10"} {
		assert.Equal(t, engine.MustParseDate(want), all[i].Date)
		assert.Equal(t, fmt.Sprintf("tv (%d/3)", i+1), all[i].Description)
		assert.True(t, decimal.NewFromInt(100).Equal(all[i].AmountARS))
	}

	got, err := db.GetObligation(ctx, "i-1")
	require.NoError(t, err)
	assert.False(t, got.Plan.Pending)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, engine.ErrTransientStorage},
		{"sqlite locked", sqlite3.Error{Code: sqlite3.ErrLocked}, engine.ErrTransientStorage},
		{"sqlite unique", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}, engine.ErrDuplicateEntry},
		{"postgres unique", &pq.Error{Code: "23505"}, engine.ErrDuplicateEntry},
		{"postgres serialization", &pq.Error{Code: "40001"}, engine.ErrTransientStorage},
		{"postgres deadlock", &pq.Error{Code: "40P01"}, engine.ErrTransientStorage},
		{"postgres lock", &pq.Error{Code: "55P03"}, engine.ErrTransientStorage},
		{"timeout", fmt.Errorf("query: %w", context.DeadlineExceeded), engine.ErrTransientStorage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapError(fmt.Errorf("wrapped: %w", tt.err)), tt.want)
		})
	}

	plain := errors.New("syntax error")
	assert.Equal(t, plain, mapError(plain))
	assert.NoError(t, mapError(nil))
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "", Options{})
	assert.ErrorContains(t, err, "unsupported")
}

func TestDB_ImplementsTxStore(t *testing.T) {
	var _ engine.TxStore = (*DB)(nil)
	var _ engine.Store = (*conn)(nil)
}
