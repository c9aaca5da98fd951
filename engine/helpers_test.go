package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/expense-engine/engine"
	"github.com/warp/expense-engine/engine/store"
	"github.com/warp/expense-engine/logging"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var rate = decimal.NewFromInt(1000)

func d(s string) engine.Date { return engine.MustParseDate(s) }

func dp(s string) *engine.Date {
	v := d(s)
	return &v
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fullRefs() engine.References {
	return engine.References{CategoryID: "cat-1", ImportanceID: "imp-1", PaymentMethodID: "pm-1"}
}

// fixedRate converts at 1000 ARS per USD.
var fixedRate = engine.ConverterFunc(func(_ context.Context, amount decimal.Decimal, origin engine.Currency) (engine.Conversion, error) {
	if origin == engine.CurrencyUSD {
		return engine.Conversion{ARS: amount.Mul(rate), USD: amount, Rate: rate}, nil
	}
	return engine.Conversion{ARS: amount, USD: amount.Div(rate), Rate: rate}, nil
})

func newMemory(t *testing.T) *store.Memory {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveReference(ctx, engine.RefCategory, "cat-1"))
	require.NoError(t, mem.SaveReference(ctx, engine.RefImportance, "imp-1"))
	require.NoError(t, mem.SaveReference(ctx, engine.RefPaymentMethod, "pm-1"))
	return mem
}

// orchestratorAt builds an orchestrator whose clock reads noon UTC on day.
func orchestratorAt(mem *store.Memory, day string, opts ...engine.Option) *engine.Orchestrator {
	base := []engine.Option{
		engine.WithClock(engine.FixedClock{T: d(day).Time().Add(12 * time.Hour)}),
		engine.WithLogger(logging.NewMockLogger()),
	}
	return engine.NewOrchestrator(mem, fixedRate, append(base, opts...)...)
}

func save(t *testing.T, mem *store.Memory, obs ...engine.Obligation) {
	t.Helper()
	for _, o := range obs {
		require.NoError(t, mem.SaveObligation(context.Background(), o))
	}
}

func entries(t *testing.T, mem *store.Memory) []engine.LedgerEntry {
	t.Helper()
	out, err := mem.ListLedgerEntries(context.Background(), "")
	require.NoError(t, err)
	return out
}

func obligation(t *testing.T, mem *store.Memory, id engine.ObligationID) *engine.Obligation {
	t.Helper()
	o, err := mem.GetObligation(context.Background(), id)
	require.NoError(t, err)
	return o
}

func monthlyRecurring(id engine.ObligationID, payDay int, amount string) engine.Obligation {
	return engine.Obligation{
		ID:          id,
		OwnerID:     "owner-1",
		Kind:        engine.KindRecurring,
		Description: "rent",
		Amount:      dec(amount),
		Currency:    engine.CurrencyARS,
		Refs:        fullRefs(),
		Schedule: engine.Schedule{
			Active:     true,
			Frequency:  engine.FrequencyMonthly,
			PaymentDay: payDay,
		},
	}
}

func oneTime(id engine.ObligationID, amount string) engine.Obligation {
	return engine.Obligation{
		ID:          id,
		OwnerID:     "owner-1",
		Kind:        engine.KindOneTime,
		Description: "groceries",
		Amount:      dec(amount),
		Currency:    engine.CurrencyARS,
		Refs:        fullRefs(),
	}
}

func installment(id engine.ObligationID, total string, count int, purchase string) engine.Obligation {
	return engine.Obligation{
		ID:          id,
		OwnerID:     "owner-1",
		Kind:        engine.KindInstallment,
		Description: "laptop",
		Amount:      dec(total),
		Currency:    engine.CurrencyARS,
		Refs:        fullRefs(),
		Plan: engine.InstallmentPlan{
			Count:        count,
			PurchaseDate: d(purchase),
			Pending:      true,
		},
	}
}
