package engine

import (
	"context"
	"fmt"
)

// RecurringStrategy generates recurring expenses on their payment day.
// Amounts come from the pre-converted fields refreshed daily; the
// converter is only a fallback.
type RecurringStrategy struct {
	deps Deps
}

func (s *RecurringStrategy) Kind() Kind { return KindRecurring }

func (s *RecurringStrategy) ShouldGenerate(_ context.Context, _ Reader, o *Obligation, today Date) (bool, error) {
	sch := o.Schedule
	if !sch.Active || !sch.Started(today) {
		return false, nil
	}
	if !sch.DueWithin(today, 0) {
		return false, nil
	}
	return !sch.GeneratedIn(today), nil
}

func (s *RecurringStrategy) Generate(ctx context.Context, tx Store, o *Obligation, today Date) (*LedgerEntry, error) {
	return generateScheduled(ctx, tx, o, today, s, s.deps)
}

// AutomaticDebitStrategy is RecurringStrategy with an end date and a
// tolerance window around the payment day, widened by one day on weekends.
type AutomaticDebitStrategy struct {
	deps Deps
}

func (s *AutomaticDebitStrategy) Kind() Kind { return KindAutomaticDebit }

func (s *AutomaticDebitStrategy) ShouldGenerate(_ context.Context, _ Reader, o *Obligation, today Date) (bool, error) {
	sch := o.Schedule
	if !sch.Active || !sch.Started(today) || sch.Ended(today) {
		return false, nil
	}
	if !sch.DueWithin(today, DebitTolerance(sch.EffectiveFrequency(), today)) {
		return false, nil
	}
	return !sch.GeneratedIn(today), nil
}

func (s *AutomaticDebitStrategy) Generate(ctx context.Context, tx Store, o *Obligation, today Date) (*LedgerEntry, error) {
	return generateScheduled(ctx, tx, o, today, s, s.deps)
}

// DebitTolerance is Tolerance(f) plus one day when today is a weekend.
func DebitTolerance(f Frequency, today Date) int {
	t := Tolerance(f)
	if today.IsWeekend() {
		t++
	}
	return t
}

// generateScheduled is the write path shared by recurring expenses and
// automatic debits.
func generateScheduled(ctx context.Context, tx Store, o *Obligation, today Date, st Strategy, deps Deps) (*LedgerEntry, error) {
	fresh, err := reload(ctx, tx, o)
	if err != nil {
		return nil, err
	}
	ok, err := st.ShouldGenerate(ctx, tx, fresh, today)
	if err != nil || !ok {
		return nil, err
	}

	period := fresh.Schedule.Period(today)
	exists, err := tx.EntryExists(ctx, fresh.Kind, fresh.ID, period)
	if err != nil {
		return nil, fmt.Errorf("check existing entry for %s: %w", fresh.ID, err)
	}
	if exists {
		return nil, nil
	}
	if err := validateForGeneration(fresh); err != nil {
		return nil, err
	}

	c, err := deps.convert(ctx, fresh, fresh.Amount, true)
	if err != nil {
		return nil, err
	}
	entry := deps.newEntry(fresh, today, period, fresh.Amount, c)
	patch := GenerationPatch{LastGenerated: datePtr(today)}
	created, err := commit(ctx, tx, fresh, entry, patch)
	if err != nil {
		return nil, err
	}
	patch.Apply(o)
	return created, nil
}
