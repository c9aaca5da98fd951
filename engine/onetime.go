package engine

import (
	"context"
	"fmt"
)

// OneTimeStrategy generates the single entry of a one-time expense. It runs
// when the expense is created or from RunPendingOneTime, not from the
// scheduled pass.
type OneTimeStrategy struct {
	deps Deps
}

func (s *OneTimeStrategy) Kind() Kind { return KindOneTime }

func (s *OneTimeStrategy) ShouldGenerate(_ context.Context, _ Reader, o *Obligation, _ Date) (bool, error) {
	return !o.Processed, nil
}

func (s *OneTimeStrategy) Generate(ctx context.Context, tx Store, o *Obligation, today Date) (*LedgerEntry, error) {
	fresh, err := reload(ctx, tx, o)
	if err != nil {
		return nil, err
	}
	ok, err := s.ShouldGenerate(ctx, tx, fresh, today)
	if err != nil || !ok {
		return nil, err
	}
	exists, err := tx.EntryExists(ctx, KindOneTime, fresh.ID, PeriodOnce)
	if err != nil {
		return nil, fmt.Errorf("check existing entry for %s: %w", fresh.ID, err)
	}
	if exists {
		// Entry written but flag lost: repair the flag, write nothing.
		if err := tx.UpdateGenerationState(ctx, fresh.ID, GenerationPatch{Processed: boolPtr(true)}); err != nil {
			return nil, fmt.Errorf("repair processed flag of %s: %w", fresh.ID, err)
		}
		o.Processed = true
		return nil, nil
	}
	if err := validateForGeneration(fresh); err != nil {
		return nil, err
	}

	c, err := s.deps.convert(ctx, fresh, fresh.Amount, false)
	if err != nil {
		return nil, err
	}
	entry := s.deps.newEntry(fresh, today, PeriodOnce, fresh.Amount, c)
	created, err := commit(ctx, tx, fresh, entry, GenerationPatch{Processed: boolPtr(true)})
	if err != nil {
		return nil, err
	}
	o.Processed = true
	return created, nil
}
