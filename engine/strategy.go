/*
strategy.go - Generation strategies, one per obligation kind

PURPOSE:
  A Strategy answers two questions for its kind:
  1. ShouldGenerate: is a ledger entry due today? (read-only)
  2. Generate: write it, together with the generation-state update.

CONTRACT:
  - ShouldGenerate has no side effects.
  - Generate runs inside the caller's transaction. It reloads the
    obligation through tx, re-checks eligibility and the period's
    idempotency key, and returns (nil, nil) when nothing is warranted.
  - Missing category / importance / payment method is a ValidationError,
    never a silent skip.

IMPLEMENTATIONS:
  - onetime.go:     OneTimeStrategy
  - recurring.go:   RecurringStrategy, AutomaticDebitStrategy
  - installment.go: InstallmentStrategy

SEE ALSO:
  - orchestrator.go: selects the strategy by Kind
*/
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/expense-engine/logging"
)

// Strategy decides and performs generation for one obligation kind.
type Strategy interface {
	Kind() Kind
	ShouldGenerate(ctx context.Context, r Reader, o *Obligation, today Date) (bool, error)
	Generate(ctx context.Context, tx Store, o *Obligation, today Date) (*LedgerEntry, error)
}

// Strategies maps each kind to its strategy.
type Strategies map[Kind]Strategy

// For returns the strategy registered for kind.
func (s Strategies) For(kind Kind) (Strategy, error) {
	st, ok := s[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return st, nil
}

// Deps are the collaborators shared by all strategies.
type Deps struct {
	Converter Converter
	Logger    logging.Logger
	NewID     func() EntryID
	Now       func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = logging.NewLogrusAdapter("info", "text")
	}
	if d.NewID == nil {
		d.NewID = func() EntryID { return EntryID(uuid.NewString()) }
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// NewStrategies builds the default strategy set.
func NewStrategies(deps Deps) Strategies {
	deps = deps.withDefaults()
	return Strategies{
		KindOneTime:        &OneTimeStrategy{deps: deps},
		KindRecurring:      &RecurringStrategy{deps: deps},
		KindAutomaticDebit: &AutomaticDebitStrategy{deps: deps},
		KindInstallment:    &InstallmentStrategy{deps: deps},
	}
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// MissingReferences lists the absent mandatory references.
func MissingReferences(r References) []string {
	var missing []string
	if r.CategoryID == "" {
		missing = append(missing, "category_id")
	}
	if r.ImportanceID == "" {
		missing = append(missing, "importance_id")
	}
	if r.PaymentMethodID == "" {
		missing = append(missing, "payment_method_id")
	}
	return missing
}

// validateForGeneration rejects obligations that cannot produce a valid
// ledger entry.
func validateForGeneration(o *Obligation) error {
	if missing := MissingReferences(o.Refs); len(missing) > 0 {
		return &ValidationError{ObligationID: o.ID, Missing: missing}
	}
	if !o.Amount.IsPositive() {
		return &ValidationError{ObligationID: o.ID, Reason: fmt.Sprintf("amount must be positive, got %s", o.Amount)}
	}
	if o.Currency != CurrencyARS && o.Currency != CurrencyUSD {
		return &ValidationError{ObligationID: o.ID, Reason: fmt.Sprintf("unsupported currency %q", o.Currency)}
	}
	if o.Kind == KindRecurring || o.Kind == KindAutomaticDebit {
		return validateSchedule(o)
	}
	return nil
}

// validateSchedule rejects day and month values that would otherwise be
// clamped into a different date. Daily and weekly schedules ignore PaymentDay.
func validateSchedule(o *Obligation) error {
	sch := o.Schedule
	if sch.PaymentMonth < 0 || sch.PaymentMonth > 12 {
		return &ValidationError{ObligationID: o.ID, Reason: fmt.Sprintf("payment_month %d outside 0..12", sch.PaymentMonth)}
	}
	if _, monthly := cycleMonths[sch.EffectiveFrequency()]; monthly && (sch.PaymentDay < 1 || sch.PaymentDay > 31) {
		return &ValidationError{ObligationID: o.ID, Reason: fmt.Sprintf("payment_day %d outside 1..31", sch.PaymentDay)}
	}
	return nil
}

// reload fetches the current state of o inside the transaction.
func reload(ctx context.Context, tx Store, o *Obligation) (*Obligation, error) {
	fresh, err := tx.GetObligation(ctx, o.ID)
	if err != nil {
		return nil, fmt.Errorf("reload obligation %s: %w", o.ID, err)
	}
	if fresh.Kind != o.Kind {
		return nil, &ValidationError{ObligationID: o.ID, Reason: fmt.Sprintf("kind changed from %s to %s", o.Kind, fresh.Kind)}
	}
	return fresh, nil
}

// convert returns amount in both currencies. Pre-converted amounts are used
// when allowed and present; otherwise the converter is called.
func (d Deps) convert(ctx context.Context, o *Obligation, amount decimal.Decimal, usePreconverted bool) (Conversion, error) {
	if usePreconverted && o.Converted != nil && !o.Converted.IsZero() {
		c := *o.Converted
		return Conversion{ARS: Round2(c.ARS), USD: Round2(c.USD), Rate: c.Rate}, nil
	}
	if d.Converter == nil {
		return Conversion{}, fmt.Errorf("no converter configured for %s %s", amount, o.Currency)
	}
	c, err := d.Converter.Convert(ctx, amount, o.Currency)
	if err != nil {
		return Conversion{}, fmt.Errorf("convert %s %s: %w", amount, o.Currency, err)
	}
	return Conversion{ARS: Round2(c.ARS), USD: Round2(c.USD), Rate: c.Rate}, nil
}

func (d Deps) newEntry(o *Obligation, today Date, period string, original decimal.Decimal, c Conversion) LedgerEntry {
	return LedgerEntry{
		ID:             d.NewID(),
		OwnerID:        o.OwnerID,
		Date:           today,
		Description:    o.Description,
		AmountARS:      c.ARS,
		AmountUSD:      c.USD,
		Rate:           c.Rate,
		OriginalAmount: Round2(original),
		OriginCurrency: o.Currency,
		OriginKind:     o.Kind,
		OriginID:       o.ID,
		Period:         period,
		Refs:           o.Refs,
		CreatedAt:      d.Now().UTC(),
	}
}

// commit writes the entry and the patch, then mirrors the patch onto o.
func commit(ctx context.Context, tx Store, o *Obligation, entry LedgerEntry, patch GenerationPatch) (*LedgerEntry, error) {
	created, err := tx.CreateLedgerEntry(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("create ledger entry for %s: %w", o.ID, err)
	}
	if err := tx.UpdateGenerationState(ctx, o.ID, patch); err != nil {
		return nil, fmt.Errorf("update generation state of %s: %w", o.ID, err)
	}
	patch.Apply(o)
	return &created, nil
}
