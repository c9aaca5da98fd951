package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/expense-engine/logging"
)

const MaxInstallments = 60

// InstallmentStrategy generates one entry per installment of a purchase.
//
// ELIGIBILITY:
//   - single installment, no credit card: any day on or after the purchase
//   - single installment, credit card: only on the first due date (cycle.go)
//   - several installments: at most once per calendar month, on the card's
//     due day once installment #generated has fallen due (credit card) or on
//     the purchase's day-of-month (otherwise), while generated < Count.
//     A skipped month is caught up on the next matching day.
//
// The final installment flips Pending to false.
type InstallmentStrategy struct {
	deps Deps
}

func (s *InstallmentStrategy) Kind() Kind { return KindInstallment }

func (s *InstallmentStrategy) ShouldGenerate(ctx context.Context, r Reader, o *Obligation, today Date) (bool, error) {
	ev, err := s.evaluate(ctx, r, o, today)
	if err != nil {
		return false, err
	}
	return ev.eligible, nil
}

type installmentEval struct {
	eligible  bool
	generated int
	card      *CreditCard // nil when not paid with a credit card
}

func (s *InstallmentStrategy) evaluate(ctx context.Context, r Reader, o *Obligation, today Date) (installmentEval, error) {
	plan := o.Plan
	if !plan.Pending {
		return installmentEval{}, nil
	}
	if plan.Count < 1 || plan.Count > MaxInstallments {
		return installmentEval{}, &ValidationError{
			ObligationID: o.ID,
			Reason:       fmt.Sprintf("installment count %d outside 1..%d", plan.Count, MaxInstallments),
		}
	}
	if plan.PurchaseDate.IsZero() {
		return installmentEval{}, &ValidationError{ObligationID: o.ID, Reason: "purchase date missing"}
	}

	generated, err := r.CountGeneratedInstallments(ctx, o.ID)
	if err != nil {
		return installmentEval{}, fmt.Errorf("count installments of %s: %w", o.ID, err)
	}
	ev := installmentEval{generated: generated}
	if generated >= plan.Count {
		return ev, nil
	}
	if plan.LastInstallment != nil && plan.LastInstallment.SameMonth(today) {
		return ev, nil
	}

	card, err := creditCardFor(ctx, r, o)
	if err != nil {
		return ev, err
	}
	ev.card = card

	switch {
	case card != nil && plan.Count == 1:
		ev.eligible = IsDueToday(plan.PurchaseDate, *card, 0, today)
	case card != nil:
		ev.eligible = IsInstallmentDue(plan.PurchaseDate, *card, generated, today)
	case plan.Count == 1:
		ev.eligible = generated == 0 && today.AfterOrEqual(plan.PurchaseDate)
	default:
		ev.eligible = today.AfterOrEqual(plan.PurchaseDate) &&
			today.Day == ClampDay(plan.PurchaseDate.Day, today.Year, today.Month)
	}
	return ev, nil
}

// creditCardFor returns the obligation's card when it is a validly
// configured credit card, nil when the purchase is not on a credit card.
func creditCardFor(ctx context.Context, r Reader, o *Obligation) (*CreditCard, error) {
	if o.Refs.CardID == "" {
		return nil, nil
	}
	card, err := r.GetCard(ctx, o.Refs.CardID)
	if err != nil {
		if errors.Is(err, ErrCardNotFound) {
			return nil, &ValidationError{ObligationID: o.ID, Reason: fmt.Sprintf("card %s not found", o.Refs.CardID), Cause: ErrCardNotFound}
		}
		return nil, fmt.Errorf("load card %s: %w", o.Refs.CardID, err)
	}
	if !card.IsCredit() {
		return nil, nil
	}
	if _, err := ValidateCardConfig(*card); err != nil {
		return nil, &ValidationError{ObligationID: o.ID, Reason: err.Error(), Cause: ErrCardMisconfigured}
	}
	return card, nil
}

func (s *InstallmentStrategy) Generate(ctx context.Context, tx Store, o *Obligation, today Date) (*LedgerEntry, error) {
	fresh, err := reload(ctx, tx, o)
	if err != nil {
		return nil, err
	}
	ev, err := s.evaluate(ctx, tx, fresh, today)
	if err != nil || !ev.eligible {
		return nil, err
	}

	period := today.MonthKey()
	exists, err := tx.EntryExists(ctx, KindInstallment, fresh.ID, period)
	if err != nil {
		return nil, fmt.Errorf("check existing entry for %s: %w", fresh.ID, err)
	}
	if exists {
		return nil, nil
	}
	if err := validateForGeneration(fresh); err != nil {
		return nil, err
	}
	if ev.card != nil {
		warnings, _ := ValidateCardConfig(*ev.card)
		for _, w := range warnings {
			s.deps.Logger.Warn("unusual credit card configuration",
				logging.Field{Key: logging.FieldCardID, Value: ev.card.ID},
				logging.Field{Key: logging.FieldReason, Value: w})
		}
	}

	number := ev.generated + 1
	amount := fresh.InstallmentAmount()
	c, err := s.deps.convert(ctx, fresh, amount, false)
	if err != nil {
		return nil, err
	}

	entry := s.deps.newEntry(fresh, today, period, amount, c)
	entry.InstallmentNumber = number
	entry.Description = fmt.Sprintf("%s (%d/%d)", fresh.Description, number, fresh.Plan.Count)

	patch := GenerationPatch{LastInstallment: datePtr(today)}
	if number == fresh.Plan.Count {
		patch.Pending = boolPtr(false)
	}
	created, err := commit(ctx, tx, fresh, entry, patch)
	if err != nil {
		return nil, err
	}
	patch.Apply(o)
	return created, nil
}
