/*
Package engine provides the expense generation engine.

PURPOSE:
  Obligations (one-time expenses, recurring expenses, automatic debits and
  installment purchases) are materialized into ledger entries. The engine
  decides, for each obligation and day, whether an entry must be created,
  computes its amount in both currencies and writes it exactly once per
  billing period.

KEY CONCEPTS IN THIS FILE (types.go):
  - Obligation: what the owner owes, discriminated by Kind
  - Schedule / InstallmentPlan: the per-kind business fields
  - CreditCard: billing cycle configuration (read-only here)
  - LedgerEntry: the immutable output record
  - GenerationPatch: the only mutation the engine performs on obligations

DESIGN PRINCIPLES:
  1. Exactly-once: one LedgerEntry per (kind, obligation, period)
  2. Precision: money uses decimal.Decimal, rounded to 2 places on output
  3. Read business fields, write generation-state fields only

SEE ALSO:
  - strategy.go: eligibility and generation rules per Kind
  - cycle.go: credit-card billing cycle math
  - orchestrator.go: the generation pass
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ObligationID string
type OwnerID string
type EntryID string

// Kind discriminates the four obligation variants. It is also the origin
// tag copied onto every LedgerEntry.
type Kind string

const (
	KindOneTime        Kind = "one_time"
	KindRecurring      Kind = "recurring"
	KindAutomaticDebit Kind = "automatic_debit"
	KindInstallment    Kind = "installment"
)

// ScheduledKinds is the fixed processing order of a scheduled pass.
var ScheduledKinds = []Kind{KindAutomaticDebit, KindRecurring, KindInstallment}

func (k Kind) Valid() bool {
	switch k {
	case KindOneTime, KindRecurring, KindAutomaticDebit, KindInstallment:
		return true
	}
	return false
}

// =============================================================================
// MONEY
// =============================================================================

type Currency string

const (
	CurrencyARS Currency = "ARS"
	CurrencyUSD Currency = "USD"
)

// Conversion is an amount expressed in both ledger currencies.
type Conversion struct {
	ARS  decimal.Decimal
	USD  decimal.Decimal
	Rate decimal.Decimal // ARS per USD
}

// IsZero reports whether the conversion carries no amounts.
func (c Conversion) IsZero() bool {
	return c.ARS.IsZero() && c.USD.IsZero()
}

// Round2 rounds a monetary amount to cents.
func Round2(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// =============================================================================
// OBLIGATION
// =============================================================================

// References are opaque foreign keys copied onto generated entries.
// Empty string means absent.
type References struct {
	CategoryID      string
	ImportanceID    string
	PaymentMethodID string
	CardID          string
}

type Frequency string

const (
	FrequencyDaily      Frequency = "daily"
	FrequencyWeekly     Frequency = "weekly"
	FrequencyMonthly    Frequency = "monthly"
	FrequencyBimonthly  Frequency = "bimonthly"
	FrequencyQuarterly  Frequency = "quarterly"
	FrequencySemiannual Frequency = "semiannual"
	FrequencyAnnual     Frequency = "annual"
)

// Schedule holds the business and generation-state fields of recurring
// expenses and automatic debits.
type Schedule struct {
	Active       bool
	Frequency    Frequency
	PaymentDay   int        // 1..31, clipped to the month length
	PaymentMonth time.Month // 0 when not annual
	StartDate    *Date
	EndDate      *Date // automatic debits only

	LastGenerated *Date
}

// EffectiveFrequency resolves an empty frequency: annual when a payment
// month is set, monthly otherwise.
func (s Schedule) EffectiveFrequency() Frequency {
	if s.Frequency != "" {
		return s.Frequency
	}
	if s.PaymentMonth != 0 {
		return FrequencyAnnual
	}
	return FrequencyMonthly
}

// InstallmentPlan holds the fields of an installment purchase. The total
// amount is Obligation.Amount.
type InstallmentPlan struct {
	Count        int // 1..60
	PurchaseDate Date
	Pending      bool

	LastInstallment *Date
}

// Obligation is any of the four payment definitions tracked by the system.
// Only the section matching Kind is meaningful.
type Obligation struct {
	ID          ObligationID
	OwnerID     OwnerID
	Kind        Kind
	Description string
	Amount      decimal.Decimal
	Currency    Currency
	Refs        References

	// Converted is refreshed daily outside the engine for recurring
	// expenses and automatic debits. Nil means not available.
	Converted *Conversion

	Processed bool            // one-time
	Schedule  Schedule        // recurring, automatic debit
	Plan      InstallmentPlan // installment
}

// InstallmentAmount is the amount of one installment: total / count, to cents.
func (o *Obligation) InstallmentAmount() decimal.Decimal {
	if o.Plan.Count <= 0 {
		return Round2(o.Amount)
	}
	return Round2(o.Amount.Div(decimal.NewFromInt(int64(o.Plan.Count))))
}

// =============================================================================
// CREDIT CARD
// =============================================================================

type CardType string

const (
	CardCredit CardType = "credit"
	CardDebit  CardType = "debit"
)

// CreditCard is read-only to the engine. Zero days mean "not configured".
type CreditCard struct {
	ID         string
	Type       CardType
	ClosingDay int
	DueDay     int
}

func (c *CreditCard) IsCredit() bool { return c != nil && c.Type == CardCredit }

// =============================================================================
// LEDGER ENTRY
// =============================================================================

// LedgerEntry is the materialized expense. The engine creates it once and
// never mutates it afterwards.
type LedgerEntry struct {
	ID             EntryID
	OwnerID        OwnerID
	Date           Date
	Description    string
	AmountARS      decimal.Decimal
	AmountUSD      decimal.Decimal
	Rate           decimal.Decimal
	OriginalAmount decimal.Decimal
	OriginCurrency Currency

	OriginKind        Kind
	OriginID          ObligationID // back-reference, not ownership
	Period            string
	InstallmentNumber int // 1-based; 0 for other kinds

	Refs      References
	CreatedAt time.Time
}

// =============================================================================
// GENERATION STATE
// =============================================================================

// GenerationPatch is the set of generation-state fields a strategy writes
// together with its ledger entry. Nil fields are left untouched.
type GenerationPatch struct {
	Processed       *bool
	LastGenerated   *Date
	LastInstallment *Date
	Pending         *bool
}

// Apply copies the non-nil fields of the patch onto o.
func (p GenerationPatch) Apply(o *Obligation) {
	if p.Processed != nil {
		o.Processed = *p.Processed
	}
	if p.LastGenerated != nil {
		d := *p.LastGenerated
		o.Schedule.LastGenerated = &d
	}
	if p.LastInstallment != nil {
		d := *p.LastInstallment
		o.Plan.LastInstallment = &d
	}
	if p.Pending != nil {
		o.Plan.Pending = *p.Pending
	}
}

func boolPtr(b bool) *bool  { return &b }
func datePtr(d Date) *Date { return &d }
