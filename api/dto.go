/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Dates travel as
  "2006-01-02" strings and money as decimal strings, so the engine types
  stay free of JSON concerns.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Conversion from a *Request to an engine type validates the input and
  returns a descriptive error; handlers map it to 400.

SEE ALSO:
  - handlers.go: Uses these types
  - engine/types.go: Domain types
*/
package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/expense-engine/engine"
)

// ErrInvalidRequest marks request bodies that fail validation.
var ErrInvalidRequest = errors.New("invalid request")

const maxInstallments = 60

// =============================================================================
// OBLIGATIONS
// =============================================================================

// ObligationRequest creates or replaces an obligation. Only the section
// matching Kind is read.
type ObligationRequest struct {
	ID              string          `json:"id,omitempty"`
	OwnerID         string          `json:"owner_id"`
	Kind            string          `json:"kind"`
	Description     string          `json:"description"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	CategoryID      string          `json:"category_id"`
	ImportanceID    string          `json:"importance_id"`
	PaymentMethodID string          `json:"payment_method_id"`
	CardID          string          `json:"card_id,omitempty"`

	// recurring, automatic_debit
	Active       *bool  `json:"active,omitempty"`
	Frequency    string `json:"frequency,omitempty"`
	PaymentDay   int    `json:"payment_day,omitempty"`
	PaymentMonth int    `json:"payment_month,omitempty"`
	StartDate    string `json:"start_date,omitempty"`
	EndDate      string `json:"end_date,omitempty"`

	// installment
	InstallmentCount int    `json:"installment_count,omitempty"`
	PurchaseDate     string `json:"purchase_date,omitempty"`
}

// ToObligation validates the request and builds a fresh obligation with
// its generation state reset.
func (r ObligationRequest) ToObligation() (engine.Obligation, error) {
	kind := engine.Kind(r.Kind)
	if !kind.Valid() {
		return engine.Obligation{}, invalid("unknown kind %q", r.Kind)
	}
	if strings.TrimSpace(r.OwnerID) == "" {
		return engine.Obligation{}, invalid("owner_id is required")
	}
	if !r.Amount.IsPositive() {
		return engine.Obligation{}, invalid("amount must be positive")
	}
	cur := engine.Currency(strings.ToUpper(r.Currency))
	if cur != engine.CurrencyARS && cur != engine.CurrencyUSD {
		return engine.Obligation{}, invalid("unsupported currency %q", r.Currency)
	}

	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}
	o := engine.Obligation{
		ID:          engine.ObligationID(id),
		OwnerID:     engine.OwnerID(r.OwnerID),
		Kind:        kind,
		Description: r.Description,
		Amount:      r.Amount,
		Currency:    cur,
		Refs: engine.References{
			CategoryID:      r.CategoryID,
			ImportanceID:    r.ImportanceID,
			PaymentMethodID: r.PaymentMethodID,
			CardID:          r.CardID,
		},
	}

	switch kind {
	case engine.KindRecurring, engine.KindAutomaticDebit:
		s, err := r.schedule(kind)
		if err != nil {
			return engine.Obligation{}, err
		}
		o.Schedule = s
	case engine.KindInstallment:
		if r.InstallmentCount < 1 || r.InstallmentCount > maxInstallments {
			return engine.Obligation{}, invalid("installment_count must be between 1 and %d", maxInstallments)
		}
		purchase, err := parseDate("purchase_date", r.PurchaseDate)
		if err != nil {
			return engine.Obligation{}, err
		}
		o.Plan = engine.InstallmentPlan{Count: r.InstallmentCount, PurchaseDate: purchase, Pending: true}
	}
	return o, nil
}

func (r ObligationRequest) schedule(kind engine.Kind) (engine.Schedule, error) {
	if r.PaymentDay < 1 || r.PaymentDay > 31 {
		return engine.Schedule{}, invalid("payment_day must be between 1 and 31")
	}
	if r.PaymentMonth < 0 || r.PaymentMonth > 12 {
		return engine.Schedule{}, invalid("payment_month must be between 0 and 12")
	}
	s := engine.Schedule{
		Active:       r.Active == nil || *r.Active,
		Frequency:    engine.Frequency(r.Frequency),
		PaymentDay:   r.PaymentDay,
		PaymentMonth: time.Month(r.PaymentMonth),
	}
	if r.StartDate != "" {
		d, err := parseDate("start_date", r.StartDate)
		if err != nil {
			return engine.Schedule{}, err
		}
		s.StartDate = &d
	}
	if r.EndDate != "" {
		if kind != engine.KindAutomaticDebit {
			return engine.Schedule{}, invalid("end_date only applies to automatic debits")
		}
		d, err := parseDate("end_date", r.EndDate)
		if err != nil {
			return engine.Schedule{}, err
		}
		s.EndDate = &d
	}
	return s, nil
}

// ObligationDTO represents an obligation in API responses.
type ObligationDTO struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	Kind            string          `json:"kind"`
	Description     string          `json:"description"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	CategoryID      string          `json:"category_id,omitempty"`
	ImportanceID    string          `json:"importance_id,omitempty"`
	PaymentMethodID string          `json:"payment_method_id,omitempty"`
	CardID          string          `json:"card_id,omitempty"`

	Processed *bool `json:"processed,omitempty"`

	Active        *bool  `json:"active,omitempty"`
	Frequency     string `json:"frequency,omitempty"`
	PaymentDay    int    `json:"payment_day,omitempty"`
	PaymentMonth  int    `json:"payment_month,omitempty"`
	StartDate     string `json:"start_date,omitempty"`
	EndDate       string `json:"end_date,omitempty"`
	LastGenerated string `json:"last_generated,omitempty"`

	InstallmentCount int    `json:"installment_count,omitempty"`
	PurchaseDate     string `json:"purchase_date,omitempty"`
	Pending          *bool  `json:"pending,omitempty"`
	LastInstallment  string `json:"last_installment,omitempty"`
}

func toObligationDTO(o engine.Obligation) ObligationDTO {
	dto := ObligationDTO{
		ID:              string(o.ID),
		OwnerID:         string(o.OwnerID),
		Kind:            string(o.Kind),
		Description:     o.Description,
		Amount:          o.Amount,
		Currency:        string(o.Currency),
		CategoryID:      o.Refs.CategoryID,
		ImportanceID:    o.Refs.ImportanceID,
		PaymentMethodID: o.Refs.PaymentMethodID,
		CardID:          o.Refs.CardID,
	}
	switch o.Kind {
	case engine.KindOneTime:
		dto.Processed = &o.Processed
	case engine.KindRecurring, engine.KindAutomaticDebit:
		s := o.Schedule
		dto.Active = &s.Active
		dto.Frequency = string(s.EffectiveFrequency())
		dto.PaymentDay = s.PaymentDay
		dto.PaymentMonth = int(s.PaymentMonth)
		dto.StartDate = formatDate(s.StartDate)
		dto.EndDate = formatDate(s.EndDate)
		dto.LastGenerated = formatDate(s.LastGenerated)
	case engine.KindInstallment:
		p := o.Plan
		dto.InstallmentCount = p.Count
		dto.PurchaseDate = p.PurchaseDate.String()
		dto.Pending = &p.Pending
		dto.LastInstallment = formatDate(p.LastInstallment)
	}
	return dto
}

// CreateObligationResponse is returned by POST /api/obligations. One-time
// expenses are generated immediately and carry the generation result.
type CreateObligationResponse struct {
	Obligation ObligationDTO  `json:"obligation"`
	Generation *engine.Result `json:"generation,omitempty"`
}

// =============================================================================
// CARDS AND REFERENCES
// =============================================================================

// CardRequest creates or replaces a payment card.
type CardRequest struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	ClosingDay int    `json:"closing_day,omitempty"`
	DueDay     int    `json:"due_day,omitempty"`
}

// ToCard validates the request. Credit cards must carry a usable cycle.
func (r CardRequest) ToCard() (engine.CreditCard, []string, error) {
	if r.ID == "" {
		return engine.CreditCard{}, nil, invalid("id is required")
	}
	card := engine.CreditCard{
		ID:         r.ID,
		Type:       engine.CardType(r.Type),
		ClosingDay: r.ClosingDay,
		DueDay:     r.DueDay,
	}
	switch card.Type {
	case engine.CardDebit:
		return card, nil, nil
	case engine.CardCredit:
		warnings, err := engine.ValidateCardConfig(card)
		if err != nil {
			return engine.CreditCard{}, nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return card, warnings, nil
	default:
		return engine.CreditCard{}, nil, invalid("unknown card type %q", r.Type)
	}
}

// CardResponse echoes the saved card with any cycle warnings.
type CardResponse struct {
	CardRequest
	Warnings []string `json:"warnings,omitempty"`
}

// ReferenceRequest registers a category, importance or payment method id.
type ReferenceRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (r ReferenceRequest) refType() (engine.RefType, error) {
	switch t := engine.RefType(r.Type); t {
	case engine.RefCategory, engine.RefImportance, engine.RefPaymentMethod:
		if r.ID == "" {
			return "", invalid("id is required")
		}
		return t, nil
	default:
		return "", invalid("unknown reference type %q", r.Type)
	}
}

// =============================================================================
// LEDGER
// =============================================================================

// LedgerEntryDTO represents a generated expense.
type LedgerEntryDTO struct {
	ID                string          `json:"id"`
	OwnerID           string          `json:"owner_id"`
	Date              string          `json:"date"`
	Description       string          `json:"description"`
	AmountARS         decimal.Decimal `json:"amount_ars"`
	AmountUSD         decimal.Decimal `json:"amount_usd"`
	Rate              decimal.Decimal `json:"rate"`
	OriginalAmount    decimal.Decimal `json:"original_amount"`
	OriginCurrency    string          `json:"origin_currency"`
	OriginKind        string          `json:"origin_kind"`
	OriginID          string          `json:"origin_id"`
	Period            string          `json:"period"`
	InstallmentNumber int             `json:"installment_number,omitempty"`
	CategoryID        string          `json:"category_id,omitempty"`
	PaymentMethodID   string          `json:"payment_method_id,omitempty"`
	CardID            string          `json:"card_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

func toLedgerEntryDTOs(entries []engine.LedgerEntry) []LedgerEntryDTO {
	dtos := make([]LedgerEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, LedgerEntryDTO{
			ID:                string(e.ID),
			OwnerID:           string(e.OwnerID),
			Date:              e.Date.String(),
			Description:       e.Description,
			AmountARS:         e.AmountARS,
			AmountUSD:         e.AmountUSD,
			Rate:              e.Rate,
			OriginalAmount:    e.OriginalAmount,
			OriginCurrency:    string(e.OriginCurrency),
			OriginKind:        string(e.OriginKind),
			OriginID:          string(e.OriginID),
			Period:            e.Period,
			InstallmentNumber: e.InstallmentNumber,
			CategoryID:        e.Refs.CategoryID,
			PaymentMethodID:   e.Refs.PaymentMethodID,
			CardID:            e.Refs.CardID,
			CreatedAt:         e.CreatedAt,
		})
	}
	return dtos
}

// =============================================================================
// COMMON
// =============================================================================

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// PassErrorResponse is returned when a pass aborts; Partial holds what
// was generated before the abort.
type PassErrorResponse struct {
	ErrorResponse
	Partial *engine.Result `json:"partial,omitempty"`
}

// MessageResponse is a plain acknowledgement.
type MessageResponse struct {
	Message string `json:"message"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func parseDate(field, s string) (engine.Date, error) {
	if s == "" {
		return engine.Date{}, invalid("%s is required", field)
	}
	d, err := engine.ParseDate(s)
	if err != nil {
		return engine.Date{}, invalid("%s: %v", field, err)
	}
	return d, nil
}

func formatDate(d *engine.Date) string {
	if d == nil {
		return ""
	}
	return d.String()
}
