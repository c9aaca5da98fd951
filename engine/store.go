/*
store.go - Persistence and collaborator contracts of the engine

KEY INTERFACES:
  Reader:    Read side used by eligibility checks
  Store:     Reader + the two writes the engine performs
  TxStore:   Store + WithTx for per-obligation units of work
  Converter: Currency conversion collaborator

WRITE CONTRACT:
  The engine only ever:
  - CreateLedgerEntry(): appends a ledger entry (never updated afterwards)
  - UpdateGenerationState(): patches generation-state fields of an obligation
  Both happen inside the same WithTx call.

IDEMPOTENCY:
  CreateLedgerEntry must reject a second entry for the same
  (OriginKind, OriginID, Period) with ErrDuplicateEntry.

IMPLEMENTATIONS:
  - engine/store/memory.go: In-memory for testing
  - store/sqldb/sqldb.go: SQLite / PostgreSQL
*/
package engine

import (
	"context"

	"github.com/shopspring/decimal"
)

// RefType names a kind of opaque foreign key.
type RefType string

const (
	RefCategory      RefType = "category"
	RefImportance    RefType = "importance"
	RefPaymentMethod RefType = "payment_method"
	RefCard          RefType = "card"
)

// Reader is the read side of storage.
type Reader interface {
	// FindReadyObligations returns obligations of kind that are structurally
	// ready: unprocessed one-time, active schedules not generated today,
	// pending installments. Empty owner means all owners.
	FindReadyObligations(ctx context.Context, kind Kind, owner OwnerID, today Date) ([]Obligation, error)

	GetObligation(ctx context.Context, id ObligationID) (*Obligation, error)

	GetCard(ctx context.Context, id string) (*CreditCard, error)

	// ReferenceExists checks that a foreign key points at an existing row.
	ReferenceExists(ctx context.Context, ref RefType, id string) (bool, error)

	// CountGeneratedInstallments counts installment entries for id.
	CountGeneratedInstallments(ctx context.Context, id ObligationID) (int, error)

	// EntryExists checks the (kind, obligation, period) idempotency key.
	EntryExists(ctx context.Context, kind Kind, id ObligationID, period string) (bool, error)
}

// Store adds the engine's writes.
type Store interface {
	Reader

	UpdateGenerationState(ctx context.Context, id ObligationID, patch GenerationPatch) error

	CreateLedgerEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Converter converts an origin-currency amount into both ledger currencies.
type Converter interface {
	Convert(ctx context.Context, amount decimal.Decimal, origin Currency) (Conversion, error)
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(ctx context.Context, amount decimal.Decimal, origin Currency) (Conversion, error)

func (f ConverterFunc) Convert(ctx context.Context, amount decimal.Decimal, origin Currency) (Conversion, error) {
	return f(ctx, amount, origin)
}
