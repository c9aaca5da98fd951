package engine

import (
	"context"
	"fmt"
)

// UnitOfWork runs a function inside a transaction. When ctx already
// carries a transaction started by another UnitOfWork, the function joins
// it instead of opening a nested one; the outer owner commits.
type UnitOfWork struct {
	store TxStore
}

func NewUnitOfWork(store TxStore) *UnitOfWork {
	return &UnitOfWork{store: store}
}

type txKey struct{}

// TxFromContext returns the transaction-scoped store carried by ctx.
func TxFromContext(ctx context.Context) (Store, bool) {
	s, ok := ctx.Value(txKey{}).(Store)
	return s, ok
}

// Do runs fn with a transaction-scoped store. A panic inside fn rolls the
// transaction back and is returned as an error.
func (u *UnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if tx, ok := TxFromContext(ctx); ok {
		return guard(ctx, tx, fn)
	}
	return u.store.WithTx(ctx, func(tx Store) error {
		return guard(context.WithValue(ctx, txKey{}, tx), tx, fn)
	})
}

func guard(ctx context.Context, tx Store, fn func(ctx context.Context, tx Store) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p}
		}
	}()
	return fn(ctx, tx)
}

type panicError struct{ value any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }
