// Package currency converts obligation amounts into both ledger currencies.
package currency

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/expense-engine/engine"
)

var (
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrInvalidRate         = errors.New("exchange rate must be positive")
)

// FixedRate converts with a single ARS-per-USD rate. The rate can be
// replaced at runtime, e.g. by a daily refresh job.
type FixedRate struct {
	mu   sync.RWMutex
	rate decimal.Decimal
}

// NewFixedRate returns a converter using arsPerUSD.
func NewFixedRate(arsPerUSD decimal.Decimal) (*FixedRate, error) {
	if !arsPerUSD.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRate, arsPerUSD)
	}
	return &FixedRate{rate: arsPerUSD}, nil
}

// Rate returns the current ARS-per-USD rate.
func (f *FixedRate) Rate() decimal.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.rate
}

// SetRate replaces the rate used by subsequent conversions.
func (f *FixedRate) SetRate(arsPerUSD decimal.Decimal) error {
	if !arsPerUSD.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidRate, arsPerUSD)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rate = arsPerUSD
	return nil
}

// Convert implements engine.Converter. Amounts are rounded to cents.
func (f *FixedRate) Convert(_ context.Context, amount decimal.Decimal, origin engine.Currency) (engine.Conversion, error) {
	rate := f.Rate()
	switch origin {
	case engine.CurrencyARS:
		return engine.Conversion{
			ARS:  engine.Round2(amount),
			USD:  engine.Round2(amount.Div(rate)),
			Rate: rate,
		}, nil
	case engine.CurrencyUSD:
		return engine.Conversion{
			ARS:  engine.Round2(amount.Mul(rate)),
			USD:  engine.Round2(amount),
			Rate: rate,
		}, nil
	default:
		return engine.Conversion{}, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, origin)
	}
}
