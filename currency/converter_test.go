package currency

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/expense-engine/engine"
)

func TestFixedRate_Convert(t *testing.T) {
	ctx := context.Background()
	conv, err := NewFixedRate(decimal.RequireFromString("1185.5"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		amount  string
		origin  engine.Currency
		wantARS string
		wantUSD string
	}{
		{"ars origin", "118550", engine.CurrencyARS, "118550.00", "100.00"},
		{"usd origin", "12.345", engine.CurrencyUSD, "14635.00", "12.35"},
		{"ars rounding", "1000", engine.CurrencyARS, "1000.00", "0.84"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := conv.Convert(ctx, decimal.RequireFromString(tt.amount), tt.origin)
			require.NoError(t, err)
			assert.Equal(t, tt.wantARS, c.ARS.StringFixed(2))
			assert.Equal(t, tt.wantUSD, c.USD.StringFixed(2))
			assert.True(t, decimal.RequireFromString("1185.5").Equal(c.Rate))
		})
	}
}

func TestFixedRate_UnsupportedCurrency(t *testing.T) {
	conv, err := NewFixedRate(decimal.NewFromInt(1000))
	require.NoError(t, err)

	_, err = conv.Convert(context.Background(), decimal.NewFromInt(1), "EUR")
	assert.ErrorIs(t, err, ErrUnsupportedCurrency)
}

func TestFixedRate_SetRate(t *testing.T) {
	conv, err := NewFixedRate(decimal.NewFromInt(1000))
	require.NoError(t, err)

	require.NoError(t, conv.SetRate(decimal.NewFromInt(1200)))
	c, err := conv.Convert(context.Background(), decimal.NewFromInt(1), engine.CurrencyUSD)
	require.NoError(t, err)
	assert.Equal(t, "1200.00", c.ARS.StringFixed(2))

	assert.ErrorIs(t, conv.SetRate(decimal.Zero), ErrInvalidRate)
	_, err = NewFixedRate(decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, ErrInvalidRate)
}

func TestFixedRate_ImplementsConverter(t *testing.T) {
	var _ engine.Converter = (*FixedRate)(nil)
}
