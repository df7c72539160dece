package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromDecimal(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		currency Currency
		want     int64
		wantErr  bool
	}{
		{name: "two decimals", amount: "500.00", currency: MXN, want: 50000},
		{name: "one decimal", amount: "100.5", currency: MXN, want: 10050},
		{name: "integer", amount: "42", currency: USD, want: 4200},
		{name: "zero minor units", amount: "1500", currency: CLP, want: 1500},
		{name: "too precise", amount: "1.005", currency: MXN, wantErr: true},
		{name: "fraction on zero minor units", amount: "10.5", currency: CLP, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := FromDecimal(decimal.RequireFromString(tt.amount), tt.currency)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.AmountMinor)
			assert.Equal(t, tt.currency, m.Currency)
		})
	}
}

func TestParseMajor(t *testing.T) {
	m, err := ParseMajor("100.00", MXN)
	require.NoError(t, err)
	assert.Equal(t, New(10000, MXN), m)

	_, err = ParseMajor("abc", MXN)
	assert.Error(t, err)
}

func TestString(t *testing.T) {
	assert.Equal(t, "500.00 MXN", New(50000, MXN).String())
	assert.Equal(t, "1500 CLP", New(1500, CLP).String())
}
