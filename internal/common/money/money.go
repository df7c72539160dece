package money

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	MXN Currency = "MXN"
	USD Currency = "USD"
	ARS Currency = "ARS"
	BRL Currency = "BRL"
	CLP Currency = "CLP"
	COP Currency = "COP"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code       Currency
	MinorUnits int32 // Number of decimal places
	Symbol     string
}

var currencies = map[Currency]CurrencyInfo{
	MXN: {Code: MXN, MinorUnits: 2, Symbol: "$"},
	USD: {Code: USD, MinorUnits: 2, Symbol: "$"},
	ARS: {Code: ARS, MinorUnits: 2, Symbol: "$"},
	BRL: {Code: BRL, MinorUnits: 2, Symbol: "R$"},
	CLP: {Code: CLP, MinorUnits: 0, Symbol: "$"},
	COP: {Code: COP, MinorUnits: 2, Symbol: "$"},
}

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	info, ok := currencies[c]
	return info, ok
}

func minorUnits(c Currency) int32 {
	if info, ok := currencies[c]; ok {
		return info.MinorUnits
	}
	return 2
}

// Money represents a monetary amount in minor units (centavos, cents, etc.)
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

// New creates a new Money value from minor units
func New(amountMinor int64, currency Currency) Money {
	return Money{
		AmountMinor: amountMinor,
		Currency:    currency,
	}
}

// FromDecimal converts a major-unit decimal (as the provider reports it) to minor units.
// Amounts with more precision than the currency allows are rejected rather than rounded.
func FromDecimal(amount decimal.Decimal, currency Currency) (Money, error) {
	scaled := amount.Shift(minorUnits(currency))
	if !scaled.Equal(scaled.Truncate(0)) {
		return Money{}, fmt.Errorf("amount %s has more precision than %s allows", amount.String(), currency)
	}
	return Money{AmountMinor: scaled.IntPart(), Currency: currency}, nil
}

// ParseMajor parses a major-unit string such as "500.00".
func ParseMajor(amount string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("parsing amount %q: %w", amount, err)
	}
	return FromDecimal(d, currency)
}

// Major returns the amount in major units
func (m Money) Major() decimal.Decimal {
	return decimal.New(m.AmountMinor, -minorUnits(m.Currency))
}

// Equal checks equality
func (m Money) Equal(other Money) bool {
	return m.AmountMinor == other.AmountMinor && m.Currency == other.Currency
}

// String returns a human-readable representation
func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Major().StringFixed(minorUnits(m.Currency)), m.Currency)
}

// MarshalJSON implements json.Marshaler
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		AmountMinor int64  `json:"amount_minor"`
		Currency    string `json:"currency"`
	}{
		AmountMinor: m.AmountMinor,
		Currency:    string(m.Currency),
	})
}
