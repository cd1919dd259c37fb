// Package currency provides the decimal money type used across cost
// calculation, credit conversion, and the ledger. Database rows store
// integer micros; conversion happens only at the storage boundary.
package currency

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// microsPerUSD is the scale used for persisted amounts.
const microsPerUSD = 1_000_000

// Amount is an exact USD amount. The zero value is $0.
type Amount struct {
	d decimal.Decimal
}

// Zero returns a zero amount.
func Zero() Amount { return Amount{} }

// FromDecimal wraps a decimal value as an Amount.
func FromDecimal(d decimal.Decimal) Amount { return Amount{d: d} }

// FromFloat converts a float price column into an Amount.
// Used only when reading price rows from the database.
func FromFloat(f float64) Amount { return Amount{d: decimal.NewFromFloat(f)} }

// FromMicros converts a persisted micros value into an Amount.
func FromMicros(micros int64) Amount {
	return Amount{d: decimal.New(micros, 0).Div(decimal.New(microsPerUSD, 0))}
}

// FromString parses a decimal string such as "0.005".
func FromString(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("currency: parse %q: %w", s, err)
	}
	return Amount{d: d}, nil
}

// MustParse parses a decimal string and panics on failure. Test fixtures only.
func MustParse(s string) Amount {
	a, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Micros returns the amount as integer micros for persistence,
// rounded half up at the sixth decimal place.
func (a Amount) Micros() int64 {
	return a.d.Mul(decimal.New(microsPerUSD, 0)).Round(0).IntPart()
}

// Decimal returns the underlying decimal value.
func (a Amount) Decimal() decimal.Decimal { return a.d }

// Add returns a + b.
func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }

// Mul returns a * m.
func (a Amount) Mul(m decimal.Decimal) Amount { return Amount{d: a.d.Mul(m)} }

// MulTokens prices n tokens at a per-1K-token rate.
func (a Amount) MulTokens(n int64) Amount {
	return Amount{d: a.d.Mul(decimal.New(n, 0)).Div(decimal.New(1000, 0))}
}

// CeilInt64 rounds the amount up to the next whole unit.
func (a Amount) CeilInt64() int64 { return a.d.Ceil().IntPart() }

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a.d.IsZero() }

// IsNegative reports whether the amount is below zero.
func (a Amount) IsNegative() bool { return a.d.IsNegative() }

// IsPositive reports whether the amount is above zero.
func (a Amount) IsPositive() bool { return a.d.IsPositive() }

// Equal reports exact numeric equality.
func (a Amount) Equal(b Amount) bool { return a.d.Equal(b.d) }

// String formats the amount without trailing zeros.
func (a Amount) String() string { return a.d.String() }
