package currency

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Native is the chain-native settlement currency. Payments in Native
// arrive as value attached to the call; every other currency is pulled
// from the payer's token balance.
const Native Currency = "NATIVE"

// Currency identifies the asset a fee or budget is denominated in.
type Currency string

// IsNative reports whether the currency settles via attached value.
func (c Currency) IsNative() bool {
	return c == Native
}

// Valid reports whether the currency code is well formed.
func (c Currency) Valid() bool {
	s := string(c)
	return s != "" && s == strings.ToUpper(s) && !strings.ContainsAny(s, " \t\n")
}

// Amount is a non-negative monetary quantity. The zero value is zero.
type Amount struct {
	value decimal.Decimal
}

// Zero returns the zero amount.
func Zero() Amount {
	return Amount{}
}

// Parse creates an Amount from a decimal string.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount: %w", err)
	}
	if d.IsNegative() {
		return Amount{}, fmt.Errorf("invalid amount: negative value %s", s)
	}
	return Amount{value: d}, nil
}

// MustParse creates an Amount from a decimal string, panicking on error.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromUint creates an Amount from an unsigned integer.
func FromUint(u uint64) Amount {
	return Amount{value: decimal.NewFromUint64(u)}
}

// FromDecimal creates an Amount from a raw decimal.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	if d.IsNegative() {
		return Amount{}, fmt.Errorf("invalid amount: negative value %s", d.String())
	}
	return Amount{value: d}, nil
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return Amount{value: a.value.Add(b.value)}
}

// Sub returns a - b, failing on underflow.
func (a Amount) Sub(b Amount) (Amount, error) {
	d := a.value.Sub(b.value)
	if d.IsNegative() {
		return Amount{}, fmt.Errorf("amount underflow: %s - %s", a, b)
	}
	return Amount{value: d}, nil
}

// SubFloor returns a - b clamped at zero.
func (a Amount) SubFloor(b Amount) Amount {
	d := a.value.Sub(b.value)
	if d.IsNegative() {
		return Amount{}
	}
	return Amount{value: d}
}

// MulUint returns a * n.
func (a Amount) MulUint(n uint64) Amount {
	return Amount{value: a.value.Mul(decimal.NewFromUint64(n))}
}

// DivToUint returns floor(a / b), the number of whole b units in a.
func (a Amount) DivToUint(b Amount) (uint64, error) {
	if b.IsZero() {
		return 0, fmt.Errorf("division by zero amount")
	}
	q := a.value.DivRound(b.value, 32).Truncate(0)
	return uint64(q.IntPart()), nil
}

// Cmp compares two amounts: -1 if a < b, 0 if equal, 1 if a > b.
func (a Amount) Cmp(b Amount) int {
	return a.value.Cmp(b.value)
}

// Equal reports whether two amounts are numerically equal.
func (a Amount) Equal(b Amount) bool {
	return a.value.Cmp(b.value) == 0
}

// LessThan reports whether a < b.
func (a Amount) LessThan(b Amount) bool {
	return a.value.Cmp(b.value) < 0
}

// GreaterThan reports whether a > b.
func (a Amount) GreaterThan(b Amount) bool {
	return a.value.Cmp(b.value) > 0
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.value.IsZero()
}

// IsPositive reports whether the amount is strictly positive.
func (a Amount) IsPositive() bool {
	return a.value.IsPositive()
}

// Decimal returns the underlying decimal value.
func (a Amount) Decimal() decimal.Decimal {
	return a.value
}

// String returns the canonical decimal representation.
func (a Amount) String() string {
	return a.value.String()
}

// MarshalJSON encodes the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.value.String() + `"`), nil
}

// UnmarshalJSON decodes an amount from a decimal string or bare number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
