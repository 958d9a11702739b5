package cogs

import (
	"fmt"
	"math/big"
)

// Amount is a non-negative token quantity in cogs, the smallest indivisible
// unit of the payment token. It wraps an arbitrary-precision integer so that
// amounts never pass through fixed-width or floating arithmetic; large token
// supplies overflow int64 and silently lose precision in float64.
//
// The zero value is usable and equals zero cogs.
type Amount struct {
	i *big.Int
}

// Zero is the zero amount.
var Zero = Amount{}

// New builds an Amount from a uint64.
func New(v uint64) Amount {
	return Amount{i: new(big.Int).SetUint64(v)}
}

// Parse decodes a decimal-string-encoded unsigned integer. This is the only
// wire encoding for amounts; hex, scientific notation and signs are rejected.
func Parse(s string) (Amount, error) {
	if s == "" {
		return Amount{}, fmt.Errorf("empty amount")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return Amount{}, fmt.Errorf("negative amount %q", s)
	}
	return Amount{i: v}, nil
}

// FromBig copies v into an Amount. Nil is treated as zero; negative values
// are rejected.
func FromBig(v *big.Int) (Amount, error) {
	if v == nil {
		return Amount{}, nil
	}
	if v.Sign() < 0 {
		return Amount{}, fmt.Errorf("negative amount %s", v)
	}
	return Amount{i: new(big.Int).Set(v)}, nil
}

func (a Amount) value() *big.Int {
	if a.i == nil {
		return new(big.Int)
	}
	return a.i
}

// BigInt returns a copy of the amount; mutating it does not affect a.
func (a Amount) BigInt() *big.Int {
	return new(big.Int).Set(a.value())
}

// String renders the decimal wire encoding.
func (a Amount) String() string {
	return a.value().String()
}

// Cmp compares a and b, returning -1, 0 or +1.
func (a Amount) Cmp(b Amount) int {
	return a.value().Cmp(b.value())
}

// IsZero reports whether the amount is zero cogs.
func (a Amount) IsZero() bool {
	return a.value().Sign() == 0
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount {
	return Amount{i: new(big.Int).Add(a.value(), b.value())}
}

// Sub returns a - b, failing if the result would be negative.
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.Cmp(b) < 0 {
		return Amount{}, fmt.Errorf("amount underflow: %s - %s", a, b)
	}
	return Amount{i: new(big.Int).Sub(a.value(), b.value())}, nil
}

// Uint64 converts the amount, failing if it does not fit. Intended for block
// heights and other small quantities, not token values.
func (a Amount) Uint64() (uint64, error) {
	if !a.value().IsUint64() {
		return 0, fmt.Errorf("amount %s overflows uint64", a)
	}
	return a.value().Uint64(), nil
}
