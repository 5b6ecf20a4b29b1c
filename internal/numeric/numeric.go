// Package numeric provides the fixed-precision decimal helpers used for money and quantities.
package numeric

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by every persisted amount.
const Scale int32 = 8

// Round rounds d half away from zero to Scale fractional digits.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Format renders d as a fixed-scale decimal string.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}

// Parse converts a decimal string into a value rounded to Scale.
// On failure, it returns (zero, false).
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return Round(d), true
}

// MustParse parses s and panics on malformed input. Intended for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, ok := Parse(s)
	if !ok {
		panic("numeric: malformed decimal " + s)
	}
	return d
}

// Mul multiplies and rounds to Scale.
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return Round(a.Mul(b))
}

// Positive reports whether d is strictly greater than zero.
func Positive(d decimal.Decimal) bool {
	return d.Sign() > 0
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

