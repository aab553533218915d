// Package money holds the fixed-point helpers used for every price, quantity
// and balance. Values are shopspring/decimal quantized to a fixed number of
// fractional digits (8 by default); nothing here touches float64.
package money

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

// DefaultScale is the number of fractional digits kept for prices, amounts
// and balances unless configured otherwise.
const DefaultScale int32 = 8

var (
	// ErrMalformed is returned for strings that are not plain non-negative
	// decimal numbers.
	ErrMalformed = errors.New("money: malformed decimal")

	// ErrTooPrecise is returned when a value has more fractional digits than
	// the configured scale allows.
	ErrTooPrecise = errors.New("money: too many fractional digits")
)

var plainDecimal = regexp.MustCompile(`^\d+(\.\d+)?$`)

// Parse reads a plain decimal string ("50000", "0.3") and rejects values
// that carry more than scale fractional digits.
func Parse(s string, scale int32) (decimal.Decimal, error) {
	if !plainDecimal.MatchString(s) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	if !FitsScale(d, scale) {
		return decimal.Zero, fmt.Errorf("%w: %q (max %d)", ErrTooPrecise, s, scale)
	}
	return d, nil
}

// FitsScale reports whether d is exactly representable with scale
// fractional digits.
func FitsScale(d decimal.Decimal, scale int32) bool {
	return d.Equal(d.Truncate(scale))
}

// Quantize truncates d to scale fractional digits.
func Quantize(d decimal.Decimal, scale int32) decimal.Decimal {
	return d.Truncate(scale)
}

// Mul multiplies a and b and truncates the product to scale digits.
func Mul(a, b decimal.Decimal, scale int32) decimal.Decimal {
	return a.Mul(b).Truncate(scale)
}

// Div divides a by b and truncates the quotient to scale digits.
// b must be non-zero.
func Div(a, b decimal.Decimal, scale int32) decimal.Decimal {
	q, _ := a.QuoRem(b, scale)
	return q
}

// Round rounds d half away from zero to scale digits.
func Round(d decimal.Decimal, scale int32) decimal.Decimal {
	return d.Round(scale)
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThanOrEqual(b) {
		return a
	}
	return b
}
