// Package limits enforces optional bounds on the notional value of a single
// order (price × amount).
package limits

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrBelowMinimum is returned when an order's value is under the
	// configured minimum.
	ErrBelowMinimum = errors.New("limits: order value below minimum")

	// ErrAboveMaximum is returned when an order's value exceeds the
	// configured maximum.
	ErrAboveMaximum = errors.New("limits: order value above maximum")
)

// OrderValueLimiter checks order values against optional bounds. A nil
// bound is not enforced; a nil limiter allows everything.
type OrderValueLimiter struct {
	Min *decimal.Decimal
	Max *decimal.Decimal
}

// NewOrderValueLimiter creates a limiter. Pass nil for an unbounded side.
func NewOrderValueLimiter(min, max *decimal.Decimal) *OrderValueLimiter {
	return &OrderValueLimiter{Min: min, Max: max}
}

// Check validates an order's notional value. Bounds are inclusive.
func (l *OrderValueLimiter) Check(value decimal.Decimal) error {
	if l == nil {
		return nil
	}
	if l.Min != nil && value.LessThan(*l.Min) {
		return ErrBelowMinimum
	}
	if l.Max != nil && value.GreaterThan(*l.Max) {
		return ErrAboveMaximum
	}
	return nil
}
