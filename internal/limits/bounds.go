// Package limits checks a deposit amount against the exchange's tradeable
// range for a pair.
//
// The exchange publishes a min and max deposit per pair. An order outside
// that range is refused at quote time, so the orchestrator checks first and
// records a per-recipient failure instead of spending a quote request.
package limits

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrBelowMinimum is returned when an amount is under the pair minimum.
	ErrBelowMinimum = errors.New("limits: amount below pair minimum")

	// ErrAboveMaximum is returned when an amount exceeds the pair maximum.
	ErrAboveMaximum = errors.New("limits: amount above pair maximum")

	// ErrInvalidBounds is returned when the published range is unusable.
	ErrInvalidBounds = errors.New("limits: invalid pair bounds")
)

// Bounds is the tradeable deposit range of a pair.
//
// A zero Max means the exchange published no upper bound.
type Bounds struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
	// Rate is the indicative settle-per-deposit rate.
	Rate decimal.Decimal `json:"rate"`
}

// Check validates amount against b. Bounds are inclusive.
func (b Bounds) Check(amount decimal.Decimal) error {
	if b.Min.IsNegative() || b.Max.IsNegative() {
		return ErrInvalidBounds
	}
	if b.Max.IsPositive() && b.Min.GreaterThan(b.Max) {
		return fmt.Errorf("%w: min %s > max %s", ErrInvalidBounds, b.Min, b.Max)
	}

	if amount.LessThan(b.Min) {
		return fmt.Errorf("%w: %s < %s", ErrBelowMinimum, amount, b.Min)
	}
	if b.Max.IsPositive() && amount.GreaterThan(b.Max) {
		return fmt.Errorf("%w: %s > %s", ErrAboveMaximum, amount, b.Max)
	}
	return nil
}
