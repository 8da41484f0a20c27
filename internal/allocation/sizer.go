// Package allocation sizes the per-trade draw on pooled capital.
//
// Every trade in a cycle requests the same fraction of the pooled capital
// measured at cycle start. The result is rounded to cents and optionally
// capped; anything below the minimum trade unit is rejected, which the
// orchestrator treats as "stop the cycle" rather than "skip this pair".
package allocation

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrBelowMinimum is returned when the sized allocation is smaller than
	// the minimum trade unit.
	ErrBelowMinimum = errors.New("allocation: below minimum trade unit")

	// ErrInvalidPercent is returned for a fraction outside (0, 1].
	ErrInvalidPercent = errors.New("allocation: percent must be in (0, 1]")
)

// Sizer computes per-trade allocations.
type Sizer struct {
	// Percent is the fraction of pooled capital per trade, e.g. 0.01.
	Percent decimal.Decimal

	// Minimum is the smallest allowed allocation.
	Minimum decimal.Decimal

	// Maximum caps the allocation. Zero means no cap.
	Maximum decimal.Decimal
}

// NewSizer validates percent and returns a sizer.
func NewSizer(percent, minimum, maximum decimal.Decimal) (*Sizer, error) {
	if !percent.IsPositive() || percent.GreaterThan(decimal.NewFromInt(1)) {
		return nil, ErrInvalidPercent
	}
	if minimum.IsNegative() {
		minimum = decimal.Zero
	}
	if maximum.IsNegative() {
		maximum = decimal.Zero
	}
	return &Sizer{Percent: percent, Minimum: minimum, Maximum: maximum}, nil
}

// Size returns pooled × Percent rounded to 2 dp, capped at Maximum when set.
// Returns the computed amount together with ErrBelowMinimum when it falls
// under Minimum so the caller can report it.
func (s *Sizer) Size(pooled decimal.Decimal) (decimal.Decimal, error) {
	amount := pooled.Mul(s.Percent).Round(2)

	if s.Maximum.IsPositive() && amount.GreaterThan(s.Maximum) {
		amount = s.Maximum
	}

	if amount.LessThan(s.Minimum) || !amount.IsPositive() {
		return amount, ErrBelowMinimum
	}
	return amount, nil
}
