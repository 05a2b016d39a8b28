// Package quantize implements exchange-compliance rounding for prices and
// amounts, plus a read-mostly cache of per-symbol exchange filters.
//
// All arithmetic here uses github.com/shopspring/decimal — this engine's
// lineage declared that dependency but never actually imported it anywhere,
// leaving tick/amount rounding to float64 math instead. Quantization is
// exactly the boundary where float comparisons are unsafe, so this package
// is where that dependency finally earns its place in go.mod.
package quantize

import (
	"fmt"

	"github.com/shopspring/decimal"

	"spotfsm/pkg/types"
)

// Violation names one way a raw price/amount failed to comply with a
// symbol's exchange filters.
type Violation string

const (
	ViolationTick               Violation = "tick_violation"
	ViolationStep               Violation = "step_violation"
	ViolationMinQty             Violation = "min_qty"
	ViolationMinNotional        Violation = "min_notional"
	ViolationInvalidAfterQuantize Violation = "invalid_amount_after_quantize"
	ViolationMinCostAutoFixed   Violation = "min_cost_auto_fixed"
)

// Result is the outcome of validating and quantizing a raw price/amount pair.
type Result struct {
	Price      decimal.Decimal
	Amount     decimal.Decimal
	Violations []Violation
	AutoFixed  bool
}

// IsValid reports whether the quantized price/amount can be submitted as-is.
func (r Result) IsValid() bool {
	for _, v := range r.Violations {
		if v == ViolationInvalidAfterQuantize {
			return false
		}
	}
	return true
}

// QuantizePrice floors raw to the nearest multiple of tick at or below it.
func QuantizePrice(raw, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return raw
	}
	return raw.Div(tick).Floor().Mul(tick)
}

// QuantizeAmount floors raw to the nearest multiple of step at or below it.
func QuantizeAmount(raw, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return raw
	}
	return raw.Div(step).Floor().Mul(step)
}

// ValidateAndFix quantizes price and amount against a symbol's filters,
// auto-bumping the amount upward to satisfy min-notional when the shortfall
// can be closed by a whole number of additional amount steps. Returns the
// fixed-up price/amount plus every violation observed along the way.
func ValidateAndFix(rawPrice, rawAmount decimal.Decimal, f types.Filters) Result {
	price := QuantizePrice(rawPrice, f.PriceTick)
	amount := QuantizeAmount(rawAmount, f.AmountStep)

	var violations []Violation
	autoFixed := false

	if !price.Equal(rawPrice) {
		violations = append(violations, ViolationTick)
	}
	if !amount.Equal(rawAmount) {
		violations = append(violations, ViolationStep)
	}

	notional := price.Mul(amount)
	if notional.LessThan(f.MinNotional) && !price.IsZero() && !f.AmountStep.IsZero() {
		violations = append(violations, ViolationMinNotional)

		// Bump amount upward by whole steps until notional clears the floor.
		needed := f.MinNotional.Div(price).Div(f.AmountStep).Ceil().Mul(f.AmountStep)
		if needed.GreaterThan(amount) {
			amount = needed
			notional = price.Mul(amount)
			violations = append(violations, ViolationMinCostAutoFixed)
			autoFixed = true
		}
	}

	if amount.LessThan(f.MinQty) || notional.LessThan(f.MinNotional) {
		violations = append(violations, ViolationInvalidAfterQuantize)
	}

	return Result{Price: price, Amount: amount, Violations: violations, AutoFixed: autoFixed}
}

// Error wraps a quantization failure with the symbol and violation list for
// logging/audit purposes.
type Error struct {
	Symbol     string
	Violations []Violation
}

func (e *Error) Error() string {
	return fmt.Sprintf("quantize %s: violations=%v", e.Symbol, e.Violations)
}
