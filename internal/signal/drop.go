// Package signal evaluates whether a symbol's current price has dropped far
// enough from its anchor to fire a buy signal.
package signal

import (
	"github.com/shopspring/decimal"

	"spotfsm/pkg/types"
)

// Evaluation is the result of checking one snapshot against an anchor.
type Evaluation struct {
	Triggered  bool
	Mode       types.AnchorMode
	DropPct    decimal.Decimal // negative value, magnitude of the drop
}

// Evaluator fires a buy signal when price has dropped at least threshold
// (a fraction, e.g. 0.02 for 2%) below the anchor.
type Evaluator struct {
	threshold decimal.Decimal
}

// New creates a Drop-Signal Evaluator for the given fractional threshold.
func New(threshold float64) *Evaluator {
	return &Evaluator{threshold: decimal.NewFromFloat(threshold)}
}

// Evaluate checks snap.Last against anchorPrice. Never triggers on a stale
// or invalid snapshot, or when the anchor is non-positive.
func (e *Evaluator) Evaluate(snap types.Snapshot, anchorPrice decimal.Decimal, mode types.AnchorMode) Evaluation {
	if snap.Stale || !snap.Valid || anchorPrice.LessThanOrEqual(decimal.Zero) {
		return Evaluation{Mode: mode}
	}

	dropPct := snap.Last.Sub(anchorPrice).Div(anchorPrice)

	triggered := dropPct.LessThanOrEqual(e.threshold.Neg())

	return Evaluation{
		Triggered: triggered,
		Mode:      mode,
		DropPct:   dropPct,
	}
}
