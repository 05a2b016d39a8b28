// Package guards implements the pre-trade market-quality gates every symbol
// must clear before the FSM allows an entry.
package guards

import (
	"time"

	"github.com/shopspring/decimal"

	"spotfsm/internal/config"
	"spotfsm/internal/quantize"
	"spotfsm/pkg/types"
)

// Reason names a single failed guard.
type Reason string

const (
	ReasonSpreadTooWide   Reason = "spread_too_wide"
	ReasonDepthTooThin    Reason = "depth_too_thin"
	ReasonInvalidTicker   Reason = "invalid_ticker"
	ReasonCooldownActive  Reason = "cooldown_active"
	ReasonNoSlotAvailable Reason = "no_slot_available"
	ReasonCannotAfford    Reason = "cannot_afford"
)

// Result reports whether a symbol passed every guard.
type Result struct {
	Passed bool
	Failed []Reason
}

// Evaluator runs every guard against a snapshot and the current engine state.
type Evaluator struct {
	cfg config.GuardsConfig
	max config.TradingConfig
}

// New creates a Market Guards evaluator.
func New(cfg config.GuardsConfig, trading config.TradingConfig) *Evaluator {
	return &Evaluator{cfg: cfg, max: trading}
}

// Input bundles the live state the guards need, gathered by the FSM before
// an entry attempt.
type Input struct {
	Snapshot        types.Snapshot
	CooldownUntil   time.Time
	Now             time.Time
	OpenPositions   int
	AvailableBudget decimal.Decimal
	Filters         types.Filters
}

// Evaluate runs every guard and returns the aggregate result. All guards run
// even after the first failure, so callers see the complete failure set.
func (e *Evaluator) Evaluate(in Input) Result {
	var failed []Reason

	if !in.Snapshot.Valid {
		failed = append(failed, ReasonInvalidTicker)
	}

	if maxBps := decimal.NewFromInt(int64(e.cfg.MaxSpreadBps)); maxBps.IsPositive() {
		if in.Snapshot.SpreadBps.GreaterThan(maxBps) {
			failed = append(failed, ReasonSpreadTooWide)
		}
	}

	if minDepth := decimal.NewFromFloat(e.cfg.DepthMinNotionalUSD); minDepth.IsPositive() {
		if in.Snapshot.AskDepthUSD.LessThan(minDepth) {
			failed = append(failed, ReasonDepthTooThin)
		}
	}

	if in.Now.Before(in.CooldownUntil) {
		failed = append(failed, ReasonCooldownActive)
	}

	if in.OpenPositions >= e.max.MaxConcurrentPositions {
		failed = append(failed, ReasonNoSlotAvailable)
	}

	if !e.canAfford(in.Snapshot.Ask, in.AvailableBudget, in.Filters) {
		failed = append(failed, ReasonCannotAfford)
	}

	return Result{Passed: len(failed) == 0, Failed: failed}
}

// canAfford reports whether budget covers at least min_qty at the quantized
// price while also clearing min_notional, via the same quantization path
// the Order Router uses before submitting.
func (e *Evaluator) canAfford(price, budget decimal.Decimal, f types.Filters) bool {
	if price.IsZero() || budget.IsZero() {
		return false
	}

	rawAmount := budget.Div(price)
	res := quantize.ValidateAndFix(price, rawAmount, f)
	if !res.IsValid() {
		return false
	}

	notional := res.Price.Mul(res.Amount)
	return notional.LessThanOrEqual(budget)
}
