// Package exitengine evaluates the priority-ordered exit rule table for an
// open position: hard stop-loss, hard take-profit, trailing stop, and max
// hold time.
package exitengine

import (
	"time"

	"github.com/shopspring/decimal"

	"spotfsm/internal/config"
	"spotfsm/pkg/types"
)

const (
	priorityHardSL = 0
	priorityHardTP = 1
	priorityTrailing = 2
	priorityTime     = 3
)

// Position is the subset of symbol state the Exit Engine needs.
type Position struct {
	EntryPrice      decimal.Decimal
	CurrentPrice    decimal.Decimal
	PeakSinceEntry  decimal.Decimal
	TrailingActive  bool
	TPActive        bool
	SLActive        bool
	TPPrice         decimal.Decimal
	SLPrice         decimal.Decimal
	OpenedAt        time.Time
}

// Engine evaluates exit rules against a position.
type Engine struct {
	cfg config.ProtectionConfig
}

// New creates an Exit Engine.
func New(cfg config.ProtectionConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate updates trailing state (activation + peak) on pos and returns the
// highest-priority (lowest number) firing exit decision, or nil if none
// fires. Ties are resolved strictly by minimum priority.
func (e *Engine) Evaluate(pos *Position, now time.Time) *types.ExitDecision {
	e.updateTrailing(pos)

	var decisions []types.ExitDecision

	if pos.SLActive && pos.CurrentPrice.LessThanOrEqual(pos.SLPrice) {
		decisions = append(decisions, types.ExitDecision{Rule: types.ExitHardSL, Price: pos.CurrentPrice, Reason: "hard_stop_loss", Priority: priorityHardSL})
	}
	if pos.TPActive && pos.CurrentPrice.GreaterThanOrEqual(pos.TPPrice) {
		decisions = append(decisions, types.ExitDecision{Rule: types.ExitHardTP, Price: pos.CurrentPrice, Reason: "hard_take_profit", Priority: priorityHardTP})
	}
	if pos.TrailingActive && e.trailingTriggered(pos) {
		decisions = append(decisions, types.ExitDecision{Rule: types.ExitTrailing, Price: pos.CurrentPrice, Reason: "trailing_stop", Priority: priorityTrailing})
	}
	if e.cfg.MaxHoldTime > 0 && now.Sub(pos.OpenedAt) >= e.cfg.MaxHoldTime {
		decisions = append(decisions, types.ExitDecision{Rule: types.ExitTimeLimit, Price: pos.CurrentPrice, Reason: "max_hold_time", Priority: priorityTime})
	}

	if len(decisions) == 0 {
		return nil
	}

	best := decisions[0]
	for _, d := range decisions[1:] {
		if d.Priority < best.Priority {
			best = d
		}
	}
	return &best
}

// updateTrailing advances the monotonic peak and flips on trailing once
// unrealized PnL% clears the activation threshold.
func (e *Engine) updateTrailing(pos *Position) {
	if pos.PeakSinceEntry.IsZero() || pos.CurrentPrice.GreaterThan(pos.PeakSinceEntry) {
		pos.PeakSinceEntry = pos.CurrentPrice
	}

	if pos.TrailingActive || pos.EntryPrice.IsZero() {
		return
	}

	pnlPct := pos.CurrentPrice.Sub(pos.EntryPrice).Div(pos.EntryPrice)
	activatePct := decimal.NewFromFloat(e.cfg.TrailingActivatePct)
	if pnlPct.GreaterThanOrEqual(activatePct) {
		pos.TrailingActive = true
	}
}

func (e *Engine) trailingTriggered(pos *Position) bool {
	if pos.PeakSinceEntry.IsZero() {
		return false
	}
	retracePct := pos.PeakSinceEntry.Sub(pos.CurrentPrice).Div(pos.PeakSinceEntry)
	return retracePct.GreaterThanOrEqual(decimal.NewFromFloat(e.cfg.TrailingPct))
}
