package exitengine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"spotfsm/internal/config"
	"spotfsm/pkg/types"
)

func testEngine() *Engine {
	return New(config.ProtectionConfig{
		TrailingPct:         0.01,
		TrailingActivatePct: 0.005,
		MaxHoldTime:         time.Hour,
	})
}

func TestEvaluateFiresHardStopLoss(t *testing.T) {
	t.Parallel()
	e := testEngine()
	pos := &Position{
		EntryPrice:   decimal.NewFromInt(100),
		CurrentPrice: decimal.NewFromInt(94),
		SLActive:     true,
		SLPrice:      decimal.NewFromInt(95),
		OpenedAt:     time.Now(),
	}

	d := e.Evaluate(pos, time.Now())
	if d == nil || d.Rule != types.ExitHardSL {
		t.Fatalf("expected HARD_SL, got %+v", d)
	}
}

func TestEvaluateFiresHardTakeProfit(t *testing.T) {
	t.Parallel()
	e := testEngine()
	pos := &Position{
		EntryPrice:   decimal.NewFromInt(100),
		CurrentPrice: decimal.NewFromInt(110),
		TPActive:     true,
		TPPrice:      decimal.NewFromInt(105),
		OpenedAt:     time.Now(),
	}

	d := e.Evaluate(pos, time.Now())
	if d == nil || d.Rule != types.ExitHardTP {
		t.Fatalf("expected HARD_TP, got %+v", d)
	}
}

func TestEvaluatePrioritizesStopLossOverTakeProfit(t *testing.T) {
	t.Parallel()
	e := testEngine()
	pos := &Position{
		EntryPrice:   decimal.NewFromInt(100),
		CurrentPrice: decimal.NewFromInt(94),
		SLActive:     true,
		SLPrice:      decimal.NewFromInt(95),
		TPActive:     true,
		TPPrice:      decimal.NewFromInt(90), // would also fire, but SL has lower priority number
		OpenedAt:     time.Now(),
	}

	d := e.Evaluate(pos, time.Now())
	if d == nil || d.Rule != types.ExitHardSL {
		t.Fatalf("expected HARD_SL to win priority tie, got %+v", d)
	}
}

func TestTrailingActivatesAndFires(t *testing.T) {
	t.Parallel()
	e := testEngine()
	pos := &Position{
		EntryPrice:     decimal.NewFromInt(100),
		CurrentPrice:   decimal.NewFromInt(106), // +6% triggers activation (>=0.5%)
		PeakSinceEntry: decimal.NewFromInt(106),
		OpenedAt:       time.Now(),
	}
	e.Evaluate(pos, time.Now())
	if !pos.TrailingActive {
		t.Fatal("expected trailing to activate")
	}

	pos.CurrentPrice = decimal.NewFromInt(104) // retrace from peak 106 by ~1.9%, exceeds 1% trigger
	d := e.Evaluate(pos, time.Now())
	if d == nil || d.Rule != types.ExitTrailing {
		t.Fatalf("expected TRAILING, got %+v", d)
	}
}

func TestTimeLimitFiresAfterMaxHold(t *testing.T) {
	t.Parallel()
	e := testEngine()
	pos := &Position{
		EntryPrice:   decimal.NewFromInt(100),
		CurrentPrice: decimal.NewFromInt(100),
		OpenedAt:     time.Now().Add(-2 * time.Hour),
	}

	d := e.Evaluate(pos, time.Now())
	if d == nil || d.Rule != types.ExitTimeLimit {
		t.Fatalf("expected TIME, got %+v", d)
	}
}

func TestEvaluateReturnsNilWhenNothingFires(t *testing.T) {
	t.Parallel()
	e := testEngine()
	pos := &Position{
		EntryPrice:   decimal.NewFromInt(100),
		CurrentPrice: decimal.NewFromInt(101),
		OpenedAt:     time.Now(),
	}

	if d := e.Evaluate(pos, time.Now()); d != nil {
		t.Errorf("expected nil, got %+v", d)
	}
}
