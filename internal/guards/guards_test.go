package guards

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"spotfsm/internal/config"
	"spotfsm/pkg/types"
)

func baseInput() Input {
	return Input{
		Snapshot: types.Snapshot{
			Valid:       true,
			SpreadBps:   decimal.NewFromInt(5),
			AskDepthUSD: decimal.NewFromInt(50000),
			Ask:         decimal.NewFromInt(100),
		},
		Now:             time.Now(),
		OpenPositions:   0,
		AvailableBudget: decimal.NewFromInt(1000),
		Filters: types.Filters{
			PriceTick:   decimal.NewFromFloat(0.01),
			AmountStep:  decimal.NewFromFloat(0.0001),
			MinQty:      decimal.NewFromFloat(0.0001),
			MinNotional: decimal.NewFromInt(10),
		},
	}
}

func testEvaluator() *Evaluator {
	return New(
		config.GuardsConfig{MaxSpreadBps: 20, DepthMinNotionalUSD: 1000},
		config.TradingConfig{MaxConcurrentPositions: 3},
	)
}

func TestEvaluatePassesCleanInput(t *testing.T) {
	t.Parallel()
	res := testEvaluator().Evaluate(baseInput())
	if !res.Passed {
		t.Errorf("expected pass, got failures %v", res.Failed)
	}
}

func TestEvaluateFailsOnWideSpread(t *testing.T) {
	t.Parallel()
	in := baseInput()
	in.Snapshot.SpreadBps = decimal.NewFromInt(50)
	res := testEvaluator().Evaluate(in)
	if res.Passed || !containsReason(res.Failed, ReasonSpreadTooWide) {
		t.Errorf("expected spread_too_wide, got %v", res.Failed)
	}
}

func TestEvaluateFailsOnThinDepth(t *testing.T) {
	t.Parallel()
	in := baseInput()
	in.Snapshot.AskDepthUSD = decimal.NewFromInt(10)
	res := testEvaluator().Evaluate(in)
	if res.Passed || !containsReason(res.Failed, ReasonDepthTooThin) {
		t.Errorf("expected depth_too_thin, got %v", res.Failed)
	}
}

func TestEvaluateFailsOnCooldownActive(t *testing.T) {
	t.Parallel()
	in := baseInput()
	in.CooldownUntil = in.Now.Add(time.Minute)
	res := testEvaluator().Evaluate(in)
	if res.Passed || !containsReason(res.Failed, ReasonCooldownActive) {
		t.Errorf("expected cooldown_active, got %v", res.Failed)
	}
}

func TestEvaluateFailsWhenNoSlotAvailable(t *testing.T) {
	t.Parallel()
	in := baseInput()
	in.OpenPositions = 3
	res := testEvaluator().Evaluate(in)
	if res.Passed || !containsReason(res.Failed, ReasonNoSlotAvailable) {
		t.Errorf("expected no_slot_available, got %v", res.Failed)
	}
}

func TestEvaluateFailsWhenCannotAfford(t *testing.T) {
	t.Parallel()
	in := baseInput()
	in.AvailableBudget = decimal.NewFromFloat(0.001)
	res := testEvaluator().Evaluate(in)
	if res.Passed || !containsReason(res.Failed, ReasonCannotAfford) {
		t.Errorf("expected cannot_afford, got %v", res.Failed)
	}
}

func TestEvaluateAccumulatesAllFailures(t *testing.T) {
	t.Parallel()
	in := baseInput()
	in.Snapshot.Valid = false
	in.Snapshot.SpreadBps = decimal.NewFromInt(999)
	in.OpenPositions = 3
	res := testEvaluator().Evaluate(in)

	if res.Passed {
		t.Fatal("expected failure")
	}
	for _, want := range []Reason{ReasonInvalidTicker, ReasonSpreadTooWide, ReasonNoSlotAvailable} {
		if !containsReason(res.Failed, want) {
			t.Errorf("expected %s among failures, got %v", want, res.Failed)
		}
	}
}

func containsReason(rs []Reason, target Reason) bool {
	for _, r := range rs {
		if r == target {
			return true
		}
	}
	return false
}
