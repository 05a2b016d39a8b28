package protection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"spotfsm/internal/config"
)

type fakeOps struct {
	cancelErr  error
	placeErr   error
	cancelled  []string
	placed     []bool
}

func (f *fakeOps) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	return f.cancelErr
}

func (f *fakeOps) PlaceProtective(ctx context.Context, symbol string, price decimal.Decimal, isStopLoss bool) (string, error) {
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.placed = append(f.placed, isStopLoss)
	return "new-order-1", nil
}

func testCfg() config.ProtectionConfig {
	return config.ProtectionConfig{SwitchCooldown: time.Minute}
}

func TestReevaluateSwitchesToStopLossOnLoss(t *testing.T) {
	t.Parallel()
	ops := &fakeOps{}
	m := New(testCfg(), ops)

	s := &State{
		Symbol:       "BTCUSDT",
		EntryPrice:   decimal.NewFromInt(100),
		CurrentPrice: decimal.NewFromInt(99), // -1%, below -0.5% threshold
		TPActive:     true,
		TPOrderID:    "tp-1",
	}

	sw, err := m.Reevaluate(context.Background(), s, time.Now())
	if err != nil {
		t.Fatalf("Reevaluate: %v", err)
	}
	if sw == nil || !sw.ToSL {
		t.Fatalf("expected switch to SL, got %+v", sw)
	}
	if !s.SLActive || s.TPActive {
		t.Errorf("flags not updated: SLActive=%v TPActive=%v", s.SLActive, s.TPActive)
	}
	if s.SLOrderID != "new-order-1" {
		t.Errorf("SLOrderID = %q", s.SLOrderID)
	}
}

func TestReevaluateSwitchesToTakeProfitOnGain(t *testing.T) {
	t.Parallel()
	ops := &fakeOps{}
	m := New(testCfg(), ops)

	s := &State{
		Symbol:       "BTCUSDT",
		EntryPrice:   decimal.NewFromInt(100),
		CurrentPrice: decimal.NewFromFloat(100.3), // +0.3%, above +0.2% threshold
		SLActive:     true,
		SLOrderID:    "sl-1",
	}

	sw, err := m.Reevaluate(context.Background(), s, time.Now())
	if err != nil {
		t.Fatalf("Reevaluate: %v", err)
	}
	if sw == nil || sw.ToSL {
		t.Fatalf("expected switch to TP, got %+v", sw)
	}
	if !s.TPActive || s.SLActive {
		t.Error("flags not updated correctly")
	}
}

func TestReevaluateNoOpWithinThresholds(t *testing.T) {
	t.Parallel()
	ops := &fakeOps{}
	m := New(testCfg(), ops)

	s := &State{Symbol: "BTCUSDT", EntryPrice: decimal.NewFromInt(100), CurrentPrice: decimal.NewFromInt(100), TPActive: true}

	sw, err := m.Reevaluate(context.Background(), s, time.Now())
	if err != nil || sw != nil {
		t.Errorf("expected no switch, got %+v / %v", sw, err)
	}
}

func TestReevaluateRollsBackOnPlaceFailure(t *testing.T) {
	t.Parallel()
	ops := &fakeOps{placeErr: errors.New("exchange rejected")}
	m := New(testCfg(), ops)

	s := &State{
		Symbol:       "BTCUSDT",
		EntryPrice:   decimal.NewFromInt(100),
		CurrentPrice: decimal.NewFromInt(99),
		TPActive:     true,
		TPOrderID:    "tp-1",
	}

	_, err := m.Reevaluate(context.Background(), s, time.Now())
	if err == nil {
		t.Fatal("expected error")
	}
	if !s.TPActive || s.SLActive {
		t.Error("expected original flags preserved after failed placement")
	}
}

func TestReevaluateRespectsSwitchCooldown(t *testing.T) {
	t.Parallel()
	ops := &fakeOps{}
	m := New(testCfg(), ops)

	s := &State{Symbol: "BTCUSDT", EntryPrice: decimal.NewFromInt(100), CurrentPrice: decimal.NewFromInt(99), TPActive: true, TPOrderID: "tp-1"}
	now := time.Now()

	first, _ := m.Reevaluate(context.Background(), s, now)
	if first == nil {
		t.Fatal("expected first switch to fire")
	}

	s.CurrentPrice = decimal.NewFromInt(101) // would fire a switch back to TP if not cooling down
	second, _ := m.Reevaluate(context.Background(), s, now.Add(time.Second))
	if second != nil {
		t.Errorf("expected cooldown to suppress switch, got %+v", second)
	}
}
