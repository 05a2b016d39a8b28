package anchor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"spotfsm/pkg/types"
)

func TestSessionPeakTracksMax(t *testing.T) {
	t.Parallel()
	m := New(types.AnchorSessionPeak, 0, 0, "")

	now := time.Now()
	m.Update("BTCUSDT", decimal.NewFromInt(100), decimal.Zero, now)
	m.Update("BTCUSDT", decimal.NewFromInt(90), decimal.Zero, now.Add(time.Second))
	a := m.Update("BTCUSDT", decimal.NewFromInt(95), decimal.Zero, now.Add(2*time.Second))

	if !a.Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("anchor = %v, want 100 (peak retained despite lower intermediate prices)", a.Price)
	}
}

func TestRollingPeakModeUsesRollingValue(t *testing.T) {
	t.Parallel()
	m := New(types.AnchorRollingPeak, 0, 0, "")

	a := m.Update("BTCUSDT", decimal.NewFromInt(100), decimal.NewFromInt(120), time.Now())
	if !a.Price.Equal(decimal.NewFromInt(120)) {
		t.Errorf("anchor = %v, want 120 (rolling peak)", a.Price)
	}
}

func TestHybridModeTakesMax(t *testing.T) {
	t.Parallel()
	m := New(types.AnchorHybrid, 0, 0, "")

	now := time.Now()
	m.Update("BTCUSDT", decimal.NewFromInt(130), decimal.NewFromInt(100), now)
	a := m.Update("BTCUSDT", decimal.NewFromInt(110), decimal.NewFromInt(100), now.Add(time.Second))

	if !a.Price.Equal(decimal.NewFromInt(130)) {
		t.Errorf("anchor = %v, want 130 (session peak exceeds rolling)", a.Price)
	}
}

func TestClampLimitsAnchorAboveCurrentPrice(t *testing.T) {
	t.Parallel()
	m := New(types.AnchorSessionPeak, 0, 0.05, "") // max 5% above current

	now := time.Now()
	m.Update("BTCUSDT", decimal.NewFromInt(200), decimal.Zero, now)
	a := m.Update("BTCUSDT", decimal.NewFromInt(100), decimal.Zero, now.Add(time.Second))

	ceiling := decimal.NewFromInt(100).Mul(decimal.NewFromFloat(1.05))
	if a.Price.GreaterThan(ceiling) {
		t.Errorf("anchor = %v, want clamped to at most %v", a.Price, ceiling)
	}
}

func TestPersistentModeSurvivesReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	m1 := New(types.AnchorPersistent, time.Hour, 0, dir)
	m1.Update("BTCUSDT", decimal.NewFromInt(150), decimal.Zero, time.Now())

	m2 := New(types.AnchorPersistent, time.Hour, 0, dir)
	a, ok := m2.session["BTCUSDT"]
	if !ok {
		t.Fatal("expected anchor to be reloaded from disk")
	}
	if !a.Price.Equal(decimal.NewFromInt(150)) {
		t.Errorf("reloaded anchor = %v, want 150", a.Price)
	}
}

func TestPersistentModeResetsWhenStale(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	m := New(types.AnchorPersistent, time.Minute, 0, dir)

	old := time.Now().Add(-time.Hour)
	m.session["BTCUSDT"] = Anchor{Price: decimal.NewFromInt(500), Mode: types.AnchorPersistent, SetAt: old}

	a := m.Update("BTCUSDT", decimal.NewFromInt(100), decimal.Zero, time.Now())
	if a.Price.Equal(decimal.NewFromInt(500)) {
		t.Error("expected stale anchor to reset instead of persisting indefinitely")
	}
}

func TestResetRemovesAnchor(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	m := New(types.AnchorPersistent, time.Hour, 0, dir)
	m.Update("BTCUSDT", decimal.NewFromInt(150), decimal.Zero, time.Now())

	m.Reset("BTCUSDT")

	if _, ok := m.session["BTCUSDT"]; ok {
		t.Error("expected anchor to be cleared from memory")
	}
	matches, err := filepath.Glob(filepath.Join(dir, "anchor_BTCUSDT.json"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("expected anchor file removed, found %v", matches)
	}
}
