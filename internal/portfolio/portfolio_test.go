package portfolio

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"spotfsm/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestPortfolio(t *testing.T, initial decimal.Decimal) *Portfolio {
	t.Helper()
	path := filepath.Join(t.TempDir(), "portfolio.json")
	p, err := New(path, 10*time.Millisecond, initial, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestReserveBudgetDeductsFreeBalance(t *testing.T) {
	t.Parallel()
	p := newTestPortfolio(t, decimal.NewFromInt(1000))

	id, err := p.ReserveBudget("BTCUSDT", types.BUY, decimal.NewFromInt(100), decimal.NewFromInt(2))
	if err != nil {
		t.Fatalf("ReserveBudget: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty reservation id")
	}
	if got := p.AvailableBudget(); !got.Equal(decimal.NewFromInt(800)) {
		t.Errorf("AvailableBudget = %s, want 800", got)
	}
}

func TestReserveBudgetRejectsInsufficientFunds(t *testing.T) {
	t.Parallel()
	p := newTestPortfolio(t, decimal.NewFromInt(100))

	_, err := p.ReserveBudget("BTCUSDT", types.BUY, decimal.NewFromInt(100), decimal.NewFromInt(5))
	if err == nil {
		t.Fatal("expected insufficient-funds error")
	}
}

func TestReserveBudgetRejectsInsufficientPosition(t *testing.T) {
	t.Parallel()
	p := newTestPortfolio(t, decimal.NewFromInt(1000))

	_, err := p.ReserveBudget("BTCUSDT", types.SELL, decimal.NewFromInt(100), decimal.NewFromInt(1))
	if err == nil {
		t.Fatal("expected insufficient-position error when no position exists")
	}
}

func TestReleaseReservationReturnsFunds(t *testing.T) {
	t.Parallel()
	p := newTestPortfolio(t, decimal.NewFromInt(1000))

	id, err := p.ReserveBudget("BTCUSDT", types.BUY, decimal.NewFromInt(100), decimal.NewFromInt(2))
	if err != nil {
		t.Fatalf("ReserveBudget: %v", err)
	}
	if err := p.ReleaseReservation(id); err != nil {
		t.Fatalf("ReleaseReservation: %v", err)
	}
	if got := p.AvailableBudget(); !got.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("AvailableBudget after release = %s, want 1000", got)
	}
}

func TestReleaseReservationIsIdempotentOnMissingID(t *testing.T) {
	t.Parallel()
	p := newTestPortfolio(t, decimal.NewFromInt(1000))

	if err := p.ReleaseReservation("does-not-exist"); err != nil {
		t.Fatalf("expected no error releasing unknown id, got %v", err)
	}
}

func TestApplyFillBuyUsesWeightedAverageEntry(t *testing.T) {
	t.Parallel()
	p := newTestPortfolio(t, decimal.NewFromInt(10000))

	p.ApplyFill(types.Fill{Symbol: "BTCUSDT", Side: types.BUY, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(2), Time: time.Now()})
	p.ApplyFill(types.Fill{Symbol: "BTCUSDT", Side: types.BUY, Price: decimal.NewFromInt(200), Quantity: decimal.NewFromInt(2), Time: time.Now()})

	pos := p.GetAllPositions()["BTCUSDT"]
	wantAvg := decimal.NewFromInt(150) // (100*2 + 200*2) / 4
	if !pos.AvgEntry.Equal(wantAvg) {
		t.Errorf("AvgEntry = %s, want %s", pos.AvgEntry, wantAvg)
	}
	if !pos.Amount.Equal(decimal.NewFromInt(4)) {
		t.Errorf("Amount = %s, want 4", pos.Amount)
	}
}

func TestApplyFillSellRealizesPnL(t *testing.T) {
	t.Parallel()
	p := newTestPortfolio(t, decimal.NewFromInt(10000))

	p.ApplyFill(types.Fill{Symbol: "BTCUSDT", Side: types.BUY, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(2), Time: time.Now()})
	p.ApplyFill(types.Fill{Symbol: "BTCUSDT", Side: types.SELL, Price: decimal.NewFromInt(120), Quantity: decimal.NewFromInt(2), Time: time.Now()})

	pos := p.GetAllPositions()["BTCUSDT"]
	if !pos.RealizedPnL.Equal(decimal.NewFromInt(40)) { // (120-100)*2
		t.Errorf("RealizedPnL = %s, want 40", pos.RealizedPnL)
	}
	if !pos.Amount.IsZero() {
		t.Errorf("Amount after full exit = %s, want 0", pos.Amount)
	}
}

func TestApplyFillReleasesAssociatedReservation(t *testing.T) {
	t.Parallel()
	p := newTestPortfolio(t, decimal.NewFromInt(1000))

	id, err := p.ReserveBudget("BTCUSDT", types.BUY, decimal.NewFromInt(100), decimal.NewFromInt(2))
	if err != nil {
		t.Fatalf("ReserveBudget: %v", err)
	}

	p.ApplyFill(types.Fill{ReservationID: id, Symbol: "BTCUSDT", Side: types.BUY, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(2), Time: time.Now()})

	if _, ok := p.reservations[id]; ok {
		t.Error("expected reservation to be cleared after fill applied")
	}
}

func TestCleanupStaleReservationsEvictsOldOnes(t *testing.T) {
	t.Parallel()
	p := newTestPortfolio(t, decimal.NewFromInt(1000))

	id, err := p.ReserveBudget("BTCUSDT", types.BUY, decimal.NewFromInt(100), decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("ReserveBudget: %v", err)
	}
	p.mu.Lock()
	r := p.reservations[id]
	r.CreatedAt = time.Now().Add(-time.Hour)
	p.reservations[id] = r
	p.mu.Unlock()

	evicted := p.CleanupStaleReservations(time.Minute, time.Now())
	if evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
}

func TestFlushAndReloadPreservesState(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "portfolio.json")
	p, err := New(path, time.Minute, decimal.NewFromInt(1000), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.ApplyFill(types.Fill{Symbol: "BTCUSDT", Side: types.BUY, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1), Time: time.Now()})
	if err := p.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	p2, err := New(path, time.Minute, decimal.Zero, testLogger())
	if err != nil {
		t.Fatalf("reload New: %v", err)
	}
	pos := p2.GetAllPositions()["BTCUSDT"]
	if !pos.Amount.Equal(decimal.NewFromInt(1)) {
		t.Errorf("reloaded Amount = %s, want 1", pos.Amount)
	}
}

func TestOpenPositionCountCountsOnlyNonZero(t *testing.T) {
	t.Parallel()
	p := newTestPortfolio(t, decimal.NewFromInt(10000))

	p.ApplyFill(types.Fill{Symbol: "BTCUSDT", Side: types.BUY, Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1), Time: time.Now()})
	p.ApplyFill(types.Fill{Symbol: "ETHUSDT", Side: types.BUY, Price: decimal.NewFromInt(50), Quantity: decimal.NewFromInt(1), Time: time.Now()})
	p.ApplyFill(types.Fill{Symbol: "ETHUSDT", Side: types.SELL, Price: decimal.NewFromInt(55), Quantity: decimal.NewFromInt(1), Time: time.Now()})

	if got := p.OpenPositionCount(); got != 1 {
		t.Errorf("OpenPositionCount = %d, want 1", got)
	}
}
