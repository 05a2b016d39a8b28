// Package portfolio is the cash-and-position book: free/reserved quote
// balance, per-symbol positions, and budget reservations for in-flight
// order intents.
//
// Weighted-average entry and realized-PnL-on-reduce follow this lineage's
// per-market Inventory exactly, generalized from two fixed YES/NO legs to an
// arbitrary symbol map. The single-mutex, CPU-only-while-held discipline and
// the debounced tmp+rename persistence are this lineage's position store,
// extended with a debounce timer so a burst of fills doesn't thrash disk.
package portfolio

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spotfsm/pkg/types"
)

const driftWarnPct = 0.01

// persistedState is the on-disk JSON shape.
type persistedState struct {
	FreeQuote     decimal.Decimal                    `json:"free_quote"`
	ReservedQuote decimal.Decimal                     `json:"reserved_quote"`
	Positions     map[string]types.PositionRecord      `json:"positions"`
	Reservations  map[string]types.Reservation         `json:"reservations"`
}

// Portfolio is the single synchronized owner of cash and position state.
type Portfolio struct {
	mu sync.Mutex

	freeQuote     decimal.Decimal
	reservedQuote decimal.Decimal
	positions     map[string]types.PositionRecord
	reservations  map[string]types.Reservation

	path           string
	debounce       time.Duration
	pendingWrite   bool
	writeTimer     *time.Timer
	logger         *slog.Logger
}

// New creates a Portfolio backed by a JSON file at path. If path already
// exists it is loaded; otherwise the portfolio starts empty with the given
// initial free balance.
func New(path string, debounce time.Duration, initialFreeQuote decimal.Decimal, logger *slog.Logger) (*Portfolio, error) {
	p := &Portfolio{
		positions:    make(map[string]types.PositionRecord),
		reservations: make(map[string]types.Reservation),
		path:         path,
		debounce:     debounce,
		logger:       logger.With("component", "portfolio"),
	}

	loaded, err := p.load()
	if err != nil {
		return nil, err
	}
	if !loaded {
		p.freeQuote = initialFreeQuote
	}

	return p, nil
}

// ReserveBudget holds quote balance (buy) or position inventory (sell)
// aside for an in-flight order intent. Returns the reservation id.
func (p *Portfolio) ReserveBudget(symbol string, side types.Side, price, quantity decimal.Decimal) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	notional := price.Mul(quantity)

	if side == types.BUY {
		if notional.GreaterThan(p.freeQuote) {
			return "", fmt.Errorf("insufficient free balance: need %s, have %s", notional, p.freeQuote)
		}
		p.freeQuote = p.freeQuote.Sub(notional)
		p.reservedQuote = p.reservedQuote.Add(notional)
	} else {
		pos, ok := p.positions[symbol]
		if !ok || pos.Amount.LessThan(quantity) {
			return "", fmt.Errorf("insufficient position to sell: need %s", quantity)
		}
	}

	id := uuid.NewString()
	p.reservations[id] = types.Reservation{
		ReservationID: id,
		Symbol:        symbol,
		Side:          side,
		Amount:        quantity,
		CreatedAt:     time.Now(),
		Notional:      notional,
	}

	p.scheduleWrite()
	return id, nil
}

// ReleaseReservation returns reserved funds without applying a fill.
// Idempotent: releasing a missing id is a no-op.
func (p *Portfolio) ReleaseReservation(reservationID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.reservations[reservationID]
	if !ok {
		return nil
	}
	delete(p.reservations, reservationID)

	if r.Side == types.BUY {
		p.reservedQuote = p.reservedQuote.Sub(r.Notional)
		if p.reservedQuote.IsNegative() {
			p.reservedQuote = decimal.Zero
		}
		p.freeQuote = p.freeQuote.Add(r.Notional)
	}

	p.scheduleWrite()
	return nil
}

// ApplyFill mutates the position book for a completed (or partially
// completed) fill: weighted-average entry on buy, realized PnL on sell. The
// associated reservation, if any, is released here since the budget it held
// is now either spent (buy) or freed (sell).
func (p *Portfolio) ApplyFill(fill types.Fill) {
	p.mu.Lock()
	defer p.mu.Unlock()

	notional := fill.Price.Mul(fill.Quantity)

	if fill.Side == types.BUY {
		pos := p.positions[fill.Symbol]
		totalCost := pos.AvgEntry.Mul(pos.Amount).Add(notional)
		pos.Amount = pos.Amount.Add(fill.Quantity)
		if pos.Amount.GreaterThan(decimal.Zero) {
			pos.AvgEntry = totalCost.Div(pos.Amount)
		}
		pos.FeesAccum = pos.FeesAccum.Add(fill.Fee)
		if pos.OpenedAt.IsZero() {
			pos.OpenedAt = fill.Time
		}
		p.positions[fill.Symbol] = pos

		p.reservedQuote = p.reservedQuote.Sub(notional)
		if p.reservedQuote.IsNegative() {
			p.reservedQuote = decimal.Zero
		}
	} else {
		pos, ok := p.positions[fill.Symbol]
		if ok && pos.Amount.GreaterThan(decimal.Zero) {
			sellQty := decimal.Min(fill.Quantity, pos.Amount)
			pos.RealizedPnL = pos.RealizedPnL.Add(fill.Price.Sub(pos.AvgEntry).Mul(sellQty))
			pos.Amount = pos.Amount.Sub(fill.Quantity)
			if pos.Amount.LessThanOrEqual(decimal.Zero) {
				pos.Amount = decimal.Zero
				pos.AvgEntry = decimal.Zero
			}
			pos.FeesAccum = pos.FeesAccum.Add(fill.Fee)
			p.positions[fill.Symbol] = pos
		}
		p.freeQuote = p.freeQuote.Add(notional).Sub(fill.Fee)
	}

	if fill.ReservationID != "" {
		delete(p.reservations, fill.ReservationID)
	}

	p.scheduleWrite()
}

// SetBudget overwrites the free quote balance (e.g. after an external
// deposit). Adjustments are audited by the caller via the event bus.
func (p *Portfolio) SetBudget(free decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freeQuote = free
	p.scheduleWrite()
}

// AdjustBudget adds (positive) or removes (negative) delta from the free
// quote balance.
func (p *Portfolio) AdjustBudget(delta decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freeQuote = p.freeQuote.Add(delta)
	p.scheduleWrite()
}

// AvailableBudget returns the free quote balance usable for new entries.
func (p *Portfolio) AvailableBudget() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeQuote
}

// FreeAndReservedQuote returns the current free and reserved quote balances,
// for drift checks against an externally verified total.
func (p *Portfolio) FreeAndReservedQuote() (free, reserved decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeQuote, p.reservedQuote
}

// AdoptOrphan records a position the exchange reports but that has no local
// history, as discovered by the Reconciler. The average entry price is
// best-effort (the caller typically passes the current mid price).
func (p *Portfolio) AdoptOrphan(symbol string, amount, avgEntry decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[symbol] = types.PositionRecord{
		Symbol:   symbol,
		Amount:   amount,
		AvgEntry: avgEntry,
		OpenedAt: time.Now(),
	}
	p.scheduleWrite()
}

// GetAllPositions returns an immutable snapshot of every tracked position.
func (p *Portfolio) GetAllPositions() map[string]types.PositionRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]types.PositionRecord, len(p.positions))
	for k, v := range p.positions {
		out[k] = v
	}
	return out
}

// OpenPositionCount returns the number of symbols with a non-zero position.
func (p *Portfolio) OpenPositionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, pos := range p.positions {
		if pos.Amount.GreaterThan(decimal.Zero) {
			n++
		}
	}
	return n
}

// CleanupStaleReservations releases any reservation older than maxAge,
// returning reserved quote back to free balance for BUY-side reservations.
func (p *Portfolio) CleanupStaleReservations(maxAge time.Duration, now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	for id, r := range p.reservations {
		if now.Sub(r.CreatedAt) > maxAge {
			if r.Side == types.BUY {
				p.reservedQuote = p.reservedQuote.Sub(r.Notional)
				if p.reservedQuote.IsNegative() {
					p.reservedQuote = decimal.Zero
				}
				p.freeQuote = p.freeQuote.Add(r.Notional)
			}
			delete(p.reservations, id)
			evicted++
		}
	}
	if evicted > 0 {
		p.scheduleWrite()
	}
	return evicted
}

// CheckDrift compares the portfolio's believed total (free + reserved +
// position notional) against an externally verified balance, logging a
// WARNING when the relative drift exceeds 1%.
func (p *Portfolio) CheckDrift(externalTotal decimal.Decimal, markPrice map[string]decimal.Decimal) {
	p.mu.Lock()
	believed := p.freeQuote.Add(p.reservedQuote)
	for symbol, pos := range p.positions {
		if price, ok := markPrice[symbol]; ok {
			believed = believed.Add(pos.Amount.Mul(price))
		}
	}
	p.mu.Unlock()

	if externalTotal.IsZero() {
		return
	}
	drift := believed.Sub(externalTotal).Div(externalTotal).Abs()
	if drift.GreaterThan(decimal.NewFromFloat(driftWarnPct)) {
		p.logger.Warn("portfolio balance drift exceeds threshold", "believed", believed, "external", externalTotal, "drift_pct", drift)
	}
}

func (p *Portfolio) scheduleWrite() {
	p.pendingWrite = true
	if p.writeTimer != nil {
		return
	}
	debounce := p.debounce
	if debounce <= 0 {
		debounce = time.Second
	}
	p.writeTimer = time.AfterFunc(debounce, func() {
		p.mu.Lock()
		p.writeTimer = nil
		needsWrite := p.pendingWrite
		p.pendingWrite = false
		p.mu.Unlock()
		if needsWrite {
			if err := p.Flush(); err != nil {
				p.logger.Error("persist portfolio failed", "error", err)
			}
		}
	})
}

// Flush synchronously writes the current state to disk, bypassing the
// debounce timer. Called on shutdown.
func (p *Portfolio) Flush() error {
	p.mu.Lock()
	state := persistedState{
		FreeQuote:     p.freeQuote,
		ReservedQuote: p.reservedQuote,
		Positions:     cloneCopyPositions(p.positions),
		Reservations:  cloneCopyReservations(p.reservations),
	}
	p.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal portfolio: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create portfolio dir: %w", err)
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write portfolio: %w", err)
	}
	return os.Rename(tmp, p.path)
}

// load reads state from disk if present. Returns (loaded=false, nil) if the
// file doesn't exist yet.
func (p *Portfolio) load() (bool, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read portfolio: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return false, fmt.Errorf("unmarshal portfolio: %w", err)
	}

	p.freeQuote = state.FreeQuote
	p.reservedQuote = state.ReservedQuote
	if state.Positions != nil {
		p.positions = state.Positions
	}
	if state.Reservations != nil {
		p.reservations = state.Reservations
	}
	return true, nil
}

func cloneCopyPositions(m map[string]types.PositionRecord) map[string]types.PositionRecord {
	out := make(map[string]types.PositionRecord, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneCopyReservations(m map[string]types.Reservation) map[string]types.Reservation {
	out := make(map[string]types.Reservation, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
