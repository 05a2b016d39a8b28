// Package protection implements the Dynamic Protection Manager: it switches
// the live protective order between take-profit and stop-loss as unrealized
// PnL moves, subject to a per-symbol switch cooldown.
//
// The cooldown map mirrors this lineage's risk-manager kill-switch cooldown
// shape (a map of until-timestamps, cleared lazily on check) — generalized
// from "one global kill switch" to "one switch-cooldown per symbol".
package protection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"spotfsm/internal/config"
)

// OrderOps is the subset of order placement/cancellation the manager needs
// to swap the live protective order.
type OrderOps interface {
	CancelOrder(ctx context.Context, symbol, orderID string) error
	PlaceProtective(ctx context.Context, symbol string, price decimal.Decimal, isStopLoss bool) (orderID string, err error)
}

// Switch describes a completed protection switch for audit purposes.
type Switch struct {
	Symbol   string
	ToSL     bool // true if switched to stop-loss, false if switched to take-profit
	DecisionID string
}

// Manager re-evaluates and switches the active protective order.
type Manager struct {
	cfg config.ProtectionConfig
	ops OrderOps

	mu           sync.Mutex
	cooldownUntil map[string]time.Time
}

// New creates a Dynamic Protection Manager.
func New(cfg config.ProtectionConfig, ops OrderOps) *Manager {
	return &Manager{cfg: cfg, ops: ops, cooldownUntil: make(map[string]time.Time)}
}

// State is the protective-order state for one symbol, passed by reference
// so a successful switch updates it and a failed switch leaves it untouched
// (rollback-on-failure).
type State struct {
	Symbol        string
	EntryPrice    decimal.Decimal
	CurrentPrice  decimal.Decimal
	TPActive      bool
	SLActive      bool
	TPOrderID     string
	SLOrderID     string
}

// Reevaluate checks PnL% against the switch thresholds and, if a switch is
// due and the symbol isn't cooling down, cancels the old protective order
// and places the new one. On any failure the local flags are left
// unchanged, so the previous order remains authoritative.
func (m *Manager) Reevaluate(ctx context.Context, s *State, now time.Time) (*Switch, error) {
	if s.EntryPrice.IsZero() {
		return nil, nil
	}

	m.mu.Lock()
	until, cooling := m.cooldownUntil[s.Symbol]
	if cooling && now.Before(until) {
		m.mu.Unlock()
		return nil, nil
	}
	m.mu.Unlock()

	pnlPct := s.CurrentPrice.Sub(s.EntryPrice).Div(s.EntryPrice)

	lowThreshold := decimal.NewFromFloat(-0.005)
	highThreshold := decimal.NewFromFloat(0.002)

	switch {
	case pnlPct.LessThan(lowThreshold) && s.TPActive && !s.SLActive:
		return m.doSwitch(ctx, s, true, now)
	case pnlPct.GreaterThan(highThreshold) && s.SLActive && !s.TPActive:
		return m.doSwitch(ctx, s, false, now)
	default:
		return nil, nil
	}
}

func (m *Manager) doSwitch(ctx context.Context, s *State, toSL bool, now time.Time) (*Switch, error) {
	var cancelID string
	if toSL {
		cancelID = s.TPOrderID
	} else {
		cancelID = s.SLOrderID
	}

	if cancelID != "" {
		if err := m.ops.CancelOrder(ctx, s.Symbol, cancelID); err != nil {
			return nil, fmt.Errorf("cancel existing protective order: %w", err)
		}
	}

	newPrice := s.CurrentPrice
	newOrderID, err := m.ops.PlaceProtective(ctx, s.Symbol, newPrice, toSL)
	if err != nil {
		return nil, fmt.Errorf("place new protective order: %w", err)
	}

	if toSL {
		s.SLOrderID = newOrderID
		s.SLActive = true
		s.TPActive = false
		s.TPOrderID = ""
	} else {
		s.TPOrderID = newOrderID
		s.TPActive = true
		s.SLActive = false
		s.SLOrderID = ""
	}

	cooldown := m.cfg.SwitchCooldown
	if cooldown <= 0 {
		cooldown = 20 * time.Second
	}
	m.mu.Lock()
	m.cooldownUntil[s.Symbol] = now.Add(cooldown)
	m.mu.Unlock()

	return &Switch{Symbol: s.Symbol, ToSL: toSL, DecisionID: decisionID(s.Symbol, now)}, nil
}

func decisionID(symbol string, now time.Time) string {
	return fmt.Sprintf("%s-%d", symbol, now.UnixNano())
}
