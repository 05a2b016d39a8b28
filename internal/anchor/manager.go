// Package anchor computes the per-symbol reference price the Drop-Signal
// Evaluator measures drops against.
//
// Four modes are supported: session-peak (highest price seen since process
// start), rolling-peak (the Market-Data Service's lookback-window peak),
// hybrid (the max of the two), and persistent (session-peak carried across
// restarts via the same atomic tmp+rename JSON idiom this lineage's position
// store uses). The map-of-reference-prices-per-symbol shape mirrors the risk
// manager's priceAnchors map, generalized from a single rolling anchor used
// for kill-switch detection to four selectable anchor strategies.
package anchor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"spotfsm/pkg/types"
)

// Anchor is the computed reference price for one symbol plus the mode that
// produced it.
type Anchor struct {
	Price decimal.Decimal
	Mode  types.AnchorMode
	SetAt time.Time
}

type persistedAnchor struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	SetAt  time.Time       `json:"set_at"`
}

// Manager tracks one anchor per symbol under a configured mode.
type Manager struct {
	mode         types.AnchorMode
	staleAfter   time.Duration
	maxAbovePct  decimal.Decimal
	persistPath  string // empty disables persistence (non-persistent modes)

	mu      sync.Mutex
	session map[string]Anchor // session-peak, tracked in-process only
}

// New creates an Anchor Manager. persistPath is only read when mode is
// AnchorPersistent; pass "" otherwise.
func New(mode types.AnchorMode, staleAfter time.Duration, maxAbovePct float64, persistPath string) *Manager {
	m := &Manager{
		mode:        mode,
		staleAfter:  staleAfter,
		maxAbovePct: decimal.NewFromFloat(maxAbovePct),
		persistPath: persistPath,
		session:     make(map[string]Anchor),
	}
	if mode == types.AnchorPersistent && persistPath != "" {
		m.loadAll()
	}
	return m
}

// Update folds a new price observation into the symbol's session anchor and
// returns the anchor value to use under the configured mode.
func (m *Manager) Update(symbol string, currentPrice decimal.Decimal, rollingPeak decimal.Decimal, now time.Time) Anchor {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.session[symbol]
	if !ok || currentPrice.GreaterThan(existing.Price) {
		existing = Anchor{Price: currentPrice, Mode: m.mode, SetAt: now}
	}

	if m.mode == types.AnchorPersistent && m.staleAfter > 0 && now.Sub(existing.SetAt) > m.staleAfter {
		existing = Anchor{Price: currentPrice, Mode: m.mode, SetAt: now}
	}

	// Clamp: an anchor must never sit more than maxAbovePct above the
	// current price, or a stale, unreachable peak would block every entry.
	if !m.maxAbovePct.IsZero() && !currentPrice.IsZero() {
		ceiling := currentPrice.Mul(decimal.NewFromInt(1).Add(m.maxAbovePct))
		if existing.Price.GreaterThan(ceiling) {
			existing.Price = ceiling
		}
	}

	m.session[symbol] = existing

	result := existing
	switch m.mode {
	case types.AnchorRollingPeak:
		result = Anchor{Price: rollingPeak, Mode: m.mode, SetAt: now}
	case types.AnchorHybrid:
		if rollingPeak.GreaterThan(existing.Price) {
			result = Anchor{Price: rollingPeak, Mode: m.mode, SetAt: now}
		}
	}

	if m.mode == types.AnchorPersistent {
		m.persist(symbol, existing)
	}

	return result
}

// Reset clears the stored anchor for a symbol, used after a position closes
// so the next entry cycle starts from a fresh reference price.
func (m *Manager) Reset(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.session, symbol)
	if m.mode == types.AnchorPersistent && m.persistPath != "" {
		os.Remove(m.anchorFile(symbol))
	}
}

func (m *Manager) anchorFile(symbol string) string {
	return filepath.Join(m.persistPath, "anchor_"+symbol+".json")
}

func (m *Manager) persist(symbol string, a Anchor) {
	if m.persistPath == "" {
		return
	}
	if err := os.MkdirAll(m.persistPath, 0o755); err != nil {
		return
	}
	data, err := json.Marshal(persistedAnchor{Symbol: symbol, Price: a.Price, SetAt: a.SetAt})
	if err != nil {
		return
	}
	path := m.anchorFile(symbol)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return
	}
	os.Rename(tmp, path)
}

func (m *Manager) loadAll() {
	entries, err := os.ReadDir(m.persistPath)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.persistPath, e.Name()))
		if err != nil {
			continue
		}
		var pa persistedAnchor
		if err := json.Unmarshal(data, &pa); err != nil {
			continue
		}
		m.session[pa.Symbol] = Anchor{Price: pa.Price, Mode: types.AnchorPersistent, SetAt: pa.SetAt}
	}
}
