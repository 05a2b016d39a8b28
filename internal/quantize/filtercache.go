package quantize

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"spotfsm/pkg/types"
)

// defaultFilters are used when the exchange omits a field; conservative
// enough to reject obviously-too-small orders rather than submit garbage.
var defaultFilters = types.Filters{
	PriceTick:   decimal.New(1, -2),
	AmountStep:  decimal.New(1, -6),
	MinQty:      decimal.New(1, -6),
	MinNotional: decimal.Zero,
}

// MarketFetcher is the subset of the Exchange Adapter the Filter Cache needs.
type MarketFetcher interface {
	Market(ctx context.Context, symbol string) (*types.Filters, error)
}

// FilterCache fetches exchange filters on first request per symbol and caches
// them forever for the process lifetime, mirroring the read-mostly
// RWMutex-guarded map this lineage's local order-book mirror already uses.
type FilterCache struct {
	mu      sync.RWMutex
	cache   map[string]types.Filters
	fetcher MarketFetcher
}

// New creates a Filter Cache backed by the given market fetcher.
func New(fetcher MarketFetcher) *FilterCache {
	return &FilterCache{
		cache:   make(map[string]types.Filters),
		fetcher: fetcher,
	}
}

// Get returns the cached filters for symbol, fetching and caching them on
// first access. Falls back to conservative defaults if any field is missing.
func (c *FilterCache) Get(ctx context.Context, symbol string) (types.Filters, error) {
	c.mu.RLock()
	f, ok := c.cache[symbol]
	c.mu.RUnlock()
	if ok {
		return f, nil
	}

	fetched, err := c.fetcher.Market(ctx, symbol)
	if err != nil {
		return types.Filters{}, fmt.Errorf("fetch filters for %s: %w", symbol, err)
	}

	f = applyDefaults(symbol, *fetched)

	c.mu.Lock()
	c.cache[symbol] = f
	c.mu.Unlock()

	return f, nil
}

// Peek returns the cached filters without fetching, reporting whether they
// were present.
func (c *FilterCache) Peek(symbol string) (types.Filters, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.cache[symbol]
	return f, ok
}

func applyDefaults(symbol string, f types.Filters) types.Filters {
	out := f
	out.Symbol = symbol
	if out.PriceTick.IsZero() {
		out.PriceTick = defaultFilters.PriceTick
	}
	if out.AmountStep.IsZero() {
		out.AmountStep = defaultFilters.AmountStep
	}
	if out.MinQty.IsZero() {
		out.MinQty = defaultFilters.MinQty
	}
	return out
}
