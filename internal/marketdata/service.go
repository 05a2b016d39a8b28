// Package marketdata polls the exchange for ticker/depth data, maintains a
// rolling peak/trough per symbol, and publishes snapshots on the event bus.
//
// The poll loop follows this lineage's market scanner: an immediate first
// pass on startup, then a ticker-driven cadence, with a non-blocking
// replace-stale-result channel send so a slow consumer never backs up the
// poller. Unlike the scanner, which discovers markets to trade, this service
// tracks a fixed symbol list end to end and is supervised — a panic inside
// one poll cycle is caught and the loop restarts rather than killing the
// process.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"spotfsm/internal/config"
	"spotfsm/internal/eventbus"
	"spotfsm/internal/exchange"
	"spotfsm/pkg/types"
)

const schemaVersion = 1

// Adapter is the subset of the Exchange Adapter the service needs.
type Adapter interface {
	FetchTickers(ctx context.Context, symbols []string) ([]types.Ticker, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBook, error)
}

// SnapshotWriter persists published snapshots for replay and audit. Optional;
// see SetSnapshotWriter.
type SnapshotWriter interface {
	Append(snap types.Snapshot) error
}

// trough/peak bookkeeping for one symbol's rolling lookback window.
type rollingState struct {
	samples []sample
	peak    decimal.Decimal
	trough  decimal.Decimal
}

type sample struct {
	at    time.Time
	price decimal.Decimal
}

// Service polls ticker/depth data for a configured symbol set and publishes
// snapshots on the event bus. Concurrency-safe: Latest may be called from
// any goroutine while Run is polling.
type Service struct {
	cfg    config.MarketDataConfig
	guards config.GuardsConfig
	adapter Adapter
	bus    *eventbus.Bus
	logger *slog.Logger

	mu        sync.RWMutex
	latest    map[string]types.Snapshot
	rolling   map[string]*rollingState
	cycleSeq  int

	ticks <-chan exchange.TickEvent // optional supplemental WS feed, may be nil

	writerMu sync.RWMutex
	writer   SnapshotWriter // optional, set via SetSnapshotWriter
}

// New creates a Market-Data Service. ticks may be nil if no WebSocket
// supplement is configured.
func New(cfg config.Config, adapter Adapter, bus *eventbus.Bus, ticks <-chan exchange.TickEvent, logger *slog.Logger) *Service {
	return &Service{
		cfg:     cfg.MarketData,
		guards:  cfg.Guards,
		adapter: adapter,
		bus:     bus,
		logger:  logger.With("component", "market-data"),
		latest:  make(map[string]types.Snapshot),
		rolling: make(map[string]*rollingState),
		ticks:   ticks,
	}
}

// SetSnapshotWriter wires a persistence sink for published snapshots. Safe to
// call before or after Run starts; nil disables persistence.
func (s *Service) SetSnapshotWriter(w SnapshotWriter) {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	s.writer = w
}

// Latest returns the most recently published snapshot for symbol.
func (s *Service) Latest(symbol string) (types.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.latest[symbol]
	return snap, ok
}

// Run starts the supervised poll loop and, if a WS supplement is configured,
// the tick-consuming goroutine. Blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	if s.ticks != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.consumeTicks(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runSupervised(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

// runSupervised restarts the poll loop on panic, up to MaxAutoRestarts
// times, mirroring the auto-reconnect idiom the WebSocket feed already uses
// for a different kind of failure (disconnects instead of panics).
func (s *Service) runSupervised(ctx context.Context) {
	restarts := 0
	for {
		if err := s.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			restarts++
			s.logger.Error("poll loop crashed, restarting", "error", err, "attempt", restarts)
			if s.cfg.AutoRestartOnCrash && restarts <= s.cfg.MaxAutoRestarts {
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
				continue
			}
			s.logger.Error("poll loop exhausted restart budget, giving up")
			return
		}
		return
	}
}

func (s *Service) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in poll loop: %v", r)
		}
	}()

	s.pollAll(ctx)

	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	heartbeatEvery := 20
	cycle := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.pollAll(ctx)
			cycle++
			if cycle%heartbeatEvery == 0 {
				s.logger.Info("heartbeat", "cycles", cycle, "symbols", len(s.cfg.Symbols))
			}
		}
	}
}

// pollAll fetches tickers for every configured symbol in batches and
// publishes one snapshot event per batch.
func (s *Service) pollAll(ctx context.Context) {
	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 13
	}

	symbols := s.cfg.Symbols
	for start := 0; start < len(symbols); start += batchSize {
		end := start + batchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		s.pollBatch(ctx, symbols[start:end])
	}
}

func (s *Service) pollBatch(ctx context.Context, symbols []string) {
	tickers, err := s.adapter.FetchTickers(ctx, symbols)
	if err != nil {
		s.logger.Warn("fetch tickers failed", "symbols", symbols, "error", err)
		return
	}

	now := time.Now()
	snapshots := make([]types.Snapshot, 0, len(tickers))
	for _, t := range tickers {
		snap := s.buildSnapshot(t, now)
		snapshots = append(snapshots, snap)
	}

	s.mu.Lock()
	fresh := snapshots[:0]
	for i := range snapshots {
		prev, had := s.latest[snapshots[i].Symbol]
		if had && snapshots[i].Timestamp.Sub(prev.Timestamp) < s.cfg.SnapshotMinPeriod {
			// too soon since the last publish for this symbol; skip to honor
			// the minimum inter-snapshot period
			continue
		}
		s.latest[snapshots[i].Symbol] = snapshots[i]
		fresh = append(fresh, snapshots[i])
	}
	s.mu.Unlock()

	if len(fresh) > 0 {
		s.bus.Publish(eventbus.TopicMarketSnapshots, fresh)
		s.persist(fresh)
	}
}

// persist appends each snapshot to the configured writer, if any. Failures
// are logged and otherwise ignored: persistence is best-effort and must
// never back-pressure the poll loop.
func (s *Service) persist(snapshots []types.Snapshot) {
	s.writerMu.RLock()
	w := s.writer
	s.writerMu.RUnlock()
	if w == nil {
		return
	}
	for _, snap := range snapshots {
		if err := w.Append(snap); err != nil {
			s.logger.Warn("failed to persist snapshot", "symbol", snap.Symbol, "error", err)
		}
	}
}

func (s *Service) buildSnapshot(t types.Ticker, now time.Time) types.Snapshot {
	mid := decimal.Zero
	if !t.Bid.IsZero() || !t.Ask.IsZero() {
		mid = t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
	}

	spread := t.Ask.Sub(t.Bid)
	var spreadBps, spreadPct decimal.Decimal
	if !mid.IsZero() {
		spreadPct = spread.Div(mid).Mul(decimal.NewFromInt(100))
		spreadBps = spread.Div(mid).Mul(decimal.NewFromInt(10000))
	}

	rolling := s.updateRolling(t.Symbol, t.Last, now)

	anchor := rolling.peak // default reference until the anchor manager overrides by mode
	var dropPct, risePct decimal.Decimal
	if !anchor.IsZero() {
		dropPct = t.Last.Sub(anchor).Div(anchor).Mul(decimal.NewFromInt(100))
	}
	if !rolling.trough.IsZero() {
		risePct = t.Last.Sub(rolling.trough).Div(rolling.trough).Mul(decimal.NewFromInt(100))
	}

	staleTTL := s.cfg.SnapshotStaleTTL
	if staleTTL <= 0 {
		staleTTL = 5 * time.Second
	}

	return types.Snapshot{
		SchemaVersion:     schemaVersion,
		Symbol:            t.Symbol,
		Timestamp:         now,
		Last:              t.Last,
		Bid:               t.Bid,
		Ask:               t.Ask,
		Mid:               mid,
		SpreadBps:         spreadBps,
		SpreadPct:         spreadPct,
		RollingPeak:       rolling.peak,
		RollingTrough:     rolling.trough,
		DropFromAnchorPct: dropPct,
		RiseFromTroughPct: risePct,
		DataAgeMS:         now.Sub(t.Timestamp).Milliseconds(),
		Stale:             now.Sub(t.Timestamp) > staleTTL,
		Valid:             !t.Last.IsZero() && !t.Bid.IsZero() && !t.Ask.IsZero(),
	}
}

// FetchDepth refreshes bid/ask-side USD depth for symbol and folds it into
// the latest snapshot. Called separately from the ticker poll since depth is
// a heavier request not every consumer needs every cycle.
func (s *Service) FetchDepth(ctx context.Context, symbol string) error {
	book, err := s.adapter.FetchOrderBook(ctx, symbol, 10)
	if err != nil {
		return fmt.Errorf("fetch order book for %s: %w", symbol, err)
	}

	bidUSD := depthUSD(book.Bids)
	askUSD := depthUSD(book.Asks)
	total := bidUSD.Add(askUSD)
	var imbalance decimal.Decimal
	if !total.IsZero() {
		imbalance = bidUSD.Sub(askUSD).Div(total)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.latest[symbol]
	if !ok {
		return nil
	}
	snap.BidDepthUSD = bidUSD
	snap.AskDepthUSD = askUSD
	snap.DepthUSD = total
	snap.DepthImbalance = imbalance
	s.latest[symbol] = snap
	return nil
}

func depthUSD(levels []types.OrderBookLevel) decimal.Decimal {
	total := decimal.Zero
	for _, lvl := range levels {
		total = total.Add(lvl.Price.Mul(lvl.Size))
	}
	return total
}

// updateRolling appends a sample, evicts anything older than the lookback
// window, and recomputes peak/trough. Must be called with s.mu unlocked;
// it takes its own lock since it is also invoked from the WS tick path.
func (s *Service) updateRolling(symbol string, price decimal.Decimal, now time.Time) rollingState {
	if price.IsZero() {
		s.mu.RLock()
		r, ok := s.rolling[symbol]
		s.mu.RUnlock()
		if ok {
			return *r
		}
		return rollingState{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rolling[symbol]
	if !ok {
		r = &rollingState{peak: price, trough: price}
		s.rolling[symbol] = r
	}

	r.samples = append(r.samples, sample{at: now, price: price})

	lookback := 300 * time.Second
	cutoff := now.Add(-lookback)
	kept := r.samples[:0]
	for _, smp := range r.samples {
		if smp.at.After(cutoff) {
			kept = append(kept, smp)
		}
	}
	r.samples = kept

	peak := price
	trough := price
	for _, smp := range r.samples {
		if smp.price.GreaterThan(peak) {
			peak = smp.price
		}
		if smp.price.LessThan(trough) {
			trough = smp.price
		}
	}
	r.peak = peak
	r.trough = trough

	return *r
}

// consumeTicks folds WebSocket ticks into the rolling peak/trough between
// poll cycles without replacing the last full snapshot publish.
func (s *Service) consumeTicks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-s.ticks:
			if !ok {
				return
			}
			price, err := decimal.NewFromString(tick.Price)
			if err != nil {
				continue
			}
			s.updateRolling(tick.Symbol, price, time.Now())
		}
	}
}
