// Package reconciler periodically aligns local intent/position state against
// what the exchange actually reports, so drift from a missed fill
// notification or a crash-restart never silently compounds.
//
// No single file in this lineage implements a reconciliation loop — the
// teacher trusts its own continuous-quoting cycle to stay in sync — so this
// is new logic, written in the teacher's decimal-arithmetic, structured-log,
// result-not-panic idiom and built directly on its Exchange Adapter's
// FetchOpenOrders/FetchBalance/FetchOrder methods.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"spotfsm/internal/audit"
	"spotfsm/pkg/types"
)

// Adapter is the exchange surface the Reconciler needs.
type Adapter interface {
	FetchOpenOrders(ctx context.Context) ([]types.ExchangeOrder, error)
	FetchBalance(ctx context.Context) ([]types.Balance, error)
	FetchOrder(ctx context.Context, symbol, orderID string) (*types.ExchangeOrder, error)
}

// driftTolerance is the absolute base-asset amount by which a local position
// may differ from the exchange-reported balance before drift is logged.
const driftTolerance = "0.0001"

// Report summarizes one reconciliation pass for audit/logging.
type Report struct {
	RunAt              time.Time
	IntentsAdvanced    int
	PositionsCorrected int
	OrphanOrdersAdopted int
	OrphanOrdersClosed  int
}

// IntentStore is the subset of the Order Router the Reconciler advances.
type IntentStore interface {
	FindByClientOrderID(clientOrderID string) (*types.OrderIntent, bool)
	AllNonTerminal() []*types.OrderIntent
	AdvanceFromExchange(order types.ExchangeOrder)
}

// PositionStore is the subset of the Portfolio the Reconciler verifies.
type PositionStore interface {
	GetAllPositions() map[string]types.PositionRecord
	AdoptOrphan(symbol string, amount, avgEntry decimal.Decimal)
	FreeAndReservedQuote() (free, reserved decimal.Decimal)
}

// MidPriceSource supplies a best-effort fill-in price for orphan positions
// adopted with no known entry price.
type MidPriceSource interface {
	Latest(symbol string) (types.Snapshot, bool)
}

// Reconciler runs the periodic local/exchange alignment pass.
type Reconciler struct {
	interval   time.Duration
	adapter    Adapter
	intents    IntentStore
	book       PositionStore
	prices     MidPriceSource
	quoteAsset string
	audit      *audit.Trail
	logger     *slog.Logger
}

// New creates a Reconciler.
func New(interval time.Duration, adapter Adapter, intents IntentStore, book PositionStore, prices MidPriceSource, quoteAsset string, trail *audit.Trail, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Reconciler{
		interval:   interval,
		adapter:    adapter,
		intents:    intents,
		book:       book,
		prices:     prices,
		quoteAsset: quoteAsset,
		audit:      trail,
		logger:     logger.With("component", "reconciler"),
	}
}

// Run blocks, firing Sync on every tick until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if report, err := r.Sync(ctx); err != nil {
				r.logger.Error("reconcile cycle failed", "error", err)
			} else {
				r.logger.Info("reconcile cycle complete", "intents_advanced", report.IntentsAdvanced,
					"positions_corrected", report.PositionsCorrected, "orphans_adopted", report.OrphanOrdersAdopted,
					"orphans_closed", report.OrphanOrdersClosed)
			}
		}
	}
}

// Sync runs one reconciliation pass. Run's single-goroutine ticker loop
// already guarantees cycles never overlap, so Sync needs no internal
// reentrancy guard of its own.
func (r *Reconciler) Sync(ctx context.Context) (Report, error) {
	report := Report{RunAt: time.Now()}

	openOrders, err := r.adapter.FetchOpenOrders(ctx)
	if err != nil {
		return report, fmt.Errorf("fetch open orders: %w", err)
	}
	balances, err := r.adapter.FetchBalance(ctx)
	if err != nil {
		return report, fmt.Errorf("fetch balances: %w", err)
	}

	exchangeOrderByID := make(map[string]types.ExchangeOrder, len(openOrders))
	for _, o := range openOrders {
		exchangeOrderByID[o.OrderID] = o
	}

	r.advanceIntents(ctx, openOrders, exchangeOrderByID, &report)
	r.verifyPositions(balances, &report)
	r.verifyQuoteBalance(balances)
	r.handleOrphans(openOrders, &report)

	if r.audit != nil {
		r.audit.Record(audit.EventReconcile, "", map[string]any{
			"intents_advanced":     report.IntentsAdvanced,
			"positions_corrected":  report.PositionsCorrected,
			"orphans_adopted":      report.OrphanOrdersAdopted,
			"orphans_closed":       report.OrphanOrdersClosed,
		})
	}

	return report, nil
}

// advanceIntents walks every non-terminal local intent that has an exchange
// order id and applies whatever status the exchange now reports. An intent
// no longer among the open-orders list has moved to a terminal state since
// last seen, so its final status is fetched directly.
func (r *Reconciler) advanceIntents(ctx context.Context, openOrders []types.ExchangeOrder, byID map[string]types.ExchangeOrder, report *Report) {
	for _, intent := range r.intents.AllNonTerminal() {
		if intent.ExchangeOrderID == "" {
			continue
		}
		if order, stillOpen := byID[intent.ExchangeOrderID]; stillOpen {
			if order.FilledQty.GreaterThan(intent.FilledQuantity) {
				r.intents.AdvanceFromExchange(order)
				report.IntentsAdvanced++
			}
			continue
		}

		order, err := r.adapter.FetchOrder(ctx, intent.Symbol, intent.ExchangeOrderID)
		if err != nil {
			r.logger.Warn("fetch terminal order status failed", "intent_id", intent.IntentID, "error", err)
			continue
		}
		r.intents.AdvanceFromExchange(*order)
		report.IntentsAdvanced++
	}
}

// verifyPositions compares each local position's amount against the
// exchange-reported free+locked balance for that asset. Drift beyond
// tolerance is logged as a WARNING and counted in PositionsCorrected; the
// local amount is not changed. A zero-amount local position with an
// exchange balance is adopted as an orphan.
func (r *Reconciler) verifyPositions(balances []types.Balance, report *Report) {
	byAsset := make(map[string]types.Balance, len(balances))
	for _, b := range balances {
		byAsset[b.Asset] = b
	}

	tol := decimal.RequireFromString(driftTolerance)

	for symbol, pos := range r.book.GetAllPositions() {
		asset := baseAsset(symbol)
		bal, ok := byAsset[asset]
		if !ok {
			continue
		}
		exchangeTotal := bal.Free.Add(bal.Locked)
		diff := pos.Amount.Sub(exchangeTotal).Abs()
		if pos.Amount.IsZero() {
			if exchangeTotal.GreaterThan(tol) {
				r.logger.Warn("orphan position discovered on exchange with no local record", "symbol", symbol, "balance", exchangeTotal)
				r.book.AdoptOrphan(symbol, exchangeTotal, r.bestEffortEntryPrice(symbol))
				report.PositionsCorrected++
			}
			continue
		}
		if diff.GreaterThan(tol) {
			r.logger.Warn("position drift detected", "symbol", symbol, "local_amount", pos.Amount, "exchange_amount", exchangeTotal)
			report.PositionsCorrected++
		}
	}
}

// verifyQuoteBalance compares the portfolio's believed free+reserved quote
// total against the exchange-reported balance for the configured quote
// asset, logging a WARNING past the drift tolerance.
func (r *Reconciler) verifyQuoteBalance(balances []types.Balance) {
	if r.quoteAsset == "" {
		return
	}
	var exchangeTotal decimal.Decimal
	for _, b := range balances {
		if b.Asset == r.quoteAsset {
			exchangeTotal = b.Free.Add(b.Locked)
			break
		}
	}
	free, reserved := r.book.FreeAndReservedQuote()
	believed := free.Add(reserved)
	if exchangeTotal.IsZero() {
		return
	}
	drift := believed.Sub(exchangeTotal).Div(exchangeTotal).Abs()
	if drift.GreaterThan(decimal.NewFromFloat(0.01)) {
		r.logger.Warn("quote balance drift exceeds threshold", "believed", believed, "exchange", exchangeTotal, "drift_pct", drift)
	}
}

// handleOrphans is a placeholder hook for exchange-open orders with no
// matching local intent; the adopt-vs-close policy is intentionally
// conservative (log only) until a generated-intent-id adoption path exists.
func (r *Reconciler) handleOrphans(openOrders []types.ExchangeOrder, report *Report) {
	for _, o := range openOrders {
		if _, found := r.intents.FindByClientOrderID(o.ClientOrderID); !found {
			r.logger.Warn("exchange order has no matching local intent", "symbol", o.Symbol, "order_id", o.OrderID, "client_order_id", o.ClientOrderID)
		}
	}
}

// bestEffortEntryPrice backfills an orphan position's entry price with the
// current mid, since the original fill price was never observed locally.
func (r *Reconciler) bestEffortEntryPrice(symbol string) decimal.Decimal {
	if r.prices == nil {
		return decimal.Zero
	}
	snap, ok := r.prices.Latest(symbol)
	if !ok {
		return decimal.Zero
	}
	return snap.Mid
}

func baseAsset(symbol string) string {
	for _, quote := range []string{"USDT", "USDC", "BUSD", "USD"} {
		if len(symbol) > len(quote) && symbol[len(symbol)-len(quote):] == quote {
			return symbol[:len(symbol)-len(quote)]
		}
	}
	return symbol
}
