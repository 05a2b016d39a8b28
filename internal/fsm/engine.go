// Package fsm owns the per-symbol state map and runs the main trading loop:
// one goroutine per tradable symbol, each running an explicit 12-phase
// dispatch instead of a continuous quote-update ticker.
//
// This generalizes this lineage's Engine — which runs one continuous-quoting
// goroutine per market slot (internal/engine/engine.go) — from "one
// Avellaneda-Stoikov quoting loop per market" to "one phase-dispatch loop per
// symbol." The slot map, mutex-guarded registration, WaitGroup-joined
// goroutines, context-cancellation shutdown, and non-blocking channel
// dispatch are all kept; only what runs inside each slot's goroutine changes.
package fsm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"spotfsm/internal/anchor"
	"spotfsm/internal/audit"
	"spotfsm/internal/config"
	"spotfsm/internal/eventbus"
	"spotfsm/internal/exitengine"
	"spotfsm/internal/guards"
	"spotfsm/internal/marketdata"
	"spotfsm/internal/portfolio"
	"spotfsm/internal/protection"
	"spotfsm/internal/quantize"
	"spotfsm/internal/reconciler"
	"spotfsm/internal/router"
	"spotfsm/internal/signal"
	"spotfsm/internal/waitfill"
	"spotfsm/pkg/types"
)

// cycleInterval is how often the main loop re-dispatches every symbol's
// current phase handler.
const cycleInterval = 500 * time.Millisecond

// activeScanEveryNCycles is how often the active-scanner contract runs: a
// periodic sweep that forces IDLE symbols into ENTRY_EVAL on a drop signal,
// since a purely event-driven design otherwise stalls. Symbols in WARMUP or
// COOLDOWN are not swept.
const activeScanEveryNCycles = 6 // ~3s at a 500ms cycle

// exitEvalEveryNCycles throttles how often POSITION re-checks exit rules.
const exitEvalEveryNCycles = 2

// defaultHousekeepingInterval is used when router.cleanup_interval is unset.
const defaultHousekeepingInterval = time.Hour

// symbolState is the mutable per-symbol FSM state. Owned exclusively by that
// symbol's goroutine; never touched concurrently by another goroutine.
type symbolState struct {
	Symbol        string
	Phase         types.Phase
	CooldownUntil time.Time
	CycleCount    int64

	BuyIntentID  string
	SellIntentID string

	Position       exitengine.Position
	Quantity       decimal.Decimal // filled base-asset quantity currently held
	Protection     protection.State
	BuyReservation string

	// ExitRequeueUntil defers the next exit evaluation when a low-liquidity
	// block schedules a requeue; zero means no deferral is pending.
	ExitRequeueUntil time.Time

	ErrorRetries int
	ErrorBackoff time.Duration
	ErrorSince   time.Time

	LastSnapshot types.Snapshot
}

// Engine owns the per-symbol state map and dispatches phase handlers.
type Engine struct {
	cfg config.Config

	md         *marketdata.Service
	anchors    *anchor.Manager
	dropEval   *signal.Evaluator
	guardEval  *guards.Evaluator
	filters    *quantize.FilterCache
	orderRtr   *router.Router
	waitFill   *waitfill.Service
	exitEng    *exitengine.Engine
	protectMgr *protection.Manager
	book       *portfolio.Portfolio
	recon      *reconciler.Reconciler
	bus        *eventbus.Bus
	audit      *audit.Trail
	logger     *slog.Logger

	mu    sync.RWMutex
	slots map[string]*symbolState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps bundles every component the FSM Engine wires together.
type Deps struct {
	MarketData *marketdata.Service
	Anchors    *anchor.Manager
	DropEval   *signal.Evaluator
	GuardEval  *guards.Evaluator
	Filters    *quantize.FilterCache
	Router     *router.Router
	WaitFill   *waitfill.Service
	ExitEngine *exitengine.Engine
	Protection *protection.Manager
	Portfolio  *portfolio.Portfolio
	Reconciler *reconciler.Reconciler
	Bus        *eventbus.Bus
	Audit      *audit.Trail
}

// New creates the FSM Engine for the configured symbol set, each starting in
// WARMUP.
func New(cfg config.Config, deps Deps, logger *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		md:         deps.MarketData,
		anchors:    deps.Anchors,
		dropEval:   deps.DropEval,
		guardEval:  deps.GuardEval,
		filters:    deps.Filters,
		orderRtr:   deps.Router,
		waitFill:   deps.WaitFill,
		exitEng:    deps.ExitEngine,
		protectMgr: deps.Protection,
		book:       deps.Portfolio,
		recon:      deps.Reconciler,
		bus:        deps.Bus,
		audit:      deps.Audit,
		logger:     logger.With("component", "fsm-engine"),
		slots:      make(map[string]*symbolState),
		ctx:        ctx,
		cancel:     cancel,
	}

	for _, symbol := range cfg.MarketData.Symbols {
		e.slots[symbol] = &symbolState{Symbol: symbol, Phase: types.PhaseWarmup}
	}

	return e
}

// Start launches the Market-Data Service, the Reconciler, and one dispatch
// goroutine per symbol.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.md.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("market-data service exited", "error", err)
		}
	}()

	if e.recon != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.recon.Run(e.ctx)
		}()
	}

	e.mu.RLock()
	symbols := make([]string, 0, len(e.slots))
	for s := range e.slots {
		symbols = append(symbols, s)
	}
	e.mu.RUnlock()

	for _, symbol := range symbols {
		e.wg.Add(1)
		go func(symbol string) {
			defer e.wg.Done()
			e.runSymbol(symbol)
		}(symbol)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runHousekeeping()
	}()
}

// runHousekeeping is the fourth supervised thread: it periodically evicts
// stale terminal order intents from the Order Router and stale budget
// reservations from the Portfolio, so neither grows unbounded across a long
// run.
func (e *Engine) runHousekeeping() {
	interval := e.cfg.Router.CleanupInterval
	if interval <= 0 {
		interval = defaultHousekeepingInterval
	}
	maxAge := e.cfg.Router.IntentStaleThreshold
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if e.orderRtr != nil {
				if n := e.orderRtr.Cleanup(now); n > 0 {
					e.logger.Info("housekeeping evicted stale intents", "count", n)
				}
			}
			if e.book != nil {
				if n := e.book.CleanupStaleReservations(maxAge, now); n > 0 {
					e.logger.Info("housekeeping evicted stale reservations", "count", n)
				}
			}
		}
	}
}

// Stop cancels every goroutine, waits for them to join, and forces a final
// synchronous Portfolio flush.
func (e *Engine) Stop() {
	e.logger.Info("shutting down fsm engine")
	e.cancel()
	e.wg.Wait()
	if e.book != nil {
		if err := e.book.Flush(); err != nil {
			e.logger.Error("final portfolio flush failed", "error", err)
		}
	}
	e.logger.Info("fsm engine shutdown complete")
}

// runSymbol is the per-symbol dispatch loop: on every tick it re-evaluates
// the symbol's current phase exactly once. Phase transitions are therefore
// always serialized within one symbol, matching the Portfolio's single-owner
// discipline at the slot level.
func (e *Engine) runSymbol(symbol string) {
	ticker := time.NewTicker(cycleInterval)
	defer ticker.Stop()

	e.mu.RLock()
	state := e.slots[symbol]
	e.mu.RUnlock()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			state.CycleCount++
			e.dispatch(state)
		}
	}
}

// dispatch routes to the handler for the symbol's current phase. Any
// recovered panic is treated as an unrecoverable exception, per the error
// taxonomy: it routes the symbol to ERROR rather than crashing the process.
func (e *Engine) dispatch(s *symbolState) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("unhandled exception in phase handler", "symbol", s.Symbol, "phase", s.Phase, "panic", r)
			e.toError(s, "ERROR_OCCURRED")
		}
	}()

	switch s.Phase {
	case types.PhaseWarmup:
		e.handleWarmup(s)
	case types.PhaseIdle:
		e.handleIdle(s)
	case types.PhaseEntryEval:
		e.handleEntryEval(s)
	case types.PhasePlaceBuy:
		e.handlePlaceBuy(s)
	case types.PhaseWaitFill:
		e.handleWaitFill(s)
	case types.PhasePosition:
		e.handlePosition(s)
	case types.PhaseExitEval:
		e.handleExitEval(s)
	case types.PhasePlaceSell:
		e.handlePlaceSell(s)
	case types.PhaseWaitSellFill:
		e.handleWaitSellFill(s)
	case types.PhasePostTrade:
		e.handlePostTrade(s)
	case types.PhaseCooldown:
		e.handleCooldown(s)
	case types.PhaseError:
		e.handleError(s)
	}
}

func (e *Engine) transition(s *symbolState, to types.Phase) {
	from := s.Phase
	s.Phase = to
	if e.audit != nil {
		e.audit.Record(audit.EventPhaseTransition, s.Symbol, map[string]any{"from": from, "to": to})
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.TopicPhaseTransition, map[string]any{"symbol": s.Symbol, "from": from, "to": to})
	}
}

func (e *Engine) toError(s *symbolState, reason string) {
	s.ErrorRetries = 0
	s.ErrorBackoff = 10 * time.Second
	s.ErrorSince = time.Now()
	if e.audit != nil {
		e.audit.Record(audit.EventPhaseTransition, s.Symbol, map[string]any{"from": s.Phase, "to": types.PhaseError, "reason": reason})
	}
	s.Phase = types.PhaseError
}

// handleWarmup initializes the symbol's anchor and transitions straight to
// IDLE; no historical backfill is implemented in this core.
func (e *Engine) handleWarmup(s *symbolState) {
	snap, ok := e.md.Latest(s.Symbol)
	if ok {
		e.anchors.Update(s.Symbol, snap.Last, snap.RollingPeak, time.Now())
	}
	e.transition(s, types.PhaseIdle)
}

// handleIdle checks whether this symbol is eligible for a new entry. The
// active-scanner contract (periodic forced re-check) lives here too: every
// activeScanEveryNCycles ticks, an IDLE symbol is swept for a drop signal
// even with no other external trigger. WARMUP and COOLDOWN symbols are not
// swept.
func (e *Engine) handleIdle(s *symbolState) {
	if time.Now().Before(s.CooldownUntil) {
		return
	}
	if e.book.OpenPositionCount() >= e.cfg.Trading.MaxConcurrentPositions {
		return
	}
	if s.CycleCount%activeScanEveryNCycles != 0 {
		return
	}
	if e.slotAvailable(s) {
		e.transition(s, types.PhaseEntryEval)
	}
}

// slotAvailable reports whether the current snapshot shows a drop signal
// worth evaluating further.
func (e *Engine) slotAvailable(s *symbolState) bool {
	snap, ok := e.md.Latest(s.Symbol)
	if !ok || snap.Stale || !snap.Valid {
		return false
	}
	anc := e.anchors.Update(s.Symbol, snap.Last, snap.RollingPeak, time.Now())
	eval := e.dropEval.Evaluate(snap, anc.Price, anc.Mode)
	return eval.Triggered
}

// handleEntryEval runs the Market Guards and Drop Evaluator; a guard block
// sets the entry cooldown and returns the symbol to IDLE without error.
func (e *Engine) handleEntryEval(s *symbolState) {
	snap, ok := e.md.Latest(s.Symbol)
	if !ok || snap.Stale || !snap.Valid {
		e.blockEntry(s)
		return
	}

	filters, err := e.filters.Get(e.ctx, s.Symbol)
	if err != nil {
		e.logger.Warn("fetch filters failed during entry eval", "symbol", s.Symbol, "error", err)
		e.blockEntry(s)
		return
	}

	budget := e.book.AvailableBudget()
	result := e.guardEval.Evaluate(guards.Input{
		Snapshot:        snap,
		CooldownUntil:   s.CooldownUntil,
		Now:             time.Now(),
		OpenPositions:   e.book.OpenPositionCount(),
		AvailableBudget: budget,
		Filters:         filters,
	})
	if !result.Passed {
		if e.audit != nil {
			e.audit.Record(audit.EventGuardBlocked, s.Symbol, map[string]any{"reasons": result.Failed})
		}
		if e.bus != nil {
			e.bus.Publish(eventbus.TopicGuardBlocked, map[string]any{"symbol": s.Symbol, "reasons": result.Failed})
		}
		e.blockEntry(s)
		return
	}

	anc := e.anchors.Update(s.Symbol, snap.Last, snap.RollingPeak, time.Now())
	eval := e.dropEval.Evaluate(snap, anc.Price, anc.Mode)
	if !eval.Triggered {
		e.transition(s, types.PhaseIdle)
		return
	}

	e.transition(s, types.PhasePlaceBuy)
}

func (e *Engine) blockEntry(s *symbolState) {
	cooldown := e.cfg.Trading.EntryBlockCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	s.CooldownUntil = time.Now().Add(cooldown)
	e.transition(s, types.PhaseIdle)
}

// handlePlaceBuy sizes the position from budget and submits via the Order
// Router. A clean abort (affordability/compliance failure) routes to IDLE,
// never ERROR.
func (e *Engine) handlePlaceBuy(s *symbolState) {
	snap, ok := e.md.Latest(s.Symbol)
	if !ok {
		e.buyAborted(s)
		return
	}

	sizeQuote := decimal.NewFromFloat(e.cfg.Trading.PositionSizeQuote)
	if snap.Ask.IsZero() {
		e.buyAborted(s)
		return
	}
	rawQuantity := sizeQuote.Div(snap.Ask)

	intentID := s.Symbol + "-buy-" + time.Now().Format("20060102T150405.000000000")
	intent, err := e.orderRtr.Submit(e.ctx, intentID, types.BUY, s.Symbol, snap.Ask, rawQuantity)
	if err != nil {
		e.logger.Error("buy submission error", "symbol", s.Symbol, "error", err)
		e.toError(s, "ERROR_OCCURRED")
		return
	}
	if intent.Status == types.IntentFailed {
		e.buyAborted(s)
		return
	}

	s.BuyIntentID = intent.IntentID
	s.BuyReservation = intent.ReservationID
	e.transition(s, types.PhaseWaitFill)
}

func (e *Engine) buyAborted(s *symbolState) {
	if e.bus != nil {
		e.bus.Publish(eventbus.TopicOrderFailed, map[string]any{"symbol": s.Symbol, "event": "BUY_ABORTED"})
	}
	e.blockEntry(s)
}

// handleWaitFill polls via the Wait-Fill Service. On FILLED it seeds the
// position record (entry price, TP/SL levels) and moves to POSITION.
func (e *Engine) handleWaitFill(s *symbolState) {
	intent, ok := e.orderRtr.Get(s.BuyIntentID)
	if !ok || intent.ExchangeOrderID == "" {
		e.buyAborted(s)
		return
	}

	outcome, err := e.waitFill.Wait(e.ctx, s.Symbol, intent.ExchangeOrderID)
	if err != nil {
		e.logger.Warn("wait-fill aborted", "symbol", s.Symbol, "error", err)
		e.buyAborted(s)
		return
	}
	if outcome.Order == nil || outcome.Order.FilledQty.IsZero() {
		e.buyAborted(s)
		return
	}

	fillPrice := outcome.Order.AvgPrice
	if fillPrice.IsZero() {
		fillPrice = outcome.Order.Price
	}
	e.book.ApplyFill(types.Fill{
		ReservationID: s.BuyReservation,
		Symbol:        s.Symbol,
		Side:          types.BUY,
		Price:         fillPrice,
		Quantity:      outcome.Order.FilledQty,
		Time:          time.Now(),
	})

	s.Quantity = outcome.Order.FilledQty

	tpPct := decimal.NewFromFloat(e.cfg.Protection.TakeProfitPct)
	slPct := decimal.NewFromFloat(e.cfg.Protection.StopLossPct)

	s.Position = exitengine.Position{
		EntryPrice:     fillPrice,
		CurrentPrice:   fillPrice,
		PeakSinceEntry: fillPrice,
		TPActive:       true,
		SLActive:       true,
		TPPrice:        fillPrice.Mul(decimal.NewFromInt(1).Add(tpPct)),
		SLPrice:        fillPrice.Mul(decimal.NewFromInt(1).Sub(slPct)),
		OpenedAt:       time.Now(),
	}
	s.Protection = protection.State{
		Symbol:       s.Symbol,
		EntryPrice:   fillPrice,
		CurrentPrice: fillPrice,
		TPActive:     true,
	}

	e.transition(s, types.PhasePosition)
}

// handlePosition refreshes current price/peak, runs the Dynamic Protection
// Manager every cycle, and periodically forces an exit evaluation.
func (e *Engine) handlePosition(s *symbolState) {
	snap, ok := e.md.Latest(s.Symbol)
	if ok {
		s.Position.CurrentPrice = snap.Last
		s.Protection.CurrentPrice = snap.Last
	}

	sw, err := e.protectMgr.Reevaluate(e.ctx, &s.Protection, time.Now())
	if err != nil {
		e.logger.Warn("protection reevaluation failed", "symbol", s.Symbol, "error", err)
	} else if sw != nil {
		s.Position.TPActive = s.Protection.TPActive
		s.Position.SLActive = s.Protection.SLActive
		if e.audit != nil {
			e.audit.Record(audit.EventProtectionSwitch, s.Symbol, map[string]any{"to_sl": sw.ToSL, "decision_id": sw.DecisionID})
		}
		if e.bus != nil {
			e.bus.Publish(eventbus.TopicProtectionSwitch, sw)
		}
	}

	if s.CycleCount%exitEvalEveryNCycles == 0 && time.Now().After(s.ExitRequeueUntil) {
		e.transition(s, types.PhaseExitEval)
	}
}

// exitSignalEventName maps an internal exit rule tag to the external event
// name exit signals must carry: EXIT_SIGNAL_SL / EXIT_SIGNAL_TP /
// EXIT_SIGNAL_TRAILING, never the raw *_HIT-style internal tag.
func exitSignalEventName(rule types.ExitRule) string {
	switch rule {
	case types.ExitHardSL:
		return "EXIT_SIGNAL_SL"
	case types.ExitHardTP:
		return "EXIT_SIGNAL_TP"
	case types.ExitTrailing:
		return "EXIT_SIGNAL_TRAILING"
	default:
		return "EXIT_SIGNAL_TIME"
	}
}

// handleExitEval asks the Exit Engine for the highest-priority triggered
// rule; absent one it returns to POSITION. A triggered rule still passes
// through the low-liquidity gate before an order is placed.
func (e *Engine) handleExitEval(s *symbolState) {
	decision := e.exitEng.Evaluate(&s.Position, time.Now())
	if decision == nil {
		e.transition(s, types.PhasePosition)
		return
	}

	eventName := exitSignalEventName(decision.Rule)

	snap, ok := e.md.Latest(s.Symbol)
	if ok && e.checkExitLiquidity(s, snap) {
		return
	}

	if e.audit != nil {
		e.audit.Record(audit.EventExitDecision, s.Symbol, map[string]any{
			"event":    eventName,
			"rule":     decision.Rule,
			"price":    decision.Price,
			"reason":   decision.Reason,
			"priority": decision.Priority,
		})
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.TopicExitDecision, map[string]any{
			"symbol":   s.Symbol,
			"event":    eventName,
			"decision": decision,
		})
	}
	e.transition(s, types.PhasePlaceSell)
}

// checkExitLiquidity enforces guards.exit_min_liquidity_spread_pct before an
// exit order goes out. snap.SpreadPct is expressed on a 0-100 scale;
// guards.* thresholds follow the fractional 0-1 convention used elsewhere, so
// the snapshot value is divided by 100 before comparing.
//
// Returns true if the exit was blocked (the caller must not proceed to
// PLACE_SELL this cycle).
func (e *Engine) checkExitLiquidity(s *symbolState, snap types.Snapshot) bool {
	threshold := e.cfg.Guards.ExitMinLiquiditySpreadPct
	if threshold <= 0 {
		return false
	}
	spreadFrac := snap.SpreadPct.Div(decimal.NewFromInt(100))
	if spreadFrac.LessThanOrEqual(decimal.NewFromFloat(threshold)) {
		return false
	}

	action := types.LiquidityAction(e.cfg.Guards.ExitLowLiquidityAction)
	if action == types.LiquidityForceMarket {
		return false
	}

	if e.audit != nil {
		e.audit.Record(audit.EventExitBlocked, s.Symbol, map[string]any{
			"spread_pct": snap.SpreadPct,
			"threshold":  threshold,
			"action":     action,
		})
	}

	if action == types.LiquidityRequeueDelay {
		delay := e.cfg.Guards.ExitLowLiquidityRequeueDelay
		if delay <= 0 {
			delay = 15 * time.Second
		}
		s.ExitRequeueUntil = time.Now().Add(delay)
	}

	e.transition(s, types.PhasePosition)
	return true
}

// handlePlaceSell submits an IOC sell via the Order Router. Failure retries
// by returning to EXIT_EVAL on the next cycle rather than aborting.
func (e *Engine) handlePlaceSell(s *symbolState) {
	snap, ok := e.md.Latest(s.Symbol)
	if !ok {
		e.transition(s, types.PhaseExitEval)
		return
	}

	sellPrice := snap.Bid
	if e.cfg.Execution.NeverMarketSells && sellPrice.IsZero() {
		e.transition(s, types.PhaseExitEval)
		return
	}

	intentID := s.Symbol + "-sell-" + time.Now().Format("20060102T150405.000000000")
	intent, err := e.orderRtr.Submit(e.ctx, intentID, types.SELL, s.Symbol, sellPrice, s.Quantity)
	if err != nil || intent.Status == types.IntentFailed {
		e.logger.Warn("sell submission failed, retrying", "symbol", s.Symbol, "error", err)
		e.transition(s, types.PhaseExitEval)
		return
	}

	s.SellIntentID = intent.IntentID
	e.transition(s, types.PhaseWaitSellFill)
}

// handleWaitSellFill polls the exit order; on sufficient fill it finalizes
// the trade, otherwise it retries the remainder via PLACE_SELL.
func (e *Engine) handleWaitSellFill(s *symbolState) {
	intent, ok := e.orderRtr.Get(s.SellIntentID)
	if !ok || intent.ExchangeOrderID == "" {
		e.transition(s, types.PhaseExitEval)
		return
	}

	outcome, err := e.waitFill.Wait(e.ctx, s.Symbol, intent.ExchangeOrderID)
	if err != nil || outcome.Order == nil {
		e.transition(s, types.PhaseExitEval)
		return
	}

	acceptPct := decimal.NewFromFloat(e.cfg.Execution.ExitFillAcceptPct)
	if acceptPct.IsZero() {
		acceptPct = decimal.NewFromFloat(0.95)
	}
	filledFrac := decimal.Zero
	if intent.Quantity.IsPositive() {
		filledFrac = outcome.Order.FilledQty.Div(intent.Quantity)
	}

	fillPrice := outcome.Order.AvgPrice
	if fillPrice.IsZero() {
		fillPrice = outcome.Order.Price
	}

	if filledFrac.LessThan(acceptPct) {
		if outcome.Order.FilledQty.IsPositive() {
			e.book.ApplyFill(types.Fill{
				Symbol:   s.Symbol,
				Side:     types.SELL,
				Price:    fillPrice,
				Quantity: outcome.Order.FilledQty,
				Time:     time.Now(),
			})
			s.Quantity = s.Quantity.Sub(outcome.Order.FilledQty)
		}
		e.transition(s, types.PhasePlaceSell)
		return
	}

	e.book.ApplyFill(types.Fill{
		Symbol:   s.Symbol,
		Side:     types.SELL,
		Price:    fillPrice,
		Quantity: outcome.Order.FilledQty,
		Time:     time.Now(),
	})

	e.transition(s, types.PhasePostTrade)
}

// handlePostTrade records the completed round trip and sets the cooldown.
func (e *Engine) handlePostTrade(s *symbolState) {
	if e.audit != nil {
		e.audit.Record(audit.EventOrderFilled, s.Symbol, map[string]any{
			"entry_price": s.Position.EntryPrice,
			"exit_price":  s.Position.CurrentPrice,
		})
	}

	cooldown := e.cfg.Trading.CooldownSecs
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	s.CooldownUntil = time.Now().Add(cooldown)
	s.Position = exitengine.Position{}
	s.Quantity = decimal.Zero
	s.Protection = protection.State{}
	s.BuyIntentID = ""
	s.SellIntentID = ""
	s.BuyReservation = ""
	s.ExitRequeueUntil = time.Time{}

	e.transition(s, types.PhaseCooldown)
}

// handleCooldown waits for the cooldown window to expire before returning to
// IDLE.
func (e *Engine) handleCooldown(s *symbolState) {
	if time.Now().After(s.CooldownUntil) {
		e.transition(s, types.PhaseIdle)
	}
}

// handleError applies exponential backoff and attempts a fresh warmup once
// the backoff window expires. After enough retries it remains in ERROR
// pending an operator reset.
func (e *Engine) handleError(s *symbolState) {
	maxRetries := 10
	maxBackoff := 300 * time.Second

	if s.ErrorRetries >= maxRetries {
		return
	}
	if time.Since(s.ErrorSince) < s.ErrorBackoff {
		return
	}

	s.ErrorRetries++
	s.ErrorBackoff *= 2
	if s.ErrorBackoff > maxBackoff {
		s.ErrorBackoff = maxBackoff
	}
	s.ErrorSince = time.Now()

	e.transition(s, types.PhaseWarmup)
}

// Context returns the Engine's lifecycle context, canceled by Stop. External
// goroutines that must share the Engine's shutdown signal (e.g. a
// supplemental WebSocket feed) should derive their own work from this
// context rather than main owning a second one.
func (e *Engine) Context() context.Context {
	return e.ctx
}

// Snapshot returns a read-only copy of every symbol's current phase, for the
// ops HTTP surface.
func (e *Engine) Snapshot() map[string]types.Phase {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]types.Phase, len(e.slots))
	for symbol, s := range e.slots {
		out[symbol] = s.Phase
	}
	return out
}
