// Package router implements idempotent order submission: a stable
// client-order-id derivation, an in-memory intent registry, budget/inventory
// reservation before any network call, and retry with exponential backoff.
//
// The client-order-id hash reuses this lineage's HMAC/SHA-256 request-signing
// primitive in spirit — deterministic, non-reversible, stable across retries
// — generalized from "sign this request" to "derive this id", since the
// resubmission guarantee depends on the same client order id surviving every
// retry attempt.
//
// Retries only ever cover transient failures. A rejection the exchange
// returns after evaluating the request (insufficient funds, bad precision)
// fails the same way on every retry, so submitWithRetry classifies each
// CreateOrder error via exchange.OrderError and gives up immediately on a
// rejection instead of burning the retry budget.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"spotfsm/internal/audit"
	"spotfsm/internal/config"
	"spotfsm/internal/exchange"
	"spotfsm/internal/quantize"
	"spotfsm/pkg/types"
)

// Adapter is the subset of the Exchange Adapter the router needs.
type Adapter interface {
	CreateOrder(ctx context.Context, params types.CreateOrderParams) (*types.ExchangeOrder, error)
}

// Reserver is the subset of the Portfolio the router needs to hold budget
// or inventory aside before submitting, and release it on failure.
type Reserver interface {
	ReserveBudget(symbol string, side types.Side, price, quantity decimal.Decimal) (string, error)
	ReleaseReservation(reservationID string) error
}

// FilterSource supplies cached exchange filters for quantization.
type FilterSource interface {
	Get(ctx context.Context, symbol string) (types.Filters, error)
}

// Router routes order intents to the exchange adapter idempotently.
type Router struct {
	cfg     config.RouterConfig
	adapter Adapter
	reserve Reserver
	filters FilterSource
	audit   *audit.Trail
	logger  *slog.Logger

	mu      sync.Mutex
	intents map[string]*types.OrderIntent
}

// New creates an Order Router.
func New(cfg config.RouterConfig, adapter Adapter, reserve Reserver, filters FilterSource, trail *audit.Trail, logger *slog.Logger) *Router {
	return &Router{
		cfg:     cfg,
		adapter: adapter,
		reserve: reserve,
		filters: filters,
		audit:   trail,
		logger:  logger.With("component", "order-router"),
		intents: make(map[string]*types.OrderIntent),
	}
}

// Submit routes one order intent. Resubmitting the same intentID after it
// reached a terminal state returns the cached result without touching the
// network.
func (r *Router) Submit(ctx context.Context, intentID string, side types.Side, symbol string, rawPrice, rawQuantity decimal.Decimal) (*types.OrderIntent, error) {
	r.mu.Lock()
	if existing, ok := r.intents[intentID]; ok && existing.Status.IsTerminal() {
		r.mu.Unlock()
		return existing, nil
	}
	intent, ok := r.intents[intentID]
	if !ok {
		intent = &types.OrderIntent{
			IntentID:      intentID,
			ClientOrderID: clientOrderID(intentID),
			Symbol:        symbol,
			Side:          side,
			Type:          types.OrderTypeLimit,
			Status:        types.IntentNew,
			CreatedAt:     time.Now(),
			UpdatedAt:     time.Now(),
		}
		r.intents[intentID] = intent
	}
	r.mu.Unlock()

	filters, err := r.filters.Get(ctx, symbol)
	if err != nil {
		return r.fail(intent, fmt.Sprintf("fetch filters: %v", err)), nil
	}

	res := quantize.ValidateAndFix(rawPrice, rawQuantity, filters)
	if !res.IsValid() {
		return r.fail(intent, fmt.Sprintf("quantize rejected: %v", res.Violations)), nil
	}
	intent.LimitPrice = res.Price
	intent.Quantity = res.Amount

	reservationID, err := r.reserve.ReserveBudget(symbol, side, res.Price, res.Amount)
	if err != nil {
		return r.fail(intent, fmt.Sprintf("reserve: %v", err)), nil
	}
	intent.ReservationID = reservationID
	r.setStatus(intent, types.IntentReserved)

	order, err := r.submitWithRetry(ctx, intent)
	if err != nil {
		r.reserve.ReleaseReservation(reservationID)
		return r.fail(intent, err.Error()), nil
	}

	intent.ExchangeOrderID = order.OrderID
	r.setStatus(intent, types.IntentSent)
	return intent, nil
}

func (r *Router) submitWithRetry(ctx context.Context, intent *types.OrderIntent) (*types.ExchangeOrder, error) {
	backoff := r.cfg.BackoffInitial
	if backoff <= 0 {
		backoff = time.Second
	}
	maxRetries := r.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	tif := types.OrderTypeGTC
	if intent.Side == types.SELL {
		tif = types.OrderTypeIOC
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		intent.Attempts++
		start := time.Now()

		order, err := r.adapter.CreateOrder(ctx, types.CreateOrderParams{
			Symbol:        intent.Symbol,
			Side:          intent.Side,
			Type:          intent.Type,
			Quantity:      intent.Quantity,
			Price:         intent.LimitPrice,
			ClientOrderID: intent.ClientOrderID,
			TimeInForce:   string(tif),
		})
		latency := time.Since(start)

		if err == nil {
			r.auditEvent(audit.EventOrderSent, intent, map[string]any{"latency_ms": latency.Milliseconds()})
			return order, nil
		}

		lastErr = err
		r.auditEvent(audit.EventOrderFailed, intent, map[string]any{"error": err.Error(), "attempt": attempt})
		r.logger.Warn("order submission failed", "intent_id", intent.IntentID, "attempt", attempt, "error", err)

		var oerr *exchange.OrderError
		if errors.As(err, &oerr) && oerr.Kind == exchange.OrderErrorRejected {
			r.logger.Warn("order rejected by exchange, not retrying", "intent_id", intent.IntentID, "status_code", oerr.StatusCode)
			return nil, err
		}

		if attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if r.cfg.BackoffMax > 0 && backoff > r.cfg.BackoffMax {
			backoff = r.cfg.BackoffMax
		}
	}

	return nil, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (r *Router) fail(intent *types.OrderIntent, reason string) *types.OrderIntent {
	intent.LastError = reason
	r.setStatus(intent, types.IntentFailed)
	r.auditEvent(audit.EventOrderFailed, intent, map[string]any{"reason": reason})
	return intent
}

func (r *Router) setStatus(intent *types.OrderIntent, status types.IntentStatus) {
	r.mu.Lock()
	intent.Status = status
	intent.UpdatedAt = time.Now()
	r.mu.Unlock()
}

func (r *Router) auditEvent(kind audit.EventKind, intent *types.OrderIntent, fields map[string]any) {
	if r.audit == nil {
		return
	}
	r.audit.Record(kind, intent.Symbol, fields)
}

// Get returns the current state of an intent, if known.
func (r *Router) Get(intentID string) (*types.OrderIntent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	intent, ok := r.intents[intentID]
	return intent, ok
}

// FindByClientOrderID scans the registry for the intent carrying the given
// client order id. Used by the Reconciler, which only knows the wire id an
// exchange-reported order carries.
func (r *Router) FindByClientOrderID(clientOrderID string) (*types.OrderIntent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, intent := range r.intents {
		if intent.ClientOrderID == clientOrderID {
			return intent, true
		}
	}
	return nil, false
}

// AllNonTerminal returns every intent not yet in a terminal status, for the
// Reconciler to check against the exchange's live order list.
func (r *Router) AllNonTerminal() []*types.OrderIntent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.OrderIntent, 0, len(r.intents))
	for _, intent := range r.intents {
		if !intent.Status.IsTerminal() {
			out = append(out, intent)
		}
	}
	return out
}

// AdvanceFromExchange applies an exchange-reported order's fill progress and
// native status to the matching local intent.
func (r *Router) AdvanceFromExchange(order types.ExchangeOrder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, intent := range r.intents {
		if intent.ExchangeOrderID != order.OrderID {
			continue
		}
		intent.FilledQuantity = order.FilledQty
		intent.AvgFillPrice = order.AvgPrice
		intent.UpdatedAt = time.Now()
		switch order.Status {
		case "CANCELED", "CANCELLED", "REJECTED", "EXPIRED":
			intent.Status = types.IntentCanceled
		case "FILLED", "CLOSED":
			intent.Status = types.IntentFilled
		default:
			if order.FilledQty.GreaterThanOrEqual(order.OriginalQty) && order.OriginalQty.IsPositive() {
				intent.Status = types.IntentFilled
			} else if order.FilledQty.IsPositive() {
				intent.Status = types.IntentPartial
			}
		}
		return
	}
}

// Cleanup evicts completed intents older than the configured TTL. Never
// evicts a non-terminal intent, regardless of age.
func (r *Router) Cleanup(now time.Time) int {
	ttl := r.cfg.CompletedOrderTTL
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, intent := range r.intents {
		if intent.Status.IsTerminal() && now.Sub(intent.UpdatedAt) > ttl {
			delete(r.intents, id)
			evicted++
		}
	}
	return evicted
}

// clientOrderID deterministically derives a client order id from the intent
// id so retries of the same intent always produce the same wire id.
func clientOrderID(intentID string) string {
	sum := sha256.Sum256([]byte(intentID))
	return hex.EncodeToString(sum[:])[:32]
}
