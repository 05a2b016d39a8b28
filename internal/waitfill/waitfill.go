// Package waitfill polls an open order until it reaches a terminal state,
// enforcing a total timeout and a separate stuck-partial-fill timeout.
package waitfill

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"spotfsm/internal/config"
	"spotfsm/pkg/types"
)

// ErrBuyAborted is returned when the order id is unrecoverable — the
// exchange has no record of it and it was never observed filled.
var ErrBuyAborted = errors.New("order unrecoverable: aborting")

// Adapter is the subset of the Exchange Adapter the service needs.
type Adapter interface {
	FetchOrder(ctx context.Context, symbol, orderID string) (*types.ExchangeOrder, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// Outcome is the terminal result of waiting for an order to fill.
type Outcome struct {
	Order     *types.ExchangeOrder
	Cancelled bool
	Aborted   bool
}

// Service polls order status until terminal, cancelling on timeout.
type Service struct {
	cfg          config.ExecutionConfig
	adapter      Adapter
	pollInterval time.Duration
}

// New creates a Wait-Fill Service.
func New(cfg config.ExecutionConfig, adapter Adapter) *Service {
	return &Service{cfg: cfg, adapter: adapter, pollInterval: 500 * time.Millisecond}
}

// Wait polls symbol/orderID until FILLED/CANCELED, the total timeout
// elapses, or the order gets stuck partially filled for too long. A nil
// orderID aborts immediately with ErrBuyAborted.
func (s *Service) Wait(ctx context.Context, symbol, orderID string) (Outcome, error) {
	if orderID == "" {
		return Outcome{Aborted: true}, ErrBuyAborted
	}

	totalTimeout := s.cfg.WaitFillTimeout
	if totalTimeout <= 0 {
		totalTimeout = 30 * time.Second
	}
	partialMaxAge := s.cfg.PartialMaxAge
	if partialMaxAge <= 0 {
		partialMaxAge = 10 * time.Second
	}

	deadline := time.Now().Add(totalTimeout)
	pollInterval := s.pollInterval
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}

	var lastFilledQty decimal.Decimal
	partialSince := time.Time{}

	for {
		order, err := s.adapter.FetchOrder(ctx, symbol, orderID)
		if err != nil {
			return Outcome{}, err
		}
		if order == nil {
			return Outcome{Aborted: true}, ErrBuyAborted
		}

		switch order.Status {
		case "FILLED", "CLOSED":
			return Outcome{Order: order}, nil
		case "CANCELED", "REJECTED", "EXPIRED":
			return Outcome{Order: order, Cancelled: true}, nil
		}

		if order.FilledQty.GreaterThan(decimal.Zero) {
			if order.FilledQty.GreaterThan(lastFilledQty) {
				lastFilledQty = order.FilledQty
				partialSince = time.Time{}
			} else if partialSince.IsZero() {
				partialSince = time.Now()
			} else if time.Since(partialSince) >= partialMaxAge {
				return s.cancelRemainder(ctx, symbol, orderID, order)
			}
		}

		if time.Now().After(deadline) {
			return s.cancelRemainder(ctx, symbol, orderID, order)
		}

		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (s *Service) cancelRemainder(ctx context.Context, symbol, orderID string, last *types.ExchangeOrder) (Outcome, error) {
	if err := s.adapter.CancelOrder(ctx, symbol, orderID); err != nil {
		return Outcome{}, err
	}
	return Outcome{Order: last, Cancelled: true}, nil
}
