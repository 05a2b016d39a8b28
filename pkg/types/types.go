// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — phases, order
// intents, market snapshots, and portfolio records. It has no dependencies
// on internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeLimit OrderType = "LIMIT"
	OrderTypeIOC   OrderType = "IOC" // Immediate-Or-Cancel
	OrderTypeGTC   OrderType = "GTC" // Good-Til-Cancelled
)

// Phase is a state in the per-symbol trading FSM.
type Phase string

const (
	PhaseWarmup       Phase = "WARMUP"
	PhaseIdle         Phase = "IDLE"
	PhaseEntryEval    Phase = "ENTRY_EVAL"
	PhasePlaceBuy     Phase = "PLACE_BUY"
	PhaseWaitFill     Phase = "WAIT_FILL"
	PhasePosition     Phase = "POSITION"
	PhaseExitEval     Phase = "EXIT_EVAL"
	PhasePlaceSell    Phase = "PLACE_SELL"
	PhaseWaitSellFill Phase = "WAIT_SELL_FILL"
	PhasePostTrade    Phase = "POST_TRADE"
	PhaseCooldown     Phase = "COOLDOWN"
	PhaseError        Phase = "ERROR" // side phase, reachable from any handler
)

// IntentStatus is the lifecycle status of an order intent.
type IntentStatus string

const (
	IntentNew      IntentStatus = "NEW"
	IntentReserved IntentStatus = "RESERVED"
	IntentSent     IntentStatus = "SENT"
	IntentPartial  IntentStatus = "PARTIAL"
	IntentFilled   IntentStatus = "FILLED"
	IntentCanceled IntentStatus = "CANCELED"
	IntentFailed   IntentStatus = "FAILED"
)

// IsTerminal reports whether the intent will never transition further.
func (s IntentStatus) IsTerminal() bool {
	switch s {
	case IntentFilled, IntentCanceled, IntentFailed:
		return true
	default:
		return false
	}
}

// ExitRule identifies which exit condition fired.
type ExitRule string

const (
	ExitHardSL    ExitRule = "HARD_SL"
	ExitHardTP    ExitRule = "HARD_TP"
	ExitTrailing  ExitRule = "TRAILING"
	ExitTimeLimit ExitRule = "TIME"
)

// AnchorMode selects how the Anchor Manager computes a symbol's reference price.
type AnchorMode int

const (
	AnchorSessionPeak AnchorMode = iota + 1
	AnchorRollingPeak
	AnchorHybrid
	AnchorPersistent
)

// LiquidityAction is the configured response to a low-liquidity exit block.
type LiquidityAction string

const (
	LiquidityRequeueDelay LiquidityAction = "REQUEUE_DELAY"
	LiquidityForceMarket  LiquidityAction = "FORCE_MARKET"
	LiquiditySkip         LiquidityAction = "SKIP"
)

// ————————————————————————————————————————————————————————————————————————
// Market metadata / filters
// ————————————————————————————————————————————————————————————————————————

// Filters are the exchange's precision/limit rules for one symbol. Immutable
// once fetched; cached forever for the process lifetime by the Filter Cache.
type Filters struct {
	Symbol      string
	PriceTick   decimal.Decimal
	AmountStep  decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Ticker is the exchange's best-bid/ask/last quote for a symbol.
type Ticker struct {
	Symbol    string
	Last      decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	BidSize   decimal.Decimal
	AskSize   decimal.Decimal
	Timestamp time.Time
}

// OrderBookLevel is a single bid or ask level.
type OrderBookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBook is a shallow depth snapshot used for guard checks.
type OrderBook struct {
	Symbol    string
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
	Timestamp time.Time
}

// Snapshot is the Market-Data Service's per-symbol published state — schema
// versioned because it is persisted to JSONL for replay/audit.
type Snapshot struct {
	SchemaVersion int             `json:"schema_version"`
	Symbol        string          `json:"symbol"`
	Timestamp     time.Time       `json:"timestamp"`
	Last          decimal.Decimal `json:"last"`
	Bid           decimal.Decimal `json:"bid"`
	Ask           decimal.Decimal `json:"ask"`
	Mid           decimal.Decimal `json:"mid"`
	SpreadBps     decimal.Decimal `json:"spread_bps"`
	SpreadPct     decimal.Decimal `json:"spread_pct"`
	DepthUSD      decimal.Decimal `json:"depth_usd"`
	BidDepthUSD   decimal.Decimal `json:"bid_depth_usd"`
	AskDepthUSD   decimal.Decimal `json:"ask_depth_usd"`
	DepthImbalance decimal.Decimal `json:"depth_imbalance"`
	RollingPeak   decimal.Decimal `json:"rolling_peak"`
	RollingTrough decimal.Decimal `json:"rolling_trough"`
	Anchor        decimal.Decimal `json:"anchor"`
	AnchorMode    AnchorMode      `json:"anchor_mode"`
	DropFromAnchorPct decimal.Decimal `json:"drop_from_anchor_pct"`
	RiseFromTroughPct decimal.Decimal `json:"rise_from_trough_pct"`
	DataAgeMS     int64           `json:"data_age_ms"`
	Stale         bool            `json:"stale"`
	Valid         bool            `json:"valid"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders / intents
// ————————————————————————————————————————————————————————————————————————

// OrderIntent is the Order Router's idempotent unit of work.
type OrderIntent struct {
	IntentID       string          `json:"intent_id"`
	ClientOrderID  string          `json:"client_order_id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"type"`
	Quantity       decimal.Decimal `json:"quantity"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	Status         IntentStatus    `json:"status"`
	Attempts       int             `json:"attempts"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ExchangeOrderID string         `json:"exchange_order_id,omitempty"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	FeesAccum      decimal.Decimal `json:"fees_accum"`
	LastError      string          `json:"last_error,omitempty"`
	ReservationID  string          `json:"reservation_id,omitempty"`
}

// CreateOrderParams is what the Exchange Adapter needs to place an order.
type CreateOrderParams struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	ClientOrderID string
	TimeInForce   string
}

// ExchangeOrder is the adapter's normalized view of a live or historical order.
type ExchangeOrder struct {
	OrderID        string
	ClientOrderID  string
	Symbol         string
	Side           Side
	Status         string // exchange-native status string, e.g. "FILLED", "CANCELED"
	Price          decimal.Decimal
	OriginalQty    decimal.Decimal
	FilledQty      decimal.Decimal
	AvgPrice       decimal.Decimal
	UpdatedAt      time.Time
}

// Balance is a single-asset free/locked balance reported by the exchange.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Portfolio
// ————————————————————————————————————————————————————————————————————————

// PositionRecord is one open (or just-closed) symbol position.
type PositionRecord struct {
	Symbol      string          `json:"symbol"`
	Amount      decimal.Decimal `json:"amount"`
	AvgEntry    decimal.Decimal `json:"avg_entry"`
	FeesAccum   decimal.Decimal `json:"fees_accum"`
	OpenedAt    time.Time       `json:"opened_at"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// Reservation holds budget or inventory aside for an in-flight order intent.
type Reservation struct {
	ReservationID string          `json:"reservation_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Amount        decimal.Decimal `json:"amount"`
	Notional      decimal.Decimal `json:"notional"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Fill is a single execution applied to the Portfolio.
type Fill struct {
	IntentID      string
	ReservationID string
	Symbol        string
	Side          Side
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Fee           decimal.Decimal
	Time          time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Exit / protection
// ————————————————————————————————————————————————————————————————————————

// ExitDecision is returned by the Exit Engine when an exit condition fires.
type ExitDecision struct {
	Rule     ExitRule
	Price    decimal.Decimal
	Reason   string
	Priority int
}
