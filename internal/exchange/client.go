// Package exchange implements the spot exchange REST and WebSocket clients.
//
// The REST client (Client) implements the ExchangeAdapter boundary used by
// every other component that needs to talk to the venue:
//   - FetchTickers:    GET  /ticker       — best bid/ask/last for a symbol batch
//   - FetchOrderBook:  GET  /depth        — shallow order book for one symbol
//   - FetchBalance:    GET  /account      — free/locked balances
//   - FetchOpenOrders: GET  /openOrders   — resting orders
//   - FetchOrder:      GET  /order        — single order status
//   - CreateOrder:     POST /order        — place a new order
//   - CancelOrder:     DELETE /order      — cancel a resting order
//   - Market:          GET  /exchangeInfo — precision/limit filters for a symbol
//
// Every mutating request is rate-limited via per-category TokenBuckets,
// automatically retried on 5xx errors, and authenticated with HMAC headers.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"spotfsm/internal/config"
	"spotfsm/pkg/types"
)

// OrderErrorKind classifies a CreateOrder failure so the Order Router can
// tell a transient failure worth retrying from a rejection that will fail
// identically on every retry.
type OrderErrorKind int

const (
	// OrderErrorTransient covers network failures and 5xx responses: the
	// same request may succeed if retried.
	OrderErrorTransient OrderErrorKind = iota
	// OrderErrorRejected covers 4xx responses: the exchange evaluated the
	// request and rejected it (insufficient funds, bad precision, invalid
	// symbol, ...); retrying with the same parameters will not help.
	OrderErrorRejected
)

// OrderError wraps a CreateOrder failure with the classification the Order
// Router needs to decide whether to retry.
type OrderError struct {
	Kind       OrderErrorKind
	StatusCode int
	Err        error
}

func (e *OrderError) Error() string { return e.Err.Error() }
func (e *OrderError) Unwrap() error { return e.Err }

// Client is the REST API client for the configured spot exchange. It wraps
// a resty HTTP client with rate limiting, retry, and HMAC auth.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.Exchange.RESTBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger.With("component", "exchange-client"),
	}
}

// tickerResponse is the wire shape for GET /ticker.
type tickerResponse struct {
	Symbol  string `json:"symbol"`
	Last    string `json:"last"`
	Bid     string `json:"bid"`
	Ask     string `json:"ask"`
	BidSize string `json:"bidSize"`
	AskSize string `json:"askSize"`
}

// FetchTickers fetches best bid/ask/last for a batch of symbols.
func (c *Client) FetchTickers(ctx context.Context, symbols []string) ([]types.Ticker, error) {
	if err := c.rl.MarketData.Wait(ctx); err != nil {
		return nil, err
	}

	var raw []tickerResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbols", joinSymbols(symbols)).
		SetResult(&raw).
		Get("/ticker")
	if err != nil {
		return nil, fmt.Errorf("fetch tickers: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch tickers: status %d: %s", resp.StatusCode(), resp.String())
	}

	now := time.Now()
	out := make([]types.Ticker, 0, len(raw))
	for _, r := range raw {
		out = append(out, types.Ticker{
			Symbol:    r.Symbol,
			Last:      parseDecimal(r.Last),
			Bid:       parseDecimal(r.Bid),
			Ask:       parseDecimal(r.Ask),
			BidSize:   parseDecimal(r.BidSize),
			AskSize:   parseDecimal(r.AskSize),
			Timestamp: now,
		})
	}
	return out, nil
}

// depthResponse is the wire shape for GET /depth.
type depthResponse struct {
	Bids [][2]string `json:"bids"`
	Asks [][2]string `json:"asks"`
}

// FetchOrderBook fetches a shallow depth snapshot for one symbol.
func (c *Client) FetchOrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBook, error) {
	if err := c.rl.MarketData.Wait(ctx); err != nil {
		return nil, err
	}

	var raw depthResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("limit", fmt.Sprintf("%d", depth)).
		SetResult(&raw).
		Get("/depth")
	if err != nil {
		return nil, fmt.Errorf("fetch order book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch order book: status %d: %s", resp.StatusCode(), resp.String())
	}

	book := &types.OrderBook{
		Symbol:    symbol,
		Bids:      parseLevels(raw.Bids),
		Asks:      parseLevels(raw.Asks),
		Timestamp: time.Now(),
	}
	return book, nil
}

// FetchBalance fetches the account's free/locked balances.
func (c *Client) FetchBalance(ctx context.Context) ([]types.Balance, error) {
	if err := c.rl.MarketData.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.Headers("GET", "/account", "")
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	var raw []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&raw).
		Get("/account")
	if err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch balance: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]types.Balance, 0, len(raw))
	for _, r := range raw {
		out = append(out, types.Balance{Asset: r.Asset, Free: parseDecimal(r.Free), Locked: parseDecimal(r.Locked)})
	}
	return out, nil
}

// FetchOpenOrders fetches all resting orders across the account.
func (c *Client) FetchOpenOrders(ctx context.Context) ([]types.ExchangeOrder, error) {
	if err := c.rl.MarketData.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.Headers("GET", "/openOrders", "")
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	var raw []exchangeOrderWire
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&raw).
		Get("/openOrders")
	if err != nil {
		return nil, fmt.Errorf("fetch open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch open orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]types.ExchangeOrder, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.toExchangeOrder())
	}
	return out, nil
}

// FetchOrder fetches the status of a single order.
func (c *Client) FetchOrder(ctx context.Context, symbol, orderID string) (*types.ExchangeOrder, error) {
	if err := c.rl.MarketData.Wait(ctx); err != nil {
		return nil, err
	}

	path := "/order"
	headers, err := c.auth.Headers("GET", path, "")
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	var raw exchangeOrderWire
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("symbol", symbol).
		SetQueryParam("orderId", orderID).
		SetResult(&raw).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("fetch order: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch order: status %d: %s", resp.StatusCode(), resp.String())
	}

	result := raw.toExchangeOrder()
	return &result, nil
}

// CreateOrder places a new order, returning the exchange's accepted/rejected view.
func (c *Client) CreateOrder(ctx context.Context, params types.CreateOrderParams) (*types.ExchangeOrder, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would create order",
			"symbol", params.Symbol, "side", params.Side, "qty", params.Quantity, "price", params.Price)
		return &types.ExchangeOrder{
			OrderID:       "dry-run-" + params.ClientOrderID,
			ClientOrderID: params.ClientOrderID,
			Symbol:        params.Symbol,
			Side:          params.Side,
			Status:        "NEW",
			Price:         params.Price,
			OriginalQty:   params.Quantity,
			UpdatedAt:     time.Now(),
		}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	body := map[string]any{
		"symbol":        params.Symbol,
		"side":          string(params.Side),
		"type":          string(params.Type),
		"quantity":      params.Quantity.String(),
		"price":         params.Price.String(),
		"clientOrderId": params.ClientOrderID,
		"timeInForce":   params.TimeInForce,
	}

	path := "/order"
	headers, err := c.auth.Headers("POST", path, "")
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	var raw exchangeOrderWire
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		SetResult(&raw).
		Post(path)
	if err != nil {
		return nil, &OrderError{Kind: OrderErrorTransient, Err: fmt.Errorf("create order: %w", err)}
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		kind := OrderErrorRejected
		if resp.StatusCode() >= 500 {
			kind = OrderErrorTransient
		}
		return nil, &OrderError{
			Kind:       kind,
			StatusCode: resp.StatusCode(),
			Err:        fmt.Errorf("create order: status %d: %s", resp.StatusCode(), resp.String()),
		}
	}

	result := raw.toExchangeOrder()
	return &result, nil
}

// CancelOrder cancels a resting order by exchange order ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "symbol", symbol, "order_id", orderID)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	path := "/order"
	headers, err := c.auth.Headers("DELETE", path, "")
	if err != nil {
		return fmt.Errorf("auth headers: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("symbol", symbol).
		SetQueryParam("orderId", orderID).
		Delete(path)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// Market fetches precision/limit filters for a symbol.
func (c *Client) Market(ctx context.Context, symbol string) (*types.Filters, error) {
	if err := c.rl.MarketData.Wait(ctx); err != nil {
		return nil, err
	}

	var raw struct {
		Symbol      string `json:"symbol"`
		PriceTick   string `json:"priceTick"`
		AmountStep  string `json:"amountStep"`
		MinQty      string `json:"minQty"`
		MinNotional string `json:"minNotional"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&raw).
		Get("/exchangeInfo")
	if err != nil {
		return nil, fmt.Errorf("fetch market filters: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch market filters: status %d: %s", resp.StatusCode(), resp.String())
	}

	return &types.Filters{
		Symbol:      symbol,
		PriceTick:   parseDecimal(raw.PriceTick),
		AmountStep:  parseDecimal(raw.AmountStep),
		MinQty:      parseDecimal(raw.MinQty),
		MinNotional: parseDecimal(raw.MinNotional),
	}, nil
}

type exchangeOrderWire struct {
	OrderID       string `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	FilledQty     string `json:"filledQty"`
	AvgPrice      string `json:"avgPrice"`
}

func (r exchangeOrderWire) toExchangeOrder() types.ExchangeOrder {
	return types.ExchangeOrder{
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          types.Side(r.Side),
		Status:        r.Status,
		Price:         parseDecimal(r.Price),
		OriginalQty:   parseDecimal(r.OrigQty),
		FilledQty:     parseDecimal(r.FilledQty),
		AvgPrice:      parseDecimal(r.AvgPrice),
		UpdatedAt:     time.Now(),
	}
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseLevels(raw [][2]string) []types.OrderBookLevel {
	out := make([]types.OrderBookLevel, 0, len(raw))
	for _, lvl := range raw {
		out = append(out, types.OrderBookLevel{Price: parseDecimal(lvl[0]), Size: parseDecimal(lvl[1])})
	}
	return out
}

func joinSymbols(symbols []string) string {
	out := ""
	for i, s := range symbols {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
