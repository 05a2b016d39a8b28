package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"spotfsm/pkg/types"
)

// ProtectiveOrders adapts Client to the Dynamic Protection Manager's narrow
// OrderOps interface: place one resting sell limit order at the given
// trigger price (the venue's nearest equivalent to a stop/take-profit order,
// since the adapter's CreateOrder only speaks LIMIT/IOC/GTC) and cancel it
// by exchange order id.
type ProtectiveOrders struct {
	client *Client
}

// NewProtectiveOrders wraps a Client for use by the Dynamic Protection
// Manager.
func NewProtectiveOrders(client *Client) *ProtectiveOrders {
	return &ProtectiveOrders{client: client}
}

// PlaceProtective places a resting sell limit at price. isStopLoss only
// affects logging/audit context upstream; the order itself is identical
// either way since this venue has no native stop-order type.
func (p *ProtectiveOrders) PlaceProtective(ctx context.Context, symbol string, price decimal.Decimal, isStopLoss bool) (string, error) {
	order, err := p.client.CreateOrder(ctx, types.CreateOrderParams{
		Symbol:      symbol,
		Side:        types.SELL,
		Type:        types.OrderTypeGTC,
		Price:       price,
		TimeInForce: string(types.OrderTypeGTC),
	})
	if err != nil {
		return "", err
	}
	return order.OrderID, nil
}

// CancelOrder cancels the resting protective order.
func (p *ProtectiveOrders) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return p.client.CancelOrder(ctx, symbol, orderID)
}
