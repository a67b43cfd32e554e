// README: Order lookup adapters for merchant point-of-sale channels.
package orderlookup

import (
	"context"
	"errors"

	"ampstop/internal/types"
)

// ErrUnknown is the only failure an adapter may surface. Transport errors,
// timeouts, and malformed responses all collapse to it; the reason is logged
// by the adapter, never propagated.
var ErrUnknown = errors.New("order unknown")

// OrderStatus mirrors what a merchant channel can tell us about an order.
type OrderStatus string

const (
	OrderStatusUnknown   OrderStatus = "unknown"
	OrderStatusPlaced    OrderStatus = "placed"
	OrderStatusReady     OrderStatus = "ready"
	OrderStatusCompleted OrderStatus = "completed"
)

// Facts is what an adapter verified about an order reference.
type Facts struct {
	Source string
	Status OrderStatus
	// Total is present only when the channel reports one.
	Total *types.Money
}

// Adapter looks up an order placed through the merchant's own channel.
type Adapter interface {
	// Name identifies the adapter; recorded as the session's order source.
	Name() string
	// Lookup returns verified facts or ErrUnknown. No other error escapes.
	Lookup(ctx context.Context, orderRef string) (Facts, error)
}
