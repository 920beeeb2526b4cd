// Package relay turns validated alerts into brokerage order actions. It
// owns the execution policy (quantity and notional caps, market-hours
// gating, sell guards, order-type resolution) and dispatches work to a
// Broker through a bounded in-process queue.
package relay

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/sniper-relay/internal/domain"
)

// Broker is the narrow surface the relay needs from a brokerage connection.
// Implementations live under internal/broker.
type Broker interface {
	// Quote returns a representative marketable price for the symbol.
	// ok is false when no usable quote is available.
	Quote(ctx context.Context, symbol, exchange, currency string) (price decimal.Decimal, ok bool, err error)

	// PositionQty returns the net held quantity for the symbol
	// (long > 0, short < 0, flat == 0).
	PositionQty(ctx context.Context, symbol, exchange, currency string) (decimal.Decimal, error)

	// PlaceOrder submits the order and returns the broker acknowledgement.
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error)

	// CancelOpenOrders cancels open orders, optionally filtered by symbol
	// (empty cancels everything). Returns the number of cancels issued.
	CancelOpenOrders(ctx context.Context, symbol string) (int, error)
}
