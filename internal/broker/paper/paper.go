// Package paper provides an in-memory broker that fills every order at the
// configured quote. It backs paper-trading mode and the test suite; no
// money moves.
package paper

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradeforge/sniper-relay/internal/domain"
)

// Broker simulates a brokerage account: quotes are seeded by the caller,
// market and limit orders fill immediately, and positions track fills.
type Broker struct {
	mu        sync.Mutex
	quotes    map[string]decimal.Decimal
	positions map[string]decimal.Decimal
	open      map[string]domain.OrderRequest // order id -> open (unfilled) order
	fills     []domain.OrderResult
}

// New creates an empty paper broker.
func New() *Broker {
	return &Broker{
		quotes:    make(map[string]decimal.Decimal),
		positions: make(map[string]decimal.Decimal),
		open:      make(map[string]domain.OrderRequest),
	}
}

// SetQuote seeds the quote for a symbol.
func (b *Broker) SetQuote(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[symbol] = price
}

// SetPosition seeds a held position.
func (b *Broker) SetPosition(symbol string, qty decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[symbol] = qty
}

// Fills returns a copy of every filled order, oldest first.
func (b *Broker) Fills() []domain.OrderResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.OrderResult, len(b.fills))
	copy(out, b.fills)
	return out
}

func (b *Broker) Quote(_ context.Context, symbol, _, _ string) (decimal.Decimal, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	price, ok := b.quotes[symbol]
	return price, ok, nil
}

func (b *Broker) PositionQty(_ context.Context, symbol, _, _ string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positions[symbol], nil
}

func (b *Broker) PlaceOrder(_ context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	if req.Side != domain.SideBuy && req.Side != domain.SideSell {
		return nil, fmt.Errorf("paper: unsupported side %q", req.Side)
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("paper: quantity must be > 0")
	}
	if req.OrderType == domain.OrderTypeLimit && req.LimitPrice == nil {
		return nil, fmt.Errorf("paper: limit order requires a limit price")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	result := domain.OrderResult{
		OrderID: id,
		Status:  "Filled",
		Symbol:  req.Symbol,
		Side:    req.Side,
		Qty:     req.Quantity,
	}

	// A limit order away from the quote rests open instead of filling.
	if req.OrderType == domain.OrderTypeLimit {
		if quote, ok := b.quotes[req.Symbol]; ok && !crossable(req, quote) {
			b.open[id] = req
			result.Status = "Submitted"
			return &result, nil
		}
	}

	delta := decimal.NewFromInt(int64(req.Quantity))
	if req.Side == domain.SideSell {
		delta = delta.Neg()
	}
	b.positions[req.Symbol] = b.positions[req.Symbol].Add(delta)
	b.fills = append(b.fills, result)
	return &result, nil
}

func (b *Broker) CancelOpenOrders(_ context.Context, symbol string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for id, req := range b.open {
		if symbol != "" && req.Symbol != symbol {
			continue
		}
		delete(b.open, id)
		n++
	}
	return n, nil
}

// crossable reports whether a limit order would execute against the quote.
func crossable(req domain.OrderRequest, quote decimal.Decimal) bool {
	if req.Side == domain.SideBuy {
		return req.LimitPrice.GreaterThanOrEqual(quote)
	}
	return req.LimitPrice.LessThanOrEqual(quote)
}
