package paper

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/sniper-relay/internal/domain"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestBroker_MarketOrderMovesPosition(t *testing.T) {
	b := New()
	ctx := context.Background()

	res, err := b.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "AAPL", Side: domain.SideBuy, Quantity: 10, OrderType: domain.OrderTypeMarket,
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error: %v", err)
	}
	if res.Status != "Filled" {
		t.Errorf("Status = %q, want Filled", res.Status)
	}

	held, _ := b.PositionQty(ctx, "AAPL", "", "")
	if !held.Equal(dec("10")) {
		t.Errorf("position = %s, want 10", held)
	}

	if _, err := b.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "AAPL", Side: domain.SideSell, Quantity: 4, OrderType: domain.OrderTypeMarket,
	}); err != nil {
		t.Fatalf("sell PlaceOrder() error: %v", err)
	}
	held, _ = b.PositionQty(ctx, "AAPL", "", "")
	if !held.Equal(dec("6")) {
		t.Errorf("position after sell = %s, want 6", held)
	}
	if len(b.Fills()) != 2 {
		t.Errorf("fills = %d, want 2", len(b.Fills()))
	}
}

func TestBroker_RestingLimitOrderAndCancel(t *testing.T) {
	b := New()
	b.SetQuote("TSLA", dec("200"))
	ctx := context.Background()

	// A buy limit below the quote rests.
	limit := dec("190")
	res, err := b.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "TSLA", Side: domain.SideBuy, Quantity: 1,
		OrderType: domain.OrderTypeLimit, LimitPrice: &limit,
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error: %v", err)
	}
	if res.Status != "Submitted" {
		t.Errorf("Status = %q, want Submitted", res.Status)
	}

	n, err := b.CancelOpenOrders(ctx, "TSLA")
	if err != nil {
		t.Fatalf("CancelOpenOrders() error: %v", err)
	}
	if n != 1 {
		t.Errorf("canceled = %d, want 1", n)
	}
}

func TestBroker_MarketableLimitFills(t *testing.T) {
	b := New()
	b.SetQuote("TSLA", dec("200"))
	ctx := context.Background()

	limit := dec("200.60")
	res, err := b.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "TSLA", Side: domain.SideBuy, Quantity: 2,
		OrderType: domain.OrderTypeLimit, LimitPrice: &limit,
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error: %v", err)
	}
	if res.Status != "Filled" {
		t.Errorf("Status = %q, want Filled", res.Status)
	}
}

func TestBroker_Validation(t *testing.T) {
	b := New()
	ctx := context.Background()

	if _, err := b.PlaceOrder(ctx, domain.OrderRequest{Symbol: "X", Side: "HOLD", Quantity: 1, OrderType: domain.OrderTypeMarket}); err == nil {
		t.Error("expected error for unsupported side")
	}
	if _, err := b.PlaceOrder(ctx, domain.OrderRequest{Symbol: "X", Side: domain.SideBuy, Quantity: 0, OrderType: domain.OrderTypeMarket}); err == nil {
		t.Error("expected error for zero quantity")
	}
	if _, err := b.PlaceOrder(ctx, domain.OrderRequest{Symbol: "X", Side: domain.SideBuy, Quantity: 1, OrderType: domain.OrderTypeLimit}); err == nil {
		t.Error("expected error for limit order without price")
	}
}
