package relay

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/sniper-relay/internal/broker/paper"
	"github.com/tradeforge/sniper-relay/internal/domain"
	"github.com/tradeforge/sniper-relay/internal/noncestore"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestExecutor(t *testing.T, broker Broker, policy Policy) *Executor {
	t.Helper()
	store := noncestore.NewMemory(0)
	t.Cleanup(func() { store.Close() })

	e, err := NewExecutor(broker, policy, store, quietLogger(), "America/New_York")
	if err != nil {
		t.Fatalf("NewExecutor() error: %v", err)
	}
	// Mid-session Monday in New York.
	e.now = func() time.Time {
		return time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC) // 10:00 ET
	}
	return e
}

func alert(p domain.AlertPayload) *domain.ValidatedAlert {
	if err := p.Validate(); err != nil {
		panic(err)
	}
	return &domain.ValidatedAlert{Payload: p, ReceivedAt: time.Now()}
}

func buyAlert(nonce string) *domain.ValidatedAlert {
	return alert(domain.AlertPayload{
		Event: domain.EventBuy, Symbol: "TSLA", Qty: 5,
		OrderType: "Market",
		Time:      "2026-03-02T15:00:00Z", Nonce: nonce,
	})
}

func TestExecute_MarketBuy(t *testing.T) {
	b := paper.New()
	e := newTestExecutor(t, b, Policy{MaxQty: 100, QuotesEnabled: true})

	out, err := e.Execute(context.Background(), buyAlert("n1"))
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if out.Status != StatusPlaced {
		t.Fatalf("Status = %q, want placed", out.Status)
	}
	if out.Order == nil || out.Order.Qty != 5 {
		t.Fatalf("unexpected order result: %+v", out.Order)
	}
}

func TestExecute_DuplicateSignalSkipped(t *testing.T) {
	b := paper.New()
	e := newTestExecutor(t, b, Policy{MaxQty: 100})

	if out, err := e.Execute(context.Background(), buyAlert("n1")); err != nil || out.Status != StatusPlaced {
		t.Fatalf("first Execute() = (%+v, %v)", out, err)
	}
	out, err := e.Execute(context.Background(), buyAlert("n1"))
	if err != nil {
		t.Fatalf("second Execute() error: %v", err)
	}
	if out.Status != StatusSkippedDuplicate {
		t.Fatalf("Status = %q, want skipped_duplicate", out.Status)
	}
	if got := len(b.Fills()); got != 1 {
		t.Fatalf("fills = %d, want 1", got)
	}
}

func TestExecute_QtyClampedToMax(t *testing.T) {
	b := paper.New()
	e := newTestExecutor(t, b, Policy{MaxQty: 10})

	a := alert(domain.AlertPayload{
		Event: domain.EventBuy, Symbol: "TSLA", Qty: 500,
		OrderType: "Market", Time: "2026-03-02T15:00:00Z", Nonce: "n1",
	})
	out, err := e.Execute(context.Background(), a)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if out.Order.Qty != 10 {
		t.Fatalf("qty = %d, want clamp to 10", out.Order.Qty)
	}
}

func TestExecute_RTHGate(t *testing.T) {
	b := paper.New()
	e := newTestExecutor(t, b, Policy{MaxQty: 100, EnforceRTH: true})

	// 03:00 ET, well outside the session.
	e.now = func() time.Time {
		return time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	}

	out, err := e.Execute(context.Background(), buyAlert("n1"))
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if out.Status != StatusSkippedOutsideRTH {
		t.Fatalf("Status = %q, want skipped_outside_rth", out.Status)
	}
}

func TestExecute_SellGuards(t *testing.T) {
	sell := func(qty int, nonce string) *domain.ValidatedAlert {
		return alert(domain.AlertPayload{
			Event: domain.EventSell, Symbol: "TSLA", Qty: qty,
			OrderType: "Market", Time: "2026-03-02T15:00:00Z", Nonce: nonce,
		})
	}

	t.Run("no position", func(t *testing.T) {
		b := paper.New()
		e := newTestExecutor(t, b, Policy{MaxQty: 100})
		out, err := e.Execute(context.Background(), sell(5, "n1"))
		if err != nil {
			t.Fatalf("Execute() error: %v", err)
		}
		if out.Status != StatusSkippedNoPosition {
			t.Fatalf("Status = %q, want skipped_no_position", out.Status)
		}
	})

	t.Run("oversell blocked", func(t *testing.T) {
		b := paper.New()
		b.SetPosition("TSLA", dec("3"))
		e := newTestExecutor(t, b, Policy{MaxQty: 100})
		out, err := e.Execute(context.Background(), sell(5, "n1"))
		if err != nil {
			t.Fatalf("Execute() error: %v", err)
		}
		if out.Status != StatusRejected || out.Reason != "sell_qty_exceeds_holdings" {
			t.Fatalf("Outcome = %+v, want oversell rejection", out)
		}
	})

	t.Run("within holdings", func(t *testing.T) {
		b := paper.New()
		b.SetPosition("TSLA", dec("10"))
		e := newTestExecutor(t, b, Policy{MaxQty: 100})
		out, err := e.Execute(context.Background(), sell(5, "n1"))
		if err != nil {
			t.Fatalf("Execute() error: %v", err)
		}
		if out.Status != StatusPlaced {
			t.Fatalf("Status = %q, want placed", out.Status)
		}
	})
}

func TestExecute_MarketableLimitPricing(t *testing.T) {
	b := paper.New()
	b.SetQuote("TSLA", dec("200"))
	e := newTestExecutor(t, b, Policy{MaxQty: 100, QuotesEnabled: true})

	a := alert(domain.AlertPayload{
		Event: domain.EventBuy, Symbol: "TSLA", Qty: 1,
		OrderType: "MarketableLimit", LimitOffsetBps: 30,
		Time: "2026-03-02T15:00:00Z", Nonce: "n1",
	})
	out, err := e.Execute(context.Background(), a)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if out.Status != StatusPlaced {
		t.Fatalf("Status = %q, want placed", out.Status)
	}
	// 200 * (1 + 30/10000) = 200.60, crossable against the 200 quote.
	if out.Order.Status != "Filled" {
		t.Fatalf("order status = %q, want Filled", out.Order.Status)
	}
}

func TestExecute_MarketableLimitFallsBackWithoutQuote(t *testing.T) {
	b := paper.New() // no quote seeded
	e := newTestExecutor(t, b, Policy{MaxQty: 100, QuotesEnabled: true})

	a := alert(domain.AlertPayload{
		Event: domain.EventBuy, Symbol: "TSLA", Qty: 1,
		OrderType: "MarketableLimit", LimitOffsetBps: 30,
		Time: "2026-03-02T15:00:00Z", Nonce: "n1",
	})
	out, err := e.Execute(context.Background(), a)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if out.Status != StatusPlaced {
		t.Fatalf("Status = %q, want placed (market fallback)", out.Status)
	}
}

func TestExecute_LimitRequiresPrice(t *testing.T) {
	b := paper.New()
	e := newTestExecutor(t, b, Policy{MaxQty: 100}) // quotes disabled

	a := alert(domain.AlertPayload{
		Event: domain.EventBuy, Symbol: "TSLA", Qty: 1,
		OrderType: "Limit",
		Time:      "2026-03-02T15:00:00Z", Nonce: "n1",
	})
	out, err := e.Execute(context.Background(), a)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if out.Status != StatusRejected || out.Reason != "limit_price_required" {
		t.Fatalf("Outcome = %+v, want limit_price_required rejection", out)
	}
}

func TestExecute_NotionalCapScalesQty(t *testing.T) {
	b := paper.New()
	b.SetQuote("TSLA", dec("200"))
	e := newTestExecutor(t, b, Policy{
		MaxQty: 100, QuotesEnabled: true, MaxNotional: dec("1000"),
	})

	a := alert(domain.AlertPayload{
		Event: domain.EventBuy, Symbol: "TSLA", Qty: 50,
		OrderType: "Market",
		Time:      "2026-03-02T15:00:00Z", Nonce: "n1",
	})
	out, err := e.Execute(context.Background(), a)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	// 1000 / 200 = 5 shares.
	if out.Order.Qty != 5 {
		t.Fatalf("qty = %d, want notional-scaled 5", out.Order.Qty)
	}
}

func TestExecute_NotionalCapSkipsWhenNothingFits(t *testing.T) {
	b := paper.New()
	b.SetQuote("BRK", dec("5000"))
	e := newTestExecutor(t, b, Policy{
		MaxQty: 100, QuotesEnabled: true, MaxNotional: dec("1000"),
	})

	a := alert(domain.AlertPayload{
		Event: domain.EventBuy, Symbol: "BRK", Qty: 1,
		OrderType: "Market",
		Time:      "2026-03-02T15:00:00Z", Nonce: "n1",
	})
	out, err := e.Execute(context.Background(), a)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if out.Status != StatusSkippedNotional {
		t.Fatalf("Status = %q, want skipped_notional_cap", out.Status)
	}
}

func TestExecute_CancelEvent(t *testing.T) {
	b := paper.New()
	b.SetQuote("TSLA", dec("200"))
	e := newTestExecutor(t, b, Policy{MaxQty: 100})

	// Rest a limit order, then cancel it via an EXIT alert.
	limit := dec("100")
	if _, err := b.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol: "TSLA", Side: domain.SideBuy, Quantity: 1,
		OrderType: domain.OrderTypeLimit, LimitPrice: &limit,
	}); err != nil {
		t.Fatalf("seed order error: %v", err)
	}

	a := alert(domain.AlertPayload{
		Event: domain.EventExit, Symbol: "TSLA",
		Time: "2026-03-02T15:00:00Z", Nonce: "n1",
	})
	out, err := e.Execute(context.Background(), a)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if out.Status != StatusCanceled {
		t.Fatalf("Status = %q, want canceled", out.Status)
	}
}

func TestMarketableLimit(t *testing.T) {
	tests := []struct {
		side string
		ref  string
		bps  int
		want string
	}{
		{domain.SideBuy, "200", 30, "200.6"},
		{domain.SideSell, "200", 30, "199.4"},
		{domain.SideBuy, "100", 500, "105"},
	}
	for _, tt := range tests {
		got := marketableLimit(dec(tt.ref), tt.side, tt.bps)
		if !got.Equal(dec(tt.want)) {
			t.Errorf("marketableLimit(%s, %s, %d) = %s, want %s", tt.ref, tt.side, tt.bps, got, tt.want)
		}
	}
}

func TestInRegularHours(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}

	tests := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"monday mid-session", time.Date(2026, 3, 2, 10, 0, 0, 0, ny), true},
		{"open boundary", time.Date(2026, 3, 2, 9, 30, 0, 0, ny), true},
		{"close boundary", time.Date(2026, 3, 2, 16, 0, 0, 0, ny), true},
		{"before open", time.Date(2026, 3, 2, 9, 29, 0, 0, ny), false},
		{"after close", time.Date(2026, 3, 2, 16, 1, 0, 0, ny), false},
		{"saturday", time.Date(2026, 3, 7, 10, 0, 0, 0, ny), false},
		{"sunday", time.Date(2026, 3, 8, 10, 0, 0, 0, ny), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inRegularHours(tt.t, ny); got != tt.want {
				t.Errorf("inRegularHours() = %v, want %v", got, tt.want)
			}
		})
	}
}
