package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/sniper-relay/internal/domain"
	"github.com/tradeforge/sniper-relay/internal/noncestore"
)

// Policy holds the execution guard rails applied to every signal before it
// reaches the broker.
type Policy struct {
	// MaxQty caps share quantity per order.
	MaxQty int

	// MaxNotional caps order notional in account currency; zero disables.
	MaxNotional decimal.Decimal

	// EnforceRTH rejects signals outside regular trading hours.
	EnforceRTH bool

	// AllowOutsideRTH lets orders through the RTH gate anyway (testing).
	AllowOutsideRTH bool

	// QuotesEnabled permits quote lookups for limit pricing and notional
	// checks. When false, MarketableLimit degrades to a market order.
	QuotesEnabled bool

	// IdempotencyTTL is the window within which a repeated idempotency key
	// is collapsed. Zero means 10 minutes.
	IdempotencyTTL time.Duration
}

// Outcome statuses for an executed signal.
const (
	StatusPlaced            = "placed"
	StatusCanceled          = "canceled"
	StatusSkippedDuplicate  = "skipped_duplicate"
	StatusSkippedOutsideRTH = "skipped_outside_rth"
	StatusSkippedNoPosition = "skipped_no_position"
	StatusSkippedNotional   = "skipped_notional_cap"
	StatusRejected          = "rejected"
)

// Outcome is the result of executing a single validated alert.
type Outcome struct {
	Status string
	Reason string
	Order  *domain.OrderResult
}

func skipped(status string) *Outcome { return &Outcome{Status: status} }

func rejected(reason string) *Outcome {
	return &Outcome{Status: StatusRejected, Reason: reason}
}

// Executor applies Policy to validated alerts and places orders through a
// Broker. Duplicate signals are collapsed with the same insert-if-absent
// store mechanics the gate uses for nonces.
type Executor struct {
	broker Broker
	policy Policy
	idemp  noncestore.Store
	logger *slog.Logger
	loc    *time.Location
	now    func() time.Time
}

// NewExecutor builds an Executor. marketTZ names the exchange timezone for
// the RTH gate, typically America/New_York.
func NewExecutor(broker Broker, policy Policy, idemp noncestore.Store, logger *slog.Logger, marketTZ string) (*Executor, error) {
	if broker == nil {
		return nil, fmt.Errorf("relay: broker required")
	}
	if idemp == nil {
		return nil, fmt.Errorf("relay: idempotency store required")
	}
	loc, err := time.LoadLocation(marketTZ)
	if err != nil {
		return nil, fmt.Errorf("relay: load market timezone: %w", err)
	}
	if policy.IdempotencyTTL <= 0 {
		policy.IdempotencyTTL = 10 * time.Minute
	}
	if policy.MaxQty <= 0 {
		policy.MaxQty = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		broker: broker,
		policy: policy,
		idemp:  idemp,
		logger: logger,
		loc:    loc,
		now:    time.Now,
	}, nil
}

// Execute runs one validated alert through the policy checks and the
// broker. A non-nil error is reserved for broker/store failures; policy
// rejections come back as Outcome statuses.
func (e *Executor) Execute(ctx context.Context, alert *domain.ValidatedAlert) (*Outcome, error) {
	p := alert.Payload

	if p.Event == domain.EventExit || p.Event == domain.EventCancel {
		n, err := e.broker.CancelOpenOrders(ctx, p.Symbol)
		if err != nil {
			return nil, fmt.Errorf("cancel open orders: %w", err)
		}
		e.logger.Info("canceled open orders",
			slog.String("symbol", p.Symbol), slog.Int("count", n))
		return &Outcome{Status: StatusCanceled}, nil
	}

	fresh, err := e.idemp.PutIfAbsent(ctx, alert.DedupKey(), e.policy.IdempotencyTTL)
	if err != nil {
		return nil, fmt.Errorf("idempotency store: %w", err)
	}
	if !fresh {
		e.logger.Info("skipping duplicate signal",
			slog.String("symbol", p.Symbol), slog.String("event", p.Event))
		return skipped(StatusSkippedDuplicate), nil
	}

	qty := p.Qty
	if qty < 1 {
		qty = 1
	}
	if qty > e.policy.MaxQty {
		qty = e.policy.MaxQty
	}

	if e.policy.EnforceRTH && !e.policy.AllowOutsideRTH && !inRegularHours(e.now(), e.loc) {
		e.logger.Info("skipping signal outside regular hours",
			slog.String("symbol", p.Symbol), slog.String("event", p.Event))
		return skipped(StatusSkippedOutsideRTH), nil
	}

	if p.Event == domain.EventSell {
		held, err := e.broker.PositionQty(ctx, p.Symbol, p.Exchange, p.Currency)
		if err != nil {
			return nil, fmt.Errorf("position lookup: %w", err)
		}
		if !held.IsPositive() {
			e.logger.Info("sell skipped, no position held", slog.String("symbol", p.Symbol))
			return skipped(StatusSkippedNoPosition), nil
		}
		if decimal.NewFromInt(int64(qty)).GreaterThan(held) {
			e.logger.Warn("sell blocked, quantity exceeds holdings",
				slog.String("symbol", p.Symbol), slog.Int("qty", qty), slog.String("held", held.String()))
			return rejected("sell_qty_exceeds_holdings"), nil
		}
	}

	effType, effLimit, outcome, err := e.resolveOrderType(ctx, &p)
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return outcome, nil
	}

	qty, outcome = e.applyNotionalCap(ctx, &p, qty, effLimit)
	if outcome != nil {
		return outcome, nil
	}

	req := domain.OrderRequest{
		Symbol:     p.Symbol,
		Side:       p.Event,
		Quantity:   qty,
		OrderType:  effType,
		LimitPrice: effLimit,
		TIF:        p.TimeInForce,
		Exchange:   p.Exchange,
		Currency:   p.Currency,
		OutsideRTH: e.policy.AllowOutsideRTH || !e.policy.EnforceRTH,
	}

	e.logger.Info("placing order",
		slog.String("symbol", req.Symbol),
		slog.String("side", req.Side),
		slog.Int("qty", req.Quantity),
		slog.String("type", req.OrderType),
		slog.Any("limit", req.LimitPrice),
	)

	result, err := e.broker.PlaceOrder(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}

	e.logger.Info("order placed",
		slog.String("symbol", req.Symbol),
		slog.String("order_id", result.OrderID),
		slog.String("status", result.Status),
	)
	return &Outcome{Status: StatusPlaced, Order: result}, nil
}

// resolveOrderType turns the alert's requested type into a concrete MKT or
// LMT order. A non-nil Outcome means the signal terminates here.
func (e *Executor) resolveOrderType(ctx context.Context, p *domain.AlertPayload) (string, *decimal.Decimal, *Outcome, error) {
	switch p.OrderType {
	case domain.OrderTypeMarket:
		return domain.OrderTypeMarket, nil, nil, nil

	case domain.OrderTypeLimit:
		if p.LimitPrice != nil {
			return domain.OrderTypeLimit, p.LimitPrice, nil, nil
		}
		if e.policy.QuotesEnabled && p.LimitOffsetBps > 0 {
			ref, ok, err := e.broker.Quote(ctx, p.Symbol, p.Exchange, p.Currency)
			if err != nil {
				return "", nil, nil, fmt.Errorf("quote lookup: %w", err)
			}
			if !ok {
				return "", nil, rejected("no_quote_for_limit"), nil
			}
			limit := marketableLimit(ref, p.Event, p.LimitOffsetBps)
			return domain.OrderTypeLimit, &limit, nil, nil
		}
		return "", nil, rejected("limit_price_required"), nil

	case domain.OrderTypeMarketableLimit:
		if !e.policy.QuotesEnabled {
			// Zero-quote mode: degrade to market.
			return domain.OrderTypeMarket, nil, nil, nil
		}
		if p.LimitOffsetBps <= 0 {
			return "", nil, rejected("limit_offset_bps_required"), nil
		}
		ref, ok, err := e.broker.Quote(ctx, p.Symbol, p.Exchange, p.Currency)
		if err != nil {
			return "", nil, nil, fmt.Errorf("quote lookup: %w", err)
		}
		if !ok {
			e.logger.Warn("no quote, marketable limit falls back to market",
				slog.String("symbol", p.Symbol))
			return domain.OrderTypeMarket, nil, nil, nil
		}
		limit := marketableLimit(ref, p.Event, p.LimitOffsetBps)
		return domain.OrderTypeLimit, &limit, nil, nil

	default:
		return "", nil, rejected(fmt.Sprintf("unsupported_order_type:%s", p.OrderType)), nil
	}
}

// applyNotionalCap scales quantity down so qty*price stays within the cap.
// Best effort: with no reference price available the cap goes unchecked.
func (e *Executor) applyNotionalCap(ctx context.Context, p *domain.AlertPayload, qty int, limit *decimal.Decimal) (int, *Outcome) {
	if !e.policy.MaxNotional.IsPositive() {
		return qty, nil
	}

	ref := limit
	if ref == nil && e.policy.QuotesEnabled {
		if q, ok, err := e.broker.Quote(ctx, p.Symbol, p.Exchange, p.Currency); err == nil && ok {
			ref = &q
		}
	}
	if ref == nil {
		e.logger.Warn("notional cap unchecked, no reference price",
			slog.String("symbol", p.Symbol), slog.Int("qty", qty))
		return qty, nil
	}

	notional := ref.Mul(decimal.NewFromInt(int64(qty)))
	if notional.LessThanOrEqual(e.policy.MaxNotional) {
		return qty, nil
	}

	scaled := int(e.policy.MaxNotional.Div(*ref).IntPart())
	if scaled < 1 {
		e.logger.Info("skipping signal, notional cap leaves no quantity",
			slog.String("symbol", p.Symbol), slog.String("ref", ref.String()))
		return qty, skipped(StatusSkippedNotional)
	}
	e.logger.Info("quantity scaled by notional cap",
		slog.String("symbol", p.Symbol), slog.Int("from", qty), slog.Int("to", scaled))
	return scaled, nil
}

// marketableLimit offsets the reference price by bps in the direction that
// keeps the order marketable: up for buys, down for sells.
func marketableLimit(ref decimal.Decimal, side string, bps int) decimal.Decimal {
	offset := decimal.NewFromInt(int64(bps)).Div(decimal.NewFromInt(10000))
	if side == domain.SideSell {
		offset = offset.Neg()
	}
	return ref.Mul(decimal.NewFromInt(1).Add(offset))
}
