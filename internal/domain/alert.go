// Package domain holds the core types shared by the webhook gate and the
// execution relay: the inbound alert payload, the authenticated alert, and
// order requests/results.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Alert events as sent by the TradingView strategy.
const (
	EventBuy    = "BUY"
	EventSell   = "SELL"
	EventExit   = "EXIT"
	EventCancel = "CANCEL"
)

// AlertPayload is the body of an inbound webhook alert. Field names follow
// the TradingView alert template (snake_case). Optional numeric fields are
// pointers so absent and zero can be told apart during validation.
type AlertPayload struct {
	Version    string `json:"version,omitempty"`
	StrategyID string `json:"strategy_id,omitempty"`

	Event    string           `json:"event"`
	Symbol   string           `json:"symbol"`
	Exchange string           `json:"exchange,omitempty"`
	Currency string           `json:"currency,omitempty"`
	Interval string           `json:"interval,omitempty"`
	Price    *decimal.Decimal `json:"price,omitempty"`

	Qty            int              `json:"qty,omitempty"`
	OrderType      string           `json:"order_type,omitempty"`
	LimitOffsetBps int              `json:"limit_offset_bps,omitempty"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	TimeInForce    string           `json:"time_in_force,omitempty"`

	Paper bool `json:"paper,omitempty"`

	// Time is the alert's declared timestamp (ISO8601, trailing Z accepted).
	Time  string `json:"time"`
	Nonce string `json:"nonce"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Secret optionally carries the shared secret in the body, the way
	// TradingView alerts do when custom headers are unavailable.
	Secret string `json:"secret,omitempty"`
}

// Validate checks required fields and normalizes the lenient ones.
// It returns ErrMalformedPayload-wrapped errors so handlers can map them
// to a 400 uniformly.
func (p *AlertPayload) Validate() error {
	p.Event = strings.ToUpper(strings.TrimSpace(p.Event))
	switch p.Event {
	case EventBuy, EventSell, EventExit, EventCancel:
	case "":
		return fmt.Errorf("%w: missing event", ErrMalformedPayload)
	default:
		return fmt.Errorf("%w: unknown event %q", ErrMalformedPayload, p.Event)
	}

	p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
	if p.Symbol == "" {
		return fmt.Errorf("%w: missing symbol", ErrMalformedPayload)
	}
	if p.Time == "" {
		return fmt.Errorf("%w: missing time", ErrMalformedPayload)
	}
	if p.Nonce == "" {
		return fmt.Errorf("%w: missing nonce", ErrMalformedPayload)
	}
	if p.Qty < 0 {
		return fmt.Errorf("%w: qty must be >= 1", ErrMalformedPayload)
	}
	if p.LimitOffsetBps < 0 || p.LimitOffsetBps > 500 {
		return fmt.Errorf("%w: limit_offset_bps out of range", ErrMalformedPayload)
	}
	if p.LimitPrice != nil && !p.LimitPrice.IsPositive() {
		return fmt.Errorf("%w: limit_price must be > 0", ErrMalformedPayload)
	}

	p.OrderType = NormalizeOrderType(p.OrderType)
	if p.LimitOffsetBps == 0 {
		p.LimitOffsetBps = 30
	}

	p.TimeInForce = strings.ToUpper(strings.TrimSpace(p.TimeInForce))
	switch p.TimeInForce {
	case "":
		p.TimeInForce = TIFDay
	case TIFDay, TIFGTC:
	default:
		return fmt.Errorf("%w: unsupported time_in_force %q", ErrMalformedPayload, p.TimeInForce)
	}

	if p.Currency == "" {
		p.Currency = "USD"
	}
	return nil
}

// ParseTimestamp parses the declared alert time. ISO8601 with a trailing
// Z or an explicit offset; a bare local time is rejected.
func (p *AlertPayload) ParseTimestamp() (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, p.Time)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid time format: %v", ErrMalformedPayload, err)
	}
	return ts.UTC(), nil
}

// RequestMeta records transport-level details of the HTTP call that carried
// the alert, for the audit trail.
type RequestMeta struct {
	RemoteAddr string
	UserAgent  string
	RequestID  string
}

// ValidatedAlert is an AlertPayload that has passed every gate check. It is
// the only thing the execution relay will accept.
type ValidatedAlert struct {
	Payload    AlertPayload
	ReceivedAt time.Time
	Meta       RequestMeta
}

// DedupKey is the idempotency key used by the relay to collapse duplicate
// signals, falling back to the nonce when the alert did not set one.
func (v *ValidatedAlert) DedupKey() string {
	key := v.Payload.IdempotencyKey
	if key == "" {
		key = v.Payload.Nonce
	}
	return fmt.Sprintf("idemp:%s:%s:%s", v.Payload.Symbol, v.Payload.Event, key)
}
