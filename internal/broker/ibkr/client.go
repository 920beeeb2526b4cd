// Package ibkr places orders through the Interactive Brokers Client
// Portal gateway, the local HTTPS daemon that fronts an authenticated
// brokerage session. All requests go to the gateway's REST API; the
// gateway itself handles the TWS session and two-factor handshake.
package ibkr

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/sniper-relay/internal/domain"
)

// Market data field ids for /iserver/marketdata/snapshot.
const (
	fieldLastPrice = "31"
	fieldBidPrice  = "84"
	fieldAskPrice  = "86"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL (useful for tests).
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client talks to a Client Portal gateway on behalf of one account.
type Client struct {
	baseURL    string
	accountID  string
	httpClient *http.Client

	mu     sync.Mutex
	conids map[string]int64 // symbol -> contract id
}

// NewClient creates a client for the gateway at host:port. The gateway
// serves HTTPS with a self-signed certificate, so the default transport
// skips verification; pass WithHTTPClient to override.
func NewClient(host string, port int, accountID string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   fmt.Sprintf("https://%s:%d/v1/api", host, port),
		accountID: accountID,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		conids: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("ibkr: gateway returned %d: %s", e.Status, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ibkr: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("ibkr: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ibkr: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ibkr: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{Status: resp.StatusCode, Body: string(respBody)}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("ibkr: unmarshal response: %w", err)
		}
	}
	return nil
}

// resolveConid looks up the contract id for a stock symbol, preferring a
// listing that matches the requested exchange. Results are cached for the
// lifetime of the client.
func (c *Client) resolveConid(ctx context.Context, symbol, exchange string) (int64, error) {
	c.mu.Lock()
	if id, ok := c.conids[symbol]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	var results []struct {
		Conid       json.Number `json:"conid"`
		Symbol      string      `json:"symbol"`
		Description string      `json:"description"`
		SecType     string      `json:"secType"`
	}
	path := "/iserver/secdef/search?symbol=" + url.QueryEscape(symbol) + "&secType=STK"
	if err := c.do(ctx, http.MethodGet, path, nil, &results); err != nil {
		return 0, err
	}

	var picked int64
	for _, r := range results {
		if r.SecType != "" && r.SecType != "STK" {
			continue
		}
		id, err := r.Conid.Int64()
		if err != nil {
			continue
		}
		if picked == 0 {
			picked = id
		}
		if exchange != "" && strings.Contains(r.Description, exchange) {
			picked = id
			break
		}
	}
	if picked == 0 {
		return 0, fmt.Errorf("ibkr: no contract found for %s", symbol)
	}

	c.mu.Lock()
	c.conids[symbol] = picked
	c.mu.Unlock()
	return picked, nil
}

// Quote returns the last trade price for the symbol, falling back to the
// bid/ask midpoint. The snapshot endpoint needs a priming call before it
// returns fields, so an empty first response is retried once.
func (c *Client) Quote(ctx context.Context, symbol, exchange, currency string) (decimal.Decimal, bool, error) {
	conid, err := c.resolveConid(ctx, symbol, exchange)
	if err != nil {
		return decimal.Zero, false, err
	}

	path := fmt.Sprintf("/iserver/marketdata/snapshot?conids=%d&fields=%s,%s,%s",
		conid, fieldLastPrice, fieldBidPrice, fieldAskPrice)

	for attempt := 0; attempt < 2; attempt++ {
		var rows []map[string]any
		if err := c.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
			return decimal.Zero, false, err
		}
		if len(rows) == 0 {
			continue
		}
		row := rows[0]
		if px, ok := snapshotPrice(row[fieldLastPrice]); ok {
			return px, true, nil
		}
		bid, bidOK := snapshotPrice(row[fieldBidPrice])
		ask, askOK := snapshotPrice(row[fieldAskPrice])
		if bidOK && askOK {
			return bid.Add(ask).Div(decimal.NewFromInt(2)), true, nil
		}
	}
	return decimal.Zero, false, nil
}

// snapshotPrice parses a snapshot field value. The gateway returns prices
// as strings and prefixes halted or delayed values ("C123.45", "H123.45").
func snapshotPrice(v any) (decimal.Decimal, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return decimal.Zero, false
	}
	s = strings.TrimLeft(s, "CH")
	px, err := decimal.NewFromString(s)
	if err != nil || px.Sign() <= 0 {
		return decimal.Zero, false
	}
	return px, true
}

// PositionQty returns the net held quantity for the symbol.
func (c *Client) PositionQty(ctx context.Context, symbol, exchange, currency string) (decimal.Decimal, error) {
	conid, err := c.resolveConid(ctx, symbol, exchange)
	if err != nil {
		return decimal.Zero, err
	}

	var positions []struct {
		Conid    int64           `json:"conid"`
		Position decimal.Decimal `json:"position"`
	}
	path := fmt.Sprintf("/portfolio/%s/position/%d", url.PathEscape(c.accountID), conid)
	if err := c.do(ctx, http.MethodGet, path, nil, &positions); err != nil {
		return decimal.Zero, err
	}

	qty := decimal.Zero
	for _, p := range positions {
		if p.Conid == conid {
			qty = qty.Add(p.Position)
		}
	}
	return qty, nil
}

type orderTicket struct {
	Conid      int64   `json:"conid"`
	OrderType  string  `json:"orderType"`
	Side       string  `json:"side"`
	Quantity   int     `json:"quantity"`
	Price      float64 `json:"price,omitempty"`
	TIF        string  `json:"tif"`
	OutsideRTH bool    `json:"outsideRTH"`
}

type orderAck struct {
	OrderID     string   `json:"order_id"`
	OrderStatus string   `json:"order_status"`
	ID          string   `json:"id"`
	Message     []string `json:"message"`
}

// PlaceOrder submits the order, answering any confirmation prompts the
// gateway raises (price caps, market order warnings) until it returns a
// real order id.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	conid, err := c.resolveConid(ctx, req.Symbol, req.Exchange)
	if err != nil {
		return nil, err
	}

	ticket := orderTicket{
		Conid:      conid,
		OrderType:  req.OrderType,
		Side:       req.Side,
		Quantity:   req.Quantity,
		TIF:        req.TIF,
		OutsideRTH: req.OutsideRTH,
	}
	if req.OrderType == domain.OrderTypeLimit {
		if req.LimitPrice == nil {
			return nil, fmt.Errorf("ibkr: limit order without price for %s", req.Symbol)
		}
		ticket.Price = req.LimitPrice.InexactFloat64()
	}

	var acks []orderAck
	path := fmt.Sprintf("/iserver/account/%s/orders", url.PathEscape(c.accountID))
	if err := c.do(ctx, http.MethodPost, path, map[string]any{"orders": []orderTicket{ticket}}, &acks); err != nil {
		return nil, err
	}

	// The gateway may interpose up to a handful of confirmation dialogs.
	for i := 0; i < 5; i++ {
		if len(acks) == 0 {
			return nil, fmt.Errorf("ibkr: empty order response for %s", req.Symbol)
		}
		ack := acks[0]
		if ack.OrderID != "" {
			return &domain.OrderResult{
				OrderID: ack.OrderID,
				Status:  ack.OrderStatus,
				Symbol:  req.Symbol,
				Side:    req.Side,
				Qty:     req.Quantity,
				Raw:     map[string]any{"messages": ack.Message},
			}, nil
		}
		if ack.ID == "" {
			return nil, fmt.Errorf("ibkr: order for %s neither acknowledged nor prompted", req.Symbol)
		}
		acks = nil
		replyPath := "/iserver/reply/" + url.PathEscape(ack.ID)
		if err := c.do(ctx, http.MethodPost, replyPath, map[string]any{"confirmed": true}, &acks); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("ibkr: too many confirmation prompts for %s", req.Symbol)
}

// CancelOpenOrders cancels every live order, or only those for symbol
// when one is given.
func (c *Client) CancelOpenOrders(ctx context.Context, symbol string) (int, error) {
	var listing struct {
		Orders []struct {
			OrderID json.Number `json:"orderId"`
			Ticker  string      `json:"ticker"`
			Status  string      `json:"status"`
		} `json:"orders"`
	}
	if err := c.do(ctx, http.MethodGet, "/iserver/account/orders", nil, &listing); err != nil {
		return 0, err
	}

	canceled := 0
	for _, o := range listing.Orders {
		switch o.Status {
		case "Cancelled", "Filled", "Inactive":
			continue
		}
		if symbol != "" && !strings.EqualFold(o.Ticker, symbol) {
			continue
		}
		id, err := o.OrderID.Int64()
		if err != nil {
			continue
		}
		path := fmt.Sprintf("/iserver/account/%s/order/%s",
			url.PathEscape(c.accountID), strconv.FormatInt(id, 10))
		if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
			return canceled, err
		}
		canceled++
	}
	return canceled, nil
}
