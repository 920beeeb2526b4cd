// Package questrade places orders through the Questrade REST API. The
// API uses rotating OAuth refresh tokens: every token refresh returns a
// new refresh token and a per-session API server, both of which must be
// persisted or the session is lost. The cache file is shared across
// processes, so a rotation by another process is picked up on a failed
// refresh.
package questrade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/sniper-relay/internal/domain"
)

const (
	liveLoginHost     = "https://login.questrade.com"
	practiceLoginHost = "https://practicelogin.questrade.com"

	// Refresh when less than a minute of access-token lifetime remains.
	expirySlack = time.Minute
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLoginHost overrides the OAuth host (useful for tests).
func WithLoginHost(host string) ClientOption {
	return func(c *Client) {
		c.loginHost = strings.TrimSuffix(host, "/")
	}
}

type authState struct {
	RefreshToken string  `json:"refresh_token"`
	AccessToken  string  `json:"access_token"`
	APIServer    string  `json:"api_server"`
	ExpiresAt    float64 `json:"expires_at"`
	Live         bool    `json:"live"`
	SavedAt      float64 `json:"saved_at"`
}

// Client is an authenticated Questrade REST client bound to one account.
type Client struct {
	loginHost  string
	cachePath  string
	live       bool
	httpClient *http.Client
	now        func() time.Time

	mu        sync.Mutex
	auth      authState
	accountID string
	symbolIDs map[string]int64
}

// NewClient creates a client. seedRefreshToken is only used when the
// cache file has no rotated token yet; after the first refresh the
// cache is authoritative.
func NewClient(live bool, seedRefreshToken, cachePath string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		loginHost:  practiceLoginHost,
		cachePath:  cachePath,
		live:       live,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		now:        time.Now,
		symbolIDs:  make(map[string]int64),
	}
	if live {
		c.loginHost = liveLoginHost
	}
	for _, opt := range opts {
		opt(c)
	}

	c.auth = readAuthCache(cachePath)
	if c.auth.RefreshToken == "" {
		c.auth.RefreshToken = strings.TrimSpace(seedRefreshToken)
	}
	if c.auth.RefreshToken == "" {
		return nil, fmt.Errorf("questrade: no refresh token in cache %s or seed", cachePath)
	}
	return c, nil
}

func readAuthCache(path string) authState {
	raw, err := os.ReadFile(path)
	if err != nil {
		return authState{}
	}
	var st authState
	if err := json.Unmarshal(raw, &st); err != nil {
		return authState{}
	}
	return st
}

// writeAuthCache writes atomically so concurrent readers never see a
// torn file.
func writeAuthCache(path string, st authState) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".qt_tmp_")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	if err := enc.Encode(st); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (c *Client) tokenValid() bool {
	return c.auth.AccessToken != "" && c.auth.APIServer != "" &&
		c.now().Before(time.Unix(int64(c.auth.ExpiresAt), 0).Add(-expirySlack))
}

// refreshTokens exchanges the refresh token. A 400 usually means another
// process already rotated it, so the cache is re-read for a newer token
// before giving up. Caller holds c.mu.
func (c *Client) refreshTokens(ctx context.Context) error {
	data, err := c.exchangeToken(ctx, c.auth.RefreshToken)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusBadRequest {
			latest := readAuthCache(c.cachePath).RefreshToken
			if latest != "" && latest != c.auth.RefreshToken {
				c.auth.RefreshToken = latest
				data, err = c.exchangeToken(ctx, latest)
			}
		}
		if err != nil {
			return err
		}
	}

	c.auth.AccessToken = data.AccessToken
	c.auth.APIServer = strings.TrimSuffix(data.APIServer, "/")
	expiresIn := data.ExpiresIn
	if expiresIn < 60 {
		expiresIn = 60
	}
	c.auth.ExpiresAt = float64(c.now().Unix() + int64(expiresIn))
	if rt := strings.TrimSpace(data.RefreshToken); rt != "" {
		c.auth.RefreshToken = rt
	}
	c.auth.Live = c.live
	c.auth.SavedAt = float64(c.now().Unix())

	if err := writeAuthCache(c.cachePath, c.auth); err != nil {
		return fmt.Errorf("questrade: persist auth cache: %w", err)
	}
	return nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	APIServer    string `json:"api_server"`
	ExpiresIn    int    `json:"expires_in"`
}

func (c *Client) exchangeToken(ctx context.Context, refreshToken string) (*tokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.loginHost+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("questrade: create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("questrade: token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("questrade: read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &apiError{Status: resp.StatusCode, Body: string(body)}
	}
	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("questrade: unmarshal token response: %w", err)
	}
	return &tok, nil
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("questrade: API returned %d: %s", e.Status, e.Body)
}

// apiURL joins path onto the session's API server, auto-prefixing /v1
// so callers can pass "/symbols" or "/v1/symbols".
func (c *Client) apiURL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if !strings.HasPrefix(path, "/v1/") {
		path = "/v1" + path
	}
	return c.auth.APIServer + path
}

// call issues one authenticated request, refreshing the session first if
// the access token is stale and retrying once on a 401.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.tokenValid() {
		if err := c.refreshTokens(ctx); err != nil {
			return err
		}
	}

	status, err := c.doLocked(ctx, method, path, body, out)
	if err != nil && status == http.StatusUnauthorized {
		if err := c.refreshTokens(ctx); err != nil {
			return err
		}
		_, err = c.doLocked(ctx, method, path, body, out)
	}
	return err
}

func (c *Client) doLocked(ctx context.Context, method, path string, body, out any) (int, error) {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("questrade: marshal request: %w", err)
		}
		reqBody = strings.NewReader(string(raw))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiURL(path), reqBody)
	if err != nil {
		return 0, fmt.Errorf("questrade: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.auth.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("questrade: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("questrade: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &apiError{Status: resp.StatusCode, Body: string(respBody)}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("questrade: unmarshal response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// accountNumber returns the primary account, resolving and caching it on
// first use. Caller must NOT hold c.mu.
func (c *Client) accountNumber(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.accountID
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	var out struct {
		Accounts []struct {
			Number    string `json:"number"`
			IsPrimary bool   `json:"isPrimary"`
		} `json:"accounts"`
	}
	if err := c.call(ctx, http.MethodGet, "/accounts", nil, &out); err != nil {
		return "", err
	}
	if len(out.Accounts) == 0 {
		return "", fmt.Errorf("questrade: no accounts on session")
	}
	number := out.Accounts[0].Number
	for _, a := range out.Accounts {
		if a.IsPrimary {
			number = a.Number
			break
		}
	}

	c.mu.Lock()
	c.accountID = number
	c.mu.Unlock()
	return number, nil
}

// SymbolID resolves a ticker (AAPL, RY.TO) to its Questrade symbol id.
func (c *Client) SymbolID(ctx context.Context, symbol string) (int64, error) {
	c.mu.Lock()
	cached, ok := c.symbolIDs[symbol]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	var out struct {
		Symbols []struct {
			Symbol   string `json:"symbol"`
			SymbolID int64  `json:"symbolId"`
		} `json:"symbols"`
	}
	if err := c.call(ctx, http.MethodGet, "/symbols?names="+url.QueryEscape(symbol), nil, &out); err != nil {
		return 0, err
	}
	if len(out.Symbols) == 0 {
		return 0, fmt.Errorf("questrade: symbol %s not found", symbol)
	}
	id := out.Symbols[0].SymbolID

	c.mu.Lock()
	c.symbolIDs[symbol] = id
	c.mu.Unlock()
	return id, nil
}

// Quote returns the last trade price, falling back to the bid/ask
// midpoint when the market has no prints yet.
func (c *Client) Quote(ctx context.Context, symbol, exchange, currency string) (decimal.Decimal, bool, error) {
	id, err := c.SymbolID(ctx, symbol)
	if err != nil {
		return decimal.Zero, false, err
	}

	var out struct {
		Quotes []struct {
			LastTradePrice *decimal.Decimal `json:"lastTradePrice"`
			BidPrice       *decimal.Decimal `json:"bidPrice"`
			AskPrice       *decimal.Decimal `json:"askPrice"`
		} `json:"quotes"`
	}
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/markets/quotes?ids=%d", id), nil, &out); err != nil {
		return decimal.Zero, false, err
	}
	if len(out.Quotes) == 0 {
		return decimal.Zero, false, nil
	}
	q := out.Quotes[0]
	if q.LastTradePrice != nil && q.LastTradePrice.Sign() > 0 {
		return *q.LastTradePrice, true, nil
	}
	if q.BidPrice != nil && q.AskPrice != nil && q.BidPrice.Sign() > 0 && q.AskPrice.Sign() > 0 {
		return q.BidPrice.Add(*q.AskPrice).Div(decimal.NewFromInt(2)), true, nil
	}
	return decimal.Zero, false, nil
}

// PositionQty returns the open quantity held for the symbol.
func (c *Client) PositionQty(ctx context.Context, symbol, exchange, currency string) (decimal.Decimal, error) {
	account, err := c.accountNumber(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	var out struct {
		Positions []struct {
			Symbol       string          `json:"symbol"`
			OpenQuantity decimal.Decimal `json:"openQuantity"`
		} `json:"positions"`
	}
	if err := c.call(ctx, http.MethodGet, "/accounts/"+url.PathEscape(account)+"/positions", nil, &out); err != nil {
		return decimal.Zero, err
	}
	for _, p := range out.Positions {
		if strings.EqualFold(p.Symbol, symbol) {
			return p.OpenQuantity, nil
		}
	}
	return decimal.Zero, nil
}

// PlaceOrder submits the order against the primary account.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	account, err := c.accountNumber(ctx)
	if err != nil {
		return nil, err
	}
	id, err := c.SymbolID(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"symbolId":       id,
		"quantity":       req.Quantity,
		"orderType":      orderTypeName(req.OrderType),
		"timeInForce":    tifName(req.TIF),
		"action":         actionName(req.Side),
		"primaryRoute":   "AUTO",
		"secondaryRoute": "AUTO",
	}
	if req.OrderType == domain.OrderTypeLimit {
		if req.LimitPrice == nil {
			return nil, fmt.Errorf("questrade: limit order without price for %s", req.Symbol)
		}
		payload["limitPrice"] = req.LimitPrice.InexactFloat64()
	}

	var out struct {
		OrderID int64 `json:"orderId"`
		Orders  []struct {
			ID    int64  `json:"id"`
			State string `json:"state"`
		} `json:"orders"`
	}
	if err := c.call(ctx, http.MethodPost, "/accounts/"+url.PathEscape(account)+"/orders", payload, &out); err != nil {
		return nil, err
	}

	orderID := out.OrderID
	state := "Pending"
	if len(out.Orders) > 0 {
		if orderID == 0 {
			orderID = out.Orders[0].ID
		}
		if out.Orders[0].State != "" {
			state = out.Orders[0].State
		}
	}
	return &domain.OrderResult{
		OrderID: fmt.Sprintf("%d", orderID),
		Status:  state,
		Symbol:  req.Symbol,
		Side:    req.Side,
		Qty:     req.Quantity,
	}, nil
}

// CancelOpenOrders cancels open orders, filtered to symbol when one is
// given.
func (c *Client) CancelOpenOrders(ctx context.Context, symbol string) (int, error) {
	account, err := c.accountNumber(ctx)
	if err != nil {
		return 0, err
	}

	var out struct {
		Orders []struct {
			ID     int64  `json:"id"`
			Symbol string `json:"symbol"`
		} `json:"orders"`
	}
	path := "/accounts/" + url.PathEscape(account) + "/orders?stateFilter=Open"
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return 0, err
	}

	canceled := 0
	for _, o := range out.Orders {
		if symbol != "" && !strings.EqualFold(o.Symbol, symbol) {
			continue
		}
		cancelPath := fmt.Sprintf("/accounts/%s/orders/%d", url.PathEscape(account), o.ID)
		if err := c.call(ctx, http.MethodDelete, cancelPath, nil, nil); err != nil {
			return canceled, err
		}
		canceled++
	}
	return canceled, nil
}

func orderTypeName(t string) string {
	if t == domain.OrderTypeLimit {
		return "Limit"
	}
	return "Market"
}

func tifName(tif string) string {
	if tif == domain.TIFGTC {
		return "GoodTillCanceled"
	}
	return "Day"
}

func actionName(side string) string {
	if side == domain.SideSell {
		return "Sell"
	}
	return "Buy"
}
