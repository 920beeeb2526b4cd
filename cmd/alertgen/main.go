// alertgen sends a signed test alert at a running relay, the same shape a
// TradingView webhook would produce. The signature goes in the X-Signature
// header; pass -body-secret to embed the secret in the body instead, the
// way TradingView alerts do when custom headers are unavailable.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/tradeforge/sniper-relay/internal/domain"
	"github.com/tradeforge/sniper-relay/internal/gate"
)

func main() {
	_ = godotenv.Load()

	base := flag.String("base", "http://127.0.0.1:8080", "relay base URL")
	token := flag.String("token", os.Getenv("PATH_TOKEN"), "webhook path token")
	secret := flag.String("secret", os.Getenv("SHARED_SECRET"), "shared HMAC secret")
	event := flag.String("event", "BUY", "event: BUY | SELL | EXIT | CANCEL")
	symbol := flag.String("symbol", "TSLA", "ticker symbol")
	exchange := flag.String("exchange", "SMART", "exchange routing")
	qty := flag.Int("qty", 5, "share quantity")
	orderType := flag.String("order-type", "MarketableLimit", "order type: MarketableLimit | Market | Limit")
	limitPrice := flag.Float64("limit-price", 0, "limit price (for -order-type Limit)")
	offsetBps := flag.Int("offset-bps", 30, "marketable limit offset in basis points")
	interval := flag.String("interval", "5", "strategy bar interval")
	bodySecret := flag.Bool("body-secret", false, "put the secret in the body instead of signing")
	flag.Parse()

	if *token == "" || *secret == "" {
		fmt.Fprintln(os.Stderr, "alertgen: -token and -secret are required (or PATH_TOKEN / SHARED_SECRET in the environment)")
		os.Exit(1)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	nonce := uuid.NewString()

	payload := domain.AlertPayload{
		Version:        "1",
		StrategyID:     "sniper_v13_2",
		Event:          *event,
		Symbol:         *symbol,
		Exchange:       *exchange,
		Currency:       "USD",
		Interval:       *interval,
		Qty:            *qty,
		OrderType:      *orderType,
		LimitOffsetBps: *offsetBps,
		TimeInForce:    domain.TIFDay,
		Time:           now,
		Nonce:          nonce,
		IdempotencyKey: fmt.Sprintf("v1-%s-%s-%s-%s", *symbol, *interval, now, nonce[:8]),
	}
	if *limitPrice > 0 {
		px := decimal.NewFromFloat(*limitPrice)
		payload.LimitPrice = &px
	}
	if *bodySecret {
		payload.Secret = *secret
	}

	body, err := json.Marshal(payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "alertgen: marshal payload: %v\n", err)
		os.Exit(1)
	}

	url := fmt.Sprintf("%s/webhook/%s", *base, *token)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "alertgen: build request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	if !*bodySecret {
		req.Header.Set("X-Signature", gate.Sign(*secret, body))
	}

	fmt.Println("POST", url)
	fmt.Println("BODY", string(body))

	client := &http.Client{Timeout: 12 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "alertgen: request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	fmt.Println("STATUS", resp.StatusCode)
	fmt.Println("RESP  ", string(respBody))
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}
