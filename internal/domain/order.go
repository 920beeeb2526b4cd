package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Order sides, types, and time-in-force values understood by brokers.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderTypeMarket          = "MKT"
	OrderTypeLimit           = "LMT"
	OrderTypeMarketableLimit = "MLMT"

	TIFDay = "DAY"
	TIFGTC = "GTC"
)

// NormalizeOrderType maps the lenient spellings accepted in alert bodies
// onto the canonical order type constants. Unknown or empty values fall
// back to MarketableLimit, matching the strategy's default.
func NormalizeOrderType(s string) string {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "")) {
	case "market", "mkt":
		return OrderTypeMarket
	case "limit", "lmt":
		return OrderTypeLimit
	case "marketablelimit", "mlmt", "":
		return OrderTypeMarketableLimit
	default:
		return OrderTypeMarketableLimit
	}
}

// OrderRequest is what the relay hands to a broker after all policy checks
// have resolved the effective type, quantity, and limit price.
type OrderRequest struct {
	Symbol     string
	Side       string // SideBuy or SideSell
	Quantity   int
	OrderType  string // OrderTypeMarket or OrderTypeLimit; MLMT is resolved before this point
	LimitPrice *decimal.Decimal
	TIF        string
	Exchange   string
	Currency   string
	OutsideRTH bool
}

// OrderResult is the broker's acknowledgement of a placed order.
type OrderResult struct {
	OrderID string
	Status  string
	Symbol  string
	Side    string
	Qty     int
	Raw     map[string]any
}
