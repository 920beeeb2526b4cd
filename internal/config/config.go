// Package config loads relay configuration from an optional config.yaml
// overlaid with environment variables. The env names are the flat,
// deployment-facing ones (PATH_TOKEN, SHARED_SECRET, IB_TWS_HOST, ...)
// mapped onto the structured koanf keys.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Auth       AuthConfig       `koanf:"auth"`
	Relay      RelayConfig      `koanf:"relay"`
	NonceStore NonceStoreConfig `koanf:"nonce_store"`
	Audit      AuditConfig      `koanf:"audit"`
	Broker     BrokerConfig     `koanf:"broker"`
}

type ServerConfig struct {
	Port           int  `koanf:"port"`
	MaxBodyBytes   int  `koanf:"max_body_bytes"`
	TracingEnabled bool `koanf:"tracing_enabled"`
}

// AuthConfig carries the webhook gate settings.
type AuthConfig struct {
	PathToken       string `koanf:"path_token"`
	SharedSecret    string `koanf:"shared_secret"`
	NonceTTLSeconds int    `koanf:"nonce_ttl_seconds"`
	MaxSkewSeconds  int    `koanf:"max_skew_seconds"`
}

// RelayConfig carries the execution policy settings.
type RelayConfig struct {
	MaxQty          int     `koanf:"max_qty"`
	MaxNotionalUSD  float64 `koanf:"max_notional_usd"`
	IdempTTLSeconds int     `koanf:"idemp_ttl_seconds"`
	EnforceRTH      bool    `koanf:"enforce_rth"`
	AllowOutsideRTH bool    `koanf:"allow_outside_rth"`
	QuotesEnabled   bool    `koanf:"quotes_enabled"`
	MarketTZ        string  `koanf:"market_tz"`
	QueueCapacity   int     `koanf:"queue_capacity"`
	Workers         int     `koanf:"workers"`
}

// NonceStoreConfig selects the replay cache backing: memory (default),
// sqlite, or postgres for multi-instance deployments.
type NonceStoreConfig struct {
	Driver string `koanf:"driver"`
	Path   string `koanf:"path"` // sqlite file
	DSN    string `koanf:"dsn"`  // postgres connection string
}

type AuditConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// BrokerConfig selects and configures the execution broker.
type BrokerConfig struct {
	Driver    string          `koanf:"driver"` // paper, ibkr, questrade
	IBKR      IBKRConfig      `koanf:"ibkr"`
	Questrade QuestradeConfig `koanf:"questrade"`
}

// IBKRConfig points at an IB Client Portal gateway instance.
type IBKRConfig struct {
	Host      string `koanf:"host"`
	Port      int    `koanf:"port"`
	ClientID  int    `koanf:"client_id"`
	AccountID string `koanf:"account_id"`
}

type QuestradeConfig struct {
	Live         bool   `koanf:"live"`
	RefreshToken string `koanf:"refresh_token"`
	CachePath    string `koanf:"cache_path"`
}

// envKeys maps the flat environment names onto koanf paths. Anything not
// listed here is ignored rather than leaking arbitrary environment into
// the config tree.
var envKeys = map[string]string{
	"PORT":              "server.port",
	"MAX_BODY_BYTES":    "server.max_body_bytes",
	"TRACING_ENABLED":   "server.tracing_enabled",
	"PATH_TOKEN":        "auth.path_token",
	"SHARED_SECRET":     "auth.shared_secret",
	"NONCE_TTL_SECONDS": "auth.nonce_ttl_seconds",
	"MAX_SKEW_SECONDS":  "auth.max_skew_seconds",
	"MAX_QTY":           "relay.max_qty",
	"MAX_NOTIONAL_USD":  "relay.max_notional_usd",
	"IDEMP_TTL_SECONDS": "relay.idemp_ttl_seconds",
	"ENFORCE_RTH":       "relay.enforce_rth",
	"ALLOW_OUTSIDE_RTH": "relay.allow_outside_rth",
	"QUOTES_ENABLED":    "relay.quotes_enabled",
	"MARKET_TZ":         "relay.market_tz",
	"NONCE_STORE":       "nonce_store.driver",
	"NONCE_DB_PATH":     "nonce_store.path",
	"DATABASE_URL":      "nonce_store.dsn",
	"AUDIT_ENABLED":     "audit.enabled",
	"AUDIT_DB_PATH":     "audit.path",
	"BROKER":            "broker.driver",
	"IB_TWS_HOST":       "broker.ibkr.host",
	"IB_TWS_PORT":       "broker.ibkr.port",
	"IB_CLIENT_ID":      "broker.ibkr.client_id",
	"IB_ACCOUNT_ID":     "broker.ibkr.account_id",
	"QT_LIVE":           "broker.questrade.live",
	"QT_REFRESH_TOKEN":  "broker.questrade.refresh_token",
	"QT_CACHE_PATH":     "broker.questrade.cache_path",
}

var defaults = map[string]any{
	"server.port":             8080,
	"server.max_body_bytes":   10000,
	"auth.nonce_ttl_seconds":  60,
	"auth.max_skew_seconds":   15,
	"relay.max_qty":           100,
	"relay.max_notional_usd":  0.0,
	"relay.idemp_ttl_seconds": 600,
	"relay.quotes_enabled":    true,
	"relay.market_tz":         "America/New_York",
	"relay.queue_capacity":    64,
	"relay.workers":           1,
	"nonce_store.driver":      "memory",
	"audit.path":              "./sniper_audit.db",
	"broker.driver":           "paper",
	"broker.ibkr.host":        "127.0.0.1",
	"broker.ibkr.port":        7496,
	"broker.ibkr.client_id":   201,
}

// Load reads configPath (a missing file is fine) and applies env overrides.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeys[s] // unmapped vars map to "" and are dropped
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Auth.PathToken == "" {
		return nil, fmt.Errorf("PATH_TOKEN is required")
	}
	if cfg.Auth.SharedSecret == "" {
		return nil, fmt.Errorf("SHARED_SECRET is required")
	}
	return &cfg, nil
}
