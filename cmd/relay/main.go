package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/tradeforge/sniper-relay/internal/audit"
	"github.com/tradeforge/sniper-relay/internal/broker/ibkr"
	"github.com/tradeforge/sniper-relay/internal/broker/paper"
	"github.com/tradeforge/sniper-relay/internal/broker/questrade"
	"github.com/tradeforge/sniper-relay/internal/config"
	"github.com/tradeforge/sniper-relay/internal/domain"
	"github.com/tradeforge/sniper-relay/internal/gate"
	"github.com/tradeforge/sniper-relay/internal/noncestore"
	"github.com/tradeforge/sniper-relay/internal/relay"
	"github.com/tradeforge/sniper-relay/internal/server"
	"github.com/tradeforge/sniper-relay/internal/telemetry"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdownTracer, err := telemetry.Setup("sniper-relay", cfg.Server.TracingEnabled)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	nonces, err := openNonceStore(cfg.NonceStore)
	if err != nil {
		log.Fatalf("Failed to open nonce store: %v", err)
	}
	defer nonces.Close()

	idemp, err := openIdempStore(cfg.NonceStore)
	if err != nil {
		log.Fatalf("Failed to open idempotency store: %v", err)
	}
	defer idemp.Close()

	g, err := gate.New(gate.Options{
		PathToken:    cfg.Auth.PathToken,
		SharedSecret: cfg.Auth.SharedSecret,
		MaxSkew:      time.Duration(cfg.Auth.MaxSkewSeconds) * time.Second,
		NonceTTL:     time.Duration(cfg.Auth.NonceTTLSeconds) * time.Second,
	}, nonces)
	if err != nil {
		log.Fatalf("Failed to build webhook gate: %v", err)
	}

	broker, err := buildBroker(cfg.Broker)
	if err != nil {
		log.Fatalf("Failed to build broker: %v", err)
	}

	var audits *audit.Store
	if cfg.Audit.Enabled {
		audits, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			log.Fatalf("Failed to open audit store: %v", err)
		}
		defer audits.Close()
	}

	executor, err := relay.NewExecutor(broker, relay.Policy{
		MaxQty:          cfg.Relay.MaxQty,
		MaxNotional:     decimal.NewFromFloat(cfg.Relay.MaxNotionalUSD),
		EnforceRTH:      cfg.Relay.EnforceRTH,
		AllowOutsideRTH: cfg.Relay.AllowOutsideRTH,
		QuotesEnabled:   cfg.Relay.QuotesEnabled,
		IdempotencyTTL:  time.Duration(cfg.Relay.IdempTTLSeconds) * time.Second,
	}, idemp, logger, cfg.Relay.MarketTZ)
	if err != nil {
		log.Fatalf("Failed to build executor: %v", err)
	}

	dispatcher := relay.NewDispatcher(executor,
		cfg.Relay.QueueCapacity, cfg.Relay.Workers, logger, orderAuditHook(audits))

	handler := server.NewWebhookHandler(g, dispatcher, audits, nonces, cfg.Server.MaxBodyBytes)
	srv := server.New(cfg.Server.Port, logger, handler)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	logger.Info("relay started",
		slog.Int("port", cfg.Server.Port),
		slog.String("broker", cfg.Broker.Driver),
		slog.String("nonce_store", cfg.NonceStore.Driver),
		slog.Bool("audit", cfg.Audit.Enabled),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping relay")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}

	// Drain queued signals before releasing the stores.
	dispatcher.Close()
	logger.Info("relay shutdown complete")
}

func openNonceStore(cfg config.NonceStoreConfig) (noncestore.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return noncestore.NewMemory(time.Minute), nil
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = "./sniper_nonces.db"
		}
		return noncestore.NewSQL(path)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("nonce store postgres requires DATABASE_URL")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return noncestore.NewPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown nonce store driver %q", cfg.Driver)
	}
}

// openIdempStore backs signal idempotency with the same driver family as
// the nonce store, but always in its own keyspace: memory gets a second
// map, sqlite a sibling file, postgres a second pool.
func openIdempStore(cfg config.NonceStoreConfig) (noncestore.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = "./sniper_nonces.db"
		}
		return noncestore.NewSQL(path + ".idemp")
	case "postgres":
		// Postgres keys are shared across instances; the idemp: prefix in
		// the keys keeps them apart from raw nonces.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return noncestore.NewPostgres(ctx, cfg.DSN)
	default:
		return noncestore.NewMemory(time.Minute), nil
	}
}

func buildBroker(cfg config.BrokerConfig) (relay.Broker, error) {
	switch cfg.Driver {
	case "", "paper":
		return paper.New(), nil
	case "ibkr":
		return ibkr.NewClient(cfg.IBKR.Host, cfg.IBKR.Port, cfg.IBKR.AccountID), nil
	case "questrade":
		cachePath := cfg.Questrade.CachePath
		if cachePath == "" {
			cachePath = ".qt_auth_practice.json"
			if cfg.Questrade.Live {
				cachePath = ".qt_auth_live.json"
			}
		}
		return questrade.NewClient(cfg.Questrade.Live, cfg.Questrade.RefreshToken, cachePath)
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}

// orderAuditHook records every executed signal's outcome. Returns nil
// when auditing is disabled.
func orderAuditHook(audits *audit.Store) relay.ResultHook {
	if audits == nil {
		return nil
	}
	return func(ctx context.Context, alert *domain.ValidatedAlert, outcome *relay.Outcome, execErr error) {
		rec := &audit.OrderRecord{
			Event:     alert.Payload.Event,
			Symbol:    alert.Payload.Symbol,
			Qty:       alert.Payload.Qty,
			OrderType: alert.Payload.OrderType,
			TIF:       alert.Payload.TimeInForce,
			Exchange:  alert.Payload.Exchange,
			Currency:  alert.Payload.Currency,
			Request:   audit.MarshalRaw(alert.Payload),
		}
		switch {
		case execErr != nil:
			rec.Status = "error"
			rec.Response = audit.MarshalRaw(map[string]string{"error": execErr.Error()})
		case outcome != nil:
			rec.Status = outcome.Status
			if outcome.Reason != "" {
				rec.Response = audit.MarshalRaw(map[string]string{"reason": outcome.Reason})
			}
			if outcome.Order != nil {
				rec.OrderID = outcome.Order.OrderID
				rec.Response = audit.MarshalRaw(outcome.Order)
			}
		}
		if _, err := audits.RecordOrder(ctx, rec); err != nil {
			slog.Error("failed to record order audit", slog.String("error", err.Error()))
		}
	}
}
