package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"stockmesh/internal/clients"
	"stockmesh/internal/config"
	"stockmesh/internal/eventstore"
	"stockmesh/internal/idempotency"
	"stockmesh/internal/inventory"
	"stockmesh/internal/inventory/memstore"
	"stockmesh/internal/inventory/pgstore"
	"stockmesh/internal/migration"
	"stockmesh/internal/observability"
	"stockmesh/internal/server"
)

func main() {
	cfg := config.Load("inventory", "8082")
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := observability.NewLogger(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal("failed to set up tracing", zap.Error(err))
	}
	defer shutdownTracing(context.Background())

	metrics := observability.NewMetrics()
	checks := map[string]server.Check{}

	notifier := inventory.NewNotifier(logger, metrics)
	notifier.Subscribe(inventory.NewAlertSubscriber(logger, metrics))

	var (
		store   inventory.Store
		handOpt []inventory.HandlerOption
	)
	switch cfg.InventoryStore {
	case config.StoreMemory:
		logger.Warn("using in-memory inventory store; data is lost on restart")
		store = memstore.New()
	default:
		db, err := server.OpenPostgres(ctx, cfg)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		if cfg.MigrateOnStart {
			if err := migration.Run(db.DB, migration.Inventory); err != nil {
				logger.Fatal("failed to run migrations", zap.Error(err))
			}
		}
		checks["database"] = db.PingContext
		store = pgstore.New(db)

		journal := inventory.NewJournalSubscriber(eventstore.NewEventStore(db))
		notifier.Subscribe(journal)
		handOpt = append(handOpt, inventory.WithHistory(journal))
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		handOpt = append(handOpt, inventory.WithIdempotency(idempotency.New(rdb, cfg.IdempotencyTTL)))
	}

	products := clients.NewProductClient(clients.ProductClientConfig{
		BaseURL:     cfg.ProductServiceURL,
		APIKey:      cfg.ProductServiceAPIKey,
		Timeout:     cfg.ProductTimeout,
		MaxFailures: cfg.BreakerMaxFailures,
		OpenTimeout: cfg.BreakerOpenTimeout,
	}, logger, metrics)

	svc := inventory.NewService(store, products, notifier, logger, inventory.WithMetrics(metrics))
	handler := inventory.NewHandler(svc, logger, handOpt...)

	r := server.NewRouter(cfg, logger, metrics, checks)
	r.Route("/api/v1/inventories", handler.Routes)

	logger.Info("starting inventory service",
		zap.String("port", cfg.Port),
		zap.String("store", cfg.InventoryStore),
		zap.String("product_service", cfg.ProductServiceURL),
		zap.Bool("idempotency", cfg.RedisAddr != ""),
	)
	if err := server.Run(ctx, server.NewHTTPServer(cfg.Port, r), logger, cfg.ShutdownTimeout); err != nil {
		logger.Fatal("inventory service stopped", zap.Error(err))
	}
}
