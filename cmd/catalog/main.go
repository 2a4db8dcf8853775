package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"stockmesh/internal/catalog"
	"stockmesh/internal/config"
	"stockmesh/internal/migration"
	"stockmesh/internal/observability"
	"stockmesh/internal/server"
)

func main() {
	cfg := config.Load("catalog", "8081")
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

	var repo catalog.Repository
	switch cfg.CatalogStore {
	case config.StoreMemory:
		logger.Warn("using in-memory product repository; data is lost on restart")
		repo = catalog.NewMemoryRepository()
	default:
		db, err := server.OpenPostgres(ctx, cfg)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		if cfg.MigrateOnStart {
			if err := migration.Run(db.DB, migration.Catalog); err != nil {
				logger.Fatal("failed to run migrations", zap.Error(err))
			}
		}
		checks["database"] = db.PingContext
		repo = catalog.NewPostgresRepository(db)
	}

	handler := catalog.NewHandler(catalog.NewService(repo, logger), logger)

	r := server.NewRouter(cfg, logger, metrics, checks)
	r.Route("/api/v1/products", handler.Routes)

	logger.Info("starting catalog service", zap.String("port", cfg.Port), zap.String("store", cfg.CatalogStore))
	if err := server.Run(ctx, server.NewHTTPServer(cfg.Port, r), logger, cfg.ShutdownTimeout); err != nil {
		logger.Fatal("catalog service stopped", zap.Error(err))
	}
}
