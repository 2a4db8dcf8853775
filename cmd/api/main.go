package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"stockmesh/internal/config"
	"stockmesh/internal/gateway"
	"stockmesh/internal/observability"
	"stockmesh/internal/server"
)

func main() {
	cfg := config.Load("api-gateway", "8080")
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

	r := server.NewRouter(cfg, logger, observability.NewMetrics(), nil)
	err = gateway.Mount(r, []gateway.Upstream{
		{Name: "catalog", Prefix: "/api/v1/products", Target: cfg.CatalogServiceURL},
		{Name: "inventory", Prefix: "/api/v1/inventories", Target: cfg.InventoryServiceURL},
	}, logger)
	if err != nil {
		logger.Fatal("failed to configure upstreams", zap.Error(err))
	}

	logger.Info("starting api gateway",
		zap.String("port", cfg.Port),
		zap.String("catalog", cfg.CatalogServiceURL),
		zap.String("inventory", cfg.InventoryServiceURL),
	)
	if err := server.Run(ctx, server.NewHTTPServer(cfg.Port, r), logger, cfg.ShutdownTimeout); err != nil {
		logger.Fatal("api gateway stopped", zap.Error(err))
	}
}
