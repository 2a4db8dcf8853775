// Command reconcile removes inventory records whose product no longer resolves
// in the catalog, then exits.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"stockmesh/internal/clients"
	"stockmesh/internal/config"
	"stockmesh/internal/eventstore"
	"stockmesh/internal/inventory"
	"stockmesh/internal/inventory/pgstore"
	"stockmesh/internal/observability"
	"stockmesh/internal/server"
)

func main() {
	timeout := pflag.Duration("timeout", 10*time.Minute, "abort the sweep after this long")
	pflag.Parse()

	cfg := config.Load("inventory-reconcile", "0")
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
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	db, err := server.OpenPostgres(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	notifier := inventory.NewNotifier(logger, nil)
	notifier.Subscribe(inventory.NewJournalSubscriber(eventstore.NewEventStore(db)))

	products := clients.NewProductClient(clients.ProductClientConfig{
		BaseURL:     cfg.ProductServiceURL,
		APIKey:      cfg.ProductServiceAPIKey,
		Timeout:     cfg.ProductTimeout,
		MaxFailures: cfg.BreakerMaxFailures,
		OpenTimeout: cfg.BreakerOpenTimeout,
	}, logger, nil)

	svc := inventory.NewService(pgstore.New(db), products, notifier, logger)
	removed, err := svc.ReconcileOrphans(ctx)
	if err != nil {
		logger.Error("reconciliation finished with errors", zap.Int("removed", removed), zap.Error(err))
		os.Exit(1)
	}
	logger.Info("reconciliation complete", zap.Int("removed", removed))
}
