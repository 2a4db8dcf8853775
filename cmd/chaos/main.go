package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"stockmesh/internal/chaos"
	"stockmesh/internal/observability"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the game day config (default: chaos.yml in . or /etc/stockmesh)")
	only := pflag.StringSlice("only", nil, "run only the named experiments")
	pflag.Parse()

	logger, err := observability.NewLogger("chaos", "info", "console")
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := chaos.LoadGameDayConfig(*configPath)
	if err != nil {
		logger.Fatal("failed to load game day config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	engine := chaos.NewEngine(logger,
		chaos.WithPause(cfg.Pause),
		chaos.WithSampleInterval(cfg.SampleInterval),
	)
	chaos.NewSuite(db, cfg.Target(), logger).Register(engine)

	scenarios := engine.Experiments()
	if len(*only) > 0 {
		scenarios = filter(scenarios, *only)
		if len(scenarios) == 0 {
			logger.Fatal("no registered experiment matches --only", zap.Strings("only", *only))
		}
	}

	held, err := engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:         cfg.Name,
		Date:         time.Now(),
		Scenarios:    scenarios,
		Participants: cfg.Participants,
	})
	if err != nil {
		logger.Fatal("game day aborted", zap.Error(err))
	}
	if !held {
		logger.Error("one or more hypotheses were disproved")
		os.Exit(2)
	}
}

func filter(experiments []chaos.Experiment, names []string) []chaos.Experiment {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := make([]chaos.Experiment, 0, len(names))
	for _, e := range experiments {
		if want[e.Name] {
			out = append(out, e)
		}
	}
	return out
}
