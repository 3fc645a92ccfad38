package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"lpbot-go/internal/config"
	"lpbot-go/internal/engine"
	"lpbot-go/internal/events"
	"lpbot-go/internal/exchange"
	"lpbot-go/internal/execution"
	"lpbot-go/internal/inventory"
	"lpbot-go/internal/jitter"
	"lpbot-go/internal/journal"
	"lpbot-go/internal/metrics"
	"lpbot-go/internal/paper"
	"lpbot-go/internal/quote"
	"lpbot-go/internal/risk"
	"lpbot-go/internal/stoploss"
	"lpbot-go/internal/util"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to the YAML config")
	envPath := flag.String("env", ".env", "optional .env file with LPBOT_* overrides")
	flag.Parse()

	log := util.NewLogger("info")
	if err := config.LoadEnv(*envPath); err != nil {
		log.Warn().Err(err).Msg("load .env")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatal().Err(err).Msg("apply env overrides")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	log = util.NewLogger(cfg.App.LogLevel)
	if !cfg.App.DryRun {
		log.Fatal().Msg("live order submission is not available; set app.dry_run: true")
	}
	snapshot := *cfg

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus := events.NewBus(log)
	srv := metrics.Serve(snapshot.App.MetricsAddr, map[string]http.Handler{"/events": events.NewStream(bus, log)})
	log.Info().Str("addr", snapshot.App.MetricsAddr).Msg("metrics up")

	client, err := exchange.NewClient(log, snapshot)
	if err != nil {
		log.Fatal().Err(err).Msg("exchange client")
	}

	trades, err := journal.Open(snapshot.App.JournalPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open journal")
	}
	defer trades.Close()

	clock := util.SystemClock{}
	j := jitter.Seeded(time.Now().UnixNano())
	ledger := inventory.NewLedger(snapshot.Risk.StartingBalance)
	gate := risk.NewGate(log, risk.NewSession(), risk.NewVolumeBook(), bus)
	venue := paper.NewVenue(log, snapshot.Paper.FillProbability, snapshot.Paper.Seed, clock)
	pipeline := execution.NewPipeline(log, snapshot, gate, j, venue, ledger,
		execution.WithJournal(trades),
		execution.WithEvents(bus),
		execution.WithClock(clock),
	)

	eng, err := engine.New(log, snapshot, engine.Deps{
		Markets:  client,
		Books:    client,
		Prices:   client,
		Pipeline: pipeline,
		Gate:     gate,
		Ledger:   ledger,
		Tracker:  quote.NewTracker(log, snapshot.FillCooldown(), bus),
		Planner:  quote.NewPlanner(log),
		Monitor:  stoploss.NewMonitor(log, snapshot, bus),
		Jitter:   j,
		Events:   bus,
		Clock:    clock,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build engine")
	}
	if err := eng.Restore(trades.Path()); err != nil {
		log.Fatal().Err(err).Msg("restore state")
	}

	log.Info().Str("journal", trades.Path()).Msg("paper engine started")
	runErr := eng.Run(ctx)

	shutdown, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdown); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn().Err(err).Msg("metrics shutdown")
	}
	var halt *risk.HaltError
	if errors.As(runErr, &halt) {
		log.Error().Float64("equity", halt.Equity).Msg("exiting after drawdown halt")
		_ = trades.Close()
		os.Exit(2)
	}
	log.Info().Msg("shutting down")
}
