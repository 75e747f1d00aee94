// Alpaca Scalper — an automated scalping bot for Alpaca crypto and US
// equities markets using a StochRSI + EMA confluence strategy.
//
// Architecture:
//
//	main.go                  — entry point: loads config, starts engine and API server, waits for SIGINT/SIGTERM
//	engine/engine.go         — orchestrator: wires feeds → candles → strategy → orders, owns all goroutines
//	strategy/stochrsi_ema.go — signal evaluation: StochRSI cross inside dynamic bands, EMA trend + volume gates
//	indicators/              — EMA, RSI, StochRSI, ATR over the candle buffers
//	scheduler/scheduler.go   — per-mode tick loops: evaluate watchlist, route signals through risk to orders
//	orders/manager.go        — order lifecycle: dedup cooldown, sizing, recovery classes, timeout cancel
//	position/tracker.go      — per-symbol position state machine, realized P&L on exits
//	risk/guard.go            — daily loss halt, concurrency cap, symbol quarantine
//	broker/                  — Alpaca-style REST client + market/trading WebSocket feeds with auto-reconnect
//	hub/                     — WebSocket fan-out to dashboard clients with per-symbol filters
//	api/                     — REST facade, /ws/trading, and the Prometheus scrape endpoint
//	tradelog/                — append-only JSONL audit log of processed fills
//
// Exit codes: 0 normal, 1 configuration error, 2 broker auth failure,
// 3 fatal internal error.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"log/slog"

	"alpaca-scalper/internal/api"
	"alpaca-scalper/internal/broker"
	"alpaca-scalper/internal/config"
	"alpaca-scalper/internal/engine"
	"alpaca-scalper/pkg/types"
)

const (
	exitOK       = 0
	exitConfig   = 1
	exitAuth     = 2
	exitInternal = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()
	if p := os.Getenv("TRADING_CONFIG"); p != "" && !flagSet("config") {
		*cfgPath = p
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return exitConfig
	}

	logger := newLogger(cfg.Logging)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		return exitInternal
	}

	if err := eng.Start(); err != nil {
		if broker.IsFatal(err) {
			logger.Error("broker authentication failed", "error", err)
			return exitAuth
		}
		logger.Error("failed to start engine", "error", err)
		return exitInternal
	}

	loops := map[types.MarketMode]api.TradingLoop{}
	if l := eng.CryptoLoop(); l != nil {
		loops[types.ModeCrypto] = l
	}
	if l := eng.EquitiesLoop(); l != nil {
		loops[types.ModeEquities] = l
	}
	handlers := api.NewHandlers(cfg.Server, eng.Client(), eng.Manager(), loops,
		eng.Store(), eng.Session(), eng.Guard(), eng.Hub(), logger)
	apiServer := api.NewServer(cfg.Server, handlers, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()
	logger.Info("api started", "url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port))

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("alpaca scalper started",
		"crypto", cfg.Crypto.Watchlist,
		"equities", cfg.Equities.Watchlist,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	eng.Stop()
	return exitOK
}

// flagSet reports whether a flag was passed explicitly on the command line.
func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
