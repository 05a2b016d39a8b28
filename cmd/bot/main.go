// spotfsm is an automated spot-market dip-buyer: a per-symbol finite state
// machine that watches for a configured drop from a tracked anchor price,
// buys the dip, and manages the resulting position with dynamic take-profit/
// stop-loss protection until exit.
//
// Architecture:
//
//	main.go                     — entry point: loads config, wires every component, waits for SIGINT/SIGTERM
//	fsm/engine.go               — orchestrator: one phase-dispatch goroutine per symbol
//	marketdata/service.go       — polls/streams tickers, publishes snapshots with rolling peak/trough
//	anchor/manager.go           — tracks the per-symbol reference price the drop signal compares against
//	signal/drop.go              — fires when the live price has dropped far enough below the anchor
//	guards/guards.go            — pre-trade market-quality and affordability gates
//	quantize/{quantize,filtercache}.go — tick/step/min-notional rounding and exchange filter caching
//	router/router.go            — idempotent order submission with retry/backoff
//	waitfill/waitfill.go        — polls an order to a terminal fill state
//	exitengine/exitengine.go    — priority-ordered exit rule evaluation
//	protection/manager.go       — switches the live protective order between TP and SL
//	portfolio/portfolio.go      — cash/position book with debounced persistence
//	reconciler/reconciler.go    — periodic local/exchange alignment pass
//	exchange/client.go          — REST client for the trading venue
//	exchange/ws.go              — WebSocket ticker feed with auto-reconnect
//	store/store.go               — size-rotated JSONL snapshot persistence
//	httpapi/server.go           — ambient ops surface: health, metrics, phase snapshot
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"spotfsm/internal/anchor"
	"spotfsm/internal/audit"
	"spotfsm/internal/config"
	"spotfsm/internal/eventbus"
	"spotfsm/internal/exchange"
	"spotfsm/internal/exitengine"
	"spotfsm/internal/fsm"
	"spotfsm/internal/guards"
	"spotfsm/internal/httpapi"
	"spotfsm/internal/marketdata"
	"spotfsm/internal/portfolio"
	"spotfsm/internal/protection"
	"spotfsm/internal/quantize"
	"spotfsm/internal/reconciler"
	"spotfsm/internal/router"
	dropsignal "spotfsm/internal/signal"
	"spotfsm/internal/store"
	"spotfsm/internal/waitfill"
	"spotfsm/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("SPOT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	runID := time.Now().UTC().Format("20060102T150405Z")
	trail, err := audit.Open(filepath.Join(cfg.Store.DataDir, "audit"), runID, logger)
	if err != nil {
		logger.Error("failed to open audit trail", "error", err)
		os.Exit(1)
	}
	defer trail.Close()

	auth, err := exchange.NewAuth(*cfg)
	if err != nil {
		logger.Error("failed to configure exchange auth", "error", err)
		os.Exit(1)
	}
	if !cfg.DryRun && !auth.HasCredentials() {
		logger.Error("exchange credentials required unless dry_run is set")
		os.Exit(1)
	}

	client := exchange.NewClient(*cfg, auth, logger)
	bus := eventbus.New()
	filters := quantize.New(client)

	var tickFeed *exchange.WSFeed
	var ticks <-chan exchange.TickEvent
	if cfg.MarketData.UseWebSocketTicker {
		tickFeed = exchange.NewTickerFeed(cfg.Exchange.WSURL, logger)
		ticks = tickFeed.Ticks()
	}
	md := marketdata.New(*cfg, client, bus, ticks, logger)

	snapWriter, err := store.Open(filepath.Join(cfg.Store.DataDir, "snapshots"))
	if err != nil {
		logger.Error("failed to open snapshot store", "error", err)
		os.Exit(1)
	}
	defer snapWriter.Close()
	md.SetSnapshotWriter(snapWriter)

	anchorMgr := anchor.New(
		types.AnchorMode(cfg.Signals.DropTriggerMode),
		time.Duration(cfg.Signals.AnchorStaleMinutes)*time.Minute,
		cfg.Signals.AnchorMaxAbovePct,
		filepath.Join(cfg.Store.DataDir, "anchors"),
	)
	dropEval := dropsignal.New(cfg.Signals.DropTriggerValue)
	guardEval := guards.New(cfg.Guards, cfg.Trading)

	book, err := portfolio.New(
		filepath.Join(cfg.Store.DataDir, "portfolio.json"),
		cfg.Store.PersistDebounce,
		decimal.NewFromFloat(cfg.Trading.InitialBudgetQuote),
		logger,
	)
	if err != nil {
		logger.Error("failed to open portfolio", "error", err)
		os.Exit(1)
	}

	orderRtr := router.New(cfg.Router, client, book, filters, trail, logger)
	waitFill := waitfill.New(cfg.Execution, client)
	exitEng := exitengine.New(cfg.Protection)
	protectMgr := protection.New(cfg.Protection, exchange.NewProtectiveOrders(client))
	recon := reconciler.New(cfg.Store.ReconcileInterval, client, orderRtr, book, md, cfg.Trading.QuoteAsset, trail, logger)

	engine := fsm.New(*cfg, fsm.Deps{
		MarketData: md,
		Anchors:    anchorMgr,
		DropEval:   dropEval,
		GuardEval:  guardEval,
		Filters:    filters,
		Router:     orderRtr,
		WaitFill:   waitFill,
		ExitEngine: exitEng,
		Protection: protectMgr,
		Portfolio:  book,
		Reconciler: recon,
		Bus:        bus,
		Audit:      trail,
	}, logger)

	var opsServer *httpapi.Server
	if cfg.Ops.Enabled {
		opsServer = httpapi.New(cfg.Ops, engine, logger)
		go func() {
			if err := opsServer.Start(); err != nil {
				logger.Error("ops http server failed", "error", err)
			}
		}()
	}

	if tickFeed != nil {
		if err := tickFeed.Subscribe(cfg.MarketData.Symbols); err != nil {
			logger.Warn("initial ticker subscription failed", "error", err)
		}
		go func() {
			if err := tickFeed.Run(engine.Context()); err != nil && engine.Context().Err() == nil {
				logger.Error("ticker feed exited", "error", err)
			}
		}()
	}

	engine.Start()

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("spotfsm started",
		"symbols", cfg.MarketData.Symbols,
		"max_concurrent_positions", cfg.Trading.MaxConcurrentPositions,
		"position_size_quote", cfg.Trading.PositionSizeQuote,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if opsServer != nil {
		if err := opsServer.Stop(); err != nil {
			logger.Error("failed to stop ops http server", "error", err)
		}
	}
	if tickFeed != nil {
		tickFeed.Close()
	}

	engine.Stop()
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
