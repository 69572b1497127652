package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trade_engine/internal/config"
	"trade_engine/internal/core"
	"trade_engine/internal/data"
	"trade_engine/internal/engine"
	"trade_engine/internal/events"
	"trade_engine/internal/exchange/upbit"
	"trade_engine/internal/execution"
	"trade_engine/internal/feed"
	"trade_engine/internal/risk"
	"trade_engine/internal/store"
	"trade_engine/internal/strategy"
	"trade_engine/pkg/logging"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

// krwMinTotal is Upbit's minimum order value, used by simulated sinks
// where no order-chance query is available.
var krwMinTotal = decimal.NewFromInt(5000)

func main() {
	configPath := flag.String("config", "configs/trader.yaml", "Path to configuration file")
	mode := flag.String("mode", "", "Run mode: backtest, paper, live (overrides config)")
	market := flag.String("market", "", "Single market like KRW-BTC (overrides config)")
	stratName := flag.String("strategy", "", "Strategy name (overrides config)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("trader version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.App.Mode = *mode
	}
	if *market != "" {
		cfg.App.Markets = []string{*market}
	}
	if *stratName != "" {
		cfg.Strategy.Name = *stratName
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	runMode, err := core.ParseRunMode(cfg.App.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid mode: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info("Starting trader",
		"version", version,
		"mode", runMode.String(),
		"markets", cfg.App.Markets,
		"interval", cfg.App.Interval,
		"strategy", cfg.Strategy.Name,
	)

	if err := run(cfg, runMode, logger); err != nil {
		logger.Error("Run failed", "error", err)
		os.Exit(1)
	}
	logger.Info("trader stopped")
}

func run(cfg *config.Config, mode core.RunMode, logger core.Logger) error {
	strat, err := strategy.New(cfg.Strategy.Name, strategy.Params(cfg.Strategy.Params))
	if err != nil {
		return fmt.Errorf("strategy: %w", err)
	}

	riskMgr, err := risk.NewManager(cfg.RiskLimits(), decimal.NewFromFloat(cfg.Trading.Capital), logger)
	if err != nil {
		return fmt.Errorf("risk manager: %w", err)
	}

	bus := events.NewBus(cfg.Events.BufferSize, logger)
	defer bus.Close()
	if cfg.Events.EnableMetrics {
		startMetricsServer(cfg.Events.MetricsPort, bus, logger)
	}

	switch mode {
	case core.ModeBacktest:
		return runBacktest(cfg, strat, riskMgr, bus, logger)
	case core.ModePaper:
		return runPaper(cfg, strat, riskMgr, bus, logger)
	default:
		return runLive(cfg, strat, riskMgr, bus, logger)
	}
}

// runBacktest replays either a seeded synthetic series or candles
// fetched from the exchange, against a simulated sink.
func runBacktest(cfg *config.Config, strat core.Strategy, riskMgr *risk.Manager, bus core.EventSink, logger core.Logger) error {
	ctx, cancel := signalContext()
	defer cancel()

	var series []core.Candle
	if cfg.Engine.Seed != 0 {
		for _, market := range cfg.App.Markets {
			series = append(series, data.SimulateSeries(data.SimSeriesConfig{
				Market:   market,
				Interval: cfg.IntervalDuration(),
				Bars:     cfg.Engine.SimulatedBars,
				Seed:     cfg.Engine.Seed,
			})...)
		}
		logger.Info("Simulated series generated", "bars", len(series), "seed", cfg.Engine.Seed)
	} else {
		client := upbit.NewClient(cfg.Exchange.RestURL, "", "", logger)
		prefetcher := data.NewPrefetcher(client, logger)
		for _, market := range cfg.App.Markets {
			candles, err := prefetcher.Fetch(ctx, market, cfg.IntervalDuration(), cfg.Engine.SimulatedBars, time.Now())
			if err != nil {
				return fmt.Errorf("prefetch %s: %w", market, err)
			}
			series = append(series, candles...)
		}
		logger.Info("History fetched", "bars", len(series))
	}

	sink := execution.NewSimSink(cfg.Trading.Fee, cfg.Trading.Slippage, core.MarketLimits{MinTotal: krwMinTotal})
	eng := engine.New(cfg, core.ModeBacktest, strat, riskMgr, sink, bus, logger)

	report := eng.Replay(ctx, series)
	fmt.Println(report.String())
	return nil
}

// runPaper trades the live feed against a simulated sink.
func runPaper(cfg *config.Config, strat core.Strategy, riskMgr *risk.Manager, bus core.EventSink, logger core.Logger) error {
	ctx, cancel := signalContext()
	defer cancel()

	sink := execution.NewSimSink(cfg.Trading.Fee, cfg.Trading.Slippage, core.MarketLimits{MinTotal: krwMinTotal})
	eng := engine.New(cfg, core.ModePaper, strat, riskMgr, sink, bus, logger)

	client := upbit.NewClient(cfg.Exchange.RestURL, "", "", logger)
	if err := seedHistories(ctx, cfg, eng, strat, client, logger); err != nil {
		return err
	}
	attachFeed(cfg, eng, logger)

	if err := eng.Run(ctx); err != nil {
		return err
	}
	fmt.Println(eng.Report().String())
	return nil
}

// runLive trades real money: journaled orders, reconciliation of the
// previous run, and the authenticated exchange client as the sink.
func runLive(cfg *config.Config, strat core.Strategy, riskMgr *risk.Manager, bus core.EventSink, logger core.Logger) error {
	ctx, cancel := signalContext()
	defer cancel()

	runID := uuid.NewString()
	journal, err := store.Open(cfg.Engine.JournalPath, runID)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	defer journal.Close()

	client := upbit.NewClient(cfg.Exchange.RestURL, cfg.Exchange.AccessKey, cfg.Exchange.SecretKey, logger)
	exec := execution.NewExecutor(client, journal, logger)

	if accounts, err := client.Accounts(ctx); err != nil {
		logger.Warn("Accounts snapshot failed", "error", err)
	} else {
		for _, acct := range accounts {
			logger.Info("Account balance",
				"currency", acct.Currency,
				"balance", acct.Balance.String(),
				"locked", acct.Locked.String(),
			)
		}
	}
	for _, market := range cfg.App.Markets {
		limits, err := client.OrderChance(ctx, market)
		if err != nil {
			logger.Warn("Order chance query failed", "market", market, "error", err)
			continue
		}
		logger.Info("Market limits",
			"market", market,
			"min_total", limits.MinTotal.String(),
			"price_unit", limits.PriceUnit.String(),
		)
	}

	// Resolve whatever the previous run left in flight before placing
	// anything new.
	if prev, err := journal.LastRunID(); err != nil {
		return fmt.Errorf("journal: %w", err)
	} else if prev != "" {
		fills, err := exec.Reconcile(ctx, prev)
		if err != nil {
			return fmt.Errorf("reconcile run %s: %w", prev, err)
		}
		if len(fills) > 0 {
			logger.Warn("Recovered fills from previous run", "run_id", prev, "fills", len(fills))
		}
	}

	eng := engine.New(cfg, core.ModeLive, strat, riskMgr, exec, bus, logger)
	eng.SetRunID(runID)

	started := time.Now().UTC()
	if err := journal.RecordRun(core.Run{RunID: runID, Mode: core.ModeLive, StartedAt: started}); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	defer func() {
		_ = journal.RecordRun(core.Run{RunID: runID, Mode: core.ModeLive, StartedAt: started, EndedAt: time.Now().UTC()})
	}()

	if err := seedHistories(ctx, cfg, eng, strat, client, logger); err != nil {
		return err
	}
	attachFeed(cfg, eng, logger)

	if err := eng.Run(ctx); err != nil {
		return err
	}
	fmt.Println(eng.Report().String())
	return nil
}

// seedHistories warms indicators from REST history. Backfill failure is
// non-fatal: the strategy just warms up from the live feed instead.
func seedHistories(ctx context.Context, cfg *config.Config, eng *engine.Engine, strat core.Strategy, source core.HistorySource, logger core.Logger) error {
	prefetcher := data.NewPrefetcher(source, logger)
	depth := data.PrefetchDepth(strat.RequiredBars(), cfg.Engine.PrefetchBars)
	for _, market := range cfg.App.Markets {
		candles, err := prefetcher.Fetch(ctx, market, cfg.IntervalDuration(), depth, time.Now())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("History prefetch failed, continuing without backfill",
				"market", market, "error", err)
			continue
		}
		eng.SeedHistory(market, candles)
	}
	return nil
}

func attachFeed(cfg *config.Config, eng *engine.Engine, logger core.Logger) {
	connector := feed.NewConnector(cfg.Exchange.WsURL, cfg.App.Markets, upbit.StreamCodec{}, eng.HandleTick, logger)
	eng.AttachFeed(connector)
}

func startMetricsServer(port int, bus *events.Bus, logger core.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", bus.MetricsHandler())
	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		logger.Info("Metrics server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", "error", err)
		}
	}()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
