// Package main provides the entry point for the decision engine server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/api"
	"github.com/atlas-desktop/decision-engine/internal/cache"
	"github.com/atlas-desktop/decision-engine/internal/config"
	"github.com/atlas-desktop/decision-engine/internal/data"
	"github.com/atlas-desktop/decision-engine/internal/execution"
	"github.com/atlas-desktop/decision-engine/internal/execution/adapters"
	"github.com/atlas-desktop/decision-engine/internal/metrics"
	"github.com/atlas-desktop/decision-engine/internal/optimization"
	"github.com/atlas-desktop/decision-engine/internal/orchestrator"
	"github.com/atlas-desktop/decision-engine/internal/regime"
	"github.com/atlas-desktop/decision-engine/internal/risk"
	"github.com/atlas-desktop/decision-engine/internal/signals"
	"github.com/atlas-desktop/decision-engine/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file (optional)")
	logLevel := flag.String("log-level", "", "Override logging.level")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger := setupLogger(cfg.Logging)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting decision engine",
		zap.String("addr", cfg.Server.Addr()),
		zap.Strings("symbols", cfg.Engine.Symbols),
		zap.Int("providers", len(cfg.Ensemble.Providers)),
		zap.Int("exchanges", len(cfg.Router.Exchanges)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence
	store, err := storage.New(logger, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(reg)

	// Volatility and risk
	classifier := regime.NewClassifier(logger, cfg.Volatility.Classifier())
	gateway := risk.NewGateway(logger, cfg.Risk.Gateway(),
		risk.WithProfileStore(store),
		risk.WithMetrics(recorder),
	)
	if err := gateway.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore risk profile: %w", err)
	}

	// Advisory ensemble
	aggregator := signals.NewAggregator(logger, cfg.Ensemble.Aggregator(), signals.WithAggregatorMetrics(recorder))
	for _, p := range cfg.Ensemble.Providers {
		aggregator.Register(signals.NewHTTPProvider(logger, p.HTTP()), p.Provider(), nil)
	}
	if len(cfg.Ensemble.Providers) == 0 {
		logger.Warn("No advisory providers configured, every round will hold")
	}

	// Confidence threshold
	threshold := optimization.NewThresholdOptimizer(logger, cfg.Threshold.Optimizer(cfg.Risk.Timezone),
		optimization.WithRecordStore(store),
	)
	if err := threshold.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore confidence log: %w", err)
	}
	recorder.SetThresholdBase(threshold.Base())

	// Venues
	router := execution.NewRouter(logger, cfg.Router.Routing(), execution.WithRouterMetrics(recorder))
	candles := setupExchanges(logger, cfg.Router.Exchanges, router)
	feed := data.NewFeed(logger, candles, cfg.Engine.Feed())

	// WebSocket fan-out
	hub := api.NewHub(logger)
	go hub.Run(ctx)
	go hub.ForwardRiskEvents(ctx, gateway.Events())

	// Decision engine
	engineOpts := []orchestrator.Option{
		orchestrator.WithDecisionStore(store),
		orchestrator.WithMetrics(recorder),
		orchestrator.WithDecisionHandler(hub.PublishDecision),
		orchestrator.WithArbitrageHandler(hub.PublishArbitrage),
	}
	if cfg.Redis.Enabled {
		cooldowns, err := cache.NewCooldownStore(ctx, logger, cfg.Redis.Cache())
		if err != nil {
			return fmt.Errorf("failed to connect cooldown store: %w", err)
		}
		defer func() { _ = cooldowns.Close() }()
		engineOpts = append(engineOpts, orchestrator.WithCooldownStore(cooldowns))
	}

	engine := orchestrator.NewEngine(logger, cfg.Orchestrator(), orchestrator.Components{
		Market:     feed,
		Classifier: classifier,
		Ensemble:   aggregator,
		Threshold:  threshold,
		Risk:       gateway,
		Router:     router,
	}, engineOpts...)

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// API
	server := api.NewServer(logger, api.Config{
		Addr:           cfg.Server.Addr(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		DefaultSymbols: cfg.Engine.Symbols,
	}, api.Dependencies{
		Engine:     engine,
		Decisions:  store,
		Risk:       gateway,
		Arbitrage:  router,
		Providers:  aggregator,
		Threshold:  threshold,
		Market:     feed,
		Volatility: classifier,
		Sizer:      gateway,
		Hub:        hub,
		Metrics:    recorder,
		Gatherer:   reg,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	logger.Info("Server started successfully",
		zap.String("ws", fmt.Sprintf("ws://%s/ws", cfg.Server.Addr())),
		zap.String("http", fmt.Sprintf("http://%s/api/v1", cfg.Server.Addr())),
	)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case runErr = <-serverErr:
		if runErr != nil {
			logger.Error("Server error", zap.Error(runErr))
		}
	}

	if err := engine.Stop(); err != nil {
		logger.Error("Error stopping engine", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}
	cancel()

	logger.Info("Server stopped")
	return runErr
}

// setupExchanges registers every configured venue with the router and
// returns the candle source for market data. Paper venues quote from the
// public Binance-compatible endpoint at their base URL. With no venues
// configured a single paper venue is created.
func setupExchanges(logger *zap.Logger, venues []config.ExchangeConfig, router *execution.Router) data.CandleSource {
	if len(venues) == 0 {
		venues = []config.ExchangeConfig{{
			Name:        "paper",
			Paper:       true,
			TakerFee:    0.001,
			MakerFee:    0.001,
			LatencyMs:   100,
			Reliability: 0.95,
			Balances:    map[string]float64{"USDT": 10000},
		}}
		logger.Warn("No exchanges configured, using a paper venue")
	}

	var candles data.CandleSource
	for _, v := range venues {
		live := adapters.NewBinanceAdapter(logger, v.Binance())
		if candles == nil {
			candles = live
		}

		var client execution.ExchangeClient = live
		if v.Paper {
			client = adapters.NewPaperExchange(logger, live, v.PaperSettings())
		}
		router.AddExchange(client, v.Info())

		logger.Info("Exchange registered",
			zap.String("exchange", v.Name),
			zap.Bool("paper", v.Paper))
	}
	return candles
}

func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encodeLevel := zapcore.CapitalColorLevelEncoder
	if cfg.Format == "json" {
		encodeLevel = zapcore.CapitalLevelEncoder
	}

	zcfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    cfg.Format,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
