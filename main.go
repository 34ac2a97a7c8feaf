package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"trend-engine/internal/api"
	"trend-engine/internal/events"
	"trend-engine/internal/market"
	"trend-engine/internal/monitor"
	"trend-engine/internal/order"
	"trend-engine/internal/reconciliation"
	"trend-engine/internal/strategy"
	"trend-engine/pkg/cache"
	"trend-engine/pkg/config"
	"trend-engine/pkg/db"
	exfutusdt "trend-engine/pkg/exchanges/binance/futures_usdt"
	exchange "trend-engine/pkg/exchanges/common"
	"trend-engine/pkg/logger"
	marketbinance "trend-engine/pkg/market/binance"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "trend-engine:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}
	log.Info("starting trend engine",
		zap.String("version", buildVersion),
		zap.Bool("dry_run", cfg.DryRun),
		zap.Bool("testnet", cfg.BinanceTestnet),
		zap.Bool("mock_feed", cfg.UseMockFeed),
		zap.String("db_path", cfg.DBPath))

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	all, err := config.LoadInstruments(cfg.InstrumentsFile)
	if err != nil {
		return fmt.Errorf("load instruments: %w", err)
	}
	instruments := config.FilterSymbols(all, cfg.Symbols)
	if len(instruments) == 0 {
		return errors.New("no enabled instruments")
	}
	symbols := make([]string, 0, len(instruments))
	for _, ic := range instruments {
		symbols = append(symbols, ic.Symbol)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitor.NewMetrics(reg)
	bus := events.NewBus()
	router := order.NewRouter(log)

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	prices := cache.NewPriceCache(cfg.PriceTTL)
	goRun(func() { prices.Start(ctx) })

	// The venue client also serves public market data in dry-run mode.
	venue := exfutusdt.NewClient(exfutusdt.Config{
		APIKey:    cfg.BinanceAPIKey,
		APISecret: cfg.BinanceAPISecret,
		Testnet:   cfg.BinanceTestnet,
	}, log)

	if cfg.UseMockFeed {
		mock := &market.MockFeed{Cache: prices, Symbols: symbols, StartPrice: cfg.MockStartPrice, Step: 0.2, Interval: 500 * time.Millisecond, Logger: log}
		goRun(func() { mock.Run(ctx) })
	} else {
		feed := &market.Feed{
			Stream:         marketbinance.NewStreamClient(venue.WSBaseURL(), log),
			Cache:          prices,
			Symbols:        symbols,
			ReconnectDelay: cfg.StreamReconnectDelay,
			Metrics:        metrics,
			Logger:         log,
		}
		goRun(func() { feed.Run(ctx) })
	}

	var (
		gw     exchange.FuturesGateway
		stream *order.UserStream
	)
	if cfg.DryRun {
		sim := order.NewDryRunGateway(order.DryRunSimConfig{FeeRate: 0.0004, SlippageBps: 2, GatewayLatencyMinMs: 20, GatewayLatencyMaxMs: 120}, prices, router, log)
		goRun(func() { sim.Run(ctx, 200*time.Millisecond) })
		gw = sim
		log.Warn("dry-run mode: orders are simulated in memory")
	} else {
		venue.StartTimeSync(ctx)
		if err := venue.EnableHedgeMode(ctx); err != nil {
			return fmt.Errorf("enable hedge mode: %w", err)
		}
		stream = &order.UserStream{
			Client:         venue,
			WSBaseURL:      venue.WSBaseURL(),
			Router:         router,
			ReconnectDelay: cfg.StreamReconnectDelay,
			KeepAlive:      cfg.ListenKeyKeepAlive,
			Metrics:        metrics,
			Logger:         log,
		}
		gw = venue
	}

	var rest market.PriceGetter = venue
	if cfg.UseMockFeed {
		rest = gw
	}
	fallback := market.NewPriceSource(prices, rest)

	engine := strategy.NewEngine(router, log)
	opts := strategy.Options{
		TickInterval:             cfg.TickInterval,
		BreakevenRefreshInterval: cfg.BreakevenRefreshInterval,
		StateSaveInterval:        cfg.StateSaveInterval,
	}
	deps := strategy.Deps{
		Gateway:  gw,
		Store:    database,
		Prices:   prices,
		Fallback: fallback,
		Bus:      bus,
		Metrics:  metrics,
		Logger:   log,
	}
	for _, ic := range instruments {
		engine.Add(strategy.NewInstrument(ic, opts, deps))
	}
	if err := engine.Start(ctx); err != nil {
		if len(engine.Symbols()) == 0 {
			return fmt.Errorf("start engine: %w", err)
		}
		log.Error("some instruments failed to start", zap.Error(err))
	}
	// The stream starts after the open orders are restored so early protective
	// fills find their entries.
	if stream != nil {
		goRun(func() { stream.Run(ctx) })
	}

	recon := reconciliation.NewService(engine, gw, database, bus, metrics, log, cfg.ReconcileInterval)
	recon.Start(ctx)

	alerts := &monitor.Monitor{Bus: bus, Sink: monitor.LogSink{Logger: log.Named("alerts")}, Logger: log}
	alerts.Start(ctx)

	gin.SetMode(gin.ReleaseMode)
	server := api.NewServer(api.Options{
		Engine:     engine,
		Store:      database,
		Reconciler: recon,
		Bus:        bus,
		Metrics:    metrics,
		Gatherer:   reg,
		Logger:     log,
		Meta: api.SystemMeta{
			DryRun:      cfg.DryRun,
			Testnet:     cfg.BinanceTestnet,
			UseMockFeed: cfg.UseMockFeed,
			Symbols:     engine.Symbols(),
			Version:     buildVersion,
		},
		JWTSecret:    cfg.JWTSecret,
		PasswordHash: cfg.OperatorPasswordHash,
	})
	if cfg.OperatorPasswordHash == "" {
		log.Warn("OPERATOR_PASSWORD_HASH not set; operator login disabled")
	}
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	goRun(func() {
		log.Info("api listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api server", zap.Error(err))
			stop()
		}
	})

	runErr := engine.Run(ctx)

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown", zap.Error(err))
	}
	wg.Wait()
	if runErr != nil {
		return fmt.Errorf("engine: %w", runErr)
	}
	log.Info("stopped")
	return nil
}
