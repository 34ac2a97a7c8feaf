package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"trend-engine/internal/events"
	"trend-engine/internal/market"
	"trend-engine/internal/order"
	"trend-engine/internal/strategy"
	"trend-engine/pkg/cache"
	"trend-engine/pkg/config"
	"trend-engine/pkg/db"
)

// dry_run_demo runs one instrument against the mock feed and the in-memory
// gateway. It does not touch the exchange and keeps its state in memory.
//
// Usage:
//   go run ./scripts/dry_run_demo
//
// It will:
//   1) random-walk BTCUSDT around 100 with a wide step so triggers fire;
//   2) print every signal, fill and period event from the bus;
//   3) print the final instrument status after two minutes or on Ctrl+C.

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const demoInstruments = `
instruments:
  - symbol: BTCUSDT
    price_precision: 2
    quantity_precision: 3
    trailing_callback_rate: 1
    period:
      enabled: true
      profit_threshold_percent: 0.6
    long:
      enabled: true
      position_size: 0.05
      threshold_percent: 0.5
      profit_threshold_percent: 0.8
      order_limit: 4
    short:
      enabled: true
      position_size: 0.05
      threshold_percent: 0.5
      profit_threshold_percent: 0.8
      order_limit: 4
`

func main() {
	log.Println("=== DRY-RUN demo starting ===")

	instruments, err := config.ParseInstruments([]byte(demoInstruments))
	if err != nil {
		log.Fatalf("parse instruments: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, 2*time.Minute)
	defer cancelTimeout()

	database, err := db.New(":memory:")
	if err != nil {
		log.Fatalf("init DB error: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("migrations error: %v", err)
	}

	logger := zap.NewNop()
	bus := events.NewBus()
	router := order.NewRouter(logger)
	prices := cache.NewPriceCache(time.Minute)

	feed := &market.MockFeed{Cache: prices, Symbols: []string{"BTCUSDT"}, StartPrice: 100, Step: 0.3, Interval: 250 * time.Millisecond, Logger: logger}
	go feed.Run(ctx)

	sim := order.NewDryRunGateway(order.DryRunSimConfig{FeeRate: 0.0004, SlippageBps: 2, GatewayLatencyMinMs: 10, GatewayLatencyMaxMs: 50}, prices, router, logger)
	go sim.Run(ctx, 100*time.Millisecond)

	all, unsubscribe := bus.SubscribeAll(256)
	defer unsubscribe()
	go func() {
		for env := range all {
			payload, _ := json.Marshal(env.Payload)
			log.Printf("[EVENT] %s %s", env.Type, payload)
		}
	}()

	engine := strategy.NewEngine(router, logger)
	for _, ic := range instruments {
		engine.Add(strategy.NewInstrument(ic, strategy.Options{TickInterval: 250 * time.Millisecond}, strategy.Deps{
			Gateway:  sim,
			Store:    database,
			Prices:   prices,
			Fallback: market.NewPriceSource(prices, sim),
			Bus:      bus,
			Logger:   logger,
		}))
	}
	if err := engine.Start(ctx); err != nil {
		log.Fatalf("start engine: %v", err)
	}
	if err := engine.Run(ctx); err != nil {
		log.Printf("engine stopped: %v", err)
	}

	log.Println("[DONE] Final DRY-RUN state:")
	st, err := engine.Status("BTCUSDT")
	if err != nil {
		log.Fatalf("status: %v", err)
	}
	out, _ := json.MarshalIndent(st, "", "  ")
	log.Println(string(out))

	log.Println("=== DRY-RUN demo finished ===")
}
