package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"trend-engine/internal/order"
	"trend-engine/pkg/config"
	exfutusdt "trend-engine/pkg/exchanges/binance/futures_usdt"
)

// This script tests the USDT-M futures user data stream end-to-end:
// - creates a listen key with the configured API key
// - routes every order and position event for the configured symbols
// - logs what the stream decoder emits
//
// Usage:
//   go run ./scripts/user_stream_check
//
// Make sure BINANCE_API_KEY / BINANCE_API_SECRET are set in .env.

type logHandler struct{}

func (logHandler) HandleFill(_ context.Context, ev order.FillEvent) {
	log.Printf("[FILL] %s %s %s/%s status=%s avg=%.8f qty=%.8f rp=%.8f",
		ev.Symbol, ev.OrderID, ev.Side, ev.PositionSide, ev.Status, ev.AvgPrice, ev.FilledQty, ev.RealizedPnL)
}

func (logHandler) HandlePosition(_ context.Context, up order.PositionUpdate) {
	log.Printf("[POSITION] %s %s amount=%.8f entry=%.8f breakeven=%.8f",
		up.Symbol, up.PositionSide, up.Amount, up.EntryPrice, up.BreakEvenPrice)
}

func main() {
	log.Println("=== User Stream check starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config error: %v", err)
	}
	if cfg.BinanceAPIKey == "" || cfg.BinanceAPISecret == "" {
		log.Fatalf("BINANCE_API_KEY and BINANCE_API_SECRET are required")
	}
	instruments, err := config.LoadInstruments(cfg.InstrumentsFile)
	if err != nil {
		log.Fatalf("load instruments error: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, 10*time.Minute)
	defer cancelTimeout()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	client := exfutusdt.NewClient(exfutusdt.Config{
		APIKey:    cfg.BinanceAPIKey,
		APISecret: cfg.BinanceAPISecret,
		Testnet:   cfg.BinanceTestnet,
	}, logger)
	client.StartTimeSync(ctx)

	router := order.NewRouter(logger)
	for _, ic := range config.FilterSymbols(instruments, cfg.Symbols) {
		router.Register(ic.Symbol, logHandler{})
		log.Printf("listening for %s", ic.Symbol)
	}

	log.Printf("Config: testnet=%v", cfg.BinanceTestnet)
	stream := &order.UserStream{
		Client:         client,
		WSBaseURL:      client.WSBaseURL(),
		Router:         router,
		ReconnectDelay: cfg.StreamReconnectDelay,
		KeepAlive:      cfg.ListenKeyKeepAlive,
		Logger:         logger,
	}
	log.Println("User stream started. Place some test orders on Binance to see fill events.")
	stream.Run(ctx)

	log.Println("=== User Stream check finished ===")
}
