package market

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"trend-engine/internal/monitor"
	"trend-engine/pkg/cache"
	binancemarket "trend-engine/pkg/market/binance"
)

// Feed streams mark prices and aggregated trades into the price cache.
type Feed struct {
	Stream         *binancemarket.StreamClient
	Cache          *cache.PriceCache
	Symbols        []string
	ReconnectDelay time.Duration
	Metrics        *monitor.Metrics
	Logger         *zap.Logger
}

// Run keeps one mark-price and one trade stream per symbol alive until ctx ends.
func (f *Feed) Run(ctx context.Context) {
	if f.Logger == nil {
		f.Logger = zap.NewNop()
	}
	if f.Stream == nil || f.Cache == nil {
		f.Logger.Warn("market feed not fully configured; skipping start")
		return
	}
	if f.ReconnectDelay <= 0 {
		f.ReconnectDelay = 5 * time.Second
	}

	var wg sync.WaitGroup
	for _, sym := range f.Symbols {
		symbol := sym
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.keepAlive(ctx, symbol, "markPrice", func() error {
				ch, stop, err := f.Stream.SubscribeMarkPrice(ctx, symbol)
				if err != nil {
					return err
				}
				defer stop()
				for mp := range ch {
					f.Cache.Set(cache.MarkKey(symbol), mp.Price)
				}
				return nil
			})
		}()
		go func() {
			defer wg.Done()
			f.keepAlive(ctx, symbol, "aggTrade", func() error {
				ch, stop, err := f.Stream.SubscribeAggTrades(ctx, symbol)
				if err != nil {
					return err
				}
				defer stop()
				for tr := range ch {
					f.Cache.Set(cache.LastKey(symbol), tr.Price)
				}
				return nil
			})
		}()
	}
	wg.Wait()
}

// keepAlive runs session until ctx ends, waiting ReconnectDelay between sessions.
func (f *Feed) keepAlive(ctx context.Context, symbol, stream string, session func() error) {
	log := f.Logger.With(zap.String("symbol", symbol), zap.String("stream", stream))
	for {
		if err := session(); err != nil {
			log.Warn("market stream failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
		f.Metrics.Reconnect(stream)
		log.Info("market stream reconnecting", zap.Duration("delay", f.ReconnectDelay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.ReconnectDelay):
		}
	}
}
