package market

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"trend-engine/pkg/cache"
)

// MockFeed generates a random walk per symbol for local development and dry runs.
type MockFeed struct {
	Cache      *cache.PriceCache
	Symbols    []string
	StartPrice float64
	Step       float64 // max absolute move per tick, percent of price
	Interval   time.Duration
	Logger     *zap.Logger
}

// Run publishes synthetic mark and trade prices until ctx ends.
func (m *MockFeed) Run(ctx context.Context) {
	if m.Logger == nil {
		m.Logger = zap.NewNop()
	}
	if m.Cache == nil {
		m.Logger.Warn("mock feed: cache not set")
		return
	}
	if m.StartPrice <= 0 {
		m.StartPrice = 100.0
	}
	if m.Step <= 0 {
		m.Step = 0.2
	}
	if m.Interval <= 0 {
		m.Interval = time.Second
	}

	prices := make(map[string]float64, len(m.Symbols))
	for _, sym := range m.Symbols {
		prices[sym] = m.StartPrice
		m.publish(sym, m.StartPrice)
	}

	t := time.NewTicker(m.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for sym, price := range prices {
				price += price * (rand.Float64()*2 - 1) * m.Step / 100
				if price <= 0 {
					price = m.StartPrice
				}
				prices[sym] = price
				m.publish(sym, price)
			}
		}
	}
}

func (m *MockFeed) publish(symbol string, price float64) {
	m.Cache.Set(cache.MarkKey(symbol), price)
	m.Cache.Set(cache.LastKey(symbol), price)
}
