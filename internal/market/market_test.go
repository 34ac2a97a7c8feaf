package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"trend-engine/pkg/cache"
)

type stubREST struct {
	calls int
	price float64
	err   error
}

func (s *stubREST) GetPrice(ctx context.Context, symbol string) (float64, error) {
	s.calls++
	return s.price, s.err
}

func TestPriceSourcePrefersCache(t *testing.T) {
	c := cache.NewPriceCache(time.Minute)
	rest := &stubREST{price: 1}
	src := NewPriceSource(c, rest)

	c.Set(cache.MarkKey("BTCUSDT"), 100)
	p, err := src.Price(context.Background(), "BTCUSDT")
	if err != nil || p != 100 {
		t.Fatalf("expected cached 100, got %v %v", p, err)
	}
	if rest.calls != 0 {
		t.Fatalf("rest should not be called on a cache hit")
	}
}

func TestPriceSourceThrottlesFallback(t *testing.T) {
	c := cache.NewPriceCache(time.Minute)
	rest := &stubREST{err: errors.New("boom")}
	src := NewPriceSource(c, rest)
	ctx := context.Background()

	if _, err := src.Price(ctx, "ETHUSDT"); err == nil {
		t.Fatalf("expected rest error")
	}
	if _, err := src.Price(ctx, "ETHUSDT"); !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected throttled, got %v", err)
	}
	if rest.calls != 1 {
		t.Fatalf("expected 1 rest call, got %d", rest.calls)
	}

	rest.err = nil
	rest.price = 2000
	src.MinInterval = 0
	p, err := src.Price(ctx, "ETHUSDT")
	if err != nil || p != 2000 {
		t.Fatalf("expected 2000, got %v %v", p, err)
	}
	if cached, ok := c.MarkPrice("ETHUSDT"); !ok || cached != 2000 {
		t.Fatalf("fallback price should be cached")
	}
}

func TestMockFeedWritesCache(t *testing.T) {
	c := cache.NewPriceCache(time.Minute)
	m := &MockFeed{Cache: c, Symbols: []string{"BTCUSDT"}, StartPrice: 100, Interval: 5 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	p, ok := c.MarkPrice("BTCUSDT")
	if !ok || p <= 0 {
		t.Fatalf("expected a mock price, got %v %v", p, ok)
	}
	if _, ok := c.LastPrice("BTCUSDT"); !ok {
		t.Fatalf("expected last price")
	}
}
