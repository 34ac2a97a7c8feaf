package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trend-engine/pkg/cache"
)

// ErrThrottled is returned when the REST fallback was used too recently for a symbol.
var ErrThrottled = errors.New("price fallback throttled")

// PriceGetter fetches a price from the venue REST API.
type PriceGetter interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// PriceSource reads the cache and falls back to REST at most once per MinInterval per symbol.
// Only startup and period resets use it; the steady-state tick reads the cache directly.
type PriceSource struct {
	Cache       *cache.PriceCache
	REST        PriceGetter
	MinInterval time.Duration

	mu       sync.Mutex
	lastCall map[string]time.Time
}

// NewPriceSource builds a PriceSource with a one minute fallback interval.
func NewPriceSource(c *cache.PriceCache, rest PriceGetter) *PriceSource {
	return &PriceSource{Cache: c, REST: rest, MinInterval: time.Minute, lastCall: make(map[string]time.Time)}
}

// Price returns the cached mark price or, failing that, a throttled REST price written back to the cache.
func (s *PriceSource) Price(ctx context.Context, symbol string) (float64, error) {
	if p, ok := s.Cache.MarkPrice(symbol); ok {
		return p, nil
	}
	if s.REST == nil {
		return 0, fmt.Errorf("no cached price for %s", symbol)
	}

	s.mu.Lock()
	if last, ok := s.lastCall[symbol]; ok && time.Since(last) < s.MinInterval {
		s.mu.Unlock()
		return 0, ErrThrottled
	}
	s.lastCall[symbol] = time.Now()
	s.mu.Unlock()

	p, err := s.REST.GetPrice(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("rest price %s: %w", symbol, err)
	}
	s.Cache.Set(cache.MarkKey(symbol), p)
	return p, nil
}

// WaitPrice polls Price until a value is available or ctx ends.
func (s *PriceSource) WaitPrice(ctx context.Context, symbol string, poll time.Duration) (float64, error) {
	for {
		p, err := s.Price(ctx, symbol)
		if err == nil {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(poll):
		}
	}
}
