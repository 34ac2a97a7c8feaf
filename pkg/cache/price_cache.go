package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// DefaultTTL is how long a price stays readable after its last update.
const DefaultTTL = 10 * time.Second

// MarkKey is the cache key of a symbol's mark price.
func MarkKey(symbol string) string { return "mark:" + symbol }

// LastKey is the cache key of a symbol's last trade price.
func LastKey(symbol string) string { return "last:" + symbol }

// PriceCache is a sharded key/value price store whose entries expire after ttl.
type PriceCache struct {
	ttl    time.Duration
	now    func() time.Time
	shards [numShards]*priceShard
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     float64
	updatedAt time.Time
}

// NewPriceCache creates a cache; ttl <= 0 uses DefaultTTL.
func NewPriceCache(ttl time.Duration) *PriceCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &PriceCache{ttl: ttl, now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{
			items: make(map[string]priceEntry),
		}
	}
	return c
}

// TTL returns the configured expiry.
func (c *PriceCache) TTL() time.Duration { return c.ttl }

func (c *PriceCache) getShard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price under key. Non-positive prices are ignored.
func (c *PriceCache) Set(key string, price float64) {
	if price <= 0 {
		return
	}
	shard := c.getShard(key)
	shard.mu.Lock()
	shard.items[key] = priceEntry{
		price:     price,
		updatedAt: c.now(),
	}
	shard.mu.Unlock()
}

// Get returns the price under key. ok is false when missing or expired.
func (c *PriceCache) Get(key string) (float64, bool) {
	shard := c.getShard(key)
	shard.mu.RLock()
	entry, ok := shard.items[key]
	shard.mu.RUnlock()
	if !ok || c.now().Sub(entry.updatedAt) > c.ttl {
		return 0, false
	}
	return entry.price, true
}

// GetWithAge returns the price and its age, ignoring expiry.
func (c *PriceCache) GetWithAge(key string) (float64, time.Duration, bool) {
	shard := c.getShard(key)
	shard.mu.RLock()
	entry, ok := shard.items[key]
	shard.mu.RUnlock()
	if !ok {
		return 0, 0, false
	}
	return entry.price, c.now().Sub(entry.updatedAt), true
}

// MarkPrice returns the fresh mark price of symbol.
func (c *PriceCache) MarkPrice(symbol string) (float64, bool) {
	return c.Get(MarkKey(symbol))
}

// LastPrice returns the fresh last trade price of symbol, falling back to mark.
func (c *PriceCache) LastPrice(symbol string) (float64, bool) {
	if p, ok := c.Get(LastKey(symbol)); ok {
		return p, true
	}
	return c.MarkPrice(symbol)
}

// Len returns total items across all shards, expired ones included.
func (c *PriceCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup evicts expired entries and returns how many were removed.
func (c *PriceCache) Cleanup() int {
	removed := 0
	cutoff := c.now().Add(-c.ttl)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for key, entry := range shard.items {
			if entry.updatedAt.Before(cutoff) {
				delete(shard.items, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Start runs the janitor until ctx is cancelled.
func (c *PriceCache) Start(ctx context.Context) {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Cleanup()
		}
	}
}

// Snapshot returns all fresh prices (for the operator API).
func (c *PriceCache) Snapshot() map[string]float64 {
	result := make(map[string]float64)
	now := c.now()
	for _, shard := range c.shards {
		shard.mu.RLock()
		for key, entry := range shard.items {
			if now.Sub(entry.updatedAt) <= c.ttl {
				result[key] = entry.price
			}
		}
		shard.mu.RUnlock()
	}
	return result
}
