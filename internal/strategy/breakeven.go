package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trend-engine/internal/order"
	"trend-engine/pkg/exchanges/common"
)

// PositionSource returns the venue's hedge-mode legs for a symbol.
type PositionSource interface {
	GetPositions(ctx context.Context, symbol string) ([]common.Position, error)
}

// SidePosition is the aggregate of one side as last reported by the venue.
type SidePosition struct {
	BreakEven  float64   `json:"breakeven"`
	EntryPrice float64   `json:"entry_price"`
	Size       float64   `json:"size"`
	Refreshed  time.Time `json:"refreshed"`
}

// BreakevenCache holds per-side breakeven and size so the tick can evaluate
// profit without querying the venue. Not safe for concurrent use.
type BreakevenCache struct {
	symbol    string
	src       PositionSource
	sides     map[order.Side]SidePosition
	refreshed time.Time
	now       func() time.Time
}

func NewBreakevenCache(symbol string, src PositionSource) *BreakevenCache {
	return &BreakevenCache{
		symbol: symbol,
		src:    src,
		sides:  make(map[order.Side]SidePosition),
		now:    time.Now,
	}
}

// Refresh replaces both sides with the venue snapshot. A side missing from
// the snapshot is flat.
func (b *BreakevenCache) Refresh(ctx context.Context) error {
	positions, err := b.src.GetPositions(ctx, b.symbol)
	if err != nil {
		return fmt.Errorf("refresh breakeven %s: %w", b.symbol, err)
	}
	now := b.now()
	sides := make(map[order.Side]SidePosition, 2)
	for _, p := range positions {
		side, ok := order.SideFromPosition(p.PositionSide)
		if !ok || p.Size() == 0 {
			continue
		}
		bep := p.BreakEvenPrice
		if bep <= 0 {
			bep = p.EntryPrice
		}
		sides[side] = SidePosition{BreakEven: bep, EntryPrice: p.EntryPrice, Size: p.Size(), Refreshed: now}
	}
	b.sides = sides
	b.refreshed = now
	return nil
}

// Apply folds one account-update leg into the cache.
func (b *BreakevenCache) Apply(up order.PositionUpdate) {
	side, ok := order.SideFromPosition(up.PositionSide)
	if !ok {
		return
	}
	size := up.Amount
	if size < 0 {
		size = -size
	}
	if size == 0 {
		delete(b.sides, side)
		return
	}
	bep := up.BreakEvenPrice
	if bep <= 0 {
		bep = up.EntryPrice
	}
	b.sides[side] = SidePosition{BreakEven: bep, EntryPrice: up.EntryPrice, Size: size, Refreshed: b.now()}
}

func (b *BreakevenCache) Get(side order.Side) SidePosition { return b.sides[side] }

// Hedged reports whether both sides hold a position.
func (b *BreakevenCache) Hedged() bool {
	return b.sides[order.SideLong].Size > 0 && b.sides[order.SideShort].Size > 0
}

// Entry is the average entry price of side, falling back to breakeven.
func (b *BreakevenCache) Entry(side order.Side) float64 {
	sp := b.sides[side]
	if sp.EntryPrice > 0 {
		return sp.EntryPrice
	}
	return sp.BreakEven
}

// HasPosition reports whether any side is non-flat.
func (b *BreakevenCache) HasPosition() bool { return len(b.sides) > 0 }

// Stale reports whether the last full refresh is older than maxAge.
func (b *BreakevenCache) Stale(maxAge time.Duration) bool {
	return b.refreshed.IsZero() || b.now().Sub(b.refreshed) > maxAge
}

// PnL is the unrealized profit of side at price.
func (b *BreakevenCache) PnL(side order.Side, price float64) float64 {
	sp, ok := b.sides[side]
	if !ok || sp.Size == 0 || sp.BreakEven <= 0 {
		return 0
	}
	diff := decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(sp.BreakEven))
	if side == order.SideShort {
		diff = diff.Neg()
	}
	v, _ := diff.Mul(decimal.NewFromFloat(sp.Size)).Float64()
	return v
}

// NetPnL sums PnL across the sides present.
func (b *BreakevenCache) NetPnL(price float64) float64 {
	total := decimal.Zero
	for _, side := range order.Sides {
		total = total.Add(decimal.NewFromFloat(b.PnL(side, price)))
	}
	v, _ := total.Float64()
	return v
}

// Reset marks both sides flat.
func (b *BreakevenCache) Reset() {
	b.sides = make(map[order.Side]SidePosition)
	b.refreshed = b.now()
}
