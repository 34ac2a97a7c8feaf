package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trend-engine/internal/order"
	"trend-engine/pkg/db"
)

// PeriodStore is the period bookkeeping of the persistence layer.
type PeriodStore interface {
	CreatePeriod(ctx context.Context, symbol string, reference, profitThreshold float64) (int64, error)
	ActivePeriod(ctx context.Context, symbol string) (*db.Period, error)
	UpdatePeriodExtremes(ctx context.Context, periodID int64, minPrice, maxPrice float64) error
	EndPeriod(ctx context.Context, symbol string, totalProfit float64) error
	AbandonActivePeriods(ctx context.Context, symbol string) (int64, error)
}

// PeriodController tracks the ACTIVE period of one instrument and decides
// when its profit target is reached. Not safe for concurrent use.
type PeriodController struct {
	symbol string
	store  PeriodStore
	logger *zap.Logger

	id        int64
	reference float64
	target    float64
	startedAt time.Time
	closing   bool
}

func NewPeriodController(symbol string, store PeriodStore, logger *zap.Logger) *PeriodController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PeriodController{symbol: symbol, store: store, logger: logger}
}

func (c *PeriodController) ID() int64 { return c.id }

func (c *PeriodController) Reference() float64 { return c.reference }

func (c *PeriodController) Target() float64 { return c.target }

func (c *PeriodController) StartedAt() time.Time { return c.startedAt }

func (c *PeriodController) Closing() bool { return c.closing }

// Start persists a new ACTIVE period anchored at reference.
func (c *PeriodController) Start(ctx context.Context, reference, target float64) (int64, error) {
	id, err := c.store.CreatePeriod(ctx, c.symbol, reference, target)
	if err != nil {
		return 0, fmt.Errorf("start period %s: %w", c.symbol, err)
	}
	c.id, c.reference, c.target = id, reference, target
	c.startedAt = time.Now()
	c.closing = false
	return id, nil
}

// StartFresh abandons stale ACTIVE rows, then starts a new period.
func (c *PeriodController) StartFresh(ctx context.Context, reference, target float64) (int64, error) {
	n, err := c.store.AbandonActivePeriods(ctx, c.symbol)
	if err != nil {
		return 0, fmt.Errorf("abandon periods %s: %w", c.symbol, err)
	}
	if n > 0 {
		c.logger.Warn("abandoned stale active periods", zap.Int64("count", n))
	}
	return c.Start(ctx, reference, target)
}

// Resume adopts the persisted ACTIVE period. ok is false when none exists.
func (c *PeriodController) Resume(ctx context.Context) (*db.Period, bool, error) {
	p, err := c.store.ActivePeriod(ctx, c.symbol)
	if errors.Is(err, db.ErrNoActivePeriod) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("resume period %s: %w", c.symbol, err)
	}
	c.id, c.reference, c.target = p.ID, p.ReferencePrice, p.ProfitThreshold
	c.startedAt = p.StartedAt
	c.closing = false
	return p, true, nil
}

// SetTarget overrides the profit target, used when a resumed row predates the column.
func (c *PeriodController) SetTarget(target float64) { c.target = target }

// RecordExtremes persists the current pair on the period row.
func (c *PeriodController) RecordExtremes(ctx context.Context, ext Extremes) {
	if c.id == 0 {
		return
	}
	if err := c.store.UpdatePeriodExtremes(ctx, c.id, ext.Min, ext.Max); err != nil {
		c.logger.Warn("persist period extremes", zap.Int64("period_id", c.id), zap.Error(err))
	}
}

// ShouldClose reports whether net PnL reached the target of an open period.
func (c *PeriodController) ShouldClose(netPnL float64) bool {
	return c.id > 0 && !c.closing && c.target > 0 && netPnL >= c.target
}

// BeginClose marks the period CLOSING so the target is not re-evaluated.
func (c *PeriodController) BeginClose() { c.closing = true }

// AbortClose returns to the active state after a failed close.
func (c *PeriodController) AbortClose() { c.closing = false }

// End closes the period row with the realized total.
func (c *PeriodController) End(ctx context.Context, totalProfit float64) error {
	if err := c.store.EndPeriod(ctx, c.symbol, totalProfit); err != nil {
		return fmt.Errorf("end period %s: %w", c.symbol, err)
	}
	c.id = 0
	c.closing = false
	return nil
}

// Abandon marks every ACTIVE row ABANDONED and idles the controller. A period
// whose End failed is abandoned before the next Start so only one row stays ACTIVE.
func (c *PeriodController) Abandon(ctx context.Context) error {
	n, err := c.store.AbandonActivePeriods(ctx, c.symbol)
	if err != nil {
		return fmt.Errorf("abandon periods %s: %w", c.symbol, err)
	}
	c.logger.Warn("abandoned active periods", zap.Int64("period_id", c.id), zap.Int64("count", n))
	c.id = 0
	c.closing = false
	return nil
}

// SumRealized adds venue-reported realized PnL of fills exactly.
func SumRealized(fills []order.FillEvent) float64 {
	total := decimal.Zero
	for _, f := range fills {
		total = total.Add(decimal.NewFromFloat(f.RealizedPnL))
	}
	v, _ := total.Float64()
	return v
}
