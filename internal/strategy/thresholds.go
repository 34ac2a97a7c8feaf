package strategy

import (
	"github.com/shopspring/decimal"

	"trend-engine/internal/order"
	"trend-engine/pkg/config"
)

// Thresholds are absolute price distances derived from a reference price.
// They are fixed for the lifetime of a period.
type Thresholds struct {
	Reference     float64 `json:"reference"`
	Long          float64 `json:"long"`
	Short         float64 `json:"short"`
	LongProfit    float64 `json:"long_profit"`
	ShortProfit   float64 `json:"short_profit"`
	StopLoss      float64 `json:"stop_loss"`
	ForwardBlock  float64 `json:"forward_block"`
	BackwardBlock float64 `json:"backward_block"`
	// PeriodProfit is the period target in quote currency, 0 when periods are off.
	PeriodProfit float64 `json:"period_profit"`
}

func percentOf(ref, pct float64) float64 {
	v, _ := decimal.NewFromFloat(ref).Mul(decimal.NewFromFloat(pct)).Div(decimal.NewFromInt(100)).Float64()
	return v
}

// ComputeThresholds derives every distance of cfg from ref.
func ComputeThresholds(cfg config.InstrumentConfig, ref float64) Thresholds {
	t := Thresholds{
		Reference:     ref,
		Long:          percentOf(ref, cfg.Long.ThresholdPercent),
		Short:         percentOf(ref, cfg.Short.ThresholdPercent),
		LongProfit:    percentOf(ref, cfg.Long.ProfitThresholdPercent),
		ShortProfit:   percentOf(ref, cfg.Short.ProfitThresholdPercent),
		ForwardBlock:  percentOf(ref, cfg.ForwardBlockPercent),
		BackwardBlock: percentOf(ref, cfg.BackwardBlockPercent),
	}
	if cfg.StopLossEnabled() {
		t.StopLoss = percentOf(ref, *cfg.StopLossPercent)
	}
	if cfg.Period.Enabled {
		t.PeriodProfit = PeriodProfitTarget(cfg, ref)
	}
	return t
}

// ComputeSubThresholds derives the sub-strategy distances from the period reference.
func ComputeSubThresholds(cfg config.SubStrategyConfig, ref float64) Thresholds {
	t := Thresholds{
		Reference:     ref,
		Long:          percentOf(ref, cfg.Long.ThresholdPercent),
		Short:         percentOf(ref, cfg.Short.ThresholdPercent),
		LongProfit:    percentOf(ref, cfg.Long.ProfitThresholdPercent),
		ShortProfit:   percentOf(ref, cfg.Short.ProfitThresholdPercent),
		ForwardBlock:  percentOf(ref, cfg.ForwardBlockPercent),
		BackwardBlock: percentOf(ref, cfg.BackwardBlockPercent),
	}
	if cfg.StopLossEnabled() {
		t.StopLoss = percentOf(ref, *cfg.StopLossPercent)
	}
	return t
}

// PeriodProfitTarget is the average position notional at ref times the period percent.
func PeriodProfitTarget(cfg config.InstrumentConfig, ref float64) float64 {
	avg := decimal.NewFromFloat(cfg.Long.PositionSize).Add(decimal.NewFromFloat(cfg.Short.PositionSize)).Div(decimal.NewFromInt(2))
	v, _ := avg.Mul(decimal.NewFromFloat(ref)).
		Mul(decimal.NewFromFloat(cfg.Period.ProfitThresholdPercent)).
		Div(decimal.NewFromInt(100)).Float64()
	return v
}

// Protection returns the exit distances handed to the lifecycle manager.
func (t Thresholds) Protection() order.Protection {
	return order.Protection{
		LongProfit:  t.LongProfit,
		ShortProfit: t.ShortProfit,
		LongStop:    t.StopLoss,
		ShortStop:   t.StopLoss,
	}
}
