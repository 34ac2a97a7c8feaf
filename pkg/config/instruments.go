package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidInstrument marks a rejected instruments file entry.
var ErrInvalidInstrument = errors.New("invalid instrument config")

const (
	defaultOrderLimit        = 999
	defaultCallbackRate      = 1.0
	defaultLeverage          = 1
	defaultPricePrecision    = 2
	defaultQuantityPrecision = 3
)

// SideConfig holds the per-direction parameters of an instrument.
type SideConfig struct {
	Enabled                *bool    `yaml:"enabled"`
	PositionSize           float64  `yaml:"position_size"`
	ThresholdPercent       float64  `yaml:"threshold_percent"`
	ProfitThresholdPercent float64  `yaml:"profit_threshold_percent"`
	OrderLimit             int      `yaml:"order_limit"`
	PriceBound             *float64 `yaml:"price_bound"`
}

// IsEnabled reports whether entries on this side are allowed.
func (s SideConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// PeriodConfig enables the period profit target.
type PeriodConfig struct {
	Enabled                bool    `yaml:"enabled"`
	ProfitThresholdPercent float64 `yaml:"profit_threshold_percent"`
}

// SubStrategyConfig configures the composite sub-strategy. It keeps its own
// extremes, thresholds and order book, and only trades while both period
// sides hold a position: longs below the long entry price, shorts above the
// short entry price.
type SubStrategyConfig struct {
	Enabled              bool       `yaml:"enabled"`
	TrailingCallbackRate float64    `yaml:"trailing_callback_rate"`
	StopLossPercent      *float64   `yaml:"stop_loss_percent"`
	ForwardBlockPercent  float64    `yaml:"forward_block_percent"`
	BackwardBlockPercent float64    `yaml:"backward_block_percent"`
	Long                 SideConfig `yaml:"long"`
	Short                SideConfig `yaml:"short"`
}

func (s SubStrategyConfig) StopLossEnabled() bool {
	return s.StopLossPercent != nil && *s.StopLossPercent > 0
}

// InstrumentConfig is the immutable parameter set of one traded symbol.
type InstrumentConfig struct {
	Symbol               string            `yaml:"symbol"`
	Enabled              *bool             `yaml:"enabled"`
	Leverage             int               `yaml:"leverage"`
	PricePrecision       *int              `yaml:"price_precision"`
	QuantityPrecision    *int              `yaml:"quantity_precision"`
	TrailingCallbackRate float64           `yaml:"trailing_callback_rate"`
	StopLossPercent      *float64          `yaml:"stop_loss_percent"`
	ProtectiveOrders     *bool             `yaml:"protective_orders"`
	ForwardBlockPercent  float64           `yaml:"forward_block_percent"`
	BackwardBlockPercent float64           `yaml:"backward_block_percent"`
	Long                 SideConfig        `yaml:"long"`
	Short                SideConfig        `yaml:"short"`
	Period               PeriodConfig      `yaml:"period"`
	SubStrategy          SubStrategyConfig `yaml:"sub_strategy"`
}

// IsEnabled reports whether the instrument should be started.
func (c InstrumentConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// UsesProtectiveOrders reports whether fills get a trailing stop (and optional stop-loss).
func (c InstrumentConfig) UsesProtectiveOrders() bool {
	return c.ProtectiveOrders == nil || *c.ProtectiveOrders
}

// StopLossEnabled reports whether a fixed stop-loss accompanies the trailing stop.
func (c InstrumentConfig) StopLossEnabled() bool {
	return c.StopLossPercent != nil && *c.StopLossPercent > 0
}

// Prices returns the configured price precision.
func (c InstrumentConfig) Prices() int32 { return int32(*c.PricePrecision) }

// Quantities returns the configured quantity precision.
func (c InstrumentConfig) Quantities() int32 { return int32(*c.QuantityPrecision) }

type instrumentsFile struct {
	Instruments []InstrumentConfig `yaml:"instruments"`
}

// LoadInstruments reads, defaults and validates the instruments YAML file.
func LoadInstruments(path string) ([]InstrumentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instruments file: %w", err)
	}
	return ParseInstruments(data)
}

// ParseInstruments decodes instrument definitions from YAML bytes.
func ParseInstruments(data []byte) ([]InstrumentConfig, error) {
	var file instrumentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode instruments: %w", err)
	}
	if len(file.Instruments) == 0 {
		return nil, fmt.Errorf("%w: no instruments defined", ErrInvalidInstrument)
	}

	seen := make(map[string]bool, len(file.Instruments))
	out := make([]InstrumentConfig, 0, len(file.Instruments))
	for _, ic := range file.Instruments {
		ic.applyDefaults()
		if err := ic.Validate(); err != nil {
			return nil, err
		}
		if seen[ic.Symbol] {
			return nil, fmt.Errorf("%w: duplicate symbol %s", ErrInvalidInstrument, ic.Symbol)
		}
		seen[ic.Symbol] = true
		out = append(out, ic)
	}
	return out, nil
}

// FilterSymbols keeps enabled instruments, restricted to allow when it is non-empty.
func FilterSymbols(all []InstrumentConfig, allow []string) []InstrumentConfig {
	allowed := make(map[string]bool, len(allow))
	for _, s := range allow {
		allowed[s] = true
	}
	out := make([]InstrumentConfig, 0, len(all))
	for _, ic := range all {
		if !ic.IsEnabled() {
			continue
		}
		if len(allowed) > 0 && !allowed[ic.Symbol] {
			continue
		}
		out = append(out, ic)
	}
	return out
}

func (c *InstrumentConfig) applyDefaults() {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	if c.Leverage == 0 {
		c.Leverage = defaultLeverage
	}
	if c.PricePrecision == nil {
		p := defaultPricePrecision
		c.PricePrecision = &p
	}
	if c.QuantityPrecision == nil {
		q := defaultQuantityPrecision
		c.QuantityPrecision = &q
	}
	if c.TrailingCallbackRate == 0 {
		c.TrailingCallbackRate = defaultCallbackRate
	}

	inheritSides(&c.Long, &c.Short)

	if c.SubStrategy.Enabled {
		if c.SubStrategy.TrailingCallbackRate == 0 {
			c.SubStrategy.TrailingCallbackRate = c.TrailingCallbackRate
		}
		inheritSides(&c.SubStrategy.Long, &c.SubStrategy.Short)
	}
}

// inheritSides fills unset short sizing from the long side and defaults both order limits.
func inheritSides(long, short *SideConfig) {
	if short.PositionSize == 0 {
		short.PositionSize = long.PositionSize
	}
	if short.ThresholdPercent == 0 {
		short.ThresholdPercent = long.ThresholdPercent
	}
	if short.ProfitThresholdPercent == 0 {
		short.ProfitThresholdPercent = long.ProfitThresholdPercent
	}
	if long.OrderLimit == 0 {
		long.OrderLimit = defaultOrderLimit
	}
	if short.OrderLimit == 0 {
		short.OrderLimit = defaultOrderLimit
	}
}

// Validate checks ranges once at load time.
func (c InstrumentConfig) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrInvalidInstrument, c.Symbol, fmt.Sprintf(format, args...))
	}
	if c.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidInstrument)
	}
	for name, side := range map[string]SideConfig{"long": c.Long, "short": c.Short} {
		if err := side.validate(name); err != nil {
			return fail("%s", err)
		}
	}
	if c.UsesProtectiveOrders() {
		if c.TrailingCallbackRate < 0.1 || c.TrailingCallbackRate > 5 {
			return fail("trailing_callback_rate %.2f outside 0.1..5", c.TrailingCallbackRate)
		}
		if c.Long.ProfitThresholdPercent == 0 || c.Short.ProfitThresholdPercent == 0 {
			return fail("profit_threshold_percent is required when protective_orders is on")
		}
	}
	if c.StopLossPercent != nil && *c.StopLossPercent < 0 {
		return fail("stop_loss_percent must be >= 0")
	}
	if c.ForwardBlockPercent < 0 || c.BackwardBlockPercent < 0 {
		return fail("order block percents must be >= 0")
	}
	if c.Period.Enabled && c.Period.ProfitThresholdPercent <= 0 {
		return fail("period.profit_threshold_percent must be > 0 when period is enabled")
	}
	if c.Leverage < 1 || c.Leverage > 125 {
		return fail("leverage %d outside 1..125", c.Leverage)
	}
	if *c.PricePrecision < 0 || *c.QuantityPrecision < 0 {
		return fail("precisions must be >= 0")
	}
	if c.SubStrategy.Enabled {
		if err := c.SubStrategy.validate(c.Period.Enabled); err != nil {
			return fail("%s", err)
		}
	}
	return nil
}

func (s SideConfig) validate(name string) error {
	if s.PositionSize <= 0 {
		return fmt.Errorf("%s.position_size must be > 0", name)
	}
	if s.ThresholdPercent <= 0 {
		return fmt.Errorf("%s.threshold_percent must be > 0", name)
	}
	if s.ProfitThresholdPercent < 0 {
		return fmt.Errorf("%s.profit_threshold_percent must be >= 0", name)
	}
	if s.OrderLimit < 0 {
		return fmt.Errorf("%s.order_limit must be >= 0", name)
	}
	if s.PriceBound != nil && *s.PriceBound <= 0 {
		return fmt.Errorf("%s.price_bound must be > 0", name)
	}
	return nil
}

func (s SubStrategyConfig) validate(periodEnabled bool) error {
	if !periodEnabled {
		return errors.New("sub_strategy requires period.enabled")
	}
	for name, side := range map[string]SideConfig{"sub_strategy.long": s.Long, "sub_strategy.short": s.Short} {
		if err := side.validate(name); err != nil {
			return err
		}
		if side.ProfitThresholdPercent == 0 {
			return fmt.Errorf("%s.profit_threshold_percent must be > 0", name)
		}
	}
	if s.TrailingCallbackRate < 0.1 || s.TrailingCallbackRate > 5 {
		return fmt.Errorf("sub_strategy.trailing_callback_rate %.2f outside 0.1..5", s.TrailingCallbackRate)
	}
	if s.StopLossPercent != nil && *s.StopLossPercent < 0 {
		return errors.New("sub_strategy.stop_loss_percent must be >= 0")
	}
	if s.ForwardBlockPercent < 0 || s.BackwardBlockPercent < 0 {
		return errors.New("sub_strategy order block percents must be >= 0")
	}
	return nil
}
