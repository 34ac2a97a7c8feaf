package strategy

import (
	"trend-engine/internal/monitor"
	"trend-engine/internal/order"
	"trend-engine/pkg/config"
)

// Book is the view of same-side entries the signal checks need.
type Book interface {
	Capacity(side order.Side) int
	EntryPrices(side order.Side) []float64
}

// Signal is one triggered side on a tick.
type Signal struct {
	Side    order.Side
	Price   float64 // trigger (mark) price
	Exec    float64 // expected execution (last trade) price
	Trigger float64 // extreme plus/minus threshold that was crossed
	Outcome string  // monitor.Outcome*; OutcomeSubmitted means all checks passed
}

// Accepted reports whether every suppression check passed.
func (s Signal) Accepted() bool { return s.Outcome == monitor.OutcomeSubmitted }

// SignalEngine evaluates entry triggers against a Tracker.
type SignalEngine struct {
	cfg     config.InstrumentConfig
	tracker *Tracker
	thr     Thresholds
}

func NewSignalEngine(cfg config.InstrumentConfig, tracker *Tracker, thr Thresholds) *SignalEngine {
	return &SignalEngine{cfg: cfg, tracker: tracker, thr: thr}
}

// SetThresholds swaps the distances after a period restart.
func (e *SignalEngine) SetThresholds(thr Thresholds) { e.thr = thr }

func (e *SignalEngine) Thresholds() Thresholds { return e.thr }

// Evaluate checks both triggers at mark price p. A trigger ratchets the
// extreme before any suppression check, so a suppressed entry does not
// re-fire on the next tick at the same price. exec is the price the order
// block is measured at.
func (e *SignalEngine) Evaluate(p, exec float64, book Book) []Signal {
	if p <= 0 {
		return nil
	}
	if exec <= 0 {
		exec = p
	}
	var out []Signal

	ext := e.tracker.Get()
	if trigger := ext.Max + e.thr.Long; p >= trigger {
		e.tracker.Observe(p)
		out = append(out, e.check(order.SideLong, p, exec, trigger, book))
	}

	ext = e.tracker.Get()
	if trigger := ext.Min - e.thr.Short; p <= trigger {
		e.tracker.Observe(p)
		out = append(out, e.check(order.SideShort, p, exec, trigger, book))
	}
	return out
}

func (e *SignalEngine) side(side order.Side) config.SideConfig {
	if side == order.SideShort {
		return e.cfg.Short
	}
	return e.cfg.Long
}

func (e *SignalEngine) check(side order.Side, p, exec, trigger float64, book Book) Signal {
	return checkEntry(e.side(side), e.thr, side, p, exec, trigger, book)
}

// checkEntry runs the suppression checks in order: disabled side, capacity,
// price bound, order block.
func checkEntry(sc config.SideConfig, thr Thresholds, side order.Side, p, exec, trigger float64, book Book) Signal {
	sig := Signal{Side: side, Price: p, Exec: exec, Trigger: trigger}
	switch {
	case !sc.IsEnabled():
		sig.Outcome = monitor.OutcomeDisabled
	case book.Capacity(side) >= sc.OrderLimit:
		sig.Outcome = monitor.OutcomeCapacity
	case outOfBounds(side, p, sc.PriceBound):
		sig.Outcome = monitor.OutcomeBound
	case Blocked(exec, book.EntryPrices(side), thr.ForwardBlock, thr.BackwardBlock):
		sig.Outcome = monitor.OutcomeBlock
	default:
		sig.Outcome = monitor.OutcomeSubmitted
	}
	return sig
}

// outOfBounds: longs stop above the bound, shorts stop below it.
func outOfBounds(side order.Side, p float64, bound *float64) bool {
	if bound == nil {
		return false
	}
	if side == order.SideShort {
		return p < *bound
	}
	return p > *bound
}

// Blocked reports whether price sits within forward distance below the
// nearest entry at or above it, or within backward distance above the
// nearest entry at or below it. Zero distances disable the check.
func Blocked(price float64, entries []float64, forward, backward float64) bool {
	if forward <= 0 && backward <= 0 {
		return false
	}
	var above, below float64
	haveAbove, haveBelow := false, false
	for _, e := range entries {
		if e >= price && (!haveAbove || e < above) {
			above, haveAbove = e, true
		}
		if e <= price && (!haveBelow || e > below) {
			below, haveBelow = e, true
		}
	}
	if forward > 0 && haveAbove && above-price < forward {
		return true
	}
	if backward > 0 && haveBelow && price-below < backward {
		return true
	}
	return false
}
