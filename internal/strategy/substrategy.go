package strategy

import (
	"trend-engine/internal/order"
	"trend-engine/pkg/config"
)

// Zone is the pair of main position entry prices the sub-strategy trades
// between. A zero price closes that side of the zone.
type Zone struct {
	LongEntry  float64 `json:"long_entry"`
	ShortEntry float64 `json:"short_entry"`
}

// SubStrategy trades bounces off its own extremes pair while both main sides
// are open. A long fires when price climbs the long threshold off the pair's
// min while still below the main long entry; a short mirrors it off the max
// above the main short entry. Not safe for concurrent use.
type SubStrategy struct {
	cfg     config.SubStrategyConfig
	tracker *Tracker
	thr     Thresholds
	active  bool
}

func NewSubStrategy(cfg config.SubStrategyConfig, tracker *Tracker) *SubStrategy {
	return &SubStrategy{cfg: cfg, tracker: tracker}
}

func (s *SubStrategy) SetThresholds(thr Thresholds) { s.thr = thr }

func (s *SubStrategy) Thresholds() Thresholds { return s.thr }

func (s *SubStrategy) Extremes() Extremes { return s.tracker.Get() }

func (s *SubStrategy) Active() bool { return s.active }

// SetActive switches evaluation on or off and reports whether it changed.
func (s *SubStrategy) SetActive(active bool) bool {
	changed := s.active != active
	s.active = active
	return changed
}

// Observe widens the pair toward p. It runs every tick, active or not.
func (s *SubStrategy) Observe(p float64) { s.tracker.Observe(p) }

// Reset re-anchors the pair at price and deactivates, used on period rollover.
func (s *SubStrategy) Reset(price float64) {
	s.tracker.Reset(price)
	s.active = false
}

// Evaluate checks both bounce triggers at mark price p. Out-of-zone prices
// never trigger. Only an accepted entry rebases its end of the pair, so a
// suppressed trigger keeps firing until capacity or spacing frees up.
func (s *SubStrategy) Evaluate(p, exec float64, zone Zone, book Book) []Signal {
	if !s.active || p <= 0 {
		return nil
	}
	if exec <= 0 {
		exec = p
	}
	var out []Signal

	ext := s.tracker.Get()
	if zone.LongEntry > 0 && p < zone.LongEntry {
		if trigger := ext.Min + s.thr.Long; p >= trigger {
			sig := checkEntry(s.cfg.Long, s.thr, order.SideLong, p, exec, trigger, book)
			if sig.Accepted() {
				s.tracker.RebaseMin(p)
			}
			out = append(out, sig)
		}
	}

	ext = s.tracker.Get()
	if zone.ShortEntry > 0 && p > zone.ShortEntry {
		if trigger := ext.Max - s.thr.Short; p <= trigger {
			sig := checkEntry(s.cfg.Short, s.thr, order.SideShort, p, exec, trigger, book)
			if sig.Accepted() {
				s.tracker.RebaseMax(p)
			}
			out = append(out, sig)
		}
	}
	return out
}

func (s *SubStrategy) side(side order.Side) config.SideConfig {
	if side == order.SideShort {
		return s.cfg.Short
	}
	return s.cfg.Long
}
