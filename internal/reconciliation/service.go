package reconciliation

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"trend-engine/internal/events"
	"trend-engine/internal/monitor"
	"trend-engine/internal/order"
	"trend-engine/pkg/db"
	"trend-engine/pkg/exchanges/common"
)

// Check names recorded on discrepancies.
const (
	CheckPositionSize      = "position_size"
	CheckOrderCount        = "order_count"
	CheckProtectivePairs   = "protective_pairs"
	CheckProtectiveMissing = "protective_missing"
	CheckStalePending      = "stale_pending"
)

const (
	defaultSizeTolerance = 0.001
	defaultPendingMaxAge = 2 * time.Minute
)

// Expected is the locally derived state of one instrument.
type Expected struct {
	Symbol          string
	Sizes           map[order.Side]float64
	OpenOrders      []order.Order
	Pending         []order.PendingEntry
	StopLossEnabled bool
}

// Provider exposes the expected state of every tracked instrument.
type Provider interface {
	Symbols() []string
	Expected(symbol string) (Expected, bool)
}

// Venue is the authoritative side of the comparison.
type Venue interface {
	GetPositions(ctx context.Context, symbol string) ([]common.Position, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error)
}

// Store provides persisted counts and keeps the audit trail.
type Store interface {
	CountOpenOrders(ctx context.Context, symbol string) (int, error)
	SaveAudits(ctx context.Context, audits []db.Audit) error
}

// Discrepancy is one drift finding. It is reported, never corrected.
type Discrepancy struct {
	Symbol string `json:"symbol"`
	Check  string `json:"check"`
	Local  string `json:"local"`
	Venue  string `json:"venue"`
	Detail string `json:"detail"`
}

// Report contains the findings of one run.
type Report struct {
	Timestamp     time.Time     `json:"timestamp"`
	Symbols       int           `json:"symbols"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	Errors        []string      `json:"errors,omitempty"`
}

func (r *Report) HasDiffs() bool { return len(r.Discrepancies) > 0 }

// Service handles periodic reconciliation
type Service struct {
	provider Provider
	venue    Venue
	store    Store
	bus      *events.Bus
	metrics  *monitor.Metrics
	logger   *zap.Logger
	interval time.Duration

	SizeTolerance float64
	PendingMaxAge time.Duration

	mu   sync.Mutex
	last *Report
	now  func() time.Time
}

// NewService creates a new reconciliation service
func NewService(provider Provider, venue Venue, store Store, bus *events.Bus, metrics *monitor.Metrics, logger *zap.Logger, interval time.Duration) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		provider:      provider,
		venue:         venue,
		store:         store,
		bus:           bus,
		metrics:       metrics,
		logger:        logger.Named("reconciliation"),
		interval:      interval,
		SizeTolerance: defaultSizeTolerance,
		PendingMaxAge: defaultPendingMaxAge,
		now:           time.Now,
	}
}

// Start begins periodic reconciliation
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Reconcile(ctx); err != nil {
					s.logger.Error("reconciliation run failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("reconciliation service started", zap.Duration("interval", s.interval))
}

// Reconcile runs every check for every instrument once. Per-symbol venue
// errors are recorded on the report and do not stop the other symbols.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{Timestamp: s.now()}
	for _, symbol := range s.provider.Symbols() {
		exp, ok := s.provider.Expected(symbol)
		if !ok {
			continue
		}
		report.Symbols++
		found, err := s.checkSymbol(ctx, exp)
		if err != nil {
			s.logger.Warn("reconcile symbol", zap.String("symbol", symbol), zap.Error(err))
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		report.Discrepancies = append(report.Discrepancies, found...)
	}

	s.handleReport(ctx, report)
	s.last = report
	if ctx.Err() != nil {
		return report, ctx.Err()
	}
	return report, nil
}

// LastReport returns the most recent run, nil before the first one.
func (s *Service) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Service) checkSymbol(ctx context.Context, exp Expected) ([]Discrepancy, error) {
	var (
		positions []common.Position
		open      []common.OpenOrder
		persisted int
	)
	p := pool.New().WithErrors().WithContext(ctx)
	p.Go(func(ctx context.Context) (err error) {
		positions, err = s.venue.GetPositions(ctx, exp.Symbol)
		return err
	})
	p.Go(func(ctx context.Context) (err error) {
		open, err = s.venue.GetOpenOrders(ctx, exp.Symbol)
		return err
	})
	p.Go(func(ctx context.Context) (err error) {
		persisted, err = s.store.CountOpenOrders(ctx, exp.Symbol)
		return err
	})
	if err := p.Wait(); err != nil {
		return nil, fmt.Errorf("fetch %s state: %w", exp.Symbol, err)
	}

	var out []Discrepancy
	add := func(check, local, venue, detail string) {
		out = append(out, Discrepancy{Symbol: exp.Symbol, Check: check, Local: local, Venue: venue, Detail: detail})
	}

	// (a) position size per side
	venueSizes := make(map[order.Side]float64, 2)
	for _, pos := range positions {
		if side, ok := order.SideFromPosition(pos.PositionSide); ok {
			venueSizes[side] += pos.Size()
		}
	}
	for _, side := range order.Sides {
		local, venue := exp.Sizes[side], venueSizes[side]
		if math.Abs(local-venue) > s.SizeTolerance {
			add(CheckPositionSize, formatFloat(local), formatFloat(venue),
				fmt.Sprintf("%s size differs by %s", side, formatFloat(local-venue)))
		}
	}

	// (b) cached vs persisted open entries
	if len(exp.OpenOrders) != persisted {
		add(CheckOrderCount, strconv.Itoa(len(exp.OpenOrders)), strconv.Itoa(persisted),
			"cached open entries differ from persisted OPEN rows")
	}

	// (c) stop-loss / trailing-stop parity
	venueIDs := make(map[string]bool, len(open))
	stops, trailing := 0, 0
	for _, o := range open {
		venueIDs[o.ExchangeOrderID] = true
		switch o.Type {
		case common.OrderTypeStopMarket:
			stops++
		case common.OrderTypeTrailingStop:
			trailing++
		}
	}
	if exp.StopLossEnabled && stops != trailing {
		add(CheckProtectivePairs, strconv.Itoa(stops), strconv.Itoa(trailing),
			"active stop-loss and trailing-stop counts differ")
	}

	// (d) recorded protective ids must be resting on the venue
	for _, o := range exp.OpenOrders {
		for _, id := range []string{o.StopLossID, o.TrailingStopID} {
			if id != "" && !venueIDs[id] {
				add(CheckProtectiveMissing, id, "",
					fmt.Sprintf("protective order of %s entry %s not open on venue", o.Side, o.VenueOrderID))
			}
		}
	}

	// (e) entries still awaiting a fill
	cutoff := s.now().Add(-s.PendingMaxAge)
	for _, pe := range exp.Pending {
		if pe.CreatedAt.Before(cutoff) {
			add(CheckStalePending, pe.VenueOrderID, "",
				fmt.Sprintf("%s entry pending since %s", pe.Side, pe.CreatedAt.UTC().Format(time.RFC3339)))
		}
	}
	return out, nil
}

// handleReport logs, counts, publishes and persists every finding.
func (s *Service) handleReport(ctx context.Context, report *Report) {
	if !report.HasDiffs() {
		s.logger.Info("reconciliation ok", zap.Int("symbols", report.Symbols))
		return
	}

	audits := make([]db.Audit, 0, len(report.Discrepancies))
	for _, d := range report.Discrepancies {
		s.logger.Error("reconciliation discrepancy",
			zap.String("symbol", d.Symbol),
			zap.String("check", d.Check),
			zap.String("local", d.Local),
			zap.String("venue", d.Venue),
			zap.String("detail", d.Detail))
		s.metrics.Discrepancy(d.Symbol, d.Check)
		s.bus.Publish(events.EventDiscrepancy, events.Discrepancy{
			Symbol: d.Symbol, Check: d.Check, Local: d.Local, Venue: d.Venue, Detail: d.Detail, Time: report.Timestamp,
		})
		audits = append(audits, db.Audit{
			Symbol: d.Symbol, CheckName: d.Check, LocalValue: d.Local, VenueValue: d.Venue, Detail: d.Detail,
		})
	}
	if err := s.store.SaveAudits(ctx, audits); err != nil {
		s.logger.Error("persist reconciliation audits", zap.Error(err))
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
