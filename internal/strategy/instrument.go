package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trend-engine/internal/events"
	"trend-engine/internal/monitor"
	"trend-engine/internal/order"
	"trend-engine/internal/reconciliation"
	"trend-engine/pkg/config"
	"trend-engine/pkg/db"
	"trend-engine/pkg/exchanges/common"
)

// Store is everything an instrument persists.
type Store interface {
	order.Store
	PeriodStore
	CloseOpenOrders(ctx context.Context, symbol string, periodID int64, exitPrice float64, reason string) (int64, error)
	OpenOrders(ctx context.Context, symbol string) ([]db.Order, error)
	SaveExtremes(ctx context.Context, symbol, scope string, minPrice, maxPrice float64) error
	Extremes(ctx context.Context, symbol, scope string) (minPrice, maxPrice float64, ok bool, err error)
}

// PriceView is the cached price read by the tick.
type PriceView interface {
	MarkPrice(symbol string) (float64, bool)
	LastPrice(symbol string) (float64, bool)
}

// PriceFallback resolves a price when the cache is cold.
type PriceFallback interface {
	WaitPrice(ctx context.Context, symbol string, poll time.Duration) (float64, error)
}

// Options are the timing knobs of an instrument.
type Options struct {
	TickInterval             time.Duration
	BreakevenRefreshInterval time.Duration
	StateSaveInterval        time.Duration
	StartupPriceTimeout      time.Duration
	CloseFillTimeout         time.Duration
	CloseGap                 time.Duration
	BootstrapDelay           time.Duration
}

func (o *Options) applyDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.BreakevenRefreshInterval <= 0 {
		o.BreakevenRefreshInterval = 5 * time.Minute
	}
	if o.StateSaveInterval <= 0 {
		o.StateSaveInterval = 5 * time.Minute
	}
	if o.StartupPriceTimeout <= 0 {
		o.StartupPriceTimeout = 30 * time.Second
	}
	if o.CloseFillTimeout <= 0 {
		o.CloseFillTimeout = 5 * time.Second
	}
	if o.CloseGap <= 0 {
		o.CloseGap = 200 * time.Millisecond
	}
}

// Deps are the collaborators shared by every instrument.
type Deps struct {
	Gateway  common.FuturesGateway
	Store    Store
	Prices   PriceView
	Fallback PriceFallback
	Bus      *events.Bus
	Metrics  *monitor.Metrics
	Logger   *zap.Logger
}

// Instrument is the engine of one symbol. The tick loop and the event
// stream handlers are serialized by mu.
type Instrument struct {
	mu sync.Mutex

	cfg      config.InstrumentConfig
	opts     Options
	gw       common.FuturesGateway
	store    Store
	prices   PriceView
	fallback PriceFallback
	bus      *events.Bus
	metrics  *monitor.Metrics
	logger   *zap.Logger

	tracker   *Tracker
	signals   *SignalEngine
	orders    *order.Manager
	breakeven *BreakevenCache
	period    *PeriodController // nil in trend mode

	// sub and subOrders are nil unless the composite sub-strategy is enabled.
	sub       *SubStrategy
	subOrders *order.Manager

	refreshDue bool
	paused     bool
	started    bool
	// early holds fills delivered before Start finished; they are replayed
	// once the open-orders cache is restored.
	early []order.FillEvent
	now   func() time.Time
}

// maxEarlyFills bounds the fills buffered for an instrument that never starts.
const maxEarlyFills = 256

// closeRequest carries a period close from the locked tick to the unlocked sequence.
type closeRequest struct {
	fills <-chan order.FillEvent
	net   float64
	price float64
}

func NewInstrument(cfg config.InstrumentConfig, opts Options, deps Deps) *Instrument {
	opts.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("instrument").With(zap.String("symbol", cfg.Symbol))

	i := &Instrument{
		cfg:       cfg,
		opts:      opts,
		gw:        deps.Gateway,
		store:     deps.Store,
		prices:    deps.Prices,
		fallback:  deps.Fallback,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		logger:    logger,
		tracker:   NewTracker(0),
		breakeven: NewBreakevenCache(cfg.Symbol, deps.Gateway),
		now:       time.Now,
	}
	i.signals = NewSignalEngine(cfg, i.tracker, Thresholds{})
	i.orders = order.NewManager(order.ManagerConfig{
		Symbol:           cfg.Symbol,
		Precision:        order.Precision{Price: cfg.Prices(), Qty: cfg.Quantities()},
		ProtectiveOrders: cfg.UsesProtectiveOrders(),
		StopLoss:         cfg.StopLossEnabled(),
		CallbackRate:     cfg.TrailingCallbackRate,
		BootstrapDelay:   opts.BootstrapDelay,
	}, deps.Gateway, deps.Store, &i.mu, deps.Bus, deps.Metrics, logger)
	i.orders.OnPositionChange = func(context.Context) { i.refreshDue = true }
	if cfg.Period.Enabled {
		i.period = NewPeriodController(cfg.Symbol, deps.Store, logger)
		if cfg.SubStrategy.Enabled {
			i.sub = NewSubStrategy(cfg.SubStrategy, NewTracker(0))
			i.subOrders = order.NewManager(order.ManagerConfig{
				Symbol:           cfg.Symbol,
				Precision:        order.Precision{Price: cfg.Prices(), Qty: cfg.Quantities()},
				ProtectiveOrders: true,
				StopLoss:         cfg.SubStrategy.StopLossEnabled(),
				CallbackRate:     cfg.SubStrategy.TrailingCallbackRate,
				BootstrapDelay:   opts.BootstrapDelay,
				Scope:            db.ScopeSub,
				SkipPeriodCount:  true,
			}, deps.Gateway, deps.Store, &i.mu, deps.Bus, deps.Metrics, logger)
			i.subOrders.OnPositionChange = i.orders.OnPositionChange
		}
	}
	return i
}

func (i *Instrument) Symbol() string { return i.cfg.Symbol }

func (i *Instrument) Config() config.InstrumentConfig { return i.cfg }

// Start restores or initializes state from the venue and the store.
func (i *Instrument) Start(ctx context.Context) error {
	price, err := i.startupPrice(ctx)
	if err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.gw.SetLeverage(ctx, i.cfg.Symbol, i.cfg.Leverage); err != nil {
		i.logger.Warn("set leverage", zap.Int("leverage", i.cfg.Leverage), zap.Error(err))
	}
	if err := i.breakeven.Refresh(ctx); err != nil {
		return fmt.Errorf("%s startup positions: %w", i.cfg.Symbol, err)
	}
	hasPosition := i.breakeven.HasPosition()

	ref := price
	if i.period != nil {
		ref, err = i.startPeriod(ctx, price, hasPosition)
		if err != nil {
			return err
		}
		i.orders.SetPeriod(i.period.ID())
	} else {
		minPrice, maxPrice, ok, err := i.store.Extremes(ctx, i.cfg.Symbol, db.ScopeMain)
		if err != nil {
			return fmt.Errorf("%s load extremes: %w", i.cfg.Symbol, err)
		}
		if ok && hasPosition {
			i.tracker.Set(minPrice, maxPrice)
		} else {
			i.tracker.Reset(price)
		}
	}

	thr := ComputeThresholds(i.cfg, ref)
	i.signals.SetThresholds(thr)
	i.orders.SetProtection(thr.Protection())
	if i.sub != nil {
		if err := i.startSub(ctx, ref, price, hasPosition); err != nil {
			return err
		}
	}

	if hasPosition {
		if err := i.restoreOrders(ctx); err != nil {
			return err
		}
	} else if n, err := i.store.CloseOpenOrders(ctx, i.cfg.Symbol, 0, 0, string(order.ReasonAbandoned)); err != nil {
		return fmt.Errorf("%s close stale orders: %w", i.cfg.Symbol, err)
	} else if n > 0 {
		i.logger.Warn("closed stale OPEN rows; venue reports no position", zap.Int64("count", n))
	}

	ext := i.tracker.Get()
	i.started = true
	i.replayEarly(ctx)
	i.logger.Info("instrument initialized",
		zap.Float64("reference", thr.Reference),
		zap.Float64("min", ext.Min),
		zap.Float64("max", ext.Max),
		zap.Float64("long_threshold", thr.Long),
		zap.Float64("short_threshold", thr.Short),
		zap.Float64("period_target", thr.PeriodProfit),
		zap.Bool("resumed", hasPosition),
		zap.Int("open_orders", i.orders.Open().Len()))
	return nil
}

// startSub anchors the sub-strategy on the period reference and restores its
// own extremes when the venue still holds a position.
func (i *Instrument) startSub(ctx context.Context, ref, price float64, hasPosition bool) error {
	thr := ComputeSubThresholds(i.cfg.SubStrategy, ref)
	i.sub.SetThresholds(thr)
	i.subOrders.SetProtection(thr.Protection())
	i.subOrders.SetPeriod(i.period.ID())

	i.sub.Reset(price)
	if !hasPosition {
		return nil
	}
	minPrice, maxPrice, ok, err := i.store.Extremes(ctx, i.cfg.Symbol, db.ScopeSub)
	if err != nil {
		return fmt.Errorf("%s load sub-strategy extremes: %w", i.cfg.Symbol, err)
	}
	if ok {
		i.sub.tracker.Set(minPrice, maxPrice)
	}
	return nil
}

func (i *Instrument) replayEarly(ctx context.Context) {
	if len(i.early) == 0 {
		return
	}
	i.logger.Info("replaying fills received before start", zap.Int("count", len(i.early)))
	for _, ev := range i.early {
		i.dispatchFill(ctx, ev)
	}
	i.early = nil
}

func (i *Instrument) startupPrice(ctx context.Context) (float64, error) {
	if p, ok := i.prices.MarkPrice(i.cfg.Symbol); ok {
		return p, nil
	}
	if i.fallback == nil {
		return 0, fmt.Errorf("%s: no price available", i.cfg.Symbol)
	}
	wctx, cancel := context.WithTimeout(ctx, i.opts.StartupPriceTimeout)
	defer cancel()
	p, err := i.fallback.WaitPrice(wctx, i.cfg.Symbol, time.Second)
	if err != nil {
		return 0, fmt.Errorf("%s startup price: %w", i.cfg.Symbol, err)
	}
	return p, nil
}

// startPeriod resumes the ACTIVE period when the venue holds a position and
// starts a fresh one otherwise. It returns the reference price in force.
func (i *Instrument) startPeriod(ctx context.Context, price float64, hasPosition bool) (float64, error) {
	if !hasPosition {
		if _, err := i.period.StartFresh(ctx, price, PeriodProfitTarget(i.cfg, price)); err != nil {
			return 0, err
		}
		i.tracker.Reset(price)
		i.logger.Info("fresh start; new period", zap.Int64("period_id", i.period.ID()), zap.Float64("reference", price))
		return price, nil
	}

	p, ok, err := i.period.Resume(ctx)
	if err != nil {
		return 0, err
	}
	if ok {
		if p.ProfitThreshold <= 0 {
			i.period.SetTarget(PeriodProfitTarget(i.cfg, p.ReferencePrice))
		}
		if p.MinPrice > 0 && p.MaxPrice > 0 {
			i.tracker.Set(p.MinPrice, p.MaxPrice)
		} else {
			i.tracker.Reset(p.ReferencePrice)
		}
		i.logger.Warn("resuming period",
			zap.Int64("period_id", p.ID),
			zap.Float64("reference", p.ReferencePrice),
			zap.Float64("min", p.MinPrice),
			zap.Float64("max", p.MaxPrice))
		return p.ReferencePrice, nil
	}

	ref := i.syntheticReference(price)
	if _, err := i.period.Start(ctx, ref, PeriodProfitTarget(i.cfg, ref)); err != nil {
		return 0, err
	}
	i.tracker.Reset(ref)
	i.logger.Warn("open position without period record; using breakeven as reference",
		zap.Int64("period_id", i.period.ID()), zap.Float64("reference", ref))
	return ref, nil
}

// syntheticReference averages the breakeven of the sides present.
func (i *Instrument) syntheticReference(fallback float64) float64 {
	sum, n := 0.0, 0
	for _, side := range order.Sides {
		if sp := i.breakeven.Get(side); sp.Size > 0 && sp.BreakEven > 0 {
			sum += sp.BreakEven
			n++
		}
	}
	if n == 0 {
		return fallback
	}
	return sum / float64(n)
}

func (i *Instrument) restoreOrders(ctx context.Context) error {
	rows, err := i.store.OpenOrders(ctx, i.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("%s load open orders: %w", i.cfg.Symbol, err)
	}
	var restored, subRestored []order.Order
	for _, r := range rows {
		o := order.Order{
			ID:             r.ID,
			Symbol:         r.Symbol,
			Side:           order.Side(r.Side),
			VenueOrderID:   r.VenueOrderID,
			Qty:            r.Quantity,
			EntryPrice:     r.EntryPrice,
			Status:         order.StatusOpen,
			PeriodID:       r.PeriodID,
			StopLossID:     r.StopLossOrderID,
			TrailingStopID: r.TrailingStopOrderID,
			Scope:          r.Scope,
			OpenedAt:       r.OpenedAt,
		}
		if r.Scope == db.ScopeSub && i.subOrders != nil {
			subRestored = append(subRestored, o)
			continue
		}
		restored = append(restored, o)
	}
	i.orders.Restore(restored)
	if i.subOrders != nil {
		i.subOrders.Restore(subRestored)
	}
	return nil
}

// Run drives the tick loop until ctx ends, then persists state and joins
// protective submissions.
func (i *Instrument) Run(ctx context.Context) error {
	tick := time.NewTicker(i.opts.TickInterval)
	defer tick.Stop()
	save := time.NewTicker(i.opts.StateSaveInterval)
	defer save.Stop()

	for {
		select {
		case <-ctx.Done():
			return i.shutdown()
		case <-tick.C:
			i.Tick(ctx)
		case <-save.C:
			i.saveExtremes(ctx)
		}
	}
}

func (i *Instrument) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	i.saveExtremes(ctx)
	err := i.orders.Close(ctx)
	if i.subOrders != nil {
		err = errors.Join(err, i.subOrders.Close(ctx))
	}
	if err != nil {
		i.logger.Warn("protective submissions failed during run", zap.Error(err))
		return fmt.Errorf("%s protective orders: %w", i.cfg.Symbol, err)
	}
	i.logger.Info("instrument stopped")
	return nil
}

func (i *Instrument) saveExtremes(ctx context.Context) {
	i.mu.Lock()
	ext := i.tracker.Get()
	var subExt Extremes
	if i.sub != nil {
		subExt = i.sub.Extremes()
	}
	started := i.started
	i.mu.Unlock()
	if !started {
		return
	}
	if err := i.store.SaveExtremes(ctx, i.cfg.Symbol, db.ScopeMain, ext.Min, ext.Max); err != nil {
		i.logger.Warn("save extremes", zap.Error(err))
	}
	if i.sub == nil {
		return
	}
	if err := i.store.SaveExtremes(ctx, i.cfg.Symbol, db.ScopeSub, subExt.Min, subExt.Max); err != nil {
		i.logger.Warn("save sub-strategy extremes", zap.Error(err))
	}
}

// Tick runs one evaluation: period target first, then entry triggers.
func (i *Instrument) Tick(ctx context.Context) {
	i.mu.Lock()
	req := i.tickLocked(ctx)
	i.mu.Unlock()
	if req != nil {
		i.closePeriod(ctx, *req)
	}
}

func (i *Instrument) tickLocked(ctx context.Context) *closeRequest {
	if !i.started || i.orders.Mode() == order.ModeClosing {
		return nil
	}
	start := i.now()
	defer func() { i.metrics.ObserveTick(i.cfg.Symbol, i.now().Sub(start)) }()

	mark, ok := i.prices.MarkPrice(i.cfg.Symbol)
	if !ok {
		i.metrics.PriceMiss(i.cfg.Symbol)
		return nil
	}
	last, ok := i.prices.LastPrice(i.cfg.Symbol)
	if !ok {
		last = mark
	}

	if i.refreshDue || i.breakeven.Stale(i.opts.BreakevenRefreshInterval) {
		if err := i.breakeven.Refresh(ctx); err != nil {
			i.logger.Warn("breakeven refresh failed; using cached values", zap.Error(err))
		} else {
			i.refreshDue = false
		}
	}

	if i.breakeven.HasPosition() {
		net := i.breakeven.NetPnL(last)
		i.metrics.SetNetPnL(i.cfg.Symbol, net)
		if i.period != nil && i.period.ShouldClose(net) {
			i.logger.Warn("period profit target hit",
				zap.Int64("period_id", i.period.ID()),
				zap.Float64("net_pnl", net),
				zap.Float64("target", i.period.Target()),
				zap.Float64("long_pnl", i.breakeven.PnL(order.SideLong, last)),
				zap.Float64("short_pnl", i.breakeven.PnL(order.SideShort, last)),
				zap.Float64("price", last),
				zap.Float64("mark", mark))
			i.period.BeginClose()
			return &closeRequest{fills: i.orders.BeginClose(), net: net, price: last}
		}
	}

	if i.paused {
		return nil
	}
	for _, sig := range i.signals.Evaluate(mark, last, i.orders) {
		i.handleSignal(ctx, sig)
	}
	if i.sub != nil {
		i.tickSub(ctx, mark, last)
	}
	return nil
}

// tickSub widens the sub-strategy pair, gates it on both period sides being
// open and evaluates its bounce triggers inside the main entry zone.
func (i *Instrument) tickSub(ctx context.Context, mark, last float64) {
	i.sub.Observe(mark)
	if i.sub.SetActive(i.breakeven.Hedged()) {
		i.logger.Info("sub-strategy activation changed",
			zap.Bool("active", i.sub.Active()),
			zap.Float64("long_size", i.breakeven.Get(order.SideLong).Size),
			zap.Float64("short_size", i.breakeven.Get(order.SideShort).Size))
	}
	zone := Zone{LongEntry: i.breakeven.Entry(order.SideLong), ShortEntry: i.breakeven.Entry(order.SideShort)}
	for _, sig := range i.sub.Evaluate(mark, last, zone, i.subOrders) {
		ext, thr := i.sub.Extremes(), i.sub.Thresholds()
		threshold, extreme := thr.Long, ext.Min
		if sig.Side == order.SideShort {
			threshold, extreme = thr.Short, ext.Max
		}
		i.submitSignal(ctx, db.ScopeSub, i.subOrders, sig, i.sub.side(sig.Side), false, extreme, threshold)
	}
}

func (i *Instrument) handleSignal(ctx context.Context, sig Signal) {
	thr := i.signals.Thresholds()
	ext := i.tracker.Get()
	if i.period != nil {
		i.period.RecordExtremes(ctx, ext)
	}
	threshold, extreme := thr.Long, ext.Max
	if sig.Side == order.SideShort {
		threshold, extreme = thr.Short, ext.Min
	}
	bootstrap := !i.breakeven.HasPosition() && i.orders.Open().Len() == 0 && i.orders.Pending().Len() == 0
	i.submitSignal(ctx, db.ScopeMain, i.orders, sig, i.signals.side(sig.Side), bootstrap, extreme, threshold)
}

// submitSignal places the entry of an accepted signal through orders, then
// records the outcome.
func (i *Instrument) submitSignal(ctx context.Context, scope string, orders *order.Manager, sig Signal, sc config.SideConfig, bootstrap bool, extreme, threshold float64) {
	outcome := sig.Outcome
	if sig.Accepted() {
		if _, err := orders.SubmitEntry(ctx, sig.Side, sc.PositionSize, sig.Exec, bootstrap); err != nil {
			outcome = monitor.OutcomeError
			if common.IsRetryable(err) {
				i.logger.Warn("entry submission failed; skipping tick",
					zap.String("side", string(sig.Side)), zap.Float64("price", sig.Price),
					zap.Bool("retryable", true), zap.Error(err))
			} else {
				i.logger.Error("entry submission rejected",
					zap.String("side", string(sig.Side)), zap.Float64("price", sig.Price),
					zap.Bool("retryable", false), zap.Error(err))
			}
		}
	}

	i.metrics.Signal(i.cfg.Symbol, string(sig.Side), outcome)
	i.logger.Info("signal triggered",
		zap.String("scope", scope),
		zap.String("side", string(sig.Side)),
		zap.Float64("price", sig.Price),
		zap.Float64("exec_price", sig.Exec),
		zap.Float64("trigger", sig.Trigger),
		zap.Float64("extreme", extreme),
		zap.Float64("threshold", threshold),
		zap.Int("capacity", orders.Capacity(sig.Side)),
		zap.String("outcome", outcome))
	i.bus.Publish(events.EventSignal, events.Signal{
		Symbol: i.cfg.Symbol, Side: string(sig.Side), Price: sig.Price,
		Extreme: extreme, Threshold: threshold, Outcome: outcome, Scope: scope, Time: i.now(),
	})
}

// closePeriod flattens both sides and rolls the period. It runs without the
// lock so close fills can reach the collector, taking it only around state
// changes.
func (i *Instrument) closePeriod(ctx context.Context, req closeRequest) {
	periodID := i.period.ID()

	positions, err := i.gw.GetPositions(ctx, i.cfg.Symbol)
	if err != nil {
		i.abortClose(fmt.Errorf("snapshot positions: %w", err))
		return
	}
	plan := closePlan(positions, req.price)

	submitted := 0
	for n, leg := range plan {
		if n > 0 {
			time.Sleep(i.opts.CloseGap)
		}
		i.mu.Lock()
		_, err := i.orders.CloseSide(ctx, leg.side, leg.size)
		i.mu.Unlock()
		if err != nil {
			i.abortClose(fmt.Errorf("close %s: %w", leg.side, err))
			return
		}
		submitted++
	}

	i.mu.Lock()
	if err := i.orders.CancelProtectiveOrders(ctx); err != nil {
		i.logger.Warn("cancel protective orders after period close", zap.Error(err))
	}
	i.mu.Unlock()

	fills := collectFills(ctx, req.fills, submitted, i.opts.CloseFillTimeout)
	if len(fills) < submitted {
		i.logger.Warn("close fills missing after timeout; realized total may be partial",
			zap.Int("expected", submitted), zap.Int("received", len(fills)))
	}
	realized := SumRealized(fills)

	i.mu.Lock()
	defer i.mu.Unlock()

	exitPrice := req.price
	if len(fills) > 0 {
		exitPrice = fills[len(fills)-1].AvgPrice
	}
	if err := i.period.End(ctx, realized); err != nil {
		i.logger.Error("end period", zap.Int64("period_id", periodID), zap.Error(err))
		if err := i.period.Abandon(ctx); err != nil {
			i.logger.Error("abandon unended period", zap.Int64("period_id", periodID), zap.Error(err))
		}
	}
	if _, err := i.store.CloseOpenOrders(ctx, i.cfg.Symbol, 0, exitPrice, string(order.ReasonPeriodClose)); err != nil {
		i.logger.Error("close period orders", zap.Int64("period_id", periodID), zap.Error(err))
	}
	i.orders.Reset()
	if i.subOrders != nil {
		i.subOrders.Reset()
	}
	i.breakeven.Reset()
	i.metrics.PeriodClosed(i.cfg.Symbol, realized)
	i.metrics.SetNetPnL(i.cfg.Symbol, 0)
	i.logger.Warn("period closed",
		zap.Int64("period_id", periodID),
		zap.Float64("total_profit", realized),
		zap.Float64("estimated_profit", req.net),
		zap.Float64("price", exitPrice),
		zap.Int("close_fills", len(fills)))
	i.bus.Publish(events.EventPeriodClosed, events.Period{
		Symbol: i.cfg.Symbol, PeriodID: periodID, ReferencePrice: i.period.Reference(), TotalProfit: realized, Time: i.now(),
	})

	ref := exitPrice
	if p, ok := i.prices.LastPrice(i.cfg.Symbol); ok {
		ref = p
	}
	thr := ComputeThresholds(i.cfg, ref)
	i.tracker.Reset(ref)
	i.signals.SetThresholds(thr)
	i.orders.SetProtection(thr.Protection())
	if _, err := i.period.Start(ctx, ref, thr.PeriodProfit); err != nil {
		i.logger.Error("start next period", zap.Error(err))
	}
	i.orders.SetPeriod(i.period.ID())
	if i.sub != nil {
		subThr := ComputeSubThresholds(i.cfg.SubStrategy, ref)
		i.sub.Reset(ref)
		i.sub.SetThresholds(subThr)
		i.subOrders.SetProtection(subThr.Protection())
		i.subOrders.SetPeriod(i.period.ID())
	}
	i.orders.EndClose()

	i.logger.Warn("new period started",
		zap.Int64("period_id", i.period.ID()),
		zap.Float64("reference", ref),
		zap.Float64("long_threshold", thr.Long),
		zap.Float64("short_threshold", thr.Short),
		zap.Float64("target", thr.PeriodProfit))
	i.bus.Publish(events.EventPeriodStarted, events.Period{
		Symbol: i.cfg.Symbol, PeriodID: i.period.ID(), ReferencePrice: ref, Time: i.now(),
	})
}

func (i *Instrument) abortClose(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.orders.EndClose()
	i.period.AbortClose()
	i.refreshDue = true
	i.logger.Error("period close aborted; will re-evaluate", zap.Bool("retryable", common.IsRetryable(err)), zap.Error(err))
}

type closeLeg struct {
	side order.Side
	size float64
	pnl  float64
}

// closePlan orders the non-flat legs with the more negative PnL first.
func closePlan(positions []common.Position, price float64) []closeLeg {
	var legs []closeLeg
	for _, p := range positions {
		side, ok := order.SideFromPosition(p.PositionSide)
		if !ok || p.Size() == 0 {
			continue
		}
		bep := p.BreakEvenPrice
		if bep <= 0 {
			bep = p.EntryPrice
		}
		pnl := (price - bep) * p.Size()
		if side == order.SideShort {
			pnl = -pnl
		}
		legs = append(legs, closeLeg{side: side, size: p.Size(), pnl: pnl})
	}
	if len(legs) == 2 && legs[1].pnl < legs[0].pnl {
		legs[0], legs[1] = legs[1], legs[0]
	}
	return legs
}

// collectFills reads up to n fills or until timeout.
func collectFills(ctx context.Context, ch <-chan order.FillEvent, n int, timeout time.Duration) []order.FillEvent {
	out := make([]order.FillEvent, 0, n)
	if n == 0 {
		return out
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-timer.C:
			return out
		case <-ctx.Done():
			return out
		}
	}
	return out
}

// HandleFill applies a venue order update. Updates that arrive before Start
// has restored the open orders are held and replayed by Start.
func (i *Instrument) HandleFill(ctx context.Context, ev order.FillEvent) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.started {
		if len(i.early) == maxEarlyFills {
			i.logger.Warn("early fill buffer full; dropping oldest", zap.String("order_id", i.early[0].OrderID))
			i.early = i.early[1:]
		}
		i.early = append(i.early, ev)
		return
	}
	i.dispatchFill(ctx, ev)
}

// dispatchFill offers ev to both order books; each ignores ids it does not own.
func (i *Instrument) dispatchFill(ctx context.Context, ev order.FillEvent) {
	i.orders.HandleFill(ctx, ev)
	if i.subOrders != nil {
		i.subOrders.HandleFill(ctx, ev)
	}
}

// HandlePosition applies an account update leg to the breakeven cache.
// Before Start the update is dropped; Start refreshes both sides from the venue.
func (i *Instrument) HandlePosition(ctx context.Context, up order.PositionUpdate) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.started {
		return
	}
	i.breakeven.Apply(up)
}

// SetPaused stops or resumes entry evaluation. Fills and the period target are still handled.
func (i *Instrument) SetPaused(paused bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.paused = paused
	i.logger.Info("instrument pause changed", zap.Bool("paused", paused))
}

// Status is a point-in-time view for operators.
type Status struct {
	Symbol       string        `json:"symbol"`
	Mode         string        `json:"mode"`
	Paused       bool          `json:"paused"`
	MarkPrice    float64       `json:"mark_price"`
	LastPrice    float64       `json:"last_price"`
	Extremes     Extremes      `json:"extremes"`
	Thresholds   Thresholds    `json:"thresholds"`
	PeriodID     int64         `json:"period_id,omitempty"`
	PeriodTarget float64       `json:"period_target,omitempty"`
	NetPnL       float64       `json:"net_pnl"`
	Long         SidePosition  `json:"long"`
	Short        SidePosition  `json:"short"`
	OpenOrders   []order.Order `json:"open_orders"`
	Pending      int           `json:"pending"`
	SubStrategy  *SubStatus    `json:"sub_strategy,omitempty"`
}

// SubStatus is the sub-strategy part of Status.
type SubStatus struct {
	Active     bool          `json:"active"`
	Extremes   Extremes      `json:"extremes"`
	Thresholds Thresholds    `json:"thresholds"`
	Zone       Zone          `json:"zone"`
	OpenOrders []order.Order `json:"open_orders"`
	Pending    int           `json:"pending"`
}

func (i *Instrument) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	mark, _ := i.prices.MarkPrice(i.cfg.Symbol)
	last, ok := i.prices.LastPrice(i.cfg.Symbol)
	if !ok {
		last = mark
	}
	st := Status{
		Symbol:     i.cfg.Symbol,
		Mode:       i.orders.Mode().String(),
		Paused:     i.paused,
		MarkPrice:  mark,
		LastPrice:  last,
		Extremes:   i.tracker.Get(),
		Thresholds: i.signals.Thresholds(),
		Long:       i.breakeven.Get(order.SideLong),
		Short:      i.breakeven.Get(order.SideShort),
		OpenOrders: i.orders.Open().All(),
		Pending:    i.orders.Pending().Len(),
	}
	if last > 0 {
		st.NetPnL = i.breakeven.NetPnL(last)
	}
	if i.period != nil {
		st.PeriodID = i.period.ID()
		st.PeriodTarget = i.period.Target()
	}
	if i.sub != nil {
		st.SubStrategy = &SubStatus{
			Active:     i.sub.Active(),
			Extremes:   i.sub.Extremes(),
			Thresholds: i.sub.Thresholds(),
			Zone:       Zone{LongEntry: i.breakeven.Entry(order.SideLong), ShortEntry: i.breakeven.Entry(order.SideShort)},
			OpenOrders: i.subOrders.Open().All(),
			Pending:    i.subOrders.Pending().Len(),
		}
	}
	return st
}

// Expected snapshots the local view compared by reconciliation.
func (i *Instrument) Expected() reconciliation.Expected {
	i.mu.Lock()
	defer i.mu.Unlock()
	sizes := make(map[order.Side]float64, 2)
	for _, side := range order.Sides {
		sizes[side] = i.orders.Open().Size(side)
	}
	exp := reconciliation.Expected{
		Symbol:          i.cfg.Symbol,
		Sizes:           sizes,
		OpenOrders:      i.orders.Open().All(),
		Pending:         i.orders.Pending().All(),
		StopLossEnabled: i.cfg.UsesProtectiveOrders() && i.cfg.StopLossEnabled(),
	}
	// The venue nets both books into one position per side.
	if i.subOrders != nil {
		for _, side := range order.Sides {
			sizes[side] += i.subOrders.Open().Size(side)
		}
		exp.OpenOrders = append(exp.OpenOrders, i.subOrders.Open().All()...)
		exp.Pending = append(exp.Pending, i.subOrders.Pending().All()...)
		// Stop and trailing counts only match when every protected book pairs them.
		mainPaired := !i.cfg.UsesProtectiveOrders() || i.cfg.StopLossEnabled()
		exp.StopLossEnabled = mainPaired && i.cfg.SubStrategy.StopLossEnabled()
	}
	return exp
}

// errNotStarted is returned by engine lookups for instruments that failed Start.
var errNotStarted = errors.New("instrument not started")
