package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"trend-engine/internal/events"
	"trend-engine/internal/monitor"
	"trend-engine/pkg/db"
	"trend-engine/pkg/exchanges/common"
)

// Store is the record-keeping the lifecycle needs.
type Store interface {
	AddOrder(ctx context.Context, o db.Order) (int64, error)
	UpdateOrderStops(ctx context.Context, venueOrderID, stopLossID, trailingStopID string) error
	CloseOrder(ctx context.Context, venueOrderID string, exitPrice, profit float64, reason string) error
	IncrementPeriodEntries(ctx context.Context, periodID int64, side string) error
}

// Mode selects how reducing market fills are handled.
type Mode int

const (
	ModeNormal Mode = iota
	ModeClosing
)

func (m Mode) String() string {
	if m == ModeClosing {
		return "closing"
	}
	return "normal"
}

// Protection holds the absolute exit distances of the current period.
type Protection struct {
	LongProfit  float64
	ShortProfit float64
	LongStop    float64
	ShortStop   float64
}

func (p Protection) profit(side Side) float64 {
	if side == SideShort {
		return p.ShortProfit
	}
	return p.LongProfit
}

func (p Protection) stop(side Side) float64 {
	if side == SideShort {
		return p.ShortStop
	}
	return p.LongStop
}

// ActivationPrice is where the trailing stop of an entry arms.
func (p Protection) ActivationPrice(side Side, entry float64) float64 {
	if side == SideShort {
		return entry - p.profit(side)
	}
	return entry + p.profit(side)
}

// StopPrice is the fixed stop-loss trigger of an entry.
func (p Protection) StopPrice(side Side, entry float64) float64 {
	if side == SideShort {
		return entry + p.stop(side)
	}
	return entry - p.stop(side)
}

// ManagerConfig parameterizes one instrument's lifecycle.
type ManagerConfig struct {
	Symbol           string
	Precision        Precision
	ProtectiveOrders bool
	StopLoss         bool
	CallbackRate     float64
	// BootstrapDelay is the wait before the one-shot status check of a bootstrap entry.
	BootstrapDelay time.Duration
	// Scope tags persisted entries; empty means db.ScopeMain.
	Scope string
	// SkipPeriodCount leaves the period entry counters untouched.
	SkipPeriodCount bool
}

// parkedFillTTL bounds how long a protective fill waits for its entry's ids.
const parkedFillTTL = 10 * time.Minute

type parkedFill struct {
	ev FillEvent
	at time.Time
}

// Manager drives entries through PENDING -> OPEN -> CLOSED.
//
// Every exported method except Wait and Close expects the caller to hold Lock.
// Protective order submissions run on a supervised pool and take Lock themselves
// to record ids. Work started by a fill runs under the manager's own lifetime,
// so a user stream reconnect does not abort it.
type Manager struct {
	cfg     ManagerConfig
	gw      common.FuturesGateway
	store   Store
	bus     *events.Bus
	metrics *monitor.Metrics
	logger  *zap.Logger
	lock    sync.Locker

	protection Protection
	periodID   int64
	pending    *PendingEntries
	open       *OpenOrders
	mode       Mode
	closeFills chan FillEvent
	// parked holds protective fills that arrived before their ids were recorded.
	parked map[string]parkedFill
	tasks  *pool.ErrorPool
	life   context.Context
	stop   context.CancelFunc
	now    func() time.Time

	// OnPositionChange runs after a transition that changes position composition.
	OnPositionChange func(ctx context.Context)
}

// NewManager creates a lifecycle manager guarded by lock.
func NewManager(cfg ManagerConfig, gw common.FuturesGateway, store Store, lock sync.Locker, bus *events.Bus, metrics *monitor.Metrics, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BootstrapDelay == 0 {
		cfg.BootstrapDelay = 300 * time.Millisecond
	}
	if cfg.Scope == "" {
		cfg.Scope = db.ScopeMain
	}
	life, stop := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		gw:      gw,
		store:   store,
		bus:     bus,
		metrics: metrics,
		logger:  logger.Named("lifecycle").With(zap.String("symbol", cfg.Symbol), zap.String("scope", cfg.Scope)),
		lock:    lock,
		pending: NewPendingEntries(),
		open:    NewOpenOrders(),
		parked:  make(map[string]parkedFill),
		tasks:   pool.New().WithErrors(),
		life:    life,
		stop:    stop,
		now:     time.Now,
	}
}

func (m *Manager) SetProtection(p Protection) { m.protection = p }

func (m *Manager) Protection() Protection { return m.protection }

func (m *Manager) SetPeriod(id int64) { m.periodID = id }

func (m *Manager) PeriodID() int64 { return m.periodID }

func (m *Manager) Mode() Mode { return m.mode }

// Open exposes the open-orders cache for read access under Lock.
func (m *Manager) Open() *OpenOrders { return m.open }

// Pending exposes the pending registry for read access under Lock.
func (m *Manager) Pending() *PendingEntries { return m.pending }

// Capacity is open plus pending entries on side.
func (m *Manager) Capacity(side Side) int {
	return m.open.Count(side) + m.pending.Count(side)
}

// EntryPrices returns fill prices of open entries on side.
func (m *Manager) EntryPrices(side Side) []float64 {
	return m.open.EntryPrices(side)
}

// Restore loads persisted OPEN entries into the cache on startup.
func (m *Manager) Restore(orders []Order) {
	for _, o := range orders {
		m.open.Add(o)
	}
	m.publishOpenGauge()
}

// SubmitEntry places a market entry and registers it as pending.
// A bootstrap entry (flat account, nothing open) gets one status check after BootstrapDelay.
func (m *Manager) SubmitEntry(ctx context.Context, side Side, qty, price float64, bootstrap bool) (string, error) {
	res, err := SubmitMarket(ctx, m.gw, m.cfg.Symbol, side.EntrySide(), side.PositionSide(), qty, m.cfg.Precision)
	if err != nil {
		return "", fmt.Errorf("submit %s entry: %w", side, err)
	}
	m.pending.Add(PendingEntry{VenueOrderID: res.ExchangeOrderID, Side: side, Qty: qty, CreatedAt: m.now()})
	m.metrics.Order(m.cfg.Symbol, string(side), "entry")
	m.logger.Info("entry submitted",
		zap.String("side", string(side)),
		zap.Float64("price", price),
		zap.Float64("qty", qty),
		zap.String("order_id", res.ExchangeOrderID),
		zap.Bool("bootstrap", bootstrap))
	m.bus.Publish(events.EventOrderSubmitted, events.Order{
		Scope: m.cfg.Scope, Symbol: m.cfg.Symbol, Side: string(side), VenueOrderID: res.ExchangeOrderID, Price: price, Qty: qty, Time: m.now(),
	})

	if bootstrap {
		m.checkBootstrapFill(ctx, res.ExchangeOrderID)
	}
	return res.ExchangeOrderID, nil
}

func (m *Manager) checkBootstrapFill(ctx context.Context, orderID string) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(m.cfg.BootstrapDelay):
	}
	info, err := m.gw.GetOrder(ctx, m.cfg.Symbol, orderID)
	if err != nil {
		m.logger.Warn("bootstrap status check failed", zap.String("order_id", orderID), zap.Error(err))
		return
	}
	if info.Status != common.StatusFilled {
		return
	}
	m.HandleFill(ctx, FillEvent{
		Symbol:       m.cfg.Symbol,
		OrderID:      orderID,
		Status:       common.StatusFilled,
		OrderType:    common.OrderTypeMarket,
		OriginalType: common.OrderTypeMarket,
		PositionSide: info.PositionSide,
		Side:         info.Side,
		AvgPrice:     info.AvgPrice,
		FilledQty:    info.ExecutedQty,
	})
}

// HandleFill applies a venue order update. Unknown or repeated ids are ignored,
// except protective fills, which are parked until their entry records them.
func (m *Manager) HandleFill(_ context.Context, ev FillEvent) {
	if ev.Status != common.StatusFilled {
		return
	}
	ctx := m.life
	switch {
	case ev.OriginalType.IsProtective():
		m.handleProtectiveFill(ctx, ev)
	case m.mode == ModeClosing && ev.Reduces():
		select {
		case m.closeFills <- ev:
		default:
			m.logger.Warn("close fill dropped; collector full", zap.String("order_id", ev.OrderID))
		}
	case ev.OriginalType == common.OrderTypeMarket:
		if _, ok := m.pending.Get(ev.OrderID); ok {
			m.confirmEntry(ctx, ev)
		}
	}
}

func (m *Manager) confirmEntry(ctx context.Context, ev FillEvent) {
	pe, _ := m.pending.Get(ev.OrderID)
	qty := ev.FilledQty
	if qty <= 0 {
		qty = pe.Qty
	}
	o := Order{
		Symbol:       m.cfg.Symbol,
		Side:         pe.Side,
		VenueOrderID: ev.OrderID,
		Qty:          qty,
		EntryPrice:   ev.AvgPrice,
		Status:       StatusOpen,
		PeriodID:     m.periodID,
		Scope:        m.cfg.Scope,
		OpenedAt:     m.now(),
	}

	id, err := m.store.AddOrder(ctx, db.Order{
		Symbol:       o.Symbol,
		Side:         string(o.Side),
		VenueOrderID: o.VenueOrderID,
		Quantity:     o.Qty,
		EntryPrice:   o.EntryPrice,
		PeriodID:     o.PeriodID,
		Scope:        o.Scope,
		OpenedAt:     o.OpenedAt,
	})
	if err != nil {
		// The venue holds the position regardless; keep tracking it in memory.
		m.logger.Error("persist filled entry", zap.String("order_id", ev.OrderID), zap.Error(err))
	}
	o.ID = id

	m.open.Add(o)
	m.pending.Remove(ev.OrderID)
	if m.periodID > 0 && !m.cfg.SkipPeriodCount {
		if err := m.store.IncrementPeriodEntries(ctx, m.periodID, string(o.Side)); err != nil {
			m.logger.Warn("increment period entries", zap.Error(err))
		}
	}

	m.metrics.Fill(m.cfg.Symbol, "entry")
	m.publishOpenGauge()
	m.logger.Info("fill confirmed",
		zap.String("side", string(o.Side)),
		zap.Float64("price", o.EntryPrice),
		zap.Float64("qty", o.Qty),
		zap.String("order_id", o.VenueOrderID))
	m.bus.Publish(events.EventOrderFilled, events.Order{
		Scope: m.cfg.Scope, Symbol: o.Symbol, Side: string(o.Side), VenueOrderID: o.VenueOrderID, Price: o.EntryPrice, Qty: o.Qty, Time: m.now(),
	})

	m.positionChanged(ctx)
	if m.cfg.ProtectiveOrders {
		m.placeProtective(o)
	}
}

// placeProtective derives exit prices now and submits them on the task pool.
func (m *Manager) placeProtective(o Order) {
	activation := m.protection.ActivationPrice(o.Side, o.EntryPrice)
	stopPrice := 0.0
	if m.cfg.StopLoss && m.protection.stop(o.Side) > 0 {
		stopPrice = m.protection.StopPrice(o.Side, o.EntryPrice)
	}
	symbol, prec, callback := m.cfg.Symbol, m.cfg.Precision, m.cfg.CallbackRate
	ctx := m.life

	m.tasks.Go(func() error {
		var errs []error
		var tsID, slID string

		ts, err := SubmitTrailingStop(ctx, m.gw, symbol, o.Side.ExitSide(), o.Side.PositionSide(), o.Qty, activation, callback, prec)
		if err != nil {
			m.metrics.ProtectiveError(symbol, "trailing_stop")
			m.logger.Error("trailing stop submission failed",
				zap.String("side", string(o.Side)), zap.String("entry_id", o.VenueOrderID),
				zap.Float64("activation", activation), zap.Bool("retryable", common.IsRetryable(err)), zap.Error(err))
			errs = append(errs, fmt.Errorf("trailing stop for %s: %w", o.VenueOrderID, err))
		} else {
			tsID = ts.ExchangeOrderID
			m.metrics.Order(symbol, string(o.Side), "trailing_stop")
		}

		if stopPrice > 0 {
			sl, err := SubmitStopMarket(ctx, m.gw, symbol, o.Side.ExitSide(), o.Side.PositionSide(), o.Qty, stopPrice, prec)
			if err != nil {
				m.metrics.ProtectiveError(symbol, "stop_loss")
				m.logger.Error("stop-loss submission failed",
					zap.String("side", string(o.Side)), zap.String("entry_id", o.VenueOrderID),
					zap.Float64("stop_price", stopPrice), zap.Bool("retryable", common.IsRetryable(err)), zap.Error(err))
				errs = append(errs, fmt.Errorf("stop-loss for %s: %w", o.VenueOrderID, err))
			} else {
				slID = sl.ExchangeOrderID
				m.metrics.Order(symbol, string(o.Side), "stop_loss")
			}
		}

		if tsID == "" && slID == "" {
			return errors.Join(errs...)
		}
		m.lock.Lock()
		defer m.lock.Unlock()
		m.recordStops(ctx, o, slID, tsID, activation, stopPrice)
		return errors.Join(errs...)
	})
}

// recordStops stores protective ids, or cancels them if the entry closed meanwhile.
// A fill parked for one of the ids is replayed once the ids are indexed.
func (m *Manager) recordStops(ctx context.Context, o Order, slID, tsID string, activation, stopPrice float64) {
	if !m.open.SetStops(o.VenueOrderID, slID, tsID) {
		m.logger.Warn("entry closed before protective orders were recorded; cancelling",
			zap.String("entry_id", o.VenueOrderID))
		for _, id := range []string{slID, tsID} {
			if id == "" {
				continue
			}
			if _, filled := m.parked[id]; filled {
				delete(m.parked, id)
				continue
			}
			m.cancel(ctx, id)
		}
		return
	}
	if err := m.store.UpdateOrderStops(ctx, o.VenueOrderID, slID, tsID); err != nil {
		m.logger.Error("persist protective ids", zap.String("entry_id", o.VenueOrderID), zap.Error(err))
	}
	m.logger.Info("protective orders placed",
		zap.String("side", string(o.Side)),
		zap.Float64("price", o.EntryPrice),
		zap.Float64("activation", activation),
		zap.Float64("stop_price", stopPrice),
		zap.Float64("callback_rate", m.cfg.CallbackRate),
		zap.String("trailing_stop_id", tsID),
		zap.String("stop_loss_id", slID))
	m.bus.Publish(events.EventProtective, events.Order{
		Scope: m.cfg.Scope, Symbol: m.cfg.Symbol, Side: string(o.Side), VenueOrderID: o.VenueOrderID, Price: activation, Qty: o.Qty, Time: m.now(),
	})

	for _, id := range []string{slID, tsID} {
		p, ok := m.parked[id]
		if id == "" || !ok {
			continue
		}
		delete(m.parked, slID)
		delete(m.parked, tsID)
		m.logger.Info("replaying early protective fill", zap.String("order_id", id), zap.String("entry_id", o.VenueOrderID))
		m.handleProtectiveFill(ctx, p.ev)
		return
	}
}

func (m *Manager) handleProtectiveFill(ctx context.Context, ev FillEvent) {
	o, reason, ok := m.open.FindByProtective(ev.OrderID)
	if !ok {
		m.park(ev)
		return
	}

	if err := m.store.CloseOrder(ctx, o.VenueOrderID, ev.AvgPrice, ev.RealizedPnL, string(reason)); err != nil {
		m.logger.Error("persist protective close", zap.String("entry_id", o.VenueOrderID), zap.Error(err))
	}
	m.open.Remove(o.VenueOrderID)

	sibling := o.StopLossID
	if reason == ReasonStopLoss {
		sibling = o.TrailingStopID
	}
	if sibling != "" {
		m.cancel(ctx, sibling)
	}

	m.metrics.ProtectiveClose(m.cfg.Symbol, string(reason))
	m.metrics.Fill(m.cfg.Symbol, string(reason))
	m.publishOpenGauge()
	m.logger.Info("entry closed by protective order",
		zap.String("side", string(o.Side)),
		zap.String("reason", string(reason)),
		zap.Float64("price", ev.AvgPrice),
		zap.Float64("entry_price", o.EntryPrice),
		zap.Float64("realized_pnl", ev.RealizedPnL),
		zap.String("entry_id", o.VenueOrderID))
	m.bus.Publish(events.EventOrderClosed, events.Order{
		Scope: m.cfg.Scope, Symbol: o.Symbol, Side: string(o.Side), VenueOrderID: o.VenueOrderID, Price: ev.AvgPrice, Qty: o.Qty,
		Reason: string(reason), Profit: ev.RealizedPnL, Time: m.now(),
	})
	m.positionChanged(ctx)
}

// park keeps a protective fill whose id is not indexed yet. The submission
// task may still be on its way to recordStops.
func (m *Manager) park(ev FillEvent) {
	now := m.now()
	for id, p := range m.parked {
		if now.Sub(p.at) > parkedFillTTL {
			delete(m.parked, id)
		}
	}
	m.parked[ev.OrderID] = parkedFill{ev: ev, at: now}
	m.logger.Debug("protective fill for unknown order parked", zap.String("order_id", ev.OrderID))
}

// Parked is the number of protective fills waiting for their entry.
func (m *Manager) Parked() int { return len(m.parked) }

func (m *Manager) cancel(ctx context.Context, orderID string) {
	if err := m.gw.CancelOrder(ctx, m.cfg.Symbol, orderID); err != nil {
		m.logger.Warn("cancel order failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

// BeginClose switches to closing mode and returns the channel reducing fills are routed to.
func (m *Manager) BeginClose() <-chan FillEvent {
	m.mode = ModeClosing
	m.closeFills = make(chan FillEvent, 16)
	return m.closeFills
}

// EndClose returns to normal mode.
func (m *Manager) EndClose() {
	m.mode = ModeNormal
	m.closeFills = nil
}

// CloseSide submits a market order flattening qty of side.
func (m *Manager) CloseSide(ctx context.Context, side Side, qty float64) (string, error) {
	res, err := SubmitMarket(ctx, m.gw, m.cfg.Symbol, side.ExitSide(), side.PositionSide(), qty, m.cfg.Precision)
	if err != nil {
		return "", fmt.Errorf("close %s: %w", side, err)
	}
	m.metrics.Order(m.cfg.Symbol, string(side), "close")
	return res.ExchangeOrderID, nil
}

// CancelProtectiveOrders cancels every resting stop and trailing stop on the venue.
func (m *Manager) CancelProtectiveOrders(ctx context.Context) error {
	orders, err := m.gw.GetOpenOrders(ctx, m.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}
	var errs []error
	for _, o := range orders {
		if !o.Type.IsProtective() {
			continue
		}
		if err := m.gw.CancelOrder(ctx, m.cfg.Symbol, o.ExchangeOrderID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reset drops all cached entries, used after a period close.
func (m *Manager) Reset() {
	m.open.Reset()
	m.pending.Reset()
	clear(m.parked)
	m.publishOpenGauge()
}

// Wait joins in-flight protective submissions. Call without holding Lock.
func (m *Manager) Wait() error {
	return m.tasks.Wait()
}

// Close joins in-flight protective submissions and ends the manager's lifetime.
// Submissions still running when ctx expires are cancelled. Call without holding Lock.
func (m *Manager) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- m.tasks.Wait() }()
	select {
	case err := <-done:
		m.stop()
		return err
	case <-ctx.Done():
		m.stop()
		return <-done
	}
}

func (m *Manager) positionChanged(ctx context.Context) {
	if m.OnPositionChange != nil {
		m.OnPositionChange(ctx)
	}
}

func (m *Manager) publishOpenGauge() {
	for _, side := range Sides {
		m.metrics.SetOpenOrders(m.cfg.Symbol, string(side), m.cfg.Scope, m.open.Count(side))
	}
}
