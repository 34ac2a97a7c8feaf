package order

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trend-engine/pkg/exchanges/common"
)

// ErrUnknownOrder is returned for ids the simulator never issued.
var ErrUnknownOrder = errors.New("unknown order")

// PriceReader is the price view the simulator fills against.
type PriceReader interface {
	MarkPrice(symbol string) (float64, bool)
	LastPrice(symbol string) (float64, bool)
}

type DryRunSimConfig struct {
	FeeRate             float64 // decimal, e.g. 0.0004 = 4 bps
	SlippageBps         float64 // basis points of adverse slippage applied on fills
	GatewayLatencyMinMs int     // simulated event latency lower bound
	GatewayLatencyMaxMs int     // simulated event latency upper bound
}

type simOrder struct {
	info      common.OrderInfo
	req       common.OrderRequest
	armed     bool
	extreme   float64 // best mark seen since a trailing stop armed
	createdAt time.Time
}

type simLeg struct {
	qty   decimal.Decimal
	entry decimal.Decimal
	fees  decimal.Decimal
	cumRP decimal.Decimal
}

// DryRunGateway simulates a hedge-mode futures venue in memory. Market orders
// fill at the cached price; stops and trailing stops trigger from Run on mark
// price. Fills reach the engine asynchronously through the router, the same
// way user stream events do.
type DryRunGateway struct {
	cfg    DryRunSimConfig
	prices PriceReader
	router *Router
	logger *zap.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	seq      int64
	orders   map[string]*simOrder
	legs     map[string]map[common.PositionSide]*simLeg
	leverage map[string]int
	now      func() time.Time
}

var _ common.FuturesGateway = (*DryRunGateway)(nil)

func NewDryRunGateway(cfg DryRunSimConfig, prices PriceReader, router *Router, logger *zap.Logger) *DryRunGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GatewayLatencyMaxMs > 0 && cfg.GatewayLatencyMinMs > cfg.GatewayLatencyMaxMs {
		cfg.GatewayLatencyMinMs, cfg.GatewayLatencyMaxMs = cfg.GatewayLatencyMaxMs, cfg.GatewayLatencyMinMs
	}
	return &DryRunGateway{
		cfg:      cfg,
		prices:   prices,
		router:   router,
		logger:   logger.Named("dry-run"),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		seq:      1_000_000,
		orders:   make(map[string]*simOrder),
		legs:     make(map[string]map[common.PositionSide]*simLeg),
		leverage: make(map[string]int),
		now:      time.Now,
	}
}

func (d *DryRunGateway) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if req.Symbol == "" || req.Qty <= 0 {
		return common.OrderResult{}, fmt.Errorf("dry-run: invalid order %s qty=%v", req.Symbol, req.Qty)
	}
	if req.ClientID == "" {
		req.ClientID = NewClientOrderID()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	id := strconv.FormatInt(d.seq, 10)
	so := &simOrder{
		req:       req,
		createdAt: d.now(),
		info: common.OrderInfo{
			ExchangeOrderID: id,
			ClientID:        req.ClientID,
			Symbol:          req.Symbol,
			Status:          common.StatusNew,
			Type:            req.Type,
			Side:            req.Side,
			PositionSide:    req.PositionSide,
		},
	}

	switch req.Type {
	case common.OrderTypeMarket:
		price, ok := d.prices.LastPrice(req.Symbol)
		if !ok {
			return common.OrderResult{}, fmt.Errorf("dry-run: no price for %s", req.Symbol)
		}
		d.orders[id] = so
		if err := d.fillLocked(ctx, so, price); err != nil {
			delete(d.orders, id)
			return common.OrderResult{}, err
		}
	case common.OrderTypeStopMarket:
		if req.StopPrice <= 0 {
			return common.OrderResult{}, fmt.Errorf("dry-run: stop price required")
		}
		d.orders[id] = so
	case common.OrderTypeTrailingStop:
		if req.CallbackRate <= 0 {
			return common.OrderResult{}, fmt.Errorf("dry-run: callback rate required")
		}
		d.orders[id] = so
	default:
		return common.OrderResult{}, fmt.Errorf("dry-run: unsupported order type %s", req.Type)
	}

	d.logger.Debug("order accepted",
		zap.String("symbol", req.Symbol),
		zap.String("type", string(req.Type)),
		zap.String("side", string(req.Side)),
		zap.String("position_side", string(req.PositionSide)),
		zap.Float64("qty", req.Qty),
		zap.String("order_id", id))

	// Acknowledge like an async venue; the fill arrives through the router.
	return common.OrderResult{ExchangeOrderID: id, ClientID: req.ClientID, Status: common.StatusNew}, nil
}

// fillLocked executes so at price and schedules the resulting events.
func (d *DryRunGateway) fillLocked(ctx context.Context, so *simOrder, price float64) error {
	req := so.req
	price = d.slip(req.Side, price)
	px := decimal.NewFromFloat(price)
	qty := decimal.NewFromFloat(req.Qty)

	leg := d.leg(req.Symbol, req.PositionSide)
	opening := (req.PositionSide == common.PositionLong && req.Side == common.SideBuy) ||
		(req.PositionSide == common.PositionShort && req.Side == common.SideSell)

	fee := px.Mul(qty).Mul(decimal.NewFromFloat(d.cfg.FeeRate))
	realized := decimal.Zero
	if opening {
		total := leg.qty.Add(qty)
		leg.entry = leg.entry.Mul(leg.qty).Add(px.Mul(qty)).Div(total)
		leg.qty = total
		leg.fees = leg.fees.Add(fee)
	} else {
		if leg.qty.IsZero() {
			so.info.Status = common.StatusExpired
			return fmt.Errorf("dry-run: reduce-only %s rejected, %s %s flat", so.info.ExchangeOrderID, req.Symbol, req.PositionSide)
		}
		if qty.GreaterThan(leg.qty) {
			qty = leg.qty
		}
		diff := px.Sub(leg.entry)
		if req.PositionSide == common.PositionShort {
			diff = diff.Neg()
		}
		realized = diff.Mul(qty)
		leg.cumRP = leg.cumRP.Add(realized)
		leg.fees = leg.fees.Mul(leg.qty.Sub(qty)).Div(leg.qty)
		leg.qty = leg.qty.Sub(qty)
		if leg.qty.IsZero() {
			leg.entry = decimal.Zero
			leg.fees = decimal.Zero
		}
	}

	so.info.Status = common.StatusFilled
	so.info.AvgPrice = price
	so.info.ExecutedQty, _ = qty.Float64()

	rp, _ := realized.Float64()
	ev := FillEvent{
		Symbol:        req.Symbol,
		OrderID:       so.info.ExchangeOrderID,
		ClientOrderID: req.ClientID,
		Status:        common.StatusFilled,
		OrderType:     common.OrderTypeMarket,
		OriginalType:  req.Type,
		PositionSide:  req.PositionSide,
		Side:          req.Side,
		AvgPrice:      price,
		FilledQty:     so.info.ExecutedQty,
		RealizedPnL:   rp,
		EventTime:     d.now().UnixMilli(),
	}
	up := d.positionUpdateLocked(req.Symbol, req.PositionSide)
	d.dispatch(context.WithoutCancel(ctx), ev, up)
	return nil
}

func (d *DryRunGateway) dispatch(ctx context.Context, ev FillEvent, up PositionUpdate) {
	if d.router == nil {
		return
	}
	delay := d.latency()
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		d.router.DispatchPosition(ctx, up)
		d.router.DispatchFill(ctx, ev)
	}()
}

func (d *DryRunGateway) latency() time.Duration {
	lo, hi := d.cfg.GatewayLatencyMinMs, d.cfg.GatewayLatencyMaxMs
	if hi <= 0 {
		return 0
	}
	if lo < 0 {
		lo = 0
	}
	ms := lo
	if span := hi - lo; span > 0 {
		ms += d.rng.Intn(span + 1)
	}
	return time.Duration(ms) * time.Millisecond
}

func (d *DryRunGateway) slip(side common.Side, price float64) float64 {
	frac := d.cfg.SlippageBps / 10000.0
	if frac <= 0 {
		return price
	}
	noise := d.rng.Float64() * frac
	if side == common.SideBuy {
		return price * (1 + noise)
	}
	return price * (1 - noise)
}

func (d *DryRunGateway) leg(symbol string, ps common.PositionSide) *simLeg {
	bySide, ok := d.legs[symbol]
	if !ok {
		bySide = make(map[common.PositionSide]*simLeg)
		d.legs[symbol] = bySide
	}
	l, ok := bySide[ps]
	if !ok {
		l = &simLeg{}
		bySide[ps] = l
	}
	return l
}

// breakEven folds paid fees into the entry price of a leg.
func (l *simLeg) breakEven(ps common.PositionSide) decimal.Decimal {
	if l.qty.IsZero() {
		return decimal.Zero
	}
	perUnit := l.fees.Div(l.qty)
	if ps == common.PositionShort {
		return l.entry.Sub(perUnit)
	}
	return l.entry.Add(perUnit)
}

func (d *DryRunGateway) positionUpdateLocked(symbol string, ps common.PositionSide) PositionUpdate {
	l := d.leg(symbol, ps)
	amount, _ := l.qty.Float64()
	if ps == common.PositionShort {
		amount = -amount
	}
	entry, _ := l.entry.Float64()
	bep, _ := l.breakEven(ps).Float64()
	cr, _ := l.cumRP.Float64()
	return PositionUpdate{
		Symbol:         symbol,
		PositionSide:   ps,
		EntryPrice:     entry,
		BreakEvenPrice: bep,
		Amount:         amount,
		CumRealized:    cr,
	}
}

func (d *DryRunGateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	so, ok := d.orders[exchangeOrderID]
	if !ok || so.info.Symbol != symbol {
		return fmt.Errorf("dry-run: cancel %s: %w", exchangeOrderID, ErrUnknownOrder)
	}
	if so.info.Status != common.StatusNew {
		return fmt.Errorf("dry-run: cancel %s: order is %s", exchangeOrderID, so.info.Status)
	}
	so.info.Status = common.StatusCanceled
	return nil
}

func (d *DryRunGateway) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, so := range d.orders {
		if so.info.Symbol == symbol && so.info.Status == common.StatusNew {
			so.info.Status = common.StatusCanceled
		}
	}
	return nil
}

func (d *DryRunGateway) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (common.OrderInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	so, ok := d.orders[exchangeOrderID]
	if !ok || so.info.Symbol != symbol {
		return common.OrderInfo{}, fmt.Errorf("dry-run: get %s: %w", exchangeOrderID, ErrUnknownOrder)
	}
	return so.info, nil
}

// GetPositions returns the non-flat legs of symbol.
func (d *DryRunGateway) GetPositions(ctx context.Context, symbol string) ([]common.Position, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mark, _ := d.prices.MarkPrice(symbol)
	var out []common.Position
	for _, ps := range []common.PositionSide{common.PositionLong, common.PositionShort} {
		l, ok := d.legs[symbol][ps]
		if !ok || l.qty.IsZero() {
			continue
		}
		up := d.positionUpdateLocked(symbol, ps)
		var upnl float64
		if mark > 0 {
			upnl = (mark - up.EntryPrice) * up.Amount
		}
		out = append(out, common.Position{
			Symbol:           symbol,
			PositionSide:     ps,
			Amount:           up.Amount,
			EntryPrice:       up.EntryPrice,
			BreakEvenPrice:   up.BreakEvenPrice,
			MarkPrice:        mark,
			UnrealizedProfit: upnl,
		})
	}
	return out, nil
}

func (d *DryRunGateway) GetOpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []common.OpenOrder
	for _, so := range d.orders {
		if so.info.Symbol != symbol || so.info.Status != common.StatusNew {
			continue
		}
		out = append(out, common.OpenOrder{
			ExchangeOrderID: so.info.ExchangeOrderID,
			ClientID:        so.info.ClientID,
			Symbol:          symbol,
			Type:            so.req.Type,
			Side:            so.req.Side,
			PositionSide:    so.req.PositionSide,
			StopPrice:       so.req.StopPrice,
			ActivationPrice: so.req.ActivationPrice,
			Qty:             so.req.Qty,
			Status:          so.info.Status,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExchangeOrderID < out[j].ExchangeOrderID })
	return out, nil
}

func (d *DryRunGateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if p, ok := d.prices.MarkPrice(symbol); ok {
		return p, nil
	}
	return 0, fmt.Errorf("dry-run: no price for %s", symbol)
}

func (d *DryRunGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	d.mu.Lock()
	d.leverage[symbol] = leverage
	d.mu.Unlock()
	return nil
}

// Run evaluates resting protective orders against mark price until ctx ends.
func (d *DryRunGateway) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Evaluate(ctx)
		}
	}
}

// Evaluate runs one trigger pass over resting orders.
func (d *DryRunGateway) Evaluate(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]string, 0, len(d.orders))
	for id, so := range d.orders {
		if so.info.Status == common.StatusNew {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		so := d.orders[id]
		mark, ok := d.prices.MarkPrice(so.info.Symbol)
		if !ok {
			continue
		}
		if !d.triggered(so, mark) {
			continue
		}
		if err := d.fillLocked(ctx, so, mark); err != nil {
			d.logger.Warn("protective trigger rejected", zap.String("order_id", id), zap.Error(err))
			continue
		}
		d.logger.Info("protective order triggered",
			zap.String("symbol", so.info.Symbol),
			zap.String("type", string(so.req.Type)),
			zap.String("position_side", string(so.req.PositionSide)),
			zap.Float64("mark", mark),
			zap.String("order_id", id))
	}
}

// triggered advances trailing state and reports whether so fires at mark.
// SELL orders protect long legs, BUY orders protect short legs.
func (d *DryRunGateway) triggered(so *simOrder, mark float64) bool {
	sell := so.req.Side == common.SideSell
	switch so.req.Type {
	case common.OrderTypeStopMarket:
		if sell {
			return mark <= so.req.StopPrice
		}
		return mark >= so.req.StopPrice
	case common.OrderTypeTrailingStop:
		if !so.armed {
			act := so.req.ActivationPrice
			if act <= 0 || (sell && mark >= act) || (!sell && mark <= act) {
				so.armed = true
				so.extreme = mark
			}
			return false
		}
		cb := so.req.CallbackRate / 100
		if sell {
			if mark > so.extreme {
				so.extreme = mark
			}
			return mark <= so.extreme*(1-cb)
		}
		if mark < so.extreme {
			so.extreme = mark
		}
		return mark >= so.extreme*(1+cb)
	}
	return false
}
