package monitor

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Signal outcomes.
const (
	OutcomeSubmitted = "submitted"
	OutcomeCapacity  = "capacity"
	OutcomeBound     = "bound"
	OutcomeBlock     = "block"
	OutcomeDisabled  = "disabled"
	OutcomeError     = "error"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	Signals          *prometheus.CounterVec
	Orders           *prometheus.CounterVec
	Fills            *prometheus.CounterVec
	ProtectiveCloses *prometheus.CounterVec
	ProtectiveErrors *prometheus.CounterVec
	PeriodCloses     *prometheus.CounterVec
	PeriodProfit     *prometheus.GaugeVec
	Discrepancies    *prometheus.CounterVec
	PriceCacheMisses *prometheus.CounterVec
	StreamReconnects *prometheus.CounterVec
	NetPnL           *prometheus.GaugeVec
	OpenOrders       *prometheus.GaugeVec
	TickDuration     *prometheus.HistogramVec
	HTTPRequests     *prometheus.CounterVec
	HTTPLatency      *prometheus.HistogramVec
}

// NewMetrics registers all collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Signals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trend_signals_total",
			Help: "Entry triggers by side and outcome",
		}, []string{"symbol", "side", "outcome"}),
		Orders: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trend_orders_total",
			Help: "Orders submitted by kind (entry, stop_loss, trailing_stop, close)",
		}, []string{"symbol", "side", "kind"}),
		Fills: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trend_fills_total",
			Help: "Fill events handled by kind",
		}, []string{"symbol", "kind"}),
		ProtectiveCloses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trend_protective_closes_total",
			Help: "Entries closed by a protective order",
		}, []string{"symbol", "reason"}),
		ProtectiveErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trend_protective_errors_total",
			Help: "Failed protective order submissions",
		}, []string{"symbol", "kind"}),
		PeriodCloses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trend_period_closes_total",
			Help: "Periods closed on the profit target",
		}, []string{"symbol"}),
		PeriodProfit: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trend_period_profit_usdt",
			Help: "Realized profit of the last closed period",
		}, []string{"symbol"}),
		Discrepancies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trend_reconciliation_discrepancies_total",
			Help: "Reconciliation findings by check",
		}, []string{"symbol", "check"}),
		PriceCacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trend_price_cache_misses_total",
			Help: "Ticks skipped because no fresh price was cached",
		}, []string{"symbol"}),
		StreamReconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trend_stream_reconnects_total",
			Help: "Websocket reconnects by stream",
		}, []string{"stream"}),
		NetPnL: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trend_net_pnl_usdt",
			Help: "Unrealized PnL across both sides from cached breakevens",
		}, []string{"symbol"}),
		OpenOrders: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trend_open_orders",
			Help: "Open entries in the local cache",
		}, []string{"symbol", "side", "scope"}),
		TickDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trend_tick_duration_seconds",
			Help:    "Time spent evaluating one strategy tick",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2},
		}, []string{"symbol"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trend_http_requests_total",
			Help: "Operator API requests",
		}, []string{"method", "route", "status"}),
		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trend_http_request_duration_seconds",
			Help:    "Operator API latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) Signal(symbol, side, outcome string) {
	if m == nil {
		return
	}
	m.Signals.WithLabelValues(symbol, side, outcome).Inc()
}

func (m *Metrics) Order(symbol, side, kind string) {
	if m == nil {
		return
	}
	m.Orders.WithLabelValues(symbol, side, kind).Inc()
}

func (m *Metrics) Fill(symbol, kind string) {
	if m == nil {
		return
	}
	m.Fills.WithLabelValues(symbol, kind).Inc()
}

func (m *Metrics) ProtectiveClose(symbol, reason string) {
	if m == nil {
		return
	}
	m.ProtectiveCloses.WithLabelValues(symbol, reason).Inc()
}

func (m *Metrics) ProtectiveError(symbol, kind string) {
	if m == nil {
		return
	}
	m.ProtectiveErrors.WithLabelValues(symbol, kind).Inc()
}

func (m *Metrics) PeriodClosed(symbol string, profit float64) {
	if m == nil {
		return
	}
	m.PeriodCloses.WithLabelValues(symbol).Inc()
	m.PeriodProfit.WithLabelValues(symbol).Set(profit)
}

func (m *Metrics) Discrepancy(symbol, check string) {
	if m == nil {
		return
	}
	m.Discrepancies.WithLabelValues(symbol, check).Inc()
}

func (m *Metrics) PriceMiss(symbol string) {
	if m == nil {
		return
	}
	m.PriceCacheMisses.WithLabelValues(symbol).Inc()
}

func (m *Metrics) Reconnect(stream string) {
	if m == nil {
		return
	}
	m.StreamReconnects.WithLabelValues(stream).Inc()
}

func (m *Metrics) SetNetPnL(symbol string, v float64) {
	if m == nil {
		return
	}
	m.NetPnL.WithLabelValues(symbol).Set(v)
}

func (m *Metrics) SetOpenOrders(symbol, side, scope string, n int) {
	if m == nil {
		return
	}
	m.OpenOrders.WithLabelValues(symbol, side, scope).Set(float64(n))
}

// ObserveTick records how long one tick took.
func (m *Metrics) ObserveTick(symbol string, d time.Duration) {
	if m == nil {
		return
	}
	m.TickDuration.WithLabelValues(symbol).Observe(d.Seconds())
}

// ObserveHTTP records one operator API request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPLatency.WithLabelValues(method, route).Observe(d.Seconds())
}
