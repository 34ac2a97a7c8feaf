package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trend-engine/internal/strategy"
	"trend-engine/pkg/db"
)

type listQuery struct {
	Symbol string `form:"symbol"`
	Status string `form:"status"`
	Limit  int    `form:"limit"`
}

func (q *listQuery) normalize(def, max int) {
	q.Symbol = strings.ToUpper(strings.TrimSpace(q.Symbol))
	q.Status = strings.ToUpper(strings.TrimSpace(q.Status))
	if q.Limit <= 0 {
		q.Limit = def
	}
	if q.Limit > max {
		q.Limit = max
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

type periodResponse struct {
	ID              int64      `json:"id"`
	Symbol          string     `json:"symbol"`
	ReferencePrice  float64    `json:"reference_price"`
	MinPrice        float64    `json:"min_price"`
	MaxPrice        float64    `json:"max_price"`
	Status          string     `json:"status"`
	LongEntries     int        `json:"long_entries"`
	ShortEntries    int        `json:"short_entries"`
	ProfitThreshold float64    `json:"profit_threshold"`
	TotalProfit     float64    `json:"total_profit"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

func toPeriodResponse(p db.Period) periodResponse {
	return periodResponse{
		ID: p.ID, Symbol: p.Symbol, ReferencePrice: p.ReferencePrice,
		MinPrice: p.MinPrice, MaxPrice: p.MaxPrice, Status: p.Status,
		LongEntries: p.LongEntries, ShortEntries: p.ShortEntries,
		ProfitThreshold: p.ProfitThreshold, TotalProfit: p.TotalProfit,
		StartedAt: p.StartedAt, EndedAt: p.EndedAt,
	}
}

type orderResponse struct {
	ID                  int64      `json:"id"`
	Symbol              string     `json:"symbol"`
	Side                string     `json:"side"`
	VenueOrderID        string     `json:"venue_order_id"`
	Quantity            float64    `json:"quantity"`
	EntryPrice          float64    `json:"entry_price"`
	ExitPrice           float64    `json:"exit_price,omitempty"`
	Status              string     `json:"status"`
	PeriodID            int64      `json:"period_id,omitempty"`
	StopLossOrderID     string     `json:"stop_loss_order_id,omitempty"`
	TrailingStopOrderID string     `json:"trailing_stop_order_id,omitempty"`
	CloseReason         string     `json:"close_reason,omitempty"`
	Profit              float64    `json:"profit"`
	OpenedAt            time.Time  `json:"opened_at"`
	ClosedAt            *time.Time `json:"closed_at,omitempty"`
}

func toOrderResponse(o db.Order) orderResponse {
	return orderResponse{
		ID: o.ID, Symbol: o.Symbol, Side: o.Side, VenueOrderID: o.VenueOrderID,
		Quantity: o.Quantity, EntryPrice: o.EntryPrice, ExitPrice: o.ExitPrice,
		Status: o.Status, PeriodID: o.PeriodID,
		StopLossOrderID: o.StopLossOrderID, TrailingStopOrderID: o.TrailingStopOrderID,
		CloseReason: o.CloseReason, Profit: o.Profit, OpenedAt: o.OpenedAt, ClosedAt: o.ClosedAt,
	}
}

type auditResponse struct {
	ID        int64     `json:"id"`
	Symbol    string    `json:"symbol"`
	Check     string    `json:"check"`
	Local     string    `json:"local"`
	Venue     string    `json:"venue"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) listInstruments(c *gin.Context) {
	statuses := s.engine.Statuses()
	if statuses == nil {
		statuses = []strategy.Status{}
	}
	c.JSON(http.StatusOK, statuses)
}

func (s *Server) getInstrument(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	st, err := s.engine.Status(symbol)
	if err != nil {
		s.instrumentError(c, symbol, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) pauseInstrument(c *gin.Context)  { s.setPaused(c, true) }
func (s *Server) resumeInstrument(c *gin.Context) { s.setPaused(c, false) }

func (s *Server) setPaused(c *gin.Context, paused bool) {
	symbol := strings.ToUpper(c.Param("symbol"))
	if err := s.engine.Pause(symbol, paused); err != nil {
		s.instrumentError(c, symbol, err)
		return
	}
	s.logger.Info("instrument pause set by operator", zap.String("symbol", symbol), zap.Bool("paused", paused))
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "paused": paused})
}

func (s *Server) instrumentError(c *gin.Context, symbol string, err error) {
	if strategy.IsNotStarted(err) {
		respondError(c, http.StatusConflict, "NOT_STARTED", err.Error())
		return
	}
	respondError(c, http.StatusNotFound, "UNKNOWN_SYMBOL", "unknown symbol "+symbol)
}

func (s *Server) listPeriods(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid query")
		return
	}
	q.normalize(50, 500)
	periods, err := s.store.ListPeriods(c.Request.Context(), q.Symbol, q.Limit)
	if err != nil {
		s.logger.Error("list periods", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "DB_ERROR", "failed to list periods")
		return
	}
	out := make([]periodResponse, 0, len(periods))
	for _, p := range periods {
		out = append(out, toPeriodResponse(p))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listOrders(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid query")
		return
	}
	q.normalize(100, 500)
	if q.Status != "" && q.Status != db.OrderOpen && q.Status != db.OrderClosed {
		respondError(c, http.StatusBadRequest, "INVALID_STATUS", "status must be OPEN or CLOSED")
		return
	}
	orders, err := s.store.ListOrders(c.Request.Context(), q.Symbol, q.Status, q.Limit)
	if err != nil {
		s.logger.Error("list orders", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "DB_ERROR", "failed to list orders")
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderResponse(o))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listAudits(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid query")
		return
	}
	q.normalize(100, 500)
	audits, err := s.store.ListAudits(c.Request.Context(), q.Symbol, q.Limit)
	if err != nil {
		s.logger.Error("list audits", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "DB_ERROR", "failed to list audits")
		return
	}
	out := make([]auditResponse, 0, len(audits))
	for _, a := range audits {
		out = append(out, auditResponse{
			ID: a.ID, Symbol: a.Symbol, Check: a.CheckName, Local: a.LocalValue,
			Venue: a.VenueValue, Detail: a.Detail, CreatedAt: a.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

// reconcile runs an audit immediately. Findings are reported, not corrected.
func (s *Server) reconcile(c *gin.Context) {
	if s.reconciler == nil {
		respondError(c, http.StatusServiceUnavailable, "RECONCILER_UNAVAILABLE", "reconciliation is not running")
		return
	}
	report, err := s.reconciler.Reconcile(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "RECONCILE_FAILED", err.Error())
		return
	}
	s.logger.Info("manual reconciliation", zap.Int("discrepancies", len(report.Discrepancies)))
	c.JSON(http.StatusOK, report)
}

func (s *Server) lastReport(c *gin.Context) {
	if s.reconciler == nil {
		respondError(c, http.StatusServiceUnavailable, "RECONCILER_UNAVAILABLE", "reconciliation is not running")
		return
	}
	report := s.reconciler.LastReport()
	if report == nil {
		respondError(c, http.StatusNotFound, "NO_REPORT", "no reconciliation has run yet")
		return
	}
	c.JSON(http.StatusOK, report)
}
