package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trend-engine/internal/events"
)

// Monitor turns reconciliation findings and period closes into operator alerts.
type Monitor struct {
	Bus    *events.Bus
	Sink   AlertSink
	Logger *zap.Logger
}

// Start subscribes to the bus until ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	if m.Logger == nil {
		m.Logger = zap.NewNop()
	}
	if m.Bus == nil || m.Sink == nil {
		m.Logger.Warn("monitor not fully configured; skipping")
		return
	}
	discrepancies, unsubD := m.Bus.Subscribe(events.EventDiscrepancy, 50)
	periods, unsubP := m.Bus.Subscribe(events.EventPeriodClosed, 10)
	go func() {
		defer unsubD()
		defer unsubP()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-discrepancies:
				if !ok {
					return
				}
				m.send(formatAlert(msg))
			case msg, ok := <-periods:
				if !ok {
					return
				}
				m.send(formatAlert(msg))
			}
		}
	}()
}

func (m *Monitor) send(text string) {
	if err := m.Sink.Send(text); err != nil {
		m.Logger.Warn("alert delivery failed", zap.Error(err))
	}
}

func formatAlert(msg any) string {
	return "[" + time.Now().UTC().Format(time.RFC3339) + "] " + toString(msg)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case events.Discrepancy:
		return fmt.Sprintf("reconciliation %s %s: local=%s venue=%s %s", t.Symbol, t.Check, t.Local, t.Venue, t.Detail)
	case events.Period:
		return fmt.Sprintf("period %d closed on %s: profit=%.4f", t.PeriodID, t.Symbol, t.TotalProfit)
	default:
		return "alert triggered"
	}
}
