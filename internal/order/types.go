package order

import (
	"time"

	"trend-engine/pkg/exchanges/common"
)

// Side is the direction of an entry.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Sides lists both directions in a fixed order.
var Sides = []Side{SideLong, SideShort}

// EntrySide is the order side that opens this direction.
func (s Side) EntrySide() common.Side {
	if s == SideShort {
		return common.SideSell
	}
	return common.SideBuy
}

// ExitSide is the order side that reduces this direction.
func (s Side) ExitSide() common.Side {
	if s == SideShort {
		return common.SideBuy
	}
	return common.SideSell
}

// PositionSide is the hedge-mode leg of this direction.
func (s Side) PositionSide() common.PositionSide {
	if s == SideShort {
		return common.PositionShort
	}
	return common.PositionLong
}

// SideFromPosition maps a hedge-mode leg back to a direction.
func SideFromPosition(ps common.PositionSide) (Side, bool) {
	switch ps {
	case common.PositionLong:
		return SideLong, true
	case common.PositionShort:
		return SideShort, true
	}
	return "", false
}

// Status is the lifecycle state of an entry.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusOpen    Status = "OPEN"
	StatusClosed  Status = "CLOSED"
)

// CloseReason records which exit closed an entry.
type CloseReason string

const (
	ReasonStopLoss     CloseReason = "STOP_LOSS"
	ReasonTrailingStop CloseReason = "TRAILING_STOP"
	ReasonPeriodClose  CloseReason = "PERIOD_CLOSE"
	// ReasonAbandoned marks rows found OPEN while the venue reports no position.
	ReasonAbandoned CloseReason = "ABANDONED"
)

// Order is an entry tracked from fill to close.
type Order struct {
	ID             int64 // store row id, 0 when not persisted
	Symbol         string
	Side           Side
	VenueOrderID   string
	Qty            float64
	EntryPrice     float64
	Status         Status
	PeriodID       int64
	StopLossID     string
	TrailingStopID string
	Scope          string
	OpenedAt       time.Time
}

// PendingEntry correlates a submitted entry with its asynchronous fill.
type PendingEntry struct {
	VenueOrderID string
	Side         Side
	Qty          float64
	CreatedAt    time.Time
}

// FillEvent is an order update from the venue event stream.
type FillEvent struct {
	Symbol        string
	OrderID       string
	ClientOrderID string
	Status        common.OrderStatus
	OrderType     common.OrderType
	OriginalType  common.OrderType
	PositionSide  common.PositionSide
	Side          common.Side
	AvgPrice      float64
	FilledQty     float64
	RealizedPnL   float64
	EventTime     int64
}

// Reduces reports whether the fill is a market order shrinking a hedge leg.
func (e FillEvent) Reduces() bool {
	if e.OriginalType != common.OrderTypeMarket {
		return false
	}
	return (e.PositionSide == common.PositionLong && e.Side == common.SideSell) ||
		(e.PositionSide == common.PositionShort && e.Side == common.SideBuy)
}

// PositionUpdate is one leg from an account update.
type PositionUpdate struct {
	Symbol         string
	PositionSide   common.PositionSide
	EntryPrice     float64
	BreakEvenPrice float64
	Amount         float64
	CumRealized    float64
}
