package events

import "time"

// Event enumerates operator-facing topics of the engine.
type Event string

const (
	EventSignal         Event = "signal"
	EventOrderSubmitted Event = "order.submitted"
	EventOrderFilled    Event = "order.filled"
	EventOrderClosed    Event = "order.closed"
	EventProtective     Event = "order.protective"
	EventPeriodClosed   Event = "period.closed"
	EventPeriodStarted  Event = "period.started"
	EventDiscrepancy    Event = "reconciliation.discrepancy"
)

// AllEvents lists every topic, for subscribers that stream everything.
var AllEvents = []Event{
	EventSignal,
	EventOrderSubmitted,
	EventOrderFilled,
	EventOrderClosed,
	EventProtective,
	EventPeriodClosed,
	EventPeriodStarted,
	EventDiscrepancy,
}

// Signal is published when a trigger fires, submitted or suppressed.
type Signal struct {
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Price     float64   `json:"price"`
	Extreme   float64   `json:"extreme"`
	Threshold float64   `json:"threshold"`
	Outcome   string    `json:"outcome"`
	Scope     string    `json:"scope,omitempty"`
	Time      time.Time `json:"time"`
}

// Order is published on entry submission, fill, protective placement and close.
type Order struct {
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	VenueOrderID string    `json:"venue_order_id"`
	Price        float64   `json:"price"`
	Qty          float64   `json:"qty"`
	Reason       string    `json:"reason,omitempty"`
	Profit       float64   `json:"profit,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	Time         time.Time `json:"time"`
}

// Period is published when a period closes or a new one starts.
type Period struct {
	Symbol         string    `json:"symbol"`
	PeriodID       int64     `json:"period_id"`
	ReferencePrice float64   `json:"reference_price"`
	TotalProfit    float64   `json:"total_profit"`
	Time           time.Time `json:"time"`
}

// Discrepancy mirrors one reconciliation finding.
type Discrepancy struct {
	Symbol string    `json:"symbol"`
	Check  string    `json:"check"`
	Local  string    `json:"local"`
	Venue  string    `json:"venue"`
	Detail string    `json:"detail"`
	Time   time.Time `json:"time"`
}

// Envelope wraps a payload with its topic for fan-in consumers.
type Envelope struct {
	Type    Event `json:"type"`
	Payload any   `json:"payload"`
}
