package common

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PositionSide is the hedge-mode leg an order acts on.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
	PositionBoth  PositionSide = "BOTH"
)

// OrderType denotes the futures order types the engine uses.
type OrderType string

const (
	OrderTypeMarket       OrderType = "MARKET"
	OrderTypeLimit        OrderType = "LIMIT"
	OrderTypeStopMarket   OrderType = "STOP_MARKET"
	OrderTypeTrailingStop OrderType = "TRAILING_STOP_MARKET"
)

// IsProtective reports whether t is a stop-loss or trailing-stop type.
func (t OrderType) IsProtective() bool {
	return t == OrderTypeStopMarket || t == OrderTypeTrailingStop
}

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// OrderRequest captures an order intent to be sent to the venue.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           float64
	Price         float64 // required for LIMIT
	StopPrice     float64 // required for STOP_MARKET
	TimeInForce   TimeInForce
	ClientID      string // optional client order id
	ReduceOnly    bool
	ClosePosition bool
	PositionSide  PositionSide // LONG/SHORT in hedge mode

	WorkingType     string  // MARK_PRICE or CONTRACT_PRICE
	ActivationPrice float64 // TRAILING_STOP_MARKET
	CallbackRate    float64 // TRAILING_STOP_MARKET, percent
}

// OrderResult returns the venue ack.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
	AvgPrice        float64
	ExecutedQty     float64
}

// Position is one hedge-mode leg reported by the venue.
type Position struct {
	Symbol           string
	PositionSide     PositionSide
	Amount           float64 // signed; negative for SHORT legs
	EntryPrice       float64
	BreakEvenPrice   float64
	MarkPrice        float64
	UnrealizedProfit float64
}

// Size returns the absolute position amount.
func (p Position) Size() float64 {
	if p.Amount < 0 {
		return -p.Amount
	}
	return p.Amount
}

// OpenOrder is a resting order on the venue.
type OpenOrder struct {
	ExchangeOrderID string
	ClientID        string
	Symbol          string
	Type            OrderType
	Side            Side
	PositionSide    PositionSide
	Price           float64
	StopPrice       float64
	ActivationPrice float64
	Qty             float64
	Status          OrderStatus
}

// OrderInfo is the queried state of a single order.
type OrderInfo struct {
	ExchangeOrderID string
	ClientID        string
	Symbol          string
	Status          OrderStatus
	Type            OrderType
	Side            Side
	PositionSide    PositionSide
	AvgPrice        float64
	ExecutedQty     float64
}
