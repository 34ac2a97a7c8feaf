package market

// MarkPrice is one update of the futures mark price stream.
type MarkPrice struct {
	Symbol     string
	Price      float64
	IndexPrice float64
	Time       int64
}

// AggTrade is one aggregated trade from the futures trade stream.
type AggTrade struct {
	Symbol       string
	Price        float64
	Qty          float64
	Time         int64
	IsBuyerMaker bool
}
