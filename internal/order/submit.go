package order

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"trend-engine/pkg/exchanges/common"
)

// clientIDPrefix tags orders placed by this engine.
const clientIDPrefix = "te-"

// maxClientIDLen is the venue limit for newClientOrderId.
const maxClientIDLen = 36

// NewClientOrderID returns a unique venue-safe client order id.
func NewClientOrderID() string {
	id := clientIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(id) > maxClientIDLen {
		id = id[:maxClientIDLen]
	}
	return id
}

// Precision holds the decimal places of an instrument.
type Precision struct {
	Price int32
	Qty   int32
}

// SubmitMarket places a hedge-mode market order on the given leg.
func SubmitMarket(ctx context.Context, gw common.Gateway, symbol string, side common.Side, ps common.PositionSide, qty float64, prec Precision) (common.OrderResult, error) {
	return gw.SubmitOrder(ctx, common.OrderRequest{
		Symbol:       symbol,
		Side:         side,
		Type:         common.OrderTypeMarket,
		Qty:          common.RoundQty(qty, prec.Qty),
		PositionSide: ps,
		ClientID:     NewClientOrderID(),
	})
}

// SubmitStopMarket places a mark-price stop that closes qty of the leg at stopPrice.
func SubmitStopMarket(ctx context.Context, gw common.Gateway, symbol string, side common.Side, ps common.PositionSide, qty, stopPrice float64, prec Precision) (common.OrderResult, error) {
	return gw.SubmitOrder(ctx, common.OrderRequest{
		Symbol:       symbol,
		Side:         side,
		Type:         common.OrderTypeStopMarket,
		Qty:          common.RoundQty(qty, prec.Qty),
		StopPrice:    common.RoundPrice(stopPrice, prec.Price),
		PositionSide: ps,
		ReduceOnly:   true,
		WorkingType:  "MARK_PRICE",
		ClientID:     NewClientOrderID(),
	})
}

// SubmitTrailingStop places a trailing stop armed at activation with callbackRate percent.
func SubmitTrailingStop(ctx context.Context, gw common.Gateway, symbol string, side common.Side, ps common.PositionSide, qty, activation, callbackRate float64, prec Precision) (common.OrderResult, error) {
	return gw.SubmitOrder(ctx, common.OrderRequest{
		Symbol:          symbol,
		Side:            side,
		Type:            common.OrderTypeTrailingStop,
		Qty:             common.RoundQty(qty, prec.Qty),
		ActivationPrice: common.RoundPrice(activation, prec.Price),
		CallbackRate:    callbackRate,
		PositionSide:    ps,
		ReduceOnly:      true,
		WorkingType:     "MARK_PRICE",
		ClientID:        NewClientOrderID(),
	})
}
