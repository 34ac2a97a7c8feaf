package futures_usdt

import "trend-engine/pkg/exchanges/common"

type orderResp struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	Type          string `json:"type"`
	OrigType      string `json:"origType"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	AvgPrice      string `json:"avgPrice"`
	ExecutedQty   string `json:"executedQty"`
}

func (r orderResp) info() common.OrderInfo {
	typ := r.OrigType
	if typ == "" {
		typ = r.Type
	}
	return common.OrderInfo{
		ExchangeOrderID: formatID(r.OrderID),
		ClientID:        r.ClientOrderID,
		Symbol:          r.Symbol,
		Status:          mapStatus(r.Status),
		Type:            common.OrderType(typ),
		Side:            common.Side(r.Side),
		PositionSide:    common.PositionSide(r.PositionSide),
		AvgPrice:        parseFloat(r.AvgPrice),
		ExecutedQty:     parseFloat(r.ExecutedQty),
	}
}

// OpenOrder is a resting order as returned by /fapi/v1/openOrders.
type OpenOrder struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	OrigType      string `json:"origType"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	ActivatePrice string `json:"activatePrice"`
	OrigQty       string `json:"origQty"`
	Status        string `json:"status"`
	PositionSide  string `json:"positionSide"`
	ReduceOnly    bool   `json:"reduceOnly"`
}

func (o OpenOrder) toCommon() common.OpenOrder {
	return common.OpenOrder{
		ExchangeOrderID: formatID(o.OrderID),
		ClientID:        o.ClientOrderID,
		Symbol:          o.Symbol,
		Type:            common.OrderType(o.Type),
		Side:            common.Side(o.Side),
		PositionSide:    common.PositionSide(o.PositionSide),
		Price:           parseFloat(o.Price),
		StopPrice:       parseFloat(o.StopPrice),
		ActivationPrice: parseFloat(o.ActivatePrice),
		Qty:             parseFloat(o.OrigQty),
		Status:          mapStatus(o.Status),
	}
}

// PositionRisk is one leg from /fapi/v2/positionRisk.
type PositionRisk struct {
	Symbol           string `json:"symbol"`
	PositionSide     string `json:"positionSide"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	BreakEvenPrice   string `json:"breakEvenPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
}

func (p PositionRisk) toCommon() common.Position {
	return common.Position{
		Symbol:           p.Symbol,
		PositionSide:     common.PositionSide(p.PositionSide),
		Amount:           parseFloat(p.PositionAmt),
		EntryPrice:       parseFloat(p.EntryPrice),
		BreakEvenPrice:   parseFloat(p.BreakEvenPrice),
		MarkPrice:        parseFloat(p.MarkPrice),
		UnrealizedProfit: parseFloat(p.UnRealizedProfit),
	}
}

type apiErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}
