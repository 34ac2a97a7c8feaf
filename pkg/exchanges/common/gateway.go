package common

import "context"

// Gateway abstracts order placement on a trading venue.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
}

// FuturesGateway is the hedge-mode futures surface the engine trades through.
type FuturesGateway interface {
	Gateway
	GetOrder(ctx context.Context, symbol, exchangeOrderID string) (OrderInfo, error)
	GetPositions(ctx context.Context, symbol string) ([]Position, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	GetPrice(ctx context.Context, symbol string) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	CancelAllOpenOrders(ctx context.Context, symbol string) error
}
