package order

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"trend-engine/pkg/exchanges/common"
)

// fakeGateway records requests and answers from canned state.
type fakeGateway struct {
	mu        sync.Mutex
	seq       int
	submitted []common.OrderRequest
	ids       []string
	cancelled []string
	infos     map[string]common.OrderInfo
	open      []common.OpenOrder
	submitErr map[common.OrderType]error
	// gate, when set, blocks protective submissions until closed.
	gate chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		infos:     make(map[string]common.OrderInfo),
		submitErr: make(map[common.OrderType]error),
	}
}

func (g *fakeGateway) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if req.Type.IsProtective() && g.gate != nil {
		<-g.gate
	}
	if err := ctx.Err(); err != nil {
		return common.OrderResult{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.submitErr[req.Type]; err != nil {
		return common.OrderResult{}, err
	}
	g.seq++
	id := strconv.Itoa(g.seq)
	g.submitted = append(g.submitted, req)
	g.ids = append(g.ids, id)
	return common.OrderResult{ExchangeOrderID: id, ClientID: req.ClientID, Status: common.StatusNew}, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, symbol, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, id)
	return nil
}

func (g *fakeGateway) GetOrder(ctx context.Context, symbol, id string) (common.OrderInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	info, ok := g.infos[id]
	if !ok {
		return common.OrderInfo{}, fmt.Errorf("order %s not found", id)
	}
	return info, nil
}

func (g *fakeGateway) GetPositions(ctx context.Context, symbol string) ([]common.Position, error) {
	return nil, nil
}

func (g *fakeGateway) GetOpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]common.OpenOrder(nil), g.open...), nil
}

func (g *fakeGateway) GetPrice(ctx context.Context, symbol string) (float64, error) { return 0, nil }

func (g *fakeGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }

func (g *fakeGateway) CancelAllOpenOrders(ctx context.Context, symbol string) error { return nil }

// byType returns submitted requests of type t with their ids.
func (g *fakeGateway) byType(t common.OrderType) ([]common.OrderRequest, []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var reqs []common.OrderRequest
	var ids []string
	for i, r := range g.submitted {
		if r.Type == t {
			reqs = append(reqs, r)
			ids = append(ids, g.ids[i])
		}
	}
	return reqs, ids
}

func (g *fakeGateway) cancels() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cancelled...)
}
