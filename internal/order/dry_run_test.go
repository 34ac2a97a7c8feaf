package order

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"trend-engine/pkg/cache"
	"trend-engine/pkg/exchanges/common"
)

func newDryRun(t *testing.T) (*DryRunGateway, *cache.PriceCache, *recordingHandler) {
	t.Helper()
	prices := cache.NewPriceCache(time.Minute)
	router := NewRouter(nil)
	h := newRecordingHandler()
	router.Register(testSymbol, h)
	return NewDryRunGateway(DryRunSimConfig{}, prices, router, nil), prices, h
}

func waitFill(t *testing.T, h *recordingHandler) FillEvent {
	t.Helper()
	select {
	case ev := <-h.fillCh:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for fill")
	}
	return FillEvent{}
}

func TestDryRunMarketFillAndTrailingStop(t *testing.T) {
	ctx := context.Background()
	gw, prices, h := newDryRun(t)
	prices.Set(cache.MarkKey(testSymbol), 100)

	res, err := SubmitMarket(ctx, gw, testSymbol, common.SideBuy, common.PositionLong, 2, Precision{Price: 2, Qty: 3})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	entry := waitFill(t, h)
	if entry.OrderID != res.ExchangeOrderID || entry.AvgPrice != 100 || entry.FilledQty != 2 || entry.RealizedPnL != 0 {
		t.Fatalf("unexpected entry fill %+v", entry)
	}

	info, err := gw.GetOrder(ctx, testSymbol, res.ExchangeOrderID)
	if err != nil || info.Status != common.StatusFilled {
		t.Fatalf("order status = %v (err %v), want FILLED", info.Status, err)
	}
	pos, _ := gw.GetPositions(ctx, testSymbol)
	if len(pos) != 1 || pos[0].Amount != 2 || pos[0].EntryPrice != 100 {
		t.Fatalf("unexpected positions %+v", pos)
	}

	ts, err := SubmitTrailingStop(ctx, gw, testSymbol, common.SideSell, common.PositionLong, 2, 105, 1, Precision{Price: 2, Qty: 3})
	if err != nil {
		t.Fatalf("trailing stop: %v", err)
	}
	open, _ := gw.GetOpenOrders(ctx, testSymbol)
	if len(open) != 1 || open[0].Type != common.OrderTypeTrailingStop {
		t.Fatalf("unexpected open orders %+v", open)
	}

	for _, p := range []float64{104, 106, 107} {
		prices.Set(cache.MarkKey(testSymbol), p)
		gw.Evaluate(ctx)
	}
	prices.Set(cache.MarkKey(testSymbol), 106)
	gw.Evaluate(ctx)
	if open, _ := gw.GetOpenOrders(ctx, testSymbol); len(open) != 1 {
		t.Fatalf("trailing stop fired inside callback")
	}

	prices.Set(cache.MarkKey(testSymbol), 105.9)
	gw.Evaluate(ctx)
	exit := waitFill(t, h)
	if exit.OrderID != ts.ExchangeOrderID || exit.OriginalType != common.OrderTypeTrailingStop {
		t.Fatalf("unexpected exit fill %+v", exit)
	}
	if math.Abs(exit.RealizedPnL-11.8) > 1e-9 {
		t.Fatalf("realized = %v, want 11.8", exit.RealizedPnL)
	}
	if pos, _ := gw.GetPositions(ctx, testSymbol); len(pos) != 0 {
		t.Fatalf("position not flat: %+v", pos)
	}
}

func TestDryRunShortStopLoss(t *testing.T) {
	ctx := context.Background()
	gw, prices, h := newDryRun(t)
	prices.Set(cache.MarkKey(testSymbol), 100)

	if _, err := SubmitMarket(ctx, gw, testSymbol, common.SideSell, common.PositionShort, 1, Precision{Price: 2, Qty: 3}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFill(t, h)
	sl, err := SubmitStopMarket(ctx, gw, testSymbol, common.SideBuy, common.PositionShort, 1, 102, Precision{Price: 2, Qty: 3})
	if err != nil {
		t.Fatalf("stop: %v", err)
	}

	prices.Set(cache.MarkKey(testSymbol), 101)
	gw.Evaluate(ctx)
	prices.Set(cache.MarkKey(testSymbol), 102.5)
	gw.Evaluate(ctx)

	exit := waitFill(t, h)
	if exit.OrderID != sl.ExchangeOrderID || math.Abs(exit.RealizedPnL+2.5) > 1e-9 {
		t.Fatalf("unexpected stop fill %+v", exit)
	}
}

func TestDryRunCancelAndRejects(t *testing.T) {
	ctx := context.Background()
	gw, prices, _ := newDryRun(t)

	if _, err := SubmitMarket(ctx, gw, testSymbol, common.SideBuy, common.PositionLong, 1, Precision{}); err == nil {
		t.Fatalf("expected error without a price")
	}
	prices.Set(cache.MarkKey(testSymbol), 100)
	if _, err := SubmitMarket(ctx, gw, testSymbol, common.SideSell, common.PositionLong, 1, Precision{}); err == nil {
		t.Fatalf("expected reduce on flat leg to be rejected")
	}

	sl, _ := SubmitStopMarket(ctx, gw, testSymbol, common.SideSell, common.PositionLong, 1, 90, Precision{})
	if err := gw.CancelOrder(ctx, testSymbol, sl.ExchangeOrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := gw.CancelOrder(ctx, testSymbol, sl.ExchangeOrderID); err == nil {
		t.Fatalf("second cancel must fail")
	}
	if err := gw.CancelOrder(ctx, testSymbol, "nope"); !errors.Is(err, ErrUnknownOrder) {
		t.Fatalf("expected ErrUnknownOrder, got %v", err)
	}
}

func TestDryRunBreakEvenIncludesFees(t *testing.T) {
	ctx := context.Background()
	prices := cache.NewPriceCache(time.Minute)
	prices.Set(cache.MarkKey(testSymbol), 100)
	gw := NewDryRunGateway(DryRunSimConfig{FeeRate: 0.001}, prices, nil, nil)

	if _, err := SubmitMarket(ctx, gw, testSymbol, common.SideBuy, common.PositionLong, 1, Precision{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := SubmitMarket(ctx, gw, testSymbol, common.SideSell, common.PositionShort, 2, Precision{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	pos, _ := gw.GetPositions(ctx, testSymbol)
	if len(pos) != 2 {
		t.Fatalf("positions = %d, want 2", len(pos))
	}
	if math.Abs(pos[0].BreakEvenPrice-100.1) > 1e-9 {
		t.Fatalf("long breakeven = %v, want 100.1", pos[0].BreakEvenPrice)
	}
	if pos[1].Amount != -2 || math.Abs(pos[1].BreakEvenPrice-99.9) > 1e-9 {
		t.Fatalf("unexpected short leg %+v", pos[1])
	}
}
