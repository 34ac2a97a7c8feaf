package market

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StreamClient manages public futures market streams.
type StreamClient struct {
	StreamURL string
	dialer    *websocket.Dialer
	logger    *zap.Logger
}

// NewStreamClient builds a websocket client for baseURL (e.g. wss://fstream.binance.com).
func NewStreamClient(baseURL string, logger *zap.Logger) *StreamClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamClient{
		StreamURL: strings.TrimRight(baseURL, "/") + "/ws",
		dialer:    websocket.DefaultDialer,
		logger:    logger.Named("market-ws"),
	}
}

// SubscribeMarkPrice streams <symbol>@markPrice@1s updates.
// The channel closes when the connection drops or ctx ends.
func (c *StreamClient) SubscribeMarkPrice(ctx context.Context, symbol string) (<-chan MarkPrice, func(), error) {
	stream := fmt.Sprintf("%s@markPrice@1s", strings.ToLower(symbol))
	return subscribe(ctx, c, stream, parseMarkPriceMessage)
}

// SubscribeAggTrades streams <symbol>@aggTrade updates.
func (c *StreamClient) SubscribeAggTrades(ctx context.Context, symbol string) (<-chan AggTrade, func(), error) {
	stream := fmt.Sprintf("%s@aggTrade", strings.ToLower(symbol))
	return subscribe(ctx, c, stream, parseAggTradeMessage)
}

func subscribe[T any](ctx context.Context, c *StreamClient, stream string, parse func([]byte) (T, error)) (<-chan T, func(), error) {
	u := fmt.Sprintf("%s/%s", c.StreamURL, stream)

	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", stream, err)
	}

	out := make(chan T, 100)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			// Ignore errors; connection may already be closed.
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		})
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()

	go func() {
		defer close(out)
		defer close(done)
		defer stop()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil || isClosed(err) {
					return
				}
				c.logger.Warn("stream read error", zap.String("stream", stream), zap.Error(err))
				return
			}

			parsed, err := parse(msg)
			if err != nil {
				c.logger.Debug("stream parse error", zap.String("stream", stream), zap.Error(err))
				continue
			}
			select {
			case out <- parsed:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, stop, nil
}

func isClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		strings.Contains(err.Error(), "use of closed network connection")
}

func parseMarkPriceMessage(msg []byte) (MarkPrice, error) {
	var raw struct {
		Event  string `json:"e"`
		Time   int64  `json:"E"`
		Symbol string `json:"s"`
		Price  string `json:"p"`
		Index  string `json:"i"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return MarkPrice{}, err
	}
	if raw.Event != "markPriceUpdate" {
		return MarkPrice{}, fmt.Errorf("unexpected event %q", raw.Event)
	}
	p, err := strconv.ParseFloat(raw.Price, 64)
	if err != nil || p <= 0 {
		return MarkPrice{}, fmt.Errorf("invalid mark price %q", raw.Price)
	}
	idx, _ := strconv.ParseFloat(raw.Index, 64)
	return MarkPrice{Symbol: raw.Symbol, Price: p, IndexPrice: idx, Time: raw.Time}, nil
}

func parseAggTradeMessage(msg []byte) (AggTrade, error) {
	var raw struct {
		Event     string `json:"e"`
		Symbol    string `json:"s"`
		Price     string `json:"p"`
		Qty       string `json:"q"`
		TradeTime int64  `json:"T"`
		BuyerIsMM bool   `json:"m"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return AggTrade{}, err
	}
	if raw.Event != "aggTrade" {
		return AggTrade{}, fmt.Errorf("unexpected event %q", raw.Event)
	}
	p, err := strconv.ParseFloat(raw.Price, 64)
	if err != nil || p <= 0 {
		return AggTrade{}, fmt.Errorf("invalid trade price %q", raw.Price)
	}
	q, _ := strconv.ParseFloat(raw.Qty, 64)
	return AggTrade{Symbol: raw.Symbol, Price: p, Qty: q, Time: raw.TradeTime, IsBuyerMaker: raw.BuyerIsMM}, nil
}
