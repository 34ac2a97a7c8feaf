package order

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"trend-engine/internal/monitor"
	"trend-engine/pkg/exchanges/common"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var errListenKeyExpired = errors.New("listen key expired")

// ListenKeyClient manages the user data stream authorization.
type ListenKeyClient interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error
}

// UserStream listens to the futures user data stream and feeds the router.
type UserStream struct {
	Client         ListenKeyClient
	WSBaseURL      string // e.g. wss://fstream.binance.com
	Router         *Router
	ReconnectDelay time.Duration
	KeepAlive      time.Duration
	Metrics        *monitor.Metrics
	Logger         *zap.Logger
	Dialer         *websocket.Dialer
}

// Run keeps a session alive until ctx ends, reconnecting after ReconnectDelay.
func (s *UserStream) Run(ctx context.Context) {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	if s.Client == nil || s.Router == nil {
		s.Logger.Warn("user stream: client or router not set; skipping")
		return
	}
	if s.ReconnectDelay <= 0 {
		s.ReconnectDelay = 5 * time.Second
	}
	if s.KeepAlive <= 0 {
		s.KeepAlive = 30 * time.Minute
	}
	if s.Dialer == nil {
		s.Dialer = websocket.DefaultDialer
	}

	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			s.Logger.Info("user stream stopped")
			return
		}
		s.Metrics.Reconnect("user")
		s.Logger.Warn("user stream disconnected; reconnecting",
			zap.Duration("delay", s.ReconnectDelay), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.ReconnectDelay):
		}
	}
}

func (s *UserStream) session(ctx context.Context) error {
	listenKey, err := s.Client.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("create listen key: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Client.CloseListenKey(closeCtx, listenKey); err != nil {
			s.Logger.Debug("close listen key", zap.Error(err))
		}
	}()

	wsURL := strings.TrimRight(s.WSBaseURL, "/") + "/ws/" + listenKey
	conn, _, err := s.Dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial user stream: %w", err)
	}
	s.Logger.Info("user stream connected")

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-sessCtx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()
	go s.keepAlive(sessCtx, listenKey)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if sessCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read user stream: %w", err)
		}
		if err := s.handleMessage(sessCtx, msg); err != nil {
			return err
		}
	}
}

func (s *UserStream) keepAlive(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(s.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Client.KeepAliveListenKey(ctx, listenKey); err != nil {
				s.Logger.Warn("user stream keepalive error", zap.Error(err))
			}
		}
	}
}

// handleMessage decodes one payload. Malformed payloads are logged and dropped;
// only an expired listen key ends the session.
func (s *UserStream) handleMessage(ctx context.Context, msg []byte) error {
	eventType := json.Get(msg, "e").ToString()
	switch eventType {
	case "ORDER_TRADE_UPDATE":
		ev, err := parseOrderTradeUpdate(msg)
		if err != nil {
			s.Logger.Warn("user stream: order update parse error", zap.Error(err))
			return nil
		}
		s.Router.DispatchFill(ctx, ev)
	case "ACCOUNT_UPDATE":
		ups, err := parseAccountUpdate(msg)
		if err != nil {
			s.Logger.Warn("user stream: account update parse error", zap.Error(err))
			return nil
		}
		for _, up := range ups {
			s.Router.DispatchPosition(ctx, up)
		}
	case "listenKeyExpired":
		return errListenKeyExpired
	case "":
		s.Logger.Warn("user stream: payload without event type", zap.ByteString("payload", truncate(msg, 256)))
	}
	return nil
}

func parseOrderTradeUpdate(msg []byte) (FillEvent, error) {
	var wrap struct {
		EventTime int64 `json:"E"`
		Data      struct {
			Symbol        string `json:"s"`
			ClientOrderID string `json:"c"`
			Side          string `json:"S"`
			OrderType     string `json:"o"`
			Status        string `json:"X"`
			OrderID       int64  `json:"i"`
			AvgPrice      string `json:"ap"`
			CumQty        string `json:"z"`
			OrigType      string `json:"ot"`
			PositionSide  string `json:"ps"`
			RealizedPnL   string `json:"rp"`
		} `json:"o"`
	}
	if err := json.Unmarshal(msg, &wrap); err != nil {
		return FillEvent{}, err
	}
	d := wrap.Data
	if d.Symbol == "" || d.OrderID == 0 {
		return FillEvent{}, fmt.Errorf("order update missing symbol or id")
	}
	orig := d.OrigType
	if orig == "" {
		orig = d.OrderType
	}
	return FillEvent{
		Symbol:        d.Symbol,
		OrderID:       strconv.FormatInt(d.OrderID, 10),
		ClientOrderID: d.ClientOrderID,
		Status:        parseStatus(d.Status),
		OrderType:     common.OrderType(d.OrderType),
		OriginalType:  common.OrderType(orig),
		PositionSide:  common.PositionSide(d.PositionSide),
		Side:          common.Side(d.Side),
		AvgPrice:      parseFloat(d.AvgPrice),
		FilledQty:     parseFloat(d.CumQty),
		RealizedPnL:   parseFloat(d.RealizedPnL),
		EventTime:     wrap.EventTime,
	}, nil
}

func parseAccountUpdate(msg []byte) ([]PositionUpdate, error) {
	var wrap struct {
		Data struct {
			Positions []struct {
				Symbol       string `json:"s"`
				Amount       string `json:"pa"`
				EntryPrice   string `json:"ep"`
				BreakEven    string `json:"bep"`
				CumRealized  string `json:"cr"`
				PositionSide string `json:"ps"`
			} `json:"P"`
		} `json:"a"`
	}
	if err := json.Unmarshal(msg, &wrap); err != nil {
		return nil, err
	}
	out := make([]PositionUpdate, 0, len(wrap.Data.Positions))
	for _, p := range wrap.Data.Positions {
		out = append(out, PositionUpdate{
			Symbol:         p.Symbol,
			PositionSide:   common.PositionSide(p.PositionSide),
			EntryPrice:     parseFloat(p.EntryPrice),
			BreakEvenPrice: parseFloat(p.BreakEven),
			Amount:         parseFloat(p.Amount),
			CumRealized:    parseFloat(p.CumRealized),
		})
	}
	return out, nil
}

func parseStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
