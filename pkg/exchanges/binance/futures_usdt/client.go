package futures_usdt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"trend-engine/pkg/exchanges/common"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoCredentials is returned by signed calls when no key pair is configured.
var ErrNoCredentials = errors.New("binance usdt futures: API key/secret required")

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64  // ms
	BaseURL    string // overrides the venue host (tests)
	// RequestsPerSecond paces outgoing REST calls; 0 uses 20/s.
	RequestsPerSecond float64
}

// Client handles Binance USDT-M futures in hedge mode.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	timeSync    *common.TimeSync
	rateLimiter *common.RateLimiter
	pacer       *rate.Limiter
	logger      *zap.Logger
}

var _ common.FuturesGateway = (*Client)(nil)

// NewClient creates a new USDT-M futures client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}
	logger = logger.Named("binance")
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		pacer:      rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)),
		logger:     logger,
	}
	c.timeSync = common.NewTimeSync(c.GetServerTime, logger)
	c.rateLimiter = common.NewRateLimiter(2400, time.Minute, logger) // 2400 weight/min for futures
	return c
}

// StartTimeSync keeps request timestamps aligned with the venue clock.
func (c *Client) StartTimeSync(ctx context.Context) {
	c.timeSync.Start(ctx)
}

// WSBaseURL returns the user/market stream host matching the REST host.
func (c *Client) WSBaseURL() string {
	if c.cfg.Testnet {
		return "wss://stream.binancefuture.com"
	}
	return "wss://fstream.binance.com"
}

// CreateListenKey creates a listen key for user data stream.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.doKeyed(ctx, http.MethodPost, "/fapi/v1/listenKey", nil)
	if err != nil {
		return "", err
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends listen key life.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	_, err := c.doKeyed(ctx, http.MethodPut, "/fapi/v1/listenKey", url.Values{"listenKey": {listenKey}})
	return err
}

// CloseListenKey invalidates the listen key.
func (c *Client) CloseListenKey(ctx context.Context, listenKey string) error {
	_, err := c.doKeyed(ctx, http.MethodDelete, "/fapi/v1/listenKey", url.Values{"listenKey": {listenKey}})
	return err
}

// Helper: convert to consistent timestamp with time sync if available.
func (c *Client) now() int64 {
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		return c.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

func (c *Client) signedParams() url.Values {
	params := url.Values{}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	return params
}

func (c *Client) hasCredentials() bool {
	return c.cfg.APIKey != "" && c.cfg.APISecret != ""
}

// SubmitOrder places an order.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if !c.hasCredentials() {
		return common.OrderResult{}, ErrNoCredentials
	}
	params := c.signedParams()
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", strings.ToUpper(string(req.Type)))
	if req.ClosePosition {
		params.Set("closePosition", "true")
	} else {
		params.Set("quantity", formatFloat(req.Qty))
	}

	switch req.Type {
	case common.OrderTypeLimit:
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", string(toBinanceTIF(req.TimeInForce)))
	case common.OrderTypeStopMarket:
		params.Set("stopPrice", formatFloat(req.StopPrice))
	case common.OrderTypeTrailingStop:
		params.Set("callbackRate", formatFloat(req.CallbackRate))
		if req.ActivationPrice > 0 {
			params.Set("activationPrice", formatFloat(req.ActivationPrice))
		}
	}
	if req.Type.IsProtective() && req.WorkingType != "" {
		params.Set("workingType", req.WorkingType)
	}

	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.PositionSide != "" {
		params.Set("positionSide", string(req.PositionSide))
	}
	// Hedge mode rejects reduceOnly; the position side already scopes the close.
	if req.ReduceOnly && (req.PositionSide == "" || req.PositionSide == common.PositionBoth) {
		params.Set("reduceOnly", "true")
	}
	params.Set("newOrderRespType", "RESULT")

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return common.OrderResult{
		ExchangeOrderID: formatID(resp.OrderID),
		ClientID:        resp.ClientOrderID,
		Status:          mapStatus(resp.Status),
		AvgPrice:        parseFloat(resp.AvgPrice),
		ExecutedQty:     parseFloat(resp.ExecutedQty),
	}, nil
}

// GetOrder queries one order by venue id.
func (c *Client) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (common.OrderInfo, error) {
	if !c.hasCredentials() {
		return common.OrderInfo{}, ErrNoCredentials
	}
	params := c.signedParams()
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderInfo{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderInfo{}, fmt.Errorf("decode order: %w", err)
	}
	return resp.info(), nil
}

// CancelOrder cancels an order by symbol and ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if !c.hasCredentials() {
		return ErrNoCredentials
	}
	params := c.signedParams()
	params.Set("symbol", symbol)
	if exchangeOrderID != "" {
		params.Set("orderId", exchangeOrderID)
	}
	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

// CancelAllOpenOrders cancels all open orders for a symbol.
func (c *Client) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	if !c.hasCredentials() {
		return ErrNoCredentials
	}
	params := c.signedParams()
	params.Set("symbol", symbol)
	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params)
	return err
}

// GetPositions returns the hedge-mode legs of symbol (all symbols when empty).
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]common.Position, error) {
	if !c.hasCredentials() {
		return nil, ErrNoCredentials
	}
	params := c.signedParams()
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}
	var raw []PositionRisk
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	out := make([]common.Position, 0, len(raw))
	for _, p := range raw {
		out = append(out, p.toCommon())
	}
	return out, nil
}

// GetOpenOrders returns open orders; symbol optional.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]common.OpenOrder, error) {
	if !c.hasCredentials() {
		return nil, ErrNoCredentials
	}
	params := c.signedParams()
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/openOrders", params)
	if err != nil {
		return nil, err
	}
	var raw []OpenOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]common.OpenOrder, 0, len(raw))
	for _, o := range raw {
		out = append(out, o.toCommon())
	}
	return out, nil
}

// GetPrice returns the last traded price from the public ticker.
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/ticker/price", url.Values{"symbol": {symbol}})
	if err != nil {
		return 0, err
	}
	var out struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode ticker: %w", err)
	}
	p := parseFloat(out.Price)
	if p <= 0 {
		return 0, fmt.Errorf("ticker %s: invalid price %q", symbol, out.Price)
	}
	return p, nil
}

// SetLeverage sets leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if !c.hasCredentials() {
		return ErrNoCredentials
	}
	params := c.signedParams()
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	return err
}

// codeNoNeedToChangeSide is returned when hedge mode is already active.
const codeNoNeedToChangeSide = -4059

// EnableHedgeMode switches the account to dual-side positions. Already enabled is not an error.
func (c *Client) EnableHedgeMode(ctx context.Context) error {
	if !c.hasCredentials() {
		return ErrNoCredentials
	}
	params := c.signedParams()
	params.Set("dualSidePosition", "true")
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/positionSide/dual", params)
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && apiErr.Code == codeNoNeedToChangeSide {
		return nil
	}
	return err
}

// GetServerTime fetches futures server time.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	return res.ServerTime, nil
}

// doSigned handles signing and sending requests.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	sig := sign(params.Encode(), c.cfg.APISecret)
	params.Set("signature", sig)
	return c.do(ctx, method, path, params, true)
}

// doKeyed sends an API-key-only request (listenKey management).
func (c *Client) doKeyed(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrNoCredentials
	}
	return c.do(ctx, method, path, params, true)
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, params, false)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, withKey bool) ([]byte, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	var (
		req *http.Request
		err error
	)
	endpoint := c.baseURL + path
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete, http.MethodPut:
		if encoded != "" {
			endpoint += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	if withKey {
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance usdt futures %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if c.rateLimiter != nil {
		c.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if res.StatusCode >= 300 {
		apiErr := &common.APIError{Method: method, Endpoint: path, Status: res.StatusCode, Msg: string(body)}
		var eb apiErrorBody
		if json.Unmarshal(body, &eb) == nil && eb.Code != 0 {
			apiErr.Code = eb.Code
			apiErr.Msg = eb.Msg
		}
		return nil, apiErr
	}
	return body, nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
