package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"trend-engine/internal/events"
	"trend-engine/internal/monitor"
	"trend-engine/internal/reconciliation"
	"trend-engine/internal/strategy"
	"trend-engine/pkg/db"
)

const testPassword = "StrongPass123!"

type fakeEngine struct {
	statuses map[string]strategy.Status
	paused   map[string]bool
}

func (e *fakeEngine) Statuses() []strategy.Status {
	var out []strategy.Status
	for _, st := range e.statuses {
		out = append(out, st)
	}
	return out
}

func (e *fakeEngine) Status(symbol string) (strategy.Status, error) {
	st, ok := e.statuses[symbol]
	if !ok {
		return strategy.Status{}, fmt.Errorf("unknown symbol %s", symbol)
	}
	return st, nil
}

func (e *fakeEngine) Pause(symbol string, paused bool) error {
	if _, ok := e.statuses[symbol]; !ok {
		return errors.New("unknown symbol")
	}
	e.paused[symbol] = paused
	return nil
}

type fakeReconciler struct {
	runs int
	last *reconciliation.Report
}

func (r *fakeReconciler) Reconcile(ctx context.Context) (*reconciliation.Report, error) {
	r.runs++
	r.last = &reconciliation.Report{
		Symbols: 1,
		Discrepancies: []reconciliation.Discrepancy{
			{Symbol: "BTCUSDT", Check: reconciliation.CheckOrderCount, Local: "1", Venue: "2"},
		},
	}
	return r.last, nil
}

func (r *fakeReconciler) LastReport() *reconciliation.Report { return r.last }

type testAPI struct {
	ts         *httptest.Server
	engine     *fakeEngine
	reconciler *fakeReconciler
	store      *db.Database
	bus        *events.Bus
}

func newTestAPIServer(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	hash, err := HashPassword(testPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	reg := prometheus.NewRegistry()
	a := &testAPI{
		engine: &fakeEngine{
			statuses: map[string]strategy.Status{"BTCUSDT": {Symbol: "BTCUSDT", Mode: "normal", MarkPrice: 100}},
			paused:   map[string]bool{},
		},
		reconciler: &fakeReconciler{},
		store:      database,
		bus:        events.NewBus(),
	}
	server := NewServer(Options{
		Engine:       a.engine,
		Store:        database,
		Reconciler:   a.reconciler,
		Bus:          a.bus,
		Metrics:      monitor.NewMetrics(reg),
		Gatherer:     reg,
		Meta:         SystemMeta{DryRun: true, Symbols: []string{"BTCUSDT"}, Version: "test"},
		JWTSecret:    "test-secret",
		PasswordHash: hash,
	})
	a.ts = httptest.NewServer(server.Router)
	t.Cleanup(func() {
		a.ts.Close()
		_ = database.Close()
	})
	return a
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func (a *testAPI) login(t *testing.T) string {
	t.Helper()
	var resp struct {
		Token string `json:"token"`
	}
	status := doJSONRequest(t, a.ts.Client(), http.MethodPost, a.ts.URL+"/api/auth/token", "", map[string]string{
		"password": testPassword,
	}, &resp)
	if status != http.StatusOK || resp.Token == "" {
		t.Fatalf("login failed status=%d resp=%+v", status, resp)
	}
	return resp.Token
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	a := newTestAPIServer(t)

	var health struct {
		Status string     `json:"status"`
		System SystemMeta `json:"system"`
	}
	if status := doJSONRequest(t, a.ts.Client(), http.MethodGet, a.ts.URL+"/health", "", nil, &health); status != http.StatusOK {
		t.Fatalf("health status=%d", status)
	}
	if health.Status != "ok" || !health.System.DryRun {
		t.Fatalf("health = %+v", health)
	}

	resp, err := a.ts.Client().Get(a.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "trend_http_requests_total") {
		t.Fatalf("metrics status=%d body missing http counter", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	a := newTestAPIServer(t)

	tests := []struct {
		name   string
		header string
		code   string
	}{
		{"missing", "", "MISSING_TOKEN"},
		{"malformed", "Token abc", "INVALID_AUTH_HEADER"},
		{"garbage", "Bearer not-a-jwt", "INVALID_TOKEN"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, a.ts.URL+"/api/instruments", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := a.ts.Client().Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()
			var body struct {
				Code string `json:"code"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&body)
			if resp.StatusCode != http.StatusUnauthorized || body.Code != tc.code {
				t.Fatalf("status=%d code=%s, want 401 %s", resp.StatusCode, body.Code, tc.code)
			}
		})
	}
}

func TestIssueTokenRejectsWrongPassword(t *testing.T) {
	a := newTestAPIServer(t)
	var resp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, a.ts.Client(), http.MethodPost, a.ts.URL+"/api/auth/token", "", map[string]string{
		"password": "wrong",
	}, &resp)
	if status != http.StatusUnauthorized || resp.Code != "INVALID_CREDENTIALS" {
		t.Fatalf("status=%d code=%s", status, resp.Code)
	}

	status = doJSONRequest(t, a.ts.Client(), http.MethodPost, a.ts.URL+"/api/auth/token", "", map[string]string{}, &resp)
	if status != http.StatusBadRequest {
		t.Fatalf("empty payload status=%d", status)
	}
}

func TestTokenFromOtherSecretIsRejected(t *testing.T) {
	a := newTestAPIServer(t)
	forged, err := generateToken("other-secret", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if status := doJSONRequest(t, a.ts.Client(), http.MethodGet, a.ts.URL+"/api/instruments", forged, nil, nil); status != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", status)
	}
	expired, _ := generateToken("test-secret", time.Now().Add(-time.Minute))
	if status := doJSONRequest(t, a.ts.Client(), http.MethodGet, a.ts.URL+"/api/instruments", expired, nil, nil); status != http.StatusUnauthorized {
		t.Fatalf("expired status=%d, want 401", status)
	}
}

func TestInstrumentEndpoints(t *testing.T) {
	a := newTestAPIServer(t)
	token := a.login(t)
	client := a.ts.Client()

	var list []strategy.Status
	if status := doJSONRequest(t, client, http.MethodGet, a.ts.URL+"/api/instruments", token, nil, &list); status != http.StatusOK {
		t.Fatalf("list status=%d", status)
	}
	if len(list) != 1 || list[0].Symbol != "BTCUSDT" {
		t.Fatalf("list = %+v", list)
	}

	var one strategy.Status
	if status := doJSONRequest(t, client, http.MethodGet, a.ts.URL+"/api/instruments/btcusdt", token, nil, &one); status != http.StatusOK {
		t.Fatalf("get status=%d", status)
	}
	if one.MarkPrice != 100 {
		t.Fatalf("status = %+v", one)
	}

	if status := doJSONRequest(t, client, http.MethodGet, a.ts.URL+"/api/instruments/ETHUSDT", token, nil, nil); status != http.StatusNotFound {
		t.Fatalf("unknown symbol status=%d", status)
	}

	if status := doJSONRequest(t, client, http.MethodPost, a.ts.URL+"/api/instruments/BTCUSDT/pause", token, nil, nil); status != http.StatusOK {
		t.Fatalf("pause status=%d", status)
	}
	if !a.engine.paused["BTCUSDT"] {
		t.Fatal("pause not applied")
	}
	if status := doJSONRequest(t, client, http.MethodPost, a.ts.URL+"/api/instruments/BTCUSDT/resume", token, nil, nil); status != http.StatusOK {
		t.Fatalf("resume status=%d", status)
	}
	if a.engine.paused["BTCUSDT"] {
		t.Fatal("resume not applied")
	}
}

func TestPeriodAndOrderListings(t *testing.T) {
	a := newTestAPIServer(t)
	token := a.login(t)
	client := a.ts.Client()
	ctx := context.Background()

	pid, err := a.store.CreatePeriod(ctx, "BTCUSDT", 100, 3)
	if err != nil {
		t.Fatalf("create period: %v", err)
	}
	if _, err := a.store.AddOrder(ctx, db.Order{Symbol: "BTCUSDT", Side: "LONG", VenueOrderID: "1001", Quantity: 5, EntryPrice: 103.2, PeriodID: pid}); err != nil {
		t.Fatalf("add order: %v", err)
	}
	if _, err := a.store.AddOrder(ctx, db.Order{Symbol: "ETHUSDT", Side: "SHORT", VenueOrderID: "1002", Quantity: 1, EntryPrice: 2000}); err != nil {
		t.Fatalf("add order: %v", err)
	}

	var periods []periodResponse
	if status := doJSONRequest(t, client, http.MethodGet, a.ts.URL+"/api/periods?symbol=btcusdt", token, nil, &periods); status != http.StatusOK {
		t.Fatalf("periods status=%d", status)
	}
	if len(periods) != 1 || periods[0].ID != pid || periods[0].Status != db.PeriodActive {
		t.Fatalf("periods = %+v", periods)
	}

	var orders []orderResponse
	if status := doJSONRequest(t, client, http.MethodGet, a.ts.URL+"/api/orders?symbol=BTCUSDT&status=open", token, nil, &orders); status != http.StatusOK {
		t.Fatalf("orders status=%d", status)
	}
	if len(orders) != 1 || orders[0].VenueOrderID != "1001" || orders[0].PeriodID != pid {
		t.Fatalf("orders = %+v", orders)
	}

	if status := doJSONRequest(t, client, http.MethodGet, a.ts.URL+"/api/orders?status=PENDING", token, nil, nil); status != http.StatusBadRequest {
		t.Fatalf("bad status filter status=%d", status)
	}
}

func TestReconcileEndpoints(t *testing.T) {
	a := newTestAPIServer(t)
	token := a.login(t)
	client := a.ts.Client()

	if status := doJSONRequest(t, client, http.MethodGet, a.ts.URL+"/api/reconcile", token, nil, nil); status != http.StatusNotFound {
		t.Fatalf("last report before any run status=%d", status)
	}

	var report reconciliation.Report
	if status := doJSONRequest(t, client, http.MethodPost, a.ts.URL+"/api/reconcile", token, nil, &report); status != http.StatusOK {
		t.Fatalf("reconcile status=%d", status)
	}
	if a.reconciler.runs != 1 || len(report.Discrepancies) != 1 || report.Discrepancies[0].Check != reconciliation.CheckOrderCount {
		t.Fatalf("report = %+v", report)
	}

	var audits []auditResponse
	if status := doJSONRequest(t, client, http.MethodGet, a.ts.URL+"/api/audits", token, nil, &audits); status != http.StatusOK {
		t.Fatalf("audits status=%d", status)
	}
}

func TestWebsocketStreamsEvents(t *testing.T) {
	a := newTestAPIServer(t)
	token := a.login(t)

	url := "ws" + strings.TrimPrefix(a.ts.URL, "http") + "/api/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer resp.Body.Close()
	defer conn.Close()

	// the subscription is registered after the upgrade completes
	deadline := time.Now().Add(2 * time.Second)
	conn.SetReadDeadline(deadline)
	got := make(chan events.Envelope, 1)
	go func() {
		var env struct {
			Type    events.Event    `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := conn.ReadJSON(&env); err == nil {
			got <- events.Envelope{Type: env.Type, Payload: env.Payload}
		}
	}()

	for time.Now().Before(deadline) {
		a.bus.Publish(events.EventPeriodClosed, events.Period{Symbol: "BTCUSDT", PeriodID: 7, TotalProfit: 16.5})
		select {
		case env := <-got:
			if env.Type != events.EventPeriodClosed {
				t.Fatalf("event type = %s", env.Type)
			}
			var p events.Period
			if err := json.Unmarshal(env.Payload.(json.RawMessage), &p); err != nil {
				t.Fatalf("payload: %v", err)
			}
			if p.PeriodID != 7 || p.TotalProfit != 16.5 {
				t.Fatalf("payload = %+v", p)
			}
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
	t.Fatal("no event received")
}

func TestRateLimiterPerIP(t *testing.T) {
	l := newIPLimiter(1, 2)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	if !l.allow("1.1.1.1") || !l.allow("1.1.1.1") {
		t.Fatal("burst should be allowed")
	}
	if l.allow("1.1.1.1") {
		t.Fatal("third request inside a second must be limited")
	}
	if !l.allow("2.2.2.2") {
		t.Fatal("limits are per IP")
	}

	now = now.Add(10 * time.Minute)
	if !l.allow("3.3.3.3") {
		t.Fatal("new IP allowed")
	}
	if _, ok := l.limiters["1.1.1.1"]; ok {
		t.Fatal("idle limiter not swept")
	}
}
