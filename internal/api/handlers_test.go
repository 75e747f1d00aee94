package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"alpaca-scalper/internal/broker"
	"alpaca-scalper/internal/candles"
	"alpaca-scalper/internal/config"
	"alpaca-scalper/internal/hub"
	"alpaca-scalper/internal/orders"
	"alpaca-scalper/pkg/types"
)

type fakeBroker struct {
	account    *types.Account
	accountErr error
	positions  []types.Position
	barsSymbol string
	barsMode   types.MarketMode
	barsLimit  int
	bars       []types.Candle
	barsErr    error
}

func (f *fakeBroker) GetAccount(_ context.Context) (*types.Account, error) {
	return f.account, f.accountErr
}

func (f *fakeBroker) ListPositions(_ context.Context) ([]types.Position, error) {
	return f.positions, nil
}

func (f *fakeBroker) GetBars(_ context.Context, symbol string, mode types.MarketMode, _ string, limit int) ([]types.Candle, error) {
	f.barsSymbol, f.barsMode, f.barsLimit = symbol, mode, limit
	return f.bars, f.barsErr
}

type fakeBook struct {
	orders    []types.Order
	manualReq orders.ManualRequest
	manualRes orders.Result
	cancelled string
	cancelErr error
}

func (f *fakeBook) Orders(openOnly bool) []types.Order {
	if !openOnly {
		return f.orders
	}
	var open []types.Order
	for _, o := range f.orders {
		if !o.State.Terminal() {
			open = append(open, o)
		}
	}
	return open
}

func (f *fakeBook) Get(id string) (types.Order, bool) {
	for _, o := range f.orders {
		if o.ID == id {
			return o, true
		}
	}
	return types.Order{}, false
}

func (f *fakeBook) SubmitManual(_ context.Context, req orders.ManualRequest) orders.Result {
	f.manualReq = req
	return f.manualRes
}

func (f *fakeBook) Cancel(_ context.Context, id string) error {
	f.cancelled = id
	return f.cancelErr
}

type fakeLoop struct {
	enabled bool
	signals map[string]types.Signal
}

func (f *fakeLoop) SetEnabled(on bool) { f.enabled = on }
func (f *fakeLoop) Enabled() bool      { return f.enabled }

func (f *fakeLoop) LastSignal(symbol string) (types.Signal, bool) {
	s, ok := f.signals[symbol]
	return s, ok
}

type fakeMetrics struct{ snap types.MetricsSnapshot }

func (f *fakeMetrics) Snapshot() types.MetricsSnapshot { return f.snap }

type fakeRisk struct {
	halted      bool
	quarantined map[string]string
}

func (f *fakeRisk) Halted() bool                   { return f.halted }
func (f *fakeRisk) Quarantined() map[string]string { return f.quarantined }

type apiFixture struct {
	srv    *httptest.Server
	broker *fakeBroker
	book   *fakeBook
	loop   *fakeLoop
	risk   *fakeRisk
	hub    *hub.Hub
	store  *candles.Store
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	bk := &fakeBroker{
		account: &types.Account{
			PortfolioValue: decimal.NewFromInt(100000),
			Equity:         decimal.NewFromInt(100000),
		},
	}
	book := &fakeBook{}
	loop := &fakeLoop{enabled: true, signals: map[string]types.Signal{}}
	store := candles.NewStore(100)
	session := &fakeMetrics{}
	rk := &fakeRisk{}

	h := hub.NewHub(config.EventHubConfig{OutboxSize: 16, RecentTrades: 50}, nil, logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	handlers := NewHandlers(config.ServerConfig{Port: 0}, bk, book,
		map[types.MarketMode]TradingLoop{types.ModeCrypto: loop},
		store, session, rk, h, logger)
	server := NewServer(config.ServerConfig{Port: 0}, handlers, logger)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &apiFixture{srv: srv, broker: bk, book: book, loop: loop, risk: rk, hub: h, store: store}
}

func getJSON(t *testing.T, url string, wantStatus int, out interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	var body map[string]string
	getJSON(t, f.srv.URL+"/health", http.StatusOK, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %q", body["status"])
	}
}

func TestAccountPassthrough(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	var acct types.Account
	getJSON(t, f.srv.URL+"/api/account", http.StatusOK, &acct)
	if !acct.Equity.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("equity = %s", acct.Equity)
	}
}

func TestBrokerErrorsNeverRecoverable500(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	f.broker.accountErr = &broker.Error{Op: "GetAccount", Class: broker.ClassWaitRequired, Status: 429, Msg: "rate limited"}

	var payload errorPayload
	getJSON(t, f.srv.URL+"/api/account", http.StatusServiceUnavailable, &payload)
	if payload.ErrorCode != "broker_wait_required" {
		t.Errorf("error_code = %q", payload.ErrorCode)
	}
	if payload.Message == "" {
		t.Error("message should carry the broker error")
	}
}

func TestPositionsModeFilter(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	f.broker.positions = []types.Position{
		{Symbol: "BTCUSD", Qty: decimal.NewFromFloat(0.5)},
		{Symbol: "AAPL", Qty: decimal.NewFromInt(10)},
		{Symbol: "ETHUSD", Qty: decimal.NewFromInt(2)},
	}

	var all []types.Position
	getJSON(t, f.srv.URL+"/api/positions", http.StatusOK, &all)
	if len(all) != 3 {
		t.Fatalf("unfiltered = %d positions", len(all))
	}

	var crypto []types.Position
	getJSON(t, f.srv.URL+"/api/positions?market_mode=crypto", http.StatusOK, &crypto)
	if len(crypto) != 2 {
		t.Fatalf("crypto = %d positions, want 2", len(crypto))
	}

	var stocks []types.Position
	getJSON(t, f.srv.URL+"/api/positions?market_mode=stocks", http.StatusOK, &stocks)
	if len(stocks) != 1 || stocks[0].Symbol != "AAPL" {
		t.Fatalf("stocks = %+v", stocks)
	}

	getJSON(t, f.srv.URL+"/api/positions?market_mode=bonds", http.StatusBadRequest, nil)
}

func TestListOrdersOpenVsAll(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	f.book.orders = []types.Order{
		{ID: "trade-1-1", State: types.OrderAccepted},
		{ID: "trade-1-2", State: types.OrderFilled},
	}

	var open []types.Order
	getJSON(t, f.srv.URL+"/api/orders", http.StatusOK, &open)
	if len(open) != 1 || open[0].ID != "trade-1-1" {
		t.Errorf("open = %+v", open)
	}

	var all []types.Order
	getJSON(t, f.srv.URL+"/api/orders?status=all", http.StatusOK, &all)
	if len(all) != 2 {
		t.Errorf("all = %d orders", len(all))
	}
}

func TestSubmitManualOrder(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	f.book.manualRes = orders.Result{
		Status: orders.StatusSubmitted,
		Order:  &types.Order{ID: "trade-2-1", Symbol: "BTCUSD"},
	}

	body := `{"symbol":"BTC/USD","side":"buy","qty":"0.01","type":"market","market_mode":"crypto"}`
	resp, err := http.Post(f.srv.URL+"/api/orders", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got types.Order
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "trade-2-1" {
		t.Errorf("order id = %q", got.ID)
	}
	if f.book.manualReq.Side != types.Buy || !f.book.manualReq.Qty.Equal(decimal.NewFromFloat(0.01)) {
		t.Errorf("manual request = %+v", f.book.manualReq)
	}
}

func TestSubmitManualOrderValidation(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing symbol", `{"side":"buy","qty":"1","market_mode":"crypto"}`},
		{"bad side", `{"symbol":"BTCUSD","side":"hold","qty":"1","market_mode":"crypto"}`},
		{"bad mode", `{"symbol":"BTCUSD","side":"buy","qty":"1","market_mode":"forex"}`},
		{"zero qty", `{"symbol":"BTCUSD","side":"buy","qty":"0","market_mode":"crypto"}`},
		{"limit without price", `{"symbol":"BTCUSD","side":"buy","qty":"1","type":"limit","market_mode":"crypto"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(f.srv.URL+"/api/orders", "application/json", strings.NewReader(tc.body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestSubmitManualOrderDedupConflict(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	f.book.manualRes = orders.Result{Status: orders.StatusDedupRejected, Reason: "pending order exists"}

	body := `{"symbol":"BTCUSD","side":"buy","qty":"0.01","market_mode":"crypto"}`
	resp, err := http.Post(f.srv.URL+"/api/orders", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestCancelOrder(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	f.book.orders = []types.Order{{ID: "trade-3-1", State: types.OrderAccepted}}

	req, _ := http.NewRequest(http.MethodDelete, f.srv.URL+"/api/orders/trade-3-1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if f.book.cancelled != "trade-3-1" {
		t.Errorf("cancelled = %q", f.book.cancelled)
	}

	req, _ = http.NewRequest(http.MethodDelete, f.srv.URL+"/api/orders/nope", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", resp.StatusCode)
	}
}

func TestBarsNormalizesSlashSymbol(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	now := time.Now().UTC().Truncate(time.Minute)
	f.broker.bars = []types.Candle{
		{T: now.Add(-time.Minute), C: decimal.NewFromInt(50000)},
		{T: now, C: decimal.NewFromInt(50001)},
	}

	var body struct {
		Bars       []types.Candle `json:"bars"`
		Count      int            `json:"count"`
		DataSource string         `json:"data_source"`
	}
	getJSON(t, f.srv.URL+"/api/bars/BTC/USD?timeframe=1Min&limit=5", http.StatusOK, &body)

	if f.broker.barsSymbol != "BTCUSD" {
		t.Errorf("broker got symbol %q, want canonical BTCUSD", f.broker.barsSymbol)
	}
	if f.broker.barsMode != types.ModeCrypto {
		t.Errorf("mode = %s, want crypto inferred from symbol", f.broker.barsMode)
	}
	if f.broker.barsLimit != 5 {
		t.Errorf("limit = %d", f.broker.barsLimit)
	}
	if body.Count != 2 || len(body.Bars) != 2 || body.DataSource != "broker" {
		t.Errorf("body = %+v", body)
	}
}

func TestSignalsEndpoint(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	getJSON(t, f.srv.URL+"/api/signals/BTCUSD", http.StatusNotFound, nil)

	f.loop.signals["BTCUSD"] = types.Signal{
		Symbol: "BTCUSD", Side: types.SignalBuy, Strength: 0.85, TS: time.Now().UTC(),
	}
	buf := f.store.Track("BTCUSD")
	buf.Append(types.Candle{T: time.Now().UTC(), C: decimal.NewFromInt(50000), V: decimal.NewFromInt(1)})

	var body map[string]interface{}
	getJSON(t, f.srv.URL+"/api/signals/BTCUSD", http.StatusOK, &body)
	if body["signal"] != "buy" {
		t.Errorf("signal = %v", body["signal"])
	}
	if body["strength"].(float64) != 0.85 {
		t.Errorf("strength = %v", body["strength"])
	}
	if body["price"] != "50000" {
		t.Errorf("price = %v", body["price"])
	}
}

func TestTradeLogReturnsRingAndMetrics(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	f.hub.RecordTrade(types.TradeRecord{ID: "t1", Symbol: "BTCUSD", Status: "filled"})
	f.hub.RecordTrade(types.TradeRecord{ID: "t2", Symbol: "BTCUSD", Status: "filled"})

	var body struct {
		Trades  []types.TradeRecord   `json:"trades"`
		Metrics types.MetricsSnapshot `json:"metrics"`
	}
	// RecordTrade is processed on the hub goroutine; retry briefly.
	deadline := time.Now().Add(time.Second)
	for {
		getJSON(t, f.srv.URL+"/api/trade-log?limit=10", http.StatusOK, &body)
		if len(body.Trades) == 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(body.Trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(body.Trades))
	}
}

func TestTradingStartStop(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	post := func(path string) int {
		t.Helper()
		resp, err := http.Post(f.srv.URL+path, "", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := post("/api/trading/stop?mode=crypto"); code != http.StatusOK {
		t.Fatalf("stop status = %d", code)
	}
	if f.loop.Enabled() {
		t.Error("loop still enabled after stop")
	}
	if code := post("/api/trading/start?mode=crypto"); code != http.StatusOK {
		t.Fatalf("start status = %d", code)
	}
	if !f.loop.Enabled() {
		t.Error("loop not enabled after start")
	}

	if code := post("/api/trading/start?mode=forex"); code != http.StatusBadRequest {
		t.Errorf("bad mode status = %d, want 400", code)
	}
	if code := post("/api/trading/start?mode=stocks"); code != http.StatusNotFound {
		t.Errorf("disabled mode status = %d, want 404", code)
	}
}

func TestStatusReportsLoopsAndRiskState(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	f.risk.halted = true
	f.risk.quarantined = map[string]string{"BTCUSD": "fill without pending position"}
	f.loop.enabled = false

	var body struct {
		Loops       map[string]bool   `json:"loops"`
		Halted      bool              `json:"halted"`
		Quarantined map[string]string `json:"quarantined"`
	}
	getJSON(t, f.srv.URL+"/api/status", http.StatusOK, &body)

	if on, ok := body.Loops["crypto"]; !ok || on {
		t.Errorf("loops = %v, want crypto disabled", body.Loops)
	}
	if !body.Halted {
		t.Error("halted flag not reported")
	}
	if body.Quarantined["BTCUSD"] == "" {
		t.Errorf("quarantined = %v, want BTCUSD with reason", body.Quarantined)
	}
}
