package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"alpaca-scalper/internal/config"
	"alpaca-scalper/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(config.BrokerConfig{
		RESTBaseURL:  srv.URL,
		DataBaseURL:  srv.URL,
		APIKey:       "test-key",
		APISecret:    "test-secret",
		Timeout:      5 * time.Second,
		RateLimitRPM: 60000, // effectively unlimited for tests
	}, false, testLogger())
}

func TestSubmitOrderSendsBrokerSymbol(t *testing.T) {
	t.Parallel()

	var got wireOrderRequest
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v2/orders" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("APCA-API-KEY-ID") != "test-key" {
			t.Error("missing auth header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(wireOrder{ID: "broker-123", ClientOrderID: got.ClientOrderID, Status: "accepted"})
	})

	c := newTestClient(t, handler)
	id, err := c.SubmitOrder(context.Background(), OrderRequest{
		ClientOrderID: "trade-1700000000-1",
		Symbol:        "BTCUSD",
		Mode:          types.ModeCrypto,
		Side:          types.Buy,
		Qty:           decimal.RequireFromString("0.0042"),
		Type:          types.Market,
		TIF:           types.TIFGTC,
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if id != "broker-123" {
		t.Errorf("broker ID = %q, want broker-123", id)
	}
	if got.Symbol != "BTC/USD" {
		t.Errorf("wire symbol = %q, want BTC/USD", got.Symbol)
	}
	if got.Qty != "0.0042" {
		t.Errorf("wire qty = %q, want 0.0042", got.Qty)
	}
	if got.ClientOrderID != "trade-1700000000-1" {
		t.Errorf("client order id = %q", got.ClientOrderID)
	}
}

func TestSubmitOrderClassifiesRejection(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"code":40310000,"message":"insufficient buying power"}`))
	})

	c := newTestClient(t, handler)
	_, err := c.SubmitOrder(context.Background(), OrderRequest{
		ClientOrderID: "trade-1700000000-2",
		Symbol:        "AAPL",
		Mode:          types.ModeEquities,
		Side:          types.Buy,
		Qty:           decimal.NewFromInt(10),
		Type:          types.Market,
		TIF:           types.TIFDay,
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !IsAdjustable(err) {
		t.Errorf("expected adjustable classification, got %v", err)
	}
}

func TestSubmitOrderDryRun(t *testing.T) {
	t.Parallel()

	c := NewClient(config.BrokerConfig{RESTBaseURL: "http://unreachable.invalid"}, true, testLogger())
	id, err := c.SubmitOrder(context.Background(), OrderRequest{
		ClientOrderID: "trade-1700000000-3",
		Symbol:        "ETHUSD",
		Mode:          types.ModeCrypto,
		Side:          types.Sell,
		Qty:           decimal.NewFromInt(1),
		Type:          types.Market,
		TIF:           types.TIFGTC,
	})
	if err != nil {
		t.Fatalf("dry-run SubmitOrder: %v", err)
	}
	if id == "" {
		t.Error("dry-run should return a synthetic broker ID")
	}
	if err := c.CancelOrder(context.Background(), id); err != nil {
		t.Fatalf("dry-run CancelOrder: %v", err)
	}
}

func TestGetAccountDryRunNeedsNoCredentials(t *testing.T) {
	t.Parallel()

	c := NewClient(config.BrokerConfig{RESTBaseURL: "http://unreachable.invalid"}, true, testLogger())
	acct, err := c.GetAccount(context.Background())
	if err != nil {
		t.Fatalf("dry-run GetAccount: %v", err)
	}
	if acct.Equity.IsZero() || !acct.Equity.Equal(acct.BuyingPower) {
		t.Errorf("synthetic paper account = %+v", acct)
	}
}

func TestGetOrderByClientID(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/orders:by_client_order_id" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("client_order_id"); got != "trade-1700000000-4" {
			t.Errorf("client_order_id = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(wireOrder{
			ID:             "broker-456",
			ClientOrderID:  "trade-1700000000-4",
			Symbol:         "BTC/USD",
			Side:           "buy",
			Status:         "filled",
			FilledQty:      decimal.RequireFromString("0.01"),
			FilledAvgPrice: decimal.RequireFromString("64000.5"),
		})
	})

	c := newTestClient(t, handler)
	o, err := c.GetOrderByClientID(context.Background(), "trade-1700000000-4")
	if err != nil {
		t.Fatalf("GetOrderByClientID: %v", err)
	}
	if o.Symbol != "BTCUSD" {
		t.Errorf("symbol = %q, want canonical BTCUSD", o.Symbol)
	}
	if o.State != types.OrderFilled {
		t.Errorf("state = %q, want filled", o.State)
	}
	if !o.FilledAvgPrice.Equal(decimal.RequireFromString("64000.5")) {
		t.Errorf("filled avg price = %s", o.FilledAvgPrice)
	}
}

func TestGetBarsCrypto(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta3/crypto/us/bars" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbols"); got != "BTC/USD" {
			t.Errorf("symbols param = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"bars":{"BTC/USD":[
			{"t":"2026-08-26T14:00:00Z","o":64000,"h":64100,"l":63900,"c":64050,"v":12.5},
			{"t":"2026-08-26T14:01:00Z","o":64050,"h":64200,"l":64000,"c":64150,"v":9.1}
		]}}`))
	})

	c := newTestClient(t, handler)
	candles, err := c.GetBars(context.Background(), "BTCUSD", types.ModeCrypto, "1Min", 100)
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("got %d candles, want 2", len(candles))
	}
	if !candles[0].C.Equal(decimal.NewFromInt(64050)) {
		t.Errorf("first close = %s, want 64050", candles[0].C)
	}
	if !candles[1].T.After(candles[0].T) {
		t.Error("bars should be oldest first")
	}
}

func TestGetBarsEquities(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/stocks/AAPL/bars" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"symbol":"AAPL","bars":[
			{"t":"2026-08-26T14:00:00Z","o":"231.5","h":"232","l":"231","c":"231.8","v":"100400"}
		]}`))
	})

	c := newTestClient(t, handler)
	candles, err := c.GetBars(context.Background(), "AAPL", types.ModeEquities, "1Min", 100)
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if len(candles) != 1 {
		t.Fatalf("got %d candles, want 1", len(candles))
	}
	if !candles[0].C.Equal(decimal.RequireFromString("231.8")) {
		t.Errorf("close = %s, want 231.8", candles[0].C)
	}
}

func TestIsMarketOpen(t *testing.T) {
	t.Parallel()

	calls := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(wireClock{IsOpen: false})
	})

	c := newTestClient(t, handler)

	// Crypto never consults the clock
	open, err := c.IsMarketOpen(context.Background(), types.ModeCrypto)
	if err != nil || !open {
		t.Errorf("crypto market open = (%v, %v), want (true, nil)", open, err)
	}
	if calls != 0 {
		t.Errorf("crypto check hit the clock endpoint %d times", calls)
	}

	open, err = c.IsMarketOpen(context.Background(), types.ModeEquities)
	if err != nil {
		t.Fatalf("IsMarketOpen: %v", err)
	}
	if open {
		t.Error("equities market open = true, want false")
	}
}

func TestListPositionsCanonicalizes(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"symbol":"BTC/USD","qty":"0.05","side":"long","avg_entry_price":"64000","market_value":"3212","unrealized_pl":"12"},
			{"symbol":"AAPL","qty":"10","side":"long","avg_entry_price":"230","market_value":"2318","unrealized_pl":"18"}
		]`))
	})

	c := newTestClient(t, handler)
	positions, err := c.ListPositions(context.Background())
	if err != nil {
		t.Fatalf("ListPositions: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("got %d positions, want 2", len(positions))
	}
	if positions[0].Symbol != "BTCUSD" {
		t.Errorf("symbol = %q, want canonical BTCUSD", positions[0].Symbol)
	}
}

func TestGetAccountPassthrough(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Negative cash must pass through unmodified
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"portfolio_value":"100000","buying_power":"200000","equity":"100000","last_equity":"99500","cash":"-1500.25"}`))
	})

	c := newTestClient(t, handler)
	acct, err := c.GetAccount(context.Background())
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !acct.Cash.Equal(decimal.RequireFromString("-1500.25")) {
		t.Errorf("cash = %s, want -1500.25", acct.Cash)
	}
}
