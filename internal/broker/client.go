// Package broker implements the gateway to the upstream Alpaca-style broker:
// a REST client for orders, positions, account, and bar history, plus the
// market-data and trade-updates WebSocket feeds.
//
// Contracts enforced here and nowhere else:
//   - All symbols cross this boundary in canonical form; translation to the
//     broker's spelling happens per market mode (symbols.go).
//   - Idempotent GETs retry up to max_retries_transient times with
//     exponential backoff. Order submission is never retried on timeout;
//     the order manager reconciles by client order ID instead.
//   - Every outbound call waits on the shared leaky-bucket limiter.
//   - Failures come back as *Error with a recovery Class (errors.go);
//     no raw HTTP status escapes this package.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"alpaca-scalper/internal/config"
	"alpaca-scalper/pkg/types"
)

const (
	retryBaseWait = 250 * time.Millisecond
	retryMaxWait  = 4 * time.Second
)

// OrderRequest is the gateway-level order submission. Symbol is canonical;
// Qty is already sized and rounded by the order manager.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Mode          types.MarketMode
	Side          types.Side
	Qty           decimal.Decimal
	Type          types.OrderType
	TIF           types.TimeInForce
	LimitPrice    *decimal.Decimal
}

// Client is the broker REST gateway.
type Client struct {
	api    *resty.Client // trading API, idempotent GETs, retried
	data   *resty.Client // market-data API (bars), retried
	mut    *resty.Client // order submission/cancel, never retried
	rl     *TokenBucket  // shared request budget
	dryRun bool
	logger *slog.Logger
}

// NewClient creates the REST gateway.
func NewClient(cfg config.BrokerConfig, dryRun bool, logger *slog.Logger) *Client {
	retrying := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(base).
			SetTimeout(cfg.Timeout).
			SetRetryCount(cfg.MaxRetriesGET).
			SetRetryWaitTime(retryBaseWait).
			SetRetryMaxWaitTime(retryMaxWait).
			SetRetryAfter(func(c *resty.Client, r *resty.Response) (time.Duration, error) {
				// Exponential backoff with ±20% jitter
				wait := retryBaseWait << r.Request.Attempt
				if wait > retryMaxWait {
					wait = retryMaxWait
				}
				jitter := time.Duration(float64(wait) * 0.2 * (rand.Float64()*2 - 1))
				return wait + jitter, nil
			}).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
			}).
			SetHeader("APCA-API-KEY-ID", cfg.APIKey).
			SetHeader("APCA-API-SECRET-KEY", cfg.APISecret).
			SetHeader("Content-Type", "application/json")
	}

	dataBase := cfg.DataBaseURL
	if dataBase == "" {
		dataBase = cfg.RESTBaseURL
	}

	mut := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("APCA-API-KEY-ID", cfg.APIKey).
		SetHeader("APCA-API-SECRET-KEY", cfg.APISecret).
		SetHeader("Content-Type", "application/json")

	return &Client{
		api:    retrying(cfg.RESTBaseURL),
		data:   retrying(dataBase),
		mut:    mut,
		rl:     NewRequestLimiter(cfg.RateLimitRPM),
		dryRun: dryRun,
		logger: logger.With("component", "broker"),
	}
}

// SubmitOrder places an order and returns the broker-assigned order ID.
// Not retried: on a transient failure the caller reconciles via
// GetOrderByClientID rather than risking a duplicate submission.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would submit order",
			"symbol", req.Symbol, "side", req.Side, "qty", req.Qty)
		return "dry-run-" + req.ClientOrderID, nil
	}
	if err := c.rl.Wait(ctx); err != nil {
		return "", err
	}

	body := wireOrderRequest{
		Symbol:        BrokerSymbol(req.Symbol, req.Mode),
		Qty:           req.Qty.String(),
		Side:          string(req.Side),
		Type:          string(req.Type),
		TimeInForce:   string(req.TIF),
		ClientOrderID: req.ClientOrderID,
	}
	if req.LimitPrice != nil {
		body.LimitPrice = req.LimitPrice.String()
	}

	var result wireOrder
	resp, err := c.mut.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/v2/orders")
	if err != nil {
		return "", netError("submit_order", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return "", classify("submit_order", resp.StatusCode(), resp.String())
	}
	return result.ID, nil
}

// CancelOrder cancels an order by broker ID.
func (c *Client) CancelOrder(ctx context.Context, brokerID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "broker_id", brokerID)
		return nil
	}
	if err := c.rl.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.mut.R().
		SetContext(ctx).
		Delete("/v2/orders/" + brokerID)
	if err != nil {
		return netError("cancel_order", err)
	}
	if resp.StatusCode() != http.StatusNoContent && resp.StatusCode() != http.StatusOK {
		return classify("cancel_order", resp.StatusCode(), resp.String())
	}
	return nil
}

// GetOrderByClientID fetches an order by its client-assigned ID. Used to
// reconcile submissions whose response was lost to a timeout.
func (c *Client) GetOrderByClientID(ctx context.Context, clientOrderID string) (*types.Order, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	var result wireOrder
	resp, err := c.api.R().
		SetContext(ctx).
		SetQueryParam("client_order_id", clientOrderID).
		SetResult(&result).
		Get("/v2/orders:by_client_order_id")
	if err != nil {
		return nil, netError("get_order", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classify("get_order", resp.StatusCode(), resp.String())
	}
	o := orderFromWire(result)
	return &o, nil
}

// ListOrders returns orders, optionally filtered to open ones.
func (c *Client) ListOrders(ctx context.Context, openOnly bool) ([]types.Order, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	status := "all"
	if openOnly {
		status = "open"
	}

	var result []wireOrder
	resp, err := c.api.R().
		SetContext(ctx).
		SetQueryParam("status", status).
		SetResult(&result).
		Get("/v2/orders")
	if err != nil {
		return nil, netError("list_orders", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classify("list_orders", resp.StatusCode(), resp.String())
	}

	orders := make([]types.Order, len(result))
	for i, w := range result {
		orders[i] = orderFromWire(w)
	}
	return orders, nil
}

// dryRunEquity is the synthetic paper balance reported in dry-run, where
// there is no account to query.
var dryRunEquity = decimal.RequireFromString("100000")

// GetAccount fetches the account snapshot. Figures are passed through
// exactly as the broker reports them. Dry-run sessions get a synthetic
// paper account without touching the network, so the bot runs without
// credentials.
func (c *Client) GetAccount(ctx context.Context) (*types.Account, error) {
	if c.dryRun {
		return &types.Account{
			PortfolioValue: dryRunEquity,
			BuyingPower:    dryRunEquity,
			Equity:         dryRunEquity,
			LastEquity:     dryRunEquity,
			Cash:           dryRunEquity,
		}, nil
	}
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	var result wireAccount
	resp, err := c.api.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/v2/account")
	if err != nil {
		return nil, netError("get_account", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classify("get_account", resp.StatusCode(), resp.String())
	}

	return &types.Account{
		PortfolioValue: result.PortfolioValue,
		BuyingPower:    result.BuyingPower,
		Equity:         result.Equity,
		LastEquity:     result.LastEquity,
		Cash:           result.Cash,
	}, nil
}

// ListPositions fetches all open broker-side positions, symbols canonicalized.
func (c *Client) ListPositions(ctx context.Context) ([]types.Position, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	var result []wirePosition
	resp, err := c.api.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/v2/positions")
	if err != nil {
		return nil, netError("list_positions", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classify("list_positions", resp.StatusCode(), resp.String())
	}

	positions := make([]types.Position, len(result))
	for i, w := range result {
		positions[i] = types.Position{
			Symbol:        CanonicalFromBroker(w.Symbol),
			Qty:           w.Qty,
			Side:          w.Side,
			AvgEntryPrice: w.AvgEntryPrice,
			MarketValue:   w.MarketValue,
			UnrealizedPL:  w.UnrealizedPL,
		}
	}
	return positions, nil
}

// GetBars fetches up to limit historical bars for a symbol, oldest first.
// Used to seed candle buffers on startup and to serve /api/bars.
func (c *Client) GetBars(ctx context.Context, symbol string, mode types.MarketMode, timeframe string, limit int) ([]types.Candle, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	brokerSym := BrokerSymbol(symbol, mode)

	if mode == types.ModeCrypto {
		var result wireCryptoBars
		resp, err := c.data.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"symbols":   brokerSym,
				"timeframe": timeframe,
				"limit":     fmt.Sprintf("%d", limit),
			}).
			SetResult(&result).
			Get("/v1beta3/crypto/us/bars")
		if err != nil {
			return nil, netError("get_bars", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, classify("get_bars", resp.StatusCode(), resp.String())
		}
		bars := result.Bars[brokerSym]
		candles := make([]types.Candle, len(bars))
		for i, b := range bars {
			candles[i] = b.candle()
		}
		return candles, nil
	}

	var result wireStockBars
	resp, err := c.data.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"timeframe": timeframe,
			"limit":     fmt.Sprintf("%d", limit),
		}).
		SetResult(&result).
		Get("/v2/stocks/" + brokerSym + "/bars")
	if err != nil {
		return nil, netError("get_bars", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classify("get_bars", resp.StatusCode(), resp.String())
	}
	candles := make([]types.Candle, len(result.Bars))
	for i, b := range result.Bars {
		candles[i] = b.candle()
	}
	return candles, nil
}

// GetAsset fetches the broker's description of an instrument, including
// the minimum order size crypto quantities must clamp to.
func (c *Client) GetAsset(ctx context.Context, symbol string, mode types.MarketMode) (*types.Asset, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	var result wireAsset
	resp, err := c.api.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/v2/assets/" + BrokerSymbol(symbol, mode))
	if err != nil {
		return nil, netError("get_asset", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classify("get_asset", resp.StatusCode(), resp.String())
	}

	return &types.Asset{
		Symbol:            CanonicalFromBroker(result.Symbol),
		Tradable:          result.Tradable,
		Fractionable:      result.Fractionable,
		MinOrderSize:      result.MinOrderSize,
		MinTradeIncrement: result.MinTradeIncrement,
	}, nil
}

// IsMarketOpen reports whether the market for a mode is currently open.
// Crypto trades around the clock; equities consult the broker clock.
func (c *Client) IsMarketOpen(ctx context.Context, mode types.MarketMode) (bool, error) {
	if mode == types.ModeCrypto {
		return true, nil
	}
	if err := c.rl.Wait(ctx); err != nil {
		return false, err
	}

	var result wireClock
	resp, err := c.api.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/v2/clock")
	if err != nil {
		return false, netError("get_clock", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return false, classify("get_clock", resp.StatusCode(), resp.String())
	}
	return result.IsOpen, nil
}

// orderFromWire converts a broker order to the internal representation.
func orderFromWire(w wireOrder) types.Order {
	o := types.Order{
		ID:             w.ClientOrderID,
		BrokerID:       w.ID,
		Symbol:         CanonicalFromBroker(w.Symbol),
		Side:           types.Side(w.Side),
		Qty:            w.Qty,
		Type:           types.OrderType(w.Type),
		TIF:            types.TimeInForce(w.TimeInForce),
		State:          stateFromBroker(w.Status),
		SubmittedAt:    w.SubmittedAt,
		FilledQty:      w.FilledQty,
		FilledAvgPrice: w.FilledAvgPrice,
	}
	if !w.LimitPrice.IsZero() {
		lp := w.LimitPrice
		o.LimitPrice = &lp
	}
	return o
}

// stateFromBroker maps broker status strings onto the internal state machine.
func stateFromBroker(status string) types.OrderState {
	switch status {
	case "new", "accepted", "pending_replace", "replaced":
		return types.OrderAccepted
	case "pending_new":
		return types.OrderPendingNew
	case "partially_filled":
		return types.OrderPartiallyFilled
	case "filled":
		return types.OrderFilled
	case "canceled", "pending_cancel", "done_for_day", "stopped":
		return types.OrderCancelled
	case "rejected", "suspended":
		return types.OrderRejected
	case "expired":
		return types.OrderExpired
	default:
		return types.OrderAccepted
	}
}
