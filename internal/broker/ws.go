// ws.go implements the real-time WebSocket feeds from the broker.
//
// Two independent feeds run concurrently:
//
//   - MarketFeed (one per market mode): authenticates, subscribes to bars
//     (and optionally trades/quotes) for a watchlist, and emits normalized
//     MarketEvents. Stocks and crypto use separate endpoints with the same
//     tagged-union frame format.
//
//   - TradingFeed: listens on the trade_updates stream and emits order
//     lifecycle events keyed by client order ID.
//
// Both feeds auto-reconnect with exponential backoff (1s → 30s max) and
// re-subscribe to all tracked symbols on reconnection. A read deadline
// (90s) ensures silent server failures are detected.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"alpaca-scalper/internal/metrics"
	"alpaca-scalper/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	eventBufferSize  = 256
)

// MarketFeed manages one market-data WebSocket connection. Symbols are
// tracked in canonical form and translated to the broker spelling for the
// mode when subscribing.
type MarketFeed struct {
	url       string
	mode      types.MarketMode
	apiKey    string
	apiSecret string

	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // canonical symbols

	events chan types.MarketEvent

	logger *slog.Logger
}

// NewMarketFeed creates a market-data feed for one market mode.
func NewMarketFeed(wsURL string, mode types.MarketMode, apiKey, apiSecret string, logger *slog.Logger) *MarketFeed {
	return &MarketFeed{
		url:        wsURL,
		mode:       mode,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		subscribed: make(map[string]bool),
		events:     make(chan types.MarketEvent, eventBufferSize),
		logger:     logger.With("component", "ws_market", "mode", mode),
	}
}

// Events returns the read-only stream of normalized market events.
func (f *MarketFeed) Events() <-chan types.MarketEvent { return f.events }

// Run connects and maintains the connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *MarketFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)
		metrics.IncWSReconnect("market_" + string(f.mode))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds canonical symbols to the bar subscription. Safe to call
// before Run; the initial subscription covers everything tracked so far.
func (f *MarketFeed) Subscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		f.subscribed[types.CanonicalSymbol(s)] = true
	}
	f.subscribedMu.Unlock()

	f.connMu.Lock()
	connected := f.conn != nil
	f.connMu.Unlock()
	if !connected {
		return nil
	}
	return f.writeJSON(wsSubscribeMsg{
		Action: "subscribe",
		Bars:   f.brokerSymbols(symbols),
		Trades: f.brokerSymbols(symbols),
	})
}

// Unsubscribe removes symbols from the tracked set.
func (f *MarketFeed) Unsubscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		delete(f.subscribed, types.CanonicalSymbol(s))
	}
	f.subscribedMu.Unlock()

	f.connMu.Lock()
	connected := f.conn != nil
	f.connMu.Unlock()
	if !connected {
		return nil
	}
	return f.writeJSON(wsSubscribeMsg{
		Action: "unsubscribe",
		Bars:   f.brokerSymbols(symbols),
		Trades: f.brokerSymbols(symbols),
	})
}

// Close gracefully closes the connection.
func (f *MarketFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *MarketFeed) brokerSymbols(canonical []string) []string {
	out := make([]string, len(canonical))
	for i, s := range canonical {
		out[i] = BrokerSymbol(types.CanonicalSymbol(s), f.mode)
	}
	return out
}

func (f *MarketFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.writeJSON(wsAuthMsg{Action: "auth", Key: f.apiKey, Secret: f.apiSecret}); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go pingLoop(pingCtx, f.logger, f.writePing)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchFrame(msg)
	}
}

func (f *MarketFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subscribedMu.RUnlock()

	if len(symbols) == 0 {
		return nil
	}
	return f.writeJSON(wsSubscribeMsg{
		Action: "subscribe",
		Bars:   f.brokerSymbols(symbols),
		Trades: f.brokerSymbols(symbols),
	})
}

// dispatchFrame parses one frame. Frames are JSON arrays of tagged
// messages; the "T" field selects the payload type.
func (f *MarketFeed) dispatchFrame(data []byte) {
	var msgs []wsDataMsg
	if err := json.Unmarshal(data, &msgs); err != nil {
		// Control messages occasionally arrive as a single object
		var one wsDataMsg
		if err := json.Unmarshal(data, &one); err != nil {
			f.logger.Debug("ignoring unparseable ws message", "data", string(data))
			return
		}
		msgs = []wsDataMsg{one}
	}

	for _, m := range msgs {
		f.dispatchMsg(m)
	}
}

func (f *MarketFeed) dispatchMsg(m wsDataMsg) {
	switch m.Type {
	case "b":
		evt := types.MarketEvent{
			Kind:   types.EventBar,
			Symbol: types.CanonicalSymbol(m.Symbol),
			Bar: &types.Candle{
				T: m.TS, O: m.O, H: m.H, L: m.L, C: m.C, V: m.V,
			},
		}
		f.emit(evt)

	case "t":
		evt := types.MarketEvent{
			Kind:   types.EventTrade,
			Symbol: types.CanonicalSymbol(m.Symbol),
			Trade: &types.TradeTick{
				Price: m.Price, Size: m.Size, TS: m.TS,
			},
		}
		f.emit(evt)

	case "q":
		evt := types.MarketEvent{
			Kind:   types.EventQuote,
			Symbol: types.CanonicalSymbol(m.Symbol),
			Quote: &types.QuoteTick{
				BidPrice: m.Bid, AskPrice: m.Ask, TS: m.TS,
			},
		}
		f.emit(evt)

	case "success", "subscription":
		f.logger.Debug("ws control message", "type", m.Type, "msg", m.Msg)

	case "error":
		f.logger.Error("ws error message", "code", m.Code, "msg", m.Msg)

	default:
		f.logger.Debug("unknown ws message type", "type", m.Type)
	}
}

// emit pushes an event non-blocking. A full buffer means the consumer is
// stalled; dropping a tick is preferable to stalling the read loop.
func (f *MarketFeed) emit(evt types.MarketEvent) {
	select {
	case f.events <- evt:
	default:
		f.logger.Warn("event channel full, dropping event",
			"kind", evt.Kind, "symbol", evt.Symbol)
	}
}

func (f *MarketFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *MarketFeed) writePing() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(websocket.PingMessage, nil)
}

// TradingFeed manages the authenticated order-update stream.
type TradingFeed struct {
	url       string
	apiKey    string
	apiSecret string

	conn   *websocket.Conn
	connMu sync.Mutex

	updates chan types.OrderUpdate

	logger *slog.Logger
}

// NewTradingFeed creates the trade_updates feed.
func NewTradingFeed(wsURL, apiKey, apiSecret string, logger *slog.Logger) *TradingFeed {
	return &TradingFeed{
		url:       wsURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		updates:   make(chan types.OrderUpdate, eventBufferSize),
		logger:    logger.With("component", "ws_trading"),
	}
}

// Updates returns the read-only stream of order lifecycle events.
func (f *TradingFeed) Updates() <-chan types.OrderUpdate { return f.updates }

// Run connects and maintains the connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *TradingFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)
		metrics.IncWSReconnect("trading")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *TradingFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *TradingFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.writeJSON(wsAuthMsg{Action: "auth", Key: f.apiKey, Secret: f.apiSecret}); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := f.writeJSON(wsListenMsg{
		Action: "listen",
		Data:   wsListenTarget{Streams: []string{"trade_updates"}},
	}); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	f.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go pingLoop(pingCtx, f.logger, f.writePing)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchFrame(msg)
	}
}

func (f *TradingFeed) dispatchFrame(data []byte) {
	var frame wsTradingFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		f.logger.Debug("ignoring unparseable ws message", "data", string(data))
		return
	}
	if frame.Stream != "trade_updates" {
		f.logger.Debug("ignoring stream", "stream", frame.Stream)
		return
	}

	u := frame.Data
	update := types.OrderUpdate{
		ClientOrderID:  u.Order.ClientOrderID,
		BrokerOrderID:  u.Order.ID,
		Symbol:         CanonicalFromBroker(u.Order.Symbol),
		Side:           types.Side(u.Order.Side),
		Event:          u.Event,
		FilledQty:      u.Order.FilledQty,
		FilledAvgPrice: u.Order.FilledAvgPrice,
		TS:             u.Timestamp,
	}

	select {
	case f.updates <- update:
	default:
		f.logger.Warn("order update channel full, dropping event",
			"client_order_id", update.ClientOrderID, "event", update.Event)
	}
}

func (f *TradingFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *TradingFeed) writePing() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(websocket.PingMessage, nil)
}

func pingLoop(ctx context.Context, logger *slog.Logger, write func() error) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := write(); err != nil {
				logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}
