package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"alpaca-scalper/internal/broker"
	"alpaca-scalper/internal/candles"
	"alpaca-scalper/internal/config"
	"alpaca-scalper/internal/hub"
	"alpaca-scalper/internal/orders"
	"alpaca-scalper/pkg/types"
)

const (
	defaultBarLimit   = 100
	maxBarLimit       = 1000
	defaultTradeLimit = 500
)

// errorPayload is the structured error body every non-2xx response carries.
type errorPayload struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// Handlers holds the facade's collaborators.
type Handlers struct {
	broker   Broker
	book     OrderBook
	loops    map[types.MarketMode]TradingLoop
	store    *candles.Store
	session  MetricsSource
	risk     RiskState
	hub      *hub.Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers builds the handler set. loops maps each enabled market mode
// to its scheduler loop; modes absent from the map are rejected by the
// trading start/stop endpoints.
func NewHandlers(
	cfg config.ServerConfig,
	bk Broker,
	book OrderBook,
	loops map[types.MarketMode]TradingLoop,
	store *candles.Store,
	session MetricsSource,
	rk RiskState,
	h *hub.Hub,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		broker:  bk,
		book:    book,
		loops:   loops,
		store:   store,
		session: session,
		risk:    rk,
		hub:     h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		logger: logger.With("component", "api-handlers"),
	}
}

// originChecker allows everything when no origins are configured.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(o)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return set[strings.ToLower(origin)]
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorPayload{ErrorCode: code, Message: msg})
}

// brokerError maps a gateway error to an HTTP status and error code.
// Recoverable broker failures never surface as 500.
func brokerError(err error) (int, string) {
	var be *broker.Error
	if errors.As(err, &be) {
		switch {
		case broker.IsWaitRequired(err):
			return http.StatusServiceUnavailable, "broker_wait_required"
		case broker.IsAdjustable(err):
			return http.StatusUnprocessableEntity, "order_rejected"
		case broker.IsTransient(err):
			return http.StatusBadGateway, "broker_unavailable"
		default:
			if be.Status >= 400 && be.Status < 500 {
				return be.Status, "broker_rejected"
			}
			return http.StatusBadGateway, "broker_rejected"
		}
	}
	return http.StatusInternalServerError, "internal"
}

func (h *Handlers) brokerFail(w http.ResponseWriter, err error) {
	status, code := brokerError(err)
	h.logger.Warn("broker call failed", "error", err, "status", status)
	writeError(w, status, code, err.Error())
}

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStatus reports per-mode loop enabled flags and the risk guard's
// session state: the daily-loss halt and any quarantined symbols.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	loops := make(map[string]bool, len(h.loops))
	for mode, loop := range h.loops {
		loops[string(mode)] = loop.Enabled()
	}
	quarantined := h.risk.Quarantined()
	if quarantined == nil {
		quarantined = map[string]string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"loops":       loops,
		"halted":      h.risk.Halted(),
		"quarantined": quarantined,
	})
}

// HandleAccount proxies the broker account snapshot.
func (h *Handlers) HandleAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.broker.GetAccount(r.Context())
	if err != nil {
		h.brokerFail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// HandlePositions lists broker positions, optionally filtered by
// market_mode=crypto|stocks.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.broker.ListPositions(r.Context())
	if err != nil {
		h.brokerFail(w, err)
		return
	}

	if raw := r.URL.Query().Get("market_mode"); raw != "" {
		mode, ok := types.ParseMarketMode(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "bad_request", "unknown market_mode "+strconv.Quote(raw))
			return
		}
		filtered := positions[:0]
		for _, p := range positions {
			if broker.LooksCrypto(p.Symbol) == (mode == types.ModeCrypto) {
				filtered = append(filtered, p)
			}
		}
		positions = filtered
	}
	if positions == nil {
		positions = []types.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// HandleListOrders returns the order registry. status=open (default)
// hides terminal orders; status=all returns everything still retained.
func (h *Handlers) HandleListOrders(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", "open", "all":
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "status must be open or all")
		return
	}
	list := h.book.Orders(status != "all")
	if list == nil {
		list = []types.Order{}
	}
	writeJSON(w, http.StatusOK, list)
}

// manualOrderBody is the POST /api/orders request body.
type manualOrderBody struct {
	Symbol     string           `json:"symbol"`
	Side       string           `json:"side"`
	Qty        decimal.Decimal  `json:"qty"`
	Type       string           `json:"type"`
	TIF        string           `json:"tif"`
	LimitPrice *decimal.Decimal `json:"limit_price"`
	MarketMode string           `json:"market_mode"`
}

// HandleSubmitOrder places an operator-specified order through the order
// manager, so it shares dedup and lifecycle tracking with strategy orders.
func (h *Handlers) HandleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var body manualOrderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return
	}
	if body.Symbol == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "symbol is required")
		return
	}
	side := types.Side(strings.ToLower(body.Side))
	if side != types.Buy && side != types.Sell {
		writeError(w, http.StatusBadRequest, "bad_request", "side must be buy or sell")
		return
	}
	mode, ok := types.ParseMarketMode(body.MarketMode)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "market_mode must be crypto or stocks")
		return
	}
	if body.Qty.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "qty must be positive")
		return
	}
	if body.Type == string(types.Limit) && body.LimitPrice == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "limit orders require limit_price")
		return
	}

	res := h.book.SubmitManual(r.Context(), orders.ManualRequest{
		Symbol:     body.Symbol,
		Mode:       mode,
		Side:       side,
		Qty:        body.Qty,
		Type:       types.OrderType(strings.ToLower(body.Type)),
		TIF:        types.TimeInForce(strings.ToLower(body.TIF)),
		LimitPrice: body.LimitPrice,
	})

	switch res.Status {
	case orders.StatusSubmitted:
		writeJSON(w, http.StatusOK, res.Order)
	case orders.StatusDedupRejected:
		writeError(w, http.StatusConflict, "duplicate_order", res.Reason)
	case orders.StatusSkipped:
		writeError(w, http.StatusUnprocessableEntity, "order_skipped", res.Reason)
	default:
		if res.Err != nil {
			h.brokerFail(w, res.Err)
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "order_rejected", res.Reason)
	}
}

// HandleCancelOrder cancels a tracked order by client order ID.
func (h *Handlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.book.Get(id); !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown order "+strconv.Quote(id))
		return
	}
	if err := h.book.Cancel(r.Context(), id); err != nil {
		h.brokerFail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleBars fetches historical candles from the broker. The symbol path
// segment accepts both canonical and broker spellings ("BTCUSD" and
// "BTC/USD").
func (h *Handlers) HandleBars(w http.ResponseWriter, r *http.Request) {
	symbol := types.CanonicalSymbol(r.PathValue("symbol"))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "symbol is required")
		return
	}

	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = "1Min"
	}
	limit := defaultBarLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxBarLimit)
	}

	mode := types.ModeEquities
	if broker.LooksCrypto(symbol) {
		mode = types.ModeCrypto
	}
	if raw := r.URL.Query().Get("market_mode"); raw != "" {
		m, ok := types.ParseMarketMode(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "bad_request", "unknown market_mode "+strconv.Quote(raw))
			return
		}
		mode = m
	}

	bars, err := h.broker.GetBars(r.Context(), symbol, mode, timeframe, limit)
	if err != nil {
		h.brokerFail(w, err)
		return
	}
	if bars == nil {
		bars = []types.Candle{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bars":        bars,
		"count":       len(bars),
		"data_source": "broker",
	})
}

// HandleSignals returns the most recent strategy evaluation for a symbol
// plus the latest buffered close.
func (h *Handlers) HandleSignals(w http.ResponseWriter, r *http.Request) {
	symbol := types.CanonicalSymbol(r.PathValue("symbol"))

	var (
		sig   types.Signal
		found bool
	)
	for _, loop := range h.loops {
		if s, ok := loop.LastSignal(symbol); ok {
			// Each symbol belongs to exactly one watchlist.
			sig, found = s, true
			break
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "no signal evaluated yet for "+symbol)
		return
	}

	payload := map[string]interface{}{
		"symbol":   symbol,
		"signal":   sig.Side,
		"strength": sig.Strength,
		"reason":   sig.Reason,
		"ts":       sig.TS,
	}
	if buf := h.store.Get(symbol); buf != nil {
		if price, ok := buf.LatestClose(); ok {
			payload["price"] = price
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

// HandleTradeLog returns the session trade ring plus the metrics snapshot.
func (h *Handlers) HandleTradeLog(w http.ResponseWriter, r *http.Request) {
	limit := defaultTradeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	trades := h.hub.RecentTrades(limit)
	if trades == nil {
		trades = []types.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trades":  trades,
		"metrics": h.session.Snapshot(),
	})
}

// HandleTradingStart enables the requested mode's loop.
func (h *Handlers) HandleTradingStart(w http.ResponseWriter, r *http.Request) {
	h.setTrading(w, r, true)
}

// HandleTradingStop disables the requested mode's loop.
func (h *Handlers) HandleTradingStop(w http.ResponseWriter, r *http.Request) {
	h.setTrading(w, r, false)
}

func (h *Handlers) setTrading(w http.ResponseWriter, r *http.Request, on bool) {
	raw := r.URL.Query().Get("mode")
	mode, ok := types.ParseMarketMode(raw)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "mode must be crypto or stocks")
		return
	}
	loop, ok := h.loops[mode]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "mode "+string(mode)+" is not enabled")
		return
	}
	loop.SetEnabled(on)
	h.logger.Info("trading toggled via api", "mode", mode, "enabled", on)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleWebSocket upgrades the connection and attaches it to the hub.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	h.hub.Attach(conn)
}
