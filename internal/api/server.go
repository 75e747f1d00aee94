// Package api serves the client-facing REST surface, the /ws/trading
// event stream, and the Prometheus scrape endpoint. It is a thin facade:
// every handler delegates to the broker client, the order manager, the
// scheduler loops, or the event hub, and translates their errors into
// structured JSON payloads.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"alpaca-scalper/internal/config"
	"alpaca-scalper/internal/orders"
	"alpaca-scalper/pkg/types"
)

// Server runs the HTTP/WebSocket API.
type Server struct {
	cfg      config.ServerConfig
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the route table and the underlying http.Server.
func NewServer(cfg config.ServerConfig, h *Handlers, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /api/status", h.HandleStatus)
	mux.HandleFunc("GET /api/account", h.HandleAccount)
	mux.HandleFunc("GET /api/positions", h.HandlePositions)
	mux.HandleFunc("GET /api/orders", h.HandleListOrders)
	mux.HandleFunc("POST /api/orders", h.HandleSubmitOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", h.HandleCancelOrder)
	mux.HandleFunc("GET /api/bars/{symbol...}", h.HandleBars)
	mux.HandleFunc("GET /api/signals/{symbol...}", h.HandleSignals)
	mux.HandleFunc("GET /api/trade-log", h.HandleTradeLog)
	mux.HandleFunc("POST /api/trading/start", h.HandleTradingStart)
	mux.HandleFunc("POST /api/trading/stop", h.HandleTradingStop)
	mux.HandleFunc("GET /ws/trading", h.HandleWebSocket)
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: h,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start blocks serving requests until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop drains in-flight requests with a bounded grace period.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Broker is the gateway surface the read-side handlers need. Implemented
// by *broker.Client.
type Broker interface {
	GetAccount(ctx context.Context) (*types.Account, error)
	ListPositions(ctx context.Context) ([]types.Position, error)
	GetBars(ctx context.Context, symbol string, mode types.MarketMode, timeframe string, limit int) ([]types.Candle, error)
}

// OrderBook is the order-manager surface for the order endpoints.
type OrderBook interface {
	Orders(openOnly bool) []types.Order
	Get(clientOrderID string) (types.Order, bool)
	SubmitManual(ctx context.Context, req orders.ManualRequest) orders.Result
	Cancel(ctx context.Context, clientOrderID string) error
}

// TradingLoop is one scheduler loop as seen by the start/stop and signal
// endpoints.
type TradingLoop interface {
	SetEnabled(on bool)
	Enabled() bool
	LastSignal(symbol string) (types.Signal, bool)
}

// MetricsSource provides the session metrics snapshot.
type MetricsSource interface {
	Snapshot() types.MetricsSnapshot
}

// RiskState exposes the risk guard's session flags to the status
// endpoint. Implemented by *risk.Guard.
type RiskState interface {
	Halted() bool
	Quarantined() map[string]string
}
