// prometheus.go exposes the bot's operational counters in Prometheus text
// format, served at /metrics by the API server.
//
//   - scalper_signals_total{mode,side}   signals at or above threshold
//   - scalper_orders_total{mode,side,status} submission outcomes
//   - scalper_trades_total{result}       closing trades by win|loss|flat
//   - scalper_realized_pnl_usd           running realized P&L (gauge)
//   - scalper_open_positions             currently tracked positions
//   - scalper_ws_reconnects_total{feed}  upstream feed reconnections
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	signalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalper_signals_total",
			Help: "Actionable signals produced by the evaluator",
		},
		[]string{"mode", "side"},
	)

	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalper_orders_total",
			Help: "Order submission attempts by outcome",
		},
		[]string{"mode", "side", "status"},
	)

	tradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalper_trades_total",
			Help: "Closing trades by result (win|loss|flat)",
		},
		[]string{"result"},
	)

	realizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scalper_realized_pnl_usd",
			Help: "Session realized P&L in USD",
		},
	)

	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scalper_open_positions",
			Help: "Positions currently held or pending",
		},
	)

	wsReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalper_ws_reconnects_total",
			Help: "Upstream WebSocket reconnections by feed",
		},
		[]string{"feed"},
	)
)

func init() {
	prometheus.MustRegister(signalsTotal, ordersTotal, tradesTotal)
	prometheus.MustRegister(realizedPnL, openPositions, wsReconnects)
}

func IncSignal(mode, side string)        { signalsTotal.WithLabelValues(mode, side).Inc() }
func IncOrder(mode, side, status string) { ordersTotal.WithLabelValues(mode, side, status).Inc() }
func IncTrade(result string)             { tradesTotal.WithLabelValues(result).Inc() }
func SetRealizedPnL(v float64)           { realizedPnL.Set(v) }
func SetOpenPositions(n int)             { openPositions.Set(float64(n)) }
func IncWSReconnect(feed string)         { wsReconnects.WithLabelValues(feed).Inc() }
