// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the platform — market modes,
// candles, signals, orders, trade records, and the normalized market-data
// events emitted by the broker gateway. It has no dependencies on internal
// packages, so it can be imported by any layer. Symbols appearing here are
// always in canonical form (separators stripped, e.g. "BTCUSD"); only the
// broker gateway knows broker-specific spellings.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MarketMode selects between the two trading universes. It determines the
// scheduler tick interval, quantity representation (fractional vs integer
// shares), default time-in-force, and whether trading hours are enforced.
type MarketMode string

const (
	ModeEquities MarketMode = "stocks"
	ModeCrypto   MarketMode = "crypto"
)

// ParseMarketMode maps the external spelling ("crypto" or "stocks") to a
// MarketMode. Unknown values return false.
func ParseMarketMode(s string) (MarketMode, bool) {
	switch strings.ToLower(s) {
	case "crypto":
		return ModeCrypto, true
	case "stocks", "equities":
		return ModeEquities, true
	}
	return "", false
}

// Fractional reports whether quantities in this mode may be fractional.
func (m MarketMode) Fractional() bool { return m == ModeCrypto }

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// TimeInForce enumerates the supported order lifetimes.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
)

// OrderState is the order lifecycle state machine:
//
//	New → PendingNew → Accepted → (PartiallyFilled)* → Filled
//	                                                 | Cancelled | Rejected | Expired
type OrderState string

const (
	OrderNew             OrderState = "new"
	OrderPendingNew      OrderState = "pending_new"
	OrderAccepted        OrderState = "accepted"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCancelled       OrderState = "canceled"
	OrderRejected        OrderState = "rejected"
	OrderExpired         OrderState = "expired"
)

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// Candle is one aggregated OHLCV bar. Immutable once appended to a buffer.
// Prices and volume are decimal to avoid cumulative float drift in P&L.
type Candle struct {
	T time.Time       `json:"t"`
	O decimal.Decimal `json:"o"`
	H decimal.Decimal `json:"h"`
	L decimal.Decimal `json:"l"`
	C decimal.Decimal `json:"c"`
	V decimal.Decimal `json:"v"`
}

// SignalSide is the action a strategy recommends.
type SignalSide string

const (
	SignalBuy  SignalSide = "buy"
	SignalSell SignalSide = "sell"
	SignalHold SignalSide = "hold"
)

// Signal is the output of a strategy evaluation. Strength is in [0, 1];
// the scheduler only acts on signals at or above its configured threshold.
type Signal struct {
	Symbol   string     `json:"symbol"`
	Side     SignalSide `json:"signal"`
	Strength float64    `json:"strength"`
	Reason   string     `json:"reason"`
	TS       time.Time  `json:"ts"`
}

// Order is the internal order representation. ID is the client-assigned
// order ID (unique for the process lifetime); BrokerID is assigned by the
// broker on acceptance. FilledAvgPrice/FilledQty are populated from
// order-update events.
type Order struct {
	ID             string           `json:"id"`
	BrokerID       string           `json:"broker_id,omitempty"`
	Symbol         string           `json:"symbol"`
	Mode           MarketMode       `json:"market_mode"`
	Side           Side             `json:"side"`
	Qty            decimal.Decimal  `json:"qty"`
	Type           OrderType        `json:"type"`
	TIF            TimeInForce      `json:"tif"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	State          OrderState       `json:"state"`
	SubmittedAt    time.Time        `json:"submitted_at"`
	FilledAvgPrice decimal.Decimal  `json:"filled_avg_price,omitempty"`
	FilledQty      decimal.Decimal  `json:"filled_qty,omitempty"`
	Reason         string           `json:"reason,omitempty"`
}

// TradeState is the per-symbol position lifecycle.
type TradeState string

const (
	StateIdle         TradeState = "idle"
	StateEntryPending TradeState = "entry_pending"
	StateHeld         TradeState = "held"
	StateExitPending  TradeState = "exit_pending"
)

// TradeRecord is the immutable audit record emitted for every fill the
// position tracker processes. RealizedPnL is set only on fills that reduce
// an existing position.
type TradeRecord struct {
	ID             string           `json:"id"`
	Symbol         string           `json:"symbol"`
	Side           Side             `json:"side"`
	Qty            decimal.Decimal  `json:"qty"`
	Price          decimal.Decimal  `json:"price"`
	Value          decimal.Decimal  `json:"value"`
	TS             time.Time        `json:"ts"`
	RealizedPnL    *decimal.Decimal `json:"realized_pnl,omitempty"`
	RealizedPnLPct *decimal.Decimal `json:"realized_pnl_pct,omitempty"`
	Status         string           `json:"status"`
}

// Closing reports whether this record realized P&L.
func (t TradeRecord) Closing() bool { return t.RealizedPnL != nil }

// PositionSnapshot is a read-only view of one symbol's tracked position.
type PositionSnapshot struct {
	Symbol       string           `json:"symbol"`
	State        TradeState       `json:"trade_state"`
	EntryPrice   *decimal.Decimal `json:"entry_price,omitempty"`
	EntryQty     *decimal.Decimal `json:"entry_qty,omitempty"`
	LastActionTS time.Time        `json:"last_action_ts"`
}

// MetricsSnapshot is an immutable view of session-lifetime running totals.
// TotalPnL equals the sum of realized P&L across all closing trades since
// SessionStart.
type MetricsSnapshot struct {
	SessionStart      time.Time       `json:"session_start"`
	TotalPnL          decimal.Decimal `json:"total_pnl"`
	Wins              int             `json:"wins"`
	Losses            int             `json:"losses"`
	CurrentStreak     int             `json:"current_streak"`
	BestStreak        int             `json:"best_streak"`
	TradesCount       int             `json:"trades_count"`
	TradesPerHourEWMA float64         `json:"trades_per_hour_ewma"`
}

// Account is the normalized broker account snapshot. Values are surfaced
// exactly as the broker reports them (including negative cash in paper
// trading); no reconciliation is attempted here.
type Account struct {
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	BuyingPower    decimal.Decimal `json:"buying_power"`
	Equity         decimal.Decimal `json:"equity"`
	LastEquity     decimal.Decimal `json:"last_equity"`
	Cash           decimal.Decimal `json:"cash"`
}

// Position is the normalized broker-side open position.
type Position struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	Side          string          `json:"side"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPL  decimal.Decimal `json:"unrealized_pl"`
}

// Asset describes a tradeable instrument as advertised by the broker.
// MinOrderSize and MinTradeIncrement gate crypto quantity computation.
type Asset struct {
	Symbol            string          `json:"symbol"`
	Tradable          bool            `json:"tradable"`
	Fractionable      bool            `json:"fractionable"`
	MinOrderSize      decimal.Decimal `json:"min_order_size"`
	MinTradeIncrement decimal.Decimal `json:"min_trade_increment"`
}

// MarketEvent is the normalized event stream produced by the gateway's
// market-data and trade-updates feeds. Exactly one of the pointer fields
// is non-nil, matching Kind.
type MarketEvent struct {
	Kind        EventKind
	Symbol      string
	Bar         *Candle
	Trade       *TradeTick
	Quote       *QuoteTick
	OrderUpdate *OrderUpdate
}

// EventKind discriminates MarketEvent payloads.
type EventKind string

const (
	EventBar         EventKind = "bar"
	EventTrade       EventKind = "trade"
	EventQuote       EventKind = "quote"
	EventOrderUpdate EventKind = "order_update"
)

// TradeTick is a single upstream trade print.
type TradeTick struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
	TS    time.Time       `json:"ts"`
}

// QuoteTick is a top-of-book quote update.
type QuoteTick struct {
	BidPrice decimal.Decimal `json:"bid_price"`
	AskPrice decimal.Decimal `json:"ask_price"`
	TS       time.Time       `json:"ts"`
}

// OrderUpdate is a broker order lifecycle notification, keyed by the
// client order ID so the order manager can reconcile without broker IDs.
type OrderUpdate struct {
	ClientOrderID  string          `json:"client_order_id"`
	BrokerOrderID  string          `json:"broker_order_id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Event          string          `json:"event"` // accepted, fill, partial_fill, canceled, rejected, expired
	FilledQty      decimal.Decimal `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
	TS             time.Time       `json:"ts"`
}

// CanonicalSymbol strips separators from a symbol: "BTC/USD" → "BTCUSD".
// Enforced at every ingress boundary; the gateway converts back to the
// broker-required spelling per market mode.
func CanonicalSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}
