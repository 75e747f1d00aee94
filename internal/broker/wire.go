// wire.go holds the Alpaca-style JSON shapes for the broker's REST and
// WebSocket APIs. These structs never leave this package; the client and
// feeds convert them to the normalized pkg/types forms at the boundary.
// Prices and quantities unmarshal into decimal.Decimal, which accepts both
// JSON numbers and the quoted strings the broker prefers.
package broker

import (
	"time"

	"github.com/shopspring/decimal"

	"alpaca-scalper/pkg/types"
)

type wireAccount struct {
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	BuyingPower    decimal.Decimal `json:"buying_power"`
	Equity         decimal.Decimal `json:"equity"`
	LastEquity     decimal.Decimal `json:"last_equity"`
	Cash           decimal.Decimal `json:"cash"`
}

type wirePosition struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	Side          string          `json:"side"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPL  decimal.Decimal `json:"unrealized_pl"`
}

type wireOrder struct {
	ID             string          `json:"id"`
	ClientOrderID  string          `json:"client_order_id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Qty            decimal.Decimal `json:"qty"`
	Type           string          `json:"type"`
	TimeInForce    string          `json:"time_in_force"`
	Status         string          `json:"status"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
	SubmittedAt    time.Time       `json:"submitted_at"`
}

// wireOrderRequest is the POST /v2/orders body. Qty is a string so
// fractional crypto quantities survive exactly.
type wireOrderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
	ClientOrderID string `json:"client_order_id"`
}

type wireBar struct {
	T time.Time       `json:"t"`
	O decimal.Decimal `json:"o"`
	H decimal.Decimal `json:"h"`
	L decimal.Decimal `json:"l"`
	C decimal.Decimal `json:"c"`
	V decimal.Decimal `json:"v"`
}

func (b wireBar) candle() types.Candle {
	return types.Candle{T: b.T, O: b.O, H: b.H, L: b.L, C: b.C, V: b.V}
}

// Equities bars come back as a flat list; crypto bars as a map keyed by the
// broker-form pair symbol.
type wireStockBars struct {
	Bars          []wireBar `json:"bars"`
	Symbol        string    `json:"symbol"`
	NextPageToken *string   `json:"next_page_token"`
}

type wireCryptoBars struct {
	Bars          map[string][]wireBar `json:"bars"`
	NextPageToken *string              `json:"next_page_token"`
}

type wireClock struct {
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

type wireAsset struct {
	Symbol            string          `json:"symbol"`
	Tradable          bool            `json:"tradable"`
	Fractionable      bool            `json:"fractionable"`
	MinOrderSize      decimal.Decimal `json:"min_order_size"`
	MinTradeIncrement decimal.Decimal `json:"min_trade_increment"`
}

// Market-data WS frames arrive as arrays of tagged messages:
// [{"T":"b","S":"BTC/USD","o":...}, ...]. The "T" tag selects the payload:
// "b" bar, "t" trade, "q" quote, "success"/"error"/"subscription" control.
type wsDataMsg struct {
	Type   string          `json:"T"`
	Msg    string          `json:"msg,omitempty"`
	Code   int             `json:"code,omitempty"`
	Symbol string          `json:"S,omitempty"`
	O      decimal.Decimal `json:"o,omitempty"`
	H      decimal.Decimal `json:"h,omitempty"`
	L      decimal.Decimal `json:"l,omitempty"`
	C      decimal.Decimal `json:"c,omitempty"`
	V      decimal.Decimal `json:"v,omitempty"`
	Price  decimal.Decimal `json:"p,omitempty"`
	Size   decimal.Decimal `json:"s,omitempty"`
	Bid    decimal.Decimal `json:"bp,omitempty"`
	Ask    decimal.Decimal `json:"ap,omitempty"`
	TS     time.Time       `json:"t,omitempty"`
}

type wsAuthMsg struct {
	Action string `json:"action"` // "auth"
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

type wsSubscribeMsg struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Bars   []string `json:"bars,omitempty"`
	Trades []string `json:"trades,omitempty"`
	Quotes []string `json:"quotes,omitempty"`
}

// Trading-stream frames (order updates) use a different envelope:
// {"stream":"trade_updates","data":{"event":"fill",...,"order":{...}}}.
type wsTradingFrame struct {
	Stream string        `json:"stream"`
	Data   wsTradeUpdate `json:"data"`
}

type wsTradeUpdate struct {
	Event     string          `json:"event"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	Timestamp time.Time       `json:"timestamp"`
	Order     wireOrder       `json:"order"`
}

type wsListenMsg struct {
	Action string         `json:"action"` // "listen"
	Data   wsListenTarget `json:"data"`
}

type wsListenTarget struct {
	Streams []string `json:"streams"`
}
