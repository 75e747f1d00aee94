// Package orders owns the order lifecycle: client order IDs, the per
// (symbol, side) dedup cooldown, quantity sizing, submission with
// class-aware recovery, state transitions from broker updates, and the
// unfilled-order timeout.
//
// The manager is the only writer of order state. Dedup rejection is a
// normal result, not an error: the scheduler fires on every tick and most
// repeat signals inside the cooldown window are expected.
package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"alpaca-scalper/internal/broker"
	"alpaca-scalper/internal/config"
	"alpaca-scalper/internal/position"
	"alpaca-scalper/pkg/types"
)

// terminalRetention is how long finished orders stay queryable before GC.
const terminalRetention = 24 * time.Hour

// Gateway is the broker surface the manager needs. *broker.Client
// implements it.
type Gateway interface {
	SubmitOrder(ctx context.Context, req broker.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, brokerID string) error
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*types.Order, error)
	GetAccount(ctx context.Context) (*types.Account, error)
	GetAsset(ctx context.Context, symbol string, mode types.MarketMode) (*types.Asset, error)
}

// Status is the outcome category of a submission attempt.
type Status string

const (
	StatusSubmitted     Status = "submitted"
	StatusDedupRejected Status = "dedup_rejected"
	StatusSkipped       Status = "skipped" // zero size, nothing held, market gate
	StatusFailed        Status = "failed"
)

// Result reports one submission attempt.
type Result struct {
	Status Status
	Order  *types.Order
	Reason string
	Err    error
}

type trackedOrder struct {
	order      *types.Order
	terminalAt time.Time // zero while non-terminal
}

// Manager tracks all orders for the process lifetime.
type Manager struct {
	gw      Gateway
	tracker *position.Tracker
	cfg     config.OrderConfig
	pos     config.PositionConfig

	mu     sync.Mutex
	orders map[string]*trackedOrder // client order ID -> order

	counter atomic.Int64

	records chan types.TradeRecord

	// onInvariant, when set, is called with the symbol and reason for
	// every detected invariant violation (e.g. a fill with no pending
	// position). The risk guard quarantines the symbol in response.
	onInvariant func(symbol, reason string)

	// markPrice, when set, turns on dry-run fill simulation: every
	// successfully placed order is filled immediately at the returned
	// price instead of waiting for the trading feed.
	markPrice func(symbol string) (decimal.Decimal, bool)

	now func() time.Time

	logger *slog.Logger
}

// SetInvariantHook installs the invariant-violation callback. Must be
// called before updates start flowing.
func (m *Manager) SetInvariantHook(fn func(symbol, reason string)) { m.onInvariant = fn }

// SetFillSimulator enables dry-run fill simulation. price returns the
// latest buffered close for a symbol. Must be called before submissions
// start.
func (m *Manager) SetFillSimulator(price func(symbol string) (decimal.Decimal, bool)) {
	m.markPrice = price
}

// NewManager creates the order manager.
func NewManager(gw Gateway, tracker *position.Tracker, cfg config.OrderConfig, pos config.PositionConfig, logger *slog.Logger) *Manager {
	return &Manager{
		gw:      gw,
		tracker: tracker,
		cfg:     cfg,
		pos:     pos,
		orders:  make(map[string]*trackedOrder),
		records: make(chan types.TradeRecord, 64),
		now:     time.Now,
		logger:  logger.With("component", "orders"),
	}
}

// Records is the stream of trade records produced by processed fills.
// Consumed by the metrics/hub/trade-log pipeline.
func (m *Manager) Records() <-chan types.TradeRecord { return m.records }

// nextClientOrderID mints a process-unique ID: trade-<unix>-<counter>.
func (m *Manager) nextClientOrderID() string {
	return fmt.Sprintf("trade-%d-%d", m.now().Unix(), m.counter.Add(1))
}

// Submit runs the full pipeline for one signal: dedup check, sizing,
// submission with one adjustable retry, and state registration. price is
// the latest close, used for notional sizing.
func (m *Manager) Submit(ctx context.Context, symbol string, mode types.MarketMode, side types.Side, price decimal.Decimal) Result {
	symbol = types.CanonicalSymbol(symbol)

	order := &types.Order{
		ID:          m.nextClientOrderID(),
		Symbol:      symbol,
		Mode:        mode,
		Side:        side,
		Type:        types.Market,
		TIF:         tifFor(mode),
		State:       types.OrderPendingNew,
		SubmittedAt: m.now(),
	}
	if reason, ok := m.reserve(order); !ok {
		m.logger.Debug("dedup rejected", "symbol", symbol, "side", side, "reason", reason)
		return Result{Status: StatusDedupRejected, Reason: reason}
	}

	qty, err := m.size(ctx, symbol, mode, side, price)
	if err != nil {
		m.release(order.ID)
		return Result{Status: StatusFailed, Err: err}
	}
	if qty.IsZero() {
		m.release(order.ID)
		return Result{Status: StatusSkipped, Reason: "computed size is zero"}
	}
	m.mu.Lock()
	order.Qty = qty
	m.mu.Unlock()

	m.tracker.MarkPending(symbol, side, order.SubmittedAt)

	if err := m.place(ctx, order); err != nil {
		return m.recover(ctx, order, err)
	}
	m.simulateFill(order)
	return Result{Status: StatusSubmitted, Order: order}
}

// ManualRequest is a fully specified order from the REST facade. No
// automatic sizing is applied; dedup, lifecycle tracking, and recovery
// are the same as for strategy orders.
type ManualRequest struct {
	Symbol     string
	Mode       types.MarketMode
	Side       types.Side
	Qty        decimal.Decimal
	Type       types.OrderType
	TIF        types.TimeInForce
	LimitPrice *decimal.Decimal
}

// SubmitManual places an operator-specified order.
func (m *Manager) SubmitManual(ctx context.Context, req ManualRequest) Result {
	symbol := types.CanonicalSymbol(req.Symbol)

	if req.Qty.Sign() <= 0 {
		return Result{Status: StatusFailed, Err: fmt.Errorf("qty must be positive, got %s", req.Qty)}
	}

	order := &types.Order{
		ID:          m.nextClientOrderID(),
		Symbol:      symbol,
		Mode:        req.Mode,
		Side:        req.Side,
		Qty:         req.Qty,
		Type:        req.Type,
		TIF:         req.TIF,
		LimitPrice:  req.LimitPrice,
		State:       types.OrderPendingNew,
		SubmittedAt: m.now(),
	}
	if order.Type == "" {
		order.Type = types.Market
	}
	if order.TIF == "" {
		order.TIF = tifFor(order.Mode)
	}

	if reason, ok := m.reserve(order); !ok {
		return Result{Status: StatusDedupRejected, Reason: reason}
	}

	m.tracker.MarkPending(symbol, order.Side, order.SubmittedAt)

	if err := m.place(ctx, order); err != nil {
		return m.recover(ctx, order, err)
	}
	m.simulateFill(order)
	return Result{Status: StatusSubmitted, Order: order}
}

func (m *Manager) place(ctx context.Context, order *types.Order) error {
	brokerID, err := m.gw.SubmitOrder(ctx, broker.OrderRequest{
		ClientOrderID: order.ID,
		Symbol:        order.Symbol,
		Mode:          order.Mode,
		Side:          order.Side,
		Qty:           order.Qty,
		Type:          order.Type,
		TIF:           order.TIF,
		LimitPrice:    order.LimitPrice,
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	order.BrokerID = brokerID
	order.State = types.OrderAccepted
	m.mu.Unlock()
	m.logger.Info("order submitted",
		"id", order.ID, "broker_id", brokerID,
		"symbol", order.Symbol, "side", order.Side, "qty", order.Qty)
	return nil
}

// recover applies the class-specific recovery policy after a failed
// submission: adjustable errors halve the quantity and retry once,
// transient errors reconcile by client ID (the broker may have accepted
// the order even though the response was lost), everything else is a
// terminal rejection.
func (m *Manager) recover(ctx context.Context, order *types.Order, err error) Result {
	switch {
	case broker.IsAdjustable(err):
		m.mu.Lock()
		order.Qty = halve(order.Qty, order.Mode)
		m.mu.Unlock()
		if order.Qty.IsZero() {
			m.reject(order, err)
			return Result{Status: StatusFailed, Order: order, Err: err}
		}
		m.logger.Warn("adjustable rejection, retrying at reduced size",
			"id", order.ID, "qty", order.Qty, "error", err)
		if retryErr := m.place(ctx, order); retryErr != nil {
			m.reject(order, retryErr)
			return Result{Status: StatusFailed, Order: order, Err: retryErr}
		}
		return Result{Status: StatusSubmitted, Order: order, Reason: "resized after adjustable rejection"}

	case broker.IsTransient(err):
		remote, rerr := m.gw.GetOrderByClientID(ctx, order.ID)
		if rerr == nil && remote != nil {
			m.mu.Lock()
			order.BrokerID = remote.BrokerID
			order.State = remote.State
			m.mu.Unlock()
			m.logger.Info("reconciled order after transient failure",
				"id", order.ID, "state", remote.State)
			return Result{Status: StatusSubmitted, Order: order, Reason: "reconciled"}
		}
		m.reject(order, err)
		return Result{Status: StatusFailed, Order: order, Err: err}

	default:
		m.reject(order, err)
		return Result{Status: StatusFailed, Order: order, Err: err}
	}
}

func (m *Manager) reject(order *types.Order, err error) {
	now := m.now()
	m.mu.Lock()
	order.State = types.OrderRejected
	if err != nil {
		order.Reason = err.Error()
	}
	if tr, ok := m.orders[order.ID]; ok {
		tr.terminalAt = now
	}
	m.mu.Unlock()
	m.tracker.ClearPending(order.Symbol, now)
	m.logger.Warn("order rejected", "id", order.ID, "error", err)
}

// reserve enforces at most one live order per (symbol, side): any
// non-terminal order blocks, and terminal orders keep blocking until the
// cooldown window since submission has passed. The scan and the
// registration of the new order happen under one mutex hold, so two
// concurrent submissions for the same (symbol, side) can never both
// pass — the slower one sees the winner's registered order.
func (m *Manager) reserve(order *types.Order) (string, bool) {
	cooldown := m.cfg.Cooldown()
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tr := range m.orders {
		o := tr.order
		if o.Symbol != order.Symbol || o.Side != order.Side {
			continue
		}
		if !o.State.Terminal() {
			return fmt.Sprintf("pending order %s", o.ID), false
		}
		if now.Sub(o.SubmittedAt) < cooldown {
			return fmt.Sprintf("cooldown after order %s", o.ID), false
		}
	}
	m.orders[order.ID] = &trackedOrder{order: order}
	return "", true
}

// release drops a reserved order that never reached the broker (sizing
// failed or produced zero). No cooldown starts from such an attempt.
func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.orders, id)
	m.mu.Unlock()
}

// simulateFill synthesizes the fill the trading feed would deliver,
// priced at the latest buffered close (falling back to the limit price).
// No-op unless a fill simulator is installed.
func (m *Manager) simulateFill(order *types.Order) {
	if m.markPrice == nil {
		return
	}
	price, ok := m.markPrice(order.Symbol)
	if !ok && order.LimitPrice != nil {
		price, ok = *order.LimitPrice, true
	}
	if !ok || price.IsZero() {
		m.logger.Warn("no price available to simulate fill, order left open",
			"id", order.ID, "symbol", order.Symbol)
		return
	}
	m.HandleUpdate(types.OrderUpdate{
		ClientOrderID:  order.ID,
		Event:          "fill",
		FilledQty:      order.Qty,
		FilledAvgPrice: price,
		TS:             m.now(),
	})
}

// size computes the order quantity. Sells liquidate the tracked holding.
// Buys target equity x size_pct_equity (or the configured fixed quantity):
// crypto keeps fractional quantities clamped to the asset's minimum,
// equities floor to whole shares.
func (m *Manager) size(ctx context.Context, symbol string, mode types.MarketMode, side types.Side, price decimal.Decimal) (decimal.Decimal, error) {
	if side == types.Sell {
		return m.tracker.HeldQty(symbol), nil
	}
	if price.IsZero() {
		return decimal.Decimal{}, fmt.Errorf("size %s: no price available", symbol)
	}

	var qty decimal.Decimal
	if m.pos.FixedQty > 0 {
		qty = decimal.NewFromFloat(m.pos.FixedQty)
	} else {
		acct, err := m.gw.GetAccount(ctx)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("size %s: %w", symbol, err)
		}
		notional := acct.Equity.Mul(decimal.NewFromFloat(m.pos.SizePctEquity))
		qty = notional.Div(price)
	}

	if !mode.Fractional() {
		return qty.Floor(), nil
	}

	asset, err := m.gw.GetAsset(ctx, symbol, mode)
	if err != nil {
		// Asset metadata is advisory; fall back to a conservative rounding
		m.logger.Warn("asset lookup failed, using raw fractional qty",
			"symbol", symbol, "error", err)
		return qty.Round(9), nil
	}
	if !asset.MinTradeIncrement.IsZero() {
		qty = qty.Div(asset.MinTradeIncrement).Floor().Mul(asset.MinTradeIncrement)
	}
	if qty.LessThan(asset.MinOrderSize) {
		qty = asset.MinOrderSize
	}
	return qty, nil
}

// HandleUpdate applies a broker order lifecycle event. Fill events flow
// into the position tracker and the resulting trade record is published on
// Records.
func (m *Manager) HandleUpdate(u types.OrderUpdate) {
	m.mu.Lock()
	tr, ok := m.orders[u.ClientOrderID]
	m.mu.Unlock()
	if !ok {
		m.logger.Debug("update for unknown order", "client_order_id", u.ClientOrderID, "event", u.Event)
		return
	}
	order := tr.order
	now := m.now()

	switch u.Event {
	case "accepted", "new":
		m.transition(tr, types.OrderAccepted, now)

	case "partial_fill":
		if !m.transition(tr, types.OrderPartiallyFilled, now) {
			return
		}
		m.mu.Lock()
		order.FilledQty = u.FilledQty
		order.FilledAvgPrice = u.FilledAvgPrice
		m.mu.Unlock()

	case "fill":
		if !m.transition(tr, types.OrderFilled, now) {
			return
		}
		m.mu.Lock()
		order.FilledQty = u.FilledQty
		order.FilledAvgPrice = u.FilledAvgPrice
		m.mu.Unlock()
		if state := m.tracker.State(order.Symbol); state == types.StateIdle {
			// A fill landed with nothing pending or held. The fill is
			// applied regardless; the symbol is flagged upstream.
			m.logger.Error("fill without pending position",
				"symbol", order.Symbol, "id", order.ID, "state", state)
			if m.onInvariant != nil {
				m.onInvariant(order.Symbol, "fill without pending position")
			}
		}
		rec := m.tracker.ApplyFill(order.Symbol, order.Side, u.FilledQty, u.FilledAvgPrice, u.TS)
		select {
		case m.records <- rec:
		default:
			m.logger.Error("trade record channel full, dropping record", "id", rec.ID)
		}

	case "canceled":
		if m.transition(tr, types.OrderCancelled, now) {
			m.tracker.ClearPending(order.Symbol, now)
		}

	case "expired":
		if m.transition(tr, types.OrderExpired, now) {
			m.tracker.ClearPending(order.Symbol, now)
		}

	case "rejected":
		if m.transition(tr, types.OrderRejected, now) {
			m.tracker.ClearPending(order.Symbol, now)
		}

	default:
		m.logger.Debug("ignoring order event", "event", u.Event, "id", u.ClientOrderID)
	}
}

// transition applies a state change and reports whether it took effect.
// Late events arriving after a terminal state are dropped.
func (m *Manager) transition(tr *trackedOrder, to types.OrderState, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := tr.order.State
	if from.Terminal() {
		return false
	}
	tr.order.State = to
	if to.Terminal() {
		tr.terminalAt = now
	}
	m.logger.Debug("order transition", "id", tr.order.ID, "from", from, "to", to)
	return true
}

// CheckTimeouts cancels unfilled orders older than the timeout window and
// garbage-collects terminal orders past retention. Called periodically by
// the scheduler.
func (m *Manager) CheckTimeouts(ctx context.Context) {
	timeout := m.cfg.Timeout()
	now := m.now()

	var stale []*types.Order
	m.mu.Lock()
	for id, tr := range m.orders {
		o := tr.order
		if o.State.Terminal() {
			if !tr.terminalAt.IsZero() && now.Sub(tr.terminalAt) > terminalRetention {
				delete(m.orders, id)
			}
			continue
		}
		if now.Sub(o.SubmittedAt) > timeout {
			stale = append(stale, o)
		}
	}
	m.mu.Unlock()

	for _, o := range stale {
		m.logger.Warn("cancelling timed-out order", "id", o.ID, "age", now.Sub(o.SubmittedAt))
		if o.BrokerID != "" {
			if err := m.gw.CancelOrder(ctx, o.BrokerID); err != nil {
				m.logger.Error("cancel failed", "id", o.ID, "error", err)
				continue
			}
		}
		m.transition(m.tracked(o.ID), types.OrderCancelled, now)
		m.tracker.ClearPending(o.Symbol, now)
	}
}

// Cancel cancels one order by client ID.
func (m *Manager) Cancel(ctx context.Context, clientOrderID string) error {
	m.mu.Lock()
	tr, ok := m.orders[clientOrderID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown order %s", clientOrderID)
	}
	if tr.order.State.Terminal() {
		return fmt.Errorf("order %s already %s", clientOrderID, tr.order.State)
	}
	if tr.order.BrokerID != "" {
		if err := m.gw.CancelOrder(ctx, tr.order.BrokerID); err != nil {
			return err
		}
	}
	now := m.now()
	m.transition(tr, types.OrderCancelled, now)
	m.tracker.ClearPending(tr.order.Symbol, now)
	return nil
}

// Orders returns copies of tracked orders, optionally only non-terminal.
func (m *Manager) Orders(openOnly bool) []types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Order, 0, len(m.orders))
	for _, tr := range m.orders {
		if openOnly && tr.order.State.Terminal() {
			continue
		}
		out = append(out, *tr.order)
	}
	return out
}

// Get returns a copy of one order by client ID.
func (m *Manager) Get(clientOrderID string) (types.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr, ok := m.orders[clientOrderID]; ok {
		return *tr.order, true
	}
	return types.Order{}, false
}

func (m *Manager) tracked(id string) *trackedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id]
}

// halve cuts a quantity in half for the adjustable retry, respecting the
// mode's granularity.
func halve(qty decimal.Decimal, mode types.MarketMode) decimal.Decimal {
	half := qty.Div(decimal.NewFromInt(2))
	if !mode.Fractional() {
		return half.Floor()
	}
	return half
}

// tifFor picks the default time in force: GTC for around-the-clock crypto,
// day orders for equities.
func tifFor(mode types.MarketMode) types.TimeInForce {
	if mode == types.ModeCrypto {
		return types.TIFGTC
	}
	return types.TIFDay
}
