// Package position tracks the per-symbol trade lifecycle locally: Idle,
// EntryPending, Held, ExitPending. The tracker is the only writer of this
// state; it consumes fill events from the order manager on a single
// goroutine and emits an immutable TradeRecord for every fill processed.
//
// The broker remains the source of truth for actual holdings. This state
// exists so the scheduler and the order manager can make entry/exit
// decisions without a round trip.
package position

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"alpaca-scalper/pkg/types"
)

// closeEpsilon is the residual quantity below which a position counts as
// fully closed. Fractional crypto exits can leave dust from rounding.
var closeEpsilon = decimal.RequireFromString("0.000000001")

type symbolState struct {
	state        types.TradeState
	entryPrice   decimal.Decimal
	entryQty     decimal.Decimal
	lastActionTS time.Time
}

// Tracker owns per-symbol position state. Fill processing is serialized by
// the caller (one consumer goroutine); snapshots may be read concurrently.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]*symbolState
	logger *slog.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{
		states: make(map[string]*symbolState),
		logger: logger.With("component", "position"),
	}
}

// MarkPending transitions a symbol into EntryPending or ExitPending when
// an order is submitted. Called by the order manager.
func (t *Tracker) MarkPending(symbol string, side types.Side, now time.Time) {
	symbol = types.CanonicalSymbol(symbol)
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(symbol)
	if side == types.Buy {
		if st.state == types.StateIdle {
			st.state = types.StateEntryPending
		}
	} else if st.state == types.StateHeld {
		st.state = types.StateExitPending
	}
	st.lastActionTS = now
}

// ClearPending reverts a pending transition after a terminal non-fill
// (rejected, canceled, expired, dedup-window cancel).
func (t *Tracker) ClearPending(symbol string, now time.Time) {
	symbol = types.CanonicalSymbol(symbol)
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(symbol)
	switch st.state {
	case types.StateEntryPending:
		st.state = types.StateIdle
	case types.StateExitPending:
		st.state = types.StateHeld
	}
	st.lastActionTS = now
}

// ApplyFill folds one fill into the symbol's position and returns the
// resulting TradeRecord. Buy fills open or scale into a position with a
// weighted-average entry; sell fills realize P&L against that entry and
// close the position once the remaining quantity drops under epsilon.
func (t *Tracker) ApplyFill(symbol string, side types.Side, qty, price decimal.Decimal, ts time.Time) types.TradeRecord {
	symbol = types.CanonicalSymbol(symbol)
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(symbol)
	st.lastActionTS = ts

	rec := types.TradeRecord{
		ID:     uuid.NewString(),
		Symbol: symbol,
		Side:   side,
		Qty:    qty,
		Price:  price,
		Value:  price.Mul(qty),
		TS:     ts,
		Status: "filled",
	}

	if side == types.Buy {
		switch st.state {
		case types.StateHeld, types.StateExitPending:
			// Scale-in: weighted-average entry. A buy landing while an
			// exit is pending must not discard the held quantity.
			totalQty := st.entryQty.Add(qty)
			st.entryPrice = st.entryPrice.Mul(st.entryQty).Add(price.Mul(qty)).Div(totalQty)
			st.entryQty = totalQty
		default:
			st.entryPrice = price
			st.entryQty = qty
			st.state = types.StateHeld
		}
		t.logger.Info("position opened or scaled",
			"symbol", symbol, "entry_price", st.entryPrice, "entry_qty", st.entryQty)
		return rec
	}

	// Sell without a tracked entry: pass the record through without P&L
	if st.entryQty.IsZero() {
		t.logger.Warn("sell fill with no tracked entry", "symbol", symbol)
		st.state = types.StateIdle
		return rec
	}

	pnl := price.Sub(st.entryPrice).Mul(qty)
	pnlPct := price.Div(st.entryPrice).Sub(decimal.NewFromInt(1))
	rec.RealizedPnL = &pnl
	rec.RealizedPnLPct = &pnlPct

	st.entryQty = st.entryQty.Sub(qty)
	if st.entryQty.LessThanOrEqual(closeEpsilon) {
		st.state = types.StateIdle
		st.entryPrice = decimal.Decimal{}
		st.entryQty = decimal.Decimal{}
	} else {
		st.state = types.StateHeld
	}

	t.logger.Info("position reduced",
		"symbol", symbol, "realized_pnl", pnl, "remaining_qty", st.entryQty)
	return rec
}

// State returns the current trade state for a symbol.
func (t *Tracker) State(symbol string) types.TradeState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if st, ok := t.states[types.CanonicalSymbol(symbol)]; ok {
		return st.state
	}
	return types.StateIdle
}

// HeldQty returns the tracked quantity for a symbol (zero when not held).
func (t *Tracker) HeldQty(symbol string) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if st, ok := t.states[types.CanonicalSymbol(symbol)]; ok {
		return st.entryQty
	}
	return decimal.Decimal{}
}

// Snapshot returns a read-only view of one symbol's position.
func (t *Tracker) Snapshot(symbol string) types.PositionSnapshot {
	symbol = types.CanonicalSymbol(symbol)
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := types.PositionSnapshot{Symbol: symbol, State: types.StateIdle}
	st, ok := t.states[symbol]
	if !ok {
		return snap
	}
	snap.State = st.state
	snap.LastActionTS = st.lastActionTS
	if st.state == types.StateHeld || st.state == types.StateExitPending {
		ep, eq := st.entryPrice, st.entryQty
		snap.EntryPrice = &ep
		snap.EntryQty = &eq
	}
	return snap
}

// Snapshots returns views of every symbol that has seen activity.
func (t *Tracker) Snapshots() []types.PositionSnapshot {
	t.mu.RLock()
	symbols := make([]string, 0, len(t.states))
	for s := range t.states {
		symbols = append(symbols, s)
	}
	t.mu.RUnlock()

	out := make([]types.PositionSnapshot, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, t.Snapshot(s))
	}
	return out
}

// OpenCount returns the number of symbols currently Held or pending exit.
func (t *Tracker) OpenCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, st := range t.states {
		if st.state == types.StateHeld || st.state == types.StateExitPending || st.state == types.StateEntryPending {
			n++
		}
	}
	return n
}

// state returns the entry for a symbol, creating it Idle. Caller holds mu.
func (t *Tracker) state(symbol string) *symbolState {
	st, ok := t.states[symbol]
	if !ok {
		st = &symbolState{state: types.StateIdle}
		t.states[symbol] = st
	}
	return st
}
