// Package scheduler drives the two scalping loops, one per market mode,
// each at its own tick interval. A tick walks the mode's watchlist in
// round-robin order, evaluates the strategy on each symbol's candle
// snapshot, and routes actionable signals through the risk guard to the
// order manager.
//
// Within a symbol, evaluation and submission are serial. Across symbols
// and across the two loops, submissions overlap; the order manager's dedup
// keeps the at-most-one-pending invariant regardless.
package scheduler

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/shopspring/decimal"

	"alpaca-scalper/internal/candles"
	"alpaca-scalper/internal/config"
	"alpaca-scalper/internal/hub"
	"alpaca-scalper/internal/metrics"
	"alpaca-scalper/internal/orders"
	"alpaca-scalper/internal/position"
	"alpaca-scalper/internal/risk"
	"alpaca-scalper/internal/strategy"
	"alpaca-scalper/pkg/types"
)

// marketGate answers whether a mode is currently tradeable. Implemented by
// the broker client; crypto is always open.
type marketGate interface {
	IsMarketOpen(ctx context.Context, mode types.MarketMode) (bool, error)
}

// submitter is the order-manager surface the loops drive.
type submitter interface {
	Submit(ctx context.Context, symbol string, mode types.MarketMode, side types.Side, price decimal.Decimal) orders.Result
	CheckTimeouts(ctx context.Context)
}

// broadcaster is the hub surface used for status and signal events.
type broadcaster interface {
	Broadcast(evtType string, data interface{})
	BroadcastSymbol(evtType, symbol string, data interface{})
}

// Loop is one market-mode scheduling loop.
type Loop struct {
	mode    types.MarketMode
	cfg     config.LoopConfig
	store   *candles.Store
	eval    strategy.Strategy
	gate    marketGate
	orders  submitter
	tracker *position.Tracker
	guard   *risk.Guard
	hub     broadcaster

	enabled atomic.Bool
	offset  int // round-robin start index

	// queued holds actionable signals produced while the market was
	// closed, drained on the first open tick. Only populated when
	// cfg.QueueWhenClosed is set. Accessed from the loop goroutine only.
	queued map[string]types.Signal

	lastSignalMu sync.RWMutex
	lastSignal   map[string]types.Signal

	logger *slog.Logger
}

// NewLoop builds one loop. It starts enabled per config.
func NewLoop(
	mode types.MarketMode,
	cfg config.LoopConfig,
	store *candles.Store,
	eval strategy.Strategy,
	gate marketGate,
	om submitter,
	tracker *position.Tracker,
	guard *risk.Guard,
	h broadcaster,
	logger *slog.Logger,
) *Loop {
	l := &Loop{
		mode:       mode,
		cfg:        cfg,
		store:      store,
		eval:       eval,
		gate:       gate,
		orders:     om,
		tracker:    tracker,
		guard:      guard,
		hub:        h,
		queued:     make(map[string]types.Signal),
		lastSignal: make(map[string]types.Signal),
		logger:     logger.With("component", "scheduler", "mode", mode),
	}
	l.enabled.Store(cfg.Enabled)
	return l
}

// SetEnabled turns the loop on or off at runtime (trading start/stop API).
func (l *Loop) SetEnabled(on bool) {
	was := l.enabled.Swap(on)
	if was != on {
		l.logger.Info("loop toggled", "enabled", on)
		l.hub.Broadcast(hub.TypeStatus, map[string]interface{}{
			"mode":    string(l.mode),
			"trading": on,
		})
	}
}

// Enabled reports whether the loop is acting on signals.
func (l *Loop) Enabled() bool { return l.enabled.Load() }

// LastSignal returns the most recent evaluation for a symbol.
func (l *Loop) LastSignal(symbol string) (types.Signal, bool) {
	l.lastSignalMu.RLock()
	defer l.lastSignalMu.RUnlock()
	sig, ok := l.lastSignal[types.CanonicalSymbol(symbol)]
	return sig, ok
}

// Run ticks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	interval := time.Duration(l.cfg.TickIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.logger.Info("loop started",
		"interval", interval,
		"watchlist", l.cfg.Watchlist,
		"threshold", l.cfg.SignalThreshold)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("loop stopped")
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick runs one full pass over the watchlist.
func (l *Loop) tick(ctx context.Context) {
	l.orders.CheckTimeouts(ctx)

	if !l.enabled.Load() {
		return
	}

	open, err := l.gate.IsMarketOpen(ctx, l.mode)
	if err != nil {
		l.logger.Warn("market clock check failed", "error", err)
		return
	}
	if !open {
		l.hub.Broadcast(hub.TypeStatus, map[string]interface{}{
			"mode":   string(l.mode),
			"market": "closed",
		})
		if l.cfg.QueueWhenClosed {
			l.queueWhileClosed()
		}
		return
	}
	l.drainQueued(ctx)

	n := len(l.cfg.Watchlist)
	if n == 0 {
		return
	}
	// Rotate the starting symbol so no symbol is starved when a tick is
	// cut short by cancellation.
	start := l.offset % n
	l.offset++

	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return
		}
		l.evaluate(ctx, l.cfg.Watchlist[(start+i)%n])
	}
}

// evaluate runs one symbol through strategy, risk, and submission.
func (l *Loop) evaluate(ctx context.Context, symbol string) {
	sig, ok := l.signalFor(symbol)
	if !ok {
		return
	}
	l.dispatch(ctx, symbol, sig)
}

// signalFor computes and records the signal for one symbol. The bool is
// false when the signal does not clear the strength threshold.
func (l *Loop) signalFor(symbol string) (types.Signal, bool) {
	buf := l.store.Get(symbol)
	if buf == nil {
		return types.Signal{}, false
	}
	snap := buf.Snapshot()

	sig := l.eval.Evaluate(symbol, snap, time.Now().UTC())

	l.lastSignalMu.Lock()
	l.lastSignal[symbol] = sig
	l.lastSignalMu.Unlock()

	if sig.Side == types.SignalHold {
		return sig, false
	}
	l.hub.BroadcastSymbol(hub.TypeSignalUpdate, symbol, sig)

	if sig.Strength < l.cfg.SignalThreshold || math.IsNaN(sig.Strength) {
		return sig, false
	}
	return sig, true
}

// dispatch routes an actionable signal to the order manager at the
// symbol's latest buffered close.
func (l *Loop) dispatch(ctx context.Context, symbol string, sig types.Signal) {
	metrics.IncSignal(string(l.mode), string(sig.Side))

	buf := l.store.Get(symbol)
	if buf == nil {
		return
	}
	price, ok := buf.LatestClose()
	if !ok {
		return
	}

	switch sig.Side {
	case types.SignalBuy:
		l.submitEntry(ctx, symbol, price, sig)
	case types.SignalSell:
		l.submitExit(ctx, symbol, price, sig)
	}
}

// queueWhileClosed evaluates the watchlist without submitting, holding the
// latest actionable signal per symbol for the next open tick.
func (l *Loop) queueWhileClosed() {
	for _, symbol := range l.cfg.Watchlist {
		if sig, ok := l.signalFor(symbol); ok {
			l.queued[symbol] = sig
		}
	}
}

// drainQueued submits signals held over from closed-market ticks. Prices
// are re-read from the buffer; state and risk checks run as usual.
func (l *Loop) drainQueued(ctx context.Context) {
	if len(l.queued) == 0 {
		return
	}
	for symbol, sig := range l.queued {
		l.logger.Info("submitting queued signal", "symbol", symbol, "side", sig.Side)
		l.dispatch(ctx, symbol, sig)
	}
	clear(l.queued)
}

func (l *Loop) submitEntry(ctx context.Context, symbol string, price decimal.Decimal, sig types.Signal) {
	state := l.tracker.State(symbol)
	if state != types.StateIdle && state != types.StateHeld {
		return
	}
	if v := l.guard.CheckEntry(symbol, l.tracker.OpenCount()); v != risk.Allowed {
		l.logger.Debug("entry blocked", "symbol", symbol, "verdict", v)
		return
	}

	res := l.orders.Submit(ctx, symbol, l.mode, types.Buy, price)
	l.report(symbol, types.Buy, sig, res)
}

func (l *Loop) submitExit(ctx context.Context, symbol string, price decimal.Decimal, sig types.Signal) {
	if l.tracker.State(symbol) != types.StateHeld {
		return
	}
	if v := l.guard.CheckExit(symbol); v != risk.Allowed {
		l.logger.Debug("exit blocked", "symbol", symbol, "verdict", v)
		return
	}

	res := l.orders.Submit(ctx, symbol, l.mode, types.Sell, price)
	l.report(symbol, types.Sell, sig, res)
}

func (l *Loop) report(symbol string, side types.Side, sig types.Signal, res orders.Result) {
	metrics.IncOrder(string(l.mode), string(side), string(res.Status))

	switch res.Status {
	case orders.StatusSubmitted:
		l.logger.Info("signal acted on",
			"symbol", symbol, "side", side,
			"strength", sig.Strength, "reason", sig.Reason)
		l.hub.BroadcastSymbol(hub.TypeOrderUpdate, symbol, res.Order)
	case orders.StatusDedupRejected:
		l.logger.Info("signal deduplicated", "symbol", symbol, "side", side, "reason", res.Reason)
	case orders.StatusSkipped:
		l.logger.Debug("submission skipped", "symbol", symbol, "reason", res.Reason)
	case orders.StatusFailed:
		l.logger.Error("submission failed", "symbol", symbol, "side", side, "error", res.Err)
		l.hub.Broadcast(hub.TypeStatus, map[string]interface{}{
			"mode":     string(l.mode),
			"severity": "error",
			"message":  "order submission failed for " + symbol,
		})
	}
}
