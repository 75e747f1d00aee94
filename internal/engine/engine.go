// Package engine is the top-level orchestrator. It wires the broker
// gateway, the candle store, the strategy loops, the order manager, and
// the client-facing event hub, and owns the lifecycle of every background
// goroutine:
//
//  1. Market feeds (crypto and/or stocks) stream bars into the candle
//     store and out to WebSocket subscribers.
//  2. The trading feed streams order updates into the order manager.
//  3. One scheduler loop per enabled market mode evaluates the strategy.
//  4. A records consumer fans processed fills out to session metrics,
//     the risk guard, the trade log, and the hub.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop().
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/shopspring/decimal"

	"alpaca-scalper/internal/broker"
	"alpaca-scalper/internal/candles"
	"alpaca-scalper/internal/config"
	"alpaca-scalper/internal/hub"
	"alpaca-scalper/internal/metrics"
	"alpaca-scalper/internal/orders"
	"alpaca-scalper/internal/position"
	"alpaca-scalper/internal/risk"
	"alpaca-scalper/internal/scheduler"
	"alpaca-scalper/internal/strategy"
	"alpaca-scalper/internal/tradelog"
	"alpaca-scalper/pkg/types"
)

// accountRefreshInterval paces the cached account snapshot used by the
// hub's connect-time snapshot and account_update events.
const accountRefreshInterval = 30 * time.Second

// snapshotTrades caps the recent-trades section of the connect snapshot.
const snapshotTrades = 50

// Engine owns all subsystems and their goroutines.
type Engine struct {
	cfg    config.Config
	client *broker.Client

	store   *candles.Store
	tracker *position.Tracker
	guard   *risk.Guard
	session *metrics.Session
	manager *orders.Manager
	hub     *hub.Hub
	trades  *tradelog.Log

	cryptoFeed  *broker.MarketFeed
	stocksFeed  *broker.MarketFeed
	tradingFeed *broker.TradingFeed

	cryptoLoop   *scheduler.Loop
	equitiesLoop *scheduler.Loop

	// snapshot cache served to connecting WebSocket clients. Kept here
	// because the hub's snapshot callback runs on the hub goroutine and
	// must not block on broker calls.
	snapMu      sync.RWMutex
	lastAccount *types.Account
	recent      []types.TradeRecord

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// New creates and wires all engine components. It makes no network calls;
// the startup account check and candle seeding happen in Start.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	client := broker.NewClient(cfg.Broker, cfg.DryRun, logger)

	store := candles.NewStore(cfg.Candles.BufferSize)
	tracker := position.NewTracker(logger)
	guard := risk.NewGuard(cfg.Risk, cfg.Position.MaxConcurrent, logger)
	session := metrics.NewSession()
	manager := orders.NewManager(client, tracker, cfg.Order, cfg.Position, logger)
	manager.SetInvariantHook(guard.Quarantine)
	if cfg.DryRun {
		// No trading feed delivers updates in dry-run; fills are
		// simulated at the latest buffered close instead.
		manager.SetFillSimulator(func(symbol string) (decimal.Decimal, bool) {
			if buf := store.Get(symbol); buf != nil {
				return buf.LatestClose()
			}
			return decimal.Decimal{}, false
		})
	}

	trades, err := tradelog.Open(cfg.TradeLog.Dir)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:     cfg,
		client:  client,
		store:   store,
		tracker: tracker,
		guard:   guard,
		session: session,
		manager: manager,
		trades:  trades,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With("component", "engine"),
	}

	e.hub = hub.NewHub(cfg.EventHub, e.buildSnapshot, logger)
	e.tradingFeed = broker.NewTradingFeed(cfg.Broker.WSTradingURL, cfg.Broker.APIKey, cfg.Broker.APISecret, logger)

	evaluator := strategy.NewStochRSIEMA(cfg.Strategy)

	if len(cfg.Crypto.Watchlist) > 0 {
		e.cryptoFeed = broker.NewMarketFeed(cfg.Broker.WSCryptoURL, types.ModeCrypto,
			cfg.Broker.APIKey, cfg.Broker.APISecret, logger)
		e.cryptoLoop = scheduler.NewLoop(types.ModeCrypto, cfg.Crypto,
			store, evaluator, client, manager, tracker, guard, e.hub, logger)
	}
	if len(cfg.Equities.Watchlist) > 0 {
		e.stocksFeed = broker.NewMarketFeed(cfg.Broker.WSStocksURL, types.ModeEquities,
			cfg.Broker.APIKey, cfg.Broker.APISecret, logger)
		e.equitiesLoop = scheduler.NewLoop(types.ModeEquities, cfg.Equities,
			store, evaluator, client, manager, tracker, guard, e.hub, logger)
	}

	return e, nil
}

// Hub exposes the event hub to the API server.
func (e *Engine) Hub() *hub.Hub { return e.hub }

// Client exposes the broker gateway to the API server.
func (e *Engine) Client() *broker.Client { return e.client }

// Manager exposes the order manager to the API server.
func (e *Engine) Manager() *orders.Manager { return e.manager }

// Session exposes the session metrics to the API server.
func (e *Engine) Session() *metrics.Session { return e.session }

// Guard exposes the risk guard to the API server.
func (e *Engine) Guard() *risk.Guard { return e.guard }

// Store exposes the candle store to the API server.
func (e *Engine) Store() *candles.Store { return e.store }

// CryptoLoop returns the crypto scheduler loop, nil when the crypto
// watchlist is empty.
func (e *Engine) CryptoLoop() *scheduler.Loop { return e.cryptoLoop }

// EquitiesLoop returns the equities scheduler loop, nil when the equities
// watchlist is empty.
func (e *Engine) EquitiesLoop() *scheduler.Loop { return e.equitiesLoop }

// Start verifies broker credentials, seeds candle history, and launches
// all background goroutines. A broker auth failure is returned as-is so
// the CLI can map it to its exit code.
func (e *Engine) Start() error {
	startCtx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()

	acct, err := e.client.GetAccount(startCtx)
	if err != nil {
		return fmt.Errorf("startup account check: %w", err)
	}
	e.snapMu.Lock()
	e.lastAccount = acct
	e.snapMu.Unlock()
	e.logger.Info("broker account verified",
		"equity", acct.Equity, "buying_power", acct.BuyingPower, "dry_run", e.cfg.DryRun)

	if err := e.seedCandles(startCtx); err != nil {
		// Seeding failure is not fatal: buffers fill from the live feed,
		// the strategy holds until enough history accumulates.
		e.logger.Warn("candle seeding incomplete", "error", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.hub.Run(e.ctx)
	}()

	// Dry-run never connects the trading feed; the order manager
	// synthesizes its own fill updates.
	if !e.cfg.DryRun {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.tradingFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("trading feed error", "error", err)
			}
		}()
	}

	for _, feed := range []*broker.MarketFeed{e.cryptoFeed, e.stocksFeed} {
		if feed == nil {
			continue
		}
		feed := feed
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("market feed error", "error", err)
			}
		}()
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.dispatchMarketEvents(feed)
		}()
	}
	if e.cryptoFeed != nil {
		if err := e.cryptoFeed.Subscribe(e.cfg.Crypto.Watchlist); err != nil {
			e.logger.Warn("crypto subscribe deferred to reconnect", "error", err)
		}
	}
	if e.stocksFeed != nil {
		if err := e.stocksFeed.Subscribe(e.cfg.Equities.Watchlist); err != nil {
			e.logger.Warn("stocks subscribe deferred to reconnect", "error", err)
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchOrderUpdates()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.consumeRecords()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.refreshAccount()
	}()

	for _, loop := range []*scheduler.Loop{e.cryptoLoop, e.equitiesLoop} {
		if loop == nil {
			continue
		}
		loop := loop
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			loop.Run(e.ctx)
		}()
	}

	e.logger.Info("engine started",
		"crypto_watchlist", e.cfg.Crypto.Watchlist,
		"equities_watchlist", e.cfg.Equities.Watchlist)
	return nil
}

// Stop shuts down within the configured grace window: stops the loops,
// cancels every order still non-terminal, waits for goroutines, and
// closes resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	grace := e.cfg.ShutdownGrace()
	if grace <= 0 {
		grace = 10 * time.Second
	}
	cancelCtx, cancelCancel := context.WithTimeout(context.Background(), grace)
	defer cancelCancel()

	// Stop producing new orders before cancelling the open ones.
	e.cancel()

	for _, o := range e.manager.Orders(true) {
		if err := e.manager.Cancel(cancelCtx, o.ID); err != nil {
			e.logger.Error("failed to cancel order on shutdown", "id", o.ID, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-cancelCtx.Done():
		e.logger.Warn("shutdown grace expired with goroutines still running")
	}

	if e.cryptoFeed != nil {
		e.cryptoFeed.Close()
	}
	if e.stocksFeed != nil {
		e.stocksFeed.Close()
	}
	e.tradingFeed.Close()
	if err := e.trades.Close(); err != nil {
		e.logger.Error("trade log close failed", "error", err)
	}

	e.logger.Info("shutdown complete", "total_pnl", e.session.TotalPnL())
}

// seedCandles backfills each watched symbol's buffer from broker history
// so the strategy has context before the first live bar.
func (e *Engine) seedCandles(ctx context.Context) error {
	seed := e.cfg.Candles.SeedBars
	if seed <= 0 {
		return nil
	}
	timeframe := e.cfg.Candles.Timeframe
	if timeframe == "" {
		timeframe = "1Min"
	}

	var firstErr error
	for mode, watchlist := range map[types.MarketMode][]string{
		types.ModeCrypto:   e.cfg.Crypto.Watchlist,
		types.ModeEquities: e.cfg.Equities.Watchlist,
	} {
		for _, symbol := range watchlist {
			buf := e.store.Track(symbol)
			bars, err := e.client.GetBars(ctx, symbol, mode, timeframe, seed)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				e.logger.Warn("seed fetch failed", "symbol", symbol, "error", err)
				continue
			}
			kept := buf.Seed(bars)
			e.logger.Info("candles seeded", "symbol", symbol, "bars", kept)
		}
	}
	return firstErr
}

// dispatchMarketEvents routes one feed's events: bars into the candle
// store, everything interesting out to WebSocket subscribers.
func (e *Engine) dispatchMarketEvents(feed *broker.MarketFeed) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt, ok := <-feed.Events():
			if !ok {
				return
			}
			if evt.Kind != types.EventBar || evt.Bar == nil {
				continue
			}
			buf := e.store.Get(evt.Symbol)
			if buf == nil {
				buf = e.store.Track(evt.Symbol)
			}
			if !buf.Append(*evt.Bar) {
				e.logger.Debug("out-of-order bar dropped", "symbol", evt.Symbol, "ts", evt.Bar.T)
			}
		}
	}
}

// dispatchOrderUpdates feeds broker order events into the order manager.
func (e *Engine) dispatchOrderUpdates() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case u, ok := <-e.tradingFeed.Updates():
			if !ok {
				return
			}
			e.manager.HandleUpdate(u)
			if o, found := e.manager.Get(u.ClientOrderID); found {
				e.hub.BroadcastSymbol(hub.TypeOrderUpdate, o.Symbol, o)
			}
		}
	}
}

// consumeRecords is the single consumer of processed fills. It updates
// session metrics and the risk guard, appends to the trade log, feeds the
// hub's trade ring, and refreshes the position gauges.
func (e *Engine) consumeRecords() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case rec := <-e.manager.Records():
			e.session.RecordTrade(rec)
			e.guard.ObservePnL(e.session.TotalPnL())

			if rec.Closing() {
				result := "loss"
				if rec.RealizedPnL.Sign() > 0 {
					result = "win"
				} else if rec.RealizedPnL.Sign() == 0 {
					result = "flat"
				}
				metrics.IncTrade(result)
			} else {
				metrics.IncTrade("entry")
			}
			pnl, _ := e.session.TotalPnL().Float64()
			metrics.SetRealizedPnL(pnl)
			metrics.SetOpenPositions(e.tracker.OpenCount())

			if err := e.trades.Append(rec); err != nil {
				e.logger.Error("trade log append failed", "error", err)
			}
			e.hub.RecordTrade(rec)
			e.hub.BroadcastSymbol(hub.TypePositionUpdate, rec.Symbol, e.tracker.Snapshot(rec.Symbol))

			e.snapMu.Lock()
			e.recent = append(e.recent, rec)
			if len(e.recent) > snapshotTrades {
				e.recent = e.recent[len(e.recent)-snapshotTrades:]
			}
			e.snapMu.Unlock()
		}
	}
}

// refreshAccount keeps the cached account snapshot current and emits
// account_update events.
func (e *Engine) refreshAccount() {
	ticker := time.NewTicker(accountRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			acct, err := e.client.GetAccount(e.ctx)
			if err != nil {
				e.logger.Warn("account refresh failed", "error", err)
				continue
			}
			e.snapMu.Lock()
			e.lastAccount = acct
			e.snapMu.Unlock()
			e.hub.Broadcast(hub.TypeAccountUpdate, acct)
		}
	}
}

// buildSnapshot assembles the connect-time snapshot for new WebSocket
// clients. Runs on the hub goroutine; reads only cached state.
func (e *Engine) buildSnapshot() interface{} {
	e.snapMu.RLock()
	account := e.lastAccount
	recent := make([]types.TradeRecord, len(e.recent))
	copy(recent, e.recent)
	e.snapMu.RUnlock()

	return map[string]interface{}{
		"account":       account,
		"positions":     e.tracker.Snapshots(),
		"recent_trades": recent,
		"metrics":       e.session.Snapshot(),
	}
}
