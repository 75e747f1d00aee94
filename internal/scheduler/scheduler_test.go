package scheduler

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"alpaca-scalper/internal/candles"
	"alpaca-scalper/internal/config"
	"alpaca-scalper/internal/orders"
	"alpaca-scalper/internal/position"
	"alpaca-scalper/internal/risk"
	"alpaca-scalper/pkg/types"
)

type fakeGate struct{ open bool }

func (g *fakeGate) IsMarketOpen(_ context.Context, _ types.MarketMode) (bool, error) {
	return g.open, nil
}

type submission struct {
	symbol string
	side   types.Side
	price  decimal.Decimal
}

type fakeSubmitter struct {
	mu        sync.Mutex
	submitted []submission
	result    orders.Result
}

func (f *fakeSubmitter) Submit(_ context.Context, symbol string, _ types.MarketMode, side types.Side, price decimal.Decimal) orders.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, submission{symbol, side, price})
	if f.result.Status == "" {
		return orders.Result{Status: orders.StatusSubmitted, Order: &types.Order{Symbol: symbol, Side: side}}
	}
	return f.result
}

func (f *fakeSubmitter) CheckTimeouts(_ context.Context) {}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeBroadcaster) Broadcast(evtType string, _ interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evtType)
}

func (f *fakeBroadcaster) BroadcastSymbol(evtType, _ string, _ interface{}) {
	f.Broadcast(evtType, nil)
}

// fixedStrategy always returns the same signal.
type fixedStrategy struct {
	side     types.SignalSide
	strength float64
}

func (s *fixedStrategy) Name() string { return "fixed" }

func (s *fixedStrategy) Evaluate(symbol string, _ []types.Candle, now time.Time) types.Signal {
	return types.Signal{Symbol: symbol, Side: s.side, Strength: s.strength, TS: now}
}

type fixture struct {
	loop    *Loop
	sub     *fakeSubmitter
	gate    *fakeGate
	cast    *fakeBroadcaster
	tracker *position.Tracker
}

func newFixture(t *testing.T, mode types.MarketMode, strat *fixedStrategy) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	store := candles.NewStore(100)
	buf := store.Track("BTCUSD")
	for i := 0; i < 60; i++ {
		c := decimal.NewFromInt(int64(50000 + i))
		buf.Append(types.Candle{
			T: time.Unix(int64(i*60), 0).UTC(),
			O: c, H: c, L: c, C: c,
			V: decimal.NewFromInt(1),
		})
	}

	gate := &fakeGate{open: true}
	sub := &fakeSubmitter{}
	cast := &fakeBroadcaster{}
	tracker := position.NewTracker(logger)
	guard := risk.NewGuard(config.RiskConfig{}, 5, logger)

	loop := NewLoop(mode, config.LoopConfig{
		TickIntervalMS:  1500,
		SignalThreshold: 0.70,
		Watchlist:       []string{"BTCUSD"},
		Enabled:         true,
	}, store, strat, gate, sub, tracker, guard, cast, logger)

	return &fixture{loop: loop, sub: sub, gate: gate, cast: cast, tracker: tracker}
}

func TestTickSubmitsStrongBuy(t *testing.T) {
	t.Parallel()
	f := newFixture(t, types.ModeCrypto, &fixedStrategy{side: types.SignalBuy, strength: 0.9})

	f.loop.tick(context.Background())

	if f.sub.count() != 1 {
		t.Fatalf("submissions = %d, want 1", f.sub.count())
	}
	got := f.sub.submitted[0]
	if got.symbol != "BTCUSD" || got.side != types.Buy {
		t.Errorf("submitted %+v", got)
	}
	if !got.price.Equal(decimal.NewFromInt(50059)) {
		t.Errorf("price = %s, want latest close 50059", got.price)
	}
}

func TestWeakSignalNeverActedOn(t *testing.T) {
	t.Parallel()
	f := newFixture(t, types.ModeCrypto, &fixedStrategy{side: types.SignalBuy, strength: 0.69})

	f.loop.tick(context.Background())

	if f.sub.count() != 0 {
		t.Errorf("submissions = %d, want 0 below threshold", f.sub.count())
	}
	// The signal itself is still published for observers
	sig, ok := f.loop.LastSignal("BTCUSD")
	if !ok || sig.Side != types.SignalBuy {
		t.Errorf("last signal = %+v", sig)
	}
}

func TestClosedMarketIssuesNoOrders(t *testing.T) {
	t.Parallel()
	f := newFixture(t, types.ModeEquities, &fixedStrategy{side: types.SignalBuy, strength: 0.9})
	f.gate.open = false

	f.loop.tick(context.Background())

	if f.sub.count() != 0 {
		t.Fatalf("submissions = %d, want 0 while market closed", f.sub.count())
	}
	f.cast.mu.Lock()
	defer f.cast.mu.Unlock()
	found := false
	for _, e := range f.cast.events {
		if e == "status" {
			found = true
		}
	}
	if !found {
		t.Error("closed market should emit a status event")
	}
}

func TestDisabledLoopSkips(t *testing.T) {
	t.Parallel()
	f := newFixture(t, types.ModeCrypto, &fixedStrategy{side: types.SignalBuy, strength: 0.9})
	f.loop.SetEnabled(false)

	f.loop.tick(context.Background())
	if f.sub.count() != 0 {
		t.Errorf("submissions = %d, want 0 while disabled", f.sub.count())
	}

	f.loop.SetEnabled(true)
	f.loop.tick(context.Background())
	if f.sub.count() != 1 {
		t.Errorf("submissions = %d after re-enable, want 1", f.sub.count())
	}
}

func TestSellOnlyWhenHeld(t *testing.T) {
	t.Parallel()
	f := newFixture(t, types.ModeCrypto, &fixedStrategy{side: types.SignalSell, strength: 0.9})

	f.loop.tick(context.Background())
	if f.sub.count() != 0 {
		t.Fatalf("sell with nothing held submitted %d orders", f.sub.count())
	}

	f.tracker.ApplyFill("BTCUSD", types.Buy, decimal.NewFromInt(1), decimal.NewFromInt(50000), time.Now())
	f.loop.tick(context.Background())
	if f.sub.count() != 1 {
		t.Fatalf("submissions = %d, want 1 sell once held", f.sub.count())
	}
	if f.sub.submitted[0].side != types.Sell {
		t.Errorf("side = %s, want sell", f.sub.submitted[0].side)
	}
}

func TestEntryBlockedWhilePending(t *testing.T) {
	t.Parallel()
	f := newFixture(t, types.ModeCrypto, &fixedStrategy{side: types.SignalBuy, strength: 0.9})

	f.tracker.MarkPending("BTCUSD", types.Buy, time.Now())
	f.loop.tick(context.Background())
	if f.sub.count() != 0 {
		t.Errorf("submissions = %d, want 0 while entry pending", f.sub.count())
	}
}

func TestQueueWhenClosedDrainsOnOpen(t *testing.T) {
	t.Parallel()
	f := newFixture(t, types.ModeEquities, &fixedStrategy{side: types.SignalBuy, strength: 0.9})
	f.loop.cfg.QueueWhenClosed = true
	f.gate.open = false

	f.loop.tick(context.Background())
	if f.sub.count() != 0 {
		t.Fatalf("submissions while closed = %d", f.sub.count())
	}

	f.gate.open = true
	f.loop.tick(context.Background())
	if f.sub.count() < 1 {
		t.Fatal("queued signal was not submitted on open")
	}
}

func TestRoundRobinRotation(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	store := candles.NewStore(100)
	for _, sym := range []string{"BTCUSD", "ETHUSD"} {
		buf := store.Track(sym)
		for i := 0; i < 60; i++ {
			c := decimal.NewFromInt(1000)
			buf.Append(types.Candle{T: time.Unix(int64(i*60), 0).UTC(), O: c, H: c, L: c, C: c, V: decimal.NewFromInt(1)})
		}
	}

	sub := &fakeSubmitter{result: orders.Result{Status: orders.StatusDedupRejected}}
	loop := NewLoop(types.ModeCrypto, config.LoopConfig{
		TickIntervalMS:  1500,
		SignalThreshold: 0.5,
		Watchlist:       []string{"BTCUSD", "ETHUSD"},
		Enabled:         true,
	}, store, &fixedStrategy{side: types.SignalBuy, strength: 0.9},
		&fakeGate{open: true}, sub,
		position.NewTracker(logger),
		risk.NewGuard(config.RiskConfig{}, 5, logger),
		&fakeBroadcaster{}, logger)

	loop.tick(context.Background())
	loop.tick(context.Background())

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.submitted) != 4 {
		t.Fatalf("submissions = %d, want 4 (both symbols, both ticks)", len(sub.submitted))
	}
	// Second tick starts from the other symbol
	if sub.submitted[0].symbol == sub.submitted[2].symbol {
		t.Errorf("tick start did not rotate: %s then %s", sub.submitted[0].symbol, sub.submitted[2].symbol)
	}
}
