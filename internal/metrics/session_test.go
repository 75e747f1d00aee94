package metrics

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"alpaca-scalper/pkg/types"
)

func closing(pnl string, ts time.Time) types.TradeRecord {
	p := decimal.RequireFromString(pnl)
	return types.TradeRecord{
		ID:          "t",
		Symbol:      "BTCUSD",
		Side:        types.Sell,
		TS:          ts,
		RealizedPnL: &p,
	}
}

func entry(ts time.Time) types.TradeRecord {
	return types.TradeRecord{ID: "t", Symbol: "BTCUSD", Side: types.Buy, TS: ts}
}

func newFrozenSession(start time.Time) *Session {
	s := NewSession()
	s.now = func() time.Time { return start }
	s.start = start
	s.lastRate = start
	return s
}

func TestRecordTradeTotals(t *testing.T) {
	t.Parallel()
	base := time.Unix(1700000000, 0)
	s := newFrozenSession(base)

	s.RecordTrade(closing("10", base.Add(1*time.Minute)))
	s.RecordTrade(closing("5", base.Add(2*time.Minute)))
	s.RecordTrade(closing("-3", base.Add(3*time.Minute)))

	s.now = func() time.Time { return base.Add(3 * time.Minute) }
	snap := s.Snapshot()

	if !snap.TotalPnL.Equal(decimal.RequireFromString("12")) {
		t.Errorf("total pnl = %s, want 12", snap.TotalPnL)
	}
	if snap.Wins != 2 || snap.Losses != 1 {
		t.Errorf("wins/losses = %d/%d, want 2/1", snap.Wins, snap.Losses)
	}
	if snap.TradesCount != 3 {
		t.Errorf("trades = %d, want 3", snap.TradesCount)
	}
}

func TestStreaks(t *testing.T) {
	t.Parallel()
	base := time.Unix(1700000000, 0)
	s := newFrozenSession(base)

	pnls := []string{"1", "1", "1", "-1", "-1", "1"}
	for i, p := range pnls {
		s.RecordTrade(closing(p, base.Add(time.Duration(i)*time.Minute)))
	}

	snap := s.Snapshot()
	if snap.BestStreak != 3 {
		t.Errorf("best streak = %d, want 3", snap.BestStreak)
	}
	if snap.CurrentStreak != 1 {
		t.Errorf("current streak = %d, want 1", snap.CurrentStreak)
	}

	s.RecordTrade(closing("-2", base.Add(10*time.Minute)))
	s.RecordTrade(closing("-2", base.Add(11*time.Minute)))
	if got := s.Snapshot().CurrentStreak; got != -2 {
		t.Errorf("current streak = %d, want -2", got)
	}
}

func TestZeroPnLLeavesStreak(t *testing.T) {
	t.Parallel()
	base := time.Unix(1700000000, 0)
	s := newFrozenSession(base)

	s.RecordTrade(closing("5", base.Add(1*time.Minute)))
	s.RecordTrade(closing("0", base.Add(2*time.Minute)))

	snap := s.Snapshot()
	if snap.CurrentStreak != 1 {
		t.Errorf("streak after flat trade = %d, want 1", snap.CurrentStreak)
	}
	if snap.TradesCount != 2 {
		t.Errorf("trades = %d, want 2 (flat trades still count)", snap.TradesCount)
	}
	if snap.Wins != 1 || snap.Losses != 0 {
		t.Errorf("wins/losses = %d/%d, want 1/0", snap.Wins, snap.Losses)
	}
}

func TestEntriesDoNotCloseTrades(t *testing.T) {
	t.Parallel()
	base := time.Unix(1700000000, 0)
	s := newFrozenSession(base)

	s.RecordTrade(entry(base.Add(time.Minute)))
	snap := s.Snapshot()
	if snap.TradesCount != 0 || !snap.TotalPnL.IsZero() {
		t.Errorf("entry record changed totals: %+v", snap)
	}
}

func TestTradeRateRisesAndDecays(t *testing.T) {
	t.Parallel()
	base := time.Unix(1700000000, 0)
	s := newFrozenSession(base)

	// One trade per minute for 30 minutes: EWMA should approach 60/hour
	for i := 1; i <= 30; i++ {
		s.RecordTrade(entry(base.Add(time.Duration(i) * time.Minute)))
	}
	s.now = func() time.Time { return base.Add(30 * time.Minute) }
	busy := s.Snapshot().TradesPerHourEWMA
	if busy < 20 || busy > 60 {
		t.Errorf("busy rate = %v, want tens of trades/hour", busy)
	}

	// Two hours of silence (8 half-lives) collapses the estimate
	s.now = func() time.Time { return base.Add(150 * time.Minute) }
	idle := s.Snapshot().TradesPerHourEWMA
	if idle > busy/50 {
		t.Errorf("idle rate = %v, want decayed well below %v", idle, busy)
	}
}
