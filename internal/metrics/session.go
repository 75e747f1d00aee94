// Package metrics aggregates session-lifetime trading statistics. A single
// writer (the trade-record consumer) folds closing trades into the running
// totals; readers get immutable snapshots.
//
// The trades-per-hour rate is an exponentially weighted moving average
// with a 15 minute half-life, so the dashboard reflects recent activity
// rather than the whole session.
package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"alpaca-scalper/pkg/types"
)

// ewmaHalfLife controls how fast the trade-rate estimate forgets.
const ewmaHalfLife = 15 * time.Minute

// Session is the single-writer aggregator. RecordTrade must be called from
// one goroutine; Snapshot may be called from any.
type Session struct {
	mu sync.RWMutex

	start         time.Time
	totalPnL      decimal.Decimal
	wins          int
	losses        int
	currentStreak int
	bestStreak    int
	tradesCount   int

	rate     float64 // trades per hour, EWMA
	lastRate time.Time

	now func() time.Time
}

// NewSession starts a fresh aggregation window.
func NewSession() *Session {
	s := &Session{now: time.Now}
	s.start = s.now()
	s.lastRate = s.start
	return s
}

// RecordTrade folds one trade record into the totals. Non-closing records
// (entries) only feed the trade rate; closing records update P&L, the
// win/loss split, and the streaks.
func (s *Session) RecordTrade(rec types.TradeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bumpRate(rec.TS)

	if !rec.Closing() {
		return
	}

	pnl := *rec.RealizedPnL
	s.totalPnL = s.totalPnL.Add(pnl)
	s.tradesCount++

	switch pnl.Sign() {
	case 1:
		s.wins++
		if s.currentStreak < 0 {
			s.currentStreak = 1
		} else {
			s.currentStreak++
		}
		if s.currentStreak > s.bestStreak {
			s.bestStreak = s.currentStreak
		}
	case -1:
		s.losses++
		if s.currentStreak > 0 {
			s.currentStreak = -1
		} else {
			s.currentStreak--
		}
	}
	// Zero P&L trades count but leave the streak untouched
}

// bumpRate folds one trade arrival into the EWMA. Caller holds mu.
// The instantaneous rate of a single trade over the gap since the last one
// is 1/gap (in hours); it is blended with the prior estimate using a decay
// factor derived from the half-life.
func (s *Session) bumpRate(ts time.Time) {
	if ts.IsZero() {
		ts = s.now()
	}
	gap := ts.Sub(s.lastRate)
	if gap <= 0 {
		gap = time.Second
	}
	s.lastRate = ts

	alpha := 1 - math.Exp(-math.Ln2*gap.Seconds()/ewmaHalfLife.Seconds())
	instant := float64(time.Hour) / float64(gap)
	s.rate += alpha * (instant - s.rate)
}

// Snapshot returns the current totals as an immutable value. The trade
// rate is decayed to the read time so an idle session trends toward zero.
func (s *Session) Snapshot() types.MetricsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rate := s.rate
	if gap := s.now().Sub(s.lastRate); gap > 0 {
		rate *= math.Exp(-math.Ln2 * gap.Seconds() / ewmaHalfLife.Seconds())
	}

	return types.MetricsSnapshot{
		SessionStart:      s.start,
		TotalPnL:          s.totalPnL,
		Wins:              s.wins,
		Losses:            s.losses,
		CurrentStreak:     s.currentStreak,
		BestStreak:        s.bestStreak,
		TradesCount:       s.tradesCount,
		TradesPerHourEWMA: rate,
	}
}

// TotalPnL returns the running realized P&L.
func (s *Session) TotalPnL() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalPnL
}
