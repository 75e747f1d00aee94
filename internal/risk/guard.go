// Package risk enforces session-level guards the scheduler consults before
// every order:
//
//   - Concurrent positions: a hard cap on simultaneously held symbols.
//   - Daily loss halt: once realized P&L breaches the configured limit,
//     no new entries for the rest of the session. Exits stay allowed so
//     held positions can still be unwound.
//   - Symbol quarantine: an internal invariant failure on a symbol stops
//     all further orders for that symbol this session.
package risk

import (
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"alpaca-scalper/internal/config"
	"alpaca-scalper/pkg/types"
)

// Verdict explains why an order was blocked. Empty string means allowed.
type Verdict string

const (
	Allowed            Verdict = ""
	BlockedMaxOpen     Verdict = "max_concurrent_positions"
	BlockedDailyLoss   Verdict = "daily_loss_halt"
	BlockedQuarantined Verdict = "symbol_quarantined"
)

// Guard holds the session risk state.
type Guard struct {
	cfg config.RiskConfig
	max int

	mu          sync.RWMutex
	halted      bool
	quarantined map[string]string // symbol -> reason

	logger *slog.Logger
}

// NewGuard creates a guard. maxConcurrent <= 0 means uncapped.
func NewGuard(cfg config.RiskConfig, maxConcurrent int, logger *slog.Logger) *Guard {
	return &Guard{
		cfg:         cfg,
		max:         maxConcurrent,
		quarantined: make(map[string]string),
		logger:      logger.With("component", "risk"),
	}
}

// CheckEntry gates a new entry order. openCount is the tracker's current
// count of held or pending positions.
func (g *Guard) CheckEntry(symbol string, openCount int) Verdict {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, bad := g.quarantined[types.CanonicalSymbol(symbol)]; bad {
		return BlockedQuarantined
	}
	if g.halted {
		return BlockedDailyLoss
	}
	if g.max > 0 && openCount >= g.max {
		return BlockedMaxOpen
	}
	return Allowed
}

// CheckExit gates an exit order. Exits are only blocked by quarantine;
// the loss halt must not trap open positions.
func (g *Guard) CheckExit(symbol string) Verdict {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, bad := g.quarantined[types.CanonicalSymbol(symbol)]; bad {
		return BlockedQuarantined
	}
	return Allowed
}

// ObservePnL feeds the running realized P&L after each closing trade and
// trips the halt when the configured daily loss is breached.
func (g *Guard) ObservePnL(totalPnL decimal.Decimal) {
	if g.cfg.DailyLossLimit <= 0 {
		return
	}
	limit := decimal.NewFromFloat(-g.cfg.DailyLossLimit)
	if totalPnL.GreaterThan(limit) {
		return
	}

	g.mu.Lock()
	tripped := !g.halted
	g.halted = true
	g.mu.Unlock()

	if tripped {
		g.logger.Error("daily loss limit breached, halting new entries",
			"total_pnl", totalPnL, "limit", g.cfg.DailyLossLimit)
	}
}

// Quarantine stops all further orders for a symbol this session. Called on
// internal invariant failures.
func (g *Guard) Quarantine(symbol, reason string) {
	symbol = types.CanonicalSymbol(symbol)
	g.mu.Lock()
	_, already := g.quarantined[symbol]
	g.quarantined[symbol] = reason
	g.mu.Unlock()

	if !already {
		g.logger.Error("symbol quarantined", "symbol", symbol, "reason", reason)
	}
}

// Halted reports whether the daily loss halt has tripped.
func (g *Guard) Halted() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.halted
}

// Quarantined returns the quarantined symbols and their reasons.
func (g *Guard) Quarantined() map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]string, len(g.quarantined))
	for s, r := range g.quarantined {
		out[s] = r
	}
	return out
}
