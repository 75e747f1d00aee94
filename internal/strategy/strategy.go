// Package strategy implements the signal evaluators that turn a candle
// snapshot into a Buy/Sell/Hold recommendation with a strength score.
//
// Evaluation is a pure function of the snapshot and the config: no clock
// reads, no randomness, no state. The scheduler calls Evaluate on every
// tick and acts only when strength clears its threshold.
package strategy

import (
	"time"

	"alpaca-scalper/pkg/types"
)

// Strategy evaluates one symbol's candle snapshot. Implementations must be
// deterministic: identical snapshots produce identical signals.
type Strategy interface {
	Name() string
	Evaluate(symbol string, candles []types.Candle, now time.Time) types.Signal
}

// hold builds the no-action signal with a reason for the signal log.
func hold(symbol, reason string, now time.Time) types.Signal {
	return types.Signal{
		Symbol:   symbol,
		Side:     types.SignalHold,
		Strength: 0,
		Reason:   reason,
		TS:       now,
	}
}
