package strategy

import (
	"fmt"
	"math"
	"time"

	"alpaca-scalper/internal/config"
	"alpaca-scalper/internal/indicators"
	"alpaca-scalper/pkg/types"
)

// StochRSIEMA is the scalping evaluator: a StochRSI %K/%D cross gated by
// the oversold/overbought bands, confirmed by EMA trend and optionally by
// volume.
//
// Buy: %K crosses above %D below the oversold band, fast EMA above slow,
// and (when enabled) volume at or above ratio × its SMA.
// Sell: %K crosses below %D above the overbought band.
type StochRSIEMA struct {
	cfg config.StrategyConfig
}

// NewStochRSIEMA creates the evaluator.
func NewStochRSIEMA(cfg config.StrategyConfig) *StochRSIEMA {
	return &StochRSIEMA{cfg: cfg}
}

func (s *StochRSIEMA) Name() string { return "stochrsi_ema" }

// Evaluate derives a signal from the snapshot. Pure: no state survives
// between calls.
func (s *StochRSIEMA) Evaluate(symbol string, candles []types.Candle, now time.Time) types.Signal {
	closes := indicators.Closes(candles)
	k, d := indicators.StochRSI(closes,
		s.cfg.Stoch.RSIPeriod, s.cfg.Stoch.StochPeriod,
		s.cfg.Stoch.KSmooth, s.cfg.Stoch.DSmooth)

	n := len(candles)
	if n < 2 || math.IsNaN(k[n-1]) || math.IsNaN(k[n-2]) || math.IsNaN(d[n-1]) || math.IsNaN(d[n-2]) {
		return hold(symbol, "insufficient history", now)
	}

	emaFast := indicators.EMA(closes, s.cfg.EMA.Fast)
	emaSlow := indicators.EMA(closes, s.cfg.EMA.Slow)
	if math.IsNaN(emaFast[n-1]) || math.IsNaN(emaSlow[n-1]) {
		return hold(symbol, "insufficient history", now)
	}

	oversold, overbought := s.bands(candles)

	crossUp := k[n-2] <= d[n-2] && k[n-1] > d[n-1]
	crossDown := k[n-2] >= d[n-2] && k[n-1] < d[n-1]

	volRatio := s.volumeRatio(candles)

	switch {
	case crossUp && k[n-1] < oversold:
		if emaFast[n-1] <= emaSlow[n-1] {
			return hold(symbol, "cross up without trend confirmation", now)
		}
		if s.cfg.Volume.Enabled && !math.IsNaN(volRatio) && volRatio < s.cfg.Volume.Ratio {
			return hold(symbol, "cross up without volume confirmation", now)
		}
		return types.Signal{
			Symbol:   symbol,
			Side:     types.SignalBuy,
			Strength: s.strength(closes, volRatio, emaFast, true),
			Reason:   fmt.Sprintf("stochrsi cross up at %.1f, ema %.4f>%.4f", k[n-1], emaFast[n-1], emaSlow[n-1]),
			TS:       now,
		}

	case crossDown && k[n-1] > overbought:
		return types.Signal{
			Symbol:   symbol,
			Side:     types.SignalSell,
			Strength: s.strength(closes, volRatio, emaFast, false),
			Reason:   fmt.Sprintf("stochrsi cross down at %.1f", k[n-1]),
			TS:       now,
		}
	}

	return hold(symbol, "no cross", now)
}

// strength scores a triggered signal in [0, 1]: 0.5 base, volume bonus
// (+0.2 at 1.5x, +0.1 at 1.2x), and +0.2 when the fast EMA slope over the
// configured window points in the signal direction.
func (s *StochRSIEMA) strength(closes []float64, volRatio float64, emaFast []float64, buy bool) float64 {
	score := 0.5

	switch {
	case !math.IsNaN(volRatio) && volRatio >= 1.5:
		score += 0.2
	case !math.IsNaN(volRatio) && volRatio >= 1.2:
		score += 0.1
	}

	kBars := s.cfg.EMA.SlopeBars
	if kBars < 1 {
		kBars = 3
	}
	n := len(emaFast)
	if n > kBars && !math.IsNaN(emaFast[n-1]) && !math.IsNaN(emaFast[n-1-kBars]) {
		slope := emaFast[n-1] - emaFast[n-1-kBars]
		if (buy && slope > 0) || (!buy && slope < 0) {
			score += 0.2
		}
	}

	return math.Min(1, math.Max(0, score))
}

// volumeRatio is the last bar's volume over its SMA; NaN when the buffer
// is too short for the SMA window.
func (s *StochRSIEMA) volumeRatio(candles []types.Candle) float64 {
	volLen := s.cfg.EMA.VolSMALen
	if volLen < 1 {
		volLen = 20
	}
	sma := indicators.VolumeSMA(candles, volLen)
	n := len(candles)
	if n == 0 || math.IsNaN(sma[n-1]) || sma[n-1] == 0 {
		return math.NaN()
	}
	v, _ := candles[n-1].V.Float64()
	return v / sma[n-1]
}

// bands returns the oversold/overbought gates. When dynamic bands are
// enabled the gates move outward by sensitivity*(atr/baseline-1)*10 as
// volatility rises, demanding deeper extremes before a signal triggers.
// The oversold gate is clamped to [10,30], the overbought gate to [70,90].
func (s *StochRSIEMA) bands(candles []types.Candle) (oversold, overbought float64) {
	oversold = s.cfg.Stoch.OversoldUpper
	overbought = s.cfg.Stoch.OverboughtLower

	if !s.cfg.DynamicBands.Enabled {
		return oversold, overbought
	}

	atrPeriod := s.cfg.EMA.ATRPeriod
	if atrPeriod < 1 {
		atrPeriod = 14
	}
	baseWin := s.cfg.EMA.BaseVolWin
	if baseWin < 1 {
		baseWin = 100
	}

	atr := indicators.ATR(candles, atrPeriod)
	n := len(atr)
	if n == 0 || math.IsNaN(atr[n-1]) {
		return oversold, overbought
	}

	start := n - baseWin
	if start < 0 {
		start = 0
	}
	var sum float64
	var cnt int
	for _, a := range atr[start:] {
		if !math.IsNaN(a) {
			sum += a
			cnt++
		}
	}
	if cnt == 0 || sum == 0 {
		return oversold, overbought
	}
	baseline := sum / float64(cnt)

	adj := s.cfg.DynamicBands.Sensitivity * (atr[n-1]/baseline - 1) * 10
	oversold = clamp(oversold-adj, 10, 30)
	overbought = clamp(overbought+adj, 70, 90)
	return oversold, overbought
}

func clamp(x, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, x))
}
