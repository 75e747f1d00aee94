// Package indicators implements the technical indicator kernel: pure,
// deterministic functions over candle slices. Outputs are aligned to input
// length; indices before the first full lookback are NaN.
//
// Oscillators are computed in float64. Candle prices stay decimal up to
// this boundary; the precision loss is acceptable for indicator math and
// never feeds back into money amounts.
package indicators

import (
	"math"

	"alpaca-scalper/pkg/types"
)

// Closes extracts the close series as float64.
func Closes(c []types.Candle) []float64 {
	out := make([]float64, len(c))
	for i := range c {
		out[i], _ = c[i].C.Float64()
	}
	return out
}

// Volumes extracts the volume series as float64.
func Volumes(c []types.Candle) []float64 {
	out := make([]float64, len(c))
	for i := range c {
		out[i], _ = c[i].V.Float64()
	}
	return out
}

// SMA returns the n-period simple moving average, aligned to values.
func SMA(values []float64, n int) []float64 {
	out := nanSlice(len(values))
	if n <= 0 || len(values) < n {
		return out
	}
	var sum float64
	for i, x := range values {
		sum += x
		if i >= n {
			sum -= values[i-n]
		}
		if i >= n-1 {
			out[i] = sum / float64(n)
		}
	}
	return out
}

// EMA returns the n-period exponential moving average, seeded with the SMA
// of the first n values; alpha = 2/(n+1).
func EMA(values []float64, n int) []float64 {
	out := nanSlice(len(values))
	if n <= 0 || len(values) < n {
		return out
	}
	var seed float64
	for i := 0; i < n; i++ {
		seed += values[i]
	}
	seed /= float64(n)
	out[n-1] = seed

	alpha := 2.0 / float64(n+1)
	for i := n; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// RSI returns the n-period Relative Strength Index using Wilder's
// smoothing. The first value appears at index n.
func RSI(values []float64, n int) []float64 {
	out := nanSlice(len(values))
	if n <= 0 || len(values) <= n {
		return out
	}
	var gain, loss float64
	for i := 1; i < len(values); i++ {
		d := values[i] - values[i-1]
		if i <= n {
			if d > 0 {
				gain += d
			} else {
				loss -= d
			}
			if i == n {
				gain /= float64(n)
				loss /= float64(n)
				out[i] = rsiFrom(gain, loss)
			}
			continue
		}
		// Wilder smoothing
		if d > 0 {
			gain = (gain*float64(n-1) + d) / float64(n)
			loss = (loss * float64(n-1)) / float64(n)
		} else {
			gain = (gain * float64(n-1)) / float64(n)
			loss = (loss*float64(n-1) - d) / float64(n)
		}
		out[i] = rsiFrom(gain, loss)
	}
	return out
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// StochRSI returns the smoothed %K and %D series of the stochastic RSI.
// The raw stochastic of the RSI over stochPeriod is 0.5 when the window is
// flat; %K is its kSmooth-SMA scaled to [0,100], %D the dSmooth-SMA of %K.
func StochRSI(values []float64, rsiPeriod, stochPeriod, kSmooth, dSmooth int) (k, d []float64) {
	rsi := RSI(values, rsiPeriod)

	raw := nanSlice(len(values))
	for i := range rsi {
		if math.IsNaN(rsi[i]) || i < stochPeriod-1 {
			continue
		}
		lo, hi := math.Inf(1), math.Inf(-1)
		valid := true
		for j := i - stochPeriod + 1; j <= i; j++ {
			if math.IsNaN(rsi[j]) {
				valid = false
				break
			}
			lo = math.Min(lo, rsi[j])
			hi = math.Max(hi, rsi[j])
		}
		if !valid {
			continue
		}
		if hi == lo {
			raw[i] = 0.5
		} else {
			raw[i] = (rsi[i] - lo) / (hi - lo)
		}
	}

	k = smaSkipNaN(raw, kSmooth)
	for i := range k {
		k[i] *= 100
	}
	d = smaSkipNaN(k, dSmooth)
	return k, d
}

// ATR returns the n-period average true range with Wilder smoothing, where
// TR = max(h-l, |h-prevClose|, |l-prevClose|).
func ATR(c []types.Candle, n int) []float64 {
	out := nanSlice(len(c))
	if n <= 0 || len(c) <= n {
		return out
	}

	tr := make([]float64, len(c))
	for i := 1; i < len(c); i++ {
		h, _ := c[i].H.Float64()
		l, _ := c[i].L.Float64()
		pc, _ := c[i-1].C.Float64()
		tr[i] = math.Max(h-l, math.Max(math.Abs(h-pc), math.Abs(l-pc)))
	}

	var sum float64
	for i := 1; i <= n; i++ {
		sum += tr[i]
	}
	out[n] = sum / float64(n)
	for i := n + 1; i < len(c); i++ {
		out[i] = (out[i-1]*float64(n-1) + tr[i]) / float64(n)
	}
	return out
}

// VolumeSMA returns the n-period simple moving average of volume.
func VolumeSMA(c []types.Candle, n int) []float64 {
	return SMA(Volumes(c), n)
}

// Snapshot is the on-demand indicator readout for one symbol. Values are
// NaN when the buffer is too short for their lookback.
type Snapshot struct {
	EMAFast float64 `json:"ema_fast"`
	EMASlow float64 `json:"ema_slow"`
	StochK  float64 `json:"stoch_k"`
	StochD  float64 `json:"stoch_d"`
	RSI     float64 `json:"rsi"`
	ATR     float64 `json:"atr"`
	VolSMA  float64 `json:"vol_sma"`
}

// Params bundles the lookbacks a Snapshot is computed with.
type Params struct {
	EMAFast     int
	EMASlow     int
	RSIPeriod   int
	StochPeriod int
	KSmooth     int
	DSmooth     int
	VolPeriod   int
}

// Compute derives the latest Snapshot from a candle slice.
func Compute(c []types.Candle, p Params) Snapshot {
	closes := Closes(c)
	k, d := StochRSI(closes, p.RSIPeriod, p.StochPeriod, p.KSmooth, p.DSmooth)

	return Snapshot{
		EMAFast: last(EMA(closes, p.EMAFast)),
		EMASlow: last(EMA(closes, p.EMASlow)),
		StochK:  last(k),
		StochD:  last(d),
		RSI:     last(RSI(closes, p.RSIPeriod)),
		ATR:     last(ATR(c, p.RSIPeriod)),
		VolSMA:  last(VolumeSMA(c, p.VolPeriod)),
	}
}

func last(s []float64) float64 {
	if len(s) == 0 {
		return math.NaN()
	}
	return s[len(s)-1]
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// smaSkipNaN is SMA over a series whose head is NaN-padded: the window
// starts at the first non-NaN value instead of index 0.
func smaSkipNaN(values []float64, n int) []float64 {
	out := nanSlice(len(values))
	if n <= 0 {
		return out
	}
	start := -1
	for i, x := range values {
		if !math.IsNaN(x) {
			start = i
			break
		}
	}
	if start < 0 || len(values)-start < n {
		return out
	}
	var sum float64
	for i := start; i < len(values); i++ {
		sum += values[i]
		if i-start >= n {
			sum -= values[i-n]
		}
		if i-start >= n-1 {
			out[i] = sum / float64(n)
		}
	}
	return out
}
