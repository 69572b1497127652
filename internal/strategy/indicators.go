// Package strategy hosts the pluggable signal strategies and their
// indicator math.
package strategy

import (
	"math"

	"trade_engine/internal/core"
)

// Indicator math runs on float64. Money amounts stay decimal
// everywhere else; indicator outputs only ever feed threshold
// comparisons, never order sizing.

// Closes extracts close prices as floats.
func Closes(candles []core.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close.InexactFloat64()
	}
	return out
}

// SMA returns the simple moving average series. Positions before a full
// window are NaN.
func SMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA returns the exponential moving average with alpha 2/(period+1),
// seeded from the first value.
func EMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) == 0 {
		return out
	}
	alpha := 2.0 / float64(period+1)
	ema := values[0]
	out[0] = ema
	for i := 1; i < len(values); i++ {
		ema = alpha*values[i] + (1-alpha)*ema
		out[i] = ema
	}
	return out
}

// wilderSmooth applies Wilder smoothing, an EMA with alpha 1/period.
func wilderSmooth(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) == 0 {
		return out
	}
	alpha := 1.0 / float64(period)
	s := values[0]
	out[0] = s
	for i := 1; i < len(values); i++ {
		s = alpha*values[i] + (1-alpha)*s
		out[i] = s
	}
	return out
}

// RSI returns the Wilder relative strength index of closes.
func RSI(closes []float64, period int) []float64 {
	out := nanSeries(len(closes))
	if period <= 0 || len(closes) < 2 {
		return out
	}

	gains := make([]float64, len(closes))
	losses := make([]float64, len(closes))
	for i := 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gains[i] = d
		} else {
			losses[i] = -d
		}
	}

	avgGain := wilderSmooth(gains[1:], period)
	avgLoss := wilderSmooth(losses[1:], period)
	for i := range avgGain {
		idx := i + 1
		if avgLoss[i] == 0 {
			out[idx] = 100
			continue
		}
		rs := avgGain[i] / avgLoss[i]
		out[idx] = 100 - 100/(1+rs)
	}
	return out
}

// TrueRange returns the per-bar true range.
func TrueRange(candles []core.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		h := c.High.InexactFloat64()
		l := c.Low.InexactFloat64()
		tr := h - l
		if i > 0 {
			pc := candles[i-1].Close.InexactFloat64()
			tr = math.Max(tr, math.Max(math.Abs(h-pc), math.Abs(l-pc)))
		}
		out[i] = tr
	}
	return out
}

// ATR returns the Wilder-smoothed average true range.
func ATR(candles []core.Candle, period int) []float64 {
	return wilderSmooth(TrueRange(candles), period)
}

// ADX returns the Wilder average directional index.
func ADX(candles []core.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	if len(candles) < 2 || period <= 0 {
		return out
	}

	plusDM := make([]float64, len(candles))
	minusDM := make([]float64, len(candles))
	for i := 1; i < len(candles); i++ {
		up := candles[i].High.InexactFloat64() - candles[i-1].High.InexactFloat64()
		down := candles[i-1].Low.InexactFloat64() - candles[i].Low.InexactFloat64()
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	atr := wilderSmooth(TrueRange(candles), period)
	plus := wilderSmooth(plusDM, period)
	minus := wilderSmooth(minusDM, period)

	dx := make([]float64, len(candles))
	for i := range dx {
		if atr[i] == 0 {
			continue
		}
		pdi := 100 * plus[i] / atr[i]
		mdi := 100 * minus[i] / atr[i]
		if sum := pdi + mdi; sum != 0 {
			dx[i] = 100 * math.Abs(pdi-mdi) / sum
		}
	}
	return wilderSmooth(dx, period)
}

// Bollinger returns the middle band, upper band, and lower band using a
// population standard deviation over the window.
func Bollinger(closes []float64, period int, mult float64) (mid, upper, lower []float64) {
	mid = SMA(closes, period)
	upper = nanSeries(len(closes))
	lower = nanSeries(len(closes))
	if period <= 0 || len(closes) < period {
		return
	}

	for i := period - 1; i < len(closes); i++ {
		m := mid[i]
		var ss float64
		for j := i - period + 1; j <= i; j++ {
			d := closes[j] - m
			ss += d * d
		}
		sd := math.Sqrt(ss / float64(period))
		upper[i] = m + mult*sd
		lower[i] = m - mult*sd
	}
	return
}

// BollingerWidth returns (upper-lower)/mid, NaN where undefined.
func BollingerWidth(closes []float64, period int, mult float64) []float64 {
	mid, upper, lower := Bollinger(closes, period, mult)
	out := nanSeries(len(closes))
	for i := range out {
		if !math.IsNaN(mid[i]) && mid[i] != 0 {
			out[i] = (upper[i] - lower[i]) / mid[i]
		}
	}
	return out
}

// Slope returns the change of a series over a window of bars,
// normalized by the value at the start of the window. NaN where
// undefined. A window below one is treated as one.
func Slope(values []float64, window int) []float64 {
	if window < 1 {
		window = 1
	}
	out := nanSeries(len(values))
	for i := window; i < len(values); i++ {
		if math.IsNaN(values[i]) || math.IsNaN(values[i-window]) || values[i-window] == 0 {
			continue
		}
		out[i] = (values[i] - values[i-window]) / values[i-window]
	}
	return out
}

// CrossOver reports whether fast crossed above slow at index i.
func CrossOver(fast, slow []float64, i int) bool {
	if i < 1 || i >= len(fast) || i >= len(slow) {
		return false
	}
	if anyNaN(fast[i-1], slow[i-1], fast[i], slow[i]) {
		return false
	}
	return fast[i-1] <= slow[i-1] && fast[i] > slow[i]
}

// CrossUnder reports whether fast crossed below slow at index i.
func CrossUnder(fast, slow []float64, i int) bool {
	if i < 1 || i >= len(fast) || i >= len(slow) {
		return false
	}
	if anyNaN(fast[i-1], slow[i-1], fast[i], slow[i]) {
		return false
	}
	return fast[i-1] >= slow[i-1] && fast[i] < slow[i]
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func anyNaN(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
