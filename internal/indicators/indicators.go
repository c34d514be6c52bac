// Package indicators provides the technical calculations the trading core
// relies on for trend strength, volatility sizing, and data cleaning.
package indicators

import (
	"math"
	"sort"
)

// EMA returns the exponential moving average series for the given period.
// The first period-1 entries are NaN; the seed is the SMA of the first
// period values.
func EMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	var sum float64
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	prev := sum / float64(period)
	out[period-1] = prev
	k := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		prev = values[i]*k + prev*(1-k)
		out[i] = prev
	}
	return out
}

// LastEMA returns the latest EMA value, or NaN when the series is too short.
func LastEMA(values []float64, period int) float64 {
	series := EMA(values, period)
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

// TrueRange returns the true-range series. The first entry uses high-low
// only since there is no prior close.
func TrueRange(high, low, close []float64) []float64 {
	n := len(close)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		hl := high[i] - low[i]
		if i == 0 {
			out[i] = hl
			continue
		}
		hc := math.Abs(high[i] - close[i-1])
		lc := math.Abs(low[i] - close[i-1])
		out[i] = math.Max(hl, math.Max(hc, lc))
	}
	return out
}

// ATR returns the Wilder-smoothed average true range for the period, or NaN
// when fewer than period+1 bars are available.
func ATR(high, low, close []float64, period int) float64 {
	if period <= 0 || len(close) < period+1 {
		return math.NaN()
	}
	tr := TrueRange(high, low, close)
	var sum float64
	for i := 1; i <= period; i++ {
		sum += tr[i]
	}
	atr := sum / float64(period)
	for i := period + 1; i < len(tr); i++ {
		atr = (atr*float64(period-1) + tr[i]) / float64(period)
	}
	return atr
}

// DirectionalResult carries the ADX family for one evaluation point.
type DirectionalResult struct {
	ADX     float64
	PlusDI  float64
	MinusDI float64
}

// Directional computes Wilder's ADX, +DI and -DI at the last bar.
// Requires at least 2*period+1 bars; returns NaNs otherwise.
func Directional(high, low, close []float64, period int) DirectionalResult {
	nan := DirectionalResult{ADX: math.NaN(), PlusDI: math.NaN(), MinusDI: math.NaN()}
	n := len(close)
	if period <= 0 || n < 2*period+1 {
		return nan
	}

	tr := TrueRange(high, low, close)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		up := high[i] - high[i-1]
		down := low[i-1] - low[i]
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	// Wilder smoothing: initial sums over the first period, then
	// smoothed = prev - prev/period + current.
	var trS, plusS, minusS float64
	for i := 1; i <= period; i++ {
		trS += tr[i]
		plusS += plusDM[i]
		minusS += minusDM[i]
	}

	di := func() (float64, float64, float64) {
		if trS == 0 {
			return 0, 0, 0
		}
		p := 100 * plusS / trS
		m := 100 * minusS / trS
		sum := p + m
		if sum == 0 {
			return p, m, 0
		}
		return p, m, 100 * math.Abs(p-m) / sum
	}

	plusDI, minusDI, dx := di()
	dxSum := dx
	dxCount := 1
	var adx float64
	adxReady := false

	for i := period + 1; i < n; i++ {
		trS = trS - trS/float64(period) + tr[i]
		plusS = plusS - plusS/float64(period) + plusDM[i]
		minusS = minusS - minusS/float64(period) + minusDM[i]
		plusDI, minusDI, dx = di()

		if !adxReady {
			dxSum += dx
			dxCount++
			if dxCount == period {
				adx = dxSum / float64(period)
				adxReady = true
			}
			continue
		}
		adx = (adx*float64(period-1) + dx) / float64(period)
	}

	if !adxReady {
		return nan
	}
	return DirectionalResult{ADX: adx, PlusDI: plusDI, MinusDI: minusDI}
}

// RollingOutliers flags values whose modified z-score exceeds threshold
// within a trailing window. The score uses the window median and MAD:
// 0.6745 * (x - median) / MAD. A zero MAD flags nothing for that window.
func RollingOutliers(values []float64, window int, threshold float64) []bool {
	out := make([]bool, len(values))
	if window <= 2 || threshold <= 0 {
		return out
	}
	for i := range values {
		start := i - window + 1
		if start < 0 {
			continue
		}
		win := append([]float64(nil), values[start:i+1]...)
		med := median(win)
		for j := range win {
			win[j] = math.Abs(win[j] - med)
		}
		mad := median(win)
		if mad == 0 {
			continue
		}
		score := 0.6745 * math.Abs(values[i]-med) / mad
		if score > threshold {
			out[i] = true
		}
	}
	return out
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
