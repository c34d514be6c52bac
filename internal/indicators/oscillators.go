package indicators

import "math"

// SMA returns the simple moving average of the last period values, or NaN
// when the series is too short.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return math.NaN()
	}
	var sum float64
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// RSI returns the relative strength index over the last period changes.
// Too few bars yields the neutral 50.
func RSI(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period+1 {
		return 50.0
	}
	var gains, losses float64
	for i := len(closes) - period; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// MACDResult carries the MACD line, signal line, and histogram.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes the fast/slow EMA difference and its signal EMA at the
// last bar. NaNs when the series cannot seed the slow EMA.
func MACD(closes []float64, fast, slow, signal int) MACDResult {
	nan := MACDResult{MACD: math.NaN(), Signal: math.NaN(), Histogram: math.NaN()}
	if fast <= 0 || slow <= fast || len(closes) < slow {
		return nan
	}
	fastSeries := EMA(closes, fast)
	slowSeries := EMA(closes, slow)

	macdSeries := make([]float64, 0, len(closes)-slow+1)
	for i := slow - 1; i < len(closes); i++ {
		macdSeries = append(macdSeries, fastSeries[i]-slowSeries[i])
	}
	macd := macdSeries[len(macdSeries)-1]
	sig := LastEMA(macdSeries, signal)
	if math.IsNaN(sig) {
		return MACDResult{MACD: macd, Signal: math.NaN(), Histogram: math.NaN()}
	}
	return MACDResult{MACD: macd, Signal: sig, Histogram: macd - sig}
}

// BollingerResult carries the band edges and midline.
type BollingerResult struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger computes the SMA midline and stdDev-multiple bands at the
// last bar.
func Bollinger(closes []float64, period int, mult float64) BollingerResult {
	nan := BollingerResult{Upper: math.NaN(), Middle: math.NaN(), Lower: math.NaN()}
	if period <= 0 || len(closes) < period {
		return nan
	}
	mid := SMA(closes, period)
	var variance float64
	for _, v := range closes[len(closes)-period:] {
		d := v - mid
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(period))
	return BollingerResult{Upper: mid + mult*sd, Middle: mid, Lower: mid - mult*sd}
}
