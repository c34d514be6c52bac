package features

import (
	"fmt"
	"math"

	"github.com/nao-namake/crypto-bot-sub005/internal/exchange"
	"github.com/nao-namake/crypto-bot-sub005/internal/indicators"
)

// BuildVector computes the feature vector for a level from a candle
// frame, in the catalog's deterministic order. Indicators that cannot be
// computed from the available bars contribute zero; the returned vector
// always passes ValidateVector for the level.
func (c *Catalog) BuildVector(level string, candles []exchange.Candle) ([]float64, error) {
	names, ok := c.Names(level)
	if !ok {
		return nil, fmt.Errorf("unknown feature level %q", level)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("empty candle frame")
	}

	n := len(candles)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, bar := range candles {
		closes[i] = bar.Close
		highs[i] = bar.High
		lows[i] = bar.Low
		volumes[i] = bar.Volume
	}

	macd := indicators.MACD(closes, 12, 26, 9)
	bb := indicators.Bollinger(closes, 20, 2.0)
	dir := indicators.Directional(highs, lows, closes, 14)

	value := func(name string) float64 {
		switch name {
		case "close":
			return closes[n-1]
		case "volume":
			return volumes[n-1]
		case "returns_1":
			if n < 2 || closes[n-2] == 0 {
				return 0
			}
			return (closes[n-1] - closes[n-2]) / closes[n-2]
		case "rsi_14":
			return indicators.RSI(closes, 14)
		case "macd":
			return macd.MACD
		case "macd_signal":
			return macd.Signal
		case "atr_14":
			return indicators.ATR(highs, lows, closes, 14)
		case "bb_upper":
			return bb.Upper
		case "bb_lower":
			return bb.Lower
		case "ema_20":
			return indicators.LastEMA(closes, 20)
		case "ema_50":
			return indicators.LastEMA(closes, 50)
		case "adx_14":
			return dir.ADX
		case "plus_di_14":
			return dir.PlusDI
		case "minus_di_14":
			return dir.MinusDI
		case "volume_ratio":
			avg := indicators.SMA(volumes, 20)
			if math.IsNaN(avg) || avg == 0 {
				return 1
			}
			return volumes[n-1] / avg
		default:
			return 0
		}
	}

	vector := make([]float64, len(names))
	for i, name := range names {
		v := value(name)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		vector[i] = v
	}
	return vector, nil
}
