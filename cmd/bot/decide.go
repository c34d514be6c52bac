package main

import (
	"math"

	"github.com/nao-namake/crypto-bot-sub005/config"
	"github.com/nao-namake/crypto-bot-sub005/internal/exchange"
	"github.com/nao-namake/crypto-bot-sub005/internal/indicators"
	"github.com/nao-namake/crypto-bot-sub005/internal/ml"
	"github.com/nao-namake/crypto-bot-sub005/internal/orderexec"
)

// classifyRegime buckets the 4h trend strength into the regime names the
// position limits and TP/SL tables are keyed by.
func classifyRegime(adx float64) string {
	switch {
	case adx >= 30:
		return "breakout"
	case adx < 15:
		return "tight_range"
	default:
		return "normal"
	}
}

// marketDataFrom condenses a candle frame into the indicator snapshot
// the execution path consumes.
func marketDataFrom(frame []exchange.Candle) orderexec.MarketData {
	n := len(frame)
	if n == 0 {
		return orderexec.MarketData{}
	}
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, bar := range frame {
		closes[i] = bar.Close
		highs[i] = bar.High
		lows[i] = bar.Low
	}
	dir := indicators.Directional(highs, lows, closes, 14)
	return orderexec.MarketData{
		Close:     closes[n-1],
		ATR14:     nz(indicators.ATR(highs, lows, closes, 14)),
		ADX14:     nz(dir.ADX),
		PlusDI14:  nz(dir.PlusDI),
		MinusDI14: nz(dir.MinusDI),
		EMA20:     nz(indicators.LastEMA(closes, 20)),
		EMA50:     nz(indicators.LastEMA(closes, 50)),
	}
}

func nz(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// sideFromClass maps a model class onto an order side.
func sideFromClass(class int) string {
	switch class {
	case ml.ClassBuy:
		return exchange.SideBuy
	case ml.ClassSell:
		return exchange.SideSell
	default:
		return "hold"
	}
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

// tradeAmount sizes the entry from the balance, the confidence band, and
// the minimum lot.
func tradeAmount(cfg *config.Config, balance, price, confidence float64) float64 {
	if price <= 0 || balance <= 0 {
		return cfg.PositionManagement.MinTradeSize
	}
	ratios := cfg.PositionManagement.MaxPositionRatioPerTrade
	ratio := ratios.LowConfidence
	switch {
	case confidence >= 0.75:
		ratio = ratios.HighConfidence
	case confidence >= 0.60:
		ratio = ratios.MediumConfidence
	}
	amount := balance * ratio / price
	if amount < cfg.PositionManagement.MinTradeSize {
		amount = cfg.PositionManagement.MinTradeSize
	}
	return amount
}
