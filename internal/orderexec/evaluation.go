// Package orderexec turns a trade evaluation into exchange orders: the
// execution-style decision, TP/SL price computation from the real fill,
// and the atomic entry protocol with rollback.
package orderexec

// Evaluation is one strategy decision handed to the execution pipeline.
type Evaluation struct {
	Pair          string
	Side          string // buy, sell, hold, none, ""
	Amount        float64
	Confidence    float64
	Regime        string
	Strategy      string
	EmergencyExit bool
	Market        MarketConditions
}

// Actionable reports whether the evaluation asks for an order at all.
func (e Evaluation) Actionable() bool {
	switch e.Side {
	case "", "hold", "none":
		return false
	}
	return true
}

// MarketConditions carries per-timeframe indicator snapshots.
type MarketConditions struct {
	Data map[string]MarketData // keyed by timeframe, e.g. "15m", "4h"
}

// MarketData is the indicator snapshot for one timeframe.
type MarketData struct {
	Close     float64
	ATR14     float64
	ADX14     float64
	PlusDI14  float64
	MinusDI14 float64
	EMA20     float64
	EMA50     float64
}

// ATR14For returns the first positive atr_14 among the given timeframes.
func (m MarketConditions) ATR14For(timeframes ...string) (float64, bool) {
	for _, tf := range timeframes {
		if d, ok := m.Data[tf]; ok && d.ATR14 > 0 {
			return d.ATR14, true
		}
	}
	return 0, false
}
