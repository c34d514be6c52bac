package orderexec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/nao-namake/crypto-bot-sub005/config"
	"github.com/nao-namake/crypto-bot-sub005/internal/exchange"
	"github.com/nao-namake/crypto-bot-sub005/internal/indicators"
	"github.com/nao-namake/crypto-bot-sub005/internal/marketdata"
)

// ErrATRUnavailable aborts the entry when recomputation is required and
// no ATR source produced a value.
var ErrATRUnavailable = errors.New("orderexec: ATR unavailable")

// TPSL is a computed protective price pair.
type TPSL struct {
	TakeProfit float64
	StopLoss   float64
	ATR        float64
	ATRSource  string // evaluation, fetch, fallback
}

// Calculator recomputes TP/SL from the actual fill price through the
// three-tier ATR fallback chain.
type Calculator struct {
	fetcher *marketdata.Fetcher
	tp      config.TakeProfitConfig
	sl      config.StopLossConfig
	risk    config.RiskConfig
	fees    config.FeesConfig
	logger  zerolog.Logger
}

// NewCalculator builds a Calculator.
func NewCalculator(fetcher *marketdata.Fetcher, tp config.TakeProfitConfig, sl config.StopLossConfig, risk config.RiskConfig, fees config.FeesConfig, logger zerolog.Logger) *Calculator {
	return &Calculator{
		fetcher: fetcher,
		tp:      tp,
		sl:      sl,
		risk:    risk,
		fees:    fees,
		logger:  logger.With().Str("component", "tpsl_calculator").Logger(),
	}
}

// Calculate derives the TP/SL pair for a filled entry. fillPrice must be
// the real execution price. When recalculation is required and ATR cannot
// be obtained, the error wraps ErrATRUnavailable and the caller must
// abort the entry.
func (c *Calculator) Calculate(ctx context.Context, eval Evaluation, fillPrice float64) (TPSL, error) {
	atr, source, err := c.resolveATR(ctx, eval)
	if err != nil {
		if c.risk.RequireTPSLRecalculation {
			return TPSL{}, fmt.Errorf("%w: %v", ErrATRUnavailable, err)
		}
		c.logger.Warn().Err(err).Msg("ATR unavailable, using configured fallback")
		atr, source = c.risk.FallbackATR, "fallback"
	}

	atrMult := c.sl.DefaultATRMultiplier
	maxLoss := c.sl.MaxLossRatio
	minDist := c.sl.MinDistanceRatio
	minProfit := c.tp.MinProfitRatio
	tpRatio := c.tp.DefaultRatio
	if regime, ok := c.sl.RegimeBased[eval.Regime]; ok {
		if regime.ATRMultiplier > 0 {
			atrMult = regime.ATRMultiplier
		}
		if regime.MaxLossRatio > 0 {
			maxLoss = regime.MaxLossRatio
		}
		if regime.MinProfitRatio > 0 {
			minProfit = regime.MinProfitRatio
		}
		if regime.TakeProfitRatio > 0 {
			tpRatio = regime.TakeProfitRatio
		}
	}

	stopDistance := math.Max(atr*atrMult, math.Max(fillPrice*minDist, fillPrice*maxLoss))
	takeDistance := math.Max(fillPrice*minProfit, stopDistance*tpRatio)

	var out TPSL
	out.ATR = atr
	out.ATRSource = source
	if eval.Side == exchange.SideBuy {
		out.StopLoss = fillPrice - stopDistance
		out.TakeProfit = fillPrice + takeDistance
	} else {
		out.StopLoss = fillPrice + stopDistance
		out.TakeProfit = fillPrice - takeDistance
	}
	if out.StopLoss <= 0 {
		return TPSL{}, fmt.Errorf("computed stop loss %.0f is not positive for fill %.0f", out.StopLoss, fillPrice)
	}

	c.logger.Info().
		Float64("fill_price", fillPrice).
		Float64("take_profit", out.TakeProfit).
		Float64("stop_loss", out.StopLoss).
		Float64("atr", atr).
		Str("atr_source", source).
		Str("regime", eval.Regime).
		Msg("tp/sl recomputed from fill")
	return out, nil
}

// resolveATR walks the chain: evaluation snapshot, direct 15m fetch,
// configured constant.
func (c *Calculator) resolveATR(ctx context.Context, eval Evaluation) (float64, string, error) {
	if atr, ok := eval.Market.ATR14For("15m", "4h"); ok {
		return atr, "evaluation", nil
	}

	if c.fetcher != nil {
		frame, err := c.fetcher.GetPriceFrame(ctx, marketdata.FrameRequest{
			Timeframe: "15m",
			SinceMS:   time.Now().Add(-24 * time.Hour).UnixMilli(),
			Limit:     60,
		})
		if err == nil && len(frame) >= 15 {
			high := make([]float64, len(frame))
			low := make([]float64, len(frame))
			closes := make([]float64, len(frame))
			for i, bar := range frame {
				high[i], low[i], closes[i] = bar.High, bar.Low, bar.Close
			}
			if atr := indicators.ATR(high, low, closes, 14); !math.IsNaN(atr) && atr > 0 {
				return atr, "fetch", nil
			}
		}
		if err != nil {
			c.logger.Warn().Err(err).Msg("direct ATR fetch failed")
		}
	}

	if c.risk.FallbackATR > 0 {
		return c.risk.FallbackATR, "fallback", nil
	}
	return 0, "", fmt.Errorf("no ATR source available")
}

// FixedAmountTP solves for the TP price that nets an exact target profit
// after fees. API-reported fee and interest amounts take precedence; a
// missing entry fee is estimated at entry * amount * fallback_rate.
func (c *Calculator) FixedAmountTP(side string, entry, amount, targetNetProfit, entryFee, interest float64) (float64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("amount must be positive")
	}
	fa := c.tp.FixedAmount
	if entryFee == 0 && fa.IncludeEntryFee {
		rate := fa.FallbackFeeRate
		if rate == 0 {
			rate = c.fees.EntryTakerRate
		}
		entryFee = entry * amount * rate
	}
	if !fa.IncludeEntryFee {
		entryFee = 0
	}
	if !fa.IncludeInterest {
		interest = 0
	}
	var exitRebate float64
	if fa.IncludeExitFeeRebate && c.fees.MakerRebate < 0 {
		exitRebate = -c.fees.MakerRebate * entry * amount
	}

	delta := (targetNetProfit + entryFee + interest - exitRebate) / amount
	if side == exchange.SideBuy {
		return entry + delta, nil
	}
	return entry - delta, nil
}
