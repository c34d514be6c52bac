package limits

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/nao-namake/crypto-bot-sub005/config"
)

// TrendSnapshot carries the 4h-bar indicator readings the cooldown bypass
// is computed from.
type TrendSnapshot struct {
	ADX     float64
	PlusDI  float64
	MinusDI float64
	EMA20   float64
	EMA50   float64
}

// CooldownManager decides whether the post-trade cooldown applies, with a
// bypass when the market is trending strongly.
type CooldownManager struct {
	cfg    config.CooldownTrendFilterConfig
	logger zerolog.Logger
}

// NewCooldownManager builds a CooldownManager.
func NewCooldownManager(cfg config.CooldownTrendFilterConfig, logger zerolog.Logger) *CooldownManager {
	return &CooldownManager{
		cfg:    cfg,
		logger: logger.With().Str("component", "cooldown").Logger(),
	}
}

// TrendStrength computes the composite trend score in [0, 1]:
// 0.5*adx_score + 0.3*di_score + 0.2*ema_score. NaN inputs contribute 0.
func (c *CooldownManager) TrendStrength(s TrendSnapshot) float64 {
	adxScore := clamp01(s.ADX / 50)
	diScore := clamp01(math.Abs(s.PlusDI-s.MinusDI) / 40)
	var emaScore float64
	if s.EMA50 > 0 {
		emaScore = clamp01(math.Abs(s.EMA20-s.EMA50) / s.EMA50 / 0.05)
	}
	return 0.5*adxScore + 0.3*diScore + 0.2*emaScore
}

// ShouldApplyCooldown reports whether the cooldown gate should block.
// Disabled filter means no cooldown at all; inflexible mode always
// applies it; otherwise a strong trend skips it.
func (c *CooldownManager) ShouldApplyCooldown(s TrendSnapshot) bool {
	if !c.cfg.Enabled {
		return false
	}
	if !c.cfg.Flexible {
		return true
	}
	strength := c.TrendStrength(s)
	if strength >= c.cfg.TrendStrengthThreshold {
		c.logger.Info().Float64("trend_strength", strength).Msg("strong trend, skipping cooldown")
		return false
	}
	return true
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
