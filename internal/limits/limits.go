// Package limits is the admission-control layer: six ordered gates that a
// proposed entry must clear before any order is placed.
package limits

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nao-namake/crypto-bot-sub005/config"
	"github.com/nao-namake/crypto-bot-sub005/internal/position"
)

// Gate names reported in denial reasons.
const (
	GateBalance   = "min_balance"
	GateCooldown  = "cooldown"
	GateMaxOpen   = "max_open_positions"
	GateCapital   = "capital_usage"
	GateDaily     = "daily_trade_count"
	GateTradeSize = "trade_size"
)

// CheckInput is everything one admission decision needs.
type CheckInput struct {
	Side           string
	Amount         float64
	Price          float64
	Confidence     float64
	Regime         string
	Balance        float64
	InitialBalance float64
	LastOrderTime  time.Time
	Positions      []position.Position
	Trend          TrendSnapshot
}

// Decision is the admission outcome; Reason names the failing gate.
type Decision struct {
	Allowed bool
	Gate    string
	Reason  string
}

func deny(gate, format string, args ...interface{}) Decision {
	return Decision{Gate: gate, Reason: fmt.Sprintf(format, args...)}
}

// Checker evaluates the six gates in order; the first failure
// short-circuits.
type Checker struct {
	cfg      config.PositionManagementConfig
	fallback float64 // fallback BTC/JPY price
	cooldown *CooldownManager
	now      func() time.Time
	logger   zerolog.Logger
}

// NewChecker builds a Checker.
func NewChecker(cfg config.PositionManagementConfig, fallbackPrice float64, cooldown *CooldownManager, logger zerolog.Logger) *Checker {
	return &Checker{
		cfg:      cfg,
		fallback: fallbackPrice,
		cooldown: cooldown,
		now:      time.Now,
		logger:   logger.With().Str("component", "position_limits").Logger(),
	}
}

// Check runs all gates. A denial logs the failing gate and reason.
func (c *Checker) Check(in CheckInput) Decision {
	for _, gate := range []func(CheckInput) Decision{
		c.checkBalance,
		c.checkCooldown,
		c.checkMaxOpen,
		c.checkCapitalUsage,
		c.checkDailyCount,
		c.checkTradeSize,
	} {
		if d := gate(in); !d.Allowed {
			c.logger.Info().Str("gate", d.Gate).Str("reason", d.Reason).Msg("entry denied")
			return d
		}
	}
	return Decision{Allowed: true}
}

func (c *Checker) checkBalance(in CheckInput) Decision {
	if c.cfg.DynamicPositionSizing.Enabled {
		required := c.cfg.MinTradeSize * c.fallback * 1.1
		if in.Balance < required {
			return deny(GateBalance, "balance %.0f below dynamic floor %.0f", in.Balance, required)
		}
		return Decision{Allowed: true}
	}
	if in.Balance < c.cfg.MinAccountBalance {
		return deny(GateBalance, "balance %.0f below minimum %.0f", in.Balance, c.cfg.MinAccountBalance)
	}
	return Decision{Allowed: true}
}

func (c *Checker) checkCooldown(in CheckInput) Decision {
	if c.cfg.CooldownMinutes <= 0 || in.LastOrderTime.IsZero() {
		return Decision{Allowed: true}
	}
	elapsed := c.now().Sub(in.LastOrderTime)
	window := time.Duration(c.cfg.CooldownMinutes) * time.Minute
	if elapsed >= window {
		return Decision{Allowed: true}
	}
	if !c.cooldown.ShouldApplyCooldown(in.Trend) {
		return Decision{Allowed: true}
	}
	return deny(GateCooldown, "cooldown active, %s of %s elapsed", elapsed.Round(time.Second), window)
}

func (c *Checker) checkMaxOpen(in CheckInput) Decision {
	max := c.cfg.MaxOpenPositions
	if regimeMax, ok := c.cfg.RegimeMaxPositions[in.Regime]; ok {
		max = regimeMax
	}
	if len(in.Positions) >= max {
		return deny(GateMaxOpen, "%d open positions at regime limit %d", len(in.Positions), max)
	}
	return Decision{Allowed: true}
}

func (c *Checker) checkCapitalUsage(in CheckInput) Decision {
	if in.InitialBalance <= 0 {
		return Decision{Allowed: true}
	}
	usage := (in.InitialBalance - in.Balance) / in.InitialBalance
	if usage >= c.cfg.MaxCapitalUsageRatio {
		return deny(GateCapital, "capital usage %.1f%% at limit %.1f%%", usage*100, c.cfg.MaxCapitalUsageRatio*100)
	}
	return Decision{Allowed: true}
}

func (c *Checker) checkDailyCount(in CheckInput) Decision {
	if c.cfg.MaxDailyTrades <= 0 {
		return Decision{Allowed: true}
	}
	today := c.now()
	y, m, d := today.Date()
	count := 0
	for _, p := range in.Positions {
		py, pm, pd := p.OpenedAt.Date()
		if py == y && pm == m && pd == d {
			count++
		}
	}
	if count >= c.cfg.MaxDailyTrades {
		return deny(GateDaily, "%d trades today at limit %d", count, c.cfg.MaxDailyTrades)
	}
	return Decision{Allowed: true}
}

func (c *Checker) checkTradeSize(in CheckInput) Decision {
	ratio := c.cfg.MaxPositionRatioPerTrade.LowConfidence
	switch {
	case in.Confidence >= 0.75:
		ratio = c.cfg.MaxPositionRatioPerTrade.HighConfidence
	case in.Confidence >= 0.60:
		ratio = c.cfg.MaxPositionRatioPerTrade.MediumConfidence
	}
	notional := in.Amount * in.Price
	cap := in.Balance * ratio
	if notional <= cap {
		return Decision{Allowed: true}
	}

	// minimum-lot trades pass when enforcement allows them
	minNotional := c.cfg.MinTradeSize * in.Price
	if c.cfg.MaxPositionRatioPerTrade.EnforceMinimum && notional <= minNotional*1.0001 {
		c.logger.Debug().Float64("notional", notional).Msg("minimum-lot override applied")
		return Decision{Allowed: true}
	}
	return deny(GateTradeSize, "notional %.0f exceeds %.1f%% cap %.0f for confidence %.2f",
		notional, ratio*100, cap, in.Confidence)
}
