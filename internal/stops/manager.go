// Package stops owns the runtime position monitoring loop: bot-side
// TP/SL triggering, native stop-limit timeout verification,
// exchange-triggered auto-execution detection, emergency exits, and
// stale-order cleanup.
package stops

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nao-namake/crypto-bot-sub005/config"
	"github.com/nao-namake/crypto-bot-sub005/internal/exchange"
	"github.com/nao-namake/crypto-bot-sub005/internal/position"
	"github.com/nao-namake/crypto-bot-sub005/internal/resilience"
)

// Exit reasons recorded with each close.
const (
	ReasonTakeProfit   = "take_profit"
	ReasonStopLoss     = "stop_loss"
	ReasonSLTimeout    = "sl_timeout_fallback"
	ReasonEmergency    = "emergency_stop_loss"
	ReasonTPAutoExec   = "tp_auto_execution"
	ReasonSLAutoExec   = "sl_auto_execution"
)

// ClosedTrade is one realized exit reported by the manager.
type ClosedTrade struct {
	PositionID string    `json:"position_id"`
	Pair       string    `json:"pair"`
	Side       string    `json:"side"`
	Amount     float64   `json:"amount"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	PnL        float64   `json:"pnl"` // net of fees
	Reason     string    `json:"reason"`
	ClosedAt   time.Time `json:"closed_at"`
}

// Manager drives the monitoring loop. Backtest mode skips the loop
// entirely; the backtest driver runs its own TP/SL checks.
type Manager struct {
	client     exchange.Client
	tracker    *position.Tracker
	resilience *resilience.Manager
	journal    *OrphanJournal
	pm         config.PositionManagementConfig
	fees       config.FeesConfig
	autoDetect bool
	pair       string
	fallback   float64 // price fallback when the ticker is unavailable
	backtest   bool
	interval   time.Duration
	logger     zerolog.Logger
	now        func() time.Time

	detectEvery  int // reconciliation cadence, in ticks
	cleanupEvery int // stale-order sweep cadence, in ticks
	tick         int

	// priceSource, when set, is tried before the REST ticker. Returns
	// false when no fresh price is available.
	priceSource func() (float64, bool)

	mu     sync.Mutex
	closed []ClosedTrade
	onExit func(ClosedTrade)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager builds a Manager.
func NewManager(client exchange.Client, tracker *position.Tracker, res *resilience.Manager, journal *OrphanJournal, cfg *config.Config, logger zerolog.Logger) *Manager {
	return &Manager{
		client:     client,
		tracker:    tracker,
		resilience: res,
		journal:    journal,
		pm:         cfg.PositionManagement,
		fees:       cfg.Trading.Fees,
		autoDetect: cfg.TPSLAutoDetection.Enabled,
		pair:       cfg.Trading.Pair,
		fallback:   cfg.Trading.FallbackBTCJPY,
		backtest:   cfg.Trading.Mode == "backtest",
		interval:   5 * time.Second,
		logger:     logger.With().Str("component", "stop_manager").Logger(),
		now:        time.Now,

		detectEvery:  6,   // ~30s
		cleanupEvery: 720, // ~1h
	}
}

// OnExit registers a callback invoked after each realized close.
func (m *Manager) OnExit(fn func(ClosedTrade)) { m.onExit = fn }

// SetPriceSource registers a streaming price source tried before the
// REST ticker.
func (m *Manager) SetPriceSource(fn func() (float64, bool)) { m.priceSource = fn }

// Start drains the orphan journal, then runs the monitoring loop until
// Stop or context cancellation. No-op in backtest mode.
func (m *Manager) Start(ctx context.Context) {
	if m.backtest {
		m.logger.Info().Msg("backtest mode, monitoring loop disabled")
		return
	}
	if m.journal != nil {
		m.journal.Drain(ctx, m.client, m.pair)
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.runPass(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for the current tick to finish.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
}

// runPass runs one monitoring tick plus the slower reconciliation and
// stale-order sweep on their cadences.
func (m *Manager) runPass(ctx context.Context) {
	m.Tick(ctx)
	m.tick++
	if m.autoDetect && m.tick%m.detectEvery == 0 {
		m.DetectAutoExecutions(ctx)
	}
	if m.tick%m.cleanupEvery == 0 {
		m.CleanupStaleOrders(ctx)
	}
}

// Tick runs one monitoring pass over every tracked position.
func (m *Manager) Tick(ctx context.Context) {
	price := m.currentPrice(ctx)
	for _, pos := range m.tracker.GetAll() {
		pos := pos
		m.checkPosition(ctx, &pos, price)
	}
}

func (m *Manager) currentPrice(ctx context.Context) float64 {
	if m.priceSource != nil {
		if price, ok := m.priceSource(); ok && price > 0 {
			return price
		}
	}
	ticker, err := m.client.FetchTicker(ctx, m.pair)
	if err != nil || ticker.Last <= 0 {
		m.logger.Warn().Err(err).Float64("fallback", m.fallback).Msg("ticker unavailable, using fallback price")
		return m.fallback
	}
	return ticker.Last
}

func (m *Manager) checkPosition(ctx context.Context, pos *position.Position, price float64) {
	// TP first: a favorable cross closes the position and cleans up the SL
	if pos.TakeProfit > 0 && crossedFavorably(pos.Side, price, pos.TakeProfit) {
		m.executeExit(ctx, pos, price, ReasonTakeProfit)
		return
	}

	if pos.SLOrderID != "" && m.pm.StopLoss.SkipBotMonitoring {
		m.checkNativeSLTimeout(ctx, pos, price)
	} else if pos.StopLoss > 0 && crossedUnfavorably(pos.Side, price, pos.StopLoss) {
		m.executeExit(ctx, pos, price, ReasonStopLoss)
		return
	}

	m.checkEmergencyExit(ctx, pos, price)
}

func crossedFavorably(side string, price, target float64) bool {
	if side == exchange.SideBuy {
		return price >= target
	}
	return price <= target
}

func crossedUnfavorably(side string, price, target float64) bool {
	if side == exchange.SideBuy {
		return price <= target
	}
	return price >= target
}

// checkNativeSLTimeout verifies a native stop-limit that has been resting
// past its timeout. The market fallback fires only when the exchange
// confirms the order is in no known state AND the price sits inside the
// SL zone; transient API errors never trigger it.
func (m *Manager) checkNativeSLTimeout(ctx context.Context, pos *position.Position, price float64) {
	if pos.SLPlacedAt.IsZero() || m.now().Sub(pos.SLPlacedAt) <= m.pm.StopLoss.StopLimitTimeout() {
		return
	}

	order, err := m.client.FetchOrder(ctx, pos.SLOrderID, pos.Pair)
	if err != nil {
		if exchange.IsOrderNotFound(err) && m.inSLZone(pos, price) {
			m.logger.Warn().Str("position_id", pos.ID).Msg("native SL missing inside SL zone, falling back to market exit")
			m.executeExit(ctx, pos, price, ReasonSLTimeout)
			return
		}
		m.logger.Warn().Err(err).Str("sl_order_id", pos.SLOrderID).Msg("native SL status check failed, skipping")
		return
	}

	switch order.Status {
	case exchange.StatusOpen, exchange.StatusClosed, exchange.StatusCanceled:
		// a known state needs no fallback; closed/canceled are handled
		// by the detection pass
		return
	}
	if m.inSLZone(pos, price) {
		m.logger.Warn().
			Str("position_id", pos.ID).
			Str("sl_status", order.Status).
			Msg("native SL in unknown state inside SL zone, falling back to market exit")
		m.executeExit(ctx, pos, price, ReasonSLTimeout)
		return
	}
	m.logger.Info().Str("position_id", pos.ID).Str("sl_status", order.Status).Msg("native SL in unknown state, price outside SL zone, skipping")
}

func (m *Manager) inSLZone(pos *position.Position, price float64) bool {
	if pos.StopLoss <= 0 {
		return false
	}
	margin := m.pm.StopLoss.SafetyMarginRatio
	return math.Abs(price-pos.StopLoss)/pos.StopLoss <= margin
}

// checkEmergencyExit closes a position at market when its unrealized loss
// exceeds the threshold after the minimum hold period, cooldown or not.
func (m *Manager) checkEmergencyExit(ctx context.Context, pos *position.Position, price float64) {
	es := m.pm.EmergencyStopLoss
	if !es.Enabled || pos.EntryPrice <= 0 {
		return
	}
	if m.now().Sub(pos.OpenedAt) < time.Duration(es.MinHoldMinutes)*time.Minute {
		return
	}
	var lossRatio float64
	if pos.Side == exchange.SideBuy {
		lossRatio = (pos.EntryPrice - price) / pos.EntryPrice
	} else {
		lossRatio = (price - pos.EntryPrice) / pos.EntryPrice
	}
	if lossRatio >= es.MaxLossThreshold {
		m.logger.Error().
			Str("position_id", pos.ID).
			Float64("loss_ratio", lossRatio).
			Msg("emergency stop loss triggered")
		m.executeExit(ctx, pos, price, ReasonEmergency)
	}
}

// executeExit closes the position with a reverse market order and cleans
// up both protective orders.
func (m *Manager) executeExit(ctx context.Context, pos *position.Position, price float64, reason string) {
	exitSide := exchange.SideSell
	if pos.Side == exchange.SideSell {
		exitSide = exchange.SideBuy
	}

	order, err := m.client.CreateOrder(ctx, exchange.OrderRequest{
		Pair:              pos.Pair,
		Side:              exitSide,
		Type:              exchange.TypeMarket,
		Amount:            pos.Amount,
		IsClosingOrder:    true,
		EntryPositionSide: pos.PositionSide(),
	})
	if err != nil {
		if exchange.IsPositionMissing(err) {
			m.logger.Info().Str("position_id", pos.ID).Msg("position already closed at the exchange")
			m.finalizeClose(ctx, pos, price, reason)
			return
		}
		m.resilience.RecordError("stop_manager", "exit_failed", err.Error(), resilience.SeverityCritical)
		m.logger.Error().Err(err).Str("position_id", pos.ID).Str("reason", reason).Msg("exit order failed")
		return
	}
	m.resilience.RecordSuccess("stop_manager")

	exitPrice := order.FillPrice()
	if exitPrice <= 0 {
		exitPrice = price
	}
	m.finalizeClose(ctx, pos, exitPrice, reason)
}

// finalizeClose removes the position, cancels leftover protective orders,
// and records the realized trade.
func (m *Manager) finalizeClose(ctx context.Context, pos *position.Position, exitPrice float64, reason string) {
	_, ids, ok := m.tracker.RemoveWithCleanup(pos.ID)
	if !ok {
		return
	}
	for _, id := range []string{ids.TPOrderID, ids.SLOrderID} {
		if id == "" {
			continue
		}
		if err := m.client.CancelOrder(ctx, id, pos.Pair); err != nil && !exchange.IsOrderNotFound(err) {
			if id == ids.SLOrderID && m.journal != nil {
				if jerr := m.journal.Append(id, err.Error()); jerr != nil {
					m.logger.Error().Err(jerr).Msg("orphan journal append failed")
				}
			} else {
				m.logger.Warn().Err(err).Str("order_id", id).Msg("protective order cleanup failed")
			}
		}
	}
	m.recordClose(pos, exitPrice, reason)
}

func (m *Manager) recordClose(pos *position.Position, exitPrice float64, reason string) {
	trade := ClosedTrade{
		PositionID: pos.ID,
		Pair:       pos.Pair,
		Side:       pos.Side,
		Amount:     pos.Amount,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		PnL:        m.realizedPnL(pos, exitPrice),
		Reason:     reason,
		ClosedAt:   m.now(),
	}
	m.mu.Lock()
	m.closed = append(m.closed, trade)
	m.mu.Unlock()

	m.logger.Info().
		Str("position_id", trade.PositionID).
		Str("reason", reason).
		Float64("exit_price", exitPrice).
		Float64("pnl", trade.PnL).
		Msg("position closed")
	if m.onExit != nil {
		m.onExit(trade)
	}
}

// realizedPnL is gross direction PnL minus taker fees both ways.
func (m *Manager) realizedPnL(pos *position.Position, exitPrice float64) float64 {
	var gross float64
	if pos.Side == exchange.SideBuy {
		gross = (exitPrice - pos.EntryPrice) * pos.Amount
	} else {
		gross = (pos.EntryPrice - exitPrice) * pos.Amount
	}
	fees := pos.EntryPrice*pos.Amount*m.fees.EntryTakerRate + exitPrice*pos.Amount*m.fees.ExitTakerRate
	return gross - fees
}

// ClosedTrades returns a copy of the realized trade log.
func (m *Manager) ClosedTrades() []ClosedTrade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ClosedTrade, len(m.closed))
	copy(out, m.closed)
	return out
}
