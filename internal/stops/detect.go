package stops

import (
	"context"

	"github.com/nao-namake/crypto-bot-sub005/internal/exchange"
	"github.com/nao-namake/crypto-bot-sub005/internal/position"
	"github.com/nao-namake/crypto-bot-sub005/internal/resilience"
)

// DetectAutoExecutions reconciles tracked positions against the
// exchange's open positions. A tracked position whose side has vanished
// from the exchange is attributed to exactly one of: TP auto-execution,
// SL auto-execution, or no-match. The paired protective order is
// cancelled, with orphan journaling when the cancel fails.
func (m *Manager) DetectAutoExecutions(ctx context.Context) {
	actual, err := m.client.FetchMarginPositions(ctx, m.pair)
	if err != nil {
		m.resilience.RecordError("stop_manager", "position_fetch", err.Error(), resilience.SeverityWarning)
		m.logger.Warn().Err(err).Msg("position reconciliation skipped")
		return
	}
	m.resilience.RecordSuccess("stop_manager")

	for _, pos := range m.tracker.GetOrphanedPositions(actual) {
		pos := pos
		m.resolveDisappeared(ctx, &pos)
	}
}

func (m *Manager) resolveDisappeared(ctx context.Context, pos *position.Position) {
	if tp := m.orderStatus(ctx, pos.TPOrderID, pos.Pair); tp != nil && tp.Status == exchange.StatusClosed {
		m.logger.Info().Str("position_id", pos.ID).Msg("take profit auto-executed at the exchange")
		m.cleanupPaired(ctx, pos, pos.SLOrderID)
		m.removeAndRecord(pos, tp.FillPrice(), ReasonTPAutoExec)
		return
	}
	if sl := m.orderStatus(ctx, pos.SLOrderID, pos.Pair); sl != nil && sl.Status == exchange.StatusClosed {
		m.logger.Info().Str("position_id", pos.ID).Msg("stop loss auto-executed at the exchange")
		m.cleanupPaired(ctx, pos, pos.TPOrderID)
		m.removeAndRecord(pos, sl.FillPrice(), ReasonSLAutoExec)
		return
	}

	// no-match: the position is gone but neither protective order
	// reports a fill. Leave the record for the next pass rather than
	// guess an exit price.
	m.logger.Warn().
		Str("position_id", pos.ID).
		Str("tp_order_id", pos.TPOrderID).
		Str("sl_order_id", pos.SLOrderID).
		Msg("tracked position disappeared with no matching TP/SL fill")
}

func (m *Manager) orderStatus(ctx context.Context, orderID, pair string) *exchange.Order {
	if orderID == "" {
		return nil
	}
	order, err := m.client.FetchOrder(ctx, orderID, pair)
	if err != nil {
		if !exchange.IsOrderNotFound(err) {
			m.logger.Warn().Err(err).Str("order_id", orderID).Msg("order status check failed")
		}
		return nil
	}
	return order
}

// cleanupPaired cancels the surviving protective order; an uncancellable
// SL goes to the orphan journal.
func (m *Manager) cleanupPaired(ctx context.Context, pos *position.Position, orderID string) {
	if orderID == "" {
		return
	}
	err := m.client.CancelOrder(ctx, orderID, pos.Pair)
	if err == nil || exchange.IsOrderNotFound(err) {
		return
	}
	if orderID == pos.SLOrderID && m.journal != nil {
		if jerr := m.journal.Append(orderID, err.Error()); jerr != nil {
			m.logger.Error().Err(jerr).Msg("orphan journal append failed")
		}
		return
	}
	m.logger.Warn().Err(err).Str("order_id", orderID).Msg("paired order cleanup failed")
}

func (m *Manager) removeAndRecord(pos *position.Position, exitPrice float64, reason string) {
	if _, ok := m.tracker.Remove(pos.ID); !ok {
		return
	}
	if exitPrice <= 0 {
		if reason == ReasonTPAutoExec {
			exitPrice = pos.TakeProfit
		} else {
			exitPrice = pos.StopLoss
		}
	}
	m.recordClose(pos, exitPrice, reason)
}

// CleanupStaleOrders cancels unfilled orders older than the configured
// age once the active count exceeds the threshold. Protective orders of
// live tracked positions are exempt.
func (m *Manager) CleanupStaleOrders(ctx context.Context) {
	orders, err := m.client.FetchActiveOrders(ctx, m.pair, 100)
	if err != nil {
		m.logger.Warn().Err(err).Msg("stale order scan failed")
		return
	}
	if len(orders) <= m.pm.Cleanup.ThresholdCount {
		return
	}

	protected := make(map[string]struct{})
	for _, p := range m.tracker.GetAll() {
		if p.TPOrderID != "" {
			protected[p.TPOrderID] = struct{}{}
		}
		if p.SLOrderID != "" {
			protected[p.SLOrderID] = struct{}{}
		}
	}

	maxAgeMS := int64(m.pm.Cleanup.MaxAgeHours) * 3600 * 1000
	nowMS := m.now().UnixMilli()
	for _, o := range orders {
		if _, ok := protected[o.ID]; ok {
			continue
		}
		if o.OrderedAt == 0 || nowMS-o.OrderedAt < maxAgeMS {
			continue
		}
		if err := m.client.CancelOrder(ctx, o.ID, m.pair); err != nil && !exchange.IsOrderNotFound(err) {
			m.logger.Warn().Err(err).Str("order_id", o.ID).Msg("stale order cancel failed")
			continue
		}
		m.logger.Info().Str("order_id", o.ID).Msg("stale order cancelled")
	}
}
