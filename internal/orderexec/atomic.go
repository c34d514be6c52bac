package orderexec

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nao-namake/crypto-bot-sub005/config"
	"github.com/nao-namake/crypto-bot-sub005/internal/exchange"
	"github.com/nao-namake/crypto-bot-sub005/internal/position"
)

// AtomicEntry places TP and SL for a filled entry as one transaction:
// either both protective orders stand or everything, entry included, is
// unwound.
type AtomicEntry struct {
	client  exchange.Client
	tracker *position.Tracker
	cleanup config.CleanupConfig
	slCfg   config.StopLossConfig
	logger  zerolog.Logger
	sleep   func(context.Context, time.Duration) error

	mu                         sync.Mutex
	manualInterventionRequired bool
}

const placeMaxRetries = 3

// NewAtomicEntry builds an AtomicEntry manager.
func NewAtomicEntry(client exchange.Client, tracker *position.Tracker, cleanup config.CleanupConfig, slCfg config.StopLossConfig, logger zerolog.Logger) *AtomicEntry {
	return &AtomicEntry{
		client:  client,
		tracker: tracker,
		cleanup: cleanup,
		slCfg:   slCfg,
		logger:  logger.With().Str("component", "atomic_entry").Logger(),
		sleep:   sleepCtx,
	}
}

// SetSleep replaces the retry wait, for tests.
func (a *AtomicEntry) SetSleep(fn func(context.Context, time.Duration) error) {
	a.sleep = fn
}

// ManualInterventionRequired reports whether a rollback failed to cancel
// an entry order, leaving state an operator must resolve.
func (a *AtomicEntry) ManualInterventionRequired() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.manualInterventionRequired
}

// ClearManualIntervention resets the operator flag.
func (a *AtomicEntry) ClearManualIntervention() {
	a.mu.Lock()
	a.manualInterventionRequired = false
	a.mu.Unlock()
}

// CleanupOldTPSL cancels TP/SL-shaped orders on the exit side of a new
// entry that no tracked position owns. It only fires once the active
// order count exceeds the configured threshold, protecting the
// exchange's order cap.
func (a *AtomicEntry) CleanupOldTPSL(ctx context.Context, pair, entrySide string) {
	orders, err := a.client.FetchActiveOrders(ctx, pair, 100)
	if err != nil {
		a.logger.Warn().Err(err).Msg("active order scan failed, skipping cleanup")
		return
	}
	if len(orders) <= a.cleanup.ThresholdCount {
		return
	}

	exitSide := exchange.SideSell
	if entrySide == exchange.SideSell {
		exitSide = exchange.SideBuy
	}

	owned := make(map[string]struct{})
	for _, p := range a.tracker.GetAll() {
		if p.TPOrderID != "" {
			owned[p.TPOrderID] = struct{}{}
		}
		if p.SLOrderID != "" {
			owned[p.SLOrderID] = struct{}{}
		}
	}

	for _, o := range orders {
		if o.Side != exitSide {
			continue
		}
		if o.Type != exchange.TypeLimit && o.Type != exchange.TypeStop && o.Type != exchange.TypeStopLimit {
			continue
		}
		if _, ok := owned[o.ID]; ok {
			continue
		}
		if err := a.client.CancelOrder(ctx, o.ID, pair); err != nil && !exchange.IsOrderNotFound(err) {
			a.logger.Warn().Err(err).Str("order_id", o.ID).Msg("stale protective order cancel failed")
			continue
		}
		a.logger.Info().Str("order_id", o.ID).Str("type", o.Type).Msg("stale protective order cancelled")
	}
}

// placeWithRetry tries up to placeMaxRetries with 2^(n-1)s waits.
func (a *AtomicEntry) placeWithRetry(ctx context.Context, req exchange.OrderRequest, label string) (*exchange.Order, error) {
	var lastErr error
	for attempt := 1; attempt <= placeMaxRetries; attempt++ {
		order, err := a.client.CreateOrder(ctx, req)
		if err == nil {
			return order, nil
		}
		lastErr = err
		a.logger.Warn().Err(err).Str("order", label).Int("attempt", attempt).Msg("protective order placement failed")
		if attempt < placeMaxRetries {
			wait := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			if err := a.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("placing %s after %d attempts: %w", label, placeMaxRetries, lastErr)
}

// Result carries the protective order IDs of a successful atomic block.
type Result struct {
	TPOrderID string
	SLOrderID string
}

// PlaceProtection runs the atomic block for a tracked position whose
// entry has already filled: place TP, place SL, record both in the
// tracker. Any failure rolls everything back, removes the position, and
// returns an error.
func (a *AtomicEntry) PlaceProtection(ctx context.Context, pos *position.Position, tpsl TPSL) (Result, error) {
	exitSide := exchange.SideSell
	if pos.Side == exchange.SideSell {
		exitSide = exchange.SideBuy
	}
	positionSide := pos.PositionSide()

	tpOrder, err := a.placeWithRetry(ctx, exchange.OrderRequest{
		Pair:              pos.Pair,
		Side:              exitSide,
		Type:              exchange.TypeLimit,
		Amount:            pos.Amount,
		Price:             tpsl.TakeProfit,
		IsClosingOrder:    true,
		EntryPositionSide: positionSide,
	}, "take-profit")
	if err != nil {
		a.rollback(ctx, pos, "", "")
		return Result{}, fmt.Errorf("atomic entry: %w", err)
	}

	slType := a.slCfg.OrderType
	if slType == "" {
		slType = exchange.TypeStop
	}
	slReq := exchange.OrderRequest{
		Pair:              pos.Pair,
		Side:              exitSide,
		Type:              slType,
		Amount:            pos.Amount,
		TriggerPrice:      tpsl.StopLoss,
		IsClosingOrder:    true,
		EntryPositionSide: positionSide,
	}
	if slType == exchange.TypeStopLimit {
		slReq.Price = tpsl.StopLoss
	}
	slOrder, err := a.placeWithRetry(ctx, slReq, "stop-loss")
	if err != nil {
		a.rollback(ctx, pos, tpOrder.ID, "")
		return Result{}, fmt.Errorf("atomic entry: %w", err)
	}

	if !a.tracker.UpdateTPSL(pos.ID, tpsl.TakeProfit, tpsl.StopLoss, tpOrder.ID, slOrder.ID) {
		a.rollback(ctx, pos, tpOrder.ID, slOrder.ID)
		return Result{}, fmt.Errorf("atomic entry: position %s vanished before TP/SL record", pos.ID)
	}

	a.logger.Info().
		Str("position_id", pos.ID).
		Str("tp_order_id", tpOrder.ID).
		Str("sl_order_id", slOrder.ID).
		Msg("protective orders placed")
	return Result{TPOrderID: tpOrder.ID, SLOrderID: slOrder.ID}, nil
}

// rollback unwinds a partial atomic block: cancel TP and SL if placed,
// then close the entry, then drop the local record. Every cancel is best
// effort; a failed entry unwind raises the manual-intervention flag.
func (a *AtomicEntry) rollback(ctx context.Context, pos *position.Position, tpID, slID string) {
	for _, id := range []string{tpID, slID} {
		if id == "" {
			continue
		}
		if err := a.client.CancelOrder(ctx, id, pos.Pair); err != nil && !exchange.IsOrderNotFound(err) {
			a.logger.Warn().Err(err).Str("order_id", id).Msg("rollback cancel failed")
		}
	}

	// the entry already filled: unwind with a reverse market close
	exitSide := exchange.SideSell
	if pos.Side == exchange.SideSell {
		exitSide = exchange.SideBuy
	}
	_, err := a.client.CreateOrder(ctx, exchange.OrderRequest{
		Pair:              pos.Pair,
		Side:              exitSide,
		Type:              exchange.TypeMarket,
		Amount:            pos.Amount,
		IsClosingOrder:    true,
		EntryPositionSide: pos.PositionSide(),
	})
	if err != nil && !exchange.IsPositionMissing(err) {
		a.mu.Lock()
		a.manualInterventionRequired = true
		a.mu.Unlock()
		a.logger.Error().Err(err).
			Str("position_id", pos.ID).
			Msg("rollback entry unwind failed, manual intervention required")
	}

	a.tracker.Remove(pos.ID)
}
