// Package position keeps the bot's in-memory registry of virtual
// positions. The tracker is the sole owner; other components mutate
// positions only through its API.
package position

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nao-namake/crypto-bot-sub005/internal/exchange"
)

// Position is one tracked virtual position with its protective orders.
type Position struct {
	ID         string    `json:"id"`
	Pair       string    `json:"pair"`
	Side       string    `json:"side"` // buy or sell
	Amount     float64   `json:"amount"`
	EntryPrice float64   `json:"entry_price"`
	Strategy   string    `json:"strategy"`
	TakeProfit float64   `json:"take_profit"`
	StopLoss   float64   `json:"stop_loss"`
	TPOrderID  string    `json:"tp_order_id"`
	SLOrderID  string    `json:"sl_order_id"`
	SLPlacedAt time.Time `json:"sl_placed_at"`
	OpenedAt   time.Time `json:"opened_at"`
}

// PositionSide maps the order side onto the margin position side.
func (p *Position) PositionSide() string {
	if p.Side == exchange.SideBuy {
		return exchange.PositionLong
	}
	return exchange.PositionShort
}

// Exposure holds notional totals by direction.
type Exposure struct {
	BuyNotional  float64 `json:"buy_notional"`
	SellNotional float64 `json:"sell_notional"`
	Total        float64 `json:"total"`
}

// CleanupIDs carries the protective order IDs of a removed position for
// caller-driven exchange cleanup.
type CleanupIDs struct {
	TPOrderID string
	SLOrderID string
}

// Tracker is the mutex-guarded position registry.
type Tracker struct {
	mu        sync.Mutex
	positions []*Position
	logger    zerolog.Logger
}

// NewTracker builds an empty Tracker.
func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{
		logger: logger.With().Str("component", "position_tracker").Logger(),
	}
}

// Add appends a new position and returns it. A missing ID is generated.
func (t *Tracker) Add(p Position) *Position {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now()
	}
	t.mu.Lock()
	stored := p
	t.positions = append(t.positions, &stored)
	t.mu.Unlock()

	t.logger.Info().
		Str("position_id", stored.ID).
		Str("side", stored.Side).
		Float64("amount", stored.Amount).
		Float64("entry_price", stored.EntryPrice).
		Str("strategy", stored.Strategy).
		Msg("position tracked")
	return &p
}

// Remove deletes the position and returns a copy of the removed record.
func (t *Tracker) Remove(id string) (Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.positions {
		if p.ID == id {
			removed := *p
			t.positions = append(t.positions[:i], t.positions[i+1:]...)
			t.logger.Info().Str("position_id", id).Msg("position removed")
			return removed, true
		}
	}
	return Position{}, false
}

// RemoveWithCleanup removes the position and also hands back its TP/SL
// order IDs so the caller can cancel them at the exchange.
func (t *Tracker) RemoveWithCleanup(id string) (Position, CleanupIDs, bool) {
	removed, ok := t.Remove(id)
	if !ok {
		return Position{}, CleanupIDs{}, false
	}
	return removed, CleanupIDs{TPOrderID: removed.TPOrderID, SLOrderID: removed.SLOrderID}, true
}

// Find returns a copy of the position with the given ID.
func (t *Tracker) Find(id string) (Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.positions {
		if p.ID == id {
			return *p, true
		}
	}
	return Position{}, false
}

// FindBySide returns copies of all positions on a side.
func (t *Tracker) FindBySide(side string) []Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Position
	for _, p := range t.positions {
		if p.Side == side {
			out = append(out, *p)
		}
	}
	return out
}

// GetAll returns a defensive copy of every tracked position in order.
func (t *Tracker) GetAll() []Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Position, len(t.positions))
	for i, p := range t.positions {
		out[i] = *p
	}
	return out
}

// Count returns the number of tracked positions.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.positions)
}

// TotalExposure sums notionals by direction.
func (t *Tracker) TotalExposure() Exposure {
	t.mu.Lock()
	defer t.mu.Unlock()
	var e Exposure
	for _, p := range t.positions {
		notional := p.Amount * p.EntryPrice
		if p.Side == exchange.SideBuy {
			e.BuyNotional += notional
		} else {
			e.SellNotional += notional
		}
	}
	e.Total = e.BuyNotional + e.SellNotional
	return e
}

// UpdateTPSL partially updates the protective prices and order IDs. Empty
// strings and zero prices leave the current value in place.
func (t *Tracker) UpdateTPSL(id string, tp, sl float64, tpOrderID, slOrderID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.positions {
		if p.ID != id {
			continue
		}
		if tp > 0 {
			p.TakeProfit = tp
		}
		if sl > 0 {
			p.StopLoss = sl
		}
		if tpOrderID != "" {
			p.TPOrderID = tpOrderID
		}
		if slOrderID != "" {
			p.SLOrderID = slOrderID
			p.SLPlacedAt = time.Now()
		}
		return true
	}
	return false
}

// GetOrphanedPositions returns tracked positions whose side has no open
// position at the exchange. Matching is side presence with nonzero
// amount; per-record amounts are not compared since the exchange
// aggregates by side.
func (t *Tracker) GetOrphanedPositions(actual []exchange.MarginPosition) []Position {
	sideOpen := make(map[string]bool, 2)
	for _, mp := range actual {
		if mp.Amount > 0 {
			sideOpen[mp.Side] = true
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var orphans []Position
	for _, p := range t.positions {
		if !sideOpen[p.PositionSide()] {
			orphans = append(orphans, *p)
		}
	}
	return orphans
}
