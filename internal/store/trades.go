package store

import (
	"context"
	"fmt"
	"time"
)

// TradeRecord is one realized close as persisted.
type TradeRecord struct {
	ID         int64     `json:"id"`
	PositionID string    `json:"position_id"`
	Pair       string    `json:"pair"`
	Side       string    `json:"side"`
	Amount     float64   `json:"amount"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	PnL        float64   `json:"pnl"`
	Reason     string    `json:"reason"`
	ClosedAt   time.Time `json:"closed_at"`
}

// Summary aggregates realized performance over a window.
type Summary struct {
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	WinRate  float64 `json:"win_rate"`
	TotalPnL float64 `json:"total_pnl"`
}

// SaveTrade inserts one closed trade.
func (s *Store) SaveTrade(ctx context.Context, t TradeRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO closed_trades
			(position_id, pair, side, amount, entry_price, exit_price, pnl, reason, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.PositionID, t.Pair, t.Side, t.Amount, t.EntryPrice, t.ExitPrice, t.PnL, t.Reason, t.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting closed trade: %w", err)
	}
	return nil
}

// RecentTrades returns the latest closes, newest first.
func (s *Store) RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, pair, side, amount, entry_price, exit_price, pnl, reason, closed_at
		FROM closed_trades
		ORDER BY closed_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying closed trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(&t.ID, &t.PositionID, &t.Pair, &t.Side, &t.Amount,
			&t.EntryPrice, &t.ExitPrice, &t.PnL, &t.Reason, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("scanning closed trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Summarize aggregates wins, losses, and net PnL since the given time.
func (s *Store) Summarize(ctx context.Context, since time.Time) (Summary, error) {
	var sum Summary
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN pnl <= 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(pnl), 0)
		FROM closed_trades
		WHERE closed_at >= $1`, since).
		Scan(&sum.Trades, &sum.Wins, &sum.Losses, &sum.TotalPnL)
	if err != nil {
		return Summary{}, fmt.Errorf("summarizing trades: %w", err)
	}
	if sum.Trades > 0 {
		sum.WinRate = float64(sum.Wins) / float64(sum.Trades)
	}
	return sum, nil
}
